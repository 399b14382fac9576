package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/relay/internal/ban"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/config"
	"github.com/whisper/relay/internal/history"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/report"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "moderator: %v\n", err)
		os.Exit(1)
	}
	log := cfg.NewLogger(os.Stderr).With().Str("component", "moderator").Logger()

	if cfg.NATSURL == "" {
		log.Fatal().Msg("NATS_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "whisper-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer natsClient.Close()

	a := &auditor{
		filter: moderation.NewFilter(moderation.WithExtraTerms(cfg.ModerationTerms...), moderation.WithSpamChecks()),
		pub:    natsClient,
		log:    log,
	}

	// Redis setup. Without it flags are still published but nobody is muted.
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, mutes disabled")
			_ = rdb.Close()
		} else {
			a.strikes = ban.NewStore(rdb)
			defer rdb.Close()
		}
	}

	// PostgreSQL setup. The schema is owned by `relay migrate`.
	if cfg.DatabaseURL != "" {
		pg, err := history.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, flags are not stored")
		} else {
			a.reports = report.NewStore(pg.DB())
			defer pg.Close()
		}
	}

	err = natsClient.SubscribeMessages(func(ev chat.MessageEvent) {
		evCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.review(evCtx, ev)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to relayed messages")
	}

	metricsServer := &http.Server{
		Addr:              cfg.ModeratorMetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	log.Info().
		Str("nats_url", natsConfig.URL).
		Bool("strikes", a.strikes != nil).
		Bool("reports", a.reports != nil).
		Int("terms", a.filter.Len()).
		Str("metrics_addr", cfg.ModeratorMetricsAddr).
		Msg("moderation service running")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
