package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/whisper/relay/internal/ban"
	"github.com/whisper/relay/internal/history"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/moderation"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/relay"
	"github.com/whisper/relay/internal/session"
	"github.com/whisper/relay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

type ServeCmd struct {
	flags *Flags
}

// NewServeCmd creates the serve command.
func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application.
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the WebSocket relay",
		UsageText: "relay serve",
		Description: `Starts the relay on LISTEN_ADDR. Redis (REDIS_ADDR) stores user status,
rate limits upgrades and holds mutes; PostgreSQL (DATABASE_URL) stores
message history, otherwise history is kept in memory; NATS (NATS_URL)
carries the audit feed. Leave an address empty to run without it.`,
		Action: cmd.run,
	})
	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	log := cmd.flags.Log

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []relay.Option{relay.WithHistoryLimit(cfg.HistoryLimit)}

	// --- Redis ---
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		store, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer store.Close()

		limiter = ratelimit.NewLimiter(store.Client(), log)
		opts = append(opts,
			relay.WithUserStore(store),
			relay.WithMuteList(ban.NewStore(store.Client())),
		)
	}

	// --- PostgreSQL ---
	if cfg.DatabaseURL != "" {
		pg, err := history.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pg.Close()

		if err := history.MigrateUp(pg.DB()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		opts = append(opts, relay.WithMessageStore(pg))
	} else {
		opts = append(opts, relay.WithMessageStore(history.NewMemoryStore(cfg.HistoryBufferSize)))
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "whisper-relay-" + cfg.ServerName

		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsClient.Close()
		opts = append(opts, relay.WithEventSink(natsClient))
	}

	var filterOpts []moderation.Option
	filterOpts = append(filterOpts, moderation.WithExtraTerms(cfg.ModerationTerms...))
	if cfg.ModerationSpamChecks {
		filterOpts = append(filterOpts, moderation.WithSpamChecks())
	}
	filter := moderation.NewFilter(filterOpts...)

	controller := relay.NewController(filter, ratelimit.NewCooldown(cfg.Cooldown), log, opts...)
	if n, err := controller.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("reconcile stale sessions failed")
	} else if n > 0 {
		log.Info().Int("users", n).Msg("marked stale sessions disconnected")
	}

	dispatcher := ws.NewMessageDispatcher(nil, log)
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.PingInterval,
			Timeout:  cfg.PongTimeout,
		},
	}, limiter, dispatcher.Dispatch, log)
	dispatcher.SetServer(server)
	controller.Attach(server, dispatcher)

	if natsClient != nil {
		err := natsClient.SubscribeMutes(func(m moderation.Mute) {
			server.Deliver(controller.Mute(m.SocketID, m.Duration))
		})
		if err != nil {
			return fmt.Errorf("subscribe mutes: %w", err)
		}
	}

	log.Info().
		Str("server_name", cfg.ServerName).
		Bool("redis", cfg.RedisAddr != "").
		Bool("postgres", cfg.DatabaseURL != "").
		Bool("nats", natsClient != nil).
		Dur("cooldown", cfg.Cooldown).
		Int("terms", filter.Len()).
		Msg("relay starting")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	closed := server.Shutdown(shutdownCtx)
	controller.Shutdown(shutdownCtx)
	log.Info().Int("connections", len(closed)).Msg("relay stopped")
	return nil
}
