// Command loadtest drives simulated users against a running relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/whisper/relay/internal/loadtest"
)

// Flags are shared by every scenario.
type Flags struct {
	URL         string
	Clients     int
	Ramp        time.Duration
	Concurrency int
}

func main() {
	flags := &Flags{}

	app := &cli.Command{
		Name:  "loadtest",
		Usage: "Load test a running relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "relay WebSocket URL",
				Value:       "ws://localhost:8080/ws",
				Sources:     cli.EnvVars("LOADTEST_URL"),
				Destination: &flags.URL,
			},
			&cli.IntFlag{
				Name:        "clients",
				Aliases:     []string{"c"},
				Usage:       "number of simulated users",
				Value:       100,
				Destination: &flags.Clients,
			},
			&cli.DurationFlag{
				Name:        "ramp",
				Usage:       "spread connection attempts over this duration",
				Value:       10 * time.Second,
				Destination: &flags.Ramp,
			},
			&cli.IntFlag{
				Name:        "concurrency",
				Usage:       "maximum simultaneous connection attempts",
				Value:       50,
				Destination: &flags.Concurrency,
			},
		},
	}

	app = NewSaturateCmd(flags).Register(app)
	app = NewChatCmd(flags).Register(app)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

// rampUp opens flags.Clients connections spaced evenly over flags.Ramp and
// passes each to ready. It returns the clients that connected.
func rampUp(ctx context.Context, flags *Flags, collector *loadtest.Collector, ready func(i int, c *loadtest.Client)) []*loadtest.Client {
	interval := flags.Ramp / time.Duration(max(flags.Clients, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		mu      sync.Mutex
		clients = make([]*loadtest.Client, 0, flags.Clients)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, max(flags.Concurrency, 1))
	)

	for i := 0; i < flags.Clients; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return clients
		case <-ticker.C:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, err := loadtest.Dial(dialCtx, flags.URL)
			if err != nil {
				collector.AddError()
				return
			}
			if _, err := c.WaitForSession(dialCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)
			if ready != nil {
				ready(i, c)
			}

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)

		if (i+1)%100 == 0 {
			fmt.Printf("  [connect] %d/%d  errors: %d\n", collector.ConnectionCount(), flags.Clients, collector.ErrorCount())
		}
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*loadtest.Client, collector *loadtest.Collector) {
	for _, c := range clients {
		c.Close()
		collector.AddClient(c.Metrics())
	}
}
