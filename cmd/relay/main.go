package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/whisper/relay/internal/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

// Flags is shared by every command. Config and Log are filled in by the root
// Before hook.
type Flags struct {
	Config config.Config
	Log    zerolog.Logger
}

func main() {
	flags := &Flags{}

	app := &cli.Command{
		Name:      "relay",
		Usage:     "Real-time chat relay",
		UsageText: "relay [global options] command [command options]",
		Description: `relay accepts WebSocket clients, tracks who is online and relays broadcast
and direct messages between them, with a per-connection send cooldown and
a content filter in front of delivery.

Configuration is read from the environment and from a .env file in the
working directory.`,
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load()
			if err != nil {
				return ctx, err
			}
			flags.Config = cfg
			flags.Log = cfg.NewLogger(os.Stderr)
			return ctx, nil
		},
	}

	app = NewServeCmd(flags).Register(app)
	app = NewMigrateCmd(flags).Register(app)

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}
