package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/whisper/relay/internal/loadtest"
)

type SaturateCmd struct {
	flags *Flags

	hold time.Duration
}

func NewSaturateCmd(flags *Flags) *SaturateCmd {
	return &SaturateCmd{flags: flags}
}

// Register adds the saturate command to the application.
func (cmd *SaturateCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "saturate",
		Usage: "Open idle connections and hold them",
		Description: `Each client connects and waits for session_created, then stays silent
for the hold period. Clients dropped by the relay during the hold are
reported, which exercises the heartbeat and the connection cap.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:        "hold",
				Usage:       "how long to keep connections open",
				Value:       30 * time.Second,
				Destination: &cmd.hold,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *SaturateCmd) run(ctx context.Context, c *cli.Command) error {
	fmt.Printf("Saturate: %d clients to %s (ramp=%s, hold=%s)\n",
		cmd.flags.Clients, cmd.flags.URL, cmd.flags.Ramp, cmd.hold)

	collector := loadtest.NewCollector()
	clients := rampUp(ctx, cmd.flags, collector, nil)

	select {
	case <-ctx.Done():
	case <-time.After(cmd.hold):
	}

	dropped := 0
	for _, cl := range clients {
		select {
		case <-cl.Done():
			dropped++
		default:
		}
	}
	closeAll(clients, collector)

	fmt.Printf("Dropped during hold: %d\n", dropped)
	collector.Report(os.Stdout)
	return nil
}
