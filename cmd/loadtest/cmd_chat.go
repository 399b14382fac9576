package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/whisper/relay/internal/loadtest"
)

type ChatCmd struct {
	flags *Flags

	duration time.Duration
	interval time.Duration
	size     int
	direct   bool
}

func NewChatCmd(flags *Flags) *ChatCmd {
	return &ChatCmd{flags: flags}
}

// Register adds the chat command to the application.
func (cmd *ChatCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "chat",
		Usage: "Identify every client and exchange messages",
		Description: `Every client identifies as load-<n> and sends a message each interval
for the test duration. Latency is measured from send until the relay
delivers the message back to its sender. Keep the interval above the
relay's SEND_COOLDOWN or most sends come back as warnings.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:        "duration",
				Usage:       "how long clients keep chatting",
				Value:       30 * time.Second,
				Destination: &cmd.duration,
			},
			&cli.DurationFlag{
				Name:        "interval",
				Usage:       "time between messages per client",
				Value:       2 * time.Second,
				Destination: &cmd.interval,
			},
			&cli.IntFlag{
				Name:        "size",
				Usage:       "message size in bytes",
				Value:       64,
				Destination: &cmd.size,
			},
			&cli.BoolFlag{
				Name:        "direct",
				Usage:       "send to a random peer instead of broadcasting",
				Destination: &cmd.direct,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *ChatCmd) run(ctx context.Context, c *cli.Command) error {
	if cmd.interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	fmt.Printf("Chat: %d clients to %s (duration=%s, interval=%s, size=%d, direct=%v)\n",
		cmd.flags.Clients, cmd.flags.URL, cmd.duration, cmd.interval, cmd.size, cmd.direct)

	collector := loadtest.NewCollector()
	clients := rampUp(ctx, cmd.flags, collector, func(i int, cl *loadtest.Client) {
		cl.OnEcho(collector.AddEcho)
		_ = cl.Identify(fmt.Sprintf("load-%d", i))
	})

	ids := make([]string, len(clients))
	for i, cl := range clients {
		ids[i] = cl.SessionID()
	}

	runCtx, cancel := context.WithTimeout(ctx, cmd.duration)
	defer cancel()

	var wg sync.WaitGroup
	for i, cl := range clients {
		wg.Add(1)
		go func(i int, cl *loadtest.Client) {
			defer wg.Done()
			cmd.chat(runCtx, i, cl, ids)
		}(i, cl)
	}
	wg.Wait()

	// Let in-flight echoes land.
	time.Sleep(time.Second)
	closeAll(clients, collector)

	collector.Report(os.Stdout)
	return nil
}

func (cmd *ChatCmd) chat(ctx context.Context, i int, cl *loadtest.Client, ids []string) {
	ticker := time.NewTicker(cmd.interval)
	defer ticker.Stop()

	pad := strings.Repeat("x", max(cmd.size-16, 0))
	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-cl.Done():
			return
		case <-ticker.C:
		}

		to := ""
		if cmd.direct && len(ids) > 1 {
			to = ids[(i+1+seq%(len(ids)-1))%len(ids)]
		}
		if err := cl.SendText(fmt.Sprintf("%d-%d %s", i, seq, pad), to); err != nil {
			return
		}
	}
}
