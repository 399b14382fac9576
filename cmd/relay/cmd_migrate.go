package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/whisper/relay/internal/history"
)

type MigrateCmd struct {
	flags *Flags

	steps int
}

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd(flags *Flags) *MigrateCmd {
	return &MigrateCmd{flags: flags}
}

// Register adds the migrate command and its subcommands to the application.
func (cmd *MigrateCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "migrate",
		Usage:     "Manage the PostgreSQL schema",
		UsageText: "relay migrate [up|down|version]",
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply all pending migrations",
				Action: cmd.runUp,
			},
			{
				Name:  "down",
				Usage: "Roll back migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:        "steps",
						Aliases:     []string{"n"},
						Usage:       "number of migrations to roll back",
						Value:       1,
						Destination: &cmd.steps,
					},
				},
				Action: cmd.runDown,
			},
			{
				Name:   "version",
				Usage:  "Print the current schema version",
				Action: cmd.runVersion,
			},
		},
	})
	return app
}

func (cmd *MigrateCmd) open(ctx context.Context) (*history.PostgresStore, error) {
	if cmd.flags.Config.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	return history.Open(ctx, cmd.flags.Config.DatabaseURL)
}

func (cmd *MigrateCmd) runUp(ctx context.Context, c *cli.Command) error {
	pg, err := cmd.open(ctx)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := history.MigrateUp(pg.DB()); err != nil {
		return err
	}
	return cmd.report(pg, c)
}

func (cmd *MigrateCmd) runDown(ctx context.Context, c *cli.Command) error {
	if cmd.steps < 1 {
		return fmt.Errorf("steps must be at least 1, got %d", cmd.steps)
	}
	pg, err := cmd.open(ctx)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := history.MigrateDown(pg.DB(), cmd.steps); err != nil {
		return err
	}
	return cmd.report(pg, c)
}

func (cmd *MigrateCmd) runVersion(ctx context.Context, c *cli.Command) error {
	pg, err := cmd.open(ctx)
	if err != nil {
		return err
	}
	defer pg.Close()
	return cmd.report(pg, c)
}

func (cmd *MigrateCmd) report(pg *history.PostgresStore, c *cli.Command) error {
	v, dirty, err := history.SchemaVersion(pg.DB())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.Root().Writer, "schema version %d (dirty=%v)\n", v, dirty)
	cmd.flags.Log.Info().Uint("version", v).Bool("dirty", dirty).Msg("schema")
	return nil
}
