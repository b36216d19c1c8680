package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/replyflow/internal/config"
	"github.com/replyflow/internal/database"
	"github.com/replyflow/internal/jobqueue"
	"github.com/replyflow/internal/logging"
	"github.com/replyflow/internal/store"
)

// MigrateCommand applies the conversation schema and the queue schema.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.Setup(cfg.General.LogLevel, cfg.General.LogFormat)
			ctx := c.Context

			db, err := database.NewDB(ctx, cfg.Database.URL, 2)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.Migrate(ctx, db); err != nil {
				return err
			}
			logger.Info().Msg("Conversation schema applied")

			pool, err := database.NewPool(ctx, cfg.Database.URL, 2)
			if err != nil {
				return err
			}
			defer pool.Close()
			return jobqueue.Migrate(ctx, pool, logger)
		},
	}
}
