package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knowledge-hub/knowledge-hub/internal/config"
	"github.com/knowledge-hub/knowledge-hub/internal/infrastructure/postgres"
	"github.com/knowledge-hub/knowledge-hub/internal/log"
)

// NewMigrateCommand applies the Postgres migrations and exits.
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if cfg.Database.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate requires STORE_DRIVER=%s, got %s", config.DriverPostgres, cfg.Database.Driver)
			}
			logger := log.New(log.Config{Level: cfg.LogLevel, Output: cmd.ErrOrStderr(), Version: Version})

			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("db error: %w", err)
			}
			defer pool.Close()

			return postgres.RunMigrations(ctx, pool, cfg.Database.MigrationsDir, logger)
		},
	}
}
