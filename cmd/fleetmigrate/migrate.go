package main

import (
	"context"

	"github.com/andrej220/fleetmigrate/internal/journal"
	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/internal/migration"
	"github.com/andrej220/fleetmigrate/pkg/cloud"
	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/andrej220/fleetmigrate/pkg/executor"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newMigrateCommand(a *app) *cobra.Command {
	var (
		fleets      []string
		dryRun      bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate every device of the configured fleets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			cfg, err := a.loadConfig(func(c *config.MigrationConfig) {
				if len(fleets) > 0 {
					c.Fleets = fleets
				}
				if flags.Changed("dry-run") {
					c.DryRun = dryRun
				}
				if flags.Changed("concurrency") {
					c.Concurrency = concurrency
				}
			})
			if err != nil {
				return err
			}
			return runMigration(cmd.Context(), cfg, a.logger)
		},
	}
	cmd.Flags().StringSliceVarP(&fleets, "fleet", "f", nil, "fleet slug to migrate, replaces the configured list (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "read and merge configs without changing anything")
	cmd.Flags().IntVar(&concurrency, "concurrency", config.DefaultConcurrency, "devices migrated in parallel")
	return cmd
}

func runMigration(ctx context.Context, cfg *config.MigrationConfig, logger lg.Logger) error {
	runID := uuid.New()
	logger = logger.With(lg.String("runId", runID.String()))
	ctx = lg.Attach(ctx, logger)

	sinks, err := journal.Open(ctx, cfg.Journal, runID, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to close journal", lg.Err(err))
		}
	}()

	dialer, err := executor.NewSSHDialer(cfg.SSH, logger)
	if err != nil {
		return err
	}
	defer dialer.Close()

	m := migration.New(cfg, migration.Deps{
		Source:  cloud.NewFromEnvironment(cfg.Source, cloud.WithLogger(logger)),
		Target:  cloud.NewFromEnvironment(cfg.Target.Environment, cloud.WithLogger(logger)),
		Dialer:  dialer,
		Journal: sinks,
		Logger:  logger,
		RunID:   runID,
	})
	err = m.Run(ctx)

	stats := m.Stats()
	logger.Info("migration finished",
		lg.Int("migrated", stats[journal.StatusMigrated]),
		lg.Int("skipped", stats[journal.StatusSkipped]),
		lg.Int("failed", stats[journal.StatusFailed]),
		lg.Int("dryRun", stats[journal.StatusDryRun]))
	return err
}
