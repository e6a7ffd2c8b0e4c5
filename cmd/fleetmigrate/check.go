package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andrej220/fleetmigrate/internal/bootconfig"
	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/pkg/cloud"
	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const checkParallelism = 4

type checkAPI interface {
	WhoAmI(ctx context.Context) (*cloud.User, error)
	GetFleet(ctx context.Context, slug string) (*cloud.Fleet, error)
	GetFleetByOwner(ctx context.Context, appName, owner string) (*cloud.Fleet, error)
}

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify credentials, fleets and local files without migrating",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			source := cloud.NewFromEnvironment(cfg.Source, cloud.WithLogger(a.logger))
			target := cloud.NewFromEnvironment(cfg.Target.Environment, cloud.WithLogger(a.logger))
			return runCheck(cmd.Context(), cfg, source, target, a.logger)
		},
	}
}

// runCheck logs in to both environments and resolves every fleet the run
// would touch.
func runCheck(ctx context.Context, cfg *config.MigrationConfig, source, target checkAPI, logger lg.Logger) error {
	if _, err := bootconfig.LoadTemplate(cfg.Template); err != nil {
		return err
	}
	if _, err := os.Stat(cfg.DeviceScript); err != nil {
		return fmt.Errorf("device script: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, api := range map[string]checkAPI{"source": source, "target": target} {
		g.Go(func() error {
			user, err := api.WhoAmI(gctx)
			if err != nil {
				return fmt.Errorf("%s login: %w", name, err)
			}
			logger.Info("logged in", lg.String("environment", name), lg.String("user", user.Username))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(checkParallelism)
	for _, slug := range cfg.Fleets {
		g.Go(func() error {
			src, err := source.GetFleet(gctx, slug)
			if err != nil {
				return fmt.Errorf("error getting info of fleet %s from source: %w", slug, err)
			}
			dst, err := target.GetFleetByOwner(gctx, src.AppName, cfg.Target.Owner)
			switch {
			case err == nil:
				logger.Info("fleet ready", lg.String("fleet", slug), lg.Int64("targetId", dst.ID))
			case errors.Is(err, cloud.ErrNotFound) && cfg.Target.CreateMissingFleet:
				logger.Info("fleet will be created in target", lg.String("fleet", slug), lg.String("deviceType", src.DeviceType))
			default:
				return fmt.Errorf("error getting info of fleet %s owned by %s from target: %w", src.AppName, cfg.Target.Owner, err)
			}
			return nil
		})
	}
	return g.Wait()
}
