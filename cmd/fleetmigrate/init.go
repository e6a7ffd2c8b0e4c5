package main

import (
	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/spf13/cobra"
)

func newInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file at --config",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := config.WriteExample(a.configPath); err != nil {
				return err
			}
			a.logger.Info("config written", lg.String("path", a.configPath))
			return nil
		},
	}
}
