package main

import (
	"context"

	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/spf13/cobra"
)

// app holds state shared by every subcommand.
type app struct {
	logCfg     *lg.Config
	configPath string
	logger     lg.Logger
	newLogger  func(*lg.Config) lg.Logger
}

func newApp() *app {
	return &app{logger: lg.Discard, newLogger: lg.New}
}

func newRootCommand() *cobra.Command {
	return newApp().rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetmigrate",
		Short:         "Move devices between device-management environments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			a.logger = a.newLogger(a.logCfg)
		},
	}

	flags := root.PersistentFlags()
	a.logCfg = lg.BindFlags(flags, serviceName)
	flags.StringVarP(&a.configPath, "config", "c", "migrate.yaml", "path to the migration config file")

	root.AddCommand(newMigrateCommand(a), newCheckCommand(a), newInitCommand(a))
	return root
}

// execute runs the command line in args. The logger is flushed whether or
// not the subcommand fails.
func (a *app) execute(ctx context.Context, args []string) error {
	root := a.rootCommand()
	root.SetArgs(args)
	defer func() { _ = a.logger.Sync() }()
	return root.ExecuteContext(ctx)
}

func (a *app) loadConfig(overrides ...config.Override) (*config.MigrationConfig, error) {
	cfg, err := config.Load(a.configPath, overrides...)
	if err != nil {
		a.logger.Error("failed to load config", lg.String("path", a.configPath), lg.Err(err))
		return nil, err
	}
	return cfg, nil
}
