package migration

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/andrej220/fleetmigrate/internal/bootconfig"
	"github.com/andrej220/fleetmigrate/internal/journal"
	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/pkg/cloud"
	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/andrej220/fleetmigrate/pkg/executor"
	"github.com/cenkalti/backoff/v4"
)

const (
	dryRunAPIKey = "dry-run"

	configMode = 0600
	scriptMode = 0755
)

var (
	errOffline = errors.New("device is offline in target")
	errNoIP    = errors.New("device is online in target but has no ip address")
)

type outcome struct {
	status         journal.Status
	targetDeviceID int64
	configFile     string
}

func (m *Migrator) migrateDevice(ctx context.Context, plan *fleetPlan, dev cloud.Device) (outcome, error) {
	logger := lg.FromContext(ctx)
	var out outcome

	if !dev.IsOnline {
		return out, skip("offline")
	}
	ip, err := dev.PrimaryIP()
	if err != nil {
		return out, skip(err.Error())
	}

	remote, err := m.dialer.Dial(ctx, ip)
	if err != nil {
		return out, fmt.Errorf("connect to %s: %w", ip, err)
	}
	closeRemote := sync.OnceFunc(func() { remote.Close() })
	defer closeRemote()

	raw, err := remote.Run(ctx, "cat "+executor.ShellQuote(m.cfg.Remote.BootConfig))
	if err != nil {
		return out, fmt.Errorf("read %s: %w", m.cfg.Remote.BootConfig, err)
	}
	if _, err := bootconfig.Parse(raw); err != nil {
		return out, fmt.Errorf("parse %s: %w", m.cfg.Remote.BootConfig, err)
	}
	logger.Debug("retrieved device config", lg.String("ip", ip))

	existing, err := m.target.GetDevice(ctx, dev.UUID)
	switch {
	case err == nil:
		out.targetDeviceID = existing.ID
		return out, skip("already registered in target")
	case !errors.Is(err, cloud.ErrNotFound):
		return out, fmt.Errorf("look up device in target: %w", err)
	}

	deviceType := dev.DeviceType
	if deviceType == "" {
		deviceType = plan.source.DeviceType
	}

	params := bootconfig.MergeParams{
		FieldsToMigrate: m.cfg.FieldsToMigrate,
		APIKey:          dryRunAPIKey,
		FleetID:         plan.target.ID,
		APIHost:         m.cfg.Target.APIHost(),
	}
	if !m.cfg.DryRun {
		logger.Info("registering device in target fleet", lg.Int64("fleetId", plan.target.ID))
		reg, err := m.target.RegisterDevice(ctx, plan.target.ID, dev.UUID, deviceType)
		if err != nil {
			return out, err
		}
		out.targetDeviceID = reg.ID
		params.APIKey = reg.APIKey
		params.DeviceID = reg.ID
	}

	doc, err := m.template.Merge(raw, params)
	if err != nil {
		return out, err
	}
	out.configFile, err = bootconfig.Write(doc, m.cfg.OutputDir, dev.UUID)
	if err != nil {
		return out, err
	}
	logger.Info("config file created", lg.String("file", out.configFile))

	if m.cfg.DryRun {
		out.status = journal.StatusDryRun
		return out, nil
	}

	if err := remote.Upload(ctx, out.configFile, m.cfg.Remote.Config, configMode); err != nil {
		return out, err
	}
	if err := remote.Upload(ctx, m.cfg.DeviceScript, m.cfg.Remote.Script, scriptMode); err != nil {
		return out, err
	}
	logger.Info("config and script copied", lg.String("ip", ip))

	if _, err := remote.RunOnce(ctx, launchCommand(m.cfg.Remote)); err != nil {
		return out, fmt.Errorf("start migration script: %w", err)
	}
	logger.Info("migration script started", lg.String("log", m.cfg.Remote.Log))
	closeRemote()

	if err := m.awaitTarget(ctx, dev.UUID); err != nil {
		return out, err
	}
	out.status = journal.StatusMigrated
	return out, nil
}

// launchCommand starts the script detached from the ssh session, which the
// device drops when it switches environment.
func launchCommand(r config.RemotePaths) string {
	q := executor.ShellQuote
	return fmt.Sprintf("cd %s; chmod u+x %s; nohup %s %s > %s 2>&1 < /dev/null & disown",
		q(path.Dir(r.Script)),
		q(path.Base(r.Script)),
		q("./"+path.Base(r.Script)),
		q(r.Config),
		q(r.Log))
}

// awaitTarget polls the target until the device reports online with an
// address, then touches the baton file that tells the script to finish.
func (m *Migrator) awaitTarget(ctx context.Context, uuid string) error {
	logger := lg.FromContext(ctx)
	poll := m.cfg.Poll

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(poll.Interval):
	}

	attempt := 0
	check := func() error {
		attempt++
		dev, err := m.target.GetDevice(ctx, uuid)
		if err != nil {
			return err
		}
		if !dev.IsOnline {
			return errOffline
		}
		ip, err := dev.PrimaryIP()
		if err != nil {
			return errNoIP
		}
		logger.Info("touching baton file", lg.String("ip", ip))
		return m.touchBaton(ctx, ip)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(poll.Interval), uint64(poll.Attempts-1)),
		ctx)
	err := backoff.RetryNotify(check, b, func(err error, next time.Duration) {
		logger.Info("device not ready in target",
			lg.Int("attempt", attempt),
			lg.Int("of", poll.Attempts),
			lg.String("reason", err.Error()),
			lg.Duration("retryIn", next))
	})
	if err != nil {
		logger.Error("device did not come back in target", lg.Err(err))
		return fmt.Errorf("device %s failed migration; script could still be executing on the device: %w", uuid, err)
	}
	logger.Info("device migrated")
	return nil
}

func (m *Migrator) touchBaton(ctx context.Context, ip string) error {
	remote, err := m.dialer.Dial(ctx, ip)
	if err != nil {
		return err
	}
	defer remote.Close()
	_, err = remote.RunOnce(ctx, "touch "+executor.ShellQuote(m.cfg.Remote.Baton))
	return err
}
