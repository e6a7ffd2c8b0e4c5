// Package migration moves devices from a source fleet to a fleet in the
// target environment.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrej220/fleetmigrate/internal/bootconfig"
	"github.com/andrej220/fleetmigrate/internal/journal"
	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/pkg/cloud"
	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/andrej220/fleetmigrate/pkg/executor"
	"github.com/andrej220/fleetmigrate/pkg/workerpool"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

var ErrDeviceSkipped = errors.New("device skipped")

// SourceAPI is the read side used against the environment devices leave.
type SourceAPI interface {
	GetFleet(ctx context.Context, slug string) (*cloud.Fleet, error)
	ListDevices(ctx context.Context, fleetID int64) ([]cloud.Device, error)
}

// TargetAPI is used against the environment devices move to.
type TargetAPI interface {
	GetFleetByOwner(ctx context.Context, appName, owner string) (*cloud.Fleet, error)
	CreateFleet(ctx context.Context, appName, deviceType, owner string) (*cloud.Fleet, error)
	GetDevice(ctx context.Context, uuid string) (*cloud.Device, error)
	RegisterDevice(ctx context.Context, fleetID int64, uuid, deviceType string) (*cloud.Registration, error)
}

type Deps struct {
	Source  SourceAPI
	Target  TargetAPI
	Dialer  executor.Dialer
	Journal journal.Sink
	Logger  lg.Logger
	RunID   uuid.UUID
}

type Migrator struct {
	cfg      *config.MigrationConfig
	source   SourceAPI
	target   TargetAPI
	dialer   executor.Dialer
	journal  journal.Sink
	logger   lg.Logger
	runID    uuid.UUID
	template *bootconfig.Template
	now      func() time.Time

	mu    sync.Mutex
	stats map[journal.Status]int
}

func New(cfg *config.MigrationConfig, deps Deps) *Migrator {
	m := &Migrator{
		cfg:     cfg,
		source:  deps.Source,
		target:  deps.Target,
		dialer:  deps.Dialer,
		journal: deps.Journal,
		logger:  deps.Logger,
		runID:   deps.RunID,
		now:     time.Now,
		stats:   map[journal.Status]int{},
	}
	if m.logger == nil {
		m.logger = lg.Discard
	}
	if m.journal == nil {
		m.journal = journal.NewLogSink(m.logger)
	}
	if m.runID == uuid.Nil {
		m.runID = uuid.New()
	}
	return m
}

func (m *Migrator) RunID() uuid.UUID { return m.runID }

// Stats returns the number of devices per outcome so far.
func (m *Migrator) Stats() map[journal.Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[journal.Status]int, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out
}

// fleetPlan pairs a source fleet with its counterpart in the target.
type fleetPlan struct {
	slug   string
	source *cloud.Fleet
	target *cloud.Fleet
}

// Run migrates every configured fleet. A fleet that cannot be resolved
// aborts the run; device failures are collected and returned together.
func (m *Migrator) Run(ctx context.Context) error {
	tmpl, err := bootconfig.LoadTemplate(m.cfg.Template)
	if err != nil {
		return err
	}
	m.template = tmpl

	m.logger.Info("starting migration",
		lg.String("runId", m.runID.String()),
		lg.Strings("fleets", m.cfg.Fleets),
		lg.Bool("dryRun", m.cfg.DryRun),
		lg.Int("concurrency", m.cfg.Concurrency))

	var errs error
	for _, slug := range m.cfg.Fleets {
		plan, err := m.resolveFleet(ctx, slug)
		if err != nil {
			m.logger.Error("aborting migration", lg.String("fleet", slug), lg.Err(err))
			return multierr.Append(errs, err)
		}
		errs = multierr.Append(errs, m.migrateFleet(ctx, plan))
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
	}
	return errs
}

func (m *Migrator) resolveFleet(ctx context.Context, slug string) (*fleetPlan, error) {
	m.logger.Info("processing fleet", lg.String("fleet", slug))
	src, err := m.source.GetFleet(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("error getting info of fleet %s from source: %w", slug, err)
	}

	owner := m.cfg.Target.Owner
	dst, err := m.target.GetFleetByOwner(ctx, src.AppName, owner)
	switch {
	case err == nil:
		m.logger.Info("found fleet in target", lg.String("fleet", src.AppName), lg.Int64("id", dst.ID))
	case errors.Is(err, cloud.ErrNotFound) && m.cfg.Target.CreateMissingFleet:
		dst, err = m.createFleet(ctx, src, owner)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("error getting info of fleet %s owned by %s from target: %w", src.AppName, owner, err)
	}
	return &fleetPlan{slug: slug, source: src, target: dst}, nil
}

func (m *Migrator) createFleet(ctx context.Context, src *cloud.Fleet, owner string) (*cloud.Fleet, error) {
	if m.cfg.DryRun {
		m.logger.Info("dry run: fleet would be created in target",
			lg.String("fleet", src.AppName), lg.String("deviceType", src.DeviceType))
		return &cloud.Fleet{AppName: src.AppName, DeviceType: src.DeviceType}, nil
	}
	m.logger.Info("creating fleet in target", lg.String("fleet", src.AppName), lg.String("deviceType", src.DeviceType))
	dst, err := m.target.CreateFleet(ctx, src.AppName, src.DeviceType, owner)
	if err != nil {
		return nil, fmt.Errorf("error creating fleet %s of type %s in target: %w", src.AppName, src.DeviceType, err)
	}
	return dst, nil
}

func (m *Migrator) migrateFleet(ctx context.Context, plan *fleetPlan) error {
	devices, err := m.source.ListDevices(ctx, plan.source.ID)
	if err != nil {
		return fmt.Errorf("error listing devices of fleet %s: %w", plan.slug, err)
	}
	m.logger.Info("devices to migrate", lg.String("fleet", plan.slug), lg.Int("count", len(devices)))

	var (
		mu   sync.Mutex
		errs error
	)
	pool := workerpool.NewPool[cloud.Device](m.cfg.Concurrency)
	for _, dev := range devices {
		logger := m.logger.With(lg.String("fleet", plan.slug), lg.String("device", dev.UUID))
		err := pool.Submit(workerpool.Job[cloud.Device]{
			Payload: dev,
			Ctx:     lg.Attach(ctx, logger),
			Fn: func(ctx context.Context, d cloud.Device) error {
				if err := m.process(ctx, plan, d); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}
				return nil
			},
		})
		if err != nil {
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
			break
		}
	}
	pool.Stop()
	return errs
}

// process migrates one device and journals the outcome. Skips are not errors.
func (m *Migrator) process(ctx context.Context, plan *fleetPlan, dev cloud.Device) error {
	logger := lg.FromContext(ctx)
	rec := journal.Record{
		RunID:      m.runID,
		Fleet:      plan.slug,
		DeviceUUID: dev.UUID,
		DeviceName: dev.DeviceName,
		StartedAt:  m.now(),
	}

	out, err := m.migrateDevice(ctx, plan, dev)
	rec.FinishedAt = m.now()
	rec.TargetDeviceID = out.targetDeviceID
	rec.ConfigFile = out.configFile

	var skip *skipError
	switch {
	case err == nil:
		rec.Status = out.status
	case errors.As(err, &skip):
		logger.Info("skipping device", lg.String("reason", skip.reason))
		rec.Status = journal.StatusSkipped
		rec.Reason = skip.reason
		err = nil
	default:
		logger.Error("error processing device", lg.Err(err))
		rec.Status = journal.StatusFailed
		rec.Reason = err.Error()
		err = fmt.Errorf("device %s: %w", dev.UUID, err)
	}

	m.mu.Lock()
	m.stats[rec.Status]++
	m.mu.Unlock()

	if jerr := m.journal.Record(context.WithoutCancel(ctx), rec); jerr != nil {
		logger.Warn("failed to journal device outcome", lg.Err(jerr))
	}
	return err
}

type skipError struct {
	reason string
}

func (e *skipError) Error() string        { return "device skipped: " + e.reason }
func (e *skipError) Is(target error) bool { return target == ErrDeviceSkipped }

func skip(reason string) error { return &skipError{reason: reason} }
