package journal

import (
	"context"
	"sync"

	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/internal/persistence"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// LogSink writes one structured log line per record.
type LogSink struct {
	logger lg.Logger
}

func NewLogSink(logger lg.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, r Record) error {
	fields := []lg.Field{
		lg.String("fleet", r.Fleet),
		lg.String("device", r.DeviceUUID),
		lg.String("status", string(r.Status)),
		lg.Duration("elapsed", r.FinishedAt.Sub(r.StartedAt)),
	}
	if r.Reason != "" {
		fields = append(fields, lg.String("reason", r.Reason))
	}
	if r.TargetDeviceID != 0 {
		fields = append(fields, lg.Int64("targetDeviceId", r.TargetDeviceID))
	}
	if r.Status == StatusFailed {
		s.logger.Error("device migration finished", fields...)
		return nil
	}
	s.logger.Info("device migration finished", fields...)
	return nil
}

func (s *LogSink) Close(context.Context) error { return nil }

// Report is the document written by FileSink.
type Report struct {
	Summary Summary  `json:"summary"`
	Records []Record `json:"records"`
}

// FileSink keeps records in memory and writes a JSON report on Close.
type FileSink struct {
	mu      sync.Mutex
	path    string
	summary Summary
	records []Record
}

func NewFileSink(path string, summary Summary) *FileSink {
	return &FileSink{path: path, summary: summary}
}

func (s *FileSink) Record(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *FileSink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *FileSink) Close(context.Context) error {
	records := s.Records()
	report := Report{
		Summary: Summarize(s.summary.RunID, records),
		Records: records,
	}
	return persistence.WriteJSON(report, s.path)
}

// Multi fans records out to every sink.
type Multi []Sink

func (m Multi) Record(ctx context.Context, r Record) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Record(ctx, r))
	}
	return err
}

func (m Multi) Close(ctx context.Context) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, s := range m {
		g.Go(func() error {
			errs[i] = s.Close(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}
