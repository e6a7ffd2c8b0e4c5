package journal

import (
	"context"

	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Open builds the sinks enabled in cfg. The log sink is always present.
func Open(ctx context.Context, cfg config.JournalConfig, runID uuid.UUID, logger lg.Logger) (Multi, error) {
	sinks := Multi{NewLogSink(logger)}
	if cfg.ReportFile != "" {
		sinks = append(sinks, NewFileSink(cfg.ReportFile, Summary{RunID: runID}))
	}
	if cfg.Mongo.URI != "" {
		m, err := NewMongoSink(ctx, cfg.Mongo)
		if err != nil {
			return nil, multierr.Append(err, sinks.Close(ctx))
		}
		sinks = append(sinks, m)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, NewKafkaSink(cfg.Kafka, logger))
	}
	return sinks, nil
}
