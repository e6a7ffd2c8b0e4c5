package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func record(runID uuid.UUID, device string, status Status) Record {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return Record{
		RunID:      runID,
		Fleet:      "myorg/fleet",
		DeviceUUID: device,
		Status:     status,
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Minute),
	}
}

func TestSummarize(t *testing.T) {
	runID := uuid.New()
	s := Summarize(runID, []Record{
		record(runID, "a", StatusMigrated),
		record(runID, "b", StatusSkipped),
		record(runID, "c", StatusMigrated),
	})
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByStatus[StatusMigrated])
	assert.Equal(t, 1, s.ByStatus[StatusSkipped])
	assert.Zero(t, s.ByStatus[StatusFailed])
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(lg.FromZap(zap.New(core)))

	failed := record(uuid.New(), "dev1", StatusFailed)
	failed.Reason = "ssh: connection refused"
	require.NoError(t, sink.Record(context.Background(), failed))
	require.NoError(t, sink.Record(context.Background(), record(uuid.New(), "dev2", StatusMigrated)))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "ssh: connection refused", entries[0].ContextMap()["reason"])
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, "dev2", entries[1].ContextMap()["device"])
}

func TestFileSinkWritesReport(t *testing.T) {
	runID := uuid.New()
	path := filepath.Join(t.TempDir(), "report.json")
	sink := NewFileSink(path, Summary{RunID: runID})

	var wg sync.WaitGroup
	for _, dev := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.Record(context.Background(), record(runID, dev, StatusDryRun)))
		}()
	}
	wg.Wait()
	require.NoError(t, sink.Close(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, runID, report.Summary.RunID)
	assert.Equal(t, 4, report.Summary.Total)
	assert.Equal(t, 4, report.Summary.ByStatus[StatusDryRun])
	assert.Len(t, report.Records, 4)
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkKeysByDevice(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "migrations", logger: lg.Discard}

	r := record(uuid.New(), "0123abcd", StatusMigrated)
	r.TargetDeviceID = 4242
	require.NoError(t, sink.Record(context.Background(), r))
	require.NoError(t, sink.Close(context.Background()))

	require.Len(t, w.messages, 1)
	assert.Equal(t, "0123abcd", string(w.messages[0].Key))
	var got Record
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &got))
	assert.Equal(t, r.RunID, got.RunID)
	assert.Equal(t, int64(4242), got.TargetDeviceID)
	assert.True(t, w.closed)
}

func TestKafkaSinkUnknownTopic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	w := &fakeWriter{err: kafka.UnknownTopicOrPartition}
	sink := &KafkaSink{writer: w, topic: "migrations", logger: lg.FromZap(zap.New(core))}

	err := sink.Record(context.Background(), record(uuid.New(), "dev", StatusFailed))
	assert.ErrorIs(t, err, kafka.UnknownTopicOrPartition)
	assert.Equal(t, 1, logs.FilterMessage("Kafka topic does not exist").Len())
}

type fakeCollection struct {
	docs []any
	err  error
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.docs = append(c.docs, doc)
	return &mongo.InsertOneResult{InsertedID: len(c.docs)}, nil
}

func TestMongoSink(t *testing.T) {
	coll := &fakeCollection{}
	sink := &MongoSink{collection: coll}

	r := record(uuid.New(), "dev", StatusSkipped)
	require.NoError(t, sink.Record(context.Background(), r))
	require.Len(t, coll.docs, 1)
	assert.Equal(t, r, coll.docs[0])
	assert.NoError(t, sink.Close(context.Background()))

	coll.err = errors.New("no primary")
	assert.ErrorContains(t, sink.Record(context.Background(), r), "no primary")
}

type failingSink struct {
	err error
}

func (s failingSink) Record(context.Context, Record) error { return s.err }
func (s failingSink) Close(context.Context) error          { return s.err }

func TestMultiAggregatesErrors(t *testing.T) {
	first := errors.New("first down")
	second := errors.New("second down")
	w := &fakeWriter{}
	m := Multi{
		failingSink{err: first},
		&KafkaSink{writer: w, logger: lg.Discard},
		failingSink{err: second},
	}

	err := m.Record(context.Background(), record(uuid.New(), "dev", StatusMigrated))
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Len(t, w.messages, 1)

	err = m.Close(context.Background())
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.True(t, w.closed)
}

func TestOpenDefaultsToLogSink(t *testing.T) {
	sinks, err := Open(context.Background(), config.JournalConfig{}, uuid.New(), lg.Discard)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.IsType(t, &LogSink{}, sinks[0])
}

func TestOpenWithReportAndKafka(t *testing.T) {
	sinks, err := Open(context.Background(), config.JournalConfig{
		ReportFile: filepath.Join(t.TempDir(), "report.json"),
		Kafka:      config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "migrations"},
	}, uuid.New(), lg.Discard)
	require.NoError(t, err)
	require.Len(t, sinks, 3)
	assert.IsType(t, &FileSink{}, sinks[1])
	assert.IsType(t, &KafkaSink{}, sinks[2])
}
