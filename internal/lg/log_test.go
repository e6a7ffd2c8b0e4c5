package lg

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBindFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := BindFlags(fs, "fleetmigrate")

	require.NoError(t, fs.Parse([]string{"--debug", "--log-format", "json"}))
	assert.True(t, cfg.Debug)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "fleetmigrate", cfg.ServiceName)
}

func TestBindFlagsDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := BindFlags(fs, "svc")

	require.NoError(t, fs.Parse(nil))
	assert.False(t, cfg.Debug)
	assert.Equal(t, "console", cfg.Format)
}

func TestZapLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := FromZap(zap.New(core)).With(String("device", "abc"))

	logger.Debug("debug msg")
	logger.Info("info msg", Int("attempt", 2))
	logger.Warn("warn msg")
	logger.Error("error msg", Err(errors.New("boom")))

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "abc", entries[1].ContextMap()["device"])
	assert.Equal(t, int64(2), entries[1].ContextMap()["attempt"])
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestContextRoundTrip(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := FromZap(zap.New(core))

	ctx := Attach(context.Background(), logger)
	FromContext(ctx).Info("hello")

	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, defaultLogger{}, FromContext(context.Background()))
}

func TestFlatten(t *testing.T) {
	assert.Equal(t, "", flatten())
	out := flatten(String("user", "alice"), Int("attempts", 3))
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "3")
}
