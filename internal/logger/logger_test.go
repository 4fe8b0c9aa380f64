package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/stallwatch/internal/logger"
)

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		level   logger.LogLevel
		emit    func(l logger.Logger)
		visible bool
	}{
		{"debug hidden at info", logger.LogLevelInfo, func(l logger.Logger) { l.Debug("tick") }, false},
		{"info shown at info", logger.LogLevelInfo, func(l logger.Logger) { l.Info("tick") }, true},
		{"trace shown at trace", logger.LogLevelTrace, func(l logger.Logger) { l.Trace("tick") }, true},
		{"warn hidden at error", logger.LogLevelError, func(l logger.Logger) { l.Warn("tick") }, false},
		{"explicit level", logger.LogLevelDebug, func(l logger.Logger) { l.Log(logger.LogLevelDebug, "tick") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tt.emit(logger.NewSlogLogger(&buf, tt.level, time.UTC))
			assert.Equal(t, tt.visible, strings.Contains(buf.String(), "msg=tick"))
		})
	}
}

func TestTraceLevelLabel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger.NewSlogLogger(&buf, logger.LogLevelTrace, time.UTC).Trace("poll")
	assert.Contains(t, buf.String(), "level=TRACE")
	assert.NotContains(t, buf.String(), "time=")
}

func TestModuleAndFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewSlogLogger(&buf, logger.LogLevelDebug, time.UTC).
		Module("pipeline").
		Module("overlay").
		With(logger.String("device", "/dev/video0"))

	log.Info("stall flipped", logger.Int("stall", 2), logger.Float64("score", 0.312345), logger.Bool("busy", true))

	out := buf.String()
	assert.Contains(t, out, "module=pipeline.overlay")
	assert.Contains(t, out, "device=/dev/video0")
	assert.Contains(t, out, "stall=2")
	assert.Contains(t, out, "score=0.312")
	assert.Contains(t, out, "busy=true")
}

func TestWithContextTraceID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewSlogLogger(&buf, logger.LogLevelInfo, time.UTC)

	log.WithContext(context.Background()).Info("plain")
	assert.NotContains(t, buf.String(), "trace_id")

	ctx := logger.WithTraceID(context.Background(), "session-7")
	log.WithContext(ctx).Info("traced")
	assert.Contains(t, buf.String(), "trace_id=session-7")
}

func TestErrorFieldNil(t *testing.T) {
	t.Parallel()

	f := logger.Error(nil)
	assert.Equal(t, "error", f.Key)
	assert.Nil(t, f.Value)
}

func TestCentralLoggerFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "stallwatch.log")
	cl, err := logger.NewCentralLogger(&logger.LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &logger.ConsoleOutput{Enabled: false},
		FileOutput:   &logger.FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"matcher": "error"},
	})
	require.NoError(t, err)

	cl.Module("capture").Info("stream started", logger.Int("buffers", 4))
	cl.Module("matcher").Info("suppressed")
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "capture", rec["module"])
	assert.Equal(t, "stream started", rec["msg"])
	assert.InDelta(t, 4, rec["buffers"], 0)
}

func TestCentralLoggerInvalidTimezone(t *testing.T) {
	t.Parallel()

	_, err := logger.NewCentralLogger(&logger.LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)

	_, err = logger.NewCentralLogger(nil)
	require.Error(t, err)
}

func TestBufferedWriterRotation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rot.log")
	w, err := logger.NewBufferedFileWriter(path,
		logger.WithRotation(16, 2),
		logger.WithFlushInterval(0),
		logger.WithBufferSize(64))
	require.NoError(t, err)

	for _, line := range []string{"aaaaaaaaaa\n", "bbbbbbbbbb\n", "cccccccccc\n", "dddddddddd\n"} {
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "dddddddddd\n", string(current))

	newest, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "cccccccccc\n", string(newest))

	older, err := os.ReadFile(path + ".2")
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbbbb\n", string(older))

	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))

	_, err = w.Write([]byte("late"))
	assert.Error(t, err)
}
