// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-puppet/internal/config"
)

// syncBuffer is a goroutine safe bytes.Buffer usable as a zap sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) Sync() error { return nil }

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *syncBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// -- Test Cases --

func TestInitialize(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("console logger with colors", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "green"},
		}, out)
		GetLogger().Info("frame attached")
		Sync()

		output := out.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "frame attached")
		assert.Contains(t, output, "TestService.")
		assert.Contains(t, output, colorGreen)
		assert.Contains(t, output, colorReset)
	})

	t.Run("json logger", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "JSONTest",
		}, out)
		GetLogger().Warn("loader superseded", zap.String("frame_id", "F1"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "loader superseded", entry["msg"])
		assert.Equal(t, "F1", entry["frame_id"])
	})

	t.Run("level filtering", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, out)
		GetLogger().Info("hidden")
		GetLogger().Error("shown")
		Sync()

		assert.NotContains(t, out.String(), "hidden")
		assert.Contains(t, out.String(), "shown")
	})

	t.Run("writes to a rotated log file", func(t *testing.T) {
		ResetForTest()
		logFile := filepath.Join(t.TempDir(), "puppet.log")

		Initialize(config.LoggerConfig{
			Level:   "debug",
			Format:  "json",
			LogFile: logFile,
			MaxSize: 1,
		}, zapcore.AddSync(&bytes.Buffer{}))
		GetLogger().Error("proxy stage failed")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "proxy stage failed")
	})

	t.Run("only the first call wins", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}

		Initialize(config.LoggerConfig{Level: "info", ServiceName: "First"}, out)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, out)
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		Sync()
		assert.Contains(t, out.String(), "First")
		assert.NotContains(t, out.String(), "Second")
	})
}

func TestGetLogger_BeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	// The no-op logger must accept writes without panicking.
	logger.Info("discarded")
}

func TestReporter(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	r := NewReporter(zap.New(core))

	var seen []Fault
	r.OnFault(func(f Fault) { seen = append(seen, f) })

	r.Report("S1", "listener", errors.New("boom"))
	r.Report("S1", "listener", nil)
	r.Report("S2", "proxy", errors.New("bad stage"))

	assert.Equal(t, 1, r.Count("S1"))
	assert.Equal(t, 1, r.Count("S2"))
	assert.Equal(t, 0, r.Count("S3"))
	require.Len(t, seen, 2)
	assert.Equal(t, "proxy", seen[1].Source)

	entries := logs.FilterField(zap.String("session_id", "S1")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Unhandled asynchronous fault", entries[0].Message)
}

func TestReporter_Recover(t *testing.T) {
	r := NewReporter(zap.NewNop())

	func() {
		defer r.Recover("S9", "event_listener")
		panic("listener exploded")
	}()

	assert.Equal(t, 1, r.Count("S9"))
}

func TestReporter_NilIsSafe(t *testing.T) {
	var r *Reporter
	r.Report("S1", "x", errors.New("ignored"))
	r.OnFault(func(Fault) {})
	assert.Equal(t, 0, r.Count("S1"))

	assert.NotPanics(t, func() {
		defer r.Recover("S1", "x")
		panic("swallowed by a nil reporter")
	})
}
