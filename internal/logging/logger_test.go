package logging

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{
		Level:      LevelDebug,
		Output:     &buf,
		JSON:       true,
		AddSource:  false,
		TimeFormat: time.RFC3339,
	}

	logger := New(cfg)
	require.NotNil(t, logger)

	t.Run("Levels", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug msg")
		assert.Contains(t, buf.String(), "debug msg")

		buf.Reset()
		logger.Info("info msg")
		assert.Contains(t, buf.String(), "info msg")

		buf.Reset()
		logger.Warn("warn msg")
		assert.Contains(t, buf.String(), "warn msg")

		buf.Reset()
		logger.Error("error msg")
		assert.Contains(t, buf.String(), "error msg")
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		assert.Equal(t, LevelError, logger.GetLevel())

		buf.Reset()
		logger.Info("should not appear")
		assert.Zero(t, buf.Len(), "logged info message when level was Error")

		logger.SetLevel(LevelDebug)
	})

	t.Run("WithComponent", func(t *testing.T) {
		buf.Reset()
		l := logger.WithComponent("test-comp")
		l.Info("msg")
		assert.Contains(t, buf.String(), "test-comp")
	})

	t.Run("WithFields", func(t *testing.T) {
		buf.Reset()
		l := logger.WithFields(map[string]any{"foo": "bar"})
		l.Info("msg")
		assert.Contains(t, buf.String(), "foo")
		assert.Contains(t, buf.String(), "bar")
	})

	t.Run("Audit", func(t *testing.T) {
		buf.Reset()
		logger.Audit("login", "user:123", map[string]any{"ip": "1.2.3.4"})
		logStr := buf.String()
		assert.Contains(t, logStr, "AUDIT")
		assert.Contains(t, logStr, "user:123")
	})

	t.Run("Metric", func(t *testing.T) {
		buf.Reset()
		logger.Metric("cpu_usage", 12.5, map[string]string{"h": "h1"})
		logStr := buf.String()
		assert.Contains(t, logStr, "METRIC")
		assert.Contains(t, logStr, "12.5")
	})
}

func TestDefaultLogger(t *testing.T) {
	// Just cover the default logger functions to ensure no panics.
	// We can't easily capture stdout/stderr without piping, so we'll
	// just execute them for coverage.

	l := Default()
	require.NotNil(t, l)

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	newDefault := New(cfg)
	SetDefault(newDefault)

	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")
	Errorf("error %s", "formatted")
	Audit("test", "res", nil)

	WithComponent("comp").Info("comp msg")

	assert.NotZero(t, buf.Len(), "default logger captured no output")
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(5)

	t.Run("AddAndGet", func(t *testing.T) {
		rb.Clear()
		ent := AppLogEntry{Message: "msg1", Source: "src1"}
		rb.Add(ent)

		assert.Equal(t, 1, rb.Count())

		all := rb.GetAll()
		require.Len(t, all, 1)
		assert.Equal(t, "msg1", all[0].Message)
	})

	t.Run("Overflow", func(t *testing.T) {
		rb.Clear()
		for i := 0; i < 7; i++ {
			rb.Add(AppLogEntry{Message: "msg", Level: "info"})
		}

		assert.Equal(t, 5, rb.Count(), "count should be capped at size 5")
	})

	t.Run("GetLast", func(t *testing.T) {
		rb.Clear()
		rb.Add(AppLogEntry{Message: "1"})
		rb.Add(AppLogEntry{Message: "2"})
		rb.Add(AppLogEntry{Message: "3"})

		last2 := rb.GetLast(2)
		require.Len(t, last2, 2)
		assert.Equal(t, "2", last2[0].Message)
		assert.Equal(t, "3", last2[1].Message)

		assert.Empty(t, rb.GetLast(0))
		assert.Len(t, rb.GetLast(10), 3, "GetLast(>count) should return all items")
	})

	t.Run("GetBySource", func(t *testing.T) {
		rb.Clear()
		rb.Add(AppLogEntry{Source: "A", Message: "1"})
		rb.Add(AppLogEntry{Source: "B", Message: "2"})
		rb.Add(AppLogEntry{Source: "A", Message: "3"})

		as := rb.GetBySource("A", 0)
		require.Len(t, as, 2)
		assert.Equal(t, "1", as[0].Message)
		assert.Equal(t, "3", as[1].Message)

		assert.Len(t, rb.GetBySource("A", 1), 1)
	})

	t.Run("GlobalHelpers", func(t *testing.T) {
		// Just ensure they don't panic.
		GetAppLogBuffer().Clear()

		APILog("info", "test")
		CtlLog("info", "test")
		GatewayLog("info", "test")
		AuthLog("info", "test")
		FirewallLog("info", "test")
		LogWithExtra("src", "info", map[string]string{"k": "v"}, "msg")

		assert.NotZero(t, GetAppLogBuffer().Count(), "global helpers did not add to global buffer")
	})
}

func TestJSONLogParsing(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Level: LevelInfo, Output: &buf, JSON: true}
	l := New(cfg)

	l.Info("json test", "key", "value")

	var data map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &data))

	assert.Equal(t, "json test", data["msg"])
	assert.Equal(t, "value", data["key"])
	assert.Equal(t, "INFO", data["level"])
}
