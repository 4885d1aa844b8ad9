package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf, JSON: true})
	if logger == nil {
		t.Fatal("New logger should not be nil")
	}

	t.Run("Levels", func(t *testing.T) {
		for _, tc := range []struct {
			log func(string, ...any)
			msg string
		}{
			{logger.Debug, "debug msg"},
			{logger.Info, "info msg"},
			{logger.Warn, "warn msg"},
			{logger.Error, "error msg"},
		} {
			buf.Reset()
			tc.log(tc.msg)
			if !strings.Contains(buf.String(), tc.msg) {
				t.Errorf("%q not logged", tc.msg)
			}
		}
	})

	t.Run("DynamicLevel", func(t *testing.T) {
		logger.SetLevel(LevelError)
		if logger.GetLevel() != LevelError {
			t.Error("SetLevel failed")
		}

		buf.Reset()
		logger.Info("should not appear")
		if buf.Len() > 0 {
			t.Error("Logged info message when level was Error")
		}

		logger.SetLevel(LevelDebug)
	})

	t.Run("WithComponent", func(t *testing.T) {
		buf.Reset()
		logger.WithComponent("driver").Info("msg")
		if !strings.Contains(buf.String(), "driver") {
			t.Error("WithComponent missing component field")
		}
	})

	t.Run("WithFields", func(t *testing.T) {
		buf.Reset()
		logger.WithFields(map[string]any{"activity": "a-1"}).Info("msg")
		if !strings.Contains(buf.String(), "a-1") {
			t.Error("WithFields missing fields")
		}
	})
}

func TestComponentFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{
		Level:   LevelInfo,
		Output:  &buf,
		Filters: map[string]Level{"Transport": LevelError, "market": LevelDebug},
	})

	logger.WithComponent("transport").Warn("noisy reconnect")
	if buf.Len() != 0 {
		t.Errorf("transport warn should be filtered, got %q", buf.String())
	}

	logger.WithComponent("market").Debug("offer received")
	if !strings.Contains(buf.String(), "offer received") {
		t.Errorf("market debug should pass its own filter, got %q", buf.String())
	}

	buf.Reset()
	logger.WithComponent("driver").Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("unfiltered component should use global level, got %q", buf.String())
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.WithComponent("Session").Info("Destroying activity", "activity", "a 1")
	line := buf.String()

	if !strings.Contains(line, "[info] session: Destroying activity") {
		t.Errorf("unexpected console line %q", line)
	}
	if !strings.Contains(line, `activity="a 1"`) {
		t.Errorf("values with spaces should be quoted: %q", line)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Error("line should end in newline")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug,
		"INFO":  LevelInfo,
		"":      LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	SetDefault(New(cfg))
	defer SetDefault(nil)

	Default().Info("info")
	Default().WithComponent("comp").Warn("comp msg")

	if buf.Len() == 0 {
		t.Error("Default logger captured no output")
	}
}

func TestJSONLogParsing(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf, JSON: true})

	l.Info("json test", "key", "value")

	var data map[string]any
	if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
		t.Fatalf("Failed to parse JSON log: %v", err)
	}
	if data["msg"] != "json test" || data["key"] != "value" || data["level"] != "INFO" {
		t.Errorf("unexpected JSON record %v", data)
	}
}
