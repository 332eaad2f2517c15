package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/devgate/internal/infrastructure/config"
)

func jsonLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNew_Outputs(t *testing.T) {
	for _, output := range []string{"stdout", "stderr", ""} {
		if New(config.LoggingConfig{Level: "info", Format: "json", Output: output}, "1.0.0") == nil {
			t.Errorf("New(output=%q) returned nil", output)
		}
	}
	if Default() == nil {
		t.Error("Default() returned nil")
	}
}

func TestNewWithWriter_JSONDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "1.2.3", &buf)

	logger.Info("worker started", "device_hash", "abc123", "port", 8001)

	entries := jsonLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	e := entries[0]
	if e["msg"] != "worker started" || e["service"] != "devgate" || e["version"] != "1.2.3" {
		t.Errorf("entry = %v", e)
	}
	if e["device_hash"] != "abc123" || e["port"] != float64(8001) {
		t.Errorf("attributes missing: %v", e)
	}
	if _, ok := e["source"]; ok {
		t.Error("source should only be added at debug level")
	}
}

func TestNewWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "TEXT"}, "1.0.0", &buf)
	logger.Info("port allocated", "port", 8001)

	out := buf.String()
	if !strings.Contains(out, `msg="port allocated"`) || !strings.Contains(out, "port=8001") {
		t.Errorf("text output = %q", out)
	}
}

func TestNewWithWriter_ConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "console"}, "1.0.0", &buf)

	logger.Info("worker started", "device_hash", "abc123")

	out := buf.String()
	if !strings.Contains(out, "worker started") || !strings.Contains(out, "abc123") {
		t.Errorf("console output = %q", out)
	}
}

func TestNewWithWriter_DebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, "1.0.0", &buf)
	logger.Debug("probe")

	entries := jsonLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	if _, ok := entries[0]["source"]; !ok {
		t.Errorf("debug entry should carry source: %v", entries[0])
	}
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "json"}, "1.0.0", &buf)

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info entry should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn entry should be written at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" info ", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "1.0.0", &buf)

	ctl := logger.Component("controller")
	if ctl == logger {
		t.Fatal("Component should return a new logger")
	}
	ctl.Info("scoped")
	logger.Info("unscoped")

	entries := jsonLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0]["component"] != "controller" {
		t.Errorf("scoped entry = %v", entries[0])
	}
	if _, ok := entries[1]["component"]; ok {
		t.Error("parent logger must not inherit the component")
	}
	if entries[0]["service"] != "devgate" {
		t.Error("scoped logger lost default fields")
	}
}
