package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   Level
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"trace", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelWarn},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestConfigureWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Configure(LevelInfo, &buf)
	defer Close()

	Debug("hidden")
	Info("visible", "tool", "read_file")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "visible" || rec["tool"] != "read_file" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestSetupCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	if err := Setup(dir, LevelDebug); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	Info("hello")
	Close()

	data, err := os.ReadFile(filepath.Join(dir, "axon.log"))
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !bytes.Contains(data, []byte(`"msg":"hello"`)) {
		t.Errorf("log file missing record: %s", data)
	}
}
