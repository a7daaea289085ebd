//go:build unit

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected slog.Level
		wantErr  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, expected %v", tt.in, got, tt.expected)
			}
		})
	}
}

func TestLoggerFollowsOutputChange(t *testing.T) {
	defer SetOutput(os.Stderr, FormatText)
	defer SetLevel(Level())

	log := For(ComponentNIC)

	var buf bytes.Buffer
	SetOutput(&buf, FormatJSON)
	SetLevel(slog.LevelDebug)

	log.Debug("dropped", "src", "usb")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if rec["component"] != "nic" {
		t.Errorf("component = %v, expected nic", rec["component"])
	}
	if rec["src"] != "usb" {
		t.Errorf("src = %v, expected usb", rec["src"])
	}
}

func TestLevelFilters(t *testing.T) {
	defer SetOutput(os.Stderr, FormatText)
	defer SetLevel(Level())

	var buf bytes.Buffer
	SetOutput(&buf, FormatText)
	SetLevel(slog.LevelWarn)

	log := For(ComponentRM).With("resource", "PROD_IPA")
	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record leaked at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "resource=PROD_IPA") {
		t.Errorf("missing warn record: %q", out)
	}
}
