//go:build unit

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "ipactl version dev") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestCommandStructure(t *testing.T) {
	root := newRootCommand()

	want := map[string]bool{"simulate": false, "stats": false, "version": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing command %s", name)
		}
	}
	for _, flag := range []string{"log-level", "log-format"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag %s", flag)
		}
	}
}

func TestLogFlagValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		ok   bool
	}{
		{"debug json", []string{"--log-level", "debug", "--log-format", "json", "version"}, true},
		{"bad level", []string{"--log-level", "loud", "version"}, false},
		{"bad format", []string{"--log-format", "xml", "version"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if (err == nil) != tt.ok {
				t.Errorf("error = %v, expected ok=%v", err, tt.ok)
			}
		})
	}
	// Restore quiet logging for the remaining tests.
	execute(t, "--log-level", "warn", "version")
}

func TestSimulateCommand(t *testing.T) {
	out, err := execute(t, "simulate", "--rx-depth", "64")
	if err != nil {
		t.Fatalf("simulate failed: %v\n%s", err, out)
	}

	for _, want := range []string{
		"tick 0: 0 packets, placement single-low -> single-low",
		"tick 1: 1500 packets, placement single-low -> single-mid",
		"tick 2: 3000 packets, placement single-mid -> multi-mid",
		"tick 3: 100 packets, placement multi-mid -> multi-low",
		"tick 4: 0 packets, placement multi-low -> single-low",
		"suspended: mask endpoints|threads|backup|action|enable|force",
		"resumed: mask none",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
	if !strings.Contains(out, "usb") || !strings.Contains(out, "wwan7") {
		t.Errorf("per-interface counts missing\n%s", out)
	}
}

func TestSimulateRejectsBadConfig(t *testing.T) {
	if _, err := execute(t, "simulate", "--rx-depth", "100"); err == nil {
		t.Error("expected a non power-of-two depth to fail")
	}
	if _, err := execute(t, "simulate", "--high", "10", "--low", "10"); err == nil {
		t.Error("expected equal water marks to fail")
	}
}

func TestStatsCommand(t *testing.T) {
	out, err := execute(t, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	var snap map[string]any
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("stats output is not JSON: %v\n%s", err, out)
	}
	if snap["mask"] != "none" {
		t.Errorf("mask = %v, expected none", snap["mask"])
	}
	if _, ok := snap["resources"].([]any); !ok {
		t.Errorf("resources missing: %v", snap["resources"])
	}
}

func TestResolveFormat(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		in, want string
	}{
		{"text", "text"},
		{"json", "json"},
		{"auto", "json"},
	}
	for _, tt := range tests {
		if got := resolveFormat(tt.in, &buf); got != tt.want {
			t.Errorf("resolveFormat(%q) = %q, expected %q", tt.in, got, tt.want)
		}
	}
}
