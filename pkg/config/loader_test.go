package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "cfengined.cue")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Minimal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
state_dir: "`+dir+`/state"
input_file: "`+dir+`/promises.cue"
schedule: "Min00_05"
splay_max: 120000000000
agent_binary: "/usr/libexec/cfengine-agent"
`)

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != dir+"/state" {
		t.Errorf("state_dir = %q", cfg.StateDir)
	}
	if cfg.SplayMax != 120*time.Second {
		t.Errorf("splay_max = %v, want 120s", cfg.SplayMax)
	}
	if cfg.PulseInterval != DefaultPulseInterval {
		t.Errorf("pulse_interval default = %v, want %v", cfg.PulseInterval, DefaultPulseInterval)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log_level default = %q, want info", cfg.LogLevel)
	}
}

func TestLoad_MissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
state_dir: "`+dir+`/state"
schedule: "Min00_05"
splay_max: 120000000000
agent_binary: "/usr/libexec/cfengine-agent"
`)

	if _, err := NewLoader().Load(path); err == nil {
		t.Fatal("expected validation error for missing input_file")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
state_dir: "`+dir+`/state"
input_file: "`+dir+`/promises.cue"
schedule: "Min00_05"
splay_max: 120000000000
agent_binary: "/usr/libexec/cfengine-agent"
log_level: "verbose"
`)

	if _, err := NewLoader().Load(path); err == nil {
		t.Fatal("expected validation error for invalid log_level")
	}
}
