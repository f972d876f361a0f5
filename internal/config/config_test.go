package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
	if errors.Is(err, ErrNoConfig) {
		t.Error("missing explicit path should not be reported as ErrNoConfig")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Save and restore CWD to avoid finding a config.yaml in the repo.
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("FindConfig(\"\") error = %v, want ErrNoConfig", err)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: debug\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "data_dir: /tmp/proctrigger-test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.DataDir != "/tmp/proctrigger-test" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Listen.Port != 8787 {
		t.Errorf("Listen.Port = %d, want 8787", cfg.Listen.Port)
	}
	if cfg.Broker.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.Broker.ConnectTimeout)
	}
	if cfg.Broker.ReconnectInterval != time.Second {
		t.Errorf("ReconnectInterval = %v, want 1s", cfg.Broker.ReconnectInterval)
	}
	if *cfg.Broker.QoS != 2 {
		t.Errorf("QoS = %d, want 2", *cfg.Broker.QoS)
	}
	if !*cfg.Broker.Retain {
		t.Error("Retain = false, want true")
	}
	if cfg.Reconcile.TickInterval != time.Second {
		t.Errorf("TickInterval = %v, want 1s", cfg.Reconcile.TickInterval)
	}
	if cfg.Connectivity.ReportInterval != time.Second {
		t.Errorf("ReportInterval = %v, want 1s", cfg.Connectivity.ReportInterval)
	}
	if !cfg.LogFile.On() {
		t.Error("LogFile.On() = false, want true by default")
	}
}

func TestLoad_Durations(t *testing.T) {
	path := writeConfig(t, `
sampler:
  interval: 50ms
reconcile:
  tick_interval: 2s
broker:
  qos: 0
  retain: false
log_file:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Sampler.Interval != MinSampleInterval {
		t.Errorf("Sampler.Interval = %v, want floor %v", cfg.Sampler.Interval, MinSampleInterval)
	}
	if cfg.Reconcile.TickInterval != 2*time.Second {
		t.Errorf("TickInterval = %v, want 2s", cfg.Reconcile.TickInterval)
	}
	if *cfg.Broker.QoS != 0 {
		t.Errorf("QoS = %d, want 0", *cfg.Broker.QoS)
	}
	if *cfg.Broker.Retain {
		t.Error("Retain = true, want false")
	}
	if cfg.LogFile.On() {
		t.Error("LogFile.On() = true, want false")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, "broker:\n  password: ${PROCTRIGGER_TEST_PASSWORD}\n")
	t.Setenv("PROCTRIGGER_TEST_PASSWORD", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Broker.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Broker.Password, "secret123")
	}
}

func TestLoad_ExtraActions(t *testing.T) {
	path := writeConfig(t, `
reconcile:
  extra_actions:
    - topic: tgn/esp_3/neopixel/brightness
      payload: "150"
    - topic: lights/desk
      payload: "off"
      on: deactivate
      triggers: [game.exe]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	actions := cfg.Reconcile.ExtraActions
	if len(actions) != 2 {
		t.Fatalf("len(ExtraActions) = %d, want 2", len(actions))
	}
	if actions[0].On != "activate" {
		t.Errorf("actions[0].On = %q, want default activate", actions[0].On)
	}
	if actions[1].On != "deactivate" || len(actions[1].Triggers) != 1 {
		t.Errorf("actions[1] = %+v", actions[1])
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad log level", "log_level: loud\n"},
		{"bad log format", "log_format: xml\n"},
		{"bad qos", "broker:\n  qos: 3\n"},
		{"extra action without topic", "reconcile:\n  extra_actions:\n    - payload: x\n"},
		{"extra action bad edge", "reconcile:\n  extra_actions:\n    - topic: a\n      on: sometimes\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{" trace ", LevelTrace},
		{"debug", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
}
