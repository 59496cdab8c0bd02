package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.yaml")
	content := []byte("server:\n  address: \":9090\"\nscheduler:\n  tick_interval: 250ms\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Scheduler.TickInterval != 250*time.Millisecond {
		t.Fatalf("unexpected tick interval %s", cfg.Scheduler.TickInterval)
	}
	if cfg.Governor.MaxQueueDepth != 50 || cfg.Governor.FailureThreshold != 5 || cfg.Governor.CoolDown != 10*time.Second {
		t.Fatalf("unexpected governor defaults %+v", cfg.Governor)
	}
	if cfg.Workflow.MaxNodeVisits != 50 || cfg.Workflow.MaxSteps != 500 {
		t.Fatalf("unexpected workflow defaults %+v", cfg.Workflow)
	}
	if cfg.State.Path != filepath.Join(dir, "data", "queue_state.json") {
		t.Fatalf("unexpected state path %q", cfg.State.Path)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NEXUS_SERVER_ADDRESS", ":7070")
	t.Setenv("NEXUS_STATE_REDIS__ADDR", "localhost:6379")
	t.Setenv("NEXUS_STATE_DRIVER", "redis")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("env override ignored: %q", cfg.Server.Address)
	}
	if cfg.State.Driver != "redis" || cfg.State.Redis.Addr != "localhost:6379" {
		t.Fatalf("nested env override ignored: %+v", cfg.State)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults(t.TempDir())
	cfg.Memory.Driver = "cassandra"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"NEXUS_SERVER_API_TOKEN":   "server.api_token",
		"NEXUS_EVENTS_NATS__URL":   "events.nats.url",
		"NEXUS_GOVERNOR_COOL_DOWN": "governor.cool_down",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Fatalf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
