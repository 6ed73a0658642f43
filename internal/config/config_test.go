package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if got, want := cfg.Shootdown.Timeout(), time.Second; got != want {
		t.Fatalf("timeout = %v, want %v", got, want)
	}
	if got, want := cfg.Shootdown.PollInterval(), time.Millisecond; got != want {
		t.Fatalf("poll interval = %v, want %v", got, want)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.yaml")
	data := []byte("shootdown:\n  timeout_ms: 250\ndump:\n  vmcore_path: /tmp/core\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got, want := cfg.Shootdown.TimeoutMS, 250; got != want {
		t.Fatalf("timeout = %d, want %d", got, want)
	}
	// Unset keys keep their defaults.
	if got, want := cfg.Shootdown.PollIntervalMS, 1; got != want {
		t.Fatalf("poll interval = %d, want %d", got, want)
	}
	if got, want := cfg.Dump.VMCorePath, "/tmp/core"; got != want {
		t.Fatalf("vmcore path = %q, want %q", got, want)
	}
}

func TestLoadRejectsNonPositiveBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash.yaml")
	if err := os.WriteFile(path, []byte("shootdown:\n  timeout_ms: -5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("negative timeout accepted")
	}
}

func TestNormalizeReplacesNonPositiveFields(t *testing.T) {
	got := ShootdownConfig{TimeoutMS: 0, PollIntervalMS: -3}.Normalize()
	if want := Default().Shootdown; got != want {
		t.Fatalf("normalized = %+v, want %+v", got, want)
	}

	// Positive fields pass through untouched.
	in := ShootdownConfig{TimeoutMS: 250, PollIntervalMS: 5}
	if got := in.Normalize(); got != in {
		t.Fatalf("normalized = %+v, want %+v", got, in)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VMCRASH_SHOOTDOWN_TIMEOUT_MS", "42")
	cfg := FromEnv()
	if got, want := cfg.Shootdown.TimeoutMS, 42; got != want {
		t.Fatalf("timeout = %d, want %d", got, want)
	}
}
