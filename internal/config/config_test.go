package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.BackendURL != "http://127.0.0.1:5000" {
		t.Fatalf("BackendURL = %q, want prototype default", cfg.BackendURL)
	}
	if cfg.SilenceTimeout != time.Second {
		t.Fatalf("SilenceTimeout = %s, want 1s", cfg.SilenceTimeout)
	}
	if cfg.RestartGrace != 100*time.Millisecond {
		t.Fatalf("RestartGrace = %s, want 100ms", cfg.RestartGrace)
	}
	if cfg.AutoRestartDelay != 200*time.Millisecond {
		t.Fatalf("AutoRestartDelay = %s, want 200ms", cfg.AutoRestartDelay)
	}
	if cfg.WakePhrase != "wake" {
		t.Fatalf("WakePhrase = %q, want %q", cfg.WakePhrase, "wake")
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadTrimsBackendURLAndLowercasesWakePhrase(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BACKEND_URL", "http://localhost:7777/")
	t.Setenv("VOICE_WAKE_PHRASE", "Hey Tutor")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BackendURL != "http://localhost:7777" {
		t.Fatalf("BackendURL = %q, want trailing slash trimmed", cfg.BackendURL)
	}
	if cfg.WakePhrase != "hey tutor" {
		t.Fatalf("WakePhrase = %q, want %q", cfg.WakePhrase, "hey tutor")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "bad duration", key: "VOICE_SILENCE_TIMEOUT", val: "soon"},
		{name: "zero silence", key: "VOICE_SILENCE_TIMEOUT", val: "0s"},
		{name: "short inactivity", key: "APP_SESSION_INACTIVITY_TIMEOUT", val: "1s"},
		{name: "bad bool", key: "APP_ALLOW_ANY_ORIGIN", val: "maybe"},
		{name: "bad buffer", key: "APP_WS_OUTBOUND_BUFFER", val: "-1"},
		{name: "bad log level", key: "LOG_LEVEL", val: "loud"},
		{name: "negative grace", key: "VOICE_RESTART_GRACE", val: "-5ms"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_WS_OUTBOUND_BUFFER",
		"BACKEND_URL",
		"BACKEND_TIMEOUT",
		"DATABASE_URL",
		"VOICE_WAKE_PHRASE",
		"VOICE_LANG",
		"VOICE_SILENCE_TIMEOUT",
		"VOICE_RESTART_GRACE",
		"VOICE_AUTO_RESTART_DELAY",
		"VOICE_LISTEN_RESUME_DELAY",
		"VOICE_SPEAKING_RESUME_DELAY",
		"VOICE_AUTO_START_DELAY",
		"LOG_LEVEL",
		"LOG_FILE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
