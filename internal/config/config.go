package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the tutor voice service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin   bool
	WSOutboundBuffer int

	BackendURL     string
	BackendTimeout time.Duration

	DatabaseURL string

	WakePhrase          string
	RecognitionLang     string
	SilenceTimeout      time.Duration
	RestartGrace        time.Duration
	AutoRestartDelay    time.Duration
	ListenResumeDelay   time.Duration
	SpeakingResumeDelay time.Duration
	AutoStartDelay      time.Duration

	LogLevel string
	LogFile  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "tutorvoice"),
		AllowAnyOrigin:   false,
		WSOutboundBuffer: 256,
		// The prototype backend listens on Flask's default port.
		BackendURL:  strings.TrimRight(envOrDefault("BACKEND_URL", "http://127.0.0.1:5000"), "/"),
		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
		WakePhrase:  strings.ToLower(envOrDefault("VOICE_WAKE_PHRASE", "wake")),
		// Recognition is pinned to one language; translation targets are handled by the backend.
		RecognitionLang:          envOrDefault("VOICE_LANG", "en-US"),
		LogLevel:                 strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFile:                  stringsTrimSpace("LOG_FILE"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
		BackendTimeout:           30 * time.Second,
		SilenceTimeout:           time.Second,
		RestartGrace:             100 * time.Millisecond,
		AutoRestartDelay:         200 * time.Millisecond,
		ListenResumeDelay:        500 * time.Millisecond,
		SpeakingResumeDelay:      300 * time.Millisecond,
		AutoStartDelay:           500 * time.Millisecond,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"BACKEND_TIMEOUT", &cfg.BackendTimeout},
		{"VOICE_SILENCE_TIMEOUT", &cfg.SilenceTimeout},
		{"VOICE_RESTART_GRACE", &cfg.RestartGrace},
		{"VOICE_AUTO_RESTART_DELAY", &cfg.AutoRestartDelay},
		{"VOICE_LISTEN_RESUME_DELAY", &cfg.ListenResumeDelay},
		{"VOICE_SPEAKING_RESUME_DELAY", &cfg.SpeakingResumeDelay},
		{"VOICE_AUTO_START_DELAY", &cfg.AutoStartDelay},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	var err error
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.WSOutboundBuffer, err = intFromEnv("APP_WS_OUTBOUND_BUFFER", cfg.WSOutboundBuffer)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.WSOutboundBuffer <= 0 {
		return Config{}, fmt.Errorf("APP_WS_OUTBOUND_BUFFER must be positive")
	}
	if cfg.BackendTimeout <= 0 {
		return Config{}, fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	if cfg.SilenceTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_SILENCE_TIMEOUT must be positive")
	}
	if cfg.RestartGrace < 0 || cfg.AutoRestartDelay < 0 {
		return Config{}, fmt.Errorf("VOICE_RESTART_GRACE and VOICE_AUTO_RESTART_DELAY must be >= 0")
	}
	if cfg.ListenResumeDelay < 0 || cfg.SpeakingResumeDelay < 0 || cfg.AutoStartDelay < 0 {
		return Config{}, fmt.Errorf("voice resume delays must be >= 0")
	}
	if strings.TrimSpace(cfg.WakePhrase) == "" {
		return Config{}, fmt.Errorf("VOICE_WAKE_PHRASE must not be blank")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug|info|warn|error")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
