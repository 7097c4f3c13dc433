package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the TTS server.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// AllowAnyOrigin relaxes the websocket origin check. HTTP CORS is
	// always permissive: the server exists to be called from a browser
	// addon.
	AllowAnyOrigin bool

	Python       string
	WorkerScript string
	StartTimeout time.Duration
	ProbeTimeout time.Duration

	ForceCPU         bool
	DevicePolicyPath string

	// HistoryPath is the SQLite generation log; empty disables history.
	HistoryPath string

	DefaultVoice    string
	DefaultLanguage string

	LogDevelopment bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("KOKORO_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("KOKORO_METRICS_NAMESPACE", "kokorod"),
		AllowAnyOrigin:   true,
		Python:           envOrDefault("KOKORO_PYTHON", "python3"),
		WorkerScript:     envOrDefault("KOKORO_WORKER_SCRIPT", "scripts/kokoro_worker.py"),
		DevicePolicyPath: trimEnv("KOKORO_DEVICE_POLICY"),
		HistoryPath:      "kokorod.db",
		DefaultVoice:     envOrDefault("KOKORO_DEFAULT_VOICE", "af_heart"),
		DefaultLanguage:  envOrDefault("KOKORO_DEFAULT_LANG", "a"),
		ShutdownTimeout:  15 * time.Second,
		StartTimeout:     120 * time.Second,
		ProbeTimeout:     30 * time.Second,
	}

	// An explicitly empty KOKORO_HISTORY_DB disables the generation log, so
	// presence matters here, not just the value.
	if v, ok := os.LookupEnv("KOKORO_HISTORY_DB"); ok {
		cfg.HistoryPath = strings.TrimSpace(v)
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("KOKORO_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StartTimeout, err = durationFromEnv("KOKORO_PIPELINE_START_TIMEOUT", cfg.StartTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ProbeTimeout, err = durationFromEnv("KOKORO_PROBE_TIMEOUT", cfg.ProbeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ForceCPU, err = boolFromEnv("KOKORO_FORCE_CPU", cfg.ForceCPU)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("KOKORO_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDevelopment, err = boolFromEnv("KOKORO_LOG_DEVELOPMENT", cfg.LogDevelopment)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShutdownTimeout < time.Second {
		return Config{}, fmt.Errorf("KOKORO_SHUTDOWN_TIMEOUT must be at least 1s")
	}
	if cfg.StartTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("KOKORO_PIPELINE_START_TIMEOUT must be at least 5s")
	}
	if cfg.ProbeTimeout < time.Second {
		return Config{}, fmt.Errorf("KOKORO_PROBE_TIMEOUT must be at least 1s")
	}
	if strings.TrimSpace(cfg.Python) == "" {
		return Config{}, fmt.Errorf("KOKORO_PYTHON must not be empty")
	}
	if strings.TrimSpace(cfg.WorkerScript) == "" {
		return Config{}, fmt.Errorf("KOKORO_WORKER_SCRIPT must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimEnv(key))
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
