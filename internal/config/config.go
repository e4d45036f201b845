package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfig marks configuration problems. They are reported before any
// component is spawned and are never retried.
var ErrConfig = errors.New("configuration error")

// Config contains all runtime settings for the pipeline runner.
type Config struct {
	ConfigPath   string
	PipelineName string
	Loop         bool

	// MicBufferChunks overrides the pipeline document's ring buffer size
	// when >= 0.
	MicBufferChunks int
	ReadTimeout     time.Duration
	// MaxCommand caps command capture; zero derives it from ReadTimeout.
	MaxCommand        time.Duration
	StopGrace         time.Duration
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration
	RecordDir         string

	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	RunRetention     time.Duration
	LogLevel         string

	DatabaseURL      string
	HistoryRedactPII bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		ConfigPath:        envOrDefault("VOXPIPE_CONFIG", "voxpipe.json"),
		PipelineName:      envOrDefault("VOXPIPE_PIPELINE", "default"),
		MicBufferChunks:   -1,
		ReadTimeout:       30 * time.Second,
		StopGrace:         1200 * time.Millisecond,
		RestartBackoff:    500 * time.Millisecond,
		RestartBackoffMax: 30 * time.Second,
		RecordDir:         stringsTrimSpace("VOXPIPE_RECORD_DIR"),
		BindAddr:          os.Getenv("APP_BIND_ADDR"),
		ShutdownTimeout:   15 * time.Second,
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "voxpipe"),
		RunRetention:      10 * time.Minute,
		LogLevel:          envOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		HistoryRedactPII:  true,
	}
	if _, ok := os.LookupEnv("APP_BIND_ADDR"); !ok {
		cfg.BindAddr = ":9464"
	}
	cfg.BindAddr = strings.TrimSpace(cfg.BindAddr)

	var err error
	cfg.Loop, err = boolFromEnv("VOXPIPE_LOOP", cfg.Loop)
	if err != nil {
		return Config{}, err
	}
	cfg.MicBufferChunks, err = intFromEnv("VOXPIPE_MIC_BUFFER_CHUNKS", cfg.MicBufferChunks)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadTimeout, err = durationFromEnv("VOXPIPE_READ_TIMEOUT", cfg.ReadTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxCommand, err = durationFromEnv("VOXPIPE_MAX_COMMAND", cfg.MaxCommand)
	if err != nil {
		return Config{}, err
	}
	cfg.StopGrace, err = durationFromEnv("VOXPIPE_STOP_GRACE", cfg.StopGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.RestartBackoff, err = durationFromEnv("VOXPIPE_RESTART_BACKOFF", cfg.RestartBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.RestartBackoffMax, err = durationFromEnv("VOXPIPE_RESTART_BACKOFF_MAX", cfg.RestartBackoffMax)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RunRetention, err = durationFromEnv("APP_RUN_RETENTION", cfg.RunRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryRedactPII, err = boolFromEnv("HISTORY_REDACT_PII", cfg.HistoryRedactPII)
	if err != nil {
		return Config{}, err
	}

	if cfg.MicBufferChunks < -1 {
		return Config{}, fmt.Errorf("%w: VOXPIPE_MIC_BUFFER_CHUNKS must be >= 0", ErrConfig)
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("%w: VOXPIPE_READ_TIMEOUT must be positive", ErrConfig)
	}
	if cfg.MaxCommand < 0 {
		return Config{}, fmt.Errorf("%w: VOXPIPE_MAX_COMMAND must not be negative", ErrConfig)
	}
	if cfg.StopGrace <= 0 {
		return Config{}, fmt.Errorf("%w: VOXPIPE_STOP_GRACE must be positive", ErrConfig)
	}
	if cfg.RestartBackoff <= 0 || cfg.RestartBackoffMax < cfg.RestartBackoff {
		return Config{}, fmt.Errorf("%w: VOXPIPE_RESTART_BACKOFF must be positive and <= VOXPIPE_RESTART_BACKOFF_MAX", ErrConfig)
	}
	if cfg.RunRetention < time.Second {
		return Config{}, fmt.Errorf("%w: APP_RUN_RETENTION must be at least 1s", ErrConfig)
	}
	if strings.TrimSpace(cfg.PipelineName) == "" {
		return Config{}, fmt.Errorf("%w: VOXPIPE_PIPELINE must not be empty", ErrConfig)
	}

	return cfg, nil
}

// VADConfig holds settings for the standalone VAD component.
type VADConfig struct {
	URI             string
	Speech          time.Duration
	Silence         time.Duration
	Timeout         time.Duration
	Reset           time.Duration
	EnergyThreshold float64
	LogLevel        string
}

// LoadVAD reads the VAD component's environment.
func LoadVAD() (VADConfig, error) {
	cfg := VADConfig{
		URI:             stringsTrimSpace("VAD_URI"),
		Speech:          300 * time.Millisecond,
		Silence:         500 * time.Millisecond,
		Timeout:         15 * time.Second,
		Reset:           time.Second,
		EnergyThreshold: 0.02,
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
	}
	var err error
	if cfg.Speech, err = secondsFromEnv("VAD_SPEECH_SECONDS", cfg.Speech); err != nil {
		return VADConfig{}, err
	}
	if cfg.Silence, err = secondsFromEnv("VAD_SILENCE_SECONDS", cfg.Silence); err != nil {
		return VADConfig{}, err
	}
	if cfg.Timeout, err = secondsFromEnv("VAD_TIMEOUT_SECONDS", cfg.Timeout); err != nil {
		return VADConfig{}, err
	}
	if cfg.Reset, err = secondsFromEnv("VAD_RESET_SECONDS", cfg.Reset); err != nil {
		return VADConfig{}, err
	}
	if cfg.EnergyThreshold, err = floatFromEnv("VAD_ENERGY_THRESHOLD", cfg.EnergyThreshold); err != nil {
		return VADConfig{}, err
	}
	if cfg.EnergyThreshold <= 0 || cfg.EnergyThreshold >= 1 {
		return VADConfig{}, fmt.Errorf("%w: VAD_ENERGY_THRESHOLD must be in (0,1)", ErrConfig)
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
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfig, key, err)
	}
	return d, nil
}

// secondsFromEnv accepts a decimal number of seconds ("0.3") or a Go
// duration ("300ms").
func secondsFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if f <= 0 {
			return 0, fmt.Errorf("%w: %s must be positive", ErrConfig, key)
		}
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfig, key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrConfig, key)
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
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfig, key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s parse error: %v", ErrConfig, key, err)
	}
	return f, nil
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
		return false, fmt.Errorf("%w: %s parse error: expected bool", ErrConfig, key)
	}
}
