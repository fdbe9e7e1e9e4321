package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the outreach voice service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	LogLevel  string
	LogFormat string

	VapiAPIKey        string
	VapiBaseURL       string
	VapiAssistantID   string
	VapiPhoneNumberID string

	GeneratorMode string
	GeneratorURL  string

	DatabaseURL string

	SilenceTimeout        time.Duration
	InitialSilenceTimeout time.Duration
	WarningGrace          time.Duration
	MonitorTick           time.Duration
	SpeechDebounce        time.Duration
	RetryDelay            time.Duration
	GenerateTimeout       time.Duration
	MaxRetries            int

	ConversationLinger time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "florence"),
		LogLevel:         envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("APP_LOG_FORMAT", "json"),
		VapiAPIKey:       trimmedEnv("VAPI_API_KEY"),
		VapiBaseURL:      envOrDefault("VAPI_BASE_URL", "https://api.vapi.ai"),
		VapiAssistantID:  trimmedEnv("VAPI_ASSISTANT_ID"),
		// Required only for outbound PSTN calls; webhook-only deployments can leave it unset.
		VapiPhoneNumberID: trimmedEnv("VAPI_PHONE_NUMBER_ID"),
		GeneratorMode:     envOrDefault("GENERATOR_MODE", "auto"),
		GeneratorURL:      trimmedEnv("GENERATOR_URL"),
		DatabaseURL:       trimmedEnv("DATABASE_URL"),

		ShutdownTimeout:       15 * time.Second,
		SilenceTimeout:        2500 * time.Millisecond,
		InitialSilenceTimeout: 10 * time.Second,
		WarningGrace:          5 * time.Second,
		MonitorTick:           500 * time.Millisecond,
		SpeechDebounce:        150 * time.Millisecond,
		RetryDelay:            1500 * time.Millisecond,
		GenerateTimeout:       30 * time.Second,
		MaxRetries:            3,
		ConversationLinger:    2 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceTimeout, err = durationFromEnv("VOICE_SILENCE_TIMEOUT", cfg.SilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InitialSilenceTimeout, err = durationFromEnv("VOICE_INITIAL_SILENCE_TIMEOUT", cfg.InitialSilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.WarningGrace, err = durationFromEnv("VOICE_WARNING_GRACE", cfg.WarningGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.MonitorTick, err = durationFromEnv("VOICE_MONITOR_TICK", cfg.MonitorTick)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechDebounce, err = durationFromEnv("VOICE_SPEECH_DEBOUNCE", cfg.SpeechDebounce)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryDelay, err = durationFromEnv("VOICE_RETRY_DELAY", cfg.RetryDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateTimeout, err = durationFromEnv("GENERATOR_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRetries, err = intFromEnv("VOICE_MAX_RETRIES", cfg.MaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.ConversationLinger, err = durationFromEnv("APP_CONVERSATION_LINGER", cfg.ConversationLinger)
	if err != nil {
		return Config{}, err
	}

	if cfg.SilenceTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_SILENCE_TIMEOUT must be positive")
	}
	if cfg.InitialSilenceTimeout < cfg.SilenceTimeout {
		return Config{}, fmt.Errorf("VOICE_INITIAL_SILENCE_TIMEOUT must be at least VOICE_SILENCE_TIMEOUT")
	}
	if cfg.MonitorTick <= 0 {
		return Config{}, fmt.Errorf("VOICE_MONITOR_TICK must be positive")
	}
	if cfg.SpeechDebounce < 0 {
		return Config{}, fmt.Errorf("VOICE_SPEECH_DEBOUNCE must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return Config{}, fmt.Errorf("VOICE_MAX_RETRIES must be >= 0")
	}
	if cfg.GenerateTimeout <= 0 {
		return Config{}, fmt.Errorf("GENERATOR_TIMEOUT must be positive")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.GeneratorMode)) {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("invalid GENERATOR_MODE: %q (expected auto|http|mock)", cfg.GeneratorMode)
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

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}
