package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Supported provider and store names.
const (
	ProviderOpenMeteo  = "openmeteo"
	ProviderWeatherAPI = "weatherapi"
	StoreSQLite        = "sqlite"
	StoreFile          = "file"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	RegistryPath string `validate:"required"`

	// Weather provider.
	Provider         string `validate:"oneof=openmeteo weatherapi"`
	ProviderEndpoint string `validate:"omitempty,url"`
	ProviderAPIKey   string
	ProviderTimezone string
	ProviderTimeout  time.Duration `validate:"gt=0"`

	TrailingWindow   int           `validate:"gte=0,lte=48"`
	SiteDelay        time.Duration `validate:"gte=0"`
	FetchConcurrency int           `validate:"gte=1,lte=16"`
	ReadingCacheTTL  time.Duration `validate:"gte=0"`
	ReadingCacheSize int           `validate:"gte=1"`

	// Retry policy shared by every outbound client.
	RetryMaxAttempts        int           `validate:"gte=1,lte=10"`
	RetryInitialInterval    time.Duration `validate:"gt=0"`
	RetryMultiplier         float64       `validate:"gte=1"`
	RetryMaxInterval        time.Duration `validate:"gt=0"`
	BreakerFailureThreshold int           `validate:"gte=0"`

	LightThresholdMM  float64 `validate:"gt=0"`
	SevereThresholdMM float64 `validate:"gtfield=LightThresholdMM"`

	// Notification channel.
	TelegramToken    string
	ChatID           string
	TelegramEndpoint string `validate:"required,url"`
	CommandKeywords  []string
	ReportOnlyAlerts bool

	StoreBackend string `validate:"oneof=sqlite file"`
	StorePath    string `validate:"required"`
	CursorPath   string `validate:"required"`

	// Optional export and metrics push.
	KafkaBrokers          []string
	KafkaObservationTopic string
	PushgatewayURL        string `validate:"omitempty,url"`

	// Watch mode.
	CycleSchedule string        `validate:"required"`
	PollInterval  time.Duration `validate:"gt=0"`
	HTTPAddr      string

	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

var validate = validator.New()

// Load reads configuration from environment variables, applying defaults
// where unset. A .env file in the working directory is loaded first when
// present; variables already set in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	cfg := &Config{
		RegistryPath: sharedcfg.EnvOrDefault("REGISTRY_PATH", "barragens.csv"),

		Provider:         strings.ToLower(sharedcfg.EnvOrDefault("PROVIDER", ProviderOpenMeteo)),
		ProviderEndpoint: os.Getenv("PROVIDER_ENDPOINT"),
		ProviderAPIKey:   os.Getenv("PROVIDER_API_KEY"),
		ProviderTimezone: sharedcfg.EnvOrDefault("PROVIDER_TIMEZONE", "America/Sao_Paulo"),
		ProviderTimeout:  p.parseDuration("PROVIDER_TIMEOUT", "30s"),

		TrailingWindow:   p.parseInt("TRAILING_WINDOW", "3"),
		SiteDelay:        p.parseDuration("SITE_DELAY", "2s"),
		FetchConcurrency: p.parseInt("FETCH_CONCURRENCY", "1"),
		ReadingCacheTTL:  p.parseDuration("READING_CACHE_TTL", "0s"),
		ReadingCacheSize: p.parseInt("READING_CACHE_SIZE", "256"),

		RetryMaxAttempts:        p.parseInt("RETRY_MAX_ATTEMPTS", "3"),
		RetryInitialInterval:    p.parseDuration("RETRY_INITIAL_INTERVAL", "1s"),
		RetryMultiplier:         p.parseFloat("RETRY_MULTIPLIER", "2"),
		RetryMaxInterval:        p.parseDuration("RETRY_MAX_INTERVAL", "10s"),
		BreakerFailureThreshold: p.parseInt("BREAKER_FAILURE_THRESHOLD", "10"),

		LightThresholdMM:  p.parseFloat("LIGHT_THRESHOLD_MM", "2"),
		SevereThresholdMM: p.parseFloat("SEVERE_THRESHOLD_MM", "10"),

		TelegramToken:    os.Getenv("TELEGRAM_TOKEN"),
		ChatID:           os.Getenv("CHAT_ID"),
		TelegramEndpoint: sharedcfg.EnvOrDefault("TELEGRAM_ENDPOINT", "https://api.telegram.org"),
		CommandKeywords:  splitList(sharedcfg.EnvOrDefault("COMMAND_KEYWORDS", "status,now,rain,dam")),
		ReportOnlyAlerts: p.parseBool("REPORT_ONLY_ALERTS", "false"),

		StoreBackend: strings.ToLower(sharedcfg.EnvOrDefault("STORE_BACKEND", StoreSQLite)),
		StorePath:    sharedcfg.EnvOrDefault("STORE_PATH", "rainwatch.db"),
		CursorPath:   sharedcfg.EnvOrDefault("CURSOR_PATH", "last_update_id.txt"),

		KafkaObservationTopic: sharedcfg.EnvOrDefault("KAFKA_OBSERVATION_TOPIC", "dam-observations"),
		PushgatewayURL:        os.Getenv("PUSHGATEWAY_URL"),

		CycleSchedule: sharedcfg.EnvOrDefault("CYCLE_SCHEDULE", "*/30 * * * *"),
		PollInterval:  p.parseDuration("POLL_INTERVAL", "1m"),
		HTTPAddr:      sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),

		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, describe(err)
	}
	if cfg.Provider == ProviderWeatherAPI && cfg.ProviderAPIKey == "" {
		return nil, errors.New("PROVIDER_API_KEY is required when PROVIDER is weatherapi")
	}
	if cfg.KafkaObservationTopic == "" && len(cfg.KafkaBrokers) > 0 {
		return nil, errors.New("KAFKA_OBSERVATION_TOPIC is required when KAFKA_BROKERS is set")
	}

	return cfg, nil
}

// KafkaEnabled reports whether observations are exported.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// NotificationsEnabled reports whether scheduled reports can be delivered.
func (c *Config) NotificationsEnabled() bool {
	return c.TelegramToken != "" && c.ChatID != ""
}

// parser collects the first parse error so Load can report it by variable name.
type parser struct {
	err error
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
}

func (p *parser) parseDuration(key, def string) time.Duration {
	raw := sharedcfg.EnvOrDefault(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
	}
	return d
}

func (p *parser) parseInt(key, def string) int {
	raw := sharedcfg.EnvOrDefault(key, def)
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw, err)
	}
	return n
}

func (p *parser) parseFloat(key, def string) float64 {
	raw := sharedcfg.EnvOrDefault(key, def)
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		p.fail(key, raw, err)
	}
	return f
}

func (p *parser) parseBool(key, def string) bool {
	raw := sharedcfg.EnvOrDefault(key, def)
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw, err)
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envNames maps struct fields to the variables that set them.
var envNames = map[string]string{
	"RegistryPath":            "REGISTRY_PATH",
	"Provider":                "PROVIDER",
	"ProviderEndpoint":        "PROVIDER_ENDPOINT",
	"ProviderTimeout":         "PROVIDER_TIMEOUT",
	"TrailingWindow":          "TRAILING_WINDOW",
	"SiteDelay":               "SITE_DELAY",
	"FetchConcurrency":        "FETCH_CONCURRENCY",
	"ReadingCacheTTL":         "READING_CACHE_TTL",
	"ReadingCacheSize":        "READING_CACHE_SIZE",
	"RetryMaxAttempts":        "RETRY_MAX_ATTEMPTS",
	"RetryInitialInterval":    "RETRY_INITIAL_INTERVAL",
	"RetryMultiplier":         "RETRY_MULTIPLIER",
	"RetryMaxInterval":        "RETRY_MAX_INTERVAL",
	"BreakerFailureThreshold": "BREAKER_FAILURE_THRESHOLD",
	"LightThresholdMM":        "LIGHT_THRESHOLD_MM",
	"SevereThresholdMM":       "SEVERE_THRESHOLD_MM",
	"TelegramEndpoint":        "TELEGRAM_ENDPOINT",
	"StoreBackend":            "STORE_BACKEND",
	"StorePath":               "STORE_PATH",
	"CursorPath":              "CURSOR_PATH",
	"PushgatewayURL":          "PUSHGATEWAY_URL",
	"CycleSchedule":           "CYCLE_SCHEDULE",
	"PollInterval":            "POLL_INTERVAL",
}

// describe rewrites validator errors in terms of environment variables.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	name, ok := envNames[fe.StructField()]
	if !ok {
		name = fe.StructField()
	}
	if fe.Param() != "" {
		return fmt.Errorf("invalid %s %v: must satisfy %s=%s", name, fe.Value(), fe.Tag(), fe.Param())
	}
	return fmt.Errorf("invalid %s %v: must satisfy %s", name, fe.Value(), fe.Tag())
}
