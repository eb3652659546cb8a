package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	NotifierNone    = "none"
	NotifierWebhook = "webhook"
	NotifierRedis   = "redis"
	NotifierKafka   = "kafka"
	NotifierSQS     = "sqs"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	StoreTimeout      time.Duration `mapstructure:"STORE_TIMEOUT"`
	MergeMaxAttempts  int           `mapstructure:"MERGE_MAX_ATTEMPTS"`
	MergeRetryBackoff time.Duration `mapstructure:"MERGE_RETRY_BACKOFF"`

	NotifierBackend string        `mapstructure:"NOTIFIER_BACKEND"`
	NotifyTimeout   time.Duration `mapstructure:"NOTIFY_TIMEOUT"`
	WebhookURL      string        `mapstructure:"WEBHOOK_URL"`
	WebhookSecret   string        `mapstructure:"WEBHOOK_SECRET"`

	RedisURL        string        `mapstructure:"REDIS_URL"`
	RedisStream     string        `mapstructure:"REDIS_STREAM"`
	SummaryCacheTTL time.Duration `mapstructure:"SUMMARY_CACHE_TTL"`

	KafkaBrokers       []string `mapstructure:"KAFKA_BROKERS"`
	KafkaDocumentTopic string   `mapstructure:"KAFKA_DOCUMENT_TOPIC"`
	KafkaNotifyTopic   string   `mapstructure:"KAFKA_NOTIFY_TOPIC"`
	KafkaGroupID       string   `mapstructure:"KAFKA_GROUP_ID"`

	SQSQueueURL string `mapstructure:"SQS_QUEUE_URL"`
	SQSEndpoint string `mapstructure:"SQS_ENDPOINT"`

	OpenAIAPIKey  string  `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL string  `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel   string  `mapstructure:"OPENAI_MODEL"`
	ExtractorRPS  float64 `mapstructure:"EXTRACTOR_RPS"`

	TracingEnabled    bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint      string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRate float64 `mapstructure:"TRACING_SAMPLE_RATE"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REQUEST_TIMEOUT", "STORE_TIMEOUT", "MERGE_MAX_ATTEMPTS", "MERGE_RETRY_BACKOFF",
	"NOTIFIER_BACKEND", "NOTIFY_TIMEOUT", "WEBHOOK_URL", "WEBHOOK_SECRET",
	"REDIS_URL", "REDIS_STREAM", "SUMMARY_CACHE_TTL",
	"KAFKA_BROKERS", "KAFKA_DOCUMENT_TOPIC", "KAFKA_NOTIFY_TOPIC", "KAFKA_GROUP_ID",
	"SQS_QUEUE_URL", "SQS_ENDPOINT",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "EXTRACTOR_RPS",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACING_SAMPLE_RATE",
	"MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("MERGE_MAX_ATTEMPTS", 3)
	v.SetDefault("MERGE_RETRY_BACKOFF", "50ms")
	v.SetDefault("NOTIFIER_BACKEND", NotifierNone)
	v.SetDefault("NOTIFY_TIMEOUT", "5s")
	v.SetDefault("REDIS_STREAM", "summary-updates")
	v.SetDefault("SUMMARY_CACHE_TTL", "1m")
	v.SetDefault("KAFKA_DOCUMENT_TOPIC", "documents.processed")
	v.SetDefault("KAFKA_NOTIFY_TOPIC", "summary.updated")
	v.SetDefault("KAFKA_GROUP_ID", "summary-aggregator")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("TRACING_SAMPLE_RATE", 1.0)
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	cfg.NotifierBackend = strings.ToLower(strings.Join(splitList(nil, cfg.NotifierBackend), ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		log.Println("WARNING: ENV=development without AUTH_SIGNING_KEY or AUTH_JWKS_URL:")
		log.Println("WARNING: every request is authenticated as dev-user with admin access.")
	}

	return cfg, nil
}

// splitList normalizes comma-separated list values from env or .env.
func splitList(parsed []string, raw string) []string {
	if raw == "" {
		raw = strings.Join(parsed, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevAuth reports whether requests bypass token verification.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == ""
}

// NotifierBackends lists the channels named by NOTIFIER_BACKEND, a comma
// separated list. "none" contributes nothing.
func (c *Config) NotifierBackends() []string {
	var out []string
	for _, b := range splitList(nil, strings.ToLower(c.NotifierBackend)) {
		if b != NotifierNone {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}
	if c.MergeMaxAttempts < 1 {
		return fmt.Errorf("MERGE_MAX_ATTEMPTS must be at least 1, got %d", c.MergeMaxAttempts)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE must be between 0 and 1, got %v", c.TracingSampleRate)
	}

	for _, b := range c.NotifierBackends() {
		if err := c.validateNotifier(b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateNotifier(backend string) error {
	switch backend {
	case NotifierWebhook:
		if c.WebhookURL == "" {
			return fmt.Errorf("WEBHOOK_URL is required when NOTIFIER_BACKEND includes webhook")
		}
	case NotifierRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when NOTIFIER_BACKEND includes redis")
		}
	case NotifierKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when NOTIFIER_BACKEND includes kafka")
		}
	case NotifierSQS:
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required when NOTIFIER_BACKEND includes sqs")
		}
	default:
		return fmt.Errorf("NOTIFIER_BACKEND entries must be one of none, webhook, redis, kafka, sqs, got %q", backend)
	}
	return nil
}
