// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // ORDER_TIMEZONE must resolve on minimal images
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Database
	DatabaseDriver string // postgres | sqlite
	DatabaseURL    string

	// WhatsApp Cloud API
	WhatsAppAPIURL      string
	WhatsAppAccessToken string
	WhatsAppAppSecret   string
	WhatsAppVerifyToken string

	// Language model (OpenAI-compatible endpoint)
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration
	PromptPath string

	// Payment links
	PaymentAPIURL    string
	PaymentKeyID     string
	PaymentKeySecret string
	PaymentTimeout   time.Duration

	// Webhook dedupe
	RedisAddr     string
	RedisPassword string
	DedupeTTL     time.Duration

	// Domain events
	KafkaBrokers []string
	KafkaTopic   string

	// Internal API auth
	ServiceJWTSecret string

	// Conversation
	ConversationTTL time.Duration
	HistoryLimit    int
	OrderTimezone   string

	// Webhook rate limiting
	WebhookRPS   float64
	WebhookBurst int
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 10*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 2),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 50),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:wa-commerce.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"),

		WhatsAppAPIURL:      getEnv("WHATSAPP_API_URL", "https://graph.facebook.com/v21.0"),
		WhatsAppAccessToken: getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppAppSecret:   getEnv("WHATSAPP_APP_SECRET", ""),
		WhatsAppVerifyToken: getEnv("WHATSAPP_VERIFY_TOKEN", ""),

		LLMBaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:  getEnv("LLM_API_KEY", ""),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout: getEnvDuration("LLM_TIMEOUT", 8*time.Second),
		PromptPath: getEnv("PROMPT_PATH", ""),

		PaymentAPIURL:    getEnv("PAYMENT_API_URL", ""),
		PaymentKeyID:     getEnv("PAYMENT_KEY_ID", ""),
		PaymentKeySecret: getEnv("PAYMENT_KEY_SECRET", ""),
		PaymentTimeout:   getEnvDuration("PAYMENT_TIMEOUT", 5*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		DedupeTTL:     getEnvDuration("DEDUPE_TTL", 24*time.Hour),

		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "commerce.orders"),

		ServiceJWTSecret: getEnv("SERVICE_JWT_SECRET", devJWTSecret),

		ConversationTTL: getEnvDuration("CONVERSATION_TTL", 30*time.Minute),
		HistoryLimit:    getEnvInt("HISTORY_LIMIT", 20),
		OrderTimezone:   getEnv("ORDER_TIMEZONE", "Asia/Kolkata"),

		WebhookRPS:   getEnvFloat("WEBHOOK_RPS", 20),
		WebhookBurst: getEnvInt("WEBHOOK_BURST", 40),
	}
}

// devJWTSecret is public; it only signs tokens for local sqlite runs.
const devJWTSecret = "wa-commerce-dev-secret-change-me"

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DatabaseDriver == "postgres" && (c.ServiceJWTSecret == "" || c.ServiceJWTSecret == devJWTSecret) {
		return fmt.Errorf("SERVICE_JWT_SECRET must be set when DATABASE_DRIVER is postgres")
	}
	if c.ConversationTTL <= 0 {
		return fmt.Errorf("CONVERSATION_TTL must be positive")
	}
	if _, err := c.OrderLocation(); err != nil {
		return err
	}
	return nil
}

// OrderLocation resolves ORDER_TIMEZONE.
func (c *Config) OrderLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.OrderTimezone)
	if err != nil {
		return nil, fmt.Errorf("ORDER_TIMEZONE %q: %w", c.OrderTimezone, err)
	}
	return loc, nil
}

// PaymentsConfigured reports whether payment links can be issued.
func (c *Config) PaymentsConfigured() bool {
	return c.PaymentAPIURL != "" && c.PaymentKeyID != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
