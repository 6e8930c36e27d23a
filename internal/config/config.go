// Package config provides environment configuration for the gateway.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Database
	DatabaseURL   string
	DBMaxConns    int
	DBAutoMigrate bool

	// NATS settings
	NATSURL          string
	NATSCAFile       string
	NATSCertFile     string
	NATSKeyFile      string
	NATSToken        string
	NATSQueueSubject string

	// JWT settings for internal routes
	JWTSecret string

	// Completion service
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	DefaultModel    string
	LLMMaxTokens    int
	LLMTemperature  float64

	// Channel providers; per-connection credentials override these.
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioAPIBaseURL    string
	WhatsAppToken       string
	WhatsAppVerifyToken string
	WhatsAppGraphURL    string
	WhatsAppAPIVersion  string

	// Agent behavior
	HistoryWindow     int
	MaxToolIterations int
	ProcessingTimeout time.Duration
	DebounceEnabled   bool
	MediaMaxBytes     int64

	// Rate limiting
	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// Database
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		DBMaxConns:    getIntEnv("DB_MAX_CONNS", 10),
		DBAutoMigrate: getBoolEnv("DB_AUTO_MIGRATE", false),

		// NATS
		NATSURL:          getEnv("NATS_URL", ""),
		NATSCAFile:       getEnv("NATS_CA_FILE", ""),
		NATSCertFile:     getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:      getEnv("NATS_KEY_FILE", ""),
		NATSToken:        getEnv("NATS_TOKEN", ""),
		NATSQueueSubject: getEnv("NATS_QUEUE_SUBJECT", "agent.queue.process"),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		DefaultModel:    getEnv("DEFAULT_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 1024),
		LLMTemperature:  getFloatEnv("LLM_TEMPERATURE", 0.3),

		// Channel providers
		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioAPIBaseURL:    getEnv("TWILIO_API_BASE_URL", "https://api.twilio.com"),
		WhatsAppToken:       getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppVerifyToken: getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppGraphURL:    getEnv("WHATSAPP_GRAPH_URL", "https://graph.facebook.com"),
		WhatsAppAPIVersion:  getEnv("WHATSAPP_API_VERSION", "v19.0"),

		// Agent
		HistoryWindow:     getIntEnv("AGENT_HISTORY_WINDOW", 10),
		MaxToolIterations: getIntEnv("AGENT_MAX_TOOL_ITERATIONS", 6),
		ProcessingTimeout: getDurationEnv("AGENT_PROCESSING_TIMEOUT", 90*time.Second),
		DebounceEnabled:   getBoolEnv("AGENT_DEBOUNCE_ENABLED", false),
		MediaMaxBytes:     int64(getIntEnv("MEDIA_MAX_BYTES", 10<<20)),

		// Rate limiting
		WebhookRateLimit:  getIntEnv("WEBHOOK_RATE_LIMIT", 600),
		WebhookRateWindow: getDurationEnv("WEBHOOK_RATE_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}
	if c.HistoryWindow <= 0 {
		return errors.New("AGENT_HISTORY_WINDOW must be positive")
	}
	if c.MaxToolIterations <= 0 {
		return errors.New("AGENT_MAX_TOOL_ITERATIONS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
