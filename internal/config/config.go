package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the dashboard service configuration, loaded from environment
// variables. A .env file is loaded by cmd/server before this runs.
type Config struct {
	Port       string
	InstanceID string

	// Telephony provider (Twilio REST API)
	TwilioAccountSID string
	TwilioAuthToken  string
	DefaultCallerID  string

	// Public base URL the provider calls back on (answer/status webhooks)
	PublicBaseURL string

	// Correlation token signing secret (HMAC)
	WebhookTokenSecret string

	// Conversational voice API
	VoiceAPIBaseURL string
	VoiceAPIKey     string

	// Redis (session registry + agent cache)
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Pub/Sub call-metrics events (optional)
	PubSubProjectID string
	PubSubTopic     string

	// Call initiation rate limit (requests per second, burst)
	InitiateRateLimit float64
	InitiateRateBurst int

	// Answer webhook hard deadline. The provider blocks the live call on this
	// response, so credential acquisition must finish inside it.
	AnswerWebhookTimeout time.Duration
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	cfg := &Config{
		Port:       getEnvOrDefault("PORT", "8080"),
		InstanceID: getInstanceID(),

		TwilioAccountSID: getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),
		DefaultCallerID:  getEnvOrDefault("TWILIO_CALLER_NUMBER", ""),

		PublicBaseURL:      getEnvOrDefault("PUBLIC_BASE_URL", "http://localhost:8080"),
		WebhookTokenSecret: getEnvOrDefault("WEBHOOK_TOKEN_SECRET", ""),

		VoiceAPIBaseURL: getEnvOrDefault("VOICE_API_BASE_URL", "https://api.elevenlabs.io"),
		VoiceAPIKey:     getEnvOrDefault("VOICE_API_KEY", ""),

		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		PubSubProjectID: getEnvOrDefault("PUBSUB_PROJECT_ID", ""),
		PubSubTopic:     getEnvOrDefault("PUBSUB_TOPIC_NAME", ""),

		InitiateRateLimit: getEnvFloatOrDefault("INITIATE_RATE_LIMIT", 5),
		InitiateRateBurst: getEnvIntOrDefault("INITIATE_RATE_BURST", 10),

		AnswerWebhookTimeout: time.Duration(getEnvIntOrDefault("ANSWER_WEBHOOK_TIMEOUT_MS", 4000)) * time.Millisecond,
	}

	return cfg
}

// getInstanceID generates a unique identifier for this service instance,
// preferring the hostname (pod name in k8s).
func getInstanceID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("parrot-dashboard-%d", time.Now().UnixNano())
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault gets environment variable as int or returns default
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloatOrDefault gets environment variable as float or returns default
func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
