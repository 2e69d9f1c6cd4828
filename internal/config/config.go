/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisWebhookEventPrefix  string `mapstructure:"REDIS_WEBHOOK_EVENT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	PaystackAPIBaseURL       string `mapstructure:"PAYSTACK_API_BASE_URL"`
	PaystackSecretKey        string `mapstructure:"PAYSTACK_SECRET_KEY"`
	PaystackWebhookSecret    string `mapstructure:"PAYSTACK_WEBHOOK_SECRET"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	AllowedOrigins           string `mapstructure:"ALLOWED_ORIGINS"`
	PollFastIntervalSeconds  int    `mapstructure:"POLL_FAST_INTERVAL_SECONDS"`
	PollMediumIntervalSecs   int    `mapstructure:"POLL_MEDIUM_INTERVAL_SECONDS"`
	PollSlowIntervalSeconds  int    `mapstructure:"POLL_SLOW_INTERVAL_SECONDS"`
	PollMaxAttempts          int    `mapstructure:"POLL_MAX_ATTEMPTS"`
	SweepSchedule            string `mapstructure:"SWEEP_SCHEDULE"`
	SweepOrphanAgeSeconds    int    `mapstructure:"SWEEP_ORPHAN_AGE_SECONDS"`
	OutboxBatchSize          int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollIntervalMillis int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	WebhookEventTTLHours     int    `mapstructure:"WEBHOOK_EVENT_TTL_HOURS"`
}

// AllowedOriginList splits the comma-separated origins value.
func (c Config) AllowedOriginList() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYSTACK_API_BASE_URL", "https://api.paystack.co")
	viper.SetDefault("REDIS_WEBHOOK_EVENT_PREFIX", "coverly:webhook_events")
	viper.SetDefault("POLL_FAST_INTERVAL_SECONDS", 10)
	viper.SetDefault("POLL_MEDIUM_INTERVAL_SECONDS", 30)
	viper.SetDefault("POLL_SLOW_INTERVAL_SECONDS", 60)
	viper.SetDefault("POLL_MAX_ATTEMPTS", 60)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("SWEEP_ORPHAN_AGE_SECONDS", 120)
	viper.SetDefault("OUTBOX_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("WEBHOOK_EVENT_TTL_HOURS", 24)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_WEBHOOK_EVENT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYSTACK_API_BASE_URL")
	_ = viper.BindEnv("PAYSTACK_SECRET_KEY")
	_ = viper.BindEnv("PAYSTACK_WEBHOOK_SECRET")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("POLL_FAST_INTERVAL_SECONDS")
	_ = viper.BindEnv("POLL_MEDIUM_INTERVAL_SECONDS")
	_ = viper.BindEnv("POLL_SLOW_INTERVAL_SECONDS")
	_ = viper.BindEnv("POLL_MAX_ATTEMPTS")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_ORPHAN_AGE_SECONDS")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("WEBHOOK_EVENT_TTL_HOURS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	// Paystack signs webhooks with the account secret key; a dedicated webhook
	// secret is only needed when deliveries are proxied through a relay that
	// re-signs them.
	config.PaystackWebhookSecret = strings.TrimSpace(config.PaystackWebhookSecret)
	if config.PaystackWebhookSecret == "" {
		config.PaystackWebhookSecret = strings.TrimSpace(config.PaystackSecretKey)
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisWebhookEventPrefix = strings.TrimSpace(config.RedisWebhookEventPrefix)
	if config.RedisWebhookEventPrefix == "" {
		config.RedisWebhookEventPrefix = "coverly:webhook_events"
	}

	if config.PollFastIntervalSeconds <= 0 {
		config.PollFastIntervalSeconds = 10
	}
	if config.PollMediumIntervalSecs <= 0 {
		config.PollMediumIntervalSecs = 30
	}
	if config.PollSlowIntervalSeconds <= 0 {
		config.PollSlowIntervalSeconds = 60
	}
	if config.PollMaxAttempts <= 0 {
		config.PollMaxAttempts = 60
	}
	if strings.TrimSpace(config.SweepSchedule) == "" {
		config.SweepSchedule = "@every 1m"
	}
	if config.SweepOrphanAgeSeconds <= 0 {
		config.SweepOrphanAgeSeconds = 120
	}
	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 50
	}
	if config.OutboxPollIntervalMillis <= 0 {
		config.OutboxPollIntervalMillis = 1200
	}
	if config.WebhookEventTTLHours <= 0 {
		config.WebhookEventTTLHours = 24
	}

	return
}
