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

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	Environment              string `mapstructure:"ENVIRONMENT"`
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	PlatformEventQueue       string `mapstructure:"PLATFORM_EVENT_QUEUE"`
	JWKSURL                  string `mapstructure:"JWKS_URL"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	BankAPIBaseURL           string `mapstructure:"BANK_API_BASE_URL"`
	BankAPIKey               string `mapstructure:"BANK_API_KEY"`
	BankWebhookSecret        string `mapstructure:"BANK_WEBHOOK_SECRET"`
	CardAPIBaseURL           string `mapstructure:"CARD_API_BASE_URL"`
	CardAPIKey               string `mapstructure:"CARD_API_KEY"`
	CardWebhookSecret        string `mapstructure:"CARD_WEBHOOK_SECRET"`
	SettlementRail           string `mapstructure:"SETTLEMENT_RAIL"`
	SettlementCronSpec       string `mapstructure:"SETTLEMENT_CRON_SPEC"`
	IdempotencyTTLMinutes    int    `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	TimestampSkewSeconds     int    `mapstructure:"TIMESTAMP_SKEW_SECONDS"`
	AuditWorkers             int    `mapstructure:"AUDIT_WORKERS"`
	AuditBufferSize          int    `mapstructure:"AUDIT_BUFFER_SIZE"`
	RequestTimeoutSeconds    int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	SettlementTimeoutMinutes int    `mapstructure:"SETTLEMENT_TIMEOUT_MINUTES"`
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
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PLATFORM_EVENT_QUEUE", "ledger_service.platform_events")
	viper.SetDefault("SETTLEMENT_RAIL", "bank")
	viper.SetDefault("SETTLEMENT_CRON_SPEC", "0 2 * * *")
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("TIMESTAMP_SKEW_SECONDS", 300)
	viper.SetDefault("AUDIT_WORKERS", 2)
	viper.SetDefault("AUDIT_BUFFER_SIZE", 256)
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 60)
	viper.SetDefault("SETTLEMENT_TIMEOUT_MINUTES", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("ENVIRONMENT")
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PLATFORM_EVENT_QUEUE")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("BANK_API_BASE_URL")
	_ = viper.BindEnv("BANK_API_KEY")
	_ = viper.BindEnv("BANK_WEBHOOK_SECRET")
	_ = viper.BindEnv("CARD_API_BASE_URL")
	_ = viper.BindEnv("CARD_API_KEY")
	_ = viper.BindEnv("CARD_WEBHOOK_SECRET")
	_ = viper.BindEnv("SETTLEMENT_RAIL")
	_ = viper.BindEnv("SETTLEMENT_CRON_SPEC")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("TIMESTAMP_SKEW_SECONDS")
	_ = viper.BindEnv("AUDIT_WORKERS")
	_ = viper.BindEnv("AUDIT_BUFFER_SIZE")
	_ = viper.BindEnv("REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SETTLEMENT_TIMEOUT_MINUTES")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.Environment = strings.ToLower(strings.TrimSpace(config.Environment))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.SettlementRail = strings.ToLower(strings.TrimSpace(config.SettlementRail))
	if config.SettlementRail == "" {
		config.SettlementRail = "bank"
	}

	if config.IdempotencyTTLMinutes <= 0 {
		config.IdempotencyTTLMinutes = 1440
	}
	if config.TimestampSkewSeconds <= 0 {
		config.TimestampSkewSeconds = 300
	}
	if config.AuditWorkers <= 0 {
		config.AuditWorkers = 2
	}
	if config.AuditBufferSize <= 0 {
		config.AuditBufferSize = 256
	}
	if config.RequestTimeoutSeconds <= 0 {
		config.RequestTimeoutSeconds = 60
	}
	if config.SettlementTimeoutMinutes <= 0 {
		config.SettlementTimeoutMinutes = 10
	}

	return
}
