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

// Config holds all the configuration variables for the disbursement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	PayoutStatusQueue      string `mapstructure:"PAYOUT_STATUS_QUEUE"`
	PaymentAPIBaseURL      string `mapstructure:"PAYMENT_API_BASE_URL"`
	PaymentAPIKey          string `mapstructure:"PAYMENT_API_KEY"`
	AuthJWTSecret          string `mapstructure:"AUTH_JWT_SECRET"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	MaxBatchSize           int    `mapstructure:"MAX_BATCH_SIZE"`
	BatchConcurrency       int    `mapstructure:"BATCH_CONCURRENCY"`
	AbortOnBatchFailure    bool   `mapstructure:"ABORT_ON_BATCH_FAILURE"`
	MaxRunDurationMinutes  int    `mapstructure:"MAX_RUN_DURATION_MINUTES"`
	PayoutTimeoutSeconds   int    `mapstructure:"PAYOUT_TIMEOUT_SECONDS"`
	PayoutRetryAttempts    int    `mapstructure:"PAYOUT_RETRY_ATTEMPTS"`
	PayoutRetryBackoffMs   int    `mapstructure:"PAYOUT_RETRY_BACKOFF_MS"`
	IdempotencyTTLMinutes  int    `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	ReconcileSchedule      string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileBatchLimit    int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	ReconcileMinAgeMinutes int    `mapstructure:"RECONCILE_MIN_AGE_MINUTES"`
	ScheduledRunCron       string `mapstructure:"SCHEDULED_RUN_CRON"`
	ScheduledRunAmount     int64  `mapstructure:"SCHEDULED_RUN_AMOUNT"`
	ScheduledRunRegion     string `mapstructure:"SCHEDULED_RUN_REGION"`
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
	viper.SetDefault("PAYOUT_STATUS_QUEUE", "disbursement_service.payout_status")
	viper.SetDefault("MAX_BATCH_SIZE", 10000)
	viper.SetDefault("BATCH_CONCURRENCY", 1)
	viper.SetDefault("ABORT_ON_BATCH_FAILURE", false)
	viper.SetDefault("MAX_RUN_DURATION_MINUTES", 0) // 0 disables the cap
	viper.SetDefault("PAYOUT_TIMEOUT_SECONDS", 15)
	viper.SetDefault("PAYOUT_RETRY_ATTEMPTS", 2)
	viper.SetDefault("PAYOUT_RETRY_BACKOFF_MS", 200)
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("RECONCILE_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 200)
	viper.SetDefault("RECONCILE_MIN_AGE_MINUTES", 10)
	viper.SetDefault("SCHEDULED_RUN_CRON", "") // empty disables the scheduled run
	viper.SetDefault("SCHEDULED_RUN_AMOUNT", 0)
	viper.SetDefault("SCHEDULED_RUN_REGION", "")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "DISBURSEMENT_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYOUT_STATUS_QUEUE")
	_ = viper.BindEnv("PAYMENT_API_BASE_URL")
	_ = viper.BindEnv("PAYMENT_API_KEY")
	_ = viper.BindEnv("AUTH_JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "DISBURSEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("MAX_BATCH_SIZE")
	_ = viper.BindEnv("BATCH_CONCURRENCY")
	_ = viper.BindEnv("ABORT_ON_BATCH_FAILURE")
	_ = viper.BindEnv("MAX_RUN_DURATION_MINUTES")
	_ = viper.BindEnv("PAYOUT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PAYOUT_RETRY_ATTEMPTS")
	_ = viper.BindEnv("PAYOUT_RETRY_BACKOFF_MS")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")
	_ = viper.BindEnv("RECONCILE_MIN_AGE_MINUTES")
	_ = viper.BindEnv("SCHEDULED_RUN_CRON")
	_ = viper.BindEnv("SCHEDULED_RUN_AMOUNT")
	_ = viper.BindEnv("SCHEDULED_RUN_REGION")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("DISBURSEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.PaymentAPIBaseURL = strings.TrimSpace(strings.TrimSuffix(config.PaymentAPIBaseURL, "/"))

	if config.MaxBatchSize <= 0 {
		log.Printf("level=warn component=config msg=\"invalid max batch size; using default\" max_batch_size=%d", config.MaxBatchSize)
		config.MaxBatchSize = 10000
	}
	if config.BatchConcurrency <= 0 {
		config.BatchConcurrency = 1
	}
	if config.PayoutTimeoutSeconds <= 0 {
		config.PayoutTimeoutSeconds = 15
	}
	if config.PayoutRetryAttempts < 0 {
		config.PayoutRetryAttempts = 0
	}
	if config.PayoutRetryBackoffMs <= 0 {
		config.PayoutRetryBackoffMs = 200
	}
	if config.IdempotencyTTLMinutes <= 0 {
		config.IdempotencyTTLMinutes = 1440
	}
	if config.ReconcileBatchLimit <= 0 {
		config.ReconcileBatchLimit = 200
	}
	if config.ReconcileMinAgeMinutes <= 0 {
		config.ReconcileMinAgeMinutes = 10
	}
	if config.ScheduledRunCron != "" && config.ScheduledRunAmount <= 0 {
		log.Printf("level=warn component=config msg=\"scheduled run configured without a positive amount; disabling\" amount=%d", config.ScheduledRunAmount)
		config.ScheduledRunCron = ""
	}

	return
}
