// Package config loads Kestrel configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Profiles select the base configuration before overrides apply.
const (
	ProfileSingle  = "single"
	ProfileCluster = "cluster"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*domain.Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds configuration from the current environment only.
func FromEnv() (*domain.Config, error) {
	var cfg *domain.Config
	switch profile := strings.ToLower(getEnv("KESTREL_PROFILE", ProfileSingle)); profile {
	case ProfileSingle:
		cfg = domain.DefaultConfig()
	case ProfileCluster:
		cfg = domain.ClusterConfig()
	default:
		return nil, fmt.Errorf("unknown profile %q", profile)
	}

	// Server
	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("KESTREL_PORT", cfg.Server.Port)

	// Detection
	cfg.Detection.AlertPolicy = domain.AlertPolicy(getEnv("KESTREL_ALERT_POLICY", string(cfg.Detection.AlertPolicy)))
	cfg.Detection.AlertThreshold = getEnvFloat("KESTREL_ALERT_THRESHOLD", cfg.Detection.AlertThreshold)
	cfg.Detection.Timezone = getEnv("KESTREL_TIMEZONE", cfg.Detection.Timezone)
	cfg.Detection.MaxConcurrentRules = getEnvInt("KESTREL_MAX_CONCURRENT_RULES", cfg.Detection.MaxConcurrentRules)
	cfg.Detection.CustomRules = getEnvBool("KESTREL_CUSTOM_RULES", cfg.Detection.CustomRules)
	cfg.Detection.Workers = getEnvInt("KESTREL_WORKERS", cfg.Detection.Workers)

	// History
	cfg.History.Type = getEnv("KESTREL_HISTORY", cfg.History.Type)
	cfg.History.MaxEntries = getEnvInt("KESTREL_HISTORY_MAX_ENTRIES", cfg.History.MaxEntries)
	cfg.History.TTL = getEnvDuration("KESTREL_HISTORY_TTL", cfg.History.TTL)
	cfg.History.MaxAccounts = getEnvInt("KESTREL_HISTORY_MAX_ACCOUNTS", cfg.History.MaxAccounts)
	cfg.History.RedisAddr = getEnv("KESTREL_REDIS_ADDR", cfg.History.RedisAddr)
	cfg.History.RedisPassword = getEnv("KESTREL_REDIS_PASSWORD", cfg.History.RedisPassword)
	cfg.History.RedisDB = getEnvInt("KESTREL_REDIS_DB", cfg.History.RedisDB)
	cfg.History.RedisTimeout = getEnvDuration("KESTREL_REDIS_TIMEOUT", cfg.History.RedisTimeout)

	// Repository
	cfg.Repository.Driver = getEnv("KESTREL_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("KESTREL_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("KESTREL_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("KESTREL_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("KESTREL_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("KESTREL_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("KESTREL_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	// Event bus
	cfg.EventBus.Type = getEnv("KESTREL_BUS", cfg.EventBus.Type)
	cfg.EventBus.ChannelBufferSize = getEnvInt("KESTREL_CHANNEL_BUFFER", cfg.EventBus.ChannelBufferSize)
	cfg.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSQueueGroup = getEnv("KESTREL_NATS_QUEUE_GROUP", cfg.EventBus.NATSQueueGroup)
	cfg.EventBus.AMQPUrl = getEnv("KESTREL_AMQP_URL", cfg.EventBus.AMQPUrl)
	cfg.EventBus.AMQPExchange = getEnv("KESTREL_AMQP_EXCHANGE", cfg.EventBus.AMQPExchange)
	cfg.EventBus.AMQPQueue = getEnv("KESTREL_AMQP_QUEUE", cfg.EventBus.AMQPQueue)
	cfg.EventBus.AMQPPrefetch = getEnvInt("KESTREL_AMQP_PREFETCH", cfg.EventBus.AMQPPrefetch)

	// Observability
	cfg.Logging.Level = getEnv("KESTREL_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("KESTREL_LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Enabled = getEnvBool("KESTREL_TRACING", cfg.Tracing.Enabled)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can be started.
func Validate(cfg *domain.Config) error {
	switch cfg.Detection.AlertPolicy {
	case domain.AlertPolicySensitive, domain.AlertPolicyThreshold:
	default:
		return fmt.Errorf("%w: unknown alert policy %q", domain.ErrInvalidInput, cfg.Detection.AlertPolicy)
	}
	if cfg.Detection.AlertThreshold <= 0 || cfg.Detection.AlertThreshold > 100 {
		return fmt.Errorf("%w: alert threshold %v outside (0,100]", domain.ErrInvalidInput, cfg.Detection.AlertThreshold)
	}
	if _, err := time.LoadLocation(cfg.Detection.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", domain.ErrInvalidInput, cfg.Detection.Timezone, err)
	}

	switch cfg.History.Type {
	case "memory":
	case "redis":
		if cfg.History.RedisAddr == "" {
			return fmt.Errorf("%w: KESTREL_REDIS_ADDR is required for redis history", domain.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown history store %q", domain.ErrInvalidInput, cfg.History.Type)
	}

	switch cfg.EventBus.Type {
	case "channel":
	case "nats":
		if cfg.EventBus.NATSUrl == "" {
			return fmt.Errorf("%w: KESTREL_NATS_URL is required for nats bus", domain.ErrInvalidInput)
		}
	case "rabbitmq":
		if cfg.EventBus.AMQPUrl == "" {
			return fmt.Errorf("%w: KESTREL_AMQP_URL is required for rabbitmq bus", domain.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown event bus %q", domain.ErrInvalidInput, cfg.EventBus.Type)
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown repository driver %q", domain.ErrInvalidInput, cfg.Repository.Driver)
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
