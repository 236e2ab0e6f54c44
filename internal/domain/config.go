package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Scoring behaviour
	Detection DetectionConfig `json:"detection"`

	// Component configurations
	History    HistoryConfig    `json:"history"`
	Repository RepositoryConfig `json:"repository"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// AlertPolicy selects when a scored transaction produces an alert.
type AlertPolicy string

const (
	// AlertPolicySensitive alerts when the score reaches the threshold
	// or any rule contributed a non-zero score.
	AlertPolicySensitive AlertPolicy = "sensitive"

	// AlertPolicyThreshold alerts only when the score reaches the threshold.
	AlertPolicyThreshold AlertPolicy = "threshold"
)

// DetectionConfig holds the orchestrator and rule settings.
type DetectionConfig struct {
	AlertPolicy    AlertPolicy `json:"alertPolicy"`
	AlertThreshold float64     `json:"alertThreshold"`

	// Timezone is the IANA name used to read the local hour of a transaction.
	Timezone string `json:"timezone"`

	// MaxConcurrentRules bounds rule fan-out per evaluation.
	MaxConcurrentRules int `json:"maxConcurrentRules"`

	// CustomRules enables CEL rules loaded from the repository.
	CustomRules bool `json:"customRules"`

	// Workers is the number of concurrent stream consumers.
	Workers int `json:"workers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultConfig returns a single-node configuration: in-memory history,
// channel bus and SQLite alert storage.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Detection: DetectionConfig{
			AlertPolicy:        AlertPolicySensitive,
			AlertThreshold:     50,
			Timezone:           "UTC",
			MaxConcurrentRules: 10,
			CustomRules:        true,
			Workers:            4,
		},
		History: HistoryConfig{
			Type:        "memory",
			MaxEntries:  100,
			TTL:         24 * time.Hour,
			MaxAccounts: 100000,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			NATSQueueGroup:    "kestrel-detectors",
			NATSMaxReconnects: 10,
			NATSReconnectWait: 5,
			AMQPExchange:      "kestrel",
			AMQPQueue:         "kestrel-detectors",
			AMQPPrefetch:      32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ClusterConfig returns a configuration for a multi-node deployment:
// Redis history, NATS streams and PostgreSQL alert storage.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.History.Type = "redis"
	cfg.History.RedisAddr = "localhost:6379"
	cfg.History.RedisTimeout = 500 * time.Millisecond
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.EventBus.Type = "nats"
	cfg.EventBus.NATSUrl = "nats://localhost:4222"
	cfg.Tracing.Enabled = true
	return cfg
}
