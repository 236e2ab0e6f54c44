// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository persists fraud alerts and operator-defined rules.
type Repository interface {
	// Alert operations
	SaveAlert(ctx context.Context, alert *FraudAlert) error
	GetAlert(ctx context.Context, alertID string) (*FraudAlert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*FraudAlert, error)
	// UpdateAlert writes alert only if its stored status is still from.
	UpdateAlert(ctx context.Context, alert *FraudAlert, from AlertStatus) error

	// Custom rule operations
	SaveCustomRule(ctx context.Context, rule *CustomRule) error
	ListCustomRules(ctx context.Context) ([]*CustomRule, error)
	DeleteCustomRule(ctx context.Context, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
