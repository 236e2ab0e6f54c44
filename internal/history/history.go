package history

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Window defaults.
const (
	DefaultMaxEntries  = 100
	DefaultTTL         = 24 * time.Hour
	DefaultMaxAccounts = 100000
)

// New creates a history store based on configuration.
func New(cfg domain.HistoryConfig) (domain.HistoryStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(cfg), nil

	case "redis":
		return NewRedisStore(cfg)

	default:
		return nil, fmt.Errorf("unsupported history store type: %s", cfg.Type)
	}
}

func withDefaults(cfg domain.HistoryConfig) domain.HistoryConfig {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAccounts <= 0 {
		cfg.MaxAccounts = DefaultMaxAccounts
	}
	return cfg
}
