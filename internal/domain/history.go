package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// HistoryStore keeps a bounded, TTL-governed, newest-first window of
// transactions per account.
//
// Implementations return errors wrapping ErrHistoryUnavailable when the
// backend cannot be reached. Unknown accounts are never an error.
type HistoryStore interface {
	// Record prepends tx to its account window, trims the window to the
	// configured cap and refreshes the account TTL. Recording a transaction
	// id already present in the window is a no-op.
	Record(ctx context.Context, tx *Transaction) error

	// Recent returns up to limit transactions, newest first.
	Recent(ctx context.Context, accountID string, limit int) ([]*Transaction, error)

	// TotalAmountSince sums the amounts of retained transactions with a
	// timestamp strictly after since.
	TotalAmountSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// HistoryConfig holds configuration for history store initialization.
type HistoryConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string

	// Window bounds
	MaxEntries int
	TTL        time.Duration

	// In-memory settings
	MaxAccounts int

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration
}

// AccountHistory is the read-only history of one account as seen by the
// transaction under evaluation. The transaction itself is never included.
// Reads do not fail; an unavailable backend reads as empty history.
type AccountHistory interface {
	Recent(ctx context.Context, limit int) []*Transaction
	TotalAmountSince(ctx context.Context, since time.Time) decimal.Decimal
}
