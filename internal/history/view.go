package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// View is the read side of a store as seen by one transaction under
// evaluation. It hides the transaction itself from every query, reads the
// window once, and turns an unavailable store into an empty history.
//
// A View is safe for concurrent use by the rules of one evaluation.
type View struct {
	store domain.HistoryStore
	tx    *domain.Transaction
	depth int

	once     sync.Once
	snapshot []*domain.Transaction
	// selfSeen is set when the store already holds tx.
	selfSeen   bool
	loadFailed bool
	degraded   atomic.Bool
}

// NewView binds store to tx. depth is the largest number of prior
// transactions any reader will ask for.
func NewView(store domain.HistoryStore, tx *domain.Transaction, depth int) *View {
	if depth <= 0 {
		depth = DefaultMaxEntries
	}
	return &View{store: store, tx: tx, depth: depth}
}

// Recent returns up to limit prior transactions, newest first.
func (v *View) Recent(ctx context.Context, limit int) []*domain.Transaction {
	v.load(ctx)
	if limit <= 0 {
		return nil
	}
	if limit > len(v.snapshot) {
		limit = len(v.snapshot)
	}
	return v.snapshot[:limit]
}

// TotalAmountSince sums prior transactions with a timestamp after since.
func (v *View) TotalAmountSince(ctx context.Context, since time.Time) decimal.Decimal {
	v.load(ctx)
	if v.loadFailed {
		return decimal.Zero
	}
	total, err := v.store.TotalAmountSince(ctx, v.tx.AccountID, since)
	if err != nil {
		v.markDegraded(err)
		return decimal.Zero
	}
	if v.selfSeen && v.tx.Timestamp.After(since) {
		total = total.Sub(v.tx.Amount)
	}
	return total
}

// Degraded reports whether any read failed and was served as empty history.
func (v *View) Degraded() bool {
	return v.degraded.Load()
}

func (v *View) load(ctx context.Context) {
	v.once.Do(func() {
		// One extra slot so the window still holds depth prior entries
		// when it already contains tx.
		txs, err := v.store.Recent(ctx, v.tx.AccountID, v.depth+1)
		if err != nil {
			v.loadFailed = true
			v.markDegraded(err)
			return
		}
		prior := make([]*domain.Transaction, 0, len(txs))
		for _, t := range txs {
			if t.ID == v.tx.ID {
				v.selfSeen = true
				continue
			}
			prior = append(prior, t)
		}
		if len(prior) > v.depth {
			prior = prior[:v.depth]
		}
		v.snapshot = prior
	})
}

func (v *View) markDegraded(err error) {
	v.degraded.Store(true)
	level := slog.LevelWarn
	if !errors.Is(err, domain.ErrHistoryUnavailable) {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "history read failed, scoring without history",
		"account_id", v.tx.AccountID,
		"transaction_id", v.tx.ID,
		"error", err,
	)
}
