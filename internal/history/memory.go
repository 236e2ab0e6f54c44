// Package history provides account transaction history stores for Kestrel.
package history

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process HistoryStore.
// Each account owns a window guarded by its own lock; the set of accounts
// is bounded and the least recently recorded account is evicted first.
type MemoryStore struct {
	mu          sync.Mutex
	maxAccounts int
	maxEntries  int
	ttl         time.Duration
	accounts    map[string]*list.Element
	order       *list.List
	now         func() time.Time
}

type accountWindow struct {
	accountID string

	mu      sync.Mutex
	entries []entry // newest first
}

type entry struct {
	tx         *domain.Transaction
	recordedAt time.Time
}

// NewMemoryStore creates an in-memory store from configuration.
func NewMemoryStore(cfg domain.HistoryConfig) *MemoryStore {
	cfg = withDefaults(cfg)
	return &MemoryStore{
		maxAccounts: cfg.MaxAccounts,
		maxEntries:  cfg.MaxEntries,
		ttl:         cfg.TTL,
		accounts:    make(map[string]*list.Element),
		order:       list.New(),
		now:         time.Now,
	}
}

// Record prepends tx to the account window.
func (s *MemoryStore) Record(ctx context.Context, tx *domain.Transaction) error {
	w := s.lockResident(tx.AccountID)
	defer w.mu.Unlock()
	now := s.now()

	w.prune(now, s.ttl)
	for _, e := range w.entries {
		if e.tx.ID == tx.ID {
			return nil
		}
	}

	entries := make([]entry, 0, min(len(w.entries)+1, s.maxEntries))
	entries = append(entries, entry{tx: tx, recordedAt: now})
	for _, e := range w.entries {
		if len(entries) >= s.maxEntries {
			break
		}
		entries = append(entries, e)
	}
	w.entries = entries
	return nil
}

// Recent returns up to limit live transactions, newest first.
func (s *MemoryStore) Recent(ctx context.Context, accountID string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		return []*domain.Transaction{}, nil
	}
	w := s.window(accountID, false)
	if w == nil {
		return []*domain.Transaction{}, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(s.now(), s.ttl)
	n := min(limit, len(w.entries))
	out := make([]*domain.Transaction, 0, n)
	for _, e := range w.entries[:n] {
		out = append(out, e.tx)
	}
	return out, nil
}

// TotalAmountSince sums live transactions with a timestamp after since.
func (s *MemoryStore) TotalAmountSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	w := s.window(accountID, false)
	if w == nil {
		return total, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(s.now(), s.ttl)
	for _, e := range w.entries {
		if e.tx.Timestamp.After(since) {
			total = total.Add(e.tx.Amount)
		}
	}
	return total, nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close drops all windows.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*list.Element)
	s.order = list.New()
	return nil
}

// Stats returns the number of tracked accounts and the account capacity.
func (s *MemoryStore) Stats() (accounts int, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), s.maxAccounts
}

// lockResident returns the account window locked. A window evicted between
// lookup and lock is dropped and the lookup repeated, so a write never lands
// in a window the store no longer holds.
func (s *MemoryStore) lockResident(accountID string) *accountWindow {
	for {
		w := s.window(accountID, true)
		w.mu.Lock()
		if s.resident(w) {
			return w
		}
		w.mu.Unlock()
	}
}

func (s *MemoryStore) resident(w *accountWindow) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.accounts[w.accountID]
	return ok && elem.Value.(*accountWindow) == w
}

// window returns the account window, creating it when create is set.
// Creating or recording moves the account to the front of the eviction order.
func (s *MemoryStore) window(accountID string, create bool) *accountWindow {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.accounts[accountID]; ok {
		if create {
			s.order.MoveToFront(elem)
		}
		return elem.Value.(*accountWindow)
	}
	if !create {
		return nil
	}

	w := &accountWindow{accountID: accountID}
	s.accounts[accountID] = s.order.PushFront(w)
	for s.order.Len() > s.maxAccounts {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.accounts, oldest.Value.(*accountWindow).accountID)
	}
	metrics.TrackedAccounts.Set(float64(s.order.Len()))
	return w
}

// prune drops entries recorded more than ttl ago. Entries are ordered by
// recording time, so the expired ones form a suffix.
func (w *accountWindow) prune(now time.Time, ttl time.Duration) {
	cutoff := now.Add(-ttl)
	for i, e := range w.entries {
		if !e.recordedAt.After(cutoff) {
			w.entries = w.entries[:i]
			return
		}
	}
}
