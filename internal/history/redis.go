package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// recordScript prepends an entry unless its transaction id is already in the
// window, then trims both the list and the id index and refreshes their TTL.
//
// KEYS[1] list, KEYS[2] id index
// ARGV[1] tx id, ARGV[2] payload, ARGV[3] max entries, ARGV[4] recorded-at ms, ARGV[5] ttl ms
var recordScript = redis.NewScript(`
	local added = redis.call('ZADD', KEYS[2], 'NX', ARGV[4], ARGV[1])
	if added == 0 then
		return 0
	end
	local max = tonumber(ARGV[3])
	redis.call('LPUSH', KEYS[1], ARGV[2])
	redis.call('LTRIM', KEYS[1], 0, max - 1)
	redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -(max + 1))
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	redis.call('PEXPIRE', KEYS[2], ARGV[5])
	return 1
`)

// RedisStore implements HistoryStore on Redis lists.
// Each account is a list of JSON entries, newest first, with a sorted set
// of transaction ids beside it for idempotent recording.
type RedisStore struct {
	client     *redis.Client
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

type redisEntry struct {
	Tx         *domain.Transaction `json:"tx"`
	RecordedAt int64               `json:"recordedAt"` // unix ms
}

// NewRedisStore creates a Redis history store and verifies the connection.
func NewRedisStore(cfg domain.HistoryConfig) (*RedisStore, error) {
	cfg = withDefaults(cfg)
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}

	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if cfg.RedisTimeout > 0 {
		opts.DialTimeout = cfg.RedisTimeout
		opts.ReadTimeout = cfg.RedisTimeout
		opts.WriteTimeout = cfg.RedisTimeout
	}
	client := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisStoreWithClient(client, cfg), nil
}

func newRedisStoreWithClient(client *redis.Client, cfg domain.HistoryConfig) *RedisStore {
	cfg = withDefaults(cfg)
	return &RedisStore{
		client:     client,
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		now:        time.Now,
	}
}

// Record prepends tx to the account list.
func (s *RedisStore) Record(ctx context.Context, tx *domain.Transaction) error {
	now := s.now()
	payload, err := json.Marshal(redisEntry{Tx: tx, RecordedAt: now.UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to encode transaction %s: %w", tx.ID, err)
	}

	err = recordScript.Run(ctx, s.client,
		[]string{s.listKey(tx.AccountID), s.indexKey(tx.AccountID)},
		tx.ID, payload, s.maxEntries, now.UnixMilli(), s.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: record %s: %v", domain.ErrHistoryUnavailable, tx.ID, err)
	}
	return nil
}

// Recent returns up to limit live transactions, newest first.
func (s *RedisStore) Recent(ctx context.Context, accountID string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		return []*domain.Transaction{}, nil
	}
	entries, err := s.load(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Transaction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Tx)
	}
	return out, nil
}

// TotalAmountSince sums live transactions with a timestamp after since.
func (s *RedisStore) TotalAmountSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	entries, err := s.load(ctx, accountID, s.maxEntries)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range entries {
		if e.Tx.Timestamp.After(since) {
			total = total.Add(e.Tx.Amount)
		}
	}
	return total, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrHistoryUnavailable, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// load reads up to limit entries and drops those past the TTL.
func (s *RedisStore) load(ctx context.Context, accountID string, limit int) ([]redisEntry, error) {
	raw, err := s.client.LRange(ctx, s.listKey(accountID), 0, int64(limit-1)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrHistoryUnavailable, accountID, err)
	}

	cutoff := s.now().Add(-s.ttl).UnixMilli()
	entries := make([]redisEntry, 0, len(raw))
	for _, item := range raw {
		var e redisEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil || e.Tx == nil {
			slog.Warn("skipping undecodable history entry", "account_id", accountID, "error", err)
			continue
		}
		// Entries are ordered by recording time; everything after the first
		// expired entry is older still.
		if e.RecordedAt <= cutoff {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Keys share a hash tag so the script touches a single cluster slot.
func (s *RedisStore) listKey(accountID string) string {
	return "kestrel:history:{" + accountID + "}"
}

func (s *RedisStore) indexKey(accountID string) string {
	return "kestrel:history:{" + accountID + "}:ids"
}
