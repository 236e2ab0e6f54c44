package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noon = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

func newDetector(t *testing.T, store domain.HistoryStore) *Detector {
	t.Helper()
	engine, err := rules.NewEngine(rules.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	cfg := domain.DefaultConfig().Detection
	return New(store, engine, tadp.NewProcessor(cfg))
}

func newStore(t *testing.T) *history.MemoryStore {
	t.Helper()
	store := history.NewMemoryStore(domain.HistoryConfig{})
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func txAt(id, amount string, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		AccountID: "ACC1",
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
		Type:      domain.TransactionPurchase,
		Merchant:  "Corner Shop",
		Timestamp: at,
		Device:    &domain.Device{DeviceID: "dev-1"},
	}
}

func withCoords(tx *domain.Transaction, lat, lon float64) *domain.Transaction {
	tx.Location = &domain.Location{Latitude: &lat, Longitude: &lon}
	return tx
}

func score(t *testing.T, out *domain.Outcome, rule domain.RuleName) float64 {
	t.Helper()
	s, ok := out.Scores.Get(rule.String())
	require.True(t, ok, "missing score for %s", rule)
	return s
}

func TestProcess_FirstTransactionIsClean(t *testing.T) {
	d := newDetector(t, newStore(t))

	out, err := d.Process(context.Background(), txAt("tx-1", "50.00", noon))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionClean, out.Decision)
	assert.Nil(t, out.Alert)
	assert.Empty(t, out.TriggeredRules)
	assert.Len(t, out.Scores, len(domain.AllRules()))
	for _, rule := range []domain.RuleName{
		domain.RuleRapidSuccession,
		domain.RuleDuplicateTransaction,
		domain.RuleUnusualMerchant,
		domain.RuleGeographicImpossible,
	} {
		assert.Zero(t, score(t, out, rule), rule.String())
	}
	assert.False(t, out.Degraded)
}

func TestProcess_RapidSuccessionAlerts(t *testing.T) {
	d := newDetector(t, newStore(t))
	ctx := context.Background()

	_, err := d.Process(ctx, txAt("tx-1", "50.00", noon))
	require.NoError(t, err)

	second := txAt("tx-2", "75.00", noon.Add(10*time.Second))
	second.Merchant = "Book Store"
	out, err := d.Process(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, 45.0, score(t, out, domain.RuleRapidSuccession))
	assert.Equal(t, domain.DecisionAlerted, out.Decision)
	require.NotNil(t, out.Alert)
	assert.Equal(t, domain.AlertOpen, out.Alert.Status)
	assert.Equal(t, "tx-2", out.Alert.TransactionID)
	assert.Contains(t, out.Alert.TriggeredRules, domain.RuleRapidSuccession.String())
	assert.Contains(t, out.Alert.Description, "RAPID_SUCCESSION")
}

func TestProcess_HighAmountIsModerate(t *testing.T) {
	d := newDetector(t, newStore(t))

	out, err := d.Process(context.Background(), txAt("tx-1", "15000.00", noon))
	require.NoError(t, err)

	assert.Equal(t, 40.0, score(t, out, domain.RuleHighAmount))
	assert.Equal(t, 15.0, score(t, out, domain.RuleRoundAmount))
	assert.ElementsMatch(t, []string{"HIGH_AMOUNT", "ROUND_AMOUNT"}, out.TriggeredRules)
	assert.Less(t, out.RiskScore, tadp.MediumThreshold)
	assert.Equal(t, domain.SeverityLow, out.Severity)
	// Sensitive policy: any triggered rule alerts.
	assert.Equal(t, domain.DecisionAlerted, out.Decision)
}

func TestProcess_GeographicImpossible(t *testing.T) {
	d := newDetector(t, newStore(t))
	ctx := context.Background()

	// 6000 km along the equator.
	lon := 6000 / rules.EarthRadiusKm * 180 / math.Pi

	_, err := d.Process(ctx, withCoords(txAt("tx-1", "50.00", noon), 0, 0))
	require.NoError(t, err)

	out, err := d.Process(ctx, withCoords(txAt("tx-2", "60.00", noon.Add(time.Hour)), 0, lon))
	require.NoError(t, err)

	assert.Equal(t, 50.0, score(t, out, domain.RuleGeographicImpossible))
	assert.Equal(t, domain.DecisionAlerted, out.Decision)
}

func TestProcess_Idempotent(t *testing.T) {
	store := newStore(t)
	d := newDetector(t, store)
	ctx := context.Background()

	tx := txAt("tx-1", "50.00", noon)
	first, err := d.Process(ctx, tx)
	require.NoError(t, err)
	second, err := d.Process(ctx, tx)
	require.NoError(t, err)

	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.Scores, second.Scores)

	recent, err := store.Recent(ctx, "ACC1", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestEvaluate_DoesNotRecord(t *testing.T) {
	store := newStore(t)
	d := newDetector(t, store)
	ctx := context.Background()

	_, err := d.Process(ctx, txAt("tx-1", "50.00", noon))
	require.NoError(t, err)

	probe := txAt("tx-2", "75.00", noon.Add(10*time.Second))
	probe.Merchant = "Book Store"
	a, err := d.Evaluate(ctx, probe)
	require.NoError(t, err)
	b, err := d.Evaluate(ctx, probe)
	require.NoError(t, err)

	assert.Equal(t, a.Scores, b.Scores)
	assert.Equal(t, 45.0, score(t, a, domain.RuleRapidSuccession))

	recent, err := store.Recent(ctx, "ACC1", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestProcess_InvalidTransaction(t *testing.T) {
	d := newDetector(t, newStore(t))
	ctx := context.Background()

	_, err := d.Process(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)

	bad := txAt("tx-1", "0.00", noon)
	_, err = d.Process(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)

	bad = txAt("", "10.00", noon)
	_, err = d.Process(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidTransaction)
}

func TestProcess_CancelledContext(t *testing.T) {
	d := newDetector(t, newStore(t))

	unlock := d.locks.Lock("ACC1")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Process(ctx, txAt("tx-1", "50.00", noon))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// failingStore is a history store whose backend is down.
type failingStore struct{}

var errDown = fmt.Errorf("%w: connection refused", domain.ErrHistoryUnavailable)

func (failingStore) Record(context.Context, *domain.Transaction) error { return errDown }
func (failingStore) Recent(context.Context, string, int) ([]*domain.Transaction, error) {
	return nil, errDown
}
func (failingStore) TotalAmountSince(context.Context, string, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, errDown
}
func (failingStore) Ping(context.Context) error { return errDown }
func (failingStore) Close() error               { return nil }

func TestProcess_DegradedStore(t *testing.T) {
	d := newDetector(t, failingStore{})

	out, err := d.Process(context.Background(), txAt("tx-1", "15000.00", noon))
	require.NoError(t, err)

	assert.True(t, out.Degraded)
	assert.Equal(t, 40.0, score(t, out, domain.RuleHighAmount))
	assert.Zero(t, score(t, out, domain.RuleRapidSuccession))
	assert.Zero(t, score(t, out, domain.RuleVelocityCheck))
}

func TestProcess_ConcurrentSameAccount(t *testing.T) {
	store := newStore(t)
	d := newDetector(t, store)
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := txAt(fmt.Sprintf("tx-%02d", i), "10.00", noon.Add(time.Duration(i)*time.Hour))
			if _, err := d.Process(ctx, tx); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recent, err := store.Recent(ctx, "ACC1", 100)
	require.NoError(t, err)
	assert.Len(t, recent, n)
	assert.Zero(t, d.locks.Len())
}

func TestVelocity(t *testing.T) {
	d := newDetector(t, newStore(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx := txAt(fmt.Sprintf("tx-%d", i), "100.00", noon.Add(time.Duration(i)*time.Minute))
		_, err := d.Process(ctx, tx)
		require.NoError(t, err)
	}

	probe := txAt("probe", "50.00", noon.Add(5*time.Minute))
	snap, degraded := d.Velocity(ctx, probe)
	assert.False(t, degraded)
	assert.Equal(t, 4, snap.HourlyCount)
	assert.True(t, snap.DailyAmount.Equal(decimal.RequireFromString("350")))

	_, degraded = New(failingStore{}, d.engine, d.processor).Velocity(ctx, probe)
	assert.True(t, degraded)
}

func TestHistory(t *testing.T) {
	d := newDetector(t, newStore(t))
	ctx := context.Background()

	_, err := d.Process(ctx, txAt("tx-1", "50.00", noon))
	require.NoError(t, err)

	txs, err := d.History(ctx, "ACC1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "tx-1", txs[0].ID)

	_, err = New(failingStore{}, d.engine, d.processor).History(ctx, "ACC1", 10)
	assert.True(t, errors.Is(err, domain.ErrHistoryUnavailable))
}
