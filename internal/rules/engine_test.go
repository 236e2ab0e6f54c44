package rules

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine(Options{})
	require.NoError(t, err)
	defer engine.Close()

	assert.Equal(t, 10, engine.RulesCount())
	assert.Equal(t, time.UTC, engine.Location())
}

func TestEvaluateAllOrder(t *testing.T) {
	engine, err := NewEngine(Options{MaxWorkers: 3})
	require.NoError(t, err)

	results := engine.EvaluateAll(context.Background(), newTx("15000", noon), sliceHistory{})
	require.Len(t, results, 10)

	for i, name := range domain.AllRules() {
		assert.Equal(t, name.String(), results[i].Name)
		assert.Equal(t, name.Weight(), results[i].Weight)
		assert.NoError(t, results[i].Err)
	}
	assert.Equal(t, 40.0, results[0].Score)
}

func TestRuleIsolation(t *testing.T) {
	engine, err := NewEngine(Options{})
	require.NoError(t, err)

	engine.builtins[2].Eval = func(context.Context, *domain.Transaction, domain.AccountHistory) float64 {
		panic("index out of range")
	}

	results := engine.EvaluateAll(context.Background(), newTx("15000", noon), sliceHistory{})
	require.Len(t, results, 10)

	faulted := results[2]
	assert.Equal(t, domain.RuleRapidSuccession.String(), faulted.Name)
	assert.True(t, faulted.Failed())
	assert.Zero(t, faulted.Score)
	assert.Contains(t, faulted.ErrString, "panicked")

	// The others still ran.
	assert.Equal(t, 40.0, results[0].Score)
	assert.Equal(t, 15.0, results[8].Score)
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, clampScore(-5))
	assert.Equal(t, 100.0, clampScore(250))
	assert.Equal(t, 42.0, clampScore(42))
}

func TestCustomRules(t *testing.T) {
	ctx := context.Background()

	t.Run("ValidateRejectsBadExpression", func(t *testing.T) {
		engine, _ := NewEngine(Options{})
		err := engine.ValidateRule(&domain.CustomRule{Name: "BAD", Expression: "this is not valid CEL !!!"})
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})

	t.Run("ValidateRejectsStringOutput", func(t *testing.T) {
		engine, _ := NewEngine(Options{})
		err := engine.ValidateRule(&domain.CustomRule{Name: "STR", Expression: `"hello"`})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("ValidateRejectsReservedName", func(t *testing.T) {
		engine, _ := NewEngine(Options{})
		err := engine.ValidateRule(&domain.CustomRule{Name: "HIGH_AMOUNT", Expression: "amount > 1.0"})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("ReloadAndEvaluate", func(t *testing.T) {
		engine, _ := NewEngine(Options{})
		err := engine.ReloadRules([]*domain.CustomRule{
			{ID: "r2", Name: "OFFSHORE", Expression: `country == "KY"`, Weight: 2.0, Enabled: true},
			{ID: "r1", Name: "LARGE_CASHOUT", Expression: `tx_type == "WITHDRAWAL" && amount > 2000.0 ? 60.0 : 0.0`, Enabled: true},
			{ID: "r3", Name: "DISABLED", Expression: "true", Enabled: false},
		})
		require.NoError(t, err)
		assert.Equal(t, 12, engine.RulesCount())

		tx := newTx("2500", noon, withCountry("KY"))
		tx.Type = domain.TransactionWithdrawal
		results := engine.EvaluateAll(ctx, tx, sliceHistory{})
		require.Len(t, results, 12)

		assert.Equal(t, "LARGE_CASHOUT", results[10].Name)
		assert.Equal(t, 60.0, results[10].Score)
		assert.Equal(t, domain.DefaultRuleWeight, results[10].Weight)

		assert.Equal(t, "OFFSHORE", results[11].Name)
		assert.Equal(t, 100.0, results[11].Score)
		assert.Equal(t, 2.0, results[11].Weight)
	})

	t.Run("HistoryVariables", func(t *testing.T) {
		engine, _ := NewEngine(Options{})
		require.NoError(t, engine.ReloadRules([]*domain.CustomRule{
			{Name: "BURST", Expression: "hourly_count >= 4 && prior_count >= 3", Enabled: true},
		}))

		h := repeat(3, noon.Add(-time.Minute))
		results := engine.EvaluateAll(ctx, newTx("10.00", noon), h)
		assert.Equal(t, 100.0, results[10].Score)
	})

	t.Run("FailedReloadKeepsPrevious", func(t *testing.T) {
		engine, _ := NewEngine(Options{})
		require.NoError(t, engine.ReloadRules([]*domain.CustomRule{
			{Name: "KEEP", Expression: "amount > 1.0", Enabled: true},
		}))

		err := engine.ReloadRules([]*domain.CustomRule{
			{Name: "BROKEN", Expression: "amount >", Enabled: true},
		})
		assert.Error(t, err)
		require.Len(t, engine.LoadedRules(), 1)
		assert.Equal(t, "KEEP", engine.LoadedRules()[0].Name)
	})

	t.Run("DuplicateNames", func(t *testing.T) {
		engine, _ := NewEngine(Options{})
		err := engine.ReloadRules([]*domain.CustomRule{
			{Name: "TWICE", Expression: "true", Enabled: true},
			{Name: "TWICE", Expression: "false", Enabled: true},
		})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("RuntimeErrorScoresZero", func(t *testing.T) {
		engine, _ := NewEngine(Options{})
		require.NoError(t, engine.ReloadRules([]*domain.CustomRule{
			{Name: "DIVIDE", Expression: "100 / (hourly_count - 1)", Enabled: true},
		}))

		results := engine.EvaluateAll(ctx, newTx("10.00", noon), sliceHistory{})
		assert.True(t, results[10].Failed())
		assert.Zero(t, results[10].Score)
	})
}

// countingHistory counts concurrent readers to check the worker bound.
type countingHistory struct {
	sliceHistory
	active, peak int32
}

func (c *countingHistory) Recent(ctx context.Context, limit int) []*domain.Transaction {
	n := atomic.AddInt32(&c.active, 1)
	for {
		p := atomic.LoadInt32(&c.peak)
		if n <= p || atomic.CompareAndSwapInt32(&c.peak, p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&c.active, -1)
	return c.sliceHistory.Recent(ctx, limit)
}

func TestConcurrencyLimit(t *testing.T) {
	engine, err := NewEngine(Options{MaxWorkers: 2})
	require.NoError(t, err)

	h := &countingHistory{sliceHistory: repeat(5, noon.Add(-time.Hour))}
	for i := 0; i < 3; i++ {
		t.Run(fmt.Sprintf("run-%d", i), func(t *testing.T) {
			engine.EvaluateAll(context.Background(), newTx("10.00", noon, withCountry("US"), withDevice("d"), withCoords(1, 1)), h)
		})
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&h.peak), int32(2))
}
