// Package detector runs a transaction through recording, scoring and the
// alert decision. Every valid transaction ends ALERTED or CLEAN.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/syncutil"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel-detector")

// Detector is the detection orchestrator.
type Detector struct {
	store     domain.HistoryStore
	engine    *rules.Engine
	processor *tadp.Processor
	locks     *syncutil.KeyedMutex
}

// New creates a detector over a history store, rule engine and processor.
func New(store domain.HistoryStore, engine *rules.Engine, processor *tadp.Processor) *Detector {
	return &Detector{
		store:     store,
		engine:    engine,
		processor: processor,
		locks:     syncutil.NewKeyedMutex(),
	}
}

// Process records tx into its account history, scores it against the
// history that preceded it and decides the outcome.
//
// Transactions for one account are serialized; other accounts proceed in
// parallel. A history failure degrades scoring but never fails the call.
// The only errors are an invalid transaction and a cancelled context.
func (d *Detector) Process(ctx context.Context, tx *domain.Transaction) (*domain.Outcome, error) {
	return d.run(ctx, tx, true)
}

// Evaluate scores tx against the current history without recording it.
// Evaluating the same transaction twice yields the same scores.
func (d *Detector) Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.Outcome, error) {
	return d.run(ctx, tx, false)
}

// History returns the prior transactions of an account, newest first.
func (d *Detector) History(ctx context.Context, accountID string, limit int) ([]*domain.Transaction, error) {
	return d.store.Recent(ctx, accountID, limit)
}

// Velocity measures account activity as it would be seen by tx.
func (d *Detector) Velocity(ctx context.Context, tx *domain.Transaction) (velocity.Snapshot, bool) {
	view := history.NewView(d.store, tx, velocity.Lookback)
	snap := velocity.Measure(ctx, view, tx)
	return snap, view.Degraded()
}

// AccountVelocity measures the recorded activity of an account in the hour
// and day ending at at.
func (d *Detector) AccountVelocity(ctx context.Context, accountID string, at time.Time) (velocity.Snapshot, bool) {
	// A probe with no id and no amount; its own contribution is removed below.
	probe := &domain.Transaction{AccountID: accountID, Timestamp: at}
	snap, degraded := d.Velocity(ctx, probe)
	snap.HourlyCount--
	snap.DailyCount--
	return snap, degraded
}

func (d *Detector) run(ctx context.Context, tx *domain.Transaction, record bool) (*domain.Outcome, error) {
	if tx == nil {
		metrics.InvalidTransactionsTotal.Inc()
		return nil, fmt.Errorf("%w: transaction is required", domain.ErrInvalidTransaction)
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "detector.process",
		trace.WithAttributes(
			attribute.String("transaction.id", tx.ID),
			attribute.String("account.id", tx.AccountID),
			attribute.Bool("record", record),
		),
	)
	defer span.End()

	if err := tx.Validate(); err != nil {
		metrics.InvalidTransactionsTotal.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid transaction")
		return nil, err
	}

	unlock, err := d.locks.LockContext(ctx, tx.AccountID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer unlock()

	degraded := false
	if record {
		if err := d.store.Record(ctx, tx); err != nil {
			degraded = true
			metrics.HistoryRecordFailuresTotal.Inc()
			slog.Warn("failed to record transaction, scoring without history",
				"transaction_id", tx.ID,
				"account_id", tx.AccountID,
				"error", err,
			)
		}
	}

	view := history.NewView(d.store, tx, velocity.Lookback)
	results := d.engine.EvaluateAll(ctx, tx, view)

	outcome := d.processor.Process(ctx, &tadp.DecisionInput{
		Transaction: tx,
		RuleResults: results,
		Degraded:    degraded || view.Degraded(),
		StartTime:   start,
	})

	span.SetAttributes(
		attribute.String("decision", string(outcome.Decision)),
		attribute.Float64("risk_score", outcome.RiskScore),
		attribute.Bool("degraded", outcome.Degraded),
	)
	if record {
		observe(outcome, time.Since(start))
	}

	slog.Info("transaction scored",
		"transaction_id", tx.ID,
		"account_id", tx.AccountID,
		"decision", outcome.Decision,
		"risk_score", outcome.RiskScore,
		"severity", outcome.Severity,
		"triggered_rules", outcome.TriggeredRules,
		"degraded", outcome.Degraded,
		"recorded", record,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return outcome, nil
}

func observe(outcome *domain.Outcome, elapsed time.Duration) {
	metrics.TransactionsTotal.WithLabelValues(string(outcome.Decision)).Inc()
	metrics.EvaluationDuration.Observe(elapsed.Seconds())
	metrics.RiskScore.Observe(outcome.RiskScore)
	if outcome.Degraded {
		metrics.DegradedEvaluationsTotal.Inc()
	}
	if outcome.Alert != nil {
		metrics.AlertsTotal.WithLabelValues(string(outcome.Alert.Severity)).Inc()
	}
	for _, name := range outcome.TriggeredRules {
		metrics.RuleTriggersTotal.WithLabelValues(name).Inc()
	}
	for _, f := range outcome.Faults {
		metrics.RuleFaultsTotal.WithLabelValues(f.Name).Inc()
	}
}
