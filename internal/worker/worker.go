// Package worker consumes the transaction stream and publishes decisions
// and alerts.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Worker processes transactions asynchronously from the EventBus.
//
// Messages are spread over lanes by partition key. Each lane handles its
// messages one at a time, so transactions of one account are scored in
// the order they arrived while different accounts proceed in parallel.
// Every message a lane accepts is scored, rejected or counted as failed
// before Stop returns.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	detector *detector.Detector

	// mu guards lanes against close while a dispatch is sending.
	mu            sync.RWMutex
	closed        bool
	lanes         []chan *domain.Message
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	accepted  atomic.Int64
	processed atomic.Int64
	alerted   atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Lanes is the number of concurrent processing lanes.
	Lanes int

	// LaneBuffer is the number of messages queued per lane.
	LaneBuffer int
}

// ErrStopped is returned for messages dispatched after Stop began.
var ErrStopped = errors.New("worker stopped")

// Rejection is published to the invalid topic for messages that cannot be
// scored.
type Rejection struct {
	MessageID  string    `json:"messageId"`
	Key        string    `json:"key,omitempty"`
	Reason     string    `json:"reason"`
	Payload    string    `json:"payload"`
	RejectedAt time.Time `json:"rejectedAt"`
}

// NewWorker creates a new async worker. repo may be nil, in which case
// alerts are published but not stored.
func NewWorker(bus domain.EventBus, repo domain.Repository, det *detector.Detector) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		detector: det,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the transaction topic and starts the lanes.
func (w *Worker) Start(cfg Config) error {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 64
	}

	w.lanes = make([]chan *domain.Message, cfg.Lanes)
	for i := range w.lanes {
		lane := make(chan *domain.Message, cfg.LaneBuffer)
		w.lanes[i] = lane
		w.wg.Add(1)
		go w.runLane(lane)
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactions, w.dispatch)
	if err != nil {
		w.closeLanes()
		w.wg.Wait()
		w.cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactions, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicTransactions,
		"lanes", cfg.Lanes,
	)
	return nil
}

// dispatch routes a message to the lane owning its key. A nil return means
// the lane has taken the message and will finish it, even across Stop.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrStopped
	}

	lane := w.lanes[xxhash.Sum64String(msg.Key)%uint64(len(w.lanes))]
	select {
	case lane <- msg:
		w.accepted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runLane scores messages until its lane is closed and empty.
func (w *Worker) runLane(lane <-chan *domain.Message) {
	defer w.wg.Done()
	for msg := range lane {
		if err := w.processMessage(w.ctx, msg); err != nil {
			w.failed.Add(1)
			metrics.MessagesTotal.WithLabelValues("failed").Inc()
			slog.Error("failed to process transaction message",
				"message_id", msg.ID,
				"key", msg.Key,
				"error", err,
			)
		}
	}
}

// closeLanes stops new dispatches and closes every lane. It waits for
// dispatches already sending, which the running lanes keep unblocked.
func (w *Worker) closeLanes() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.closed = true
	for _, lane := range w.lanes {
		close(lane)
	}
	return true
}

// processMessage scores one transaction message end to end.
func (w *Worker) processMessage(ctx context.Context, msg *domain.Message) error {
	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		return w.reject(ctx, msg, fmt.Errorf("malformed payload: %w", err))
	}

	outcome, err := w.detector.Process(ctx, &tx)
	if errors.Is(err, domain.ErrInvalidTransaction) {
		return w.reject(ctx, msg, err)
	}
	if err != nil {
		return err
	}

	decision, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	if err := w.bus.Publish(ctx, domain.TopicDecisions, tx.AccountID, decision); err != nil {
		slog.Error("failed to publish decision",
			"transaction_id", tx.ID,
			"error", err,
		)
	}

	if outcome.Alert != nil {
		w.alerted.Add(1)
		if err := w.emitAlert(ctx, outcome.Alert); err != nil {
			return err
		}
	}

	w.processed.Add(1)
	metrics.MessagesTotal.WithLabelValues("processed").Inc()
	return nil
}

// emitAlert stores the alert, then publishes it.
func (w *Worker) emitAlert(ctx context.Context, alert *domain.FraudAlert) error {
	if w.repo != nil {
		if err := w.repo.SaveAlert(ctx, alert); err != nil {
			slog.Error("failed to save alert",
				"alert_id", alert.ID,
				"transaction_id", alert.TransactionID,
				"error", err,
			)
		}
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	if err := w.bus.Publish(ctx, domain.TopicAlerts, alert.AccountID, payload); err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", alert.ID, err)
	}
	return nil
}

// reject publishes an unscorable message to the invalid topic.
func (w *Worker) reject(ctx context.Context, msg *domain.Message, reason error) error {
	w.rejected.Add(1)
	metrics.MessagesTotal.WithLabelValues("rejected").Inc()
	slog.Error("rejected transaction message",
		"message_id", msg.ID,
		"key", msg.Key,
		"error", reason,
	)

	payload, err := json.Marshal(Rejection{
		MessageID:  msg.ID,
		Key:        msg.Key,
		Reason:     reason.Error(),
		Payload:    string(msg.Payload),
		RejectedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode rejection: %w", err)
	}
	if err := w.bus.Publish(ctx, domain.TopicTransactionsInvalid, msg.Key, payload); err != nil {
		return fmt.Errorf("failed to publish rejection: %w", err)
	}
	return nil
}

// Stop unsubscribes, then lets every lane finish the messages it already
// accepted before returning.
func (w *Worker) Stop() error {
	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	if !w.closeLanes() {
		return nil
	}
	queued := 0
	for _, lane := range w.lanes {
		queued += len(lane)
	}
	if queued > 0 {
		slog.Info("draining queued messages", "queued", queued)
	}

	w.wg.Wait()
	w.cancel()

	slog.Info("worker stopped",
		"accepted", w.accepted.Load(),
		"processed", w.processed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Lanes             int      `json:"lanes"`
	Accepted          int64    `json:"accepted"`
	Processed         int64    `json:"processed"`
	Alerted           int64    `json:"alerted"`
	Rejected          int64    `json:"rejected"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Lanes:             len(w.lanes),
		Accepted:          w.accepted.Load(),
		Processed:         w.processed.Load(),
		Alerted:           w.alerted.Load(),
		Rejected:          w.rejected.Load(),
		Failed:            w.failed.Load(),
	}
}
