// Package velocity measures how fast an account is transacting.
package velocity

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Lookback is the number of prior transactions considered.
const Lookback = 100

// Snapshot is the activity of an account around one transaction.
// Counts and the daily amount include the transaction itself.
type Snapshot struct {
	HourlyCount int             `json:"hourlyCount"`
	DailyCount  int             `json:"dailyCount"`
	DailyAmount decimal.Decimal `json:"dailyAmount"`
}

// Measure computes the snapshot for tx. Windows end at the transaction
// timestamp, so replaying the same transaction yields the same snapshot.
func Measure(ctx context.Context, h domain.AccountHistory, tx *domain.Transaction) Snapshot {
	hourAgo := tx.Timestamp.Add(-time.Hour)
	dayAgo := tx.Timestamp.Add(-24 * time.Hour)

	snap := Snapshot{HourlyCount: 1, DailyCount: 1}
	for _, prior := range h.Recent(ctx, Lookback) {
		if prior.Timestamp.After(hourAgo) {
			snap.HourlyCount++
		}
		if prior.Timestamp.After(dayAgo) {
			snap.DailyCount++
		}
	}
	snap.DailyAmount = h.TotalAmountSince(ctx, dayAgo).Add(tx.Amount)
	return snap
}
