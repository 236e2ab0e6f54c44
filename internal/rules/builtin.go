package rules

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/shopspring/decimal"
)

// RuleFunc scores one signal of tx in [0,100].
type RuleFunc func(ctx context.Context, tx *domain.Transaction, h domain.AccountHistory) float64

// Rule binds a built-in rule name to its scoring function.
type Rule struct {
	Name domain.RuleName
	Eval RuleFunc
}

var (
	highAmountMajor  = decimal.NewFromInt(10000)
	highAmountMinor  = decimal.NewFromInt(5000)
	dailyAmountLimit = decimal.NewFromInt(20000)
	thousand         = decimal.NewFromInt(1000)
	hundred          = decimal.NewFromInt(100)
	fiveHundred      = decimal.NewFromInt(500)
)

// BuiltinRules returns the ten built-in rules in evaluation order.
// loc is the zone used to read the local hour; nil means UTC.
func BuiltinRules(loc *time.Location) []Rule {
	if loc == nil {
		loc = time.UTC
	}
	return []Rule{
		{domain.RuleHighAmount, HighAmount},
		{domain.RuleUnusualLocation, UnusualLocation},
		{domain.RuleRapidSuccession, RapidSuccession},
		{domain.RuleUnusualTime, UnusualTime(loc)},
		{domain.RuleVelocityCheck, VelocityCheck},
		{domain.RuleDuplicateTransaction, DuplicateTransaction},
		{domain.RuleUnusualMerchant, UnusualMerchant},
		{domain.RuleDeviceFingerprint, DeviceFingerprint},
		{domain.RuleRoundAmount, RoundAmount},
		{domain.RuleGeographicImpossible, GeographicImpossible},
	}
}

// HighAmount scores the absolute amount.
func HighAmount(_ context.Context, tx *domain.Transaction, _ domain.AccountHistory) float64 {
	switch {
	case tx.Amount.GreaterThan(highAmountMajor):
		return 40
	case tx.Amount.GreaterThan(highAmountMinor):
		return 25
	}
	return 0
}

// UnusualLocation scores how rarely the account has transacted from the
// current country across its last 20 location-bearing transactions.
func UnusualLocation(ctx context.Context, tx *domain.Transaction, h domain.AccountHistory) float64 {
	country := tx.Country()
	if country == "" {
		slog.Debug("no location on transaction", "rule", domain.RuleUnusualLocation.String(), "transaction_id", tx.ID)
		return 0
	}

	var withLocation, sameCountry int
	for _, prior := range h.Recent(ctx, 20) {
		c := prior.Country()
		if c == "" {
			continue
		}
		withLocation++
		if c == country {
			sameCountry++
		}
	}
	if withLocation == 0 {
		return 0
	}

	switch ratio := float64(sameCountry) / float64(withLocation); {
	case sameCountry == 0:
		return 35
	case ratio < 0.2:
		return 20
	}
	return 0
}

// RapidSuccession scores the gap to the previous transaction. A gap is
// negative when tx is stamped before the newest recorded transaction; that
// scores as rapid.
func RapidSuccession(ctx context.Context, tx *domain.Transaction, h domain.AccountHistory) float64 {
	recent := h.Recent(ctx, 5)
	if len(recent) == 0 {
		return 0
	}

	gap := tx.Timestamp.Sub(recent[0].Timestamp)
	switch {
	case gap < 30*time.Second:
		return 45
	case gap < 2*time.Minute:
		return 30
	case gap < 5*time.Minute:
		return 15
	}
	return 0
}

// UnusualTime scores transactions made in the small hours of loc.
func UnusualTime(loc *time.Location) RuleFunc {
	return func(_ context.Context, tx *domain.Transaction, _ domain.AccountHistory) float64 {
		hour := tx.Timestamp.In(loc).Hour()
		switch {
		case hour >= 2 && hour < 5:
			return 20
		case hour == 5:
			return 10
		}
		return 0
	}
}

// VelocityCheck scores hourly and daily activity. Components add up and the
// total is capped at 100.
func VelocityCheck(ctx context.Context, tx *domain.Transaction, h domain.AccountHistory) float64 {
	snap := velocity.Measure(ctx, h, tx)

	var score float64
	switch {
	case snap.HourlyCount > 10:
		score += 30
	case snap.HourlyCount > 7:
		score += 15
	}
	switch {
	case snap.DailyCount > 50:
		score += 25
	case snap.DailyCount > 40:
		score += 10
	}
	if snap.DailyAmount.GreaterThan(dailyAmountLimit) {
		score += 35
	}
	return min(score, 100)
}

// DuplicateTransaction looks for the same amount at the same merchant in the
// five minutes before tx.
func DuplicateTransaction(ctx context.Context, tx *domain.Transaction, h domain.AccountHistory) float64 {
	windowStart := tx.Timestamp.Add(-5 * time.Minute)
	for _, prior := range h.Recent(ctx, 10) {
		if !prior.Timestamp.After(windowStart) {
			continue
		}
		if prior.Amount.Equal(tx.Amount) && strings.EqualFold(prior.Merchant, tx.Merchant) {
			return 40
		}
	}
	return 0
}

// UnusualMerchant scores merchants and categories the account has not used
// in its last 50 transactions. Needs at least 10 of them.
func UnusualMerchant(ctx context.Context, tx *domain.Transaction, h domain.AccountHistory) float64 {
	recent := h.Recent(ctx, 50)
	if len(recent) < 10 {
		return 0
	}

	categorySeen := false
	for _, prior := range recent {
		if strings.EqualFold(prior.Merchant, tx.Merchant) {
			return 0
		}
		if tx.MerchantCategory != "" && prior.MerchantCategory == tx.MerchantCategory {
			categorySeen = true
		}
	}

	switch {
	case tx.MerchantCategory == "":
		return 15
	case categorySeen:
		return 10
	}
	return 25
}

// DeviceFingerprint scores devices not seen in the last 30 transactions.
func DeviceFingerprint(ctx context.Context, tx *domain.Transaction, h domain.AccountHistory) float64 {
	deviceID := tx.DeviceID()
	if deviceID == "" {
		return 5
	}

	recent := h.Recent(ctx, 30)
	if len(recent) == 0 {
		return 0
	}
	for _, prior := range recent {
		if prior.DeviceID() == deviceID {
			return 0
		}
	}
	return 20
}

// RoundAmount scores exact multiples of 1000 and 100.
func RoundAmount(_ context.Context, tx *domain.Transaction, _ domain.AccountHistory) float64 {
	switch {
	case tx.Amount.GreaterThanOrEqual(thousand) && tx.Amount.Mod(thousand).IsZero():
		return 15
	case tx.Amount.GreaterThanOrEqual(fiveHundred) && tx.Amount.Mod(hundred).IsZero():
		return 8
	}
	return 0
}

// GeographicImpossible scores the travel speed implied by the distance to the
// most recent prior transaction with coordinates among the last 5.
func GeographicImpossible(ctx context.Context, tx *domain.Transaction, h domain.AccountHistory) float64 {
	if !tx.Location.HasCoordinates() {
		return 0
	}

	var prev *domain.Transaction
	for _, prior := range h.Recent(ctx, 5) {
		if prior.Location.HasCoordinates() {
			prev = prior
			break
		}
	}
	if prev == nil {
		return 0
	}

	hours := tx.Timestamp.Sub(prev.Timestamp).Hours()
	if hours <= 0 {
		return 0
	}

	distance := Haversine(
		*prev.Location.Latitude, *prev.Location.Longitude,
		*tx.Location.Latitude, *tx.Location.Longitude,
	)
	switch speed := distance / hours; {
	case speed > 900:
		return 50
	case speed > 500:
		return 25
	}
	return 0
}
