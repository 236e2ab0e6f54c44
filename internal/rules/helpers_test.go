package rules

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var noon = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

// sliceHistory is an AccountHistory over a fixed newest-first slice.
type sliceHistory []*domain.Transaction

func (s sliceHistory) Recent(_ context.Context, limit int) []*domain.Transaction {
	if limit > len(s) {
		limit = len(s)
	}
	return s[:limit]
}

func (s sliceHistory) TotalAmountSince(_ context.Context, since time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range s {
		if tx.Timestamp.After(since) {
			total = total.Add(tx.Amount)
		}
	}
	return total
}

type txOption func(*domain.Transaction)

func newTx(amount string, at time.Time, opts ...txOption) *domain.Transaction {
	tx := &domain.Transaction{
		ID:        "tx-" + at.Format("150405.000") + "-" + amount,
		AccountID: "ACC1",
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
		Type:      domain.TransactionPurchase,
		Merchant:  "Corner Shop",
		Timestamp: at,
	}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

func withID(id string) txOption {
	return func(tx *domain.Transaction) { tx.ID = id }
}

func withMerchant(name, category string) txOption {
	return func(tx *domain.Transaction) {
		tx.Merchant = name
		tx.MerchantCategory = category
	}
}

func withCountry(country string) txOption {
	return func(tx *domain.Transaction) {
		if tx.Location == nil {
			tx.Location = &domain.Location{}
		}
		tx.Location.Country = country
	}
}

func withCoords(lat, lon float64) txOption {
	return func(tx *domain.Transaction) {
		if tx.Location == nil {
			tx.Location = &domain.Location{}
		}
		tx.Location.Latitude = &lat
		tx.Location.Longitude = &lon
	}
}

func withDevice(id string) txOption {
	return func(tx *domain.Transaction) {
		tx.Device = &domain.Device{DeviceID: id}
	}
}

// repeat builds n prior transactions, one minute apart going back from start.
func repeat(n int, start time.Time, opts ...txOption) sliceHistory {
	h := make(sliceHistory, 0, n)
	for i := 0; i < n; i++ {
		h = append(h, newTx("10.00", start.Add(-time.Duration(i)*time.Minute), opts...))
	}
	return h
}
