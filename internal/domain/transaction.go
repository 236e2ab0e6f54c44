package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the category of a transaction.
type TransactionType string

const (
	TransactionPurchase   TransactionType = "PURCHASE"
	TransactionWithdrawal TransactionType = "WITHDRAWAL"
	TransactionTransfer   TransactionType = "TRANSFER"
	TransactionDeposit    TransactionType = "DEPOSIT"
	TransactionPayment    TransactionType = "PAYMENT"
	TransactionRefund     TransactionType = "REFUND"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPurchase, TransactionWithdrawal, TransactionTransfer,
		TransactionDeposit, TransactionPayment, TransactionRefund:
		return true
	}
	return false
}

// TransactionStatus is the upstream processing status carried on a transaction.
type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionApproved TransactionStatus = "APPROVED"
	TransactionDeclined TransactionStatus = "DECLINED"
	TransactionFlagged  TransactionStatus = "FLAGGED"
)

// MinAmount is the smallest amount accepted on a transaction.
var MinAmount = decimal.RequireFromString("0.01")

// Transaction is a single account movement to be scored.
// It is created upstream and never mutated once recorded.
type Transaction struct {
	ID               string            `json:"id"`
	AccountID        string            `json:"accountId"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Type             TransactionType   `json:"type"`
	Merchant         string            `json:"merchant"`
	MerchantCategory string            `json:"merchantCategory,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Status           TransactionStatus `json:"status,omitempty"`
	Description      string            `json:"description,omitempty"`
	Location         *Location         `json:"location,omitempty"`
	Device           *Device           `json:"device,omitempty"`
}

// Location is where a transaction originated.
type Location struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	City      string   `json:"city,omitempty"`
	Country   string   `json:"country,omitempty"`
	IPAddress string   `json:"ipAddress,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are present.
func (l *Location) HasCoordinates() bool {
	return l != nil && l.Latitude != nil && l.Longitude != nil
}

// Device describes the client that initiated a transaction.
type Device struct {
	DeviceID        string `json:"deviceId,omitempty"`
	DeviceType      string `json:"deviceType,omitempty"`
	OperatingSystem string `json:"operatingSystem,omitempty"`
	Browser         string `json:"browser,omitempty"`
	UserAgent       string `json:"userAgent,omitempty"`
}

// Country returns the location country code or "".
func (t *Transaction) Country() string {
	if t.Location == nil {
		return ""
	}
	return t.Location.Country
}

// DeviceID returns the device id or "".
func (t *Transaction) DeviceID() string {
	if t.Device == nil {
		return ""
	}
	return t.Device.DeviceID
}

// Validate checks the fields every transaction must carry before scoring.
func (t *Transaction) Validate() error {
	var missing []string
	if t.ID == "" {
		missing = append(missing, "id")
	}
	if t.AccountID == "" {
		missing = append(missing, "accountId")
	}
	if t.Type == "" {
		missing = append(missing, "type")
	}
	if t.Merchant == "" {
		missing = append(missing, "merchant")
	}
	if t.Currency == "" {
		missing = append(missing, "currency")
	}
	if t.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidTransaction, strings.Join(missing, ", "))
	}

	if t.Amount.LessThan(MinAmount) {
		return fmt.Errorf("%w: amount %s below %s", ErrInvalidTransaction, t.Amount, MinAmount)
	}
	if len(t.Currency) != 3 {
		return fmt.Errorf("%w: currency %q must be a 3-letter code", ErrInvalidTransaction, t.Currency)
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, t.Type)
	}
	return nil
}
