package domain

import (
	"fmt"
	"time"
)

// Severity is the coarse bucket derived from a risk score.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AlertStatus tracks an alert through investigation.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "OPEN"
	AlertInvestigating AlertStatus = "INVESTIGATING"
	AlertResolved      AlertStatus = "RESOLVED"
	AlertFalsePositive AlertStatus = "FALSE_POSITIVE"
)

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertOpen, AlertInvestigating, AlertResolved, AlertFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertFalsePositive
}

// CanTransition reports whether an alert in s may move to next.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	if !next.Valid() || s.Terminal() || s == next {
		return false
	}
	switch s {
	case AlertOpen:
		return true
	case AlertInvestigating:
		return next != AlertOpen
	}
	return false
}

// FraudAlert is emitted for every transaction that reaches the ALERTED state.
type FraudAlert struct {
	ID             string      `json:"id"`
	TransactionID  string      `json:"transactionId"`
	AccountID      string      `json:"accountId"`
	Severity       Severity    `json:"severity"`
	RiskScore      float64     `json:"riskScore"`
	TriggeredRules []string    `json:"triggeredRules"`
	Description    string      `json:"description"`
	Status         AlertStatus `json:"status"`
	DetectedAt     time.Time   `json:"detectedAt"`
	ResolvedAt     *time.Time  `json:"resolvedAt,omitempty"`
	ResolvedBy     string      `json:"resolvedBy,omitempty"`
	Resolution     string      `json:"resolution,omitempty"`
}

// Transition moves the alert to next, stamping resolution fields on terminal states.
func (a *FraudAlert) Transition(next AlertStatus, by, resolution string, at time.Time) error {
	if !a.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, a.Status, next)
	}
	a.Status = next
	if next.Terminal() {
		t := at.UTC()
		a.ResolvedAt = &t
		a.ResolvedBy = by
		a.Resolution = resolution
	}
	return nil
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	AccountID string
	Status    AlertStatus
	Limit     int
}

// Decision is the terminal state of one transaction.
type Decision string

const (
	DecisionAlerted Decision = "ALERTED"
	DecisionClean   Decision = "CLEAN"
)

// Outcome is the full result of scoring one transaction.
type Outcome struct {
	TransactionID  string       `json:"transactionId"`
	AccountID      string       `json:"accountId"`
	Decision       Decision     `json:"decision"`
	RiskScore      float64      `json:"riskScore"`
	Severity       Severity     `json:"severity"`
	TriggeredRules []string     `json:"triggeredRules"`
	Scores         RuleScoreSet `json:"scores"`
	Faults         []RuleResult `json:"faults,omitempty"`
	Degraded       bool         `json:"degraded"`
	Alert          *FraudAlert  `json:"alert,omitempty"`
	EvaluatedAt    time.Time    `json:"evaluatedAt"`
	ProcessMs      int64        `json:"processMs"`
}

// Alerted reports whether the outcome carries an alert.
func (o *Outcome) Alerted() bool {
	return o.Decision == DecisionAlerted
}
