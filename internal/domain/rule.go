package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// RuleName identifies one of the built-in scoring rules.
type RuleName int

// Built-in rules in evaluation order.
const (
	RuleHighAmount RuleName = iota + 1
	RuleUnusualLocation
	RuleRapidSuccession
	RuleUnusualTime
	RuleVelocityCheck
	RuleDuplicateTransaction
	RuleUnusualMerchant
	RuleDeviceFingerprint
	RuleRoundAmount
	RuleGeographicImpossible
)

type ruleInfo struct {
	name        string
	description string
	weight      float64
}

var ruleTable = map[RuleName]ruleInfo{
	RuleHighAmount:           {"HIGH_AMOUNT", "Transaction amount is unusually high", 1.5},
	RuleUnusualLocation:      {"UNUSUAL_LOCATION", "Transaction from an unusual location", 1.2},
	RuleRapidSuccession:      {"RAPID_SUCCESSION", "Multiple transactions in rapid succession", 1.8},
	RuleUnusualTime:          {"UNUSUAL_TIME", "Transaction at an unusual time", 0.8},
	RuleVelocityCheck:        {"VELOCITY_CHECK", "High transaction velocity detected", 1.5},
	RuleDuplicateTransaction: {"DUPLICATE_TRANSACTION", "Potential duplicate transaction", 1.6},
	RuleUnusualMerchant:      {"UNUSUAL_MERCHANT", "Transaction with an unusual merchant", 1.0},
	RuleDeviceFingerprint:    {"DEVICE_FINGERPRINT", "Unrecognized device", 1.1},
	RuleRoundAmount:          {"ROUND_AMOUNT", "Suspicious round amount", 0.7},
	RuleGeographicImpossible: {"GEOGRAPHIC_IMPOSSIBLE", "Geographically impossible transaction", 2.0},
}

// DefaultRuleWeight applies to rule names outside the built-in table.
const DefaultRuleWeight = 1.0

// AllRules returns the built-in rules in evaluation order.
func AllRules() []RuleName {
	return []RuleName{
		RuleHighAmount,
		RuleUnusualLocation,
		RuleRapidSuccession,
		RuleUnusualTime,
		RuleVelocityCheck,
		RuleDuplicateTransaction,
		RuleUnusualMerchant,
		RuleDeviceFingerprint,
		RuleRoundAmount,
		RuleGeographicImpossible,
	}
}

// String returns the wire identifier, e.g. "HIGH_AMOUNT".
func (r RuleName) String() string {
	if info, ok := ruleTable[r]; ok {
		return info.name
	}
	return fmt.Sprintf("RuleName(%d)", int(r))
}

// Description returns the human readable summary of the rule.
func (r RuleName) Description() string {
	if info, ok := ruleTable[r]; ok {
		return info.description
	}
	return "Unknown rule"
}

// Weight returns the aggregation weight of the rule.
func (r RuleName) Weight() float64 {
	if info, ok := ruleTable[r]; ok {
		return info.weight
	}
	return DefaultRuleWeight
}

// ParseRuleName maps a wire identifier back to a RuleName.
func ParseRuleName(s string) (RuleName, bool) {
	for r, info := range ruleTable {
		if info.name == s {
			return r, true
		}
	}
	return 0, false
}

// MarshalJSON encodes the rule as its wire identifier.
func (r RuleName) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a wire identifier.
func (r *RuleName) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := ParseRuleName(s)
	if !ok {
		return fmt.Errorf("%w: unknown rule %q", ErrInvalidInput, s)
	}
	*r = parsed
	return nil
}

// RuleScore is one named entry of a RuleScoreSet.
// Name is a built-in identifier or the name of a custom rule.
type RuleScore struct {
	Name   string  `json:"rule"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// RuleScoreSet holds the per-rule scores of one evaluation in evaluation order.
type RuleScoreSet []RuleScore

// Get returns the score recorded for name.
func (s RuleScoreSet) Get(name string) (float64, bool) {
	for _, rs := range s {
		if rs.Name == name {
			return rs.Score, true
		}
	}
	return 0, false
}

// RuleResult is the outcome of evaluating one rule in isolation.
// A non-nil Err means the rule faulted and Score is 0.
type RuleResult struct {
	Name      string        `json:"rule"`
	Score     float64       `json:"score"`
	Weight    float64       `json:"weight"`
	Err       error         `json:"-"`
	Duration  time.Duration `json:"-"`
	ErrString string        `json:"error,omitempty"`
}

// Failed reports whether the rule faulted.
func (r RuleResult) Failed() bool {
	return r.Err != nil
}

// CustomRule is an operator-defined CEL rule scored alongside the built-ins.
type CustomRule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Expression  string    `json:"expression"`
	Weight      float64   `json:"weight"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// EffectiveWeight returns Weight, or the default weight when unset.
func (c *CustomRule) EffectiveWeight() float64 {
	if c.Weight <= 0 {
		return DefaultRuleWeight
	}
	return c.Weight
}
