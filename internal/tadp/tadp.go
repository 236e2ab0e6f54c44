// Package tadp implements the Transaction Aggregated Decision Processor.
// TADP combines rule scores into one risk score, classifies its severity and
// decides whether the transaction raises an alert.
package tadp

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sigmoid parameters for the final score.
const (
	sigmoidSteepness = 0.08
	sigmoidMidpoint  = 50.0
)

// Severity boundaries, inclusive below.
const (
	CriticalThreshold = 80.0
	HighThreshold     = 60.0
	MediumThreshold   = 40.0
)

// DefaultAlertThreshold is the score at or above which a transaction alerts.
const DefaultAlertThreshold = 50.0

// Processor aggregates rule results and produces a final decision.
type Processor struct {
	// Policy selects whether triggered rules alone raise an alert.
	Policy domain.AlertPolicy

	// Threshold at or above which a transaction is ALERTED
	AlertThreshold float64

	now func() time.Time
}

// NewProcessor creates a processor from detection settings.
func NewProcessor(cfg domain.DetectionConfig) *Processor {
	p := &Processor{
		Policy:         cfg.AlertPolicy,
		AlertThreshold: cfg.AlertThreshold,
		now:            time.Now,
	}
	if p.Policy == "" {
		p.Policy = domain.AlertPolicySensitive
	}
	if p.AlertThreshold <= 0 {
		p.AlertThreshold = DefaultAlertThreshold
	}
	return p
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	Transaction *domain.Transaction
	RuleResults []domain.RuleResult
	Degraded    bool
	StartTime   time.Time
}

// Process aggregates rule results into an outcome. An alert is attached when
// the outcome is ALERTED.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.Outcome {
	tx := input.Transaction
	set := ScoreSet(input.RuleResults)
	score := CalculateOverallRiskScore(set)
	triggered := TriggeredRules(set)
	now := p.now().UTC()

	out := &domain.Outcome{
		TransactionID:  tx.ID,
		AccountID:      tx.AccountID,
		Decision:       domain.DecisionClean,
		RiskScore:      score,
		Severity:       ClassifySeverity(score),
		TriggeredRules: triggered,
		Scores:         set,
		Degraded:       input.Degraded,
		EvaluatedAt:    now,
	}
	for _, r := range input.RuleResults {
		if r.Failed() {
			out.Faults = append(out.Faults, r)
		}
	}

	if p.ShouldAlert(score, triggered) {
		out.Decision = domain.DecisionAlerted
		out.Alert = BuildAlert(tx, score, triggered, now)
	}

	if !input.StartTime.IsZero() {
		out.ProcessMs = time.Since(input.StartTime).Milliseconds()
	}
	return out
}

// ShouldAlert applies the alert policy.
func (p *Processor) ShouldAlert(score float64, triggered []string) bool {
	if score >= p.AlertThreshold {
		return true
	}
	return p.Policy == domain.AlertPolicySensitive && len(triggered) > 0
}

// ScoreSet converts rule results into a score set, keeping evaluation order.
// Faulted rules are present with score 0.
func ScoreSet(results []domain.RuleResult) domain.RuleScoreSet {
	set := make(domain.RuleScoreSet, 0, len(results))
	for _, r := range results {
		score := r.Score
		if r.Failed() {
			score = 0
		}
		set = append(set, domain.RuleScore{Name: r.Name, Score: score, Weight: r.Weight})
	}
	return set
}

// WeightOf returns the aggregation weight for an entry. Built-in rules use
// their fixed weight; other names use the carried weight or the default.
func WeightOf(rs domain.RuleScore) float64 {
	if name, ok := domain.ParseRuleName(rs.Name); ok {
		return name.Weight()
	}
	if rs.Weight > 0 {
		return rs.Weight
	}
	return domain.DefaultRuleWeight
}

// WeightedAverage computes Σ(score·weight)/Σ(weight). Zero scores count
// toward the total weight.
func WeightedAverage(set domain.RuleScoreSet) float64 {
	var sum, totalWeight float64
	for _, rs := range set {
		w := WeightOf(rs)
		sum += rs.Score * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0
	}
	return sum / totalWeight
}

// CalculateOverallRiskScore maps the weighted average through a sigmoid
// centred on 50 and returns a score in [0,100] with two decimals. A set with
// no rules scores 0.
func CalculateOverallRiskScore(set domain.RuleScoreSet) float64 {
	if len(set) == 0 {
		return 0
	}
	avg := WeightedAverage(set)
	score := 100 / (1 + math.Exp(-sigmoidSteepness*(avg-sigmoidMidpoint)))
	score = math.Max(0, math.Min(100, score))
	return math.Round(score*100) / 100
}

// TriggeredRules returns every rule with a score above zero, in evaluation order.
func TriggeredRules(set domain.RuleScoreSet) []string {
	triggered := make([]string, 0, len(set))
	for _, rs := range set {
		if rs.Score > 0 {
			triggered = append(triggered, rs.Name)
		}
	}
	return triggered
}

// ClassifySeverity buckets a risk score.
func ClassifySeverity(score float64) domain.Severity {
	switch {
	case score >= CriticalThreshold:
		return domain.SeverityCritical
	case score >= HighThreshold:
		return domain.SeverityHigh
	case score >= MediumThreshold:
		return domain.SeverityMedium
	}
	return domain.SeverityLow
}

// alertNamespace scopes alert ids derived from transaction ids.
var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:kestrel:alert"))

// AlertID returns the alert id for a transaction. One transaction maps to at
// most one alert, so replays of the same transaction resolve to the same id.
func AlertID(txID string) string {
	return uuid.NewSHA1(alertNamespace, []byte(txID)).String()
}

// BuildAlert creates an OPEN alert for tx.
func BuildAlert(tx *domain.Transaction, score float64, triggered []string, at time.Time) *domain.FraudAlert {
	return &domain.FraudAlert{
		ID:             AlertID(tx.ID),
		TransactionID:  tx.ID,
		AccountID:      tx.AccountID,
		Severity:       ClassifySeverity(score),
		RiskScore:      score,
		TriggeredRules: triggered,
		Description:    Describe(score, triggered),
		Status:         domain.AlertOpen,
		DetectedAt:     at.UTC(),
	}
}

// Describe renders the human readable alert summary.
func Describe(score float64, triggered []string) string {
	return fmt.Sprintf("Fraud detection triggered. Risk score: %.2f. Rules: %s", score, strings.Join(triggered, ", "))
}

// GetReasons returns the description of every triggered built-in rule.
func GetReasons(outcome *domain.Outcome) []string {
	var reasons []string
	for _, name := range outcome.TriggeredRules {
		if r, ok := domain.ParseRuleName(name); ok {
			reasons = append(reasons, r.Description())
			continue
		}
		reasons = append(reasons, name)
	}
	return reasons
}
