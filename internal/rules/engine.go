// Package rules provides the fraud rule set and its evaluation engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates the built-in rules and any loaded custom rules against a
// transaction. Each rule runs in isolation: a rule that errors or panics
// scores 0 and is reported in its result.
type Engine struct {
	mu         sync.RWMutex
	builtins   []Rule
	custom     []*CompiledRule
	env        *cel.Env
	loc        *time.Location
	maxWorkers int
}

// Options configures an Engine.
type Options struct {
	// Location is the zone used to read the local hour of a transaction.
	Location *time.Location

	// MaxWorkers bounds concurrent rule evaluations.
	MaxWorkers int
}

// NewEngine creates an engine with the ten built-in rules loaded.
func NewEngine(opts Options) (*Engine, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 10
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}

	return &Engine{
		builtins:   BuiltinRules(opts.Location),
		env:        env,
		loc:        opts.Location,
		maxWorkers: opts.MaxWorkers,
	}, nil
}

// scorer is the common shape of built-in and custom rules.
type scorer struct {
	name   string
	weight float64
	eval   func(ctx context.Context) (float64, error)
}

// EvaluateAll runs every rule and returns one result per rule: built-ins in
// their fixed order, then custom rules by name.
func (e *Engine) EvaluateAll(ctx context.Context, tx *domain.Transaction, h domain.AccountHistory) []domain.RuleResult {
	e.mu.RLock()
	custom := e.custom
	e.mu.RUnlock()

	scorers := make([]scorer, 0, len(e.builtins)+len(custom))
	for _, r := range e.builtins {
		scorers = append(scorers, scorer{
			name:   r.Name.String(),
			weight: r.Name.Weight(),
			eval: func(ctx context.Context) (float64, error) {
				return r.Eval(ctx, tx, h), nil
			},
		})
	}
	if len(custom) > 0 {
		activation := e.activation(ctx, tx, h)
		for _, c := range custom {
			scorers = append(scorers, scorer{
				name:   c.Config.Name,
				weight: c.Config.EffectiveWeight(),
				eval: func(context.Context) (float64, error) {
					return c.Eval(activation)
				},
			})
		}
	}

	// Parallel evaluation using worker pool pattern
	results := make([]domain.RuleResult, len(scorers))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, s := range scorers {
		wg.Add(1)
		go func(idx int, s scorer) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = evaluateRule(ctx, s)
		}(i, s)
	}

	wg.Wait()

	for _, r := range results {
		if r.Failed() {
			slog.Warn("rule evaluation failed, scoring as 0",
				"rule", r.Name,
				"transaction_id", tx.ID,
				"account_id", tx.AccountID,
				"error", r.Err,
			)
		}
	}

	return results
}

// evaluateRule runs one rule, converting errors and panics into a zero score.
func evaluateRule(ctx context.Context, s scorer) (result domain.RuleResult) {
	start := time.Now()
	result = domain.RuleResult{Name: s.name, Weight: s.weight}

	defer func() {
		if rec := recover(); rec != nil {
			result.Score = 0
			result.Err = fmt.Errorf("rule %s panicked: %v", s.name, rec)
		}
		if result.Err != nil {
			result.ErrString = result.Err.Error()
		}
		result.Duration = time.Since(start)
	}()

	score, err := s.eval(ctx)
	if err != nil {
		result.Err = fmt.Errorf("rule %s: %w", s.name, err)
		return result
	}
	result.Score = clampScore(score)
	return result
}

func clampScore(score float64) float64 {
	switch {
	case math.IsNaN(score):
		return 0
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

// ValidateRule compiles a custom rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.CustomRule) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrInvalidInput)
	}
	if cfg.Name == "" {
		return fmt.Errorf("%w: rule name is required", domain.ErrInvalidInput)
	}
	if _, builtin := domain.ParseRuleName(cfg.Name); builtin {
		return fmt.Errorf("%w: rule name %s is reserved", domain.ErrInvalidInput, cfg.Name)
	}
	_, err := e.compileRule(cfg)
	return err
}

// ReloadRules replaces the loaded custom rules. Disabled rules are skipped.
// On a compile error the previously loaded rules stay in place.
func (e *Engine) ReloadRules(configs []*domain.CustomRule) error {
	compiled := make([]*CompiledRule, 0, len(configs))
	names := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := e.ValidateRule(cfg); err != nil {
			return err
		}
		if names[cfg.Name] {
			return fmt.Errorf("%w: duplicate rule name %s", domain.ErrInvalidInput, cfg.Name)
		}
		names[cfg.Name] = true
		c, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}
	sort.Slice(compiled, func(i, j int) bool {
		return compiled[i].Config.Name < compiled[j].Config.Name
	})

	e.mu.Lock()
	e.custom = compiled
	e.mu.Unlock()
	return nil
}

// LoadedRules returns the currently loaded custom rules.
func (e *Engine) LoadedRules() []*domain.CustomRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.CustomRule, 0, len(e.custom))
	for _, c := range e.custom {
		rules = append(rules, c.Config)
	}
	return rules
}

// RulesCount returns the number of rules evaluated per transaction.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.builtins) + len(e.custom)
}

// Location returns the zone used for local-hour rules.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Close unloads custom rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom = nil
	return nil
}
