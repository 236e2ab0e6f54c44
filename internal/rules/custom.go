package rules

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// CompiledRule holds a pre-compiled CEL program for a custom rule.
type CompiledRule struct {
	Config  *domain.CustomRule
	Program cel.Program
}

// newCELEnv declares the variables custom rule expressions may read.
func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("prior_count", cel.IntType),
		cel.Variable("hourly_count", cel.IntType),
		cel.Variable("daily_count", cel.IntType),
		cel.Variable("daily_amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// activation builds the variables for one transaction. It reads history once
// so all custom rules see the same window.
func (e *Engine) activation(ctx context.Context, tx *domain.Transaction, h domain.AccountHistory) map[string]any {
	snap := velocity.Measure(ctx, h, tx)
	amount, _ := tx.Amount.Float64()
	dailyAmount, _ := snap.DailyAmount.Float64()

	return map[string]any{
		"amount":            amount,
		"currency":          tx.Currency,
		"tx_type":           string(tx.Type),
		"merchant":          tx.Merchant,
		"merchant_category": tx.MerchantCategory,
		"country":           tx.Country(),
		"device_id":         tx.DeviceID(),
		"hour":              int64(tx.Timestamp.In(e.loc).Hour()),
		"prior_count":       int64(len(h.Recent(ctx, velocity.Lookback))),
		"hourly_count":      int64(snap.HourlyCount),
		"daily_count":       int64(snap.DailyCount),
		"daily_amount":      dailyAmount,
	}
}

// Eval runs the program and converts its output to a score.
func (c *CompiledRule) Eval(activation map[string]any) (float64, error) {
	out, _, err := c.Program.Eval(activation)
	if err != nil {
		return 0, fmt.Errorf("evaluation error: %w", err)
	}
	return toScore(out), nil
}

// toScore converts a CEL value to a score. A true condition scores 100.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 100
		}
		return 0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0
	}
}

func (e *Engine) compileRule(cfg *domain.CustomRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, cfg.Name, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, int, or double, got %s",
			domain.ErrInvalidInput, cfg.Name, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.Name, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
