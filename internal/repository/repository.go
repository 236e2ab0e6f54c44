// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

// List limits for alert queries.
const (
	DefaultAlertLimit = 100
	MaxAlertLimit     = 1000
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// pingTimeout bounds the connectivity check when a database is opened.
const pingTimeout = 5 * time.Second

// pool holds connection pool limits. Zero fields leave the database/sql
// default in place.
type pool struct {
	maxOpen  int
	maxIdle  int
	lifetime time.Duration
	pinned   bool // cfg cannot override
}

// withOverrides returns p with every positive setting from cfg applied.
func (p pool) withOverrides(cfg domain.RepositoryConfig) pool {
	if p.pinned {
		return p
	}
	if cfg.MaxOpenConns > 0 {
		p.maxOpen = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		p.maxIdle = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		p.lifetime = cfg.ConnMaxLifetime
	}
	if p.maxOpen > 0 && p.maxIdle > p.maxOpen {
		p.maxIdle = p.maxOpen
	}
	return p
}

func (p pool) apply(db *sql.DB) {
	if p.maxOpen > 0 {
		db.SetMaxOpenConns(p.maxOpen)
	}
	if p.maxIdle > 0 {
		db.SetMaxIdleConns(p.maxIdle)
	}
	if p.lifetime > 0 {
		db.SetConnMaxLifetime(p.lifetime)
	}
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

// New creates a new repository based on configuration. Each driver brings
// its own pool limits; positive values in cfg override them.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var (
		db       *sql.DB
		defaults pool
		err      error
	)

	switch cfg.Driver {
	case "sqlite":
		db, defaults, err = openSQLite(cfg)
	case "postgres":
		db, defaults, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defaults.withOverrides(cfg).apply(db)

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const alertColumns = `
	id, transaction_id, account_id, severity, risk_score, triggered_rules,
	description, status, detected_at, resolved_at, resolved_by, resolution
`

// SaveAlert stores a new alert. Saving an alert whose transaction already
// has one is a no-op, so replayed transactions never duplicate alerts.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.FraudAlert) error {
	if alert == nil || alert.ID == "" || alert.TransactionID == "" {
		return fmt.Errorf("%w: alert id and transaction id are required", ErrInvalidInput)
	}

	triggered, err := json.Marshal(alert.TriggeredRules)
	if err != nil {
		return fmt.Errorf("failed to encode triggered rules: %w", err)
	}

	query := `
		INSERT INTO fraud_alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, alert.TransactionID, alert.AccountID,
		string(alert.Severity), alert.RiskScore, string(triggered),
		alert.Description, string(alert.Status), alert.DetectedAt.UTC(),
		nullTime(alert.ResolvedAt), nullString(alert.ResolvedBy), nullString(alert.Resolution),
	)
	return err
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.FraudAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM fraud_alerts WHERE id = ?`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: alert %s", ErrNotFound, alertID)
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// ListAlerts returns alerts matching filter, newest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.FraudAlert, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown alert status %q", ErrInvalidInput, filter.Status)
	}

	var where []string
	var args []any
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	if limit > MaxAlertLimit {
		limit = MaxAlertLimit
	}

	query := `SELECT ` + alertColumns + ` FROM fraud_alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]*domain.FraudAlert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// UpdateAlert persists the lifecycle fields of an alert that is still in
// status from. If another writer moved it first, ErrInvalidStatusTransition
// is returned and nothing is written.
func (r *SQLRepository) UpdateAlert(ctx context.Context, alert *domain.FraudAlert, from domain.AlertStatus) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("%w: alert id is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_alerts
		SET status = ?, resolved_at = ?, resolved_by = ?, resolution = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(alert.Status), nullTime(alert.ResolvedAt),
		nullString(alert.ResolvedBy), nullString(alert.Resolution),
		alert.ID, string(from),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	current, err := r.GetAlert(ctx, alert.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: alert %s is %s, not %s", domain.ErrInvalidStatusTransition, alert.ID, current.Status, from)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*domain.FraudAlert, error) {
	var a domain.FraudAlert
	var severity, status, triggered string
	var resolvedAt sql.NullTime
	var resolvedBy, resolution sql.NullString

	if err := row.Scan(
		&a.ID, &a.TransactionID, &a.AccountID, &severity, &a.RiskScore, &triggered,
		&a.Description, &status, &a.DetectedAt, &resolvedAt, &resolvedBy, &resolution,
	); err != nil {
		return nil, err
	}

	a.Severity = domain.Severity(severity)
	a.Status = domain.AlertStatus(status)
	a.DetectedAt = a.DetectedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		a.ResolvedAt = &t
	}
	a.ResolvedBy = resolvedBy.String
	a.Resolution = resolution.String

	if err := json.Unmarshal([]byte(triggered), &a.TriggeredRules); err != nil {
		return nil, fmt.Errorf("failed to parse triggered rules for %s: %w", a.ID, err)
	}
	return &a, nil
}

// SaveCustomRule creates or replaces a custom rule by ID.
func (r *SQLRepository) SaveCustomRule(ctx context.Context, rule *domain.CustomRule) error {
	if rule == nil || rule.ID == "" || rule.Name == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule id, name and expression are required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO custom_rules (
			id, name, description, expression, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression,
		rule.EffectiveWeight(), enabled, rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// ListCustomRules returns every stored custom rule ordered by name.
func (r *SQLRepository) ListCustomRules(ctx context.Context) ([]*domain.CustomRule, error) {
	query := `
		SELECT id, name, description, expression, weight, enabled, created_at, updated_at
		FROM custom_rules
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]*domain.CustomRule, 0)
	for rows.Next() {
		var rule domain.CustomRule
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &description, &rule.Expression,
			&rule.Weight, &enabled, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Description = description.String
		rule.Enabled = enabled == 1
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}

// DeleteCustomRule removes a custom rule.
func (r *SQLRepository) DeleteCustomRule(ctx context.Context, ruleID string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM custom_rules WHERE id = ?`), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: rule %s", ErrNotFound, ruleID)
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
