package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/shopspring/decimal"
)

// History listing limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// Handler holds dependencies for API handlers.
type Handler struct {
	detector *detector.Detector
	engine   *rules.Engine
	store    domain.HistoryStore
	repo     domain.Repository
	bus      domain.EventBus
	version  string
	now      func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		detector: deps.Detector,
		engine:   deps.Engine,
		store:    deps.Store,
		repo:     deps.Repo,
		bus:      deps.Bus,
		version:  deps.Version,
		now:      time.Now,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// EvaluateResponse is the response for the scoring endpoints.
type EvaluateResponse struct {
	*domain.Outcome
	Metadata ResponseMetadata `json:"metadata"`
}

// ResponseMetadata carries request correlation data.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
	DryRun  bool   `json:"dryRun,omitempty"`
}

// Evaluate handles POST /transactions/evaluate. The transaction is recorded
// into account history and scored; an alert is stored and published.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	tx, ok := decodeTransaction(w, r)
	if !ok {
		return
	}

	outcome, err := h.detector.Process(ctx, tx)
	if err != nil {
		writeError(w, err)
		return
	}

	if outcome.Alert != nil {
		h.emitAlert(ctx, outcome.Alert)
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		Outcome: outcome,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// Score handles POST /transactions/score. The transaction is scored against
// current history without being recorded and no alert is emitted.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	tx, ok := decodeTransaction(w, r)
	if !ok {
		return
	}

	outcome, err := h.detector.Evaluate(ctx, tx)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		Outcome: outcome,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
			DryRun:  true,
		},
	})
}

// SubmitTransaction handles POST /transactions. The transaction is published
// to the transaction stream, keyed by account, and scored by the worker.
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "transaction stream not configured"})
		return
	}

	tx, ok := decodeTransaction(w, r)
	if !ok {
		return
	}
	if err := tx.Validate(); err != nil {
		writeError(w, err)
		return
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to encode transaction"})
		return
	}
	if err := h.bus.Publish(ctx, domain.TopicTransactions, tx.AccountID, payload); err != nil {
		slog.Error("failed to publish transaction",
			"transaction_id", tx.ID,
			"account_id", tx.AccountID,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "failed to publish transaction"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":        "accepted",
		"transactionId": tx.ID,
		"traceId":       GetTraceID(ctx),
	})
}

// emitAlert stores and publishes an alert from the synchronous path.
// Failures are logged; the scoring result is still returned.
func (h *Handler) emitAlert(ctx context.Context, alert *domain.FraudAlert) {
	if h.repo != nil {
		if err := h.repo.SaveAlert(ctx, alert); err != nil {
			slog.Error("failed to save alert", "alert_id", alert.ID, "error", err)
		}
	}
	if h.bus != nil {
		payload, err := json.Marshal(alert)
		if err != nil {
			slog.Error("failed to encode alert", "alert_id", alert.ID, "error", err)
			return
		}
		if err := h.bus.Publish(ctx, domain.TopicAlerts, alert.AccountID, payload); err != nil {
			slog.Error("failed to publish alert", "alert_id", alert.ID, "error", err)
		}
	}
}

// AccountHistory handles GET /accounts/{accountID}/history.
func (h *Handler) AccountHistory(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	limit, err := parseLimit(r, DefaultHistoryLimit, MaxHistoryLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	txs, err := h.detector.History(r.Context(), accountID, limit)
	if err != nil {
		slog.Warn("history read failed", "account_id", accountID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "history store unavailable"})
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId":    accountID,
		"transactions": txs,
		"count":        len(txs),
	})
}

// VelocityResponse is the response for GET /accounts/{accountID}/velocity.
type VelocityResponse struct {
	AccountID   string          `json:"accountId"`
	HourlyCount int             `json:"hourlyCount"`
	DailyCount  int             `json:"dailyCount"`
	DailyAmount decimal.Decimal `json:"dailyAmount"`
	Degraded    bool            `json:"degraded"`
	AsOf        time.Time       `json:"asOf"`
}

// AccountVelocity handles GET /accounts/{accountID}/velocity.
func (h *Handler) AccountVelocity(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	now := h.now().UTC()

	snap, degraded := h.detector.AccountVelocity(r.Context(), accountID, now)

	writeJSON(w, http.StatusOK, VelocityResponse{
		AccountID:   accountID,
		HourlyCount: snap.HourlyCount,
		DailyCount:  snap.DailyCount,
		DailyAmount: snap.DailyAmount,
		Degraded:    degraded,
		AsOf:        now,
	})
}

// ListAlerts handles GET /alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	q := r.URL.Query()
	filter := domain.AlertFilter{
		AccountID: q.Get("accountId"),
		Status:    domain.AlertStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown alert status: " + string(filter.Status)})
		return
	}
	limit, err := parseLimit(r, 0, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	filter.Limit = limit

	alerts, err := h.repo.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.FraudAlert{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /alerts/{alertID}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	alert, err := h.repo.GetAlert(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// UpdateAlertRequest is the request body for PATCH /alerts/{alertID}.
type UpdateAlertRequest struct {
	Status     domain.AlertStatus `json:"status"`
	ResolvedBy string             `json:"resolvedBy,omitempty"`
	Resolution string             `json:"resolution,omitempty"`
}

// UpdateAlert handles PATCH /alerts/{alertID}, moving an alert through its
// investigation lifecycle.
func (h *Handler) UpdateAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireRepo(w) {
		return
	}

	var req UpdateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown alert status: " + string(req.Status)})
		return
	}

	alert, err := h.repo.GetAlert(ctx, chi.URLParam(r, "alertID"))
	if err != nil {
		writeError(w, err)
		return
	}
	from := alert.Status
	if err := alert.Transition(req.Status, req.ResolvedBy, req.Resolution, h.now()); err != nil {
		writeError(w, err)
		return
	}
	if err := h.repo.UpdateAlert(ctx, alert, from); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("alert updated", "alert_id", alert.ID, "status", alert.Status)
	writeJSON(w, http.StatusOK, alert)
}

// RuleInfo describes one rule in GET /rules.
type RuleInfo struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
	Expression  string  `json:"expression,omitempty"`
	Builtin     bool    `json:"builtin"`
	Enabled     bool    `json:"enabled"`
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	builtins := make([]RuleInfo, 0, len(domain.AllRules()))
	for _, rule := range domain.AllRules() {
		builtins = append(builtins, RuleInfo{
			Name:        rule.String(),
			Description: rule.Description(),
			Weight:      rule.Weight(),
			Builtin:     true,
			Enabled:     true,
		})
	}

	// Stored rules when a repository is present, otherwise what is loaded.
	var custom []*domain.CustomRule
	if h.repo != nil {
		stored, err := h.repo.ListCustomRules(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		custom = stored
	} else {
		custom = h.engine.LoadedRules()
	}

	customInfo := make([]RuleInfo, 0, len(custom))
	for _, c := range custom {
		customInfo = append(customInfo, RuleInfo{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			Weight:      c.EffectiveWeight(),
			Expression:  c.Expression,
			Enabled:     c.Enabled,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"builtin": builtins,
		"custom":  customInfo,
		"active":  h.engine.RulesCount(),
	})
}

// CreateRuleRequest is the request body for POST /rules.
type CreateRuleRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Expression  string  `json:"expression"`
	Weight      float64 `json:"weight"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// CreateRule handles POST /rules. The rule is compiled before it is stored;
// it takes effect on the next POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireRepo(w) {
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	if req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name and expression are required"})
		return
	}

	rule := &domain.CustomRule{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Weight:      req.Weight,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if err := h.engine.ValidateRule(rule); err != nil {
		writeError(w, err)
		return
	}

	existing, err := h.repo.ListCustomRules(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, c := range existing {
		if c.Name == rule.Name {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "rule name already exists: " + rule.Name})
			return
		}
	}

	if err := h.repo.SaveCustomRule(ctx, rule); err != nil {
		slog.Error("failed to save custom rule", "name", rule.Name, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to save rule"})
		return
	}

	slog.Info("custom rule created", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// DeleteRule handles DELETE /rules/{ruleID}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	ruleID := chi.URLParam(r, "ruleID")
	if err := h.repo.DeleteCustomRule(r.Context(), ruleID); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("custom rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":      ruleID,
		"message": "Rule deleted. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules handles POST /rules/reload. A rule set that fails to compile
// is rejected and the running set is kept.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	configs, err := h.repo.ListCustomRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.engine.ReloadRules(configs); err != nil {
		slog.Warn("custom rule reload rejected", "error", err)
		writeError(w, err)
		return
	}

	loaded := len(h.engine.LoadedRules())
	slog.Info("custom rules reloaded", "loaded", loaded)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loaded": loaded,
		"active": h.engine.RulesCount(),
	})
}

// Health handles GET /health. It always answers 200 and reports degraded
// dependencies in the body.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	checks := h.checks(r.Context())

	status := "healthy"
	for _, c := range checks {
		if c != "ok" {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready handles GET /ready. It answers 503 until every dependency responds.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := h.checks(r.Context())

	for _, c := range checks {
		if c != "ok" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "not ready",
				"checks": checks,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"checks": checks,
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (h *Handler) checks(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	deps := map[string]pinger{}
	if h.store != nil {
		deps["history"] = h.store
	}
	if h.repo != nil {
		deps["repository"] = h.repo
	}
	if h.bus != nil {
		deps["bus"] = h.bus
	}

	checks := make(map[string]string, len(deps))
	for name, dep := range deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	return checks
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "repository not configured"})
		return false
	}
	return true
}

func decodeTransaction(w http.ResponseWriter, r *http.Request) (*domain.Transaction, bool) {
	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return nil, false
	}
	return &tx, true
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidInput)
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit, nil
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction), errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, errorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
