package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
	"github.com/shopspring/decimal"
)

var noon = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	repo   domain.Repository
	bus    domain.EventBus
	engine *rules.Engine
}

// createTestServer wires an in-memory history, SQLite repository and
// channel bus behind a server.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	store := history.NewMemoryStore(domain.HistoryConfig{})
	t.Cleanup(func() { store.Close() })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, err := rules.NewEngine(rules.Options{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	processor := tadp.NewProcessor(domain.DefaultConfig().Detection)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	server := NewServer(cfg, Dependencies{
		Detector: detector.New(store, engine, processor),
		Engine:   engine,
		Store:    store,
		Repo:     repo,
		Bus:      eventBus,
		Version:  "test-v1",
	})
	server.Handler().now = func() time.Time { return noon.Add(30 * time.Minute) }

	return &testEnv{server: server, repo: repo, bus: eventBus, engine: engine}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func testTx(id, amount string, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		AccountID: "ACC1",
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
		Type:      domain.TransactionPurchase,
		Merchant:  "Corner Shop",
		Timestamp: at,
		Device:    &domain.Device{DeviceID: "dev-1"},
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("CleanTransaction", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/transactions/evaluate", testTx("tx-1", "50.00", noon))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp EvaluateResponse
		decode(t, rr, &resp)
		if resp.Decision != domain.DecisionClean {
			t.Errorf("expected CLEAN, got %s", resp.Decision)
		}
		if len(resp.Scores) != len(domain.AllRules()) {
			t.Errorf("expected %d scores, got %d", len(domain.AllRules()), len(resp.Scores))
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.Version)
		}
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header")
		}
	})

	t.Run("AlertIsStored", func(t *testing.T) {
		second := testTx("tx-2", "75.00", noon.Add(10*time.Second))
		second.Merchant = "Book Store"
		rr := env.do(t, http.MethodPost, "/transactions/evaluate", second)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp EvaluateResponse
		decode(t, rr, &resp)
		if resp.Decision != domain.DecisionAlerted || resp.Alert == nil {
			t.Fatalf("expected ALERTED with alert, got %s", resp.Decision)
		}

		stored, err := env.repo.GetAlert(context.Background(), resp.Alert.ID)
		if err != nil {
			t.Fatalf("alert not stored: %v", err)
		}
		if stored.TransactionID != "tx-2" {
			t.Errorf("expected transaction tx-2, got %s", stored.TransactionID)
		}
	})

	t.Run("ReplayDoesNotDuplicateAlert", func(t *testing.T) {
		second := testTx("tx-2", "75.00", noon.Add(10*time.Second))
		second.Merchant = "Book Store"
		rr := env.do(t, http.MethodPost, "/transactions/evaluate", second)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		alerts, err := env.repo.ListAlerts(context.Background(), domain.AlertFilter{AccountID: "ACC1"})
		if err != nil {
			t.Fatalf("failed to list alerts: %v", err)
		}
		if len(alerts) != 1 {
			t.Errorf("expected 1 alert, got %d", len(alerts))
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		tx := testTx("", "50.00", noon)
		rr := env.do(t, http.MethodPost, "/transactions/evaluate", tx)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/transactions/evaluate", "{not json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestScoreEndpoint(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodPost, "/transactions/score", testTx("tx-1", "50.00", noon))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp EvaluateResponse
	decode(t, rr, &resp)
	if !resp.Metadata.DryRun {
		t.Error("expected dryRun metadata")
	}

	rr = env.do(t, http.MethodGet, "/accounts/ACC1/history", nil)
	var hist struct {
		Count int `json:"count"`
	}
	decode(t, rr, &hist)
	if hist.Count != 0 {
		t.Errorf("score must not record history, got %d entries", hist.Count)
	}
}

func TestSubmitTransaction(t *testing.T) {
	env := createTestServer(t)

	received := make(chan *domain.Message, 1)
	_, err := env.bus.Subscribe(context.Background(), domain.TopicTransactions, func(ctx context.Context, msg *domain.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	t.Run("Accepted", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/transactions", testTx("tx-1", "50.00", noon))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		select {
		case msg := <-received:
			if msg.Key != "ACC1" {
				t.Errorf("expected key ACC1, got %s", msg.Key)
			}
			var tx domain.Transaction
			if err := json.Unmarshal(msg.Payload, &tx); err != nil {
				t.Fatalf("failed to decode payload: %v", err)
			}
			if tx.ID != "tx-1" {
				t.Errorf("expected tx-1, got %s", tx.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("transaction was not published")
		}
	})

	t.Run("InvalidNotPublished", func(t *testing.T) {
		tx := testTx("tx-2", "0.00", noon)
		rr := env.do(t, http.MethodPost, "/transactions", tx)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAccountEndpoints(t *testing.T) {
	env := createTestServer(t)

	for i, amount := range []string{"50.00", "75.00", "25.00"} {
		tx := testTx("tx-"+string(rune('a'+i)), amount, noon.Add(time.Duration(i)*5*time.Minute))
		if rr := env.do(t, http.MethodPost, "/transactions/evaluate", tx); rr.Code != http.StatusOK {
			t.Fatalf("evaluate failed: %d", rr.Code)
		}
	}

	t.Run("History", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/accounts/ACC1/history?limit=2", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Transactions []*domain.Transaction `json:"transactions"`
		}
		decode(t, rr, &resp)
		if len(resp.Transactions) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(resp.Transactions))
		}
		if resp.Transactions[0].ID != "tx-c" {
			t.Errorf("expected newest first, got %s", resp.Transactions[0].ID)
		}
	})

	t.Run("BadLimit", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/accounts/ACC1/history?limit=abc", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Velocity", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/accounts/ACC1/velocity", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp VelocityResponse
		decode(t, rr, &resp)
		if resp.HourlyCount != 3 || resp.DailyCount != 3 {
			t.Errorf("expected 3/3 transactions, got %d/%d", resp.HourlyCount, resp.DailyCount)
		}
		if !resp.DailyAmount.Equal(decimal.RequireFromString("150")) {
			t.Errorf("expected daily amount 150, got %s", resp.DailyAmount)
		}
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/accounts/NOBODY/velocity", nil)
		var resp VelocityResponse
		decode(t, rr, &resp)
		if resp.HourlyCount != 0 || !resp.DailyAmount.IsZero() {
			t.Errorf("expected no activity, got %+v", resp)
		}
	})
}

func TestAlertLifecycle(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodPost, "/transactions/evaluate", testTx("tx-big", "15000.00", noon))
	if rr.Code != http.StatusOK {
		t.Fatalf("evaluate failed: %d", rr.Code)
	}
	alertID := tadp.AlertID("tx-big")

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/alerts?accountId=ACC1&status=OPEN", nil)
		var resp struct {
			Alerts []*domain.FraudAlert `json:"alerts"`
		}
		decode(t, rr, &resp)
		if len(resp.Alerts) != 1 || resp.Alerts[0].ID != alertID {
			t.Fatalf("expected alert %s, got %+v", alertID, resp.Alerts)
		}
	})

	t.Run("ListUnknownStatus", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/alerts?status=CLOSED", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Investigate", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/alerts/"+alertID, UpdateAlertRequest{Status: domain.AlertInvestigating})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Resolve", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/alerts/"+alertID, UpdateAlertRequest{
			Status:     domain.AlertResolved,
			ResolvedBy: "analyst-1",
			Resolution: "confirmed with customer",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = env.do(t, http.MethodGet, "/alerts/"+alertID, nil)
		var alert domain.FraudAlert
		decode(t, rr, &alert)
		if alert.Status != domain.AlertResolved || alert.ResolvedAt == nil || alert.ResolvedBy != "analyst-1" {
			t.Errorf("expected resolved alert, got %+v", alert)
		}
	})

	t.Run("TerminalCannotReopen", func(t *testing.T) {
		rr := env.do(t, http.MethodPatch, "/alerts/"+alertID, UpdateAlertRequest{Status: domain.AlertOpen})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/alerts/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		rr = env.do(t, http.MethodPatch, "/alerts/missing", UpdateAlertRequest{Status: domain.AlertResolved})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("ListBuiltins", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Builtin []RuleInfo `json:"builtin"`
			Custom  []RuleInfo `json:"custom"`
		}
		decode(t, rr, &resp)
		if len(resp.Builtin) != 10 {
			t.Errorf("expected 10 built-in rules, got %d", len(resp.Builtin))
		}
		if resp.Builtin[0].Name != "HIGH_AMOUNT" || resp.Builtin[0].Weight != 1.5 {
			t.Errorf("unexpected first rule %+v", resp.Builtin[0])
		}
		if len(resp.Custom) != 0 {
			t.Errorf("expected no custom rules, got %d", len(resp.Custom))
		}
	})

	t.Run("CreateInvalidExpression", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", CreateRuleRequest{Name: "BAD", Expression: "amount >>> 1"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CreateReservedName", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", CreateRuleRequest{Name: "HIGH_AMOUNT", Expression: "amount > 1.0"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	var created domain.CustomRule
	t.Run("CreateAndReload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", CreateRuleRequest{
			Name:       "OFFSHORE",
			Expression: `country == "KY"`,
			Weight:     2.0,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Rule domain.CustomRule `json:"rule"`
		}
		decode(t, rr, &resp)
		created = resp.Rule
		if created.ID == "" || !created.Enabled {
			t.Fatalf("expected enabled rule with id, got %+v", created)
		}

		rr = env.do(t, http.MethodPost, "/rules", CreateRuleRequest{Name: "OFFSHORE", Expression: "true"})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 for duplicate name, got %d", rr.Code)
		}

		rr = env.do(t, http.MethodPost, "/rules/reload", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if env.engine.RulesCount() != 11 {
			t.Errorf("expected 11 active rules, got %d", env.engine.RulesCount())
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := env.do(t, http.MethodDelete, "/rules/"+created.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		rr = env.do(t, http.MethodDelete, "/rules/"+created.ID, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}

		env.do(t, http.MethodPost, "/rules/reload", nil)
		if env.engine.RulesCount() != 10 {
			t.Errorf("expected 10 active rules, got %d", env.engine.RulesCount())
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		decode(t, rr, &resp)
		if resp.Status != "healthy" {
			t.Errorf("expected healthy, got %s (%v)", resp.Status, resp.Checks)
		}
		if len(resp.Checks) != 3 {
			t.Errorf("expected 3 checks, got %v", resp.Checks)
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("NotReadyAfterBusClose", func(t *testing.T) {
		env.bus.Close()
		rr := env.do(t, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "kestrel_http_requests_total") {
			t.Error("expected kestrel metrics in output")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		rr := env.do(t, http.MethodOptions, "/transactions/evaluate", nil)
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
	})
}
