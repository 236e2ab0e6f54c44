package config

import (
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if cfg.History.Type != "memory" {
		t.Errorf("Expected memory history, got %s", cfg.History.Type)
	}
	if cfg.History.MaxEntries != 100 {
		t.Errorf("Expected 100 entries, got %d", cfg.History.MaxEntries)
	}
	if cfg.History.TTL != 24*time.Hour {
		t.Errorf("Expected 24h TTL, got %v", cfg.History.TTL)
	}
	if cfg.Detection.AlertPolicy != domain.AlertPolicySensitive {
		t.Errorf("Expected sensitive policy, got %s", cfg.Detection.AlertPolicy)
	}
	if cfg.EventBus.Type != "channel" {
		t.Errorf("Expected channel bus, got %s", cfg.EventBus.Type)
	}
}

func TestFromEnv_Cluster(t *testing.T) {
	t.Setenv("KESTREL_PROFILE", "cluster")
	t.Setenv("KESTREL_REDIS_ADDR", "redis:6379")
	t.Setenv("KESTREL_NATS_URL", "nats://nats:4222")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.History.Type != "redis" || cfg.History.RedisAddr != "redis:6379" {
		t.Errorf("Unexpected history config: %+v", cfg.History)
	}
	if cfg.EventBus.Type != "nats" || cfg.EventBus.NATSUrl != "nats://nats:4222" {
		t.Errorf("Unexpected bus config: %+v", cfg.EventBus)
	}
	if cfg.Repository.Driver != "postgres" {
		t.Errorf("Expected postgres, got %s", cfg.Repository.Driver)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("KESTREL_PORT", "9090")
	t.Setenv("KESTREL_ALERT_POLICY", "threshold")
	t.Setenv("KESTREL_ALERT_THRESHOLD", "65.5")
	t.Setenv("KESTREL_TIMEZONE", "Europe/Berlin")
	t.Setenv("KESTREL_HISTORY_TTL", "2h")
	t.Setenv("KESTREL_CUSTOM_RULES", "false")
	t.Setenv("KESTREL_LOG_FORMAT", "text")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Detection.AlertPolicy != domain.AlertPolicyThreshold {
		t.Errorf("Expected threshold policy, got %s", cfg.Detection.AlertPolicy)
	}
	if cfg.Detection.AlertThreshold != 65.5 {
		t.Errorf("Expected threshold 65.5, got %v", cfg.Detection.AlertThreshold)
	}
	if cfg.Detection.Timezone != "Europe/Berlin" {
		t.Errorf("Expected Europe/Berlin, got %s", cfg.Detection.Timezone)
	}
	if cfg.History.TTL != 2*time.Hour {
		t.Errorf("Expected 2h TTL, got %v", cfg.History.TTL)
	}
	if cfg.Detection.CustomRules {
		t.Error("Expected custom rules disabled")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected text format, got %s", cfg.Logging.Format)
	}
}

func TestFromEnv_MalformedNumberKeepsDefault(t *testing.T) {
	t.Setenv("KESTREL_PORT", "eighty")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port, got %d", cfg.Server.Port)
	}
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown profile", map[string]string{"KESTREL_PROFILE": "galaxy"}},
		{"unknown policy", map[string]string{"KESTREL_ALERT_POLICY": "paranoid"}},
		{"threshold out of range", map[string]string{"KESTREL_ALERT_THRESHOLD": "150"}},
		{"unknown timezone", map[string]string{"KESTREL_TIMEZONE": "Mars/Olympus"}},
		{"unknown history", map[string]string{"KESTREL_HISTORY": "memcached"}},
		{"unknown bus", map[string]string{"KESTREL_BUS": "kafka"}},
		{"rabbitmq without url", map[string]string{"KESTREL_BUS": "rabbitmq"}},
		{"unknown driver", map[string]string{"KESTREL_DB_DRIVER": "oracle"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := FromEnv(); err == nil {
				t.Fatal("Expected error")
			}
		})
	}
}

func TestValidate_WrapsInvalidInput(t *testing.T) {
	cfg := domain.DefaultConfig()
	cfg.History.Type = "redis"

	err := Validate(cfg)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}
