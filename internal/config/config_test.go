package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
	if cfg.Port != "8080" || cfg.IdempotencyTTL.Duration != 24*time.Hour || !cfg.Metrics() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kasirledger.toml")
	content := `
port = "9090"
default_store_id = "toko-pusat"
idempotency_wait = "2s"
debt_alert_ratio = 0.5
metrics_enabled = false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(FileEnv, path)
	t.Setenv("PORT", "7070")
	t.Setenv("PO_PENDING_SLA", "36h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != "7070" {
		t.Fatalf("expected env PORT to win, got %s", cfg.Port)
	}
	if cfg.StoreID != "toko-pusat" || cfg.IdempotencyWait.Duration != 2*time.Second {
		t.Fatalf("expected file values, got store=%s wait=%s", cfg.StoreID, cfg.IdempotencyWait)
	}
	if cfg.Metrics() {
		t.Fatal("expected metrics disabled by file")
	}
	th := cfg.Thresholds()
	if th.DebtRatio != 0.5 || th.PurchaseOrderSLA != 36*time.Hour || th.ExpiryWindow != 7*24*time.Hour {
		t.Fatalf("unexpected thresholds: %+v", th)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("IDEMPOTENCY_TTL", "forever")
	if _, err := Load(); err == nil {
		t.Fatal("expected invalid duration to fail")
	}

	t.Setenv("IDEMPOTENCY_TTL", "")
	t.Setenv("REGISTER_CLOSE_HOUR", "25")
	if _, err := Load(); err == nil {
		t.Fatal("expected out-of-range close hour to fail")
	}

	t.Setenv("REGISTER_CLOSE_HOUR", "")
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.toml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected missing config file to fail")
	}
}
