package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RESCUE_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("http.addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Pricing.BasePrice != 2500 || cfg.Pricing.PlatformFeePercent != 0.20 {
		t.Errorf("unexpected pricing defaults: %+v", cfg.Pricing)
	}
	if cfg.Pricing.SurgeTTL != 5*time.Minute {
		t.Errorf("surge ttl = %s, want 5m", cfg.Pricing.SurgeTTL)
	}
	if cfg.Location.StaleAfterMinutes != 15 {
		t.Errorf("stale_after_minutes = %d, want 15", cfg.Location.StaleAfterMinutes)
	}
	if cfg.Tracking.Retention != 2*time.Hour {
		t.Errorf("retention = %s, want 2h", cfg.Tracking.Retention)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("RESCUE_CONFIG", "")
	t.Setenv("RESCUE_PRICING_BASE_PRICE", "3000")
	t.Setenv("RESCUE_STORE_DRIVER", "memory")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pricing.BasePrice != 3000 {
		t.Errorf("base_price = %d, want 3000", cfg.Pricing.BasePrice)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store.driver = %q, want memory", cfg.Store.Driver)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rescue.yaml")
	body := "matching:\n  radius_km: 4.5\n  limit: 7\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RESCUE_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matching.RadiusKm != 4.5 || cfg.Matching.Limit != 7 {
		t.Errorf("matching = %+v, want radius 4.5 limit 7", cfg.Matching)
	}
}

func TestLoad_InvalidStoreDriver(t *testing.T) {
	t.Setenv("RESCUE_CONFIG", "")
	t.Setenv("RESCUE_STORE_DRIVER", "mongo")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}
