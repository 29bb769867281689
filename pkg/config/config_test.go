package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Model.Name != "poisson_dc" {
		t.Errorf("Model.Name = %q, want poisson_dc", cfg.Model.Name)
	}
	if cfg.Cache.TTL.Std() != 60*time.Second {
		t.Errorf("Cache.TTL = %v, want 60s", cfg.Cache.TTL.Std())
	}
	if cfg.Gates.AccuracyFloor != 0.40 {
		t.Errorf("Gates.AccuracyFloor = %v, want 0.40", cfg.Gates.AccuracyFloor)
	}
	if cfg.Gates.GateConfig().Window != 24*time.Hour {
		t.Errorf("Gates window = %v, want 24h", cfg.Gates.GateConfig().Window)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictd.yaml")
	data := []byte(`
server:
  addr: ":9000"
model:
  name: poisson_dc
  rho: -0.08
  ttl: 45s
canary:
  canary_percentage: 15
  canary_version: poisson_dc@2.0.0-rc1
  salt: golex
gates:
  window: 48h
cache:
  ttl: 30s
arbitrage:
  freshness: 2m30s
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Model.Rho != -0.08 {
		t.Errorf("Model.Rho = %v, want -0.08", cfg.Model.Rho)
	}
	if cfg.Canary.CanaryPercentage != 15 || cfg.Canary.CanaryVersion != "poisson_dc@2.0.0-rc1" {
		t.Errorf("canary config not applied: %+v", cfg.Canary)
	}

	// Human-readable duration strings decode across every section.
	if cfg.Model.TTL.Std() != 45*time.Second {
		t.Errorf("Model.TTL = %v, want 45s", cfg.Model.TTL.Std())
	}
	if cfg.Gates.Window.Std() != 48*time.Hour {
		t.Errorf("Gates.Window = %v, want 48h", cfg.Gates.Window.Std())
	}
	if cfg.Cache.TTL.Std() != 30*time.Second {
		t.Errorf("Cache.TTL = %v, want 30s", cfg.Cache.TTL.Std())
	}
	if cfg.Arbitrage.Freshness.Std() != 150*time.Second {
		t.Errorf("Arbitrage.Freshness = %v, want 2m30s", cfg.Arbitrage.Freshness.Std())
	}

	// Untouched sections keep their defaults.
	if cfg.Arbitrage.TotalStake != 100 {
		t.Errorf("Arbitrage.TotalStake = %v, want default 100", cfg.Arbitrage.TotalStake)
	}
	if cfg.Cache.SweepInterval.Std() != 5*time.Minute {
		t.Errorf("Cache.SweepInterval = %v, want default 5m", cfg.Cache.SweepInterval.Std())
	}
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictd.yaml")
	if err := os.WriteFile(path, []byte("cache:\n  ttl: sixty seconds\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a malformed duration, want error")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PREDICTD_POSTGRES_DSN", "postgres://predictd@localhost/predictions")
	t.Setenv("PREDICTD_REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.PostgresDSN != "postgres://predictd@localhost/predictions" {
		t.Errorf("PostgresDSN = %q", cfg.Storage.PostgresDSN)
	}
	if cfg.Cache.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.Cache.RedisAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, true},
		{"missing model name", func(c *Config) { c.Model.Name = "" }, true},
		{"canary percentage over 100", func(c *Config) { c.Canary.CanaryPercentage = 101 }, true},
		{"negative canary percentage", func(c *Config) { c.Canary.CanaryPercentage = -1 }, true},
		{"zero cache ttl", func(c *Config) { c.Cache.TTL = 0 }, true},
		{"negative stake", func(c *Config) { c.Arbitrage.TotalStake = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
