package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Proposals.MaxPerDayCeiling != 5 {
		t.Fatalf("ceiling = %d, want 5", cfg.Proposals.MaxPerDayCeiling)
	}
	if cfg.GetProposalTTL() != 72*time.Hour {
		t.Fatalf("ttl = %v, want 72h", cfg.GetProposalTTL())
	}
	if cfg.GetCooldownPeriod() != 24*time.Hour {
		t.Fatalf("cooldown = %v, want 24h", cfg.GetCooldownPeriod())
	}
	if cfg.GetSuppressionWindow() != 720*time.Hour {
		t.Fatalf("suppression window = %v, want 720h", cfg.GetSuppressionWindow())
	}
	if _, ok := cfg.Channels["log"]; !ok {
		t.Fatal("default config must include the log channel")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.Proposals.MaxPerDayCeiling != 5 {
		t.Fatalf("ceiling = %d, want defaults", cfg.Proposals.MaxPerDayCeiling)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
proposals:
  ttl: 24h
  max_per_day_ceiling: 3
  similarity_threshold: 0.9
calibration:
  rejection_streak: 5
channels:
  webhook:
    enabled: true
    kind: webhook
    base_url: https://hooks.example.com/soul
    timeout: 5s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.GetProposalTTL() != 24*time.Hour {
		t.Fatalf("ttl = %v, want 24h", cfg.GetProposalTTL())
	}
	if cfg.Proposals.MaxPerDayCeiling != 3 {
		t.Fatalf("ceiling = %d, want 3", cfg.Proposals.MaxPerDayCeiling)
	}
	if cfg.Calibration.RejectionStreak != 5 {
		t.Fatalf("rejection streak = %d, want 5", cfg.Calibration.RejectionStreak)
	}
	// Unspecified knobs keep their defaults.
	if cfg.Calibration.TrailingWindow != 10 {
		t.Fatalf("trailing window = %d, want default 10", cfg.Calibration.TrailingWindow)
	}
	if cfg.GetChannelTimeout("webhook") != 5*time.Second {
		t.Fatalf("webhook timeout = %v, want 5s", cfg.GetChannelTimeout("webhook"))
	}
	if cfg.GetChannelTimeout("unknown") != 30*time.Second {
		t.Fatalf("unknown channel timeout = %v, want default 30s", cfg.GetChannelTimeout("unknown"))
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("proposals: [not a map"), 0644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject malformed YAML")
	}
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
proposals:
  max_per_day_ceiling: 1
  max_per_day_floor: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject ceiling below floor")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOULKEEPER_DB", "/tmp/override.db")
	t.Setenv("SOULKEEPER_PROPOSAL_TTL", "12h")
	t.Setenv("SOULKEEPER_WEBHOOK_URL", "https://hooks.example.com/env")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if cfg.Storage.DatabasePath != "/tmp/override.db" {
		t.Fatalf("db path = %q", cfg.Storage.DatabasePath)
	}
	if cfg.GetProposalTTL() != 12*time.Hour {
		t.Fatalf("ttl = %v, want 12h", cfg.GetProposalTTL())
	}
	wh, ok := cfg.Channels["webhook"]
	if !ok || !wh.Enabled || wh.BaseURL != "https://hooks.example.com/env" {
		t.Fatalf("webhook channel = %+v", wh)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Proposals.MaxPerDayCeiling = 7
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if loaded.Proposals.MaxPerDayCeiling != 7 {
		t.Fatalf("ceiling = %d, want 7", loaded.Proposals.MaxPerDayCeiling)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Proposals.SimilarityThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("similarity_threshold > 1 should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Calibration.LatencyAlpha = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("latency_alpha 0 should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Calibration.TrailingWindow = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("trailing_window 0 should fail validation")
	}
}
