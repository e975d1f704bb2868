package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"escrowline/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.Default()
	if cfg.Administrator.ID != "admin" {
		t.Fatalf("administrator %q", cfg.Administrator.ID)
	}
	if got := cfg.ValidationPeriodSeconds(); got != 72*3600 {
		t.Fatalf("default validation period %d", got)
	}
	if !cfg.Server.AllowActorHeader {
		t.Fatalf("actor header fallback should default on")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
administrator:
  id: judge
escrow:
  default_validation_period: 24h
server:
  base_path: /api
  jwt_secret: s3cret
webhooks:
  - url: https://example.com/hook
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Administrator.ID != "judge" {
		t.Fatalf("administrator %q", cfg.Administrator.ID)
	}
	if got := cfg.ValidationPeriodSeconds(); got != 24*3600 {
		t.Fatalf("validation period %d", got)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("webhooks: %+v", cfg.Webhooks)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []string{
		``,
		`administrator: {id: ""}`,
		"administrator: {id: a}\nescrow: {default_validation_period: nonsense}",
		"administrator: {id: a}\nescrow: {default_validation_period: -1h}",
		"administrator: {id: a}\nwebhooks: [{url: \"\"}]",
	}
	for _, yml := range cases {
		if _, err := config.FromYAML([]byte(yml)); err == nil {
			t.Errorf("expected validation error for %q", yml)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()

	// no file falls back to defaults
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Administrator.ID != "admin" {
		t.Fatalf("expected default config, got %+v", cfg)
	}

	// a present file wins
	path := filepath.Join(dir, "escrowline.yml")
	if err := os.WriteFile(path, []byte("administrator:\n  id: judge\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional with file: %v", err)
	}
	if cfg.Administrator.ID != "judge" {
		t.Fatalf("expected file config, got %+v", cfg)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("generated default must validate: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path %q", cfg.Server.BasePath)
	}
}
