package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Region != "us-east-1" {
		t.Errorf("Region = %q, want us-east-1", cfg.Region)
	}
	if cfg.Inspection.MaxAttempts != 3 {
		t.Errorf("Inspection.MaxAttempts = %d, want 3", cfg.Inspection.MaxAttempts)
	}
	if cfg.Inspection.MinAgeSeconds != 3600 {
		t.Errorf("Inspection.MinAgeSeconds = %d, want 3600", cfg.Inspection.MinAgeSeconds)
	}
	if cfg.Inspection.MinAge() != time.Hour {
		t.Errorf("Inspection.MinAge() = %v, want 1h", cfg.Inspection.MinAge())
	}
	if cfg.Queues.ReceiveBatch != 10 {
		t.Errorf("Queues.ReceiveBatch = %d, want 10", cfg.Queues.ReceiveBatch)
	}
	if cfg.Rollup.DefaultTimeZone != "UTC" {
		t.Errorf("Rollup.DefaultTimeZone = %q, want UTC", cfg.Rollup.DefaultTimeZone)
	}
	if len(cfg.Images.RHELImageOwnerAccounts) == 0 {
		t.Error("Images.RHELImageOwnerAccounts is empty")
	}
	if cfg.Workers.Max < cfg.Workers.Start || cfg.Workers.Start < cfg.Workers.Min {
		t.Errorf("worker bounds out of order: %+v", cfg.Workers)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CLOUDMETER_REGION", "eu-west-1")
	t.Setenv("CLOUDMETER_STORE_TABLE", "cloudmeter-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Region != "eu-west-1" {
		t.Errorf("Region = %q, want eu-west-1", cfg.Region)
	}
	if cfg.Store.Table != "cloudmeter-test" {
		t.Errorf("Store.Table = %q, want cloudmeter-test", cfg.Store.Table)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloudmeter.yaml")
	body := "region: ap-southeast-2\ninspection:\n  max_attempts: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Region != "ap-southeast-2" {
		t.Errorf("Region = %q, want ap-southeast-2", cfg.Region)
	}
	if cfg.Inspection.MaxAttempts != 5 {
		t.Errorf("Inspection.MaxAttempts = %d, want 5", cfg.Inspection.MaxAttempts)
	}
	// File values never clobber unrelated defaults.
	if cfg.Inspection.MinAge() != time.Hour {
		t.Errorf("Inspection.MinAge() = %v, want 1h", cfg.Inspection.MinAge())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
