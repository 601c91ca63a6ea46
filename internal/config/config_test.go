package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "INFO" {
		t.Fatalf("log level default: %q", cfg.LogLevel)
	}
	if cfg.ConcurrentRequests != 8 || cfg.DownloadDelayMS != 500 {
		t.Fatalf("fetch defaults: %+v", cfg)
	}
	if !cfg.RobotsRespect {
		t.Fatal("robots must be respected by default")
	}
	if cfg.QueueHighWaterMark <= cfg.QueueLowWaterMark {
		t.Fatalf("water marks: %d <= %d", cfg.QueueHighWaterMark, cfg.QueueLowWaterMark)
	}
	if cfg.LeaseTTL() != 90*time.Second {
		t.Fatalf("lease ttl: %v", cfg.LeaseTTL())
	}
	if cfg.CheckpointRetainDays != 7 {
		t.Fatalf("checkpoint retention: %d", cfg.CheckpointRetainDays)
	}
}

func TestEnvVarsOverrideDefaults(t *testing.T) {
	t.Setenv("DB_URL", "sqlite:///tmp/override.db")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CONCURRENT_REQUESTS", "3")
	t.Setenv("MS_LEASE_TTL_SECONDS", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBURL != "sqlite:///tmp/override.db" {
		t.Fatalf("db url: %q", cfg.DBURL)
	}
	if cfg.LogLevel != "DEBUG" || cfg.ConcurrentRequests != 3 {
		t.Fatalf("env overrides: %+v", cfg)
	}
	if cfg.LeaseTTLSeconds != 120 {
		t.Fatalf("MS_ prefixed override: %d", cfg.LeaseTTLSeconds)
	}
	if src := SourceOf("db_url"); src != SourceEnvVar {
		t.Fatalf("SourceOf(db_url): %s", src)
	}
	if src := SourceOf("data_dir"); src != SourceDefault {
		t.Fatalf("SourceOf(data_dir): %s", src)
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	t.Setenv("CONCURRENT_REQUESTS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for zero concurrent_requests")
	}
}

func TestValidationRejectsInvertedWaterMarks(t *testing.T) {
	t.Setenv("MS_QUEUE_HIGH_WATER_MARK", "100")
	t.Setenv("MS_QUEUE_LOW_WATER_MARK", "200")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for high <= low water mark")
	}
}
