package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const validYAML = `
source:
  host: legacy-db.internal
  database: clinicsys
  user: reader
  password: secret
destination:
  host: pg.internal
  database: clinic
  user: migrator
  password: secret
entities:
  - entity_type: offices
    source_table: dbo.Offices
    destination_table: public.offices
    primary_key: office_id
    modified_column: UpdatedAt
  - entity_type: doctors
    source_table: dbo.Doctors
    destination_table: public.doctors
    primary_key: doctor_id
    modified_column: UpdatedAt
    dependencies: [offices]
`

func TestLoadBytes(t *testing.T) {
	t.Run("valid config with defaults", func(t *testing.T) {
		cfg, err := LoadBytes([]byte(validYAML))
		if err != nil {
			t.Fatalf("LoadBytes() error: %v", err)
		}
		if cfg.Source.Type != "mssql" {
			t.Errorf("Source.Type = %q, want mssql", cfg.Source.Type)
		}
		if cfg.Source.Port != 1433 {
			t.Errorf("Source.Port = %d, want 1433", cfg.Source.Port)
		}
		if cfg.Destination.Port != 5432 {
			t.Errorf("Destination.Port = %d, want 5432", cfg.Destination.Port)
		}
		if cfg.Engine.Detection.Strategy != "timestamp" {
			t.Errorf("Detection.Strategy = %q, want timestamp", cfg.Engine.Detection.Strategy)
		}
		if cfg.Engine.Execution.BatchSize != 500 {
			t.Errorf("Execution.BatchSize = %d, want 500", cfg.Engine.Execution.BatchSize)
		}
		if cfg.Engine.Execution.BatchTimeout != 5*time.Minute {
			t.Errorf("Execution.BatchTimeout = %s, want 5m", cfg.Engine.Execution.BatchTimeout)
		}
		if cfg.Engine.Execution.FailureRateThreshold != 0.10 {
			t.Errorf("FailureRateThreshold = %f, want 0.10", cfg.Engine.Execution.FailureRateThreshold)
		}
	})

	t.Run("missing source host", func(t *testing.T) {
		bad := strings.Replace(validYAML, "host: legacy-db.internal", "host: \"\"", 1)
		if _, err := LoadBytes([]byte(bad)); err == nil {
			t.Error("expected error for missing source host")
		}
	})

	t.Run("env expansion", func(t *testing.T) {
		os.Setenv("DRIFTSYNC_TEST_PW", "env-secret")
		defer os.Unsetenv("DRIFTSYNC_TEST_PW")
		yaml := strings.Replace(validYAML, "password: secret", "password: ${DRIFTSYNC_TEST_PW}", 1)
		cfg, err := LoadBytes([]byte(yaml))
		if err != nil {
			t.Fatalf("LoadBytes() error: %v", err)
		}
		if cfg.Source.Password != "env-secret" {
			t.Errorf("Source.Password = %q, want env-secret", cfg.Source.Password)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		if _, err := LoadBytes([]byte("source: [")); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestOptionValidation(t *testing.T) {
	t.Run("execution batch size bounds", func(t *testing.T) {
		c := ExecutionConfig{BatchSize: 5001, CheckpointInterval: 1, MaxRetries: 3,
			ParallelEntityLimit: 4, BatchTimeout: time.Minute, FailureRateThreshold: 0.1}
		errs := c.Validate()
		if len(errs) != 1 {
			t.Fatalf("Validate() returned %d errors, want 1: %v", len(errs), errs)
		}
		if !strings.Contains(errs[0].Error(), "batch_size") {
			t.Errorf("unexpected error: %v", errs[0])
		}
	})

	t.Run("multiple errors collected", func(t *testing.T) {
		c := ExecutionConfig{BatchSize: 0, CheckpointInterval: 0, MaxRetries: 99,
			ParallelEntityLimit: 0, BatchTimeout: 0, FailureRateThreshold: 2}
		errs := c.Validate()
		if len(errs) != 6 {
			t.Errorf("Validate() returned %d errors, want 6: %v", len(errs), errs)
		}
	})

	t.Run("detection strategy", func(t *testing.T) {
		c := DetectionConfig{Strategy: "diff", BatchSize: 100, MaxAnalysisRecords: 10}
		errs := c.Validate()
		if len(errs) != 1 || !strings.Contains(errs[0].Error(), "strategy") {
			t.Errorf("unexpected errors: %v", errs)
		}
	})

	t.Run("resolution strategy", func(t *testing.T) {
		c := ResolutionConfig{Strategy: "newest_wins", MaxRetries: 1, BatchSize: 10}
		errs := c.Validate()
		if len(errs) != 1 || !strings.Contains(errs[0].Error(), "strategy") {
			t.Errorf("unexpected errors: %v", errs)
		}
	})

	t.Run("progress thresholds", func(t *testing.T) {
		c := ProgressConfig{MinThroughput: -1, MemoryCeilingMB: 0, StallMinutes: 0, RollingWindow: 0}
		errs := c.Validate()
		if len(errs) != 4 {
			t.Errorf("Validate() returned %d errors, want 4: %v", len(errs), errs)
		}
	})
}

func TestDSNBuilders(t *testing.T) {
	cfg, err := LoadBytes([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("mssql source", func(t *testing.T) {
		dsn := cfg.SourceDSN()
		if !strings.HasPrefix(dsn, "sqlserver://") {
			t.Errorf("SourceDSN() = %q, want sqlserver scheme", dsn)
		}
		if !strings.Contains(dsn, "database=clinicsys") {
			t.Errorf("SourceDSN() missing database: %q", dsn)
		}
	})

	t.Run("postgres source", func(t *testing.T) {
		pgCfg := *cfg
		pgCfg.Source.Type = "postgres"
		pgCfg.Source.Port = 5432
		dsn := pgCfg.SourceDSN()
		if !strings.HasPrefix(dsn, "postgres://") {
			t.Errorf("SourceDSN() = %q, want postgres scheme", dsn)
		}
	})

	t.Run("special characters escaped", func(t *testing.T) {
		escCfg := *cfg
		escCfg.Source.Password = "p@ss:word"
		dsn := escCfg.SourceDSN()
		if strings.Contains(dsn, "p@ss:word") {
			t.Errorf("SourceDSN() did not escape password: %q", dsn)
		}
	})
}

func TestSanitized(t *testing.T) {
	cfg, err := LoadBytes([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Slack.WebhookURL = "https://hooks.slack.com/services/x"

	s := cfg.Sanitized()
	if s.Source.Password != "[REDACTED]" || s.Destination.Password != "[REDACTED]" {
		t.Error("passwords not redacted")
	}
	if s.Slack.WebhookURL != "[REDACTED]" {
		t.Error("webhook not redacted")
	}
	if cfg.Source.Password == "[REDACTED]" {
		t.Error("Sanitized() mutated the original config")
	}
}

func TestCatalog(t *testing.T) {
	cfg, err := LoadBytes([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	cat, err := cfg.Catalog()
	if err != nil {
		t.Fatalf("Catalog() error: %v", err)
	}
	if !cat.Has("doctors") {
		t.Error("catalog missing doctors")
	}
}
