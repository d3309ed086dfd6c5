package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/entity"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the migration engine.
type Config struct {
	Source      SourceConfig        `yaml:"source"`
	Destination DestinationConfig   `yaml:"destination"`
	Engine      EngineConfig        `yaml:"engine"`
	Entities    []entity.Descriptor `yaml:"entities"`
	Slack       SlackConfig         `yaml:"slack"`
}

// SourceConfig holds legacy database connection settings.
type SourceConfig struct {
	Type     string `yaml:"type"` // "mssql" (default) or "postgres"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Schema   string `yaml:"schema"`
	SSLMode  string `yaml:"ssl_mode"` // postgres: disable, require, verify-ca, verify-full
	Encrypt  string `yaml:"encrypt"`  // mssql: disable, false, true
	MaxConns int    `yaml:"max_connections"`
}

// DestinationConfig holds redesigned-schema database connection settings.
type DestinationConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Schema   string `yaml:"schema"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_connections"`
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// EngineConfig groups the bounded option sets for each engine component.
type EngineConfig struct {
	DataDir    string           `yaml:"data_dir"`
	Detection  DetectionConfig  `yaml:"detection"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Progress   ProgressConfig   `yaml:"progress"`
}

// DetectionConfig controls the differential detector.
type DetectionConfig struct {
	Strategy             string `yaml:"strategy"` // "timestamp", "id", or "checksum"
	BatchSize            int    `yaml:"batch_size"`
	IncludeDeletes       bool   `yaml:"include_deletes"`
	EnableContentHashing bool   `yaml:"enable_content_hashing"`
	MaxAnalysisRecords   int    `yaml:"max_analysis_records"`
}

// Validate returns every out-of-range detection option as an error.
func (c *DetectionConfig) Validate() []error {
	var errs []error
	switch c.Strategy {
	case "timestamp", "id", "checksum":
	default:
		errs = append(errs, fmt.Errorf("detection.strategy must be 'timestamp', 'id', or 'checksum', got %q", c.Strategy))
	}
	if c.BatchSize < 1 || c.BatchSize > 50000 {
		errs = append(errs, fmt.Errorf("detection.batch_size must be 1-50000, got %d", c.BatchSize))
	}
	if c.MaxAnalysisRecords < 1 {
		errs = append(errs, fmt.Errorf("detection.max_analysis_records must be positive, got %d", c.MaxAnalysisRecords))
	}
	return errs
}

// ExecutionConfig controls the migration executor.
type ExecutionConfig struct {
	BatchSize            int           `yaml:"batch_size"`
	CheckpointInterval   int           `yaml:"checkpoint_interval"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
	ParallelEntityLimit  int           `yaml:"parallel_entity_limit"`
	BatchTimeout         time.Duration `yaml:"batch_timeout"`
	BatchPacing          time.Duration `yaml:"batch_pacing"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
}

// Validate returns every out-of-range execution option as an error.
func (c *ExecutionConfig) Validate() []error {
	var errs []error
	if c.BatchSize < 1 || c.BatchSize > 5000 {
		errs = append(errs, fmt.Errorf("execution.batch_size must be 1-5000, got %d", c.BatchSize))
	}
	if c.CheckpointInterval < 1 {
		errs = append(errs, fmt.Errorf("execution.checkpoint_interval must be positive, got %d", c.CheckpointInterval))
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("execution.max_retries must be 0-10, got %d", c.MaxRetries))
	}
	if c.ParallelEntityLimit < 1 || c.ParallelEntityLimit > 64 {
		errs = append(errs, fmt.Errorf("execution.parallel_entity_limit must be 1-64, got %d", c.ParallelEntityLimit))
	}
	if c.BatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("execution.batch_timeout must be positive, got %s", c.BatchTimeout))
	}
	if c.BatchPacing < 0 {
		errs = append(errs, fmt.Errorf("execution.batch_pacing must not be negative, got %s", c.BatchPacing))
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("execution.failure_rate_threshold must be 0-1, got %f", c.FailureRateThreshold))
	}
	return errs
}

// ResolutionConfig controls the conflict resolver.
type ResolutionConfig struct {
	Strategy                string `yaml:"strategy"` // "source_wins", "target_wins", or "manual"
	DryRun                  bool   `yaml:"dry_run"`
	CreateBackup            bool   `yaml:"create_backup"`
	MaxRetries              int    `yaml:"max_retries"`
	ValidateAfterResolution bool   `yaml:"validate_after_resolution"`
	BatchSize               int    `yaml:"batch_size"`
}

// Validate returns every out-of-range resolution option as an error.
func (c *ResolutionConfig) Validate() []error {
	var errs []error
	switch c.Strategy {
	case "source_wins", "target_wins", "manual":
	default:
		errs = append(errs, fmt.Errorf("resolution.strategy must be 'source_wins', 'target_wins', or 'manual', got %q", c.Strategy))
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("resolution.max_retries must be 0-10, got %d", c.MaxRetries))
	}
	if c.BatchSize < 1 || c.BatchSize > 1000 {
		errs = append(errs, fmt.Errorf("resolution.batch_size must be 1-1000, got %d", c.BatchSize))
	}
	return errs
}

// ProgressConfig controls the progress tracker's alert thresholds.
type ProgressConfig struct {
	MinThroughput   float64 `yaml:"min_throughput"`    // records/sec floor for low_throughput
	MemoryCeilingMB int     `yaml:"memory_ceiling_mb"` // sampled memory ceiling for high_memory
	StallMinutes    int     `yaml:"stall_minutes"`     // minutes without progress for stalled_progress
	RollingWindow   int     `yaml:"rolling_window"`    // updates in the rolling throughput average
}

// Validate returns every out-of-range progress option as an error.
func (c *ProgressConfig) Validate() []error {
	var errs []error
	if c.MinThroughput < 0 {
		errs = append(errs, fmt.Errorf("progress.min_throughput must not be negative, got %f", c.MinThroughput))
	}
	if c.MemoryCeilingMB < 1 {
		errs = append(errs, fmt.Errorf("progress.memory_ceiling_mb must be positive, got %d", c.MemoryCeilingMB))
	}
	if c.StallMinutes < 1 {
		errs = append(errs, fmt.Errorf("progress.stall_minutes must be positive, got %d", c.StallMinutes))
	}
	if c.RollingWindow < 1 || c.RollingWindow > 1000 {
		errs = append(errs, fmt.Errorf("progress.rolling_window must be 1-1000, got %d", c.RollingWindow))
	}
	return errs
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.Type == "" {
		c.Source.Type = "mssql"
	}
	if c.Source.Port == 0 {
		if c.Source.Type == "postgres" {
			c.Source.Port = 5432
		} else {
			c.Source.Port = 1433
		}
	}
	if c.Source.Schema == "" {
		if c.Source.Type == "postgres" {
			c.Source.Schema = "public"
		} else {
			c.Source.Schema = "dbo"
		}
	}
	if c.Source.SSLMode == "" {
		c.Source.SSLMode = "require"
	}
	if c.Source.Encrypt == "" {
		c.Source.Encrypt = "true"
	}
	if c.Source.MaxConns == 0 {
		c.Source.MaxConns = defaultPoolSize()
	}

	if c.Destination.Port == 0 {
		c.Destination.Port = 5432
	}
	if c.Destination.Schema == "" {
		c.Destination.Schema = "public"
	}
	if c.Destination.SSLMode == "" {
		c.Destination.SSLMode = "require"
	}
	if c.Destination.MaxConns == 0 {
		c.Destination.MaxConns = defaultPoolSize()
	}

	if c.Engine.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Engine.DataDir = filepath.Join(home, ".driftsync")
	} else {
		c.Engine.DataDir = expandTilde(c.Engine.DataDir)
	}

	d := &c.Engine.Detection
	if d.Strategy == "" {
		d.Strategy = "timestamp"
	}
	if d.BatchSize == 0 {
		d.BatchSize = 5000
	}
	if d.MaxAnalysisRecords == 0 {
		d.MaxAnalysisRecords = 1000000
	}

	e := &c.Engine.Execution
	if e.BatchSize == 0 {
		e.BatchSize = 500
	}
	if e.CheckpointInterval == 0 {
		e.CheckpointInterval = 10
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	if e.RetryBackoff == 0 {
		e.RetryBackoff = 2 * time.Second
	}
	if e.ParallelEntityLimit == 0 {
		e.ParallelEntityLimit = defaultPoolSize() / 2
		if e.ParallelEntityLimit < 2 {
			e.ParallelEntityLimit = 2
		}
	}
	if e.BatchTimeout == 0 {
		e.BatchTimeout = 5 * time.Minute
	}
	if e.FailureRateThreshold == 0 {
		e.FailureRateThreshold = 0.10
	}

	r := &c.Engine.Resolution
	if r.Strategy == "" {
		r.Strategy = "source_wins"
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.BatchSize == 0 {
		r.BatchSize = 100
	}

	p := &c.Engine.Progress
	if p.MinThroughput == 0 {
		p.MinThroughput = 10
	}
	if p.MemoryCeilingMB == 0 {
		p.MemoryCeilingMB = 2048
	}
	if p.StallMinutes == 0 {
		p.StallMinutes = 5
	}
	if p.RollingWindow == 0 {
		p.RollingWindow = 20
	}
}

// Validate collects every configuration problem instead of stopping at the
// first, so operators can fix a config file in one pass.
func (c *Config) Validate() []error {
	var errs []error

	if c.Source.Host == "" {
		errs = append(errs, fmt.Errorf("source.host is required"))
	}
	if c.Source.Database == "" {
		errs = append(errs, fmt.Errorf("source.database is required"))
	}
	if c.Source.Type != "mssql" && c.Source.Type != "postgres" {
		errs = append(errs, fmt.Errorf("source.type must be 'mssql' or 'postgres', got %q", c.Source.Type))
	}
	if c.Destination.Host == "" {
		errs = append(errs, fmt.Errorf("destination.host is required"))
	}
	if c.Destination.Database == "" {
		errs = append(errs, fmt.Errorf("destination.database is required"))
	}
	if len(c.Entities) == 0 {
		errs = append(errs, fmt.Errorf("entities catalog is required"))
	}

	errs = append(errs, c.Engine.Detection.Validate()...)
	errs = append(errs, c.Engine.Execution.Validate()...)
	errs = append(errs, c.Engine.Resolution.Validate()...)
	errs = append(errs, c.Engine.Progress.Validate()...)

	return errs
}

// Catalog builds the validated entity catalog from the configured
// descriptors. A dependency cycle surfaces here as a fatal error.
func (c *Config) Catalog() (*entity.Catalog, error) {
	return entity.NewCatalog(c.Entities)
}

// SourceDSN returns the legacy database connection string.
func (c *Config) SourceDSN() string {
	if c.Source.Type == "postgres" {
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			url.QueryEscape(c.Source.User), url.QueryEscape(c.Source.Password),
			c.Source.Host, c.Source.Port, c.Source.Database, c.Source.SSLMode)
	}
	// URL-encode values that may contain special characters to prevent DSN injection
	return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s&encrypt=%s",
		url.QueryEscape(c.Source.User), url.QueryEscape(c.Source.Password),
		c.Source.Host, c.Source.Port, url.QueryEscape(c.Source.Database), c.Source.Encrypt)
}

// DestinationDSN returns the destination database connection string.
func (c *Config) DestinationDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.Destination.User), url.QueryEscape(c.Destination.Password),
		c.Destination.Host, c.Destination.Port, c.Destination.Database, c.Destination.SSLMode)
}

// Sanitized returns a copy of the config with sensitive fields redacted.
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	sanitized.Source.Password = "[REDACTED]"
	sanitized.Destination.Password = "[REDACTED]"
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func defaultPoolSize() int {
	cores := runtime.NumCPU()
	if cores < 4 {
		return 4
	}
	if cores > 16 {
		return 16
	}
	return cores
}
