package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the immutable parameters of one migration invocation. It is
// created once per run from defaults, an optional YAML file, environment
// variables and CLI flags (in that order of increasing precedence) and never
// mutated afterwards.
type Config struct {
	// Source / target connection descriptors
	SQLitePath     string `yaml:"sqlite_path"`
	WeaviateHost   string `yaml:"weaviate_host"`
	WeaviateScheme string `yaml:"weaviate_scheme"`
	WeaviateAPIKey string `yaml:"weaviate_api_key"`

	// StateDir holds the persisted migration state, routing toggles and
	// validation reports.
	StateDir string `yaml:"state_dir"`

	// Batch processing
	BatchSize   int `yaml:"batch_size"`
	WorkerCount int `yaml:"worker_count"`

	// Retry policy for batch loads
	MaxRetries        int           `yaml:"max_retries"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`

	// Validation gates
	SampleSize       int           `yaml:"validation_sample"`
	SampleThreshold  float64       `yaml:"sample_threshold"`  // minimum sample match ratio, 0..1
	CountTolerance   float64       `yaml:"count_tolerance"`   // allowed count deviation ratio, 0..1
	LatencyCeilingMs float64       `yaml:"latency_ceiling_ms"`
	RollbackTimeout  time.Duration `yaml:"rollback_timeout"`

	// DryRun performs every step except the final load call.
	DryRun bool `yaml:"dry_run"`

	// RollbackOnFailure pins routing back to SQLite when a migrate-data run
	// ends with a fatal error.
	RollbackOnFailure bool `yaml:"rollback_on_failure"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SQLitePath:        "talkbase.db",
		WeaviateHost:      "localhost:8080",
		WeaviateScheme:    "http",
		StateDir:          ".weavemigrate",
		BatchSize:         100,
		WorkerCount:       1,
		MaxRetries:        3,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxDelay:     10 * time.Second,
		SampleSize:        100,
		SampleThreshold:   0.95,
		CountTolerance:    0,
		LatencyCeilingMs:  100,
		RollbackTimeout:   2 * time.Minute,
	}
}

// LoadFile overlays c with the YAML document at path.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays c with the process environment.
func (c *Config) ApplyEnv() {
	set := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set("SQLITE_PATH", &c.SQLitePath)
	set("WEAVIATE_HOST", &c.WeaviateHost)
	set("WEAVIATE_SCHEME", &c.WeaviateScheme)
	set("WEAVIATE_API_KEY", &c.WeaviateAPIKey)
	set("MIGRATION_STATE_DIR", &c.StateDir)
}

// Validate checks the configuration is usable for a run.
func (c Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite path is required")
	}
	if c.WeaviateHost == "" {
		return fmt.Errorf("weaviate host is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.WorkerCount)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.SampleSize <= 0 {
		return fmt.Errorf("validation sample must be positive, got %d", c.SampleSize)
	}
	if c.SampleThreshold < 0 || c.SampleThreshold > 1 {
		return fmt.Errorf("sample threshold must be in [0,1], got %v", c.SampleThreshold)
	}
	if c.CountTolerance < 0 || c.CountTolerance > 1 {
		return fmt.Errorf("count tolerance must be in [0,1], got %v", c.CountTolerance)
	}
	if c.RollbackTimeout <= 0 {
		return fmt.Errorf("rollback timeout must be positive, got %v", c.RollbackTimeout)
	}
	return nil
}

// StatePath returns the migration state file location.
func (c Config) StatePath() string {
	return filepath.Join(c.StateDir, "migration_state.json")
}

// RoutingPath returns the runtime routing toggle file location.
func (c Config) RoutingPath() string {
	return filepath.Join(c.StateDir, "runtime_config.json")
}

// ReportPath returns the validation report file location.
func (c Config) ReportPath() string {
	return filepath.Join(c.StateDir, "validation_report.json")
}
