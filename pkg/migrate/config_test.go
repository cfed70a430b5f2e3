package migrate_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkbase/weavemigrate/pkg/migrate"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := migrate.DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 1, cfg.WorkerCount)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100, cfg.SampleSize)
	assert.Equal(t, 0.95, cfg.SampleThreshold)
	assert.Equal(t, 2*time.Minute, cfg.RollbackTimeout)
}

func TestConfig_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weavemigrate.yaml")
	doc := `
sqlite_path: /data/app.db
weaviate_host: weaviate.internal:8080
batch_size: 250
worker_count: 4
rollback_timeout: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg := migrate.DefaultConfig()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, "/data/app.db", cfg.SQLitePath)
	assert.Equal(t, "weaviate.internal:8080", cfg.WeaviateHost)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 5*time.Minute, cfg.RollbackTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("SQLITE_PATH", "/env/app.db")
	t.Setenv("WEAVIATE_HOST", "env-host:8080")

	cfg := migrate.DefaultConfig()
	cfg.ApplyEnv()

	assert.Equal(t, "/env/app.db", cfg.SQLitePath)
	assert.Equal(t, "env-host:8080", cfg.WeaviateHost)
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*migrate.Config)
	}{
		{"MissingSQLitePath", func(c *migrate.Config) { c.SQLitePath = "" }},
		{"MissingWeaviateHost", func(c *migrate.Config) { c.WeaviateHost = "" }},
		{"ZeroBatchSize", func(c *migrate.Config) { c.BatchSize = 0 }},
		{"ZeroWorkers", func(c *migrate.Config) { c.WorkerCount = 0 }},
		{"NegativeRetries", func(c *migrate.Config) { c.MaxRetries = -1 }},
		{"ThresholdOutOfRange", func(c *migrate.Config) { c.SampleThreshold = 1.5 }},
		{"ZeroRollbackTimeout", func(c *migrate.Config) { c.RollbackTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := migrate.DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_StatePaths(t *testing.T) {
	cfg := migrate.DefaultConfig()
	cfg.StateDir = "/var/lib/weavemigrate"

	assert.Equal(t, "/var/lib/weavemigrate/migration_state.json", cfg.StatePath())
	assert.Equal(t, "/var/lib/weavemigrate/runtime_config.json", cfg.RoutingPath())
	assert.Equal(t, "/var/lib/weavemigrate/validation_report.json", cfg.ReportPath())
}
