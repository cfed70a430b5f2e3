package migrate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkbase/weavemigrate/pkg/migrate"
	"github.com/talkbase/weavemigrate/pkg/models"
	"github.com/talkbase/weavemigrate/pkg/store"
)

func testConfig(t *testing.T) migrate.Config {
	t.Helper()
	cfg := migrate.DefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.BatchSize = 10
	cfg.RetryInitialDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg migrate.Config, source *fakeSource, target *fakeTarget) *migrate.Engine {
	t.Helper()
	state, err := migrate.OpenState(cfg.StatePath())
	require.NoError(t, err)
	return migrate.NewEngine(cfg, source, target, state, zerolog.Nop())
}

func TestEngine_MigratesAllEntities(t *testing.T) {
	source := newFakeSource()
	source.seed(models.EntityConversation, 25)
	source.seed(models.EntityMessage, 12)
	source.seed(models.EntityDocument, 5)
	target := newFakeTarget()

	engine := newTestEngine(t, testConfig(t), source, target)
	res, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(42), res.Total())
	assert.Equal(t, int64(42), res.Migrated())
	assert.Equal(t, int64(0), res.Failed())
	assert.Equal(t, 42, target.totalObjects())

	// Objects land under their deterministic ids with the stamps set.
	props, err := target.FetchByID(context.Background(), models.EntityConversation.Class(), migrate.MapID("1"))
	require.NoError(t, err)
	require.NotNil(t, props)
	assert.Equal(t, true, props["migratedFromSource"])
	assert.Equal(t, "1", props["sourceId"])
}

func TestEngine_RerunOverwrites(t *testing.T) {
	source := newFakeSource()
	source.seed(models.EntityConversation, 15)
	target := newFakeTarget()

	cfg := testConfig(t)
	state, err := migrate.OpenState(cfg.StatePath())
	require.NoError(t, err)

	engine := migrate.NewEngine(cfg, source, target, state, zerolog.Nop())
	_, err = engine.Run(context.Background())
	require.NoError(t, err)

	// A second full run over the same records must not duplicate anything.
	require.NoError(t, state.ClearCheckpoints())
	_, err = engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, target.totalObjects())
}

func TestEngine_TransformFailureIsolatesRecord(t *testing.T) {
	source := newFakeSource()
	source.seed(models.EntityMessage, 8)
	source.records[models.EntityMessage][3].Payload = map[string]any{"content": "no role"}
	target := newFakeTarget()

	engine := newTestEngine(t, testConfig(t), source, target)
	res, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(7), res.Migrated())
	assert.Equal(t, int64(1), res.Failed())
	summary := res.Summary()
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "missing role")
}

func TestEngine_RetriesBatchLoad(t *testing.T) {
	source := newFakeSource()
	source.seed(models.EntityDocument, 5)
	target := newFakeTarget()
	target.failBulks = 2

	cfg := testConfig(t)
	cfg.MaxRetries = 3
	engine := newTestEngine(t, cfg, source, target)

	res, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Migrated())
	assert.Equal(t, 3, target.bulkCalls)
}

func TestEngine_ExhaustedBatchContinues(t *testing.T) {
	source := newFakeSource()
	source.seed(models.EntityConversation, 20)
	target := newFakeTarget()
	target.failBulks = 100

	cfg := testConfig(t)
	cfg.MaxRetries = 1
	engine := newTestEngine(t, cfg, source, target)

	res, err := engine.Run(context.Background())
	require.NoError(t, err, "an exhausted batch must not abort the run")

	assert.Equal(t, int64(0), res.Migrated())
	assert.Equal(t, int64(20), res.Failed())
	summary := res.Summary()
	require.NotEmpty(t, summary.Errors)
	assert.Contains(t, summary.Errors[0], "failed after 2 attempts")
}

func TestEngine_DryRun(t *testing.T) {
	source := newFakeSource()
	source.seed(models.EntityConversation, 12)
	target := newFakeTarget()
	target.pingErr = &store.ConnectionError{Store: "weaviate", Err: errors.New("down")}

	cfg := testConfig(t)
	cfg.DryRun = true
	state, err := migrate.OpenState(cfg.StatePath())
	require.NoError(t, err)

	engine := migrate.NewEngine(cfg, source, target, state, zerolog.Nop())
	res, err := engine.Run(context.Background())
	require.NoError(t, err, "dry run must not need the target")

	assert.Equal(t, int64(12), res.Migrated())
	assert.Equal(t, 0, target.totalObjects())
	assert.Equal(t, 0, state.Checkpoint(models.EntityConversation), "dry run must not move checkpoints")
	assert.Equal(t, 0, target.schemaCalls, "dry run must not touch the schema")
}

func TestEngine_CreatesMissingClasses(t *testing.T) {
	source := newFakeSource()
	source.seed(models.EntityConversation, 3)
	target := newFakeTarget()

	engine := newTestEngine(t, testConfig(t), source, target)
	_, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, target.schemaCalls)

	// A broken schema call is fatal before any batch is loaded.
	target2 := newFakeTarget()
	target2.schemaErr = errors.New("schema endpoint unavailable")
	engine = newTestEngine(t, testConfig(t), source, target2)
	_, err = engine.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, target2.totalObjects())
}

func TestEngine_ResumesFromCheckpoint(t *testing.T) {
	source := newFakeSource()
	source.seed(models.EntityConversation, 25)
	target := newFakeTarget()

	cfg := testConfig(t)
	state, err := migrate.OpenState(cfg.StatePath())
	require.NoError(t, err)
	require.NoError(t, state.SetCheckpoint(models.EntityConversation, 10))

	engine := migrate.NewEngine(cfg, source, target, state, zerolog.Nop())
	res, err := engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(15), res.Migrated())
	assert.Equal(t, int64(10), res.Summary().SkippedRecords)
	assert.Equal(t, 15, target.totalObjects())
}

func TestEngine_SourceUnreachable(t *testing.T) {
	source := newFakeSource()
	source.pingErr = &store.ConnectionError{Store: "sqlite", Err: errors.New("locked")}
	engine := newTestEngine(t, testConfig(t), source, newFakeTarget())

	_, err := engine.Run(context.Background())
	var cerr *store.ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "sqlite", cerr.Store)
}

func TestEngine_WorkerPool(t *testing.T) {
	source := newFakeSource()
	source.seed(models.EntityConversation, 95)
	target := newFakeTarget()

	cfg := testConfig(t)
	cfg.WorkerCount = 3
	engine := newTestEngine(t, cfg, source, target)

	res, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(95), res.Migrated())
	assert.Equal(t, 95, target.totalObjects())
}

func TestEngine_ReportsProgress(t *testing.T) {
	source := newFakeSource()
	source.seed(models.EntityDocument, 20)
	target := newFakeTarget()

	cfg := testConfig(t)
	state, err := migrate.OpenState(cfg.StatePath())
	require.NoError(t, err)
	engine := migrate.NewEngine(cfg, source, target, state, zerolog.Nop())

	var last int64
	engine.SetProgress(func(entity models.EntityType, processed, total int64) {
		if entity == models.EntityDocument {
			last = processed
			assert.Equal(t, int64(20), total)
		}
	})

	_, err = engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(20), last)
}
