package migrate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkbase/weavemigrate/pkg/models"
	"github.com/talkbase/weavemigrate/pkg/store"
)

// ProgressFunc receives backfill progress per entity after every checkpoint.
type ProgressFunc func(entity models.EntityType, processed, total int64)

// Engine is the batch migrator: it paginates the source in stable order,
// transforms each record independently, and bulk-loads every batch into the
// target in one call.
//
// Failure isolation works at two granularities. A record that fails to
// transform is counted and excluded without touching its siblings. A batch
// whose bulk load fails after retries is counted as failed and the run moves
// on to the next batch. Only connectivity failures abort the run.
//
// Batches are processed sequentially by default; WorkerCount > 1 processes
// waves of independent batches concurrently. Workers share nothing but the
// result's atomic counters, and checkpoints advance only at wave boundaries,
// which are also the only points where cancellation takes effect.
type Engine struct {
	cfg         Config
	source      store.SourceStore
	target      store.TargetStore
	transformer *Transformer
	state       *StateFile
	log         zerolog.Logger

	newRetryer func() Retryer
	progress   ProgressFunc
}

// NewEngine wires a batch migrator. The state file carries per-entity
// checkpoints so an aborted run resumes rather than restarts.
func NewEngine(cfg Config, source store.SourceStore, target store.TargetStore, state *StateFile, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		source:      source,
		target:      target,
		transformer: NewTransformer(),
		state:       state,
		log:         log.With().Str("component", "engine").Logger(),
		newRetryer:  func() Retryer { return NewBackoff(cfg) },
	}
}

// SetProgress installs a progress callback (used by the CLI progress bar).
func (e *Engine) SetProgress(fn ProgressFunc) { e.progress = fn }

// Run backfills every entity type in dependency order and returns the
// accumulated result. The result is populated even when Run returns an
// error, so partial progress stays legible.
func (e *Engine) Run(ctx context.Context) (*MigrationResult, error) {
	res := NewResult()

	if err := e.source.Ping(ctx); err != nil {
		res.Finish()
		return res, err
	}
	// A dry run rehearses transform and pagination without needing the
	// target to be reachable.
	if !e.cfg.DryRun {
		if err := e.target.Ping(ctx); err != nil {
			res.Finish()
			return res, err
		}
		if err := e.target.EnsureSchema(ctx); err != nil {
			res.Finish()
			return res, err
		}
	}

	for _, entity := range models.AllEntityTypes {
		if err := e.migrateEntity(ctx, entity, res); err != nil {
			res.Finish()
			return res, err
		}
	}

	res.Finish()
	return res, nil
}

func (e *Engine) migrateEntity(ctx context.Context, entity models.EntityType, res *MigrationResult) error {
	total, err := e.source.Count(ctx, entity)
	if err != nil {
		return err
	}

	// A dry run rehearses the full backfill from offset zero and leaves the
	// persisted checkpoints alone.
	offset := 0
	if !e.cfg.DryRun {
		offset = e.state.Checkpoint(entity)
	}
	if offset > 0 {
		res.AddSkipped(int64(offset))
		e.log.Info().Str("entity", string(entity)).Int("offset", offset).
			Msg("resuming from checkpoint")
	}
	if remaining := total - int64(offset); remaining > 0 {
		res.AddTotal(remaining)
	}

	e.log.Info().Str("entity", string(entity)).Int64("total", total).
		Bool("dry_run", e.cfg.DryRun).Msg("migrating entity")

	workers := e.cfg.WorkerCount
	for {
		// Wave boundaries are the explicit synchronization points: a
		// cancellation signal stops new batches here while in-flight
		// batches complete.
		if err := ctx.Err(); err != nil {
			return err
		}

		type outcome struct {
			fetched int
			err     error
		}
		outs := make([]outcome, workers)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(i, off int) {
				defer wg.Done()
				n, err := e.migrateBatch(ctx, entity, off, res)
				outs[i] = outcome{fetched: n, err: err}
			}(w, offset+w*e.cfg.BatchSize)
		}
		wg.Wait()

		short := false
		advanced := 0
		for i := 0; i < workers; i++ {
			if outs[i].err != nil {
				return outs[i].err
			}
			advanced += outs[i].fetched
			if outs[i].fetched < e.cfg.BatchSize {
				short = true
				break
			}
		}

		offset += advanced
		if !e.cfg.DryRun {
			if err := e.state.SetCheckpoint(entity, offset); err != nil {
				return err
			}
		}
		if e.progress != nil {
			e.progress(entity, int64(offset), total)
		}
		if short {
			return nil
		}
	}
}

// migrateBatch fetches, transforms and loads one page. It returns the number
// of records fetched; an error return is reserved for run-fatal conditions.
func (e *Engine) migrateBatch(ctx context.Context, entity models.EntityType, offset int, res *MigrationResult) (int, error) {
	page, err := e.source.FetchPage(ctx, entity, offset, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(page) == 0 {
		return 0, nil
	}
	fetched := len(page)

	objs := make([]store.Object, 0, len(page))
	for i := range page {
		rec := &page[i]
		props, err := e.transformer.Transform(*rec, entity)
		if err != nil {
			res.AddFailed(1)
			res.RecordError(err)
			e.log.Warn().Str("entity", string(entity)).Str("source_id", rec.SourceID).
				Err(err).Msg("record failed to transform")
			continue
		}
		// The target id is derived exactly once per record.
		if rec.TargetID == "" {
			rec.TargetID = MapID(rec.SourceID)
		}
		objs = append(objs, store.Object{ID: rec.TargetID, Properties: props})
	}

	if len(objs) == 0 {
		return fetched, nil
	}
	if e.cfg.DryRun {
		res.AddMigrated(int64(len(objs)))
		return fetched, nil
	}

	retryer := e.newRetryer()
	for attempt := 0; ; attempt++ {
		err := e.target.BulkInsert(ctx, entity.Class(), objs)
		if err == nil {
			res.AddMigrated(int64(len(objs)))
			return fetched, nil
		}

		delay, ok := retryer.NextDelay(attempt, err)
		if !ok {
			loadErr := &BatchLoadError{EntityType: entity, Offset: offset, Attempts: attempt + 1, Err: err}
			res.AddFailed(int64(len(objs)))
			res.RecordError(loadErr)
			e.log.Error().Str("entity", string(entity)).Int("offset", offset).
				Int("records", len(objs)).Err(err).Msg("batch load failed, continuing with next batch")
			return fetched, nil
		}

		e.log.Warn().Str("entity", string(entity)).Int("offset", offset).
			Dur("retry_in", delay).Err(err).Msg("batch load failed, retrying")
		select {
		case <-ctx.Done():
			return fetched, ctx.Err()
		case <-time.After(delay):
		}
	}
}
