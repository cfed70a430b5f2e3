// Package dualwrite coordinates the application's write path during the
// migration window: every write lands in the primary store first, and when
// dual writes are toggled on it is mirrored into the secondary store without
// ever blocking or failing the primary write.
package dualwrite

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkbase/weavemigrate/pkg/models"
	"github.com/talkbase/weavemigrate/pkg/store"
)

// retryQueueSize bounds the background mirror queue. When the queue is full
// the write is dropped with a warning; catch-up sync repairs the gap.
const retryQueueSize = 256

// maxMirrorAttempts caps per-object retries in the background worker.
const maxMirrorAttempts = 5

// mirrorTimeout bounds each secondary write attempt.
const mirrorTimeout = 5 * time.Second

// SourceWriter is the slice of the source store the coordinator needs.
type SourceWriter interface {
	Upsert(ctx context.Context, entity models.EntityType, rec store.Record) error
}

// TargetWriter is the slice of the target store the coordinator needs.
type TargetWriter interface {
	PutObject(ctx context.Context, class string, obj store.Object) error
}

// Transformer converts a source record into target properties.
type Transformer interface {
	Transform(rec store.Record, entity models.EntityType) (map[string]any, error)
}

// WriteOutcome reports how a dual write went. PrimaryOK false means the
// write failed outright; SecondaryOK false with a non-nil Warning means the
// primary write succeeded and the mirror is lagging, which callers surface
// but never treat as failure.
type WriteOutcome struct {
	PrimaryOK   bool
	SecondaryOK bool
	Warning     error
}

type mirrorJob struct {
	class    string
	obj      store.Object
	attempts int
}

// Coordinator implements primary-first dual writes with a bounded background
// retry queue for the mirror path. Close drains the queue.
type Coordinator struct {
	primary   SourceWriter
	secondary TargetWriter
	transform Transformer
	mapID     func(sourceID string) string
	enabled   func() bool
	log       zerolog.Logger

	jobs chan mirrorJob
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New starts a coordinator and its background mirror worker. The enabled
// callback is consulted per write, so flipping the routing toggle takes
// effect without restarting anything.
func New(primary SourceWriter, secondary TargetWriter, transform Transformer, mapID func(string) string, enabled func() bool, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		primary:   primary,
		secondary: secondary,
		transform: transform,
		mapID:     mapID,
		enabled:   enabled,
		log:       log.With().Str("component", "dualwrite").Logger(),
		jobs:      make(chan mirrorJob, retryQueueSize),
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// Write stores the record in the primary and, when dual writes are enabled,
// mirrors it into the secondary. A primary failure fails the write; a
// secondary failure only degrades the outcome and queues a background retry.
func (c *Coordinator) Write(ctx context.Context, entity models.EntityType, rec store.Record) (WriteOutcome, error) {
	if err := c.primary.Upsert(ctx, entity, rec); err != nil {
		return WriteOutcome{}, err
	}
	out := WriteOutcome{PrimaryOK: true, SecondaryOK: true}
	if !c.enabled() {
		return out, nil
	}

	props, err := c.transform.Transform(rec, entity)
	if err != nil {
		// A record the target shape cannot hold is a mirror gap, not a
		// write failure.
		out.SecondaryOK = false
		out.Warning = err
		c.log.Warn().Str("entity", string(entity)).Str("source_id", rec.SourceID).
			Err(err).Msg("record not mirrored: transform failed")
		return out, nil
	}

	targetID := rec.TargetID
	if targetID == "" {
		targetID = c.mapID(rec.SourceID)
	}
	obj := store.Object{ID: targetID, Properties: props}

	mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := c.secondary.PutObject(mctx, entity.Class(), obj); err != nil {
		out.SecondaryOK = false
		out.Warning = err
		c.enqueue(mirrorJob{class: entity.Class(), obj: obj})
		c.log.Warn().Str("entity", string(entity)).Str("source_id", rec.SourceID).
			Err(err).Msg("mirror write failed, queued for retry")
	}
	return out, nil
}

func (c *Coordinator) enqueue(job mirrorJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.log.Warn().Str("class", job.class).Str("id", job.obj.ID).
			Msg("coordinator closed, dropping mirror retry")
		return
	}
	select {
	case c.jobs <- job:
	default:
		c.log.Warn().Str("class", job.class).Str("id", job.obj.ID).
			Msg("mirror retry queue full, dropping write")
	}
}

// worker drains the retry queue with per-attempt backoff. Deterministic
// object ids make every retry an overwrite, so ordering does not matter.
func (c *Coordinator) worker() {
	defer c.wg.Done()
	for job := range c.jobs {
		time.Sleep(time.Duration(job.attempts+1) * 500 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		err := c.secondary.PutObject(ctx, job.class, job.obj)
		cancel()
		if err == nil {
			continue
		}

		job.attempts++
		if job.attempts >= maxMirrorAttempts {
			c.log.Error().Str("class", job.class).Str("id", job.obj.ID).
				Err(err).Msg("mirror write abandoned after retries")
			continue
		}
		c.enqueue(job)
	}
}

// Close stops accepting mirror retries and waits for the worker to drain
// what is already queued. Retries that fail after Close are abandoned.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.jobs)
	}
	c.mu.Unlock()
	c.wg.Wait()
}
