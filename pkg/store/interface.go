// Package store defines the narrow read/write contracts through which the
// migration engine accesses the relational source (SQLite) and the
// vector-capable target (Weaviate), plus the persisted routing state that
// tells the rest of the application which store to read and write.
//
// Both stores are treated as opaque: the engine never sees SQL or GraphQL,
// only pages of [Record] values and property maps. This keeps the target
// swappable and makes every component testable against in-memory fakes.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/talkbase/weavemigrate/pkg/models"
)

// Record is the generic unit of migration. SourceID is the identifier in the
// relational source, Payload the raw column values keyed by column name, and
// TargetID the deterministic target identifier. TargetID is derived exactly
// once by the identity mapper and never recomputed, which is what makes
// re-runs and partial retries idempotent.
type Record struct {
	SourceID   string            `json:"source_id"`
	SourceType models.EntityType `json:"source_type"`
	Payload    map[string]any    `json:"payload"`
	TargetID   string            `json:"target_id,omitempty"`
}

// Object is a single target-store object: a mapped identifier plus the
// transformed property map.
type Object struct {
	ID         string
	Properties map[string]any
}

// SourceStore is the read side of the migration: stable-ordered pagination
// for the backfill, timestamp windows for catch-up sync, and single-record
// access for validation sampling. Upsert exists only for reverse sync during
// rollback preparation.
type SourceStore interface {
	// Ping verifies connectivity. A failure here is fatal to the phase.
	Ping(ctx context.Context) error

	// Count returns the total number of live records for the entity type.
	Count(ctx context.Context, entity models.EntityType) (int64, error)

	// FetchPage returns up to limit records ordered by primary key starting
	// at offset. Implementations must not retain the returned slice.
	FetchPage(ctx context.Context, entity models.EntityType, offset, limit int) ([]Record, error)

	// FetchByID returns the record with the given source identifier, or
	// (nil, nil) when it does not exist.
	FetchByID(ctx context.Context, entity models.EntityType, sourceID string) (*Record, error)

	// ListModifiedIDs returns the source identifiers of records created or
	// updated in [since, until), used by timestamp-based catch-up sync.
	ListModifiedIDs(ctx context.Context, entity models.EntityType, since, until time.Time) ([]string, error)

	// Upsert writes a record into the source store, creating or replacing by
	// source identifier.
	Upsert(ctx context.Context, entity models.EntityType, rec Record) error

	Close() error
}

// TargetStore abstracts the Weaviate client behind the handful of calls the
// migration needs, so the target store is swappable and mockable.
type TargetStore interface {
	// Ping verifies connectivity. A failure here is fatal to the phase.
	Ping(ctx context.Context) error

	// EnsureSchema creates any class definitions the migration writes into
	// that do not exist yet. Idempotent.
	EnsureSchema(ctx context.Context) error

	// BulkInsert loads a batch of objects into the class in one call.
	// Objects carry deterministic IDs, so re-inserting is an overwrite,
	// never a duplicate.
	BulkInsert(ctx context.Context, class string, objs []Object) error

	// PutObject creates or replaces a single object. Used by the dual-write
	// mirror path and by catch-up sync.
	PutObject(ctx context.Context, class string, obj Object) error

	// FetchByID returns the property map of the object, or (nil, nil) when
	// the object does not exist.
	FetchByID(ctx context.Context, class, id string) (map[string]any, error)

	// Count returns the number of objects in the class.
	Count(ctx context.Context, class string) (int64, error)

	// Query returns up to limit property maps with the requested fields,
	// used by the validator's latency battery.
	Query(ctx context.Context, class string, fields []string, limit int) ([]map[string]any, error)

	// QueryModifiedSince returns objects whose migrationTimestamp is at or
	// after since, used by reverse catch-up sync.
	QueryModifiedSince(ctx context.Context, class string, since time.Time, fields []string) ([]map[string]any, error)

	// DeleteMigrated removes every object stamped migratedFromSource=true
	// from the class and returns the number deleted. Used by rollback.
	DeleteMigrated(ctx context.Context, class string) (int64, error)

	Close() error
}

// ConnectionError reports that the source or target store is unreachable.
// It is fatal to the current migration phase: no partial progress is claimed.
type ConnectionError struct {
	Store string // "sqlite" or "weaviate"
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s store unreachable: %v", e.Store, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
