package migrate_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/talkbase/weavemigrate/pkg/models"
	"github.com/talkbase/weavemigrate/pkg/store"
)

// fakeSource is an in-memory SourceStore seeded with ordered records.
type fakeSource struct {
	mu       sync.Mutex
	records  map[models.EntityType][]store.Record
	modified map[models.EntityType][]string

	pingErr  error
	fetchErr error

	upserts []store.Record
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records:  make(map[models.EntityType][]store.Record),
		modified: make(map[models.EntityType][]string),
	}
}

// seed appends n records for the entity with sequential numeric ids.
func (s *fakeSource) seed(entity models.EntityType, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := len(s.records[entity])
	for i := 0; i < n; i++ {
		id := strconv.Itoa(base + i + 1)
		s.records[entity] = append(s.records[entity], store.Record{
			SourceID:   id,
			SourceType: entity,
			Payload:    seedPayload(entity, id),
		})
	}
}

func seedPayload(entity models.EntityType, id string) map[string]any {
	switch entity {
	case models.EntityConversation:
		return map[string]any{"title": "conversation " + id, "model": "gpt-4"}
	case models.EntityMessage:
		return map[string]any{"conversation_id": uint(1), "role": "user", "content": "message " + id}
	default:
		return map[string]any{"filename": "doc-" + id + ".txt", "content": "document " + id}
	}
}

func (s *fakeSource) Ping(context.Context) error { return s.pingErr }

func (s *fakeSource) Count(_ context.Context, entity models.EntityType) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records[entity])), nil
}

func (s *fakeSource) FetchPage(_ context.Context, entity models.EntityType, offset, limit int) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	recs := s.records[entity]
	if offset >= len(recs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(recs) {
		end = len(recs)
	}
	page := make([]store.Record, end-offset)
	copy(page, recs[offset:end])
	return page, nil
}

func (s *fakeSource) FetchByID(_ context.Context, entity models.EntityType, sourceID string) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records[entity] {
		if rec.SourceID == sourceID {
			r := rec
			return &r, nil
		}
	}
	return nil, nil
}

func (s *fakeSource) ListModifiedIDs(_ context.Context, entity models.EntityType, _, _ time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.modified[entity]...), nil
}

func (s *fakeSource) Upsert(_ context.Context, entity models.EntityType, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, rec)
	for i, existing := range s.records[entity] {
		if existing.SourceID == rec.SourceID {
			s.records[entity][i] = rec
			return nil
		}
	}
	s.records[entity] = append(s.records[entity], rec)
	return nil
}

func (s *fakeSource) Close() error { return nil }

// fakeTarget is an in-memory TargetStore keyed by class and object id.
type fakeTarget struct {
	mu      sync.Mutex
	objects map[string]map[string]map[string]any

	pingErr     error
	schemaErr   error
	failBulks   int // fail this many BulkInsert calls before succeeding
	putErr      error
	deleteDelay time.Duration

	bulkCalls   int
	schemaCalls int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{objects: make(map[string]map[string]map[string]any)}
}

func (t *fakeTarget) Ping(context.Context) error { return t.pingErr }

func (t *fakeTarget) EnsureSchema(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schemaCalls++
	return t.schemaErr
}

func (t *fakeTarget) BulkInsert(_ context.Context, class string, objs []store.Object) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bulkCalls++
	if t.failBulks > 0 {
		t.failBulks--
		return errors.New("bulk insert refused")
	}
	if t.objects[class] == nil {
		t.objects[class] = make(map[string]map[string]any)
	}
	for _, obj := range objs {
		t.objects[class][obj.ID] = obj.Properties
	}
	return nil
}

func (t *fakeTarget) PutObject(_ context.Context, class string, obj store.Object) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.putErr != nil {
		return t.putErr
	}
	if t.objects[class] == nil {
		t.objects[class] = make(map[string]map[string]any)
	}
	t.objects[class][obj.ID] = obj.Properties
	return nil
}

func (t *fakeTarget) FetchByID(_ context.Context, class, id string) (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	props, ok := t.objects[class][id]
	if !ok {
		return nil, nil
	}
	return props, nil
}

func (t *fakeTarget) Count(_ context.Context, class string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.objects[class])), nil
}

func (t *fakeTarget) Query(_ context.Context, class string, _ []string, limit int) ([]map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var rows []map[string]any
	for _, props := range t.objects[class] {
		if len(rows) >= limit {
			break
		}
		rows = append(rows, props)
	}
	return rows, nil
}

func (t *fakeTarget) QueryModifiedSince(_ context.Context, class string, since time.Time, _ []string) ([]map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var rows []map[string]any
	for _, props := range t.objects[class] {
		ts, ok := props["migrationTimestamp"].(string)
		if !ok {
			continue
		}
		stamp, err := time.Parse(time.RFC3339, ts)
		if err != nil || stamp.Before(since) {
			continue
		}
		rows = append(rows, props)
	}
	return rows, nil
}

func (t *fakeTarget) DeleteMigrated(ctx context.Context, class string) (int64, error) {
	if t.deleteDelay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(t.deleteDelay):
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for id, props := range t.objects[class] {
		if migrated, _ := props["migratedFromSource"].(bool); migrated {
			delete(t.objects[class], id)
			n++
		}
	}
	return n, nil
}

func (t *fakeTarget) Close() error { return nil }

// totalObjects counts every object across classes.
func (t *fakeTarget) totalObjects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, class := range t.objects {
		n += len(class)
	}
	return n
}
