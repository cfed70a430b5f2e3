// Package sqlite implements [store.SourceStore] on the chat application's
// relational SQLite database using GORM.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/talkbase/weavemigrate/pkg/models"
	"github.com/talkbase/weavemigrate/pkg/store"
)

// Store is the GORM-backed source store.
type Store struct {
	db *gorm.DB
}

// Open connects to the SQLite database at path and ensures the schema is in
// place. Safe to call repeatedly; AutoMigrate only adds missing elements.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, &store.ConnectionError{Store: "sqlite", Err: err}
	}

	if err := db.AutoMigrate(&models.Conversation{}, &models.Message{}, &models.Document{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying GORM handle for test seeding.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies the connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return &store.ConnectionError{Store: "sqlite", Err: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &store.ConnectionError{Store: "sqlite", Err: err}
	}
	return nil
}

// Count returns the number of live records for the entity type.
func (s *Store) Count(ctx context.Context, entity models.EntityType) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Table(entity.Table()).Where("deleted_at IS NULL").Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", entity.Table(), err)
	}
	return n, nil
}

// FetchPage returns up to limit records ordered by primary key. Ordering by
// id gives a stable pagination key across re-runs and resumes.
func (s *Store) FetchPage(ctx context.Context, entity models.EntityType, offset, limit int) ([]store.Record, error) {
	tx := s.db.WithContext(ctx).Order("id").Offset(offset).Limit(limit)

	switch entity {
	case models.EntityConversation:
		var rows []models.Conversation
		if err := tx.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to fetch conversations page at %d: %w", offset, err)
		}
		recs := make([]store.Record, 0, len(rows))
		for i := range rows {
			recs = append(recs, conversationRecord(&rows[i]))
		}
		return recs, nil

	case models.EntityMessage:
		var rows []models.Message
		if err := tx.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to fetch messages page at %d: %w", offset, err)
		}
		recs := make([]store.Record, 0, len(rows))
		for i := range rows {
			recs = append(recs, messageRecord(&rows[i]))
		}
		return recs, nil

	case models.EntityDocument:
		var rows []models.Document
		if err := tx.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to fetch documents page at %d: %w", offset, err)
		}
		recs := make([]store.Record, 0, len(rows))
		for i := range rows {
			recs = append(recs, documentRecord(&rows[i]))
		}
		return recs, nil
	}
	return nil, fmt.Errorf("unknown entity type: %q", entity)
}

// FetchByID returns the record with the given source identifier, or
// (nil, nil) when absent.
func (s *Store) FetchByID(ctx context.Context, entity models.EntityType, sourceID string) (*store.Record, error) {
	id, err := strconv.ParseUint(sourceID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s source id %q: %w", entity, sourceID, err)
	}

	tx := s.db.WithContext(ctx)
	var rec store.Record

	switch entity {
	case models.EntityConversation:
		var row models.Conversation
		if err := tx.First(&row, id).Error; err != nil {
			return nilIfNotFound(err)
		}
		rec = conversationRecord(&row)
	case models.EntityMessage:
		var row models.Message
		if err := tx.First(&row, id).Error; err != nil {
			return nilIfNotFound(err)
		}
		rec = messageRecord(&row)
	case models.EntityDocument:
		var row models.Document
		if err := tx.First(&row, id).Error; err != nil {
			return nilIfNotFound(err)
		}
		rec = documentRecord(&row)
	default:
		return nil, fmt.Errorf("unknown entity type: %q", entity)
	}
	return &rec, nil
}

// ListModifiedIDs returns the ids of records created or updated in
// [since, until), ordered by primary key.
func (s *Store) ListModifiedIDs(ctx context.Context, entity models.EntityType, since, until time.Time) ([]string, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Table(entity.Table()).
		Where("deleted_at IS NULL").
		Where("updated_at >= ? AND updated_at < ?", since, until).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list modified %s: %w", entity.Table(), err)
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strconv.FormatUint(uint64(id), 10))
	}
	return out, nil
}

// Upsert creates or replaces a record by source identifier. Used by reverse
// catch-up sync when preparing a rollback.
func (s *Store) Upsert(ctx context.Context, entity models.EntityType, rec store.Record) error {
	model, err := recordModel(entity, rec)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(model).Error; err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", entity, rec.SourceID, err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func nilIfNotFound(err error) (*store.Record, error) {
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	return nil, err
}

// recordModel rebuilds the typed GORM model from a record payload. The
// payload uses the models' JSON field names, so a marshal round trip is the
// inverse of the *Record helpers below.
func recordModel(entity models.EntityType, rec store.Record) (any, error) {
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s %s: %w", entity, rec.SourceID, err)
	}

	var model any
	switch entity {
	case models.EntityConversation:
		model = &models.Conversation{}
	case models.EntityMessage:
		model = &models.Message{}
	case models.EntityDocument:
		model = &models.Document{}
	default:
		return nil, fmt.Errorf("unknown entity type: %q", entity)
	}
	if err := json.Unmarshal(data, model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload for %s %s: %w", entity, rec.SourceID, err)
	}
	return model, nil
}

func conversationRecord(c *models.Conversation) store.Record {
	return store.Record{
		SourceID:   strconv.FormatUint(uint64(c.ID), 10),
		SourceType: models.EntityConversation,
		Payload: map[string]any{
			"id":         c.ID,
			"title":      c.Title,
			"model":      c.Model,
			"metadata":   map[string]any(c.Metadata),
			"created_at": c.CreatedAt,
			"updated_at": c.UpdatedAt,
		},
	}
}

func messageRecord(m *models.Message) store.Record {
	return store.Record{
		SourceID:   strconv.FormatUint(uint64(m.ID), 10),
		SourceType: models.EntityMessage,
		Payload: map[string]any{
			"id":              m.ID,
			"conversation_id": m.ConversationID,
			"role":            m.Role,
			"content":         m.Content,
			"tool_calls":      map[string]any(m.ToolCalls),
			"created_at":      m.CreatedAt,
			"updated_at":      m.UpdatedAt,
		},
	}
}

func documentRecord(d *models.Document) store.Record {
	return store.Record{
		SourceID:   strconv.FormatUint(uint64(d.ID), 10),
		SourceType: models.EntityDocument,
		Payload: map[string]any{
			"id":           d.ID,
			"filename":     d.Filename,
			"content_type": d.ContentType,
			"content":      d.Content,
			"size_bytes":   d.SizeBytes,
			"created_at":   d.CreatedAt,
			"updated_at":   d.UpdatedAt,
		},
	}
}
