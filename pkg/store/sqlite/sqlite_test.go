package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkbase/weavemigrate/pkg/models"
	"github.com/talkbase/weavemigrate/pkg/store"
	"github.com/talkbase/weavemigrate/pkg/store/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "talkbase.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConversations(t *testing.T, s *sqlite.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		conv := models.Conversation{
			Title:    "conversation",
			Model:    "gpt-4",
			Metadata: models.JSONMap{"seed": true},
		}
		require.NoError(t, s.DB().Create(&conv).Error)
	}
}

func TestStore_PingAndCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	n, err := s.Count(ctx, models.EntityConversation)
	require.NoError(t, err)
	assert.Zero(t, n)

	seedConversations(t, s, 7)
	n, err = s.Count(ctx, models.EntityConversation)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestStore_CountExcludesSoftDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConversations(t, s, 3)

	require.NoError(t, s.DB().Delete(&models.Conversation{}, 2).Error)

	n, err := s.Count(ctx, models.EntityConversation)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_FetchPageStableOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConversations(t, s, 25)

	first, err := s.FetchPage(ctx, models.EntityConversation, 0, 10)
	require.NoError(t, err)
	require.Len(t, first, 10)
	assert.Equal(t, "1", first[0].SourceID)
	assert.Equal(t, "10", first[9].SourceID)

	last, err := s.FetchPage(ctx, models.EntityConversation, 20, 10)
	require.NoError(t, err)
	require.Len(t, last, 5, "final page is short")
	assert.Equal(t, "25", last[4].SourceID)

	beyond, err := s.FetchPage(ctx, models.EntityConversation, 30, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestStore_FetchPagePayloadShape(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv := models.Conversation{Title: "t", Model: "m"}
	require.NoError(t, s.DB().Create(&conv).Error)
	msg := models.Message{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        "hello",
		ToolCalls:      models.JSONMap{"name": "search"},
	}
	require.NoError(t, s.DB().Create(&msg).Error)

	page, err := s.FetchPage(ctx, models.EntityMessage, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	payload := page[0].Payload
	assert.Equal(t, conv.ID, payload["conversation_id"])
	assert.Equal(t, "user", payload["role"])
	assert.Equal(t, "hello", payload["content"])
	assert.Equal(t, map[string]any{"name": "search"}, payload["tool_calls"])
	assert.Equal(t, models.EntityMessage, page[0].SourceType)
}

func TestStore_FetchByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConversations(t, s, 2)

	rec, err := s.FetchByID(ctx, models.EntityConversation, "2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "2", rec.SourceID)

	missing, err := s.FetchByID(ctx, models.EntityConversation, "99")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = s.FetchByID(ctx, models.EntityConversation, "not-a-number")
	assert.Error(t, err)
}

func TestStore_ListModifiedIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedConversations(t, s, 3)

	cutoff := time.Now().Add(time.Minute)

	ids, err := s.ListModifiedIDs(ctx, models.EntityConversation, time.Now().Add(-time.Hour), cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	// Nothing was touched after the cutoff.
	ids, err = s.ListModifiedIDs(ctx, models.EntityConversation, cutoff, cutoff.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_UpsertRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := store.Record{
		SourceID:   "41",
		SourceType: models.EntityDocument,
		Payload: map[string]any{
			"id":           uint64(41),
			"filename":     "report.pdf",
			"content_type": "application/pdf",
			"content":      "quarterly numbers",
			"size_bytes":   int64(2048),
		},
	}
	require.NoError(t, s.Upsert(ctx, models.EntityDocument, rec))

	got, err := s.FetchByID(ctx, models.EntityDocument, "41")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "report.pdf", got.Payload["filename"])

	// Upserting the same id replaces, never duplicates.
	rec.Payload["filename"] = "report-v2.pdf"
	require.NoError(t, s.Upsert(ctx, models.EntityDocument, rec))

	n, err := s.Count(ctx, models.EntityDocument)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.FetchByID(ctx, models.EntityDocument, "41")
	require.NoError(t, err)
	assert.Equal(t, "report-v2.pdf", got.Payload["filename"])
}
