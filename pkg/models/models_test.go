package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkbase/weavemigrate/pkg/models"
)

func TestEntityType_Names(t *testing.T) {
	assert.Equal(t, "Conversation", models.EntityConversation.Class())
	assert.Equal(t, "conversations", models.EntityConversation.Table())
	assert.Equal(t, "Message", models.EntityMessage.Class())
	assert.Equal(t, "messages", models.EntityMessage.Table())
	assert.Equal(t, "Document", models.EntityDocument.Class())
	assert.Equal(t, "documents", models.EntityDocument.Table())
}

func TestAllEntityTypes_DependencyOrder(t *testing.T) {
	// Conversations must precede the messages that reference them.
	require.Equal(t, models.EntityConversation, models.AllEntityTypes[0])
	require.Equal(t, models.EntityMessage, models.AllEntityTypes[1])
}

func TestParseEntityType(t *testing.T) {
	e, err := models.ParseEntityType("message")
	require.NoError(t, err)
	assert.Equal(t, models.EntityMessage, e)

	// Table-name form is accepted too.
	e, err = models.ParseEntityType("documents")
	require.NoError(t, err)
	assert.Equal(t, models.EntityDocument, e)

	_, err = models.ParseEntityType("embedding")
	assert.Error(t, err)
}

func TestJSONMap_ValueScanRoundTrip(t *testing.T) {
	original := models.JSONMap{"pinned": true, "labels": []any{"work"}}

	raw, err := original.Value()
	require.NoError(t, err)

	var scanned models.JSONMap
	require.NoError(t, scanned.Scan(raw))
	assert.Equal(t, original, scanned)
}

func TestJSONMap_ScanNil(t *testing.T) {
	var m models.JSONMap
	require.NoError(t, m.Scan(nil))
	assert.NotNil(t, m)
	assert.Empty(t, m)
}
