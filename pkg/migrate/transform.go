package migrate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/talkbase/weavemigrate/pkg/models"
	"github.com/talkbase/weavemigrate/pkg/store"
)

// Transformer converts source records into Weaviate property maps and back.
// Per entity type it renames fields to the target's camelCase property names,
// fills defaults for nulls, and serializes nested structures (tool-call
// metadata, conversation metadata) to JSON strings.
//
// Every transformed payload is stamped with migratedFromSource, sourceId and
// migrationTimestamp so migrated objects stay distinguishable and filterable:
// rollback deletes by the stamp and validation samples by sourceId.
type Transformer struct {
	now func() time.Time
}

// NewTransformer returns a Transformer using the wall clock.
func NewTransformer() *Transformer {
	return &Transformer{now: time.Now}
}

// Transform converts one record into the target property shape. Failures are
// returned as [*TransformError] carrying the offending source id; callers
// must not let them abort sibling records.
func (t *Transformer) Transform(rec store.Record, entity models.EntityType) (map[string]any, error) {
	if rec.Payload == nil {
		return nil, &TransformError{SourceID: rec.SourceID, EntityType: entity, Err: fmt.Errorf("empty payload")}
	}

	var props map[string]any
	var err error
	switch entity {
	case models.EntityConversation:
		props, err = t.conversationProps(rec.Payload)
	case models.EntityMessage:
		props, err = t.messageProps(rec.Payload)
	case models.EntityDocument:
		props, err = t.documentProps(rec.Payload)
	default:
		err = fmt.Errorf("unknown entity type: %q", entity)
	}
	if err != nil {
		return nil, &TransformError{SourceID: rec.SourceID, EntityType: entity, Err: err}
	}

	props["migratedFromSource"] = true
	props["sourceId"] = rec.SourceID
	props["migrationTimestamp"] = t.now().UTC().Format(time.RFC3339)
	return props, nil
}

func (t *Transformer) conversationProps(p map[string]any) (map[string]any, error) {
	title := stringVal(p, "title")
	if title == "" {
		title = "Untitled conversation"
	}
	meta, err := jsonString(p["metadata"])
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return map[string]any{
		"title":     title,
		"model":     stringVal(p, "model"),
		"metadata":  meta,
		"createdAt": timeString(p, "created_at", t.now),
	}, nil
}

func (t *Transformer) messageProps(p map[string]any) (map[string]any, error) {
	role := stringVal(p, "role")
	if role == "" {
		return nil, fmt.Errorf("missing role")
	}
	convID, ok := numString(p["conversation_id"])
	if !ok {
		return nil, fmt.Errorf("missing conversation_id")
	}
	calls, err := jsonString(p["tool_calls"])
	if err != nil {
		return nil, fmt.Errorf("tool_calls: %w", err)
	}
	return map[string]any{
		"conversationId": convID,
		"role":           role,
		"content":        stringVal(p, "content"),
		"toolCalls":      calls,
		"createdAt":      timeString(p, "created_at", t.now),
	}, nil
}

func (t *Transformer) documentProps(p map[string]any) (map[string]any, error) {
	filename := stringVal(p, "filename")
	if filename == "" {
		return nil, fmt.Errorf("missing filename")
	}
	contentType := stringVal(p, "content_type")
	if contentType == "" {
		contentType = "text/plain"
	}
	return map[string]any{
		"filename":    filename,
		"contentType": contentType,
		"content":     stringVal(p, "content"),
		"sizeBytes":   intVal(p["size_bytes"]),
		"createdAt":   timeString(p, "created_at", t.now),
	}, nil
}

// FromTarget rebuilds a source record from a target property map. Used by
// reverse catch-up sync when preparing a rollback; only records that
// originated in the source (numeric sourceId) can travel back.
func (t *Transformer) FromTarget(entity models.EntityType, props map[string]any) (store.Record, error) {
	sourceID := stringVal(props, "sourceId")
	if sourceID == "" {
		return store.Record{}, &TransformError{EntityType: entity, Err: fmt.Errorf("missing sourceId")}
	}
	id, err := strconv.ParseUint(sourceID, 10, 64)
	if err != nil {
		return store.Record{}, &TransformError{SourceID: sourceID, EntityType: entity,
			Err: fmt.Errorf("non-numeric sourceId cannot be written back: %w", err)}
	}

	payload := map[string]any{
		"id":         id,
		"created_at": stringVal(props, "createdAt"),
		"updated_at": stringVal(props, "migrationTimestamp"),
	}

	switch entity {
	case models.EntityConversation:
		payload["title"] = stringVal(props, "title")
		payload["model"] = stringVal(props, "model")
		meta, err := jsonMap(props["metadata"])
		if err != nil {
			return store.Record{}, &TransformError{SourceID: sourceID, EntityType: entity, Err: fmt.Errorf("metadata: %w", err)}
		}
		payload["metadata"] = meta

	case models.EntityMessage:
		convID, err := strconv.ParseUint(stringVal(props, "conversationId"), 10, 64)
		if err != nil {
			return store.Record{}, &TransformError{SourceID: sourceID, EntityType: entity, Err: fmt.Errorf("conversationId: %w", err)}
		}
		payload["conversation_id"] = convID
		payload["role"] = stringVal(props, "role")
		payload["content"] = stringVal(props, "content")
		calls, err := jsonMap(props["toolCalls"])
		if err != nil {
			return store.Record{}, &TransformError{SourceID: sourceID, EntityType: entity, Err: fmt.Errorf("toolCalls: %w", err)}
		}
		payload["tool_calls"] = calls

	case models.EntityDocument:
		payload["filename"] = stringVal(props, "filename")
		payload["content_type"] = stringVal(props, "contentType")
		payload["content"] = stringVal(props, "content")
		payload["size_bytes"] = intVal(props["sizeBytes"])

	default:
		return store.Record{}, fmt.Errorf("unknown entity type: %q", entity)
	}

	return store.Record{
		SourceID:   sourceID,
		SourceType: entity,
		Payload:    payload,
		TargetID:   MapID(sourceID),
	}, nil
}

// TargetFields lists the property names stored for the entity's class,
// including the migration stamps. Used by the validator's query battery and
// by reverse sync.
func TargetFields(entity models.EntityType) []string {
	stamps := []string{"migratedFromSource", "sourceId", "migrationTimestamp", "createdAt"}
	switch entity {
	case models.EntityConversation:
		return append([]string{"title", "model", "metadata"}, stamps...)
	case models.EntityMessage:
		return append([]string{"conversationId", "role", "content", "toolCalls"}, stamps...)
	case models.EntityDocument:
		return append([]string{"filename", "contentType", "content", "sizeBytes"}, stamps...)
	}
	return stamps
}

// KeyFields lists the properties compared field-by-field during sample
// validation. Timestamps and serialized blobs are deliberately excluded;
// they are representation-sensitive, not identity-bearing.
func KeyFields(entity models.EntityType) []string {
	switch entity {
	case models.EntityConversation:
		return []string{"title", "model"}
	case models.EntityMessage:
		return []string{"conversationId", "role", "content"}
	case models.EntityDocument:
		return []string{"filename", "contentType", "content"}
	}
	return nil
}

func stringVal(p map[string]any, key string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// numString renders an integer-ish payload value as its decimal string.
// Payload values arrive as uint from GORM or float64 after a JSON round trip.
func numString(v any) (string, bool) {
	switch n := v.(type) {
	case uint:
		return strconv.FormatUint(uint64(n), 10), true
	case uint64:
		return strconv.FormatUint(n, 10), true
	case int:
		return strconv.Itoa(n), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case float64:
		return strconv.FormatInt(int64(n), 10), true
	case string:
		if n == "" {
			return "", false
		}
		return n, true
	}
	return "", false
}

func intVal(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// timeString renders a payload timestamp as RFC3339, defaulting to now for
// null or malformed values.
func timeString(p map[string]any, key string, now func() time.Time) string {
	switch v := p[key].(type) {
	case time.Time:
		if !v.IsZero() {
			return v.UTC().Format(time.RFC3339)
		}
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil && !ts.IsZero() {
			return ts.UTC().Format(time.RFC3339)
		}
	}
	return now().UTC().Format(time.RFC3339)
}

// jsonString serializes a nested structure to a JSON string property.
// Nil becomes the empty object so the target schema stays uniform.
func jsonString(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return "{}", nil
	}
	if m, ok := v.(models.JSONMap); ok && len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// jsonMap parses a JSON string property back into a map.
func jsonMap(v any) (map[string]any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
