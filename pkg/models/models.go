// Package models defines the source-side domain records that the migration
// engine moves from SQLite into Weaviate, together with the entity-type
// vocabulary shared by every layer of the migration pipeline.
//
// The records mirror the relational source schema of the chat application:
// conversations own messages, and documents are standalone uploads used for
// retrieval. The migration engine treats all three uniformly through the
// [EntityType] constants; only the field mappings differ per type.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// EntityType identifies one migratable record family. The migration engine,
// the dual-write coordinator and the validator all iterate over [AllEntityTypes]
// in dependency order (conversations before the messages that reference them).
type EntityType string

const (
	EntityConversation EntityType = "conversation"
	EntityMessage      EntityType = "message"
	EntityDocument     EntityType = "document"
)

// AllEntityTypes lists every migratable entity in dependency order.
var AllEntityTypes = []EntityType{EntityConversation, EntityMessage, EntityDocument}

// Class returns the Weaviate class name for the entity type.
func (e EntityType) Class() string {
	switch e {
	case EntityConversation:
		return "Conversation"
	case EntityMessage:
		return "Message"
	case EntityDocument:
		return "Document"
	}
	return ""
}

// Table returns the SQLite table name for the entity type.
func (e EntityType) Table() string {
	switch e {
	case EntityConversation:
		return "conversations"
	case EntityMessage:
		return "messages"
	case EntityDocument:
		return "documents"
	}
	return ""
}

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	return e == EntityConversation || e == EntityMessage || e == EntityDocument
}

// ParseEntityType converts a user-supplied string (CLI flag, config file)
// into an EntityType, accepting both singular and table-name forms.
func ParseEntityType(s string) (EntityType, error) {
	for _, e := range AllEntityTypes {
		if s == string(e) || s == e.Table() {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown entity type: %q", s)
}

// JSONMap is a flexible key-value container stored as JSON text in SQLite and
// as an object in Weaviate. It carries the schemaless parts of a record:
// conversation metadata, message tool-call payloads, document attributes.
type JSONMap map[string]any

// Value implements the driver.Valuer interface for database storage.
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for database retrieval.
func (j *JSONMap) Scan(value any) error {
	if value == nil {
		*j = make(map[string]any)
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("cannot scan %T into JSONMap", value)
		}
		bytes = []byte(s)
	}
	return json.Unmarshal(bytes, j)
}

// Conversation is a chat session. Messages reference it by ConversationID.
type Conversation struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Title     string         `gorm:"not null" json:"title"`
	Model     string         `json:"model,omitempty"`
	Metadata  JSONMap        `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// Message is a single turn within a conversation. ToolCalls holds the raw
// tool-invocation metadata emitted by the assistant, stored schemalessly
// because its shape varies per tool.
type Message struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ConversationID uint           `gorm:"index;not null" json:"conversation_id"`
	Role           string         `gorm:"not null" json:"role"`
	Content        string         `gorm:"type:text" json:"content"`
	ToolCalls      JSONMap        `gorm:"type:json" json:"tool_calls,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// Document is an uploaded file indexed for retrieval.
type Document struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Filename    string         `gorm:"not null" json:"filename"`
	ContentType string         `json:"content_type,omitempty"`
	Content     string         `gorm:"type:text" json:"content"`
	SizeBytes   int64          `json:"size_bytes"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}
