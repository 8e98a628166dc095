// Package syncwire defines the JSON payloads exchanged between the sync client
// and the API server.
package syncwire

import (
	"encoding/json"
	"time"
)

// Operation enumerates mutation kinds.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether the operation is known.
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// EntityTypeEvent is the only entity type accepted by the mutation endpoint.
const EntityTypeEvent = "event"

// Mutability classes of an event source.
const (
	MutabilityMutable   = "mutable"
	MutabilityImmutable = "immutable"
)

// Source types.
const (
	SourceTypeManual = "manual"
	SourceTypeSensor = "sensor"
)

// Resolution statuses returned by the mutation endpoint.
const (
	StatusCreated   = "created"
	StatusUpdated   = "updated"
	StatusDeleted   = "deleted"
	StatusDuplicate = "duplicate"
)

// Sync status values.
const (
	SyncStatusAllSynced         = "all_synced"
	SyncStatusResyncRecommended = "resync_recommended"
)

// ProblemTypePrefix namespaces RFC 9457 problem types.
const ProblemTypePrefix = "urn:tally:error:"

// Problem type suffixes the client interprets.
const (
	ProblemValidation   = "validation"
	ProblemKeyCollision = "key_collision"
	ProblemNotFound     = "not_found"
	ProblemConflict     = "conflict"
	ProblemUnauthorized = "unauthorized"
	ProblemInternal     = "internal"
)

// EventPayload is the entity state carried by create and update mutations.
type EventPayload struct {
	EventTypeID string          `json:"event_type_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Category    string          `json:"category,omitempty"`
	SourceType  string          `json:"source_type,omitempty"`
	SourceID    string          `json:"source_id,omitempty"`
	Mutability  string          `json:"mutability,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Properties  json.RawMessage `json:"properties,omitempty"`
}

// MutationRequest is the body of POST /v1/mutations.
type MutationRequest struct {
	IdempotencyKey string        `json:"idempotency_key"`
	Operation      Operation     `json:"operation"`
	EntityType     string        `json:"entity_type"`
	EntityID       string        `json:"entity_id"`
	Payload        *EventPayload `json:"payload,omitempty"`
}

// Event is the canonical server representation of an event.
type Event struct {
	ID          string          `json:"id"`
	EventTypeID string          `json:"event_type_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Category    string          `json:"category,omitempty"`
	SourceType  string          `json:"source_type"`
	SourceID    string          `json:"source_id,omitempty"`
	Mutability  string          `json:"mutability"`
	Notes       string          `json:"notes,omitempty"`
	Properties  json.RawMessage `json:"properties,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
}

// MutationResponse is the success body of POST /v1/mutations.
type MutationResponse struct {
	Status string `json:"status"`
	Entity *Event `json:"entity,omitempty"`
	Cursor int64  `json:"cursor,omitempty"`
}

// Problem is an RFC 9457 problem details document.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Code   string `json:"code,omitempty"`
}

// ChangeEntry is one element of the change feed.
type ChangeEntry struct {
	Cursor     int64           `json:"cursor"`
	EntityType string          `json:"entity_type"`
	Operation  Operation       `json:"operation"`
	EntityID   string          `json:"entity_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ChangeFeed is the body of GET /v1/changes.
type ChangeFeed struct {
	Changes    []ChangeEntry `json:"changes"`
	NextCursor int64         `json:"next_cursor"`
	HasMore    bool          `json:"has_more"`
}

// LatestCursor is the body of GET /v1/changes/latest-cursor.
type LatestCursor struct {
	Cursor int64 `json:"cursor"`
}

// Bootstrap is the body of GET /v1/bootstrap.
type Bootstrap struct {
	Events []Event `json:"events"`
	Cursor int64   `json:"cursor"`
}

// SyncStatus is the body of GET /v1/sync/status.
type SyncStatus struct {
	LatestCursor int64  `json:"latest_cursor"`
	EventCount   int64  `json:"event_count"`
	Status       string `json:"status"`
}
