package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("events: invalid entity id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("events: invalid user id")
	// ErrInvalidPayload indicates a create or update without a usable event payload.
	ErrInvalidPayload = errors.New("events: invalid payload")
	// ErrUnsupportedEntityType indicates a mutation for an entity type the service does not own.
	ErrUnsupportedEntityType = errors.New("events: unsupported entity type")
	// ErrInvalidOperation indicates an unknown mutation operation.
	ErrInvalidOperation = errors.New("events: invalid operation")
	// ErrKeyCollision indicates an idempotency key reused for a different logical request.
	ErrKeyCollision = errors.New("events: idempotency key collision")
	// ErrEntityNotFound indicates an update for an entity that was never created.
	ErrEntityNotFound = errors.New("events: entity not found")
)

// EntityID represents a validated client-assigned entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Event is the canonical server-side entity record.
type Event struct {
	UserID         string  `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_events_content,priority:1;uniqueIndex:idx_events_source,priority:1"`
	ID             string  `gorm:"column:id;primaryKey;size:190;not null"`
	EventTypeID    string  `gorm:"column:event_type_id;size:190;not null;index:idx_events_content,priority:2"`
	TimestampMs    int64   `gorm:"column:timestamp_ms;not null;index:idx_events_content,priority:3"`
	Category       string  `gorm:"column:category;size:190;not null;default:''"`
	SourceType     string  `gorm:"column:source_type;size:32;not null;default:'manual';uniqueIndex:idx_events_source,priority:2"`
	SourceID       *string `gorm:"column:source_id;size:190;uniqueIndex:idx_events_source,priority:3"`
	Mutability     string  `gorm:"column:mutability;size:16;not null"`
	Notes          string  `gorm:"column:notes;type:text;not null;default:''"`
	PropertiesJSON string  `gorm:"column:properties_json;type:text;not null;default:''"`
	Version        int64   `gorm:"column:version;not null;default:1"`
	CreatedAtMs    int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs    int64   `gorm:"column:updated_at_ms;not null"`
	DeletedAtMs    *int64  `gorm:"column:deleted_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// IsDeleted reports whether the event is tombstoned.
func (e Event) IsDeleted() bool {
	return e.DeletedAtMs != nil
}

// IsImmutable reports whether later duplicate submissions must leave the event untouched.
func (e Event) IsImmutable() bool {
	return e.Mutability == syncwire.MutabilityImmutable
}

// Wire converts the event into its API representation.
func (e Event) Wire() syncwire.Event {
	wire := syncwire.Event{
		ID:          e.ID,
		EventTypeID: e.EventTypeID,
		Timestamp:   time.UnixMilli(e.TimestampMs).UTC(),
		Category:    e.Category,
		SourceType:  e.SourceType,
		Mutability:  e.Mutability,
		Notes:       e.Notes,
		Version:     e.Version,
		CreatedAt:   time.UnixMilli(e.CreatedAtMs).UTC(),
		UpdatedAt:   time.UnixMilli(e.UpdatedAtMs).UTC(),
	}
	if e.SourceID != nil {
		wire.SourceID = *e.SourceID
	}
	if e.PropertiesJSON != "" {
		wire.Properties = json.RawMessage(e.PropertiesJSON)
	}
	if e.DeletedAtMs != nil {
		deletedAt := time.UnixMilli(*e.DeletedAtMs).UTC()
		wire.DeletedAt = &deletedAt
	}
	return wire
}

// IdempotencyRecord remembers the first logical request a key was used for.
type IdempotencyRecord struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Key         string `gorm:"column:idempotency_key;primaryKey;size:190;not null"`
	Fingerprint string `gorm:"column:fingerprint;size:64;not null"`
	EntityID    string `gorm:"column:entity_id;size:190;not null"`
	Resolution  string `gorm:"column:resolution;size:16;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}

// MutationRequest is a validated mutation submitted by a client.
type MutationRequest struct {
	UserID         UserID
	IdempotencyKey idempotency.Key
	Operation      syncwire.Operation
	EntityType     string
	EntityID       EntityID
	Payload        *syncwire.EventPayload
}

// Fingerprint identifies the logical request independent of its key.
func (r MutationRequest) Fingerprint() string {
	return idempotency.Fingerprint(r.UserID.String(), r.EntityType, r.EntityID.String(), string(r.Operation))
}

// ResolutionKind is the effect a mutation had.
type ResolutionKind string

const (
	ResolutionCreated   ResolutionKind = syncwire.StatusCreated
	ResolutionUpdated   ResolutionKind = syncwire.StatusUpdated
	ResolutionDeleted   ResolutionKind = syncwire.StatusDeleted
	ResolutionDuplicate ResolutionKind = syncwire.StatusDuplicate
)

// MatchKind names the resolver step that decided the outcome.
type MatchKind string

const (
	MatchNone     MatchKind = "none"
	MatchKey      MatchKind = "key"
	MatchIdentity MatchKind = "identity"
	MatchSource   MatchKind = "source"
	MatchContent  MatchKind = "content"
)

// Resolution is the outcome of ApplyMutation.
type Resolution struct {
	Kind      ResolutionKind
	MatchedBy MatchKind
	Event     *Event
	Cursor    int64
	Replayed  bool
}
