package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
)

// Status is the lifecycle state of a queued mutation.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInFlight       Status = "in_flight"
	StatusFailedTerminal Status = "failed_terminal"
)

const maxEntityIDLength = 190

var (
	ErrInvalidEntityType = errors.New("entity type is required")
	ErrInvalidEntityID   = errors.New("entity id is required")
	ErrInvalidOperation  = errors.New("unsupported operation")
	ErrMissingPayload    = errors.New("payload is required for create and update")
)

// PendingMutation is a locally persisted mutation awaiting delivery.
type PendingMutation struct {
	Seq             int64   `gorm:"column:seq;primaryKey;autoIncrement"`
	ID              string  `gorm:"column:id;size:64;not null;uniqueIndex"`
	EntityType      string  `gorm:"column:entity_type;size:64;not null;index:idx_pending_entity,priority:1"`
	Operation       string  `gorm:"column:operation;size:16;not null"`
	EntityID        string  `gorm:"column:entity_id;size:190;not null;index:idx_pending_entity,priority:2"`
	PayloadJSON     string  `gorm:"column:payload;type:text;not null;default:''"`
	IdempotencyKey  string  `gorm:"column:idempotency_key;size:190;not null;uniqueIndex"`
	Attempts        int     `gorm:"column:attempts;not null;default:0"`
	Status          Status  `gorm:"column:status;size:32;not null;index"`
	NextAttemptAtMs int64   `gorm:"column:next_attempt_at_ms;not null;default:0"`
	LastError       string  `gorm:"column:last_error;type:text;not null;default:''"`
	LastErrorCode   string  `gorm:"column:last_error_code;size:190;not null;default:''"`
	CreateClaim     *string `gorm:"column:create_claim;size:255;uniqueIndex"`
	CreatedAtMs     int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs     int64   `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingMutation) TableName() string {
	return "pending_mutations"
}

// Key returns the idempotency key bound to the mutation.
func (m PendingMutation) Key() idempotency.Key {
	return idempotency.Key(m.IdempotencyKey)
}

// State extracts the retry state of the mutation.
func (m PendingMutation) State() State {
	state := State{
		Status:        m.Status,
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		LastErrorCode: m.LastErrorCode,
	}
	if m.NextAttemptAtMs > 0 {
		state.NextAttemptAt = time.UnixMilli(m.NextAttemptAtMs).UTC()
	}
	return state
}

// Payload decodes the stored entity state, nil for deletes.
func (m PendingMutation) Payload() (*syncwire.EventPayload, error) {
	if m.PayloadJSON == "" {
		return nil, nil
	}
	var payload syncwire.EventPayload
	if err := json.Unmarshal([]byte(m.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("decode payload of mutation %s: %w", m.ID, err)
	}
	return &payload, nil
}

// Request builds the wire request sent on every attempt.
func (m PendingMutation) Request() (syncwire.MutationRequest, error) {
	payload, err := m.Payload()
	if err != nil {
		return syncwire.MutationRequest{}, err
	}
	return syncwire.MutationRequest{
		IdempotencyKey: m.IdempotencyKey,
		Operation:      syncwire.Operation(m.Operation),
		EntityType:     m.EntityType,
		EntityID:       m.EntityID,
		Payload:        payload,
	}, nil
}

// EnqueueRequest describes a local mutation to queue.
type EnqueueRequest struct {
	EntityType string
	Operation  syncwire.Operation
	EntityID   string
	Payload    *syncwire.EventPayload
}

func (r EnqueueRequest) normalized() (EnqueueRequest, error) {
	r.EntityType = strings.TrimSpace(r.EntityType)
	r.EntityID = strings.TrimSpace(r.EntityID)
	if r.EntityType == "" {
		return EnqueueRequest{}, ErrInvalidEntityType
	}
	if r.EntityID == "" || len(r.EntityID) > maxEntityIDLength {
		return EnqueueRequest{}, ErrInvalidEntityID
	}
	if !r.Operation.Valid() {
		return EnqueueRequest{}, ErrInvalidOperation
	}
	if r.Operation != syncwire.OperationDelete && r.Payload == nil {
		return EnqueueRequest{}, ErrMissingPayload
	}
	if r.Operation == syncwire.OperationDelete {
		r.Payload = nil
	}
	return r, nil
}

// Handle identifies a queued mutation to its enqueuer.
type Handle struct {
	ID             string
	Seq            int64
	IdempotencyKey idempotency.Key
	// Duplicate is set when the create was already queued and no new row was written.
	Duplicate bool
}

func handleFor(mutation PendingMutation, duplicate bool) Handle {
	return Handle{
		ID:             mutation.ID,
		Seq:            mutation.Seq,
		IdempotencyKey: mutation.Key(),
		Duplicate:      duplicate,
	}
}

func createClaimFor(entityType, entityID string) string {
	return entityType + "/" + entityID
}
