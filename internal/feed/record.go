package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidRecord wraps every record validation failure.
	ErrInvalidRecord = errors.New("invalid feed record")
	validate         = validator.New(validator.WithRequiredStructEnabled())
)

// Record is one observation delivered by an external source. The source id
// is opaque and may change between resubmissions of the same real event.
type Record struct {
	SourceID     string          `json:"source_id" validate:"required,max=190"`
	EntityTypeID string          `json:"event_type_id" validate:"required,max=190"`
	Timestamp    time.Time       `json:"timestamp" validate:"required"`
	Category     string          `json:"category" validate:"max=190"`
	Notes        string          `json:"notes"`
	Payload      json.RawMessage `json:"payload"`
	Mutability   string          `json:"mutability" validate:"omitempty,oneof=mutable immutable"`
}

// Validate checks the record's fields.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			messages := make([]string, 0, len(fieldErrors))
			for _, fieldError := range fieldErrors {
				messages = append(messages, fmt.Sprintf("%s failed %s", fieldError.Field(), fieldError.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(messages, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRecord)
	}
	return nil
}

// EventPayload converts the record into the mutation payload for a sensor event.
func (r Record) EventPayload() syncwire.EventPayload {
	mutability := r.Mutability
	if mutability == "" {
		mutability = syncwire.MutabilityImmutable
	}
	return syncwire.EventPayload{
		EventTypeID: r.EntityTypeID,
		Timestamp:   r.Timestamp.UTC(),
		Category:    r.Category,
		SourceType:  syncwire.SourceTypeSensor,
		SourceID:    r.SourceID,
		Mutability:  mutability,
		Notes:       r.Notes,
		Properties:  r.Payload,
	}
}
