package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/contentkey"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
)

// dedupOutcome is the decision taken for one mutation against the stored state.
type dedupOutcome struct {
	Kind         ResolutionKind
	Event        Event
	LogOperation syncwire.Operation
}

func (o dedupOutcome) appendsChange() bool {
	return o.LogOperation != ""
}

// normalizePayload fills source defaults and rejects payloads that cannot be stored.
func normalizePayload(payload *syncwire.EventPayload) (syncwire.EventPayload, error) {
	if payload == nil {
		return syncwire.EventPayload{}, fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	normalized := *payload
	normalized.EventTypeID = strings.TrimSpace(normalized.EventTypeID)
	normalized.SourceID = strings.TrimSpace(normalized.SourceID)
	normalized.Category = strings.TrimSpace(normalized.Category)
	if normalized.EventTypeID == "" {
		return syncwire.EventPayload{}, fmt.Errorf("%w: event_type_id is required", ErrInvalidPayload)
	}
	if len(normalized.EventTypeID) > maxIdentifierLength || len(normalized.SourceID) > maxIdentifierLength {
		return syncwire.EventPayload{}, fmt.Errorf("%w: identifier exceeds %d characters", ErrInvalidPayload, maxIdentifierLength)
	}
	if normalized.Timestamp.IsZero() {
		return syncwire.EventPayload{}, fmt.Errorf("%w: timestamp is required", ErrInvalidPayload)
	}
	if len(normalized.Properties) > 0 && !json.Valid(normalized.Properties) {
		return syncwire.EventPayload{}, fmt.Errorf("%w: properties must be JSON", ErrInvalidPayload)
	}

	if normalized.SourceType == "" {
		if normalized.SourceID != "" {
			normalized.SourceType = syncwire.SourceTypeSensor
		} else {
			normalized.SourceType = syncwire.SourceTypeManual
		}
	}
	switch normalized.Mutability {
	case syncwire.MutabilityMutable, syncwire.MutabilityImmutable:
	case "":
		if normalized.SourceID != "" {
			normalized.Mutability = syncwire.MutabilityImmutable
		} else {
			normalized.Mutability = syncwire.MutabilityMutable
		}
	default:
		return syncwire.EventPayload{}, fmt.Errorf("%w: mutability %q", ErrInvalidPayload, normalized.Mutability)
	}
	return normalized, nil
}

// contentKeyOf derives the content key of a payload for userID.
func contentKeyOf(userID string, payload syncwire.EventPayload) contentkey.Key {
	return contentkey.Key{
		UserID:      userID,
		EventTypeID: payload.EventTypeID,
		Category:    payload.Category,
		Timestamp:   payload.Timestamp,
	}
}

func newEvent(userID UserID, entityID EntityID, payload syncwire.EventPayload, appliedAt time.Time) Event {
	event := Event{
		UserID:         userID.String(),
		ID:             entityID.String(),
		EventTypeID:    payload.EventTypeID,
		TimestampMs:    payload.Timestamp.UnixMilli(),
		Category:       payload.Category,
		SourceType:     payload.SourceType,
		Mutability:     payload.Mutability,
		Notes:          payload.Notes,
		PropertiesJSON: string(payload.Properties),
		Version:        1,
		CreatedAtMs:    appliedAt.UnixMilli(),
		UpdatedAtMs:    appliedAt.UnixMilli(),
	}
	if payload.SourceID != "" {
		sourceID := payload.SourceID
		event.SourceID = &sourceID
	}
	return event
}

// mergeEvent copies the descriptive fields of payload onto existing. Identity
// (id, user, source) is never changed. The second result reports whether
// anything changed.
func mergeEvent(existing Event, payload syncwire.EventPayload, appliedAt time.Time) (Event, bool) {
	merged := existing
	merged.EventTypeID = payload.EventTypeID
	merged.TimestampMs = payload.Timestamp.UnixMilli()
	merged.Category = payload.Category
	merged.Mutability = payload.Mutability
	merged.Notes = payload.Notes
	if len(payload.Properties) > 0 {
		merged.PropertiesJSON = string(payload.Properties)
	}

	changed := merged.EventTypeID != existing.EventTypeID ||
		merged.TimestampMs != existing.TimestampMs ||
		merged.Category != existing.Category ||
		merged.Mutability != existing.Mutability ||
		merged.Notes != existing.Notes ||
		!jsonEqual(merged.PropertiesJSON, existing.PropertiesJSON)
	if !changed {
		return existing, false
	}

	merged.Version = existing.Version + 1
	merged.UpdatedAtMs = appliedAt.UnixMilli()
	if merged.UpdatedAtMs < existing.UpdatedAtMs {
		merged.UpdatedAtMs = existing.UpdatedAtMs
	}
	return merged, true
}

// resolveDuplicateCreate decides what a create that matched an existing event does.
func resolveDuplicateCreate(existing Event, payload syncwire.EventPayload, appliedAt time.Time) dedupOutcome {
	if existing.IsDeleted() || existing.IsImmutable() {
		return dedupOutcome{Kind: ResolutionDuplicate, Event: existing}
	}
	merged, changed := mergeEvent(existing, payload, appliedAt)
	if !changed {
		return dedupOutcome{Kind: ResolutionDuplicate, Event: existing}
	}
	return dedupOutcome{Kind: ResolutionUpdated, Event: merged, LogOperation: syncwire.OperationUpdate}
}

// resolveUpdate applies an explicit update to an existing event.
func resolveUpdate(existing Event, payload syncwire.EventPayload, appliedAt time.Time) dedupOutcome {
	if existing.IsDeleted() {
		return dedupOutcome{Kind: ResolutionDuplicate, Event: existing}
	}
	merged, changed := mergeEvent(existing, payload, appliedAt)
	if !changed {
		return dedupOutcome{Kind: ResolutionDuplicate, Event: existing}
	}
	return dedupOutcome{Kind: ResolutionUpdated, Event: merged, LogOperation: syncwire.OperationUpdate}
}

// resolveDelete tombstones an existing event. Deletes are terminal.
func resolveDelete(existing Event, appliedAt time.Time) dedupOutcome {
	if existing.IsDeleted() {
		return dedupOutcome{Kind: ResolutionDuplicate, Event: existing}
	}
	deleted := existing
	deletedAtMs := appliedAt.UnixMilli()
	deleted.DeletedAtMs = &deletedAtMs
	deleted.Version = existing.Version + 1
	deleted.UpdatedAtMs = deletedAtMs
	return dedupOutcome{Kind: ResolutionDeleted, Event: deleted, LogOperation: syncwire.OperationDelete}
}

// closestContentMatch picks the externally sourced candidate nearest in time
// that matches key under window and carries a different source identifier.
func closestContentMatch(window contentkey.Window, key contentkey.Key, sourceID string, candidates []Event) *Event {
	var best *Event
	var bestDelta time.Duration
	for index := range candidates {
		candidate := candidates[index]
		if candidate.SourceID == nil || *candidate.SourceID == sourceID {
			continue
		}
		candidateKey := contentkey.Key{
			UserID:      candidate.UserID,
			EventTypeID: candidate.EventTypeID,
			Category:    candidate.Category,
			Timestamp:   time.UnixMilli(candidate.TimestampMs),
		}
		if !window.Matches(key, candidateKey) {
			continue
		}
		delta := key.Timestamp.Sub(candidateKey.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if best == nil || delta < bestDelta || (delta == bestDelta && candidate.CreatedAtMs < best.CreatedAtMs) {
			match := candidate
			best = &match
			bestDelta = delta
		}
	}
	return best
}

func jsonEqual(left, right string) bool {
	if left == right {
		return true
	}
	if left == "" || right == "" {
		return false
	}
	var leftBuffer, rightBuffer bytes.Buffer
	if json.Compact(&leftBuffer, []byte(left)) != nil || json.Compact(&rightBuffer, []byte(right)) != nil {
		return false
	}
	return bytes.Equal(leftBuffer.Bytes(), rightBuffer.Bytes())
}
