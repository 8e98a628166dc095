package replica

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/contentkey"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
)

// LocalEvent is the client's copy of an event, either confirmed by the
// server or still awaiting delivery.
type LocalEvent struct {
	ID             string  `gorm:"column:id;primaryKey;size:190;not null"`
	EventTypeID    string  `gorm:"column:event_type_id;size:190;not null;index:idx_local_events_content,priority:1"`
	CategoryKey    string  `gorm:"column:category_key;size:190;not null;default:'';index:idx_local_events_content,priority:2"`
	TimestampMs    int64   `gorm:"column:timestamp_ms;not null;index:idx_local_events_content,priority:3"`
	Category       string  `gorm:"column:category;size:190;not null;default:''"`
	SourceType     string  `gorm:"column:source_type;size:32;not null;default:'manual';index:idx_local_events_source,priority:1"`
	SourceID       *string `gorm:"column:source_id;size:190;index:idx_local_events_source,priority:2"`
	Mutability     string  `gorm:"column:mutability;size:16;not null"`
	Notes          string  `gorm:"column:notes;type:text;not null;default:''"`
	PropertiesJSON string  `gorm:"column:properties_json;type:text;not null;default:''"`
	Version        int64   `gorm:"column:version;not null;default:0"`
	Confirmed      bool    `gorm:"column:confirmed;not null;default:false"`
	UpdatedAtMs    int64   `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocalEvent) TableName() string {
	return "local_events"
}

// ContentKey derives the content identity of the local event.
func (e LocalEvent) ContentKey(userID string) contentkey.Key {
	return contentkey.Key{
		UserID:      userID,
		EventTypeID: e.EventTypeID,
		Category:    e.Category,
		Timestamp:   time.UnixMilli(e.TimestampMs).UTC(),
	}
}

// Wire converts the local event into its API representation.
func (e LocalEvent) Wire() syncwire.Event {
	wire := syncwire.Event{
		ID:          e.ID,
		EventTypeID: e.EventTypeID,
		Timestamp:   time.UnixMilli(e.TimestampMs).UTC(),
		Category:    e.Category,
		SourceType:  e.SourceType,
		Mutability:  e.Mutability,
		Notes:       e.Notes,
		Version:     e.Version,
		UpdatedAt:   time.UnixMilli(e.UpdatedAtMs).UTC(),
	}
	if e.SourceID != nil {
		wire.SourceID = *e.SourceID
	}
	if e.PropertiesJSON != "" {
		wire.Properties = json.RawMessage(e.PropertiesJSON)
	}
	return wire
}

// SyncCursor stores the last fully applied change-log cursor.
type SyncCursor struct {
	Name        string `gorm:"column:name;primaryKey;size:64;not null"`
	Cursor      int64  `gorm:"column:cursor;not null;default:0"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}

func fromPayload(id string, payload syncwire.EventPayload, now int64) LocalEvent {
	event := LocalEvent{
		ID:          id,
		EventTypeID: payload.EventTypeID,
		CategoryKey: contentkey.NormalizeCategory(payload.Category),
		TimestampMs: payload.Timestamp.UTC().UnixMilli(),
		Category:    payload.Category,
		SourceType:  payload.SourceType,
		Mutability:  payload.Mutability,
		Notes:       payload.Notes,
		UpdatedAtMs: now,
	}
	if event.SourceType == "" {
		event.SourceType = syncwire.SourceTypeManual
	}
	if payload.SourceID != "" {
		sourceID := payload.SourceID
		event.SourceID = &sourceID
	}
	if event.Mutability == "" {
		event.Mutability = syncwire.MutabilityMutable
		if event.SourceType == syncwire.SourceTypeSensor {
			event.Mutability = syncwire.MutabilityImmutable
		}
	}
	if len(payload.Properties) > 0 {
		event.PropertiesJSON = string(payload.Properties)
	}
	return event
}

func fromWire(event syncwire.Event, now int64) LocalEvent {
	local := LocalEvent{
		ID:          event.ID,
		EventTypeID: event.EventTypeID,
		CategoryKey: contentkey.NormalizeCategory(event.Category),
		TimestampMs: event.Timestamp.UTC().UnixMilli(),
		Category:    event.Category,
		SourceType:  event.SourceType,
		Mutability:  event.Mutability,
		Notes:       event.Notes,
		Version:     event.Version,
		Confirmed:   true,
		UpdatedAtMs: now,
	}
	if local.SourceType == "" {
		local.SourceType = syncwire.SourceTypeManual
	}
	if event.SourceID != "" {
		sourceID := event.SourceID
		local.SourceID = &sourceID
	}
	if len(event.Properties) > 0 {
		local.PropertiesJSON = string(event.Properties)
	}
	return local
}
