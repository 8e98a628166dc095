package changelog

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
)

// Entry is one append-only change-log row. Cursor values are assigned by the
// database and form a single total order across users.
type Entry struct {
	Cursor      int64   `gorm:"column:cursor;primaryKey;autoIncrement"`
	UserID      string  `gorm:"column:user_id;size:190;not null;index:idx_change_log_user_cursor,priority:1;index:idx_change_log_entity,priority:1"`
	EntityType  string  `gorm:"column:entity_type;size:64;not null;index:idx_change_log_entity,priority:2"`
	Operation   string  `gorm:"column:operation;size:16;not null"`
	EntityID    string  `gorm:"column:entity_id;size:190;not null;index:idx_change_log_entity,priority:3"`
	DataJSON    *string `gorm:"column:data_json;type:text"`
	DeletedAtMs *int64  `gorm:"column:deleted_at_ms"`
	CreatedAtMs int64   `gorm:"column:created_at_ms;not null;index:idx_change_log_user_cursor,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "change_log"
}

// Wire converts the entry into its feed representation.
func (e Entry) Wire() syncwire.ChangeEntry {
	entry := syncwire.ChangeEntry{
		Cursor:     e.Cursor,
		EntityType: e.EntityType,
		Operation:  syncwire.Operation(e.Operation),
		EntityID:   e.EntityID,
		CreatedAt:  time.UnixMilli(e.CreatedAtMs).UTC(),
	}
	if e.DataJSON != nil {
		entry.Data = json.RawMessage(*e.DataJSON)
	}
	if e.DeletedAtMs != nil {
		deletedAt := time.UnixMilli(*e.DeletedAtMs).UTC()
		entry.DeletedAt = &deletedAt
	}
	return entry
}

// Input describes an entry to append.
type Input struct {
	UserID     string
	EntityType string
	Operation  syncwire.Operation
	EntityID   string
	Data       json.RawMessage
	DeletedAt  *time.Time
	CreatedAt  time.Time
}

// Page is one slice of the change feed.
type Page struct {
	Entries    []Entry
	NextCursor int64
	HasMore    bool
}

// Wire converts the page into its feed representation.
func (p Page) Wire() syncwire.ChangeFeed {
	changes := make([]syncwire.ChangeEntry, 0, len(p.Entries))
	for _, entry := range p.Entries {
		changes = append(changes, entry.Wire())
	}
	return syncwire.ChangeFeed{
		Changes:    changes,
		NextCursor: p.NextCursor,
		HasMore:    p.HasMore,
	}
}
