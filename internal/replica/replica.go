// Package replica keeps the client's local copy of canonical server state
// together with the change-log cursor it was built from.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/contentkey"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const changesCursorName = "changes"

var (
	ErrEventNotFound     = errors.New("local event not found")
	ErrInvalidEventID    = errors.New("event id is required")
	errMissingDatabase   = errors.New("database handle is required")
	errUnsupportedChange = errors.New("unsupported change entry")
	noOpLogger           = zap.NewNop()
)

// Config wires a Replica.
type Config struct {
	Database *gorm.DB
	UserID   string
	Window   contentkey.Window
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Replica is the client-side canonical store.
type Replica struct {
	db     *gorm.DB
	userID string
	window contentkey.Window
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a Replica.
func New(cfg Config) (*Replica, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Window.Tolerance <= 0 {
		cfg.Window = contentkey.NewWindow(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	return &Replica{
		db:     cfg.Database,
		userID: cfg.UserID,
		window: cfg.Window,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// RecordLocal stores a locally authored event that has not reached the server yet.
func (r *Replica) RecordLocal(ctx context.Context, id string, payload syncwire.EventPayload) (LocalEvent, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return LocalEvent{}, ErrInvalidEventID
	}
	event := fromPayload(id, payload, r.nowMs())
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&event).Error
	return event, err
}

// RemoveLocal drops a local event.
func (r *Replica) RemoveLocal(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&LocalEvent{}).Error
}

// Get loads one local event.
func (r *Replica) Get(ctx context.Context, id string) (LocalEvent, error) {
	var event LocalEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LocalEvent{}, ErrEventNotFound
	}
	return event, err
}

// List returns all local events ordered by timestamp.
func (r *Replica) List(ctx context.Context) ([]LocalEvent, error) {
	var events []LocalEvent
	err := r.db.WithContext(ctx).Order("timestamp_ms ASC, id ASC").Find(&events).Error
	return events, err
}

// Count returns the number of local events.
func (r *Replica) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&LocalEvent{}).Count(&count).Error
	return count, err
}

// ConfirmedCount returns the number of local events confirmed by the server.
func (r *Replica) ConfirmedCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&LocalEvent{}).Where("confirmed = ?", true).Count(&count).Error
	return count, err
}

// FindBySource looks an event up by its external identity.
func (r *Replica) FindBySource(ctx context.Context, sourceType, sourceID string) (LocalEvent, bool, error) {
	var event LocalEvent
	err := r.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LocalEvent{}, false, nil
	}
	if err != nil {
		return LocalEvent{}, false, err
	}
	return event, true, nil
}

// FindByContent returns the closest externally sourced event whose content
// key matches key within the tolerance window.
func (r *Replica) FindByContent(ctx context.Context, key contentkey.Key) (LocalEvent, bool, error) {
	lower, upper := r.window.Range(key.Timestamp)
	var candidates []LocalEvent
	err := r.db.WithContext(ctx).
		Where("event_type_id = ? AND category_key = ? AND timestamp_ms BETWEEN ? AND ? AND source_id IS NOT NULL",
			key.EventTypeID, contentkey.NormalizeCategory(key.Category), lower.UnixMilli(), upper.UnixMilli()).
		Find(&candidates).Error
	if err != nil {
		return LocalEvent{}, false, err
	}

	var (
		best      LocalEvent
		bestDelta int64 = -1
	)
	target := key.Timestamp.UTC().UnixMilli()
	for _, candidate := range candidates {
		if !r.window.Matches(candidate.ContentKey(key.UserID), key) {
			continue
		}
		delta := candidate.TimestampMs - target
		if delta < 0 {
			delta = -delta
		}
		if bestDelta < 0 || delta < bestDelta {
			best = candidate
			bestDelta = delta
		}
	}
	return best, bestDelta >= 0, nil
}

// ConfirmApplied marks a delivered mutation's entity as canonical. A nil
// entity (delete) removes the local copy.
func (r *Replica) ConfirmApplied(ctx context.Context, entityID string, entity *syncwire.Event) error {
	if entity == nil || entity.DeletedAt != nil {
		return r.RemoveLocal(ctx, entityID)
	}
	return r.upsertCanonical(r.db.WithContext(ctx), *entity)
}

// PruneDuplicate replaces a local event that lost a dedup race with the
// canonical entity the server resolved it to.
func (r *Replica) PruneDuplicate(ctx context.Context, localID string, canonical *syncwire.Event) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if canonical == nil {
			return nil
		}
		if canonical.ID != localID {
			if err := tx.Where("id = ?", localID).Delete(&LocalEvent{}).Error; err != nil {
				return err
			}
			r.logger.Info("pruned local duplicate",
				zap.String("local_id", localID),
				zap.String("canonical_id", canonical.ID))
		}
		if canonical.DeletedAt != nil {
			return tx.Where("id = ?", canonical.ID).Delete(&LocalEvent{}).Error
		}
		return r.upsertCanonical(tx, *canonical)
	})
}

// Cursor returns the last fully applied change-log cursor.
func (r *Replica) Cursor(ctx context.Context) (int64, error) {
	var cursor SyncCursor
	err := r.db.WithContext(ctx).Where("name = ?", changesCursorName).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cursor.Cursor, nil
}

// ApplyPage applies a page of change entries and advances the cursor in one
// transaction, so a cursor is only stored once every entry before it is applied.
func (r *Replica) ApplyPage(ctx context.Context, entries []syncwire.ChangeEntry, nextCursor int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, entry := range entries {
			if err := r.applyEntry(tx, entry); err != nil {
				return fmt.Errorf("apply change %d: %w", entry.Cursor, err)
			}
		}
		return r.setCursor(tx, nextCursor)
	})
}

// ReplaceAll swaps confirmed local state for a full export. Events still
// awaiting delivery are kept.
func (r *Replica) ReplaceAll(ctx context.Context, events []syncwire.Event, cursor int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("confirmed = ?", true).Delete(&LocalEvent{}).Error; err != nil {
			return err
		}
		for _, event := range events {
			if event.DeletedAt != nil {
				continue
			}
			if err := r.upsertCanonical(tx, event); err != nil {
				return err
			}
		}
		return r.setCursor(tx, cursor)
	})
}

func (r *Replica) applyEntry(tx *gorm.DB, entry syncwire.ChangeEntry) error {
	if entry.EntityType != syncwire.EntityTypeEvent {
		return fmt.Errorf("%w: entity type %q", errUnsupportedChange, entry.EntityType)
	}
	switch entry.Operation {
	case syncwire.OperationDelete:
		return tx.Where("id = ?", entry.EntityID).Delete(&LocalEvent{}).Error
	case syncwire.OperationCreate, syncwire.OperationUpdate:
		var event syncwire.Event
		if err := json.Unmarshal(entry.Data, &event); err != nil {
			return fmt.Errorf("decode change data: %w", err)
		}
		if event.ID == "" {
			event.ID = entry.EntityID
		}
		return r.upsertCanonical(tx, event)
	default:
		return fmt.Errorf("%w: operation %q", errUnsupportedChange, entry.Operation)
	}
}

func (r *Replica) upsertCanonical(tx *gorm.DB, event syncwire.Event) error {
	local := fromWire(event, r.nowMs())
	return tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(&local).Error
}

func (r *Replica) setCursor(tx *gorm.DB, cursor int64) error {
	record := SyncCursor{Name: changesCursorName, Cursor: cursor, UpdatedAtMs: r.nowMs()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at_ms"}),
	}).Create(&record).Error
}

func (r *Replica) nowMs() int64 {
	return r.clock().UTC().UnixMilli()
}
