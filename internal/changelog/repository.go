// Package changelog stores the append-only per-user change log and serves the
// cursor feed used for pull replication.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tally/internal/metrics"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"gorm.io/gorm"
)

const (
	// DefaultPageSize is used when a caller asks for a non-positive limit.
	DefaultPageSize = 100
	// MaxPageSize caps a single feed page.
	MaxPageSize = 500
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrHistoryViolation indicates an append that would break per-entity history ordering.
	ErrHistoryViolation = errors.New("changelog: entity history violation")
	// ErrInvalidCursor indicates a negative cursor.
	ErrInvalidCursor = errors.New("changelog: invalid cursor")
	// ErrInvalidInput indicates an entry without user, entity or operation.
	ErrInvalidInput = errors.New("changelog: invalid entry")
)

// Repository reads and appends change-log entries.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a Repository.
func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Repository{db: db}, nil
}

// Append writes one entry inside tx. The first entry of an entity must be a
// create, creates happen once, and nothing follows a delete.
func (r *Repository) Append(tx *gorm.DB, input Input) (Entry, error) {
	if strings.TrimSpace(input.UserID) == "" || strings.TrimSpace(input.EntityID) == "" || strings.TrimSpace(input.EntityType) == "" {
		return Entry{}, ErrInvalidInput
	}
	if !input.Operation.Valid() {
		return Entry{}, fmt.Errorf("%w: operation %q", ErrInvalidInput, input.Operation)
	}

	var previous Entry
	err := tx.Where("user_id = ? AND entity_type = ? AND entity_id = ?", input.UserID, input.EntityType, input.EntityID).
		Order("cursor DESC").
		Take(&previous).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if input.Operation != syncwire.OperationCreate {
			return Entry{}, fmt.Errorf("%w: %s %s before create", ErrHistoryViolation, input.Operation, input.EntityID)
		}
	case err != nil:
		return Entry{}, err
	default:
		if previous.Operation == string(syncwire.OperationDelete) {
			return Entry{}, fmt.Errorf("%w: %s %s after delete", ErrHistoryViolation, input.Operation, input.EntityID)
		}
		if input.Operation == syncwire.OperationCreate {
			return Entry{}, fmt.Errorf("%w: second create for %s", ErrHistoryViolation, input.EntityID)
		}
	}

	entry := Entry{
		UserID:      input.UserID,
		EntityType:  input.EntityType,
		Operation:   string(input.Operation),
		EntityID:    input.EntityID,
		CreatedAtMs: input.CreatedAt.UnixMilli(),
	}
	if len(input.Data) > 0 && input.Operation != syncwire.OperationDelete {
		data := string(input.Data)
		entry.DataJSON = &data
	}
	if input.Operation == syncwire.OperationDelete {
		deletedAt := input.CreatedAt
		if input.DeletedAt != nil {
			deletedAt = *input.DeletedAt
		}
		deletedAtMs := deletedAt.UnixMilli()
		entry.DeletedAtMs = &deletedAtMs
	}
	if err := tx.Create(&entry).Error; err != nil {
		return Entry{}, err
	}
	metrics.ChangeLogAppendsTotal.WithLabelValues(entry.Operation).Inc()
	return entry, nil
}

// GetSince returns entries for userID strictly after cursor, oldest first.
// NextCursor is the last returned cursor, or the input cursor for an empty page.
func (r *Repository) GetSince(ctx context.Context, userID string, cursor int64, limit int) (Page, error) {
	if cursor < 0 {
		return Page{}, fmt.Errorf("%w: %d", ErrInvalidCursor, cursor)
	}
	limit = clampLimit(limit)

	var entries []Entry
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND cursor > ?", userID, cursor).
		Order("cursor ASC").
		Limit(limit + 1).
		Find(&entries).Error; err != nil {
		return Page{}, err
	}

	page := Page{NextCursor: cursor}
	if len(entries) > limit {
		page.HasMore = true
		entries = entries[:limit]
	}
	page.Entries = entries
	if len(entries) > 0 {
		page.NextCursor = entries[len(entries)-1].Cursor
	}
	return page, nil
}

// GetLatestCursor returns the highest cursor recorded for userID, or 0.
func (r *Repository) GetLatestCursor(ctx context.Context, userID string) (int64, error) {
	return LatestCursor(r.db.WithContext(ctx), userID)
}

// LatestCursor reads the highest cursor for userID through db, which may be a transaction.
func LatestCursor(db *gorm.DB, userID string) (int64, error) {
	var latest int64
	if err := db.Model(&Entry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(MAX(cursor), 0)").
		Scan(&latest).Error; err != nil {
		return 0, err
	}
	return latest, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
