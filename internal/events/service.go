// Package events owns canonical event records and resolves incoming mutations
// against them: idempotency key first, then entity identity, then external
// source identity, then content, and only then a create.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/changelog"
	"github.com/MarcoPoloResearchLab/tally/internal/claims"
	"github.com/MarcoPoloResearchLab/tally/internal/classifier"
	"github.com/MarcoPoloResearchLab/tally/internal/contentkey"
	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/MarcoPoloResearchLab/tally/internal/metrics"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingChangeLog = errors.New("change log repository is required")
	errMissingUserID    = errors.New("user identifier is required")
	errConcurrentWrite  = errors.New("concurrent write for the same record")
	noOpLogger          = zap.NewNop()
)

const (
	defaultClaimTTL  = 10 * time.Second
	defaultClaimWait = 3 * time.Second
	// A unique violation means a concurrent request committed first; the retry resolves against it.
	maxApplyAttempts = 2
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "events.service.new"
	opApplyMutation = "events.apply_mutation"
	opBootstrap     = "events.bootstrap"
	opSyncStatus    = "events.sync_status"
	claimNamePrefix = "events"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ChangeNotifier is told about every committed change-log entry.
type ChangeNotifier interface {
	NotifyChange(userID string, entityIDs []string, cursor int64)
}

type ServiceConfig struct {
	Database  *gorm.DB
	ChangeLog *changelog.Repository
	Claimer   claims.Claimer
	Window    contentkey.Window
	ClaimTTL  time.Duration
	ClaimWait time.Duration
	// RequireUUIDv7 rejects client-assigned entity ids that are not UUIDv7.
	RequireUUIDv7 bool
	Notifier      ChangeNotifier
	Clock         func() time.Time
	Logger        *zap.Logger
}

type Service struct {
	db            *gorm.DB
	changes       *changelog.Repository
	claimer       claims.Claimer
	window        contentkey.Window
	claimTTL      time.Duration
	claimWait     time.Duration
	requireUUIDv7 bool
	notifier      ChangeNotifier
	clock         func() time.Time
	logger        *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.ChangeLog == nil {
		return nil, newServiceError(opServiceNew, "missing_change_log", errMissingChangeLog)
	}

	claimer := cfg.Claimer
	if claimer == nil {
		claimer = claims.NewLocalClaimer()
	}
	window := cfg.Window
	if window.Tolerance <= 0 {
		window = contentkey.NewWindow(contentkey.DefaultTolerance)
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	claimWait := cfg.ClaimWait
	if claimWait <= 0 {
		claimWait = defaultClaimWait
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:            cfg.Database,
		changes:       cfg.ChangeLog,
		claimer:       claimer,
		window:        window,
		claimTTL:      claimTTL,
		claimWait:     claimWait,
		requireUUIDv7: cfg.RequireUUIDv7,
		notifier:      cfg.Notifier,
		clock:         clock,
		logger:        logger,
	}, nil
}

// ApplyMutation resolves one mutation and records its effect at most once.
func (s *Service) ApplyMutation(ctx context.Context, request MutationRequest) (Resolution, error) {
	payload, err := s.validate(request)
	if err != nil {
		return Resolution{}, newServiceError(opApplyMutation, "invalid_request", err)
	}

	if request.Operation == syncwire.OperationCreate && payload.SourceID != "" {
		names := s.window.ClaimNames(contentKeyOf(request.UserID.String(), payload))
		for index := range names {
			names[index] = claimNamePrefix + ":" + names[index]
		}
		held, err := claims.AcquireAll(ctx, s.claimer, names, s.claimTTL, s.claimWait)
		if err != nil {
			s.logError(opApplyMutation, "content_claim_failed", err,
				zap.String("user_id", request.UserID.String()),
				zap.String("entity_id", request.EntityID.String()))
			return Resolution{}, newServiceError(opApplyMutation, "content_claim_failed", err)
		}
		defer func() {
			if releaseErr := held.Release(context.WithoutCancel(ctx)); releaseErr != nil {
				s.logger.Warn("content claim release failed", zap.Error(releaseErr))
			}
		}()
	}

	var resolution Resolution
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		resolution, err = s.applyOnce(ctx, request, payload)
		if err == nil || !errors.Is(err, errConcurrentWrite) || attempt == maxApplyAttempts {
			break
		}
		s.logger.Debug("retrying mutation after concurrent write",
			zap.String("user_id", request.UserID.String()),
			zap.String("idempotency_key", request.IdempotencyKey.String()))
	}
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return Resolution{}, err
		}
		reason := "transaction_failed"
		if errors.Is(err, ErrKeyCollision) {
			reason = "key_collision"
		} else if errors.Is(err, ErrEntityNotFound) {
			reason = "entity_not_found"
		} else if errors.Is(err, changelog.ErrHistoryViolation) {
			reason = "history_violation"
		}
		s.logError(opApplyMutation, reason, err,
			zap.String("user_id", request.UserID.String()),
			zap.String("entity_id", request.EntityID.String()),
			zap.String("idempotency_key", request.IdempotencyKey.String()))
		return Resolution{}, newServiceError(opApplyMutation, reason, err)
	}

	metrics.ResolutionsTotal.WithLabelValues(string(request.Operation), string(resolution.Kind)).Inc()
	if resolution.Cursor > 0 && s.notifier != nil {
		s.notifier.NotifyChange(request.UserID.String(), []string{resolution.Event.ID}, resolution.Cursor)
	}
	return resolution, nil
}

func (s *Service) validate(request MutationRequest) (syncwire.EventPayload, error) {
	if request.UserID == "" {
		return syncwire.EventPayload{}, errMissingUserID
	}
	if request.EntityType != syncwire.EntityTypeEvent {
		return syncwire.EventPayload{}, fmt.Errorf("%w: %q", ErrUnsupportedEntityType, request.EntityType)
	}
	if !request.Operation.Valid() {
		return syncwire.EventPayload{}, fmt.Errorf("%w: %q", ErrInvalidOperation, request.Operation)
	}
	if _, err := idempotency.NewKey(request.IdempotencyKey.String()); err != nil {
		return syncwire.EventPayload{}, err
	}
	if _, err := NewEntityID(request.EntityID.String()); err != nil {
		return syncwire.EventPayload{}, err
	}
	if s.requireUUIDv7 && request.Operation == syncwire.OperationCreate {
		if err := idempotency.ValidateUUIDv7(request.EntityID.String(), s.clock()); err != nil {
			return syncwire.EventPayload{}, fmt.Errorf("%w: %v", ErrInvalidEntityID, err)
		}
	}
	if request.Operation == syncwire.OperationDelete {
		return syncwire.EventPayload{}, nil
	}
	return normalizePayload(request.Payload)
}

func (s *Service) applyOnce(ctx context.Context, request MutationRequest, payload syncwire.EventPayload) (Resolution, error) {
	var resolution Resolution
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appliedAt := s.clock().UTC()

		replayed, found, err := s.matchKey(tx, request)
		if err != nil {
			return err
		}
		if found {
			resolution = replayed
			return nil
		}

		var outcome dedupOutcome
		var matchedBy MatchKind
		switch request.Operation {
		case syncwire.OperationCreate:
			outcome, matchedBy, err = s.resolveCreate(tx, request, payload, appliedAt)
		case syncwire.OperationUpdate:
			outcome, matchedBy, err = s.resolveUpdate(tx, request, payload, appliedAt)
		case syncwire.OperationDelete:
			outcome, matchedBy, err = s.resolveDelete(tx, request, appliedAt)
		}
		if err != nil {
			return err
		}

		cursor, err := s.persist(tx, request, outcome, matchedBy, appliedAt)
		if err != nil {
			return err
		}

		resolution = Resolution{Kind: outcome.Kind, MatchedBy: matchedBy, Cursor: cursor}
		if outcome.Event.ID != "" {
			event := outcome.Event
			resolution.Event = &event
		}
		return nil
	})
	if txErr != nil {
		if classifier.IsUniqueViolation(txErr) {
			return Resolution{}, fmt.Errorf("%w: %v", errConcurrentWrite, txErr)
		}
		return Resolution{}, txErr
	}
	return resolution, nil
}

func (s *Service) matchKey(tx *gorm.DB, request MutationRequest) (Resolution, bool, error) {
	var record IdempotencyRecord
	err := tx.Where("user_id = ? AND idempotency_key = ?", request.UserID.String(), request.IdempotencyKey.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, newServiceError(opApplyMutation, "key_select_failed", err)
	}
	if record.Fingerprint != request.Fingerprint() {
		return Resolution{}, false, fmt.Errorf("%w: key %s was first used for entity %s, now for entity %s (%s)",
			ErrKeyCollision, record.Key, record.EntityID, request.EntityID, request.Operation)
	}

	resolution := Resolution{Kind: ResolutionDuplicate, MatchedBy: MatchKey, Replayed: true}
	existing, found, err := findByID(tx, request.UserID.String(), record.EntityID)
	if err != nil {
		return Resolution{}, false, newServiceError(opApplyMutation, "event_select_failed", err)
	}
	if found {
		resolution.Event = &existing
	}
	return resolution, true, nil
}

func (s *Service) resolveCreate(tx *gorm.DB, request MutationRequest, payload syncwire.EventPayload, appliedAt time.Time) (dedupOutcome, MatchKind, error) {
	userID := request.UserID.String()

	existing, found, err := findByID(tx, userID, request.EntityID.String())
	if err != nil {
		return dedupOutcome{}, MatchNone, newServiceError(opApplyMutation, "event_select_failed", err)
	}
	if found {
		return resolveDuplicateCreate(existing, payload, appliedAt), MatchIdentity, nil
	}

	if payload.SourceID != "" {
		var bySource Event
		err := tx.Where("user_id = ? AND source_type = ? AND source_id = ?", userID, payload.SourceType, payload.SourceID).
			Take(&bySource).Error
		if err == nil {
			return resolveDuplicateCreate(bySource, payload, appliedAt), MatchSource, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return dedupOutcome{}, MatchNone, newServiceError(opApplyMutation, "source_select_failed", err)
		}

		key := contentKeyOf(userID, payload)
		lower, upper := s.window.Range(payload.Timestamp)
		var candidates []Event
		if err := tx.Where("user_id = ? AND event_type_id = ? AND source_id IS NOT NULL AND timestamp_ms BETWEEN ? AND ?",
			userID, payload.EventTypeID, lower.UnixMilli(), upper.UnixMilli()).
			Find(&candidates).Error; err != nil {
			return dedupOutcome{}, MatchNone, newServiceError(opApplyMutation, "content_select_failed", err)
		}
		if match := closestContentMatch(s.window, key, payload.SourceID, candidates); match != nil {
			return resolveDuplicateCreate(*match, payload, appliedAt), MatchContent, nil
		}
	}

	created := newEvent(request.UserID, request.EntityID, payload, appliedAt)
	return dedupOutcome{Kind: ResolutionCreated, Event: created, LogOperation: syncwire.OperationCreate}, MatchNone, nil
}

func (s *Service) resolveUpdate(tx *gorm.DB, request MutationRequest, payload syncwire.EventPayload, appliedAt time.Time) (dedupOutcome, MatchKind, error) {
	existing, found, err := findByID(tx, request.UserID.String(), request.EntityID.String())
	if err != nil {
		return dedupOutcome{}, MatchNone, newServiceError(opApplyMutation, "event_select_failed", err)
	}
	if !found {
		return dedupOutcome{}, MatchNone, fmt.Errorf("%w: %s", ErrEntityNotFound, request.EntityID)
	}
	return resolveUpdate(existing, payload, appliedAt), MatchIdentity, nil
}

func (s *Service) resolveDelete(tx *gorm.DB, request MutationRequest, appliedAt time.Time) (dedupOutcome, MatchKind, error) {
	existing, found, err := findByID(tx, request.UserID.String(), request.EntityID.String())
	if err != nil {
		return dedupOutcome{}, MatchNone, newServiceError(opApplyMutation, "event_select_failed", err)
	}
	if !found {
		return dedupOutcome{Kind: ResolutionDuplicate}, MatchNone, nil
	}
	return resolveDelete(existing, appliedAt), MatchIdentity, nil
}

func (s *Service) persist(tx *gorm.DB, request MutationRequest, outcome dedupOutcome, matchedBy MatchKind, appliedAt time.Time) (int64, error) {
	var cursor int64
	if outcome.appendsChange() {
		var err error
		if outcome.LogOperation == syncwire.OperationCreate {
			err = tx.Create(&outcome.Event).Error
		} else {
			err = tx.Save(&outcome.Event).Error
		}
		if err != nil {
			return 0, err
		}

		input := changelog.Input{
			UserID:     outcome.Event.UserID,
			EntityType: syncwire.EntityTypeEvent,
			Operation:  outcome.LogOperation,
			EntityID:   outcome.Event.ID,
			CreatedAt:  appliedAt,
		}
		if outcome.LogOperation == syncwire.OperationDelete {
			deletedAt := time.UnixMilli(*outcome.Event.DeletedAtMs).UTC()
			input.DeletedAt = &deletedAt
		} else {
			data, err := json.Marshal(outcome.Event.Wire())
			if err != nil {
				return 0, newServiceError(opApplyMutation, "encode_failed", err)
			}
			input.Data = data
		}
		entry, err := s.changes.Append(tx, input)
		if err != nil {
			return 0, err
		}
		cursor = entry.Cursor
	}

	entityID := outcome.Event.ID
	if entityID == "" {
		entityID = request.EntityID.String()
	}
	record := IdempotencyRecord{
		UserID:      request.UserID.String(),
		Key:         request.IdempotencyKey.String(),
		Fingerprint: request.Fingerprint(),
		EntityID:    entityID,
		Resolution:  string(outcome.Kind),
		CreatedAtMs: appliedAt.UnixMilli(),
	}
	if err := tx.Create(&record).Error; err != nil {
		return 0, err
	}

	s.logger.Debug("mutation resolved",
		zap.String("user_id", request.UserID.String()),
		zap.String("entity_id", entityID),
		zap.String("operation", string(request.Operation)),
		zap.String("resolution", string(outcome.Kind)),
		zap.String("matched_by", string(matchedBy)),
		zap.Int64("cursor", cursor))
	return cursor, nil
}

// Bootstrap returns every live event of the user together with the cursor the
// export is consistent with.
func (s *Service) Bootstrap(ctx context.Context, userID UserID) (syncwire.Bootstrap, error) {
	if userID == "" {
		s.logError(opBootstrap, "missing_user_id", errMissingUserID)
		return syncwire.Bootstrap{}, newServiceError(opBootstrap, "missing_user_id", errMissingUserID)
	}

	var export syncwire.Bootstrap
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cursor, err := changelog.LatestCursor(tx, userID.String())
		if err != nil {
			return err
		}
		var live []Event
		if err := tx.Where("user_id = ? AND deleted_at_ms IS NULL", userID.String()).
			Order("timestamp_ms ASC, id ASC").
			Find(&live).Error; err != nil {
			return err
		}
		export.Cursor = cursor
		export.Events = make([]syncwire.Event, 0, len(live))
		for _, event := range live {
			export.Events = append(export.Events, event.Wire())
		}
		return nil
	})
	if txErr != nil {
		s.logError(opBootstrap, "query_failed", txErr, zap.String("user_id", userID.String()))
		return syncwire.Bootstrap{}, newServiceError(opBootstrap, "query_failed", txErr)
	}
	return export, nil
}

// SyncStatus reports the latest cursor and whether a client should resync.
// A user with live data but no change-log history was populated outside the
// log, so incremental pulls cannot reconstruct it.
func (s *Service) SyncStatus(ctx context.Context, userID UserID) (syncwire.SyncStatus, error) {
	if userID == "" {
		s.logError(opSyncStatus, "missing_user_id", errMissingUserID)
		return syncwire.SyncStatus{}, newServiceError(opSyncStatus, "missing_user_id", errMissingUserID)
	}
	db := s.db.WithContext(ctx)
	cursor, err := changelog.LatestCursor(db, userID.String())
	if err != nil {
		s.logError(opSyncStatus, "cursor_query_failed", err, zap.String("user_id", userID.String()))
		return syncwire.SyncStatus{}, newServiceError(opSyncStatus, "cursor_query_failed", err)
	}
	var count int64
	if err := db.Model(&Event{}).Where("user_id = ? AND deleted_at_ms IS NULL", userID.String()).Count(&count).Error; err != nil {
		s.logError(opSyncStatus, "count_failed", err, zap.String("user_id", userID.String()))
		return syncwire.SyncStatus{}, newServiceError(opSyncStatus, "count_failed", err)
	}
	status := syncwire.SyncStatus{LatestCursor: cursor, EventCount: count, Status: syncwire.SyncStatusAllSynced}
	if cursor == 0 && count > 0 {
		status.Status = syncwire.SyncStatusResyncRecommended
	}
	return status, nil
}

func findByID(tx *gorm.DB, userID, entityID string) (Event, bool, error) {
	var event Event
	err := tx.Where("user_id = ? AND id = ?", userID, entityID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return event, true, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("events service error", attrs...)
}
