package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/classifier"
	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/MarcoPoloResearchLab/tally/internal/metrics"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrStoreClosed       = errors.New("mutation store is closed")
	ErrMutationNotFound  = errors.New("mutation not found")
	ErrNotPending        = errors.New("mutation is not pending")
	ErrNotCancellable    = errors.New("mutation is in flight and cannot be cancelled")
	errMissingDatabase   = errors.New("database handle is required")
	errUnknownTransition = errors.New("unknown transition action")
	noOpLogger           = zap.NewNop()
)

// StoreConfig wires a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Keys       idempotency.Generator
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store is the persistent queue of local mutations. It is owned by one client
// session: Open it at start, Close it at shutdown.
type Store struct {
	db     *gorm.DB
	keys   idempotency.Generator
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger

	mu           sync.Mutex
	closed       bool
	reservations map[string]*reservation
	inProgress   sync.WaitGroup
}

type reservation struct {
	done   chan struct{}
	handle Handle
	err    error
}

// Open prepares the store and returns in_flight rows left by a crashed
// session to pending; their outcome was never interpreted and resending
// them with the same key is safe.
func Open(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Keys == nil {
		cfg.Keys = idempotency.NewUUIDGenerator()
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = NewUUIDProvider()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}

	store := &Store{
		db:           cfg.Database,
		keys:         cfg.Keys,
		ids:          cfg.IDProvider,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		reservations: make(map[string]*reservation),
	}

	result := store.db.WithContext(ctx).
		Model(&PendingMutation{}).
		Where("status = ?", StatusInFlight).
		Updates(map[string]any{"status": StatusPending, "updated_at_ms": store.nowMs()})
	if result.Error != nil {
		return nil, fmt.Errorf("recover in-flight mutations: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		store.logger.Info("recovered in-flight mutations", zap.Int64("count", result.RowsAffected))
	}
	return store, nil
}

// Close rejects further enqueues and waits for enqueues already started.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.inProgress.Wait()
	return nil
}

// Enqueue persists a mutation with a fresh idempotency key. A create for an
// entity that already has a queued create returns that mutation's handle
// with Duplicate set; the reservation is taken before any storage access so
// concurrent callers cannot both pass the existence check.
func (s *Store) Enqueue(ctx context.Context, request EnqueueRequest) (Handle, error) {
	request, err := request.normalized()
	if err != nil {
		return Handle{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Handle{}, ErrStoreClosed
	}
	if request.Operation != syncwire.OperationCreate {
		s.inProgress.Add(1)
		s.mu.Unlock()
		defer s.inProgress.Done()
		return s.insert(ctx, request, nil)
	}

	claim := createClaimFor(request.EntityType, request.EntityID)
	if existing, ok := s.reservations[claim]; ok {
		s.mu.Unlock()
		select {
		case <-existing.done:
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		}
		if existing.err != nil {
			return Handle{}, existing.err
		}
		handle := existing.handle
		handle.Duplicate = true
		return handle, nil
	}
	pending := &reservation{done: make(chan struct{})}
	s.reservations[claim] = pending
	s.inProgress.Add(1)
	s.mu.Unlock()

	pending.handle, pending.err = s.insertCreate(ctx, request, claim)

	s.mu.Lock()
	delete(s.reservations, claim)
	s.mu.Unlock()
	close(pending.done)
	s.inProgress.Done()

	return pending.handle, pending.err
}

func (s *Store) insertCreate(ctx context.Context, request EnqueueRequest, claim string) (Handle, error) {
	existing, found, err := s.findByClaim(ctx, claim)
	if err != nil {
		return Handle{}, err
	}
	if found {
		return handleFor(existing, true), nil
	}

	handle, err := s.insert(ctx, request, &claim)
	if err != nil && classifier.IsUniqueViolation(err) {
		existing, found, lookupErr := s.findByClaim(ctx, claim)
		if lookupErr == nil && found {
			return handleFor(existing, true), nil
		}
	}
	return handle, err
}

func (s *Store) findByClaim(ctx context.Context, claim string) (PendingMutation, bool, error) {
	var existing PendingMutation
	err := s.db.WithContext(ctx).Where("create_claim = ?", claim).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingMutation{}, false, nil
	}
	if err != nil {
		return PendingMutation{}, false, err
	}
	return existing, true, nil
}

func (s *Store) insert(ctx context.Context, request EnqueueRequest, claim *string) (Handle, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Handle{}, fmt.Errorf("generate mutation id: %w", err)
	}
	key, err := s.keys.NewKey()
	if err != nil {
		return Handle{}, fmt.Errorf("generate idempotency key: %w", err)
	}

	payloadJSON := ""
	if request.Payload != nil {
		encoded, err := json.Marshal(request.Payload)
		if err != nil {
			return Handle{}, fmt.Errorf("encode payload: %w", err)
		}
		payloadJSON = string(encoded)
	}

	now := s.nowMs()
	mutation := PendingMutation{
		ID:             id,
		EntityType:     request.EntityType,
		Operation:      string(request.Operation),
		EntityID:       request.EntityID,
		PayloadJSON:    payloadJSON,
		IdempotencyKey: key.String(),
		Status:         StatusPending,
		CreateClaim:    claim,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
	}
	if err := s.db.WithContext(ctx).Create(&mutation).Error; err != nil {
		return Handle{}, err
	}

	s.logger.Debug("mutation enqueued",
		zap.String("mutation_id", mutation.ID),
		zap.String("operation", mutation.Operation),
		zap.String("entity_id", mutation.EntityID))
	return handleFor(mutation, false), nil
}

// Get loads one mutation by id.
func (s *Store) Get(ctx context.Context, id string) (PendingMutation, error) {
	var mutation PendingMutation
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&mutation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingMutation{}, ErrMutationNotFound
	}
	return mutation, err
}

// Due returns the pending mutations eligible for delivery at now, in creation
// order. A mutation is held back while an earlier mutation of the same entity
// is in flight or still waiting out its backoff.
func (s *Store) Due(ctx context.Context, now time.Time) ([]PendingMutation, error) {
	nowMs := now.UnixMilli()
	var mutations []PendingMutation
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at_ms <= ?", StatusPending, nowMs).
		Where(`NOT EXISTS (
			SELECT 1 FROM pending_mutations AS head
			WHERE head.entity_type = pending_mutations.entity_type
			  AND head.entity_id = pending_mutations.entity_id
			  AND head.seq < pending_mutations.seq
			  AND (head.status = ? OR (head.status = ? AND head.next_attempt_at_ms > ?))
		)`, StatusInFlight, StatusPending, nowMs).
		Order("seq ASC").
		Find(&mutations).Error
	return mutations, err
}

// List returns mutations in creation order, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]PendingMutation, error) {
	query := s.db.WithContext(ctx).Order("seq ASC")
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	var mutations []PendingMutation
	err := query.Find(&mutations).Error
	return mutations, err
}

// Failed returns mutations parked for manual review.
func (s *Store) Failed(ctx context.Context) ([]PendingMutation, error) {
	return s.List(ctx, StatusFailedTerminal)
}

// Depth counts mutations that still await delivery and publishes the gauge.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&PendingMutation{}).
		Where("status IN ?", []Status{StatusPending, StatusInFlight}).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	metrics.QueueDepth.Set(float64(count))
	return count, nil
}

// MarkInFlight commits the mutation to a network attempt. After this call the
// mutation can no longer be cancelled.
func (s *Store) MarkInFlight(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&PendingMutation{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{"status": StatusInFlight, "updated_at_ms": s.nowMs()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// Settle persists the result of a transition for an in-flight mutation.
func (s *Store) Settle(ctx context.Context, id string, next State, action Action) error {
	switch action {
	case ActionRemove:
		return s.db.WithContext(ctx).Where("id = ?", id).Delete(&PendingMutation{}).Error
	case ActionReschedule, ActionFail:
		var nextAttemptAtMs int64
		if !next.NextAttemptAt.IsZero() {
			nextAttemptAtMs = next.NextAttemptAt.UnixMilli()
		}
		result := s.db.WithContext(ctx).
			Model(&PendingMutation{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":             next.Status,
				"attempts":           next.Attempts,
				"next_attempt_at_ms": nextAttemptAtMs,
				"last_error":         next.LastError,
				"last_error_code":    next.LastErrorCode,
				"updated_at_ms":      s.nowMs(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrMutationNotFound
		}
		return nil
	default:
		return errUnknownTransition
	}
}

// Cancel removes a mutation that has not entered flight. Failed mutations
// may be dismissed the same way.
func (s *Store) Cancel(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusFailedTerminal}).
		Delete(&PendingMutation{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}

func (s *Store) nowMs() int64 {
	return s.clock().UTC().UnixMilli()
}
