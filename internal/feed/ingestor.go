// Package feed adapts external sources such as sensor feeds into queued
// mutations, dropping records the client already holds unless they correct
// a mutable event.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/claims"
	"github.com/MarcoPoloResearchLab/tally/internal/contentkey"
	"github.com/MarcoPoloResearchLab/tally/internal/metrics"
	"github.com/MarcoPoloResearchLab/tally/internal/queue"
	"github.com/MarcoPoloResearchLab/tally/internal/replica"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"go.uber.org/zap"
)

const (
	defaultBufferSize = 256
	defaultClaimTTL   = 10 * time.Second
	defaultClaimWait  = 2 * time.Second
)

// Ingestion results.
const (
	ResultEnqueued         = "enqueued"
	ResultDuplicateSource  = "duplicate_source"
	ResultDuplicateContent = "duplicate_content"
	ResultMerged           = "merged"
	ResultFailed           = "failed"
)

var (
	ErrIngestorClosed = errors.New("ingestor is closed")
	errMissingQueue   = errors.New("mutation queue is required")
	errMissingLocal   = errors.New("local index is required")
	noOpLogger        = zap.NewNop()
)

// Enqueuer accepts new local mutations.
type Enqueuer interface {
	Enqueue(ctx context.Context, request queue.EnqueueRequest) (queue.Handle, error)
}

// LocalIndex answers existence questions about locally held events.
type LocalIndex interface {
	FindBySource(ctx context.Context, sourceType, sourceID string) (replica.LocalEvent, bool, error)
	FindByContent(ctx context.Context, key contentkey.Key) (replica.LocalEvent, bool, error)
	RecordLocal(ctx context.Context, id string, payload syncwire.EventPayload) (replica.LocalEvent, error)
}

// Result reports how one record was handled.
type Result struct {
	Record   Record
	Result   string
	EntityID string
	Err      error
}

// Config wires an Ingestor.
type Config struct {
	Queue      Enqueuer
	Local      LocalIndex
	Claimer    claims.Claimer
	Window     contentkey.Window
	UserID     string
	IDProvider queue.IDProvider
	BufferSize int
	ClaimTTL   time.Duration
	ClaimWait  time.Duration
	OnResult   func(Result)
	Logger     *zap.Logger
}

// Ingestor buffers external records on a bounded channel and processes them
// on a single consumer goroutine.
type Ingestor struct {
	queue     Enqueuer
	local     LocalIndex
	claimer   claims.Claimer
	window    contentkey.Window
	userID    string
	ids       queue.IDProvider
	claimTTL  time.Duration
	claimWait time.Duration
	onResult  func(Result)
	logger    *zap.Logger

	records   chan Record
	done      chan struct{}
	closeOnce sync.Once
}

// NewIngestor constructs an Ingestor.
func NewIngestor(cfg Config) (*Ingestor, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Local == nil {
		return nil, errMissingLocal
	}
	if cfg.Claimer == nil {
		cfg.Claimer = claims.NewLocalClaimer()
	}
	if cfg.Window.Tolerance <= 0 {
		cfg.Window = contentkey.NewWindow(0)
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = queue.NewUUIDProvider()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = defaultClaimTTL
	}
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = defaultClaimWait
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	return &Ingestor{
		queue:     cfg.Queue,
		local:     cfg.Local,
		claimer:   cfg.Claimer,
		window:    cfg.Window,
		userID:    cfg.UserID,
		ids:       cfg.IDProvider,
		claimTTL:  cfg.ClaimTTL,
		claimWait: cfg.ClaimWait,
		onResult:  cfg.OnResult,
		logger:    cfg.Logger,
		records:   make(chan Record, cfg.BufferSize),
		done:      make(chan struct{}),
	}, nil
}

// Submit validates the record and hands it to the consumer. It blocks while
// the buffer is full.
func (i *Ingestor) Submit(ctx context.Context, record Record) error {
	if err := record.Validate(); err != nil {
		metrics.FeedRecordsTotal.WithLabelValues("invalid").Inc()
		return err
	}
	select {
	case <-i.done:
		return ErrIngestorClosed
	default:
	}
	select {
	case i.records <- record:
		return nil
	case <-i.done:
		return ErrIngestorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records. Run processes what is already buffered and returns.
func (i *Ingestor) Close() {
	i.closeOnce.Do(func() { close(i.done) })
}

// Run consumes records until ctx is cancelled or the ingestor is closed.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case record := <-i.records:
			i.handle(ctx, record)
		case <-i.done:
			for {
				select {
				case record := <-i.records:
					i.handle(ctx, record)
				default:
					return nil
				}
			}
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, record Record) {
	result := i.process(ctx, record)
	metrics.FeedRecordsTotal.WithLabelValues(result.Result).Inc()
	if result.Err != nil {
		i.logger.Warn("feed record not ingested",
			zap.String("source_id", record.SourceID),
			zap.Error(result.Err))
	}
	if i.onResult != nil {
		i.onResult(result)
	}
}

// process claims the record's source id and content buckets before looking
// anything up, so a concurrent ingestion of the same event under another
// source id waits for this one to be recorded.
func (i *Ingestor) process(ctx context.Context, record Record) Result {
	payload := record.EventPayload()
	key := contentkey.Key{
		UserID:      i.userID,
		EventTypeID: payload.EventTypeID,
		Category:    payload.Category,
		Timestamp:   payload.Timestamp,
	}
	names := append([]string{"source:" + syncwire.SourceTypeSensor + ":" + record.SourceID}, i.window.ClaimNames(key)...)
	held, err := claims.AcquireAll(ctx, i.claimer, names, i.claimTTL, i.claimWait)
	if err != nil {
		return Result{Record: record, Result: ResultFailed, Err: err}
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			i.logger.Debug("feed claim release failed", zap.Error(err))
		}
	}()

	if existing, found, err := i.local.FindBySource(ctx, syncwire.SourceTypeSensor, record.SourceID); err != nil {
		return Result{Record: record, Result: ResultFailed, Err: err}
	} else if found {
		return i.resubmitted(ctx, record, existing, payload, ResultDuplicateSource)
	}
	if existing, found, err := i.local.FindByContent(ctx, key); err != nil {
		return Result{Record: record, Result: ResultFailed, Err: err}
	} else if found {
		return i.resubmitted(ctx, record, existing, payload, ResultDuplicateContent)
	}

	entityID, err := i.ids.NewID()
	if err != nil {
		return Result{Record: record, Result: ResultFailed, Err: err}
	}
	if _, err := i.queue.Enqueue(ctx, queue.EnqueueRequest{
		EntityType: syncwire.EntityTypeEvent,
		Operation:  syncwire.OperationCreate,
		EntityID:   entityID,
		Payload:    &payload,
	}); err != nil {
		return Result{Record: record, Result: ResultFailed, Err: err}
	}
	if _, err := i.local.RecordLocal(ctx, entityID, payload); err != nil {
		return Result{Record: record, Result: ResultEnqueued, EntityID: entityID, Err: err}
	}
	return Result{Record: record, Result: ResultEnqueued, EntityID: entityID}
}

// resubmitted handles a record that matched a local event. Immutable events
// are never rewritten; a mutable one that the record changes gets an update
// queued behind whatever is already pending for it.
func (i *Ingestor) resubmitted(ctx context.Context, record Record, existing replica.LocalEvent, payload syncwire.EventPayload, duplicate string) Result {
	if existing.Mutability != syncwire.MutabilityMutable || !changesLocal(existing, payload) {
		return Result{Record: record, Result: duplicate, EntityID: existing.ID}
	}

	// The matched event keeps its own source identity.
	payload.SourceType = existing.SourceType
	payload.SourceID = ""
	if existing.SourceID != nil {
		payload.SourceID = *existing.SourceID
	}
	if len(payload.Properties) == 0 && existing.PropertiesJSON != "" {
		payload.Properties = []byte(existing.PropertiesJSON)
	}
	if _, err := i.queue.Enqueue(ctx, queue.EnqueueRequest{
		EntityType: syncwire.EntityTypeEvent,
		Operation:  syncwire.OperationUpdate,
		EntityID:   existing.ID,
		Payload:    &payload,
	}); err != nil {
		return Result{Record: record, Result: ResultFailed, EntityID: existing.ID, Err: err}
	}
	if _, err := i.local.RecordLocal(ctx, existing.ID, payload); err != nil {
		return Result{Record: record, Result: ResultMerged, EntityID: existing.ID, Err: err}
	}
	return Result{Record: record, Result: ResultMerged, EntityID: existing.ID}
}

func changesLocal(existing replica.LocalEvent, payload syncwire.EventPayload) bool {
	if existing.EventTypeID != payload.EventTypeID ||
		existing.TimestampMs != payload.Timestamp.UnixMilli() ||
		existing.Category != payload.Category ||
		existing.Mutability != payload.Mutability ||
		existing.Notes != payload.Notes {
		return true
	}
	return len(payload.Properties) > 0 && !jsonEqual(existing.PropertiesJSON, payload.Properties)
}

func jsonEqual(stored string, incoming []byte) bool {
	var left, right any
	if json.Unmarshal([]byte(stored), &left) != nil || json.Unmarshal(incoming, &right) != nil {
		return stored == string(incoming)
	}
	return reflect.DeepEqual(left, right)
}
