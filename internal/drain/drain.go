// Package drain delivers queued mutations to the server.
package drain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/classifier"
	"github.com/MarcoPoloResearchLab/tally/internal/metrics"
	"github.com/MarcoPoloResearchLab/tally/internal/queue"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultConcurrency = 4
	singleFlightKey    = "drain"
)

var (
	errMissingQueue  = errors.New("mutation queue is required")
	errMissingSender = errors.New("mutation sender is required")
	noOpLogger       = zap.NewNop()
)

// MutationQueue is the part of the queue store the drainer drives.
type MutationQueue interface {
	Due(ctx context.Context, now time.Time) ([]queue.PendingMutation, error)
	Depth(ctx context.Context) (int64, error)
	MarkInFlight(ctx context.Context, id string) error
	Settle(ctx context.Context, id string, next queue.State, action queue.Action) error
}

// Sender performs one delivery attempt.
type Sender interface {
	SendMutation(ctx context.Context, request syncwire.MutationRequest) classifier.Outcome
}

// Pacer spaces out delivery attempts. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// LocalApplier reflects confirmed server state into local storage.
type LocalApplier interface {
	ConfirmApplied(ctx context.Context, entityID string, entity *syncwire.Event) error
	PruneDuplicate(ctx context.Context, localID string, canonical *syncwire.Event) error
}

// FailureSink receives every terminal failure exactly once.
type FailureSink interface {
	MutationFailed(ctx context.Context, failure Failure)
}

// FailureSinkFunc adapts a function to FailureSink.
type FailureSinkFunc func(ctx context.Context, failure Failure)

// MutationFailed calls f.
func (f FailureSinkFunc) MutationFailed(ctx context.Context, failure Failure) {
	f(ctx, failure)
}

// Failure describes a mutation parked in failed_terminal.
type Failure struct {
	MutationID     string
	EntityType     string
	EntityID       string
	Operation      string
	IdempotencyKey string
	Verdict        classifier.Verdict
	Code           string
	Detail         string
	Attempts       int
}

// Err returns the taxonomy error behind the failure.
func (f Failure) Err() error {
	if f.Verdict == classifier.VerdictKeyCollision {
		return &classifier.KeyCollisionAnomaly{Detail: f.Detail}
	}
	return &classifier.ValidationError{Code: f.Code, Detail: f.Detail}
}

// Report summarizes one drain pass.
type Report struct {
	Attempted  int
	Delivered  int
	Duplicates int
	Retried    int
	Deferred   int
	Failures   []Failure
}

// Config wires a Drainer.
type Config struct {
	Queue       MutationQueue
	Sender      Sender
	Pacer       Pacer
	Applier     LocalApplier
	Failures    FailureSink
	Policy      queue.RetryPolicy
	Concurrency int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Drainer runs drain passes. Concurrent Drain calls share a single pass.
type Drainer struct {
	queue       MutationQueue
	sender      Sender
	pacer       Pacer
	applier     LocalApplier
	failures    FailureSink
	policy      queue.RetryPolicy
	concurrency int
	clock       func() time.Time
	logger      *zap.Logger
	flight      singleflight.Group
}

// New constructs a Drainer.
func New(cfg Config) (*Drainer, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = queue.DefaultRetryPolicy()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	return &Drainer{
		queue:       cfg.Queue,
		sender:      cfg.Sender,
		pacer:       cfg.Pacer,
		applier:     cfg.Applier,
		failures:    cfg.Failures,
		policy:      cfg.Policy,
		concurrency: cfg.Concurrency,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}, nil
}

// Drain delivers the mutations due at the start of the pass. Each mutation
// gets at most one network attempt per pass and an entity never has more
// than one attempt in flight.
func (d *Drainer) Drain(ctx context.Context) (Report, error) {
	result, err, _ := d.flight.Do(singleFlightKey, func() (any, error) {
		return d.pass(ctx)
	})
	report, _ := result.(Report)
	return report, err
}

func (d *Drainer) pass(ctx context.Context) (Report, error) {
	started := time.Now()
	defer func() {
		metrics.DrainPassDuration.Observe(time.Since(started).Seconds())
	}()

	if _, err := d.queue.Depth(ctx); err != nil {
		d.logger.Warn("queue depth unavailable", zap.Error(err))
	}

	snapshot, err := d.queue.Due(ctx, d.clock())
	if err != nil {
		return Report{}, err
	}
	if len(snapshot) == 0 {
		return Report{}, nil
	}

	var (
		mu     sync.Mutex
		report Report
	)
	record := func(apply func(*Report)) {
		mu.Lock()
		apply(&report)
		mu.Unlock()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.concurrency)
	for _, mutations := range groupByEntity(snapshot) {
		group.Go(func() error {
			return d.drainEntity(groupCtx, mutations, record)
		})
	}
	if err := group.Wait(); err != nil {
		return report, err
	}

	d.logger.Info("drain pass completed",
		zap.Int("attempted", report.Attempted),
		zap.Int("delivered", report.Delivered),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("retried", report.Retried),
		zap.Int("failed", len(report.Failures)))
	return report, nil
}

// drainEntity sends one entity's mutations in creation order and stops at the
// first transient failure so later mutations never overtake it.
func (d *Drainer) drainEntity(ctx context.Context, mutations []queue.PendingMutation, record func(func(*Report))) error {
	for index, mutation := range mutations {
		if ctx.Err() != nil {
			return nil
		}
		action, err := d.deliver(ctx, mutation, record)
		if err != nil {
			return err
		}
		if action == queue.ActionReschedule {
			remaining := len(mutations) - index - 1
			record(func(r *Report) { r.Deferred += remaining })
			return nil
		}
	}
	return nil
}

func (d *Drainer) deliver(ctx context.Context, mutation queue.PendingMutation, record func(func(*Report))) (queue.Action, error) {
	// Pacing happens before the attempt is committed so a cancelled wait
	// leaves the mutation untouched.
	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			return queue.ActionReschedule, nil
		}
	}
	if err := d.queue.MarkInFlight(ctx, mutation.ID); err != nil {
		if errors.Is(err, queue.ErrNotPending) {
			return queue.ActionRemove, nil
		}
		return queue.ActionReschedule, err
	}
	// The attempt is committed from here: its outcome is persisted even if
	// the caller gives up.
	settleCtx := context.WithoutCancel(ctx)

	var outcome classifier.Outcome
	request, err := mutation.Request()
	if err != nil {
		outcome = classifier.Outcome{Verdict: classifier.VerdictFatal, Code: "client.decode_payload", Detail: err.Error(), Cause: err}
	} else {
		outcome = d.sender.SendMutation(ctx, request)
		record(func(r *Report) { r.Attempted++ })
	}
	metrics.DrainOutcomesTotal.WithLabelValues(string(outcome.Verdict)).Inc()

	state := mutation.State()
	state.Status = queue.StatusInFlight
	next, action := d.policy.Transition(state, outcome, d.clock())
	if err := d.queue.Settle(settleCtx, mutation.ID, next, action); err != nil {
		return action, err
	}

	switch action {
	case queue.ActionRemove:
		d.applyLocally(settleCtx, mutation, outcome)
		record(func(r *Report) {
			if outcome.Verdict == classifier.VerdictDuplicate {
				r.Duplicates++
			} else {
				r.Delivered++
			}
		})
	case queue.ActionReschedule:
		record(func(r *Report) { r.Retried++ })
		d.logger.Debug("mutation rescheduled",
			zap.String("mutation_id", mutation.ID),
			zap.Int("attempts", next.Attempts),
			zap.Time("next_attempt_at", next.NextAttemptAt),
			zap.String("reason", next.LastError))
	case queue.ActionFail:
		failure := Failure{
			MutationID:     mutation.ID,
			EntityType:     mutation.EntityType,
			EntityID:       mutation.EntityID,
			Operation:      mutation.Operation,
			IdempotencyKey: mutation.IdempotencyKey,
			Verdict:        outcome.Verdict,
			Code:           next.LastErrorCode,
			Detail:         next.LastError,
			Attempts:       next.Attempts,
		}
		record(func(r *Report) { r.Failures = append(r.Failures, failure) })
		d.logger.Warn("mutation failed terminally",
			zap.String("mutation_id", mutation.ID),
			zap.String("entity_id", mutation.EntityID),
			zap.String("code", failure.Code),
			zap.String("detail", failure.Detail))
		if d.failures != nil {
			d.failures.MutationFailed(settleCtx, failure)
		}
	}
	return action, nil
}

func (d *Drainer) applyLocally(ctx context.Context, mutation queue.PendingMutation, outcome classifier.Outcome) {
	if d.applier == nil {
		return
	}
	var err error
	switch {
	case mutation.Operation == string(syncwire.OperationDelete):
		err = d.applier.ConfirmApplied(ctx, mutation.EntityID, nil)
	case outcome.Entity == nil:
		return
	case outcome.Entity.ID != mutation.EntityID:
		err = d.applier.PruneDuplicate(ctx, mutation.EntityID, outcome.Entity)
	default:
		err = d.applier.ConfirmApplied(ctx, mutation.EntityID, outcome.Entity)
	}
	if err != nil {
		d.logger.Warn("local confirmation failed",
			zap.String("mutation_id", mutation.ID),
			zap.String("entity_id", mutation.EntityID),
			zap.Error(err))
	}
}

func groupByEntity(snapshot []queue.PendingMutation) [][]queue.PendingMutation {
	index := make(map[string]int)
	var groups [][]queue.PendingMutation
	for _, mutation := range snapshot {
		key := mutation.EntityType + "/" + mutation.EntityID
		position, ok := index[key]
		if !ok {
			position = len(groups)
			index[key] = position
			groups = append(groups, nil)
		}
		groups[position] = append(groups[position], mutation)
	}
	return groups
}
