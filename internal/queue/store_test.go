package queue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/classifier"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
)

func TestEnqueueConcurrentCreatesPersistOneMutation(t *testing.T) {
	db := openTestDatabase(t)
	store := openTestStore(t, db, newManualClock(testBaseTime))

	const callers = 16
	handles := make([]Handle, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			<-start
			handles[index], errs[index] = store.Enqueue(context.Background(), createRequest("evt-1"))
		}(i)
	}
	close(start)
	wg.Wait()

	fresh := 0
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("enqueue %d failed: %v", i, errs[i])
		}
		if !handles[i].Duplicate {
			fresh++
		}
		if handles[i].ID != handles[0].ID || handles[i].IdempotencyKey != handles[0].IdempotencyKey {
			t.Fatalf("expected every caller to observe the same mutation, got %+v and %+v", handles[i], handles[0])
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh handle, got %d", fresh)
	}
	if got := countMutations(t, db); got != 1 {
		t.Fatalf("expected one queued mutation, got %d", got)
	}
}

func TestEnqueueCreateIsIdempotentAcrossSessions(t *testing.T) {
	db := openTestDatabase(t)
	clock := newManualClock(testBaseTime)
	first := openTestStore(t, db, clock)

	original, err := first.Enqueue(context.Background(), createRequest("evt-1"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if _, err := first.Enqueue(context.Background(), createRequest("evt-2")); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}

	second := openTestStore(t, db, clock)
	again, err := second.Enqueue(context.Background(), createRequest("evt-1"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if !again.Duplicate || again.IdempotencyKey != original.IdempotencyKey {
		t.Fatalf("expected duplicate handle with original key, got %+v", again)
	}
}

func TestEnqueueAssignsKeyOncePerMutation(t *testing.T) {
	db := openTestDatabase(t)
	store := openTestStore(t, db, newManualClock(testBaseTime))

	created, err := store.Enqueue(context.Background(), createRequest("evt-1"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	update := createRequest("evt-1")
	update.Operation = syncwire.OperationUpdate
	updated, err := store.Enqueue(context.Background(), update)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	deleted, err := store.Enqueue(context.Background(), EnqueueRequest{
		EntityType: syncwire.EntityTypeEvent,
		Operation:  syncwire.OperationDelete,
		EntityID:   "evt-1",
	})
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if created.IdempotencyKey == updated.IdempotencyKey || updated.IdempotencyKey == deleted.IdempotencyKey {
		t.Fatalf("expected distinct keys per mutation")
	}
	if !(created.Seq < updated.Seq && updated.Seq < deleted.Seq) {
		t.Fatalf("expected increasing sequence numbers, got %d %d %d", created.Seq, updated.Seq, deleted.Seq)
	}

	stored, err := store.Get(context.Background(), deleted.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if stored.PayloadJSON != "" || stored.CreateClaim != nil {
		t.Fatalf("expected delete without payload or create claim, got %+v", stored)
	}
	request, err := stored.Request()
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	if request.IdempotencyKey != deleted.IdempotencyKey.String() || request.Payload != nil {
		t.Fatalf("unexpected wire request %+v", request)
	}
}

func TestEnqueueValidatesRequest(t *testing.T) {
	store := openTestStore(t, openTestDatabase(t), newManualClock(testBaseTime))

	testCases := []struct {
		name    string
		mutate  func(*EnqueueRequest)
		wantErr error
	}{
		{name: "entity type", mutate: func(r *EnqueueRequest) { r.EntityType = " " }, wantErr: ErrInvalidEntityType},
		{name: "entity id", mutate: func(r *EnqueueRequest) { r.EntityID = "" }, wantErr: ErrInvalidEntityID},
		{name: "operation", mutate: func(r *EnqueueRequest) { r.Operation = "upsert" }, wantErr: ErrInvalidOperation},
		{name: "payload", mutate: func(r *EnqueueRequest) { r.Payload = nil }, wantErr: ErrMissingPayload},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := createRequest("evt-1")
			testCase.mutate(&request)
			if _, err := store.Enqueue(context.Background(), request); !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestSettleKeepsFailedAndRetriedMutations(t *testing.T) {
	testCases := []struct {
		name       string
		statusCode int
		wantStatus Status
	}{
		{name: "bad request", statusCode: http.StatusBadRequest, wantStatus: StatusFailedTerminal},
		{name: "server error", statusCode: http.StatusInternalServerError, wantStatus: StatusPending},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			db := openTestDatabase(t)
			clock := newManualClock(testBaseTime)
			store := openTestStore(t, db, clock)

			handle, err := store.Enqueue(context.Background(), createRequest("evt-1"))
			if err != nil {
				t.Fatalf("unexpected enqueue error: %v", err)
			}
			mutation := deliverOnce(t, store, handle.ID, classifier.FromResponse(testCase.statusCode, http.Header{}, nil), clock.Now())

			if mutation.Status != testCase.wantStatus {
				t.Fatalf("expected status %s, got %s", testCase.wantStatus, mutation.Status)
			}
			if mutation.Attempts != 1 {
				t.Fatalf("expected one attempt, got %d", mutation.Attempts)
			}
			if mutation.IdempotencyKey != handle.IdempotencyKey.String() {
				t.Fatalf("expected key to survive the failure")
			}
			if got := countMutations(t, db); got != 1 {
				t.Fatalf("expected mutation to stay queued, got %d rows", got)
			}
		})
	}
}

func TestSettleRemovesDuplicates(t *testing.T) {
	db := openTestDatabase(t)
	clock := newManualClock(testBaseTime)
	store := openTestStore(t, db, clock)

	handle, err := store.Enqueue(context.Background(), createRequest("evt-1"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if err := store.MarkInFlight(context.Background(), handle.ID); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	next, action := DefaultRetryPolicy().Transition(State{Status: StatusInFlight}, classifier.FromResponse(http.StatusConflict, http.Header{}, nil), clock.Now())
	if err := store.Settle(context.Background(), handle.ID, next, action); err != nil {
		t.Fatalf("unexpected settle error: %v", err)
	}
	if got := countMutations(t, db); got != 0 {
		t.Fatalf("expected duplicate to be dequeued, got %d rows", got)
	}
}

func TestDueHonoursBackoffAndOrder(t *testing.T) {
	db := openTestDatabase(t)
	clock := newManualClock(testBaseTime)
	store := openTestStore(t, db, clock)

	first, err := store.Enqueue(context.Background(), createRequest("evt-1"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	second, err := store.Enqueue(context.Background(), createRequest("evt-2"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	deliverOnce(t, store, first.ID, classifier.FromTransportError(context.DeadlineExceeded), clock.Now())

	due, err := store.Due(context.Background(), clock.Now())
	if err != nil {
		t.Fatalf("unexpected due error: %v", err)
	}
	if len(due) != 1 || due[0].ID != second.ID {
		t.Fatalf("expected only the second mutation to be due, got %+v", due)
	}

	clock.Advance(DefaultBaseDelay)
	due, err = store.Due(context.Background(), clock.Now())
	if err != nil {
		t.Fatalf("unexpected due error: %v", err)
	}
	if len(due) != 2 || due[0].ID != first.ID || due[1].ID != second.ID {
		t.Fatalf("expected both mutations in creation order, got %+v", due)
	}
}

func TestDueHoldsBackMutationsBehindBlockedHead(t *testing.T) {
	db := openTestDatabase(t)
	clock := newManualClock(testBaseTime)
	store := openTestStore(t, db, clock)

	updateRequest := func(entityID string) EnqueueRequest {
		request := createRequest(entityID)
		request.Operation = syncwire.OperationUpdate
		return request
	}

	backedOff, err := store.Enqueue(context.Background(), createRequest("evt-1"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	deliverOnce(t, store, backedOff.ID, classifier.FromTransportError(context.DeadlineExceeded), clock.Now())
	behindBackoff, err := store.Enqueue(context.Background(), updateRequest("evt-1"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	flying, err := store.Enqueue(context.Background(), createRequest("evt-2"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if err := store.MarkInFlight(context.Background(), flying.ID); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if _, err := store.Enqueue(context.Background(), updateRequest("evt-2")); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	failed, err := store.Enqueue(context.Background(), createRequest("evt-3"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	deliverOnce(t, store, failed.ID, classifier.FromResponse(http.StatusBadRequest, http.Header{}, nil), clock.Now())
	afterFailure, err := store.Enqueue(context.Background(), updateRequest("evt-3"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	due, err := store.Due(context.Background(), clock.Now())
	if err != nil {
		t.Fatalf("unexpected due error: %v", err)
	}
	if len(due) != 1 || due[0].ID != afterFailure.ID {
		t.Fatalf("expected only the mutation behind the failed create, got %+v", due)
	}

	clock.Advance(DefaultBaseDelay)
	due, err = store.Due(context.Background(), clock.Now())
	if err != nil {
		t.Fatalf("unexpected due error: %v", err)
	}
	if len(due) != 3 || due[0].ID != backedOff.ID || due[1].ID != behindBackoff.ID || due[2].ID != afterFailure.ID {
		t.Fatalf("expected the backed-off entity in creation order, got %+v", due)
	}
}

func TestOpenRecoversInFlightMutations(t *testing.T) {
	db := openTestDatabase(t)
	clock := newManualClock(testBaseTime)
	store := openTestStore(t, db, clock)

	handle, err := store.Enqueue(context.Background(), createRequest("evt-1"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if err := store.MarkInFlight(context.Background(), handle.ID); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}

	reopened := openTestStore(t, db, clock)
	mutation, err := reopened.Get(context.Background(), handle.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if mutation.Status != StatusPending || mutation.Attempts != 0 {
		t.Fatalf("expected recovered pending mutation, got %+v", mutation)
	}
}

func TestCancelOnlyBeforeFlight(t *testing.T) {
	db := openTestDatabase(t)
	store := openTestStore(t, db, newManualClock(testBaseTime))

	cancelled, err := store.Enqueue(context.Background(), createRequest("evt-1"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if err := store.Cancel(context.Background(), cancelled.ID); err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}

	flying, err := store.Enqueue(context.Background(), createRequest("evt-2"))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if err := store.MarkInFlight(context.Background(), flying.ID); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if err := store.Cancel(context.Background(), flying.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
	if err := store.MarkInFlight(context.Background(), flying.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if err := store.Cancel(context.Background(), "missing"); !errors.Is(err, ErrMutationNotFound) {
		t.Fatalf("expected ErrMutationNotFound, got %v", err)
	}

	depth, err := store.Depth(context.Background())
	if err != nil {
		t.Fatalf("unexpected depth error: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func deliverOnce(t *testing.T, store *Store, id string, outcome classifier.Outcome, now time.Time) PendingMutation {
	t.Helper()
	if err := store.MarkInFlight(context.Background(), id); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	mutation, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	next, action := DefaultRetryPolicy().Transition(mutation.State(), outcome, now)
	if err := store.Settle(context.Background(), id, next, action); err != nil {
		t.Fatalf("unexpected settle error: %v", err)
	}
	mutation, err = store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	return mutation
}
