package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/queue"
	"github.com/MarcoPoloResearchLab/tally/internal/replica"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	testBaseTime  = time.Date(2026, time.March, 4, 23, 15, 0, 0, time.UTC)
	databaseCount atomic.Int64
)

type ingestFixture struct {
	store    *queue.Store
	local    *replica.Replica
	ingestor *Ingestor

	mu      sync.Mutex
	results []Result
}

func newIngestFixture(t *testing.T, bufferSize int) *ingestFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:feed_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseCount.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&queue.PendingMutation{}, &replica.LocalEvent{}, &replica.SyncCursor{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	store, err := queue.Open(context.Background(), queue.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	local, err := replica.New(replica.Config{Database: db, UserID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected replica error: %v", err)
	}

	fixture := &ingestFixture{store: store, local: local}
	ingestor, err := NewIngestor(Config{
		Queue:      store,
		Local:      local,
		UserID:     "user-1",
		BufferSize: bufferSize,
		OnResult: func(result Result) {
			fixture.mu.Lock()
			fixture.results = append(fixture.results, result)
			fixture.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("unexpected ingestor error: %v", err)
	}
	fixture.ingestor = ingestor
	return fixture
}

func sleepRecord(sourceID string, offset time.Duration, category string) Record {
	return Record{
		SourceID:     sourceID,
		EntityTypeID: "type-sleep",
		Timestamp:    testBaseTime.Add(offset),
		Category:     category,
		Payload:      []byte(`{"value":"asleepCore"}`),
	}
}

func TestIngestorCollapsesResubmittedRecords(t *testing.T) {
	fixture := newIngestFixture(t, 8)
	records := []Record{
		sleepRecord("hk-1", 0, "core"),
		sleepRecord("hk-2", 300*time.Millisecond, "Core"),
		sleepRecord("hk-3", 0, "deep"),
		sleepRecord("hk-1", 0, "core"),
	}
	for _, record := range records {
		if err := fixture.ingestor.Submit(context.Background(), record); err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	finished := make(chan error, 1)
	go func() { finished <- fixture.ingestor.Run(context.Background()) }()
	fixture.ingestor.Close()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ingestor did not stop")
	}

	want := []string{ResultEnqueued, ResultDuplicateContent, ResultEnqueued, ResultDuplicateSource}
	if len(fixture.results) != len(want) {
		t.Fatalf("expected %d results, got %+v", len(want), fixture.results)
	}
	for index, result := range fixture.results {
		if result.Result != want[index] || result.Err != nil {
			t.Fatalf("record %d: expected %s, got %+v", index, want[index], result)
		}
	}
	if fixture.results[1].EntityID != fixture.results[0].EntityID {
		t.Fatalf("expected content duplicate to resolve to the first event")
	}

	queued, err := fixture.store.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected two queued creates, got %d", len(queued))
	}
	count, err := fixture.local.Count(context.Background())
	if err != nil || count != 2 {
		t.Fatalf("expected two local events, got %d err=%v", count, err)
	}
}

func ingestAll(t *testing.T, fixture *ingestFixture, records ...Record) {
	t.Helper()
	for _, record := range records {
		if err := fixture.ingestor.Submit(context.Background(), record); err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	finished := make(chan error, 1)
	go func() { finished <- fixture.ingestor.Run(context.Background()) }()
	fixture.ingestor.Close()
	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ingestor did not stop")
	}
}

func TestIngestorQueuesUpdateForCorrectedMutableRecord(t *testing.T) {
	fixture := newIngestFixture(t, 8)

	original := sleepRecord("hk-1", 0, "core")
	original.Mutability = "mutable"
	original.Notes = "first reading"
	corrected := original
	corrected.Notes = "corrected reading"
	repeated := corrected
	viaContent := sleepRecord("hk-9", 300*time.Millisecond, "core")
	viaContent.Mutability = "mutable"
	viaContent.Notes = "corrected reading"
	locked := sleepRecord("hk-2", time.Hour, "deep")
	lockedChanged := locked
	lockedChanged.Notes = "ignored"

	ingestAll(t, fixture, original, corrected, repeated, viaContent, locked, lockedChanged)

	want := []string{ResultEnqueued, ResultMerged, ResultDuplicateSource, ResultMerged, ResultEnqueued, ResultDuplicateSource}
	if len(fixture.results) != len(want) {
		t.Fatalf("expected %d results, got %+v", len(want), fixture.results)
	}
	for index, result := range fixture.results {
		if result.Result != want[index] || result.Err != nil {
			t.Fatalf("record %d: expected %s, got %+v", index, want[index], result)
		}
	}
	entityID := fixture.results[0].EntityID
	if fixture.results[1].EntityID != entityID || fixture.results[3].EntityID != entityID {
		t.Fatalf("expected merges to target %s, got %+v", entityID, fixture.results)
	}

	queued, err := fixture.store.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	var operations []string
	for _, mutation := range queued {
		if mutation.EntityID == entityID {
			operations = append(operations, mutation.Operation)
		}
	}
	if fmt.Sprint(operations) != "[create update update]" {
		t.Fatalf("expected create followed by two updates, got %v", operations)
	}
	last, err := queued[2].Payload()
	if err != nil {
		t.Fatalf("unexpected payload error: %v", err)
	}
	if last.SourceID != "hk-1" || !last.Timestamp.Equal(testBaseTime.Add(300*time.Millisecond)) {
		t.Fatalf("expected merged payload to keep the original source, got %+v", last)
	}

	local, err := fixture.local.Get(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if local.Notes != "corrected reading" || local.SourceID == nil || *local.SourceID != "hk-1" {
		t.Fatalf("expected local event to carry the correction, got %+v", local)
	}
	count, err := fixture.local.Count(context.Background())
	if err != nil || count != 2 {
		t.Fatalf("expected two local events, got %d err=%v", count, err)
	}
}

func TestSubmitRejectsInvalidRecords(t *testing.T) {
	fixture := newIngestFixture(t, 1)
	record := sleepRecord("", 0, "core")
	if err := fixture.ingestor.Submit(context.Background(), record); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	record = sleepRecord("hk-1", 0, "core")
	record.Mutability = "sometimes"
	if err := fixture.ingestor.Submit(context.Background(), record); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for mutability, got %v", err)
	}
}

func TestSubmitBlocksWhenBufferIsFull(t *testing.T) {
	fixture := newIngestFixture(t, 1)
	if err := fixture.ingestor.Submit(context.Background(), sleepRecord("hk-1", 0, "core")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := fixture.ingestor.Submit(ctx, sleepRecord("hk-2", time.Minute, "core")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected full buffer to block until deadline, got %v", err)
	}

	fixture.ingestor.Close()
	if err := fixture.ingestor.Submit(context.Background(), sleepRecord("hk-3", 2*time.Minute, "core")); !errors.Is(err, ErrIngestorClosed) {
		t.Fatalf("expected ErrIngestorClosed, got %v", err)
	}
}
