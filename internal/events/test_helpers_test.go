package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/changelog"
	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testBaseTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	cursors []int64
}

func (n *recordingNotifier) NotifyChange(_ string, _ []string, cursor int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cursors = append(n.cursors, cursor)
}

func (n *recordingNotifier) snapshot() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.cursors...)
}

type serviceFixture struct {
	service  *Service
	db       *gorm.DB
	changes  *changelog.Repository
	notifier *recordingNotifier
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:events_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Event{}, &IdempotencyRecord{}, &changelog.Entry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newServiceFixture(t *testing.T, mutate func(*ServiceConfig)) serviceFixture {
	t.Helper()
	db := openTestDatabase(t)
	changes, err := changelog.NewRepository(db)
	if err != nil {
		t.Fatalf("unexpected repository error: %v", err)
	}
	notifier := &recordingNotifier{}
	cfg := ServiceConfig{
		Database:  db,
		ChangeLog: changes,
		Notifier:  notifier,
		Clock:     func() time.Time { return testBaseTime.Add(time.Hour) },
		Logger:    zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return serviceFixture{service: service, db: db, changes: changes, notifier: notifier}
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustEntityID(t *testing.T, value string) EntityID {
	t.Helper()
	id, err := NewEntityID(value)
	if err != nil {
		t.Fatalf("unexpected entity id error: %v", err)
	}
	return id
}

func createRequest(t *testing.T, key, entityID string, payload syncwire.EventPayload) MutationRequest {
	t.Helper()
	return MutationRequest{
		UserID:         mustUserID(t, "user-1"),
		IdempotencyKey: idempotency.Key(key),
		Operation:      syncwire.OperationCreate,
		EntityType:     syncwire.EntityTypeEvent,
		EntityID:       mustEntityID(t, entityID),
		Payload:        &payload,
	}
}

func sensorPayload(sourceID string, offset time.Duration, category, mutability string) syncwire.EventPayload {
	return syncwire.EventPayload{
		EventTypeID: "sleep",
		Timestamp:   testBaseTime.Add(offset),
		Category:    category,
		SourceID:    sourceID,
		Mutability:  mutability,
	}
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}
