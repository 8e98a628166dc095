package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	testBaseTime  = time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)
	databaseCount atomic.Int64
)

type manualClock struct {
	now atomic.Int64
}

func newManualClock(start time.Time) *manualClock {
	clock := &manualClock{}
	clock.now.Store(start.UnixNano())
	return clock
}

func (c *manualClock) Now() time.Time {
	return time.Unix(0, c.now.Load()).UTC()
}

func (c *manualClock) Advance(delta time.Duration) {
	c.now.Add(int64(delta))
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:queue_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseCount.Add(1))
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
	if err := db.AutoMigrate(&PendingMutation{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func openTestStore(t *testing.T, db *gorm.DB, clock *manualClock) *Store {
	t.Helper()
	store, err := Open(context.Background(), StoreConfig{
		Database: db,
		Clock:    clock.Now,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createRequest(entityID string) EnqueueRequest {
	return EnqueueRequest{
		EntityType: syncwire.EntityTypeEvent,
		Operation:  syncwire.OperationCreate,
		EntityID:   entityID,
		Payload: &syncwire.EventPayload{
			EventTypeID: "type-run",
			Timestamp:   testBaseTime,
			Category:    "outdoor",
		},
	}
}

func countMutations(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&PendingMutation{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count mutations: %v", err)
	}
	return count
}
