package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventChanges   = "changes"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "tally-api"
)

// RealtimeMessage announces that new change-log entries exist for a user.
type RealtimeMessage struct {
	UserID    string
	EventType string
	EntityIDs []string
	Cursor    int64
	Timestamp time.Time
}

type realtimePayload struct {
	EntityIDs []string `json:"entity_ids"`
	Cursor    int64    `json:"cursor"`
	Source    string   `json:"source"`
	Timestamp string   `json:"timestamp"`
}

func newRealtimePayload(message RealtimeMessage) realtimePayload {
	return realtimePayload{
		EntityIDs: message.EntityIDs,
		Cursor:    message.Cursor,
		Source:    realtimeSourceBackend,
		Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
	}
}

// RealtimeDispatcher fans change announcements out to per-user subscribers.
// Slow subscribers miss messages instead of blocking publishers; clients
// recover by pulling from their cursor.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.UserID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyChange publishes a change announcement for a committed cursor.
func (d *RealtimeDispatcher) NotifyChange(userID string, entityIDs []string, cursor int64) {
	d.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventChanges,
		EntityIDs: entityIDs,
		Cursor:    cursor,
		Timestamp: d.clock().UTC(),
	})
}

// SubscriberCount reports active subscriptions for userID.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
}
