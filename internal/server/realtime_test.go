package server

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.NotifyChange("user-1", []string{"evt-a", "evt-b"}, 12)

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventChanges {
			t.Fatalf("expected event type %s, got %s", RealtimeEventChanges, received.EventType)
		}
		if received.Cursor != 12 || len(received.EntityIDs) != 2 {
			t.Fatalf("unexpected message %+v", received)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "user-3")
	defer otherCleanup()

	dispatcher.NotifyChange("user-3", []string{"evt-c"}, 3)

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", msg.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherDropsForSlowSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := dispatcher.Subscribe(ctx, "user-4")
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for index := 0; index < dispatcher.bufferSize*4; index++ {
			dispatcher.NotifyChange("user-4", nil, int64(index))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, "user-5")
	defer cleanup()
	if dispatcher.SubscriberCount("user-5") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("user-5") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChangeStreamDeliversCommittedCursor(t *testing.T) {
	fixture := newRouterFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/changes/stream", nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer user-1")
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fixture.realtime.SubscriberCount("user-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	created := fixture.do(t, http.MethodPost, "/v1/mutations", "user-1", "key-stream",
		createBody("evt-stream", syncwire.EventPayload{EventTypeID: "water", Timestamp: routerBaseTime}))
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", created.Code)
	}

	reader := bufio.NewReader(response.Body)
	sawEvent := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before change event: %v", err)
		}
		line = strings.TrimSpace(line)
		if line == fmt.Sprintf("event:%s", RealtimeEventChanges) {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data:") {
			if !strings.Contains(line, `"evt-stream"`) {
				t.Fatalf("unexpected change payload %q", line)
			}
			return
		}
	}
}
