package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/classifier"
	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL + "/", Token: "token-1", RequestTimeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client
}

func mutationRequest() syncwire.MutationRequest {
	return syncwire.MutationRequest{
		IdempotencyKey: "key-1",
		Operation:      syncwire.OperationCreate,
		EntityType:     syncwire.EntityTypeEvent,
		EntityID:       "evt-1",
		Payload:        &syncwire.EventPayload{EventTypeID: "type-run", Timestamp: time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)},
	}
}

func TestSendMutationCarriesKeyInHeaderAndBody(t *testing.T) {
	var seen atomic.Value
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/mutations" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("unexpected authorization header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var request syncwire.MutationRequest
		_ = json.Unmarshal(body, &request)
		seen.Store([2]string{r.Header.Get(idempotency.HeaderName), request.IdempotencyKey})

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(syncwire.MutationResponse{
			Status: syncwire.StatusCreated,
			Entity: &syncwire.Event{ID: "evt-1"},
			Cursor: 7,
		})
	}))

	outcome := client.SendMutation(context.Background(), mutationRequest())
	if outcome.Verdict != classifier.VerdictApplied || outcome.Cursor != 7 || outcome.Entity == nil {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	keys := seen.Load().([2]string)
	if keys[0] != "key-1" || keys[1] != "key-1" {
		t.Fatalf("expected key in header and body, got %v", keys)
	}
}

func TestSendMutationClassifiesFailures(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		body        string
		wantVerdict classifier.Verdict
	}{
		{name: "duplicate body", status: http.StatusOK, body: `{"status":"duplicate"}`, wantVerdict: classifier.VerdictDuplicate},
		{name: "conflict", status: http.StatusConflict, body: `{"type":"urn:tally:error:conflict"}`, wantVerdict: classifier.VerdictDuplicate},
		{name: "bad request", status: http.StatusBadRequest, body: `{"type":"urn:tally:error:validation"}`, wantVerdict: classifier.VerdictFatal},
		{name: "server error", status: http.StatusInternalServerError, body: ``, wantVerdict: classifier.VerdictRetry},
		{name: "garbled success", status: http.StatusCreated, body: `not json`, wantVerdict: classifier.VerdictRetry},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = io.WriteString(w, testCase.body)
			}))
			outcome := client.SendMutation(context.Background(), mutationRequest())
			if outcome.Verdict != testCase.wantVerdict {
				t.Fatalf("expected %s, got %+v", testCase.wantVerdict, outcome)
			}
		})
	}
}

func TestSendMutationTimeoutIsRetried(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	client, err := NewClient(Config{BaseURL: server.URL, RequestTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}

	outcome := client.SendMutation(context.Background(), mutationRequest())
	if outcome.Verdict != classifier.VerdictRetry || outcome.Detail != "timeout" {
		t.Fatalf("expected timeout retry, got %+v", outcome)
	}
}

func TestFetchChangesEncodesQuery(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/changes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("cursor") != "12" || r.URL.Query().Get("limit") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(syncwire.ChangeFeed{
			Changes:    []syncwire.ChangeEntry{{Cursor: 13, EntityID: "evt-1", Operation: syncwire.OperationDelete}},
			NextCursor: 13,
		})
	}))

	feed, err := client.FetchChanges(context.Background(), 12, 50)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(feed.Changes) != 1 || feed.NextCursor != 13 || feed.HasMore {
		t.Fatalf("unexpected feed %+v", feed)
	}
}

func TestFetchReportsProblemDetails(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"urn:tally:error:unauthorized","title":"Unauthorized","status":401,"detail":"token expired"}`)
	}))

	_, err := client.FetchLatestCursor(context.Background())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized || statusErr.Problem.Detail != "token expired" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error without base url")
	}
}
