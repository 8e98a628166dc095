package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/changelog"
	"github.com/MarcoPoloResearchLab/tally/internal/events"
	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubTokenValidator struct {
	validateErr error
}

// ValidateToken treats the token text as the subject.
func (s stubTokenValidator) ValidateToken(token string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	if strings.TrimSpace(token) == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

type routerFixture struct {
	handler  http.Handler
	db       *gorm.DB
	service  *events.Service
	changes  *changelog.Repository
	realtime *RealtimeDispatcher
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&events.Event{}, &events.IdempotencyRecord{}, &changelog.Entry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	changes, err := changelog.NewRepository(db)
	if err != nil {
		t.Fatalf("unexpected repository error: %v", err)
	}
	realtime := NewRealtimeDispatcher()
	service, err := events.NewService(events.ServiceConfig{
		Database:  db,
		ChangeLog: changes,
		Notifier:  realtime,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            stubTokenValidator{},
		EventsService:     service,
		ChangeLog:         changes,
		Realtime:          realtime,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return routerFixture{handler: handler, db: db, service: service, changes: changes, realtime: realtime}
}

func (f routerFixture) do(t *testing.T, method, path, user, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if user != "" {
		request.Header.Set("Authorization", "Bearer "+user)
	}
	if key != "" {
		request.Header.Set(idempotency.HeaderName, key)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}
