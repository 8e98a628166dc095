package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/changelog"
	"github.com/MarcoPoloResearchLab/tally/internal/events"
	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "tally_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingEventsService  = errors.New("events service dependency required")
	errMissingChangeLog      = errors.New("change log dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Tokens         TokenValidator
	EventsService  *events.Service
	ChangeLog      *changelog.Repository
	Realtime       *RealtimeDispatcher
	MetricsHandler http.Handler
	// HeartbeatInterval paces keep-alive events on the change stream.
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.EventsService == nil {
		return nil, errMissingEventsService
	}
	if deps.ChangeLog == nil {
		return nil, errMissingChangeLog
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", idempotency.HeaderName},
		ExposeHeaders: []string{idempotency.ReplayedHeaderName},
		MaxAge:        12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		events:    deps.EventsService,
		changes:   deps.ChangeLog,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/mutations", handler.handleMutation)
	protected.GET("/changes", handler.handleChanges)
	protected.GET("/changes/latest-cursor", handler.handleLatestCursor)
	protected.GET("/changes/stream", handler.handleChangeStream)
	protected.GET("/bootstrap", handler.handleBootstrap)
	protected.GET("/sync/status", handler.handleSyncStatus)

	return router, nil
}

type httpHandler struct {
	tokens    TokenValidator
	events    *events.Service
	changes   *changelog.Repository
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		abortWithProblem(c, http.StatusUnauthorized, problemUnauthorized, errInvalidAuthorization.Error(), "")
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		abortWithProblem(c, http.StatusUnauthorized, problemUnauthorized, errInvalidAuthorization.Error(), "")
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		abortWithProblem(c, http.StatusUnauthorized, problemUnauthorized, "unauthorized", "")
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) currentUser(c *gin.Context) (events.UserID, bool) {
	userID, err := events.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		writeProblem(c, http.StatusUnauthorized, problemUnauthorized, "unauthorized", "")
		return "", false
	}
	return userID, true
}
