package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/events"
	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

func (h *httpHandler) handleMutation(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}

	var request syncwire.MutationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeProblem(c, http.StatusBadRequest, problemValidation, "malformed mutation body", "")
		return
	}
	key, err := idempotency.Resolve(c.GetHeader(idempotency.HeaderName), request.IdempotencyKey)
	if err != nil {
		writeProblem(c, http.StatusBadRequest, problemValidation, err.Error(), "")
		return
	}
	entityID, err := events.NewEntityID(request.EntityID)
	if err != nil {
		writeProblem(c, http.StatusUnprocessableEntity, problemValidation, err.Error(), "")
		return
	}

	resolution, err := h.events.ApplyMutation(c.Request.Context(), events.MutationRequest{
		UserID:         userID,
		IdempotencyKey: key,
		Operation:      request.Operation,
		EntityType:     request.EntityType,
		EntityID:       entityID,
		Payload:        request.Payload,
	})
	if err != nil {
		status, kind, detail := problemForError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to apply mutation", zap.Error(err))
		} else {
			h.logger.Info("mutation rejected",
				zap.String("user_id", userID.String()),
				zap.String("entity_id", entityID.String()),
				zap.Int("status", status),
				zap.Error(err))
		}
		writeProblem(c, status, kind, detail, errorCode(err))
		return
	}

	response := syncwire.MutationResponse{
		Status: string(resolution.Kind),
		Cursor: resolution.Cursor,
	}
	if resolution.Event != nil {
		wire := resolution.Event.Wire()
		response.Entity = &wire
	}
	if resolution.Replayed {
		c.Header(idempotency.ReplayedHeaderName, "true")
	}
	status := http.StatusOK
	if resolution.Kind == events.ResolutionCreated {
		status = http.StatusCreated
	}
	c.JSON(status, response)
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	cursor, err := parseInt64Query(c, "cursor")
	if err != nil || cursor < 0 {
		writeProblem(c, http.StatusBadRequest, problemValidation, "cursor must be a non-negative integer", "")
		return
	}
	limit, err := parseInt64Query(c, "limit")
	if err != nil {
		writeProblem(c, http.StatusBadRequest, problemValidation, "limit must be an integer", "")
		return
	}

	page, err := h.changes.GetSince(c.Request.Context(), userID.String(), cursor, int(limit))
	if err != nil {
		h.logger.Error("failed to read change log", zap.String("user_id", userID.String()), zap.Error(err))
		writeProblem(c, http.StatusInternalServerError, problemInternal, "internal error", "")
		return
	}
	c.JSON(http.StatusOK, page.Wire())
}

func (h *httpHandler) handleLatestCursor(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	cursor, err := h.changes.GetLatestCursor(c.Request.Context(), userID.String())
	if err != nil {
		h.logger.Error("failed to read latest cursor", zap.String("user_id", userID.String()), zap.Error(err))
		writeProblem(c, http.StatusInternalServerError, problemInternal, "internal error", "")
		return
	}
	c.JSON(http.StatusOK, syncwire.LatestCursor{Cursor: cursor})
}

func (h *httpHandler) handleBootstrap(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	export, err := h.events.Bootstrap(c.Request.Context(), userID)
	if err != nil {
		writeProblem(c, http.StatusInternalServerError, problemInternal, "internal error", errorCode(err))
		return
	}
	c.JSON(http.StatusOK, export)
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	status, err := h.events.SyncStatus(c.Request.Context(), userID)
	if err != nil {
		writeProblem(c, http.StatusInternalServerError, problemInternal, "internal error", errorCode(err))
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleChangeStream(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, newRealtimePayload(message))
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source":    realtimeSourceBackend,
				"timestamp": tick.UTC().Format(time.RFC3339),
			})
			return true
		}
	})
}

func parseInt64Query(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
