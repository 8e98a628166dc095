package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/tally/internal/changelog"
	"github.com/MarcoPoloResearchLab/tally/internal/events"
	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"github.com/gin-gonic/gin"
)

const problemContentType = "application/problem+json"

type problemKind struct {
	suffix string
	title  string
}

var (
	problemValidation   = problemKind{suffix: syncwire.ProblemValidation, title: "Invalid request"}
	problemKeyCollision = problemKind{suffix: syncwire.ProblemKeyCollision, title: "Idempotency key reused for a different request"}
	problemNotFound     = problemKind{suffix: syncwire.ProblemNotFound, title: "Entity not found"}
	problemUnauthorized = problemKind{suffix: syncwire.ProblemUnauthorized, title: "Unauthorized"}
	problemInternal     = problemKind{suffix: syncwire.ProblemInternal, title: "Internal error"}
)

func newProblem(status int, kind problemKind, detail, code string) syncwire.Problem {
	return syncwire.Problem{
		Type:   syncwire.ProblemTypePrefix + kind.suffix,
		Title:  kind.title,
		Status: status,
		Detail: detail,
		Code:   code,
	}
}

func writeProblem(c *gin.Context, status int, kind problemKind, detail, code string) {
	c.Header("Content-Type", problemContentType)
	c.JSON(status, newProblem(status, kind, detail, code))
}

func abortWithProblem(c *gin.Context, status int, kind problemKind, detail, code string) {
	c.Header("Content-Type", problemContentType)
	c.AbortWithStatusJSON(status, newProblem(status, kind, detail, code))
}

// problemForError maps service errors onto HTTP problem responses.
func problemForError(err error) (int, problemKind, string) {
	switch {
	case errors.Is(err, events.ErrKeyCollision):
		return http.StatusConflict, problemKeyCollision, err.Error()
	case errors.Is(err, events.ErrEntityNotFound):
		return http.StatusNotFound, problemNotFound, err.Error()
	case errors.Is(err, events.ErrInvalidPayload),
		errors.Is(err, events.ErrInvalidEntityID),
		errors.Is(err, events.ErrInvalidUserID),
		errors.Is(err, events.ErrInvalidOperation),
		errors.Is(err, events.ErrUnsupportedEntityType),
		errors.Is(err, idempotency.ErrInvalidKey),
		errors.Is(err, idempotency.ErrKeyMismatch),
		errors.Is(err, changelog.ErrInvalidCursor):
		return http.StatusUnprocessableEntity, problemValidation, err.Error()
	default:
		return http.StatusInternalServerError, problemInternal, "internal error"
	}
}

func errorCode(err error) string {
	var serviceErr *events.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
