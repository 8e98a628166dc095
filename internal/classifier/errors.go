package classifier

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// TransientTransportError is a delivery failure that is retried silently.
type TransientTransportError struct {
	StatusCode int
	Detail     string
	Cause      error
}

func (e *TransientTransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient failure: status %d: %s", e.StatusCode, e.Detail)
	}
	if e.Cause != nil {
		return fmt.Sprintf("transient failure: %v", e.Cause)
	}
	return "transient failure: " + e.Detail
}

func (e *TransientTransportError) Unwrap() error {
	return e.Cause
}

// ValidationError is a permanent rejection of the mutation's content.
type ValidationError struct {
	StatusCode int
	Code       string
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rejected: status %d: %s", e.StatusCode, e.Detail)
}

// KeyCollisionAnomaly means an idempotency key was bound to a different request.
// It indicates a client bug and is never retried.
type KeyCollisionAnomaly struct {
	Detail string
}

func (e *KeyCollisionAnomaly) Error() string {
	return "idempotency key collision: " + e.Detail
}

type sqlStateError interface {
	SQLState() string
}

const (
	postgresUniqueViolation = "23505"
	sqliteUniqueViolation   = "UNIQUE constraint failed"
)

// IsUniqueViolation reports whether err is a storage-level uniqueness
// violation. Only the dedicated sentinel, the Postgres SQLSTATE and the SQLite
// constraint text are recognised.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var stateErr sqlStateError
	if errors.As(err, &stateErr) && stateErr.SQLState() == postgresUniqueViolation {
		return true
	}
	return strings.Contains(err.Error(), sqliteUniqueViolation)
}
