// Package idempotency implements the idempotency key protocol shared by the
// sync client and the API server.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// HeaderName carries the idempotency key on every mutation attempt.
	HeaderName = "Idempotency-Key"
	// ReplayedHeaderName marks responses answered from a stored idempotency record.
	ReplayedHeaderName = "X-Idempotency-Replayed"

	maxKeyLength        = 190
	futureUUIDTolerance = time.Minute
)

var (
	// ErrInvalidKey indicates that an idempotency key is empty or exceeds storage bounds.
	ErrInvalidKey = errors.New("idempotency: invalid key")
	// ErrKeyMismatch indicates that the header and body keys of one request disagree.
	ErrKeyMismatch = errors.New("idempotency: header and body keys differ")
	// ErrInvalidUUIDv7 indicates an identifier that is not a usable UUIDv7.
	ErrInvalidUUIDv7 = errors.New("idempotency: invalid uuidv7")
)

// Key is a validated idempotency key.
type Key string

// NewKey validates raw input and returns a Key.
func NewKey(rawInput string) (Key, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(trimmed) > maxKeyLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxKeyLength)
	}
	return Key(trimmed), nil
}

// String returns the raw key.
func (k Key) String() string {
	return string(k)
}

// Generator issues fresh idempotency keys.
type Generator interface {
	NewKey() (Key, error)
}

type uuidGenerator struct{}

// NewUUIDGenerator returns a Generator backed by time-ordered UUIDv7 values.
func NewUUIDGenerator() Generator {
	return uuidGenerator{}
}

func (uuidGenerator) NewKey() (Key, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return Key(value.String()), nil
}

// Attach sets the key header on an outgoing request.
func Attach(request *http.Request, key Key) {
	request.Header.Set(HeaderName, key.String())
}

// Resolve picks the request key from the header and the body field. Either may
// be absent, but when both are present they must match.
func Resolve(headerValue, bodyValue string) (Key, error) {
	header := strings.TrimSpace(headerValue)
	body := strings.TrimSpace(bodyValue)
	if header != "" && body != "" && header != body {
		return "", ErrKeyMismatch
	}
	if header != "" {
		return NewKey(header)
	}
	return NewKey(body)
}

// Fingerprint identifies the logical request a key was first used for.
func Fingerprint(userID, entityType, entityID, operation string) string {
	digest := sha256.New()
	for _, part := range []string{userID, entityType, entityID, operation} {
		digest.Write([]byte(part))
		digest.Write([]byte{0})
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// ValidateUUIDv7 checks that a client-assigned identifier is a UUIDv7 whose
// embedded time is not meaningfully in the future.
func ValidateUUIDv7(raw string, now time.Time) error {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUUIDv7, err)
	}
	if parsed.Version() != 7 {
		return fmt.Errorf("%w: version %d", ErrInvalidUUIDv7, parsed.Version())
	}
	seconds, nanoseconds := parsed.Time().UnixTime()
	embedded := time.Unix(seconds, nanoseconds)
	if embedded.After(now.Add(futureUUIDTolerance)) {
		return fmt.Errorf("%w: timestamp %s is in the future", ErrInvalidUUIDv7, embedded.UTC().Format(time.RFC3339))
	}
	return nil
}
