// Package contentkey derives the content identity used to collapse externally
// sourced events that arrive under different source identifiers.
package contentkey

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTolerance is the maximum timestamp distance between two records that
// still describe the same real-world event.
const DefaultTolerance = time.Second

// Key is the derived content identity of an event. It is never stored.
type Key struct {
	UserID      string
	EventTypeID string
	Category    string
	Timestamp   time.Time
}

// Window describes the tolerance used for content matching.
type Window struct {
	Tolerance time.Duration
}

// NewWindow returns a Window, falling back to DefaultTolerance for non-positive values.
func NewWindow(tolerance time.Duration) Window {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return Window{Tolerance: tolerance}
}

// BucketWidth is twice the tolerance, so the tolerance interval around any
// timestamp spans at most two buckets and two matching records always share one.
func (w Window) BucketWidth() time.Duration {
	return 2 * w.Tolerance
}

// Matches reports whether two keys describe the same event.
func (w Window) Matches(left, right Key) bool {
	if left.UserID != right.UserID || left.EventTypeID != right.EventTypeID {
		return false
	}
	if normalizeCategory(left.Category) != normalizeCategory(right.Category) {
		return false
	}
	delta := left.Timestamp.Sub(right.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	return delta <= w.Tolerance
}

// Range returns the inclusive timestamp interval matched around ts.
func (w Window) Range(ts time.Time) (time.Time, time.Time) {
	return ts.Add(-w.Tolerance), ts.Add(w.Tolerance)
}

// ClaimNames returns the ordered claim names covering the tolerance interval of key.
func (w Window) ClaimNames(key Key) []string {
	width := w.BucketWidth().Milliseconds()
	lower, upper := w.Range(key.Timestamp)
	first := floorDiv(lower.UnixMilli(), width)
	last := floorDiv(upper.UnixMilli(), width)
	names := make([]string, 0, last-first+1)
	for bucket := first; bucket <= last; bucket++ {
		names = append(names, fmt.Sprintf("content:%s:%s:%s:%d",
			key.UserID, key.EventTypeID, normalizeCategory(key.Category), bucket))
	}
	return names
}

func normalizeCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// NormalizeCategory exposes the category normalization used for matching.
func NormalizeCategory(category string) string {
	return normalizeCategory(category)
}

func floorDiv(value, divisor int64) int64 {
	quotient := value / divisor
	if value%divisor != 0 && (value < 0) != (divisor < 0) {
		quotient--
	}
	return quotient
}
