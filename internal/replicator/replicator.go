// Package replicator catches the client's replica up with the server change log.
package replicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tally/internal/metrics"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 100

	ReasonEmptyCursor  = "empty_cursor"
	ReasonLogReset     = "log_reset"
	ReasonNonMonotonic = "non_monotonic_feed"
)

var (
	// ErrCursorInconsistency marks local cursor state that cannot be resumed from.
	ErrCursorInconsistency = errors.New("cursor inconsistency")
	errMissingSource       = errors.New("change source is required")
	errMissingLocal        = errors.New("local store is required")
	noOpLogger             = zap.NewNop()
)

// CursorInconsistencyError explains why incremental catch-up was abandoned.
type CursorInconsistencyError struct {
	Reason       string
	LocalCursor  int64
	ServerCursor int64
}

func (e *CursorInconsistencyError) Error() string {
	return fmt.Sprintf("cursor inconsistency (%s): local %d, server %d", e.Reason, e.LocalCursor, e.ServerCursor)
}

func (e *CursorInconsistencyError) Unwrap() error {
	return ErrCursorInconsistency
}

// Source is the server side of the change feed.
type Source interface {
	FetchChanges(ctx context.Context, cursor int64, limit int) (syncwire.ChangeFeed, error)
	FetchLatestCursor(ctx context.Context) (int64, error)
	FetchBootstrap(ctx context.Context) (syncwire.Bootstrap, error)
}

// LocalStore is the client replica the feed is applied to.
type LocalStore interface {
	Cursor(ctx context.Context) (int64, error)
	ConfirmedCount(ctx context.Context) (int64, error)
	ApplyPage(ctx context.Context, entries []syncwire.ChangeEntry, nextCursor int64) error
	ReplaceAll(ctx context.Context, events []syncwire.Event, cursor int64) error
}

// PullReport summarizes one Sync call.
type PullReport struct {
	Applied         int
	Pages           int
	Cursor          int64
	Bootstrapped    bool
	BootstrapReason string
}

// Config wires a Replicator.
type Config struct {
	Source   Source
	Local    LocalStore
	PageSize int
	Logger   *zap.Logger
}

// Replicator pulls the change feed into the local store.
type Replicator struct {
	source   Source
	local    LocalStore
	pageSize int
	logger   *zap.Logger
}

// New constructs a Replicator.
func New(cfg Config) (*Replicator, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Local == nil {
		return nil, errMissingLocal
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	return &Replicator{source: cfg.Source, local: cfg.Local, pageSize: cfg.PageSize, logger: cfg.Logger}, nil
}

// Sync resumes from the stored cursor, falling back to a full bootstrap when
// the cursor cannot be trusted.
func (r *Replicator) Sync(ctx context.Context) (PullReport, error) {
	cursor, err := r.local.Cursor(ctx)
	if err != nil {
		return PullReport{}, err
	}
	latest, err := r.source.FetchLatestCursor(ctx)
	if err != nil {
		return PullReport{}, err
	}

	report := PullReport{Cursor: cursor}
	if inconsistency := r.checkCursor(ctx, cursor, latest); inconsistency != nil {
		var detail *CursorInconsistencyError
		if !errors.As(inconsistency, &detail) {
			return report, inconsistency
		}
		if err := r.bootstrap(ctx, detail, &report); err != nil {
			return report, err
		}
	}

	err = r.catchUp(ctx, &report)
	var detail *CursorInconsistencyError
	if errors.As(err, &detail) && !report.Bootstrapped {
		if err := r.bootstrap(ctx, detail, &report); err != nil {
			return report, err
		}
		err = r.catchUp(ctx, &report)
	}
	return report, err
}

func (r *Replicator) checkCursor(ctx context.Context, cursor, latest int64) error {
	if cursor == 0 {
		count, err := r.local.ConfirmedCount(ctx)
		if err != nil {
			return err
		}
		if count > 0 {
			return &CursorInconsistencyError{Reason: ReasonEmptyCursor, LocalCursor: cursor, ServerCursor: latest}
		}
		return nil
	}
	if latest < cursor {
		return &CursorInconsistencyError{Reason: ReasonLogReset, LocalCursor: cursor, ServerCursor: latest}
	}
	return nil
}

func (r *Replicator) bootstrap(ctx context.Context, cause *CursorInconsistencyError, report *PullReport) error {
	r.logger.Info("bootstrapping local replica",
		zap.String("reason", cause.Reason),
		zap.Int64("local_cursor", cause.LocalCursor),
		zap.Int64("server_cursor", cause.ServerCursor))

	export, err := r.source.FetchBootstrap(ctx)
	if err != nil {
		return err
	}
	if err := r.local.ReplaceAll(ctx, export.Events, export.Cursor); err != nil {
		return err
	}
	metrics.BootstrapsTotal.WithLabelValues(cause.Reason).Inc()
	report.Bootstrapped = true
	report.BootstrapReason = cause.Reason
	report.Cursor = export.Cursor
	return nil
}

func (r *Replicator) catchUp(ctx context.Context, report *PullReport) error {
	for {
		cursor := report.Cursor
		feed, err := r.source.FetchChanges(ctx, cursor, r.pageSize)
		if err != nil {
			return err
		}
		for _, entry := range feed.Changes {
			if entry.Cursor <= cursor {
				return &CursorInconsistencyError{Reason: ReasonNonMonotonic, LocalCursor: cursor, ServerCursor: entry.Cursor}
			}
			cursor = entry.Cursor
		}
		if feed.NextCursor < cursor {
			return &CursorInconsistencyError{Reason: ReasonNonMonotonic, LocalCursor: cursor, ServerCursor: feed.NextCursor}
		}
		if len(feed.Changes) == 0 {
			return nil
		}
		if err := r.local.ApplyPage(ctx, feed.Changes, feed.NextCursor); err != nil {
			return err
		}
		for _, entry := range feed.Changes {
			metrics.PulledChangesTotal.WithLabelValues(string(entry.Operation)).Inc()
		}
		report.Applied += len(feed.Changes)
		report.Pages++
		report.Cursor = feed.NextCursor
		if !feed.HasMore {
			return nil
		}
	}
}
