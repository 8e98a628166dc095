// Package transport is the sync client's HTTP binding to the API server.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/classifier"
	"github.com/MarcoPoloResearchLab/tally/internal/idempotency"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 8 << 20

	pathMutations    = "/v1/mutations"
	pathChanges      = "/v1/changes"
	pathLatestCursor = "/v1/changes/latest-cursor"
	pathBootstrap    = "/v1/bootstrap"
	pathSyncStatus   = "/v1/sync/status"
)

var (
	errMissingBaseURL = errors.New("server url is required")
	noOpLogger        = zap.NewNop()
)

// StatusError reports a non-success response to a read request.
type StatusError struct {
	StatusCode int
	Problem    syncwire.Problem
}

func (e *StatusError) Error() string {
	if e.Problem.Detail != "" {
		return fmt.Sprintf("server responded %d: %s", e.StatusCode, e.Problem.Detail)
	}
	return fmt.Sprintf("server responded %d", e.StatusCode)
}

// Config wires a Client. Limiter paces reads; mutation sends are paced by
// the drainer before each attempt is committed.
type Config struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Client issues sync requests against the API server.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	return &Client{
		baseURL: baseURL,
		token:   cfg.Token,
		http:    cfg.HTTPClient,
		limiter: cfg.Limiter,
		timeout: cfg.RequestTimeout,
		logger:  cfg.Logger,
	}, nil
}

// SendMutation delivers one mutation and classifies the result. It never
// returns an error: every failure is expressed as an Outcome.
func (c *Client) SendMutation(ctx context.Context, request syncwire.MutationRequest) classifier.Outcome {
	body, err := json.Marshal(request)
	if err != nil {
		return classifier.Outcome{Verdict: classifier.VerdictFatal, Detail: "encode request", Cause: err, Code: "client.encode"}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := c.newRequest(attemptCtx, http.MethodPost, pathMutations, nil, bytes.NewReader(body))
	if err != nil {
		return classifier.Outcome{Verdict: classifier.VerdictFatal, Detail: "build request", Cause: err, Code: "client.request"}
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	idempotency.Attach(httpRequest, idempotency.Key(request.IdempotencyKey))

	response, err := c.http.Do(httpRequest)
	if err != nil {
		c.logger.Debug("mutation attempt failed in transport",
			zap.String("entity_id", request.EntityID),
			zap.Error(err))
		return classifier.FromTransportError(err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return classifier.FromTransportError(err)
	}
	return classifier.FromResponse(response.StatusCode, response.Header, payload)
}

// FetchChanges reads one page of the change feed after cursor.
func (c *Client) FetchChanges(ctx context.Context, cursor int64, limit int) (syncwire.ChangeFeed, error) {
	query := url.Values{}
	query.Set("cursor", strconv.FormatInt(cursor, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var feed syncwire.ChangeFeed
	err := c.getJSON(ctx, pathChanges, query, &feed)
	return feed, err
}

// FetchLatestCursor reads the head of the change log.
func (c *Client) FetchLatestCursor(ctx context.Context) (int64, error) {
	var latest syncwire.LatestCursor
	if err := c.getJSON(ctx, pathLatestCursor, nil, &latest); err != nil {
		return 0, err
	}
	return latest.Cursor, nil
}

// FetchBootstrap reads the full-state export.
func (c *Client) FetchBootstrap(ctx context.Context) (syncwire.Bootstrap, error) {
	var export syncwire.Bootstrap
	err := c.getJSON(ctx, pathBootstrap, nil, &export)
	return export, err
}

// FetchStatus reads the server's view of the user's sync state.
func (c *Client) FetchStatus(ctx context.Context) (syncwire.SyncStatus, error) {
	var status syncwire.SyncStatus
	err := c.getJSON(ctx, pathSyncStatus, nil, &status)
	return status, err
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, target any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := c.newRequest(requestCtx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	response, err := c.http.Do(request)
	if err != nil {
		return &classifier.TransientTransportError{Cause: err, Detail: path}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return &classifier.TransientTransportError{Cause: err, Detail: path}
	}
	if response.StatusCode != http.StatusOK {
		statusErr := &StatusError{StatusCode: response.StatusCode}
		_ = json.Unmarshal(payload, &statusErr.Problem)
		return statusErr
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	return request, nil
}
