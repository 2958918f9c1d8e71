// Package client talks to the board backend over HTTP: it loads the stage
// enum and the record set, and persists status changes. A *Client satisfies
// board.StageSource, board.RecordSource and board.StatusUpdater.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/CrowderSoup/boardsync/board"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const maxBodySize = 10 * 1024 * 1024 // 10MB

// TokenProvider supplies the bearer token for each request.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Paths are the backend endpoints, relative to the base URL. Update must
// contain the {id} placeholder.
type Paths struct {
	Stages    string
	Records   string
	Update    string
	WebSocket string
}

// DefaultPaths returns the endpoints served by the reference backend.
func DefaultPaths() Paths {
	return Paths{
		Stages:    "/api/stages",
		Records:   "/api/records",
		Update:    "/api/records/{id}",
		WebSocket: "/api/ws",
	}
}

// Client is an HTTP client for the board backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	schema     board.Schema
	paths      Paths
	breaker    *gobreaker.CircuitBreaker
	log        logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTokenProvider(tp TokenProvider) Option {
	return func(c *Client) { c.tokens = tp }
}

func WithSchema(s board.Schema) Option {
	return func(c *Client) { c.schema = s }
}

func WithPaths(p Paths) Option {
	return func(c *Client) { c.paths = p }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

// WithBreaker replaces the default circuit breaker settings.
func WithBreaker(st gobreaker.Settings) Option {
	return func(c *Client) { c.breaker = gobreaker.NewCircuitBreaker(st) }
}

// DefaultBreakerSettings trips after three requests with a failure ratio of
// at least 60%, and probes again after Timeout.
func DefaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    5 * time.Second,
		Timeout:     3 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		schema:     board.DefaultSchema(),
		paths:      DefaultPaths(),
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = gobreaker.NewCircuitBreaker(DefaultBreakerSettings("boardsync-api"))
	}
	c.log = c.log.WithField("component", "client")
	return c
}

// FetchStages loads the status enum, a JSON object mapping numeric status
// values to labels. Stages are ordered by numeric value.
func (c *Client) FetchStages(ctx context.Context) ([]board.Stage, error) {
	const op = "fetch stages"
	status, body, err := c.do(ctx, http.MethodGet, c.paths.Stages, nil)
	if err != nil {
		return nil, err
	}
	env, err := checkEnvelope(op, status, body)
	if err != nil {
		return nil, err
	}
	payload := body
	if len(env.Data) > 0 {
		payload = env.Data
	} else if len(env.Result) > 0 {
		payload = env.Result
	}

	var labels map[string]string
	if err := json.Unmarshal(payload, &labels); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, op, err)
	}

	type entry struct {
		key   string
		value int
	}
	entries := make([]entry, 0, len(labels))
	for k := range labels {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: non-numeric status %q", ErrMalformed, op, k)
		}
		entries = append(entries, entry{key: k, value: n})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].value < entries[j].value })

	stages := make([]board.Stage, len(entries))
	for i, e := range entries {
		stages[i] = board.Stage{ID: strconv.Itoa(e.value), Title: labels[e.key], Order: i, Value: e.value}
	}
	c.log.WithField("stages", len(stages)).Debug("Fetched stages")
	return stages, nil
}

// FetchRecords loads the full record set, either a bare JSON array or one
// wrapped in a {"result": [...]} envelope.
func (c *Client) FetchRecords(ctx context.Context) ([]board.Record, error) {
	const op = "fetch records"
	status, body, err := c.do(ctx, http.MethodGet, c.paths.Records, nil)
	if err != nil {
		return nil, err
	}
	env, err := checkEnvelope(op, status, body)
	if err != nil {
		return nil, err
	}
	payload := body
	if len(env.Result) > 0 {
		payload = env.Result
	} else if len(env.Data) > 0 {
		payload = env.Data
	}

	var records []board.Record
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, op, err)
	}
	c.log.WithField("records", len(records)).Debug("Fetched records")
	return records, nil
}

// UpdateStatus sends the full record with its status field replaced. It
// succeeds only when both the HTTP status and the embedded code signal
// success, and returns the record echoed back in the envelope's data field,
// if any.
func (c *Client) UpdateStatus(ctx context.Context, rec board.Record, status int) (board.Record, error) {
	const op = "update status"
	id := rec.String(c.schema.IDField)
	if id == "" {
		return nil, fmt.Errorf("client: %s: record has no %q field", op, c.schema.IDField)
	}

	payload := rec.Clone()
	payload[c.schema.StatusField] = status
	path := strings.ReplaceAll(c.paths.Update, "{id}", url.PathEscape(id))

	code, body, err := c.do(ctx, http.MethodPut, path, payload)
	if err != nil {
		return nil, err
	}
	env, err := checkEnvelope(op, code, body)
	if err != nil {
		c.log.WithFields(logrus.Fields{"record": id, "status": status}).WithError(err).Info("Status update rejected")
		return nil, err
	}

	c.log.WithFields(logrus.Fields{"record": id, "status": status}).Debug("Status updated")
	if len(env.Data) == 0 || env.Data[0] != '{' {
		return nil, nil
	}
	var confirmed board.Record
	if err := json.Unmarshal(env.Data, &confirmed); err != nil {
		return nil, nil
	}
	return confirmed, nil
}

// do performs one request through the circuit breaker. Transport failures
// and 5xx answers count against the breaker; everything else is returned
// for the caller to interpret.
func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	type response struct {
		status int
		body   []byte
	}

	v, err := c.breaker.Execute(func() (any, error) {
		status, body, err := c.roundTrip(ctx, method, path, payload)
		if err != nil {
			return nil, err
		}
		if status >= 500 {
			env, _ := parseEnvelope(body)
			code, _ := env.code()
			return nil, &APIError{Op: method + " " + path, HTTPStatus: status, Code: code, Message: env.message()}
		}
		return response{status: status, body: body}, nil
	})
	if err != nil {
		c.log.WithFields(logrus.Fields{"method": method, "path": path}).WithError(err).Warn("Request failed")
		return 0, nil, err
	}
	resp := v.(response)
	return resp.status, resp.body, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("client: encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return 0, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("client: read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("client: token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}
