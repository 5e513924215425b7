// Package remote implements types.RemoteService against the data server:
// mutations over REST with retry and a circuit breaker, and live queries
// multiplexed over one websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/almanac/internal/wire"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

const defaultPingInterval = 30 * time.Second

// Client is a types.RemoteService backed by the data server.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	retry   RetryConfig
	breaker *CircuitBreaker
	dialer  *websocket.Dialer
	ping    time.Duration
	log     logrus.FieldLogger

	live *liveMux
}

var _ types.RemoteService = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithHTTPClient sets the HTTP client used for REST requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithRetry sets the retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithCircuitBreaker sets the circuit breaker policy.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(c *Client) { c.breaker = NewCircuitBreaker(cfg) }
}

// WithPingInterval sets the websocket keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ping = d
		}
	}
}

// New creates a client for the data server at baseURL, authenticating with
// the bearer token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, types.ErrRemoteURLEmpty
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}
	if token == "" {
		return nil, types.ErrUnauthorized
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)
	c := &Client{
		baseURL: u,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   DefaultRetryConfig(),
		breaker: NewCircuitBreaker(DefaultCircuitBreakerConfig()),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ping:    defaultPingInterval,
		log:     discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.live = newLiveMux(c)
	return c, nil
}

// Create implements types.RemoteService.
func (c *Client) Create(ctx context.Context, kind types.Kind, fields types.Fields) (types.Record, error) {
	var rec types.Record
	if err := c.do(ctx, http.MethodPost, recordsPath(kind, ""), fields, &rec); err != nil {
		return types.Record{}, err
	}
	return hydrate(kind, rec), nil
}

// Update implements types.RemoteService.
func (c *Client) Update(ctx context.Context, kind types.Kind, id string, fields types.Fields) (types.Record, error) {
	if id == "" {
		return types.Record{}, types.ErrInvalidID
	}
	var rec types.Record
	if err := c.do(ctx, http.MethodPatch, recordsPath(kind, id), fields, &rec); err != nil {
		return types.Record{}, err
	}
	return hydrate(kind, rec), nil
}

// Delete implements types.RemoteService.
func (c *Client) Delete(ctx context.Context, kind types.Kind, id string) error {
	if id == "" {
		return types.ErrInvalidID
	}
	return c.do(ctx, http.MethodDelete, recordsPath(kind, id), nil, nil)
}

// List fetches the owner's records of kind once.
func (c *Client) List(ctx context.Context, kind types.Kind) ([]types.Record, error) {
	var records []types.Record
	if err := c.do(ctx, http.MethodGet, recordsPath(kind, ""), nil, &records); err != nil {
		return nil, err
	}
	return hydrateAll(kind, records), nil
}

// Subscribe implements types.RemoteService. All live queries share one
// websocket, dialed on first use.
func (c *Client) Subscribe(ctx context.Context, kind types.Kind, handler types.SnapshotHandler) (types.LiveQuery, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", kind)
	}
	return c.live.subscribe(ctx, kind, handler)
}

// Close drops the live query connection. Open live queries receive no
// further pushes.
func (c *Client) Close() error {
	return c.live.close()
}

// CircuitState reports the REST circuit breaker state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

func recordsPath(kind types.Kind, id string) string {
	p := "/v1/records/" + url.PathEscape(string(kind))
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

// do sends one REST request with retries and decodes a 2xx response into
// out. Error responses are converted back into service errors. Creates are
// not idempotent and are resent only when the server cannot have stored
// them.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	idempotent := method != http.MethodPost
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retry.backoff(attempt)
			c.log.WithFields(logrus.Fields{"method": method, "path": path, "attempt": attempt, "wait": wait}).
				WithError(lastErr).Debug("retrying request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		status, data, err := c.send(ctx, method, path, payload)
		if err != nil {
			if retryableError(err, idempotent) {
				lastErr = err
				continue
			}
			if serverFault(err) {
				c.breaker.RecordFailure()
			}
			return err
		}
		if retryableStatus(status, idempotent) {
			lastErr = responseError(status, data)
			continue
		}
		if status >= 500 {
			c.breaker.RecordFailure()
			return responseError(status, data)
		}

		c.breaker.RecordSuccess()
		if status >= 300 {
			return responseError(status, data)
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
		}
		return nil
	}

	c.breaker.RecordFailure()
	return lastErr
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// StatusError is an error response without a recognizable body.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func responseError(status int, data []byte) error {
	var body wire.ErrorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return &StatusError{StatusCode: status}
	}
	return body.Err()
}

func hydrate(kind types.Kind, rec types.Record) types.Record {
	schema, err := types.SchemaFor(kind)
	if err != nil {
		return rec
	}
	rec.Kind = kind
	rec.Fields = schema.Hydrate(rec.Fields)
	return rec
}

func hydrateAll(kind types.Kind, records []types.Record) []types.Record {
	for i := range records {
		records[i] = hydrate(kind, records[i])
	}
	return records
}

// errConnectionLost is reported to live queries when the websocket drops.
var errConnectionLost = errors.New("live connection lost")
