// Package cloud is a client for the device-management cloud API: fleets,
// devices and device registration.
package cloud

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

	"github.com/andrej220/fleetmigrate/internal/lg"
	"github.com/andrej220/fleetmigrate/pkg/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

type Client struct {
	baseURL    string
	apiVersion string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	newBackOff func() backoff.BackOff
	logger     lg.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackOff sets the retry policy used for read requests.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

func WithLogger(l lg.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL, apiVersion, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		newBackOff: defaultBackOff,
		logger:     lg.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiVersion == "" {
		c.apiVersion = config.DefaultAPIVersion
	}

	cbs := gobreaker.Settings{
		Name:        "cloud-api " + c.baseURL,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// only server side failures count against the breaker
		IsSuccessful: func(err error) bool {
			return err == nil || !isTemporary(err) || errors.Is(err, context.Canceled)
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(cbs)
	return c
}

// NewFromEnvironment builds a client for a configured environment.
func NewFromEnvironment(env config.Environment, opts ...Option) *Client {
	return New(env.BaseURL(), env.APIVersion, env.APIKey, opts...)
}

func defaultBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      1 * time.Minute,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// BaseURL identifies the environment in logs.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	token  string
}

func (c *Client) resource(name string) string {
	return "/" + c.apiVersion + "/" + name
}

// get retries transient failures; writes are sent once.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	req := request{method: http.MethodGet, path: path, query: query}
	operation := func() error {
		err := c.send(ctx, req, out)
		if err != nil && (!isTemporary(err) || errors.Is(err, gobreaker.ErrOpenState)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("cloud request failed, retrying",
			lg.String("path", path), lg.Duration("wait", wait), lg.Err(err))
	}
	return backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify)
}

func (c *Client) post(ctx context.Context, path string, body, out any, token string) error {
	return c.send(ctx, request{method: http.MethodPost, path: path, body: body, token: token}, out)
}

func (c *Client) send(ctx context.Context, r request, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, r, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, r request, out any) error {
	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + encodeQuery(r.query)
	}

	var body io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token := r.token
	if token == "" {
		token = c.token
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("cloud request", lg.String("method", r.method), lg.String("url", target))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.method, r.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			StatusCode: resp.StatusCode,
			Method:     r.method,
			Path:       r.path,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: %w: %w", r.method, r.path, ErrMalformedResponse, err)
	}
	return nil
}

// encodeQuery is url.Values.Encode with %20 for spaces, which OData
// filters expect.
func encodeQuery(q url.Values) string {
	return strings.ReplaceAll(q.Encode(), "+", "%20")
}

// quote renders s as an OData string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func eq(field, value string) string {
	return field + " eq " + quote(value)
}
