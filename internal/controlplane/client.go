// Package controlplane is the HTTP client for the scheduler administration API.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds every request unless overridden.
	DefaultTimeout = 30 * time.Second

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 8 << 20
)

// Credentials supplies the Authorization header for requests.
type Credentials interface {
	AuthHeader() (string, bool)
}

// Client wraps HTTP calls to the control plane.
type Client struct {
	baseURL       string
	creds         Credentials
	httpClient    *http.Client
	timeout       time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer
	onAuthFailure func(*Error)
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithAuthFailureHandler registers fn to run whenever the server unambiguously
// rejects the credential.
func WithAuthFailureHandler(fn func(*Error)) Option {
	return func(c *Client) { c.onAuthFailure = fn }
}

// NewClient creates a control-plane client rooted at baseURL.
func NewClient(baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
		tracer:     otel.Tracer("github.com/fentz26/schedwatch/internal/controlplane"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the control-plane root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// envelope is the {success, data, error} wrapper around every response.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Do performs an authenticated request and decodes the envelope's data into out.
// out may be nil when the caller does not need a result.
func (c *Client) Do(ctx context.Context, method, endpoint string, query url.Values, body, out interface{}) error {
	header, ok := "", false
	if c.creds != nil {
		header, ok = c.creds.AuthHeader()
	}
	if !ok {
		return &Error{Type: ErrAuth, Message: ErrNotLoggedIn.Error(), Err: ErrNotLoggedIn}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, method+" "+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", endpoint),
		),
	)
	defer span.End()

	err := c.do(ctx, header, method, endpoint, query, body, out, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) do(ctx context.Context, header, method, endpoint string, query url.Values, body, out interface{}, span trace.Span) error {
	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		msg := "request failed"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("request timed out after %s", c.timeout)
		}
		return &Error{Type: ErrNetwork, Message: msg, Err: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Type: ErrNetwork, Status: resp.StatusCode, Message: "reading response failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := classify(resp.StatusCode, data)
		if apiErr.Type == ErrAuth && c.onAuthFailure != nil {
			c.onAuthFailure(apiErr)
		}
		c.logger.Debug("control plane request failed",
			"method", method, "endpoint", endpoint, "status", resp.StatusCode, "type", apiErr.Type)
		return apiErr
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &Error{Type: ErrAPI, Status: resp.StatusCode, Message: "malformed response envelope", Err: err}
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request was not successful"
		}
		return &Error{Type: ErrAPI, Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		msg := env.Error
		if msg == "" {
			msg = "response carried no data"
		}
		return &Error{Type: ErrAPI, Status: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Type: ErrAPI, Status: resp.StatusCode, Message: "malformed response data", Err: err}
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	return c.Do(ctx, http.MethodGet, endpoint, query, nil, out)
}

func (c *Client) post(ctx context.Context, endpoint string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, endpoint, nil, body, out)
}

func (c *Client) put(ctx context.Context, endpoint string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPut, endpoint, nil, body, out)
}

func (c *Client) delete(ctx context.Context, endpoint string) error {
	return c.Do(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}
