package outbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nasieku/sigil/internal/config"
	"github.com/nasieku/sigil/internal/observability"
	"github.com/nasieku/sigil/model"
)

// maxResponseBytes caps how much of an upstream response body is read.
const maxResponseBytes = 10 << 20 // 10MB

// errBreakerOpen signals a request rejected locally without reaching the wire.
var errBreakerOpen = errors.New("outbound: circuit breaker open")

// Request describes a single outbound HTTP call. Operation is a stable
// name used for metrics and tracing, not part of the wire request.
type Request struct {
	Operation string
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
}

// Response is the raw result of an outbound call. Interpreting the status
// code is the caller's job; only transport-level failures (connection,
// timeout, open breaker) are turned into errors here.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is a hardened HTTP client for a single upstream service. It applies
// a request timeout, a circuit breaker, and bounded retry with exponential
// backoff. It is safe for concurrent use.
type Client struct {
	service string
	http    *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
	metrics *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics wires metric recording for requests, retries, and breaker state.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient replaces the underlying HTTP client. Intended for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client for the named service.
func NewClient(service string, timeout time.Duration, cb config.CircuitBreakerConfig, retry config.RetryConfig, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c := &Client{
		service: service,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		breaker: NewCircuitBreaker(cb),
		retry:   retry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Service returns the service name this client talks to.
func (c *Client) Service() string {
	return c.service
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// Do executes the request with circuit breaker and retry support. Responses
// are returned for any HTTP status; errors are *model.ErrorEnvelope for
// breaker-open, connection, and timeout failures.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, span := observability.StartSpan(ctx, "http.client.request",
		observability.AttrServiceID.String(c.service),
		observability.AttrOperation.String(req.Operation),
	)
	resp, err := c.executeWithRetry(ctx, req)
	observability.EndSpanWithError(span, err)
	return resp, err
}

// executeWithRetry wraps executeOnce with retry logic and exponential backoff.
func (c *Client) executeWithRetry(ctx context.Context, req Request) (*Response, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(req.Method) || !c.retry.IdempotentOnly

	var lastErr error
	var lastResp *Response

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(c.retry, attempt)
			select {
			case <-ctx.Done():
				return nil, model.NewBackendTimeoutError()
			case <-time.After(delay):
			}
			if c.metrics != nil {
				c.metrics.RecordOutboundRetry(c.service)
			}
		}

		resp, err := c.executeOnce(ctx, req)
		if err != nil {
			if errors.Is(err, errBreakerOpen) {
				return nil, model.NewBackendUnavailableError()
			}
			lastErr = err
			lastResp = nil
			if !canRetry || ctx.Err() != nil {
				return nil, classifyTransportError(ctx, c.service, err)
			}
			slog.Debug("outbound: retrying after error",
				"service", c.service,
				"operation", req.Operation,
				"attempt", attempt+1,
				"max", maxAttempts,
				"error", err,
			)
			continue
		}

		if isRetryableStatus(resp.StatusCode) && canRetry && attempt < maxAttempts-1 {
			lastErr = nil
			lastResp = resp
			slog.Debug("outbound: retrying after status",
				"service", c.service,
				"operation", req.Operation,
				"attempt", attempt+1,
				"max", maxAttempts,
				"status", resp.StatusCode,
			)
			continue
		}

		return resp, nil
	}

	if lastErr != nil {
		return nil, classifyTransportError(ctx, c.service, lastErr)
	}
	return lastResp, nil
}

// executeOnce performs a single HTTP request with circuit breaker protection.
// Transport errors are returned raw so the retry loop can decide; callers
// outside this file only ever see classified errors.
func (c *Client) executeOnce(ctx context.Context, req Request) (*Response, error) {
	if err := c.breaker.Allow(); err != nil {
		c.syncBreakerGauge()
		return nil, errBreakerOpen
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("outbound: build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(sanitizeHeader(k), sanitizeHeader(v))
		}
	}
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure()
		c.syncBreakerGauge()
		if c.metrics != nil {
			c.metrics.RecordOutboundRequest(c.service, req.Operation, 0, time.Since(start))
		}
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.RecordFailure()
		c.syncBreakerGauge()
		return nil, fmt.Errorf("outbound: read response: %w", err)
	}

	// Record circuit breaker outcome. 4xx responses are not infrastructure
	// failures, so they neither trip nor reset the breaker.
	if isServerError(resp.StatusCode) {
		c.breaker.RecordFailure()
	} else if !isClientError(resp.StatusCode) {
		c.breaker.RecordSuccess()
	}
	c.syncBreakerGauge()

	if c.metrics != nil {
		c.metrics.RecordOutboundRequest(c.service, req.Operation, resp.StatusCode, time.Since(start))
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

func (c *Client) syncBreakerGauge() {
	if c.metrics != nil {
		c.metrics.SetCircuitBreakerState(c.service, float64(c.breaker.State()))
	}
}

// classifyTransportError maps a raw transport error onto the error envelope
// the rest of the service understands.
func classifyTransportError(ctx context.Context, service string, err error) error {
	if ctx.Err() != nil || isTimeoutError(err) {
		return model.NewBackendTimeoutError()
	}
	if isConnectionError(err) {
		return model.NewBackendUnavailableError()
	}
	return fmt.Errorf("outbound: %s request failed: %w", service, err)
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isServerError(code int) bool {
	return code >= 500
}

func isClientError(code int) bool {
	return code >= 400 && code < 500
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return false
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}
