// Package httpcall executes the outbound requests of external_api_call steps.
package httpcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/bankflow/internal/telemetry"
	"github.com/rendis/bankflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = 30 * time.Second
)

var validMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// ValidMethod reports whether m (case-insensitive) is an accepted method.
func ValidMethod(m string) bool {
	return validMethods[strings.ToUpper(m)]
}

// Config configures the client.
type Config struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxResponseBody int64         `mapstructure:"max_body_bytes"`
	// RateLimit is requests per second per host; zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// Request is a rendered API call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	Timeout time.Duration
}

// Response is the normalized result of a call.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
	Duration   time.Duration     `json:"-"`
}

// Output is the step output shape: {status_code, headers, body}.
func (r *Response) Output() map[string]any {
	headers := make(map[string]any, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]any{
		"status_code": float64(r.StatusCode),
		"headers":     headers,
		"body":        r.Body,
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	metrics *telemetry.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithMetrics records call durations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// New creates a Client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) limiter(host string) *rate.Limiter {
	if c.cfg.RateLimit <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.RateLimit), c.cfg.Burst)
		c.limiters[host] = l
	}
	return l
}

// Do executes the request. Transport failures return retryable
// EXECUTION_ERROR or TIMEOUT_ERROR; a malformed request returns
// VALIDATION_ERROR. Status codes are not judged here.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !validMethods[method] {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported http method %q", req.Method)
	}
	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", req.URL)
	}

	var bodyReader io.Reader
	var contentType string
	switch b := req.Body.(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(b)
		contentType = "text/plain"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "failed to marshal body as JSON").WithCause(err)
		}
		bodyReader = strings.NewReader(string(raw))
		contentType = "application/json"
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqCtx, span := telemetry.StartClientSpan(reqCtx, "http "+method,
		telemetry.AttrHTTPMethod.String(method),
		telemetry.AttrURLHost.String(u.Host),
	)
	var callErr error
	defer func() { telemetry.EndSpanWithError(span, callErr) }()

	if l := c.limiter(u.Host); l != nil {
		if err := l.Wait(reqCtx); err != nil {
			callErr = classify(ctx, err, "rate limiter")
			return nil, callErr
		}
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, method, u.String(), bodyReader)
	if err != nil {
		callErr = schema.NewError(schema.ErrCodeValidation, "failed to create request").WithCause(err)
		return nil, callErr
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	telemetry.InjectTraceHeaders(reqCtx, httpReq.Header)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		c.record(ctx, u.Host, 0, elapsed)
		callErr = classify(ctx, err, "request failed")
		return nil, callErr
	}
	defer resp.Body.Close()
	c.record(ctx, u.Host, resp.StatusCode, elapsed)
	span.SetAttributes(telemetry.AttrHTTPStatus.Int(resp.StatusCode))

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody+1))
	if err != nil {
		callErr = classify(ctx, err, "failed to read response body")
		return nil, callErr
	}
	if int64(len(bodyBytes)) > c.cfg.MaxResponseBody {
		callErr = schema.NewErrorf(schema.ErrCodeExecution, "response body exceeds %d bytes", c.cfg.MaxResponseBody)
		return nil, callErr
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       parseBody(resp.Header.Get("Content-Type"), bodyBytes),
		Duration:   elapsed,
	}, nil
}

func (c *Client) record(ctx context.Context, host string, status int, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordAPICall(ctx, host, status, elapsed)
	}
}

func parseBody(contentType string, b []byte) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}

// classify maps transport errors onto engine codes. A cancelled parent
// context is not retryable; a deadline is.
func classify(parent context.Context, err error, msg string) error {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return schema.NewError(schema.ErrCodeCancelled, msg+": context cancelled").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeTimeout, msg+": timed out").WithCause(err)
	default:
		return schema.NewError(schema.ErrCodeExecution, fmt.Sprintf("%s: %v", msg, err)).WithCause(err)
	}
}
