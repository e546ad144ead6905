// Package api is the REST transport of the table service. It sends
// authenticated JSON requests with client-side rate limiting and retries
// transient failures with exponential backoff.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/arkilian/tablesync/internal/config"
	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/internal/logging"
)

// RequestIDHeader carries the id of every request. The development server
// echoes it back.
const RequestIDHeader = "X-Request-ID"

// Options configures a Client.
type Options struct {
	// Endpoint is the base URL, e.g. https://repo-prod.example.org/repo/v1.
	Endpoint string
	// AuthToken is sent as a bearer token when set.
	AuthToken string
	// Timeout bounds a single HTTP request.
	Timeout time.Duration
	// RateLimit is the sustained number of requests per second; 0 disables
	// limiting.
	RateLimit float64
	// RateBurst is the burst size of the limiter.
	RateBurst int
	// MaxRetries is the number of retries of transient failures.
	MaxRetries int
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OptionsFromConfig returns client options for cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Endpoint:   cfg.Endpoint,
		AuthToken:  cfg.AuthToken,
		Timeout:    cfg.HTTP.Timeout,
		RateLimit:  cfg.HTTP.RateLimit,
		RateBurst:  cfg.HTTP.RateBurst,
		MaxRetries: cfg.HTTP.MaxRetries,
	}
}

// Client calls the table service REST API.
type Client struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *slog.Logger
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Client{
		endpoint:   strings.TrimRight(opts.Endpoint, "/"),
		authToken:  opts.AuthToken,
		httpClient: hc,
		limiter:    limiter,
		maxRetries: max(opts.MaxRetries, 0),
		logger:     logging.OrDefault(opts.Logger),
	}
}

// Endpoint returns the base URL.
func (c *Client) Endpoint() string { return c.endpoint }

// errorBody is the error payload of the service.
type errorBody struct {
	Reason string `json:"reason"`
}

// retryPolicy selects which failed attempts of a request are sent again.
type retryPolicy int

const (
	// retryTransient retries every transient failure. Only idempotent
	// requests use it.
	retryTransient retryPolicy = iota
	// retryUnsent retries a failure only when the service cannot have acted
	// on the request: it was rate limited or never fully written.
	retryUnsent
)

func (p retryPolicy) retry(err error, sent bool) bool {
	if !tserrors.IsRetryable(err) {
		return false
	}
	if p == retryUnsent {
		return !sent || tserrors.GetCode(err) == tserrors.CodeRateLimited
	}
	return true
}

// doJSON sends in as JSON and decodes the response into out. Either may be nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	return c.doJSONWith(ctx, retryTransient, method, path, in, out)
}

func (c *Client) doJSONWith(ctx context.Context, policy retryPolicy, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return tserrors.NewInternalError(fmt.Sprintf("encode %s %s", method, path), err)
		}
	}
	return c.do(ctx, policy, method, path, func() (io.Reader, string, error) {
		if payload == nil {
			return nil, "", nil
		}
		return bytes.NewReader(payload), "application/json", nil
	}, out)
}

// bodyFunc returns a fresh request body and its content type. A nil reader
// sends no body.
type bodyFunc func() (io.Reader, string, error)

// do sends one request, retrying the failures policy allows. body is called
// once per attempt.
func (c *Client) do(ctx context.Context, policy retryPolicy, method, path string, body bodyFunc, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var sent bool
		sent, lastErr = c.attempt(ctx, method, path, body, out)
		if lastErr == nil || !policy.retry(lastErr, sent) {
			return lastErr
		}
		if attempt < c.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			c.logger.Debug("retrying request", "method", method, "path", path, "attempt", attempt+1, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// attempt sends the request once. It reports whether the request was
// written to the connection.
func (c *Client) attempt(ctx context.Context, method, path string, body bodyFunc, out any) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	r, contentType, err := body()
	if err != nil {
		return false, tserrors.NewInternalError(fmt.Sprintf("prepare %s %s", method, path), err)
	}
	var wrote atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, c.endpoint+path, r)
	if err != nil {
		return false, tserrors.NewInternalError(fmt.Sprintf("build %s %s", method, path), err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if r != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return wrote.Load(), ctx.Err()
		}
		return wrote.Load(), tserrors.NewTransportError(tserrors.CodeRequestFailed, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode,
		"request_id", requestID, "took", time.Since(start).Round(time.Millisecond))

	if resp.StatusCode >= 300 {
		return true, statusError(method, path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return true, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return true, tserrors.NewTransportError(tserrors.CodeBadRequest, fmt.Sprintf("decode response of %s %s", method, path), err)
	}
	return true, nil
}

// statusError maps an HTTP error status to a TableError. 429 and 5xx are
// retryable.
func statusError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	reason := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Reason != "" {
		reason = eb.Reason
	}
	msg := fmt.Sprintf("%s %s: %s: %s", method, path, resp.Status, reason)

	var code string
	switch {
	case resp.StatusCode == http.StatusNotFound:
		code = tserrors.CodeNotFound
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		code = tserrors.CodeConflict
	case resp.StatusCode == http.StatusTooManyRequests:
		code = tserrors.CodeRateLimited
	case resp.StatusCode >= 500:
		code = tserrors.CodeRequestFailed
	default:
		code = tserrors.CodeBadRequest
	}
	return tserrors.NewTransportError(code, msg, nil).WithDetails(map[string]interface{}{
		"status": resp.StatusCode,
	})
}
