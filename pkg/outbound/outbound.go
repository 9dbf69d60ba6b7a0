// Package outbound performs the engine's HTTP calls to external and webhook endpoints.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dukex/taskflow/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout      = 30 * time.Second
	maxRecordedBodySize = 4096
)

var (
	// ErrHTTPServerError is returned when the server returns a 5xx status.
	ErrHTTPServerError = errors.New("server error during HTTP request")
	// ErrUnexpectedStatus is returned when the status is not in the success list.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
)

// Request is a fully resolved outbound call.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
	// Retries is the number of additional attempts after a network error or 5xx.
	Retries    int
	RetryDelay time.Duration
	IsSuccess  func(status int) bool
}

// Response is the last HTTP response received.
type Response struct {
	StatusCode int `json:"status"`
	// Body is the decoded JSON body, or the raw text when it is not JSON.
	Body any `json:"body"`
}

// Result holds every attempt and the final outcome of a call.
type Result struct {
	Attempts []*models.WebhookAttempt
	Response *Response
	Err      error
}

// Succeeded reports whether the final attempt returned an accepted status.
func (r *Result) Succeeded() bool {
	return r.Err == nil && r.Response != nil
}

// Caller sends outbound requests through an instrumented HTTP client.
type Caller struct {
	client *http.Client
	logger *slog.Logger
}

type Option func(*Caller)

// WithTransport replaces the base transport wrapped by the tracing transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Caller) {
		c.client.Transport = otelhttp.NewTransport(transport)
	}
}

func NewCaller(logger *slog.Logger, opts ...Option) *Caller {
	caller := &Caller{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With("module", "outbound"),
	}

	for _, opt := range opts {
		opt(caller)
	}

	return caller
}

// Do sends the request, retrying network errors and 5xx responses. 4xx
// responses are never retried.
func (c *Caller) Do(ctx context.Context, req Request) *Result {
	if req.Method == "" {
		req.Method = http.MethodPost
	}

	if req.Timeout <= 0 {
		req.Timeout = defaultTimeout
	}

	if req.IsSuccess == nil {
		req.IsSuccess = models.CallConfig{}.IsSuccess
	}

	result := &Result{}

	for attempt := 1; attempt <= req.Retries+1; attempt++ {
		if attempt > 1 {
			c.logger.InfoContext(ctx, "retrying outbound call", "url", req.URL, "attempt", attempt)

			if !sleep(ctx, req.RetryDelay) {
				result.Err = ctx.Err()

				return result
			}
		}

		record, response, err := c.attempt(ctx, req, attempt)
		result.Attempts = append(result.Attempts, record)
		result.Response = response
		result.Err = err

		if err == nil || !retryable(response) {
			return result
		}
	}

	return result
}

func retryable(response *Response) bool {
	return response == nil || response.StatusCode >= http.StatusInternalServerError
}

func (c *Caller) attempt(ctx context.Context, req Request, number int) (*models.WebhookAttempt, *Response, error) {
	started := time.Now().UTC()
	record := &models.WebhookAttempt{
		AttemptNumber: number,
		StartedAt:     started,
	}

	finish := func(status models.AttemptStatus, err error) {
		record.CompletedAt = time.Now().UTC()
		record.DurationMs = record.CompletedAt.Sub(started).Milliseconds()
		record.Status = status

		if err != nil {
			record.Error = err.Error()
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, strings.ToUpper(req.Method), req.URL, bytes.NewReader(req.Body))
	if err != nil {
		err = fmt.Errorf("failed to create http request: %w", err)
		finish(models.AttemptStatusFailed, err)

		return record, nil, err
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		err = fmt.Errorf("http request failed: %w", err)
		finish(models.AttemptStatusFailed, err)

		return record, nil, err
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.ErrorContext(ctx, "failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("failed to read response body: %w", err)
		finish(models.AttemptStatusFailed, err)

		return record, nil, err
	}

	record.HTTPStatus = resp.StatusCode
	record.ResponseBody = truncate(string(raw))

	response := &Response{StatusCode: resp.StatusCode, Body: decodeBody(raw)}

	switch {
	case req.IsSuccess(resp.StatusCode):
		finish(models.AttemptStatusSuccess, nil)

		return record, response, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		err = fmt.Errorf("%w: status %d", ErrHTTPServerError, resp.StatusCode)
	default:
		err = fmt.Errorf("%w: status %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	finish(models.AttemptStatusFailed, err)

	return record, response, err
}

func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return string(raw)
	}

	return body
}

// truncate caps body at maxRecordedBodySize bytes without splitting a rune.
func truncate(body string) string {
	if len(body) <= maxRecordedBodySize {
		return body
	}

	cut := maxRecordedBodySize
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}

	return body[:cut]
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
