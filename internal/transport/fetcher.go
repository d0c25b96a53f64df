package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/metrics"
)

// maxErrorBody bounds how much of a failed response body is kept for errors.
const maxErrorBody = 512

// Fetcher sends one request to the pump endpoint.
// Implemented by HTTPFetcher (production) and testutil.FakeFetcher (tests).
type Fetcher interface {
	Fetch(ctx context.Context, req ir.FetchRequest) (ir.ResponseEnvelope, error)
}

// HTTPFetcher posts queries to the pump endpoint over HTTP.
//
// Thread-safety: safe for concurrent use; the underlying http.Client is shared.
type HTTPFetcher struct {
	client  *http.Client
	backoff BackoffConfig
	jitter  func() float64
	sleep   func(ctx context.Context, d time.Duration) error
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(cfg BackoffConfig) HTTPOption {
	return func(f *HTTPFetcher) {
		f.backoff = cfg
	}
}

// withSleep replaces the retry sleep; tests use it to avoid waiting.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) HTTPOption {
	return func(f *HTTPFetcher) {
		f.sleep = sleep
	}
}

// NewHTTPFetcher creates a fetcher with the default client and retry policy.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:  http.DefaultClient,
		backoff: DefaultBackoff(),
		jitter:  rand.Float64,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements Fetcher. Transient failures are retried according to the
// backoff policy; the last error is returned if every attempt fails.
func (f *HTTPFetcher) Fetch(ctx context.Context, req ir.FetchRequest) (ir.ResponseEnvelope, error) {
	attempts := f.backoff.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := NextBackoffDelay(f.backoff, attempt-1, f.jitter)
			slog.Debug("retrying pump request",
				"kind", req.Kind(),
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			metrics.FetchRetriesTotal.Inc()
			if err := f.sleep(ctx, delay); err != nil {
				return ir.ResponseEnvelope{}, fmt.Errorf("retry cancelled: %w", err)
			}
		}

		env, err := f.do(ctx, req)
		if err == nil {
			return env, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}
	return ir.ResponseEnvelope{}, lastErr
}

func (f *HTTPFetcher) do(ctx context.Context, req ir.FetchRequest) (ir.ResponseEnvelope, error) {
	start := time.Now()
	kind := req.Kind()
	defer func() {
		metrics.FetchDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	body, err := req.Query.Body()
	if err != nil {
		return ir.ResponseEnvelope{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return ir.ResponseEnvelope{}, fmt.Errorf("build pump request: %w", err)
	}
	for k, v := range req.Headers() {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("cache-control", "no-store")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		metrics.FetchRequestsTotal.WithLabelValues(kind, "error").Inc()
		return ir.ResponseEnvelope{}, err
	}
	defer resp.Body.Close()

	metrics.FetchRequestsTotal.WithLabelValues(kind, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ir.ResponseEnvelope{}, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	var env ir.ResponseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return ir.ResponseEnvelope{}, &ParseError{Err: err}
	}
	return env, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
