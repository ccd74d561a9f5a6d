// Package collector is the HTTP client for the remote navigation collector.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/track"
)

const (
	uploadsPath    = "/v1/uploads"
	maxErrorBody   = 4 << 10
	defaultTimeout = 10 * time.Second
)

// Config configures the Client.
type Config struct {
	Endpoint string
	APIKey   string
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration
}

// Client uploads sessions over HTTP.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	retry    RetryPolicy
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New builds a Client. httpClient and retry may be nil.
func New(cfg Config, httpClient *http.Client, retry RetryPolicy, logger *zap.Logger) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("collector endpoint is required")
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy(0, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		http:     httpClient,
		retry:    retry,
		tracer:   otel.Tracer("github.com/JakeFAU/navtrack/internal/collector"),
		logger:   logger.Named("collector"),
	}, nil
}

// Upload posts req, retrying transient failures. The upload ID is sent as
// the idempotency key so retries and compensating calls collapse server-side.
func (c *Client) Upload(ctx context.Context, req track.UploadRequest) (track.UploadResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return track.UploadResult{}, &Error{Class: ClassEncode, Err: err}
	}

	for attempt := 1; ; attempt++ {
		result, err := c.post(ctx, req.UploadID, attempt, body)
		if err == nil {
			return result, nil
		}
		var ce *Error
		if errors.As(err, &ce) {
			ce.Attempts = attempt
		}
		if !c.retry.ShouldRetry(err, attempt) {
			return track.UploadResult{}, err
		}
		wait := c.retry.Backoff(attempt)
		c.logger.Debug("retrying upload",
			zap.String("upload_id", req.UploadID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return track.UploadResult{}, classify(ctx.Err(), attempt)
		case <-timer.C:
		}
	}
}

func (c *Client) post(ctx context.Context, uploadID string, attempt int, body []byte) (track.UploadResult, error) {
	ctx, span := c.tracer.Start(ctx, "collector.upload", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("navtrack.upload_id", uploadID),
		attribute.Int("navtrack.attempt", attempt),
	)

	result, err := c.do(ctx, uploadID, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (c *Client) do(ctx context.Context, uploadID string, body []byte) (track.UploadResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+uploadsPath, bytes.NewReader(body))
	if err != nil {
		return track.UploadResult{}, &Error{Class: ClassEncode, Err: err}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", uploadID)
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return track.UploadResult{}, classify(err, 0)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result track.UploadResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && !errors.Is(err, io.EOF) {
			return track.UploadResult{}, &Error{Class: ClassServer, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		if result.UploadID == "" {
			result.UploadID = uploadID
		}
		return result, nil
	case resp.StatusCode >= 500:
		return track.UploadResult{}, &Error{Class: ClassServer, StatusCode: resp.StatusCode, Err: errors.New(readSnippet(resp.Body))}
	default:
		return track.UploadResult{}, &Error{Class: ClassRejected, StatusCode: resp.StatusCode, Err: errors.New(readSnippet(resp.Body))}
	}
}

func classify(err error, attempts int) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Class: ClassTimeout, Attempts: attempts, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &Error{Class: ClassTimeout, Attempts: attempts, Err: err}
	default:
		return &Error{Class: ClassNetwork, Attempts: attempts, Err: err}
	}
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "empty response body"
	}
	return msg
}
