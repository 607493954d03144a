package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/resilience"
	"github.com/zkorum/mathupdater/telemetry"
)

// maxErrorBody bounds how much of an error response is kept for logs.
const maxErrorBody = 2048

// StatusError is a non-2xx answer from the engine that is not worth
// retrying.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.StatusCode, e.Body)
}

// Client calls the clustering engine over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    core.CircuitBreaker
	retry      *resilience.RetryConfig
	logger     core.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the traced default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithCircuitBreaker replaces the breaker built from config. Nil disables it.
func WithCircuitBreaker(cb core.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = cb }
}

// NewClient builds an engine client from config.
func NewClient(cfg core.EngineConfig, logger core.Logger, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, core.NewUpdaterError("engine.NewClient", "config",
			fmt.Errorf("engine base URL: %w", core.ErrMissingConfiguration))
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: telemetry.NewTracedHTTPClient(cfg.Timeout),
		logger:     core.WithComponent(logger, "mathupdater/engine"),
		retry: &resilience.RetryConfig{
			MaxAttempts:   cfg.RetryAttempts + 1,
			InitialDelay:  cfg.RetryDelay,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
			JitterEnabled: true,
			RetryIf: func(err error) bool {
				return errors.Is(err, core.ErrEngineUnavailable)
			},
		},
	}

	if cfg.CircuitBreaker {
		cbCfg := resilience.DefaultConfig()
		cbCfg.Name = "clustering-engine"
		cbCfg.Logger = c.logger
		cbCfg.Metrics = resilience.NewTelemetryMetrics()
		cb, err := resilience.NewCircuitBreaker(cbCfg)
		if err != nil {
			return nil, err
		}
		if err := resilience.RegisterStateGauge(cb); err != nil {
			c.logger.Warn("Failed to register circuit breaker gauge", map[string]interface{}{
				"error": err.Error(),
			})
		}
		c.breaker = cb
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetMath posts the votes and returns the validated results together with
// the raw response body, which is stored verbatim in the snapshot.
func (c *Client) GetMath(ctx context.Context, req *MathRequest) (*MathResults, []byte, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine.get_math",
		attribute.Int64("conversation.id", req.ConversationID),
		attribute.Int("engine.votes", len(req.Votes)))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: encode request: %w", err)
	}

	start := time.Now()
	var raw []byte
	call := func() error {
		var err error
		raw, err = c.post(ctx, body)
		return err
	}
	if c.breaker != nil {
		err = resilience.RetryWithCircuitBreaker(ctx, c.retry, c.breaker, call)
	} else {
		err = resilience.Retry(ctx, c.retry, call)
	}
	telemetry.Duration("mathupdater.engine.request.duration", start, "outcome", outcome(err))
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		c.logger.ErrorWithContext(ctx, "Clustering engine request failed", map[string]interface{}{
			"operation":       "engine_get_math",
			"conversation_id": req.ConversationID,
			"votes":           len(req.Votes),
			"duration_ms":     time.Since(start).Milliseconds(),
			"error":           err.Error(),
		})
		return nil, nil, err
	}

	c.logger.DebugWithContext(ctx, "Clustering engine responded", map[string]interface{}{
		"operation":       "engine_get_math",
		"conversation_id": req.ConversationID,
		"response_size":   humanize.Bytes(uint64(len(raw))),
		"duration_ms":     time.Since(start).Milliseconds(),
	})

	var results MathResults
	if err := json.Unmarshal(raw, &results); err != nil {
		err = fmt.Errorf("engine: decode response: %w: %v", core.ErrMalformedEngineOutput, err)
		telemetry.RecordSpanError(ctx, err)
		return nil, raw, err
	}
	if err := results.Validate(); err != nil {
		telemetry.RecordSpanError(ctx, err)
		return nil, raw, fmt.Errorf("engine: %w", err)
	}
	return &results, raw, nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/math", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("engine: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("engine: %w: %v", core.ErrEngineUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("engine: read response: %w: %v", core.ErrEngineUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("engine: %w: status %d: %s", core.ErrEngineUnavailable, resp.StatusCode, snippet(data))
	case resp.StatusCode >= 300:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(data)}
	}
	return data, nil
}

func snippet(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}

func outcome(err error) string {
	var statusErr *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &statusErr):
		return "status_" + strconv.Itoa(statusErr.StatusCode)
	default:
		return "unavailable"
	}
}
