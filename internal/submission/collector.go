package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dandantas/lookout/internal/metrics"
)

// ErrCircuitOpen is returned without a network call while the breaker is open
var ErrCircuitOpen = errors.New("collector circuit breaker is open")

// Deliverer sends one payload to the collector. Only http.StatusOK counts
// as delivered; every other status or error is a failure to be retried.
type Deliverer interface {
	Deliver(ctx context.Context, payload []byte) (int, error)
}

// CollectorClient posts payloads to <base>/record
type CollectorClient struct {
	httpClient     *http.Client
	endpoint       string
	circuitBreaker *CircuitBreaker
	metrics        *metrics.Metrics
}

// NewCollectorClient creates a collector client for baseURL
func NewCollectorClient(baseURL string, timeout time.Duration, clk clock.Clock, m *metrics.Metrics) *CollectorClient {
	return &CollectorClient{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoint:       strings.TrimRight(baseURL, "/") + "/record",
		circuitBreaker: NewCircuitBreaker(DefaultBreakerConfig, clk),
		metrics:        m,
	}
}

// Deliver performs a single delivery attempt
func (c *CollectorClient) Deliver(ctx context.Context, payload []byte) (int, error) {
	if !c.circuitBreaker.Allow() {
		c.metrics.SetCircuitState("record", int(c.circuitBreaker.State()))
		return 0, ErrCircuitOpen
	}

	status, err := c.post(ctx, payload)
	if err == nil && status == http.StatusOK {
		c.circuitBreaker.Success()
	} else {
		c.circuitBreaker.Failure()
	}
	c.metrics.SetCircuitState("record", int(c.circuitBreaker.State()))
	return status, err
}

func (c *CollectorClient) post(ctx context.Context, payload []byte) (int, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to post record: %w", err)
	}
	defer resp.Body.Close()

	// Read response body (limit to 1KB to prevent memory issues)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		slog.Warn("Failed to read collector response body", "error", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Warn("Collector rejected record",
			"status_code", resp.StatusCode,
			"response_body", string(body),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return resp.StatusCode, nil
}

// CircuitState returns the breaker state name
func (c *CollectorClient) CircuitState() string {
	return c.circuitBreaker.State().String()
}
