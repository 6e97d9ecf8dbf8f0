// Package controlplane implements the sources the agent asks what to run,
// under maintenance, and with which credentials, plus health report sinks.
package controlplane

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
	"net/url"
	"strings"
	"time"

	"github.com/dandantas/lookout/internal/model"
)

// ErrUnavailable wraps every failure to reach the control plane
var ErrUnavailable = errors.New("control plane unavailable")

// RetryPolicy controls how idempotent requests are retried
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// SetDefaults fills unset fields: 3 attempts, 1s apart, doubling up to 10s
func (rp *RetryPolicy) SetDefaults() {
	if rp.MaxAttempts <= 0 {
		rp.MaxAttempts = 3
	}
	if rp.InitialDelay <= 0 {
		rp.InitialDelay = time.Second
	}
	if rp.MaxDelay <= 0 {
		rp.MaxDelay = 10 * time.Second
	}
	if rp.Multiplier <= 0 {
		rp.Multiplier = 2.0
	}
}

// CalculateDelay returns min(initial * multiplier^(attempt-1), max)
func (rp RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt-1))
	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}
	return time.Duration(delay)
}

// ShouldRetry determines if a retry should be attempted based on the outcome
func (rp RetryPolicy) ShouldRetry(attempt int, statusCode int, err error) bool {
	if attempt >= rp.MaxAttempts {
		return false
	}
	if err != nil {
		return true
	}
	// Retry on server errors and rate limiting, never on other client errors
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
		return true
	}
	return false
}

// HTTPClient talks to the control-plane service API
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
}

// NewHTTPClient creates a control-plane client rooted at baseURL
func NewHTTPClient(baseURL string, timeout time.Duration, retry RetryPolicy) *HTTPClient {
	retry.SetDefaults()
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry: retry,
	}
}

// FetchActiveChecks returns the checks scheduled for region
func (c *HTTPClient) FetchActiveChecks(ctx context.Context, region string) ([]model.CheckSchedule, error) {
	var rows []scheduleRow
	if err := c.getJSON(ctx, "/test-schedule", url.Values{"region": {region}}, &rows); err != nil {
		return nil, err
	}

	schedules := make([]model.CheckSchedule, 0, len(rows))
	for _, r := range rows {
		schedules = append(schedules, r.toModel())
	}
	return schedules, nil
}

// FetchMaintenanceWindows returns the ids of checks currently under maintenance.
// A body that is not a list of entries is treated as no maintenance.
func (c *HTTPClient) FetchMaintenanceWindows(ctx context.Context) (map[string]struct{}, error) {
	body, err := c.get(ctx, "/maintenance", nil)
	if err != nil {
		return nil, err
	}

	var entries []maintenanceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		slog.Warn("Ignoring unreadable maintenance list", "error", err)
		return map[string]struct{}{}, nil
	}

	windows := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.FeatureID != "" {
			windows[e.FeatureID] = struct{}{}
		}
	}
	return windows, nil
}

// FetchCredential returns the credential stored for checkID
func (c *HTTPClient) FetchCredential(ctx context.Context, checkID string) (*model.Credential, error) {
	var cred model.Credential
	if err := c.getJSON(ctx, "/cred", url.Values{"feature-id": {checkID}}, &cred); err != nil {
		return nil, err
	}
	if cred.Empty() {
		slog.Warn("Control plane returned an empty credential", "check_id", checkID)
	}
	return &cred, nil
}

// EmitHealthSnapshot posts the snapshot once; reports are not retried
func (c *HTTPClient) EmitHealthSnapshot(ctx context.Context, snapshot model.HealthSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal health snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/vm-report", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: vm-report returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", ErrUnavailable, path, err)
	}
	return nil
}

// get performs a GET with retries and returns the body of a 2xx response
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for attempt := 1; ; attempt++ {
		body, status, reqErr := c.attempt(ctx, target)
		if reqErr == nil && status >= 200 && status < 300 {
			return body, nil
		}

		err := reqErr
		if err == nil {
			err = fmt.Errorf("%s returned status %d", path, status)
		}
		if !c.retry.ShouldRetry(attempt, status, reqErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		delay := c.retry.CalculateDelay(attempt)
		slog.Warn("Control plane request failed, retrying",
			"path", path,
			"attempt", attempt,
			"max_attempts", c.retry.MaxAttempts,
			"next_retry_ms", delay.Milliseconds(),
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}
}

func (c *HTTPClient) attempt(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
