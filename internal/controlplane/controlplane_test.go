package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/lookout/internal/model"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestFetchActiveChecks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/test-schedule", r.URL.Path)
		assert.Equal(t, "eu-west", r.URL.Query().Get("region"))
		fmt.Fprint(w, `[
			{"feature_id": "login", "engine_type": "pooled", "test_interval": 10, "region": "eu-west"},
			{"feature_id": "disk", "engine_type": "isolated", "test_interval": "30"}
		]`)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", time.Second, fastRetry())
	rows, err := client.FetchActiveChecks(context.Background(), "eu-west")
	require.NoError(t, err)

	assert.Equal(t, []model.CheckSchedule{
		{CheckID: "login", ExecutionKind: "pooled", IntervalMinutes: 10, Region: "eu-west"},
		{CheckID: "disk", ExecutionKind: "isolated", IntervalMinutes: 30},
	}, rows)
}

func TestFetchMaintenanceWindows(t *testing.T) {
	body := `[{"feature_id": "login"}, {"feature_id": ""}, {"other": 1}]`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, fastRetry())
	windows, err := client.FetchMaintenanceWindows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"login": {}}, windows)

	body = `{"error": "not a list"}`
	windows, err = client.FetchMaintenanceWindows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, windows)
}

func TestFetchCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cred", r.URL.Path)
		if r.URL.Query().Get("feature-id") == "login" {
			fmt.Fprint(w, `{"username": "probe", "password": "s3cret", "existence": true}`)
			return
		}
		fmt.Fprint(w, `{"username": null, "password": null, "existence": false}`)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, fastRetry())

	cred, err := client.FetchCredential(context.Background(), "login")
	require.NoError(t, err)
	assert.Equal(t, &model.Credential{Username: "probe", Password: "s3cret", Exists: true}, cred)

	cred, err = client.FetchCredential(context.Background(), "other")
	require.NoError(t, err)
	assert.True(t, cred.Empty())
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, fastRetry())
	rows, err := client.FetchActiveChecks(context.Background(), "eu-west")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, fastRetry())
	_, err := client.FetchActiveChecks(context.Background(), "eu-west")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnreachableControlPlane(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewHTTPClient(url, time.Second, fastRetry())
	_, err := client.FetchMaintenanceWindows(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestEmitHealthSnapshot(t *testing.T) {
	var got model.HealthSnapshot
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/vm-report", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, time.Second, fastRetry())
	err := client.EmitHealthSnapshot(context.Background(), model.HealthSnapshot{Region: "eu-west", NumSkipped: 2})
	require.NoError(t, err)
	assert.Equal(t, "eu-west", got.Region)
	assert.Equal(t, 2, got.NumSkipped)
}

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{}
	policy.SetDefaults()

	assert.Equal(t, time.Duration(0), policy.CalculateDelay(0))
	assert.Equal(t, time.Second, policy.CalculateDelay(1))
	assert.Equal(t, 4*time.Second, policy.CalculateDelay(3))
	assert.Equal(t, 10*time.Second, policy.CalculateDelay(10))

	assert.True(t, policy.ShouldRetry(1, 0, errors.New("reset")))
	assert.True(t, policy.ShouldRetry(1, http.StatusTooManyRequests, nil))
	assert.True(t, policy.ShouldRetry(2, http.StatusServiceUnavailable, nil))
	assert.False(t, policy.ShouldRetry(1, http.StatusBadRequest, nil))
	assert.False(t, policy.ShouldRetry(3, http.StatusServiceUnavailable, nil))
}

const catalogue = `
services:
  - app: shop
    urls: [https://shop.example.com]
checks:
  - id: shop-login
    execution_kind: pooled
    interval_minutes: 10
    steps:
      - target:
          url: https://shop.example.com/login
  - id: eu-only
    execution_kind: isolated
    regions: [eu-west]
    command:
      program: "true"
  - id: off
    execution_kind: isolated
    disabled: true
    command:
      program: "true"
maintenance: [shop-login]
credentials:
  shop-login:
    username: probe
    password: s3cret
`

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogue), 0o600))
	source := NewFileSource(path)
	ctx := context.Background()

	rows, err := source.FetchActiveChecks(ctx, "us-east")
	require.NoError(t, err)
	assert.Equal(t, []model.CheckSchedule{
		{CheckID: "shop-login", ExecutionKind: "pooled", IntervalMinutes: 10, Region: "us-east"},
		{CheckID: "shop|avail|https://shop.example.com", ExecutionKind: "stateless", IntervalMinutes: 5, Region: "us-east"},
	}, rows)

	rows, err = source.FetchActiveChecks(ctx, "eu-west")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	windows, err := source.FetchMaintenanceWindows(ctx)
	require.NoError(t, err)
	assert.Contains(t, windows, "shop-login")

	cred, err := source.FetchCredential(ctx, "shop-login")
	require.NoError(t, err)
	assert.Equal(t, &model.Credential{Username: "probe", Password: "s3cret", Exists: true}, cred)

	cred, err = source.FetchCredential(ctx, "eu-only")
	require.NoError(t, err)
	assert.True(t, cred.Empty())
}

func TestFileSourceMissingFile(t *testing.T) {
	source := NewFileSource(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := source.FetchActiveChecks(context.Background(), "eu-west")
	assert.ErrorIs(t, err, ErrUnavailable)
}

type failingSink struct{ calls int }

func (f *failingSink) EmitHealthSnapshot(context.Context, model.HealthSnapshot) error {
	f.calls++
	return errors.New("sink down")
}

func TestMultiReporter(t *testing.T) {
	a, b := &failingSink{}, &failingSink{}
	err := MultiReporter{a, LogReporter{}, b}.EmitHealthSnapshot(context.Background(), model.HealthSnapshot{})
	assert.ErrorContains(t, err, "sink down")
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}
