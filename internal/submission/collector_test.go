package submission

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorClientDeliver(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/record", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewCollectorClient(server.URL+"/", time.Second, clock.New(), nil)
	status, err := client.Deliver(context.Background(), []byte(`{"check_id":"c"}`))

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, `{"check_id":"c"}`, body)
}

func TestCollectorClientOpensCircuit(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	mock := clock.NewMock()
	client := NewCollectorClient(server.URL, time.Second, mock, nil)

	for i := 0; i < 5; i++ {
		status, err := client.Deliver(context.Background(), []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, status)
	}
	assert.Equal(t, "open", client.CircuitState())

	_, err := client.Deliver(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(5), hits.Load())

	mock.Add(time.Minute)
	_, err = client.Deliver(context.Background(), []byte(`{}`))
	assert.NoError(t, err)
	assert.Equal(t, int32(6), hits.Load())
	assert.Equal(t, "open", client.CircuitState(), "half-open failure reopens")
}

func TestCircuitBreakerCloses(t *testing.T) {
	mock := clock.NewMock()
	cb := NewCircuitBreaker(DefaultBreakerConfig, mock)

	for i := 0; i < 5; i++ {
		cb.Failure()
	}
	assert.False(t, cb.Allow())

	mock.Add(time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.Success()

	assert.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerAdmitsOneTrial(t *testing.T) {
	mock := clock.NewMock()
	cb := NewCircuitBreaker(BreakerConfig{OpenAfter: 1, CloseAfter: 1, Cooldown: time.Second}, mock)

	cb.Failure()
	require.Equal(t, StateOpen, cb.State())
	mock.Add(time.Second)

	assert.True(t, cb.Allow(), "first caller gets the trial")
	assert.False(t, cb.Allow(), "trial still in flight")
	assert.False(t, cb.Allow())

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow(), "cooling down again")

	mock.Add(time.Second)
	assert.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow(), "closed breaker admits everyone")
}

func TestNewCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{}, clock.NewMock())
	assert.Equal(t, DefaultBreakerConfig, cb.cfg)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCollectorClientUnreachable(t *testing.T) {
	client := NewCollectorClient("http://127.0.0.1:1", 200*time.Millisecond, clock.New(), nil)

	status, err := client.Deliver(context.Background(), []byte(`{}`))
	assert.Error(t, err)
	assert.Zero(t, status)
}
