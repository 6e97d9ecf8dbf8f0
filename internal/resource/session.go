package resource

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one expensive, stateful execution context
type Session interface {
	ID() string
	Close() error
}

// Factory creates sessions
type Factory interface {
	NewSession(ctx context.Context) (Session, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func(ctx context.Context) (Session, error)

// NewSession calls f
func (f FactoryFunc) NewSession(ctx context.Context) (Session, error) {
	return f(ctx)
}

// HTTPSession is a browser-like HTTP session: its own connection pool and
// cookie jar, so logins made by one check persist across its steps.
type HTTPSession struct {
	id        string
	client    *http.Client
	transport *http.Transport
	closeOnce sync.Once
}

// NewHTTPSession creates a session with a fresh cookie jar
func NewHTTPSession(timeout time.Duration) (*HTTPSession, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPSession{
		id:        uuid.New().String(),
		transport: transport,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			Jar:       jar,
		},
	}, nil
}

// ID returns the session identity
func (s *HTTPSession) ID() string {
	return s.id
}

// Client returns the session's HTTP client
func (s *HTTPSession) Client() *http.Client {
	return s.client
}

// Close drops idle connections; safe to call more than once
func (s *HTTPSession) Close() error {
	s.closeOnce.Do(func() {
		s.transport.CloseIdleConnections()
	})
	return nil
}

// HTTPSessionFactory returns a factory of HTTP sessions with the given client timeout
func HTTPSessionFactory(timeout time.Duration) Factory {
	return FactoryFunc(func(_ context.Context) (Session, error) {
		session, err := NewHTTPSession(timeout)
		if err != nil {
			return nil, err
		}
		return session, nil
	})
}
