// Package resource manages a small pool of expensive execution sessions that
// checks borrow exclusively and that are recycled based on which checks they
// already served.
package resource

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("resource pool is closed")

// Handle wraps one reusable session and remembers which checks it served
// since the session was last created.
type Handle struct {
	id      int
	session Session
	served  map[string]struct{}
	retry   *RetryStrategy
	factory Factory
}

// TakeFor returns a session for checkID. A handle never serves the same check
// twice from one session: if checkID was already served, or there is no live
// session, the old session is torn down and a new one created.
func (h *Handle) TakeFor(ctx context.Context, checkID string) (Session, error) {
	if _, seen := h.served[checkID]; h.session == nil || seen {
		h.Teardown()

		session, err := h.retry.NewSession(ctx, h.factory)
		if err != nil {
			return nil, err
		}
		h.session = session

		slog.Debug("Created pooled session",
			"handle_id", h.id,
			"session_id", session.ID(),
			"check_id", checkID,
		)
	}

	h.served[checkID] = struct{}{}
	return h.session, nil
}

// Teardown closes the current session and clears the served set. Idempotent.
func (h *Handle) Teardown() {
	if h.session != nil {
		if err := h.session.Close(); err != nil {
			slog.Warn("Failed to close pooled session",
				"handle_id", h.id,
				"session_id", h.session.ID(),
				"error", err,
			)
		}
		h.session = nil
	}
	clear(h.served)
}

// Served reports whether the current session already served checkID
func (h *Handle) Served(checkID string) bool {
	_, ok := h.served[checkID]
	return ok
}

// Options configures a Pool
type Options struct {
	Min int
	Max int
}

// Pool hands out handles exclusively. Acquire blocks once Max handles are out.
type Pool struct {
	mu      sync.Mutex
	idle    chan *Handle
	all     []*Handle
	max     int
	closed  bool
	factory Factory
	retry   *RetryStrategy
}

// NewPool creates a pool with opts.Min handles ready. Sessions themselves are
// created on first use.
func NewPool(factory Factory, opts Options, retry *RetryStrategy) *Pool {
	if opts.Max <= 0 {
		opts.Max = 1
	}
	if opts.Min > opts.Max {
		opts.Min = opts.Max
	}

	p := &Pool{
		idle:    make(chan *Handle, opts.Max),
		max:     opts.Max,
		factory: factory,
		retry:   retry,
	}
	for i := 0; i < opts.Min; i++ {
		p.idle <- p.newHandleLocked()
	}

	slog.Info("Resource pool created", "min", opts.Min, "max", opts.Max)
	return p
}

func (p *Pool) newHandleLocked() *Handle {
	h := &Handle{
		id:      len(p.all) + 1,
		served:  make(map[string]struct{}),
		retry:   p.retry,
		factory: p.factory,
	}
	p.all = append(p.all, h)
	return h
}

// Acquire returns an idle handle, creates one if below Max, or blocks until
// one is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case h := <-p.idle:
		return h, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.all) < p.max {
		h := p.newHandleLocked()
		p.mu.Unlock()
		return h, nil
	}
	p.mu.Unlock()

	select {
	case h := <-p.idle:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release hands a handle back to the pool
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		h.Teardown()
		return
	}
	p.idle <- h
}

// Size returns the number of handles created so far
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Close tears down every session the pool ever created. Safe to call twice.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	handles := append([]*Handle(nil), p.all...)
	p.mu.Unlock()

	for _, h := range handles {
		h.Teardown()
	}
	slog.Info("Resource pool closed", "handles", len(handles))
}
