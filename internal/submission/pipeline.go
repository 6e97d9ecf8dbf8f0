// Package submission delivers check results to the collector durably: every
// attempt is journaled to date-partitioned logs, failures are retried, and
// delivered keys are deduplicated across restarts.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/dandantas/lookout/internal/metrics"
)

// ErrRecheckRunning is returned by Recheck while another recheck is in progress
var ErrRecheckRunning = errors.New("recheck already running")

// Options configures a Pipeline
type Options struct {
	Dir             string
	Retention       time.Duration
	DedupSize       int
	ReplayRate      float64 // replays per second, <= 0 means unpaced
	RetrySchedule   string
	RecheckSchedule string
	EventTimePath   string
	CheckIDPath     string
}

// RecheckReport summarizes one recheck pass
type RecheckReport struct {
	Days      int `json:"days"`
	Submitted int `json:"submitted"`
	Failed    int `json:"failed"`
	Queued    int `json:"queued"`
	Replayed  int `json:"replayed"`
	Delivered int `json:"delivered"`
}

// Pipeline is safe for concurrent use by every worker. The retry list, dedup
// set and log writer share one mutex; collector calls happen outside it.
// The retry list holds each key at most once.
type Pipeline struct {
	mu      sync.Mutex
	logs    *LogWriter
	dedup   *DedupSet
	retries [][]byte
	queued  map[uint64]struct{}

	keys      *KeyDeriver
	deliverer Deliverer
	limiter   *rate.Limiter
	clock     clock.Clock
	metrics   *metrics.Metrics
	retention time.Duration

	retryEvery   cron.Schedule
	recheckEvery cron.Schedule
	nextRetry    time.Time
	nextRecheck  time.Time
	draining     bool
	rechecking   bool
}

// NewPipeline creates the pipeline. The first recheck is due immediately so
// state lost in a restart is recovered early.
func NewPipeline(opts Options, deliverer Deliverer, clk clock.Clock, m *metrics.Metrics) (*Pipeline, error) {
	if opts.Retention <= 0 {
		opts.Retention = 72 * time.Hour
	}
	if opts.RetrySchedule == "" {
		opts.RetrySchedule = "@every 2h"
	}
	if opts.RecheckSchedule == "" {
		opts.RecheckSchedule = "@every 12h"
	}

	retryEvery, err := cron.ParseStandard(opts.RetrySchedule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse retry schedule %q: %w", opts.RetrySchedule, err)
	}
	recheckEvery, err := cron.ParseStandard(opts.RecheckSchedule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse recheck schedule %q: %w", opts.RecheckSchedule, err)
	}

	logs, err := NewLogWriter(opts.Dir, clk)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if opts.ReplayRate > 0 {
		limit = rate.Limit(opts.ReplayRate)
	}

	now := clk.Now()
	return &Pipeline{
		logs:         logs,
		dedup:        NewDedupSet(opts.DedupSize, opts.Retention),
		queued:       make(map[uint64]struct{}),
		keys:         NewKeyDeriver(opts.EventTimePath, opts.CheckIDPath),
		deliverer:    deliverer,
		limiter:      rate.NewLimiter(limit, 1),
		clock:        clk,
		metrics:      m,
		retention:    opts.Retention,
		retryEvery:   retryEvery,
		recheckEvery: recheckEvery,
		nextRetry:    retryEvery.Next(now),
		nextRecheck:  now,
	}, nil
}

// Submit journals payload and delivers it once, reporting whether it was
// delivered. An undelivered payload is never dropped: it stays in the retry
// list and the failed log. Retry drains and rechecks run from RunDue.
func (p *Pipeline) Submit(ctx context.Context, payload []byte) (bool, error) {
	line, err := compactLine(payload)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	if err := p.logs.Append(FamilyContent, line); err != nil {
		slog.Error("Failed to journal submission", "error", err)
	}
	p.mu.Unlock()

	delivered := p.deliver(ctx, line, true)
	if delivered {
		p.metrics.Submitted("delivered")
	} else {
		p.metrics.Submitted("failed")
	}
	return delivered, nil
}

// deliver sends line once and records the outcome. A failed line is queued
// for retry; it is written to the failed log only when journal is set, so a
// replay never adds a second copy.
func (p *Pipeline) deliver(ctx context.Context, line []byte, journal bool) bool {
	reduced, key, keyErr := p.keys.Reduce(line)

	status, err := p.deliverer.Deliver(ctx, line)
	if err != nil || status != http.StatusOK {
		slog.Warn("Submission failed, queued for retry",
			"status_code", status,
			"error", err,
		)

		p.mu.Lock()
		if journal {
			if err := p.logs.Append(FamilyFailed, line); err != nil {
				slog.Error("Failed to journal failed submission", "error", err)
			}
		}
		p.enqueue(line, key, keyErr == nil)
		size := len(p.retries)
		p.mu.Unlock()

		p.metrics.SetRetryQueue(size)
		return false
	}

	if keyErr != nil {
		// delivered, but without a key it cannot be deduplicated later
		slog.Error("Failed to derive submission key", "error", keyErr)
		return true
	}

	p.mu.Lock()
	if !p.dedup.Contains(key) {
		p.dedup.Mark(key)
		if err := p.logs.Append(FamilySubmitted, reduced); err != nil {
			slog.Error("Failed to journal submitted record", "error", err)
		}
	}
	entries := p.dedup.Len()
	p.mu.Unlock()

	p.metrics.SetDedupEntries(entries)
	return true
}

// replay resends a journaled payload unless its key was already delivered
func (p *Pipeline) replay(ctx context.Context, source string, line []byte) (sent, delivered bool) {
	if _, key, err := p.keys.Reduce(line); err == nil && p.isDelivered(key) {
		p.metrics.Replayed(source, "duplicate")
		return false, false
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return false, false
	}

	delivered = p.deliver(ctx, line, false)
	if delivered {
		p.metrics.Replayed(source, "delivered")
	} else {
		p.metrics.Replayed(source, "failed")
	}
	return true, delivered
}

func (p *Pipeline) isDelivered(key uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dedup.Contains(key)
}

// enqueue adds line to the retry list unless its key is already there.
// Lines without a key are always added. The caller holds p.mu.
func (p *Pipeline) enqueue(line []byte, key uint64, keyed bool) {
	if keyed {
		if _, ok := p.queued[key]; ok {
			return
		}
		p.queued[key] = struct{}{}
	}
	p.retries = append(p.retries, line)
}

// RunDue starts the retry drain and the recheck when their time has come.
// Each is claimed under the mutex so only one caller runs it.
func (p *Pipeline) RunDue(ctx context.Context) {
	now := p.clock.Now()

	p.mu.Lock()
	drain := !p.draining && !now.Before(p.nextRetry)
	if drain {
		p.draining = true
		p.nextRetry = p.retryEvery.Next(now)
	}
	p.mu.Unlock()

	if drain {
		p.drainRetries(ctx)
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
	}

	p.mu.Lock()
	due := !p.rechecking && !now.Before(p.nextRecheck)
	p.mu.Unlock()

	if due {
		_, err := p.Recheck(ctx)
		switch {
		case err == nil, errors.Is(err, ErrRecheckRunning):
		case ctx.Err() != nil:
			slog.Info("Recheck stopped", "reason", ctx.Err())
		default:
			slog.Error("Recheck failed", "error", err)
		}
	}
}

// drainRetries resubmits everything in the retry list. Failures go back on
// the list through deliver.
func (p *Pipeline) drainRetries(ctx context.Context) {
	p.mu.Lock()
	pending := p.retries
	p.retries = nil
	p.queued = make(map[uint64]struct{})
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	slog.Info("Draining retry list", "size", len(pending))
	delivered := 0
	for i, line := range pending {
		sent, ok := p.replay(ctx, "retry", line)
		if !sent && ctx.Err() != nil {
			p.requeue(pending[i:])
			break
		}
		if ok {
			delivered++
		}
	}

	p.mu.Lock()
	size := len(p.retries)
	p.mu.Unlock()
	p.metrics.SetRetryQueue(size)

	slog.Info("Retry drain finished", "attempted", len(pending), "delivered", delivered, "remaining", size)
}

func (p *Pipeline) requeue(lines [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range lines {
		_, key, err := p.keys.Reduce(line)
		p.enqueue(line, key, err == nil)
	}
}

// Recheck rebuilds the dedup set from the submitted logs of every calendar
// day in the retention window, then replays every failed entry whose key is
// not in it. Entries already in the retry list are left to the next drain.
func (p *Pipeline) Recheck(ctx context.Context) (RecheckReport, error) {
	now := p.clock.Now()

	p.mu.Lock()
	if p.rechecking {
		p.mu.Unlock()
		return RecheckReport{}, ErrRecheckRunning
	}
	p.rechecking = true
	p.nextRecheck = p.recheckEvery.Next(now)
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.rechecking = false
		p.mu.Unlock()
	}()

	days := retentionDays(now, p.retention)
	report := RecheckReport{Days: len(days)}

	for _, day := range days {
		lines, err := p.readLines(FamilySubmitted, day)
		if err != nil {
			slog.Error("Failed to read submitted log", "day", day.Format(dayLayout), "error", err)
			continue
		}
		p.mu.Lock()
		for _, line := range lines {
			key, err := p.keys.KeyOfReduced(line)
			if err != nil {
				slog.Warn("Skipping unreadable submitted record", "day", day.Format(dayLayout), "error", err)
				continue
			}
			p.dedup.Mark(key)
			report.Submitted++
		}
		p.mu.Unlock()
	}

	// Every file is read before the first replay. A key seen twice in the
	// window is replayed once.
	var failed [][]byte
	seen := make(map[uint64]struct{})
	for _, day := range days {
		lines, err := p.readLines(FamilyFailed, day)
		if err != nil {
			slog.Error("Failed to read failed log", "day", day.Format(dayLayout), "error", err)
			continue
		}
		for _, line := range lines {
			_, key, err := p.keys.Reduce(line)
			if err != nil {
				slog.Warn("Skipping unreadable failed record", "day", day.Format(dayLayout), "error", err)
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			report.Failed++

			if p.isQueued(key) {
				report.Queued++
				continue
			}
			failed = append(failed, line)
		}
	}

	for _, line := range failed {
		sent, delivered := p.replay(ctx, "recheck", line)
		if sent {
			report.Replayed++
		}
		if delivered {
			report.Delivered++
		}
		if ctx.Err() != nil {
			return report, fmt.Errorf("recheck interrupted: %w", ctx.Err())
		}
	}

	slog.Info("Recheck finished",
		"days", report.Days,
		"submitted_records", report.Submitted,
		"failed_records", report.Failed,
		"already_queued", report.Queued,
		"replayed", report.Replayed,
		"delivered", report.Delivered,
	)
	return report, nil
}

// readLines loads a whole day file under the mutex so no half-written line is seen
func (p *Pipeline) readLines(family Family, day time.Time) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logs.ReadLines(family, day)
}

func (p *Pipeline) isQueued(key uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.queued[key]
	return ok
}

// retentionDays lists every local calendar day from now-retention to now,
// oldest first
func retentionDays(now time.Time, retention time.Duration) []time.Time {
	now = now.In(time.Local)
	first := now.Add(-retention)

	day := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, time.Local)
	last := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)

	var days []time.Time
	for !day.After(last) {
		days = append(days, day)
		day = day.AddDate(0, 0, 1)
	}
	return days
}

// RetryQueueSize returns the number of payloads waiting for the next drain
func (p *Pipeline) RetryQueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.retries)
}

// Delivered reports whether payload's key is in the dedup set
func (p *Pipeline) Delivered(payload []byte) bool {
	_, key, err := p.keys.Reduce(payload)
	if err != nil {
		return false
	}
	return p.isDelivered(key)
}

// Close closes the log files. Payloads still in the retry list are in the
// failed log and will be picked up by the next recheck.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.retries); n > 0 {
		slog.Warn("Closing with undelivered submissions", "retry_queue_size", n)
	}
	return p.logs.Close()
}
