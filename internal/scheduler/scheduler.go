// Package scheduler runs the dispatch loop: it reconciles the schedule with
// the control plane, hands due checks to the worker pool and passes results
// to the submission pipeline.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dandantas/lookout/internal/checks"
	"github.com/dandantas/lookout/internal/metrics"
	"github.com/dandantas/lookout/internal/model"
	"github.com/dandantas/lookout/internal/resource"
	"github.com/dandantas/lookout/internal/schedule"
	"github.com/dandantas/lookout/internal/worker"
)

var (
	// ErrUnknownCheck is fatal: the control plane schedules a check this agent cannot run
	ErrUnknownCheck = errors.New("no implementation for scheduled check")

	// ErrConnectionLost is fatal: the control plane was unreachable for longer than allowed
	ErrConnectionLost = errors.New("control plane unreachable for too long")
)

const reportTimeout = 30 * time.Second

// ControlPlane tells the agent what to run
type ControlPlane interface {
	FetchActiveChecks(ctx context.Context, region string) ([]model.CheckSchedule, error)
	FetchMaintenanceWindows(ctx context.Context) (map[string]struct{}, error)
}

// Reporter receives one health snapshot per refresh. Failures are logged only.
type Reporter interface {
	EmitHealthSnapshot(ctx context.Context, snapshot model.HealthSnapshot) error
}

// Submitter takes result payloads; *submission.Pipeline implements it.
// Submit only delivers and journals; retries and rechecks happen in RunDue.
type Submitter interface {
	Submit(ctx context.Context, payload []byte) (bool, error)
	RunDue(ctx context.Context)
	RetryQueueSize() int
}

// Options configures the scheduler
type Options struct {
	Region            string
	RefreshSchedule   string        // cron descriptor, e.g. "@every 10m"
	SkipThreshold     time.Duration // dispatched checks older than this are skipped
	EmptyQueueBackoff time.Duration
	MaxConnectionLoss time.Duration
}

// Dependencies are the components the scheduler drives
type Dependencies struct {
	ControlPlane ControlPlane
	Registry     *checks.Registry
	Resources    *resource.Pool
	Workers      *worker.WorkerPool
	Submitter    Submitter
	Reporter     Reporter
	Metrics      *metrics.Metrics
	Clock        clock.Clock
}

type activeCheck struct {
	generation      uint64
	intervalMinutes int
}

// Status is a point-in-time view for the status API
type Status struct {
	Region       string                `json:"region"`
	Ready        bool                  `json:"ready"`
	Registered   int                   `json:"registered_checks"`
	Scheduled    int                   `json:"scheduled_checks"`
	Active       []string              `json:"active_checks"`
	Running      []model.RunningCheck  `json:"running_checks"`
	QueuedJobs   int                   `json:"queued_jobs"`
	LastRefresh  time.Time             `json:"last_refresh"`
	NextRefresh  time.Time             `json:"next_refresh"`
	LastContact  time.Time             `json:"last_contact"`
	LastSnapshot *model.HealthSnapshot `json:"last_snapshot,omitempty"`
}

// Scheduler owns the schedule queue. Run drives it from a single goroutine;
// checks execute on the worker pool.
type Scheduler struct {
	opts         Options
	refreshEvery cron.Schedule

	control   ControlPlane
	registry  *checks.Registry
	resources *resource.Pool
	workers   *worker.WorkerPool
	submitter Submitter
	reporter  Reporter
	metrics   *metrics.Metrics
	clock     clock.Clock

	queue *schedule.Queue
	stats *Stats

	mu           sync.Mutex
	active       map[string]activeCheck
	generation   uint64
	running      map[string]time.Time
	lastContact  time.Time
	lastRefresh  time.Time
	nextRefresh  time.Time
	ready        bool
	lastSnapshot *model.HealthSnapshot
}

// NewScheduler creates a scheduler instance
func NewScheduler(opts Options, deps Dependencies) (*Scheduler, error) {
	refreshEvery, err := cron.ParseStandard(opts.RefreshSchedule)
	if err != nil {
		return nil, fmt.Errorf("failed to parse refresh schedule %q: %w", opts.RefreshSchedule, err)
	}
	if opts.EmptyQueueBackoff <= 0 {
		opts.EmptyQueueBackoff = 10 * time.Second
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Scheduler{
		opts:         opts,
		refreshEvery: refreshEvery,
		control:      deps.ControlPlane,
		registry:     deps.Registry,
		resources:    deps.Resources,
		workers:      deps.Workers,
		submitter:    deps.Submitter,
		reporter:     deps.Reporter,
		metrics:      deps.Metrics,
		clock:        clk,
		queue:        schedule.NewQueue(clk),
		stats:        NewStats(clk),
		active:       make(map[string]activeCheck),
		running:      make(map[string]time.Time),
		lastContact:  clk.Now(),
	}
	s.workers.SetExecutor(s.execute)
	return s, nil
}

// Run dispatches checks until ctx is cancelled or endTime passes (zero means
// forever), then stops admission and waits for in-flight checks. It returns
// an error only for fatal conditions.
func (s *Scheduler) Run(ctx context.Context, endTime time.Time) error {
	slog.Info("Starting scheduler",
		"region", s.opts.Region,
		"refresh_schedule", s.opts.RefreshSchedule,
		"skip_threshold", s.opts.SkipThreshold,
		"end_time", endTime,
	)

	s.workers.Start()
	defer s.workers.Stop()

	for {
		if ctx.Err() != nil {
			slog.Info("Scheduler context done")
			return nil
		}

		now := s.clock.Now()
		if !endTime.IsZero() && !now.Before(endTime) {
			slog.Info("End time reached, no longer admitting checks", "end_time", endTime)
			return nil
		}

		if !now.Before(s.NextRefresh()) {
			if err := s.refresh(ctx); err != nil {
				return err
			}
			continue
		}

		until := s.NextRefresh()
		if !endTime.IsZero() && endTime.Before(until) {
			until = endTime
		}

		item, err := s.queue.PopDue(ctx, until)
		switch {
		case errors.Is(err, schedule.ErrEmpty):
			slog.Debug("No checks scheduled, backing off", "backoff", s.opts.EmptyQueueBackoff)
			s.sleep(ctx, until)
		case errors.Is(err, schedule.ErrNotDue):
		case err != nil:
			slog.Info("Scheduler context done")
			return nil
		default:
			s.dispatch(ctx, item)
		}
	}
}

// sleep waits for the empty-queue backoff, never past until
func (s *Scheduler) sleep(ctx context.Context, until time.Time) {
	wait := s.opts.EmptyQueueBackoff
	if remaining := until.Sub(s.clock.Now()); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		return
	}

	timer := s.clock.Timer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// dispatch reschedules a popped check and hands a copy to the worker pool.
// Entries of removed checks are dropped here.
func (s *Scheduler) dispatch(ctx context.Context, item *model.ScheduledCheck) {
	if !s.isActive(item) {
		slog.Debug("Dropping unscheduled check", "check_id", item.CheckID)
		return
	}

	run := *item
	next := s.queue.Reschedule(item)

	job := worker.Job{
		Type:          worker.JobRunCheck,
		Check:         &run,
		DispatchedAt:  s.clock.Now(),
		CorrelationID: uuid.New().String(),
		Context:       context.WithoutCancel(ctx),
	}
	if err := s.workers.Submit(job); err != nil {
		slog.Warn("Failed to dispatch check",
			"check_id", run.CheckID,
			"correlation_id", job.CorrelationID,
			"error", err,
		)
		s.stats.Skipped(job.DispatchedAt)
		s.metrics.CheckSkipped("queue_full")
		return
	}

	slog.Debug("Dispatched check",
		"check_id", run.CheckID,
		"correlation_id", job.CorrelationID,
		"next_due", next,
	)
}

// execute is the worker pool's executor
func (s *Scheduler) execute(ctx context.Context, job worker.Job) {
	if job.Type == worker.JobMaintenance {
		s.submitter.RunDue(ctx)
		s.metrics.SetRetryQueue(s.submitter.RetryQueueSize())
		return
	}

	item := job.Check
	logger := slog.With("check_id", item.CheckID, "correlation_id", job.CorrelationID)

	if waited := s.clock.Now().Sub(job.DispatchedAt); waited > s.opts.SkipThreshold {
		logger.Info("Skipping stale check", "delayed_seconds", waited.Seconds())
		s.skip("stale", job)
		return
	}
	if !s.isActive(item) {
		logger.Info("Skipping check no longer scheduled")
		s.skip("removed", job)
		return
	}

	c, ok := s.registry.Lookup(item.CheckID)
	if !ok {
		logger.Error("Check vanished from registry")
		s.skip("unregistered", job)
		return
	}

	s.markRunning(item.CheckID)
	defer s.clearRunning(item.CheckID)

	env := checks.Env{Region: s.opts.Region, CorrelationID: job.CorrelationID}

	cred, err := s.registry.CredentialFor(ctx, c)
	if err != nil {
		logger.Warn("Failed to get credential, running without it", "error", err)
	}
	env.Credential = cred

	if c.Kind().UsesResourcePool() {
		handle, err := s.resources.Acquire(ctx)
		if err != nil {
			logger.Error("Failed to acquire pooled session", "error", err)
			return
		}
		defer s.resources.Release(handle)

		session, err := handle.TakeFor(ctx, item.CheckID)
		if err != nil {
			logger.Error("Failed to prepare pooled session", "error", err)
			return
		}
		env.Session = session
	}

	logger.Info("Started check", "execution_kind", c.Kind())
	start := s.clock.Now()

	result, err := c.Execute(ctx, env)
	if err != nil {
		logger.Error("Check produced no result", "error", err)
		return
	}

	s.metrics.CheckExecuted(string(c.Kind()), result.Status, float64(result.DurationMs)/1000)
	logger.Info("Finished check",
		"status", result.Status,
		"duration_ms", result.DurationMs,
		"elapsed_ms", s.clock.Since(start).Milliseconds(),
	)

	payload, err := result.Payload()
	if err != nil {
		logger.Error("Failed to encode result", "error", err)
		return
	}

	posted, err := s.submitter.Submit(ctx, payload)
	if err != nil {
		logger.Error("Failed to submit result", "error", err)
	}
	s.stats.Executed(result.EventTime, result.Succeeded(), posted)
	s.metrics.SetRetryQueue(s.submitter.RetryQueueSize())
}

func (s *Scheduler) skip(reason string, job worker.Job) {
	s.stats.Skipped(job.DispatchedAt)
	s.metrics.CheckSkipped(reason)
}

// refresh reconciles the schedule with the control plane and emits a health
// snapshot. Fetch failures are tolerated until MaxConnectionLoss.
func (s *Scheduler) refresh(ctx context.Context) error {
	now := s.clock.Now()

	s.mu.Lock()
	s.lastRefresh = now
	s.nextRefresh = s.refreshEvery.Next(now)
	s.mu.Unlock()

	rows, windows, err := s.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.metrics.RefreshFailed()

		s.mu.Lock()
		lost := now.Sub(s.lastContact)
		s.mu.Unlock()

		if lost >= s.opts.MaxConnectionLoss {
			return fmt.Errorf("%w: last contact %s ago: %v", ErrConnectionLost, lost.Round(time.Second), err)
		}
		slog.Warn("Failed to refresh schedule, checks keep running",
			"error", err,
			"disconnected_for", lost.Round(time.Second).String(),
		)
		s.queueMaintenance(ctx)
		return nil
	}

	s.mu.Lock()
	s.lastContact = now
	s.mu.Unlock()

	if err := s.reconcile(rows, windows); err != nil {
		return err
	}

	s.report(ctx)

	s.queueMaintenance(ctx)
	return nil
}

// queueMaintenance hands the pipeline's retry drain and recheck to a worker.
// Unlike check jobs they run on ctx, so shutdown stops replays.
func (s *Scheduler) queueMaintenance(ctx context.Context) {
	if err := s.workers.Submit(worker.Job{Type: worker.JobMaintenance, Context: ctx}); err != nil {
		slog.Warn("Failed to queue submission maintenance", "error", err)
	}
}

func (s *Scheduler) fetch(ctx context.Context) ([]model.CheckSchedule, map[string]struct{}, error) {
	rows, err := s.control.FetchActiveChecks(ctx, s.opts.Region)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch active checks: %w", err)
	}
	windows, err := s.control.FetchMaintenanceWindows(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch maintenance windows: %w", err)
	}
	return rows, windows, nil
}

// reconcile schedules every new check and forgets every check that is gone
// or under maintenance. Queue entries of forgotten checks are dropped lazily.
func (s *Scheduler) reconcile(rows []model.CheckSchedule, windows map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(rows))
	added, removed := 0, 0

	for _, row := range rows {
		if err := row.Validate(); err != nil {
			slog.Warn("Ignoring invalid schedule row", "check_id", row.CheckID, "error", err)
			continue
		}
		if _, ok := windows[row.CheckID]; ok {
			slog.Info("Skipping check under maintenance", "check_id", row.CheckID)
			continue
		}
		wanted[row.CheckID] = struct{}{}

		current, tracked := s.active[row.CheckID]
		if tracked && current.intervalMinutes == row.IntervalMinutes {
			continue
		}

		c, ok := s.registry.Lookup(row.CheckID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCheck, row.CheckID)
		}
		kind, err := model.ParseExecutionKind(row.ExecutionKind)
		if err != nil {
			slog.Warn("Not handling execution kind", "check_id", row.CheckID, "error", err)
			delete(wanted, row.CheckID)
			continue
		}
		// The catalogue knows how the check is built, so its kind wins
		if kind != c.Kind() {
			slog.Warn("Schedule execution kind differs from catalogue, using catalogue",
				"check_id", row.CheckID,
				"schedule_kind", kind,
				"catalogue_kind", c.Kind(),
			)
		}

		if tracked {
			slog.Info("Check interval changed",
				"check_id", row.CheckID,
				"old_interval_minutes", current.intervalMinutes,
				"interval_minutes", row.IntervalMinutes,
			)
		}

		s.generation++
		s.active[row.CheckID] = activeCheck{generation: s.generation, intervalMinutes: row.IntervalMinutes}
		s.queue.Add(model.ScheduledCheck{
			CheckID:         row.CheckID,
			Kind:            c.Kind(),
			IntervalMinutes: row.IntervalMinutes,
			Generation:      s.generation,
		})
		added++
	}

	for id := range s.active {
		if _, ok := wanted[id]; !ok {
			delete(s.active, id)
			slog.Info("No schedule for check, removed", "check_id", id)
			removed++
		}
	}

	s.ready = true
	s.metrics.SetScheduled(len(s.active))
	slog.Info("Schedule refreshed", "active", len(s.active), "added", added, "removed", removed)
	return nil
}

// report builds the health snapshot and hands it to the reporter
func (s *Scheduler) report(ctx context.Context) {
	s.mu.Lock()
	running := make(map[string]time.Time, len(s.running))
	for id, started := range s.running {
		running[id] = started
	}
	intervals := make([]int, 0, len(s.active))
	for _, a := range s.active {
		intervals = append(intervals, a.intervalMinutes)
	}
	s.mu.Unlock()

	snapshot := s.stats.Snapshot(ctx, SnapshotInput{
		Region:         s.opts.Region,
		Intervals:      intervals,
		Running:        running,
		InFlight:       s.workers.Active() + s.workers.GetJobQueueLength(),
		RetryQueueSize: s.submitter.RetryQueueSize(),
	})

	s.mu.Lock()
	s.lastSnapshot = &snapshot
	s.mu.Unlock()

	if s.reporter == nil {
		return
	}
	reportCtx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()
	if err := s.reporter.EmitHealthSnapshot(reportCtx, snapshot); err != nil {
		slog.Warn("Failed to emit health snapshot", "error", err)
	}
}

func (s *Scheduler) isActive(item *model.ScheduledCheck) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[item.CheckID]
	return ok && a.generation == item.Generation
}

func (s *Scheduler) markRunning(checkID string) {
	s.mu.Lock()
	s.running[checkID] = s.clock.Now()
	n := len(s.running)
	s.mu.Unlock()
	s.metrics.SetRunning(n)
}

func (s *Scheduler) clearRunning(checkID string) {
	s.mu.Lock()
	delete(s.running, checkID)
	n := len(s.running)
	s.mu.Unlock()
	s.metrics.SetRunning(n)
}

// NextRefresh returns when the next reconciliation is due
func (s *Scheduler) NextRefresh() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRefresh
}

// Ready reports whether the schedule was loaded at least once
func (s *Scheduler) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Status returns a view of the scheduler for the status API
func (s *Scheduler) Status() Status {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Region:       s.opts.Region,
		Ready:        s.ready,
		Registered:   s.registry.Len(),
		Scheduled:    s.queue.Len(),
		Active:       make([]string, 0, len(s.active)),
		Running:      make([]model.RunningCheck, 0, len(s.running)),
		QueuedJobs:   s.workers.GetJobQueueLength(),
		LastRefresh:  s.lastRefresh,
		NextRefresh:  s.nextRefresh,
		LastContact:  s.lastContact,
		LastSnapshot: s.lastSnapshot,
	}
	for id := range s.active {
		st.Active = append(st.Active, id)
	}
	for id, started := range s.running {
		st.Running = append(st.Running, model.RunningCheck{CheckID: id, RunningSeconds: now.Sub(started).Seconds()})
	}
	sort.Strings(st.Active)
	return st
}
