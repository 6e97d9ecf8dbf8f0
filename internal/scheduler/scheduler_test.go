package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/lookout/internal/checks"
	"github.com/dandantas/lookout/internal/model"
	"github.com/dandantas/lookout/internal/resource"
	"github.com/dandantas/lookout/internal/worker"
)

type fakeControl struct {
	mu      sync.Mutex
	rows    []model.CheckSchedule
	windows map[string]struct{}
	err     error
}

func (f *fakeControl) set(rows []model.CheckSchedule, windows map[string]struct{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows, f.windows, f.err = rows, windows, err
}

func (f *fakeControl) FetchActiveChecks(_ context.Context, _ string) ([]model.CheckSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, f.err
}

func (f *fakeControl) FetchMaintenanceWindows(_ context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows, f.err
}

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads [][]byte
	runDue   atomic.Int32
	dueCtx   context.Context
}

func (f *fakeSubmitter) Submit(_ context.Context, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return true, nil
}

func (f *fakeSubmitter) RunDue(ctx context.Context) {
	f.mu.Lock()
	f.dueCtx = ctx
	f.mu.Unlock()
	f.runDue.Add(1)
}

func (f *fakeSubmitter) lastDueContext() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueCtx
}

func (f *fakeSubmitter) RetryQueueSize() int { return 0 }

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type fakeReporter struct {
	mu        sync.Mutex
	snapshots []model.HealthSnapshot
}

func (f *fakeReporter) EmitHealthSnapshot(_ context.Context, snapshot model.HealthSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snapshot)
	return nil
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

type fakeCheck struct {
	id       string
	kind     model.ExecutionKind
	runs     atomic.Int32
	sessions []string
	mu       sync.Mutex
}

func (c *fakeCheck) ID() string                { return c.id }
func (c *fakeCheck) Kind() model.ExecutionKind { return c.kind }

func (c *fakeCheck) Execute(_ context.Context, env checks.Env) (*model.Result, error) {
	c.runs.Add(1)
	if env.Session != nil {
		c.mu.Lock()
		c.sessions = append(c.sessions, env.Session.ID())
		c.mu.Unlock()
	}
	return &model.Result{
		ResultID:      "r",
		CheckID:       c.id,
		Region:        env.Region,
		ExecutionKind: c.kind,
		EventTime:     time.Now().UTC(),
		Status:        model.StatusSuccess,
	}, nil
}

type fakeSession struct{ id string }

func (s *fakeSession) ID() string   { return s.id }
func (s *fakeSession) Close() error { return nil }

type harness struct {
	s         *Scheduler
	clock     *clock.Mock
	control   *fakeControl
	submitter *fakeSubmitter
	reporter  *fakeReporter
	checks    map[string]*fakeCheck
	sessions  atomic.Int32
}

func stubHostMetrics(t *testing.T) {
	t.Helper()
	origCPU, origMem := cpuPercent, virtualMemory
	cpuPercent = func(context.Context, time.Duration, bool) ([]float64, error) { return []float64{12.5}, nil }
	virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 4096 * 1024 * 1024, Available: 1024 * 1024 * 1024}, nil
	}
	t.Cleanup(func() { cpuPercent, virtualMemory = origCPU, origMem })
}

func newHarness(t *testing.T, fakes ...*fakeCheck) *harness {
	t.Helper()
	stubHostMetrics(t)

	h := &harness{
		clock:     clock.NewMock(),
		control:   &fakeControl{},
		submitter: &fakeSubmitter{},
		reporter:  &fakeReporter{},
		checks:    make(map[string]*fakeCheck),
	}
	h.clock.Set(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))

	registry := checks.NewRegistry(nil, time.Second)
	for _, c := range fakes {
		require.NoError(t, registry.Register(c))
		h.checks[c.id] = c
	}

	factory := resource.FactoryFunc(func(context.Context) (resource.Session, error) {
		n := h.sessions.Add(1)
		return &fakeSession{id: string(rune('a' + n - 1))}, nil
	})
	pool := resource.NewPool(factory, resource.Options{Min: 1, Max: 1},
		resource.NewRetryStrategy(resource.RetryConfig{MaxAttempts: 1}, h.clock))
	t.Cleanup(pool.Close)

	s, err := NewScheduler(Options{
		Region:            "eu-west",
		RefreshSchedule:   "@every 10m",
		SkipThreshold:     300 * time.Second,
		EmptyQueueBackoff: 10 * time.Second,
		MaxConnectionLoss: 48 * time.Hour,
	}, Dependencies{
		ControlPlane: h.control,
		Registry:     registry,
		Resources:    pool,
		Workers:      worker.NewWorkerPool(2, 100),
		Submitter:    h.submitter,
		Reporter:     h.reporter,
		Clock:        h.clock,
	})
	require.NoError(t, err)
	h.s = s
	return h
}

func row(id string, kind model.ExecutionKind, interval int) model.CheckSchedule {
	return model.CheckSchedule{CheckID: id, ExecutionKind: string(kind), IntervalMinutes: interval}
}

func (h *harness) job(t *testing.T, checkID string, dispatchedAt time.Time) worker.Job {
	t.Helper()
	h.s.mu.Lock()
	a, ok := h.s.active[checkID]
	h.s.mu.Unlock()
	require.True(t, ok, "check %s is not active", checkID)

	return worker.Job{
		Type:          worker.JobRunCheck,
		Check:         &model.ScheduledCheck{CheckID: checkID, Kind: h.checks[checkID].kind, IntervalMinutes: a.intervalMinutes, Generation: a.generation},
		DispatchedAt:  dispatchedAt,
		CorrelationID: "corr",
	}
}

func TestRefreshReconcilesActiveSet(t *testing.T) {
	h := newHarness(t,
		&fakeCheck{id: "a", kind: model.KindStateless},
		&fakeCheck{id: "b", kind: model.KindStateless},
	)
	ctx := context.Background()

	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 5), row("b", model.KindStateless, 10)}, nil, nil)
	require.NoError(t, h.s.refresh(ctx))
	assert.Equal(t, []string{"a", "b"}, h.s.Status().Active)
	assert.Equal(t, 2, h.s.queue.Len())
	assert.True(t, h.s.Ready())
	assert.Equal(t, 1, h.reporter.count())

	// b disappears, a goes under maintenance
	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 5)}, map[string]struct{}{"a": {}}, nil)
	require.NoError(t, h.s.refresh(ctx))
	assert.Empty(t, h.s.Status().Active)

	// a comes back with a new generation; its old queue entry is stale
	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 5)}, nil, nil)
	require.NoError(t, h.s.refresh(ctx))
	assert.Equal(t, []string{"a"}, h.s.Status().Active)
	assert.Equal(t, 3, h.s.queue.Len())

	h.clock.Add(11 * time.Minute)
	dispatched := 0
	for h.s.queue.Len() > 0 {
		item, err := h.s.queue.PopDue(ctx, time.Time{})
		require.NoError(t, err)
		if h.s.isActive(item) {
			dispatched++
		}
	}
	assert.Equal(t, 1, dispatched, "only the current generation of a is live")
}

func TestRefreshRequeuesOnIntervalChange(t *testing.T) {
	h := newHarness(t, &fakeCheck{id: "a", kind: model.KindStateless})
	ctx := context.Background()

	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 5)}, nil, nil)
	require.NoError(t, h.s.refresh(ctx))
	first := h.s.active["a"].generation

	require.NoError(t, h.s.refresh(ctx))
	assert.Equal(t, first, h.s.active["a"].generation, "unchanged rows keep their entry")

	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 15)}, nil, nil)
	require.NoError(t, h.s.refresh(ctx))
	assert.NotEqual(t, first, h.s.active["a"].generation)
	assert.Equal(t, 15, h.s.active["a"].intervalMinutes)
}

func TestRefreshUnknownCheckIsFatal(t *testing.T) {
	h := newHarness(t, &fakeCheck{id: "a", kind: model.KindStateless})

	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 5), row("ghost", model.KindStateless, 5)}, nil, nil)
	err := h.s.refresh(context.Background())
	assert.ErrorIs(t, err, ErrUnknownCheck)
	assert.ErrorContains(t, err, "ghost")
}

func TestRefreshSkipsUnsupportedKind(t *testing.T) {
	h := newHarness(t, &fakeCheck{id: "a", kind: model.KindStateless})

	h.control.set([]model.CheckSchedule{{CheckID: "a", ExecutionKind: "selenium-grid", IntervalMinutes: 5}}, nil, nil)
	require.NoError(t, h.s.refresh(context.Background()))
	assert.Empty(t, h.s.Status().Active)
	assert.Equal(t, 0, h.s.queue.Len())
}

func TestRefreshUsesCatalogueKind(t *testing.T) {
	h := newHarness(t, &fakeCheck{id: "a", kind: model.KindPooled})

	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 5)}, nil, nil)
	require.NoError(t, h.s.refresh(context.Background()))

	h.clock.Add(6 * time.Minute)
	item, err := h.s.queue.PopDue(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, model.KindPooled, item.Kind)
	assert.Equal(t, 1, h.s.Status().Registered)
}

func TestConnectionLossIsFatalPastAllowance(t *testing.T) {
	h := newHarness(t, &fakeCheck{id: "a", kind: model.KindStateless})
	ctx := context.Background()

	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 5)}, nil, nil)
	require.NoError(t, h.s.refresh(ctx))

	h.control.set(nil, nil, errors.New("connection refused"))
	h.clock.Add(24 * time.Hour)
	require.NoError(t, h.s.refresh(ctx))
	assert.Equal(t, []string{"a"}, h.s.Status().Active, "checks keep running while disconnected")

	h.clock.Add(23 * time.Hour)
	require.NoError(t, h.s.refresh(ctx))

	h.clock.Add(time.Hour)
	err := h.s.refresh(ctx)
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestConnectionLossResetsOnContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.control.set(nil, nil, errors.New("timeout"))
	h.clock.Add(47 * time.Hour)
	require.NoError(t, h.s.refresh(ctx))

	h.control.set(nil, nil, nil)
	require.NoError(t, h.s.refresh(ctx))

	h.control.set(nil, nil, errors.New("timeout"))
	h.clock.Add(47 * time.Hour)
	assert.NoError(t, h.s.refresh(ctx))
}

func TestExecuteSkipsStaleDispatch(t *testing.T) {
	c := &fakeCheck{id: "a", kind: model.KindStateless}
	h := newHarness(t, c)
	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 5)}, nil, nil)
	require.NoError(t, h.s.refresh(context.Background()))

	job := h.job(t, "a", h.clock.Now())
	h.clock.Add(301 * time.Second)
	h.s.execute(context.Background(), job)

	assert.Equal(t, int32(0), c.runs.Load())
	assert.Equal(t, 0, h.submitter.count())

	snap := h.s.stats.Snapshot(context.Background(), SnapshotInput{})
	assert.Equal(t, 1, snap.NumSkipped)
}

func TestExecuteRunsWithinThreshold(t *testing.T) {
	c := &fakeCheck{id: "a", kind: model.KindStateless}
	h := newHarness(t, c)
	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 5)}, nil, nil)
	require.NoError(t, h.s.refresh(context.Background()))

	job := h.job(t, "a", h.clock.Now())
	h.clock.Add(300 * time.Second)
	h.s.execute(context.Background(), job)

	assert.Equal(t, int32(1), c.runs.Load())
	assert.Equal(t, 1, h.submitter.count())
	assert.Empty(t, h.s.Status().Running, "running set is cleared on completion")

	snap := h.s.stats.Snapshot(context.Background(), SnapshotInput{})
	assert.Equal(t, 1, snap.CheckSuccess)
	assert.Equal(t, 1, snap.PostSuccess)
}

func TestExecuteSkipsRemovedCheck(t *testing.T) {
	c := &fakeCheck{id: "a", kind: model.KindStateless}
	h := newHarness(t, c)
	ctx := context.Background()

	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 5)}, nil, nil)
	require.NoError(t, h.s.refresh(ctx))
	job := h.job(t, "a", h.clock.Now())

	h.control.set(nil, nil, nil)
	require.NoError(t, h.s.refresh(ctx))

	h.s.execute(ctx, job)
	assert.Equal(t, int32(0), c.runs.Load())
}

func TestPooledCheckNeverReusesSessionForSameCheck(t *testing.T) {
	a := &fakeCheck{id: "a", kind: model.KindPooled}
	b := &fakeCheck{id: "b", kind: model.KindPooled}
	h := newHarness(t, a, b)
	ctx := context.Background()

	h.control.set([]model.CheckSchedule{row("a", model.KindPooled, 5), row("b", model.KindPooled, 5)}, nil, nil)
	require.NoError(t, h.s.refresh(ctx))

	h.s.execute(ctx, h.job(t, "a", h.clock.Now()))
	h.s.execute(ctx, h.job(t, "b", h.clock.Now()))
	h.s.execute(ctx, h.job(t, "a", h.clock.Now()))

	assert.Equal(t, []string{"a", "b"}, a.sessions, "second run of a gets a fresh session")
	assert.Equal(t, []string{"a"}, b.sessions, "b shares the session a created")
	assert.Equal(t, int32(2), h.sessions.Load())
}

func TestMaintenanceJobRunsPipelineHousekeeping(t *testing.T) {
	h := newHarness(t)
	h.s.execute(context.Background(), worker.Job{Type: worker.JobMaintenance})
	assert.Equal(t, int32(1), h.submitter.runDue.Load())
}

func TestMaintenanceStopsWithRunContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	// a failed fetch still queues housekeeping
	h.control.set(nil, nil, errors.New("control plane down"))
	require.NoError(t, h.s.refresh(ctx))
	cancel()

	h.s.workers.Start()
	defer h.s.workers.Stop()

	require.Eventually(t, func() bool { return h.submitter.runDue.Load() == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.submitter.lastDueContext().Err(), context.Canceled)
}

func TestChecksKeepRunningAfterRunContextEnds(t *testing.T) {
	c := &fakeCheck{id: "a", kind: model.KindStateless}
	h := newHarness(t, c)
	ctx, cancel := context.WithCancel(context.Background())

	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 1)}, nil, nil)
	require.NoError(t, h.s.refresh(ctx))

	h.clock.Add(2 * time.Minute)
	item, err := h.s.queue.PopDue(ctx, time.Time{})
	require.NoError(t, err)
	h.s.dispatch(ctx, item)
	cancel()

	h.s.workers.Start()
	h.s.workers.Stop()

	assert.Equal(t, int32(1), c.runs.Load())
	assert.Equal(t, 1, h.submitter.count())
}

func TestRunDispatchesUntilEndTime(t *testing.T) {
	c := &fakeCheck{id: "a", kind: model.KindStateless}
	h := newHarness(t, c)
	h.control.set([]model.CheckSchedule{row("a", model.KindStateless, 1)}, nil, nil)

	start := h.clock.Now()
	endTime := start.Add(5 * time.Minute)

	done := make(chan error, 1)
	go func() { done <- h.s.Run(context.Background(), endTime) }()

	var runErr error
	require.Eventually(t, func() bool {
		select {
		case runErr = <-done:
			return true
		default:
			h.clock.Add(time.Second)
			return false
		}
	}, 10*time.Second, time.Millisecond)

	require.NoError(t, runErr)
	assert.GreaterOrEqual(t, h.submitter.count(), 4)
	assert.LessOrEqual(t, h.submitter.count(), 5)
	assert.Equal(t, h.submitter.count(), int(c.runs.Load()))
	assert.Equal(t, 1, h.reporter.count())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx, time.Time{}) }()

	require.Eventually(t, h.s.Ready, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReturnsFatalUnknownCheck(t *testing.T) {
	h := newHarness(t)
	h.control.set([]model.CheckSchedule{row("ghost", model.KindStateless, 1)}, nil, nil)

	err := h.s.Run(context.Background(), time.Time{})
	assert.ErrorIs(t, err, ErrUnknownCheck)
}
