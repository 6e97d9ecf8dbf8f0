package scheduler

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dandantas/lookout/internal/model"
)

// RecentWindow is how many dispatch outcomes a health snapshot summarizes
const RecentWindow = 100

// expectedRuntimeMinutes is added to each interval when estimating how many
// runs should have happened
const expectedRuntimeMinutes = 1

// overridden in tests
var (
	cpuPercent    = cpu.PercentWithContext
	virtualMemory = mem.VirtualMemoryWithContext
)

type outcome struct {
	skipped   bool
	succeeded bool
	posted    bool
	at        time.Time
}

// Stats keeps the last RecentWindow outcomes and builds health snapshots
type Stats struct {
	mu     sync.Mutex
	recent []outcome
	next   int

	clock     clock.Clock
	agentID   string
	hostName  string
	ipAddress string
}

// NewStats resolves the host identity once
func NewStats(clk clock.Clock) *Stats {
	hostName, err := os.Hostname()
	if err != nil {
		slog.Warn("Failed to get hostname", "error", err)
	}

	return &Stats{
		recent:    make([]outcome, 0, RecentWindow),
		clock:     clk,
		agentID:   uuid.New().String(),
		hostName:  hostName,
		ipAddress: hostAddress(hostName),
	}
}

func hostAddress(hostName string) string {
	if hostName == "" {
		return ""
	}
	addrs, err := net.LookupIP(hostName)
	if err != nil {
		slog.Warn("Failed to resolve host address", "host_name", hostName, "error", err)
		return ""
	}
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil {
			return v4.String()
		}
	}
	if len(addrs) > 0 {
		return addrs[0].String()
	}
	return ""
}

func (s *Stats) push(o outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.recent) < RecentWindow {
		s.recent = append(s.recent, o)
		return
	}
	s.recent[s.next] = o
	s.next = (s.next + 1) % RecentWindow
}

// Skipped records a dispatch that never ran
func (s *Stats) Skipped(dispatchedAt time.Time) {
	s.push(outcome{skipped: true, at: dispatchedAt})
}

// Executed records a finished run and whether its result reached the collector
func (s *Stats) Executed(eventTime time.Time, succeeded, posted bool) {
	s.push(outcome{succeeded: succeeded, posted: posted, at: eventTime})
}

// Recent returns the number of outcomes currently kept
func (s *Stats) Recent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recent)
}

// SnapshotInput is the scheduler state a snapshot reports on
type SnapshotInput struct {
	Region         string
	Intervals      []int // interval minutes of every scheduled check
	Running        map[string]time.Time
	InFlight       int
	RetryQueueSize int
}

// Snapshot builds an immutable health snapshot. Host metrics that cannot be
// read are reported as zero.
func (s *Stats) Snapshot(ctx context.Context, in SnapshotInput) model.HealthSnapshot {
	now := s.clock.Now()

	snap := model.HealthSnapshot{
		AgentID:         s.agentID,
		Region:          in.Region,
		EventTime:       now,
		HostName:        s.hostName,
		IPAddress:       s.ipAddress,
		InFlight:        in.InFlight,
		ScheduledChecks: len(in.Intervals),
		RetryQueueSize:  in.RetryQueueSize,
		Running:         make([]model.RunningCheck, 0, len(in.Running)),
	}

	s.mu.Lock()
	var first, last time.Time
	for i, o := range s.recent {
		if o.skipped {
			snap.NumSkipped++
		} else {
			if o.succeeded {
				snap.CheckSuccess++
			}
			if o.posted {
				snap.PostSuccess++
			}
		}
		if i == 0 || o.at.Before(first) {
			first = o.at
		}
		if i == 0 || o.at.After(last) {
			last = o.at
		}
	}
	snap.NumRecent = len(s.recent)
	s.mu.Unlock()

	if snap.NumRecent > 0 {
		snap.FirstCheckTime = &first
		snap.LastCheckTime = &last
		snap.ExpectedRuns = expectedRuns(in.Intervals, last.Sub(first))
	}

	for id, started := range in.Running {
		snap.Running = append(snap.Running, model.RunningCheck{
			CheckID:        id,
			RunningSeconds: now.Sub(started).Seconds(),
		})
	}
	sort.Slice(snap.Running, func(i, j int) bool { return snap.Running[i].CheckID < snap.Running[j].CheckID })

	if percents, err := cpuPercent(ctx, 0, false); err != nil {
		slog.Warn("Failed to read CPU usage", "error", err)
	} else if len(percents) > 0 {
		snap.CPUUsage = percents[0]
	}
	if vm, err := virtualMemory(ctx); err != nil {
		slog.Warn("Failed to read memory usage", "error", err)
	} else {
		snap.TotalMemoryMB = vm.Total / 1024 / 1024
		snap.AvailableMemoryMB = vm.Available / 1024 / 1024
	}

	return snap
}

// expectedRuns estimates how many runs the scheduled checks should have made
// over span
func expectedRuns(intervals []int, span time.Duration) float64 {
	var perMinute float64
	for _, interval := range intervals {
		perMinute += 1 / float64(interval+expectedRuntimeMinutes)
	}
	return perMinute * span.Minutes()
}
