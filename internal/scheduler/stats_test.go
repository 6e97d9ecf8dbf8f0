package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotSummarizesRecentOutcomes(t *testing.T) {
	stubHostMetrics(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	stats := NewStats(clk)

	t0 := clk.Now()
	stats.Executed(t0, true, true)
	stats.Executed(t0.Add(10*time.Minute), false, true)
	stats.Executed(t0.Add(20*time.Minute), true, false)
	stats.Skipped(t0.Add(30 * time.Minute))

	clk.Add(time.Hour)
	snap := stats.Snapshot(context.Background(), SnapshotInput{
		Region:         "eu-west",
		Intervals:      []int{4, 9},
		Running:        map[string]time.Time{"b": t0.Add(59 * time.Minute), "a": t0.Add(30 * time.Minute)},
		InFlight:       2,
		RetryQueueSize: 7,
	})

	assert.Equal(t, "eu-west", snap.Region)
	assert.Equal(t, clk.Now(), snap.EventTime)
	assert.NotEmpty(t, snap.AgentID)
	assert.Equal(t, 4, snap.NumRecent)
	assert.Equal(t, 2, snap.CheckSuccess)
	assert.Equal(t, 2, snap.PostSuccess)
	assert.Equal(t, 1, snap.NumSkipped)
	require.NotNil(t, snap.FirstCheckTime)
	assert.Equal(t, t0, *snap.FirstCheckTime)
	assert.Equal(t, t0.Add(30*time.Minute), *snap.LastCheckTime)
	// (1/5 + 1/10) per minute over 30 minutes
	assert.InDelta(t, 9.0, snap.ExpectedRuns, 1e-9)
	assert.Equal(t, 2, snap.ScheduledChecks)
	assert.Equal(t, 2, snap.InFlight)
	assert.Equal(t, 7, snap.RetryQueueSize)
	assert.Equal(t, 12.5, snap.CPUUsage)
	assert.Equal(t, uint64(4096), snap.TotalMemoryMB)
	assert.Equal(t, uint64(1024), snap.AvailableMemoryMB)

	require.Len(t, snap.Running, 2)
	assert.Equal(t, "a", snap.Running[0].CheckID)
	assert.Equal(t, 1800.0, snap.Running[0].RunningSeconds)
	assert.Equal(t, 60.0, snap.Running[1].RunningSeconds)
}

func TestSnapshotKeepsLastHundredOutcomes(t *testing.T) {
	stubHostMetrics(t)
	clk := clock.NewMock()
	stats := NewStats(clk)

	for i := 0; i < RecentWindow; i++ {
		stats.Skipped(clk.Now().Add(time.Duration(i) * time.Minute))
	}
	for i := 0; i < 10; i++ {
		stats.Executed(clk.Now().Add(time.Duration(RecentWindow+i)*time.Minute), true, true)
	}

	snap := stats.Snapshot(context.Background(), SnapshotInput{})
	assert.Equal(t, RecentWindow, snap.NumRecent)
	assert.Equal(t, RecentWindow-10, snap.NumSkipped)
	assert.Equal(t, 10, snap.CheckSuccess)
	assert.Equal(t, clk.Now().Add(10*time.Minute), *snap.FirstCheckTime)
}

func TestSnapshotWithoutOutcomes(t *testing.T) {
	stubHostMetrics(t)
	virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, errors.New("no /proc") }

	snap := NewStats(clock.NewMock()).Snapshot(context.Background(), SnapshotInput{Intervals: []int{5}})
	assert.Zero(t, snap.NumRecent)
	assert.Nil(t, snap.FirstCheckTime)
	assert.Nil(t, snap.LastCheckTime)
	assert.Zero(t, snap.ExpectedRuns)
	assert.Zero(t, snap.TotalMemoryMB)
	assert.NotNil(t, snap.Running)
}
