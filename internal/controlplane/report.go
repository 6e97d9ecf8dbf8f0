package controlplane

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dandantas/lookout/internal/model"
)

// SnapshotEmitter is anything that accepts health snapshots
type SnapshotEmitter interface {
	EmitHealthSnapshot(ctx context.Context, snapshot model.HealthSnapshot) error
}

// LogReporter writes health snapshots to the log
type LogReporter struct{}

// EmitHealthSnapshot logs the snapshot at info level
func (LogReporter) EmitHealthSnapshot(_ context.Context, s model.HealthSnapshot) error {
	slog.Info("Health snapshot",
		"agent_id", s.AgentID,
		"region", s.Region,
		"host_name", s.HostName,
		"ip_address", s.IPAddress,
		"num_recent", s.NumRecent,
		"check_success", s.CheckSuccess,
		"post_success", s.PostSuccess,
		"num_skipped", s.NumSkipped,
		"cpu_usage", s.CPUUsage,
		"total_memory_mb", s.TotalMemoryMB,
		"available_memory_mb", s.AvailableMemoryMB,
		"in_flight", s.InFlight,
		"scheduled_checks", s.ScheduledChecks,
		"expected_runs", s.ExpectedRuns,
		"retry_queue_size", s.RetryQueueSize,
		"running_checks", len(s.Running),
	)
	return nil
}

// MultiReporter fans a snapshot out to every sink and joins their errors
type MultiReporter []SnapshotEmitter

// EmitHealthSnapshot emits to every sink even when one fails
func (m MultiReporter) EmitHealthSnapshot(ctx context.Context, snapshot model.HealthSnapshot) error {
	var errs []error
	for _, sink := range m {
		if err := sink.EmitHealthSnapshot(ctx, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
