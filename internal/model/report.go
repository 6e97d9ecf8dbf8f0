package model

import (
	"time"
)

// RunningCheck is one in-flight check inside a health snapshot
type RunningCheck struct {
	CheckID        string  `json:"check_id" bson:"check_id"`
	RunningSeconds float64 `json:"running_seconds" bson:"running_seconds"`
}

// HealthSnapshot is the per-refresh agent report; it is never mutated once built
type HealthSnapshot struct {
	AgentID           string         `json:"agent_id" bson:"agent_id"`
	Region            string         `json:"region" bson:"region"`
	EventTime         time.Time      `json:"event_time" bson:"event_time"`
	HostName          string         `json:"host_name" bson:"host_name"`
	IPAddress         string         `json:"ip_address" bson:"ip_address"`
	NumRecent         int            `json:"num_test" bson:"num_test"`
	CheckSuccess      int            `json:"test_success" bson:"test_success"`
	PostSuccess       int            `json:"post_success" bson:"post_success"`
	NumSkipped        int            `json:"num_skipped_tests" bson:"num_skipped_tests"`
	CPUUsage          float64        `json:"cpu_usage" bson:"cpu_usage"`
	TotalMemoryMB     uint64         `json:"total_memory" bson:"total_memory"`
	AvailableMemoryMB uint64         `json:"remain_memory" bson:"remain_memory"`
	FirstCheckTime    *time.Time     `json:"first_test_time" bson:"first_test_time,omitempty"`
	LastCheckTime     *time.Time     `json:"last_test_time" bson:"last_test_time,omitempty"`
	InFlight          int            `json:"running_queue_size" bson:"running_queue_size"`
	ScheduledChecks   int            `json:"scheduled_checks" bson:"scheduled_checks"`
	ExpectedRuns      float64        `json:"expected_run_test" bson:"expected_run_test"`
	RetryQueueSize    int            `json:"retry_queue_size" bson:"retry_queue_size"`
	Running           []RunningCheck `json:"running_features" bson:"running_features"`
}
