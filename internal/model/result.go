package model

import (
	"encoding/json"
	"time"
)

// Result status values
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusTimeout = "timeout"
)

// StepResult represents one step of a check run
type StepResult struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Result is the payload a check run produces and the collector receives
type Result struct {
	ResultID      string            `json:"result_id"`
	CheckID       string            `json:"check_id"`
	AppID         string            `json:"app_id,omitempty"`
	Region        string            `json:"region"`
	ExecutionKind ExecutionKind     `json:"execution_kind"`
	EventTime     time.Time         `json:"event_time"`
	DurationMs    int64             `json:"duration_ms"`
	Status        string            `json:"status"`
	Steps         []StepResult      `json:"steps"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Succeeded reports whether the run was a success
func (r *Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// AddStep appends a step and downgrades the overall status on the first failing step
func (r *Result) AddStep(step StepResult) {
	r.Steps = append(r.Steps, step)
	if step.Status != StatusSuccess && r.Status == StatusSuccess {
		r.Status = step.Status
	}
}

// Payload serializes the result into the opaque submission payload
func (r *Result) Payload() ([]byte, error) {
	return json.Marshal(r)
}
