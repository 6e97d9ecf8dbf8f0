package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExecutionKind is the mechanism used to run a check
type ExecutionKind string

const (
	KindIsolated    ExecutionKind = "isolated"     // own process / own session, never shared
	KindPooled      ExecutionKind = "pooled"       // borrows a session from the resource pool
	KindRemoteShell ExecutionKind = "remote_shell" // command executed on a remote host
	KindStateless   ExecutionKind = "stateless"    // plain call, nothing to set up
)

// ErrUnsupportedKind is returned when a control-plane row names an unknown execution kind
var ErrUnsupportedKind = errors.New("unsupported execution kind")

// ParseExecutionKind validates and normalizes an execution kind
func ParseExecutionKind(raw string) (ExecutionKind, error) {
	kind := ExecutionKind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindIsolated, KindPooled, KindRemoteShell, KindStateless:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, raw)
	}
}

// UsesResourcePool reports whether checks of this kind borrow a pool handle
func (k ExecutionKind) UsesResourcePool() bool {
	return k == KindPooled
}

// CheckSchedule is one active check as reported by the control plane
type CheckSchedule struct {
	CheckID         string `json:"check_id" bson:"check_id" yaml:"check_id"`
	ExecutionKind   string `json:"execution_kind" bson:"execution_kind" yaml:"execution_kind"`
	IntervalMinutes int    `json:"interval_minutes" bson:"interval_minutes" yaml:"interval_minutes"`
	Region          string `json:"region,omitempty" bson:"region,omitempty" yaml:"region,omitempty"`
}

// Validate validates a control-plane schedule row
func (cs *CheckSchedule) Validate() error {
	if cs.CheckID == "" {
		return errors.New("check id is required")
	}
	if cs.IntervalMinutes <= 0 {
		return fmt.Errorf("interval must be positive for check %q", cs.CheckID)
	}
	return nil
}

// ScheduledCheck is one entry of the schedule queue, ordered by NextDue
type ScheduledCheck struct {
	CheckID         string
	Kind            ExecutionKind
	IntervalMinutes int
	NextDue         time.Time

	// Generation ties the entry to one activation of the check; an entry whose
	// generation no longer matches the active set is stale.
	Generation uint64
}

// Interval returns the configured interval as a duration
func (sc *ScheduledCheck) Interval() time.Duration {
	return time.Duration(sc.IntervalMinutes) * time.Minute
}
