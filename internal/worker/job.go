package worker

import (
	"context"
	"time"

	"github.com/dandantas/lookout/internal/model"
)

// JobType distinguishes check executions from pipeline housekeeping
type JobType int

const (
	// JobRunCheck executes one dispatched check
	JobRunCheck JobType = iota
	// JobMaintenance runs due submission retries and rechecks
	JobMaintenance
)

// Job represents one unit of work handed to the pool
type Job struct {
	Type          JobType
	Check         *model.ScheduledCheck
	DispatchedAt  time.Time
	CorrelationID string
	Context       context.Context
}
