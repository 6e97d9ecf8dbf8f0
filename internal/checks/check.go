// Package checks holds the runnable check implementations and the registry
// that maps control-plane check ids to them.
package checks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dandantas/lookout/internal/model"
	"github.com/dandantas/lookout/internal/resource"
)

// ErrNoSession is returned when a pooled check runs without a session
var ErrNoSession = errors.New("check needs a pooled session")

// Env is what a single run gets from the scheduler
type Env struct {
	Session       resource.Session  // set for pooled checks only
	Credential    *model.Credential // set when the check needs one
	Region        string
	CorrelationID string
}

// Check is one runnable check. Execute returns a result for every run that
// got as far as contacting its target, failed or not. An error means the run
// could not happen at all and yields no result.
type Check interface {
	ID() string
	Kind() model.ExecutionKind
	Execute(ctx context.Context, env Env) (*model.Result, error)
}

// CredentialedCheck is implemented by checks that log in with a credential
// looked up by check id.
type CredentialedCheck interface {
	Check
	NeedsCredential() bool
}

// base carries the definition and the result bookkeeping shared by every check
type base struct {
	def model.CheckDefinition
}

func (b *base) ID() string {
	return b.def.ID
}

func (b *base) Kind() model.ExecutionKind {
	return b.def.ExecutionKind()
}

// begin applies the check timeout and opens a result stamped with the start time
func (b *base) begin(ctx context.Context, env Env) (context.Context, context.CancelFunc, *model.Result) {
	runCtx, cancel := context.WithTimeout(ctx, b.def.Timeout())

	result := &model.Result{
		ResultID:      uuid.New().String(),
		CheckID:       b.def.ID,
		AppID:         b.def.AppID,
		Region:        env.Region,
		ExecutionKind: b.def.ExecutionKind(),
		EventTime:     time.Now().UTC(),
		Status:        model.StatusSuccess,
		Steps:         make([]model.StepResult, 0),
	}
	if env.CorrelationID != "" {
		result.Metadata = map[string]string{"correlation_id": env.CorrelationID}
	}
	return runCtx, cancel, result
}

// finish stamps the duration and turns a failure past the deadline into a timeout
func finish(ctx context.Context, result *model.Result) *model.Result {
	result.DurationMs = time.Since(result.EventTime).Milliseconds()
	if result.Status != model.StatusSuccess && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Status = model.StatusTimeout
	}
	return result
}

// stepStatus classifies a failed step
func stepStatus(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.StatusTimeout
	}
	return model.StatusFailure
}
