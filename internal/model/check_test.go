package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExecutionKind(t *testing.T) {
	kind, err := ParseExecutionKind(" Pooled ")
	require.NoError(t, err)
	assert.Equal(t, KindPooled, kind)
	assert.True(t, kind.UsesResourcePool())

	_, err = ParseExecutionKind("gui_robot")
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestCheckScheduleValidate(t *testing.T) {
	assert.Error(t, (&CheckSchedule{IntervalMinutes: 5}).Validate())
	assert.Error(t, (&CheckSchedule{CheckID: "a", IntervalMinutes: 0}).Validate())
	assert.NoError(t, (&CheckSchedule{CheckID: "a", IntervalMinutes: 5}).Validate())
}

func TestResultAddStepKeepsFirstFailure(t *testing.T) {
	r := &Result{Status: StatusSuccess}

	r.AddStep(StepResult{Name: "load", Status: StatusSuccess})
	assert.True(t, r.Succeeded())

	r.AddStep(StepResult{Name: "login", Status: StatusTimeout})
	r.AddStep(StepResult{Name: "logout", Status: StatusFailure})

	assert.Equal(t, StatusTimeout, r.Status)
	assert.Len(t, r.Steps, 3)
}

func TestScheduledCheckInterval(t *testing.T) {
	sc := ScheduledCheck{IntervalMinutes: 5}
	assert.Equal(t, 5*time.Minute, sc.Interval())
}
