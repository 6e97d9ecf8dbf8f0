package checks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/dandantas/lookout/internal/model"
)

// CommandCheck runs a local program in its own process
type CommandCheck struct {
	base
	expect *regexp.Regexp
}

// NewCommandCheck creates a local command check
func NewCommandCheck(def model.CheckDefinition) (*CommandCheck, error) {
	expect, err := compileExpect(def.Command)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", def.ID, err)
	}
	return &CommandCheck{base: base{def: def}, expect: expect}, nil
}

// Execute runs the program and judges its exit code and output
func (c *CommandCheck) Execute(ctx context.Context, env Env) (*model.Result, error) {
	runCtx, cancel, result := c.begin(ctx, env)
	defer cancel()

	cmd := c.def.Command
	started := time.Now().UTC()
	output, err := exec.CommandContext(runCtx, cmd.Program, cmd.Args...).CombinedOutput()

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	case err != nil:
		result.AddStep(model.StepResult{
			Name:       cmd.Program,
			Status:     stepStatus(runCtx),
			StartedAt:  started,
			DurationMs: time.Since(started).Milliseconds(),
			Error:      err.Error(),
		})
		return finish(runCtx, result), nil
	}

	result.AddStep(judgeCommand(runCtx, cmd, c.expect, started, exitCode, output))
	return finish(runCtx, result), nil
}

func compileExpect(cmd *model.Command) (*regexp.Regexp, error) {
	if cmd == nil || cmd.ExpectOutput == "" {
		return nil, nil
	}
	re, err := regexp.Compile(cmd.ExpectOutput)
	if err != nil {
		return nil, fmt.Errorf("invalid expect_output pattern: %w", err)
	}
	return re, nil
}

// judgeCommand turns an exit code and output into a step
func judgeCommand(ctx context.Context, cmd *model.Command, expect *regexp.Regexp, started time.Time, exitCode int, output []byte) model.StepResult {
	step := model.StepResult{
		Name:       strings.TrimSpace(cmd.Program + " " + strings.Join(cmd.Args, " ")),
		Status:     model.StatusSuccess,
		StartedAt:  started,
		DurationMs: time.Since(started).Milliseconds(),
		Detail:     snippet(output),
	}

	switch {
	case ctx.Err() != nil:
		step.Status = stepStatus(ctx)
		step.Error = ctx.Err().Error()
	case exitCode != cmd.ExpectExitCode:
		step.Status = model.StatusFailure
		step.Error = fmt.Sprintf("exit code %d, expected %d", exitCode, cmd.ExpectExitCode)
	case expect != nil && !expect.Match(output):
		step.Status = model.StatusFailure
		step.Error = fmt.Sprintf("output does not match %q", expect.String())
	}
	return step
}
