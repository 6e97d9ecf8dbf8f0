package checks

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dandantas/lookout/internal/model"
	"github.com/dandantas/lookout/internal/resource"
)

// httpClientSession is satisfied by sessions that carry a stateful HTTP client
type httpClientSession interface {
	resource.Session
	Client() *http.Client
}

// SessionFlow runs a sequence of steps on one stateful HTTP session, so
// cookies and extracted values carry from step to step. Pooled flows borrow
// the session from the resource pool; isolated flows create their own.
type SessionFlow struct {
	base
	timeout time.Duration
}

// NewSessionFlow creates a flow. timeout applies per request on isolated sessions.
func NewSessionFlow(def model.CheckDefinition, timeout time.Duration) *SessionFlow {
	return &SessionFlow{base: base{def: def}, timeout: timeout}
}

// NeedsCredential reports whether any step logs in with the check's credential
func (f *SessionFlow) NeedsCredential() bool {
	targets := make([]model.Target, 0, len(f.def.Steps))
	for _, step := range f.def.Steps {
		targets = append(targets, step.Target)
	}
	return usesCredential(targets...)
}

// Execute runs the steps in order and stops at the first failing one
func (f *SessionFlow) Execute(ctx context.Context, env Env) (*model.Result, error) {
	client, release, err := f.client(env)
	if err != nil {
		return nil, err
	}
	defer release()

	runCtx, cancel, result := f.begin(ctx, env)
	defer cancel()

	vars := credentialVars(env.Credential)
	for _, step := range f.def.Steps {
		stepResult := runStep(runCtx, client, step, vars, env.Credential)
		result.AddStep(stepResult)
		if stepResult.Status != model.StatusSuccess {
			break
		}
	}

	return finish(runCtx, result), nil
}

func (f *SessionFlow) client(env Env) (*http.Client, func(), error) {
	if f.Kind() == model.KindIsolated {
		session, err := resource.NewHTTPSession(f.timeout)
		if err != nil {
			return nil, nil, err
		}
		return session.Client(), func() { session.Close() }, nil
	}

	if env.Session == nil {
		return nil, nil, ErrNoSession
	}
	session, ok := env.Session.(httpClientSession)
	if !ok {
		return nil, nil, fmt.Errorf("session %s does not provide an HTTP client", env.Session.ID())
	}
	return session.Client(), func() {}, nil
}
