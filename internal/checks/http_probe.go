package checks

import (
	"context"
	"net/http"

	"github.com/dandantas/lookout/internal/model"
)

// HTTPProbe is a stateless check: one request, optional JSONPath rules
type HTTPProbe struct {
	base
	client *http.Client
}

// NewHTTPProbe creates a probe sharing client with every other probe
func NewHTTPProbe(def model.CheckDefinition, client *http.Client) *HTTPProbe {
	return &HTTPProbe{base: base{def: def}, client: client}
}

// NeedsCredential reports whether the target logs in with the check's credential
func (p *HTTPProbe) NeedsCredential() bool {
	return usesCredential(*p.def.Target)
}

// Execute performs the request
func (p *HTTPProbe) Execute(ctx context.Context, env Env) (*model.Result, error) {
	runCtx, cancel, result := p.begin(ctx, env)
	defer cancel()

	step := model.Step{Name: "request", Target: *p.def.Target, Rules: p.def.Rules}
	result.AddStep(runStep(runCtx, p.client, step, credentialVars(env.Credential), env.Credential))

	return finish(runCtx, result), nil
}
