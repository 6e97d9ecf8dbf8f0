package checks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dandantas/lookout/internal/evaluator"
	"github.com/dandantas/lookout/internal/model"
)

const maxBodyBytes = 1024 * 1024

// errNoCredential is returned for credential auth without a usable credential
var errNoCredential = errors.New("no credential available for check")

// NewHTTPClient creates an HTTP client with connection pooling for stateless checks
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// response is what a step keeps of an HTTP exchange
type response struct {
	StatusCode int
	Body       []byte
}

// doRequest renders target with vars and performs it
func doRequest(ctx context.Context, client *http.Client, target model.Target, vars map[string]string, cred *model.Credential) (*response, error) {
	var bodyReader io.Reader
	if target.Body != "" {
		bodyReader = strings.NewReader(render(target.Body, vars))
	}

	req, err := http.NewRequestWithContext(ctx, target.Method, render(target.URL, vars), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range target.Headers {
		req.Header.Set(key, render(value, vars))
	}
	if err := setAuthentication(req, target.Auth, cred); err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	slog.Debug("Check request completed",
		"url", req.URL.Redacted(),
		"status_code", resp.StatusCode,
		"body_length", len(body),
	)
	return &response{StatusCode: resp.StatusCode, Body: body}, nil
}

// setAuthentication sets authentication headers on the request
func setAuthentication(req *http.Request, auth model.Auth, cred *model.Credential) error {
	switch auth.Type {
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "credential":
		if cred == nil || cred.Empty() {
			return errNoCredential
		}
		req.SetBasicAuth(cred.Username, cred.Password)
	case "none", "":
	default:
		return fmt.Errorf("unsupported auth type: %s", auth.Type)
	}
	return nil
}

// runStep performs one request, evaluates its rules and captures extractions into vars
func runStep(ctx context.Context, client *http.Client, step model.Step, vars map[string]string, cred *model.Credential) (result model.StepResult) {
	result = model.StepResult{
		Name:      step.Name,
		Status:    model.StatusSuccess,
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
	}()

	resp, err := doRequest(ctx, client, step.Target, vars, cred)
	if err != nil {
		result.Status = stepStatus(ctx)
		result.Error = err.Error()
		return result
	}

	if !step.Target.StatusOK(resp.StatusCode) {
		result.Status = model.StatusFailure
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		result.Detail = snippet(resp.Body)
		return result
	}

	outcomes, passed := evaluator.EvaluateRules(step.Rules, resp.Body)
	if !passed {
		result.Status = model.StatusFailure
		result.Error = failedRules(outcomes)
		return result
	}
	result.Detail = fmt.Sprintf("status %d", resp.StatusCode)

	if len(step.Extract) > 0 {
		doc, err := evaluator.Parse(resp.Body)
		if err != nil {
			result.Status = model.StatusFailure
			result.Error = err.Error()
			return result
		}
		for _, ex := range step.Extract {
			value, err := doc.LookupString(ex.Expression)
			if err != nil {
				result.Status = model.StatusFailure
				result.Error = fmt.Sprintf("extract %s: %v", ex.Name, err)
				return result
			}
			vars[ex.Name] = value
		}
	}
	return result
}

func failedRules(outcomes []evaluator.Outcome) string {
	var failed []string
	for _, o := range outcomes {
		if !o.Matched {
			failed = append(failed, o.String())
		}
	}
	return "rules failed: " + strings.Join(failed, "; ")
}

// snippet keeps the start of a body for step details
func snippet(body []byte) string {
	const limit = 512
	body = bytes.TrimSpace(body)
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// render substitutes {{name}} placeholders
func render(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// credentialVars exposes the credential to templates
func credentialVars(cred *model.Credential) map[string]string {
	vars := make(map[string]string)
	if cred != nil && !cred.Empty() {
		vars["username"] = cred.Username
		vars["password"] = cred.Password
	}
	return vars
}

func usesCredential(targets ...model.Target) bool {
	mentions := func(text string) bool {
		return strings.Contains(text, "{{username}}") || strings.Contains(text, "{{password}}")
	}
	for _, t := range targets {
		if t.Auth.Type == "credential" || mentions(t.URL) || mentions(t.Body) {
			return true
		}
		for _, v := range t.Headers {
			if mentions(v) {
				return true
			}
		}
	}
	return false
}
