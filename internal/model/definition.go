package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// MaxCheckTimeout caps how long a single check run may take
const MaxCheckTimeout = 30 * time.Minute

// Auth represents authentication configuration
type Auth struct {
	Type     string `json:"type" yaml:"type" bson:"type"`                                           // "basic" | "bearer" | "credential" | "none"
	Username string `json:"username,omitempty" yaml:"username,omitempty" bson:"username,omitempty"` // For basic auth
	Password string `json:"password,omitempty" yaml:"password,omitempty" bson:"password,omitempty"` // For basic auth
	Token    string `json:"token,omitempty" yaml:"token,omitempty" bson:"token,omitempty"`          // For bearer token
}

// Validate validates auth configuration. "credential" means basic auth with
// the username and password looked up for the check at run time.
func (a *Auth) Validate() error {
	switch strings.ToLower(a.Type) {
	case "basic":
		if a.Username == "" || a.Password == "" {
			return errors.New("username and password required for basic auth")
		}
	case "bearer":
		if a.Token == "" {
			return errors.New("token required for bearer auth")
		}
	case "credential", "none", "":
	default:
		return fmt.Errorf("invalid auth type: %s (must be 'basic', 'bearer', 'credential', or 'none')", a.Type)
	}
	a.Type = strings.ToLower(a.Type)
	return nil
}

// Target is one HTTP request a check makes
type Target struct {
	URL          string            `json:"url" yaml:"url" bson:"url"`
	Method       string            `json:"method" yaml:"method" bson:"method"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" bson:"headers,omitempty"`
	Body         string            `json:"body,omitempty" yaml:"body,omitempty" bson:"body,omitempty"`
	Auth         Auth              `json:"auth,omitempty" yaml:"auth,omitempty" bson:"auth,omitempty"`
	ExpectStatus int               `json:"expect_status,omitempty" yaml:"expect_status,omitempty" bson:"expect_status,omitempty"` // 0 means any 2xx
}

// Validate validates target configuration
func (t *Target) Validate() error {
	if t.URL == "" {
		return errors.New("target URL is required")
	}

	// templated URLs are only checked once rendered
	if !strings.Contains(t.URL, "{{") {
		parsedURL, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("invalid URL: %w", err)
		}
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return errors.New("URL must start with http:// or https://")
		}
	}

	if t.Method == "" {
		t.Method = "GET"
	}
	validMethods := map[string]bool{
		"GET": true, "HEAD": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
	}
	if !validMethods[strings.ToUpper(t.Method)] {
		return fmt.Errorf("invalid HTTP method: %s", t.Method)
	}
	t.Method = strings.ToUpper(t.Method)

	if err := t.Auth.Validate(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}
	return nil
}

// StatusOK reports whether code satisfies the target's expectation
func (t *Target) StatusOK(code int) bool {
	if t.ExpectStatus != 0 {
		return code == t.ExpectStatus
	}
	return code >= 200 && code < 300
}

// Rule is a JSONPath assertion on a response body
type Rule struct {
	Name          string      `json:"name" yaml:"name" bson:"name"`
	Expression    string      `json:"expression" yaml:"expression" bson:"expression"` // JSONPath expression
	Operator      string      `json:"operator" yaml:"operator" bson:"operator"`
	ExpectedValue interface{} `json:"expected_value,omitempty" yaml:"expected_value,omitempty" bson:"expected_value,omitempty"`
}

// Validate validates rule configuration
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if r.Expression == "" {
		return errors.New("rule expression is required")
	}
	r.Operator = strings.ToLower(r.Operator)
	if r.Operator == "" {
		return fmt.Errorf("rule %s: operator is required", r.Name)
	}
	return nil
}

// Extraction captures a value from a step's response for later steps
type Extraction struct {
	Name       string `json:"name" yaml:"name" bson:"name"`
	Expression string `json:"expression" yaml:"expression" bson:"expression"`
}

// Step is one request of a multi-step flow
type Step struct {
	Name    string       `json:"name" yaml:"name" bson:"name"`
	Target  Target       `json:"target" yaml:"target" bson:"target"`
	Rules   []Rule       `json:"rules,omitempty" yaml:"rules,omitempty" bson:"rules,omitempty"`
	Extract []Extraction `json:"extract,omitempty" yaml:"extract,omitempty" bson:"extract,omitempty"`
}

// Command is a program run locally, or over SSH when Host is set
type Command struct {
	Program             string   `json:"program" yaml:"program" bson:"program"`
	Args                []string `json:"args,omitempty" yaml:"args,omitempty" bson:"args,omitempty"`
	Host                string   `json:"host,omitempty" yaml:"host,omitempty" bson:"host,omitempty"`
	Port                int      `json:"port,omitempty" yaml:"port,omitempty" bson:"port,omitempty"`
	User                string   `json:"user,omitempty" yaml:"user,omitempty" bson:"user,omitempty"`
	KeyFile             string   `json:"key_file,omitempty" yaml:"key_file,omitempty" bson:"key_file,omitempty"`
	KnownHostsFile      string   `json:"known_hosts_file,omitempty" yaml:"known_hosts_file,omitempty" bson:"known_hosts_file,omitempty"`
	InsecureSkipHostKey bool     `json:"insecure_skip_host_key,omitempty" yaml:"insecure_skip_host_key,omitempty" bson:"insecure_skip_host_key,omitempty"`
	ExpectExitCode      int      `json:"expect_exit_code,omitempty" yaml:"expect_exit_code,omitempty" bson:"expect_exit_code,omitempty"`
	ExpectOutput        string   `json:"expect_output,omitempty" yaml:"expect_output,omitempty" bson:"expect_output,omitempty"` // regex on combined output
}

// CheckDefinition describes what a check does. The control plane decides
// whether and how often it runs.
type CheckDefinition struct {
	ID              string   `json:"id" yaml:"id" bson:"check_id"`
	AppID           string   `json:"app_id,omitempty" yaml:"app_id,omitempty" bson:"app_id,omitempty"`
	Kind            string   `json:"execution_kind" yaml:"execution_kind" bson:"execution_kind"`
	IntervalMinutes int      `json:"interval_minutes,omitempty" yaml:"interval_minutes,omitempty" bson:"interval_minutes,omitempty"`
	TimeoutSeconds  int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" bson:"timeout_seconds,omitempty"`
	Regions         []string `json:"regions,omitempty" yaml:"regions,omitempty" bson:"regions,omitempty"`
	Disabled        bool     `json:"disabled,omitempty" yaml:"disabled,omitempty" bson:"disabled,omitempty"`
	Target          *Target  `json:"target,omitempty" yaml:"target,omitempty" bson:"target,omitempty"`
	Rules           []Rule   `json:"rules,omitempty" yaml:"rules,omitempty" bson:"rules,omitempty"`
	Steps           []Step   `json:"steps,omitempty" yaml:"steps,omitempty" bson:"steps,omitempty"`
	Command         *Command `json:"command,omitempty" yaml:"command,omitempty" bson:"command,omitempty"`
}

// Validate checks that the definition can be turned into a runnable check
func (d *CheckDefinition) Validate() error {
	if d.ID == "" {
		return errors.New("check id is required")
	}

	kind, err := ParseExecutionKind(d.Kind)
	if err != nil {
		return fmt.Errorf("check %s: %w", d.ID, err)
	}
	d.Kind = string(kind)

	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("check %s: timeout must not be negative", d.ID)
	}

	if d.Target != nil {
		if err := d.Target.Validate(); err != nil {
			return fmt.Errorf("check %s: %w", d.ID, err)
		}
	}
	for i := range d.Rules {
		if err := d.Rules[i].Validate(); err != nil {
			return fmt.Errorf("check %s: %w", d.ID, err)
		}
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Name == "" {
			step.Name = fmt.Sprintf("step-%d", i+1)
		}
		if err := step.Target.Validate(); err != nil {
			return fmt.Errorf("check %s step %s: %w", d.ID, step.Name, err)
		}
		for j := range step.Rules {
			if err := step.Rules[j].Validate(); err != nil {
				return fmt.Errorf("check %s step %s: %w", d.ID, step.Name, err)
			}
		}
	}

	switch kind {
	case KindStateless:
		if d.Target == nil {
			return fmt.Errorf("check %s: stateless checks need a target", d.ID)
		}
	case KindPooled:
		if len(d.Steps) == 0 {
			return fmt.Errorf("check %s: pooled checks need steps", d.ID)
		}
	case KindRemoteShell:
		if d.Command == nil || d.Command.Host == "" {
			return fmt.Errorf("check %s: remote_shell checks need a command with a host", d.ID)
		}
	case KindIsolated:
		if d.Command == nil && len(d.Steps) == 0 {
			return fmt.Errorf("check %s: isolated checks need a command or steps", d.ID)
		}
	}
	if d.Command != nil && d.Command.Program == "" {
		return fmt.Errorf("check %s: command program is required", d.ID)
	}

	return nil
}

// ExecutionKind returns the parsed kind; call Validate first
func (d *CheckDefinition) ExecutionKind() ExecutionKind {
	return ExecutionKind(d.Kind)
}

// Timeout returns the per-run timeout, capped at MaxCheckTimeout
func (d *CheckDefinition) Timeout() time.Duration {
	timeout := time.Duration(d.TimeoutSeconds) * time.Second
	if timeout <= 0 || timeout > MaxCheckTimeout {
		return MaxCheckTimeout
	}
	return timeout
}

// RunsIn reports whether the check is meant for region
func (d *CheckDefinition) RunsIn(region string) bool {
	if len(d.Regions) == 0 {
		return true
	}
	for _, r := range d.Regions {
		if strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}

// Service lists endpoints that get a plain availability check each
type Service struct {
	App             string   `json:"app" yaml:"app"`
	URLs            []string `json:"urls" yaml:"urls"`
	IntervalMinutes int      `json:"interval_minutes,omitempty" yaml:"interval_minutes,omitempty"`
	TimeoutSeconds  int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Regions         []string `json:"regions,omitempty" yaml:"regions,omitempty"`
}

// AvailabilityCheckID names the availability check of one service URL
func AvailabilityCheckID(app, rawURL string) string {
	return app + "|avail|" + rawURL
}

// Definitions expands the service into one stateless check per URL
func (s *Service) Definitions() []CheckDefinition {
	interval := s.IntervalMinutes
	if interval <= 0 {
		interval = 5
	}
	timeout := s.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}

	defs := make([]CheckDefinition, 0, len(s.URLs))
	for _, u := range s.URLs {
		defs = append(defs, CheckDefinition{
			ID:              AvailabilityCheckID(s.App, u),
			AppID:           s.App,
			Kind:            string(KindStateless),
			IntervalMinutes: interval,
			TimeoutSeconds:  timeout,
			Regions:         s.Regions,
			Target:          &Target{URL: u, Method: "GET"},
		})
	}
	return defs
}

// Catalogue is the set of checks this agent knows how to run
type Catalogue struct {
	Checks      []CheckDefinition     `json:"checks" yaml:"checks"`
	Services    []Service             `json:"services" yaml:"services"`
	Maintenance []string              `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
	Credentials map[string]Credential `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// Definitions validates and returns every check, services expanded
func (c *Catalogue) Definitions() ([]CheckDefinition, error) {
	var all []CheckDefinition
	all = append(all, c.Checks...)
	for i := range c.Services {
		if c.Services[i].App == "" {
			return nil, fmt.Errorf("service %d: app is required", i)
		}
		all = append(all, c.Services[i].Definitions()...)
	}

	seen := make(map[string]struct{}, len(all))
	for i := range all {
		if err := all[i].Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[all[i].ID]; dup {
			return nil, fmt.Errorf("duplicate check id %q", all[i].ID)
		}
		seen[all[i].ID] = struct{}{}
	}
	return all, nil
}
