// Package evaluator runs JSONPath assertions and extractions against
// response bodies.
package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oliveagle/jsonpath"

	"github.com/dandantas/lookout/internal/model"
)

// ErrNotJSON is returned when a body that must be JSON is not
var ErrNotJSON = errors.New("response body is not JSON")

// Outcome is the result of evaluating one rule
type Outcome struct {
	Rule      string      `json:"rule"`
	Operator  string      `json:"operator"`
	Extracted interface{} `json:"extracted,omitempty"`
	Expected  interface{} `json:"expected,omitempty"`
	Matched   bool        `json:"matched"`
	Error     string      `json:"error,omitempty"`
}

// String renders the outcome for step details
func (o Outcome) String() string {
	if o.Error != "" {
		return fmt.Sprintf("%s: %s", o.Rule, o.Error)
	}
	return fmt.Sprintf("%s: %v %s %v -> %t", o.Rule, o.Extracted, o.Operator, o.Expected, o.Matched)
}

// Document is a parsed JSON body
type Document struct {
	data interface{}
}

// Parse parses body once for any number of rules and extractions
func Parse(body []byte) (*Document, error) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	return &Document{data: data}, nil
}

// Lookup extracts a value using a JSONPath expression
func (d *Document) Lookup(expression string) (interface{}, error) {
	pattern, err := jsonpath.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid JSONPath expression '%s': %w", expression, err)
	}

	value, err := pattern.Lookup(d.data)
	if err != nil {
		return nil, fmt.Errorf("JSONPath expression '%s' returned no results: %w", expression, err)
	}
	return value, nil
}

// LookupString extracts a value and renders it as text
func (d *Document) LookupString(expression string) (string, error) {
	value, err := d.Lookup(expression)
	if err != nil {
		return "", err
	}
	return toString(value), nil
}

// Evaluate evaluates a single rule against the document
func (d *Document) Evaluate(rule model.Rule) Outcome {
	outcome := Outcome{
		Rule:     rule.Name,
		Operator: rule.Operator,
		Expected: rule.ExpectedValue,
	}

	extracted, err := d.Lookup(rule.Expression)
	if err != nil {
		// absence is an answer for the existence operators
		switch strings.ToLower(rule.Operator) {
		case "exists":
			return outcome
		case "not_exists":
			outcome.Matched = true
			return outcome
		}
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Extracted = extracted

	if strings.ToLower(rule.Operator) == "not_exists" {
		outcome.Matched = extracted == nil
		return outcome
	}

	matched, err := EvaluateOperator(rule.Operator, extracted, rule.ExpectedValue)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Matched = matched
	return outcome
}

// EvaluateRules evaluates every rule against body and reports whether all matched
func EvaluateRules(rules []model.Rule, body []byte) ([]Outcome, bool) {
	if len(rules) == 0 {
		return nil, true
	}

	doc, err := Parse(body)
	if err != nil {
		outcomes := make([]Outcome, 0, len(rules))
		for _, rule := range rules {
			outcomes = append(outcomes, Outcome{Rule: rule.Name, Operator: rule.Operator, Error: err.Error()})
		}
		return outcomes, false
	}

	outcomes := make([]Outcome, 0, len(rules))
	passed := true
	for _, rule := range rules {
		outcome := doc.Evaluate(rule)
		if !outcome.Matched {
			passed = false
		}
		outcomes = append(outcomes, outcome)

		slog.Debug("Rule evaluation completed",
			"rule", rule.Name,
			"expression", rule.Expression,
			"extracted_value", outcome.Extracted,
			"expected_value", rule.ExpectedValue,
			"operator", rule.Operator,
			"matched", outcome.Matched,
		)
	}
	return outcomes, passed
}

// ValidateRules checks operators and expressions before any request is made
func ValidateRules(rules []model.Rule) error {
	for _, rule := range rules {
		if !IsOperator(rule.Operator) {
			return fmt.Errorf("rule %s: unknown operator %q", rule.Name, rule.Operator)
		}
		if _, err := jsonpath.Compile(rule.Expression); err != nil {
			return fmt.Errorf("rule %s: invalid JSONPath expression '%s': %w", rule.Name, rule.Expression, err)
		}
	}
	return nil
}
