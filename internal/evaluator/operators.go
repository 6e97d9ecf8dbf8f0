package evaluator

import (
	"fmt"
	"regexp"
	"strings"
)

type operatorFunc func(extracted, expected interface{}) (bool, error)

func numeric(test func(cmp int) bool) operatorFunc {
	return func(extracted, expected interface{}) (bool, error) {
		cmp, err := compareNumbers(extracted, expected)
		if err != nil {
			return false, err
		}
		return test(cmp), nil
	}
}

func negate(op operatorFunc) operatorFunc {
	return func(extracted, expected interface{}) (bool, error) {
		ok, err := op(extracted, expected)
		return !ok, err
	}
}

var operators = map[string]operatorFunc{
	"eq":         func(a, b interface{}) (bool, error) { return equal(a, b), nil },
	"gt":         numeric(func(c int) bool { return c > 0 }),
	"lt":         numeric(func(c int) bool { return c < 0 }),
	"gte":        numeric(func(c int) bool { return c >= 0 }),
	"lte":        numeric(func(c int) bool { return c <= 0 }),
	"contains":   contains,
	"startswith": func(a, b interface{}) (bool, error) { return strings.HasPrefix(toString(a), toString(b)), nil },
	"regex":      matches,
	"exists":     func(a, _ interface{}) (bool, error) { return a != nil, nil },
	"in":         func(a, b interface{}) (bool, error) { return contains(b, a) },
}

func init() {
	operators["ne"] = negate(operators["eq"])
	operators["not_contains"] = negate(contains)
}

// IsOperator reports whether name is a supported operator
func IsOperator(name string) bool {
	_, ok := operators[strings.ToLower(name)]
	return ok || strings.ToLower(name) == "not_exists"
}

// EvaluateOperator applies operator to the extracted and expected values
func EvaluateOperator(operator string, extracted, expected interface{}) (bool, error) {
	op, ok := operators[strings.ToLower(operator)]
	if !ok {
		return false, fmt.Errorf("unknown operator: %s", operator)
	}
	return op(extracted, expected)
}

// contains checks array membership or substring
func contains(extracted, expected interface{}) (bool, error) {
	if arr, ok := extracted.([]interface{}); ok {
		for _, item := range arr {
			if equal(item, expected) {
				return true, nil
			}
		}
		return false, nil
	}
	return strings.Contains(toString(extracted), toString(expected)), nil
}

func matches(extracted, expected interface{}) (bool, error) {
	pattern := toString(expected)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}
	return re.MatchString(toString(extracted)), nil
}
