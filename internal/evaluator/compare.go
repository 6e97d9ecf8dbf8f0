package evaluator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// toString renders a JSON value for string operators
func toString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// toNumber converts JSON numbers, Go numbers and numeric strings
func toNumber(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert string '%s' to number", v)
		}
		return num, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

// toBool accepts booleans and the usual textual spellings
func toBool(value interface{}) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
	}
	return false, false
}

// equal compares loosely: numbers by value, booleans by truth, the rest as text
func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	numA, errA := toNumber(a)
	numB, errB := toNumber(b)
	if errA == nil && errB == nil {
		return numA == numB
	}

	_, aIsBool := a.(bool)
	_, bIsBool := b.(bool)
	if aIsBool || bIsBool {
		boolA, okA := toBool(a)
		boolB, okB := toBool(b)
		return okA && okB && boolA == boolB
	}

	return toString(a) == toString(b)
}

// compareNumbers returns -1, 0 or 1
func compareNumbers(a, b interface{}) (int, error) {
	numA, err := toNumber(a)
	if err != nil {
		return 0, fmt.Errorf("cannot compare: left value - %w", err)
	}
	numB, err := toNumber(b)
	if err != nil {
		return 0, fmt.Errorf("cannot compare: right value - %w", err)
	}

	switch {
	case numA < numB:
		return -1, nil
	case numA > numB:
		return 1, nil
	default:
		return 0, nil
	}
}
