package automation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Compare evaluates "actual op expected".
//
// Both sides are compared numerically when both are numbers or numeric
// strings. Otherwise only == and != apply, comparing canonical string
// forms; an ordering operator returns ErrTypeMismatch.
func Compare(actual any, op string, expected any) (bool, error) {
	if !validOperator(op) {
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}

	a, aNum := toNumber(actual)
	b, bNum := toNumber(expected)
	if aNum && bNum {
		return compareNumbers(a, op, b), nil
	}

	switch op {
	case OpEqual:
		return canonical(actual) == canonical(expected), nil
	case OpNotEqual:
		return canonical(actual) != canonical(expected), nil
	default:
		return false, fmt.Errorf("%w: %s needs numbers, got %T and %T", ErrTypeMismatch, op, actual, expected)
	}
}

func validOperator(op string) bool {
	switch op {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return true
	default:
		return false
	}
}

func compareNumbers(a float64, op string, b float64) bool {
	switch op {
	case OpGreater:
		return a > b
	case OpLess:
		return a < b
	case OpGreaterEqual:
		return a >= b
	case OpLessEqual:
		return a <= b
	case OpEqual:
		return a == b
	default:
		return a != b
	}
}

// toNumber coerces numbers and numeric strings. Booleans are not numbers.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func canonical(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	}
	if f, ok := toNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
