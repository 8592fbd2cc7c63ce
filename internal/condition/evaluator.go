// Package condition evaluates workflow routing predicates against a request's
// data bag.
package condition

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Supported operators.
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpGreaterThan        = "greater_than"
	OpLessThan           = "less_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThanOrEqual    = "less_than_or_equal"
	OpContains           = "contains"
	OpNotContains        = "not_contains"
)

// Operators lists every operator the evaluator understands.
var Operators = []string{
	OpEquals, OpNotEquals,
	OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual,
	OpContains, OpNotContains,
}

// IsKnownOperator reports whether op is supported.
func IsKnownOperator(op string) bool {
	for _, known := range Operators {
		if op == known {
			return true
		}
	}
	return false
}

// Lookup resolves field against a JSON object. Dotted paths address nested
// objects ("vendor.category"). A missing field yields nil.
func Lookup(data json.RawMessage, field string) any {
	if len(data) == 0 || field == "" {
		return nil
	}
	res := gjson.GetBytes(data, field)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

// Evaluate applies operator to actual and expected. Unknown operators
// evaluate false. Numeric comparisons on non-numeric input are false.
func Evaluate(actual any, operator, expected string) bool {
	switch operator {
	case OpEquals:
		return equals(actual, expected)
	case OpNotEquals:
		return !equals(actual, expected)
	case OpGreaterThan:
		return toNumber(actual) > parseFloat(expected)
	case OpLessThan:
		return toNumber(actual) < parseFloat(expected)
	case OpGreaterThanOrEqual:
		return toNumber(actual) >= parseFloat(expected)
	case OpLessThanOrEqual:
		return toNumber(actual) <= parseFloat(expected)
	case OpContains:
		return strings.Contains(strings.ToLower(toString(actual)), strings.ToLower(expected))
	case OpNotContains:
		return !strings.Contains(strings.ToLower(toString(actual)), strings.ToLower(expected))
	default:
		return false
	}
}

// equals compares numerically when actual is a number and expected parses
// as one; otherwise the string forms must match exactly.
func equals(actual any, expected string) bool {
	if n, ok := actual.(float64); ok {
		if e, err := strconv.ParseFloat(strings.TrimSpace(expected), 64); err == nil {
			return n == e
		}
	}
	return toString(actual) == expected
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func toNumber(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return parseFloat(t)
	default:
		return math.NaN()
	}
}

var numericPrefix = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// parseFloat reads the longest numeric prefix of s, ignoring leading
// whitespace. Input without one yields NaN.
func parseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) {
		return f
	}
	prefix := numericPrefix.FindString(s)
	if prefix == "" {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(prefix, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
