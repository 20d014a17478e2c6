package prerequisites

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/songzhibin97/process-engine/placeholder"
	"github.com/songzhibin97/process-engine/types"
)

// checkField compares a snapshot field against pre.Value. Operands that do
// not fit the operator make the check unsatisfied.
func checkField(pre types.Prerequisite, data map[string]interface{}) (bool, string) {
	v, ok := placeholder.Lookup(data, pre.Field)
	if !ok {
		return false, fmt.Sprintf("field %q is missing", pre.Field)
	}

	var satisfied bool
	switch pre.Operator {
	case types.OpEquals:
		satisfied = equal(v, pre.Value)
	case types.OpNotEquals:
		satisfied = !equal(v, pre.Value)
	case types.OpGreaterThan, types.OpLessThan, types.OpGreaterOrEqual, types.OpLessOrEqual:
		a, okA := toFloat(v)
		b, okB := toFloat(pre.Value)
		if !okA || !okB {
			return false, fmt.Sprintf("field %q: %s needs numeric operands, got %v and %v",
				pre.Field, pre.Operator, describe(v), describe(pre.Value))
		}
		satisfied = compare(pre.Operator, a, b)
	case types.OpContains:
		satisfied = contains(v, pre.Value)
	case types.OpNotEmpty:
		satisfied = !isEmpty(v)
	case types.OpIsTrue:
		b, isBool := toBool(v)
		satisfied = isBool && b
	case types.OpIsFalse:
		b, isBool := toBool(v)
		satisfied = isBool && !b
	default:
		return false, fmt.Sprintf("unknown operator %q", pre.Operator)
	}

	if satisfied {
		return true, strings.TrimSpace(fmt.Sprintf("field %q %s %s", pre.Field, pre.Operator, expected(pre)))
	}
	return false, strings.TrimSpace(fmt.Sprintf("field %q is %s, expected %s %s", pre.Field, describe(v), pre.Operator, expected(pre)))
}

func expected(pre types.Prerequisite) string {
	switch pre.Operator {
	case types.OpNotEmpty, types.OpIsTrue, types.OpIsFalse:
		return ""
	}
	return describe(pre.Value)
}

func describe(v interface{}) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return placeholder.Format(v)
}

func compare(op string, a, b float64) bool {
	switch op {
	case types.OpGreaterThan:
		return a > b
	case types.OpLessThan:
		return a < b
	case types.OpGreaterOrEqual:
		return a >= b
	case types.OpLessOrEqual:
		return a <= b
	}
	return false
}

// equal compares numerically when both sides are numeric and by text otherwise.
func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	return placeholder.Format(a) == placeholder.Format(b)
}

func contains(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, placeholder.Format(needle))
	case []interface{}:
		for _, e := range h {
			if equal(e, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, e := range h {
			if equal(e, needle) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		_, ok := h[placeholder.Format(needle)]
		return ok
	}
	return false
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// toFloat converts numbers and numeric strings. Booleans are not numeric,
// and neither are NaN or infinities, including the strings "NaN" and "Inf".
func toFloat(v interface{}) (float64, bool) {
	f, ok := anyFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func anyFloat(v interface{}) (float64, bool) {
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
		return f, err == nil
	}
	return 0, false
}
