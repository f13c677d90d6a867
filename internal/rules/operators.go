package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is the closed set of comparison operators usable in filters and
// conditions. Unknown operators are rejected at rule-authoring time, never
// at event time.
type Operator string

const (
	OpEq          Operator = "=="
	OpNeq         Operator = "!="
	OpGt          Operator = ">"
	OpGte         Operator = ">="
	OpLt          Operator = "<"
	OpLte         Operator = "<="
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpBetween     Operator = "between"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpRegex       Operator = "regex"
)

// filterOperators is the full operator set allowed on event filters.
var filterOperators = map[Operator]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpIn: {}, OpNotIn: {}, OpContains: {}, OpNotContains: {},
	OpBetween: {}, OpExists: {}, OpNotExists: {}, OpRegex: {},
}

// conditionOperators is the subset allowed on aggregate conditions.
// regex/not_contains/not_exists make no sense against a scalar aggregate.
var conditionOperators = map[Operator]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpIn: {}, OpNotIn: {}, OpContains: {}, OpBetween: {}, OpExists: {},
}

// ValidForFilter reports whether the operator may appear in an event filter.
func (o Operator) ValidForFilter() bool {
	_, ok := filterOperators[o]
	return ok
}

// ValidForCondition reports whether the operator may appear in a condition.
func (o Operator) ValidForCondition() bool {
	_, ok := conditionOperators[o]
	return ok
}

// NeedsValue reports whether the operator requires a comparison value.
func (o Operator) NeedsValue() bool {
	return o != OpExists && o != OpNotExists
}

// Aggregation is the closed set of reduction functions over qualifying
// events in a time window.
type Aggregation string

const (
	AggSum         Aggregation = "sum"
	AggCount       Aggregation = "count"
	AggMin         Aggregation = "min"
	AggMax         Aggregation = "max"
	AggAvg         Aggregation = "avg"
	AggUniqueCount Aggregation = "unique_count"
	AggStreakCount Aggregation = "streak_count"
	AggFirst       Aggregation = "first"
	AggLast        Aggregation = "last"
)

// IsValid reports whether a is a known aggregation.
func (a Aggregation) IsValid() bool {
	switch a {
	case AggSum, AggCount, AggMin, AggMax, AggAvg,
		AggUniqueCount, AggStreakCount, AggFirst, AggLast:
		return true
	default:
		return false
	}
}

// NeedsField reports whether the aggregation reads a field value from each
// qualifying event. count and streak_count only care that an event happened.
func (a Aggregation) NeedsField() bool {
	switch a {
	case AggCount, AggStreakCount:
		return false
	default:
		return true
	}
}

// Expensive flags aggregations that must retain per-event state inside the
// window (rather than a running scalar). Used by complexity estimation.
func (a Aggregation) Expensive() bool {
	return a == AggUniqueCount || a == AggStreakCount
}

// NumericValue coerces a JSON-decoded value to float64.
// JSON numbers decode as float64; integers show up from Go callers.
// Strings are NOT coerced: a type mismatch must fail closed, not guess.
func NumericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// CanonicalString renders a value in a canonical textual form for set
// membership and uniqueness counting. Numbers are normalized so that 10 and
// 10.0 collide; strings are case-folded unless caseSensitive is set.
func CanonicalString(v any, caseSensitive bool) string {
	switch s := v.(type) {
	case string:
		if caseSensitive {
			return s
		}
		return strings.ToLower(s)
	case nil:
		return "<nil>"
	default:
		if n, ok := NumericValue(v); ok {
			return strconv.FormatFloat(n, 'f', -1, 64)
		}
		return fmt.Sprintf("%v", v)
	}
}

// StringValue coerces a value to string for textual operators.
func StringValue(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
