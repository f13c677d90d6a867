package engine

import (
	"fmt"
	"strings"

	"github.com/mfalcao/questline/internal/event"
	"github.com/mfalcao/questline/internal/rules"
)

// resolvePath looks up a possibly-dotted field path ("payment.method") in an
// event data map.
func resolvePath(data map[string]any, path string) (any, bool) {
	if data == nil {
		return nil, false
	}
	if v, ok := data[path]; ok {
		return v, true
	}

	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return nil, false
	}

	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// matchTrigger reports whether an event satisfies every filter of a trigger.
// The event type is assumed to match already (the caller indexed by it).
func matchTrigger(t *rules.Trigger, evt *event.Event) (bool, error) {
	for i := range t.Filters {
		ok, err := matchFilter(&t.Filters[i], evt.Data)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// matchFilter applies one filter to the event data. An absent field fails
// the filter (except exists/not_exists); a present field of the wrong type
// is an EvaluationError, so misauthored rules fail closed instead of
// silently passing.
func matchFilter(f *rules.Filter, data map[string]any) (bool, error) {
	val, present := resolvePath(data, f.Field)

	switch f.Operator {
	case rules.OpExists:
		return present, nil
	case rules.OpNotExists:
		return !present, nil
	}

	if !present {
		return false, nil
	}

	switch f.Operator {
	case rules.OpEq:
		return looseEqual(val, f.Value, f.CaseSensitive)
	case rules.OpNeq:
		eq, err := looseEqual(val, f.Value, f.CaseSensitive)
		return !eq, err

	case rules.OpGt, rules.OpGte, rules.OpLt, rules.OpLte:
		left, okL := rules.NumericValue(val)
		right, okR := rules.NumericValue(f.Value)
		if !okL || !okR {
			return false, &EvaluationError{Field: f.Field, Reason: fmt.Sprintf("operator %q requires numeric operands, got %T and %T", f.Operator, val, f.Value)}
		}
		return compareNumeric(f.Operator, left, right), nil

	case rules.OpIn:
		_, ok := f.CompiledSet[rules.CanonicalString(val, f.CaseSensitive)]
		return ok, nil
	case rules.OpNotIn:
		_, ok := f.CompiledSet[rules.CanonicalString(val, f.CaseSensitive)]
		return !ok, nil

	case rules.OpContains:
		return containsValue(val, f.Value, f.Field, f.CaseSensitive)
	case rules.OpNotContains:
		ok, err := containsValue(val, f.Value, f.Field, f.CaseSensitive)
		return !ok, err

	case rules.OpBetween:
		n, ok := rules.NumericValue(val)
		if !ok {
			return false, &EvaluationError{Field: f.Field, Reason: fmt.Sprintf("between requires a numeric field, got %T", val)}
		}
		return n >= f.CompiledBounds[0] && n <= f.CompiledBounds[1], nil

	case rules.OpRegex:
		s, ok := val.(string)
		if !ok {
			return false, &EvaluationError{Field: f.Field, Reason: fmt.Sprintf("regex requires a string field, got %T", val)}
		}
		return f.CompiledRegex.MatchString(s), nil

	default:
		// Unreachable for validated rules.
		return false, &EvaluationError{Field: f.Field, Reason: fmt.Sprintf("unknown operator %q", f.Operator)}
	}
}

// looseEqual compares two values of matching kinds: numbers numerically,
// strings with optional case folding, booleans directly. Mismatched kinds
// are an evaluation error rather than a quiet "not equal".
func looseEqual(left, right any, caseSensitive bool) (bool, error) {
	if ln, ok := rules.NumericValue(left); ok {
		if rn, ok := rules.NumericValue(right); ok {
			return ln == rn, nil
		}
		return false, &EvaluationError{Reason: fmt.Sprintf("type mismatch comparing %T to %T", left, right)}
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		if caseSensitive {
			return ls == rs, nil
		}
		return strings.EqualFold(ls, rs), nil
	}

	return false, &EvaluationError{Reason: fmt.Sprintf("type mismatch comparing %T to %T", left, right)}
}

// containsValue implements contains for string fields (substring) and list
// fields (membership).
func containsValue(val, needle any, field string, caseSensitive bool) (bool, error) {
	switch v := val.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, &EvaluationError{Field: field, Reason: fmt.Sprintf("contains needle must be a string, got %T", needle)}
		}
		if caseSensitive {
			return strings.Contains(v, n), nil
		}
		return strings.Contains(strings.ToLower(v), strings.ToLower(n)), nil

	case []any:
		target := rules.CanonicalString(needle, caseSensitive)
		for _, item := range v {
			if rules.CanonicalString(item, caseSensitive) == target {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, &EvaluationError{Field: field, Reason: fmt.Sprintf("contains requires a string or list field, got %T", val)}
	}
}

func compareNumeric(op rules.Operator, left, right float64) bool {
	switch op {
	case rules.OpGt:
		return left > right
	case rules.OpGte:
		return left >= right
	case rules.OpLt:
		return left < right
	case rules.OpLte:
		return left <= right
	default:
		return false
	}
}

// compareAggregate turns a condition's current aggregate value into a
// boolean using the condition's operator and threshold.
func compareAggregate(c *rules.Condition, value any) (bool, error) {
	switch c.Operator {
	case rules.OpExists:
		return value != nil, nil

	case rules.OpEq:
		if value == nil {
			return false, nil
		}
		return looseEqual(value, c.Value, false)
	case rules.OpNeq:
		if value == nil {
			return true, nil
		}
		eq, err := looseEqual(value, c.Value, false)
		return !eq, err

	case rules.OpGt, rules.OpGte, rules.OpLt, rules.OpLte:
		left, okL := rules.NumericValue(value)
		right, okR := rules.NumericValue(c.Value)
		if !okL || !okR {
			return false, &EvaluationError{Field: c.Field, Reason: fmt.Sprintf("operator %q requires numeric operands, got %T and %T", c.Operator, value, c.Value)}
		}
		return compareNumeric(c.Operator, left, right), nil

	case rules.OpIn:
		_, ok := c.CompiledSet[rules.CanonicalString(value, false)]
		return ok, nil
	case rules.OpNotIn:
		_, ok := c.CompiledSet[rules.CanonicalString(value, false)]
		return !ok, nil

	case rules.OpContains:
		return containsValue(value, c.Value, c.Field, false)

	case rules.OpBetween:
		n, ok := rules.NumericValue(value)
		if !ok {
			return false, &EvaluationError{Field: c.Field, Reason: fmt.Sprintf("between requires a numeric aggregate, got %T", value)}
		}
		return n >= c.CompiledBounds[0] && n <= c.CompiledBounds[1], nil

	default:
		return false, &EvaluationError{Field: c.Field, Reason: fmt.Sprintf("unknown condition operator %q", c.Operator)}
	}
}

// combineResults applies the rule's logic combinator to per-condition
// outcomes. AND requires all true; OR requires at least one.
func combineResults(logic rules.Logic, results []bool) bool {
	if len(results) == 0 {
		return false
	}
	if logic == rules.LogicOr {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}
