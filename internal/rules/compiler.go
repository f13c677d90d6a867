package rules

import (
	"fmt"
	"regexp"
	"time"
)

// MaxListSize limits the number of entries in an in/not_in list. Larger
// lists indicate the rule is being used as a segment store, which belongs in
// user attributes or a dedicated segmentation service.
const MaxListSize = 10_000

// Compile processes a mission's rule and populates the Compiled* fields:
// regexes are pre-compiled, membership lists become sets, between bounds
// become typed pairs, and timezones are resolved. It must be called after
// deserializing a rule from storage and before evaluation.
//
// Compile assumes the rule already passed Validate; it still returns errors
// for anything that would make evaluation unsafe.
func Compile(m *Mission) error {
	r := &m.Rule

	if err := compileWindow(r.TimeWindow); err != nil {
		return fmt.Errorf("mission %s: time window: %w", m.ID, err)
	}

	for ti := range r.Triggers {
		trig := &r.Triggers[ti]
		for fi := range trig.Filters {
			if err := compileFilter(&trig.Filters[fi]); err != nil {
				return fmt.Errorf("mission %s: trigger %d filter %d: %w", m.ID, ti, fi, err)
			}
		}
	}

	for ci := range r.Conditions {
		if err := compileCondition(&r.Conditions[ci]); err != nil {
			return fmt.Errorf("mission %s: condition %d: %w", m.ID, ci, err)
		}
	}

	for ci := range r.ExcludeIf {
		if err := compileCondition(&r.ExcludeIf[ci]); err != nil {
			return fmt.Errorf("mission %s: exclude_if %d: %w", m.ID, ci, err)
		}
	}

	return nil
}

// compileWindow resolves the timezone for a window, if any.
func compileWindow(w *TimeWindow) error {
	if w == nil {
		return nil
	}
	if w.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if w.ResetTime != "" {
		if _, _, err := parseResetTime(w.ResetTime); err != nil {
			return err
		}
	}

	loc := time.UTC
	if w.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(w.Timezone)
		if err != nil {
			return fmt.Errorf("unknown timezone %q: %w", w.Timezone, err)
		}
	}
	w.CompiledLocation = loc
	return nil
}

// compileFilter builds the efficient evaluation form for one filter.
func compileFilter(f *Filter) error {
	switch f.Operator {
	case OpRegex:
		pattern, ok := f.Value.(string)
		if !ok {
			return fmt.Errorf("regex operator requires a string pattern, got %T", f.Value)
		}
		if !f.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
		f.CompiledRegex = re

	case OpIn, OpNotIn:
		set, err := compileSet(f.Value, f.CaseSensitive)
		if err != nil {
			return err
		}
		f.CompiledSet = set

	case OpBetween:
		bounds, err := compileBounds(f.Value)
		if err != nil {
			return err
		}
		f.CompiledBounds = bounds
	}
	return nil
}

// compileCondition normalizes pass-through aggregation operators and builds
// set/bounds forms. Authors may write `operator: "unique_count"` as shorthand
// for a >= comparison over the unique_count aggregation.
func compileCondition(c *Condition) error {
	switch Aggregation(c.Operator) {
	case AggUniqueCount, AggStreakCount:
		if c.Aggregation == "" {
			c.Aggregation = Aggregation(c.Operator)
		}
		c.Operator = OpGte
	}

	if err := compileWindow(c.TimeWindow); err != nil {
		return err
	}

	switch c.Operator {
	case OpIn, OpNotIn:
		set, err := compileSet(c.Value, false)
		if err != nil {
			return err
		}
		c.CompiledSet = set

	case OpBetween:
		bounds, err := compileBounds(c.Value)
		if err != nil {
			return err
		}
		c.CompiledBounds = bounds
	}
	return nil
}

// compileSet turns a JSON list into a canonical-string membership set.
func compileSet(v any, caseSensitive bool) (map[string]struct{}, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("in/not_in operator requires a list value, got %T", v)
	}
	if len(list) > MaxListSize {
		return nil, fmt.Errorf("membership list exceeds maximum size: %d > %d", len(list), MaxListSize)
	}

	set := make(map[string]struct{}, len(list))
	for _, item := range list {
		set[CanonicalString(item, caseSensitive)] = struct{}{}
	}
	return set, nil
}

// compileBounds parses a two-element [low, high] inclusive numeric pair.
func compileBounds(v any) (*[2]float64, error) {
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		return nil, fmt.Errorf("between operator requires a two-element [low, high] value")
	}

	low, okLow := NumericValue(list[0])
	high, okHigh := NumericValue(list[1])
	if !okLow || !okHigh {
		return nil, fmt.Errorf("between bounds must be numeric")
	}
	if low > high {
		return nil, fmt.Errorf("between bounds are inverted: %v > %v", low, high)
	}
	return &[2]float64{low, high}, nil
}
