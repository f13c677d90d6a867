package rules

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Complexity is a coarse classification of how much work a rule demands from
// the engine. Expensive aggregations and long windows require per-event state
// retention; authoring tools use this to flag rules that need extra capacity.
type Complexity string

const (
	ComplexityLow      Complexity = "LOW"
	ComplexityMedium   Complexity = "MEDIUM"
	ComplexityHigh     Complexity = "HIGH"
	ComplexityVeryHigh Complexity = "VERY_HIGH"
)

// ValidationResult reports the outcome of structural rule validation.
// Errors make the rule unusable; warnings are advisory.
type ValidationResult struct {
	IsValid             bool       `json:"is_valid"`
	Errors              []string   `json:"errors,omitempty"`
	Warnings            []string   `json:"warnings,omitempty"`
	EstimatedComplexity Complexity `json:"estimated_complexity"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate performs structural validation of a mission's rule at authoring
// time. Everything rejected here can never surface as an evaluation error at
// event time: unknown operators, malformed values, and bad windows are all
// caught before the rule is persisted.
func Validate(m *Mission) ValidationResult {
	res := ValidationResult{}
	r := &m.Rule

	if m.ID == "" {
		res.errorf("mission id is required")
	}
	if m.Type != "" && m.Type != MissionSingle && m.Type != MissionRecurring {
		res.errorf("unknown mission type %q", m.Type)
	}

	if len(r.Triggers) == 0 {
		res.errorf("rule must declare at least one trigger")
	}
	for ti, trig := range r.Triggers {
		if trig.EventType == "" {
			res.errorf("trigger %d: event type is required", ti)
		} else if !trig.EventType.IsKnown() {
			res.warnf("trigger %d: event type %q is not a registered activity kind", ti, trig.EventType)
		}
		if trig.Debounce < 0 {
			res.errorf("trigger %d: debounce cannot be negative", ti)
		}
		for fi, f := range trig.Filters {
			validateFilter(&res, ti, fi, f)
		}
	}

	if len(r.Conditions) == 0 {
		res.errorf("rule must declare at least one condition")
	}
	for ci, c := range r.Conditions {
		validateCondition(&res, "condition", ci, c)
	}
	for ci, c := range r.ExcludeIf {
		validateCondition(&res, "exclude_if", ci, c)
	}

	if r.Logic != "" && r.Logic != LogicAnd && r.Logic != LogicOr {
		res.errorf("unknown logic combinator %q", r.Logic)
	}

	validateWindow(&res, "rule time window", r.TimeWindow)

	if r.Cooldown < 0 {
		res.errorf("cooldown cannot be negative")
	}
	if r.MaxClaims < 0 {
		res.errorf("max_claims cannot be negative")
	}
	if m.Type == MissionRecurring && r.MaxClaims == 0 {
		res.warnf("recurring mission has no max_claims cap")
	}

	seen := make(map[string]struct{}, len(r.Prerequisites))
	for _, p := range r.Prerequisites {
		if p == m.ID {
			res.errorf("mission cannot be its own prerequisite")
		}
		if _, dup := seen[p]; dup {
			res.errorf("duplicate prerequisite %q", p)
		}
		seen[p] = struct{}{}
	}

	if m.StartsAt != nil && m.EndsAt != nil && !m.StartsAt.Before(*m.EndsAt) {
		res.errorf("starts_at must be before ends_at")
	}

	res.IsValid = len(res.Errors) == 0
	res.EstimatedComplexity = estimateComplexity(r)
	return res
}

func validateFilter(res *ValidationResult, ti, fi int, f Filter) {
	where := fmt.Sprintf("trigger %d filter %d", ti, fi)

	if f.Field == "" {
		res.errorf("%s: field is required", where)
	}
	if !f.Operator.ValidForFilter() {
		res.errorf("%s: unknown operator %q", where, f.Operator)
		return
	}
	if f.Operator.NeedsValue() && f.Value == nil {
		res.errorf("%s: operator %q requires a value", where, f.Operator)
		return
	}

	switch f.Operator {
	case OpRegex:
		pattern, ok := f.Value.(string)
		if !ok {
			res.errorf("%s: regex pattern must be a string", where)
			return
		}
		if _, err := regexp.Compile(pattern); err != nil {
			res.errorf("%s: invalid regex: %v", where, err)
		}
	case OpIn, OpNotIn:
		if _, err := compileSet(f.Value, f.CaseSensitive); err != nil {
			res.errorf("%s: %v", where, err)
		}
	case OpBetween:
		if _, err := compileBounds(f.Value); err != nil {
			res.errorf("%s: %v", where, err)
		}
	}
}

func validateCondition(res *ValidationResult, kind string, ci int, c Condition) {
	where := fmt.Sprintf("%s %d", kind, ci)

	// Pass-through aggregation shorthand: operator names an aggregation.
	op := c.Operator
	agg := c.Aggregation
	switch Aggregation(op) {
	case AggUniqueCount, AggStreakCount:
		if agg == "" {
			agg = Aggregation(op)
		}
		op = OpGte
	}

	if !op.ValidForCondition() {
		res.errorf("%s: unknown operator %q", where, c.Operator)
		return
	}
	if agg != "" && !agg.IsValid() {
		res.errorf("%s: unknown aggregation %q", where, agg)
		return
	}
	if agg.NeedsField() && agg != "" && c.Field == "" {
		res.errorf("%s: aggregation %q requires a field", where, agg)
	}
	if op.NeedsValue() && c.Value == nil {
		res.errorf("%s: operator %q requires a value", where, op)
		return
	}

	switch op {
	case OpIn, OpNotIn:
		if _, err := compileSet(c.Value, false); err != nil {
			res.errorf("%s: %v", where, err)
		}
	case OpBetween:
		if _, err := compileBounds(c.Value); err != nil {
			res.errorf("%s: %v", where, err)
		}
	}

	validateWindow(res, where+" time window", c.TimeWindow)
}

func validateWindow(res *ValidationResult, where string, w *TimeWindow) {
	if w == nil {
		return
	}
	if w.Duration <= 0 {
		res.errorf("%s: duration must be positive", where)
	}
	if w.ResetTime != "" {
		if w.Sliding {
			res.warnf("%s: reset_time is ignored for sliding windows", where)
		}
		if _, _, err := parseResetTime(w.ResetTime); err != nil {
			res.errorf("%s: %v", where, err)
		}
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			res.errorf("%s: unknown timezone %q", where, w.Timezone)
		}
	}
}

// estimateComplexity scores a rule by condition count, expensive
// aggregations, and window length.
func estimateComplexity(r *Rule) Complexity {
	score := len(r.Conditions) + len(r.ExcludeIf)

	windows := []*TimeWindow{r.TimeWindow}
	for _, c := range append(append([]Condition{}, r.Conditions...), r.ExcludeIf...) {
		agg := c.Aggregation
		if Aggregation(c.Operator) == AggUniqueCount || Aggregation(c.Operator) == AggStreakCount {
			agg = Aggregation(c.Operator)
		}
		if agg.Expensive() {
			score += 2
		}
		windows = append(windows, c.TimeWindow)
	}

	for _, w := range windows {
		if w == nil {
			continue
		}
		switch d := w.Duration.Std(); {
		case d > 30*24*time.Hour:
			score += 4
		case d > 7*24*time.Hour:
			score += 2
		}
	}

	for _, trig := range r.Triggers {
		for _, f := range trig.Filters {
			if f.Operator == OpRegex {
				score++
			}
		}
	}

	switch {
	case score <= 2:
		return ComplexityLow
	case score <= 5:
		return ComplexityMedium
	case score <= 9:
		return ComplexityHigh
	default:
		return ComplexityVeryHigh
	}
}

// DetectPrerequisiteCycles walks the prerequisite graph of all missions and
// returns the IDs involved in at least one cycle. Called when a rule is
// created or edited, with the full mission set.
func DetectPrerequisiteCycles(prereqs map[string][]string) []string {
	// reaches reports whether target is reachable from id by following
	// prerequisite edges. The graph is authored by humans and small; a
	// per-node reachability walk keeps the result exact (every member of
	// every cycle is reported) without bookkeeping.
	reaches := func(id, target string) bool {
		seen := map[string]struct{}{}
		stack := append([]string{}, prereqs[id]...)
		for len(stack) > 0 {
			next := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if next == target {
				return true
			}
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, prereqs[next]...)
		}
		return false
	}

	var cyclic []string
	for id := range prereqs {
		if reaches(id, id) {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}
