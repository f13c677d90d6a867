// Package rules defines the declarative mission rule model: triggers, event
// filters, aggregated conditions, and time windows. Rules are stored as JSON,
// compiled once into efficient in-memory structures, and evaluated by the
// engine against the live event stream.
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mfalcao/questline/internal/event"
)

// Logic combines the results of a rule's condition list.
type Logic string

const (
	// LogicAnd requires every condition to pass (default).
	LogicAnd Logic = "AND"
	// LogicOr requires at least one condition to pass.
	LogicOr Logic = "OR"
)

// MissionType distinguishes one-shot missions from repeatable ones.
type MissionType string

const (
	// MissionSingle can be completed and claimed exactly once.
	MissionSingle MissionType = "SINGLE"
	// MissionRecurring re-arms after its cooldown until max_claims is reached.
	MissionRecurring MissionType = "RECURRING"
)

// Duration is a time.Duration that unmarshals from JSON as either a
// Go duration string ("24h"), a day-suffixed shorthand ("7d"), or a plain
// number of seconds. Mission authors overwhelmingly use the day form.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("duration must be a string or a number of seconds, got %T", raw)
	}
}

// MarshalJSON implements json.Marshaler using the Go duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseDuration parses "7d" day shorthand in addition to the formats
// accepted by time.ParseDuration.
func ParseDuration(s string) (Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q: %w", s, err)
		}
		return Duration(time.Duration(days * 24 * float64(time.Hour))), nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(parsed), nil
}

// TimeWindow scopes which events contribute to an aggregate.
//
// A sliding window is a trailing duration relative to "now". A fixed window
// resets at the most recent wall-clock occurrence of ResetTime (default
// midnight) in Timezone (default UTC).
type TimeWindow struct {
	Duration  Duration `json:"duration"`
	Sliding   bool     `json:"sliding"`
	Timezone  string   `json:"timezone,omitempty"`
	ResetTime string   `json:"reset_time,omitempty"` // "HH:MM"

	// CompiledLocation is resolved from Timezone during Compile.
	CompiledLocation *time.Location `json:"-"`
}

// Location returns the compiled timezone, defaulting to UTC.
func (w *TimeWindow) Location() *time.Location {
	if w != nil && w.CompiledLocation != nil {
		return w.CompiledLocation
	}
	return time.UTC
}

// Start returns the inclusive lower boundary of the window as of now.
// Events with timestamps before this instant no longer contribute.
func (w *TimeWindow) Start(now time.Time) time.Time {
	if w == nil {
		// No window configured: everything since the epoch qualifies.
		return time.Time{}
	}

	if w.Sliding {
		return now.Add(-w.Duration.Std())
	}

	loc := w.Location()
	local := now.In(loc)

	hour, minute := 0, 0
	if w.ResetTime != "" {
		// Validated during Compile; ignore errors here and keep midnight.
		if h, m, err := parseResetTime(w.ResetTime); err == nil {
			hour, minute = h, m
		}
	}

	boundary := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if boundary.After(local) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// parseResetTime parses the "HH:MM" reset boundary.
func parseResetTime(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("reset time must be in HH:MM format, got %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid reset hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid reset minute in %q", s)
	}
	return hour, minute, nil
}

// Filter is a predicate over a single event data field. An event matches a
// trigger only if every filter passes.
type Filter struct {
	Field         string   `json:"field"`
	Operator      Operator `json:"operator"`
	Value         any      `json:"value,omitempty"`
	CaseSensitive bool     `json:"case_sensitive,omitempty"`

	// Compiled forms, populated by Compile: raw rule JSON is turned into
	// lookup-efficient structures once, before evaluation.
	CompiledRegex  *regexp.Regexp      `json:"-"`
	CompiledSet    map[string]struct{} `json:"-"`
	CompiledBounds *[2]float64         `json:"-"`
}

// Trigger makes an event type relevant to a mission. Debounce suppresses
// re-firing for the same user within the given duration.
type Trigger struct {
	EventType event.Type `json:"event_type"`
	Filters   []Filter   `json:"filters,omitempty"`
	Debounce  Duration   `json:"debounce,omitempty"`
}

// Condition is a threshold test against an aggregated value.
// Weight is informational (used by progress reporting, not by eligibility).
type Condition struct {
	Field       string      `json:"field,omitempty"`
	Operator    Operator    `json:"operator"`
	Value       any         `json:"value,omitempty"`
	Aggregation Aggregation `json:"aggregation,omitempty"`
	TimeWindow  *TimeWindow `json:"time_window,omitempty"`
	Weight      float64     `json:"weight,omitempty"`

	CompiledSet    map[string]struct{} `json:"-"`
	CompiledBounds *[2]float64         `json:"-"`
}

// Window returns the condition's own window, falling back to the rule-global
// one when unset.
func (c *Condition) Window(ruleWindow *TimeWindow) *TimeWindow {
	if c.TimeWindow != nil {
		return c.TimeWindow
	}
	return ruleWindow
}

// Rule is the complete declarative completion criteria attached to a mission.
type Rule struct {
	Triggers      []Trigger   `json:"triggers"`
	Conditions    []Condition `json:"conditions"`
	Logic         Logic       `json:"logic,omitempty"` // defaults to AND
	TimeWindow    *TimeWindow `json:"time_window,omitempty"`
	Cooldown      Duration    `json:"cooldown,omitempty"`
	MaxClaims     int         `json:"max_claims,omitempty"` // 0 = unlimited
	Prerequisites []string    `json:"prerequisites,omitempty"`
	ExcludeIf     []Condition `json:"exclude_if,omitempty"`
}

// EffectiveLogic returns the combinator, defaulting to AND.
func (r *Rule) EffectiveLogic() Logic {
	if r.Logic == LogicOr {
		return LogicOr
	}
	return LogicAnd
}

// TriggerFor returns the first trigger matching the given event type, or nil.
func (r *Rule) TriggerFor(t event.Type) *Trigger {
	for i := range r.Triggers {
		if r.Triggers[i].EventType == t {
			return &r.Triggers[i]
		}
	}
	return nil
}

// Rewards carried through the completion signal to downstream collaborators.
// The core does not deliver rewards; it only reports them.
type Rewards struct {
	Coins      int64  `json:"coins,omitempty"`
	XP         int64  `json:"xp,omitempty"`
	TierPoints int64  `json:"tier_points,omitempty"`
	ProgramID  string `json:"program_id,omitempty"`
}

// Mission binds a rule to its identity, validity window and rewards.
type Mission struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Type    MissionType `json:"type"`
	Enabled bool        `json:"enabled"`
	Rule    Rule        `json:"rule"`
	Rewards Rewards     `json:"rewards"`

	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`

	// Version is a monotonic counter bumped on every edit; used as part of
	// the cache key so stale compiled rules are never reused.
	Version int64 `json:"version"`
}

// ActiveAt reports whether the mission accepts events at t.
func (m *Mission) ActiveAt(t time.Time) bool {
	if !m.Enabled {
		return false
	}
	if m.StartsAt != nil && t.Before(*m.StartsAt) {
		return false
	}
	if m.EndsAt != nil && !t.Before(*m.EndsAt) {
		return false
	}
	return true
}

// ExpiredAt reports whether the mission's validity window has elapsed.
func (m *Mission) ExpiredAt(t time.Time) bool {
	return m.EndsAt != nil && !t.Before(*m.EndsAt)
}
