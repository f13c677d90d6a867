package rules_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfalcao/questline/internal/event"
	"github.com/mfalcao/questline/internal/rules"
)

// =============================================================================
// ParseDuration Tests
// =============================================================================

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{
			name:     "go duration string",
			input:    "24h",
			expected: 24 * time.Hour,
		},
		{
			name:     "day shorthand",
			input:    "7d",
			expected: 7 * 24 * time.Hour,
		},
		{
			name:     "fractional days",
			input:    "1.5d",
			expected: 36 * time.Hour,
		},
		{
			name:     "minutes",
			input:    "90m",
			expected: 90 * time.Minute,
		},
		{
			name:     "composite form",
			input:    "1h30m",
			expected: 90 * time.Minute,
		},
		{
			name:    "bare day suffix",
			input:   "d",
			wantErr: true,
		},
		{
			name:    "no unit",
			input:   "15",
			wantErr: true,
		},
		{
			name:    "garbage",
			input:   "soon",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d, err := rules.ParseDuration(tt.input)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Std())
		})
	}
}

// =============================================================================
// Duration JSON Tests
// =============================================================================

func TestDurationUnmarshalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  string
		expected time.Duration
		wantErr  bool
	}{
		{
			name:     "plain number is seconds",
			payload:  `60`,
			expected: 60 * time.Second,
		},
		{
			name:     "fractional seconds",
			payload:  `0.5`,
			expected: 500 * time.Millisecond,
		},
		{
			name:     "day shorthand string",
			payload:  `"7d"`,
			expected: 7 * 24 * time.Hour,
		},
		{
			name:     "go duration string",
			payload:  `"24h"`,
			expected: 24 * time.Hour,
		},
		{
			name:    "boolean is rejected",
			payload: `true`,
			wantErr: true,
		},
		{
			name:    "invalid string is rejected",
			payload: `"never"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var d rules.Duration
			err := json.Unmarshal([]byte(tt.payload), &d)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Std())
		})
	}
}

func TestDurationMarshalJSON(t *testing.T) {
	t.Parallel()

	out, err := json.Marshal(rules.Duration(90 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"1h30m0s"`, string(out))
}

// =============================================================================
// TimeWindow.Start Tests
// =============================================================================

func TestTimeWindowStart(t *testing.T) {
	t.Parallel()

	saoPaulo, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	// Tuesday afternoon, UTC.
	now := time.Date(2026, 3, 10, 15, 4, 0, 0, time.UTC)

	tests := []struct {
		name     string
		window   *rules.TimeWindow
		expected time.Time
	}{
		{
			name:     "nil window means everything qualifies",
			window:   nil,
			expected: time.Time{},
		},
		{
			name: "sliding window trails now",
			window: &rules.TimeWindow{
				Duration: rules.Duration(7 * 24 * time.Hour),
				Sliding:  true,
			},
			expected: time.Date(2026, 3, 3, 15, 4, 0, 0, time.UTC),
		},
		{
			name: "fixed window defaults to last midnight UTC",
			window: &rules.TimeWindow{
				Duration: rules.Duration(24 * time.Hour),
			},
			expected: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "fixed window with future reset time rolls back a day",
			window: &rules.TimeWindow{
				Duration:  rules.Duration(24 * time.Hour),
				ResetTime: "18:00",
			},
			expected: time.Date(2026, 3, 9, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "fixed window with past reset time uses today",
			window: &rules.TimeWindow{
				Duration:  rules.Duration(24 * time.Hour),
				ResetTime: "06:30",
			},
			expected: time.Date(2026, 3, 10, 6, 30, 0, 0, time.UTC),
		},
		{
			name: "fixed window honors compiled timezone",
			window: &rules.TimeWindow{
				Duration:         rules.Duration(24 * time.Hour),
				Timezone:         "America/Sao_Paulo",
				CompiledLocation: saoPaulo,
			},
			// 15:04 UTC is 12:04 in Sao Paulo; last local midnight.
			expected: time.Date(2026, 3, 10, 0, 0, 0, 0, saoPaulo),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := tt.window.Start(now)
			assert.True(t, tt.expected.Equal(got), "expected %v, got %v", tt.expected, got)
		})
	}
}

// =============================================================================
// Rule helpers Tests
// =============================================================================

func TestRuleEffectiveLogic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, rules.LogicAnd, (&rules.Rule{}).EffectiveLogic())
	assert.Equal(t, rules.LogicAnd, (&rules.Rule{Logic: rules.LogicAnd}).EffectiveLogic())
	assert.Equal(t, rules.LogicOr, (&rules.Rule{Logic: rules.LogicOr}).EffectiveLogic())
}

func TestRuleTriggerFor(t *testing.T) {
	t.Parallel()

	r := &rules.Rule{
		Triggers: []rules.Trigger{
			{EventType: event.TypeLogin},
			{EventType: event.TypeDeposit},
		},
	}

	trig := r.TriggerFor(event.TypeDeposit)
	require.NotNil(t, trig)
	assert.Equal(t, event.TypeDeposit, trig.EventType)

	assert.Nil(t, r.TriggerFor(event.TypeBetWon))
}

func TestConditionWindowFallback(t *testing.T) {
	t.Parallel()

	global := &rules.TimeWindow{Duration: rules.Duration(24 * time.Hour)}
	own := &rules.TimeWindow{Duration: rules.Duration(time.Hour)}

	withOwn := &rules.Condition{TimeWindow: own}
	without := &rules.Condition{}

	assert.Same(t, own, withOwn.Window(global))
	assert.Same(t, global, without.Window(global))
	assert.Nil(t, without.Window(nil))
}

// =============================================================================
// Mission validity Tests
// =============================================================================

func TestMissionActiveAt(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		mission  rules.Mission
		at       time.Time
		expected bool
	}{
		{
			name:     "disabled mission is never active",
			mission:  rules.Mission{Enabled: false},
			at:       start,
			expected: false,
		},
		{
			name:     "enabled without bounds is always active",
			mission:  rules.Mission{Enabled: true},
			at:       start,
			expected: true,
		},
		{
			name:     "before starts_at",
			mission:  rules.Mission{Enabled: true, StartsAt: &start},
			at:       start.Add(-time.Second),
			expected: false,
		},
		{
			name:     "at starts_at",
			mission:  rules.Mission{Enabled: true, StartsAt: &start},
			at:       start,
			expected: true,
		},
		{
			name:     "at ends_at is already over",
			mission:  rules.Mission{Enabled: true, EndsAt: &end},
			at:       end,
			expected: false,
		},
		{
			name:     "inside both bounds",
			mission:  rules.Mission{Enabled: true, StartsAt: &start, EndsAt: &end},
			at:       start.Add(time.Hour),
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tt.mission.ActiveAt(tt.at))
		})
	}
}

func TestMissionExpiredAt(t *testing.T) {
	t.Parallel()

	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	open := rules.Mission{Enabled: true}
	bounded := rules.Mission{Enabled: true, EndsAt: &end}

	assert.False(t, open.ExpiredAt(end.Add(time.Hour)))
	assert.False(t, bounded.ExpiredAt(end.Add(-time.Second)))
	assert.True(t, bounded.ExpiredAt(end))
	assert.True(t, bounded.ExpiredAt(end.Add(time.Hour)))
}
