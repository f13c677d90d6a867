package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfalcao/questline/internal/event"
	"github.com/mfalcao/questline/internal/rules"
)

// =============================================================================
// encodeMission Tests
// =============================================================================

func TestEncodeMission(t *testing.T) {
	t.Parallel()

	m := &rules.Mission{
		ID:      "high-roller",
		Name:    "High | Roller", // pipe inside the document must not confuse decoding
		Type:    rules.MissionSingle,
		Enabled: true,
		Version: 42,
		Rule: rules.Rule{
			Triggers: []rules.Trigger{{EventType: event.TypeDeposit}},
			Conditions: []rules.Condition{{
				Field: "amount", Operator: rules.OpGte, Value: float64(1000), Aggregation: rules.AggSum,
			}},
		},
	}

	payload, err := encodeMission(m)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(payload, "42|"), "payload %q", payload)

	decoded, err := decodeMission(payload)
	require.NoError(t, err)
	assert.Equal(t, "high-roller", decoded.ID)
	assert.Equal(t, "High | Roller", decoded.Name)
	assert.Equal(t, int64(42), decoded.Version)
	require.Len(t, decoded.Rule.Conditions, 1)
	assert.Equal(t, rules.AggSum, decoded.Rule.Conditions[0].Aggregation)
}

// =============================================================================
// decodeMission Tests
// =============================================================================

func TestDecodeMissionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
	}{
		{
			name:    "missing version prefix",
			payload: `{"id":"m1","version":1}`,
		},
		{
			name:    "empty payload",
			payload: "",
		},
		{
			name:    "non-numeric version prefix",
			payload: `abc|{"id":"m1","version":1}`,
		},
		{
			name:    "version prefix does not match document",
			payload: `3|{"id":"m1","version":4}`,
		},
		{
			name:    "invalid document json",
			payload: `1|{not json`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := decodeMission(tt.payload)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// Key helper Tests
// =============================================================================

func TestMissionKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "mission:high-roller", missionKey("high-roller"))
}

func TestCompiledKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "high-roller|7", CompiledKey("high-roller", 7))
	// Distinct versions must never collide.
	assert.NotEqual(t, CompiledKey("m", 1), CompiledKey("m", 2))
}
