package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfalcao/questline/internal/engine"
	"github.com/mfalcao/questline/internal/event"
	"github.com/mfalcao/questline/internal/rules"
	"github.com/mfalcao/questline/internal/store"
)

// =============================================================================
// MemoryMissionStore Tests
// =============================================================================

func TestMemoryMissionStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := store.NewMemoryMissionStore()
	s.Put(&rules.Mission{ID: "b-mission", Enabled: true})
	s.Put(&rules.Mission{ID: "a-mission", Enabled: true})
	s.Put(&rules.Mission{ID: "disabled", Enabled: false})

	t.Run("list active is sorted and skips disabled", func(t *testing.T) {
		t.Parallel()

		missions, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, missions, 2)
		assert.Equal(t, "a-mission", missions[0].ID)
		assert.Equal(t, "b-mission", missions[1].ID)
	})

	t.Run("get by id", func(t *testing.T) {
		t.Parallel()

		m, err := s.Get(ctx, "a-mission")
		require.NoError(t, err)
		assert.Equal(t, "a-mission", m.ID)

		_, err = s.Get(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrMissionNotFound)
	})
}

// =============================================================================
// MemoryProgressStore Tests
// =============================================================================

func TestMemoryProgressStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := store.NewMemoryProgressStore()

	t.Run("get missing record", func(t *testing.T) {
		t.Parallel()

		_, err := s.Get(ctx, "u1", "missing")
		assert.ErrorIs(t, err, engine.ErrProgressNotFound)
	})

	t.Run("save and reload round trip", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		p := engine.NewProgress("u1", "m1")
		p.AggregateValues[0] = 750
		p.AddEvent(engine.QualifyingEvent{
			EventID:   "e1",
			Timestamp: now,
			Values:    map[string]any{"amount": float64(750)},
		}, 0)
		p.MarkApplied("e1", 0)
		p.UpdatedAt = now

		require.NoError(t, s.Save(ctx, p))

		loaded, err := s.Get(ctx, "u1", "m1")
		require.NoError(t, err)
		assert.Equal(t, float64(750), loaded.AggregateValues[0])
		require.Len(t, loaded.Events, 1)
		assert.Equal(t, "e1", loaded.Events[0].EventID)
		assert.True(t, loaded.HasApplied("e1"))

		// Records are cloned through JSON: mutating the loaded copy must not
		// leak back into the store.
		loaded.AggregateValues[0] = 9999
		reloaded, err := s.Get(ctx, "u1", "m1")
		require.NoError(t, err)
		assert.Equal(t, float64(750), reloaded.AggregateValues[0])
	})

	t.Run("stale revision is rejected", func(t *testing.T) {
		t.Parallel()

		cas := store.NewMemoryProgressStore()
		require.NoError(t, cas.Save(ctx, engine.NewProgress("u9", "m1")))

		first, err := cas.Get(ctx, "u9", "m1")
		require.NoError(t, err)
		second, err := cas.Get(ctx, "u9", "m1")
		require.NoError(t, err)

		first.ClaimCount = 1
		require.NoError(t, cas.Save(ctx, first))

		// The second copy still carries the old revision; its write must lose.
		second.ClaimCount = 9
		assert.ErrorIs(t, cas.Save(ctx, second), engine.ErrProgressConflict)

		reloaded, err := cas.Get(ctx, "u9", "m1")
		require.NoError(t, err)
		assert.Equal(t, 1, reloaded.ClaimCount)
	})

	t.Run("list pages in stable order", func(t *testing.T) {
		t.Parallel()

		paged := store.NewMemoryProgressStore()
		for _, user := range []string{"u3", "u1", "u2"} {
			require.NoError(t, paged.Save(ctx, engine.NewProgress(user, "m1")))
		}

		first, err := paged.List(ctx, 2, 0)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "u1", first[0].UserID)
		assert.Equal(t, "u2", first[1].UserID)

		second, err := paged.List(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, "u3", second[0].UserID)

		past, err := paged.List(ctx, 2, 10)
		require.NoError(t, err)
		assert.Empty(t, past)
	})
}

// Ensure the in-memory mission store keeps satisfying the repository contract
// the registry consumes (the compile-time check lives in the package itself;
// this exercises it against a compiled mission).
func TestMemoryMissionStoreServesCompiledMissions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := &rules.Mission{
		ID:      "m1",
		Enabled: true,
		Rule: rules.Rule{
			Triggers:   []rules.Trigger{{EventType: event.TypeDeposit}},
			Conditions: []rules.Condition{{Operator: rules.OpGte, Value: float64(1)}},
		},
	}
	require.NoError(t, rules.Compile(m))

	s := store.NewMemoryMissionStore()
	s.Put(m)

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Same(t, m, got)
}
