package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfalcao/questline/internal/engine"
	"github.com/mfalcao/questline/internal/event"
	"github.com/mfalcao/questline/internal/rules"
	"github.com/mfalcao/questline/internal/store"
)

// missionSet is a static engine.MissionSource for tests.
type missionSet struct {
	missions []*rules.Mission
}

func (s *missionSet) MissionsFor(t event.Type) []*rules.Mission {
	var out []*rules.Mission
	for _, m := range s.missions {
		if m.Rule.TriggerFor(t) != nil {
			out = append(out, m)
		}
	}
	return out
}

func (s *missionSet) Mission(id string) *rules.Mission {
	for _, m := range s.missions {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// capturePublisher records completion signals.
type capturePublisher struct {
	mu      sync.Mutex
	updates []engine.Update
	err     error
}

func (p *capturePublisher) Publish(ctx context.Context, update engine.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.updates = append(p.updates, update)
	return nil
}

func (p *capturePublisher) Updates() []engine.Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]engine.Update(nil), p.updates...)
}

// testClock is a mutable clock injected through engine.Options.Now.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var testEpoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// newTestEngine compiles the missions and wires an engine over the in-memory
// progress store.
func newTestEngine(t *testing.T, missions ...*rules.Mission) (*engine.Engine, *store.MemoryProgressStore, *capturePublisher, *testClock) {
	t.Helper()

	for _, m := range missions {
		require.NoError(t, rules.Compile(m))
	}

	progressStore := store.NewMemoryProgressStore()
	publisher := &capturePublisher{}
	clock := &testClock{t: testEpoch}

	eng := engine.New(nil, &missionSet{missions: missions}, progressStore, publisher, engine.Options{
		Now: clock.Now,
	})
	return eng, progressStore, publisher, clock
}

func depositEvent(id string, amount float64, ts time.Time) event.Event {
	return event.Event{
		ID:        id,
		UserID:    "u1",
		Type:      event.TypeDeposit,
		Timestamp: ts,
		Data:      map[string]any{"amount": amount},
	}
}

// highRollerMission: deposits of at least 50 must sum to 1000 within a
// sliding week.
func highRollerMission() *rules.Mission {
	return &rules.Mission{
		ID:      "high-roller",
		Name:    "High Roller",
		Type:    rules.MissionSingle,
		Enabled: true,
		Rewards: rules.Rewards{Coins: 500, XP: 100},
		Version: 1,
		Rule: rules.Rule{
			Triggers: []rules.Trigger{{
				EventType: event.TypeDeposit,
				Filters: []rules.Filter{
					{Field: "amount", Operator: rules.OpGte, Value: float64(50)},
				},
			}},
			Conditions: []rules.Condition{{
				Field:       "amount",
				Operator:    rules.OpGte,
				Value:       float64(1000),
				Aggregation: rules.AggSum,
				TimeWindow:  &rules.TimeWindow{Duration: rules.Duration(7 * 24 * time.Hour), Sliding: true},
			}},
		},
	}
}

// =============================================================================
// Completion scenario Tests
// =============================================================================

func TestEngineWindowedSumCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, progressStore, publisher, clock := newTestEngine(t, highRollerMission())

	amounts := []float64{200, 150, 300, 100}
	for i, amount := range amounts {
		eng.HandleEvent(ctx, depositEvent(string(rune('a'+i)), amount, clock.Now()))
		clock.Advance(time.Hour)
	}

	p, err := progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.Equal(t, engine.StateActive, p.State)
	assert.Equal(t, float64(750), p.AggregateValues[0])
	assert.Empty(t, publisher.Updates())

	// A sub-threshold deposit is filtered out by the trigger.
	eng.HandleEvent(ctx, depositEvent("small", 20, clock.Now()))
	p, err = progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.Equal(t, float64(750), p.AggregateValues[0])

	// The deposit that crosses the threshold completes the mission.
	eng.HandleEvent(ctx, depositEvent("final", 250, clock.Now()))

	p, err = progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, p.State)
	assert.Equal(t, float64(1000), p.AggregateValues[0])
	require.NotNil(t, p.CompletedAt)

	updates := publisher.Updates()
	require.Len(t, updates, 1)
	u := updates[0]
	assert.Equal(t, "high-roller", u.MissionID)
	assert.Equal(t, "u1", u.UserID)
	assert.Equal(t, "final", u.EventID)
	assert.Equal(t, float64(750), u.PreviousValue)
	assert.Equal(t, float64(1000), u.NewValue)
	assert.Equal(t, float64(250), u.Delta)
	assert.Equal(t, float64(1), u.Progress)
	assert.True(t, u.Completed)
	assert.Equal(t, engine.StateCompleted, u.State)
	assert.Equal(t, int64(500), u.Rewards.Coins)
}

func TestEngineSlidingWindowForgetsOldDeposits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, progressStore, publisher, clock := newTestEngine(t, highRollerMission())

	// 900 now, then eight days later another 900: the first has aged out.
	eng.HandleEvent(ctx, depositEvent("e1", 900, clock.Now()))
	clock.Advance(8 * 24 * time.Hour)
	eng.HandleEvent(ctx, depositEvent("e2", 900, clock.Now()))

	p, err := progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.Equal(t, engine.StateActive, p.State)
	assert.Equal(t, float64(900), p.AggregateValues[0])
	assert.Empty(t, publisher.Updates())
}

func TestEngineEventIdempotency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, progressStore, _, clock := newTestEngine(t, highRollerMission())

	evt := depositEvent("dup", 500, clock.Now())
	eng.HandleEvent(ctx, evt)
	eng.HandleEvent(ctx, evt)
	eng.HandleEvent(ctx, evt)

	p, err := progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.Equal(t, float64(500), p.AggregateValues[0])
	assert.Len(t, p.AppliedEvents, 1)
}

func TestEngineAtMostOneCompletionPerEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, progressStore, publisher, clock := newTestEngine(t, highRollerMission())

	eng.HandleEvent(ctx, depositEvent("big", 5000, clock.Now()))
	require.Len(t, publisher.Updates(), 1)

	// COMPLETED gates further evaluation until the claim.
	eng.HandleEvent(ctx, depositEvent("after", 5000, clock.Now()))

	p, err := progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, p.State)
	assert.Len(t, p.AppliedEvents, 1)
	assert.Len(t, publisher.Updates(), 1)
}

// =============================================================================
// Trigger gate Tests
// =============================================================================

func TestEngineDebounce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := &rules.Mission{
		ID:      "daily-login",
		Enabled: true,
		Rule: rules.Rule{
			Triggers: []rules.Trigger{{
				EventType: event.TypeLogin,
				Debounce:  rules.Duration(time.Hour),
			}},
			Conditions: []rules.Condition{{
				Operator: rules.OpGte, Value: float64(10), Aggregation: rules.AggCount,
			}},
		},
	}
	eng, progressStore, _, clock := newTestEngine(t, m)

	login := func(id string, ts time.Time) event.Event {
		return event.Event{ID: id, UserID: "u1", Type: event.TypeLogin, Timestamp: ts}
	}

	eng.HandleEvent(ctx, login("e1", clock.Now()))
	eng.HandleEvent(ctx, login("e2", clock.Now().Add(10*time.Minute))) // debounced
	eng.HandleEvent(ctx, login("e3", clock.Now().Add(2*time.Hour)))

	p, err := progressStore.Get(ctx, "u1", "daily-login")
	require.NoError(t, err)
	assert.Equal(t, float64(2), p.AggregateValues[0])
	assert.Len(t, p.AppliedEvents, 2)
}

func TestEngineIgnoresUnrelatedEventTypes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, progressStore, _, clock := newTestEngine(t, highRollerMission())

	eng.HandleEvent(ctx, event.Event{
		ID: "e1", UserID: "u1", Type: event.TypeLogin, Timestamp: clock.Now(),
	})

	_, err := progressStore.Get(ctx, "u1", "high-roller")
	assert.ErrorIs(t, err, engine.ErrProgressNotFound)
}

// =============================================================================
// Logic combinator Tests
// =============================================================================

func TestEngineOrLogic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := &rules.Mission{
		ID:      "either-way",
		Enabled: true,
		Rule: rules.Rule{
			Logic:    rules.LogicOr,
			Triggers: []rules.Trigger{{EventType: event.TypeDeposit}},
			Conditions: []rules.Condition{
				{Field: "amount", Operator: rules.OpGte, Value: float64(10000), Aggregation: rules.AggSum},
				{Operator: rules.OpGte, Value: float64(2), Aggregation: rules.AggCount},
			},
		},
	}
	eng, progressStore, publisher, clock := newTestEngine(t, m)

	eng.HandleEvent(ctx, depositEvent("e1", 100, clock.Now()))
	assert.Empty(t, publisher.Updates())

	// Second deposit satisfies the count branch even though the sum is short.
	eng.HandleEvent(ctx, depositEvent("e2", 100, clock.Now()))

	p, err := progressStore.Get(ctx, "u1", "either-way")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, p.State)
	require.Len(t, publisher.Updates(), 1)
}

func TestEngineStreakMission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := &rules.Mission{
		ID:      "three-day-streak",
		Enabled: true,
		Rule: rules.Rule{
			Triggers: []rules.Trigger{{EventType: event.TypeLogin}},
			Conditions: []rules.Condition{{
				Operator: rules.Operator("streak_count"), Value: float64(3),
			}},
		},
	}
	eng, progressStore, publisher, clock := newTestEngine(t, m)

	login := func(id string) event.Event {
		return event.Event{ID: id, UserID: "u1", Type: event.TypeLogin, Timestamp: clock.Now()}
	}

	eng.HandleEvent(ctx, login("d1"))
	clock.Advance(24 * time.Hour)
	eng.HandleEvent(ctx, login("d2"))
	assert.Empty(t, publisher.Updates())

	p, err := progressStore.Get(ctx, "u1", "three-day-streak")
	require.NoError(t, err)
	assert.Equal(t, float64(2), p.AggregateValues[0])

	clock.Advance(24 * time.Hour)
	eng.HandleEvent(ctx, login("d3"))

	p, err = progressStore.Get(ctx, "u1", "three-day-streak")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, p.State)
	assert.Equal(t, float64(3), p.AggregateValues[0])
	require.Len(t, publisher.Updates(), 1)
	assert.Equal(t, float64(1), publisher.Updates()[0].Progress)
}

// =============================================================================
// Eligibility gate Tests
// =============================================================================

func TestEnginePrerequisites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := highRollerMission()
	m.ID = "vip-deposits"
	m.Rule.Prerequisites = []string{"first-deposit"}

	eng, progressStore, publisher, clock := newTestEngine(t, m)

	// Criteria met, prerequisite never completed: no completion.
	eng.HandleEvent(ctx, depositEvent("e1", 1500, clock.Now()))

	p, err := progressStore.Get(ctx, "u1", "vip-deposits")
	require.NoError(t, err)
	assert.Equal(t, engine.StateActive, p.State)
	assert.Empty(t, publisher.Updates())

	// Complete the prerequisite out of band, then the next event unlocks it.
	prereq := engine.NewProgress("u1", "first-deposit")
	completedAt := clock.Now()
	prereq.CompletedAt = &completedAt
	require.NoError(t, progressStore.Save(ctx, prereq))

	eng.HandleEvent(ctx, depositEvent("e2", 50, clock.Now()))

	p, err = progressStore.Get(ctx, "u1", "vip-deposits")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, p.State)
	require.Len(t, publisher.Updates(), 1)
}

func TestEngineExcludeIf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := &rules.Mission{
		ID:      "modest-depositor",
		Enabled: true,
		Rule: rules.Rule{
			Triggers: []rules.Trigger{{EventType: event.TypeDeposit}},
			Conditions: []rules.Condition{{
				Operator: rules.OpGte, Value: float64(1), Aggregation: rules.AggCount,
			}},
			ExcludeIf: []rules.Condition{{
				Field: "amount", Operator: rules.OpGt, Value: float64(500), Aggregation: rules.AggSum,
			}},
		},
	}
	eng, progressStore, publisher, clock := newTestEngine(t, m)

	// Criteria met, but the exclusion bites: 600 > 500.
	eng.HandleEvent(ctx, depositEvent("e1", 600, clock.Now()))

	p, err := progressStore.Get(ctx, "u1", "modest-depositor")
	require.NoError(t, err)
	assert.Equal(t, engine.StateActive, p.State)
	assert.Empty(t, publisher.Updates())
}

func TestEngineCooldownAndRearm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := &rules.Mission{
		ID:      "weekly-treat",
		Enabled: true,
		Type:    rules.MissionRecurring,
		Rule: rules.Rule{
			Triggers: []rules.Trigger{{EventType: event.TypeDeposit}},
			Conditions: []rules.Condition{{
				Operator: rules.OpGte, Value: float64(1), Aggregation: rules.AggCount,
			}},
			Cooldown:  rules.Duration(24 * time.Hour),
			MaxClaims: 2,
		},
	}
	eng, progressStore, publisher, clock := newTestEngine(t, m)

	// First completion and claim.
	eng.HandleEvent(ctx, depositEvent("e1", 100, clock.Now()))
	p, err := eng.Claim(ctx, "u1", "weekly-treat")
	require.NoError(t, err)
	assert.Equal(t, engine.StateClaimed, p.State)
	assert.Equal(t, 1, p.ClaimCount)

	// Inside the cooldown the record stays claimed.
	clock.Advance(time.Hour)
	eng.HandleEvent(ctx, depositEvent("e2", 100, clock.Now()))
	p, err = progressStore.Get(ctx, "u1", "weekly-treat")
	require.NoError(t, err)
	assert.Equal(t, engine.StateClaimed, p.State)

	// Past the cooldown it re-arms and completes again.
	clock.Advance(25 * time.Hour)
	eng.HandleEvent(ctx, depositEvent("e3", 100, clock.Now()))
	p, err = progressStore.Get(ctx, "u1", "weekly-treat")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, p.State)

	_, err = eng.Claim(ctx, "u1", "weekly-treat")
	require.NoError(t, err)

	// Max claims reached: no further re-arming, ever.
	clock.Advance(48 * time.Hour)
	eng.HandleEvent(ctx, depositEvent("e4", 100, clock.Now()))
	p, err = progressStore.Get(ctx, "u1", "weekly-treat")
	require.NoError(t, err)
	assert.Equal(t, engine.StateClaimed, p.State)
	assert.Equal(t, 2, p.ClaimCount)

	assert.Len(t, publisher.Updates(), 2)
}

func TestEngineSingleMissionNeverRearms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := &rules.Mission{
		ID:      "once-only",
		Enabled: true,
		Type:    rules.MissionSingle,
		Rule: rules.Rule{
			Triggers: []rules.Trigger{{EventType: event.TypeDeposit}},
			Conditions: []rules.Condition{{
				Operator: rules.OpGte, Value: float64(1), Aggregation: rules.AggCount,
			}},
		},
	}
	eng, progressStore, _, clock := newTestEngine(t, m)

	eng.HandleEvent(ctx, depositEvent("e1", 100, clock.Now()))
	_, err := eng.Claim(ctx, "u1", "once-only")
	require.NoError(t, err)

	clock.Advance(30 * 24 * time.Hour)
	eng.HandleEvent(ctx, depositEvent("e2", 100, clock.Now()))

	p, err := progressStore.Get(ctx, "u1", "once-only")
	require.NoError(t, err)
	assert.Equal(t, engine.StateClaimed, p.State)
	assert.Equal(t, 1, p.ClaimCount)
}

// =============================================================================
// Expiry Tests
// =============================================================================

func TestEngineExpiresMissionPastItsEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	end := testEpoch.Add(-time.Hour)
	m := highRollerMission()
	m.EndsAt = &end

	eng, progressStore, publisher, _ := newTestEngine(t, m)

	// Event from inside the validity window, processed after it elapsed.
	eng.HandleEvent(ctx, depositEvent("late", 5000, end.Add(-time.Minute)))

	p, err := progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.Equal(t, engine.StateExpired, p.State)
	assert.Empty(t, publisher.Updates())

	_, err = eng.Claim(ctx, "u1", "high-roller")
	assert.ErrorIs(t, err, engine.ErrNotClaimable)
}

// =============================================================================
// Claim / Reset Tests
// =============================================================================

func TestEngineClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, _, _, clock := newTestEngine(t, highRollerMission())

	t.Run("no progress", func(t *testing.T) {
		_, err := eng.Claim(ctx, "u1", "high-roller")
		assert.ErrorIs(t, err, engine.ErrProgressNotFound)
	})

	t.Run("active progress is not claimable", func(t *testing.T) {
		eng.HandleEvent(ctx, depositEvent("e1", 100, clock.Now()))
		_, err := eng.Claim(ctx, "u1", "high-roller")
		assert.ErrorIs(t, err, engine.ErrNotClaimable)
	})

	t.Run("completed progress claims once", func(t *testing.T) {
		eng.HandleEvent(ctx, depositEvent("e2", 5000, clock.Now()))

		p, err := eng.Claim(ctx, "u1", "high-roller")
		require.NoError(t, err)
		assert.Equal(t, engine.StateClaimed, p.State)
		assert.Equal(t, 1, p.ClaimCount)

		_, err = eng.Claim(ctx, "u1", "high-roller")
		assert.ErrorIs(t, err, engine.ErrNotClaimable)
	})
}

func TestEngineResetProgress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, _, _, clock := newTestEngine(t, highRollerMission())

	eng.HandleEvent(ctx, depositEvent("e1", 5000, clock.Now()))
	_, err := eng.Claim(ctx, "u1", "high-roller")
	require.NoError(t, err)

	p, err := eng.ResetProgress(ctx, "u1", "high-roller")
	require.NoError(t, err)

	assert.Equal(t, engine.StateActive, p.State)
	assert.Empty(t, p.Events)
	assert.Empty(t, p.AggregateValues)
	assert.Equal(t, 1, p.ClaimCount) // claim history survives

	_, err = eng.ResetProgress(ctx, "u1", "missing")
	assert.ErrorIs(t, err, engine.ErrProgressNotFound)
}

// A reset record takes a store round trip with all of its maps empty; the
// next event must still land on it and accumulate toward a fresh completion.
func TestEngineAccumulatesAfterReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, progressStore, publisher, clock := newTestEngine(t, highRollerMission())

	eng.HandleEvent(ctx, depositEvent("e1", 600, clock.Now()))
	_, err := eng.ResetProgress(ctx, "u1", "high-roller")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	eng.HandleEvent(ctx, depositEvent("e2", 700, clock.Now()))

	p, err := progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.True(t, p.HasApplied("e2"))
	require.Len(t, p.Events, 1)
	assert.Equal(t, float64(700), p.AggregateValues[0])
	assert.Equal(t, engine.StateActive, p.State)

	clock.Advance(time.Hour)
	eng.HandleEvent(ctx, depositEvent("e3", 300, clock.Now()))

	p, err = progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, p.State)
	assert.Len(t, publisher.Updates(), 1)
}

// =============================================================================
// Write conflict Tests
// =============================================================================

// contentiousStore fails the first N saves with a revision conflict, the way
// a concurrent writer in another process would.
type contentiousStore struct {
	engine.ProgressStore
	mu        sync.Mutex
	conflicts int
}

func (s *contentiousStore) Save(ctx context.Context, p *engine.Progress) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return engine.ErrProgressConflict
	}
	s.mu.Unlock()
	return s.ProgressStore.Save(ctx, p)
}

func TestEngineRetriesConflictedWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := highRollerMission()
	require.NoError(t, rules.Compile(m))

	progressStore := &contentiousStore{
		ProgressStore: store.NewMemoryProgressStore(),
		conflicts:     2,
	}
	publisher := &capturePublisher{}
	clock := &testClock{t: testEpoch}
	eng := engine.New(nil, &missionSet{missions: []*rules.Mission{m}}, progressStore, publisher, engine.Options{
		Now: clock.Now,
	})

	eng.HandleEvent(ctx, depositEvent("e1", 1200, clock.Now()))

	p, err := progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.True(t, p.HasApplied("e1"))
	assert.Equal(t, engine.StateCompleted, p.State)
	assert.Len(t, publisher.Updates(), 1)
}

// =============================================================================
// Evaluation failure Tests
// =============================================================================

func TestEngineEvaluationErrorFailsClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, progressStore, _, clock := newTestEngine(t, highRollerMission())

	// The numeric trigger filter hits a string amount: the filter errors out
	// and the event is dropped before any state change.
	eng.HandleEvent(ctx, event.Event{
		ID: "bad-filter", UserID: "u1", Type: event.TypeDeposit, Timestamp: clock.Now(),
		Data: map[string]any{"amount": "plenty"},
	})
	_, err := progressStore.Get(ctx, "u1", "high-roller")
	assert.ErrorIs(t, err, engine.ErrProgressNotFound)

	// With no filter in the way, a non-numeric aggregate fails evaluation:
	// the applied event persists but no completion fires.
	m := &rules.Mission{
		ID:      "sum-anything",
		Enabled: true,
		Rule: rules.Rule{
			Triggers: []rules.Trigger{{EventType: event.TypeDeposit}},
			Conditions: []rules.Condition{{
				Field: "amount", Operator: rules.OpGte, Value: float64(1), Aggregation: rules.AggSum,
			}},
		},
	}
	eng2, progressStore2, publisher2, clock2 := newTestEngine(t, m)
	eng2.HandleEvent(ctx, event.Event{
		ID: "bad-agg", UserID: "u1", Type: event.TypeDeposit, Timestamp: clock2.Now(),
		Data: map[string]any{"amount": "plenty"},
	})

	p, err := progressStore2.Get(ctx, "u1", "sum-anything")
	require.NoError(t, err)
	assert.Equal(t, engine.StateActive, p.State)
	assert.True(t, p.HasApplied("bad-agg"))
	assert.Empty(t, publisher2.Updates())
}

// =============================================================================
// Sweep Tests
// =============================================================================

func TestEngineSweepPrunesAgedEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, progressStore, _, clock := newTestEngine(t, highRollerMission())

	eng.HandleEvent(ctx, depositEvent("e1", 100, clock.Now()))
	eng.HandleEvent(ctx, depositEvent("e2", 100, clock.Now()))

	p, err := progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	require.Len(t, p.Events, 2)

	// Nothing to prune while the events are in window.
	pruned, err := eng.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)

	clock.Advance(8 * 24 * time.Hour)

	pruned, err = eng.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	p, err = progressStore.Get(ctx, "u1", "high-roller")
	require.NoError(t, err)
	assert.Empty(t, p.Events)
}

func TestEngineSweepSkipsUnknownMissions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	eng, progressStore, _, clock := newTestEngine(t, highRollerMission())

	// A record for a mission no longer in the active set is left alone.
	orphan := engine.NewProgress("u1", "retired-mission")
	orphan.AddEvent(engine.QualifyingEvent{EventID: "e1", Timestamp: clock.Now().Add(-30 * 24 * time.Hour)}, 0)
	require.NoError(t, progressStore.Save(ctx, orphan))

	pruned, err := eng.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, pruned)
}
