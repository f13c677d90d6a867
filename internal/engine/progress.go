package engine

import (
	"time"
)

// State is the lifecycle of one (user, mission) pair.
type State string

const (
	// StateActive accumulates progress.
	StateActive State = "ACTIVE"
	// StateCompleted means criteria were met; awaiting claim.
	StateCompleted State = "COMPLETED"
	// StateClaimed means the claim was consumed. Terminal for SINGLE
	// missions; recurring missions re-arm after cooldown.
	StateClaimed State = "CLAIMED"
	// StateExpired means the mission's validity window elapsed first. Terminal.
	StateExpired State = "EXPIRED"
)

// QualifyingEvent is the windowed buffer entry for one applied event: its
// identity, its timestamp, and a snapshot of the data fields the mission's
// conditions reference. Snapshotting at ingest keeps aggregation independent
// of the event-history store.
type QualifyingEvent struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	Values    map[string]any `json:"values,omitempty"`
}

// StreakState tracks consecutive-calendar-day bookkeeping for one condition.
type StreakState struct {
	// LastEventDate is the most recent qualifying calendar day ("2006-01-02")
	// in the condition window's timezone. It never regresses for late events.
	LastEventDate string `json:"last_event_date"`
	CurrentStreak int    `json:"current_streak"`
}

// Progress is the durable per-(user, mission) state. It is mutated only by
// the engine, under the per-key serialization guarantee, and persisted as a
// whole by the progress store.
type Progress struct {
	MissionID string `json:"mission_id"`
	UserID    string `json:"user_id"`
	State     State  `json:"state"`

	// AggregateValues holds the last computed numeric aggregate per
	// condition index. first/last aggregations are recomputed from the
	// buffer and not snapshotted here.
	AggregateValues map[int]float64 `json:"aggregate_values,omitempty"`

	// Events is the bounded window buffer of qualifying events.
	Events []QualifyingEvent `json:"events,omitempty"`

	// Streaks holds streak bookkeeping per condition index.
	Streaks map[int]*StreakState `json:"streaks,omitempty"`

	// AppliedEvents is the bounded idempotency log, oldest first.
	AppliedEvents []string `json:"applied_events,omitempty"`

	// LastTriggerAt records the last accepted event timestamp per trigger
	// index, for debounce.
	LastTriggerAt map[int]time.Time `json:"last_trigger_at,omitempty"`

	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	ClaimCount      int        `json:"claim_count"`

	// Revision is the optimistic-concurrency counter. The stores bump it on
	// every successful Save and reject writes carrying a stale value with
	// ErrProgressConflict; the in-process per-key lock does not protect
	// against a second writer process on the same table.
	Revision int64 `json:"revision"`

	UpdatedAt time.Time `json:"updated_at"`

	// appliedIndex shadows AppliedEvents for O(1) lookups. Rebuilt lazily.
	appliedIndex map[string]struct{}
}

// NewProgress creates the lazily-initialized record for a first event.
func NewProgress(userID, missionID string) *Progress {
	return &Progress{
		MissionID:       missionID,
		UserID:          userID,
		State:           StateActive,
		AggregateValues: make(map[int]float64),
		Streaks:         make(map[int]*StreakState),
		LastTriggerAt:   make(map[int]time.Time),
	}
}

// ensureMaps restores the map fields a persistence round trip drops. The
// stores omit empty maps from the JSON document, so a record that was reset
// (or never touched a map) reloads with nils and the next write would panic.
func (p *Progress) ensureMaps() {
	if p.AggregateValues == nil {
		p.AggregateValues = make(map[int]float64)
	}
	if p.Streaks == nil {
		p.Streaks = make(map[int]*StreakState)
	}
	if p.LastTriggerAt == nil {
		p.LastTriggerAt = make(map[int]time.Time)
	}
}

// HasApplied reports whether the given event ID already contributed.
func (p *Progress) HasApplied(eventID string) bool {
	if p.appliedIndex == nil {
		p.appliedIndex = make(map[string]struct{}, len(p.AppliedEvents))
		for _, id := range p.AppliedEvents {
			p.appliedIndex[id] = struct{}{}
		}
	}
	_, ok := p.appliedIndex[eventID]
	return ok
}

// MarkApplied records an event in the idempotency log, evicting the oldest
// entry once maxEntries is exceeded.
func (p *Progress) MarkApplied(eventID string, maxEntries int) {
	if p.HasApplied(eventID) {
		return
	}
	p.AppliedEvents = append(p.AppliedEvents, eventID)
	p.appliedIndex[eventID] = struct{}{}

	for maxEntries > 0 && len(p.AppliedEvents) > maxEntries {
		evicted := p.AppliedEvents[0]
		p.AppliedEvents = p.AppliedEvents[1:]
		delete(p.appliedIndex, evicted)
	}
}

// AddEvent appends to the window buffer, evicting the oldest entry once
// maxEntries is exceeded. The buffer stays ordered by insertion; aggregation
// orders by timestamp where it matters.
func (p *Progress) AddEvent(qe QualifyingEvent, maxEntries int) {
	p.Events = append(p.Events, qe)
	if maxEntries > 0 && len(p.Events) > maxEntries {
		p.Events = p.Events[len(p.Events)-maxEntries:]
	}
}

// PruneBefore drops buffered events with timestamps before the boundary.
// Safe to run concurrently with live processing only under the per-key lock:
// it removes strictly out-of-window data, which new events never are.
func (p *Progress) PruneBefore(boundary time.Time) int {
	if boundary.IsZero() || len(p.Events) == 0 {
		return 0
	}
	kept := p.Events[:0]
	for _, qe := range p.Events {
		if !qe.Timestamp.Before(boundary) {
			kept = append(kept, qe)
		}
	}
	removed := len(p.Events) - len(kept)
	p.Events = kept
	return removed
}

// Streak returns the streak state for a condition index, creating it on
// first use.
func (p *Progress) Streak(conditionIdx int) *StreakState {
	if p.Streaks == nil {
		p.Streaks = make(map[int]*StreakState)
	}
	s, ok := p.Streaks[conditionIdx]
	if !ok {
		s = &StreakState{}
		p.Streaks[conditionIdx] = s
	}
	return s
}

// ResetAggregates clears aggregates, the window buffer, streak bookkeeping,
// and the idempotency log, while preserving claim history. Used by the
// administrative reset operation.
func (p *Progress) ResetAggregates() {
	p.AggregateValues = make(map[int]float64)
	p.Events = nil
	p.Streaks = make(map[int]*StreakState)
	p.AppliedEvents = nil
	p.appliedIndex = nil
	p.LastTriggerAt = make(map[int]time.Time)
	p.CompletedAt = nil
	p.State = StateActive
}

// Completed reports whether this progress has ever completed.
// Used for prerequisite checks: a claimed recurring mission still counts.
func (p *Progress) Completed() bool {
	return p.CompletedAt != nil || p.ClaimCount > 0
}
