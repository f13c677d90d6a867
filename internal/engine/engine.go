// Package engine implements the mission rule engine: it matches activity
// events against per-mission trigger and condition definitions, maintains
// windowed aggregate progress per (user, mission), and emits completion
// signals to downstream collaborators.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mfalcao/questline/internal/event"
	"github.com/mfalcao/questline/internal/observability"
	"github.com/mfalcao/questline/internal/rules"
)

// MissionSource supplies the active mission set. Implemented by the registry.
type MissionSource interface {
	// MissionsFor returns active missions with a trigger for the event type.
	MissionsFor(t event.Type) []*rules.Mission
	// Mission returns a mission by ID, or nil if not active.
	Mission(id string) *rules.Mission
}

// ProgressStore persists per-(user, mission) progress. Get returns
// ErrProgressNotFound when no record exists. Store access is the engine's
// sole suspension point.
type ProgressStore interface {
	Get(ctx context.Context, userID, missionID string) (*Progress, error)
	Save(ctx context.Context, p *Progress) error
	// List pages through all progress records, for maintenance sweeps.
	List(ctx context.Context, limit, offset int) ([]*Progress, error)
}

// Update is the completion signal emitted to downstream collaborators when
// a mission completes. PreviousValue/NewValue/Progress track the primary
// (first) condition.
type Update struct {
	MissionID     string        `json:"mission_id"`
	UserID        string        `json:"user_id"`
	EventID       string        `json:"event_id"`
	PreviousValue float64       `json:"previous_value"`
	NewValue      float64       `json:"new_value"`
	Delta         float64       `json:"delta"`
	Progress      float64       `json:"progress"` // 0..1 against the primary condition's target
	Completed     bool          `json:"completed"`
	State         State         `json:"state"`
	Rewards       rules.Rewards `json:"rewards"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	OccurredAt    time.Time     `json:"occurred_at"`
}

// Publisher delivers completion signals downstream. Delivery is
// fire-and-forget: a publish failure never rolls back a completion.
type Publisher interface {
	Publish(ctx context.Context, update Update) error
}

// Options tunes engine bounds.
type Options struct {
	// MaxAppliedEvents bounds the per-progress idempotency log.
	MaxAppliedEvents int
	// MaxBufferedEvents bounds the per-progress window buffer.
	MaxBufferedEvents int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// saveRetries is how many times a write is retried after a revision
// conflict before giving up. Conflicts are rare (two processes touching the
// same (user, mission) pair in the same instant), so a short budget suffices.
const saveRetries = 3

// Engine orchestrates trigger matching, aggregation, and condition
// evaluation against the progress store.
type Engine struct {
	logger    *slog.Logger
	missions  MissionSource
	store     ProgressStore
	publisher Publisher
	locks     *keyedLocks

	maxApplied  int
	maxBuffered int
	now         func() time.Time
}

// New creates an Engine. A nil logger falls back to slog.Default; a nil
// publisher disables downstream signaling (progress is still persisted).
func New(logger *slog.Logger, missions MissionSource, store ProgressStore, publisher Publisher, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if missions == nil {
		panic("engine: mission source cannot be nil")
	}
	if store == nil {
		panic("engine: progress store cannot be nil")
	}

	if opts.MaxAppliedEvents <= 0 {
		opts.MaxAppliedEvents = 512
	}
	if opts.MaxBufferedEvents <= 0 {
		opts.MaxBufferedEvents = 2048
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		logger:      logger,
		missions:    missions,
		store:       store,
		publisher:   publisher,
		locks:       newKeyedLocks(),
		maxApplied:  opts.MaxAppliedEvents,
		maxBuffered: opts.MaxBufferedEvents,
		now:         opts.Now,
	}
}

// HandleEvent processes one event against every active mission whose
// triggers reference the event's type. Failures are isolated per mission: a
// broken rule is logged and skipped, and the remaining missions still see
// the event. Implements the bus handler contract.
func (e *Engine) HandleEvent(ctx context.Context, evt event.Event) {
	for _, m := range e.missions.MissionsFor(evt.Type) {
		e.processMission(ctx, m, &evt)
	}
}

// processMission runs the full match→aggregate→evaluate→complete cycle for
// one (event, mission) pair.
func (e *Engine) processMission(ctx context.Context, m *rules.Mission, evt *event.Event) {
	start := time.Now()
	defer func() {
		observability.EngineEvaluations.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			observability.EngineEvaluationErrors.WithLabelValues(m.ID).Inc()
			e.logger.Error("panic evaluating mission",
				slog.String("mission_id", m.ID),
				slog.String("event_id", evt.ID),
				slog.Any("panic", r),
			)
		}
	}()

	log := e.logger.With(
		slog.String("mission_id", m.ID),
		slog.String("user_id", evt.UserID),
		slog.String("event_id", evt.ID),
	)

	trigIdx, trig := triggerIndex(&m.Rule, evt.Type)
	if trig == nil {
		return
	}

	ok, err := matchTrigger(trig, evt)
	if err != nil {
		e.reportEvalError(log, m.ID, err)
		return
	}
	if !ok {
		return
	}

	now := e.now()
	if !m.ActiveAt(evt.Timestamp) && !m.ExpiredAt(now) {
		// Outside the mission's validity window and not yet expired:
		// the mission hasn't started, or is disabled.
		return
	}

	unlock := e.locks.lock(evt.UserID + "|" + m.ID)
	defer unlock()

	// The per-key lock covers this process only; a writer in another process
	// surfaces as a revision conflict on Save, and the cycle reloads and
	// reapplies against the fresh record.
	for attempt := 0; ; attempt++ {
		err := e.processLocked(ctx, m, trigIdx, trig, evt, log)
		if err == nil {
			return
		}
		if !errors.Is(err, ErrProgressConflict) || attempt >= saveRetries {
			log.Error("failed to persist progress", slog.String("error", err.Error()))
			return
		}
		log.Debug("progress write conflicted, retrying")
	}
}

// processLocked runs one load→apply→evaluate→save cycle under the per-key
// lock. It returns only persistence errors; everything else is handled (and
// logged) in place so the caller can treat a conflict as retryable.
func (e *Engine) processLocked(ctx context.Context, m *rules.Mission, trigIdx int, trig *rules.Trigger, evt *event.Event, log *slog.Logger) error {
	now := e.now()

	p, err := e.loadOrCreate(ctx, evt.UserID, m.ID)
	if err != nil {
		log.Error("failed to load progress", slog.String("error", err.Error()))
		return nil
	}

	// State gates. A COMPLETED mission does not re-evaluate triggers until
	// claimed; EXPIRED is terminal.
	switch p.State {
	case StateExpired, StateCompleted:
		return nil
	case StateClaimed:
		if !e.rearm(m, p, now) {
			return nil
		}
	}

	if m.ExpiredAt(now) {
		p.State = StateExpired
		p.UpdatedAt = now
		return e.store.Save(ctx, p)
	}

	// Debounce: skip if this trigger fired for the user too recently.
	if d := trig.Debounce.Std(); d > 0 {
		if last, fired := p.LastTriggerAt[trigIdx]; fired && evt.Timestamp.Sub(last) < d {
			observability.EngineDebounceSkips.Inc()
			return nil
		}
	}

	// Idempotency: a given (eventID, missionID) pair contributes at most once.
	if p.HasApplied(evt.ID) {
		observability.EngineDedupHits.Inc()
		log.Debug("duplicate event ignored")
		return nil
	}

	e.applyEvent(m, p, trigIdx, evt)

	prevPrimary := p.AggregateValues[0]
	met, evalErr := e.evaluate(m, p, now)

	// Evaluation errors fail closed: progress (the applied event) is still
	// persisted, but no completion can fire this cycle.
	if evalErr != nil {
		e.reportEvalError(log, m.ID, evalErr)
		met = false
	}

	completed := false
	if met && e.eligible(ctx, m, p, now, log) {
		p.State = StateCompleted
		completedAt := now
		p.CompletedAt = &completedAt
		p.LastCompletedAt = &completedAt
		completed = true
	}

	p.UpdatedAt = now
	if err := e.store.Save(ctx, p); err != nil {
		return err
	}
	observability.EngineEventsApplied.Inc()

	if completed {
		observability.EngineCompletions.WithLabelValues(m.ID).Inc()
		log.Info("mission completed",
			slog.Float64("value", p.AggregateValues[0]),
			slog.Int("claim_count", p.ClaimCount),
		)
		e.publish(ctx, m, p, evt, prevPrimary, now, log)
	}
	return nil
}

// applyEvent records the event in the progress buffers and updates streak
// bookkeeping. Pruning happens inline so sliding aggregates never include
// out-of-window events even between sweeps.
func (e *Engine) applyEvent(m *rules.Mission, p *Progress, trigIdx int, evt *event.Event) {
	qe := QualifyingEvent{
		EventID:   evt.ID,
		Timestamp: evt.Timestamp,
		Values:    captureFields(&m.Rule, evt.Data),
	}
	p.AddEvent(qe, e.maxBuffered)
	p.MarkApplied(evt.ID, e.maxApplied)
	p.LastTriggerAt[trigIdx] = evt.Timestamp

	for ci := range m.Rule.Conditions {
		c := &m.Rule.Conditions[ci]
		if c.Aggregation == rules.AggStreakCount {
			w := c.Window(m.Rule.TimeWindow)
			updateStreak(p.Streak(ci), evt.Timestamp, w.Location())
		}
	}

	if boundary, ok := earliestWindowStart(&m.Rule, e.now()); ok {
		p.PruneBefore(boundary)
	}
}

// evaluate recomputes every condition aggregate, snapshots the numeric ones,
// and combines the per-condition outcomes with the rule's logic.
func (e *Engine) evaluate(m *rules.Mission, p *Progress, now time.Time) (bool, error) {
	results := make([]bool, 0, len(m.Rule.Conditions))

	for ci := range m.Rule.Conditions {
		c := &m.Rule.Conditions[ci]
		w := c.Window(m.Rule.TimeWindow)

		val, err := aggregate(c, w, p.Events, p.Streaks[ci], now)
		if err != nil {
			return false, err
		}

		if n, ok := rules.NumericValue(val); ok {
			p.AggregateValues[ci] = n
		}

		ok, err := compareAggregate(c, val)
		if err != nil {
			return false, err
		}
		results = append(results, ok)
	}

	return combineResults(m.Rule.EffectiveLogic(), results), nil
}

// eligible applies the non-exceptional completion gates: max claims,
// cooldown, prerequisites, and exclusion conditions. These are expected
// outcomes, not errors; the engine simply does not emit a completion.
func (e *Engine) eligible(ctx context.Context, m *rules.Mission, p *Progress, now time.Time, log *slog.Logger) bool {
	if m.Rule.MaxClaims > 0 && p.ClaimCount >= m.Rule.MaxClaims {
		return false
	}

	if cd := m.Rule.Cooldown.Std(); cd > 0 && p.LastCompletedAt != nil {
		if now.Sub(*p.LastCompletedAt) < cd {
			return false
		}
	}

	for _, prereqID := range m.Rule.Prerequisites {
		prereq, err := e.store.Get(ctx, p.UserID, prereqID)
		if err != nil {
			if !errors.Is(err, ErrProgressNotFound) {
				log.Error("failed to check prerequisite",
					slog.String("prerequisite_id", prereqID),
					slog.String("error", err.Error()),
				)
			}
			return false
		}
		if !prereq.Completed() {
			return false
		}
	}

	for ci := range m.Rule.ExcludeIf {
		c := &m.Rule.ExcludeIf[ci]
		w := c.Window(m.Rule.TimeWindow)

		// Exclusion streaks are keyed past the main condition indexes so
		// they never collide.
		streak := p.Streaks[len(m.Rule.Conditions)+ci]
		val, err := aggregate(c, w, p.Events, streak, now)
		if err != nil {
			e.reportEvalError(log, m.ID, err)
			return false
		}
		excluded, err := compareAggregate(c, val)
		if err != nil {
			e.reportEvalError(log, m.ID, err)
			return false
		}
		if excluded {
			return false
		}
	}

	return true
}

// rearm transitions a CLAIMED recurring mission back to ACTIVE once its
// cooldown has elapsed and claims remain. Returns false if the record must
// stay claimed.
func (e *Engine) rearm(m *rules.Mission, p *Progress, now time.Time) bool {
	if m.Type != rules.MissionRecurring {
		return false
	}
	if m.Rule.MaxClaims > 0 && p.ClaimCount >= m.Rule.MaxClaims {
		return false
	}
	if cd := m.Rule.Cooldown.Std(); cd > 0 && p.LastCompletedAt != nil {
		if now.Sub(*p.LastCompletedAt) < cd {
			return false
		}
	}
	p.State = StateActive
	p.CompletedAt = nil
	return true
}

// publish emits the completion signal. Failure is logged and counted only;
// the completion state transition is authoritative once persisted.
func (e *Engine) publish(ctx context.Context, m *rules.Mission, p *Progress, evt *event.Event, prevPrimary float64, now time.Time, log *slog.Logger) {
	if e.publisher == nil {
		return
	}

	newPrimary := p.AggregateValues[0]
	update := Update{
		MissionID:     m.ID,
		UserID:        p.UserID,
		EventID:       evt.ID,
		PreviousValue: prevPrimary,
		NewValue:      newPrimary,
		Delta:         newPrimary - prevPrimary,
		Progress:      primaryProgress(&m.Rule, newPrimary),
		Completed:     true,
		State:         p.State,
		Rewards:       m.Rewards,
		CompletedAt:   p.CompletedAt,
		OccurredAt:    now,
	}

	if err := e.publisher.Publish(ctx, update); err != nil {
		observability.PublisherSignals.WithLabelValues("fail").Inc()
		log.Error("failed to publish completion signal", slog.String("error", err.Error()))
		return
	}
	observability.PublisherSignals.WithLabelValues("success").Inc()
}

// GetProgress returns the progress record for a (user, mission) pair.
func (e *Engine) GetProgress(ctx context.Context, userID, missionID string) (*Progress, error) {
	return e.store.Get(ctx, userID, missionID)
}

// Claim consumes a COMPLETED progress: increments the claim count and moves
// the record to CLAIMED. The reward delivery itself belongs to the external
// claim workflow; the engine only closes the state machine.
func (e *Engine) Claim(ctx context.Context, userID, missionID string) (*Progress, error) {
	unlock := e.locks.lock(userID + "|" + missionID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		p, err := e.store.Get(ctx, userID, missionID)
		if err != nil {
			return nil, err
		}
		if p.State != StateCompleted {
			return nil, ErrNotClaimable
		}

		p.ClaimCount++
		p.State = StateClaimed
		p.UpdatedAt = e.now()

		err = e.store.Save(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrProgressConflict) || attempt >= saveRetries {
			return nil, err
		}
	}
}

// ResetProgress clears aggregates, the window buffer, and streak state while
// preserving claim history. Administrative operation.
func (e *Engine) ResetProgress(ctx context.Context, userID, missionID string) (*Progress, error) {
	unlock := e.locks.lock(userID + "|" + missionID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		p, err := e.store.Get(ctx, userID, missionID)
		if err != nil {
			return nil, err
		}

		p.ResetAggregates()
		p.UpdatedAt = e.now()

		err = e.store.Save(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrProgressConflict) || attempt >= saveRetries {
			return nil, err
		}
	}
}

// Sweep expires out-of-window events from progress records in batches.
// Runs periodically from the sweeper worker; safe alongside live processing
// because each record is touched under its per-key lock.
func (e *Engine) Sweep(ctx context.Context, batchSize int) (pruned int, err error) {
	offset := 0
	now := e.now()

	for {
		batch, err := e.store.List(ctx, batchSize, offset)
		if err != nil {
			return pruned, err
		}
		if len(batch) == 0 {
			return pruned, nil
		}
		offset += len(batch)

		for _, record := range batch {
			m := e.missions.Mission(record.MissionID)
			if m == nil {
				continue
			}
			boundary, ok := earliestWindowStart(&m.Rule, now)
			if !ok {
				continue
			}

			unlock := e.locks.lock(record.UserID + "|" + record.MissionID)

			// Reload under the lock; the listed snapshot may be stale.
			p, err := e.store.Get(ctx, record.UserID, record.MissionID)
			if err != nil {
				unlock()
				if errors.Is(err, ErrProgressNotFound) {
					continue
				}
				return pruned, err
			}

			if removed := p.PruneBefore(boundary); removed > 0 {
				p.UpdatedAt = now
				if err := e.store.Save(ctx, p); err != nil {
					unlock()
					if errors.Is(err, ErrProgressConflict) {
						// A live writer beat the sweep to this record; the
						// next cycle prunes it.
						continue
					}
					return pruned, err
				}
				pruned += removed
				observability.SweeperEventsPruned.Add(float64(removed))
			}
			unlock()
		}

		if len(batch) < batchSize {
			return pruned, nil
		}
	}
}

func (e *Engine) loadOrCreate(ctx context.Context, userID, missionID string) (*Progress, error) {
	p, err := e.store.Get(ctx, userID, missionID)
	if err != nil {
		if errors.Is(err, ErrProgressNotFound) {
			return NewProgress(userID, missionID), nil
		}
		return nil, err
	}
	p.ensureMaps()
	return p, nil
}

func (e *Engine) reportEvalError(log *slog.Logger, missionID string, err error) {
	observability.EngineEvaluationErrors.WithLabelValues(missionID).Inc()
	log.Error("rule evaluation failed", slog.String("error", err.Error()))
}

// triggerIndex finds the first trigger for an event type, with its index
// (used as the debounce key).
func triggerIndex(r *rules.Rule, t event.Type) (int, *rules.Trigger) {
	for i := range r.Triggers {
		if r.Triggers[i].EventType == t {
			return i, &r.Triggers[i]
		}
	}
	return -1, nil
}

// captureFields snapshots the event data fields the rule's conditions and
// exclusions reference, so aggregation stays self-contained in the buffer.
func captureFields(r *rules.Rule, data map[string]any) map[string]any {
	fields := make(map[string]any)
	capture := func(c *rules.Condition) {
		if c.Field == "" {
			return
		}
		if _, done := fields[c.Field]; done {
			return
		}
		if v, ok := resolvePath(data, c.Field); ok {
			fields[c.Field] = v
		}
	}
	for ci := range r.Conditions {
		capture(&r.Conditions[ci])
	}
	for ci := range r.ExcludeIf {
		capture(&r.ExcludeIf[ci])
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// primaryProgress maps the primary (first) condition's aggregate onto a 0..1
// completion ratio against its numeric target. Rules whose primary target is
// not numeric (exists, regex-style) report 1 on completion.
func primaryProgress(r *rules.Rule, value float64) float64 {
	if len(r.Conditions) == 0 {
		return 1
	}
	target, ok := rules.NumericValue(r.Conditions[0].Value)
	if !ok || target <= 0 {
		return 1
	}
	ratio := value / target
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// earliestWindowStart returns the oldest window boundary any condition still
// needs, so pruning never removes an event a longer window still counts.
// ok is false when some condition has no window at all (nothing may be
// pruned then, beyond the buffer's hard cap).
func earliestWindowStart(r *rules.Rule, now time.Time) (time.Time, bool) {
	var earliest time.Time
	first := true

	consider := func(c *rules.Condition) bool {
		w := c.Window(r.TimeWindow)
		if w == nil {
			return false
		}
		start := w.Start(now)
		if first || start.Before(earliest) {
			earliest = start
			first = false
		}
		return true
	}

	for ci := range r.Conditions {
		if !consider(&r.Conditions[ci]) {
			return time.Time{}, false
		}
	}
	for ci := range r.ExcludeIf {
		if !consider(&r.ExcludeIf[ci]) {
			return time.Time{}, false
		}
	}
	return earliest, !first
}
