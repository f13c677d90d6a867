package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/mfalcao/questline/internal/rules"
)

// dateLayout is the calendar-day form used by streak bookkeeping.
const dateLayout = "2006-01-02"

// aggregate computes the current scalar for one condition from the windowed
// event buffer. Numeric aggregations return float64; first/last return the
// raw field value of the boundary event. A type mismatch between the
// condition and the buffered data is an evaluation error, never a silent
// default.
func aggregate(c *rules.Condition, window *rules.TimeWindow, events []QualifyingEvent, streak *StreakState, now time.Time) (any, error) {
	if c.Aggregation == rules.AggStreakCount {
		// Maintained incrementally by updateStreak on ingest.
		if streak == nil {
			return float64(0), nil
		}
		return float64(streak.CurrentStreak), nil
	}

	start := window.Start(now)

	agg := c.Aggregation
	if agg == "" {
		// No aggregation declared: treat as count so a bare threshold
		// condition ("at least N qualifying events") still works.
		agg = rules.AggCount
	}

	var (
		sum     float64
		count   int
		minVal  float64
		maxVal  float64
		uniques map[string]struct{}
		firstQE *QualifyingEvent
		lastQE  *QualifyingEvent
	)

	if agg == rules.AggUniqueCount {
		uniques = make(map[string]struct{})
	}

	for i := range events {
		qe := &events[i]
		if !start.IsZero() && qe.Timestamp.Before(start) {
			continue
		}

		if agg == rules.AggCount {
			count++
			continue
		}

		val, present := qe.Values[c.Field]
		if !present {
			// The event qualified for the trigger but lacks this
			// condition's field. It simply does not contribute.
			continue
		}

		switch agg {
		case rules.AggUniqueCount:
			uniques[rules.CanonicalString(val, false)] = struct{}{}

		case rules.AggFirst:
			if firstQE == nil || qe.Timestamp.Before(firstQE.Timestamp) {
				firstQE = qe
			}

		case rules.AggLast:
			if lastQE == nil || !qe.Timestamp.Before(lastQE.Timestamp) {
				lastQE = qe
			}

		default: // sum, min, max, avg
			n, ok := rules.NumericValue(val)
			if !ok {
				return nil, &EvaluationError{
					Field:  c.Field,
					Reason: fmt.Sprintf("aggregation %q requires a numeric field, got %T", agg, val),
				}
			}
			if count == 0 {
				minVal, maxVal = n, n
			} else {
				if n < minVal {
					minVal = n
				}
				if n > maxVal {
					maxVal = n
				}
			}
			sum += n
			count++
		}
	}

	switch agg {
	case rules.AggCount:
		return float64(count), nil
	case rules.AggUniqueCount:
		return float64(len(uniques)), nil
	case rules.AggSum:
		return sum, nil
	case rules.AggMin:
		if count == 0 {
			return float64(0), nil
		}
		return minVal, nil
	case rules.AggMax:
		if count == 0 {
			return float64(0), nil
		}
		return maxVal, nil
	case rules.AggAvg:
		if count == 0 {
			return float64(0), nil
		}
		return sum / float64(count), nil
	case rules.AggFirst:
		if firstQE == nil {
			return nil, nil
		}
		return firstQE.Values[c.Field], nil
	case rules.AggLast:
		if lastQE == nil {
			return nil, nil
		}
		return lastQE.Values[c.Field], nil
	default:
		return nil, &EvaluationError{Reason: fmt.Sprintf("unknown aggregation %q", agg)}
	}
}

// updateStreak applies one qualifying event to a condition's streak state.
//
// Days are calendar days in the window's timezone, counted against the
// latest day seen so far. The same day is a no-op; the next consecutive day
// extends the streak; a gap of more than one day restarts it at 1. An event
// older than the latest day never regresses the state, so out-of-order
// redelivery converges to the same result as in-order processing.
func updateStreak(s *StreakState, eventTime time.Time, loc *time.Location) {
	day := eventTime.In(loc).Format(dateLayout)

	if s.LastEventDate == "" {
		s.LastEventDate = day
		s.CurrentStreak = 1
		return
	}

	last, err := time.ParseInLocation(dateLayout, s.LastEventDate, loc)
	if err != nil {
		// Corrupt persisted state; restart rather than poison evaluation.
		s.LastEventDate = day
		s.CurrentStreak = 1
		return
	}

	current, _ := time.ParseInLocation(dateLayout, day, loc)

	// Round instead of truncate so DST-shortened or -lengthened days still
	// count as exactly one calendar day apart.
	switch delta := int(math.Round(current.Sub(last).Hours() / 24)); {
	case delta == 0:
		// Same day: no change.
	case delta == 1:
		s.CurrentStreak++
		s.LastEventDate = day
	case delta < 0:
		// Late event for an earlier day: never regress.
	default:
		s.CurrentStreak = 1
		s.LastEventDate = day
	}
}
