package engine

import (
	"errors"
	"fmt"
)

// ErrProgressNotFound is returned by read/claim/reset operations when no
// progress record exists for the (user, mission) pair.
var ErrProgressNotFound = errors.New("progress not found")

// ErrNotClaimable is returned by Claim when the progress is not in the
// COMPLETED state.
var ErrNotClaimable = errors.New("mission is not in a claimable state")

// ErrProgressConflict is returned by ProgressStore.Save when the record's
// revision no longer matches the stored one: another writer (possibly in a
// different process) saved in between. Callers reload and retry.
var ErrProgressConflict = errors.New("progress record was modified concurrently")

// EvaluationError is a runtime type or field mismatch hit while evaluating
// one mission's rule. It is caught per mission: logged, counted, and never
// allowed to affect other missions processing the same event. The mission
// fails closed for the cycle.
type EvaluationError struct {
	MissionID string
	Field     string
	Reason    string
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("evaluation error on field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("evaluation error: %s", e.Reason)
}
