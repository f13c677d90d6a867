// Package event defines the immutable activity event consumed by the rule
// engine, along with the closed set of known activity kinds.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of user activity an event describes.
type Type string

// Known activity kinds. Mission triggers reference these values; an event
// carrying a type no mission references simply matches nothing.
const (
	TypeLogin            Type = "login"
	TypeLogout           Type = "logout"
	TypeBetPlaced        Type = "bet_placed"
	TypeBetWon           Type = "bet_won"
	TypeDeposit          Type = "deposit"
	TypeWithdrawal       Type = "withdrawal"
	TypeGamePlayed       Type = "game_played"
	TypeReferralComplete Type = "referral_completed"
	TypeProfileComplete  Type = "profile_completed"
)

// IsKnown reports whether t is one of the predefined activity kinds.
// Unknown types are accepted by the bus (producers evolve faster than this
// list) but logged so new kinds get registered here.
func (t Type) IsKnown() bool {
	switch t {
	case TypeLogin, TypeLogout, TypeBetPlaced, TypeBetWon, TypeDeposit,
		TypeWithdrawal, TypeGamePlayed, TypeReferralComplete, TypeProfileComplete:
		return true
	default:
		return false
	}
}

// Event is an immutable fact describing one user action. It is created by an
// external producer and never mutated by the engine; idempotency downstream
// is keyed by (ID, missionID).
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`

	SessionID  string `json:"session_id,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Source     string `json:"source,omitempty"`
}

// New builds an event with a generated ID and the current timestamp.
// Producers that already carry their own IDs should construct Event directly.
func New(userID string, typ Type, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// MalformedError describes why an event was rejected at the bus boundary.
type MalformedError struct {
	Reasons []string
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed event: %s", strings.Join(e.Reasons, "; "))
}

// Validate checks the structural requirements for dispatch. An event missing
// its ID, user, type, or timestamp cannot be matched or deduplicated and is
// rejected before reaching any subscriber.
func (e *Event) Validate() error {
	var reasons []string

	if e.ID == "" {
		reasons = append(reasons, "missing id")
	}
	if e.UserID == "" {
		reasons = append(reasons, "missing user_id")
	}
	if e.Type == "" {
		reasons = append(reasons, "missing type")
	}
	if e.Timestamp.IsZero() {
		reasons = append(reasons, "missing timestamp")
	}

	if len(reasons) > 0 {
		return &MalformedError{Reasons: reasons}
	}
	return nil
}
