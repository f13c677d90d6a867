// Package controlapi implements the REST API for the Questline control
// plane. It handles HTTP routing, request decoding, validation, and response
// formatting.
package controlapi

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mfalcao/questline/internal/engine"
	"github.com/mfalcao/questline/internal/event"
	"github.com/mfalcao/questline/internal/rules"
)

// EventRequest defines the payload for submitting an activity event.
// ID and timestamp are optional: producers without their own IDs get one
// generated, which also disables replay deduplication for them.
type EventRequest struct {
	ID        string         `json:"id,omitempty"`
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`

	SessionID  string `json:"session_id,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Source     string `json:"source,omitempty"`
}

// Sanitize trims whitespace from identifying fields.
func (r *EventRequest) Sanitize() {
	r.ID = strings.TrimSpace(r.ID)
	r.UserID = strings.TrimSpace(r.UserID)
	r.Type = strings.TrimSpace(r.Type)
}

// Validate checks the fields the bus cannot default.
func (r *EventRequest) Validate() *ErrorResponse {
	var details []ErrorDetail
	if r.UserID == "" {
		details = append(details, ErrorDetail{Field: "user_id", Issue: "required"})
	}
	if r.Type == "" {
		details = append(details, ErrorDetail{Field: "type", Issue: "required"})
	}
	if len(details) > 0 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Event is missing required fields",
			Details: details,
		}
	}
	return nil
}

// ToEvent converts the DTO to the domain event, filling defaults.
func (r *EventRequest) ToEvent() event.Event {
	evt := event.Event{
		ID:         r.ID,
		UserID:     r.UserID,
		Type:       event.Type(r.Type),
		Data:       r.Data,
		SessionID:  r.SessionID,
		DeviceType: r.DeviceType,
		Source:     r.Source,
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if r.Timestamp != nil {
		evt.Timestamp = r.Timestamp.UTC()
	} else {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}

// EventAccepted is the response for an accepted event.
type EventAccepted struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// ProgressResponse exposes the externally relevant slice of a progress
// record. The window buffer and idempotency log stay internal.
type ProgressResponse struct {
	MissionID       string          `json:"mission_id"`
	UserID          string          `json:"user_id"`
	State           engine.State    `json:"state"`
	AggregateValues map[int]float64 `json:"aggregate_values,omitempty"`
	ClaimCount      int             `json:"claim_count"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	LastCompletedAt *time.Time      `json:"last_completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// mapProgressToResponse converts the engine record to the response DTO.
func mapProgressToResponse(p *engine.Progress) ProgressResponse {
	return ProgressResponse{
		MissionID:       p.MissionID,
		UserID:          p.UserID,
		State:           p.State,
		AggregateValues: p.AggregateValues,
		ClaimCount:      p.ClaimCount,
		CompletedAt:     p.CompletedAt,
		LastCompletedAt: p.LastCompletedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// MissionSummary is the list representation of an active mission.
type MissionSummary struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Type    rules.MissionType `json:"type"`
	Enabled bool              `json:"enabled"`
	Version int64             `json:"version"`

	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

// ValidateMissionResponse wraps the structural validation verdict.
type ValidateMissionResponse struct {
	Valid               bool             `json:"valid"`
	Errors              []string         `json:"errors,omitempty"`
	Warnings            []string         `json:"warnings,omitempty"`
	EstimatedComplexity rules.Complexity `json:"estimated_complexity"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}
