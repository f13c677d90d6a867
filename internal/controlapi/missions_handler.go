package controlapi

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/render"

	"github.com/mfalcao/questline/internal/logger"
	"github.com/mfalcao/questline/internal/rules"
)

// handleListMissions processes GET /api/v1/missions. It serves the registry
// snapshot, so the answer reflects what the engine is evaluating right now,
// not the database tail.
func (a *API) handleListMissions(w http.ResponseWriter, r *http.Request) {
	missions := a.missions.Missions()

	summaries := make([]MissionSummary, len(missions))
	for i, m := range missions {
		summaries[i] = MissionSummary{
			ID:       m.ID,
			Name:     m.Name,
			Type:     m.Type,
			Enabled:  m.Enabled,
			Version:  m.Version,
			StartsAt: m.StartsAt,
			EndsAt:   m.EndsAt,
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]any{
		"data":  summaries,
		"count": len(summaries),
	})
}

// handleValidateMission processes POST /api/v1/missions/validate. Authoring
// tools call this before persisting a rule; the verdict includes advisory
// warnings and the complexity estimate.
func (a *API) handleValidateMission(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var mission rules.Mission
	if err := render.DecodeJSON(r.Body, &mission); err != nil {
		log.Warn("invalid mission payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	result := rules.Validate(&mission)

	// Prerequisite edges can only be checked against the live mission set:
	// the candidate may close a cycle through missions it never names
	// directly.
	if len(mission.Rule.Prerequisites) > 0 {
		graph := make(map[string][]string)
		for _, m := range a.missions.Missions() {
			if len(m.Rule.Prerequisites) > 0 {
				graph[m.ID] = m.Rule.Prerequisites
			}
		}
		graph[mission.ID] = mission.Rule.Prerequisites

		if cyclic := rules.DetectPrerequisiteCycles(graph); slices.Contains(cyclic, mission.ID) {
			result.IsValid = false
			result.Errors = append(result.Errors,
				"prerequisite cycle through missions: "+strings.Join(cyclic, ", "))
		}
	}

	// Validation passing does not guarantee compilability (e.g. an unknown
	// timezone), so compile too before giving a green light.
	if result.IsValid {
		if err := rules.Compile(&mission); err != nil {
			result.IsValid = false
			result.Errors = append(result.Errors, err.Error())
		}
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ValidateMissionResponse{
		Valid:               result.IsValid,
		Errors:              result.Errors,
		Warnings:            result.Warnings,
		EstimatedComplexity: result.EstimatedComplexity,
	})
}
