package controlapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/mfalcao/questline/internal/engine"
	"github.com/mfalcao/questline/internal/logger"
)

// handleGetProgress processes GET /api/v1/progress/{userID}/{missionID}.
func (a *API) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	missionID := chi.URLParam(r, "missionID")

	p, err := a.progress.GetProgress(r.Context(), userID, missionID)
	if err != nil {
		a.renderProgressError(w, r, err, "load")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapProgressToResponse(p))
}

// handleClaim processes POST /api/v1/progress/{userID}/{missionID}/claim.
// A claim consumes a COMPLETED record; anything else is a conflict.
func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	missionID := chi.URLParam(r, "missionID")
	log := logger.FromContext(r.Context())

	p, err := a.progress.Claim(r.Context(), userID, missionID)
	if err != nil {
		if errors.Is(err, engine.ErrNotClaimable) {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_NOT_CLAIMABLE",
				Message: "Mission is not in a claimable state",
			})
			return
		}
		a.renderProgressError(w, r, err, "claim")
		return
	}

	log.Info("mission claimed",
		slog.String("user_id", userID),
		slog.String("mission_id", missionID),
		slog.Int("claim_count", p.ClaimCount),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapProgressToResponse(p))
}

// handleResetProgress processes DELETE /api/v1/progress/{userID}/{missionID}.
// Administrative: clears aggregates and buffers while keeping claim history.
func (a *API) handleResetProgress(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	missionID := chi.URLParam(r, "missionID")
	log := logger.FromContext(r.Context())

	p, err := a.progress.ResetProgress(r.Context(), userID, missionID)
	if err != nil {
		a.renderProgressError(w, r, err, "reset")
		return
	}

	log.Info("progress reset",
		slog.String("user_id", userID),
		slog.String("mission_id", missionID),
	)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, mapProgressToResponse(p))
}

// renderProgressError maps store errors to API responses.
func (a *API) renderProgressError(w http.ResponseWriter, r *http.Request, err error, op string) {
	if errors.Is(err, engine.ErrProgressNotFound) {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_NOT_FOUND",
			Message: "No progress recorded for this user and mission",
		})
		return
	}

	logger.FromContext(r.Context()).Error("progress operation failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, ErrorResponse{
		Code:    "ERR_INTERNAL",
		Message: "Progress operation failed",
	})
}
