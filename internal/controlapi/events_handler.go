package controlapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/mfalcao/questline/internal/bus"
	"github.com/mfalcao/questline/internal/logger"
)

// handleSubmitEvent processes the POST /api/v1/events request.
//
// Responsibilities:
// 1. Decodes the JSON payload into the EventRequest DTO.
// 2. Sanitizes and validates the input using the DTO's logic.
// 3. Converts the DTO to the domain event, defaulting ID and timestamp.
// 4. Emits the event onto the bus (blocking briefly under backpressure).
// 5. Returns 202 Accepted: evaluation happens asynchronously on the shards.
func (a *API) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req EventRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		log.Warn("invalid json payload", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_INVALID_JSON",
			Message: "Invalid JSON payload: " + err.Error(),
		})
		return
	}

	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errResp)
		return
	}

	evt := req.ToEvent()

	if err := a.events.Emit(r.Context(), evt); err != nil {
		var rejected *bus.EventRejected
		if errors.As(err, &rejected) && !errors.Is(err, bus.ErrBusClosed) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_EVENT_REJECTED",
				Message: rejected.Reason,
			})
			return
		}

		log.Error("failed to emit event", slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, ErrorResponse{
			Code:    "ERR_UNAVAILABLE",
			Message: "Event could not be accepted, try again",
		})
		return
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, EventAccepted{EventID: evt.ID, Status: "accepted"})
}
