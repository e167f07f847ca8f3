package story_handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"storybranch-server/internal/service"
)

type sessionResponse struct {
	SessionID string      `json:"sessionId"`
	State     interface{} `json:"state"`
}

// CreateSession opens a new reader session.
func (h *StoryHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	session := h.sessionService.CreateSession()
	h.respondWithJSON(w, http.StatusCreated, sessionResponse{
		SessionID: session.ID,
		State:     session.State,
	})
}

// GetState returns the current state of a session.
func (h *StoryHandler) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessionService.State(mux.Vars(r)["id"])
	if err != nil {
		h.respondWithSessionError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, state)
}

// SubmitBooks records the favorite-books answer.
func (h *StoryHandler) SubmitBooks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FavoriteBooks string `json:"favoriteBooks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	state, err := h.sessionService.SubmitBooks(mux.Vars(r)["id"], req.FavoriteBooks)
	if err != nil {
		h.respondWithSessionError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, state)
}

// SubmitPreferences records the second answer and starts generation.
func (h *StoryHandler) SubmitPreferences(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WhyLoveBooks string `json:"whyLoveBooks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	state, err := h.sessionService.SubmitPreferences(mux.Vars(r)["id"], req.WhyLoveBooks)
	if err != nil {
		h.respondWithSessionError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, state)
}

// SelectChoice advances the reader down the chosen branch.
func (h *StoryHandler) SelectChoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChoiceID string `json:"choiceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	state, err := h.sessionService.SelectChoice(mux.Vars(r)["id"], req.ChoiceID)
	if err != nil {
		h.respondWithSessionError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, state)
}

// Retry acknowledges a retryable failure and resets the session.
func (h *StoryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessionService.Retry(mux.Vars(r)["id"])
	if err != nil {
		h.respondWithSessionError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, state)
}

// Restart returns the session to the welcome step.
func (h *StoryHandler) Restart(w http.ResponseWriter, r *http.Request) {
	state, err := h.sessionService.Restart(mux.Vars(r)["id"])
	if err != nil {
		h.respondWithSessionError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, state)
}

// respondWithSessionError maps session-service errors to status codes.
func (h *StoryHandler) respondWithSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		h.respondWithError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, service.ErrInvalidTransition):
		h.respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrPathNotFound):
		h.respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error().Err(err).Msg("session operation failed")
		h.respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}
