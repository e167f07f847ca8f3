package story_handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"storybranch-server/internal/service"
)

// StoryHandler serves the story generation and reader session routes.
type StoryHandler struct {
	storyService   *service.StoryService
	sessionService *service.SessionService
	logger         zerolog.Logger
}

// NewStoryHandler creates the handler.
func NewStoryHandler(storyService *service.StoryService, sessionService *service.SessionService, logger zerolog.Logger) *StoryHandler {
	return &StoryHandler{
		storyService:   storyService,
		sessionService: sessionService,
		logger:         logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes mounts all routes under basePath.
func (h *StoryHandler) RegisterRoutes(r *mux.Router, basePath string) {
	api := r.PathPrefix(basePath).Subrouter()

	api.HandleFunc("/generate-story", h.GenerateStory).Methods(http.MethodPost)

	api.HandleFunc("/sessions", h.CreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/state", h.GetState).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/books", h.SubmitBooks).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/preferences", h.SubmitPreferences).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/choice", h.SelectChoice).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/retry", h.Retry).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/restart", h.Restart).Methods(http.MethodPost)
}

func (h *StoryHandler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]string{"error": message})
}

func (h *StoryHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
