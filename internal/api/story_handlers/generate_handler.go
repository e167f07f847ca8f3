package story_handlers

import (
	"encoding/json"
	"net/http"

	"storybranch-server/internal/model"
)

// GenerateStory runs the full two-phase generation synchronously and
// returns the complete story. This is the stateless endpoint; clients
// that want progress updates use the session routes instead.
func (h *StoryHandler) GenerateStory(w http.ResponseWriter, r *http.Request) {
	var req model.GenerateStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, model.GenerateStoryResponse{
			Success: false,
			Error:   "Missing required fields",
		})
		return
	}

	if req.FavoriteBooks == "" || req.WhyLoveBooks == "" {
		h.respondWithJSON(w, http.StatusBadRequest, model.GenerateStoryResponse{
			Success: false,
			Error:   "Missing required fields",
		})
		return
	}

	story, err := h.storyService.BuildStory(r.Context(), model.UserPreferences{
		FavoriteBooks: req.FavoriteBooks,
		WhyLoveBooks:  req.WhyLoveBooks,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("story generation failed")
		h.respondWithJSON(w, http.StatusInternalServerError, model.GenerateStoryResponse{
			Success: false,
			Error:   "Failed to generate story",
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, model.GenerateStoryResponse{
		Success: true,
		Story:   story,
	})
}
