package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storybranch-server/internal/model"
	"storybranch-server/pkg/ai"
)

var (
	// ErrFoundationGeneration wraps any failure of the first model call
	// or its decoding.
	ErrFoundationGeneration = errors.New("story foundation generation failed")
	// ErrTreeGeneration wraps any failure of the second model call or
	// its decoding.
	ErrTreeGeneration = errors.New("story tree generation failed")
	// ErrInvalidTreeShape means the decoded tree does not have the
	// required seven segments wired into a depth-3 binary tree.
	ErrInvalidTreeShape = errors.New("generated story tree has an invalid shape")
	// ErrPathNotFound means a requested path key is absent from the
	// story's path index.
	ErrPathNotFound = errors.New("story path not found")
)

// Sampling settings of the two generation phases. The foundation call
// runs hotter for more varied premises; the tree call runs cooler and
// much longer because it must emit seven coherent segments in one
// reply.
var (
	foundationParams = ai.GenerationParams{Temperature: 0.8, MaxTokens: 1000}
	treeParams       = ai.GenerationParams{Temperature: 0.7, MaxTokens: 4000}
)

// AIClient is the slice of the model client the story service needs.
type AIClient interface {
	GenerateText(ctx context.Context, systemPrompt string, params ai.GenerationParams) (string, ai.Usage, error)
}

// StoryService builds complete branching stories with a two-phase
// model pipeline: a foundation call fixes title, premise, theme and
// characters, then a tree call expands the foundation into the seven
// segments. It is stateless and safe for concurrent use.
type StoryService struct {
	aiClient AIClient
	logger   zerolog.Logger
}

// NewStoryService creates a story service backed by the given model
// client.
func NewStoryService(aiClient AIClient, logger zerolog.Logger) *StoryService {
	return &StoryService{
		aiClient: aiClient,
		logger:   logger.With().Str("component", "story_service").Logger(),
	}
}

// BuildStory runs the full two-phase generation for the given
// preferences and returns a validated, path-indexed story. Both answers
// must be non-blank. Cancelling ctx between the two calls suppresses
// the second call entirely.
func (s *StoryService) BuildStory(ctx context.Context, prefs model.UserPreferences) (*model.CompleteStory, error) {
	if prefs.FavoriteBooks == "" || prefs.WhyLoveBooks == "" {
		return nil, fmt.Errorf("%w: favorite books and reasons are required", ErrFoundationGeneration)
	}

	start := time.Now()
	s.logger.Info().Str("favoriteBooks", prefs.FavoriteBooks).Msg("starting story generation")

	foundation, err := s.generateFoundation(ctx, prefs)
	if err != nil {
		storyFailures.WithLabelValues("foundation").Inc()
		return nil, err
	}

	// The tree call is expensive; skip it when the caller already gave
	// up while the foundation call was running.
	if err := ctx.Err(); err != nil {
		storyFailures.WithLabelValues("cancelled").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTreeGeneration, err)
	}

	story, err := s.generateTree(ctx, foundation, prefs)
	if err != nil {
		storyFailures.WithLabelValues("tree").Inc()
		return nil, err
	}

	if err := validateTreeShape(story); err != nil {
		storyFailures.WithLabelValues("shape").Inc()
		s.logger.Error().Err(err).Str("storyTitle", story.Title).Msg("rejecting malformed story tree")
		return nil, err
	}

	finalizeStory(story, foundation)

	storiesGenerated.Inc()
	generationDuration.Observe(time.Since(start).Seconds())
	s.logger.Info().
		Str("storyId", story.ID).
		Str("storyTitle", story.Title).
		Dur("duration", time.Since(start)).
		Msg("story generation complete")

	return story, nil
}

func (s *StoryService) generateFoundation(ctx context.Context, prefs model.UserPreferences) (model.StoryFoundation, error) {
	var foundation model.StoryFoundation

	prompt := ComposeFoundationPrompt(prefs.FavoriteBooks, prefs.WhyLoveBooks)
	reply, usage, err := s.aiClient.GenerateText(ctx, prompt, foundationParams)
	if err != nil {
		return foundation, fmt.Errorf("%w: %v", ErrFoundationGeneration, err)
	}

	if err := ai.ParseModelJSON(reply, &foundation); err != nil {
		return foundation, fmt.Errorf("%w: %v", ErrFoundationGeneration, err)
	}

	if err := validateFoundation(foundation); err != nil {
		return foundation, fmt.Errorf("%w: %v", ErrFoundationGeneration, err)
	}

	s.logger.Debug().
		Str("title", foundation.Title).
		Str("theme", foundation.Theme).
		Int("totalTokens", usage.TotalTokens).
		Msg("story foundation ready")

	return foundation, nil
}

func (s *StoryService) generateTree(ctx context.Context, foundation model.StoryFoundation, prefs model.UserPreferences) (*model.CompleteStory, error) {
	prompt, err := ComposeTreePrompt(foundation, prefs.FavoriteBooks, prefs.WhyLoveBooks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTreeGeneration, err)
	}

	reply, usage, err := s.aiClient.GenerateText(ctx, prompt, treeParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTreeGeneration, err)
	}

	var story model.CompleteStory
	if err := ai.ParseModelJSON(reply, &story); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTreeGeneration, err)
	}

	s.logger.Debug().
		Int("segments", len(story.Segments)).
		Int("totalTokens", usage.TotalTokens).
		Msg("story tree decoded")

	return &story, nil
}

// validateFoundation checks the required fields of the first-phase
// reply. The model occasionally emits a structurally valid JSON object
// with blank fields; those are generation failures, not shape
// failures.
func validateFoundation(f model.StoryFoundation) error {
	switch {
	case f.Title == "":
		return errors.New("foundation is missing a title")
	case f.Premise == "":
		return errors.New("foundation is missing a premise")
	case f.Protagonist.Name == "":
		return errors.New("foundation is missing a protagonist")
	case f.Protagonist.Role != model.RoleProtagonist:
		return fmt.Errorf("protagonist has role %q", f.Protagonist.Role)
	}
	return nil
}

// validateTreeShape enforces the fixed tree contract: all seven
// segments present exactly once, exactly two choices on the opening and
// development segments, no choices on endings, and every choice leading
// to the expected child. A tree failing any of these is rejected
// outright instead of being served with unreachable paths.
func validateTreeShape(story *model.CompleteStory) error {
	if len(story.Segments) != len(model.SegmentIDs) {
		return fmt.Errorf("%w: got %d segments, want %d", ErrInvalidTreeShape, len(story.Segments), len(model.SegmentIDs))
	}

	byID := make(map[string]*model.StorySegment, len(story.Segments))
	for i := range story.Segments {
		seg := &story.Segments[i]
		if _, dup := byID[seg.ID]; dup {
			return fmt.Errorf("%w: duplicate segment %q", ErrInvalidTreeShape, seg.ID)
		}
		byID[seg.ID] = seg
	}

	expectedChildren := map[string][2]string{
		model.SegmentOpening: {model.SegmentDev2A, model.SegmentDev2B},
		model.SegmentDev2A:   {model.SegmentEnd3A, model.SegmentEnd3B},
		model.SegmentDev2B:   {model.SegmentEnd3C, model.SegmentEnd3D},
	}

	for _, id := range model.SegmentIDs {
		seg, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: missing segment %q", ErrInvalidTreeShape, id)
		}
		if seg.Text == "" {
			return fmt.Errorf("%w: segment %q has no text", ErrInvalidTreeShape, id)
		}

		children, branching := expectedChildren[id]
		if !branching {
			if len(seg.Choices) != 0 {
				return fmt.Errorf("%w: ending %q has choices", ErrInvalidTreeShape, id)
			}
			continue
		}

		if len(seg.Choices) != 2 {
			return fmt.Errorf("%w: segment %q has %d choices, want 2", ErrInvalidTreeShape, id, len(seg.Choices))
		}
		for i, choice := range seg.Choices {
			if choice.LeadTo != children[i] {
				return fmt.Errorf("%w: segment %q choice %d leads to %q, want %q",
					ErrInvalidTreeShape, id, i, choice.LeadTo, children[i])
			}
		}
	}

	return nil
}

// finalizeStory stamps a fresh server-side id, backfills fields the
// tree reply may have dropped, deduplicates the character list and
// builds the path index. The story is valid per validateTreeShape by
// the time this runs, so path construction cannot fail.
func finalizeStory(story *model.CompleteStory, foundation model.StoryFoundation) {
	story.ID = "story_" + uuid.NewString()
	if story.Title == "" {
		story.Title = foundation.Title
	}
	if story.Premise == "" {
		story.Premise = foundation.Premise
	}
	if story.Theme == "" {
		story.Theme = foundation.Theme
	}

	story.Characters = dedupCharacters(story.Characters, foundation)

	for i := range story.Segments {
		seg := &story.Segments[i]
		if len(seg.Choices) == 0 {
			seg.IsEnding = true
		}
	}

	story.AllPossiblePaths = make(map[string][]model.StorySegment, len(model.PathKeys))
	for key, ids := range model.PathKeys {
		path := make([]model.StorySegment, 0, len(ids))
		for _, id := range ids {
			path = append(path, *story.FindSegment(id))
		}
		story.AllPossiblePaths[key] = path
	}
}

// dedupCharacters merges the tree reply's character list with the
// foundation's, keeping the first occurrence of each name. The
// protagonist always comes first.
func dedupCharacters(fromTree []model.Character, foundation model.StoryFoundation) []model.Character {
	seen := make(map[string]bool)
	merged := make([]model.Character, 0, len(fromTree)+1+len(foundation.SupportingCharacters))

	add := func(c model.Character) {
		if c.Name == "" || seen[c.Name] {
			return
		}
		seen[c.Name] = true
		merged = append(merged, c)
	}

	add(foundation.Protagonist)
	for _, c := range fromTree {
		add(c)
	}
	for _, c := range foundation.SupportingCharacters {
		add(c)
	}

	return merged
}

// PathSegments returns the three segments of the given path key.
func PathSegments(story *model.CompleteStory, pathKey string) ([]model.StorySegment, error) {
	segments, ok := story.AllPossiblePaths[pathKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPathNotFound, pathKey)
	}
	return segments, nil
}
