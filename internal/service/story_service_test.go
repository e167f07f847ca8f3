package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"storybranch-server/internal/mocks"
	"storybranch-server/internal/model"
	"storybranch-server/pkg/ai"
)

var _ AIClient = (*mocks.MockAIClient)(nil)

func testPrefs() model.UserPreferences {
	return model.UserPreferences{
		FavoriteBooks: "Harry Potter and the Sorcerer's Stone",
		WhyLoveBooks:  "I love the magic and the friendships",
	}
}

func testFoundation() model.StoryFoundation {
	return model.StoryFoundation{
		Title:   "The Whispering Library",
		Premise: "Mira finds a library where books whisper secrets. One night, a book whispers her name.",
		Theme:   "courage",
		Protagonist: model.Character{
			Name:        "Mira",
			Description: "A curious girl with ink-stained fingers",
			Personality: []string{"curious", "brave", "kind"},
			Role:        model.RoleProtagonist,
		},
		SupportingCharacters: []model.Character{
			{
				Name:        "Professor Quill",
				Description: "An old librarian who speaks in riddles",
				Personality: []string{"wise", "mysterious"},
				Role:        model.RoleMentor,
			},
		},
		Setting:         "An ancient library between two hills",
		CentralConflict: "The library's stories are fading and only Mira can hear them",
		BackgroundScene: "Towering bookshelves lit by floating candles",
	}
}

func testSegment(id, leftChild, rightChild string) model.StorySegment {
	seg := model.StorySegment{
		ID:   id,
		Text: "Segment " + id + " text goes here.",
		Context: model.StoryContext{
			Setting:   "The library",
			TimeOfDay: "night",
			Mood:      "wonder",
			Theme:     "courage",
		},
	}
	if leftChild != "" {
		seg.Choices = []model.StoryChoice{
			{ID: "choice_" + id + "_a", Text: "Go left", Consequence: "left path", LeadTo: leftChild, Impact: model.ImpactMajor},
			{ID: "choice_" + id + "_b", Text: "Go right", Consequence: "right path", LeadTo: rightChild, Impact: model.ImpactMajor},
		}
	}
	return seg
}

func testTree() model.CompleteStory {
	f := testFoundation()
	return model.CompleteStory{
		Title:   f.Title,
		Premise: f.Premise,
		Theme:   f.Theme,
		Characters: []model.Character{
			f.Protagonist,
			// Duplicate entry the pipeline must collapse.
			f.Protagonist,
			f.SupportingCharacters[0],
		},
		Segments: []model.StorySegment{
			testSegment(model.SegmentOpening, model.SegmentDev2A, model.SegmentDev2B),
			testSegment(model.SegmentDev2A, model.SegmentEnd3A, model.SegmentEnd3B),
			testSegment(model.SegmentDev2B, model.SegmentEnd3C, model.SegmentEnd3D),
			testSegment(model.SegmentEnd3A, "", ""),
			testSegment(model.SegmentEnd3B, "", ""),
			testSegment(model.SegmentEnd3C, "", ""),
			testSegment(model.SegmentEnd3D, "", ""),
		},
	}
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

// expectTwoPhases wires the mock to answer the foundation and tree
// calls, distinguished by their sampling parameters.
func expectTwoPhases(t *testing.T, aiClient *mocks.MockAIClient, foundationReply, treeReply string) {
	t.Helper()
	aiClient.On("GenerateText", mock.Anything, mock.Anything, foundationParams).
		Return(foundationReply, ai.Usage{}, nil).Once()
	aiClient.On("GenerateText", mock.Anything, mock.Anything, treeParams).
		Return(treeReply, ai.Usage{}, nil).Once()
}

func newTestStoryService(t *testing.T) (*StoryService, *mocks.MockAIClient) {
	t.Helper()
	aiClient := mocks.NewMockAIClient(t)
	return NewStoryService(aiClient, zerolog.Nop()), aiClient
}

func TestBuildStory(t *testing.T) {
	svc, aiClient := newTestStoryService(t)
	expectTwoPhases(t, aiClient, mustJSON(t, testFoundation()), mustJSON(t, testTree()))

	story, err := svc.BuildStory(context.Background(), testPrefs())
	require.NoError(t, err)

	assert.Regexp(t, `^story_`, story.ID)
	assert.Equal(t, "The Whispering Library", story.Title)
	assert.Len(t, story.Segments, 7)

	// Duplicate protagonist entries collapse to one.
	assert.Len(t, story.Characters, 2)
	assert.Equal(t, "Mira", story.Characters[0].Name)

	require.Len(t, story.AllPossiblePaths, 4)
	for _, key := range []string{model.PathAA, model.PathAB, model.PathBC, model.PathBD} {
		path := story.AllPossiblePaths[key]
		require.Len(t, path, 3, "path %s", key)
		assert.Equal(t, model.SegmentOpening, path[0].ID)
	}
	assert.Equal(t, model.SegmentEnd3A, story.AllPossiblePaths[model.PathAA][2].ID)
	assert.Equal(t, model.SegmentEnd3D, story.AllPossiblePaths[model.PathBD][2].ID)

	// Endings are marked terminal even when the model leaves the flag out.
	for _, id := range []string{model.SegmentEnd3A, model.SegmentEnd3B, model.SegmentEnd3C, model.SegmentEnd3D} {
		assert.True(t, story.FindSegment(id).IsTerminal(), "segment %s", id)
	}

	aiClient.AssertExpectations(t)
}

func TestBuildStoryMissingPreferences(t *testing.T) {
	svc, aiClient := newTestStoryService(t)

	_, err := svc.BuildStory(context.Background(), model.UserPreferences{FavoriteBooks: "Matilda"})
	assert.ErrorIs(t, err, ErrFoundationGeneration)
	aiClient.AssertNumberOfCalls(t, "GenerateText", 0)
}

func TestBuildStoryFoundationCallFails(t *testing.T) {
	svc, aiClient := newTestStoryService(t)
	aiClient.On("GenerateText", mock.Anything, mock.Anything, foundationParams).
		Return("", ai.Usage{}, assert.AnError).Once()

	_, err := svc.BuildStory(context.Background(), testPrefs())
	assert.ErrorIs(t, err, ErrFoundationGeneration)
	aiClient.AssertNumberOfCalls(t, "GenerateText", 1)
}

func TestBuildStoryFoundationMalformed(t *testing.T) {
	svc, aiClient := newTestStoryService(t)
	aiClient.On("GenerateText", mock.Anything, mock.Anything, foundationParams).
		Return("I would love to help, but first let me explain", ai.Usage{}, nil).Once()

	_, err := svc.BuildStory(context.Background(), testPrefs())
	assert.ErrorIs(t, err, ErrFoundationGeneration)
}

func TestBuildStoryFoundationMissingProtagonist(t *testing.T) {
	svc, aiClient := newTestStoryService(t)
	f := testFoundation()
	f.Protagonist = model.Character{}
	aiClient.On("GenerateText", mock.Anything, mock.Anything, foundationParams).
		Return(mustJSON(t, f), ai.Usage{}, nil).Once()

	_, err := svc.BuildStory(context.Background(), testPrefs())
	assert.ErrorIs(t, err, ErrFoundationGeneration)
}

func TestBuildStoryTreeCallFails(t *testing.T) {
	svc, aiClient := newTestStoryService(t)
	aiClient.On("GenerateText", mock.Anything, mock.Anything, foundationParams).
		Return(mustJSON(t, testFoundation()), ai.Usage{}, nil).Once()
	aiClient.On("GenerateText", mock.Anything, mock.Anything, treeParams).
		Return("", ai.Usage{}, assert.AnError).Once()

	_, err := svc.BuildStory(context.Background(), testPrefs())
	assert.ErrorIs(t, err, ErrTreeGeneration)
}

func TestBuildStoryCancelledBetweenPhases(t *testing.T) {
	svc, aiClient := newTestStoryService(t)
	ctx, cancel := context.WithCancel(context.Background())

	aiClient.On("GenerateText", mock.Anything, mock.Anything, foundationParams).
		Run(func(mock.Arguments) { cancel() }).
		Return(mustJSON(t, testFoundation()), ai.Usage{}, nil).Once()

	_, err := svc.BuildStory(ctx, testPrefs())
	assert.ErrorIs(t, err, ErrTreeGeneration)
	aiClient.AssertNumberOfCalls(t, "GenerateText", 1)
}

func TestBuildStoryRejectsBadTreeShapes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.CompleteStory)
	}{
		{
			name: "missing ending",
			mutate: func(s *model.CompleteStory) {
				s.Segments = s.Segments[:6]
			},
		},
		{
			name: "duplicate segment id",
			mutate: func(s *model.CompleteStory) {
				s.Segments[6].ID = model.SegmentEnd3A
			},
		},
		{
			name: "opening with one choice",
			mutate: func(s *model.CompleteStory) {
				s.Segments[0].Choices = s.Segments[0].Choices[:1]
			},
		},
		{
			name: "choice leads to wrong segment",
			mutate: func(s *model.CompleteStory) {
				s.Segments[1].Choices[0].LeadTo = model.SegmentEnd3D
			},
		},
		{
			name: "ending with choices",
			mutate: func(s *model.CompleteStory) {
				s.Segments[3].Choices = []model.StoryChoice{{ID: "extra", LeadTo: model.SegmentOpening}}
			},
		},
		{
			name: "segment without text",
			mutate: func(s *model.CompleteStory) {
				s.Segments[4].Text = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, aiClient := newTestStoryService(t)
			tree := testTree()
			tt.mutate(&tree)
			expectTwoPhases(t, aiClient, mustJSON(t, testFoundation()), mustJSON(t, tree))

			_, err := svc.BuildStory(context.Background(), testPrefs())
			assert.ErrorIs(t, err, ErrInvalidTreeShape)
		})
	}
}

func TestPathSegments(t *testing.T) {
	svc, aiClient := newTestStoryService(t)
	expectTwoPhases(t, aiClient, mustJSON(t, testFoundation()), mustJSON(t, testTree()))

	story, err := svc.BuildStory(context.Background(), testPrefs())
	require.NoError(t, err)

	segments, err := PathSegments(story, model.PathBC)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentDev2B, segments[1].ID)

	_, err = PathSegments(story, "2a-x")
	assert.ErrorIs(t, err, ErrPathNotFound)
}
