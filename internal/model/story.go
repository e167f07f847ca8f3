package model

// CharacterRole describes the narrative function of a character.
type CharacterRole string

const (
	RoleProtagonist CharacterRole = "protagonist"
	RoleAlly        CharacterRole = "ally"
	RoleMentor      CharacterRole = "mentor"
	RoleAntagonist  CharacterRole = "antagonist"
	RoleSidekick    CharacterRole = "sidekick"
)

// ChoiceImpact describes how strongly a choice bends the story.
type ChoiceImpact string

const (
	ImpactMajor ChoiceImpact = "major"
	ImpactMinor ChoiceImpact = "minor"
)

// JSON tags below follow the schema the model is prompted to emit
// (camelCase), so the decoded reply maps straight onto these structs.

// Character is created once during foundation generation and never
// mutated afterwards; segments reference the same characters through
// their context.
type Character struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Personality []string      `json:"personality"`
	Role        CharacterRole `json:"role"`
}

// StoryContext carries the narrative metadata of a single segment as of
// that segment. The model is trusted to keep it coherent across paths.
type StoryContext struct {
	Setting        string      `json:"setting"`
	TimeOfDay      string      `json:"timeOfDay"`
	Mood           string      `json:"mood"`
	Theme          string      `json:"theme"`
	PreviousEvents []string    `json:"previousEvents"`
	Characters     []Character `json:"characters"`
}

// StoryChoice is one of the two options offered by a non-terminal
// segment. LeadTo is a weak reference that must resolve to a segment id
// within the same tree.
type StoryChoice struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	Consequence string       `json:"consequence"`
	LeadTo      string       `json:"leadTo"`
	Impact      ChoiceImpact `json:"impact"`
}

// StorySegment is one unit of story text plus its context and outgoing
// choices. A segment with no choices, or explicitly marked as an
// ending, is terminal.
type StorySegment struct {
	ID              string        `json:"id"`
	Text            string        `json:"text"`
	Context         StoryContext  `json:"context"`
	Choices         []StoryChoice `json:"choices,omitempty"`
	IsEnding        bool          `json:"isEnding,omitempty"`
	BackgroundScene string        `json:"backgroundScene,omitempty"`
}

// IsTerminal reports whether the segment ends a reading path.
func (s *StorySegment) IsTerminal() bool {
	return s.IsEnding || len(s.Choices) == 0
}

// Fixed segment ids of the depth-3 binary tree: one opening, two
// developments, four endings.
const (
	SegmentOpening = "segment_1"
	SegmentDev2A   = "segment_2a"
	SegmentDev2B   = "segment_2b"
	SegmentEnd3A   = "segment_3a"
	SegmentEnd3B   = "segment_3b"
	SegmentEnd3C   = "segment_3c"
	SegmentEnd3D   = "segment_3d"
)

// SegmentIDs lists every id the generated tree must contain, in reading
// order.
var SegmentIDs = []string{
	SegmentOpening,
	SegmentDev2A, SegmentDev2B,
	SegmentEnd3A, SegmentEnd3B, SegmentEnd3C, SegmentEnd3D,
}

// Path keys of the four root-to-leaf routes: first-choice letter,
// then second-choice letter.
const (
	PathAA = "1a-a"
	PathAB = "1a-b"
	PathBC = "1b-c"
	PathBD = "1b-d"
)

// PathKeys maps each path key to the three segment ids it traverses.
var PathKeys = map[string][3]string{
	PathAA: {SegmentOpening, SegmentDev2A, SegmentEnd3A},
	PathAB: {SegmentOpening, SegmentDev2A, SegmentEnd3B},
	PathBC: {SegmentOpening, SegmentDev2B, SegmentEnd3C},
	PathBD: {SegmentOpening, SegmentDev2B, SegmentEnd3D},
}

// StoryFoundation is the first-phase generation output. The tree prompt
// embeds it verbatim so character names and traits stay consistent
// across the second call.
type StoryFoundation struct {
	Title                string      `json:"title"`
	Premise              string      `json:"premise"`
	Theme                string      `json:"theme"`
	Protagonist          Character   `json:"protagonist"`
	SupportingCharacters []Character `json:"supportingCharacters"`
	Setting              string      `json:"setting"`
	CentralConflict      string      `json:"centralConflict"`
	BackgroundScene      string      `json:"backgroundScene"`
}

// CompleteStory is the full generation output: all seven segments plus
// the pre-computed index of the four reading paths. It exclusively owns
// its segment and character lists for the lifetime of one generation.
type CompleteStory struct {
	ID               string                    `json:"id"`
	Title            string                    `json:"title"`
	Premise          string                    `json:"premise"`
	Characters       []Character               `json:"characters"`
	Theme            string                    `json:"theme"`
	Segments         []StorySegment            `json:"segments"`
	AllPossiblePaths map[string][]StorySegment `json:"allPossiblePaths"`
}

// FindSegment returns the segment with the given id, or nil.
func (s *CompleteStory) FindSegment(id string) *StorySegment {
	for i := range s.Segments {
		if s.Segments[i].ID == id {
			return &s.Segments[i]
		}
	}
	return nil
}

// ReaderStory is the per-session reading state: the segments visited so
// far plus append-only logs of the choices taken. It holds read-only
// references into the CompleteStory's segments and never mutates them.
type ReaderStory struct {
	ID                  string         `json:"id"`
	Title               string         `json:"title"`
	Premise             string         `json:"premise"`
	Characters          []Character    `json:"characters"`
	Theme               string         `json:"theme"`
	Segments            []StorySegment `json:"segments"`
	CurrentSegmentIndex int            `json:"currentSegmentIndex"`
	UserChoices         []string       `json:"userChoices"`
	ChosenPath          []string       `json:"chosenPath"`
}

// Clone returns a copy that is safe to read while the original keeps
// advancing. The slices are copied; the segments themselves are never
// mutated after generation, so element sharing is fine.
func (s *ReaderStory) Clone() *ReaderStory {
	if s == nil {
		return nil
	}
	c := *s
	c.Segments = append([]StorySegment(nil), s.Segments...)
	c.UserChoices = append([]string(nil), s.UserChoices...)
	c.ChosenPath = append([]string(nil), s.ChosenPath...)
	return &c
}

// CurrentSegment returns the segment the reader is on, or nil for an
// empty story.
func (s *ReaderStory) CurrentSegment() *StorySegment {
	if s.CurrentSegmentIndex < 0 || s.CurrentSegmentIndex >= len(s.Segments) {
		return nil
	}
	return &s.Segments[s.CurrentSegmentIndex]
}

// UserPreferences is the pair of free-text answers that seeds a
// generation.
type UserPreferences struct {
	FavoriteBooks string `json:"favoriteBooks"`
	WhyLoveBooks  string `json:"whyLoveBooks"`
}

// GenerateStoryRequest is the wire request of the generation endpoint.
type GenerateStoryRequest struct {
	FavoriteBooks string `json:"favoriteBooks"`
	WhyLoveBooks  string `json:"whyLoveBooks"`
}

// GenerateStoryResponse is the wire response of the generation
// endpoint.
type GenerateStoryResponse struct {
	Success bool           `json:"success"`
	Story   *CompleteStory `json:"story,omitempty"`
	Error   string         `json:"error,omitempty"`
}
