package model

// Step identifies the variant of the reader-session state machine.
type Step string

const (
	StepWelcome     Step = "welcome"
	StepPreferences Step = "preferences"
	StepGenerating  Step = "generating"
	StepChoice      Step = "choice"
	StepReading     Step = "reading"
	StepError       Step = "error"
)

// State is the step-tagged union rendered by the presentation layer.
// Only the fields valid for the tagged step are ever populated; use the
// constructors below instead of filling the struct by hand, so an
// impossible combination (a choice step without choices, an error step
// with a story) cannot be built.
type State struct {
	Step Step `json:"step"`

	// preferences step
	FavoriteBooks string `json:"favoriteBooks,omitempty"`

	// generating / choice / reading steps
	Preferences *UserPreferences `json:"preferences,omitempty"`
	Story       *ReaderStory     `json:"story,omitempty"`

	// choice step
	Choices []StoryChoice `json:"choices,omitempty"`

	// error step
	Error    string `json:"error,omitempty"`
	CanRetry bool   `json:"canRetry,omitempty"`
}

// WelcomeState is the initial (and post-restart) state.
func WelcomeState() State {
	return State{Step: StepWelcome}
}

// PreferencesState carries the favorite-books answer forward while the
// reader fills in the second question.
func PreferencesState(favoriteBooks string) State {
	return State{Step: StepPreferences, FavoriteBooks: favoriteBooks}
}

// GeneratingState is active while the two-phase generation runs.
func GeneratingState(prefs UserPreferences) State {
	return State{Step: StepGenerating, Preferences: &prefs}
}

// ChoiceState presents the current segment's two options.
func ChoiceState(story *ReaderStory, prefs UserPreferences, choices []StoryChoice) State {
	return State{Step: StepChoice, Story: story, Preferences: &prefs, Choices: choices}
}

// ReadingState is terminal: the reader has reached an ending.
func ReadingState(story *ReaderStory, prefs UserPreferences) State {
	return State{Step: StepReading, Story: story, Preferences: &prefs}
}

// ErrorState surfaces a generation or traversal failure.
func ErrorState(message string, canRetry bool) State {
	return State{Step: StepError, Error: message, CanRetry: canRetry}
}
