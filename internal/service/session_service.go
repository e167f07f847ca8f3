package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storybranch-server/internal/model"
	"storybranch-server/pkg/taskmanager"
)

var (
	// ErrSessionNotFound means the session id is unknown or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidTransition means the requested operation is not valid
	// in the session's current step.
	ErrInvalidTransition = errors.New("operation not valid in current step")
)

// Session is one reader's traversal through the state machine. All
// mutation happens under the owning service's lock.
type Session struct {
	ID        string
	State     model.State
	Story     *model.CompleteStory
	Prefs     model.UserPreferences
	TaskID    uuid.UUID
	UpdatedAt time.Time
}

// SessionService holds reader sessions in memory and drives each one
// through welcome, preferences, generating, choice and reading.
// Generation runs asynchronously through the task manager; state
// transitions are pushed to the session's WebSocket connections.
type SessionService struct {
	stories  *StoryService
	tasks    taskmanager.ITaskManager
	notifier taskmanager.WebSocketNotifier
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewSessionService creates the session registry. notifier may be nil
// in tests; state updates are then simply not pushed.
func NewSessionService(stories *StoryService, tasks taskmanager.ITaskManager, notifier taskmanager.WebSocketNotifier, ttl time.Duration, logger zerolog.Logger) *SessionService {
	return &SessionService{
		stories:  stories,
		tasks:    tasks,
		notifier: notifier,
		logger:   logger.With().Str("component", "session_service").Logger(),
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

// CreateSession opens a new session in the welcome step.
func (s *SessionService) CreateSession() *Session {
	session := &Session{
		ID:        uuid.NewString(),
		State:     model.WelcomeState(),
		UpdatedAt: time.Now(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	activeSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	s.logger.Info().Str("sessionID", session.ID).Msg("session created")
	return session
}

// State returns the current state of a session.
func (s *SessionService) State(sessionID string) (model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return model.State{}, ErrSessionNotFound
	}
	return snapshotState(session.State), nil
}

// SubmitBooks records the favorite-books answer and moves the session
// to the preferences step. A blank answer is ignored and the session
// stays where it is.
func (s *SessionService) SubmitBooks(sessionID, favoriteBooks string) (model.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return model.State{}, ErrSessionNotFound
	}
	if session.State.Step != model.StepWelcome {
		return model.State{}, fmt.Errorf("%w: step %s", ErrInvalidTransition, session.State.Step)
	}

	if strings.TrimSpace(favoriteBooks) == "" {
		return snapshotState(session.State), nil
	}

	session.Prefs.FavoriteBooks = favoriteBooks
	s.transition(session, model.PreferencesState(favoriteBooks))
	return snapshotState(session.State), nil
}

// SubmitPreferences records the second answer and kicks off the
// asynchronous two-phase generation. A blank answer is ignored.
func (s *SessionService) SubmitPreferences(sessionID, whyLoveBooks string) (model.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return model.State{}, ErrSessionNotFound
	}
	if session.State.Step != model.StepPreferences {
		return model.State{}, fmt.Errorf("%w: step %s", ErrInvalidTransition, session.State.Step)
	}

	if strings.TrimSpace(whyLoveBooks) == "" {
		return snapshotState(session.State), nil
	}

	session.Prefs.WhyLoveBooks = whyLoveBooks
	if err := s.startGeneration(session); err != nil {
		return model.State{}, err
	}
	return snapshotState(session.State), nil
}

// Retry acknowledges a retryable failure and resets the session to
// welcome. Generation is not resumed: the foundation and tree phases
// are coupled, so the reader starts over from the first question.
func (s *SessionService) Retry(sessionID string) (model.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return model.State{}, ErrSessionNotFound
	}
	if session.State.Step != model.StepError || !session.State.CanRetry {
		return model.State{}, fmt.Errorf("%w: step %s", ErrInvalidTransition, session.State.Step)
	}

	session.Story = nil
	session.Prefs = model.UserPreferences{}
	s.transition(session, model.WelcomeState())
	return snapshotState(session.State), nil
}

// Restart aborts whatever the session is doing and returns it to the
// welcome step. An in-flight generation task is cancelled; its late
// result, if any, is discarded.
func (s *SessionService) Restart(sessionID string) (model.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return model.State{}, ErrSessionNotFound
	}

	if session.TaskID != uuid.Nil {
		if err := s.tasks.CancelTask(session.TaskID); err == nil {
			s.logger.Info().Str("sessionID", session.ID).Str("taskID", session.TaskID.String()).Msg("cancelled in-flight generation")
		}
		session.TaskID = uuid.Nil
	}

	session.Story = nil
	session.Prefs = model.UserPreferences{}
	s.transition(session, model.WelcomeState())
	return snapshotState(session.State), nil
}

// SelectChoice advances the reader along the chosen branch. The choice
// id must belong to the current segment; the segment it leads to must
// exist in the tree, which shape validation already guaranteed.
func (s *SessionService) SelectChoice(sessionID, choiceID string) (model.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return model.State{}, ErrSessionNotFound
	}
	if session.State.Step != model.StepChoice || session.State.Story == nil {
		return model.State{}, fmt.Errorf("%w: step %s", ErrInvalidTransition, session.State.Step)
	}

	reader := session.State.Story
	current := reader.CurrentSegment()
	if current == nil {
		return model.State{}, fmt.Errorf("%w: reader has no current segment", ErrInvalidTransition)
	}

	var chosen *model.StoryChoice
	for i := range current.Choices {
		if current.Choices[i].ID == choiceID {
			chosen = &current.Choices[i]
			break
		}
	}
	if chosen == nil {
		return model.State{}, fmt.Errorf("%w: choice %q not on segment %q", ErrPathNotFound, choiceID, current.ID)
	}

	// Shape validation guaranteed every leadTo resolves; failing here
	// means builder and validator disagree, which ends the session but
	// not the process.
	next := session.Story.FindSegment(chosen.LeadTo)
	if next == nil {
		s.transition(session, model.ErrorState("Story path not found", true))
		return snapshotState(session.State), fmt.Errorf("%w: segment %q", ErrPathNotFound, chosen.LeadTo)
	}

	reader.Segments = append(reader.Segments, *next)
	reader.CurrentSegmentIndex = len(reader.Segments) - 1
	reader.UserChoices = append(reader.UserChoices, chosen.Text)
	reader.ChosenPath = append(reader.ChosenPath, next.ID)

	if next.IsTerminal() {
		s.transition(session, model.ReadingState(reader, session.Prefs))
	} else {
		s.transition(session, model.ChoiceState(reader, session.Prefs, next.Choices))
	}
	return snapshotState(session.State), nil
}

// startGeneration moves the session to generating and submits the
// model pipeline to the task manager. Caller holds the lock.
func (s *SessionService) startGeneration(session *Session) error {
	prefs := session.Prefs

	taskID, err := s.tasks.SubmitTaskWithOwner(context.Background(), func(ctx context.Context, _ interface{}) (interface{}, error) {
		return s.stories.BuildStory(ctx, prefs)
	}, nil, session.ID)
	if err != nil {
		return fmt.Errorf("failed to start generation: %w", err)
	}

	session.TaskID = taskID
	s.transition(session, model.GeneratingState(prefs))

	if err := s.tasks.RegisterCallback(taskID, func(task *taskmanager.Task) {
		s.onGenerationDone(session.ID, task)
	}); err != nil {
		s.logger.Warn().Err(err).Str("taskID", taskID.String()).Msg("could not register completion callback")
	}

	return nil
}

// onGenerationDone applies a finished generation task to its session.
// Late results of a task the session no longer waits for (restart
// happened meanwhile) are dropped.
func (s *SessionService) onGenerationDone(sessionID string, task *taskmanager.Task) {
	if task.Status != taskmanager.TaskStatusCompleted &&
		task.Status != taskmanager.TaskStatusFailed &&
		task.Status != taskmanager.TaskStatusCancelled {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.TaskID != task.ID {
		return
	}
	session.TaskID = uuid.Nil

	switch task.Status {
	case taskmanager.TaskStatusCompleted:
		story, ok := task.Result.(*model.CompleteStory)
		if !ok {
			s.transition(session, model.ErrorState("Story generation produced an unexpected result.", true))
			return
		}
		session.Story = story

		// The chosen path records segments reached through choices, so
		// the opening is not part of it.
		opening := story.FindSegment(model.SegmentOpening)
		reader := &model.ReaderStory{
			ID:                  story.ID,
			Title:               story.Title,
			Premise:             story.Premise,
			Characters:          story.Characters,
			Theme:               story.Theme,
			Segments:            []model.StorySegment{*opening},
			CurrentSegmentIndex: 0,
			UserChoices:         []string{},
			ChosenPath:          []string{},
		}
		if opening.IsTerminal() {
			s.transition(session, model.ReadingState(reader, session.Prefs))
		} else {
			s.transition(session, model.ChoiceState(reader, session.Prefs, opening.Choices))
		}

	case taskmanager.TaskStatusFailed:
		s.logger.Error().Err(task.Error).Str("sessionID", sessionID).Msg("story generation failed")
		s.transition(session, model.ErrorState(userFacingError(task.Error), true))

	case taskmanager.TaskStatusCancelled:
		// Restart already moved the session; nothing to apply.
	}
}

// transition swaps the session state and pushes it to the session's
// sockets. Caller holds the lock.
func (s *SessionService) transition(session *Session, next model.State) {
	session.State = next
	session.UpdatedAt = time.Now()

	s.logger.Debug().Str("sessionID", session.ID).Str("step", string(next.Step)).Msg("session transitioned")

	if s.notifier != nil {
		// The manager marshals the payload outside this lock, so it
		// gets its own copy.
		s.notifier.SendToSession(session.ID, "state_update", "stories", snapshotState(next))
	}
}

// snapshotState copies the parts of a state that later transitions
// mutate, so callers can read it outside the session lock.
func snapshotState(st model.State) model.State {
	st.Story = st.Story.Clone()
	if st.Choices != nil {
		st.Choices = append([]model.StoryChoice(nil), st.Choices...)
	}
	return st
}

// userFacingError maps pipeline errors to the message shown to the
// reader. Raw model errors never reach the client.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTreeShape):
		return "The story came out tangled. Let's try spinning it again."
	case errors.Is(err, ErrFoundationGeneration), errors.Is(err, ErrTreeGeneration):
		return "We couldn't finish your story this time. Please try again."
	default:
		return "Something went wrong while creating your story. Please try again."
	}
}

// StartJanitor evicts idle sessions every interval until ctx ends.
func (s *SessionService) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evictIdle()
			}
		}
	}()
}

func (s *SessionService) evictIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.ttl)
	evicted := 0
	for id, session := range s.sessions {
		if session.UpdatedAt.Before(cutoff) && session.TaskID == uuid.Nil {
			delete(s.sessions, id)
			evicted++
		}
	}
	activeSessions.Set(float64(len(s.sessions)))

	if evicted > 0 {
		s.logger.Info().Int("evicted", evicted).Int("remaining", len(s.sessions)).Msg("idle sessions evicted")
	}
}
