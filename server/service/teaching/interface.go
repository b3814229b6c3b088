package teaching

import (
	"context"

	"github.com/courseloop/courseloop/server/constraint"
	"github.com/courseloop/courseloop/store"
)

// EventType tags one event on a submission stream.
type EventType string

const (
	// EventStarted is always the first event.
	EventStarted EventType = "started"
	// EventChunk carries one piece of the accepted instructor response.
	EventChunk EventType = "chunk"
	// EventValidated reports the validation outcome for the final text.
	EventValidated EventType = "validated"
	// EventCommitted is terminal: the interaction and memory are durable.
	EventCommitted EventType = "committed"
	// EventFallback is terminal: the response was rejected or generation
	// failed, and Text carries the canned safe response.
	EventFallback EventType = "fallback"
	// EventError is terminal: a storage failure aborted the operation. The
	// caller may retry the submission.
	EventError EventType = "error"
)

// Event is one entry on a submission's event stream. For a given stream,
// started precedes any chunk, chunks precede the single validated event, and
// exactly one terminal event follows. A superseded interaction's stream
// simply closes without further events.
type Event struct {
	Type          EventType
	InteractionID string
	Epoch         int64

	// Chunk is set on EventChunk.
	Chunk string
	// Text is the full response on EventCommitted, or the canned safe
	// response on EventFallback. Never empty on those events.
	Text string
	// Violations is set on EventValidated and EventFallback.
	Violations []string
	// Err is set on EventError, and on EventFallback with the rejection or
	// generation failure cause.
	Err error
}

// Hint is a progressive hint for the active screen.
type Hint struct {
	Level          int
	Text           string
	HintsRemaining int
}

// CompletionResult reports the outcome of completing a screen.
type CompletionResult struct {
	MasteryAchieved bool
	// NextScreenID is the screen unlocked by this completion, empty when the
	// lesson plan is exhausted.
	NextScreenID string
	// SessionCompleted is true when every screen in the session is completed.
	SessionCompleted bool
}

// ScreenBlueprint describes one screen of a lesson plan at session creation.
type ScreenBlueprint struct {
	ID            string
	Type          store.ScreenType
	Topic         string
	Objective     string
	Concepts      []string
	Prerequisites []string
	Constraints   store.ScreenConstraints
}

// ScreenOverview pairs a screen with its derived availability.
type ScreenOverview struct {
	Screen       *store.ScreenState
	Availability constraint.Availability
}

// Service is the session orchestrator: the public surface for driving a
// learner through lesson screens.
type Service interface {
	// CreateSession snapshots the instructor profile and materializes the
	// lesson plan. Screens with no prerequisites start unlocked, the rest
	// locked.
	CreateSession(ctx context.Context, learnerID, profileID string, plan []*ScreenBlueprint) (*store.TeachingSession, error)

	// StartScreen activates a screen. Fails when the screen is locked, the
	// session is not active, or another screen is already active.
	StartScreen(ctx context.Context, sessionID, screenID string) (*store.ScreenState, error)

	// SubmitInteraction runs one learner submission through the pipeline and
	// streams events. A submission while a prior one is in flight supersedes
	// it. The returned channel is closed after the terminal event. Cancelling
	// ctx abandons the stream without aborting the commit; the pipeline stops
	// delivering events and drains itself.
	SubmitInteraction(ctx context.Context, sessionID, screenID, interactionID, text string) (<-chan Event, error)

	// RequestHint generates a progressive hint. Hints consume the screen's
	// hint budget but never mutate memory or attempts.
	RequestHint(ctx context.Context, sessionID, screenID string, level int) (*Hint, error)

	// CompleteScreen finishes the active screen and unlocks the next one.
	CompleteScreen(ctx context.Context, sessionID, screenID string) (*CompletionResult, error)

	// SessionOverview lists the session's screens with availability flags.
	SessionOverview(ctx context.Context, sessionID string) ([]*ScreenOverview, error)
}
