package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that a store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate brings the schema up to date.
	Migrate(ctx context.Context) error

	// TeachingSession model related methods.
	CreateTeachingSession(ctx context.Context, create *TeachingSession) (*TeachingSession, error)
	// CreateSessionPlan writes the session together with its screens in one
	// transaction. Either the whole lesson plan becomes durable or nothing
	// does.
	CreateSessionPlan(ctx context.Context, session *TeachingSession, screens []*ScreenState) error
	ListTeachingSessions(ctx context.Context, find *FindTeachingSession) ([]*TeachingSession, error)
	UpdateTeachingSession(ctx context.Context, update *UpdateTeachingSession) (*TeachingSession, error)
	DeleteTeachingSession(ctx context.Context, delete *DeleteTeachingSession) error
	// CleanupAbandonedSessions removes abandoned sessions last touched before
	// the cutoff, along with their screens and interactions.
	CleanupAbandonedSessions(ctx context.Context, beforeTs int64) (int64, error)

	// ScreenState model related methods.
	CreateScreenState(ctx context.Context, create *ScreenState) (*ScreenState, error)
	ListScreenStates(ctx context.Context, find *FindScreenState) ([]*ScreenState, error)
	UpdateScreenState(ctx context.Context, update *UpdateScreenState) (*ScreenState, error)

	// Interaction model related methods. Committed and failed outcomes must
	// go through CommitInteraction; UpdateInteraction serves in-flight
	// transitions and cancellation, which carry no screen or memory writes.
	CreateInteraction(ctx context.Context, create *Interaction) (*Interaction, error)
	ListInteractions(ctx context.Context, find *FindInteraction) ([]*Interaction, error)
	UpdateInteraction(ctx context.Context, update *UpdateInteraction) (*Interaction, error)

	// CommitInteraction applies the terminal interaction state, the screen
	// progress, and the learner memory (when present) in a single
	// transaction. Either everything becomes durable or nothing does.
	CommitInteraction(ctx context.Context, commit *InteractionCommit) error

	// LearnerMemory model related methods.
	GetLearnerMemory(ctx context.Context, learnerID string) (*LearnerMemory, error)
	UpsertLearnerMemory(ctx context.Context, memory *LearnerMemory) (*LearnerMemory, error)

	// InstructorProfile model related methods.
	CreateInstructorProfile(ctx context.Context, create *InstructorProfile) (*InstructorProfile, error)
	ListInstructorProfiles(ctx context.Context, find *FindInstructorProfile) ([]*InstructorProfile, error)
	UpdateInstructorProfile(ctx context.Context, update *UpdateInstructorProfile) (*InstructorProfile, error)
}

// UpdateInstructorProfile specifies a partial profile update. Active sessions
// are unaffected: they hold their own snapshot.
type UpdateInstructorProfile struct {
	ID                  string
	DisplayName         *string
	Style               *string
	Tone                *string
	Persona             *string
	RequireVerification *bool
	UpdatedTs           *int64
}
