package store

// SessionState is the lifecycle state of a teaching session.
type SessionState string

const (
	SessionActive    SessionState = "ACTIVE"
	SessionPaused    SessionState = "PAUSED"
	SessionCompleted SessionState = "COMPLETED"
	SessionAbandoned SessionState = "ABANDONED"
)

func (s SessionState) String() string {
	return string(s)
}

// TeachingSession represents one learner's run through a lesson plan.
//
// The instructor profile is snapshotted into the session row at creation so a
// mid-session edit of the mutable profile store can never change the
// instructor's identity for an active session.
type TeachingSession struct {
	ID        string
	LearnerID string
	// ProfileID references the source profile; Snapshot is the authoritative
	// copy used for all prompt assembly during the session.
	ProfileID string
	Snapshot  *ProfileSnapshot
	State     SessionState
	CreatedTs int64
	UpdatedTs int64
}

// FindTeachingSession specifies the conditions for finding sessions.
type FindTeachingSession struct {
	ID        *string
	LearnerID *string
	State     *SessionState
	Limit     int
}

// UpdateTeachingSession specifies a partial session update.
type UpdateTeachingSession struct {
	ID        string
	State     *SessionState
	UpdatedTs *int64
}

// DeleteTeachingSession specifies the session to delete. Screen states and
// interactions belonging to the session are removed with it.
type DeleteTeachingSession struct {
	ID string
}
