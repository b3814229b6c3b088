package store

// ScreenPhase is the progression state of a lesson screen.
//
// Exactly one screen per session may be ACTIVE. A screen may only become
// ACTIVE when all prerequisite screens are COMPLETED. BLOCKED is reversible:
// it records a pending constraint (e.g. cooldown) and clears on the next
// successful start.
type ScreenPhase string

const (
	ScreenLocked    ScreenPhase = "LOCKED"
	ScreenUnlocked  ScreenPhase = "UNLOCKED"
	ScreenActive    ScreenPhase = "ACTIVE"
	ScreenCompleted ScreenPhase = "COMPLETED"
	ScreenBlocked   ScreenPhase = "BLOCKED"
)

func (p ScreenPhase) String() string {
	return string(p)
}

// ScreenType categorizes a lesson screen.
type ScreenType string

const (
	ScreenTypeConcept    ScreenType = "CONCEPT"
	ScreenTypePractice   ScreenType = "PRACTICE"
	ScreenTypeQuiz       ScreenType = "QUIZ"
	ScreenTypeReflection ScreenType = "REFLECTION"
)

// ScreenConstraints are the unlock/rate/time/attempt rules for a screen.
// Zero values mean "not enforced".
type ScreenConstraints struct {
	MinTimeSeconds     int     `json:"min_time_seconds"`
	RequiredAttempts   int     `json:"required_attempts"`
	MasteryThreshold   float64 `json:"mastery_threshold"`
	MaxAttempts        int     `json:"max_attempts"`
	CooldownSeconds    int     `json:"cooldown_seconds"`
	RateLimitPerMinute int     `json:"rate_limit_per_minute"`
	MaxHints           int     `json:"max_hints"`
}

// ScreenProgress accumulates a learner's work on a screen.
type ScreenProgress struct {
	Attempts         int     `json:"attempts"`
	HintsUsed        int     `json:"hints_used"`
	BestScore        float64 `json:"best_score"`
	TimeSpentSeconds int64   `json:"time_spent_seconds"`
	// LastAttemptAt is a unix timestamp; 0 means no attempt yet.
	LastAttemptAt int64 `json:"last_attempt_at"`
	// ActivatedAt is set when the screen enters ACTIVE, for min-time checks.
	ActivatedAt int64 `json:"activated_at"`
}

// ScreenState represents one lesson screen within a session.
type ScreenState struct {
	ID        string
	SessionID string
	Type      ScreenType
	Phase     ScreenPhase
	// Topic and Objective feed the screen-context segment of the prompt.
	Topic     string
	Objective string
	// Concepts are the concept keys this screen practices; committed
	// interactions advance their mastery.
	Concepts []string
	// Prerequisites lists screen IDs that must be COMPLETED before this
	// screen can be started.
	Prerequisites []string
	Constraints   ScreenConstraints
	Progress      ScreenProgress
	CreatedTs     int64
	UpdatedTs     int64
}

// FindScreenState specifies the conditions for finding screen states.
type FindScreenState struct {
	ID        *string
	SessionID *string
	Phase     *ScreenPhase
	Limit     int
}

// UpdateScreenState specifies a partial screen state update.
type UpdateScreenState struct {
	ID        string
	Phase     *ScreenPhase
	Progress  *ScreenProgress
	UpdatedTs *int64
}
