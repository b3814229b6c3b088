package store

// InteractionState is the lifecycle state of one learner submission.
// COMMITTED, CANCELLED and FAILED are terminal.
type InteractionState string

const (
	InteractionPending      InteractionState = "PENDING"
	InteractionGenerating   InteractionState = "GENERATING"
	InteractionValidating   InteractionState = "VALIDATING"
	InteractionRegenerating InteractionState = "REGENERATING"
	InteractionCommitted    InteractionState = "COMMITTED"
	InteractionCancelled    InteractionState = "CANCELLED"
	InteractionFailed       InteractionState = "FAILED"
)

func (s InteractionState) String() string {
	return string(s)
}

// IsTerminal reports whether the state admits no further transitions.
func (s InteractionState) IsTerminal() bool {
	switch s {
	case InteractionCommitted, InteractionCancelled, InteractionFailed:
		return true
	}
	return false
}

// Interaction represents one learner submission and its generation/validation
// lifecycle. It is the unit of idempotency and cancellation: an id is never
// reused, and memory mutations are keyed by it.
type Interaction struct {
	ID        string
	SessionID string
	ScreenID  string
	// Epoch is the session-scoped generation counter assigned at admission.
	// A result whose epoch no longer matches the session's current epoch is
	// stale and must be discarded.
	Epoch      int64
	Input      string
	State      InteractionState
	ResultText string
	// Violations holds validator check ids that fired, in tier order.
	Violations []string
	CreatedTs  int64
	UpdatedTs  int64
}

// FindInteraction specifies the conditions for finding interactions.
type FindInteraction struct {
	ID        *string
	SessionID *string
	ScreenID  *string
	State     *InteractionState
	Limit     int
	Offset    int
}

// UpdateInteraction specifies a partial interaction update. Used for
// non-terminal transitions and for cancellation; committed and failed
// outcomes go through CommitInteraction so they share a commit boundary with
// memory and progress writes.
type UpdateInteraction struct {
	ID         string
	State      *InteractionState
	ResultText *string
	Violations []string
	UpdatedTs  *int64
}

// InteractionCommit is the atomic terminal write for an interaction: the
// terminal interaction state, the updated screen progress, and (for committed
// interactions only) the updated learner memory become durable together.
type InteractionCommit struct {
	Interaction *Interaction
	Screen      *ScreenState
	// Memory is nil when the interaction failed; rejected responses must not
	// mutate learner memory.
	Memory *LearnerMemory
}
