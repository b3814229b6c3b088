package store

// ConceptMastery tracks a learner's mastery of one concept.
type ConceptMastery struct {
	Concept string `json:"concept"`
	// Level advances by one per qualifying committed interaction.
	Level           int   `json:"level"`
	FirstSeenTs     int64 `json:"first_seen_ts"`
	LastPracticedTs int64 `json:"last_practiced_ts"`
}

// Misconception records a persistent misunderstanding and the correction work
// spent on it.
type Misconception struct {
	Concept            string `json:"concept"`
	Description        string `json:"description"`
	Resolved           bool   `json:"resolved"`
	CorrectionAttempts int    `json:"correction_attempts"`
	FirstSeenTs        int64  `json:"first_seen_ts"`
	LastSeenTs         int64  `json:"last_seen_ts"`
}

// ProgressMarker is a coarse milestone in the learner's journey.
type ProgressMarker struct {
	Label string `json:"label"`
	Ts    int64  `json:"ts"`
}

// LearnerMemory is the long-term record of what a learner knows. It is
// mutated only by the insight updater, and only for committed interactions.
// AppliedInteractions is the idempotency set: an interaction id folds into
// memory at most once.
type LearnerMemory struct {
	LearnerID           string                    `json:"learner_id"`
	Concepts            map[string]ConceptMastery `json:"concepts"`
	Misconceptions      map[string]Misconception  `json:"misconceptions"`
	Strengths           []string                  `json:"strengths"`
	Weaknesses          []string                  `json:"weaknesses"`
	ProgressMarkers     []ProgressMarker          `json:"progress_markers"`
	AppliedInteractions map[string]bool           `json:"applied_interactions"`
	UpdatedTs           int64                     `json:"updated_ts"`
}

// NewLearnerMemory returns an empty memory for a learner.
func NewLearnerMemory(learnerID string) *LearnerMemory {
	return &LearnerMemory{
		LearnerID:           learnerID,
		Concepts:            map[string]ConceptMastery{},
		Misconceptions:      map[string]Misconception{},
		AppliedInteractions: map[string]bool{},
	}
}

// Clone returns a deep copy. The insight updater is a pure function; callers
// clone before folding so a failed commit leaves the loaded memory untouched.
func (m *LearnerMemory) Clone() *LearnerMemory {
	out := &LearnerMemory{
		LearnerID:           m.LearnerID,
		Concepts:            make(map[string]ConceptMastery, len(m.Concepts)),
		Misconceptions:      make(map[string]Misconception, len(m.Misconceptions)),
		Strengths:           append([]string(nil), m.Strengths...),
		Weaknesses:          append([]string(nil), m.Weaknesses...),
		ProgressMarkers:     append([]ProgressMarker(nil), m.ProgressMarkers...),
		AppliedInteractions: make(map[string]bool, len(m.AppliedInteractions)),
		UpdatedTs:           m.UpdatedTs,
	}
	for k, v := range m.Concepts {
		out.Concepts[k] = v
	}
	for k, v := range m.Misconceptions {
		out.Misconceptions[k] = v
	}
	for k := range m.AppliedInteractions {
		out.AppliedInteractions[k] = true
	}
	return out
}
