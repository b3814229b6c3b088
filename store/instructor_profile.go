package store

// InstructorProfile is the mutable definition of an instructor's teaching
// style. Sessions never read it directly after start; they use the
// ProfileSnapshot captured at session creation.
type InstructorProfile struct {
	ID          string
	DisplayName string
	// Style is the teaching approach, e.g. "socratic", "direct", "encouraging".
	Style string
	// Tone colors phrasing, e.g. "warm", "formal", "playful".
	Tone string
	// Persona is the identity/rules text placed in the system segment of every
	// assembled request.
	Persona string
	// RequireVerification makes the instructor end responses with a question
	// that checks the learner's understanding.
	RequireVerification bool
	CreatedTs           int64
	UpdatedTs           int64
}

// FindInstructorProfile specifies the conditions for finding profiles.
type FindInstructorProfile struct {
	ID    *string
	Limit int
}

// ProfileSnapshot is the immutable per-session copy of an instructor profile.
type ProfileSnapshot struct {
	ProfileID           string `json:"profile_id"`
	DisplayName         string `json:"display_name"`
	Style               string `json:"style"`
	Tone                string `json:"tone"`
	Persona             string `json:"persona"`
	RequireVerification bool   `json:"require_verification"`
	SnappedTs           int64  `json:"snapped_ts"`
}

// Snapshot captures the profile into an immutable value.
func (p *InstructorProfile) Snapshot(ts int64) *ProfileSnapshot {
	return &ProfileSnapshot{
		ProfileID:           p.ID,
		DisplayName:         p.DisplayName,
		Style:               p.Style,
		Tone:                p.Tone,
		Persona:             p.Persona,
		RequireVerification: p.RequireVerification,
		SnappedTs:           ts,
	}
}
