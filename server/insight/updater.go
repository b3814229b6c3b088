// Package insight derives learning insights from committed interactions and
// folds them into learner memory. Update is a pure function: it never touches
// storage, and the caller persists the returned memory inside the same commit
// boundary as the interaction's terminal state.
package insight

import (
	"strings"

	"github.com/courseloop/courseloop/internal/errors"
	"github.com/courseloop/courseloop/store"
)

// maxMasteryLevel caps concept mastery progression.
const maxMasteryLevel = 5

// Kind tags one derived insight.
type Kind string

const (
	// KindConceptPracticed advances the concept's mastery by one level.
	KindConceptPracticed Kind = "CONCEPT_PRACTICED"
	// KindMisconceptionDetected records (or refreshes) an open misconception.
	KindMisconceptionDetected Kind = "MISCONCEPTION_DETECTED"
	// KindCorrectionAttempt increments the misconception's correction counter.
	KindCorrectionAttempt Kind = "CORRECTION_ATTEMPT"
	// KindMisconceptionResolved marks the misconception resolved.
	KindMisconceptionResolved Kind = "MISCONCEPTION_RESOLVED"
	// KindStrength and KindWeakness append to the respective lists.
	KindStrength Kind = "STRENGTH"
	KindWeakness Kind = "WEAKNESS"
	// KindMilestone appends a progress marker.
	KindMilestone Kind = "MILESTONE"
)

// Insight is one derived observation about the learner.
type Insight struct {
	Kind    Kind
	Concept string
	// Detail is the misconception description, strength/weakness text, or
	// milestone label, depending on Kind.
	Detail string
}

// correctionMarkers are phrases an instructor response uses when it is
// actively correcting a misconception rather than teaching fresh material.
var correctionMarkers = []string{
	"not quite",
	"that's a common misconception",
	"careful, that's not",
	"almost, but",
	"let's revisit",
}

// Derive extracts insights from one committed interaction on a screen. Every
// screen concept counts as practiced; a correction attempt is derived when
// the instructor response carries a correction marker.
func Derive(interaction *store.Interaction, screen *store.ScreenState) []Insight {
	var insights []Insight
	for _, concept := range screen.Concepts {
		insights = append(insights, Insight{Kind: KindConceptPracticed, Concept: concept})
	}

	lowered := strings.ToLower(interaction.ResultText)
	for _, marker := range correctionMarkers {
		if strings.Contains(lowered, marker) {
			for _, concept := range screen.Concepts {
				insights = append(insights, Insight{
					Kind:    KindCorrectionAttempt,
					Concept: concept,
					Detail:  "instructor corrected the learner's understanding",
				})
			}
			break
		}
	}
	return insights
}

// Update folds the insights from one committed interaction into memory and
// returns the new memory. The input memory is never mutated. Re-applying the
// same interaction id is a no-op, so a retried commit cannot double count.
func Update(memory *store.LearnerMemory, interaction *store.Interaction, insights []Insight) (*store.LearnerMemory, error) {
	if interaction.State != store.InteractionCommitted {
		return nil, errors.InvalidArgument("memory only accepts committed interactions")
	}

	next := memory.Clone()
	if next.AppliedInteractions[interaction.ID] {
		return next, nil
	}
	next.AppliedInteractions[interaction.ID] = true

	ts := interaction.UpdatedTs
	if ts == 0 {
		ts = interaction.CreatedTs
	}

	for _, in := range insights {
		apply(next, in, ts)
	}
	next.UpdatedTs = ts
	return next, nil
}

func apply(m *store.LearnerMemory, in Insight, ts int64) {
	switch in.Kind {
	case KindConceptPracticed:
		c, ok := m.Concepts[in.Concept]
		if !ok {
			c = store.ConceptMastery{Concept: in.Concept, FirstSeenTs: ts}
		}
		if c.Level < maxMasteryLevel {
			c.Level++
		}
		c.LastPracticedTs = ts
		m.Concepts[in.Concept] = c

	case KindMisconceptionDetected:
		mc, ok := m.Misconceptions[in.Concept]
		if !ok {
			mc = store.Misconception{Concept: in.Concept, FirstSeenTs: ts}
		}
		mc.Description = in.Detail
		mc.Resolved = false
		mc.LastSeenTs = ts
		m.Misconceptions[in.Concept] = mc

	case KindCorrectionAttempt:
		mc, ok := m.Misconceptions[in.Concept]
		if !ok {
			mc = store.Misconception{
				Concept:     in.Concept,
				Description: in.Detail,
				FirstSeenTs: ts,
			}
		}
		mc.CorrectionAttempts++
		mc.LastSeenTs = ts
		m.Misconceptions[in.Concept] = mc

	case KindMisconceptionResolved:
		if mc, ok := m.Misconceptions[in.Concept]; ok {
			mc.Resolved = true
			mc.LastSeenTs = ts
			m.Misconceptions[in.Concept] = mc
		}

	case KindStrength:
		m.Strengths = appendUnique(m.Strengths, in.Detail)

	case KindWeakness:
		m.Weaknesses = appendUnique(m.Weaknesses, in.Detail)

	case KindMilestone:
		m.ProgressMarkers = append(m.ProgressMarkers, store.ProgressMarker{Label: in.Detail, Ts: ts})
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
