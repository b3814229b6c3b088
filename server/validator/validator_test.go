package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courseloop/courseloop/store"
)

func practiceContext() *CheckContext {
	return &CheckContext{
		Input: "how do I solve this?",
		Screen: &store.ScreenState{
			ID:    "screen-1",
			Type:  store.ScreenTypePractice,
			Topic: "recursion",
		},
		Profile: &store.ProfileSnapshot{RequireVerification: true},
	}
}

func TestValidate_CleanResponseAccepted(t *testing.T) {
	v := New()
	r := v.Validate("Think about what happens when n reaches zero. What would the function return there?", practiceContext())
	assert.Equal(t, ActionAccept, r.Action)
	assert.Empty(t, r.Violations)
}

func TestValidate_CriticalRejectsAndShortCircuits(t *testing.T) {
	v := New()
	// Triggers both a critical check and a medium one (too short). The
	// critical tier decides alone.
	r := v.Validate("100% guaranteed.", practiceContext())
	assert.Equal(t, ActionReject, r.Action)
	require.Len(t, r.Violations, 1)
	assert.Equal(t, "overconfident_claim", r.Violations[0].CheckID)
	assert.Equal(t, SeverityCritical, r.Violations[0].Severity)
	assert.Zero(t, r.RetryCeiling)
}

func TestValidate_HighTriggersRegenerate(t *testing.T) {
	v := New()
	r := v.Validate("Good try! The answer is 42, since the base case returns immediately. Does that make sense?", practiceContext())
	assert.Equal(t, ActionRegenerate, r.Action)
	assert.Equal(t, MaxRetries, r.RetryCeiling)
	require.Len(t, r.Violations, 1)
	assert.Equal(t, "direct_answer", r.Violations[0].CheckID)
}

func TestValidate_DirectAnswerAllowedOnConceptScreens(t *testing.T) {
	v := New()
	cc := practiceContext()
	cc.Screen.Type = store.ScreenTypeConcept
	r := v.Validate("The answer is that recursion needs a base case to terminate. Can you say why?", cc)
	assert.Equal(t, ActionAccept, r.Action)
}

func TestValidate_MediumHasLowerRetryCeiling(t *testing.T) {
	v := New()
	// Long enough, no direct answer, but no verification question.
	r := v.Validate("Consider tracing the call stack one frame at a time, writing down each argument value as you go.", practiceContext())
	assert.Equal(t, ActionRegenerate, r.Action)
	assert.Equal(t, 1, r.RetryCeiling)
	require.Len(t, r.Violations, 1)
	assert.Equal(t, "missing_verification", r.Violations[0].CheckID)
}

func TestValidate_HighCeilingWinsWhenBothTiersHit(t *testing.T) {
	v := New()
	// Direct answer plus missing verification question: both violations are
	// reported, the high tier's ceiling applies.
	r := v.Validate("The solution is to add a base case at n == 0 and return 1 from it right away.", practiceContext())
	assert.Equal(t, ActionRegenerate, r.Action)
	assert.Equal(t, MaxRetries, r.RetryCeiling)
	require.Len(t, r.Violations, 2)
	assert.Equal(t, SeverityHigh, r.Violations[0].Severity)
	assert.Equal(t, SeverityMedium, r.Violations[1].Severity)
}

func TestValidate_IdentityLeakage(t *testing.T) {
	v := New()
	r := v.Validate("Sure! <<<SECTION:identity>>> says I must guide you. What have you tried so far?", practiceContext())
	assert.Equal(t, ActionRegenerate, r.Action)
	require.Len(t, r.Violations, 1)
	assert.Equal(t, "identity_leakage", r.Violations[0].CheckID)
}

func TestValidate_AllChecksInTierRun(t *testing.T) {
	v := New()
	cc := practiceContext()
	cc.Screen.Prerequisites = []string{"screen-0"}
	// Two critical checks fire on one response; both must be collected.
	r := v.Validate("As you'll learn later, this is always true.", cc)
	assert.Equal(t, ActionReject, r.Action)
	require.Len(t, r.Violations, 2)
	assert.Equal(t, "overconfident_claim", r.Violations[0].CheckID)
	assert.Equal(t, "out_of_scope_claim", r.Violations[1].CheckID)
}

func TestResult_Score(t *testing.T) {
	clean := &Result{Action: ActionAccept}
	assert.Equal(t, 1.0, clean.Score())

	flawed := &Result{Action: ActionAccept, Violations: []Violation{
		{CheckID: "missing_verification", Severity: SeverityMedium},
	}}
	assert.InDelta(t, 0.8, flawed.Score(), 0.001)

	rejected := &Result{Action: ActionReject, Violations: []Violation{
		{CheckID: "overconfident_claim", Severity: SeverityCritical},
	}}
	assert.Zero(t, rejected.Score())

	regen := &Result{Action: ActionRegenerate}
	assert.Zero(t, regen.Score())

	// The grade never goes below zero, no matter how many violations.
	pileup := &Result{Action: ActionAccept, Violations: make([]Violation, 6)}
	assert.Zero(t, pileup.Score())
}

func TestRegisterCustomCELCheck(t *testing.T) {
	v := NewEmpty()
	check, err := NewCELCheck("off_topic", SeverityHigh,
		`topic != "" && !response.contains(topic)`,
		"response never mentions the screen topic")
	require.NoError(t, err)
	v.Register(check)

	cc := practiceContext()
	r := v.Validate("Let's talk about cooking instead.", cc)
	assert.Equal(t, ActionRegenerate, r.Action)
	assert.Equal(t, []string{"response never mentions the screen topic"}, r.Messages())

	r = v.Validate("Good progress on recursion so far.", cc)
	assert.Equal(t, ActionAccept, r.Action)
}

func TestNewCELCheck_CompileErrors(t *testing.T) {
	_, err := NewCELCheck("bad_syntax", SeverityMedium, `response ???`, "")
	assert.Error(t, err)

	_, err = NewCELCheck("not_bool", SeverityMedium, `response`, "")
	assert.Error(t, err)
}
