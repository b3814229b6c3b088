// Package validator runs generated instructor responses through an ordered,
// tiered rule pipeline. Tier membership decides the action: a critical hit
// rejects immediately, high and medium hits request a bounded regeneration.
package validator

// Action is the pipeline's verdict for one response.
type Action string

const (
	ActionAccept     Action = "accept"
	ActionRegenerate Action = "regenerate"
	ActionReject     Action = "reject"
)

// Retry ceilings per triggering tier. The orchestrator never regenerates
// more than MaxRetries times in total for one interaction.
const (
	MaxRetries      = 2
	mediumRetryCeil = 1
)

// Result is the outcome of one validation pass.
type Result struct {
	Action     Action
	Violations []Violation
	// RetryCeiling is how many regenerations the triggering tier permits.
	// Zero for accept and reject.
	RetryCeiling int
}

type tier struct {
	severity Severity
	checks   []Check
}

// Validator holds the ordered tier lists. The tier set is closed; the check
// list within each tier is open via Register.
type Validator struct {
	critical tier
	high     tier
	medium   tier
}

// New builds a validator with the built-in rule set.
func New() *Validator {
	a, b, c := defaultChecks()
	return &Validator{
		critical: tier{severity: SeverityCritical, checks: a},
		high:     tier{severity: SeverityHigh, checks: b},
		medium:   tier{severity: SeverityMedium, checks: c},
	}
}

// NewEmpty builds a validator with no checks, for callers that register
// their own rule set.
func NewEmpty() *Validator {
	return &Validator{
		critical: tier{severity: SeverityCritical},
		high:     tier{severity: SeverityHigh},
		medium:   tier{severity: SeverityMedium},
	}
}

// Register adds a check to the tier matching its severity.
func (v *Validator) Register(c Check) {
	switch c.Severity {
	case SeverityCritical:
		v.critical.checks = append(v.critical.checks, c)
	case SeverityHigh:
		v.high.checks = append(v.high.checks, c)
	default:
		v.medium.checks = append(v.medium.checks, c)
	}
}

// Validate runs the response through the tiers in order. Within a tier every
// check runs so the full violation list is collected; a critical hit skips
// the remaining tiers entirely.
func (v *Validator) Validate(response string, cc *CheckContext) *Result {
	if cc == nil {
		cc = &CheckContext{}
	}

	if violations := v.critical.run(response, cc); len(violations) > 0 {
		return &Result{Action: ActionReject, Violations: violations}
	}

	result := &Result{Action: ActionAccept}
	if violations := v.high.run(response, cc); len(violations) > 0 {
		result.Action = ActionRegenerate
		result.RetryCeiling = MaxRetries
		result.Violations = violations
	}
	if violations := v.medium.run(response, cc); len(violations) > 0 {
		if result.Action == ActionAccept {
			result.Action = ActionRegenerate
			result.RetryCeiling = mediumRetryCeil
		}
		result.Violations = append(result.Violations, violations...)
	}
	return result
}

func (t *tier) run(response string, cc *CheckContext) []Violation {
	var violations []Violation
	for _, c := range t.checks {
		if violated, msg := c.Fn(response, cc); violated {
			violations = append(violations, Violation{
				CheckID:  c.ID,
				Severity: t.severity,
				Message:  msg,
			})
		}
	}
	return violations
}

// Score grades the response for mastery tracking. Only an accepted
// response scores; each surviving medium violation shaves the grade.
func (r *Result) Score() float64 {
	if r.Action != ActionAccept {
		return 0
	}
	score := 1.0 - 0.2*float64(len(r.Violations))
	if score < 0 {
		return 0
	}
	return score
}

// Messages flattens the violations for a regeneration request.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Message)
	}
	return out
}
