package validator

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"github.com/courseloop/courseloop/store"
)

// Severity ranks a violation; it maps one-to-one onto the tier that owns
// the check.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// CheckContext carries everything a predicate may look at besides the
// response text itself.
type CheckContext struct {
	Input   string
	Screen  *store.ScreenState
	Profile *store.ProfileSnapshot
}

// CheckFunc reports whether the response violates the rule, with a message
// suitable for the regeneration request.
type CheckFunc func(response string, cc *CheckContext) (violated bool, message string)

// Check is one tagged predicate registered into an ordered tier list.
type Check struct {
	ID       string
	Severity Severity
	Fn       CheckFunc
}

// Violation is one failed check, in tier order.
type Violation struct {
	CheckID  string   `json:"checkId"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// celEnv declares the variables rule expressions may reference. Built once;
// cel environments are immutable and safe for concurrent use.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("response", cel.StringType),
		cel.Variable("input", cel.StringType),
		cel.Variable("screen_type", cel.StringType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("require_verification", cel.BoolType),
	)
	if err != nil {
		panic(err)
	}
	return env
}()

// NewCELCheck compiles a CEL expression into a check. The expression
// evaluates to true when the response violates the rule.
func NewCELCheck(id string, severity Severity, expr, message string) (Check, error) {
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Check{}, errors.Wrapf(issues.Err(), "failed to compile rule %s", id)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return Check{}, errors.Errorf("rule %s must evaluate to bool, got %s", id, ast.OutputType())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return Check{}, errors.Wrapf(err, "failed to program rule %s", id)
	}

	fn := func(response string, cc *CheckContext) (bool, string) {
		vars := map[string]any{
			"response":             response,
			"input":                cc.Input,
			"screen_type":          "",
			"topic":                "",
			"require_verification": false,
		}
		if cc.Screen != nil {
			vars["screen_type"] = string(cc.Screen.Type)
			vars["topic"] = cc.Screen.Topic
		}
		if cc.Profile != nil {
			vars["require_verification"] = cc.Profile.RequireVerification
		}
		out, _, err := prg.Eval(vars)
		if err != nil {
			// An evaluation error must not mask the response; treat as clean.
			return false, ""
		}
		violated, ok := out.Value().(bool)
		return ok && violated, message
	}
	return Check{ID: id, Severity: severity, Fn: fn}, nil
}

// MustCELCheck is NewCELCheck for the built-in rule set, where a compile
// failure is a programming error.
func MustCELCheck(id string, severity Severity, expr, message string) Check {
	c, err := NewCELCheck(id, severity, expr, message)
	if err != nil {
		panic(err)
	}
	return c
}

// ---- built-in checks ----

// unsafePhrases is the coarse content denylist. Rule bodies are deliberately
// simple heuristics; the pipeline's control flow is what matters here.
var unsafePhrases = []string{
	"kill yourself",
	"harm yourself",
	"how to make a weapon",
}

func checkUnsafeContent(response string, _ *CheckContext) (bool, string) {
	lowered := strings.ToLower(response)
	for _, phrase := range unsafePhrases {
		if strings.Contains(lowered, phrase) {
			return true, "response contains unsafe content"
		}
	}
	return false, ""
}

// Overconfident absolute claims outside the screen's concept list read as
// hallucinated facts to a learner.
var overconfidentMarkers = []string{
	"this is always true",
	"there are no exceptions",
	"it is impossible to",
	"100% guaranteed",
}

func checkOverconfidentClaim(response string, _ *CheckContext) (bool, string) {
	lowered := strings.ToLower(response)
	for _, marker := range overconfidentMarkers {
		if strings.Contains(lowered, marker) {
			return true, fmt.Sprintf("overconfident claim: %q", marker)
		}
	}
	return false, ""
}

func checkOutOfScope(response string, cc *CheckContext) (bool, string) {
	if cc.Screen == nil || len(cc.Screen.Prerequisites) == 0 {
		return false, ""
	}
	// Referring the learner to material from screens they have not reached
	// yet is an out-of-scope claim for this lesson plan.
	lowered := strings.ToLower(response)
	for _, marker := range []string{"as you'll learn later", "in a future lesson", "beyond this course"} {
		if strings.Contains(lowered, marker) {
			return true, "response points outside the current lesson scope"
		}
	}
	return false, ""
}

func checkIdentityLeakage(response string, _ *CheckContext) (bool, string) {
	lowered := strings.ToLower(response)
	if strings.Contains(response, "<<<") || strings.Contains(response, ">>>") {
		return true, "response leaks section markers"
	}
	for _, marker := range []string{"my system prompt", "my instructions say", "i was instructed to"} {
		if strings.Contains(lowered, marker) {
			return true, "response reveals system instructions"
		}
	}
	return false, ""
}

// defaultChecks builds the built-in tier rule set. CEL rules cover the
// checks that are naturally expressed as predicates over the request
// context; the rest are plain functions.
func defaultChecks() ([]Check, []Check, []Check) {
	tierA := []Check{
		{ID: "unsafe_content", Severity: SeverityCritical, Fn: checkUnsafeContent},
		{ID: "overconfident_claim", Severity: SeverityCritical, Fn: checkOverconfidentClaim},
		{ID: "out_of_scope_claim", Severity: SeverityCritical, Fn: checkOutOfScope},
	}

	tierB := []Check{
		MustCELCheck("direct_answer", SeverityHigh,
			`(screen_type == "PRACTICE" || screen_type == "QUIZ") && response.matches('(?i)the (final )?(answer|solution) is')`,
			"direct answer given on a guided screen"),
		{ID: "identity_leakage", Severity: SeverityHigh, Fn: checkIdentityLeakage},
		MustCELCheck("style_deviation", SeverityHigh,
			`response.matches('(?i)^(error|exception|traceback)[:\\s]')`,
			"response reads as a raw system error, not instruction"),
	}

	tierC := []Check{
		MustCELCheck("missing_verification", SeverityMedium,
			`require_verification && !response.contains("?")`,
			"missing a question that checks the learner's understanding"),
		MustCELCheck("empty_shape", SeverityMedium,
			`response.size() < 20`,
			"response too short to be instructive"),
	}

	return tierA, tierB, tierC
}
