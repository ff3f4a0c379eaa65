// Package verdict converts verification evidence into a GREEN/RED decision.
// Evaluation is a pure function of its input: no clock, no randomness, no I/O.
package verdict

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	Green = "GREEN"
	Red   = "RED"
)

// passValue is the only check outcome that counts as passing. Anything else,
// including an absent check, fails the run.
const passValue = "pass"

// Evidence is the raw input to a verification run. Checks maps check name to
// its observed outcome.
type Evidence struct {
	IssueID string            `json:"issue_id"`
	RunID   string            `json:"run_id"`
	RuleSet string            `json:"rule_set,omitempty"`
	Checks  map[string]string `json:"checks"`
}

// Result is the evaluator's output.
type Result struct {
	Verdict         string   `json:"verdict"`
	Rationale       string   `json:"rationale"`
	FailedChecks    []string `json:"failed_checks"`
	EvaluationRules []string `json:"evaluation_rules"`
}

// ValidationError marks evidence rejected before evaluation. It maps to a 400
// at the API layer, never to a default verdict.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid evidence: %s %s", e.Field, e.Reason)
}

// Validate rejects structurally malformed evidence so it never silently
// evaluates. Runs before any transaction opens.
func Validate(ev Evidence) error {
	if strings.TrimSpace(ev.IssueID) == "" {
		return ValidationError{Field: "issue_id", Reason: "is required"}
	}
	if strings.TrimSpace(ev.RunID) == "" {
		return ValidationError{Field: "run_id", Reason: "is required"}
	}
	if ev.Checks == nil {
		return ValidationError{Field: "checks", Reason: "is required"}
	}
	for name := range ev.Checks {
		if strings.TrimSpace(name) == "" {
			return ValidationError{Field: "checks", Reason: "contains empty check name"}
		}
	}
	return nil
}

// Evaluate applies the required checks to the evidence. GREEN only if every
// required check is present and passing; a missing required check fails, it is
// never treated as unknown.
func Evaluate(ev Evidence, required []string) Result {
	res := Result{
		FailedChecks:    []string{},
		EvaluationRules: append([]string{}, required...),
	}
	for _, check := range required {
		outcome, ok := ev.Checks[check]
		if !ok || outcome != passValue {
			res.FailedChecks = append(res.FailedChecks, check)
		}
	}
	if len(res.FailedChecks) == 0 {
		res.Verdict = Green
		res.Rationale = fmt.Sprintf("all %d required checks passed", len(required))
		return res
	}
	res.Verdict = Red
	res.Rationale = fmt.Sprintf("failed checks: %s", strings.Join(res.FailedChecks, ", "))
	return res
}

// Hash returns the idempotency hash of a run: SHA-256 over the canonical JSON
// encoding of the checks plus the resolved required rules (encoding/json sorts
// map keys). Folding the rules in means a replay under a different rule set
// conflicts instead of returning the old verdict.
func Hash(ev Evidence, rules []string) string {
	data, _ := json.Marshal(struct {
		Checks map[string]string `json:"checks"`
		Rules  []string          `json:"rules"`
	}{Checks: ev.Checks, Rules: rules})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
