package verdict

import (
	"reflect"
	"testing"
)

func TestEvaluateAllRequiredPass(t *testing.T) {
	ev := Evidence{
		IssueID: "i1",
		RunID:   "r1",
		Checks:  map[string]string{"build": "pass", "tests": "pass"},
	}
	res := Evaluate(ev, []string{"build", "tests"})
	if res.Verdict != Green {
		t.Fatalf("verdict = %s, want GREEN", res.Verdict)
	}
	if len(res.FailedChecks) != 0 {
		t.Fatalf("failed checks = %v, want empty", res.FailedChecks)
	}
}

func TestEvaluateSingleFailureForcesRed(t *testing.T) {
	ev := Evidence{
		IssueID: "i1",
		RunID:   "r1",
		Checks:  map[string]string{"build": "pass", "tests": "pass", "security": "fail"},
	}
	res := Evaluate(ev, []string{"build", "tests", "security"})
	if res.Verdict != Red {
		t.Fatalf("verdict = %s, want RED", res.Verdict)
	}
	if !reflect.DeepEqual(res.FailedChecks, []string{"security"}) {
		t.Fatalf("failed checks = %v, want [security]", res.FailedChecks)
	}
}

func TestEvaluateMissingCheckFailsClosed(t *testing.T) {
	ev := Evidence{
		IssueID: "i1",
		RunID:   "r1",
		Checks:  map[string]string{"build": "pass"},
	}
	res := Evaluate(ev, []string{"build", "tests"})
	if res.Verdict != Red {
		t.Fatalf("missing required check must be RED, got %s", res.Verdict)
	}
	if !reflect.DeepEqual(res.FailedChecks, []string{"tests"}) {
		t.Fatalf("failed checks = %v, want [tests]", res.FailedChecks)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	ev := Evidence{
		IssueID: "i1",
		RunID:   "r1",
		Checks:  map[string]string{"tests": "flaky", "build": "pass"},
	}
	first := Evaluate(ev, []string{"build", "tests"})
	for i := 0; i < 10; i++ {
		again := Evaluate(ev, []string{"build", "tests"})
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("evaluation not deterministic: %+v vs %+v", first, again)
		}
	}
}

func TestValidateRejectsMalformedEvidence(t *testing.T) {
	cases := []struct {
		name string
		ev   Evidence
	}{
		{"missing issue", Evidence{RunID: "r1", Checks: map[string]string{}}},
		{"missing run", Evidence{IssueID: "i1", Checks: map[string]string{}}},
		{"nil checks", Evidence{IssueID: "i1", RunID: "r1"}},
		{"empty check name", Evidence{IssueID: "i1", RunID: "r1", Checks: map[string]string{"": "pass"}}},
	}
	for _, c := range cases {
		err := Validate(c.ev)
		if err == nil {
			t.Errorf("%s: expected validation error", c.name)
			continue
		}
		if _, ok := err.(ValidationError); !ok {
			t.Errorf("%s: expected ValidationError, got %T", c.name, err)
		}
	}
	ok := Evidence{IssueID: "i1", RunID: "r1", Checks: map[string]string{"build": "pass"}}
	if err := Validate(ok); err != nil {
		t.Fatalf("valid evidence rejected: %v", err)
	}
}

func TestHashStableAcrossKeyOrder(t *testing.T) {
	rules := []string{"build", "tests"}
	a := Evidence{Checks: map[string]string{"build": "pass", "tests": "fail"}}
	b := Evidence{Checks: map[string]string{"tests": "fail", "build": "pass"}}
	if Hash(a, rules) != Hash(b, rules) {
		t.Fatal("hash should not depend on map insertion order")
	}
	c := Evidence{Checks: map[string]string{"build": "pass", "tests": "pass"}}
	if Hash(a, rules) == Hash(c, rules) {
		t.Fatal("different evidence should hash differently")
	}
}

func TestHashCoversResolvedRules(t *testing.T) {
	ev := Evidence{Checks: map[string]string{"build": "pass", "tests": "pass"}}
	if Hash(ev, []string{"build", "tests"}) == Hash(ev, []string{"build", "tests", "security"}) {
		t.Fatal("same checks under different rules should hash differently")
	}
}
