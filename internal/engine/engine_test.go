package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"meshline/internal/config"
	"meshline/internal/db"
	"meshline/internal/domain"
	"meshline/internal/engine"
	"meshline/internal/migrate"
	"meshline/internal/repo"
	"meshline/internal/verdict"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("mesh")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func advance(t *testing.T, env testEnv, id string, states ...domain.IssueState) domain.Issue {
	t.Helper()
	var is domain.Issue
	var err error
	for _, s := range states {
		is, err = env.Engine.ApplyTransition(env.Ctx, id, s, "tester", "")
		if err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
	return is
}

func countRows(t *testing.T, env testEnv, query string, args ...any) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count query: %v", err)
	}
	return n
}

func TestIssueLifecycleTransitions(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "fix auth", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if is.Status != domain.StateDraft {
		t.Fatalf("new issue status = %s, want draft", is.Status)
	}
	if len(is.PublicID) != 8 {
		t.Fatalf("public id = %q, want 8 hex chars", is.PublicID)
	}
	if !strings.HasPrefix(is.CanonicalID, "mesh-") {
		t.Fatalf("canonical id = %q, want mesh- prefix", is.CanonicalID)
	}
	is = advance(t, env, is.ID,
		domain.StateSpecReady, domain.StateQueued, domain.StateInProgress,
		domain.StateVerifying, domain.StateReviewReady, domain.StateDone)
	if is.Status != domain.StateDone {
		t.Fatalf("status = %s, want done", is.Status)
	}
	// done is terminal
	_, err = env.Engine.ApplyTransition(env.Ctx, is.ID, domain.StateInProgress, "tester", "")
	var ite domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
}

func TestTransitionSkipIsRejected(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "skip", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ApplyTransition(env.Ctx, is.ID, domain.StateDone, "tester", "")
	var ite domain.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("draft -> done must fail, got %v", err)
	}
	if ite.From != domain.StateDraft || ite.To != domain.StateDone {
		t.Fatalf("error carries %s -> %s", ite.From, ite.To)
	}
}

func TestTransitionRepeatIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "retry", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	advance(t, env, is.ID, domain.StateSpecReady)
	before := countRows(t, env, `SELECT count(*) FROM timeline_events WHERE issue_id=? AND event_type='issue.transitioned'`, is.ID)
	again, err := env.Engine.ApplyTransition(env.Ctx, is.ID, domain.StateSpecReady, "tester", "")
	if err != nil {
		t.Fatalf("repeat transition: %v", err)
	}
	if again.Status != domain.StateSpecReady {
		t.Fatalf("status = %s", again.Status)
	}
	after := countRows(t, env, `SELECT count(*) FROM timeline_events WHERE issue_id=? AND event_type='issue.transitioned'`, is.ID)
	if after != before {
		t.Fatalf("repeat emitted an event: %d -> %d", before, after)
	}
}

func TestIssueLookupByAnyIdentifier(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "lookup", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	for _, ident := range []string{is.ID, is.PublicID, is.CanonicalID} {
		got, err := env.Engine.Repo.GetIssue(env.Ctx, ident)
		if err != nil {
			t.Fatalf("lookup by %q: %v", ident, err)
		}
		if got.ID != is.ID {
			t.Fatalf("lookup by %q resolved %s", ident, got.ID)
		}
	}
}

func TestStoreVerdictGreenAndRed(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "verify", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.StoreVerdict(env.Ctx, verdict.Evidence{
		IssueID: is.ID,
		RunID:   "run-1",
		Checks:  map[string]string{"build": "pass", "tests": "pass"},
	}, "ci", "")
	if err != nil {
		t.Fatalf("store verdict: %v", err)
	}
	if out.Verdict.Verdict != verdict.Green {
		t.Fatalf("verdict = %s, want GREEN", out.Verdict.Verdict)
	}
	out, err = env.Engine.StoreVerdict(env.Ctx, verdict.Evidence{
		IssueID: is.ID,
		RunID:   "run-2",
		RuleSet: "strict",
		Checks:  map[string]string{"build": "pass", "tests": "pass"},
	}, "ci", "")
	if err != nil {
		t.Fatalf("store strict verdict: %v", err)
	}
	if out.Verdict.Verdict != verdict.Red {
		t.Fatalf("missing security check must be RED, got %s", out.Verdict.Verdict)
	}
	if len(out.Verdict.FailedChecks) != 1 || out.Verdict.FailedChecks[0] != "security" {
		t.Fatalf("failed checks = %v", out.Verdict.FailedChecks)
	}
}

func TestStoreVerdictReplayIdempotent(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "replay", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	ev := verdict.Evidence{
		IssueID: is.ID,
		RunID:   "run-1",
		Checks:  map[string]string{"build": "pass", "tests": "fail"},
	}
	first, err := env.Engine.StoreVerdict(env.Ctx, ev, "ci", "req-1")
	if err != nil {
		t.Fatalf("first store: %v", err)
	}
	second, err := env.Engine.StoreVerdict(env.Ctx, ev, "ci", "req-2")
	if err != nil {
		t.Fatalf("replay store: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replayed outcome")
	}
	if second.Verdict.ID != first.Verdict.ID {
		t.Fatalf("replay returned a different verdict row")
	}
	if n := countRows(t, env, `SELECT count(*) FROM evidence WHERE issue_id=?`, is.ID); n != 1 {
		t.Fatalf("evidence rows = %d, want 1", n)
	}
	if n := countRows(t, env, `SELECT count(*) FROM verdicts WHERE issue_id=?`, is.ID); n != 1 {
		t.Fatalf("verdict rows = %d, want 1", n)
	}
	// same run, different evidence
	ev.Checks["tests"] = "pass"
	_, err = env.Engine.StoreVerdict(env.Ctx, ev, "ci", "req-3")
	if !errors.Is(err, engine.ErrRunConflict) {
		t.Fatalf("expected run conflict, got %v", err)
	}
}

func TestMergeOutcomeAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "merge", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.LinkPR(env.Ctx, is.ID, "org/app", 42, "https://example.com/pr/42", "tester"); err != nil {
		t.Fatalf("link pr: %v", err)
	}
	advance(t, env, is.ID,
		domain.StateSpecReady, domain.StateQueued, domain.StateInProgress,
		domain.StateVerifying, domain.StateReviewReady)

	res, err := env.Engine.ApplyMergeOutcome(env.Ctx, engine.MergeOutcomeOptions{
		Repo: "org/app", PRNumber: 42, MergeCommit: "abc123", ActorID: "bot",
	})
	if err != nil {
		t.Fatalf("apply merge: %v", err)
	}
	if !res.OK || res.AlreadyDone {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Issue.Status != domain.StateDone {
		t.Fatalf("status = %s, want done", res.Issue.Status)
	}
	if n := countRows(t, env, `SELECT count(*) FROM evidence WHERE issue_id=? AND action='merge'`, is.ID); n != 1 {
		t.Fatalf("merge evidence rows = %d, want 1", n)
	}
	if n := countRows(t, env, `SELECT count(*) FROM timeline_events WHERE issue_id=? AND event_type='merge.applied'`, is.ID); n != 1 {
		t.Fatalf("merge events = %d, want 1", n)
	}

	// redelivery of the same outcome
	res, err = env.Engine.ApplyMergeOutcome(env.Ctx, engine.MergeOutcomeOptions{
		Repo: "org/app", PRNumber: 42, MergeCommit: "abc123", ActorID: "bot",
	})
	if err != nil {
		t.Fatalf("repeat merge: %v", err)
	}
	if !res.OK || !res.AlreadyDone {
		t.Fatalf("repeat should be already-done success, got %+v", res)
	}
	if n := countRows(t, env, `SELECT count(*) FROM evidence WHERE issue_id=? AND action='merge'`, is.ID); n != 1 {
		t.Fatalf("repeat wrote evidence: %d rows", n)
	}
	if n := countRows(t, env, `SELECT count(*) FROM timeline_events WHERE issue_id=? AND event_type='merge.applied'`, is.ID); n != 1 {
		t.Fatalf("repeat wrote event: %d rows", n)
	}
}

func TestMergeOutcomeRollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)

	// unknown PR
	_, err := env.Engine.ApplyMergeOutcome(env.Ctx, engine.MergeOutcomeOptions{
		Repo: "org/app", PRNumber: 99, ActorID: "bot",
	})
	var me engine.MergeError
	if !errors.As(err, &me) || me.Code != engine.MergeFailedCode {
		t.Fatalf("expected %s, got %v", engine.MergeFailedCode, err)
	}

	// issue exists but is not review_ready
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "early", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ApplyMergeOutcome(env.Ctx, engine.MergeOutcomeOptions{IssueID: is.ID, ActorID: "bot"})
	if !errors.As(err, &me) || me.Code != engine.MergeFailedCode {
		t.Fatalf("expected %s for draft issue, got %v", engine.MergeFailedCode, err)
	}
	got, err := env.Engine.Repo.GetIssue(env.Ctx, is.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StateDraft {
		t.Fatalf("failed merge changed status to %s", got.Status)
	}
	if n := countRows(t, env, `SELECT count(*) FROM evidence WHERE issue_id=?`, is.ID); n != 0 {
		t.Fatalf("failed merge left %d evidence rows", n)
	}
}

func TestTimelineOrderStableUnderEqualTimestamps(t *testing.T) {
	env := newTestEnv(t)
	// frozen clock: every event shares one occurred_at, so ordering falls
	// back to insertion ids
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "timeline", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	advance(t, env, is.ID, domain.StateSpecReady, domain.StateQueued, domain.StateInProgress)

	page, err := env.Engine.Timeline(env.Ctx, is.ID, "", 0, 0)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if page.Total != 4 || len(page.Events) != 4 {
		t.Fatalf("events = %d total = %d, want 4", len(page.Events), page.Total)
	}
	for i := 1; i < len(page.Events); i++ {
		if page.Events[i].ID <= page.Events[i-1].ID {
			t.Fatalf("ids not ascending at %d: %d then %d", i, page.Events[i-1].ID, page.Events[i].ID)
		}
	}
	if page.Events[0].EventType != "issue.created" {
		t.Fatalf("first event = %s", page.Events[0].EventType)
	}

	filtered, err := env.Engine.Timeline(env.Ctx, is.ID, "issue.transitioned", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered.Events) != 2 || filtered.Total != 3 {
		t.Fatalf("filtered events = %d total = %d, want 2/3", len(filtered.Events), filtered.Total)
	}
}

func TestTimelineIsAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "immutable", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE timeline_events SET actor='x' WHERE issue_id=?`, is.ID); err == nil {
		t.Fatal("update of timeline_events must be rejected")
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM timeline_events WHERE issue_id=?`, is.ID); err == nil {
		t.Fatal("delete of timeline_events must be rejected")
	}
}

func TestPublishBatchTruncation(t *testing.T) {
	env := newTestEnv(t)
	big := `{"log":"` + strings.Repeat("x", repo.MaxResultJSONBytes) + `"}`
	small := `{"issue":"ok"}`
	batch, err := env.Engine.AppendPublishBatch(env.Ctx, "session-1", []engine.PublishItemInput{
		{Action: "create", ResultJSON: &small},
		{Action: "update", ResultJSON: &big},
		{Action: "skip", Reason: "already published"},
	})
	if err != nil {
		t.Fatalf("append batch: %v", err)
	}
	if batch.ItemCount != 3 {
		t.Fatalf("item count = %d", batch.ItemCount)
	}
	items, err := env.Engine.Repo.ListPublishItems(env.Ctx, batch.ID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d", len(items))
	}
	byAction := map[string]int{}
	for i, it := range items {
		byAction[it.Action] = i
	}
	if it := items[byAction["create"]]; it.Truncated || it.ResultJSON == nil || *it.ResultJSON != small {
		t.Fatalf("small result mangled: %+v", it)
	}
	if it := items[byAction["update"]]; !it.Truncated || it.ResultJSON == nil || *it.ResultJSON != "{}" {
		t.Fatalf("oversized result not truncated: truncated=%v", it.Truncated)
	}
	if it := items[byAction["skip"]]; it.Truncated || it.ResultJSON != nil {
		t.Fatalf("absent result must stay null: %+v", it)
	}
}

func TestPublishBatchRejectsUnknownAction(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AppendPublishBatch(env.Ctx, "session-1", []engine.PublishItemInput{{Action: "delete"}})
	var ae engine.ArgumentError
	if !errors.As(err, &ae) {
		t.Fatalf("expected argument error, got %v", err)
	}
	if !strings.Contains(ae.Reason, "delete") {
		t.Fatalf("reason does not name the action: %q", ae.Reason)
	}
}

func TestTimelineEventsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "clock", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	advance(t, env, is.ID, domain.StateSpecReady)
	page, err := env.Engine.Timeline(env.Ctx, is.ID, "", 0, 0)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(page.Events))
	}
	for _, ev := range page.Events {
		if ev.OccurredAt != is.CreatedAt {
			t.Fatalf("%s occurred_at = %s, issue created_at = %s", ev.EventType, ev.OccurredAt, is.CreatedAt)
		}
	}
}

func TestMergeEvidenceRecordsProvenance(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "provenance", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.LinkPR(env.Ctx, is.ID, "org/app", 7, "https://example.com/pr/7", "tester"); err != nil {
		t.Fatalf("link pr: %v", err)
	}
	advance(t, env, is.ID,
		domain.StateSpecReady, domain.StateQueued, domain.StateInProgress,
		domain.StateVerifying, domain.StateReviewReady)

	res, err := env.Engine.ApplyMergeOutcome(env.Ctx, engine.MergeOutcomeOptions{
		IssueID:     is.ID,
		Repo:        "org/app",
		PRNumber:    7,
		PRURL:       "https://example.com/pr/7",
		MergeCommit: "def456",
		MergedAt:    "2025-12-31T23:59:00Z",
		RunID:       "run-merge",
		RequestID:   "req-9",
		Source:      "ci",
		ActorID:     "bot",
	})
	if err != nil {
		t.Fatalf("apply merge: %v", err)
	}
	if !res.OK {
		t.Fatalf("result %+v", res)
	}

	var paramsJSON, resultJSON string
	row := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT params_json, result_json FROM evidence WHERE issue_id=? AND action='merge'`, is.ID)
	if err := row.Scan(&paramsJSON, &resultJSON); err != nil {
		t.Fatalf("read merge evidence: %v", err)
	}
	var params, result map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		t.Fatalf("params: %v", err)
	}
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if params["request_id"] != "req-9" || params["source"] != "ci" {
		t.Fatalf("params missing provenance: %v", params)
	}
	if params["pr_url"] != "https://example.com/pr/7" {
		t.Fatalf("params missing pr url: %v", params)
	}
	if result["merged_at"] != "2025-12-31T23:59:00Z" || result["merge_commit"] != "def456" {
		t.Fatalf("result missing merge provenance: %v", result)
	}
}

func TestMergeStorageFailureSurfacesAsMergeFailed(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "storage", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	advance(t, env, is.ID,
		domain.StateSpecReady, domain.StateQueued, domain.StateInProgress,
		domain.StateVerifying, domain.StateReviewReady)

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE evidence`); err != nil {
		t.Fatalf("drop evidence: %v", err)
	}
	_, err = env.Engine.ApplyMergeOutcome(env.Ctx, engine.MergeOutcomeOptions{IssueID: is.ID, ActorID: "bot"})
	var me engine.MergeError
	if !errors.As(err, &me) || me.Code != engine.MergeFailedCode {
		t.Fatalf("expected %s, got %v", engine.MergeFailedCode, err)
	}
	if strings.Contains(me.Reason, "evidence") || strings.Contains(me.Reason, "table") {
		t.Fatalf("reason leaks storage detail: %q", me.Reason)
	}
	got, err := env.Engine.Repo.GetIssue(env.Ctx, is.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StateReviewReady {
		t.Fatalf("failed merge changed status to %s", got.Status)
	}
}

func TestStoreVerdictRuleSetChangeConflicts(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "rules", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	checks := map[string]string{"build": "pass", "tests": "pass"}
	if _, err := env.Engine.StoreVerdict(env.Ctx, verdict.Evidence{
		IssueID: is.ID, RunID: "run-1", Checks: checks,
	}, "ci", ""); err != nil {
		t.Fatalf("first store: %v", err)
	}
	// same run and checks under a different rule set is a new evaluation,
	// not a replay
	_, err = env.Engine.StoreVerdict(env.Ctx, verdict.Evidence{
		IssueID: is.ID, RunID: "run-1", RuleSet: "strict", Checks: checks,
	}, "ci", "")
	if !errors.Is(err, engine.ErrRunConflict) {
		t.Fatalf("expected run conflict, got %v", err)
	}
}

func TestStoreVerdictUnknownRuleSetRejected(t *testing.T) {
	env := newTestEnv(t)
	is, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "badrules", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.StoreVerdict(env.Ctx, verdict.Evidence{
		IssueID: is.ID, RunID: "run-1", RuleSet: "nope", Checks: map[string]string{"build": "pass"},
	}, "ci", "")
	var ve verdict.ValidationError
	if !errors.As(err, &ve) || ve.Field != "rule_set" {
		t.Fatalf("expected rule_set validation error, got %v", err)
	}
}
