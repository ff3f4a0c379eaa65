package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"meshline/internal/config"
	"meshline/internal/domain"
	"meshline/internal/events"
	"meshline/internal/repo"
	"meshline/internal/verdict"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// eventWriter hands out the timeline writer with the engine clock attached,
// so rows and their events within one transaction carry the same timestamp.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// MergeError is a failed merge outcome. The whole transaction rolled back, so
// the tracker holds no partial trace of the attempt.
type MergeError struct {
	Code   string
	Reason string
}

func (e MergeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// MergeFailedCode marks merge outcomes the tracker could not apply. Callers
// retry or escalate on this code; the issue state is unchanged.
const MergeFailedCode = "MESH_UPDATE_FAILED"

// ArgumentError marks a request rejected before any transaction opened. It
// maps to a 400 at the API layer.
type ArgumentError struct {
	Reason string
}

func (e ArgumentError) Error() string {
	return e.Reason
}

// ErrRunConflict is returned when a run id is replayed with different
// evidence. The original verdict stands; the caller must use a new run id.
var ErrRunConflict = errors.New("run already evaluated with different evidence")

// IssueCreateOptions are parameters for creating an issue.
type IssueCreateOptions struct {
	Title       string
	CanonicalID string
	Repo        string
	PRNumber    *int
	PRURL       string
	ActorID     string
}

// CreateIssue registers a new issue in draft. The public id is a short hex
// handle for humans; the canonical id defaults to <pipeline>-<public id>.
func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if e.Config == nil {
		return domain.Issue{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Issue{}, ArgumentError{Reason: "title is required"}
	}
	id := uuid.New().String()
	publicID := strings.ReplaceAll(id, "-", "")[:8]
	canonical := opts.CanonicalID
	if canonical == "" {
		canonical = fmt.Sprintf("%s-%s", e.Config.Pipeline.ID, publicID)
	}
	now := e.now().UTC().Format(time.RFC3339)
	is := domain.Issue{
		ID:          id,
		PublicID:    publicID,
		CanonicalID: canonical,
		Title:       opts.Title,
		Status:      domain.StateDraft,
		Repo:        opts.Repo,
		PRNumber:    opts.PRNumber,
		PRURL:       opts.PRURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertIssue(ctx, tx, is); err != nil {
		return domain.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, "issue.created", is.ID, "", opts.ActorID, "", events.EventPayload{
		"title":  is.Title,
		"status": string(is.Status),
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return is, nil
}

// ApplyTransition moves an issue to a new pipeline stage. The current state is
// re-read inside the transaction, so a racing transition loses cleanly instead
// of writing over a newer state. Repeating an already-applied transition is a
// no-op success that emits no event.
func (e Engine) ApplyTransition(ctx context.Context, identifier string, to domain.IssueState, actorID, reason string) (domain.Issue, error) {
	is, err := e.Repo.GetIssue(ctx, identifier)
	if err != nil {
		return domain.Issue{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	is, err = e.Repo.GetIssueTx(ctx, tx, is.ID)
	if err != nil {
		return domain.Issue{}, err
	}
	if is.Status == to {
		return is, tx.Commit()
	}
	next, err := domain.Transition(is.Status, to)
	if err != nil {
		return is, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIssueStatus(ctx, tx, is.ID, next, now); err != nil {
		return is, err
	}
	payload := events.EventPayload{
		"from": string(is.Status),
		"to":   string(next),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if err := e.eventWriter().Append(ctx, tx, "issue.transitioned", is.ID, "", actorID, "", payload); err != nil {
		return is, err
	}
	if err := tx.Commit(); err != nil {
		return is, err
	}
	is.Status = next
	is.UpdatedAt = now
	return is, nil
}

// LinkPR binds a pull request to an issue so merge outcomes can resolve it by
// repo and PR number.
func (e Engine) LinkPR(ctx context.Context, identifier, repoName string, prNumber int, prURL, actorID string) (domain.Issue, error) {
	if repoName == "" || prNumber <= 0 {
		return domain.Issue{}, ArgumentError{Reason: "repo and pr number required"}
	}
	is, err := e.Repo.GetIssue(ctx, identifier)
	if err != nil {
		return domain.Issue{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetIssuePR(ctx, tx, is.ID, prURL, &prNumber, now); err != nil {
		return domain.Issue{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE issues SET repo=? WHERE id=?`, repoName, is.ID); err != nil {
		return domain.Issue{}, err
	}
	if err := e.eventWriter().Append(ctx, tx, "pr.linked", is.ID, "", actorID, "", events.EventPayload{
		"repo":      repoName,
		"pr_number": prNumber,
		"pr_url":    prURL,
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	is.Repo = repoName
	is.PRNumber = &prNumber
	is.PRURL = prURL
	is.UpdatedAt = now
	return is, nil
}

// VerdictOutcome is the result of storing a verification run.
type VerdictOutcome struct {
	Verdict domain.Verdict
	// Replayed is true when the run id and evidence matched an earlier
	// submission and the stored verdict was returned as-is.
	Replayed bool
}

// StoreVerdict evaluates verification evidence and persists the verdict with
// its evidence in one transaction. Replaying the same (issue, run, evidence)
// returns the stored verdict without new rows; the same run with different
// evidence is a conflict.
func (e Engine) StoreVerdict(ctx context.Context, ev verdict.Evidence, actorID, requestID string) (VerdictOutcome, error) {
	if e.Config == nil {
		return VerdictOutcome{}, errors.New("config not loaded")
	}
	if err := verdict.Validate(ev); err != nil {
		return VerdictOutcome{}, err
	}
	is, err := e.Repo.GetIssue(ctx, ev.IssueID)
	if err != nil {
		return VerdictOutcome{}, err
	}
	rs, err := e.Config.RuleSetOrDefault(ev.RuleSet)
	if err != nil {
		return VerdictOutcome{}, verdict.ValidationError{Field: "rule_set", Reason: fmt.Sprintf("%q is not defined", ev.RuleSet)}
	}
	res := verdict.Evaluate(ev, rs.Require)
	hash := verdict.Hash(ev, rs.Require)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return VerdictOutcome{}, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.GetVerdictByRunTx(ctx, tx, is.ID, ev.RunID)
	if err == nil {
		if existing.EvidenceHash == hash {
			return VerdictOutcome{Verdict: existing, Replayed: true}, tx.Commit()
		}
		return VerdictOutcome{}, ErrRunConflict
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return VerdictOutcome{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	params := map[string]any{"rule_set": ev.RuleSet}
	if requestID != "" {
		params["request_id"] = requestID
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return VerdictOutcome{}, err
	}
	resultJSON, err := json.Marshal(ev.Checks)
	if err != nil {
		return VerdictOutcome{}, err
	}
	evd := domain.Evidence{
		ID:         uuid.New().String(),
		IssueID:    is.ID,
		RunID:      ev.RunID,
		Action:     "verify",
		ParamsJSON: string(paramsJSON),
		ResultJSON: string(resultJSON),
		CreatedAt:  now,
	}
	if err := e.Repo.InsertEvidence(ctx, tx, evd); err != nil {
		return VerdictOutcome{}, fmt.Errorf("insert evidence: %w", err)
	}
	v := domain.Verdict{
		ID:              uuid.New().String(),
		IssueID:         is.ID,
		RunID:           ev.RunID,
		EvidenceID:      evd.ID,
		EvidenceHash:    hash,
		Verdict:         res.Verdict,
		Rationale:       res.Rationale,
		FailedChecks:    res.FailedChecks,
		EvaluationRules: res.EvaluationRules,
		EvaluatedAt:     now,
	}
	if err := e.Repo.InsertVerdict(ctx, tx, v); err != nil {
		return VerdictOutcome{}, fmt.Errorf("insert verdict: %w", err)
	}
	if err := e.eventWriter().Append(ctx, tx, "verdict.stored", is.ID, ev.RunID, actorID, "", events.EventPayload{
		"verdict":       v.Verdict,
		"failed_checks": v.FailedChecks,
		"evidence_hash": hash,
	}); err != nil {
		return VerdictOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return VerdictOutcome{}, err
	}
	return VerdictOutcome{Verdict: v}, nil
}

// MergeOutcomeOptions identify a merged PR and its issue. IssueID takes
// precedence; Repo+PRNumber is the fallback for reports that only know the PR.
// MergedAt, RequestID and Source are provenance for the evidence row: when the
// reporter left MergedAt empty the apply time stands in for it.
type MergeOutcomeOptions struct {
	IssueID     string
	Repo        string
	PRNumber    int
	PRURL       string
	MergeCommit string
	MergedAt    string
	RunID       string
	RequestID   string
	Source      string
	ActorID     string
}

// MergeResult reports an applied merge outcome.
type MergeResult struct {
	OK    bool          `json:"ok"`
	Issue *domain.Issue `json:"issue,omitempty"`
	// AlreadyDone is true when the merge had been applied earlier and this
	// call changed nothing.
	AlreadyDone bool `json:"already_done"`
}

// ApplyMergeOutcome marks an issue done after its PR merged. Status update,
// evidence and timeline event commit in one transaction; on any failure the
// whole thing rolls back and the caller gets MESH_UPDATE_FAILED.
func (e Engine) ApplyMergeOutcome(ctx context.Context, opts MergeOutcomeOptions) (MergeResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, err
	}
	defer tx.Rollback()

	// Every failure past this point surfaces as the one merge failure code.
	// The cause goes to the log; storage internals never reach the caller.
	fail := func(err error) (MergeResult, error) {
		log.Printf("merge outcome not applied: %v", err)
		return MergeResult{}, MergeError{Code: MergeFailedCode, Reason: "could not apply merge outcome"}
	}

	var is domain.Issue
	switch {
	case opts.IssueID != "":
		resolved, err := e.Repo.GetIssue(ctx, opts.IssueID)
		if err == nil {
			is, err = e.Repo.GetIssueTx(ctx, tx, resolved.ID)
		}
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return MergeResult{}, MergeError{Code: MergeFailedCode, Reason: fmt.Sprintf("issue %s not found", opts.IssueID)}
			}
			return fail(err)
		}
	case opts.Repo != "" && opts.PRNumber > 0:
		is, err = e.Repo.GetIssueByPRTx(ctx, tx, opts.Repo, opts.PRNumber)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return MergeResult{}, MergeError{Code: MergeFailedCode, Reason: fmt.Sprintf("no issue for %s#%d", opts.Repo, opts.PRNumber)}
			}
			return fail(err)
		}
	default:
		return MergeResult{}, MergeError{Code: MergeFailedCode, Reason: "issue id or repo+pr number required"}
	}

	if is.Status == domain.StateDone {
		// Applied by an earlier delivery of the same outcome.
		return MergeResult{OK: true, Issue: &is, AlreadyDone: true}, tx.Commit()
	}
	next, err := domain.Transition(is.Status, domain.StateDone)
	if err != nil {
		return MergeResult{}, MergeError{Code: MergeFailedCode, Reason: fmt.Sprintf("issue %s is %s, not review_ready", is.CanonicalID, is.Status)}
	}

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIssueStatus(ctx, tx, is.ID, next, now); err != nil {
		return fail(err)
	}
	mergedAt := opts.MergedAt
	if mergedAt == "" {
		mergedAt = now
	}
	params := map[string]any{"repo": opts.Repo, "pr_number": opts.PRNumber, "pr_url": opts.PRURL}
	if opts.RequestID != "" {
		params["request_id"] = opts.RequestID
	}
	if opts.Source != "" {
		params["source"] = opts.Source
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fail(err)
	}
	result := map[string]any{"merge_commit": opts.MergeCommit, "merged_at": mergedAt}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fail(err)
	}
	evd := domain.Evidence{
		ID:         uuid.New().String(),
		IssueID:    is.ID,
		RunID:      opts.RunID,
		Action:     "merge",
		ParamsJSON: string(paramsJSON),
		ResultJSON: string(resultJSON),
		CreatedAt:  now,
	}
	if err := e.Repo.InsertEvidence(ctx, tx, evd); err != nil {
		return fail(fmt.Errorf("insert evidence: %w", err))
	}
	if err := e.eventWriter().Append(ctx, tx, "merge.applied", is.ID, opts.RunID, opts.ActorID, "", events.EventPayload{
		"from":         string(is.Status),
		"to":           string(next),
		"merge_commit": opts.MergeCommit,
		"merged_at":    mergedAt,
		"pr_url":       opts.PRURL,
	}); err != nil {
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	is.Status = next
	is.UpdatedAt = now
	return MergeResult{OK: true, Issue: &is}, nil
}

// PublishItemInput is one publish attempt to record.
type PublishItemInput struct {
	IssueID    string  `json:"issue_id,omitempty"`
	Action     string  `json:"action"`
	Reason     string  `json:"reason,omitempty"`
	ResultJSON *string `json:"result_json,omitempty"`
}

var publishActions = map[string]bool{"create": true, "update": true, "skip": true}

// AppendPublishBatch records one publish operation and its items atomically.
// Truncation of oversized results happens at insert, so the ledger always has
// a row per attempted item.
func (e Engine) AppendPublishBatch(ctx context.Context, sessionID string, items []PublishItemInput) (domain.PublishBatch, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.PublishBatch{}, ArgumentError{Reason: "session id required"}
	}
	if len(items) == 0 {
		return domain.PublishBatch{}, ArgumentError{Reason: "batch requires at least one item"}
	}
	for i, it := range items {
		if !publishActions[it.Action] {
			return domain.PublishBatch{}, ArgumentError{Reason: fmt.Sprintf("item %d: unknown action %q", i, it.Action)}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	b := domain.PublishBatch{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ItemCount: len(items),
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PublishBatch{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPublishBatch(ctx, tx, b); err != nil {
		return domain.PublishBatch{}, fmt.Errorf("insert batch: %w", err)
	}
	for _, it := range items {
		item := domain.PublishItem{
			ID:         uuid.New().String(),
			BatchID:    b.ID,
			IssueID:    it.IssueID,
			Action:     it.Action,
			Reason:     it.Reason,
			ResultJSON: it.ResultJSON,
			CreatedAt:  now,
		}
		if err := e.Repo.InsertPublishItem(ctx, tx, item); err != nil {
			return domain.PublishBatch{}, fmt.Errorf("insert item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.PublishBatch{}, err
	}
	return b, nil
}

// TimelinePage is one page of an issue's history plus the total count of
// events matching the same filter.
type TimelinePage struct {
	Events []domain.TimelineEvent `json:"events"`
	Total  int                    `json:"total"`
}

// Timeline resolves the issue, then lists its events in canonical order.
func (e Engine) Timeline(ctx context.Context, identifier, eventType string, limit, offset int) (TimelinePage, error) {
	is, err := e.Repo.GetIssue(ctx, identifier)
	if err != nil {
		return TimelinePage{}, err
	}
	f := repo.TimelineFilters{IssueID: is.ID, EventType: eventType, Limit: limit, Offset: offset}
	evs, err := e.Repo.ListTimeline(ctx, f)
	if err != nil {
		return TimelinePage{}, err
	}
	total, err := e.Repo.CountTimeline(ctx, f)
	if err != nil {
		return TimelinePage{}, err
	}
	if evs == nil {
		evs = []domain.TimelineEvent{}
	}
	return TimelinePage{Events: evs, Total: total}, nil
}
