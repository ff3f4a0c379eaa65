package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"meshline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// MaxTimelineLimit caps a single timeline page to keep scans bounded.
const MaxTimelineLimit = 500

var (
	uuidPattern     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	publicIDPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)
)

const issueColumns = `id,public_id,canonical_id,title,status,COALESCE(repo,''),pr_number,COALESCE(pr_url,''),created_at,updated_at`

func scanIssue(row interface{ Scan(...any) error }) (domain.Issue, error) {
	var is domain.Issue
	var prNumber sql.NullInt64
	err := row.Scan(&is.ID, &is.PublicID, &is.CanonicalID, &is.Title, &is.Status, &is.Repo, &prNumber, &is.PRURL, &is.CreatedAt, &is.UpdatedAt)
	if err == sql.ErrNoRows {
		return is, ErrNotFound
	}
	if err != nil {
		return is, err
	}
	if prNumber.Valid {
		n := int(prNumber.Int64)
		is.PRNumber = &n
	}
	return is, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(id,public_id,canonical_id,title,status,repo,pr_number,pr_url,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		is.ID, is.PublicID, is.CanonicalID, is.Title, string(is.Status), nullable(is.Repo), nullableIntPtr(is.PRNumber), nullable(is.PRURL), is.CreatedAt, is.UpdatedAt)
	return err
}

// GetIssue resolves an issue by UUID, 8-hex public id, or canonical id. The
// identifier shape picks the lookup column; canonical id is the fallback.
func (r Repo) GetIssue(ctx context.Context, identifier string) (domain.Issue, error) {
	identifier = strings.TrimSpace(identifier)
	column := "canonical_id"
	switch {
	case uuidPattern.MatchString(identifier):
		column = "id"
	case publicIDPattern.MatchString(identifier):
		column = "public_id"
	}
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE `+column+`=?`, identifier))
}

// GetIssueTx re-reads an issue inside a transaction by its UUID. Transition
// checks must use this, not a caller-supplied snapshot.
func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	return scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

// GetIssueByPRTx correlates an issue by repository and PR number inside a
// transaction, for merge reports that do not carry the issue id.
func (r Repo) GetIssueByPRTx(ctx context.Context, tx *sql.Tx, repo string, prNumber int) (domain.Issue, error) {
	return scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE repo=? AND pr_number=?`, repo, prNumber))
}

type IssueFilters struct {
	Status string
	Repo   string
	Limit  int
	Offset int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Repo != "" {
		clauses = append(clauses, "repo=?")
		args = append(args, f.Repo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

// UpdateIssueStatus writes the new status. The UPDATE's row lock serializes
// racing transitions of the same issue.
func (r Repo) UpdateIssueStatus(ctx context.Context, tx *sql.Tx, id string, status domain.IssueState, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status=?, updated_at=? WHERE id=?`, string(status), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetIssuePR binds a pull request to an issue so later merge reports can
// resolve it by repo and PR number.
func (r Repo) SetIssuePR(ctx context.Context, tx *sql.Tx, id, prURL string, prNumber *int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET pr_url=?, pr_number=?, updated_at=? WHERE id=?`,
		nullable(prURL), nullableIntPtr(prNumber), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence(id,issue_id,run_id,action,params_json,result_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		ev.ID, ev.IssueID, nullable(ev.RunID), ev.Action, nullable(ev.ParamsJSON), nullable(ev.ResultJSON), ev.CreatedAt)
	return err
}

func (r Repo) CountEvidenceByIssue(ctx context.Context, issueID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM evidence WHERE issue_id=?`, issueID).Scan(&n)
	return n, err
}

const verdictColumns = `id,issue_id,run_id,evidence_id,evidence_hash,verdict,rationale,failed_checks_json,evaluation_rules_json,evaluated_at`

func scanVerdict(row interface{ Scan(...any) error }) (domain.Verdict, error) {
	var v domain.Verdict
	var failed, rules sql.NullString
	err := row.Scan(&v.ID, &v.IssueID, &v.RunID, &v.EvidenceID, &v.EvidenceHash, &v.Verdict, &v.Rationale, &failed, &rules, &v.EvaluatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if failed.Valid && failed.String != "" {
		_ = json.Unmarshal([]byte(failed.String), &v.FailedChecks)
	}
	if rules.Valid && rules.String != "" {
		_ = json.Unmarshal([]byte(rules.String), &v.EvaluationRules)
	}
	return v, nil
}

func (r Repo) InsertVerdict(ctx context.Context, tx *sql.Tx, v domain.Verdict) error {
	failed, err := json.Marshal(v.FailedChecks)
	if err != nil {
		return err
	}
	rules, err := json.Marshal(v.EvaluationRules)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO verdicts(id,issue_id,run_id,evidence_id,evidence_hash,verdict,rationale,failed_checks_json,evaluation_rules_json,evaluated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.IssueID, v.RunID, v.EvidenceID, v.EvidenceHash, v.Verdict, v.Rationale, string(failed), string(rules), v.EvaluatedAt)
	return err
}

// GetVerdictByRunTx returns the stored verdict for (issue, run), if any.
// Callers compare the evidence hash to decide between idempotent return and
// conflict.
func (r Repo) GetVerdictByRunTx(ctx context.Context, tx *sql.Tx, issueID, runID string) (domain.Verdict, error) {
	return scanVerdict(tx.QueryRowContext(ctx, `SELECT `+verdictColumns+` FROM verdicts WHERE issue_id=? AND run_id=?`, issueID, runID))
}

func (r Repo) GetVerdict(ctx context.Context, id string) (domain.Verdict, error) {
	return scanVerdict(r.DB.QueryRowContext(ctx, `SELECT `+verdictColumns+` FROM verdicts WHERE id=?`, id))
}

func (r Repo) ListVerdictsByIssue(ctx context.Context, issueID string) ([]domain.Verdict, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+verdictColumns+` FROM verdicts WHERE issue_id=? ORDER BY evaluated_at ASC, id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Verdict
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

type TimelineFilters struct {
	IssueID   string
	EventType string
	Limit     int
	Offset    int
}

func clampTimelineLimit(limit int) int {
	if limit <= 0 || limit > MaxTimelineLimit {
		return MaxTimelineLimit
	}
	return limit
}

const timelineColumns = `id,issue_id,COALESCE(run_id,''),event_type,event_data,actor,actor_type,occurred_at`

func scanTimelineEvent(row interface{ Scan(...any) error }) (domain.TimelineEvent, error) {
	var e domain.TimelineEvent
	err := row.Scan(&e.ID, &e.IssueID, &e.RunID, &e.EventType, &e.EventData, &e.Actor, &e.ActorType, &e.OccurredAt)
	return e, err
}

// ListTimeline returns events in (occurred_at ASC, id ASC) order, stable
// across repeated reads even when timestamps collide.
func (r Repo) ListTimeline(ctx context.Context, f TimelineFilters) ([]domain.TimelineEvent, error) {
	clauses := []string{"issue_id=?"}
	args := []any{f.IssueID}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	query := `SELECT ` + timelineColumns + ` FROM timeline_events WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY occurred_at ASC, id ASC LIMIT ? OFFSET ?`
	args = append(args, clampTimelineLimit(f.Limit), f.Offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		e, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountTimeline applies the same predicate as ListTimeline so pagination
// totals match the listed rows.
func (r Repo) CountTimeline(ctx context.Context, f TimelineFilters) (int, error) {
	clauses := []string{"issue_id=?"}
	args := []any{f.IssueID}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM timeline_events WHERE `+strings.Join(clauses, " AND "), args...).Scan(&n)
	return n, err
}

// TimelineAfter returns events past the cursor in id order, for the webhook
// dispatcher.
func (r Repo) TimelineAfter(ctx context.Context, cursor int64, limit int) ([]domain.TimelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+timelineColumns+` FROM timeline_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		e, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestTimelineID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM timeline_events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
