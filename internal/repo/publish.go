package repo

import (
	"context"
	"database/sql"
	"strings"

	"meshline/internal/domain"
)

// MaxResultJSONBytes is the per-item cap on stored result payloads. Larger
// payloads are replaced with an empty object and flagged truncated so the row
// never silently loses its publish record.
const MaxResultJSONBytes = 32768

// MaxPublishBatchLimit caps a single batch listing page.
const MaxPublishBatchLimit = 100

func (r Repo) InsertPublishBatch(ctx context.Context, tx *sql.Tx, b domain.PublishBatch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO publish_batches(id,session_id,item_count,created_at) VALUES (?,?,?,?)`,
		b.ID, b.SessionID, b.ItemCount, b.CreatedAt)
	return err
}

// InsertPublishItem stores one ledger row, applying the result truncation
// rule: an absent result stays NULL, an oversized one becomes "{}" with the
// truncated flag set.
func (r Repo) InsertPublishItem(ctx context.Context, tx *sql.Tx, it domain.PublishItem) error {
	var result any
	truncated := false
	if it.ResultJSON != nil {
		v := *it.ResultJSON
		if len(v) > MaxResultJSONBytes {
			v = "{}"
			truncated = true
		}
		result = v
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO publish_items(id,batch_id,issue_id,action,reason,result_json,truncated,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		it.ID, it.BatchID, nullable(it.IssueID), it.Action, nullable(it.Reason), result, boolToInt(truncated), it.CreatedAt)
	return err
}

type PublishBatchFilters struct {
	SessionID string
	Limit     int
	Offset    int
}

func clampPublishLimit(limit int) int {
	if limit <= 0 || limit > MaxPublishBatchLimit {
		return MaxPublishBatchLimit
	}
	return limit
}

func (r Repo) ListPublishBatches(ctx context.Context, f PublishBatchFilters) ([]domain.PublishBatch, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	query := `SELECT id,session_id,item_count,created_at FROM publish_batches WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, clampPublishLimit(f.Limit), f.Offset)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PublishBatch
	for rows.Next() {
		var b domain.PublishBatch
		if err := rows.Scan(&b.ID, &b.SessionID, &b.ItemCount, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) GetPublishBatch(ctx context.Context, id string) (domain.PublishBatch, error) {
	var b domain.PublishBatch
	err := r.DB.QueryRowContext(ctx, `SELECT id,session_id,item_count,created_at FROM publish_batches WHERE id=?`, id).
		Scan(&b.ID, &b.SessionID, &b.ItemCount, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListPublishItems(ctx context.Context, batchID string) ([]domain.PublishItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,batch_id,COALESCE(issue_id,''),action,COALESCE(reason,''),result_json,truncated,created_at FROM publish_items WHERE batch_id=? ORDER BY created_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PublishItem
	for rows.Next() {
		var it domain.PublishItem
		var result sql.NullString
		var truncated int
		if err := rows.Scan(&it.ID, &it.BatchID, &it.IssueID, &it.Action, &it.Reason, &result, &truncated, &it.CreatedAt); err != nil {
			return nil, err
		}
		if result.Valid {
			v := result.String
			it.ResultJSON = &v
		}
		it.Truncated = truncated != 0
		res = append(res, it)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
