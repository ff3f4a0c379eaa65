package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends timeline events inside the caller's transaction so the event
// commits or rolls back with the state change it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, eventType, issueID, runID, actor, actorType string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorType == "" {
		actorType = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO timeline_events(issue_id,run_id,event_type,event_data,actor,actor_type,occurred_at) VALUES (?,?,?,?,?,?,?)`,
		issueID, nullable(runID), eventType, string(data), actor, actorType, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
