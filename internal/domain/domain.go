package domain

// Issue is the root entity tracked through the pipeline. The three identifier
// fields are interchangeable lookup keys resolving to the same row.
type Issue struct {
	ID          string     `json:"id"`
	PublicID    string     `json:"public_id"`
	CanonicalID string     `json:"canonical_id"`
	Title       string     `json:"title"`
	Status      IssueState `json:"status" enum:"draft,spec_ready,queued,in_progress,verifying,review_ready,done,failed,canceled"`
	Repo        string     `json:"repo,omitempty"`
	PRNumber    *int       `json:"pr_number,omitempty"`
	PRURL       string     `json:"pr_url,omitempty"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

// Evidence is an immutable record of what a pipeline step observed or did.
// Params and Result are opaque JSON; redaction happens before they get here.
type Evidence struct {
	ID         string `json:"id"`
	IssueID    string `json:"issue_id"`
	RunID      string `json:"run_id,omitempty"`
	Action     string `json:"action"`
	ParamsJSON string `json:"params_json,omitempty"`
	ResultJSON string `json:"result_json,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Verdict is the stored outcome of evaluating verification evidence.
type Verdict struct {
	ID              string   `json:"id"`
	IssueID         string   `json:"issue_id"`
	RunID           string   `json:"run_id"`
	EvidenceID      string   `json:"evidence_id"`
	EvidenceHash    string   `json:"evidence_hash"`
	Verdict         string   `json:"verdict" enum:"GREEN,RED"`
	Rationale       string   `json:"rationale"`
	FailedChecks    []string `json:"failed_checks,omitempty"`
	EvaluationRules []string `json:"evaluation_rules"`
	EvaluatedAt     string   `json:"evaluated_at" format:"date-time"`
}

// TimelineEvent is one append-only entry in an issue's history. Total order is
// (occurred_at ASC, id ASC); id breaks timestamp ties.
type TimelineEvent struct {
	ID         int64  `json:"id"`
	IssueID    string `json:"issue_id"`
	RunID      string `json:"run_id,omitempty"`
	EventType  string `json:"event_type"`
	EventData  string `json:"event_data"`
	Actor      string `json:"actor"`
	ActorType  string `json:"actor_type"`
	OccurredAt string `json:"occurred_at" format:"date-time"`
}

// PublishBatch groups the publish attempts of one user-triggered operation.
// Batches are never mutated; corrections produce a new batch.
type PublishBatch struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	ItemCount int    `json:"item_count"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PublishItem is one publish attempt inside a batch. ResultJSON is bounded:
// payloads over the storage limit are replaced by {} with Truncated set.
type PublishItem struct {
	ID         string  `json:"id"`
	BatchID    string  `json:"batch_id"`
	IssueID    string  `json:"issue_id,omitempty"`
	Action     string  `json:"action" enum:"create,update,skip"`
	Reason     string  `json:"reason,omitempty"`
	ResultJSON *string `json:"result_json,omitempty"`
	Truncated  bool    `json:"truncated"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// APIKey authenticates non-interactive callers of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
