package server

import (
	"encoding/json"

	"meshline/internal/domain"
	"meshline/internal/engine"
)

// Request payloads

type CreateIssueRequest struct {
	Title       string `json:"title"`
	CanonicalID string `json:"canonical_id,omitempty"`
	Repo        string `json:"repo,omitempty"`
	PRNumber    *int   `json:"pr_number,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
}

type SetIssueStatusRequest struct {
	Status string `json:"status" enum:"draft,spec_ready,queued,in_progress,verifying,review_ready,done,failed,canceled"`
	Reason string `json:"reason,omitempty"`
}

type LinkPRRequest struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number"`
	PRURL    string `json:"pr_url,omitempty"`
}

type VerifyRequest struct {
	IssueID string            `json:"issue_id"`
	RunID   string            `json:"run_id"`
	RuleSet string            `json:"rule_set,omitempty"`
	Checks  map[string]string `json:"checks"`
}

type MergeApplyRequest struct {
	IssueID     string `json:"issue_id,omitempty"`
	Repo        string `json:"repo,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
	MergeCommit string `json:"merge_commit,omitempty"`
	MergedAt    string `json:"merged_at,omitempty" format:"date-time"`
	RunID       string `json:"run_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Source      string `json:"source,omitempty"`
}

type PublishItemRequest struct {
	IssueID    string  `json:"issue_id,omitempty"`
	Action     string  `json:"action" enum:"create,update,skip"`
	Reason     string  `json:"reason,omitempty"`
	ResultJSON *string `json:"result_json,omitempty"`
}

type CreatePublishBatchRequest struct {
	SessionID string               `json:"session_id"`
	Items     []PublishItemRequest `json:"items"`
}

// Response payloads

type IssueResponse struct {
	ID          string `json:"id"`
	PublicID    string `json:"public_id"`
	CanonicalID string `json:"canonical_id"`
	Title       string `json:"title"`
	Status      string `json:"status" enum:"draft,spec_ready,queued,in_progress,verifying,review_ready,done,failed,canceled"`
	Repo        string `json:"repo,omitempty"`
	PRNumber    *int   `json:"pr_number,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type VerdictResponse struct {
	ID              string   `json:"id"`
	IssueID         string   `json:"issue_id"`
	RunID           string   `json:"run_id"`
	EvidenceID      string   `json:"evidence_id"`
	Verdict         string   `json:"verdict" enum:"GREEN,RED"`
	Rationale       string   `json:"rationale"`
	FailedChecks    []string `json:"failed_checks"`
	EvaluationRules []string `json:"evaluation_rules"`
	EvaluatedAt     string   `json:"evaluated_at" format:"date-time"`
	Replayed        bool     `json:"replayed"`
}

type TimelineEventResponse struct {
	ID         int64          `json:"id"`
	IssueID    string         `json:"issue_id"`
	RunID      string         `json:"run_id,omitempty"`
	EventType  string         `json:"event_type"`
	EventData  map[string]any `json:"event_data"`
	Actor      string         `json:"actor"`
	ActorType  string         `json:"actor_type"`
	OccurredAt string         `json:"occurred_at" format:"date-time"`
}

type TimelineResponse struct {
	Events []TimelineEventResponse `json:"events"`
	Total  int                     `json:"total"`
}

type MergeApplyResponse struct {
	OK          bool           `json:"ok"`
	AlreadyDone bool           `json:"already_done"`
	Issue       *IssueResponse `json:"issue,omitempty"`
}

type PublishItemResponse struct {
	ID         string  `json:"id"`
	IssueID    string  `json:"issue_id,omitempty"`
	Action     string  `json:"action" enum:"create,update,skip"`
	Reason     string  `json:"reason,omitempty"`
	ResultJSON *string `json:"result_json,omitempty"`
	Truncated  bool    `json:"truncated"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

type PublishBatchResponse struct {
	ID        string                `json:"id"`
	SessionID string                `json:"session_id"`
	ItemCount int                   `json:"item_count"`
	CreatedAt string                `json:"created_at" format:"date-time"`
	Items     []PublishItemResponse `json:"items,omitempty"`
}

type paginatedIssues struct {
	Items []IssueResponse `json:"items"`
}

type paginatedPublishBatches struct {
	Items []PublishBatchResponse `json:"items"`
}

// Conversion helpers

func issueResponse(is domain.Issue) IssueResponse {
	return IssueResponse{
		ID:          is.ID,
		PublicID:    is.PublicID,
		CanonicalID: is.CanonicalID,
		Title:       is.Title,
		Status:      string(is.Status),
		Repo:        is.Repo,
		PRNumber:    is.PRNumber,
		PRURL:       is.PRURL,
		CreatedAt:   is.CreatedAt,
		UpdatedAt:   is.UpdatedAt,
	}
}

func mapIssues(items []domain.Issue) []IssueResponse {
	res := []IssueResponse{}
	for _, is := range items {
		res = append(res, issueResponse(is))
	}
	return res
}

func verdictResponse(out engine.VerdictOutcome) VerdictResponse {
	v := out.Verdict
	return VerdictResponse{
		ID:              v.ID,
		IssueID:         v.IssueID,
		RunID:           v.RunID,
		EvidenceID:      v.EvidenceID,
		Verdict:         v.Verdict,
		Rationale:       v.Rationale,
		FailedChecks:    nonNilSlice(v.FailedChecks),
		EvaluationRules: nonNilSlice(v.EvaluationRules),
		EvaluatedAt:     v.EvaluatedAt,
		Replayed:        out.Replayed,
	}
}

func timelineEventResponse(e domain.TimelineEvent) TimelineEventResponse {
	return TimelineEventResponse{
		ID:         e.ID,
		IssueID:    e.IssueID,
		RunID:      e.RunID,
		EventType:  e.EventType,
		EventData:  decodeJSONMap(e.EventData),
		Actor:      e.Actor,
		ActorType:  e.ActorType,
		OccurredAt: e.OccurredAt,
	}
}

func publishItemResponse(it domain.PublishItem) PublishItemResponse {
	return PublishItemResponse{
		ID:         it.ID,
		IssueID:    it.IssueID,
		Action:     it.Action,
		Reason:     it.Reason,
		ResultJSON: it.ResultJSON,
		Truncated:  it.Truncated,
		CreatedAt:  it.CreatedAt,
	}
}

func publishBatchResponse(b domain.PublishBatch, items []domain.PublishItem) PublishBatchResponse {
	res := PublishBatchResponse{
		ID:        b.ID,
		SessionID: b.SessionID,
		ItemCount: b.ItemCount,
		CreatedAt: b.CreatedAt,
	}
	for _, it := range items {
		res.Items = append(res.Items, publishItemResponse(it))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
