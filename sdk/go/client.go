package meshlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Meshline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Issue represents the API issue model.
type Issue struct {
	ID          string `json:"id"`
	PublicID    string `json:"public_id"`
	CanonicalID string `json:"canonical_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Repo        string `json:"repo,omitempty"`
	PRNumber    *int   `json:"pr_number,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Verdict represents a stored verification verdict.
type Verdict struct {
	ID              string   `json:"id"`
	IssueID         string   `json:"issue_id"`
	RunID           string   `json:"run_id"`
	EvidenceID      string   `json:"evidence_id"`
	Verdict         string   `json:"verdict"`
	Rationale       string   `json:"rationale"`
	FailedChecks    []string `json:"failed_checks"`
	EvaluationRules []string `json:"evaluation_rules"`
	EvaluatedAt     string   `json:"evaluated_at"`
	Replayed        bool     `json:"replayed"`
}

// TimelineEvent represents one timeline entry.
type TimelineEvent struct {
	ID         int64          `json:"id"`
	IssueID    string         `json:"issue_id"`
	RunID      string         `json:"run_id,omitempty"`
	EventType  string         `json:"event_type"`
	EventData  map[string]any `json:"event_data"`
	Actor      string         `json:"actor"`
	ActorType  string         `json:"actor_type"`
	OccurredAt string         `json:"occurred_at"`
}

// Timeline wraps a timeline listing with the unpaginated total.
type Timeline struct {
	Events []TimelineEvent `json:"events"`
	Total  int             `json:"total"`
}

// MergeOutcome reports an applied merge.
type MergeOutcome struct {
	OK          bool   `json:"ok"`
	AlreadyDone bool   `json:"already_done"`
	Issue       *Issue `json:"issue,omitempty"`
}

// MergeOutcomeInput identifies a merged PR and carries its provenance. Set
// IssueID, or Repo with PRNumber; MergedAt, RequestID and Source end up in the
// recorded evidence.
type MergeOutcomeInput struct {
	IssueID     string `json:"issue_id,omitempty"`
	Repo        string `json:"repo,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
	MergeCommit string `json:"merge_commit,omitempty"`
	MergedAt    string `json:"merged_at,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Source      string `json:"source,omitempty"`
}

// PublishItem represents one ledger entry within a batch.
type PublishItem struct {
	ID         string  `json:"id"`
	IssueID    string  `json:"issue_id,omitempty"`
	Action     string  `json:"action"`
	Reason     string  `json:"reason,omitempty"`
	ResultJSON *string `json:"result_json,omitempty"`
	Truncated  bool    `json:"truncated"`
	CreatedAt  string  `json:"created_at"`
}

// PublishBatch represents one publish session's ledger batch.
type PublishBatch struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	ItemCount int           `json:"item_count"`
	CreatedAt string        `json:"created_at"`
	Items     []PublishItem `json:"items,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIssue creates a draft issue.
func (c *Client) CreateIssue(ctx context.Context, title string) (Issue, error) {
	body := map[string]any{"title": title}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v1/issues", body, &resp)
	return resp, err
}

// GetIssue fetches an issue by UUID, public id, or canonical id.
func (c *Client) GetIssue(ctx context.Context, identifier string) (Issue, error) {
	var resp Issue
	endpoint := fmt.Sprintf("v1/issues/%s", url.PathEscape(identifier))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListIssues returns issues, optionally filtered by status.
func (c *Client) ListIssues(ctx context.Context, status string, limit int) ([]Issue, error) {
	endpoint := "v1/issues"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Issue `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SetIssueStatus moves an issue to a new stage.
func (c *Client) SetIssueStatus(ctx context.Context, identifier, status, reason string) (Issue, error) {
	body := map[string]any{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Issue
	endpoint := fmt.Sprintf("v1/issues/%s/status", url.PathEscape(identifier))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// LinkPR attaches a pull request to an issue.
func (c *Client) LinkPR(ctx context.Context, identifier, repo string, prNumber int, prURL string) (Issue, error) {
	body := map[string]any{
		"repo":      repo,
		"pr_number": prNumber,
	}
	if prURL != "" {
		body["pr_url"] = prURL
	}
	var resp Issue
	endpoint := fmt.Sprintf("v1/issues/%s/pr", url.PathEscape(identifier))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Verify submits check results for a run and returns the stored verdict.
// Resubmitting identical evidence for the same run replays the verdict.
func (c *Client) Verify(ctx context.Context, issueID, runID, ruleSet string, checks map[string]string) (Verdict, error) {
	body := map[string]any{
		"issue_id": issueID,
		"run_id":   runID,
		"checks":   checks,
	}
	if ruleSet != "" {
		body["rule_set"] = ruleSet
	}
	var resp Verdict
	err := c.do(ctx, http.MethodPost, "v1/verify", body, &resp)
	return resp, err
}

// ApplyMergeOutcome marks an issue done after its PR merged.
func (c *Client) ApplyMergeOutcome(ctx context.Context, input MergeOutcomeInput) (MergeOutcome, error) {
	var resp MergeOutcome
	err := c.do(ctx, http.MethodPost, "v1/merge-outcomes", input, &resp)
	return resp, err
}

// ApplyMergeByIssue marks an issue done after its PR merged.
func (c *Client) ApplyMergeByIssue(ctx context.Context, identifier, mergeCommit string) (MergeOutcome, error) {
	return c.ApplyMergeOutcome(ctx, MergeOutcomeInput{IssueID: identifier, MergeCommit: mergeCommit})
}

// ApplyMergeByPR marks the issue linked to repo#prNumber done.
func (c *Client) ApplyMergeByPR(ctx context.Context, repo string, prNumber int, mergeCommit string) (MergeOutcome, error) {
	return c.ApplyMergeOutcome(ctx, MergeOutcomeInput{Repo: repo, PRNumber: prNumber, MergeCommit: mergeCommit})
}

// IssueTimeline returns an issue's timeline, oldest first.
func (c *Client) IssueTimeline(ctx context.Context, identifier, eventType string, limit, offset int) (Timeline, error) {
	endpoint := fmt.Sprintf("v1/issues/%s/timeline", url.PathEscape(identifier))
	q := url.Values{}
	if eventType != "" {
		q.Set("event_type", eventType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Timeline
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PublishItemInput describes one item of a publish batch.
type PublishItemInput struct {
	IssueID    string  `json:"issue_id,omitempty"`
	Action     string  `json:"action"`
	Reason     string  `json:"reason,omitempty"`
	ResultJSON *string `json:"result_json,omitempty"`
}

// RecordPublishBatch records a publish session's outcomes.
func (c *Client) RecordPublishBatch(ctx context.Context, sessionID string, items []PublishItemInput) (PublishBatch, error) {
	body := map[string]any{
		"session_id": sessionID,
		"items":      items,
	}
	var resp PublishBatch
	err := c.do(ctx, http.MethodPost, "v1/publish-batches", body, &resp)
	return resp, err
}

// ListPublishBatches returns recorded batches, optionally for one session.
func (c *Client) ListPublishBatches(ctx context.Context, sessionID string, includeItems bool) ([]PublishBatch, error) {
	endpoint := "v1/publish-batches"
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if includeItems {
		q.Set("include_items", "true")
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []PublishBatch `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
