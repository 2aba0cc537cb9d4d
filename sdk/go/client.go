package flowlinesdk

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

// Client is a minimal Flowline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Version   int64  `json:"version"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Transition is one accepted status change.
type Transition struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	FromStatus     string `json:"from_status"`
	ToStatus       string `json:"to_status"`
	ActorID        string `json:"actor_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	OccurredAt     string `json:"occurred_at"`
	Replayed       bool   `json:"replayed,omitempty"`
}

// Status is the current status of record plus the legal next moves.
type Status struct {
	ProjectID string   `json:"project_id"`
	Status    string   `json:"status"`
	Version   int64    `json:"version"`
	Next      []string `json:"next"`
}

// Attempt is one delivery try from the notification audit log.
type Attempt struct {
	TransitionID   string `json:"transition_id"`
	AttemptNumber  int    `json:"attempt_number"`
	Outcome        string `json:"outcome"`
	ResponseDetail string `json:"response_detail,omitempty"`
	SentAt         string `json:"sent_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// TransitionRequest carries the parameters of a status change request.
type TransitionRequest struct {
	ToStatus       string `json:"to_status"`
	ExpectedStatus string `json:"expected_status,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project in draft.
func (c *Client) CreateProject(ctx context.Context, id, name string) (Project, error) {
	body := map[string]any{"id": id}
	if name != "" {
		body["name"] = name
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetProject fetches the active project.
func (c *Client) GetProject(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// RequestTransition asks for a status change. Rejections surface as
// APIError with the server's reason code in the body.
func (c *Client) RequestTransition(ctx context.Context, req TransitionRequest) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.projectPath("transitions"), req, &resp)
	return resp, err
}

// LatestStatus returns the status of record.
func (c *Client) LatestStatus(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// History returns the accepted transitions in append order.
func (c *Client) History(ctx context.Context) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, c.projectPath("transitions"), nil, &resp)
	return resp, err
}

// ListAttempts returns the delivery audit trail for a transition.
func (c *Client) ListAttempts(ctx context.Context, transitionID string) ([]Attempt, error) {
	var resp []Attempt
	endpoint := c.projectPath(fmt.Sprintf("transitions/%s/attempts", url.PathEscape(transitionID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
