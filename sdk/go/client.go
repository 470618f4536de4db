// Package guilthubsdk is a minimal Go client for the GUILTHUB HTTP API.
package guilthubsdk

import (
	"bufio"
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

// Client is a minimal GUILTHUB HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Analysis is the oracle verdict on a commit.
type Analysis struct {
	Severity int      `json:"severity"`
	Category string   `json:"category"`
	Roast    string   `json:"roast"`
	Penance  string   `json:"penance"`
	Tags     []string `json:"tags"`
}

// Commit is one recorded deviation.
type Commit struct {
	ID        string   `json:"id"`
	Date      string   `json:"date"`
	Timestamp int64    `json:"timestamp"`
	Message   string   `json:"message"`
	Analysis  Analysis `json:"analysis"`
	IssueID   string   `json:"issueId,omitempty"`
}

// Issue is a recurring-defect ticket.
type Issue struct {
	ID          string   `json:"id"`
	Number      int      `json:"number"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	CreatedAt   string   `json:"createdAt"`
	Labels      []string `json:"labels"`
}

// Review is the oracle verdict on a pull request.
type Review struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
	Label   string `json:"label"`
}

// PullRequest is an atonement proposal against one commit.
type PullRequest struct {
	ID          string  `json:"id"`
	CommitID    string  `json:"commitId"`
	Number      int     `json:"number"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"createdAt"`
	Review      *Review `json:"review,omitempty"`
}

// Status is the dashboard readout.
type Status struct {
	KernelStatus string  `json:"kernelStatus"`
	SystemHealth string  `json:"systemHealth"`
	OpenIssues   int     `json:"openIssues"`
	PendingPulls int     `json:"pendingPulls"`
	AvgSeverity  float64 `json:"avgSeverity"`
	TotalCommits int     `json:"totalCommits"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status fetches the system status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// CreateCommit records a deviation. issueID may be empty.
func (c *Client) CreateCommit(ctx context.Context, message, issueID string) (Commit, error) {
	body := map[string]any{"message": message}
	if issueID != "" {
		body["issue_id"] = issueID
	}
	var resp Commit
	err := c.do(ctx, http.MethodPost, "v0/commits", body, &resp)
	return resp, err
}

// GetCommit fetches one commit by id.
func (c *Client) GetCommit(ctx context.Context, id string) (Commit, error) {
	var resp Commit
	err := c.do(ctx, http.MethodGet, "v0/commits/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListCommits returns all commits, newest first.
func (c *Client) ListCommits(ctx context.Context) ([]Commit, error) {
	var resp []Commit
	err := c.do(ctx, http.MethodGet, "v0/commits", nil, &resp)
	return resp, err
}

// Analyze scores a message without recording a commit.
func (c *Client) Analyze(ctx context.Context, message string) (Analysis, error) {
	var resp Analysis
	err := c.do(ctx, http.MethodPost, "v0/commits/analyze", map[string]any{"message": message}, &resp)
	return resp, err
}

// CreateIssue opens an issue.
func (c *Client) CreateIssue(ctx context.Context, title, description string) (Issue, error) {
	body := map[string]any{"title": title, "description": description}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues", body, &resp)
	return resp, err
}

// ListIssues returns issues, optionally filtered by status ("open", "closed").
func (c *Client) ListIssues(ctx context.Context, status string) ([]Issue, error) {
	endpoint := "v0/issues"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Issue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CloseIssue closes an issue by id.
func (c *Client) CloseIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	endpoint := fmt.Sprintf("v0/issues/%s/close", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// OpenPullRequest proposes atonement for a commit.
func (c *Client) OpenPullRequest(ctx context.Context, commitID, title, description string) (PullRequest, error) {
	body := map[string]any{
		"commit_id":   commitID,
		"title":       title,
		"description": description,
	}
	var resp PullRequest
	err := c.do(ctx, http.MethodPost, "v0/pulls", body, &resp)
	return resp, err
}

// ListPullRequests returns pull requests, newest first.
func (c *Client) ListPullRequests(ctx context.Context) ([]PullRequest, error) {
	var resp []PullRequest
	err := c.do(ctx, http.MethodGet, "v0/pulls", nil, &resp)
	return resp, err
}

// Chat sends one message and streams reply chunks to onDelta. It returns the
// full reply text.
func (c *Client) Chat(ctx context.Context, message string, onDelta func(string)) (string, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	payload, err := json.Marshal(map[string]any{"message": message})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/v0/chat", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var reply string
	event := ""
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "delta":
				var delta struct {
					Text string `json:"text"`
				}
				if json.Unmarshal([]byte(data), &delta) == nil && onDelta != nil {
					onDelta(delta.Text)
				}
			case "done":
				var done struct {
					Reply string `json:"reply"`
				}
				if json.Unmarshal([]byte(data), &done) == nil {
					reply = done.Reply
				}
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return reply, err
	}
	return reply, nil
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
