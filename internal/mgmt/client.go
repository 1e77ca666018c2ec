package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/p-blackswan/awm/internal/project"
	"github.com/p-blackswan/awm/internal/scheduler"
)

// HTTPClient allows mocking HTTP calls in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a problem response returned by the management API.
type APIError struct {
	Problem ProblemDetail
}

func (e *APIError) Error() string {
	if e.Problem.Detail != "" {
		return fmt.Sprintf("%s (%d): %s", e.Problem.Title, e.Problem.Status, e.Problem.Detail)
	}
	return fmt.Sprintf("%s (%d)", e.Problem.Title, e.Problem.Status)
}

// Client talks to a running daemon's management API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPClient
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SetHTTPClient replaces the HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// Status fetches the scheduler status.
func (c *Client) Status(ctx context.Context) (scheduler.Status, error) {
	var st scheduler.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st)
	return st, err
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, in project.CreateProjectInput) (project.Project, error) {
	var p project.Project
	err := c.do(ctx, http.MethodPost, "/api/v1/projects", in, &p)
	return p, err
}

// ListProjects lists every project.
func (c *Client) ListProjects(ctx context.Context) ([]project.Project, error) {
	var resp ProjectListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/projects", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// CreateEvent creates a work event.
func (c *Client) CreateEvent(ctx context.Context, req CreateEventRequest) (project.WorkEvent, error) {
	var evt project.WorkEvent
	err := c.do(ctx, http.MethodPost, "/api/v1/events", req, &evt)
	return evt, err
}

// Trigger queues a manual trigger for a project.
func (c *Client) Trigger(ctx context.Context, projectID string, req TriggerRequest) (project.WorkTrigger, error) {
	var resp TriggerResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/projects/"+projectID+"/trigger", req, &resp)
	return resp.Trigger, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var problem ProblemDetail
		if json.Unmarshal(raw, &problem) != nil || problem.Status == 0 {
			problem = ProblemDetail{Title: http.StatusText(resp.StatusCode), Status: resp.StatusCode, Detail: string(raw)}
		}
		return &APIError{Problem: problem}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
