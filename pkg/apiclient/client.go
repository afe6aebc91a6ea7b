// Package apiclient provides typed access to the controller's HTTP
// surface for interactive tools such as the peepctl CLI.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one controller instance.
type Client struct {
	baseURL    string
	adminToken string
	httpClient *http.Client
}

// Option customizes client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAdminToken attaches a bearer token to every admin request.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = strings.TrimSpace(token) }
}

// New constructs a Client pointing at the controller's base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the controller.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, admin bool, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if admin && c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Deployment mirrors domain.DeploymentRecord's JSON shape.
type Deployment struct {
	PRNumber         int        `json:"pr_number"`
	Status           string     `json:"status"`
	ContainerID      string     `json:"container_id,omitempty"`
	HostPort         int        `json:"host_port,omitempty"`
	ImageRef         string     `json:"image_ref,omitempty"`
	Branch           string     `json:"branch"`
	CommitSHA        string     `json:"commit_sha"`
	Title            string     `json:"title"`
	Author           string     `json:"author"`
	RepoFullName     string     `json:"repo_full_name"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	BuildStartedAt   *time.Time `json:"build_started_at,omitempty"`
	BuildCompletedAt *time.Time `json:"build_completed_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	TunnelURL        string     `json:"tunnel_url,omitempty"`
}

// ListDeployments returns every tracked deployment.
func (c *Client) ListDeployments(ctx context.Context) ([]Deployment, error) {
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, "/deployments", false, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// GetDeployment fetches a single PR's deployment record.
func (c *Client) GetDeployment(ctx context.Context, pr int) (Deployment, error) {
	var dep Deployment
	path := fmt.Sprintf("/deployments/%d", pr)
	if err := c.do(ctx, http.MethodGet, path, false, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// Health mirrors sweeper.Snapshot's JSON shape.
type Health struct {
	Status          string         `json:"status"`
	EngineReachable bool           `json:"engine_reachable"`
	Counts          map[string]int `json:"counts_by_status"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
	MemoryPercent   float64        `json:"memory_percent"`
	CheckedAt       time.Time      `json:"checked_at"`
}

// GetHealth fetches the controller's current health snapshot.
func (c *Client) GetHealth(ctx context.Context) (Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", false, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// QueueStats mirrors queue.Stats's JSON shape.
type QueueStats struct {
	ReadyHigh  int64 `json:"ready_high"`
	ReadyNorm  int64 `json:"ready_normal"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	DeadLetter int64 `json:"dead_letter"`
}

// GetQueueStats fetches the job queue's current depth by state.
func (c *Client) GetQueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	if err := c.do(ctx, http.MethodGet, "/admin/queue/stats", true, &stats); err != nil {
		return QueueStats{}, err
	}
	return stats, nil
}

// Job mirrors domain.Job's JSON shape.
type Job struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Priority     int        `json:"priority"`
	PRNumber     int        `json:"pr_number"`
	Branch       string     `json:"branch"`
	Title        string     `json:"title"`
	Author       string     `json:"author"`
	RepoFullName string     `json:"repo_full_name"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	Progress     int        `json:"progress"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	LeasedAt     *time.Time `json:"leased_at,omitempty"`
	LeaseOwner   string     `json:"lease_owner,omitempty"`
	NotBefore    time.Time  `json:"not_before"`
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	path := "/admin/jobs/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, true, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Cleanup triggers an on-demand sweep of deployments older than maxAge
// and returns how many were reaped.
func (c *Client) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	hours := int(maxAge.Hours())
	if hours <= 0 {
		hours = 24
	}
	path := "/admin/cleanup?maxAge=" + strconv.Itoa(hours)
	var resp struct {
		Swept int `json:"swept"`
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	respHTTP, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("perform request: %w", err)
	}
	defer respHTTP.Body.Close()
	if respHTTP.StatusCode >= http.StatusBadRequest {
		return 0, APIError{Status: respHTTP.StatusCode, Message: extractError(respHTTP.Body)}
	}
	if err := json.NewDecoder(respHTTP.Body).Decode(&resp); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return resp.Swept, nil
}
