package openmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Synchronous runs plan, execute and verify in a single
// request, so it is considerably longer than a typical API call.
const DefaultHTTPTimeout = 5 * time.Minute

// Client wraps the HTTP interactions with the orchestrator REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Step is a single planned tool invocation.
type Step struct {
	Step        int            `json:"step"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input"`
}

// Plan is the ordered list of steps produced for a task.
type Plan struct {
	Steps []Step `json:"steps"`
}

// StepResult is the latest outcome of a plan step.
type StepResult struct {
	Step        int            `json:"step"`
	Tool        string         `json:"tool"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input"`
	Output      map[string]any `json:"output"`
	Success     bool           `json:"success"`
}

// Verification is the final judgment of a run.
type Verification struct {
	Verified    bool           `json:"verified"`
	Summary     string         `json:"summary"`
	NeedsRetry  bool           `json:"needs_retry"`
	RetrySteps  []int          `json:"retry_steps"`
	FinalOutput map[string]any `json:"final_output"`
}

// RunResponse is the result of a completed run.
type RunResponse struct {
	Task         string       `json:"task"`
	Plan         Plan         `json:"plan"`
	Results      []StepResult `json:"results"`
	Verification Verification `json:"verification"`
}

// RunRequest is the payload of a synchronous or asynchronous run. A nil
// MaxRetries lets the server apply its default budget.
type RunRequest struct {
	ID         string `json:"id,omitempty"`
	Task       string `json:"task"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

// Run describes an asynchronously submitted run.
type Run struct {
	ID          string       `json:"id"`
	Task        string       `json:"task"`
	MaxRetries  int          `json:"max_retries"`
	Status      string       `json:"status"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	LastError   string       `json:"last_error,omitempty"`
	ErrorCode   string       `json:"error_code,omitempty"`
	Verified    bool         `json:"verified"`
	RetriesUsed int          `json:"retries_used"`
	Exhausted   bool         `json:"exhausted"`
	Result      *RunResponse `json:"result,omitempty"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
}

// Done reports whether the run reached a terminal status.
func (r Run) Done() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// Run statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ListRunsOptions filters ListRuns. Zero values are omitted.
type ListRunsOptions struct {
	Limit     int
	Offset    int
	Statuses  []string
	Verified  *bool
	Query     string
	Ascending bool
	Since     time.Time
	Until     time.Time
}

func (o ListRunsOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Verified != nil {
		v.Set("verified", strconv.FormatBool(*o.Verified))
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	if o.Ascending {
		v.Set("order", "asc")
	}
	if !o.Since.IsZero() {
		v.Set("since", o.Since.UTC().Format(time.RFC3339))
	}
	if !o.Until.IsZero() {
		v.Set("until", o.Until.UTC().Format(time.RFC3339))
	}
	return v
}

// ToolParam describes one input parameter of a tool.
type ToolParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// ToolContract describes a registered tool.
type ToolContract struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	Params      []ToolParam `json:"params"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openmcp api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openmcp api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the orchestrator API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets a bearer token sent with every request, for deployments
// behind an authenticating gateway.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// RunTask plans, executes and verifies a task synchronously.
func (c *Client) RunTask(ctx context.Context, req RunRequest) (RunResponse, error) {
	var resp RunResponse
	if err := c.send(ctx, http.MethodPost, "/run-task", nil, req, &resp); err != nil {
		return RunResponse{}, err
	}
	return resp, nil
}

// SubmitRun enqueues a task for asynchronous processing. Submitting the same
// ID twice returns the existing run.
func (c *Client) SubmitRun(ctx context.Context, req RunRequest) (Run, error) {
	var created Run
	if err := c.send(ctx, http.MethodPost, "/api/v1/runs", nil, req, &created); err != nil {
		return Run{}, err
	}
	return created, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	var found Run
	if err := c.send(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, nil, &found); err != nil {
		return Run{}, err
	}
	return found, nil
}

// ListRuns lists runs matching the given filters.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	var payload struct {
		Runs []Run `json:"runs"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/runs", opts.values(), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Runs, nil
}

// WaitForRun polls until the run completes or ctx is done.
func (c *Client) WaitForRun(ctx context.Context, id string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		found, err := c.GetRun(ctx, id)
		if err != nil {
			return Run{}, err
		}
		if found.Done() {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tools lists the tool contracts the planner may use.
func (c *Client) Tools(ctx context.Context) ([]ToolContract, error) {
	var payload struct {
		Tools []ToolContract `json:"tools"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tools", nil, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Tools, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
