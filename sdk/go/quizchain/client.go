package quizchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the QuizChain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu            sync.RWMutex
	operatorToken string
}

// TriggerRequest starts a background run. Extra is merged into the body and
// kept as run metadata by the server.
type TriggerRequest struct {
	Email  string
	Secret string
	URL    string
	Extra  map[string]any
}

// TriggerResponse is returned when a run has been accepted.
type TriggerResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	RunID   string `json:"run_id"`
}

// RunResult summarises a finished run.
type RunResult struct {
	Termination string `json:"termination"`
	Steps       int    `json:"steps"`
	FinalURL    string `json:"final_url,omitempty"`
	LastReason  string `json:"last_reason,omitempty"`
	LastCorrect bool   `json:"last_correct"`
}

// Run is the server view of a triggered run.
type Run struct {
	ID          string         `json:"id"`
	PrincipalID string         `json:"principal_id"`
	StartURL    string         `json:"start_url"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	CurrentURL  string         `json:"current_url,omitempty"`
	StepCount   int            `json:"step_count"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      *RunResult     `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Terminal reports whether the run will not change any more. Failed runs may
// still be retried by the server, so they only count once attempts run out.
func (r Run) Terminal() bool {
	switch r.Status {
	case "succeeded", "canceled":
		return true
	case "failed":
		return r.Attempts >= r.MaxRetries
	}
	return false
}

// Step is one entry of a run's step journal.
type Step struct {
	RunID          string `json:"run_id"`
	Sequence       int    `json:"sequence"`
	URL            string `json:"url"`
	Endpoint       string `json:"endpoint,omitempty"`
	EndpointSource string `json:"endpoint_source,omitempty"`
	Override       string `json:"override,omitempty"`
	Rounds         int    `json:"rounds"`
	Submitted      bool   `json:"submitted"`
	Answer         string `json:"answer,omitempty"`
	Correct        bool   `json:"correct"`
	NextURL        string `json:"next_url,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Error          string `json:"error,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// Stats aggregates run counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Canceled        int   `json:"canceled"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListOptions filters run listings.
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []string
	Terminations []string
	PrincipalID  string
	Query        string
	Finished     *bool
	Ascending    bool
	UpdatedSince time.Time
	UpdatedUntil time.Time
}

func (o ListOptions) values() url.Values {
	values := url.Values{}
	if o.Limit > 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		values.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		values.Set("status", strings.Join(o.Statuses, ","))
	}
	if len(o.Terminations) > 0 {
		values.Set("termination", strings.Join(o.Terminations, ","))
	}
	if o.PrincipalID != "" {
		values.Set("principal", o.PrincipalID)
	}
	if o.Query != "" {
		values.Set("q", o.Query)
	}
	if o.Finished != nil {
		values.Set("finished", strconv.FormatBool(*o.Finished))
	}
	if o.Ascending {
		values.Set("order", "asc")
	}
	if !o.UpdatedSince.IsZero() {
		values.Set("updated_since", o.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if !o.UpdatedUntil.IsZero() {
		values.Set("updated_until", o.UpdatedUntil.UTC().Format(time.RFC3339))
	}
	return values
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("quizchain api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("quizchain api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the QuizChain API. When httpClient is
// nil, a default client with a short timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetOperatorToken configures the bearer token sent to the /api/v1 endpoints.
func (c *Client) SetOperatorToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operatorToken = token
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.operatorToken
}

// Trigger starts a background run.
func (c *Client) Trigger(ctx context.Context, req TriggerRequest) (TriggerResponse, error) {
	if req.Email == "" || req.Secret == "" || req.URL == "" {
		return TriggerResponse{}, errors.New("quizchain: email, secret and url are required")
	}
	body := make(map[string]any, len(req.Extra)+3)
	for key, value := range req.Extra {
		body[key] = value
	}
	body["email"] = req.Email
	body["secret"] = req.Secret
	body["url"] = req.URL

	var resp TriggerResponse
	if err := c.post(ctx, "/run", body, &resp); err != nil {
		return TriggerResponse{}, err
	}
	return resp, nil
}

// GetRun fetches one run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns lists runs matching the options.
func (c *Client) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	var runs []Run
	if err := c.get(ctx, "/api/v1/runs", opts.values(), &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Stats returns run counts by status.
func (c *Client) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/runs/stats", opts.values(), &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Steps returns the step journal of a run.
func (c *Client) Steps(ctx context.Context, runID string) ([]Step, error) {
	var steps []Step
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/steps", nil, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// CancelRun asks the server to stop a run.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	if err := c.post(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// WaitRun polls a run until it is terminal or ctx is done.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.token(); token != "" && strings.HasPrefix(endpoint, "/api/") {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
