package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"portrait/internal/domain"
	"portrait/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("runpod: api key is required")

// Status values reported by the job queue.
const (
	StatusInQueue    = "IN_QUEUE"
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusRunning    = "RUNNING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
	StatusTimedOut   = "TIMED_OUT"
)

// Options configures the queued job API client.
type Options struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls against a serverless job queue endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *infra.Logger
}

type runRequest struct {
	Input domain.QueuedInput `json:"input"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusResponse is the decoded body of GET /status/{id}.
type StatusResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OutputURLs decodes the output field, which workers return either as a
// list of URLs, a single URL, or an object with an "images" list.
func (s StatusResponse) OutputURLs() ([]string, error) {
	raw := bytes.TrimSpace(s.Output)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}
	var wrapped struct {
		Images []string `json:"images"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("runpod: decode output: %w", err)
	}
	return wrapped.Images, nil
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("runpod: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("runpod: invalid base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Client{
		baseURL:    base,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Run submits a job and returns its id. A 2xx response without an id is a
// malformed response, not an empty handle.
func (c *Client) Run(ctx context.Context, input domain.QueuedInput) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	body, err := json.Marshal(runRequest{Input: input})
	if err != nil {
		return "", fmt.Errorf("runpod: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("runpod: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	raw, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("runpod: run status %d: %s", status, truncate(raw))
	}
	var decoded runResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("runpod: decode run response: %w", err)
	}
	id := strings.TrimSpace(decoded.ID)
	if id == "" {
		return "", fmt.Errorf("runpod: run response missing id: %s", truncate(raw))
	}
	c.logger.Debug().Str("job_id", id).Str("status", decoded.Status).Msg("runpod: job submitted")
	return id, nil
}

// Status fetches the current status of a job.
func (c *Client) Status(ctx context.Context, jobID string) (StatusResponse, error) {
	if !c.HasCredentials() {
		return StatusResponse{}, ErrMissingAPIKey
	}
	endpoint := c.baseURL + "/status/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("runpod: build request: %w", err)
	}
	c.authorize(req)

	raw, status, err := c.do(req)
	if err != nil {
		return StatusResponse{}, err
	}
	if status < 200 || status >= 300 {
		return StatusResponse{}, fmt.Errorf("runpod: status %d: %s", status, truncate(raw))
	}
	var decoded StatusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return StatusResponse{}, fmt.Errorf("runpod: decode status response: %w", err)
	}
	decoded.Status = strings.ToUpper(strings.TrimSpace(decoded.Status))
	return decoded, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("runpod: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("runpod: read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func truncate(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}
