package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"portrait/internal/domain"
	"portrait/internal/infra"
)

// Options configures the execution engine client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client talks to a node-graph execution engine over HTTP and websocket.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *infra.Logger
}

// ImageRef addresses a file known to the engine.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type promptRequest struct {
	Prompt   domain.Graph `json:"prompt"`
	ClientID string       `json:"client_id"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry is one prompt's record in GET /history/{id}.
type HistoryEntry struct {
	Outputs map[string]struct {
		Images []ImageRef `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// NewClient constructs a client for the engine at opts.BaseURL.
func NewClient(opts Options) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("comfy: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("comfy: invalid base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Client{baseURL: base, httpClient: httpClient, logger: logger}, nil
}

// QueuePrompt submits a graph and returns the engine-assigned prompt id.
func (c *Client) QueuePrompt(ctx context.Context, graph domain.Graph, clientID string) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: graph, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("comfy: encode prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/prompt", nil), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("comfy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	raw, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		var detail errorResponse
		if json.Unmarshal(raw, &detail) == nil && detail.Error.Message != "" {
			return "", fmt.Errorf("comfy: prompt rejected: %s (%s)", detail.Error.Message, detail.Error.Type)
		}
		return "", fmt.Errorf("comfy: prompt status %d", status)
	}
	var decoded promptResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("comfy: decode prompt response: %w", err)
	}
	if strings.TrimSpace(decoded.PromptID) == "" {
		return "", errors.New("comfy: prompt response missing prompt_id")
	}
	c.logger.Debug().Str("prompt_id", decoded.PromptID).Int("number", decoded.Number).Msg("comfy: prompt queued")
	return decoded.PromptID, nil
}

// UploadImage sends a file to the engine input folder and returns the name
// the engine stored it under.
func (c *Client) UploadImage(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("comfy: build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("comfy: build upload: %w", err)
	}
	_ = mw.WriteField("type", "input")
	_ = mw.WriteField("overwrite", "false")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("comfy: build upload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload/image", nil), &buf)
	if err != nil {
		return "", fmt.Errorf("comfy: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	raw, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("comfy: upload status %d", status)
	}
	var decoded uploadResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("comfy: decode upload response: %w", err)
	}
	if decoded.Name == "" {
		return "", errors.New("comfy: upload response missing name")
	}
	if decoded.Subfolder != "" {
		return decoded.Subfolder + "/" + decoded.Name, nil
	}
	return decoded.Name, nil
}

// History returns the record of a finished prompt.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/history/"+promptID, nil), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: build request: %w", err)
	}
	raw, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("comfy: history status %d", status)
	}
	var decoded map[string]*HistoryEntry
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("comfy: decode history: %w", err)
	}
	entry, ok := decoded[promptID]
	if !ok || entry == nil {
		return nil, fmt.Errorf("comfy: no history for prompt %s", promptID)
	}
	return entry, nil
}

// View downloads an engine file.
func (c *Client) View(ctx context.Context, ref ImageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/view", q), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: build request: %w", err)
	}
	raw, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("comfy: view %s status %d", ref.Filename, status)
	}
	return raw, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("comfy: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("comfy: read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}
