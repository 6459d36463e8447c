package engine

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

	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/internal/monitoring"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// RunRequest is the body of POST /api/v1/runs. Exactly one of Pipeline and
// PipelineYAML is set.
type RunRequest struct {
	Pipeline     *dag.PipelineConfig `json:"pipeline,omitempty"`
	PipelineYAML string              `json:"pipeline_yaml,omitempty"`
	Inputs       pipeline.Inputs     `json:"inputs"`
}

// RunResponse is returned when a run is accepted.
type RunResponse struct {
	RunID  string          `json:"run_id"`
	Status pipeline.Status `json:"status"`
}

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// APIError is returned by Client for non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client is an HTTP client for the pipeline engine API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient creates a new pipeline engine client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8090"
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
	}, nil
}

// SubmitRun starts a run on the server.
func (c *Client) SubmitRun(ctx context.Context, req RunRequest) (*RunResponse, error) {
	var out RunResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun returns the status of a run.
func (c *Client) GetRun(ctx context.Context, runID string) (*pipeline.Status, error) {
	var out pipeline.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns every run the server tracks.
func (c *Client) ListRuns(ctx context.Context) ([]pipeline.Status, error) {
	var out struct {
		Runs []pipeline.Status `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs", nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// CancelRun requests cancellation of a run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// Processors lists the processors registered on the server.
func (c *Client) Processors(ctx context.Context) ([]processor.Descriptor, error) {
	var out struct {
		Processors []processor.Descriptor `json:"processors"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/processors", nil, &out); err != nil {
		return nil, err
	}
	return out.Processors, nil
}

// Health checks the service health. An unhealthy server answers 503; the
// decoded body is still returned.
func (c *Client) Health(ctx context.Context) (*monitoring.Health, error) {
	var out monitoring.Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return &out, err
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Code, apiErr.Message = er.Error, er.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if out != nil && len(data) > 0 {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
