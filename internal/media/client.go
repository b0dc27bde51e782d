// Package media is the HTTP client for the external media processing
// provider. The gateway treats it as a black box: submit a job, poll it,
// surface progress and the final result.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reelworks/reelgate/internal/domain"
	"github.com/reelworks/reelgate/internal/executor"
)

const defaultPollInterval = 2 * time.Second

// Client talks to the media provider's job API.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
}

// NewClient creates a provider client for the given base URL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: defaultPollInterval,
	}
}

type submitRequest struct {
	Kind       string          `json:"kind"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type jobState struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Run submits a job and polls until it reaches a terminal status, invoking
// progress as the provider reports it. Honors ctx cancellation between polls.
func (c *Client) Run(ctx context.Context, kind string, params json.RawMessage, progress func(int)) (json.RawMessage, error) {
	job, err := c.submit(ctx, kind, params)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		state, err := c.poll(ctx, job.JobID)
		if err != nil {
			return nil, err
		}

		if progress != nil && state.Progress > 0 {
			progress(state.Progress)
		}

		switch state.Status {
		case "completed":
			return state.Result, nil
		case "failed":
			return nil, fmt.Errorf("media job %s failed: %s", job.JobID, state.Error)
		}
	}
}

func (c *Client) submit(ctx context.Context, kind string, params json.RawMessage) (*jobState, error) {
	body, err := json.Marshal(submitRequest{Kind: kind, Parameters: params})
	if err != nil {
		return nil, fmt.Errorf("encode job request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit media job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("media provider rejected job: status %d: %s", resp.StatusCode, msg)
	}

	var state jobState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode job response: %w", err)
	}
	if state.JobID == "" {
		return nil, fmt.Errorf("media provider returned no job id")
	}
	return &state, nil
}

func (c *Client) poll(ctx context.Context, jobID string) (*jobState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll media job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("poll media job %s: status %d: %s", jobID, resp.StatusCode, msg)
	}

	var state jobState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	return &state, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// RegisterHandlers binds every known command to a provider-backed handler.
func RegisterHandlers(reg *executor.Registry, c *Client) {
	for _, cmd := range []domain.Command{
		domain.CommandColorCorrect,
		domain.CommandAnalyze,
		domain.CommandGenerate,
		domain.CommandTranscribe,
		domain.CommandTrim,
	} {
		kind := string(cmd)
		reg.Register(cmd, func(ctx context.Context, job executor.Job, progress func(int)) (json.RawMessage, error) {
			return c.Run(ctx, kind, job.Parameters, progress)
		})
	}
}
