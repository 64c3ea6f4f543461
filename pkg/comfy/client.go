package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vyvo/compute/rental/pkg/workflow"
)

// ErrSubmissionFailed is returned when the runtime stays unreachable through
// the bounded submission retries. The instance being up does not mean the
// runtime inside it has finished booting, hence the retries.
var ErrSubmissionFailed = errors.New("workflow submission failed")

// submitAttempts bounds how often Submit retries an unreachable runtime.
const submitAttempts = 3

// DefaultPort is the runtime's job API port inside the container.
const DefaultPort = 8188

// StartupCommand is the instance onstart command that launches the runtime.
// Model downloads are pushed separately as a sync manifest, so boot stays
// independent of the remote model store.
func StartupCommand(appDir string, port int) string {
	return fmt.Sprintf("cd %s && python main.py --listen 0.0.0.0 --port %d", appDir, port)
}

// Client submits workflow graphs to the runtime on a rented instance and
// polls them to a terminal state. It is stateless and safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a runtime client for the given base URL, e.g.
// "http://1.2.3.4:8188".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Healthy probes the runtime's stats endpoint. Used as the readiness check
// after the marketplace reports the instance running.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runtime not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Submit posts the graph to the runtime's execution endpoint and captures the
// issued job id. Unreachable runtimes are retried with bounded exponential
// backoff before failing with ErrSubmissionFailed.
func (c *Client) Submit(ctx context.Context, g workflow.Graph) (Job, error) {
	body, err := json.Marshal(map[string]any{"prompt": g})
	if err != nil {
		return Job{}, fmt.Errorf("marshal workflow graph: %w", err)
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			err := fmt.Errorf("runtime rejected workflow: %s", strings.TrimSpace(string(payload)))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				// A 4xx is a verdict on the graph, not a boot hiccup;
				// retrying would return the same answer.
				return backoff.Permanent(err)
			}
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), submitAttempts-1), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	if out.PromptID == "" {
		return Job{}, fmt.Errorf("%w: runtime returned no job id", ErrSubmissionFailed)
	}

	return Job{ID: out.PromptID, State: JobSubmitted}, nil
}

// historyEntry mirrors the runtime's per-job history record.
type historyEntry struct {
	Status struct {
		StatusStr string  `json:"status_str"`
		Completed bool    `json:"completed"`
		Messages  [][]any `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []ArtifactDescriptor `json:"images"`
	} `json:"outputs"`
}

// Poll reads the job's current state once; the caller loops. A job absent
// from history is still queued or running and stays non-terminal.
func (c *Client) Poll(ctx context.Context, job Job) (Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(job.ID), nil)
	if err != nil {
		return job, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return job, fmt.Errorf("poll job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return job, fmt.Errorf("poll job failed: %s", strings.TrimSpace(string(payload)))
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return job, fmt.Errorf("decode job history: %w", err)
	}

	entry, done := history[job.ID]
	if !done {
		if job.State == JobSubmitted {
			job.State = JobQueued
		} else {
			job.State = JobRunning
		}
		return job, nil
	}

	if entry.Status.StatusStr == "error" || (!entry.Status.Completed && entry.Status.StatusStr != "") {
		job.State = JobFailed
		job.Error = diagnosticFromMessages(entry.Status.Messages)
		return job, nil
	}

	job.State = JobSucceeded
	job.Progress = 1
	job.Artifacts = collectArtifacts(entry)
	return job, nil
}

// AwaitTerminal polls the job on a fixed interval until it reaches a terminal
// state or the wall-clock budget elapses. On budget exhaustion or caller
// cancellation the job is treated as cancelled locally and a best-effort
// cancel is issued to the runtime; teardown never depends on that cancel
// being acknowledged.
func (c *Client) AwaitTerminal(ctx context.Context, job Job, interval, maxWallClock time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}

	deadline := time.NewTimer(maxWallClock)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.cancelQuietly(job.ID)
			job.State = JobCancelled
			return job, ctx.Err()
		case <-deadline.C:
			c.cancelQuietly(job.ID)
			job.State = JobCancelled
			return job, nil
		case <-ticker.C:
			polled, err := c.Poll(ctx, job)
			if err != nil {
				// Transient poll errors keep the loop going; the
				// deadline bounds the total wait.
				continue
			}
			job = polled
			if job.State.Terminal() {
				return job, nil
			}
		}
	}
}

// Cancel asks the runtime to interrupt the job's execution.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel job: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) cancelQuietly(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.Cancel(ctx, jobID)
}

// FetchArtifact streams one generated artifact's bytes from the runtime.
// The caller owns closing the returned reader.
func (c *Client) FetchArtifact(ctx context.Context, d ArtifactDescriptor) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("filename", d.Filename)
	q.Set("type", d.Type)
	q.Set("subfolder", d.Subfolder)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", d.Filename, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch artifact %s: status %d", d.Filename, resp.StatusCode)
	}
	return resp.Body, nil
}

// collectArtifacts flattens output images preserving the runtime's per-node
// order; node ids sort numerically as strings here which matches the
// runtime's insertion order for generated graphs.
func collectArtifacts(entry historyEntry) []ArtifactDescriptor {
	nodeIDs := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var artifacts []ArtifactDescriptor
	for _, id := range nodeIDs {
		artifacts = append(artifacts, entry.Outputs[id].Images...)
	}
	return artifacts
}

func diagnosticFromMessages(messages [][]any) string {
	for _, msg := range messages {
		if len(msg) < 2 {
			continue
		}
		kind, _ := msg[0].(string)
		if kind != "execution_error" {
			continue
		}
		if detail, ok := msg[1].(map[string]any); ok {
			if exc, ok := detail["exception_message"].(string); ok && exc != "" {
				return exc
			}
		}
	}
	return "runtime reported execution error"
}
