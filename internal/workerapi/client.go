// Package workerapi talks to the RPC endpoint exposed by each build
// machine. Calls may time out, fault, or return stale data; callers are
// expected to treat every error as a transient scan failure unless they
// know better.
package workerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"buildfarm/pkg/api"
)

// Client is the worker RPC contract. A test double can be substituted
// without touching orchestration logic.
type Client interface {
	// Status reports the worker's current state.
	Status(ctx context.Context) (*api.WorkerStatus, error)

	// EnsurePresent makes sure a build input file is cached on the worker.
	EnsurePresent(ctx context.Context, file api.FileRef) error

	// Build starts a build identified by its cookie.
	Build(ctx context.Context, req api.BuildRequest) error

	// Abort stops the current build, if any.
	Abort(ctx context.Context) error

	// Resume resets the worker to a known-clean state. For virtualized
	// workers this restores the VM image.
	Resume(ctx context.Context) error

	// Echo round-trips a payload to probe liveness.
	Echo(ctx context.Context, payload string) error
}

// Fault is any failure of a worker RPC: network errors, timeouts and
// non-2xx responses alike. All faults are retryable from the caller's
// point of view.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("worker %s failed: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// HTTPClient implements Client over JSON-on-HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a client for one worker endpoint. The timeout
// bounds every individual call.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &HTTPClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Status reports the worker's current state.
func (c *HTTPClient) Status(ctx context.Context) (*api.WorkerStatus, error) {
	var status api.WorkerStatus
	if err := c.call(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, &Fault{Op: "status", Err: err}
	}
	return &status, nil
}

// EnsurePresent makes sure a build input file is cached on the worker.
func (c *HTTPClient) EnsurePresent(ctx context.Context, file api.FileRef) error {
	req := api.EnsurePresentRequest{URL: file.URL, SHA256: file.SHA256}
	var resp api.EnsurePresentResponse
	if err := c.call(ctx, http.MethodPost, "/ensurepresent", req, &resp); err != nil {
		return &Fault{Op: "ensurepresent", Err: err}
	}
	if !resp.Present {
		return &Fault{Op: "ensurepresent", Err: fmt.Errorf("worker could not fetch %s", file.URL)}
	}
	return nil
}

// Build starts a build identified by its cookie.
func (c *HTTPClient) Build(ctx context.Context, req api.BuildRequest) error {
	if err := c.call(ctx, http.MethodPost, "/build", req, nil); err != nil {
		return &Fault{Op: "build", Err: err}
	}
	return nil
}

// Abort stops the current build, if any.
func (c *HTTPClient) Abort(ctx context.Context) error {
	if err := c.call(ctx, http.MethodPost, "/abort", nil, nil); err != nil {
		return &Fault{Op: "abort", Err: err}
	}
	return nil
}

// Resume resets the worker to a known-clean state.
func (c *HTTPClient) Resume(ctx context.Context) error {
	var resp api.ResumeResponse
	if err := c.call(ctx, http.MethodPost, "/resume", nil, &resp); err != nil {
		return &Fault{Op: "resume", Err: err}
	}
	if resp.ExitCode != 0 {
		return &Fault{
			Op:  "resume",
			Err: fmt.Errorf("reset script exited %d: %s", resp.ExitCode, resp.Stderr),
		}
	}
	return nil
}

// Echo round-trips a payload to probe liveness.
func (c *HTTPClient) Echo(ctx context.Context, payload string) error {
	var resp api.EchoResponse
	if err := c.call(ctx, http.MethodPost, "/echo", api.EchoRequest{Payload: payload}, &resp); err != nil {
		return &Fault{Op: "echo", Err: err}
	}
	if resp.Payload != payload {
		return &Fault{Op: "echo", Err: fmt.Errorf("payload mismatch: got %q", resp.Payload)}
	}
	return nil
}

func (c *HTTPClient) call(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("worker returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("worker returned status %d", resp.StatusCode)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
