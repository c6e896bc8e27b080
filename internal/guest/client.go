// Package guest talks to the sandbox daemon running inside a microVM.
package guest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Well-known guest ports.
const (
	DaemonPort   = 46831
	WorkerPort   = 39377
	EditorPort   = 39378
	ProxyPort    = 39379
	VNCPort      = 39380
	TerminalPort = 39383
)

// ExposedPorts is every guest port made reachable from the host, in order.
var ExposedPorts = []int{WorkerPort, EditorPort, ProxyPort, VNCPort, TerminalPort, DaemonPort}

var ErrNotReady = errors.New("guest daemon not ready")

type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(guestIP string, port int) *Client {
	return NewWithBaseURL("http://" + net.JoinHostPort(guestIP, strconv.Itoa(port)))
}

func NewWithBaseURL(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// Healthy reports whether GET /healthz answers 200.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// WaitHealthy polls /healthz every interval until it succeeds or timeout
// elapses.
func (c *Client) WaitHealthy(ctx context.Context, timeout, interval time.Duration) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if c.Healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %s", ErrNotReady, c.baseURL, time.Since(start).Round(time.Millisecond))
		case <-ticker.C:
		}
	}
}

type createSandboxResponse struct {
	ID string `json:"id"`
}

// CreateSandbox asks the daemon for a workspace and returns its id.
func (c *Client) CreateSandbox(ctx context.Context) (string, error) {
	var out createSandboxResponse
	if err := c.postJSON(ctx, "/sandboxes", map[string]any{}, &out); err != nil {
		return "", fmt.Errorf("create guest sandbox: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", errors.New("create guest sandbox: daemon returned empty id")
	}
	return out.ID, nil
}

type execRequest struct {
	Command string `json:"command"`
}

// Exec runs command in the guest. Transport failures and non-2xx answers are
// reported as a failed result, never as an error.
func (c *Client) Exec(ctx context.Context, sandboxID, command string) ExecResult {
	var out ExecResult
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/exec"
	if err := c.postJSON(ctx, path, execRequest{Command: command}, &out); err != nil {
		return ExecResult{ExitCode: 1, Stderr: err.Error()}
	}
	return out
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
