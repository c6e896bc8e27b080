package controlclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/sandboxhq/fcbox/internal/controlapi"
	"github.com/sandboxhq/fcbox/internal/endpoint"
	"github.com/sandboxhq/fcbox/internal/sandbox"
	"golang.org/x/net/http2"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
}

// APIError is a non-2xx response from the control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("control API returned %d", e.StatusCode)
	}
	return fmt.Sprintf("control API returned %d: %s", e.StatusCode, e.Message)
}

func New(ep endpoint.Endpoint) (*Client, error) {
	baseURL := strings.TrimRight(ep.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("endpoint %q has no base URL", ep.Address)
	}
	return &Client{
		httpClient: &http.Client{Transport: buildTransport(ep, baseURL)},
		baseURL:    baseURL,
	}, nil
}

func buildTransport(ep endpoint.Endpoint, baseURL string) http.RoundTripper {
	dialer := &net.Dialer{}

	if ep.Scheme == "unix" {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return &http.Transport{}
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) CreateSandbox(ctx context.Context, req controlapi.CreateSandboxRequest) (*controlapi.CreateSandboxResponse, error) {
	var resp controlapi.CreateSandboxResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListSandboxes(ctx context.Context) ([]sandbox.Info, error) {
	var resp controlapi.ListSandboxesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sandboxes, nil
}

func (c *Client) GetSandbox(ctx context.Context, id string) (*sandbox.Info, error) {
	var info sandbox.Info
	if err := c.do(ctx, http.MethodGet, sandboxPath(id, ""), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Exec(ctx context.Context, id, command string) (*controlapi.ExecResponse, error) {
	var resp controlapi.ExecResponse
	if err := c.do(ctx, http.MethodPost, sandboxPath(id, "exec"), controlapi.ExecRequest{Command: command}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, sandboxPath(id, "pause"), nil, nil)
}

func (c *Client) Resume(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, sandboxPath(id, "resume"), nil, nil)
}

func (c *Client) Snapshot(ctx context.Context, id, snapshotID string) (*controlapi.SnapshotInfo, error) {
	var resp controlapi.SnapshotInfo
	if err := c.do(ctx, http.MethodPost, sandboxPath(id, "snapshot"), controlapi.SnapshotRequest{SnapshotID: snapshotID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DestroySandbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, sandboxPath(id, ""), nil, nil)
}

func (c *Client) ListSnapshots(ctx context.Context) ([]controlapi.SnapshotInfo, error) {
	var resp controlapi.ListSnapshotsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/snapshots", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/snapshots/"+url.PathEscape(id), nil, nil)
}

func sandboxPath(id, action string) string {
	p := "/v1/sandboxes/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr controlapi.ErrorResponse
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
