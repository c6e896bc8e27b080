// Package firecracker is a client for the Firecracker REST API served on the
// hypervisor's unix socket.
package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	models "github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

const (
	RootDriveID    = "rootfs"
	DefaultIfaceID = "eth0"

	socketPollInterval = 10 * time.Millisecond
	requestTimeout     = 30 * time.Second
)

// State is the client's view of the VM lifecycle.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateConfigured   State = "configured"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopped      State = "stopped"
)

// APIError is returned for any response other than 200 or 204.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("firecracker %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

type Client struct {
	socketPath string
	httpClient *http.Client

	mu    sync.Mutex
	state State
}

func New(socketPath string) *Client {
	dialer := &net.Dialer{}
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
				DisableCompression: true,
			},
			Timeout: requestTimeout,
		},
		state: StateUnconfigured,
	}
}

func (c *Client) SocketPath() string { return c.socketPath }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkStopped records that the hypervisor process is gone.
func (c *Client) MarkStopped() {
	c.setState(StateStopped)
}

// WaitForSocket polls until the API socket accepts connections.
func (c *Client) WaitForSocket(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(socketPollInterval)
	defer ticker.Stop()
	dialer := &net.Dialer{}
	for {
		conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for firecracker socket %s: %w", c.socketPath, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) PutBootSource(ctx context.Context, kernelImagePath, bootArgs string) error {
	return c.configure(ctx, http.MethodPut, "/boot-source", &models.BootSource{
		KernelImagePath: fcsdk.String(kernelImagePath),
		BootArgs:        bootArgs,
	})
}

func (c *Client) PutDrive(ctx context.Context, driveID, pathOnHost string, isRoot, readOnly bool) error {
	return c.configure(ctx, http.MethodPut, "/drives/"+driveID, &models.Drive{
		DriveID:      fcsdk.String(driveID),
		PathOnHost:   fcsdk.String(pathOnHost),
		IsRootDevice: fcsdk.Bool(isRoot),
		IsReadOnly:   fcsdk.Bool(readOnly),
	})
}

func (c *Client) PutMachineConfig(ctx context.Context, vcpus, memMiB int64) error {
	return c.configure(ctx, http.MethodPut, "/machine-config", &models.MachineConfiguration{
		VcpuCount:  fcsdk.Int64(vcpus),
		MemSizeMib: fcsdk.Int64(memMiB),
		Smt:        fcsdk.Bool(false),
	})
}

func (c *Client) PutNetworkInterface(ctx context.Context, ifaceID, hostDevName, guestMAC string) error {
	return c.configure(ctx, http.MethodPut, "/network-interfaces/"+ifaceID, &models.NetworkInterface{
		IfaceID:     fcsdk.String(ifaceID),
		HostDevName: fcsdk.String(hostDevName),
		GuestMac:    guestMAC,
	})
}

// Start issues InstanceStart.
func (c *Client) Start(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPut, "/actions", &models.InstanceActionInfo{
		ActionType: fcsdk.String("InstanceStart"),
	}); err != nil {
		return err
	}
	c.setState(StateRunning)
	return nil
}

func (c *Client) Pause(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPatch, "/vm", &models.VM{State: fcsdk.String("Paused")}); err != nil {
		return err
	}
	c.setState(StatePaused)
	return nil
}

func (c *Client) Resume(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPatch, "/vm", &models.VM{State: fcsdk.String("Resumed")}); err != nil {
		return err
	}
	c.setState(StateRunning)
	return nil
}

// CreateSnapshot writes a full snapshot. The VM must be paused.
func (c *Client) CreateSnapshot(ctx context.Context, snapshotPath, memFilePath string) error {
	return c.do(ctx, http.MethodPut, "/snapshot/create", &models.SnapshotCreateParams{
		SnapshotType: "Full",
		SnapshotPath: fcsdk.String(snapshotPath),
		MemFilePath:  fcsdk.String(memFilePath),
	})
}

type memoryBackend struct {
	BackendType string `json:"backend_type"`
	BackendPath string `json:"backend_path"`
}

type snapshotLoadParams struct {
	SnapshotPath string        `json:"snapshot_path"`
	MemBackend   memoryBackend `json:"mem_backend"`
	ResumeVM     bool          `json:"resume_vm"`
}

// LoadSnapshot restores a snapshot into a freshly spawned hypervisor. With
// resume false the VM stays paused so drives can be patched first.
func (c *Client) LoadSnapshot(ctx context.Context, snapshotPath, memFilePath string, resume bool) error {
	if err := c.do(ctx, http.MethodPut, "/snapshot/load", &snapshotLoadParams{
		SnapshotPath: snapshotPath,
		MemBackend:   memoryBackend{BackendType: "File", BackendPath: memFilePath},
		ResumeVM:     resume,
	}); err != nil {
		return err
	}
	if resume {
		c.setState(StateRunning)
	} else {
		c.setState(StatePaused)
	}
	return nil
}

type partialDrive struct {
	DriveID    string `json:"drive_id"`
	PathOnHost string `json:"path_on_host"`
}

// PatchDrive repoints a drive at a different host file after load.
func (c *Client) PatchDrive(ctx context.Context, driveID, pathOnHost string) error {
	return c.do(ctx, http.MethodPatch, "/drives/"+driveID, &partialDrive{DriveID: driveID, PathOnHost: pathOnHost})
}

func (c *Client) configure(ctx context.Context, method, path string, body any) error {
	if err := c.do(ctx, method, path, body); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StateUnconfigured {
		c.state = StateConfigured
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("firecracker %s %s: encode body: %w", method, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("firecracker %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &APIError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(respBody)),
	}
}
