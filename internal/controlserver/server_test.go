package controlserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sandboxhq/fcbox/internal/controlapi"
	"github.com/sandboxhq/fcbox/internal/endpoint"
	"github.com/sandboxhq/fcbox/internal/guest"
	"github.com/sandboxhq/fcbox/internal/network"
	"github.com/sandboxhq/fcbox/internal/sandbox"
	"github.com/sandboxhq/fcbox/internal/snapshotstore"
)

type fakeSandboxes struct {
	mu        sync.Mutex
	infos     map[string]sandbox.Info
	createErr error
	lastOpts  sandbox.StartOptions
	execs     []string
	paused    map[string]bool
}

func newFakeSandboxes() *fakeSandboxes {
	return &fakeSandboxes{
		infos:  map[string]sandbox.Info{"fc-1-aaaaaaaa": {ID: "fc-1-aaaaaaaa", GuestIP: "172.16.0.2"}},
		paused: map[string]bool{},
	}
}

func (f *fakeSandboxes) Create(_ context.Context, opts sandbox.StartOptions) (*sandbox.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpts = opts
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &sandbox.StartResult{
		VMID:         "fc-2-bbbbbbbb",
		Ports:        map[int]int{guest.EditorPort: 41000},
		URLs:         map[string]string{"editor": "http://localhost:41000"},
		RestoredFrom: opts.SnapshotID,
	}, nil
}

func (f *fakeSandboxes) List() []sandbox.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.Info, 0, len(f.infos))
	for _, info := range f.infos {
		out = append(out, info)
	}
	return out
}

func (f *fakeSandboxes) Info(id string) (sandbox.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[id]
	if !ok {
		return sandbox.Info{}, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return info, nil
}

func (f *fakeSandboxes) Exec(_ context.Context, id, command string) (guest.ExecResult, error) {
	if _, err := f.Info(id); err != nil {
		return guest.ExecResult{}, err
	}
	f.mu.Lock()
	f.execs = append(f.execs, command)
	f.mu.Unlock()
	return guest.ExecResult{ExitCode: 0, Stdout: "x\n"}, nil
}

func (f *fakeSandboxes) Pause(_ context.Context, id string) error {
	if _, err := f.Info(id); err != nil {
		return err
	}
	f.mu.Lock()
	f.paused[id] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSandboxes) Resume(_ context.Context, id string) error {
	if _, err := f.Info(id); err != nil {
		return err
	}
	f.mu.Lock()
	f.paused[id] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeSandboxes) Snapshot(_ context.Context, id, snapshotID string) (snapshotstore.Record, error) {
	if _, err := f.Info(id); err != nil {
		return snapshotstore.Record{}, err
	}
	if snapshotID == "taken" {
		return snapshotstore.Record{}, fmt.Errorf("%w: %s", sandbox.ErrSnapshotExists, snapshotID)
	}
	return snapshotstore.Record{ID: snapshotID, SourceVMID: id, Dir: "/snapshots/" + snapshotID, CreatedAt: time.Unix(1700000000, 0).UTC()}, nil
}

func (f *fakeSandboxes) Destroy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.infos[id]; !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	delete(f.infos, id)
	return nil
}

type fakeSnapshots struct {
	records map[string]snapshotstore.Record
}

func (f *fakeSnapshots) List(context.Context) ([]snapshotstore.Record, error) {
	var out []snapshotstore.Record
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeSnapshots) Delete(_ context.Context, id string) (snapshotstore.Record, bool, error) {
	r, ok := f.records[id]
	delete(f.records, id)
	return r, ok, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeSandboxes, *fakeSnapshots) {
	t.Helper()

	sandboxes := newFakeSandboxes()
	snapshots := &fakeSnapshots{records: map[string]snapshotstore.Record{
		"snap_a": {ID: "snap_a", Dir: "/snapshots/snap_a", LastRestoredAt: time.Unix(1700000100, 0).UTC()},
	}}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "fcbox_test_total", Help: "test"}))
	ts := httptest.NewServer(New(sandboxes, snapshots, reg, nil).Handler())
	t.Cleanup(ts.Close)
	return ts, sandboxes, snapshots
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, respBody
}

func TestCreateSandboxPassesSnapshotOptions(t *testing.T) {
	t.Parallel()

	ts, sandboxes, _ := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodPost, "/v1/sandboxes", `{"snapshot_id":"snap_a"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var got sandbox.StartResult
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.VMID != "fc-2-bbbbbbbb" || got.RestoredFrom != "snap_a" {
		t.Fatalf("unexpected result %+v", got)
	}
	if got.Ports[guest.EditorPort] != 41000 {
		t.Fatalf("expected port map to survive JSON, got %v", got.Ports)
	}
	if sandboxes.lastOpts.SnapshotID != "snap_a" {
		t.Fatalf("snapshot id not forwarded: %+v", sandboxes.lastOpts)
	}
}

func TestCreateSandboxAcceptsEmptyBody(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodPost, "/v1/sandboxes", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
}

func TestCreateSandboxRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodPost, "/v1/sandboxes", `{"image":"ubuntu"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("start sandbox: check prerequisites: %w", sandbox.ErrPrerequisite), http.StatusPreconditionFailed},
		{fmt.Errorf("start sandbox: allocate network: %w", network.ErrExhausted), http.StatusServiceUnavailable},
		{sandbox.ErrShuttingDown, http.StatusServiceUnavailable},
		{fmt.Errorf("start sandbox: recreate network: %w", network.ErrInUse), http.StatusConflict},
		{fmt.Errorf("start sandbox: wait for guest: %w", sandbox.ErrGuestNotReady), http.StatusGatewayTimeout},
		{fmt.Errorf("start sandbox: resolve snapshot: %w", sandbox.ErrInvalidSnapshotID), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		ts, sandboxes, _ := newTestServer(t)
		sandboxes.createErr = tt.err
		resp, body := doJSON(t, ts, http.MethodPost, "/v1/sandboxes", "{}")
		if resp.StatusCode != tt.want {
			t.Errorf("%v: got status %d want %d", tt.err, resp.StatusCode, tt.want)
		}
		var apiErr controlapi.ErrorResponse
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error != tt.err.Error() {
			t.Errorf("expected error body %q, got %s", tt.err, body)
		}
	}
}

func TestSandboxLifecycleRoutes(t *testing.T) {
	t.Parallel()

	ts, sandboxes, _ := newTestServer(t)
	id := "fc-1-aaaaaaaa"

	resp, body := doJSON(t, ts, http.MethodGet, "/v1/sandboxes/"+id, "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"guest_ip":"172.16.0.2"`) {
		t.Fatalf("get: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/v1/sandboxes/"+id+"/exec", `{"command":"echo x"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("exec: %d %s", resp.StatusCode, body)
	}
	var execResp controlapi.ExecResponse
	if err := json.Unmarshal(body, &execResp); err != nil || execResp.Stdout != "x\n" {
		t.Fatalf("unexpected exec response %s", body)
	}
	if len(sandboxes.execs) != 1 || sandboxes.execs[0] != "echo x" {
		t.Fatalf("unexpected exec calls %q", sandboxes.execs)
	}

	if resp, _ := doJSON(t, ts, http.MethodPost, "/v1/sandboxes/"+id+"/pause", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("pause: %d", resp.StatusCode)
	}
	if !sandboxes.paused[id] {
		t.Fatal("expected sandbox to be paused")
	}
	if resp, _ := doJSON(t, ts, http.MethodPost, "/v1/sandboxes/"+id+"/resume", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resume: %d", resp.StatusCode)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/v1/sandboxes/"+id+"/snapshot", `{"snapshot_id":"snap_b"}`)
	if resp.StatusCode != http.StatusCreated || !strings.Contains(string(body), `"id":"snap_b"`) {
		t.Fatalf("snapshot: %d %s", resp.StatusCode, body)
	}
	if resp, _ := doJSON(t, ts, http.MethodPost, "/v1/sandboxes/"+id+"/snapshot", `{"snapshot_id":"taken"}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate snapshot: %d", resp.StatusCode)
	}

	if resp, _ := doJSON(t, ts, http.MethodDelete, "/v1/sandboxes/"+id, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("destroy: %d", resp.StatusCode)
	}
	if resp, _ := doJSON(t, ts, http.MethodDelete, "/v1/sandboxes/"+id, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second destroy: %d", resp.StatusCode)
	}
}

func TestExecRequiresCommand(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestServer(t)
	resp, _ := doJSON(t, ts, http.MethodPost, "/v1/sandboxes/fc-1-aaaaaaaa/exec", `{"command":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestSnapshotRoutes(t *testing.T) {
	t.Parallel()

	ts, _, snapshots := newTestServer(t)
	resp, body := doJSON(t, ts, http.MethodGet, "/v1/snapshots", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
	var list controlapi.ListSnapshotsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Snapshots) != 1 || list.Snapshots[0].ID != "snap_a" || list.Snapshots[0].LastRestoredAt == nil {
		t.Fatalf("unexpected snapshots %+v", list.Snapshots)
	}

	if resp, _ := doJSON(t, ts, http.MethodDelete, "/v1/snapshots/snap_a", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	if _, ok := snapshots.records["snap_a"]; ok {
		t.Fatal("expected snapshot to be removed")
	}
	if resp, _ := doJSON(t, ts, http.MethodDelete, "/v1/snapshots/snap_a", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: %d", resp.StatusCode)
	}
}

func TestMetricsAndHealthz(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestServer(t)
	if resp, _ := doJSON(t, ts, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	resp, body := doJSON(t, ts, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "fcbox_test_total") {
		t.Fatalf("metrics: %d %s", resp.StatusCode, body)
	}
}

func TestListenHTTPAcceptsHTTPPrefix(t *testing.T) {
	t.Parallel()

	ln, err := listen(endpoint.Endpoint{Scheme: "http", Address: "http://127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen http endpoint: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	if _, ok := ln.Addr().(*net.TCPAddr); !ok {
		t.Fatalf("expected tcp listener, got %T", ln.Addr())
	}
}

func TestListenRejectsUnsupportedScheme(t *testing.T) {
	t.Parallel()

	if _, err := listen(endpoint.Endpoint{Scheme: "tsnet", Address: "127.0.0.1:0"}); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}
