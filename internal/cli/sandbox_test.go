package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandboxhq/fcbox/internal/controlapi"
	"github.com/sandboxhq/fcbox/internal/sandbox"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type fakeAPI struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeAPI) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
}

func (f *fakeAPI) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func startFakeAPI(t *testing.T) (string, *fakeAPI) {
	t.Helper()

	api := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		var req controlapi.CreateSandboxRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sandbox.StartResult{
			VMID:         "fc-1-aaaaaaaa",
			Ports:        map[int]int{39378: 41001, 39377: 41000},
			URLs:         map[string]string{"worker": "http://localhost:41000", "editor": "http://localhost:41001"},
			RestoredFrom: req.SnapshotID,
		})
	})
	mux.HandleFunc("GET /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		_ = json.NewEncoder(w).Encode(controlapi.ListSandboxesResponse{Sandboxes: []sandbox.Info{
			{ID: "fc-1-aaaaaaaa", TapName: "fc_tap0", GuestIP: "172.16.0.2", Paused: true, CreatedAt: time.Unix(1700000000, 0)},
		}})
	})
	mux.HandleFunc("POST /v1/sandboxes/{id}/exec", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		var req controlapi.ExecRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		code := 0
		if req.Command == "false" {
			code = 1
		}
		_ = json.NewEncoder(w).Encode(controlapi.ExecResponse{ExitCode: code, Stdout: req.Command + "\n"})
	})
	mux.HandleFunc("POST /v1/sandboxes/{id}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(controlapi.SnapshotInfo{ID: "snap_a", Dir: "/snapshots/snap_a"})
	})
	mux.HandleFunc("DELETE /v1/snapshots/{id}", func(w http.ResponseWriter, r *http.Request) {
		api.record(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(controlapi.ErrorResponse{Error: "snapshot not found: " + r.PathValue("id")})
	})

	ts := httptest.NewServer(h2c.NewHandler(mux, &http2.Server{}))
	t.Cleanup(ts.Close)
	return "http://" + ts.Listener.Addr().String(), api
}

func TestSandboxCreatePrintsPortsAndURLs(t *testing.T) {
	host, api := startFakeAPI(t)
	stdout, read := makeStdoutCapture(t)

	cmd := &SandboxCreateCommand{ClientFlags: ClientFlags{Host: host}, Snapshot: "snap_a"}
	if err := cmd.Run(&runtimeContext{Stdout: stdout}); err != nil {
		t.Fatalf("SandboxCreateCommand.Run returned error: %v", err)
	}

	want := "sandbox: fc-1-aaaaaaaa\nrestored from: snap_a\nports: 39377->41000 39378->41001\neditor: http://localhost:41001\nworker: http://localhost:41000\n"
	if got := read(); got != want {
		t.Fatalf("unexpected output:\n--- got ---\n%s--- want ---\n%s", got, want)
	}
	if got := api.Requests(); len(got) != 1 || got[0] != "POST /v1/sandboxes" {
		t.Fatalf("unexpected requests %q", got)
	}
}

func TestSandboxListRendersState(t *testing.T) {
	host, _ := startFakeAPI(t)
	stdout, read := makeStdoutCapture(t)

	cmd := &SandboxListCommand{ClientFlags: ClientFlags{Host: host}}
	if err := cmd.Run(&runtimeContext{Stdout: stdout}); err != nil {
		t.Fatalf("SandboxListCommand.Run returned error: %v", err)
	}
	out := read()
	if !strings.Contains(out, "ID") || !strings.Contains(out, "fc-1-aaaaaaaa") || !strings.Contains(out, "paused") {
		t.Fatalf("unexpected list output:\n%s", out)
	}
}

func TestSandboxExecPropagatesExitCode(t *testing.T) {
	host, _ := startFakeAPI(t)
	stdout, read := makeStdoutCapture(t)

	cmd := &SandboxExecCommand{ClientFlags: ClientFlags{Host: host}, ID: "fc-1-aaaaaaaa", Command: []string{"echo", "x"}}
	if err := cmd.Run(&runtimeContext{Stdout: stdout}); err != nil {
		t.Fatalf("SandboxExecCommand.Run returned error: %v", err)
	}
	if got := read(); got != "echo x\n" {
		t.Fatalf("unexpected stdout %q", got)
	}

	cmd = &SandboxExecCommand{ClientFlags: ClientFlags{Host: host}, ID: "fc-1-aaaaaaaa", Command: []string{"false"}}
	err := cmd.Run(&runtimeContext{Stdout: stdout})
	if got := ExitCode(err); got != 1 {
		t.Fatalf("expected exit code 1, got %d (%v)", got, err)
	}
}

func TestSandboxExecDropsLeadingSeparator(t *testing.T) {
	host, _ := startFakeAPI(t)
	stdout, read := makeStdoutCapture(t)

	cmd := &SandboxExecCommand{ClientFlags: ClientFlags{Host: host}, ID: "fc-1-aaaaaaaa", Command: []string{"--", "echo", "--help"}}
	if err := cmd.Run(&runtimeContext{Stdout: stdout}); err != nil {
		t.Fatalf("SandboxExecCommand.Run returned error: %v", err)
	}
	if got := read(); got != "echo --help\n" {
		t.Fatalf("unexpected stdout %q", got)
	}

	cmd = &SandboxExecCommand{ClientFlags: ClientFlags{Host: host}, ID: "fc-1-aaaaaaaa", Command: []string{"--"}}
	if err := cmd.Run(&runtimeContext{Stdout: stdout}); err == nil || !strings.Contains(err.Error(), "missing command") {
		t.Fatalf("expected missing command error, got %v", err)
	}
}

func TestSandboxSnapshotAndSnapshotDelete(t *testing.T) {
	host, api := startFakeAPI(t)
	stdout, read := makeStdoutCapture(t)

	snap := &SandboxSnapshotCommand{ClientFlags: ClientFlags{Host: host}, ID: "fc-1-aaaaaaaa"}
	if err := snap.Run(&runtimeContext{Stdout: stdout}); err != nil {
		t.Fatalf("SandboxSnapshotCommand.Run returned error: %v", err)
	}
	if got := read(); !strings.Contains(got, "snapshot snap_a saved to /snapshots/snap_a") {
		t.Fatalf("unexpected output %q", got)
	}

	del := &SnapshotDeleteCommand{ClientFlags: ClientFlags{Host: host}, ID: "snap_missing"}
	err := del.Run(&runtimeContext{Stdout: stdout})
	if err == nil || !strings.Contains(err.Error(), "snapshot not found: snap_missing") {
		t.Fatalf("expected not-found error, got %v", err)
	}
	requests := api.Requests()
	if got := requests[len(requests)-1]; got != "DELETE /v1/snapshots/snap_missing" {
		t.Fatalf("unexpected last request %q", got)
	}
}
