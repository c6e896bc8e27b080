package controlclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandboxhq/fcbox/internal/controlapi"
	"github.com/sandboxhq/fcbox/internal/controlserver"
	"github.com/sandboxhq/fcbox/internal/endpoint"
	"github.com/sandboxhq/fcbox/internal/sandbox"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func serveUnix(t *testing.T, mux *http.ServeMux) endpoint.Endpoint {
	t.Helper()

	// Unix socket paths are length-limited, so avoid the long t.TempDir path.
	dir, err := os.MkdirTemp("", "fcbox")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	ep := endpoint.Endpoint{Scheme: "unix", Address: filepath.Join(dir, "api.sock"), BaseURL: "http://unix"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- controlserver.Serve(ctx, ep, h2c.NewHandler(mux, &http2.Server{}), nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(ep.Address); err == nil {
			return ep
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket %s never appeared", ep.Address)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientTalksHTTP2OverUnixSocket(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sandboxes", func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor != 2 {
			t.Errorf("expected HTTP/2 request, got %s", r.Proto)
		}
		var req controlapi.CreateSandboxRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sandbox.StartResult{VMID: "fc-1-aaaaaaaa", RestoredFrom: req.SnapshotID})
	})
	mux.HandleFunc("POST /v1/sandboxes/{id}/exec", func(w http.ResponseWriter, r *http.Request) {
		var req controlapi.ExecRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(controlapi.ExecResponse{ExitCode: 3, Stderr: r.PathValue("id") + ": " + req.Command})
	})
	mux.HandleFunc("DELETE /v1/sandboxes/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ep := serveUnix(t, mux)

	client, err := New(ep)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	created, err := client.CreateSandbox(ctx, controlapi.CreateSandboxRequest{SnapshotID: "snap_a"})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	if created.VMID != "fc-1-aaaaaaaa" || created.RestoredFrom != "snap_a" {
		t.Fatalf("unexpected create response %+v", created)
	}
	res, err := client.Exec(ctx, created.VMID, "false")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 3 || res.Stderr != "fc-1-aaaaaaaa: false" {
		t.Fatalf("unexpected exec response %+v", res)
	}
	if err := client.DestroySandbox(ctx, created.VMID); err != nil {
		t.Fatalf("DestroySandbox: %v", err)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(controlapi.ErrorResponse{Error: "sandbox not found: " + r.PathValue("id")})
	})
	ep := serveUnix(t, mux)

	client, err := New(ep)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = client.GetSandbox(context.Background(), "fc-missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "sandbox not found: fc-missing" {
		t.Fatalf("unexpected APIError %+v", apiErr)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New(endpoint.Endpoint{Scheme: "unix", Address: "/tmp/x.sock"}); err == nil {
		t.Fatal("expected missing base URL to fail")
	}
}

func TestSandboxPathEscapesIDs(t *testing.T) {
	t.Parallel()

	if got, want := sandboxPath("a/b", "exec"), "/v1/sandboxes/a%2Fb/exec"; got != want {
		t.Fatalf("sandboxPath = %q, want %q", got, want)
	}
}
