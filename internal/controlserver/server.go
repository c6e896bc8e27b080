package controlserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sandboxhq/fcbox/internal/controlapi"
	"github.com/sandboxhq/fcbox/internal/endpoint"
	"github.com/sandboxhq/fcbox/internal/guest"
	"github.com/sandboxhq/fcbox/internal/network"
	"github.com/sandboxhq/fcbox/internal/sandbox"
	"github.com/sandboxhq/fcbox/internal/snapshotstore"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const maxRequestBytes = 1 << 20

// Sandboxes is the live-instance surface served under /v1/sandboxes.
type Sandboxes interface {
	Create(ctx context.Context, opts sandbox.StartOptions) (*sandbox.StartResult, error)
	List() []sandbox.Info
	Info(id string) (sandbox.Info, error)
	Exec(ctx context.Context, id, command string) (guest.ExecResult, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Snapshot(ctx context.Context, id, snapshotID string) (snapshotstore.Record, error)
	Destroy(ctx context.Context, id string) error
}

// Snapshots is the catalog surface served under /v1/snapshots.
type Snapshots interface {
	List(ctx context.Context) ([]snapshotstore.Record, error)
	Delete(ctx context.Context, id string) (snapshotstore.Record, bool, error)
}

type Server struct {
	sandboxes Sandboxes
	snapshots Snapshots
	gatherer  prometheus.Gatherer
	logger    *log.Logger
}

// New builds a server. gatherer may be nil, in which case /metrics is not
// mounted.
func New(sandboxes Sandboxes, snapshots Snapshots, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Server{sandboxes: sandboxes, snapshots: snapshots, gatherer: gatherer, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sandboxes", s.createSandbox)
	mux.HandleFunc("GET /v1/sandboxes", s.listSandboxes)
	mux.HandleFunc("GET /v1/sandboxes/{id}", s.getSandbox)
	mux.HandleFunc("DELETE /v1/sandboxes/{id}", s.destroySandbox)
	mux.HandleFunc("POST /v1/sandboxes/{id}/exec", s.execSandbox)
	mux.HandleFunc("POST /v1/sandboxes/{id}/pause", s.pauseSandbox)
	mux.HandleFunc("POST /v1/sandboxes/{id}/resume", s.resumeSandbox)
	mux.HandleFunc("POST /v1/sandboxes/{id}/snapshot", s.snapshotSandbox)
	mux.HandleFunc("GET /v1/snapshots", s.listSnapshots)
	mux.HandleFunc("DELETE /v1/snapshots/{id}", s.deleteSnapshot)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func (s *Server) createSandbox(w http.ResponseWriter, r *http.Request) {
	var req controlapi.CreateSandboxRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.sandboxes.Create(r.Context(), sandbox.StartOptions{
		SnapshotID:   req.SnapshotID,
		SnapshotPath: req.SnapshotPath,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("sandbox created", "vm_id", result.VMID, "restored_from", result.RestoredFrom)
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) listSandboxes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, controlapi.ListSandboxesResponse{Sandboxes: s.sandboxes.List()})
}

func (s *Server) getSandbox(w http.ResponseWriter, r *http.Request) {
	info, err := s.sandboxes.Info(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) destroySandbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sandboxes.Destroy(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("sandbox destroyed", "vm_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) execSandbox(w http.ResponseWriter, r *http.Request) {
	var req controlapi.ExecRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		s.writeError(w, r, errBadRequest("missing command"))
		return
	}
	result, err := s.sandboxes.Exec(r.Context(), r.PathValue("id"), req.Command)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, controlapi.ExecResponse{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
	})
}

func (s *Server) pauseSandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.sandboxes.Pause(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeSandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.sandboxes.Resume(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) snapshotSandbox(w http.ResponseWriter, r *http.Request) {
	var req controlapi.SnapshotRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.sandboxes.Snapshot(r.Context(), r.PathValue("id"), req.SnapshotID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("snapshot created", "vm_id", rec.SourceVMID, "snapshot_id", rec.ID, "dir", rec.Dir)
	writeJSON(w, http.StatusCreated, controlapi.SnapshotInfoFromRecord(rec))
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	records, err := s.snapshots.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := controlapi.ListSnapshotsResponse{Snapshots: make([]controlapi.SnapshotInfo, 0, len(records))}
	for _, rec := range records {
		resp.Snapshots = append(resp.Snapshots, controlapi.SnapshotInfoFromRecord(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, found, err := s.snapshots.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, fmt.Errorf("%w: %s", errSnapshotNotFound, id))
		return
	}
	s.logger.Info("snapshot deleted", "snapshot_id", rec.ID, "dir", rec.Dir)
	w.WriteHeader(http.StatusNoContent)
}

// decode reads an optional JSON body into dst. An empty body leaves dst at
// its zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, errBadRequest("invalid request body: "+err.Error()))
		return false
	}
	return true
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequestError(msg) }

var errSnapshotNotFound = errors.New("snapshot not found")

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, controlapi.ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var badRequest badRequestError
	switch {
	case errors.As(err, &badRequest), errors.Is(err, sandbox.ErrInvalidSnapshotID):
		return http.StatusBadRequest
	case errors.Is(err, sandbox.ErrNotFound), errors.Is(err, errSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, sandbox.ErrStopped), errors.Is(err, sandbox.ErrSnapshotExists), errors.Is(err, network.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, sandbox.ErrPrerequisite):
		return http.StatusPreconditionFailed
	case errors.Is(err, network.ErrExhausted), errors.Is(err, sandbox.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, sandbox.ErrGuestNotReady), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger) error {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	listener, err := listen(ep)
	if err != nil {
		return err
	}
	defer listener.Close()
	logger.Info("serving fcbox control API", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		logger.Info("control API shutdown complete", "endpoint", ep.Address)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("control API serve failed", "error", err)
		return err
	}
}

func listen(ep endpoint.Endpoint) (net.Listener, error) {
	switch ep.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, err
		}
		return listener, nil
	case "http":
		addr := strings.TrimPrefix(ep.Address, "http://")
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("start listener for %q: %w", addr, err)
		}
		return listener, nil
	default:
		return nil, fmt.Errorf("unsupported listen endpoint scheme %q", ep.Scheme)
	}
}
