package endpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveAcceptsSupportedForms(t *testing.T) {
	t.Setenv(HostEnvVar, "")

	tests := []struct {
		raw  string
		want Endpoint
	}{
		{"unix:///run/fcbox/api.sock", Endpoint{Scheme: "unix", Address: "/run/fcbox/api.sock", BaseURL: "http://unix"}},
		{"/run/fcbox/../fcbox/api.sock", Endpoint{Scheme: "unix", Address: "/run/fcbox/api.sock", BaseURL: "http://unix"}},
		{"http://127.0.0.1:7777", Endpoint{Scheme: "http", Address: "127.0.0.1:7777", BaseURL: "http://127.0.0.1:7777"}},
		{"http://127.0.0.1:7777/", Endpoint{Scheme: "http", Address: "127.0.0.1:7777", BaseURL: "http://127.0.0.1:7777"}},
	}
	for _, tt := range tests {
		got, err := Resolve(tt.raw)
		if err != nil {
			t.Errorf("Resolve(%q) error: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestResolveRejectsUnsupportedForms(t *testing.T) {
	t.Setenv(HostEnvVar, "")

	for _, raw := range []string{"unix://", "unix://relative.sock", "https://example.com", "tcp://127.0.0.1:1", "fcbox.sock", "http://host/path"} {
		_, err := Resolve(raw)
		if err == nil {
			t.Errorf("Resolve(%q) should fail", raw)
			continue
		}
		if !strings.Contains(err.Error(), raw) {
			t.Errorf("expected error to quote %q, got %q", raw, err)
		}
	}
}

func TestResolveUsesHostEnv(t *testing.T) {
	t.Setenv(HostEnvVar, "http://127.0.0.1:9000")

	ep, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.BaseURL != "http://127.0.0.1:9000" {
		t.Fatalf("expected env endpoint, got %+v", ep)
	}

	ep, err = Resolve("/tmp/explicit.sock")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Address != "/tmp/explicit.sock" {
		t.Fatalf("explicit value should win over env, got %+v", ep)
	}
}

func TestResolveListenDefaultsUnderRuntimeDir(t *testing.T) {
	runtimeDir := t.TempDir()
	t.Setenv(HostEnvVar, "")
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)

	ep, err := ResolveListen("")
	if err != nil {
		t.Fatalf("ResolveListen: %v", err)
	}
	if want := filepath.Join(runtimeDir, "fcbox", "fcbox.sock"); ep.Address != want || ep.Scheme != "unix" {
		t.Fatalf("unexpected default endpoint %+v, want address %q", ep, want)
	}
}

func TestDefaultClientEndpointPrefersSystemSocketForRoot(t *testing.T) {
	t.Setenv(HostEnvVar, "")
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	origStat, origGeteuid := endpointStat, endpointGeteuid
	t.Cleanup(func() {
		endpointStat = origStat
		endpointGeteuid = origGeteuid
	})
	endpointGeteuid = func() int { return 0 }
	endpointStat = func(string) (os.FileInfo, error) { return socketInfo{}, nil }

	ep, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ep.Address != DefaultSystemSocketPath {
		t.Fatalf("expected system socket, got %+v", ep)
	}
}

type socketInfo struct{ os.FileInfo }

func (socketInfo) IsDir() bool       { return false }
func (socketInfo) Mode() os.FileMode { return os.ModeSocket | 0o600 }
