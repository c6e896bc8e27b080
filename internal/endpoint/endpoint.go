package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string
}

const (
	DefaultSystemSocketPath = "/var/run/fcbox/fcbox.sock"

	// HostEnvVar selects the control endpoint when no flag is given.
	HostEnvVar = "FCBOX_HOST"
)

var endpointStat = os.Stat
var endpointGeteuid = os.Geteuid

func defaultListenEndpoint() Endpoint {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = filepath.Join(os.TempDir(), "fcbox-"+fmt.Sprint(endpointGeteuid()))
	}
	sock := filepath.Join(runtimeDir, "fcbox", "fcbox.sock")
	return Endpoint{
		Scheme:  "unix",
		Address: sock,
		BaseURL: "http://unix",
	}
}

func defaultClientEndpoint() Endpoint {
	if endpointGeteuid() == 0 {
		if st, err := endpointStat(DefaultSystemSocketPath); err == nil && !st.IsDir() && st.Mode()&os.ModeSocket != 0 {
			return Endpoint{
				Scheme:  "unix",
				Address: DefaultSystemSocketPath,
				BaseURL: "http://unix",
			}
		}
	}
	return defaultListenEndpoint()
}

func Default() Endpoint {
	return defaultListenEndpoint()
}

// ResolveListen resolves an endpoint for server-side listening.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listenDefault bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(HostEnvVar))
	}
	if value == "" {
		if listenDefault {
			return defaultListenEndpoint(), nil
		}
		return defaultClientEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" || !filepath.IsAbs(path) {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: filepath.Clean(path), BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"):
		host := strings.TrimSuffix(strings.TrimPrefix(value, "http://"), "/")
		if host == "" || strings.Contains(host, "/") {
			return Endpoint{}, fmt.Errorf("invalid http endpoint %q", value)
		}
		return Endpoint{Scheme: "http", Address: host, BaseURL: "http://" + host}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: filepath.Clean(value), BaseURL: "http://unix"}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected unix://, http://, or absolute unix socket path)", value)
	}
}
