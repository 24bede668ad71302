// Package instance keeps the launcher to one running copy per user and data
// directory, and gives later launches a channel to reach the running one.
package instance

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/UnitHan/TestGPT-Translator/internal/config"
)

const (
	// EndpointEnvVar overrides the instance endpoint
	EndpointEnvVar = "TRANSLATOR_INSTANCE_ENDPOINT"

	// SocketFileName is the unix socket created in the data directory
	SocketFileName = "launcher.sock"

	unixScheme  = "unix://"
	npipeScheme = "npipe://"
)

// ErrAlreadyRunning is returned by Acquire when another launcher holds the endpoint
var ErrAlreadyRunning = errors.New("another launcher instance is already running")

// Endpoint returns the instance endpoint for dataDir: a unix socket inside the
// data directory, or a per-user named pipe on Windows.
func Endpoint(dataDir string) string {
	if env := strings.TrimSpace(os.Getenv(EndpointEnvVar)); env != "" {
		return env
	}

	if runtime.GOOS == "windows" {
		return pipeEndpoint(dataDir)
	}
	return unixScheme + filepath.Join(dataDir, SocketFileName)
}

// pipeEndpoint returns the Windows named pipe with the user name. Non-default
// data directories get a short hash so separate profiles do not collide.
func pipeEndpoint(dataDir string) string {
	username := os.Getenv("USERNAME")
	if username == "" {
		username = "default"
	}

	if dataDir == "" || filepath.Clean(dataDir) == filepath.Clean(config.DefaultDataDir()) {
		return fmt.Sprintf("%s//./pipe/%s-%s", npipeScheme, config.AppName, username)
	}

	hash := sha256.Sum256([]byte(dataDir))
	return fmt.Sprintf("%s//./pipe/%s-%s-%x", npipeScheme, config.AppName, username, hash[:4])
}

// parseEndpoint splits an endpoint into its scheme and platform address
func parseEndpoint(endpoint string) (scheme, address string, err error) {
	switch {
	case strings.HasPrefix(endpoint, unixScheme):
		address = strings.TrimPrefix(endpoint, unixScheme)
		if address == "" {
			return "", "", fmt.Errorf("invalid unix socket path in endpoint: %s", endpoint)
		}
		return "unix", address, nil
	case strings.HasPrefix(endpoint, npipeScheme):
		return "npipe", pipePath(endpoint), nil
	default:
		return "", "", fmt.Errorf("unsupported instance endpoint %q", endpoint)
	}
}

// pipePath converts npipe:////./pipe/name to //./pipe/name
func pipePath(endpoint string) string {
	path := strings.TrimLeft(strings.TrimPrefix(endpoint, npipeScheme), "/")
	if strings.HasPrefix(path, "./pipe/") {
		return "//" + path
	}
	if strings.HasPrefix(path, `\\.\`) {
		return path
	}
	return "//./pipe/" + path
}
