package logs

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// LogDirEnvVar overrides the log directory for both the launcher and the backend
	LogDirEnvVar = "TRANSLATOR_LOG_DIR"

	logDirName = "translation_log"

	osWindows = "windows"
)

// GetLogDir returns the shared log directory of the launcher and the backend.
// TRANSLATOR_LOG_DIR wins; otherwise C:\translation_log on Windows and
// ~/translation_log elsewhere.
func GetLogDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(LogDirEnvVar)); dir != "" {
		return expandHome(dir)
	}

	if runtime.GOOS == osWindows {
		drive := os.Getenv("SystemDrive")
		if drive == "" {
			drive = "C:"
		}
		return drive + `\` + logDirName, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return getDefaultLogDir(), nil
	}
	return filepath.Join(homeDir, logDirName), nil
}

// getDefaultLogDir is the last resort when no home directory is known
func getDefaultLogDir() string {
	return filepath.Join(os.TempDir(), logDirName)
}

// EnsureLogDir creates the log directory if it doesn't exist
func EnsureLogDir(logDir string) error {
	return os.MkdirAll(logDir, 0755)
}

// ResolveLogDir returns logDir when set, the shared default otherwise
func ResolveLogDir(logDir string) (string, error) {
	if logDir == "" {
		return GetLogDir()
	}
	return expandHome(logDir)
}

// GetLogFilePathWithDir returns the full path for a log file, creating the directory
func GetLogFilePathWithDir(logDir, filename string) (string, error) {
	dir, err := ResolveLogDir(logDir)
	if err != nil {
		return "", err
	}

	if err := EnsureLogDir(dir); err != nil {
		return "", err
	}

	return filepath.Join(dir, filename), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, path[2:]), nil
}
