package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/UnitHan/TestGPT-Translator/internal/config"
)

// Backend environment variables
const (
	EnvFlaskPort      = "FLASK_PORT"
	EnvServerPort     = "TRANSLATION_SERVER_PORT"
	EnvPythonEncoding = "PYTHONIOENCODING"
	EnvDataDir        = "TRANSLATOR_DATA_DIR"
	EnvLogDir         = "TRANSLATOR_LOG_DIR"
	EnvAPIKey         = "GEMINI_API_KEY"
	EnvBridgeURL      = "TRANSLATOR_BRIDGE_URL"
	EnvBridgeToken    = "TRANSLATOR_BRIDGE_TOKEN"
)

const (
	devScriptName  = "app.py"
	serverExecName = "translation-server"
)

// LaunchSpec describes how to run the backend
type LaunchSpec struct {
	Mode       config.Mode // development or production, never auto
	Binary     string
	Args       []string
	WorkingDir string
	Script     string // development entry point, checked before spawning
}

// ResolveLaunchSpec builds the backend command line for the configured mode.
// In auto mode a project checkout with app.py is run in development mode,
// anything else is treated as a packaged install.
func ResolveLaunchSpec(cfg *config.Config) (*LaunchSpec, error) {
	baseDir := cfg.BackendDir
	if baseDir == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate launcher executable: %w", err)
		}
		baseDir = filepath.Dir(exe)
	}

	mode := cfg.Mode
	if mode == config.ModeAuto {
		mode = detectMode(baseDir, cfg.Script)
	}

	if mode == config.ModeDevelopment {
		return developmentSpec(baseDir, cfg.Python, cfg.Script, runtime.GOOS), nil
	}
	return productionSpec(baseDir, runtime.GOOS), nil
}

func detectMode(baseDir, scriptOverride string) config.Mode {
	script := scriptOverride
	if script == "" {
		script = filepath.Join(baseDir, devScriptName)
	}
	if fileExists(script) {
		return config.ModeDevelopment
	}
	return config.ModeProduction
}

func developmentSpec(projectDir, python, script, goos string) *LaunchSpec {
	if python == "" {
		python = venvPython(projectDir, goos)
	}
	if script == "" {
		script = filepath.Join(projectDir, devScriptName)
	}
	return &LaunchSpec{
		Mode:       config.ModeDevelopment,
		Binary:     python,
		Args:       []string{script},
		WorkingDir: projectDir,
		Script:     script,
	}
}

// venvPython returns the interpreter of the project's virtualenv
func venvPython(projectDir, goos string) string {
	switch goos {
	case "darwin":
		return filepath.Join(projectDir, "macos", "venv", "bin", "python3")
	case "windows":
		return filepath.Join(projectDir, "venv", "Scripts", "python.exe")
	default:
		return filepath.Join(projectDir, "venv", "bin", "python3")
	}
}

func productionSpec(installDir, goos string) *LaunchSpec {
	resources := resourcesDir(installDir, goos)
	return &LaunchSpec{
		Mode:       config.ModeProduction,
		Binary:     serverExecutable(resources, goos),
		WorkingDir: resources,
	}
}

// resourcesDir finds the directory holding the packaged server
func resourcesDir(installDir, goos string) string {
	candidates := []string{filepath.Join(installDir, "resources")}
	if goos == "darwin" {
		// Contents/MacOS/launcher -> Contents/Resources
		candidates = append(candidates, filepath.Join(installDir, "..", "Resources"))
	}
	for _, dir := range candidates {
		if fileExists(serverExecutable(dir, goos)) {
			return filepath.Clean(dir)
		}
	}
	return installDir
}

// serverExecutable returns the packaged server path. Windows builds are onedir.
func serverExecutable(resources, goos string) string {
	if goos == "windows" {
		return filepath.Join(resources, serverExecName, serverExecName+".exe")
	}
	return filepath.Join(resources, serverExecName)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// BackendEnv carries the values injected into the backend environment
type BackendEnv struct {
	Port        int
	DataDir     string
	LogDir      string
	APIKey      string
	BridgeURL   string
	BridgeToken string
}

// Vars returns the injected variables as KEY=VALUE pairs
func (e BackendEnv) Vars() []string {
	port := strconv.Itoa(e.Port)
	vars := []string{
		EnvFlaskPort + "=" + port,
		EnvServerPort + "=" + port,
		EnvPythonEncoding + "=utf-8",
	}
	if e.DataDir != "" {
		vars = append(vars, EnvDataDir+"="+e.DataDir)
	}
	if e.LogDir != "" {
		vars = append(vars, EnvLogDir+"="+e.LogDir)
	}
	if e.APIKey != "" {
		vars = append(vars, EnvAPIKey+"="+e.APIKey)
	}
	if e.BridgeURL != "" {
		vars = append(vars, EnvBridgeURL+"="+e.BridgeURL)
	}
	if e.BridgeToken != "" {
		vars = append(vars, EnvBridgeToken+"="+e.BridgeToken)
	}
	return vars
}

// BuildEnv merges the injected variables into the parent environment.
// Managed variables already present in base are dropped, including the API key.
func BuildEnv(base []string, e BackendEnv) []string {
	managed := map[string]struct{}{
		EnvFlaskPort: {}, EnvServerPort: {}, EnvPythonEncoding: {}, EnvDataDir: {},
		EnvLogDir: {}, EnvAPIKey: {}, EnvBridgeURL: {}, EnvBridgeToken: {},
	}

	env := make([]string, 0, len(base)+8)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if runtime.GOOS == "windows" {
			key = strings.ToUpper(key)
		}
		if _, ok := managed[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	return append(env, e.Vars()...)
}
