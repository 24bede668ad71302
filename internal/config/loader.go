package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. TRANSLATOR_MODE
	EnvPrefix = "TRANSLATOR"

	// PortEnvVar is the legacy preferred-port override shared with the backend
	PortEnvVar = "FLASK_PORT"
)

// flagKeys maps command line flag names onto config keys
var flagKeys = map[string]string{
	"port":        "port",
	"mode":        "mode",
	"data-dir":    "data-dir",
	"backend-dir": "backend-dir",
	"headless":    "headless",
	"log-level":   "logging.level",
	"log-dir":     "logging.log-dir",
}

// Load builds the configuration from defaults, an optional YAML file,
// TRANSLATOR_* environment variables and command line flags, in that order.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setupViper(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configPath == "" {
		dataDir := v.GetString("data-dir")
		if dataDir == "" {
			dataDir = DefaultDataDir()
		}
		candidate := filepath.Join(expandHome(dataDir), ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			configPath = candidate
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	portFlagSet := flags != nil && flags.Changed("port")
	if port, ok := PreferredPortFromEnv(); ok && !portFlagSet {
		cfg.Port = port
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.BackendDir != "" {
		cfg.BackendDir = expandHome(cfg.BackendDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	return cfg, nil
}

// setupViper registers defaults for every key so AutomaticEnv can see them
func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	d := DefaultConfig()
	v.SetDefault("port", d.Port)
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("data-dir", "")
	v.SetDefault("backend-dir", "")
	v.SetDefault("python", "")
	v.SetDefault("script", "")
	v.SetDefault("headless", false)
	v.SetDefault("credential-backend", string(d.CredentialBackend))
	v.SetDefault("stop-grace", d.StopGrace)
	v.SetDefault("load-retry-delay", d.LoadRetryDelay)

	v.SetDefault("readiness.max-attempts", d.Readiness.MaxAttempts)
	v.SetDefault("readiness.interval", d.Readiness.Interval)
	v.SetDefault("readiness.request-timeout", d.Readiness.RequestTimeout)
	v.SetDefault("readiness.required-successes", d.Readiness.RequiredSuccesses)
	v.SetDefault("readiness.success-interval", d.Readiness.SuccessInterval)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.otlp-endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample-rate", d.Tracing.SampleRate)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.enable-file", d.Logging.EnableFile)
	v.SetDefault("logging.enable-console", d.Logging.EnableConsole)
	v.SetDefault("logging.filename", d.Logging.Filename)
	v.SetDefault("logging.log-dir", "")
	v.SetDefault("logging.max-size", d.Logging.MaxSize)
	v.SetDefault("logging.max-backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max-age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.json-format", d.Logging.JSONFormat)
}

// PreferredPortFromEnv reads FLASK_PORT, accepting only 1..65535
func PreferredPortFromEnv() (int, bool) {
	raw := strings.TrimSpace(os.Getenv(PortEnvVar))
	if raw == "" {
		return 0, false
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port >= 65536 {
		return 0, false
	}
	return port, true
}

// DefaultDataDir returns the per-user application data directory
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppName)
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", AppName)
		}
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName)
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".config", AppName)
		}
	}

	return filepath.Join(os.TempDir(), AppName)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
