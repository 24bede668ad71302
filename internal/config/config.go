package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	// AppName names the data directory, keyring service and socket endpoint
	AppName = "testgpt-translator"

	// DefaultPort is the preferred backend port when neither config nor FLASK_PORT set one
	DefaultPort = 5000

	// ConfigFileName is looked up in the data directory when --config is not given
	ConfigFileName = "launcher.yaml"

	// MinRequiredSuccesses is the fewest consecutive healthy responses that count as ready
	MinRequiredSuccesses = 2
)

// Mode selects how the backend command line is built
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// CredentialBackend selects where the API key is persisted
type CredentialBackend string

const (
	CredentialBackendAuto    CredentialBackend = "auto"
	CredentialBackendKeyring CredentialBackend = "keyring"
	CredentialBackendFile    CredentialBackend = "file"
)

// Config represents the launcher configuration
type Config struct {
	Port       int    `json:"port" mapstructure:"port"`
	Mode       Mode   `json:"mode" mapstructure:"mode"`
	DataDir    string `json:"data_dir" mapstructure:"data-dir"`
	BackendDir string `json:"backend_dir,omitempty" mapstructure:"backend-dir"` // install location of the backend
	Python     string `json:"python,omitempty" mapstructure:"python"`           // development interpreter override
	Script     string `json:"script,omitempty" mapstructure:"script"`           // development entry point override
	Headless   bool   `json:"headless" mapstructure:"headless"`

	CredentialBackend CredentialBackend `json:"credential_backend" mapstructure:"credential-backend"`

	StopGrace      time.Duration `json:"stop_grace" mapstructure:"stop-grace"`
	LoadRetryDelay time.Duration `json:"load_retry_delay" mapstructure:"load-retry-delay"`

	Readiness ReadinessConfig `json:"readiness" mapstructure:"readiness"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// ReadinessConfig controls health polling of a freshly started backend
type ReadinessConfig struct {
	MaxAttempts       int           `json:"max_attempts" mapstructure:"max-attempts"`
	Interval          time.Duration `json:"interval" mapstructure:"interval"`
	RequestTimeout    time.Duration `json:"request_timeout" mapstructure:"request-timeout"`
	RequiredSuccesses int           `json:"required_successes" mapstructure:"required-successes"`
	SuccessInterval   time.Duration `json:"success_interval" mapstructure:"success-interval"`
}

// TracingConfig enables OTLP export of launch, probe and load spans
type TracingConfig struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled"`
	OTLPEndpoint string  `json:"otlp_endpoint" mapstructure:"otlp-endpoint"`
	SampleRate   float64 `json:"sample_rate" mapstructure:"sample-rate"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"` // Custom log directory
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`         // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`   // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`           // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Port:              DefaultPort,
		Mode:              ModeAuto,
		DataDir:           "", // resolved by the loader
		CredentialBackend: CredentialBackendAuto,
		StopGrace:         3 * time.Second,
		LoadRetryDelay:    time.Second,
		Readiness: ReadinessConfig{
			MaxAttempts:       30,
			Interval:          time.Second,
			RequestTimeout:    3 * time.Second,
			RequiredSuccesses: MinRequiredSuccesses,
			SuccessInterval:   500 * time.Millisecond,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4318",
			SampleRate:   1.0,
		},
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "launcher.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range (1-65535)", c.Port)
	}

	switch c.Mode {
	case ModeAuto, ModeDevelopment, ModeProduction:
	default:
		return fmt.Errorf("invalid mode %q, must be one of: auto, development, production", c.Mode)
	}

	switch c.CredentialBackend {
	case CredentialBackendAuto, CredentialBackendKeyring, CredentialBackendFile:
	default:
		return fmt.Errorf("invalid credential-backend %q, must be one of: auto, keyring, file", c.CredentialBackend)
	}

	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data-dir cannot be empty")
	}

	if c.StopGrace <= 0 {
		return fmt.Errorf("stop-grace must be positive, got %v", c.StopGrace)
	}
	if c.LoadRetryDelay < 0 {
		return fmt.Errorf("load-retry-delay cannot be negative, got %v", c.LoadRetryDelay)
	}

	r := c.Readiness
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("readiness.max-attempts must be positive, got %d", r.MaxAttempts)
	}
	if r.RequiredSuccesses < MinRequiredSuccesses {
		return fmt.Errorf("readiness.required-successes must be at least %d, got %d", MinRequiredSuccesses, r.RequiredSuccesses)
	}
	if r.Interval <= 0 || r.RequestTimeout <= 0 || r.SuccessInterval < 0 {
		return fmt.Errorf("readiness intervals must be positive (interval=%v, request-timeout=%v, success-interval=%v)",
			r.Interval, r.RequestTimeout, r.SuccessInterval)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample-rate must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.OTLPEndpoint) == "" {
		return fmt.Errorf("tracing.otlp-endpoint is required when tracing is enabled")
	}

	return nil
}
