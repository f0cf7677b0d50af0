package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/me/kiln/internal/logging"
	"github.com/me/kiln/pkg/model"
)

// EnvServer names the environment variable holding the default server URL
// for the CLI and the worker.
const EnvServer = "KILN_SERVER"

// ServerConfig holds configuration for the kiln server.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json
	DBPath    string `yaml:"db_path"`    // SQLite archive path (":memory:" for testing)

	// Strategy breaks ties between workers with free slots.
	Strategy model.DispatchStrategy `yaml:"strategy"`
	// JobRetention is how long a terminal job stays live before reads are
	// served from the archive. Zero keeps jobs until explicitly released.
	JobRetention time.Duration `yaml:"job_retention"`
	// LogPollTimeout caps how long a log or status long-poll may block.
	LogPollTimeout time.Duration `yaml:"log_poll_timeout"`
	// HeartbeatInterval spaces keep-alive comments on SSE streams.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:              ":8080",
		LogLevel:          "info",
		LogFormat:         "text",
		DBPath:            "kiln.db",
		Strategy:          model.StrategyRoundRobin,
		JobRetention:      time.Hour,
		LogPollTimeout:    30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if _, err := logging.ParseLevelStrict(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if !logging.ValidFormat(c.LogFormat) {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	switch c.Strategy {
	case model.StrategyRoundRobin, model.StrategyLeastLoaded:
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch strategy %q", c.Strategy))
	}
	if c.JobRetention < 0 {
		errs = append(errs, errors.New("job_retention must not be negative"))
	}
	if c.LogPollTimeout <= 0 {
		errs = append(errs, errors.New("log_poll_timeout must be positive"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat_interval must be positive"))
	}
	return errors.Join(errs...)
}

// WorkerConfig holds configuration for a kiln worker.
type WorkerConfig struct {
	Server    string `yaml:"server"`
	Name      string `yaml:"name"`
	Hostname  string `yaml:"hostname"`
	Capacity  int    `yaml:"capacity"`
	Runtime   string `yaml:"runtime"` // docker, podman, shell
	WorkDir   string `yaml:"workdir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Reconnect backoff after the registration stream is lost.
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// LogFlushSize is the buffered output size that triggers a log upload.
	LogFlushSize int `yaml:"log_flush_size"`
	// LogFlushInterval bounds how long output may sit in the buffer.
	LogFlushInterval time.Duration `yaml:"log_flush_interval"`
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	host, _ := os.Hostname()
	server := os.Getenv(EnvServer)
	if server == "" {
		server = "http://localhost:8080"
	}
	return WorkerConfig{
		Server:           server,
		Name:             host,
		Hostname:         host,
		Capacity:         1,
		Runtime:          "docker",
		WorkDir:          os.TempDir(),
		LogLevel:         "info",
		LogFormat:        "text",
		MinBackoff:       time.Second,
		MaxBackoff:       30 * time.Second,
		LogFlushSize:     4096,
		LogFlushInterval: 250 * time.Millisecond,
	}
}

// Validate checks the configuration for values the worker cannot run with.
func (c WorkerConfig) Validate() error {
	var errs []error
	if c.Server == "" {
		errs = append(errs, errors.New("server is required"))
	}
	if c.Capacity < 1 {
		errs = append(errs, fmt.Errorf("capacity must be at least 1, got %d", c.Capacity))
	}
	switch c.Runtime {
	case "docker", "podman", "shell":
	default:
		errs = append(errs, fmt.Errorf("unknown runtime %q", c.Runtime))
	}
	if _, err := logging.ParseLevelStrict(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		errs = append(errs, fmt.Errorf("invalid backoff range %s..%s", c.MinBackoff, c.MaxBackoff))
	}
	if c.LogFlushSize <= 0 {
		errs = append(errs, errors.New("log_flush_size must be positive"))
	}
	return errors.Join(errs...)
}

// LoadFile overlays the YAML file at path onto dst. Fields absent from the
// file keep their current values. An empty path is a no-op.
func LoadFile(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyFile overlays the YAML file at path onto dst while keeping every flag
// the user set explicitly in fs. The precedence is defaults, then file, then
// flags. dst must be the struct the flags are bound to.
func ApplyFile(fs *pflag.FlagSet, path string, dst any) error {
	if path == "" {
		return nil
	}
	set := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		set[f.Name] = f.Value.String()
	})
	if err := LoadFile(path, dst); err != nil {
		return err
	}
	for name, value := range set {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("reapply --%s: %w", name, err)
		}
	}
	return nil
}
