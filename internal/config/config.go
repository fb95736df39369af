package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danpasecinic/taskflow/internal/types"
)

// DefaultPath is where taskflowd looks for settings when --config is not given
const DefaultPath = "/etc/taskflow/settings.yml"

// Store backends accepted in store_type
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Settings holds the daemon configuration. It is loaded once at startup and
// not modified afterwards.
type Settings struct {
	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	// Headroom the scheduler always keeps free beyond a task's request
	ReservedMemoryBytes    types.ByteCount `yaml:"reserved_memory_bytes"`
	ReservedGPUMemoryBytes types.ByteCount `yaml:"reserved_gpu_memory_bytes"`

	SystemQueryInterval time.Duration `yaml:"system_query_interval"`
	SchedulerInterval   time.Duration `yaml:"scheduler_interval"`
	SessionPollInterval time.Duration `yaml:"session_poll_interval"`

	StoreType   string `yaml:"store_type"`
	DatabaseURL string `yaml:"database_url,omitempty"`

	NvidiaSmiPath string `yaml:"nvidia_smi_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in settings
func Default() Settings {
	return Settings{
		APIHost:                "localhost",
		APIPort:                4305,
		ReservedMemoryBytes:    100 * 1024 * 1024,
		ReservedGPUMemoryBytes: 1024 * 1024,
		SystemQueryInterval:    5 * time.Second,
		SchedulerInterval:      5 * time.Second,
		SessionPollInterval:    time.Second,
		StoreType:              StoreMemory,
		NvidiaSmiPath:          "nvidia-smi",
		LogLevel:               "info",
		LogFormat:              "console",
	}
}

// Load reads settings from a YAML file on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Settings, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Settings{}, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Settings{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return Settings{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}

	return cfg, nil
}

// ApplyEnv overrides settings from TASKFLOW_* variables and DATABASE_URL
func (s *Settings) ApplyEnv() error {
	if v := os.Getenv("TASKFLOW_API_HOST"); v != "" {
		s.APIHost = v
	}
	if v := os.Getenv("TASKFLOW_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TASKFLOW_API_PORT %q: %w", v, err)
		}
		s.APIPort = port
	}
	if v := os.Getenv("TASKFLOW_STORE_TYPE"); v != "" {
		s.StoreType = strings.ToLower(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		s.DatabaseURL = v
	}
	if v := os.Getenv("TASKFLOW_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("TASKFLOW_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid TASKFLOW_DEBUG %q: %w", v, err)
		}
		if debug {
			s.LogLevel = "debug"
		}
	}
	return nil
}

// Validate rejects settings the daemon cannot run with
func (s Settings) Validate() error {
	if s.APIPort <= 0 || s.APIPort > 65535 {
		return fmt.Errorf("api_port must be between 1 and 65535, got %d", s.APIPort)
	}
	if s.ReservedMemoryBytes < 0 {
		return fmt.Errorf("reserved_memory_bytes must not be negative")
	}
	if s.ReservedGPUMemoryBytes < 0 {
		return fmt.Errorf("reserved_gpu_memory_bytes must not be negative")
	}
	if s.SystemQueryInterval <= 0 {
		return fmt.Errorf("system_query_interval must be positive")
	}
	if s.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler_interval must be positive")
	}
	if s.SessionPollInterval <= 0 {
		return fmt.Errorf("session_poll_interval must be positive")
	}

	switch s.StoreType {
	case StoreMemory:
	case StorePostgres:
		if s.DatabaseURL == "" {
			return fmt.Errorf("store_type postgres requires database_url or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown store_type: %s", s.StoreType)
	}

	return nil
}

// Address returns the host:port the API listens on
func (s Settings) Address() string {
	return net.JoinHostPort(s.APIHost, strconv.Itoa(s.APIPort))
}
