// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sevir/officepool/internal/pool"
	"github.com/sevir/officepool/pkg/models"
)

const appDir = ".officepool"

// Config holds the application configuration.
type Config struct {
	OfficeHome          string          `json:"office_home" yaml:"office_home"`
	Executable          string          `json:"executable" yaml:"executable"`
	Endpoints           []string        `json:"endpoints" yaml:"endpoints"`
	Host                string          `json:"host" yaml:"host"`
	WorkingDir          string          `json:"working_dir" yaml:"working_dir"`
	TemplateProfileDir  string          `json:"template_profile_dir" yaml:"template_profile_dir"`
	KillExistingProcess bool            `json:"kill_existing_process" yaml:"kill_existing_process"`
	ExistingAction      string          `json:"existing_process_action,omitempty" yaml:"existing_process_action,omitempty"`
	KeepAliveOnShutdown bool            `json:"keep_alive_on_shutdown" yaml:"keep_alive_on_shutdown"`
	MaxTasksPerProcess  int             `json:"max_tasks_per_process" yaml:"max_tasks_per_process"`
	TaskQueueTimeout    models.Duration `json:"task_queue_timeout" yaml:"task_queue_timeout"`
	TaskExecTimeout     models.Duration `json:"task_execution_timeout" yaml:"task_execution_timeout"`
	RetryInterval       models.Duration `json:"process_retry_interval" yaml:"process_retry_interval"`
	RetryTimeout        models.Duration `json:"process_retry_timeout" yaml:"process_retry_timeout"`
	StopTimeout         models.Duration `json:"process_stop_timeout" yaml:"process_stop_timeout"`
	RunAsArgs           []string        `json:"run_as_args,omitempty" yaml:"run_as_args,omitempty"`
	ExtraArgs           []string        `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	Env                 []string        `json:"env,omitempty" yaml:"env,omitempty"`
	LogDir              string          `json:"log_dir" yaml:"log_dir"`
	JournalPath         string          `json:"journal_path" yaml:"journal_path"`
	Server              ServerConfig    `json:"server" yaml:"server"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		Endpoints:           []string{"2002"},
		Host:                models.DefaultHost,
		WorkingDir:          os.TempDir(),
		KillExistingProcess: true,
		MaxTasksPerProcess:  200,
		TaskQueueTimeout:    models.Duration(30 * time.Second),
		TaskExecTimeout:     models.Duration(120 * time.Second),
		RetryInterval:       models.Duration(250 * time.Millisecond),
		RetryTimeout:        models.Duration(120 * time.Second),
		StopTimeout:         models.Duration(10 * time.Second),
		JournalPath:         filepath.Join(home, appDir, "events.json"),
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8766,
		},
	}
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		// Try YAML first, then JSON
		yamlPath := filepath.Join(home, appDir, "config.yaml")
		jsonPath := filepath.Join(home, appDir, "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
		} else {
			// No config file found, return defaults
			return cfg, nil
		}
	}
	baseDir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// Paths expand ~ and resolve relative to the config file directory.
	// A bare executable name is left for PATH lookup.
	cfg.OfficeHome = resolvePath(cfg.OfficeHome, baseDir)
	if strings.ContainsAny(cfg.Executable, `/\`) || strings.HasPrefix(cfg.Executable, "~") {
		cfg.Executable = resolvePath(cfg.Executable, baseDir)
	}
	cfg.WorkingDir = resolvePath(cfg.WorkingDir, baseDir)
	cfg.TemplateProfileDir = resolvePath(cfg.TemplateProfileDir, baseDir)
	cfg.LogDir = resolvePath(cfg.LogDir, baseDir)
	cfg.JournalPath = resolvePath(cfg.JournalPath, baseDir)

	return cfg, nil
}

// Save saves configuration to a file. The format follows the extension.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, appDir, "config.yaml")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ResolveExecutable returns the configured executable, or the one under
// office_home, or the one under an autodetected office installation.
func (c *Config) ResolveExecutable() string {
	if c.Executable != "" {
		return c.Executable
	}
	home := c.OfficeHome
	if home == "" {
		home = DetectOfficeHome()
	}
	if home == "" {
		return ""
	}
	return ExecutablePath(home, runtime.GOOS)
}

// PoolConfig converts the file configuration to a pool configuration. The
// result still has to pass pool.Config.Validate.
func (c *Config) PoolConfig() (pool.Config, error) {
	endpoints := make([]models.Endpoint, 0, len(c.Endpoints))
	for i, value := range c.Endpoints {
		ep, err := models.ParseEndpoint(value, c.Host)
		if err != nil {
			return pool.Config{}, &pool.ConfigError{Field: fmt.Sprintf("endpoints[%d]", i), Reason: err.Error()}
		}
		endpoints = append(endpoints, ep)
	}

	return pool.Config{
		Endpoints:             endpoints,
		Executable:            c.ResolveExecutable(),
		WorkingDir:            c.WorkingDir,
		TemplateProfileDir:    c.TemplateProfileDir,
		KillExistingProcess:   c.KillExistingProcess,
		ExistingProcessAction: models.ExistingProcessAction(strings.ToLower(strings.TrimSpace(c.ExistingAction))),
		KeepAliveOnShutdown:   c.KeepAliveOnShutdown,
		MaxTasksPerProcess:    c.MaxTasksPerProcess,
		TaskQueueTimeout:      c.TaskQueueTimeout.Std(),
		TaskExecutionTimeout:  c.TaskExecTimeout.Std(),
		ProcessRetryInterval:  c.RetryInterval.Std(),
		ProcessRetryTimeout:   c.RetryTimeout.Std(),
		ProcessStopTimeout:    c.StopTimeout.Std(),
		RunAsArgs:             c.RunAsArgs,
		ExtraArgs:             c.ExtraArgs,
		Env:                   c.Env,
		LogDir:                c.LogDir,
	}, nil
}

func isYAML(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
