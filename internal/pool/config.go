package pool

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/sevir/officepool/internal/process"
	"github.com/sevir/officepool/pkg/models"
)

// Config is the immutable pool configuration. Build it once, validate it,
// and hand it to NewSupervisor.
type Config struct {
	Endpoints           []models.Endpoint
	Executable          string
	WorkingDir          string
	TemplateProfileDir  string
	KillExistingProcess bool
	MaxTasksPerProcess  int

	// ExistingProcessAction overrides KillExistingProcess when set.
	ExistingProcessAction models.ExistingProcessAction
	// KeepAliveOnShutdown leaves office processes running when the pool
	// stops. The next pool can adopt them with a connect action.
	KeepAliveOnShutdown bool

	TaskQueueTimeout     time.Duration
	TaskExecutionTimeout time.Duration
	ProcessRetryInterval time.Duration
	ProcessRetryTimeout  time.Duration
	ProcessStopTimeout   time.Duration

	RunAsArgs []string
	ExtraArgs []string
	Env       []string
	LogDir    string
}

// DefaultConfig returns the defaults for everything but the executable.
func DefaultConfig() Config {
	return Config{
		Endpoints:            []models.Endpoint{models.SocketEndpoint(models.DefaultHost, 2002)},
		WorkingDir:           os.TempDir(),
		KillExistingProcess:  true,
		MaxTasksPerProcess:   200,
		TaskQueueTimeout:     30 * time.Second,
		TaskExecutionTimeout: 120 * time.Second,
		ProcessRetryInterval: 250 * time.Millisecond,
		ProcessRetryTimeout:  120 * time.Second,
		ProcessStopTimeout:   10 * time.Second,
	}
}

// Clone returns a copy that shares no slices with c.
func (c Config) Clone() Config {
	c.Endpoints = slices.Clone(c.Endpoints)
	c.RunAsArgs = slices.Clone(c.RunAsArgs)
	c.ExtraArgs = slices.Clone(c.ExtraArgs)
	c.Env = slices.Clone(c.Env)
	return c
}

// Validate checks the configuration and returns every problem found, each
// as a *ConfigError.
func (c Config) Validate() error {
	return c.validate(runtime.GOOS)
}

// ExistingAction resolves what to do with a leftover process on a slot
// endpoint.
func (c Config) ExistingAction() models.ExistingProcessAction {
	switch {
	case c.ExistingProcessAction != "":
		return c.ExistingProcessAction
	case c.KillExistingProcess:
		return models.ExistingProcessKill
	default:
		return models.ExistingProcessFail
	}
}

func (c Config) validate(goos string) error {
	var errs []error
	bad := func(field, format string, args ...interface{}) {
		errs = append(errs, &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if len(c.Endpoints) == 0 {
		bad("endpoints", "at least one endpoint is required")
	}
	seen := make(map[string]int, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if err := ep.Validate(); err != nil {
			bad(fmt.Sprintf("endpoints[%d]", i), "%v", err)
			continue
		}
		if ep.IsPipe() && goos == "windows" {
			bad(fmt.Sprintf("endpoints[%d]", i), "pipe endpoints are not supported on windows (%s)", ep)
			continue
		}
		key := ep.String()
		if j, dup := seen[key]; dup {
			bad(fmt.Sprintf("endpoints[%d]", i), "duplicate of endpoints[%d] (%s)", j, key)
			continue
		}
		seen[key] = i
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"task_queue_timeout", c.TaskQueueTimeout},
		{"task_execution_timeout", c.TaskExecutionTimeout},
		{"process_retry_interval", c.ProcessRetryInterval},
		{"process_retry_timeout", c.ProcessRetryTimeout},
		{"process_stop_timeout", c.ProcessStopTimeout},
	} {
		if d.value <= 0 {
			bad(d.field, "must be positive, got %s", d.value)
		}
	}
	if c.ExistingProcessAction != "" && !c.ExistingProcessAction.Valid() {
		bad("existing_process_action", "unknown action %q", c.ExistingProcessAction)
	}
	if c.MaxTasksPerProcess < 0 {
		bad("max_tasks_per_process", "must not be negative, got %d", c.MaxTasksPerProcess)
	}

	if err := checkExecutable(c.Executable); err != nil {
		bad("executable", "%v", err)
	}
	if c.WorkingDir != "" {
		if err := checkDir(c.WorkingDir); err != nil {
			bad("working_dir", "%v", err)
		}
	}
	if c.TemplateProfileDir != "" {
		if err := checkDir(c.TemplateProfileDir); err != nil {
			bad("template_profile_dir", "%v", err)
		}
	}

	return errors.Join(errs...)
}

func checkExecutable(path string) error {
	if path == "" {
		return errors.New("no office executable configured")
	}
	if !strings.ContainsAny(path, `/\`) {
		if _, err := exec.LookPath(path); err != nil {
			return err
		}
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

func (c Config) processConfig(removeAll func(string) error) process.Config {
	workingDir := c.WorkingDir
	if workingDir == "" {
		workingDir = os.TempDir()
	}
	return process.Config{
		Executable:         c.Executable,
		RunAsArgs:          c.RunAsArgs,
		ExtraArgs:          c.ExtraArgs,
		Env:                c.Env,
		WorkingDir:         workingDir,
		TemplateProfileDir: c.TemplateProfileDir,
		ExistingAction:     c.ExistingAction(),
		LogDir:             c.LogDir,
		RetryInterval:      c.ProcessRetryInterval,
		RetryTimeout:       c.ProcessRetryTimeout,
		RemoveAll:          removeAll,
	}
}
