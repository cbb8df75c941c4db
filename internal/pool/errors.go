package pool

import (
	"errors"
	"fmt"

	"github.com/sevir/officepool/pkg/models"
)

var (
	ErrConfiguration     = errors.New("invalid pool configuration")
	ErrStartupFailure    = errors.New("office process failed to start")
	ErrQueueBusy         = errors.New("no office process available")
	ErrExecutionTimeout  = errors.New("task execution timed out")
	ErrProcessCrash      = errors.New("office process crashed")
	ErrPoolNotRunning    = errors.New("pool not running")
	ErrPoolShutdown      = errors.New("pool shut down")
	ErrPoolStarted       = errors.New("pool already started")
	ErrInvalidTransition = errors.New("invalid slot state transition")
	ErrSlotNotFound      = errors.New("slot not found")
	ErrSlotBusy          = errors.New("slot busy")
)

// ConfigError reports one invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid pool configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfiguration }

// StartupError reports a slot that never reached the running state.
type StartupError struct {
	Slot     int
	Endpoint models.Endpoint
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("slot %d (%s) failed to start: %v", e.Slot, e.Endpoint, e.Err)
}

func (e *StartupError) Unwrap() []error { return []error{ErrStartupFailure, e.Err} }

// TaskError reports a task that failed because of the pool rather than
// because of the task itself. Kind is ErrExecutionTimeout or
// ErrProcessCrash.
type TaskError struct {
	Slot int
	Kind error
	Err  error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("slot %d: %v", e.Slot, e.Kind)
	}
	return fmt.Sprintf("slot %d: %v: %v", e.Slot, e.Kind, e.Err)
}

func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

type transitionError struct {
	slot     int
	from, to models.SlotState
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("slot %d: cannot move from %s to %s", e.slot, e.from, e.to)
}

func (e *transitionError) Unwrap() error { return ErrInvalidTransition }
