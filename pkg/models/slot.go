package models

import "time"

// SlotState represents the lifecycle state of a worker slot.
type SlotState string

const (
	SlotStateStopped  SlotState = "stopped"
	SlotStateStarting SlotState = "starting"
	SlotStateRunning  SlotState = "running"
	SlotStateStopping SlotState = "stopping"
	SlotStateCrashed  SlotState = "crashed"
)

// PoolState is the lifecycle state of the whole pool.
type PoolState string

const (
	PoolStateStopped  PoolState = "stopped"
	PoolStateStarted  PoolState = "started"
	PoolStateShutdown PoolState = "shutdown"
)

// Pid sentinels, mirrored from the process package for API consumers.
const (
	PidNotFound int64 = -2
	PidUnknown  int64 = -1
)

// SlotInfo is a point-in-time snapshot of a worker slot.
type SlotInfo struct {
	Index          int        `json:"index"`
	Endpoint       string     `json:"endpoint"`
	State          SlotState  `json:"state"`
	Busy           bool       `json:"busy"`
	Pid            int64      `json:"pid"`
	TasksCompleted int        `json:"tasks_completed"`
	Restarts       int        `json:"restarts"`
	ProfileDir     string     `json:"profile_dir,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
}

// EventType classifies journal events.
type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventRecycle        EventType = "recycle"
	EventTaskTimeout    EventType = "task_timeout"
	EventTaskCrash      EventType = "task_crash"
	EventProfileRenamed EventType = "profile_renamed"
	EventStartFailed    EventType = "start_failed"
	EventProcessExited  EventType = "process_exited"
	EventPoolStarted    EventType = "pool_started"
	EventPoolStopped    EventType = "pool_stopped"
)

// Event records something that happened to a slot or to the pool.
// Slot is -1 for pool-wide events.
type Event struct {
	ID        string    `json:"id"`
	Slot      int       `json:"slot"`
	Type      EventType `json:"type"`
	State     SlotState `json:"state,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Pid       int64     `json:"pid,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ExistingProcessAction says what to do when an office process is already
// listening on a slot's endpoint at start.
type ExistingProcessAction string

const (
	// ExistingProcessFail refuses to start the slot.
	ExistingProcessFail ExistingProcessAction = "fail"
	// ExistingProcessKill kills the leftover and launches a new process.
	ExistingProcessKill ExistingProcessAction = "kill"
	// ExistingProcessConnect adopts the leftover, failing if it does not
	// accept connections.
	ExistingProcessConnect ExistingProcessAction = "connect"
	// ExistingProcessConnectOrKill adopts the leftover when it accepts
	// connections and kills it otherwise.
	ExistingProcessConnectOrKill ExistingProcessAction = "connect_or_kill"
)

// Valid reports whether a is one of the known actions.
func (a ExistingProcessAction) Valid() bool {
	switch a {
	case ExistingProcessFail, ExistingProcessKill, ExistingProcessConnect, ExistingProcessConnectOrKill:
		return true
	}
	return false
}
