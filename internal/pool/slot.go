package pool

import (
	"sync"

	"github.com/sevir/officepool/internal/connection"
	"github.com/sevir/officepool/internal/process"
	"github.com/sevir/officepool/pkg/models"
)

var transitions = map[models.SlotState][]models.SlotState{
	models.SlotStateStopped:  {models.SlotStateStarting},
	models.SlotStateStarting: {models.SlotStateRunning, models.SlotStateCrashed, models.SlotStateStopping},
	models.SlotStateRunning:  {models.SlotStateStopping, models.SlotStateCrashed},
	models.SlotStateStopping: {models.SlotStateStopped},
	models.SlotStateCrashed:  {models.SlotStateStarting, models.SlotStateStopping},
}

// CanTransition reports whether a slot may move from one state to another.
func CanTransition(from, to models.SlotState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Slot pairs one office process and its connection with a task counter and
// a lifecycle state. The struct lives as long as the pool; the process and
// connection are replaced on every restart.
type Slot struct {
	index    int
	endpoint models.Endpoint

	mu             sync.Mutex
	state          models.SlotState
	busy           bool
	queued         bool
	recycling      bool
	recycleAgain   bool
	tasksCompleted int
	restarts       int
	proc           *process.Managed
	conn           *connection.Connection
}

func newSlot(index int, ep models.Endpoint) *Slot {
	return &Slot{
		index:    index,
		endpoint: ep,
		state:    models.SlotStateStopped,
	}
}

// Index returns the slot position in the pool.
func (s *Slot) Index() int { return s.index }

// Endpoint returns the slot endpoint.
func (s *Slot) Endpoint() models.Endpoint { return s.endpoint }

// State returns the current state.
func (s *Slot) State() models.SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState moves the slot to state. The caller holds s.mu.
func (s *Slot) setState(to models.SlotState) error {
	if !CanTransition(s.state, to) {
		return &transitionError{slot: s.index, from: s.state, to: to}
	}
	s.state = to
	return nil
}

// Info returns a snapshot of the slot.
func (s *Slot) Info() models.SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := models.SlotInfo{
		Index:          s.index,
		Endpoint:       s.endpoint.String(),
		State:          s.state,
		Busy:           s.busy,
		Pid:            models.PidUnknown,
		TasksCompleted: s.tasksCompleted,
		Restarts:       s.restarts,
	}
	if s.proc != nil {
		info.ProfileDir = s.proc.ProfileDir()
		if s.proc.Running() {
			info.Pid = int64(s.proc.Pid())
			started := s.proc.StartedAt()
			info.StartedAt = &started
		}
	}
	return info
}
