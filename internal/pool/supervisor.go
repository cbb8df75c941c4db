// Package pool supervises a fixed set of office processes and dispatches
// tasks to them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/officepool/internal/connection"
	"github.com/sevir/officepool/internal/process"
	"github.com/sevir/officepool/internal/retry"
	"github.com/sevir/officepool/pkg/models"
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithResolver sets the pid resolver. Defaults to the platform resolver.
func WithResolver(r process.Resolver) Option {
	return func(s *Supervisor) {
		s.resolver = r
	}
}

// WithDialer sets how connections to office processes are opened.
func WithDialer(d connection.Dialer) Option {
	return func(s *Supervisor) {
		s.dial = d
	}
}

// WithRemoveAll replaces the function used to delete profile directories.
func WithRemoveAll(fn func(string) error) Option {
	return func(s *Supervisor) {
		s.removeAll = fn
	}
}

// WithEventSink registers a callback receiving every lifecycle event. It is
// called synchronously and must not block.
func WithEventSink(fn func(models.Event)) Option {
	return func(s *Supervisor) {
		s.onEvent = fn
	}
}

// Supervisor owns the worker slots. It is the only component that changes
// slot state.
type Supervisor struct {
	id        string
	cfg       Config
	resolver  process.Resolver
	dial      connection.Dialer
	removeAll func(string) error
	onEvent   func(models.Event)

	slots []*Slot
	idle  Queue[*Slot]

	lifecycle sync.Mutex

	mu       sync.Mutex
	state    models.PoolState
	ctx      context.Context
	cancel   context.CancelFunc
	recycles sync.WaitGroup
}

// NewSupervisor validates cfg and creates a stopped supervisor with one slot
// per endpoint.
func NewSupervisor(cfg Config, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		id:        uuid.NewString()[:8],
		cfg:       cfg.Clone(),
		removeAll: os.RemoveAll,
		state:     models.PoolStateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = process.DefaultResolver(cfg.RunAsArgs)
	}
	if s.dial == nil {
		s.dial = connection.Dial
	}

	s.slots = make([]*Slot, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		s.slots[i] = newSlot(i, ep)
	}
	return s, nil
}

// ID identifies this pool instance in logs.
func (s *Supervisor) ID() string { return s.id }

// State returns the pool lifecycle state.
func (s *Supervisor) State() models.PoolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches every slot in parallel and waits until all are running.
// If any slot fails, the others are stopped again and the joined startup
// errors are returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	switch s.state {
	case models.PoolStateStarted:
		s.mu.Unlock()
		return ErrPoolStarted
	case models.PoolStateShutdown:
		s.mu.Unlock()
		return ErrPoolShutdown
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	poolCtx := s.ctx
	s.mu.Unlock()

	log.Printf("pool_event=starting pool_id=%s slots=%d", s.id, len(s.slots))

	// Abort pending retries if the caller gives up.
	stop := context.AfterFunc(ctx, s.cancel)

	errs := make([]error, len(s.slots))
	var wg sync.WaitGroup
	for i, slot := range s.slots {
		wg.Add(1)
		go func(i int, slot *Slot) {
			defer wg.Done()
			errs[i] = s.startSlot(poolCtx, slot)
		}(i, slot)
	}
	wg.Wait()

	err := errors.Join(errs...)
	if !stop() && err == nil {
		err = fmt.Errorf("start cancelled: %w", context.Cause(ctx))
	}
	if err != nil {
		log.Printf("pool_event=start_failed pool_id=%s error=%q", s.id, err)
		s.cancel()
		s.stopSlots(context.Background(), false)
		return err
	}

	s.mu.Lock()
	s.state = models.PoolStateStarted
	s.mu.Unlock()

	for _, slot := range s.slots {
		s.release(slot)
	}
	log.Printf("pool_event=started pool_id=%s slots=%d", s.id, len(s.slots))
	s.emit(models.Event{Slot: -1, Type: models.EventPoolStarted})
	return nil
}

// Submit waits up to the queue timeout for an idle slot and runs task on it
// with the execution timeout. Cancelling ctx only matters while waiting for
// a slot; once dispatched, the task runs until it returns or times out.
func (s *Supervisor) Submit(ctx context.Context, task models.Task) error {
	s.mu.Lock()
	state, poolCtx := s.state, s.ctx
	s.mu.Unlock()
	switch state {
	case models.PoolStateStopped:
		return ErrPoolNotRunning
	case models.PoolStateShutdown:
		return ErrPoolShutdown
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(poolCtx, cancel)
	defer stop()

	deadline := time.Now().Add(s.cfg.TaskQueueTimeout)
	for {
		slot, ok := s.idle.Take(waitCtx, time.Until(deadline))
		if !ok {
			if poolCtx.Err() != nil {
				return ErrPoolShutdown
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			log.Printf("pool_event=busy pool_id=%s queue_timeout=%s", s.id, s.cfg.TaskQueueTimeout)
			return fmt.Errorf("%w after %s", ErrQueueBusy, s.cfg.TaskQueueTimeout)
		}

		slot.mu.Lock()
		slot.queued = false
		if slot.state != models.SlotStateRunning {
			// Crashed or recycling while idle; it is queued again once running.
			slot.mu.Unlock()
			continue
		}
		proc, conn := slot.proc, slot.conn
		if !conn.IsConnected() {
			slot.mu.Unlock()
			s.crash(slot, proc, models.EventProcessExited, "connection lost while idle")
			continue
		}
		slot.busy = true
		spent := s.cfg.MaxTasksPerProcess > 0 && slot.tasksCompleted >= s.cfg.MaxTasksPerProcess
		slot.mu.Unlock()

		if spent {
			if err := s.recycleBeforeDispatch(poolCtx, slot); err != nil {
				return err
			}
			slot.mu.Lock()
			proc, conn = slot.proc, slot.conn
			slot.mu.Unlock()
		}
		return s.execute(ctx, slot, proc, conn, task)
	}
}

func (s *Supervisor) execute(ctx context.Context, slot *Slot, proc *process.Managed, conn *connection.Connection, task models.Task) error {
	timeout := s.cfg.TaskExecutionTimeout
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- task.Execute(taskCtx, conn)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return s.finish(slot, proc, err)
	case <-timer.C:
		log.Printf("slot_event=task_timeout pool_id=%s slot=%d endpoint=%s timeout=%s", s.id, slot.index, slot.endpoint, timeout)
		s.crash(slot, proc, models.EventTaskTimeout, fmt.Sprintf("task exceeded %s", timeout))
		return &TaskError{Slot: slot.index, Kind: ErrExecutionTimeout, Err: fmt.Errorf("no result after %s", timeout)}
	case <-proc.Done():
		code, _ := proc.ExitCode()
		log.Printf("slot_event=task_crash pool_id=%s slot=%d endpoint=%s exit_code=%d", s.id, slot.index, slot.endpoint, code)
		s.crash(slot, proc, models.EventTaskCrash, fmt.Sprintf("process exited with code %d during task", code))
		return &TaskError{Slot: slot.index, Kind: ErrProcessCrash, Err: fmt.Errorf("exit code %d", code)}
	}
}

// crashGrace is how long a failed task waits to see whether its process is
// exiting, so that the failure is reported as a crash.
var crashGrace = 250 * time.Millisecond

// finish records a task that returned on its own.
func (s *Supervisor) finish(slot *Slot, proc *process.Managed, taskErr error) error {
	if taskErr != nil {
		timer := time.NewTimer(crashGrace)
		select {
		case <-proc.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	if !proc.Running() {
		code, _ := proc.ExitCode()
		s.crash(slot, proc, models.EventTaskCrash, fmt.Sprintf("process exited with code %d during task", code))
		return &TaskError{Slot: slot.index, Kind: ErrProcessCrash, Err: taskErr}
	}

	slot.mu.Lock()
	slot.busy = false
	if slot.proc != proc || slot.state != models.SlotStateRunning {
		slot.mu.Unlock()
		return taskErr
	}
	if taskErr != nil {
		slot.mu.Unlock()
		s.release(slot)
		return taskErr
	}

	slot.tasksCompleted++
	slot.mu.Unlock()
	s.release(slot)
	return nil
}

// recycleBeforeDispatch restarts a slot that already ran its maximum number
// of tasks. The caller holds the slot busy and runs its task on the fresh
// process when this returns nil.
func (s *Supervisor) recycleBeforeDispatch(ctx context.Context, slot *Slot) error {
	s.mu.Lock()
	if s.state != models.PoolStateStarted {
		s.mu.Unlock()
		slot.mu.Lock()
		slot.busy = false
		slot.mu.Unlock()
		return ErrPoolShutdown
	}
	s.recycles.Add(1)
	s.mu.Unlock()
	defer s.recycles.Done()

	slot.mu.Lock()
	count := slot.tasksCompleted
	slot.setState(models.SlotStateStopping)
	slot.mu.Unlock()
	log.Printf("slot_event=stopping pool_id=%s slot=%d endpoint=%s reason=max_tasks tasks_completed=%d", s.id, slot.index, slot.endpoint, count)
	s.emit(models.Event{Slot: slot.index, Type: models.EventStateChanged, State: models.SlotStateStopping, Endpoint: slot.endpoint.String(), Message: fmt.Sprintf("reached %d tasks", count)})

	err := s.recycle(ctx, slot, "max_tasks")
	if err != nil {
		slot.mu.Lock()
		slot.busy = false
		slot.mu.Unlock()
		return err
	}
	return nil
}

// crash marks a running slot as crashed and schedules its recycle. It does
// nothing if proc is no longer the slot's current process.
func (s *Supervisor) crash(slot *Slot, proc *process.Managed, kind models.EventType, msg string) {
	slot.mu.Lock()
	slot.busy = false
	if slot.proc != proc || slot.state != models.SlotStateRunning {
		slot.mu.Unlock()
		return
	}
	slot.setState(models.SlotStateCrashed)
	slot.mu.Unlock()

	log.Printf("slot_event=crashed pool_id=%s slot=%d endpoint=%s reason=%q", s.id, slot.index, slot.endpoint, msg)
	s.emit(models.Event{Slot: slot.index, Type: kind, State: models.SlotStateCrashed, Endpoint: slot.endpoint.String(), Pid: int64(proc.Pid()), Message: msg})
	s.scheduleRecycle(slot, string(kind))
}

// watch recycles a slot whose process exits while it is idle.
func (s *Supervisor) watch(ctx context.Context, slot *Slot, proc *process.Managed) {
	select {
	case <-proc.Done():
	case <-ctx.Done():
		return
	}

	slot.mu.Lock()
	idle := slot.proc == proc && slot.state == models.SlotStateRunning && !slot.busy
	slot.mu.Unlock()
	if !idle {
		return
	}
	code, _ := proc.ExitCode()
	s.crash(slot, proc, models.EventProcessExited, fmt.Sprintf("process exited with code %d while idle", code))
}

// scheduleRecycle starts an asynchronous recycle of slot. While one is in
// progress further requests are folded into a single follow-up recycle.
// Nothing happens once the pool is shutting down.
func (s *Supervisor) scheduleRecycle(slot *Slot, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != models.PoolStateStarted {
		return
	}

	slot.mu.Lock()
	if slot.recycling {
		slot.recycleAgain = true
		slot.mu.Unlock()
		return
	}
	slot.recycling = true
	slot.mu.Unlock()

	ctx := s.ctx
	s.recycles.Add(1)
	go func() {
		defer s.recycles.Done()
		s.recycle(ctx, slot, reason)

		slot.mu.Lock()
		slot.recycling = false
		again := slot.recycleAgain
		slot.recycleAgain = false
		slot.mu.Unlock()

		if again {
			s.scheduleRecycle(slot, reason)
			return
		}
		s.release(slot)
	}()
}

// recycle stops the slot's process, cleans its profile and starts a fresh
// one. Only this slot is affected.
func (s *Supervisor) recycle(ctx context.Context, slot *Slot, reason string) error {
	slot.mu.Lock()
	proc, conn, state := slot.proc, slot.conn, slot.state
	slot.restarts++
	slot.mu.Unlock()

	log.Printf("slot_event=recycling pool_id=%s slot=%d endpoint=%s reason=%s", s.id, slot.index, slot.endpoint, reason)
	s.emit(models.Event{Slot: slot.index, Type: models.EventRecycle, State: state, Endpoint: slot.endpoint.String(), Message: reason})

	s.teardown(ctx, slot, proc, conn, state == models.SlotStateStopping)

	if state == models.SlotStateStopping {
		slot.mu.Lock()
		slot.setState(models.SlotStateStopped)
		slot.mu.Unlock()
		s.emitState(slot, models.SlotStateStopped, "")
	}

	if err := s.startSlot(ctx, slot); err != nil {
		log.Printf("slot_event=recycle_failed pool_id=%s slot=%d endpoint=%s error=%q", s.id, slot.index, slot.endpoint, err)
		return err
	}
	return nil
}

// teardown disconnects, stops and cleans up one process. Graceful stops get
// the configured grace period; otherwise the process is killed right away.
func (s *Supervisor) teardown(ctx context.Context, slot *Slot, proc *process.Managed, conn *connection.Connection, graceful bool) {
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			log.Printf("slot_event=disconnect_failed pool_id=%s slot=%d error=%q", s.id, slot.index, err)
		}
	}
	if proc == nil {
		return
	}

	var err error
	if graceful {
		err = proc.Stop(ctx, s.cfg.ProcessStopTimeout)
	} else {
		err = proc.ForciblyTerminate(context.WithoutCancel(ctx), s.cfg.ProcessRetryInterval, s.cfg.ProcessRetryTimeout)
	}
	if err != nil && !errors.Is(err, process.ErrNotStarted) {
		log.Printf("slot_event=terminate_failed pool_id=%s slot=%d endpoint=%s error=%q", s.id, slot.index, slot.endpoint, err)
	}

	s.cleanupProfile(slot, proc)
}

// cleanupProfile deletes the profile directory of proc. A directory that
// could only be renamed aside is reported as an event.
func (s *Supervisor) cleanupProfile(slot *Slot, proc *process.Managed) {
	renamed, err := proc.DeleteProfileDir()
	if renamed != "" {
		s.emit(models.Event{Slot: slot.index, Type: models.EventProfileRenamed, Endpoint: slot.endpoint.String(), Message: renamed})
	}
	if err != nil {
		log.Printf("slot_event=profile_cleanup_failed pool_id=%s slot=%d error=%q", s.id, slot.index, err)
	}
}

// detach disconnects from a process and leaves it running.
func (s *Supervisor) detach(slot *Slot, proc *process.Managed, conn *connection.Connection) {
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			log.Printf("slot_event=disconnect_failed pool_id=%s slot=%d error=%q", s.id, slot.index, err)
		}
	}
	if proc != nil {
		proc.Detach()
	}
}

// startSlot takes a slot from stopped or crashed to running. On failure the
// slot is left crashed and a *StartupError is returned.
func (s *Supervisor) startSlot(ctx context.Context, slot *Slot) error {
	slot.mu.Lock()
	if err := slot.setState(models.SlotStateStarting); err != nil {
		slot.mu.Unlock()
		return err
	}
	slot.proc, slot.conn = nil, nil
	slot.mu.Unlock()
	s.emitState(slot, models.SlotStateStarting, "")
	log.Printf("slot_event=starting pool_id=%s slot=%d endpoint=%s", s.id, slot.index, slot.endpoint)

	pcfg := s.cfg.processConfig(s.removeAll)
	pcfg.CheckEndpoint = connection.Reachable(s.dial)
	var proc *process.Managed
	err := retry.Do(ctx, s.cfg.ProcessRetryInterval, s.cfg.ProcessRetryTimeout, func() error {
		proc = process.New(slot.index, slot.endpoint, process.NewProfileDir(pcfg.WorkingDir, slot.endpoint), pcfg, s.resolver)
		slot.mu.Lock()
		slot.proc = proc
		slot.mu.Unlock()

		err := proc.Start(ctx)
		if errors.Is(err, process.ErrPidNotFound) {
			s.cleanupProfile(slot, proc)
			return retry.Temporary(err)
		}
		return err
	})
	if err != nil {
		if proc != nil {
			s.teardown(ctx, slot, proc, nil, false)
		}
		return s.startFailed(slot, err)
	}

	conn := connection.New(proc, s.dial)
	if err := conn.Connect(ctx, s.cfg.ProcessRetryInterval, s.cfg.ProcessRetryTimeout); err != nil {
		s.teardown(ctx, slot, proc, conn, false)
		return s.startFailed(slot, err)
	}

	slot.mu.Lock()
	if err := slot.setState(models.SlotStateRunning); err != nil {
		slot.mu.Unlock()
		s.teardown(ctx, slot, proc, conn, false)
		return err
	}
	slot.conn = conn
	slot.tasksCompleted = 0
	slot.mu.Unlock()

	log.Printf("slot_event=running pool_id=%s slot=%d endpoint=%s pid=%d profile_dir=%q", s.id, slot.index, slot.endpoint, proc.Pid(), proc.ProfileDir())
	s.emit(models.Event{Slot: slot.index, Type: models.EventStateChanged, State: models.SlotStateRunning, Endpoint: slot.endpoint.String(), Pid: int64(proc.Pid())})

	go s.watch(ctx, slot, proc)
	return nil
}

func (s *Supervisor) startFailed(slot *Slot, err error) error {
	slot.mu.Lock()
	if slot.state == models.SlotStateStarting {
		slot.setState(models.SlotStateCrashed)
	}
	slot.mu.Unlock()

	log.Printf("slot_event=start_failed pool_id=%s slot=%d endpoint=%s error=%q", s.id, slot.index, slot.endpoint, err)
	s.emit(models.Event{Slot: slot.index, Type: models.EventStartFailed, State: models.SlotStateCrashed, Endpoint: slot.endpoint.String(), Message: err.Error()})
	return &StartupError{Slot: slot.index, Endpoint: slot.endpoint, Err: err}
}

// release offers a running, idle slot to waiting submitters.
func (s *Supervisor) release(slot *Slot) {
	slot.mu.Lock()
	if slot.queued || slot.busy || slot.state != models.SlotStateRunning {
		slot.mu.Unlock()
		return
	}
	slot.queued = true
	slot.mu.Unlock()
	s.idle.Put(slot)
}

// Stop shuts the pool down. Pending recycles are aborted, then every slot is
// stopped in parallel. Calling Stop again is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state == models.PoolStateShutdown {
		s.mu.Unlock()
		return nil
	}
	s.state = models.PoolStateShutdown
	cancel := s.cancel
	s.mu.Unlock()

	log.Printf("pool_event=stopping pool_id=%s", s.id)
	if cancel != nil {
		cancel()
	}
	s.recycles.Wait()

	err := s.stopSlots(ctx, s.cfg.KeepAliveOnShutdown)
	log.Printf("pool_event=stopped pool_id=%s", s.id)
	s.emit(models.Event{Slot: -1, Type: models.EventPoolStopped})
	return err
}

// stopSlots stops every slot. With keepAlive the processes are only
// disconnected and left running.
func (s *Supervisor) stopSlots(ctx context.Context, keepAlive bool) error {
	errs := make([]error, len(s.slots))
	var wg sync.WaitGroup
	for i, slot := range s.slots {
		wg.Add(1)
		go func(i int, slot *Slot) {
			defer wg.Done()
			errs[i] = s.stopSlot(ctx, slot, keepAlive)
		}(i, slot)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) stopSlot(ctx context.Context, slot *Slot, keepAlive bool) error {
	slot.mu.Lock()
	if slot.state == models.SlotStateStopped {
		slot.mu.Unlock()
		return nil
	}
	if slot.state != models.SlotStateStopping {
		if err := slot.setState(models.SlotStateStopping); err != nil {
			slot.mu.Unlock()
			return err
		}
	}
	proc, conn := slot.proc, slot.conn
	slot.mu.Unlock()

	log.Printf("slot_event=stopping pool_id=%s slot=%d endpoint=%s reason=shutdown keep_alive=%t", s.id, slot.index, slot.endpoint, keepAlive)
	if keepAlive {
		s.detach(slot, proc, conn)
	} else {
		s.teardown(ctx, slot, proc, conn, true)
	}

	slot.mu.Lock()
	slot.setState(models.SlotStateStopped)
	slot.conn = nil
	slot.busy = false
	slot.mu.Unlock()
	log.Printf("slot_event=stopped pool_id=%s slot=%d endpoint=%s", s.id, slot.index, slot.endpoint)
	s.emitState(slot, models.SlotStateStopped, "")
	return nil
}

// Slots returns a snapshot of every slot.
func (s *Supervisor) Slots() []models.SlotInfo {
	infos := make([]models.SlotInfo, len(s.slots))
	for i, slot := range s.slots {
		infos[i] = slot.Info()
	}
	return infos
}

// RecycleSlot restarts an idle running slot, or retries a slot left crashed
// by a failed restart.
func (s *Supervisor) RecycleSlot(index int) error {
	if s.State() != models.PoolStateStarted {
		return ErrPoolNotRunning
	}
	if index < 0 || index >= len(s.slots) {
		return fmt.Errorf("%w: %d", ErrSlotNotFound, index)
	}
	slot := s.slots[index]

	slot.mu.Lock()
	if slot.busy {
		slot.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSlotBusy, index)
	}
	switch slot.state {
	case models.SlotStateRunning:
		slot.setState(models.SlotStateStopping)
		slot.mu.Unlock()
		s.emitState(slot, models.SlotStateStopping, "restart requested")
	case models.SlotStateCrashed:
		if slot.recycling {
			slot.mu.Unlock()
			return fmt.Errorf("%w: %d is already restarting", ErrSlotBusy, index)
		}
		slot.mu.Unlock()
	default:
		err := &transitionError{slot: index, from: slot.state, to: models.SlotStateStarting}
		slot.mu.Unlock()
		return err
	}

	log.Printf("slot_event=restart_requested pool_id=%s slot=%d endpoint=%s", s.id, index, slot.endpoint)
	s.scheduleRecycle(slot, "requested")
	return nil
}

func (s *Supervisor) emitState(slot *Slot, state models.SlotState, msg string) {
	s.emit(models.Event{Slot: slot.index, Type: models.EventStateChanged, State: state, Endpoint: slot.endpoint.String(), Message: msg})
}

func (s *Supervisor) emit(ev models.Event) {
	if s.onEvent == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.CreatedAt = time.Now()
	s.onEvent(ev)
}
