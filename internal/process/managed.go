// Package process starts, finds and kills external office processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sevir/officepool/internal/retry"
	"github.com/sevir/officepool/pkg/models"
)

// ExitCodeRestart is the exit code an office process uses to ask to be
// launched again, typically right after it initialised a new profile.
const ExitCodeRestart = 81

var (
	ErrNotStarted     = errors.New("process not started")
	ErrAlreadyStarted = errors.New("process already started")
	ErrPidNotFound    = errors.New("process id not found after start")
	ErrAlreadyRunning = errors.New("office process already running on endpoint")
	ErrNotAdoptable   = errors.New("existing office process does not accept connections")

	errStillRunning = errors.New("process still running")
)

const (
	pidLookupAttempts = 10
	pidLookupInterval = 250 * time.Millisecond
	outputGrace       = 2 * time.Second
)

// existingSettle is how long to wait after killing a leftover process
// before checking that it is gone.
var existingSettle = time.Second

// adoptedPoll is how often an adopted process is looked up to notice its
// exit, since there is no handle to wait on.
var adoptedPoll = time.Second

var officeArgs = []string{
	"--headless",
	"--invisible",
	"--nocrashreport",
	"--nodefault",
	"--nofirststartwizard",
	"--nolockcheck",
	"--nologo",
	"--norestore",
}

// Config holds the launch settings shared by every process of a pool.
type Config struct {
	Executable         string
	RunAsArgs          []string
	ExtraArgs          []string
	Env                []string
	WorkingDir         string
	TemplateProfileDir string
	ExistingAction     models.ExistingProcessAction
	// CheckEndpoint reports whether an office process accepts connections
	// on an endpoint. Required for the connect actions.
	CheckEndpoint      func(ctx context.Context, ep models.Endpoint) error
	LogDir             string
	RetryInterval      time.Duration
	RetryTimeout       time.Duration
	// RemoveAll deletes profile directories. Defaults to os.RemoveAll.
	RemoveAll func(string) error
}

// run is one launch of the office process. An adopted run has no cmd: the
// process was found already running and is tracked by pid only.
type run struct {
	cmd      *exec.Cmd
	pid      Pid
	done     chan struct{}
	detach   chan struct{}
	exitCode int
	pump     *pump
}

func (r *run) handle() *os.Process {
	if r.cmd == nil {
		return nil
	}
	return r.cmd.Process
}

func (r *run) adopted() bool { return r.cmd == nil }

// Managed owns one office process and its profile directory.
type Managed struct {
	slot       int
	endpoint   models.Endpoint
	profileDir string
	cfg        Config
	resolver   Resolver

	mu        sync.Mutex
	cur       *run
	startedAt time.Time
}

// New prepares a process for slot listening on endpoint. Nothing is
// launched until Start.
func New(slot int, endpoint models.Endpoint, profileDir string, cfg Config, resolver Resolver) *Managed {
	if cfg.RemoveAll == nil {
		cfg.RemoveAll = os.RemoveAll
	}
	if resolver == nil {
		resolver = PureResolver{}
	}
	return &Managed{
		slot:       slot,
		endpoint:   endpoint,
		profileDir: profileDir,
		cfg:        cfg,
		resolver:   resolver,
	}
}

// Endpoint returns the endpoint the process listens on.
func (m *Managed) Endpoint() models.Endpoint { return m.endpoint }

// ProfileDir returns the profile directory of this instance.
func (m *Managed) ProfileDir() string { return m.profileDir }

// Start deals with a leftover process on the same endpoint according to
// the configured action, prepares the profile directory and launches the
// office process. It does not wait for the process to accept connections.
// When the leftover is adopted nothing is launched.
func (m *Managed) Start(ctx context.Context) error {
	m.mu.Lock()
	started := m.cur != nil
	m.mu.Unlock()
	if started {
		return ErrAlreadyStarted
	}

	pid, err := m.handleExisting(ctx)
	if err != nil {
		return err
	}
	if pid.Known() {
		m.adopt(pid)
		return nil
	}
	if err := prepareProfileDir(m.profileDir, m.cfg.TemplateProfileDir, m.cfg.RemoveAll); err != nil {
		return err
	}
	return m.launch(ctx)
}

// Restart launches the process again after it exited, keeping the profile
// directory. Used when the office process exits with ExitCodeRestart.
func (m *Managed) Restart(ctx context.Context) error {
	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	if r == nil {
		return ErrNotStarted
	}
	select {
	case <-r.done:
	default:
		return ErrAlreadyStarted
	}
	log.Printf("process_event=restarting slot=%d endpoint=%s exit_code=%d", m.slot, m.endpoint, r.exitCode)
	return m.launch(ctx)
}

// handleExisting looks for a process already bound to the endpoint. It
// returns the pid of a leftover to adopt, or a sentinel when a new process
// must be launched.
func (m *Managed) handleExisting(ctx context.Context) (Pid, error) {
	if !m.resolver.CanFindPid() {
		return PidUnknown, nil
	}
	q := m.acceptQuery()
	pid, err := m.resolver.FindPid(ctx, q)
	if err != nil {
		return PidUnknown, fmt.Errorf("check for existing office process: %w", err)
	}
	if !pid.Known() {
		return pid, nil
	}

	switch action := m.existingAction(); action {
	case models.ExistingProcessKill:
		return m.killExisting(ctx, q, pid)
	case models.ExistingProcessConnect:
		if err := m.checkExisting(ctx, pid); err != nil {
			return PidUnknown, err
		}
		return pid, nil
	case models.ExistingProcessConnectOrKill:
		if err := m.checkExisting(ctx, pid); err != nil {
			log.Printf("process_event=adopt_failed slot=%d endpoint=%s pid=%d error=%q", m.slot, m.endpoint, pid, err)
			return m.killExisting(ctx, q, pid)
		}
		return pid, nil
	default:
		return PidUnknown, fmt.Errorf("%w: pid %d, endpoint %s", ErrAlreadyRunning, pid, m.endpoint)
	}
}

func (m *Managed) existingAction() models.ExistingProcessAction {
	if m.cfg.ExistingAction == "" {
		return models.ExistingProcessFail
	}
	return m.cfg.ExistingAction
}

func (m *Managed) killExisting(ctx context.Context, q Query, pid Pid) (Pid, error) {
	log.Printf("process_event=kill_existing slot=%d endpoint=%s pid=%d", m.slot, m.endpoint, pid)
	if err := m.resolver.Kill(nil, pid); err != nil {
		return PidUnknown, fmt.Errorf("kill existing office process %d: %w", pid, err)
	}
	if err := sleep(ctx, existingSettle); err != nil {
		return PidUnknown, err
	}
	found, err := m.resolver.FindPid(ctx, q)
	if err != nil {
		return PidUnknown, fmt.Errorf("check for existing office process: %w", err)
	}
	if found.Known() {
		return PidUnknown, fmt.Errorf("%w: pid %d could not be killed, endpoint %s", ErrAlreadyRunning, found, m.endpoint)
	}
	return PidUnknown, nil
}

// checkExisting retries connecting to a leftover process within the retry
// budget.
func (m *Managed) checkExisting(ctx context.Context, pid Pid) error {
	if m.cfg.CheckEndpoint == nil {
		return fmt.Errorf("%w: pid %d, endpoint %s: no endpoint check configured", ErrNotAdoptable, pid, m.endpoint)
	}
	err := retry.Do(ctx, m.cfg.RetryInterval, m.cfg.RetryTimeout, func() error {
		if err := m.cfg.CheckEndpoint(ctx, m.endpoint); err != nil {
			return retry.Temporary(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: pid %d, endpoint %s: %w", ErrNotAdoptable, pid, m.endpoint, err)
	}
	return nil
}

// adopt tracks an already running process as the current run. Its exit is
// noticed by looking it up every adoptedPoll.
func (m *Managed) adopt(pid Pid) {
	r := &run{
		pid:      pid,
		done:     make(chan struct{}),
		detach:   make(chan struct{}),
		exitCode: -1,
	}
	m.mu.Lock()
	m.cur = r
	m.startedAt = time.Now()
	m.mu.Unlock()

	log.Printf("process_event=adopted slot=%d endpoint=%s pid=%d", m.slot, m.endpoint, pid)
	go m.pollAdopted(r)
}

func (m *Managed) pollAdopted(r *run) {
	q := m.acceptQuery()
	ticker := time.NewTicker(adoptedPoll)
	defer ticker.Stop()
	for {
		select {
		case <-r.detach:
			return
		case <-ticker.C:
		}
		pid, err := m.resolver.FindPid(context.Background(), q)
		if err != nil || pid == r.pid {
			continue
		}
		close(r.done)
		log.Printf("process_event=exited slot=%d endpoint=%s pid=%d adopted=true", m.slot, m.endpoint, r.pid)
		return
	}
}

// Detach stops tracking the current process without stopping it. The
// process is left running on its own.
func (m *Managed) Detach() {
	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	if r == nil {
		return
	}
	if r.detach != nil {
		select {
		case <-r.detach:
			return
		default:
			close(r.detach)
		}
	}
	log.Printf("process_event=detached slot=%d endpoint=%s pid=%d", m.slot, m.endpoint, m.Pid())
}

// Adopted reports whether the current process was found running rather
// than launched.
func (m *Managed) Adopted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil && m.cur.adopted()
}

func (m *Managed) launch(ctx context.Context) error {
	argv := m.CommandLine()
	cmd := exec.Command(argv[0], argv[1:]...)
	if m.cfg.WorkingDir != "" {
		cmd.Dir = m.cfg.WorkingDir
	}
	cmd.Env = append(os.Environ(), m.cfg.Env...)

	p, err := newPump(m.slot, m.cfg.LogDir)
	if err != nil {
		return err
	}
	cmd.Stdout = p.outW
	cmd.Stderr = p.errW

	if err := cmd.Start(); err != nil {
		p.abort()
		return fmt.Errorf("start office process %s: %w", argv[0], err)
	}
	p.start()

	r := &run{
		cmd:      cmd,
		pid:      PidUnknown,
		done:     make(chan struct{}),
		exitCode: -1,
		pump:     p,
	}
	m.mu.Lock()
	m.cur = r
	m.startedAt = time.Now()
	m.mu.Unlock()

	go m.wait(r)

	log.Printf(
		"process_event=started slot=%d endpoint=%s os_pid=%d profile_dir=%q command=%q",
		m.slot,
		m.endpoint,
		cmd.Process.Pid,
		m.profileDir,
		strings.Join(argv, " "),
	)

	if !m.resolver.CanFindPid() {
		return nil
	}
	pid, err := m.lookupPid(ctx, r)
	if err != nil {
		return err
	}
	if pid.Known() {
		m.mu.Lock()
		r.pid = pid
		m.mu.Unlock()
		return nil
	}

	select {
	case <-r.done:
		// Exited on its own; the connection attempt will look at the exit code.
		return nil
	default:
	}
	log.Printf("process_event=pid_not_found slot=%d endpoint=%s action=destroy", m.slot, m.endpoint)
	cmd.Process.Kill()
	<-r.done
	return fmt.Errorf("%w: endpoint %s", ErrPidNotFound, m.endpoint)
}

func (m *Managed) lookupPid(ctx context.Context, r *run) (Pid, error) {
	if d, ok := m.resolver.(interface{ StartupDelay() time.Duration }); ok && d.StartupDelay() > 0 {
		if err := sleep(ctx, d.StartupDelay()); err != nil {
			return PidNotFound, err
		}
	}
	q := m.query()
	for i := 0; i < pidLookupAttempts; i++ {
		select {
		case <-r.done:
			return PidNotFound, nil
		default:
		}
		pid, err := m.resolver.FindPid(ctx, q)
		if err != nil {
			return PidNotFound, err
		}
		if pid.Known() {
			return pid, nil
		}
		if err := sleep(ctx, pidLookupInterval); err != nil {
			return PidNotFound, err
		}
	}
	return PidNotFound, nil
}

func (m *Managed) wait(r *run) {
	r.cmd.Wait()
	code := -1
	if r.cmd.ProcessState != nil {
		code = r.cmd.ProcessState.ExitCode()
	}

	m.mu.Lock()
	r.exitCode = code
	m.mu.Unlock()
	close(r.done)

	log.Printf("process_event=exited slot=%d endpoint=%s os_pid=%d exit_code=%d", m.slot, m.endpoint, r.cmd.Process.Pid, code)
	r.pump.drain(outputGrace)
}

// CommandLine returns the full argv used to launch the office process.
func (m *Managed) CommandLine() []string {
	argv := make([]string, 0, len(m.cfg.RunAsArgs)+len(m.cfg.ExtraArgs)+len(officeArgs)+3)
	argv = append(argv, m.cfg.RunAsArgs...)
	argv = append(argv, m.cfg.Executable)
	argv = append(argv, m.cfg.ExtraArgs...)
	argv = append(argv, "--accept="+m.endpoint.AcceptString())
	argv = append(argv, officeArgs...)
	argv = append(argv, m.profileArg())
	return argv
}

func (m *Managed) profileArg() string {
	return "-env:UserInstallation=" + FileURL(m.profileDir)
}

func (m *Managed) acceptQuery() Query {
	return Query{Command: m.commandName(), Argument: m.endpoint.AcceptString()}
}

func (m *Managed) commandName() string {
	name := filepath.Base(m.cfg.Executable)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// query identifies this instance in process listings by its unique profile
// directory argument.
func (m *Managed) query() Query {
	return Query{Command: m.commandName(), Argument: m.profileArg()}
}

// Done is closed when the current launch of the process exits. It is nil
// before Start.
func (m *Managed) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return nil
	}
	return m.cur.done
}

// ExitCode returns the exit code and true once the process has exited.
func (m *Managed) ExitCode() (int, bool) {
	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	if r == nil {
		return 0, false
	}
	select {
	case <-r.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return r.exitCode, true
	default:
		return 0, false
	}
}

// Running reports whether the process was started and has not exited.
func (m *Managed) Running() bool {
	m.mu.Lock()
	started := m.cur != nil
	m.mu.Unlock()
	_, exited := m.ExitCode()
	return started && !exited
}

// Pid returns the resolved pid of the office process, or the pid of the
// launched command when the resolver cannot find pids.
func (m *Managed) Pid() Pid {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return PidUnknown
	}
	if m.cur.pid.Known() || m.cur.adopted() {
		return m.cur.pid
	}
	return Pid(m.cur.cmd.Process.Pid)
}

// StartedAt returns when the current launch began.
func (m *Managed) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// ForciblyTerminate kills the office process and polls every interval until
// it has exited or timeout elapses.
func (m *Managed) ForciblyTerminate(ctx context.Context, interval, timeout time.Duration) error {
	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	if r == nil {
		return ErrNotStarted
	}
	select {
	case <-r.done:
		return nil
	default:
	}

	m.mu.Lock()
	pid := r.pid
	m.mu.Unlock()
	if !pid.Known() && m.resolver.CanFindPid() {
		if found, err := m.resolver.FindPid(ctx, m.query()); err == nil {
			pid = found
		}
	}

	log.Printf("process_event=kill slot=%d endpoint=%s pid=%d adopted=%t", m.slot, m.endpoint, pid, r.adopted())
	if err := m.resolver.Kill(r.handle(), pid); err != nil {
		return fmt.Errorf("kill office process on %s: %w", m.endpoint, err)
	}

	err := retry.Do(ctx, interval, timeout, func() error {
		select {
		case <-r.done:
			return nil
		default:
			return retry.Temporary(errStillRunning)
		}
	})
	if err != nil {
		// Last resort on the launched command itself.
		if h := r.handle(); h != nil {
			h.Kill()
		}
		return fmt.Errorf("office process on %s did not exit: %w", m.endpoint, err)
	}
	return nil
}

// Stop asks the process to exit and waits up to grace before falling back to
// ForciblyTerminate with the configured retry settings.
func (m *Managed) Stop(ctx context.Context, grace time.Duration) error {
	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	default:
	}

	if r.adopted() {
		return m.ForciblyTerminate(ctx, m.cfg.RetryInterval, m.cfg.RetryTimeout)
	}

	log.Printf("process_event=stopping slot=%d endpoint=%s grace=%s", m.slot, m.endpoint, grace)
	if err := terminateHandle(r.cmd.Process); err != nil {
		log.Printf("process_event=terminate_failed slot=%d error=%q", m.slot, err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-r.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return m.ForciblyTerminate(context.Background(), m.cfg.RetryInterval, m.cfg.RetryTimeout)
}

// DeleteProfileDir removes the instance profile directory, renaming it aside
// when it cannot be removed. It returns the new name when renamed. Failures
// are logged and returned but must not stop the caller.
func (m *Managed) DeleteProfileDir() (string, error) {
	return deleteProfileDir(m.profileDir, m.cfg.RemoveAll)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
