package process

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Resolver finds and kills office processes on the host.
type Resolver interface {
	// CanFindPid reports whether FindPid can return real pids.
	CanFindPid() bool
	// FindPid returns the pid of the first process matching q, PidNotFound
	// when none matches, or PidUnknown when listing is not supported.
	FindPid(ctx context.Context, q Query) (Pid, error)
	// Kill forcibly stops pid. When pid is not known the handle is signalled
	// instead; handle may be nil when only the pid is available.
	Kill(handle *os.Process, pid Pid) error
}

// Runner executes argv and returns its standard output.
type Runner func(ctx context.Context, argv []string) ([]byte, error)

// ResolverOption configures a CommandResolver.
type ResolverOption func(*CommandResolver)

// WithRunner replaces the function used to execute listing and kill commands.
func WithRunner(run Runner) ResolverOption {
	return func(r *CommandResolver) {
		r.run = run
	}
}

// WithRunAs prefixes every command with args, e.g. sudo -u office.
func WithRunAs(args []string) ResolverOption {
	return func(r *CommandResolver) {
		r.runAs = append([]string(nil), args...)
	}
}

// CommandResolver lists processes by running the platform's listing command.
type CommandResolver struct {
	platform Platform
	runAs    []string
	run      Runner
}

// NewCommandResolver creates a resolver for the given platform.
func NewCommandResolver(p Platform, opts ...ResolverOption) *CommandResolver {
	r := &CommandResolver{
		platform: p,
		run:      execRunner,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CanFindPid always returns true.
func (r *CommandResolver) CanFindPid() bool { return true }

// StartupDelay is the pause needed before a fresh process is listed.
func (r *CommandResolver) StartupDelay() time.Duration { return r.platform.StartupDelay }

// FindPid runs the listing command and parses its output.
func (r *CommandResolver) FindPid(ctx context.Context, q Query) (Pid, error) {
	argv := r.command(r.platform.ListCommand(q))
	out, err := r.run(ctx, argv)
	if err != nil {
		return PidNotFound, fmt.Errorf("list processes with %q: %w", strings.Join(argv, " "), err)
	}
	return r.platform.Parse(out, q), nil
}

// Kill forcibly stops pid, falling back to terminating handle.
func (r *CommandResolver) Kill(handle *os.Process, pid Pid) error {
	if !pid.Known() {
		return terminateHandle(handle)
	}
	if r.platform.NativeKill && len(r.runAs) == 0 {
		if err := killPid(pid); err != nil {
			return fmt.Errorf("kill pid %d: %w", pid, err)
		}
		return nil
	}
	argv := r.command(r.platform.KillCommand(pid))
	if _, err := r.run(context.Background(), argv); err != nil {
		return fmt.Errorf("kill pid %d with %q: %w", pid, strings.Join(argv, " "), err)
	}
	return nil
}

func (r *CommandResolver) command(argv []string) []string {
	if len(r.runAs) == 0 {
		return argv
	}
	return append(append([]string(nil), r.runAs...), argv...)
}

// PureResolver is used when processes cannot be listed. It never finds a
// pid and kills by terminating the process handle.
type PureResolver struct{}

func (PureResolver) CanFindPid() bool { return false }

func (PureResolver) FindPid(context.Context, Query) (Pid, error) { return PidUnknown, nil }

func (PureResolver) Kill(handle *os.Process, _ Pid) error { return terminateHandle(handle) }

// DefaultResolver picks the resolver for the running platform. It falls back
// to PureResolver when the platform has no table entry or its listing
// command is not installed.
func DefaultResolver(runAs []string) Resolver {
	p, ok := PlatformFor(runtime.GOOS)
	if !ok {
		log.Printf("resolver_event=pure reason=unsupported_os os=%s", runtime.GOOS)
		return PureResolver{}
	}
	name := p.ListCommand(Query{})[0]
	if _, err := exec.LookPath(name); err != nil {
		log.Printf("resolver_event=pure reason=missing_command command=%s", name)
		return PureResolver{}
	}
	return NewCommandResolver(p, WithRunAs(runAs))
}

var errNoHandle = errors.New("no process handle to terminate")

func terminateHandle(handle *os.Process) error {
	if handle == nil {
		return errNoHandle
	}
	if err := terminate(handle); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate pid %d: %w", handle.Pid, err)
	}
	return nil
}

func execRunner(ctx context.Context, argv []string) ([]byte, error) {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
}
