package process

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Pid identifies an operating system process. Values at or below PidUnknown
// are sentinels and never refer to a real process.
type Pid int64

const (
	// PidNotFound means a listing was taken but nothing matched the query.
	PidNotFound Pid = -2
	// PidUnknown means the resolver has no way to list processes.
	PidUnknown Pid = -1
)

// Known reports whether p refers to a real process.
func (p Pid) Known() bool {
	return p > PidUnknown
}

// Query selects the process whose command line contains Command followed,
// somewhere later on the line, by Argument.
type Query struct {
	Command  string
	Argument string
}

// Matches reports whether commandLine satisfies the query.
func (q Query) Matches(commandLine string) bool {
	i := strings.Index(commandLine, q.Command)
	if i < 0 {
		return false
	}
	return strings.Contains(commandLine[i+len(q.Command):], q.Argument)
}

// Platform holds what differs between operating systems when looking up and
// killing office processes.
type Platform struct {
	Name string
	// ListCommand returns the argv that prints one process per line.
	ListCommand func(q Query) []string
	// LinePattern splits a listing line. It must define the named groups
	// Pid and CommandLine.
	LinePattern *regexp.Regexp
	// KillCommand returns the argv that forcibly kills pid and its children.
	KillCommand func(pid Pid) []string
	// NativeKill means the pid can be signalled directly instead of running
	// KillCommand, as long as no run-as prefix is configured.
	NativeKill bool
	// StartupDelay is how long to wait after launch before the new process
	// shows up in listings.
	StartupDelay time.Duration
}

var (
	unixLinePattern    = regexp.MustCompile(`^\s*(?P<Pid>\d+)\s+(?P<CommandLine>.*)$`)
	windowsLinePattern = regexp.MustCompile(`^\s*(?P<CommandLine>.*?)\s+(?P<Pid>\d+)\s*$`)
)

func psList(args ...string) func(Query) []string {
	return func(Query) []string {
		return append([]string{"ps"}, args...)
	}
}

func unixKill(pid Pid) []string {
	return []string{"kill", "-KILL", strconv.FormatInt(int64(pid), 10)}
}

func windowsList(q Query) []string {
	return []string{"wmic", "process", "where", "name like '" + q.Command + "%'", "get", "commandline,processid"}
}

func windowsKill(pid Pid) []string {
	return []string{"taskkill", "/t", "/f", "/pid", strconv.FormatInt(int64(pid), 10)}
}

var platforms = map[string]Platform{
	"linux": {
		Name:        "linux",
		ListCommand: psList("-e", "-o", "pid,args"),
		LinePattern: unixLinePattern,
		KillCommand: unixKill,
		NativeKill:  true,
	},
	"darwin": {
		Name:        "darwin",
		ListCommand: psList("-e", "-o", "pid,command"),
		LinePattern: unixLinePattern,
		KillCommand: unixKill,
		NativeKill:  true,
	},
	"freebsd": {
		Name:         "freebsd",
		ListCommand:  psList("-e", "-ww", "-o", "pid,args"),
		LinePattern:  unixLinePattern,
		KillCommand:  unixKill,
		NativeKill:   true,
		StartupDelay: 2 * time.Second,
	},
	"windows": {
		Name:        "windows",
		ListCommand: windowsList,
		LinePattern: windowsLinePattern,
		KillCommand: windowsKill,
	},
}

// PlatformFor returns the platform table entry for a GOOS value.
func PlatformFor(goos string) (Platform, bool) {
	p, ok := platforms[goos]
	return p, ok
}

// Parse scans a process listing and returns the pid of the first line
// matching q, or PidNotFound.
func (p Platform) Parse(listing []byte, q Query) Pid {
	pidIdx := p.LinePattern.SubexpIndex("Pid")
	cmdIdx := p.LinePattern.SubexpIndex("CommandLine")

	for _, line := range strings.Split(string(listing), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := p.LinePattern.FindStringSubmatch(line)
		if m == nil || !q.Matches(m[cmdIdx]) {
			continue
		}
		pid, err := strconv.ParseInt(m[pidIdx], 10, 64)
		if err != nil || pid <= 0 {
			continue
		}
		return Pid(pid)
	}
	return PidNotFound
}
