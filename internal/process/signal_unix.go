//go:build unix

package process

import (
	"os"

	"golang.org/x/sys/unix"
)

func killPid(pid Pid) error {
	return unix.Kill(int(pid), unix.SIGKILL)
}

func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}
