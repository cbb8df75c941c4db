//go:build !unix

package process

import "os"

func killPid(pid Pid) error {
	p, err := os.FindProcess(int(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

// Windows has no graceful signal for console-less processes.
func terminate(p *os.Process) error {
	return p.Kill()
}
