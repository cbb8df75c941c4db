package process

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxOutputLine = 1024 * 1024

type outputLine struct {
	stream string
	text   string
}

// pump forwards the stdout and stderr of one process to the log and to an
// optional per-slot log file. One reader goroutine runs per stream and a
// single consumer owns the log file.
type pump struct {
	slot    int
	outR    *os.File
	outW    *os.File
	errR    *os.File
	errW    *os.File
	logFile *os.File
	lines   chan outputLine
	done    chan struct{}
}

func newPump(slot int, logDir string) (*pump, error) {
	p := &pump{
		slot:  slot,
		lines: make(chan outputLine, 64),
		done:  make(chan struct{}),
	}

	var err error
	if p.outR, p.outW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if p.errR, p.errW, err = os.Pipe(); err != nil {
		p.abort()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			p.abort()
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(LogPath(logDir, slot), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			p.abort()
			return nil, fmt.Errorf("open log file: %w", err)
		}
		p.logFile = f
	}
	return p, nil
}

// LogPath is the file that collects the output of every process run in a slot.
func LogPath(logDir string, slot int) string {
	return filepath.Join(logDir, fmt.Sprintf("slot-%d.log", slot))
}

// abort releases everything when the process never started.
func (p *pump) abort() {
	for _, f := range []*os.File{p.outR, p.outW, p.errR, p.errW, p.logFile} {
		if f != nil {
			f.Close()
		}
	}
}

// start must be called once the child holds its copies of the write ends.
func (p *pump) start() {
	p.outW.Close()
	p.errW.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go p.read(&wg, "stdout", p.outR)
	go p.read(&wg, "stderr", p.errR)
	go func() {
		wg.Wait()
		close(p.lines)
	}()
	go p.consume()
}

func (p *pump) read(wg *sync.WaitGroup, stream string, r *os.File) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for scanner.Scan() {
		p.lines <- outputLine{stream: stream, text: scanner.Text()}
	}
}

func (p *pump) consume() {
	defer close(p.done)
	if p.logFile != nil {
		defer p.logFile.Close()
	}
	for line := range p.lines {
		log.Printf("process_output slot=%d stream=%s line=%q", p.slot, line.stream, line.text)
		if p.logFile != nil {
			fmt.Fprintf(p.logFile, "[%s] %s\n", line.stream, line.text)
		}
	}
}

// drain waits for both streams to reach EOF after the process exited. A
// grandchild that inherited the pipes can keep them open, so after grace the
// read ends are closed to unblock the readers.
func (p *pump) drain(grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		log.Printf("process_output slot=%d event=force_close", p.slot)
	}
	p.outR.Close()
	p.errR.Close()
	<-p.done
}
