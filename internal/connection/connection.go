// Package connection links the pool to a started office process.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/sevir/officepool/internal/process"
	"github.com/sevir/officepool/internal/retry"
	"github.com/sevir/officepool/pkg/models"
)

// ErrProcessExited is returned by Connect when the office process exits
// before accepting a connection.
var ErrProcessExited = errors.New("office process exited")

var errRelaunched = errors.New("office process relaunched")

const dialTimeout = 5 * time.Second

// Dialer opens the transport to an endpoint.
type Dialer func(ctx context.Context, ep models.Endpoint) (net.Conn, error)

// Dial connects over TCP for socket endpoints and over a unix domain socket
// for pipe endpoints.
func Dial(ctx context.Context, ep models.Endpoint) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	if ep.IsPipe() {
		return d.DialContext(ctx, "unix", ep.SocketPath())
	}
	return d.DialContext(ctx, "tcp", ep.Address())
}

// Reachable returns a check that succeeds when dial can open a connection
// to an endpoint. The connection is closed right away.
func Reachable(dial Dialer) func(ctx context.Context, ep models.Endpoint) error {
	if dial == nil {
		dial = Dial
	}
	return func(ctx context.Context, ep models.Endpoint) error {
		nc, err := dial(ctx, ep)
		if err != nil {
			return err
		}
		return nc.Close()
	}
}

// Connection is the link from a worker slot to its office process.
type Connection struct {
	proc *process.Managed
	dial Dialer

	mu   sync.Mutex
	conn net.Conn
}

// New creates a disconnected Connection to proc. A nil dial uses Dial.
func New(proc *process.Managed, dial Dialer) *Connection {
	if dial == nil {
		dial = Dial
	}
	return &Connection{proc: proc, dial: dial}
}

// Endpoint implements models.Conn.
func (c *Connection) Endpoint() models.Endpoint { return c.proc.Endpoint() }

// NetConn implements models.Conn.
func (c *Connection) NetConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// IsConnected reports whether the connection is open and the process alive.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	open := c.conn != nil
	c.mu.Unlock()
	return open && c.proc.Running()
}

// Connect dials the office process every interval until it accepts or
// timeout elapses. A process that exits with process.ExitCodeRestart is
// launched again within the same budget; any other exit ends the attempt
// with ErrProcessExited.
func (c *Connection) Connect(ctx context.Context, interval, timeout time.Duration) error {
	ep := c.proc.Endpoint()
	attempts := 0
	err := retry.Do(ctx, interval, timeout, func() error {
		attempts++
		if code, exited := c.proc.ExitCode(); exited {
			if code == process.ExitCodeRestart {
				if err := c.proc.Restart(ctx); err != nil {
					return err
				}
				return retry.Temporary(errRelaunched)
			}
			return fmt.Errorf("%w with code %d before accepting connections on %s", ErrProcessExited, code, ep)
		}

		nc, err := c.dial(ctx, ep)
		if err != nil {
			return retry.Temporary(err)
		}
		c.mu.Lock()
		c.conn = nc
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		log.Printf("connection_event=failed endpoint=%s attempts=%d error=%q", ep, attempts, err)
		return fmt.Errorf("connect to %s: %w", ep, err)
	}
	log.Printf("connection_event=connected endpoint=%s attempts=%d", ep, attempts)
	return nil
}

// Disconnect closes the transport. It is safe to call more than once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	nc := c.conn
	c.conn = nil
	c.mu.Unlock()
	if nc == nil {
		return nil
	}
	log.Printf("connection_event=disconnected endpoint=%s", c.proc.Endpoint())
	if err := nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close connection to %s: %w", c.proc.Endpoint(), err)
	}
	return nil
}

var _ models.Conn = (*Connection)(nil)
