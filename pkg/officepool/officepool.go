// Package officepool runs a fixed pool of headless office engine processes
// and dispatches tasks to them one at a time.
//
// A Pool is built from a Config, started once, fed tasks with Submit and
// stopped once:
//
//	cfg := officepool.DefaultConfig()
//	cfg.Executable = "/usr/lib/libreoffice/program/soffice"
//	cfg.Endpoints = []officepool.Endpoint{
//		officepool.SocketEndpoint("", 2002),
//		officepool.SocketEndpoint("", 2003),
//	}
//	p, err := officepool.New(cfg)
//	if err != nil {
//		return err
//	}
//	if err := p.Start(ctx); err != nil {
//		return err
//	}
//	defer p.Stop(context.Background())
//
//	err = p.Submit(ctx, officepool.TaskFunc(func(ctx context.Context, conn officepool.Conn) error {
//		// talk to the engine over conn.NetConn()
//		return nil
//	}))
package officepool

import (
	"context"
	"net"

	"github.com/sevir/officepool/internal/connection"
	"github.com/sevir/officepool/internal/pool"
	"github.com/sevir/officepool/internal/process"
	"github.com/sevir/officepool/pkg/models"
)

type (
	Config       = pool.Config
	ConfigError  = pool.ConfigError
	StartupError = pool.StartupError
	TaskError    = pool.TaskError

	Endpoint = models.Endpoint
	Task     = models.Task
	TaskFunc = models.TaskFunc
	Conn     = models.Conn
	SlotInfo = models.SlotInfo
	Event    = models.Event

	ExistingProcessAction = models.ExistingProcessAction
)

const (
	ExistingProcessFail          = models.ExistingProcessFail
	ExistingProcessKill          = models.ExistingProcessKill
	ExistingProcessConnect       = models.ExistingProcessConnect
	ExistingProcessConnectOrKill = models.ExistingProcessConnectOrKill
)

var (
	ErrConfiguration    = pool.ErrConfiguration
	ErrStartupFailure   = pool.ErrStartupFailure
	ErrQueueBusy        = pool.ErrQueueBusy
	ErrExecutionTimeout = pool.ErrExecutionTimeout
	ErrProcessCrash     = pool.ErrProcessCrash
	ErrPoolNotRunning   = pool.ErrPoolNotRunning
	ErrPoolShutdown     = pool.ErrPoolShutdown
	ErrPoolStarted      = pool.ErrPoolStarted
	ErrSlotNotFound     = pool.ErrSlotNotFound
	ErrSlotBusy         = pool.ErrSlotBusy
)

// DefaultConfig returns the pool defaults. Executable must still be set.
func DefaultConfig() Config { return pool.DefaultConfig() }

// SocketEndpoint is a TCP endpoint; an empty host means 127.0.0.1.
func SocketEndpoint(host string, port int) Endpoint { return models.SocketEndpoint(host, port) }

// PipeEndpoint is a named pipe endpoint.
func PipeEndpoint(name string) Endpoint { return models.PipeEndpoint(name) }

// Option customises a Pool.
type Option func(*options)

type options struct {
	sup []pool.Option
}

// WithEventSink receives every slot and pool lifecycle event. fn is called
// synchronously and must not block.
func WithEventSink(fn func(Event)) Option {
	return func(o *options) { o.sup = append(o.sup, pool.WithEventSink(fn)) }
}

// WithPureResolver disables pid lookup through the OS process listing.
// Processes are then tracked through their own handle only, and leftover
// processes on an endpoint are never detected, so ExistingProcessAction
// has no effect.
func WithPureResolver() Option {
	return func(o *options) { o.sup = append(o.sup, pool.WithResolver(process.PureResolver{})) }
}

// WithDialer replaces the function that opens the link to an engine.
func WithDialer(dial func(ctx context.Context, ep Endpoint) (net.Conn, error)) Option {
	return func(o *options) {
		o.sup = append(o.sup, pool.WithDialer(connection.Dialer(dial)))
	}
}

// Pool is the public face of the process pool.
type Pool struct {
	cfg Config
	sup *pool.Supervisor
}

// New validates cfg and builds a stopped pool. Configuration problems are
// reported here, joined, each matching ErrConfiguration.
func New(cfg Config, opts ...Option) (*Pool, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.Clone()
	sup, err := pool.NewSupervisor(cfg, o.sup...)
	if err != nil {
		return nil, err
	}
	return &Pool{cfg: cfg, sup: sup}, nil
}

// Start launches every engine. Either all slots come up or none stay up.
func (p *Pool) Start(ctx context.Context) error { return p.sup.Start(ctx) }

// Submit runs task on the next idle engine. It waits at most the queue
// timeout for one to free up, then at most the execution timeout for the
// task itself.
func (p *Pool) Submit(ctx context.Context, task Task) error { return p.sup.Submit(ctx, task) }

// Stop shuts every engine down. It is safe to call more than once.
func (p *Pool) Stop(ctx context.Context) error { return p.sup.Stop(ctx) }

// ID identifies the pool in logs.
func (p *Pool) ID() string { return p.sup.ID() }

func (p *Pool) State() models.PoolState { return p.sup.State() }

func (p *Pool) Slots() []SlotInfo { return p.sup.Slots() }

// RecycleSlot restarts the engine of an idle slot.
func (p *Pool) RecycleSlot(index int) error { return p.sup.RecycleSlot(index) }

// Config returns a copy of the configuration the pool was built with.
func (p *Pool) Config() Config { return p.cfg.Clone() }
