// Package models defines the core domain types shared by the office process pool.
package models

import (
	"context"
	"net"
	"time"
)

// Conn is the live link from the pool to one external office process.
// Tasks use it to reach the engine; the pool owns its lifecycle.
type Conn interface {
	// Endpoint returns the endpoint the office process listens on.
	Endpoint() Endpoint

	// NetConn returns the underlying transport, or nil when disconnected.
	NetConn() net.Conn

	// IsConnected reports whether the link is up and the process alive.
	IsConnected() bool
}

// Task is a unit of work executed against one office process.
// The pool never mutates a task and never retries it.
type Task interface {
	Execute(ctx context.Context, conn Conn) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context, conn Conn) error

// Execute calls f(ctx, conn).
func (f TaskFunc) Execute(ctx context.Context, conn Conn) error {
	return f(ctx, conn)
}

// Duration is a wrapper around time.Duration for JSON and YAML marshaling.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return nil
	}
	// Remove quotes
	s := string(b[1 : len(b)-1])
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
