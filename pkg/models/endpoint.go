package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultHost is the host office processes listen on for socket endpoints.
const DefaultHost = "127.0.0.1"

const (
	acceptProtocol = "urp"
	acceptRootOid  = "StarOffice.ServiceManager"
)

// Endpoint is the port or named pipe one office process listens on.
// Exactly one of Port or Pipe is set.
type Endpoint struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	Pipe string `json:"pipe,omitempty"`
}

// SocketEndpoint returns a TCP endpoint. An empty host means DefaultHost.
func SocketEndpoint(host string, port int) Endpoint {
	if host == "" {
		host = DefaultHost
	}
	return Endpoint{Host: host, Port: port}
}

// PipeEndpoint returns a named-pipe endpoint.
func PipeEndpoint(name string) Endpoint {
	return Endpoint{Pipe: name}
}

// ParseEndpoint interprets a configured endpoint value. Numeric values are
// socket ports on host; anything else is a pipe name.
func ParseEndpoint(value, host string) (Endpoint, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}
	if port, err := strconv.Atoi(value); err == nil {
		ep := SocketEndpoint(host, port)
		return ep, ep.Validate()
	}
	ep := PipeEndpoint(value)
	return ep, ep.Validate()
}

// IsPipe reports whether the endpoint is a named pipe.
func (e Endpoint) IsPipe() bool {
	return e.Pipe != ""
}

// Validate checks that the endpoint is usable.
func (e Endpoint) Validate() error {
	if e.IsPipe() {
		if strings.ContainsAny(e.Pipe, ",;= \t") {
			return fmt.Errorf("invalid pipe name %q", e.Pipe)
		}
		return nil
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("invalid port %d", e.Port)
	}
	return nil
}

// ConnectString returns the connection part of the accept string, for example
// "socket,host=127.0.0.1,port=2002,tcpNoDelay=1".
func (e Endpoint) ConnectString() string {
	if e.IsPipe() {
		return "pipe,name=" + e.Pipe
	}
	host := e.Host
	if host == "" {
		host = DefaultHost
	}
	return fmt.Sprintf("socket,host=%s,port=%d,tcpNoDelay=1", host, e.Port)
}

// AcceptString returns the value passed to the office process --accept option.
func (e Endpoint) AcceptString() string {
	return e.ConnectString() + ";" + acceptProtocol + ";" + acceptRootOid
}

// Address returns host:port for socket endpoints and the pipe name otherwise.
func (e Endpoint) Address() string {
	if e.IsPipe() {
		return e.Pipe
	}
	host := e.Host
	if host == "" {
		host = DefaultHost
	}
	return fmt.Sprintf("%s:%d", host, e.Port)
}

// SocketPath returns the unix domain socket the office process creates for a
// pipe endpoint on Unix-like systems.
func (e Endpoint) SocketPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("OSL_PIPE_%d_%s", os.Getuid(), e.Pipe))
}

// String returns a short human-readable form.
func (e Endpoint) String() string {
	if e.IsPipe() {
		return "pipe:" + e.Pipe
	}
	return "socket:" + e.Address()
}
