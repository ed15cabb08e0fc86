package session

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"macrolink/pkg/protocol"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint is the server address a session dials.
type Endpoint struct {
	Host string
	Port int
}

// Validate rejects an empty host or a port outside 1-65535.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	return nil
}

// Addr returns host:port, bracketing IPv6 literals.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Addr()
}

// AuthResult is the outcome of a completed authentication exchange.
type AuthResult struct {
	Authenticated bool
	Token         string
}

// ServerStatus is the server's answer to a status check.
type ServerStatus int

const (
	StatusReady           ServerStatus = protocol.StatusReady
	StatusVersionMismatch ServerStatus = protocol.StatusVersionMismatch
	StatusAuthRequired    ServerStatus = protocol.StatusAuthRequired
)

func (s ServerStatus) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusVersionMismatch:
		return "version_mismatch"
	case StatusAuthRequired:
		return "auth_required"
	default:
		return "unknown"
	}
}

func (s ServerStatus) valid() bool {
	return s >= StatusReady && s <= StatusAuthRequired
}
