package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when a privileged message is attempted
	// before a token was granted. No bytes are written.
	ErrNotAuthenticated = errors.New("session: not authenticated")
	// ErrSessionClosed is returned for any network operation after Close or a fatal error.
	ErrSessionClosed = errors.New("session: closed")
	// ErrInvalidState is returned when an operation is not allowed in the current state,
	// e.g. a second Authenticate or any request after the server rejected the sid.
	ErrInvalidState = errors.New("session: operation not allowed in current state")
	// ErrInvalidEndpoint is wrapped by ConnectionError when the endpoint fails validation.
	ErrInvalidEndpoint = errors.New("session: invalid endpoint")
)

// ConnectionError means the transport could not be established.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IOError means a read or write failed on an established connection.
// The session is closed when it is returned.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// MalformedResponseError means the reply was not one complete line of valid JSON.
// Raw holds whatever bytes were received.
type MalformedResponseError struct {
	Op  string
	Raw []byte
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("session: %s: malformed response %q: %v", e.Op, e.Raw, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// ProtocolError means the reply parsed as JSON but did not match the expected schema.
type ProtocolError struct {
	Op       string
	Reason   string
	Response []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("session: %s: protocol violation: %s (response %s)", e.Op, e.Reason, e.Response)
}

// IsConnectionError checks if an error is a ConnectionError.
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsIOError checks if an error is an IOError.
func IsIOError(err error) bool {
	var target *IOError
	return errors.As(err, &target)
}

// IsMalformedResponse checks if an error is a MalformedResponseError.
func IsMalformedResponse(err error) bool {
	var target *MalformedResponseError
	return errors.As(err, &target)
}

// IsProtocolError checks if an error is a ProtocolError.
func IsProtocolError(err error) bool {
	var target *ProtocolError
	return errors.As(err, &target)
}
