// Package session implements the client side of the line-delimited JSON
// protocol: one TCP connection, an authentication exchange keyed by a
// session identifier, and token-bearing follow-up requests.
//
// A Session is not safe for concurrent use. Every operation blocks until its
// I/O completes or the configured deadline passes; nothing is retried.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"macrolink/pkg/protocol"
)

// Session owns exactly one connection for its lifetime.
type Session struct {
	endpoint Endpoint
	cfg      Config

	conn  net.Conn
	lines *protocol.LineReader

	state    State
	rejected bool
	sid      string
	token    string
}

// Connect dials the endpoint and returns a session in StateConnected.
func Connect(ctx context.Context, endpoint Endpoint, cfg Config) (*Session, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, &ConnectionError{Addr: endpoint.Addr(), Err: err}
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Addr())
	if err != nil {
		return nil, &ConnectionError{Addr: endpoint.Addr(), Err: err}
	}

	s := New(conn, cfg)
	s.endpoint = endpoint
	return s, nil
}

// New wraps an already established connection. The session takes ownership of conn.
func New(conn net.Conn, cfg Config) *Session {
	return &Session{
		cfg:   cfg,
		conn:  conn,
		lines: protocol.NewLineReader(conn),
		state: StateConnected,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Token returns the token granted by the server, or "" before authentication.
func (s *Session) Token() string { return s.token }

// SessionID returns the identifier passed to Authenticate.
func (s *Session) SessionID() string { return s.sid }

// Endpoint returns the dialed endpoint; zero for sessions built with New.
func (s *Session) Endpoint() Endpoint { return s.endpoint }

// Authenticate sends the auth request for sid and waits for one reply line.
//
// A rejection is not an error: it returns an unauthenticated result and the
// session accepts no further requests until it is closed. Any error closes
// the session.
func (s *Session) Authenticate(sid string) (AuthResult, error) {
	if err := s.requireOpen(); err != nil {
		return AuthResult{}, err
	}
	if s.state != StateConnected || s.rejected {
		return AuthResult{}, ErrInvalidState
	}

	const op = "authenticate"
	if err := s.send(op, protocol.AuthRequest{Opt: protocol.OptAuth, Sid: sid}); err != nil {
		return AuthResult{}, err
	}

	line, err := s.receive(op)
	if err != nil {
		return AuthResult{}, err
	}

	var resp protocol.AuthResponse
	if err := s.decode(op, line, &resp); err != nil {
		return AuthResult{}, err
	}

	s.sid = sid
	if !resp.Auth {
		s.rejected = true
		return AuthResult{Authenticated: false}, nil
	}
	if resp.Token == "" {
		s.abort()
		return AuthResult{}, &ProtocolError{Op: op, Reason: "auth granted without token", Response: line}
	}

	s.token = resp.Token
	s.state = StateAuthenticated
	return AuthResult{Authenticated: true, Token: resp.Token}, nil
}

// CheckStatus reports version to the server and returns its readiness status.
func (s *Session) CheckStatus(version string) (ServerStatus, error) {
	if err := s.requireOpen(); err != nil {
		return 0, err
	}
	if s.rejected {
		return 0, ErrInvalidState
	}

	const op = "status"
	if err := s.send(op, protocol.StatusRequest{Opt: protocol.OptStatus, Version: version}); err != nil {
		return 0, err
	}

	line, err := s.receive(op)
	if err != nil {
		return 0, err
	}

	var resp protocol.StatusResponse
	if err := s.decode(op, line, &resp); err != nil {
		return 0, err
	}
	if resp.Opt != protocol.OptStatus {
		s.abort()
		return 0, &ProtocolError{Op: op, Reason: fmt.Sprintf("unexpected opt %d", resp.Opt), Response: line}
	}

	status := ServerStatus(resp.Status)
	if !status.valid() {
		s.abort()
		return 0, &ProtocolError{Op: op, Reason: fmt.Sprintf("unknown status %d", resp.Status), Response: line}
	}
	return status, nil
}

// SendCommand writes one command request carrying the session token and payload.
// It does not wait for a reply.
func (s *Session) SendCommand(payload any) error {
	if !s.authenticated() {
		return ErrNotAuthenticated
	}
	return s.send("command", protocol.CommandRequest{
		Opt:   protocol.OptCommand,
		Token: s.token,
		Macro: payload,
	})
}

// UpdateConfig pushes cfg to the server. Like SendCommand it does not wait for a reply.
func (s *Session) UpdateConfig(cfg any) error {
	if !s.authenticated() {
		return ErrNotAuthenticated
	}
	return s.send("update config", protocol.ConfigUpdateRequest{
		Opt:    protocol.OptUpdateConfig,
		Token:  s.token,
		Config: cfg,
	})
}

// Close releases the connection. Calling it more than once is a no-op.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.token = ""
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Session) authenticated() bool {
	return s.state == StateAuthenticated && s.token != ""
}

func (s *Session) requireOpen() error {
	switch {
	case s.state == StateClosed:
		return ErrSessionClosed
	case s.conn == nil:
		return ErrInvalidState
	}
	return nil
}

// abort closes the session after a fatal error.
func (s *Session) abort() {
	_ = s.Close()
}

// send encodes v and writes it in one call. Encoding failures leave the session
// untouched since nothing reached the wire.
func (s *Session) send(op string, v any) error {
	line, err := protocol.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", op, err)
	}

	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			s.abort()
			return &IOError{Op: op, Err: err}
		}
		defer s.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := s.conn.Write(line); err != nil {
		s.abort()
		return &IOError{Op: op, Err: err}
	}
	return nil
}

// receive reads one reply line.
func (s *Session) receive(op string) ([]byte, error) {
	if s.cfg.ReadTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			s.abort()
			return nil, &IOError{Op: op, Err: err}
		}
		defer s.conn.SetReadDeadline(time.Time{})
	}

	line, err := s.lines.ReadLine()
	if err == nil {
		return line, nil
	}

	s.abort()
	switch {
	case errors.Is(err, io.EOF):
		return nil, &MalformedResponseError{Op: op, Err: protocol.ErrIncompleteLine}
	case errors.Is(err, protocol.ErrIncompleteLine), errors.Is(err, protocol.ErrLineTooLong):
		return nil, &MalformedResponseError{Op: op, Raw: line, Err: err}
	default:
		return nil, &IOError{Op: op, Err: err}
	}
}

// decode parses a reply line into v, separating syntax errors from schema errors.
func (s *Session) decode(op string, line []byte, v any) error {
	if !json.Valid(line) {
		s.abort()
		return &MalformedResponseError{Op: op, Raw: line, Err: errors.New("invalid JSON")}
	}
	if trimmed := bytes.TrimSpace(line); trimmed[0] != '{' {
		s.abort()
		return &ProtocolError{Op: op, Reason: "response is not a JSON object", Response: line}
	}
	if err := json.Unmarshal(line, v); err != nil {
		s.abort()
		return &ProtocolError{Op: op, Reason: err.Error(), Response: line}
	}
	return nil
}
