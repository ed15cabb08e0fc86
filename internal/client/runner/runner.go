// Package runner drives one complete client exchange: connect, optional status
// check, authenticate, send one command, close.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"macrolink/internal/client/events"
	"macrolink/internal/client/logger"
	"macrolink/internal/client/session"
	"macrolink/pkg/protocol"
)

var (
	// ErrAuthRejected means the server answered the auth request with a falsy flag.
	ErrAuthRejected = errors.New("server rejected session identifier")
	// ErrVersionMismatch means the server refused the client version.
	ErrVersionMismatch = errors.New("server rejected client version")
)

// Runner holds everything needed for a run. Version may be empty to skip the status check.
type Runner struct {
	Endpoint  session.Endpoint
	SessionID string
	Version   string
	Config    session.Config

	eventBus *events.Bus
}

// New creates a runner for endpoint and sid using default session limits.
func New(endpoint session.Endpoint, sid string) *Runner {
	return &Runner{
		Endpoint:  endpoint,
		SessionID: sid,
		Config:    session.DefaultConfig(),
	}
}

// SetEventBus sets the bus that receives run lifecycle events.
func (r *Runner) SetEventBus(bus *events.Bus) {
	r.eventBus = bus
}

// Result summarizes a finished run.
type Result struct {
	Status ServerStatusReport
	Token  string
}

// ServerStatusReport is the status check outcome; Checked is false when it was skipped.
type ServerStatusReport struct {
	Checked bool
	Status  session.ServerStatus
}

// Run performs the exchange and sends payload as the command. The session is
// closed before Run returns, whatever the outcome.
func (r *Runner) Run(ctx context.Context, payload any) (*Result, error) {
	return r.run(ctx, func(s *session.Session) error {
		if err := s.SendCommand(payload); err != nil {
			return err
		}
		r.publish(events.EventCommandSent, events.CommandData{Payload: payload})
		logger.Info("Command sent")
		return nil
	})
}

// PushConfig performs the exchange and sends cfg as a config update instead of a command.
func (r *Runner) PushConfig(ctx context.Context, cfg any) (*Result, error) {
	return r.run(ctx, func(s *session.Session) error {
		if err := s.UpdateConfig(cfg); err != nil {
			return err
		}
		logger.Info("Config update sent")
		return nil
	})
}

// Status connects and performs only the status check, reporting ClientVersion
// when no Version is set.
func (r *Runner) Status(ctx context.Context) (session.ServerStatus, error) {
	s, err := r.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer r.close(s)

	version := r.Version
	if version == "" {
		version = protocol.ClientVersion
	}
	return r.checkStatus(s, version)
}

func (r *Runner) run(ctx context.Context, action func(*session.Session) error) (*Result, error) {
	s, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer r.close(s)

	result := &Result{}
	if r.Version != "" {
		status, err := r.checkStatus(s, r.Version)
		if err != nil {
			return nil, err
		}
		result.Status = ServerStatusReport{Checked: true, Status: status}
		if status == session.StatusVersionMismatch {
			return result, fmt.Errorf("%w: %s", ErrVersionMismatch, r.Version)
		}
	}

	logger.Info("Authenticating as %s", r.SessionID)
	auth, err := s.Authenticate(r.SessionID)
	if err != nil {
		r.fail(err, "authenticate")
		return nil, err
	}
	if !auth.Authenticated {
		r.publish(events.EventAuthRejected, events.AuthData{SessionID: r.SessionID})
		logger.Error("Authentication failed for %s", r.SessionID)
		return result, ErrAuthRejected
	}
	result.Token = auth.Token
	r.publish(events.EventAuthenticated, events.AuthData{SessionID: r.SessionID})
	logger.Info("Token acquired")

	if err := action(s); err != nil {
		r.fail(err, "send")
		return result, err
	}
	return result, nil
}

func (r *Runner) connect(ctx context.Context) (*session.Session, error) {
	r.publish(events.EventConnecting, nil)
	logger.Info("Connecting to %s...", r.Endpoint)

	start := time.Now()
	s, err := session.Connect(ctx, r.Endpoint, r.Config)
	if err != nil {
		r.fail(err, "connect")
		return nil, err
	}

	r.publish(events.EventConnected, events.ConnectedData{
		ServerAddr: r.Endpoint.Addr(),
		Latency:    time.Since(start),
	})
	logger.Debug("Connected to %s", r.Endpoint)
	return s, nil
}

func (r *Runner) checkStatus(s *session.Session, version string) (session.ServerStatus, error) {
	status, err := s.CheckStatus(version)
	if err != nil {
		r.fail(err, "status")
		return 0, err
	}
	r.publish(events.EventStatusChecked, events.StatusData{Version: version, Status: status.String()})
	logger.Info("Server status: %s", status)
	return status, nil
}

func (r *Runner) close(s *session.Session) {
	if err := s.Close(); err != nil {
		logger.Debug("Close error: %v", err)
	}
	r.publish(events.EventDisconnected, nil)
}

func (r *Runner) fail(err error, context string) {
	logger.Error("%s failed: %v", context, err)
	if r.eventBus != nil {
		r.eventBus.PublishError(err, context)
	}
}

func (r *Runner) publish(eventType events.EventType, data interface{}) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(events.Event{Type: eventType, Data: data})
}
