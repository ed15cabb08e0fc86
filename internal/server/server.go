package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"macrolink/internal/auth"
	apperrors "macrolink/internal/errors"
	"macrolink/internal/models"
	"macrolink/internal/sentry"
	"macrolink/internal/storage"
	"macrolink/pkg/protocol"
)

// DefaultIdleTimeout closes connections that send nothing for this long.
const DefaultIdleTimeout = 5 * time.Minute

// Config holds the protocol server settings.
type Config struct {
	Addr string
	// RequiredVersion, when set, makes status checks from other versions report a mismatch.
	RequiredVersion string
	// AutoRegister creates a client for unknown session identifiers instead of rejecting them.
	AutoRegister bool
	// IdleTimeout bounds the wait for the next line (0 = DefaultIdleTimeout).
	IdleTimeout time.Duration
	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int
}

// Server accepts client connections and speaks the line protocol.
// It handles status checks, authentication and the command log.
type Server struct {
	Registry *SessionRegistry
	Store    storage.Store
	Tokens   *auth.TokenIssuer
	cfg      Config

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	connSem  chan struct{}
}

// inbound is every field a client line may carry; Opt selects which ones apply.
type inbound struct {
	Opt     *int            `json:"opt"`
	Version string          `json:"ver"`
	Sid     string          `json:"sid"`
	Token   string          `json:"token"`
	Macro   json.RawMessage `json:"macro"`
	Config  json.RawMessage `json:"config"`
}

func NewServer(cfg Config, store storage.Store, tokens *auth.TokenIssuer, registry *SessionRegistry) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Registry: registry,
		Store:    store,
		Tokens:   tokens,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Listen binds the listening socket without accepting connections yet.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	// Initialize connection semaphore for rate limiting
	if s.cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, s.cfg.MaxConnections)
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the accept loop on the socket bound by Listen.
func (s *Server) Serve() error {
	log.Printf("Protocol server listening on %s (MaxConn=%d, AutoRegister=%v)", s.listener.Addr(), s.cfg.MaxConnections, s.cfg.AutoRegister)

	for {
		// Check if we're shutting down
		select {
		case <-s.ctx.Done():
			log.Println("Protocol server: shutdown signal received, stopping accept loop")
			return nil
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				log.Println("Protocol server: listener closed during shutdown")
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Printf("Temporary accept error: %v, retrying...", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}

			sentry.CaptureError(err, "Failed to accept connection")
			return err
		}

		// Acquire semaphore slot (rate limiting)
		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			case <-s.ctx.Done():
				conn.Close()
				return nil
			}
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() {
				if s.connSem != nil {
					<-s.connSem
				}
			}()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Panic recovered in handleConnection: %v", r)
				}
			}()
			s.handleConnection(c)
		}(conn)
	}
}

// Shutdown gracefully stops the server.
// It closes the listener and open connections, then waits for handlers to return
// within the provided context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Protocol server: initiating shutdown...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			log.Printf("Error closing listener: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Protocol server: all connections closed gracefully")
		return nil
	case <-ctx.Done():
		log.Println("Protocol server: shutdown timeout, forcing close")
		return ctx.Err()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr()
	log.Printf("New connection from %s", remote)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var clientID uint
	defer func() {
		if clientID != 0 {
			s.Registry.Unregister(clientID, conn)
		}
		conn.Close()
		log.Printf("Connection from %s closed", remote)
	}()

	lines := protocol.NewLineReader(conn)
	enc := protocol.NewEncoder(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		line, err := lines.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
				return
			}
			sentry.CaptureErrorf(err, "Read from %s failed", remote)
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg inbound
		if line[0] != '{' {
			log.Printf("Skipping malformed line from %s: not a JSON object", remote)
			continue
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("Skipping malformed line from %s: %v", remote, err)
			continue
		}
		if msg.Opt == nil {
			log.Printf("Skipping line without opt from %s", remote)
			continue
		}

		switch *msg.Opt {
		case protocol.OptStatus:
			err = enc.Encode(protocol.StatusResponse{Opt: protocol.OptStatus, Status: s.status(msg.Version, clientID != 0)})
		case protocol.OptAuth:
			var id uint
			id, err = s.handleAuth(conn, enc, msg.Sid)
			if id != 0 {
				if clientID != 0 && clientID != id {
					s.Registry.Unregister(clientID, conn)
				}
				clientID = id
			}
		case protocol.OptCommand:
			s.handleCommand(remote, clientID, protocol.OptCommand, msg.Token, msg.Macro)
		case protocol.OptUpdateConfig:
			s.handleCommand(remote, clientID, protocol.OptUpdateConfig, msg.Token, msg.Config)
		default:
			log.Printf("Ignoring unsupported opt %d from %s", *msg.Opt, remote)
		}

		if err != nil {
			sentry.CaptureErrorf(err, "Write to %s failed", remote)
			return
		}
	}
}

// status answers a status check. Unauthenticated connections are told to log in.
func (s *Server) status(version string, authenticated bool) int {
	switch {
	case s.cfg.RequiredVersion != "" && version != s.cfg.RequiredVersion:
		return protocol.StatusVersionMismatch
	case !authenticated:
		return protocol.StatusAuthRequired
	default:
		return protocol.StatusReady
	}
}

// handleAuth replies to an auth request and registers the session on success.
// It returns the authenticated client ID, or 0 when the request was rejected.
func (s *Server) handleAuth(conn net.Conn, enc *protocol.Encoder, sid string) (uint, error) {
	client, err := s.lookupClient(sid)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			sentry.CaptureErrorf(err, "Client lookup for %s failed", conn.RemoteAddr())
		}
		log.Printf("Auth rejected for %s", conn.RemoteAddr())
		return 0, enc.Encode(protocol.AuthResponse{Opt: protocol.OptAuth, Auth: false})
	}

	token, err := s.Tokens.Issue(client.ID, client.SessionID)
	if err != nil {
		sentry.CaptureErrorf(err, "Token issue for client %d failed", client.ID)
		return 0, enc.Encode(protocol.AuthResponse{Opt: protocol.OptAuth, Auth: false})
	}

	if err := enc.Encode(protocol.AuthResponse{Opt: protocol.OptAuth, Auth: true, Token: token}); err != nil {
		return 0, err
	}

	if err := s.Store.TouchClient(client.ID, time.Now()); err != nil {
		log.Printf("Failed to update last seen for client %d: %v", client.ID, err)
	}

	if old := s.Registry.Register(client.ID, client.SessionID, conn); old != nil {
		log.Printf("Client %d logged in from %s, closing previous session from %s", client.ID, conn.RemoteAddr(), old.RemoteAddr)
		old.Close()
	}
	log.Printf("Client %d authenticated from %s", client.ID, conn.RemoteAddr())
	return client.ID, nil
}

// lookupClient finds the client for sid, creating it when auto-registration is on.
func (s *Server) lookupClient(sid string) (*models.Client, error) {
	if sid == "" {
		return nil, apperrors.ErrNotFound
	}
	client, err := s.Store.GetClientBySessionID(sid)
	if err == nil || !errors.Is(err, apperrors.ErrNotFound) || !s.cfg.AutoRegister {
		return client, err
	}

	client = &models.Client{SessionID: sid, Label: "auto"}
	if err := s.Store.CreateClient(client); err != nil {
		// Lost a race with a concurrent registration of the same sid.
		if errors.Is(err, apperrors.ErrDuplicateKey) {
			return s.Store.GetClientBySessionID(sid)
		}
		return nil, err
	}
	log.Printf("Auto-registered client %d", client.ID)
	return client, nil
}

// handleCommand validates the token and appends the payload to the command log.
// The token must belong to the client that authenticated on this connection.
// Commands are never answered.
func (s *Server) handleCommand(remote net.Addr, clientID uint, opt int, token string, payload json.RawMessage) {
	if clientID == 0 {
		log.Printf("Rejected opt %d from %s: connection not authenticated", opt, remote)
		return
	}
	claims, err := s.Tokens.Validate(token)
	if err != nil {
		log.Printf("Rejected opt %d from %s: %v", opt, remote, err)
		return
	}
	if claims.ClientID != clientID {
		log.Printf("Rejected opt %d from %s: token for client %d used by client %d", opt, remote, claims.ClientID, clientID)
		return
	}
	if _, err := s.Store.GetClientByID(claims.ClientID); err != nil {
		log.Printf("Rejected opt %d from %s: client %d: %v", opt, remote, claims.ClientID, err)
		return
	}

	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	entry := &models.CommandLog{
		ClientID: claims.ClientID,
		Opt:      opt,
		Name:     payloadName(payload),
		Payload:  string(payload),
	}
	if err := s.Store.RecordCommand(entry); err != nil {
		sentry.CaptureErrorf(err, "Failed to record opt %d for client %d", opt, claims.ClientID)
		return
	}

	if opt == protocol.OptUpdateConfig {
		if err := s.Store.SaveClientConfig(claims.ClientID, string(payload)); err != nil {
			sentry.CaptureErrorf(err, "Failed to save config for client %d", claims.ClientID)
		}
		log.Printf("Client %d pushed config (%d bytes)", claims.ClientID, len(payload))
		return
	}
	log.Printf("Client %d ran %q", claims.ClientID, entry.Name)
}

// payloadName extracts a top-level "name" string, if the payload has one.
func payloadName(payload json.RawMessage) string {
	var named struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(payload, &named) != nil {
		return ""
	}
	return named.Name
}
