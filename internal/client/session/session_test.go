package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"macrolink/pkg/protocol"

	"pgregory.net/rapid"
)

// startServer listens on loopback and runs handler for the first accepted connection.
func startServer(t *testing.T, handler func(conn net.Conn)) Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()

	return Endpoint{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}
}

// replyOnce reads one request line, hands it to got, then writes reply.
func replyOnce(reply string, got chan<- []byte) func(conn net.Conn) {
	return func(conn net.Conn) {
		r := bufio.NewReader(conn)
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		got <- line
		conn.Write([]byte(reply))
		// Keep the connection open until the client is done with it.
		io.Copy(io.Discard, r)
	}
}

func connect(t *testing.T, ep Endpoint, cfg Config) *Session {
	t.Helper()
	s, err := Connect(context.Background(), ep, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// recordingConn counts writes so tests can assert no network action happened.
type recordingConn struct {
	net.Conn
	mu     sync.Mutex
	writes int
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Conn.Write(p)
}

func (c *recordingConn) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func TestEndpoint_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ep      Endpoint
		wantErr bool
	}{
		{"valid", Endpoint{Host: "127.0.0.1", Port: 9000}, false},
		{"min port", Endpoint{Host: "localhost", Port: 1}, false},
		{"max port", Endpoint{Host: "localhost", Port: 65535}, false},
		{"zero port", Endpoint{Host: "localhost", Port: 0}, true},
		{"port too large", Endpoint{Host: "localhost", Port: 65536}, true},
		{"empty host", Endpoint{Host: "  ", Port: 9000}, true},
	}

	for _, tt := range tests {
		err := tt.ep.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidEndpoint) {
			t.Errorf("%s: expected ErrInvalidEndpoint, got %v", tt.name, err)
		}
	}
}

func TestEndpoint_AddrIPv6(t *testing.T) {
	ep := Endpoint{Host: "::1", Port: 9000}
	if ep.Addr() != "[::1]:9000" {
		t.Errorf("expected [::1]:9000, got %s", ep.Addr())
	}
}

func TestConnect_Succeeds(t *testing.T) {
	ep := startServer(t, func(conn net.Conn) { io.Copy(io.Discard, conn) })

	s := connect(t, ep, DefaultConfig())

	if s.State() != StateConnected {
		t.Errorf("expected state connected, got %s", s.State())
	}
	if s.Endpoint() != ep {
		t.Errorf("expected endpoint %v, got %v", ep, s.Endpoint())
	}
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = Connect(context.Background(), Endpoint{Host: "127.0.0.1", Port: port}, DefaultConfig())
	if !IsConnectionError(err) {
		t.Errorf("expected ConnectionError, got %v", err)
	}
}

func TestConnect_InvalidEndpoint(t *testing.T) {
	_, err := Connect(context.Background(), Endpoint{Host: "127.0.0.1", Port: 0}, DefaultConfig())
	if !IsConnectionError(err) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Errorf("expected wrapped ErrInvalidEndpoint, got %v", err)
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Connect(ctx, Endpoint{Host: "127.0.0.1", Port: 9}, DefaultConfig())
	if !IsConnectionError(err) {
		t.Errorf("expected ConnectionError, got %v", err)
	}
}

func TestAuthenticate_Granted(t *testing.T) {
	got := make(chan []byte, 1)
	ep := startServer(t, replyOnce(`{"auth":true,"token":"T"}`+"\n", got))
	s := connect(t, ep, DefaultConfig())

	res, err := s.Authenticate("abc123")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if !res.Authenticated || res.Token != "T" {
		t.Errorf("expected authenticated with token T, got %+v", res)
	}
	if s.State() != StateAuthenticated {
		t.Errorf("expected state authenticated, got %s", s.State())
	}
	if s.Token() != "T" || s.SessionID() != "abc123" {
		t.Errorf("expected token T and sid abc123, got %q and %q", s.Token(), s.SessionID())
	}

	line := <-got
	if string(line) != `{"opt":5,"sid":"abc123"}`+"\n" {
		t.Errorf("unexpected auth request %q", line)
	}
}

func TestAuthenticate_Rejected(t *testing.T) {
	got := make(chan []byte, 1)
	ep := startServer(t, replyOnce(`{"auth":false}`+"\n", got))
	s := connect(t, ep, DefaultConfig())

	res, err := s.Authenticate("abc123")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if res.Authenticated {
		t.Error("expected unauthenticated result")
	}

	if err := s.SendCommand(protocol.Macro{Name: "x"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
	if _, err := s.Authenticate("abc123"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second authenticate, got %v", err)
	}
	if _, err := s.CheckStatus(protocol.ClientVersion); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on status after rejection, got %v", err)
	}
}

func TestAuthenticate_FalsyAuthVariants(t *testing.T) {
	replies := []string{`{}`, `{"auth":null}`, `{"auth":0}`, `{"auth":{}}`, `{"auth":[]}`, `{"opt":5,"auth":false,"token":"ignored"}`}

	for _, reply := range replies {
		got := make(chan []byte, 1)
		ep := startServer(t, replyOnce(reply+"\n", got))
		s := connect(t, ep, DefaultConfig())

		res, err := s.Authenticate("sid")
		if err != nil {
			t.Errorf("reply %s: Authenticate() error = %v", reply, err)
			continue
		}
		if res.Authenticated || s.Token() != "" {
			t.Errorf("reply %s: expected rejection, got %+v", reply, res)
		}
	}
}

func TestAuthenticate_MalformedResponse(t *testing.T) {
	got := make(chan []byte, 1)
	ep := startServer(t, replyOnce("not json\n", got))
	s := connect(t, ep, DefaultConfig())

	_, err := s.Authenticate("abc123")
	if !IsMalformedResponse(err) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}

	var malformed *MalformedResponseError
	errors.As(err, &malformed)
	if string(malformed.Raw) != "not json" {
		t.Errorf("expected raw bytes to be retained, got %q", malformed.Raw)
	}
	if s.State() != StateClosed {
		t.Errorf("expected state closed, got %s", s.State())
	}
}

func TestAuthenticate_PeerClosesMidLine(t *testing.T) {
	ep := startServer(t, func(conn net.Conn) {
		bufio.NewReader(conn).ReadBytes('\n')
		conn.Write([]byte(`{"auth":tr`))
	})
	s := connect(t, ep, DefaultConfig())

	_, err := s.Authenticate("abc123")
	if !IsMalformedResponse(err) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
	if !errors.Is(err, protocol.ErrIncompleteLine) {
		t.Errorf("expected ErrIncompleteLine, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected state closed, got %s", s.State())
	}
}

func TestAuthenticate_PeerClosesWithoutReply(t *testing.T) {
	ep := startServer(t, func(conn net.Conn) {
		bufio.NewReader(conn).ReadBytes('\n')
	})
	s := connect(t, ep, DefaultConfig())

	if _, err := s.Authenticate("abc123"); !IsMalformedResponse(err) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
}

func TestAuthenticate_GrantedWithoutToken(t *testing.T) {
	got := make(chan []byte, 1)
	ep := startServer(t, replyOnce(`{"auth":true}`+"\n", got))
	s := connect(t, ep, DefaultConfig())

	_, err := s.Authenticate("abc123")
	if !IsProtocolError(err) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}

	var perr *ProtocolError
	errors.As(err, &perr)
	if string(perr.Response) != `{"auth":true}` {
		t.Errorf("expected offending response to be retained, got %q", perr.Response)
	}
	if s.State() != StateClosed {
		t.Errorf("expected state closed, got %s", s.State())
	}
}

func TestAuthenticate_SchemaViolations(t *testing.T) {
	replies := []string{`[1,2]`, `"granted"`, `null`, `{"auth":true,"token":42}`}

	for _, reply := range replies {
		got := make(chan []byte, 1)
		ep := startServer(t, replyOnce(reply+"\n", got))
		s := connect(t, ep, DefaultConfig())

		if _, err := s.Authenticate("sid"); !IsProtocolError(err) {
			t.Errorf("reply %s: expected ProtocolError, got %v", reply, err)
		}
		if s.State() != StateClosed {
			t.Errorf("reply %s: expected state closed, got %s", reply, s.State())
		}
	}
}

func TestAuthenticate_ReadTimeout(t *testing.T) {
	ep := startServer(t, func(conn net.Conn) { io.Copy(io.Discard, conn) })
	s := connect(t, ep, Config{ReadTimeout: 50 * time.Millisecond})

	_, err := s.Authenticate("abc123")
	if !IsIOError(err) {
		t.Fatalf("expected IOError, got %v", err)
	}

	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("expected a timeout, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected state closed, got %s", s.State())
	}
}

func TestAuthenticate_AfterClose(t *testing.T) {
	ep := startServer(t, func(conn net.Conn) { io.Copy(io.Discard, conn) })
	s := connect(t, ep, DefaultConfig())
	s.Close()

	if _, err := s.Authenticate("abc123"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestAuthenticate_ZeroSession(t *testing.T) {
	var s Session

	if s.State() != StateDisconnected {
		t.Errorf("expected state disconnected, got %s", s.State())
	}
	if _, err := s.Authenticate("abc123"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestAuthenticate_SendsExactlyOneLine(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sid := rapid.String().Draw(t, "sid")

		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		type observed struct {
			line     []byte
			buffered int
		}
		seen := make(chan observed, 1)
		go func() {
			r := bufio.NewReader(server)
			line, err := r.ReadBytes('\n')
			if err != nil {
				close(seen)
				return
			}
			seen <- observed{line: line, buffered: r.Buffered()}
			server.Write([]byte(`{"auth":false}` + "\n"))
		}()

		s := New(client, Config{})
		if _, err := s.Authenticate(sid); err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}

		obs, ok := <-seen
		if !ok {
			t.Fatal("server did not receive a line")
		}
		if obs.buffered != 0 {
			t.Fatalf("expected nothing after the first line, %d bytes buffered", obs.buffered)
		}

		var req protocol.AuthRequest
		if err := json.Unmarshal(obs.line, &req); err != nil {
			t.Fatalf("request is not valid JSON: %v", err)
		}
		if req.Opt != protocol.OptAuth {
			t.Fatalf("expected opt %d, got %d", protocol.OptAuth, req.Opt)
		}

		want, _ := protocol.Marshal(protocol.AuthRequest{Opt: protocol.OptAuth, Sid: sid})
		if string(obs.line) != string(want) {
			t.Fatalf("expected %q, got %q", want, obs.line)
		}
	})
}

// authenticatedPipe returns a session authenticated with token over net.Pipe and
// a reader for the server side.
func authenticatedPipe(t *testing.T, token string) (*Session, net.Conn, *bufio.Reader) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	r := bufio.NewReader(server)
	go func() {
		if _, err := r.ReadBytes('\n'); err != nil {
			return
		}
		server.Write([]byte(`{"opt":5,"auth":true,"token":"` + token + `"}` + "\n"))
	}()

	s := New(client, Config{})
	if _, err := s.Authenticate("abc123"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	return s, server, r
}

func readLine(t *testing.T, r *bufio.Reader) <-chan string {
	t.Helper()
	ch := make(chan string, 1)
	go func() {
		line, _ := r.ReadString('\n')
		ch <- line
	}()
	return ch
}

func TestSendCommand_EndToEnd(t *testing.T) {
	got := make(chan []byte, 1)
	lines := make(chan string, 1)
	ep := startServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		got <- line
		conn.Write([]byte(`{"auth":true,"token":"xyz"}` + "\n"))
		cmd, _ := r.ReadString('\n')
		lines <- cmd
	})

	s := connect(t, ep, DefaultConfig())
	res, err := s.Authenticate("abc123")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if res.Token != "xyz" {
		t.Fatalf("expected token xyz, got %q", res.Token)
	}

	if err := s.SendCommand(protocol.Macro{Name: "飞鹰机枪", Steps: []int{1, 4, 4}}); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}

	want := `{"opt":1,"token":"xyz","macro":{"name":"飞鹰机枪","steps":[1,4,4]}}` + "\n"
	select {
	case line := <-lines:
		if line != want {
			t.Errorf("expected %s, got %s", want, line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for command line")
	}
}

func TestSendCommand_PayloadVerbatim(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.String().Draw(t, "name")
		steps := rapid.SliceOf(rapid.IntRange(0, 9)).Draw(t, "steps")
		token := rapid.StringMatching(`[a-z0-9]{1,24}`).Draw(t, "token")

		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		r := bufio.NewReader(server)
		lines := make(chan []byte, 1)
		go func() {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
			server.Write([]byte(`{"auth":true,"token":"` + token + `"}` + "\n"))
			line, _ := r.ReadBytes('\n')
			lines <- line
		}()

		s := New(client, Config{})
		if _, err := s.Authenticate("sid"); err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if err := s.SendCommand(protocol.Macro{Name: name, Steps: steps}); err != nil {
			t.Fatalf("SendCommand() error = %v", err)
		}

		line := <-lines
		if len(line) == 0 || line[len(line)-1] != '\n' {
			t.Fatalf("expected newline-terminated line, got %q", line)
		}

		var req struct {
			Opt   int            `json:"opt"`
			Token string         `json:"token"`
			Macro protocol.Macro `json:"macro"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			t.Fatalf("command is not valid JSON: %v", err)
		}
		if req.Opt != protocol.OptCommand || req.Token != token {
			t.Fatalf("expected opt 1 and token %q, got %d and %q", token, req.Opt, req.Token)
		}

		wantMacro, _ := json.Marshal(protocol.Macro{Name: name, Steps: steps})
		gotMacro, _ := json.Marshal(req.Macro)
		if string(wantMacro) != string(gotMacro) {
			t.Fatalf("expected macro %s, got %s", wantMacro, gotMacro)
		}
	})
}

func TestSendCommand_NotAuthenticatedNoNetwork(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := &recordingConn{Conn: client}

	s := New(conn, Config{})
	defer s.Close()

	if err := s.SendCommand(protocol.Macro{Name: "x"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
	if err := s.UpdateConfig(map[string]int{"port": 1}); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
	if conn.Writes() != 0 {
		t.Errorf("expected no writes, got %d", conn.Writes())
	}
}

func TestSendCommand_AfterClose(t *testing.T) {
	s, _, _ := authenticatedPipe(t, "tok")
	s.Close()

	if err := s.SendCommand(protocol.Macro{Name: "x"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSendCommand_WriteFailure(t *testing.T) {
	s, server, _ := authenticatedPipe(t, "tok")
	server.Close()

	err := s.SendCommand(protocol.Macro{Name: "x"})
	if !IsIOError(err) {
		t.Fatalf("expected IOError, got %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected state closed, got %s", s.State())
	}
}

func TestSendCommand_UnencodablePayload(t *testing.T) {
	s, _, _ := authenticatedPipe(t, "tok")

	err := s.SendCommand(func() {})
	if err == nil {
		t.Fatal("expected an encode error")
	}
	if IsIOError(err) {
		t.Errorf("expected encode error, not IOError: %v", err)
	}
	if s.State() != StateAuthenticated {
		t.Errorf("expected session to stay authenticated, got %s", s.State())
	}
}

func TestUpdateConfig_WireForm(t *testing.T) {
	s, _, r := authenticatedPipe(t, "tok")
	line := readLine(t, r)

	if err := s.UpdateConfig(map[string]int{"port": 8081}); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	want := `{"opt":4,"token":"tok","config":{"port":8081}}` + "\n"
	if got := <-line; got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		reply   string
		want    ServerStatus
		wantErr bool
	}{
		{`{"opt":0,"status":0}`, StatusReady, false},
		{`{"opt":0,"status":1}`, StatusVersionMismatch, false},
		{`{"opt":0,"status":2}`, StatusAuthRequired, false},
		{`{"status":0}`, StatusReady, false},
		{`{"opt":5,"status":0}`, 0, true},
		{`{"opt":0,"status":7}`, 0, true},
		{`{"opt":0,"status":"ok"}`, 0, true},
	}

	for _, tt := range tests {
		got := make(chan []byte, 1)
		ep := startServer(t, replyOnce(tt.reply+"\n", got))
		s := connect(t, ep, DefaultConfig())

		status, err := s.CheckStatus("0.5.0")
		if tt.wantErr {
			if !IsProtocolError(err) {
				t.Errorf("reply %s: expected ProtocolError, got %v", tt.reply, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("reply %s: CheckStatus() error = %v", tt.reply, err)
			continue
		}
		if status != tt.want {
			t.Errorf("reply %s: expected %s, got %s", tt.reply, tt.want, status)
		}
		if line := <-got; string(line) != `{"opt":0,"ver":"0.5.0"}`+"\n" {
			t.Errorf("unexpected status request %q", line)
		}
		if s.State() != StateConnected {
			t.Errorf("expected state connected, got %s", s.State())
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	ep := startServer(t, func(conn net.Conn) { io.Copy(io.Discard, conn) })
	s, err := Connect(context.Background(), ep, DefaultConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("expected state closed, got %s", s.State())
	}
}

func TestClose_ZeroSession(t *testing.T) {
	var s Session
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateDisconnected:  "disconnected",
		StateConnected:     "connected",
		StateAuthenticated: "authenticated",
		StateClosed:        "closed",
		State(42):          "unknown",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(state), state.String(), want)
		}
	}
}
