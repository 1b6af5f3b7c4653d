// Package session binds one connected web socket client to one child
// process running in a PTY, for the lifetime of the connection.
package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/Xiaohua-Shen/ttyd/internal/config"
	"github.com/Xiaohua-Shen/ttyd/internal/protocol"
	"github.com/Xiaohua-Shen/ttyd/internal/pty"
)

const inboundReadLimit = 32768

// Phase is the session lifecycle state.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseHandshaking
	PhaseAwaitingAuth
	PhaseRunning
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseAwaitingAuth:
		return "awaiting-auth"
	case PhaseRunning:
		return "running"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session is the per-client state machine. The goroutine running Run
// (the socket task) owns every field except phase, which the PTY pump
// goroutine reads, and the teardown guarded by closeOnce, which either
// side may trigger first.
type Session struct {
	id     string
	conn   *websocket.Conn
	policy *config.Config
	reg    *Registry
	logger *slog.Logger

	remoteAddr string
	remoteHost string

	phase         atomic.Int32
	authenticated bool
	initialIndex  int
	child         *pty.Channel
	rows, cols    uint16

	// inbound accumulates transport fragments until a logical frame
	// is complete.
	inbound bytes.Buffer

	closeOnce sync.Once
}

// New constructs a Session for an accepted connection and records the
// peer identity. The returned session is already in the handshaking
// phase; the caller registers it and calls Run.
func New(conn *websocket.Conn, policy *config.Config, reg *Registry, remoteAddr string) *Session {
	s := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		policy:     policy,
		reg:        reg,
		remoteAddr: remoteAddr,
		remoteHost: resolvePeer(remoteAddr),
	}
	s.logger = slog.With("session", s.id, "peer", s.remoteAddr, "host", s.remoteHost)
	s.phase.Store(int32(PhaseHandshaking))
	conn.SetReadLimit(inboundReadLimit)
	return s
}

// resolvePeer reverse-resolves the peer address. Best effort, for
// logs only.
func resolvePeer(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if names, err := net.LookupAddr(host); err == nil && len(names) > 0 {
		return names[0]
	}
	return host
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Run drives the session until either side closes: it emits the
// initial message sequence, gates on authentication, then dispatches
// inbound frames. It blocks until the session is torn down.
func (s *Session) Run(ctx context.Context) {
	s.logger.Info("session established", "clients", s.reg.Count())

	if err := s.sendInitialMessages(ctx); err != nil {
		s.logger.Error("send initial message", "error", err)
		s.destroy(websocket.StatusInternalError, "")
		return
	}
	s.phase.Store(int32(PhaseAwaitingAuth))

	for {
		data, err := s.readFrame(ctx)
		if err != nil {
			// Peer went away, or our own teardown closed the socket.
			s.logger.Info("socket closed", "status", websocket.CloseStatus(err))
			s.destroy(websocket.StatusNormalClosure, "")
			return
		}
		if !s.handleFrame(ctx, data) {
			return
		}
	}
}

// initialMessages is the fixed sequence sent to every client before
// any output: window title, reconnect hint, preferences.
func (s *Session) initialMessages() [][]byte {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	title := fmt.Sprintf("%s (%s)", s.policy.Command, hostname)
	return [][]byte{
		protocol.Encode(protocol.SetWindowTitle, []byte(title)),
		protocol.Encode(protocol.SetReconnect, []byte(strconv.Itoa(s.policy.Reconnect))),
		protocol.Encode(protocol.SetPreferences, []byte(s.policy.Prefs)),
	}
}

func (s *Session) sendInitialMessages(ctx context.Context) error {
	msgs := s.initialMessages()
	for s.initialIndex < len(msgs) {
		if err := s.conn.Write(ctx, websocket.MessageBinary, msgs[s.initialIndex]); err != nil {
			return err
		}
		s.initialIndex++
	}
	return nil
}

// readFrame assembles the next logical frame. The transport hands out
// one reader per message whose fragments are drained into the inbound
// buffer before any parsing happens.
func (s *Session) readFrame(ctx context.Context) ([]byte, error) {
	_, r, err := s.conn.Reader(ctx)
	if err != nil {
		return nil, err
	}
	s.inbound.Reset()
	if _, err := s.inbound.ReadFrom(r); err != nil {
		return nil, err
	}
	data := make([]byte, s.inbound.Len())
	copy(data, s.inbound.Bytes())
	return data, nil
}

// handleFrame dispatches one inbound frame. It returns false when the
// session has been torn down and the read loop must stop.
func (s *Session) handleFrame(ctx context.Context, data []byte) bool {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("discarding empty frame")
		return true
	}

	if s.policy.Credential != "" && !s.authenticated && frame.Type != protocol.JSONData {
		s.logger.Warn("client not authenticated", "type", string(frame.Type))
		s.destroy(websocket.StatusPolicyViolation, "")
		return false
	}

	switch frame.Type {
	case protocol.Input:
		if s.child == nil {
			return true
		}
		if s.policy.Readonly {
			return true
		}
		if _, err := s.child.Write(frame.Payload); err != nil {
			s.logger.Error("write input to pty", "error", err)
			s.destroy(websocket.StatusInternalError, "")
			return false
		}

	case protocol.ResizeTerminal:
		size, err := protocol.ParseWindowSize(frame.Payload)
		if err != nil {
			s.logger.Warn("ignoring malformed resize", "error", err)
			return true
		}
		s.rows, s.cols = size.Rows, size.Columns
		if s.child != nil {
			if err := s.child.Resize(size.Rows, size.Columns); err != nil {
				s.logger.Error("resize pty", "error", err)
			}
		}

	case protocol.JSONData:
		return s.handleJSONData(ctx, frame.Payload)

	default:
		s.logger.Warn("ignored unknown message type", "type", string(frame.Type))
	}
	return true
}

// handleJSONData authenticates the client if a credential is
// configured, then spawns the child. Repeated frames after the child
// exists are ignored.
func (s *Session) handleJSONData(ctx context.Context, payload []byte) bool {
	if s.child != nil {
		return true
	}

	if s.policy.Credential != "" {
		token, err := protocol.ParseAuthToken(payload)
		if err != nil || token != s.policy.Credential {
			s.logger.Warn("authentication failed", "token", token)
			s.destroy(websocket.StatusPolicyViolation, "")
			return false
		}
		s.authenticated = true
	}

	child, err := pty.Open(s.policy.Argv, nil, s.rows, s.cols)
	if err != nil {
		s.logger.Error("spawn child", "error", err)
		s.destroy(websocket.StatusInternalError, "")
		return false
	}
	s.child = child
	s.phase.Store(int32(PhaseRunning))
	s.logger.Info("started process", "pid", child.Pid())

	go s.pumpOutput(ctx)
	return true
}

// pumpOutput is the socket-writer side of the back-pressure slot:
// receiving a chunk releases the PTY reader, which may then read one
// more chunk while this one is written to the socket; it cannot hand
// that chunk over until the write finished and the loop receives
// again.
func (s *Session) pumpOutput(ctx context.Context) {
	for chunk := range s.child.Output() {
		if len(chunk) == 0 {
			continue
		}
		if err := s.conn.Write(ctx, websocket.MessageBinary, protocol.Encode(protocol.Output, chunk)); err != nil {
			s.logger.Error("write output to socket", "error", err)
			s.destroy(websocket.StatusInternalError, "")
			return
		}
	}

	if err := s.child.Err(); err != nil {
		s.logger.Error("pty read failed", "error", err)
		s.destroy(websocket.StatusInternalError, "")
		return
	}
	s.destroy(websocket.StatusNormalClosure, "")
}

// destroy tears the session down exactly once, whichever task gets
// here first: reap the child, close the socket with the given status,
// drop out of the registry.
func (s *Session) destroy(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.phase.Store(int32(PhaseClosing))
		if s.child != nil {
			s.child.Close(s.policy.SignalCode)
		}
		_ = s.conn.Close(code, reason)
		s.reg.Remove(s)
		s.logger.Info("session closed", "status", int(code), "clients", s.reg.Count())
	})
}
