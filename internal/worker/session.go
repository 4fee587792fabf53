package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/spellnet/internal/cluster"
)

// SessionState is the protocol state of one client connection.
type SessionState int

const (
	StateAwaitingHandshake SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// Session runs the control protocol for one client connection:
// AwaitingHandshake, then Active, then Closed. Closed is terminal and may be
// entered from any state.
type Session struct {
	node   *Node
	conn   net.Conn
	reader *cluster.FrameReader
	id     uint64

	writeMu sync.Mutex // Replies and server-initiated polls share the socket

	mu       sync.Mutex
	state    SessionState
	username string

	closeOnce sync.Once
}

func newSession(node *Node, id uint64, conn net.Conn) *Session {
	return &Session{
		node:   node,
		conn:   conn,
		reader: cluster.NewFrameReader(conn),
		id:     id,
		state:  StateAwaitingHandshake,
	}
}

// State returns the current protocol state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the registered username, empty before the handshake.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Serve runs the session to completion. The connection is always closed
// and the registries purged on return. Canceling ctx closes the session.
func (s *Session) Serve(ctx context.Context) {
	defer s.Close()
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	if !s.handshake() {
		return
	}
	for {
		frame, err := s.readFrame(s.node.cfg.ReadTimeout)
		if err != nil {
			s.logReadEnd(err)
			return
		}
		if !s.dispatch(ctx, frame) {
			return
		}
	}
}

// handshake reads the first frame and reports whether the session is Active.
func (s *Session) handshake() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.node.cfg.HandshakeTimeout))
	first, err := s.reader.ReadFrame()
	_ = s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Printf("[ERROR] handshake from %v failed: %v", s.conn.RemoteAddr(), err)
		}
		return false
	}

	if first == cluster.TokenHeartbeat {
		_ = s.send(cluster.TokenAlive)
		return false
	}

	username := strings.TrimSpace(first)
	if username == "" {
		log.Printf("[ERROR] empty username from %v, closing", s.conn.RemoteAddr())
		return false
	}

	if !s.node.usernames.Register(username) {
		log.Printf("[COLLISION] username %q already exists, rejecting connection", username)
		_ = s.send(cluster.TokenExists)
		return false
	}

	// Accept goes out before the session is visible to the poller, so the
	// client always sees it first.
	if err := s.send(cluster.TokenAccept); err != nil {
		log.Printf("[ERROR] could not accept %s: %v", username, err)
		s.node.usernames.Unregister(username)
		return false
	}

	// Close may have run during the handshake; it only purges Active
	// sessions, so the name is released here instead.
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		s.node.usernames.Unregister(username)
		return false
	}
	s.username = username
	s.state = StateActive
	s.node.clients.Add(s)
	s.mu.Unlock()
	s.node.clientsServed.Add(1)
	log.Printf("[CONNECTED] %s connected from %v to %s", username, s.conn.RemoteAddr(), s.node.cfg.NodeID)
	return true
}

// readFrame waits for the next frame, treating read timeouts as idle time.
func (s *Session) readFrame(timeout time.Duration) (string, error) {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		frame, err := s.reader.ReadFrame()
		if err == nil {
			return frame, nil
		}
		if cluster.IsTimeout(err) {
			continue
		}
		return "", err
	}
}

func (s *Session) logReadEnd(err error) {
	name := s.Username()
	switch {
	case errors.Is(err, io.EOF):
		log.Printf("[DISCONNECT] %s connection closed", name)
	case errors.Is(err, net.ErrClosed):
	default:
		log.Printf("[ERROR] error handling %s: %v", name, err)
	}
}

// dispatch handles one Active-state frame and reports whether to continue.
func (s *Session) dispatch(ctx context.Context, frame string) bool {
	switch {
	case frame == cluster.TokenDisconnect:
		log.Printf("[DISCONNECT] %s requested disconnect", s.Username())
		return false

	case frame == cluster.TokenLexiconPoll:
		return true

	case strings.HasPrefix(frame, cluster.PrefixLexiconResponse):
		return s.handleLexiconResponse(ctx, strings.TrimPrefix(frame, cluster.PrefixLexiconResponse))

	case strings.HasPrefix(frame, cluster.PrefixSubmit):
		return s.handleSubmit(strings.TrimPrefix(frame, cluster.PrefixSubmit))
	}

	log.Printf("[PROTOCOL] ignoring unrecognized frame from %s (%d bytes)", s.Username(), len(frame))
	return true
}

func (s *Session) handleLexiconResponse(ctx context.Context, payload string) bool {
	name := s.Username()
	if payload == "" || payload == cluster.TokenNoWords {
		return s.send(cluster.TokenNoNewWords) == nil
	}

	added, err := s.node.AddWords(ctx, parseWordList(payload))
	if err != nil {
		log.Printf("[ERROR] lexicon update from %s: %v", name, err)
	}
	if len(added) == 0 {
		return s.send(cluster.TokenNoNewWords) == nil
	}
	log.Printf("[LEXICON UPDATE] added %d new words from %s", len(added), name)
	return s.send(cluster.TokenPollSuccess) == nil
}

func (s *Session) handleSubmit(filename string) bool {
	name := s.Username()
	log.Printf("[FILE] %s uploaded by %s", filename, name)

	text, err := s.readFrame(s.node.cfg.ReadTimeout)
	if err != nil {
		s.logReadEnd(err)
		return false
	}
	checked := s.node.Check(text)
	return s.send(cluster.PrefixChecked+checked) == nil
}

// send writes one frame, serialized with other writers on this session.
func (s *Session) send(payload string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.node.cfg.WriteTimeout))
	return cluster.WriteFrame(s.conn, payload)
}

// Close moves the session to Closed, releasing its username and registry
// entry and closing the socket. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		name := s.username
		wasActive := s.state == StateActive
		s.state = StateClosed
		s.mu.Unlock()

		if wasActive {
			s.node.usernames.Unregister(name)
			s.node.clients.Remove(s.id)
			log.Printf("[CLEANUP] removed %s from %s", name, s.node.cfg.NodeID)
		}
		_ = s.conn.Close()
	})
}
