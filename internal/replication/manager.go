// Package replication propagates lexicon additions between worker nodes.
//
// Delivery is best effort: each broadcast opens one short connection per
// peer, writes a single JSON SyncMessage and closes. Nothing is retried or
// acknowledged, and unreachable peers are skipped after the dial timeout.
//
// Ordering is kept on both ends. A sender finishes writing broadcast n to
// every peer before it starts broadcast n+1, and a receiver applies sync
// connections one at a time in accept order. Receivers apply a message only
// when its (epoch, version) is newer than the last one applied from the same
// origin, so replays and duplicates are harmless and a restarted origin,
// which starts a new epoch, is accepted at once.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/spellnet/internal/cluster"
)

const (
	DefaultDialTimeout    = 2 * time.Second
	DefaultAcceptPoll     = time.Second
	DefaultReadTimeout    = 5 * time.Second
	DefaultMaxMessageSize = 1 << 20
)

// Lexicon is the word store updates are applied to. Add must match words
// exactly and return only the words it actually added.
type Lexicon interface {
	Add(words []string) ([]string, error)
}

// Config holds sync manager settings. Zero values take the defaults.
type Config struct {
	// NodeID names this node as the origin of its broadcasts.
	NodeID string

	// ListenAddr is the sync listener address, e.g. ":8530".
	ListenAddr string

	// Epoch identifies this process incarnation. Zero means the start time
	// in nanoseconds, which grows across restarts of the same NodeID.
	Epoch int64

	DialTimeout    time.Duration
	AcceptPoll     time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// Status is a point-in-time view of the manager.
type Status struct {
	Applied map[string]int64 `json:"applied"`
	NodeID  string           `json:"node_id"`
	Epoch   int64            `json:"epoch"`
	Version int64            `json:"version"`
	Peers   int              `json:"peers"`
	Running bool             `json:"running"`
}

// mark is the newest (epoch, version) applied from one origin.
type mark struct {
	epoch   int64
	version int64
}

func (m mark) newer(epoch, version int64) bool {
	if epoch != m.epoch {
		return epoch > m.epoch
	}
	return version > m.version
}

// Manager replicates local lexicon additions to peers and applies theirs.
//
// Outgoing side:
//   - BroadcastUpdate stamps each batch with the next version of this
//     incarnation and sends it to every peer concurrently
//   - Broadcasts are serialized end to end by broadcastMu
//
// Incoming side:
//   - One accept loop reads and applies each connection inline
//   - ReceiveUpdate gates on the per-origin (epoch, version) mark
//
// Thread-safe: all methods may be called concurrently.
type Manager struct {
	// cfg is immutable after NewManager.
	cfg Config

	// lexicon receives words from peers.
	lexicon Lexicon

	// onApplied runs after a peer update added words. Protected by mu.
	onApplied func(origin string, words []string)

	// mu protects version, applied, peers and the listener state.
	mu       sync.Mutex
	version  int64           // Outgoing broadcast counter within cfg.Epoch
	applied  map[string]mark // Newest mark applied per origin node
	peers    []cluster.PeerInfo
	listener net.Listener
	running  bool
	stop     chan struct{}

	// broadcastMu is held from the version bump until every peer send of
	// that version has finished.
	broadcastMu sync.Mutex

	// applyMu serializes mark check, apply and advance.
	applyMu sync.Mutex

	wg sync.WaitGroup
}

// NewManager creates a manager that applies peer updates to lex.
//
// The manager starts with no peers and no listener. Register peers with
// AddPeer and call Start to accept updates.
//
// Parameters:
//   - cfg: Node id, listen address and timeouts (zero values take defaults)
//   - lex: Store that peer words are added to
//
// Returns:
//   - A stopped Manager ready for AddPeer and Start
//
// Example:
//
//	sync := replication.NewManager(replication.Config{
//	    NodeID:     "server_7530",
//	    ListenAddr: ":8530",
//	}, store)
//	sync.AddPeer(cluster.PeerInfo{Host: "localhost", Port: 8531})
//	if err := sync.Start(); err != nil {
//	    log.Fatal(err)
//	}
func NewManager(cfg Config, lex Lexicon) *Manager {
	if cfg.Epoch == 0 {
		cfg.Epoch = time.Now().UnixNano()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.AcceptPoll <= 0 {
		cfg.AcceptPoll = DefaultAcceptPoll
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Manager{
		cfg:     cfg,
		lexicon: lex,
		applied: make(map[string]mark),
	}
}

// SetOnApplied sets a callback run after a peer update added words.
func (m *Manager) SetOnApplied(fn func(origin string, words []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onApplied = fn
}

// AddPeer registers a peer sync address. It reports false if the peer was
// already known.
func (m *Manager) AddPeer(p cluster.PeerInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.peers, p) {
		return false
	}
	m.peers = append(m.peers, p)
	log.Printf("[SYNC] added peer %s", p.Addr())
	return true
}

// BroadcastUpdate sends words to every registered peer under the next
// version of this incarnation.
//
// Behavior:
//   - An empty word list sends nothing and leaves the version unchanged
//   - Peers are contacted concurrently; one unreachable peer costs at most
//     the dial timeout and does not affect the others
//   - Concurrent callers are serialized, so a peer always receives version n
//     before version n+1
//
// Parameters:
//   - ctx: Bounds every dial and write
//   - words: Words that were just added locally
//
// Returns:
//   - The number of peers the message was written to
func (m *Manager) BroadcastUpdate(ctx context.Context, words []string) int {
	if len(words) == 0 {
		return 0
	}

	m.broadcastMu.Lock()
	defer m.broadcastMu.Unlock()

	m.mu.Lock()
	m.version++
	msg := cluster.SyncMessage{
		Type:    cluster.SyncTypeLexiconUpdate,
		From:    m.cfg.NodeID,
		Epoch:   m.cfg.Epoch,
		Version: m.version,
		Words:   slices.Clone(words),
	}
	peers := slices.Clone(m.peers)
	m.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[SYNC] encode update: %v", err)
		return 0
	}

	log.Printf("[SYNC] broadcasting %d new words (v%d) to %d peers", len(words), msg.Version, len(peers))

	var (
		wg        sync.WaitGroup
		deliverMu sync.Mutex
		delivered int
	)
	for _, p := range peers {
		wg.Add(1)
		go func(p cluster.PeerInfo) {
			defer wg.Done()
			if err := m.send(ctx, p, payload); err != nil {
				log.Printf("[SYNC] failed to send to %s: %v", p.Addr(), err)
				return
			}
			deliverMu.Lock()
			delivered++
			deliverMu.Unlock()
		}(p)
	}
	wg.Wait()
	return delivered
}

func (m *Manager) send(ctx context.Context, p cluster.PeerInfo, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.DialTimeout))
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// ReceiveUpdate applies msg when its (epoch, version) is newer than the
// last one applied from msg.From. Words are added exactly as transmitted.
// It reports whether the lexicon changed.
func (m *Manager) ReceiveUpdate(msg cluster.SyncMessage) (bool, error) {
	if msg.From == m.cfg.NodeID {
		return false, nil
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	last := m.applied[msg.From]
	m.mu.Unlock()
	if !last.newer(msg.Epoch, msg.Version) {
		log.Printf("[SYNC] ignoring update v%d from %s (already at v%d)", msg.Version, msg.From, last.version)
		return false, nil
	}
	if msg.Epoch != last.epoch && last != (mark{}) {
		log.Printf("[SYNC] %s restarted, accepting its new sequence", msg.From)
	}

	added, err := m.lexicon.Add(msg.Words)
	if err != nil {
		return false, fmt.Errorf("apply update from %s: %w", msg.From, err)
	}

	m.mu.Lock()
	m.applied[msg.From] = mark{epoch: msg.Epoch, version: msg.Version}
	onApplied := m.onApplied
	m.mu.Unlock()

	if len(added) == 0 {
		return false, nil
	}
	log.Printf("[SYNC] received and added %d new words from %s: %s", len(added), msg.From, preview(added))
	if onApplied != nil {
		onApplied(msg.From, added)
	}
	return true, nil
}

func preview(words []string) string {
	if len(words) <= 5 {
		return fmt.Sprint(words)
	}
	return fmt.Sprint(words[:5]) + "..."
}

// Start binds the sync listener and serves it in the background. A bind
// failure is returned.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("sync listen %s: %w", m.cfg.ListenAddr, err)
	}
	m.listener = ln
	m.running = true
	m.stop = make(chan struct{})

	m.wg.Add(1)
	go m.acceptLoop(ln, m.stop)

	log.Printf("[SYNC] %s listening for sync updates on %s", m.cfg.NodeID, ln.Addr())
	return nil
}

// Addr returns the bound sync address, or nil when not running.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Stop closes the listener and waits for the message being applied.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	_ = m.listener.Close()
	m.mu.Unlock()

	m.wg.Wait()
	log.Printf("[SYNC] sync manager stopped for %s", m.cfg.NodeID)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// acceptLoop handles connections one at a time in accept order, so updates
// from one origin are applied in the order they were sent.
func (m *Manager) acceptLoop(ln net.Listener, stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		// Poll so a stop signal is observed promptly.
		if d, ok := ln.(deadliner); ok {
			_ = d.SetDeadline(time.Now().Add(m.cfg.AcceptPoll))
		}
		conn, err := ln.Accept()
		select {
		case <-stop:
			if conn != nil {
				conn.Close()
			}
			return
		default:
		}
		if err != nil {
			if cluster.IsTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[SYNC] error in listener: %v", err)
			continue
		}
		m.handleConn(conn)
	}
}

// handleConn reads exactly one message, applies it and closes the connection.
func (m *Manager) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))

	var msg cluster.SyncMessage
	dec := json.NewDecoder(io.LimitReader(conn, m.cfg.MaxMessageSize))
	if err := dec.Decode(&msg); err != nil {
		if !errors.Is(err, io.EOF) {
			log.Printf("[SYNC] dropping malformed message from %v: %v", conn.RemoteAddr(), err)
		}
		return
	}
	if msg.Type != cluster.SyncTypeLexiconUpdate {
		log.Printf("[SYNC] dropping message of unknown type %q from %s", msg.Type, msg.From)
		return
	}
	if _, err := m.ReceiveUpdate(msg); err != nil {
		log.Printf("[SYNC] error processing update: %v", err)
	}
}

// Status reports the node id, epoch, outgoing version, the version applied
// per origin, peer count and run state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied := make(map[string]int64, len(m.applied))
	for origin, mk := range m.applied {
		applied[origin] = mk.version
	}
	return Status{
		NodeID:  m.cfg.NodeID,
		Epoch:   m.cfg.Epoch,
		Version: m.version,
		Peers:   len(m.peers),
		Running: m.running,
		Applied: applied,
	}
}
