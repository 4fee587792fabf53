package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/spellnet/internal/cache"
	"github.com/dreamware/spellnet/internal/cluster"
	"github.com/dreamware/spellnet/internal/lexicon"
	"github.com/dreamware/spellnet/internal/replication"
)

const (
	DefaultListenAddr        = ":7530"
	DefaultSyncPortOffset    = 1000
	DefaultPollInterval      = 5 * time.Second
	DefaultReconcileInterval = 2 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

// Config holds worker settings. Zero values take the defaults above.
type Config struct {
	NodeID            string
	ListenAddr        string
	SyncListenAddr    string // Defaults to the control port plus DefaultSyncPortOffset
	Peers             []cluster.PeerInfo
	CacheSize         int
	CacheTTL          time.Duration
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	ReadTimeout       time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.SyncListenAddr == "" {
		c.SyncListenAddr = SyncAddrFor(c.ListenAddr)
	}
	if c.NodeID == "" {
		_, port, _ := net.SplitHostPort(c.ListenAddr)
		c.NodeID = "server_" + port
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// SyncAddrFor returns the sync listener address paired with a control
// listener address: same host, port plus DefaultSyncPortOffset.
func SyncAddrFor(listenAddr string) string {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return ""
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		return net.JoinHostPort(host, "0")
	}
	return net.JoinHostPort(host, strconv.Itoa(port+DefaultSyncPortOffset))
}

// Stats is a worker's status document.
type Stats struct {
	Sync               replication.Status `json:"sync"`
	NodeID             string             `json:"node_id"`
	Cache              cache.Stats        `json:"cache"`
	UptimeSeconds      float64            `json:"uptime_seconds"`
	RequestsProcessed  uint64             `json:"requests_processed"`
	CacheHits          uint64             `json:"cache_hits"`
	TotalClientsServed uint64             `json:"total_clients_served"`
	ActiveClients      int                `json:"active_clients"`
	LexiconWords       int                `json:"lexicon_words"`
}

// Node is one spell-check worker: the control listener, its sessions, the
// lexicon, the result cache and the sync manager.
//
// Each node:
//   - Accepts client and health-check connections on one control port
//   - Answers checks from the cache or by annotating against the lexicon
//   - Polls active sessions for custom words on PollInterval
//   - Replicates locally added words to peers and applies theirs
//
// Cache coherence:
//   - Any lexicon change clears the whole cache
//   - A check never stores a result computed against an older lexicon
//
// Shutdown:
//   - Close cancels every session, including those still in the handshake
//   - The lexicon is saved only after the last session has finished
type Node struct {
	// cfg is the defaulted configuration. Immutable after NewNode.
	cfg Config

	// lexicon is the authoritative word set, shared with the sync manager.
	lexicon *lexicon.Store

	// cache maps checked text to its annotated result.
	cache *cache.Manager

	// sync broadcasts local additions and applies peer updates.
	sync *replication.Manager

	// usernames holds every name currently in use on this node.
	usernames *Usernames

	// clients holds Active sessions, which the poller iterates.
	clients *Clients

	started time.Time

	// cacheMu orders cache writes against invalidation: Check holds it
	// shared while computing and storing a result, invalidate holds it
	// exclusively while clearing.
	cacheMu sync.RWMutex

	// Counters reported by Stats.
	nextID            atomic.Uint64
	requestsProcessed atomic.Uint64
	cacheHits         atomic.Uint64
	clientsServed     atomic.Uint64

	// mu protects listener and cancel.
	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc

	// wg tracks the background loops and every session goroutine.
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNode creates a worker serving store. Nothing is bound until Start.
//
// The node starts with:
//   - An empty cache sized by cfg.CacheSize and cfg.CacheTTL
//   - A sync manager that knows cfg.Peers and clears the cache whenever a
//     peer update adds words
//   - Empty username and session registries
//
// Parameters:
//   - cfg: Worker settings (zero values take the package defaults)
//   - store: Opened lexicon; the node adds to it and saves it on Close
//
// Returns:
//   - A Node ready for Start
//
// Example:
//
//	store, err := lexicon.Open("lexicon.txt")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	node := worker.NewNode(worker.Config{ListenAddr: ":7530"}, store)
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
func NewNode(cfg Config, store *lexicon.Store) *Node {
	cfg.setDefaults()
	n := &Node{
		cfg:       cfg,
		lexicon:   store,
		cache:     cache.New(cfg.CacheSize, cfg.CacheTTL),
		usernames: NewUsernames(),
		clients:   NewClients(),
		started:   time.Now(),
	}
	n.sync = replication.NewManager(replication.Config{
		NodeID:     cfg.NodeID,
		ListenAddr: cfg.SyncListenAddr,
	}, store)
	for _, p := range cfg.Peers {
		n.sync.AddPeer(p)
	}
	n.sync.SetOnApplied(func(origin string, words []string) {
		n.invalidate(fmt.Sprintf("%d words from peer %s", len(words), origin))
	})
	return n
}

// ID returns the node id.
func (n *Node) ID() string { return n.cfg.NodeID }

// Sync exposes the node's sync manager.
func (n *Node) Sync() *replication.Manager { return n.sync }

// Cache exposes the node's result cache.
func (n *Node) Cache() *cache.Manager { return n.cache }

// Lexicon exposes the node's lexicon store.
func (n *Node) Lexicon() *lexicon.Store { return n.lexicon }

// Usernames exposes the node-wide username registry.
func (n *Node) Usernames() *Usernames { return n.usernames }

// Start binds the control and sync listeners and launches the accept loop,
// the lexicon poller and the lexicon reconciler. A bind failure on either
// listener is returned and nothing is left running.
func (n *Node) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.cfg.ListenAddr, err)
	}
	if err := n.sync.Start(); err != nil {
		ln.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.listener = ln
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.acceptLoop(ctx, ln)
	}()
	go func() {
		defer n.wg.Done()
		n.pollLoop(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.reconcileLoop(ctx)
	}()

	log.Printf("[LISTENING] %s listening on %s (sync %s, %d lexicon words)",
		n.cfg.NodeID, ln.Addr(), n.sync.Addr(), n.lexicon.Len())
	return nil
}

// Addr returns the bound control address, or nil before Start.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Close stops the listeners and background tasks, disconnects every
// session and saves the lexicon once no session can still add words.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		if n.cancel != nil {
			n.cancel()
		}
		if n.listener != nil {
			_ = n.listener.Close()
		}
		n.mu.Unlock()

		for _, s := range n.clients.Snapshot() {
			s.Close()
		}
		n.sync.Stop()
		n.wg.Wait()

		err = n.lexicon.Save()
		log.Printf("[SHUTDOWN] %s stopped", n.cfg.NodeID)
	})
	return err
}

func (n *Node) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[ERROR] accepting connection: %v", err)
			continue
		}
		s := newSession(n, n.nextID.Add(1), conn)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			s.Serve(ctx)
		}()
	}
}

// pollLoop asks every active session for its custom words.
func (n *Node) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range n.clients.Snapshot() {
				// A failed poll means the client is gone; its session cleans up.
				_ = s.send(cluster.TokenLexiconPoll)
			}
			log.Printf("[STATS] %s cache %s, active clients %d", n.cfg.NodeID, n.cache.Stats(), n.clients.Len())
		}
	}
}

// reconcileLoop adopts lexicon file changes made outside this process.
func (n *Node) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Reconcile(); err != nil {
				log.Printf("[ERROR] lexicon reconcile: %v", err)
			}
		}
	}
}

// Reconcile reloads the lexicon file and clears the cache if it changed.
func (n *Node) Reconcile() error {
	changed, err := n.lexicon.Reload()
	if err != nil {
		return err
	}
	if changed {
		n.invalidate(fmt.Sprintf("lexicon file changed, now %d words", n.lexicon.Len()))
	}
	return nil
}

// Check returns text with unknown words bracketed, served from the cache
// when the identical text was checked since the last lexicon change.
func (n *Node) Check(text string) string {
	n.cacheMu.RLock()
	defer n.cacheMu.RUnlock()

	if cached, ok := n.cache.Get(text); ok {
		n.cacheHits.Add(1)
		log.Printf("[CACHE HIT] %s", n.cache.Stats())
		return cached
	}
	result := Annotate(text, n.lexicon)
	n.cache.Put(text, result)
	n.requestsProcessed.Add(1)
	return result
}

// AddWords adds already normalized words to the lexicon. When anything is
// new the cache is cleared and exactly the new words are broadcast to peers.
func (n *Node) AddWords(ctx context.Context, words []string) ([]string, error) {
	added, err := n.lexicon.Add(words)
	if len(added) > 0 {
		n.invalidate(fmt.Sprintf("%d local words", len(added)))
		n.sync.BroadcastUpdate(ctx, added)
	}
	return added, err
}

func (n *Node) invalidate(reason string) {
	n.cacheMu.Lock()
	n.cache.Clear()
	n.cacheMu.Unlock()
	log.Printf("[CACHE] cleared on %s: %s", n.cfg.NodeID, reason)
}

// Stats returns the worker's status document.
func (n *Node) Stats() Stats {
	return Stats{
		NodeID:             n.cfg.NodeID,
		UptimeSeconds:      time.Since(n.started).Seconds(),
		RequestsProcessed:  n.requestsProcessed.Load(),
		CacheHits:          n.cacheHits.Load(),
		TotalClientsServed: n.clientsServed.Load(),
		ActiveClients:      n.clients.Len(),
		LexiconWords:       n.lexicon.Len(),
		Cache:              n.cache.Stats(),
		Sync:               n.sync.Status(),
	}
}
