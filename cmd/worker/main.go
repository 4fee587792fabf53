// Package main implements the spellnet worker, which checks submitted text
// against its lexicon and keeps that lexicon in sync with its peers.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Worker                   │
//	├─────────────────────────────────────────┤
//	│  TCP listeners:                         │
//	│    control :7530 - client sessions      │
//	│    sync    :8530 - peer lexicon updates │
//	│  HTTP (optional):                       │
//	│    /health       - Liveness             │
//	│    /stats        - Node statistics      │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    lexicon.Store - Words + file         │
//	│    cache.Manager - Checked results      │
//	│    replication   - Peer broadcast       │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - WORKER_ID: Node identifier (default: "server_<control port>")
//   - WORKER_LISTEN: Control listen address (default: ":7530")
//   - WORKER_SYNC_LISTEN: Sync listen address (default: control port + 1000)
//   - WORKER_PEERS: Comma separated peer sync addresses
//   - WORKER_LEXICON: Lexicon file (default: "server/lexicon.txt")
//   - WORKER_STATUS_LISTEN: HTTP status address (disabled when empty)
//   - WORKER_CACHE_SIZE: Cache entries (default: 500)
//   - WORKER_CACHE_TTL: Cache entry lifetime (default: "1h")
//   - WORKER_POLL_INTERVAL: Client lexicon poll period (default: "5s")
//   - WORKER_RECONCILE_INTERVAL: Lexicon file check period (default: "2s")
//
// Example usage:
//
//	# Two workers replicating to each other
//	WORKER_LISTEN=:7530 WORKER_PEERS=localhost:8531 ./worker
//	WORKER_LISTEN=:7531 WORKER_PEERS=localhost:8530 ./worker
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/spellnet/internal/cluster"
	"github.com/dreamware/spellnet/internal/lexicon"
	"github.com/dreamware/spellnet/internal/worker"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// settings is the process configuration read from the environment.
type settings struct {
	node         worker.Config
	lexiconPath  string
	statusListen string
}

func main() {
	s, err := loadSettings()
	if err != nil {
		logFatal("config: %v", err)
		return
	}

	store, err := lexicon.Open(s.lexiconPath)
	if err != nil {
		logFatal("lexicon: %v", err)
		return
	}
	log.Printf("[LEXICON] loaded %d words from %s", store.Len(), s.lexiconPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := worker.NewNode(s.node, store)
	if err := node.Start(ctx); err != nil {
		logFatal("start: %v", err)
		return
	}

	var status *http.Server
	if s.statusListen != "" {
		status = &http.Server{
			Addr:              s.statusListen,
			Handler:           node.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("[STATUS] %s status on %s", node.ID(), s.statusListen)
			if err := status.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logFatal("status listen: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if status != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := status.Shutdown(sctx); err != nil {
			log.Printf("status shutdown error: %v", err)
		}
		scancel()
	}
	if err := node.Close(); err != nil {
		log.Printf("[ERROR] saving lexicon: %v", err)
	}
}

// loadSettings reads the worker configuration from the environment.
func loadSettings() (settings, error) {
	listen := getenv("WORKER_LISTEN", worker.DefaultListenAddr)
	s := settings{
		lexiconPath:  getenv("WORKER_LEXICON", "server/lexicon.txt"),
		statusListen: os.Getenv("WORKER_STATUS_LISTEN"),
		node: worker.Config{
			NodeID:         os.Getenv("WORKER_ID"),
			ListenAddr:     listen,
			SyncListenAddr: getenv("WORKER_SYNC_LISTEN", worker.SyncAddrFor(listen)),
		},
	}

	for _, addr := range cluster.ParseAddrList(os.Getenv("WORKER_PEERS")) {
		peer, err := cluster.ParsePeer(addr)
		if err != nil {
			return settings{}, err
		}
		s.node.Peers = append(s.node.Peers, peer)
	}

	var err error
	if s.node.CacheSize, err = envInt("WORKER_CACHE_SIZE", 0); err != nil {
		return settings{}, err
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"WORKER_CACHE_TTL", &s.node.CacheTTL},
		{"WORKER_POLL_INTERVAL", &s.node.PollInterval},
		{"WORKER_RECONCILE_INTERVAL", &s.node.ReconcileInterval},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key); err != nil {
			return settings{}, err
		}
	}
	return s, nil
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid integer %q", k, v)
	}
	return n, nil
}

// envDuration returns zero when k is unset so the component default applies.
func envDuration(k string) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", k, v)
	}
	return d, nil
}

// getenv retrieves an environment variable with a fallback default value.
//
// Example:
//
//	listen := getenv("WORKER_LISTEN", ":7530")
//	// Returns $WORKER_LISTEN if set, otherwise ":7530"
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
