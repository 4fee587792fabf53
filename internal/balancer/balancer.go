// Package balancer accepts client connections and relays them to a healthy
// worker, failing over to another worker when a connect attempt fails.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dreamware/spellnet/internal/cluster"
	"github.com/dreamware/spellnet/internal/health"
)

const (
	DefaultListenAddr     = ":7520"
	DefaultConnectTimeout = 2 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultMaxAttempts    = 2
	DefaultBufferSize     = 4096
)

const (
	errorLinger     = time.Second
	errorDrainLimit = 64 << 10
)

// ErrNoBackends is returned by SelectBackend when the healthy set is empty.
var ErrNoBackends = errors.New("no healthy backends")

// Config holds balancer settings. Zero values take the defaults above.
type Config struct {
	ListenAddr     string
	HealthInterval time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxAttempts    int
	BufferSize     int
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = health.DefaultInterval
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BufferSize < DefaultBufferSize {
		c.BufferSize = DefaultBufferSize
	}
}

// Stats reports balancer activity.
type Stats struct {
	Health        health.Stats `json:"servers"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Accepted      uint64       `json:"requests_handled"`
	Forwarded     uint64       `json:"connections_forwarded"`
}

// Balancer routes client connections across healthy workers.
//
// Routing:
//   - Each connection goes to the next healthy backend in round-robin order
//   - A backend that refuses the connect is evicted and the next one tried
//   - Once connected, bytes are relayed unchanged until either side closes
//
// Health:
//   - The embedded monitor sends HEARTBEAT to every backend each interval
//   - Only backends that answered ALIVE are eligible for routing
//
// Thread-safe: HandleClient runs concurrently for every accepted connection.
type Balancer struct {
	// cfg is the defaulted configuration. Immutable after New.
	cfg Config

	// monitor owns the backend list and the healthy set.
	monitor *health.Monitor

	// dial opens backend connections. Replaced in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)

	started time.Time

	// cursor is the round-robin position, advanced atomically.
	cursor uint64

	// Counters reported by Stats.
	accepted  atomic.Uint64
	forwarded atomic.Uint64

	// mu protects listener and cancel.
	mu        sync.Mutex
	listener  net.Listener
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a balancer with its own health monitor and no backends.
//
// Parameters:
//   - cfg: Listen address, health interval, timeouts and relay buffer size
//     (zero values take the package defaults)
//
// Returns:
//   - A Balancer ready for AddServer and Start
//
// Example:
//
//	lb := balancer.New(balancer.Config{ListenAddr: ":7520"})
//	lb.AddServer("localhost", 7530)
//	lb.AddServer("localhost", 7531)
//	if err := lb.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer lb.Close()
func New(cfg Config) *Balancer {
	cfg.setDefaults()
	b := &Balancer{
		cfg:     cfg,
		monitor: health.NewMonitor(cfg.HealthInterval),
		started: time.Now(),
	}
	d := &net.Dialer{}
	b.dial = d.DialContext
	b.monitor.SetOnUnhealthy(func(addr string) {
		log.Printf("[LOAD BALANCER] backend %s removed from rotation", addr)
	})
	return b
}

// Monitor exposes the balancer's health monitor.
func (b *Balancer) Monitor() *health.Monitor { return b.monitor }

// AddServer registers a candidate backend.
func (b *Balancer) AddServer(host string, port int) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	b.monitor.AddServer(addr)
	log.Printf("[LOAD BALANCER] added server %s", addr)
}

// SelectBackend picks the next healthy backend round-robin. The cursor is
// taken modulo the healthy set as it is at call time, so a set that shrinks
// or grows between calls may skip or repeat a backend.
func (b *Balancer) SelectBackend() (string, error) {
	healthy := b.monitor.HealthySet()
	if len(healthy) == 0 {
		return "", ErrNoBackends
	}
	i := atomic.AddUint64(&b.cursor, 1) - 1
	return healthy[int(i%uint64(len(healthy)))], nil
}

// Start binds the client-facing listener, starts health probing and the
// accept loop in the background. A bind failure is returned and is fatal
// for the caller.
func (b *Balancer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.cfg.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.listener = ln
	b.cancel = cancel
	b.mu.Unlock()

	go b.monitor.Start(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.serve(ctx, ln)
	}()

	log.Printf("[LOAD BALANCER] listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (b *Balancer) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

func (b *Balancer) serve(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[LOAD BALANCER] accept error: %v", err)
			continue
		}
		b.accepted.Add(1)
		go b.HandleClient(ctx, conn)
	}
}

// Close stops accepting clients and stops health probing. Sessions already
// being proxied run until either side closes.
func (b *Balancer) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		if b.cancel != nil {
			b.cancel()
		}
		if b.listener != nil {
			_ = b.listener.Close()
		}
		b.mu.Unlock()
		b.monitor.Stop()
		b.wg.Wait()
		log.Println("[LOAD BALANCER] stopped")
	})
	return nil
}

// HandleClient routes one client connection and returns once it is done.
//
// Behavior:
//   - Tries up to MaxAttempts backends chosen by SelectBackend
//   - A backend whose connect fails is evicted from the healthy set at once,
//     ahead of the monitor's own failure hysteresis
//   - The first successful connect is proxied until both directions end
//   - An empty healthy set is reported as "no servers available", and
//     running out of attempts as "all servers unavailable", each as one
//     error frame before the connection is closed
//
// Parameters:
//   - ctx: Bounds backend connects; canceling it does not cut an
//     established relay
//   - client: Accepted client connection, always closed on return
//
// Example:
//
//	conn, err := ln.Accept()
//	if err != nil {
//	    return err
//	}
//	go lb.HandleClient(ctx, conn)
func (b *Balancer) HandleClient(ctx context.Context, client net.Conn) {
	defer client.Close()
	remote := client.RemoteAddr()

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		addr, err := b.SelectBackend()
		if err != nil {
			log.Printf("[LOAD BALANCER] no healthy servers for client %v", remote)
			b.sendError(client, cluster.FrameNoServers)
			return
		}

		log.Printf("[ROUTING] attempt %d: client %v -> server %s", attempt, remote, addr)
		dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
		backend, err := b.dial(dialCtx, "tcp", addr)
		cancel()
		if err != nil {
			log.Printf("[FAILOVER] server %s failed: %v", addr, err)
			b.monitor.Evict(addr)
			continue
		}

		b.Proxy(client, backend)
		b.forwarded.Add(1)
		return
	}

	log.Printf("[LOAD BALANCER] all servers failed for client %v", remote)
	b.sendError(client, cluster.FrameAllServersDown)
}

// sendError writes msg and then lingers briefly, discarding whatever the
// client already sent, so closing with unread input does not reset the
// connection before the client has read the frame.
func (b *Balancer) sendError(client net.Conn, msg string) {
	_ = client.SetWriteDeadline(time.Now().Add(b.cfg.ConnectTimeout))
	if err := cluster.WriteFrame(client, msg); err != nil {
		log.Printf("[LOAD BALANCER] could not deliver %q: %v", msg, err)
		return
	}
	closeWrite(client)
	_ = client.SetReadDeadline(time.Now().Add(errorLinger))
	_, _ = io.CopyN(io.Discard, client, errorDrainLimit)
}

// Proxy copies bytes in both directions until both have ended, then closes
// both connections.
func (b *Balancer) Proxy(client, backend net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.pipe(client, backend, "client->server")
	}()
	go func() {
		defer wg.Done()
		b.pipe(backend, client, "server->client")
	}()
	wg.Wait()

	_ = client.Close()
	_ = backend.Close()
}

// pipe forwards src to dst in bounded chunks. A read timeout is retried.
// On a clean close the write side of dst is shut so the far end sees EOF;
// on any other failure both ends are closed to release the opposite pipe.
func (b *Balancer) pipe(src, dst net.Conn, direction string) {
	buf := make([]byte, b.cfg.BufferSize)
	for {
		_ = src.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if !peerClosed(werr) {
					log.Printf("[FORWARD] %s write failed: %v", direction, werr)
				}
				_ = src.Close()
				_ = dst.Close()
				return
			}
		}
		if err == nil {
			continue
		}
		if cluster.IsTimeout(err) {
			continue
		}
		if errors.Is(err, io.EOF) {
			log.Printf("[FORWARD] %s connection closed normally", direction)
			closeWrite(dst)
			return
		}
		if !peerClosed(err) {
			log.Printf("[FORWARD] %s ended: %v", direction, err)
		}
		_ = src.Close()
		_ = dst.Close()
		return
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// peerClosed reports errors meaning the other side already went away.
func peerClosed(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// Stats returns uptime, connection counters and backend health.
func (b *Balancer) Stats() Stats {
	return Stats{
		UptimeSeconds: time.Since(b.started).Seconds(),
		Accepted:      b.accepted.Load(),
		Forwarded:     b.forwarded.Load(),
		Health:        b.monitor.Stats(),
	}
}
