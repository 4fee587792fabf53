// Package health probes worker backends and maintains the set of backends
// currently eligible for routing.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/spellnet/internal/cluster"
)

// Status is the health state of a backend.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

const (
	// DefaultInterval is the probe cycle length.
	DefaultInterval = 10 * time.Second
	// DefaultTimeout bounds each probe's connect and exchange.
	DefaultTimeout = 2 * time.Second
	// DefaultMaxFailures is the consecutive failure count that demotes a backend.
	DefaultMaxFailures = 3
)

// ErrUnexpectedReply is returned when a backend answers a heartbeat with
// anything other than the alive token.
var ErrUnexpectedReply = errors.New("unexpected heartbeat reply")

// BackendHealth tracks the health status of a single backend.
// Thread-safe: Protected by Monitor's mutex when accessed.
type BackendHealth struct {
	// LastCheck is the timestamp of the last probe attempt.
	LastCheck time.Time `json:"last_check"`
	// LastHealthy is the timestamp of the last successful probe.
	LastHealthy time.Time `json:"last_healthy"`
	// Addr is the host:port of the worker control listener.
	Addr   string `json:"addr"`
	Status Status `json:"status"`
	// Latency is the round trip of the last successful probe.
	Latency          time.Duration `json:"latency"`
	ConsecutiveFails int           `json:"consecutive_fails"`
}

// Stats summarizes all monitored backends.
type Stats struct {
	Backends []BackendHealth `json:"backends"`
	Total    int             `json:"total"`
	Healthy  int             `json:"healthy"`
}

// Monitor performs periodic heartbeat probes on all registered backends.
// A backend becomes healthy after one successful probe and is demoted only
// after maxFailures consecutive failures.
// Thread-safe: All methods are safe for concurrent access.
type Monitor struct {
	backends    map[string]*BackendHealth // Current health status per backend
	order       []string                  // Registration order
	healthy     []string                  // Routing-eligible backends
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(addr string)
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex // Protects backends, order, healthy and the hooks
	wg          sync.WaitGroup
	maxFailures int
}

// NewMonitor creates a monitor that probes every interval.
// Non-positive intervals fall back to DefaultInterval.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		interval:    interval,
		timeout:     DefaultTimeout,
		maxFailures: DefaultMaxFailures,
		backends:    make(map[string]*BackendHealth),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.checkFunc = m.heartbeat
	return m
}

// SetOnUnhealthy sets the callback invoked when a backend is demoted by probes.
func (m *Monitor) SetOnUnhealthy(callback func(addr string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnhealthy = callback
}

// SetCheckFunction overrides the heartbeat probe. Used by tests.
func (m *Monitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkFunc = checkFunc
}

// AddServer registers addr with status unknown. Registering twice is a no-op.
func (m *Monitor) AddServer(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.backends[addr]; exists {
		return
	}
	m.backends[addr] = &BackendHealth{Addr: addr, Status: StatusUnknown}
	m.order = append(m.order, addr)
	log.Printf("[HEALTH] monitoring backend %s", addr)
}

// Start probes every registered backend immediately and then once per
// interval until ctx or the monitor is canceled. Probes within a cycle run
// concurrently so one unreachable backend cannot delay the others.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	if ctx == nil {
		ctx = m.ctx
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("[HEALTH] monitor started with interval %v", m.interval)

	m.probeAll(ctx)
	for {
		select {
		case <-ticker.C:
			m.probeAll(ctx)
		case <-ctx.Done():
			log.Println("[HEALTH] monitor stopping due to context cancellation")
			return
		case <-m.ctx.Done():
			log.Println("[HEALTH] monitor stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels the probe loop and waits for it to exit. Safe to call twice.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.RLock()
	addrs := slices.Clone(m.order)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			_ = m.Probe(ctx, addr)
		}(addr)
	}
	wg.Wait()
}

// Probe runs one heartbeat against addr and applies the result.
// Unregistered addresses are registered first.
func (m *Monitor) Probe(ctx context.Context, addr string) error {
	m.AddServer(addr)

	m.mu.RLock()
	check := m.checkFunc
	m.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	start := time.Now()
	err := check(probeCtx, addr)
	latency := time.Since(start)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.backends[addr]
	b.LastCheck = time.Now()

	if err != nil {
		b.ConsecutiveFails++
		log.Printf("[HEALTH] check failed for backend %s (attempt %d/%d): %v",
			addr, b.ConsecutiveFails, m.maxFailures, err)

		if b.ConsecutiveFails >= m.maxFailures {
			previous := b.Status
			b.Status = StatusUnhealthy
			m.removeHealthyLocked(addr)
			if previous != StatusUnhealthy {
				log.Printf("[HEALTH] backend %s is now UNHEALTHY after %d failures", addr, b.ConsecutiveFails)
				if m.onUnhealthy != nil {
					// Call callback without holding the lock
					go m.onUnhealthy(addr)
				}
			}
		}
		return err
	}

	if b.Status != StatusHealthy {
		log.Printf("[HEALTH] backend %s is now HEALTHY (%v)", addr, latency)
	}
	b.Status = StatusHealthy
	b.ConsecutiveFails = 0
	b.Latency = latency
	b.LastHealthy = b.LastCheck
	if !slices.Contains(m.healthy, addr) {
		m.healthy = append(m.healthy, addr)
	}
	return nil
}

// Evict removes addr from the healthy set immediately, bypassing the
// failure hysteresis. The load balancer calls it when a proxy connect fails;
// the next successful probe restores the backend.
func (m *Monitor) Evict(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.backends[addr]
	if !ok {
		return
	}
	if m.removeHealthyLocked(addr) {
		b.Status = StatusUnhealthy
		log.Printf("[HEALTH] backend %s evicted from routing after connect failure", addr)
	}
}

func (m *Monitor) removeHealthyLocked(addr string) bool {
	before := len(m.healthy)
	m.healthy = slices.DeleteFunc(m.healthy, func(a string) bool { return a == addr })
	return len(m.healthy) != before
}

// HealthySet returns a snapshot of the routing-eligible backends.
func (m *Monitor) HealthySet() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.healthy)
}

// IsHealthy reports whether addr is currently in the healthy set.
func (m *Monitor) IsHealthy(addr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.healthy, addr)
}

// GetBackendHealth returns a copy of addr's record, or nil if unknown.
func (m *Monitor) GetBackendHealth(addr string) *BackendHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.backends[addr]
	if !ok {
		return nil
	}
	cp := *b
	return &cp
}

// Stats returns the registered and healthy counts plus per-backend detail
// in registration order.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Total:    len(m.order),
		Healthy:  len(m.healthy),
		Backends: make([]BackendHealth, 0, len(m.order)),
	}
	for _, addr := range m.order {
		s.Backends = append(s.Backends, *m.backends[addr])
	}
	return s
}

// heartbeat dials addr, sends the heartbeat token and expects the alive
// token back, all within the probe context's deadline.
func (m *Monitor) heartbeat(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := cluster.WriteFrame(conn, cluster.TokenHeartbeat); err != nil {
		return err
	}
	reply, err := cluster.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if reply != cluster.TokenAlive {
		return fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
	}
	return nil
}
