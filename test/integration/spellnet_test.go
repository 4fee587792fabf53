package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/spellnet/internal/balancer"
	"github.com/dreamware/spellnet/internal/cluster"
	"github.com/dreamware/spellnet/internal/lexicon"
	"github.com/dreamware/spellnet/internal/worker"
)

// TestSystem is a balancer in front of two peered workers, all in process.
type TestSystem struct {
	t       *testing.T
	lb      *balancer.Balancer
	workers []*worker.Node
}

// NewTestSystem starts the workers, peers them and starts the balancer.
func NewTestSystem(t *testing.T) *TestSystem {
	ts := &TestSystem{t: t}
	for i := 0; i < 2; i++ {
		path := filepath.Join(t.TempDir(), "lexicon.txt")
		require.NoError(t, os.WriteFile(path, []byte("the quick brown fox jumps over lazy dog"), 0o644))
		store, err := lexicon.Open(path)
		require.NoError(t, err)

		n := worker.NewNode(worker.Config{
			NodeID:         fmt.Sprintf("server_%d", i+1),
			ListenAddr:     "127.0.0.1:0",
			SyncListenAddr: "127.0.0.1:0",
			PollInterval:   100 * time.Millisecond,
		}, store)
		require.NoError(t, n.Start(context.Background()))
		ts.workers = append(ts.workers, n)
	}

	for i, n := range ts.workers {
		other := ts.workers[1-i]
		peer, err := cluster.ParsePeer(other.Sync().Addr().String())
		require.NoError(t, err)
		n.Sync().AddPeer(peer)
	}

	ts.lb = balancer.New(balancer.Config{ListenAddr: "127.0.0.1:0", HealthInterval: 50 * time.Millisecond})
	for _, n := range ts.workers {
		host, portStr, err := net.SplitHostPort(n.Addr().String())
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)
		ts.lb.AddServer(host, port)
	}
	require.NoError(t, ts.lb.Start(context.Background()))
	require.Eventually(t, func() bool { return len(ts.lb.Monitor().HealthySet()) == 2 }, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(ts.Stop)
	return ts
}

// Stop shuts everything down.
func (ts *TestSystem) Stop() {
	ts.lb.Close()
	for _, n := range ts.workers {
		n.Close()
	}
}

// Dial connects a client through the balancer.
func (ts *TestSystem) Dial(username string) *worker.Client {
	ts.t.Helper()
	c, err := worker.Dial(context.Background(), ts.lb.Addr().String(), username)
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { c.Close() })
	return c
}

func TestSpellnet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts := NewTestSystem(t)

	t.Run("CheckThroughBalancer", func(t *testing.T) { testCheckThroughBalancer(t, ts) })
	t.Run("RoundRobin", func(t *testing.T) { testRoundRobin(t, ts) })
	t.Run("Replication", func(t *testing.T) { testReplication(t, ts) })
	t.Run("PollReplication", func(t *testing.T) { testPollReplication(t, ts) })
	t.Run("Failover", func(t *testing.T) { testFailover(t, ts) })
	t.Run("AllDown", func(t *testing.T) { testAllDown(t, ts) })
}

func testCheckThroughBalancer(t *testing.T, ts *TestSystem) {
	c := ts.Dial("alice")
	got, err := c.Check(context.Background(), "story.txt", "The qwikk brown fox jumpd over the lazy dog.")
	require.NoError(t, err)
	assert.Equal(t, "The [qwikk] brown fox [jumpd] over the lazy dog.", got)
}

// testRoundRobin verifies consecutive clients are spread over both workers.
func testRoundRobin(t *testing.T, ts *TestSystem) {
	before := make([]uint64, len(ts.workers))
	for i, n := range ts.workers {
		before[i] = n.Stats().TotalClientsServed
	}

	for i := 0; i < 4; i++ {
		c := ts.Dial(fmt.Sprintf("rr-%d", i))
		_, err := c.Check(context.Background(), "a.txt", "the fox")
		require.NoError(t, err)
	}

	for i, n := range ts.workers {
		assert.Greater(t, n.Stats().TotalClientsServed, before[i], "worker %s got no clients", n.ID())
	}
}

// testReplication verifies words added on whichever worker serves the
// client reach the other worker.
func testReplication(t *testing.T, ts *TestSystem) {
	c := ts.Dial("bob")
	added, err := c.AddWords(context.Background(), []string{"Qwikk", "jumpd"})
	require.NoError(t, err)
	require.True(t, added)

	for _, n := range ts.workers {
		n := n
		require.Eventually(t, func() bool {
			return n.Lexicon().Contains("qwikk") && n.Lexicon().Contains("jumpd")
		}, 2*time.Second, 10*time.Millisecond, "worker %s missing words", n.ID())
	}

	for i := 0; i < 2; i++ {
		c := ts.Dial(fmt.Sprintf("reader-%d", i))
		got, err := c.Check(context.Background(), "story.txt", "The qwikk brown fox jumpd")
		require.NoError(t, err)
		assert.Equal(t, "The qwikk brown fox jumpd", got)
	}
}

// testPollReplication verifies words queued on a client are collected by
// the server poll and reach both workers.
func testPollReplication(t *testing.T, ts *TestSystem) {
	c := ts.Dial("carol")
	c.QueueWords("zyzzyva")

	for _, n := range ts.workers {
		n := n
		require.Eventually(t, func() bool { return n.Lexicon().Contains("zyzzyva") }, 3*time.Second, 20*time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(c.Pending()) == 0 }, time.Second, 10*time.Millisecond)
}

// testFailover verifies clients keep being served after one worker dies.
func testFailover(t *testing.T, ts *TestSystem) {
	require.NoError(t, ts.workers[0].Close())

	for i := 0; i < 4; i++ {
		c := ts.Dial(fmt.Sprintf("survivor-%d", i))
		got, err := c.Check(context.Background(), "a.txt", "the qwikk fox")
		require.NoError(t, err)
		assert.Equal(t, "the qwikk fox", got)
	}
	require.Eventually(t, func() bool {
		healthy := ts.lb.Monitor().HealthySet()
		return len(healthy) == 1 && healthy[0] == ts.workers[1].Addr().String()
	}, 2*time.Second, 10*time.Millisecond)
}

func testAllDown(t *testing.T, ts *TestSystem) {
	require.NoError(t, ts.workers[1].Close())
	require.Eventually(t, func() bool { return len(ts.lb.Monitor().HealthySet()) == 0 }, 2*time.Second, 10*time.Millisecond)

	_, err := worker.Dial(context.Background(), ts.lb.Addr().String(), "late")
	assert.ErrorIs(t, err, worker.ErrNoServers)
}
