package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/spellnet/internal/cluster"
)

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		def      string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "TEST_WORKER_VAR",
			value:    "test_value",
			def:      "default",
			expected: "test_value",
		},
		{
			name:     "environment variable not set",
			key:      "UNSET_WORKER_VAR",
			def:      "default_value",
			expected: "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv(tt.key, tt.value)
			}
			if result := getenv(tt.key, tt.def); result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}

func clearWorkerEnv(t *testing.T) {
	for _, k := range []string{
		"WORKER_ID", "WORKER_LISTEN", "WORKER_SYNC_LISTEN", "WORKER_PEERS", "WORKER_LEXICON",
		"WORKER_STATUS_LISTEN", "WORKER_CACHE_SIZE", "WORKER_CACHE_TTL",
		"WORKER_POLL_INTERVAL", "WORKER_RECONCILE_INTERVAL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	clearWorkerEnv(t)

	s, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, ":7530", s.node.ListenAddr)
	assert.Equal(t, ":8530", s.node.SyncListenAddr)
	assert.Equal(t, "server/lexicon.txt", s.lexiconPath)
	assert.Empty(t, s.statusListen)
	assert.Empty(t, s.node.Peers)
	assert.Zero(t, s.node.CacheTTL)
}

func TestLoadSettingsFromEnv(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("WORKER_ID", "w2")
	t.Setenv("WORKER_LISTEN", ":7531")
	t.Setenv("WORKER_PEERS", "localhost:8530, other:8532")
	t.Setenv("WORKER_CACHE_SIZE", "50")
	t.Setenv("WORKER_CACHE_TTL", "30s")
	t.Setenv("WORKER_POLL_INTERVAL", "1s")
	t.Setenv("WORKER_STATUS_LISTEN", ":9531")

	s, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, "w2", s.node.NodeID)
	assert.Equal(t, ":8531", s.node.SyncListenAddr)
	assert.Equal(t, []cluster.PeerInfo{{Host: "localhost", Port: 8530}, {Host: "other", Port: 8532}}, s.node.Peers)
	assert.Equal(t, 50, s.node.CacheSize)
	assert.Equal(t, 30*time.Second, s.node.CacheTTL)
	assert.Equal(t, time.Second, s.node.PollInterval)
	assert.Zero(t, s.node.ReconcileInterval)
	assert.Equal(t, ":9531", s.statusListen)
}

func TestLoadSettingsInvalid(t *testing.T) {
	tests := map[string]string{
		"WORKER_PEERS":         "no-port",
		"WORKER_CACHE_SIZE":    "many",
		"WORKER_CACHE_TTL":     "forever",
		"WORKER_POLL_INTERVAL": "-1s",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			clearWorkerEnv(t)
			t.Setenv(key, value)
			_, err := loadSettings()
			assert.Error(t, err)
		})
	}
}
