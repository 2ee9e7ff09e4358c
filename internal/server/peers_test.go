package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gihan9a/braidhttp/internal/config"
	"gihan9a/braidhttp/pkg/braidproto"
)

func TestPeersAllow(t *testing.T) {
	p, err := newPeers(config.PeersConfig{CacheSize: 8, WriteRate: 2, WriteBurst: 2})
	require.NoError(t, err)
	now := time.Now()

	assert.True(t, p.allow("alice", now))
	assert.True(t, p.allow("alice", now))
	assert.False(t, p.allow("alice", now))
	assert.True(t, p.allow("bob", now))
	assert.True(t, p.allow("alice", now.Add(500*time.Millisecond)))
}

func TestPeersUnlimited(t *testing.T) {
	p, err := newPeers(config.PeersConfig{CacheSize: 8})
	require.NoError(t, err)
	now := time.Now()
	for range 1000 {
		require.True(t, p.allow("alice", now))
	}
}

func TestPeersDuplicate(t *testing.T) {
	p, err := newPeers(config.PeersConfig{CacheSize: 2})
	require.NoError(t, err)
	v1 := braidproto.Versions("v1")

	assert.False(t, p.duplicate("alice", "/doc", v1))
	p.record("alice", "/doc", v1)
	assert.True(t, p.duplicate("alice", "/doc", v1))
	assert.False(t, p.duplicate("alice", "/other", v1))
	assert.False(t, p.duplicate("alice", "/doc", braidproto.Versions("v2")))

	// Without a peer or a version nothing is remembered.
	p.record("", "/doc", v1)
	assert.False(t, p.duplicate("", "/doc", v1))
	p.record("bob", "/doc", nil)
	assert.False(t, p.duplicate("bob", "/doc", nil))

	// The least recently seen peer is forgotten first.
	p.get("carol")
	p.get("dave")
	assert.False(t, p.duplicate("alice", "/doc", v1))
}

func TestNewPeersRejectsEmptyCache(t *testing.T) {
	_, err := newPeers(config.PeersConfig{})
	assert.Error(t, err)
}
