package server

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"gihan9a/braidhttp/internal/config"
	"gihan9a/braidhttp/pkg/braidproto"
)

// peerState is what the server remembers about one writing peer.
type peerState struct {
	limiter *rate.Limiter

	mu sync.Mutex
	// applied holds the last version the peer wrote, per resource.
	applied map[string]string
}

// peers is a bounded table of peer states. The least recently seen peers
// are forgotten first, which resets their limits and duplicate detection.
type peers struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *peerState]
	limit rate.Limit
	burst int
}

func newPeers(cfg config.PeersConfig) (*peers, error) {
	cache, err := lru.New[string, *peerState](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	limit := rate.Limit(cfg.WriteRate)
	if cfg.WriteRate == 0 {
		limit = rate.Inf
	}
	return &peers{cache: cache, limit: limit, burst: max(cfg.WriteBurst, 1)}, nil
}

func (p *peers) get(peer string) *peerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.cache.Get(peer); ok {
		return st
	}
	st := &peerState{
		limiter: rate.NewLimiter(p.limit, p.burst),
		applied: make(map[string]string),
	}
	p.cache.Add(peer, st)
	return st
}

// allow takes one write token for peer.
func (p *peers) allow(peer string, now time.Time) bool {
	return p.get(peer).limiter.AllowN(now, 1)
}

// duplicate reports whether peer already wrote version to resource.
func (p *peers) duplicate(peer, resource string, version braidproto.VersionList) bool {
	if peer == "" || len(version) == 0 {
		return false
	}
	st := p.get(peer)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.applied[resource] == version.String()
}

func (p *peers) record(peer, resource string, version braidproto.VersionList) {
	if peer == "" || len(version) == 0 {
		return
	}
	st := p.get(peer)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.applied[resource] = version.String()
}
