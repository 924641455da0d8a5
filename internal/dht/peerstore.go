package dht

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// peerStore holds endpoints announced to us, per info-hash. The least
// recently used keys are dropped past maxKeys; entries expire after ttl.
type peerStore struct {
	mu     sync.Mutex
	keys   *lru.Cache[NodeID, map[netip.AddrPort]time.Time]
	perKey int
	ttl    time.Duration
	now    func() time.Time
}

func newPeerStore(maxKeys, perKey int, ttl time.Duration) *peerStore {
	c, err := lru.New[NodeID, map[netip.AddrPort]time.Time](maxKeys)
	if err != nil {
		// only fails for a non-positive size
		c, _ = lru.New[NodeID, map[netip.AddrPort]time.Time](1024)
	}
	return &peerStore{keys: c, perKey: perKey, ttl: ttl, now: time.Now}
}

func (s *peerStore) Add(key NodeID, ap netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	set, ok := s.keys.Get(key)
	if !ok {
		set = make(map[netip.AddrPort]time.Time)
		s.keys.Add(key, set)
	}
	s.pruneLocked(set, now)
	if _, known := set[ap]; !known && len(set) >= s.perKey {
		var oldest netip.AddrPort
		var at time.Time
		for p, t := range set {
			if at.IsZero() || t.Before(at) {
				oldest, at = p, t
			}
		}
		delete(set, oldest)
	}
	set[ap] = now
}

// Get returns up to limit live endpoints for key, newest first.
func (s *peerStore) Get(key NodeID, limit int) []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.keys.Get(key)
	if !ok {
		return nil
	}
	s.pruneLocked(set, s.now())
	if len(set) == 0 {
		s.keys.Remove(key)
		return nil
	}
	type entry struct {
		ap netip.AddrPort
		at time.Time
	}
	es := make([]entry, 0, len(set))
	for p, t := range set {
		es = append(es, entry{p, t})
	}
	sort.Slice(es, func(i, j int) bool { return es[i].at.After(es[j].at) })
	if limit > 0 && len(es) > limit {
		es = es[:limit]
	}
	out := make([]netip.AddrPort, len(es))
	for i, e := range es {
		out[i] = e.ap
	}
	return out
}

func (s *peerStore) pruneLocked(set map[netip.AddrPort]time.Time, now time.Time) {
	for p, t := range set {
		if now.Sub(t) > s.ttl {
			delete(set, p)
		}
	}
}
