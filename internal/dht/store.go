package dht

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"dht-chat/internal/storage"
)

// NodeStore persists the node cache between sessions.
type NodeStore interface {
	LoadNodes() ([]storage.NodeRecord, error)
	SaveNodes([]storage.NodeRecord) error
}

// nodeCache remembers every node we exchanged traffic with, including ones
// the routing table has no room for, so the next start has seeds.
type nodeCache struct {
	mu    sync.RWMutex
	nodes map[NodeID]*storage.NodeRecord
	max   int
}

func newNodeCache(limit int) *nodeCache {
	if limit <= 0 {
		limit = 512
	}
	return &nodeCache{nodes: make(map[NodeID]*storage.NodeRecord), max: limit}
}

func (s *nodeCache) load(recs []storage.NodeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range recs {
		r := recs[i]
		id, err := ParseNodeIDHex(r.ID)
		if err != nil || r.Addr == "" {
			continue
		}
		s.nodes[id] = &r
	}
}

func (s *nodeCache) NoteSuccess(id NodeID, addr netip.AddrPort) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.nodes[id]
	if r == nil {
		if len(s.nodes) >= s.max {
			s.evictWorstLocked()
		}
		r = &storage.NodeRecord{ID: id.Hex()}
		s.nodes[id] = r
	}
	r.Addr = addr.String()
	r.LastSeen = now
	r.LastSuccess = now
	r.Failures = 0
}

func (s *nodeCache) NoteFailure(id NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.nodes[id]; r != nil {
		r.LastSeen = time.Now()
		r.Failures++
	}
}

func (s *nodeCache) evictWorstLocked() {
	var worst NodeID
	var wr *storage.NodeRecord
	for id, r := range s.nodes {
		if wr == nil || r.Failures > wr.Failures ||
			(r.Failures == wr.Failures && r.LastSuccess.Before(wr.LastSuccess)) {
			worst, wr = id, r
		}
	}
	if wr != nil {
		delete(s.nodes, worst)
	}
}

// Candidates returns best addresses to try first.
func (s *nodeCache) Candidates(maxFailures int, limit int) []netip.AddrPort {
	s.mu.RLock()
	cs := make([]storage.NodeRecord, 0, len(s.nodes))
	for _, r := range s.nodes {
		if r.Failures > maxFailures {
			continue
		}
		cs = append(cs, *r)
	}
	s.mu.RUnlock()

	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].LastSuccess.Equal(cs[j].LastSuccess) {
			return cs[i].LastSuccess.After(cs[j].LastSuccess)
		}
		return cs[i].Failures < cs[j].Failures
	})

	out := make([]netip.AddrPort, 0, len(cs))
	seen := make(map[netip.AddrPort]struct{}, len(cs))
	for _, c := range cs {
		ap, err := netip.ParseAddrPort(c.Addr)
		if err != nil {
			continue
		}
		if _, ok := seen[ap]; ok {
			continue
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *nodeCache) records() []storage.NodeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.NodeRecord, 0, len(s.nodes))
	for _, r := range s.nodes {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
