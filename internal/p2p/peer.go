package p2p

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"dht-chat/internal/dht"
)

// Peer is a chat participant known by the TCP endpoint it listens on. The
// registry hands out one *Peer per endpoint; callers share it.
type Peer struct {
	endpoint netip.AddrPort

	mu       sync.RWMutex
	id       dht.NodeID
	hasID    bool
	name     string
	online   bool
	lastSeen time.Time
	sess     *session
}

func (p *Peer) Endpoint() netip.AddrPort { return p.endpoint }

// ID returns the peer's NodeID once it has been learned.
func (p *Peer) ID() (dht.NodeID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id, p.hasID
}

func (p *Peer) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

func (p *Peer) Online() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online
}

func (p *Peer) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

func (p *Peer) String() string {
	if name := p.Name(); name != "" {
		return fmt.Sprintf("%s@%s", name, p.endpoint)
	}
	return p.endpoint.String()
}

// learn records identity fields. The first non-empty value wins.
func (p *Peer) learn(id *dht.NodeID, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id != nil && !p.hasID {
		p.id, p.hasID = *id, true
	}
	if name != "" && p.name == "" {
		p.name = name
	}
}

func (p *Peer) touch(at time.Time) {
	p.mu.Lock()
	if at.After(p.lastSeen) {
		p.lastSeen = at
	}
	p.mu.Unlock()
}

func (p *Peer) session() *session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sess
}

type peerSet struct {
	mu     sync.RWMutex
	byAddr map[netip.AddrPort]*Peer
}

func newPeerSet() *peerSet {
	return &peerSet{byAddr: make(map[netip.AddrPort]*Peer)}
}

// upsert returns the record for ap, creating it if needed.
func (s *peerSet) upsert(ap netip.AddrPort) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byAddr[ap]; ok {
		return p, false
	}
	p := &Peer{endpoint: ap}
	s.byAddr[ap] = p
	return p, true
}

func (s *peerSet) get(ap netip.AddrPort) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byAddr[ap]
}

// byIP returns the most recently seen peer on addr.
func (s *peerSet) byIP(addr netip.Addr) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Peer
	for ap, p := range s.byAddr {
		if ap.Addr() != addr {
			continue
		}
		if best == nil || p.LastSeen().After(best.LastSeen()) {
			best = p
		}
	}
	return best
}

func (s *peerSet) list() []*Peer {
	s.mu.RLock()
	out := make([]*Peer, 0, len(s.byAddr))
	for _, p := range s.byAddr {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].endpoint, out[j].endpoint
		if a.Addr() != b.Addr() {
			return a.Addr().Less(b.Addr())
		}
		return a.Port() < b.Port()
	})
	return out
}

// AddPeer registers addr:port, or returns the existing record for it.
func (c *Core) AddPeer(addr netip.Addr, port uint16) (*Peer, error) {
	ap := netip.AddrPortFrom(addr.Unmap(), port)
	if !c.CheckPeer(ap) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEndpoint, ap)
	}
	p, created := c.peers.upsert(ap)
	if created {
		c.log.WithField("peer", ap.String()).Debug("peer registered")
		c.events.emit(Notification{Type: EventPeersListChanged})
	}
	return p, nil
}

// FindPeer returns the peer registered on addr, or nil. When several ports
// share addr the most recently seen one is returned.
func (c *Core) FindPeer(addr netip.Addr) *Peer {
	return c.peers.byIP(addr.Unmap())
}

// CheckPeer reports whether ap may be registered as a peer.
func (c *Core) CheckPeer(ap netip.AddrPort) bool {
	if !ap.IsValid() || ap.Port() == 0 {
		return false
	}
	a := ap.Addr().Unmap()
	if a.IsMulticast() {
		return false
	}
	return !c.isSelf(netip.AddrPortFrom(a, ap.Port()))
}

// UpdatePeer marks a registered peer as seen now. It reports false for an
// endpoint that was never registered.
func (c *Core) UpdatePeer(ap netip.AddrPort) bool {
	p := c.peers.get(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
	if p == nil {
		return false
	}
	p.touch(c.now())
	return true
}

// Peers returns a snapshot of the registry ordered by endpoint.
func (c *Core) Peers() []*Peer {
	return c.peers.list()
}
