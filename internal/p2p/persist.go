package p2p

import (
	"net/netip"

	"dht-chat/internal/dht"
	"dht-chat/internal/storage"
)

// loadPeers restores the last known peer set. Every peer starts offline.
func (c *Core) loadPeers() {
	recs, err := c.store.LoadPeers()
	if err != nil {
		c.log.WithError(err).Warn("load peers failed")
		return
	}
	for _, r := range recs {
		ap, err := netip.ParseAddrPort(r.Endpoint)
		if err != nil || ap.Port() == 0 {
			continue
		}
		p, _ := c.peers.upsert(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
		var id *dht.NodeID
		if r.NodeID != "" {
			if nid, err := dht.ParseNodeIDHex(r.NodeID); err == nil {
				id = &nid
			}
		}
		p.learn(id, r.Name)
		p.touch(r.LastSeen)
	}
	c.log.WithField("peers", len(recs)).Debug("peers loaded")
}

func peerRecords(peers []*Peer) []storage.PeerRecord {
	out := make([]storage.PeerRecord, 0, len(peers))
	for _, p := range peers {
		r := storage.PeerRecord{
			Endpoint: p.Endpoint().String(),
			Name:     p.Name(),
			LastSeen: p.LastSeen(),
		}
		if id, ok := p.ID(); ok {
			r.NodeID = id.Hex()
		}
		out = append(out, r)
	}
	return out
}

// save writes the peer set, the profile and the DHT node cache. Failures
// are logged.
func (c *Core) save() {
	if err := c.store.SavePeers(peerRecords(c.Peers())); err != nil {
		c.log.WithError(err).Warn("save peers failed")
	}
	if err := c.store.SaveProfile(c.Profile()); err != nil {
		c.log.WithError(err).Warn("save profile failed")
	}
	if err := c.dht.SaveNodes(); err != nil {
		c.log.WithError(err).Warn("save nodes failed")
	}
}
