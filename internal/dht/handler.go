package dht

import (
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"dht-chat/internal/bencode"
	"dht-chat/internal/proto"
)

func (d *DHT) handlePacket(from netip.AddrPort, pkt []byte) {
	m, err := proto.ParseMessage(pkt)
	if err != nil {
		switch {
		case m.Raw == nil:
			d.log.WithFields(logrus.Fields{"addr": from.String(), "error": err.Error()}).Debug("dropping undecodable datagram")
		case m.T != nil && m.Y == proto.TypeQuery:
			d.replyError(from, m.T, proto.ErrCodeProtocol, "malformed query")
		default:
			d.emitInbound(Inbound{From: from, Msg: m})
		}
		return
	}

	switch m.Y {
	case proto.TypeQuery:
		if !d.allow(from.Addr()) {
			return
		}
		d.handleQuery(from, m)

	case proto.TypeResponse, proto.TypeError:
		d.mu.RLock()
		txs := d.tx
		d.mu.RUnlock()
		var tx *transaction
		if txs != nil {
			tx = txs.take(m.T, from)
		}
		if tx == nil {
			d.log.WithField("addr", from.String()).Debug("dropping reply for unknown transaction")
			return
		}
		if m.Y == proto.TypeResponse {
			d.observe(from, m)
			if m.IP.IsValid() {
				d.noteExternal(m.IP)
			}
		}
		tx.ch <- m

	default:
		d.emitInbound(Inbound{From: from, Msg: m})
	}
}

// observe inserts the sender of a query or response into the routing table.
func (d *DHT) observe(from netip.AddrPort, m proto.Message) {
	id, err := m.SenderID()
	if err != nil {
		return
	}
	nid := NodeID(id)
	if nid == d.self {
		return
	}
	if d.rt.Insert(Contact{ID: nid, Addr: from}) {
		d.cache.NoteSuccess(nid, from)
	}
}

func (d *DHT) allow(ip netip.Addr) bool {
	return d.limiter.allow(ip, time.Now())
}

func (d *DHT) handleQuery(from netip.AddrPort, m proto.Message) {
	log := d.log.WithFields(logrus.Fields{"addr": from.String(), "method": m.Q})

	if _, err := m.SenderID(); err != nil {
		switch m.Q {
		case proto.MethodPing, proto.MethodFindNode, proto.MethodGetPeers, proto.MethodAnnouncePeer:
			d.replyError(from, m.T, proto.ErrCodeProtocol, "missing or invalid id")
			return
		}
	}

	switch m.Q {
	case proto.MethodPing:
		d.observe(from, m)
		d.reply(from, m.T, d.selfArgs())

	case proto.MethodFindNode:
		target, err := proto.ID20(m.A, "target")
		if err != nil {
			d.replyError(from, m.T, proto.ErrCodeProtocol, "missing or invalid target")
			return
		}
		d.observe(from, m)
		d.reply(from, m.T, d.withNodes(d.selfArgs(), NodeID(target), from))

	case proto.MethodGetPeers:
		key, err := proto.ID20(m.A, "info_hash")
		if err != nil {
			d.replyError(from, m.T, proto.ErrCodeProtocol, "missing or invalid info_hash")
			return
		}
		d.observe(from, m)
		r := d.selfArgs().Set("token", bencode.Bytes(d.tokens.Issue(from.Addr())))
		if peers := d.peers.Get(NodeID(key), 50); len(peers) > 0 {
			r.Set("values", proto.EncodePeers(peers))
		} else {
			r = d.withNodes(r, NodeID(key), from)
		}
		d.reply(from, m.T, r)

	case proto.MethodAnnouncePeer:
		key, err := proto.ID20(m.A, "info_hash")
		if err != nil {
			d.replyError(from, m.T, proto.ErrCodeProtocol, "missing or invalid info_hash")
			return
		}
		tok, err := m.A.Bytes("token")
		if err != nil || !d.tokens.Valid(from.Addr(), tok) {
			log.Debug("rejecting announce with bad token")
			d.replyError(from, m.T, proto.ErrCodeProtocol, "bad token")
			return
		}
		port := from.Port()
		if implied, err := m.A.Int("implied_port"); err != nil || implied == 0 {
			p, err := m.A.Int("port")
			if err != nil || p <= 0 || p > 0xffff {
				d.replyError(from, m.T, proto.ErrCodeProtocol, "missing or invalid port")
				return
			}
			port = uint16(p)
		}
		d.observe(from, m)
		d.peers.Add(NodeID(key), netip.AddrPortFrom(from.Addr(), port))
		log.WithField("port", port).Debug("stored announced peer")
		d.reply(from, m.T, d.selfArgs())

	default:
		// extension methods belong to the layer above
		d.emitInbound(Inbound{From: from, Msg: m})
	}
}

func (d *DHT) selfArgs() *bencode.Dict {
	return bencode.NewDict().Set("id", bencode.Bytes(d.self[:]))
}

// withNodes adds the K closest contacts to target, excluding the requester.
func (d *DHT) withNodes(r *bencode.Dict, target NodeID, requester netip.AddrPort) *bencode.Dict {
	closest := d.rt.FindClosest(target, d.cfg.K+1)
	nodes := make([]proto.CompactNode, 0, len(closest))
	for _, c := range closest {
		if c.Addr == requester || len(nodes) == d.cfg.K {
			continue
		}
		nodes = append(nodes, proto.CompactNode{ID: c.ID, Addr: c.Addr})
	}
	v4, v6 := proto.EncodeNodes(nodes)
	r.Set("nodes", bencode.Bytes(v4))
	if len(v6) > 0 {
		r.Set("nodes6", bencode.Bytes(v6))
	}
	return r
}

func (d *DHT) reply(to netip.AddrPort, t []byte, r *bencode.Dict) {
	m := proto.NewResponse(t, r)
	m.IP = to
	if err := d.sendMessage(to, m); err != nil {
		d.log.WithFields(logrus.Fields{"addr": to.String(), "error": err.Error()}).Debug("reply failed")
	}
}

func (d *DHT) replyError(to netip.AddrPort, t []byte, code int, msg string) {
	if err := d.sendMessage(to, proto.NewError(t, code, msg)); err != nil {
		d.log.WithFields(logrus.Fields{"addr": to.String(), "error": err.Error()}).Debug("error reply failed")
	}
}
