package dht

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"dht-chat/internal/bencode"
	"dht-chat/internal/proto"
)

// ErrTimeout is returned when a query got no answer after every retry.
var ErrTimeout = errors.New("dht: query timed out")

// query sends method to addr and waits for the matching response, retrying
// timeouts up to cfg.Retries times. A contact that still does not answer is
// marked stale in the routing table. KRPC error replies are returned as
// *proto.KRPCError and are not retried.
func (d *DHT) query(ctx context.Context, addr netip.AddrPort, method string, args *bencode.Dict) (proto.Message, error) {
	addr = normalize(addr)
	if args == nil {
		args = bencode.NewDict()
	}
	args.Set("id", bencode.Bytes(d.self[:]))

	var resp proto.Message
	attempt := 0
	op := func() error {
		attempt++
		m, err := d.queryOnce(ctx, addr, method, args)
		if err == nil {
			resp = m
			return nil
		}
		if errors.Is(err, ErrTimeout) {
			d.log.WithFields(logrus.Fields{
				"addr":    addr.String(),
				"method":  method,
				"attempt": attempt,
			}).Debug("query timed out")
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(d.cfg.Retries)), ctx)
	err := backoff.Retry(op, policy)
	d.metrics.IncRPC(method, err == nil)
	if err == nil {
		d.rt.MarkFresh(addr)
	}

	if errors.Is(err, ErrTimeout) {
		if id, known := d.rt.Lookup(addr); known {
			d.cache.NoteFailure(id.ID)
		}
		if d.rt.MarkStale(addr) {
			d.log.WithField("addr", addr.String()).Debug("evicted unresponsive contact")
		}
	}
	return resp, err
}

func (d *DHT) queryOnce(ctx context.Context, addr netip.AddrPort, method string, args *bencode.Dict) (proto.Message, error) {
	txs, _, err := d.state()
	if err != nil {
		return proto.Message{}, err
	}
	tx, err := txs.open(addr, method)
	if err != nil {
		return proto.Message{}, err
	}

	if err := d.sendMessage(addr, proto.NewQuery([]byte(tx.id), method, args)); err != nil {
		txs.drop(tx)
		return proto.Message{}, err
	}

	timer := time.NewTimer(d.cfg.QueryTimeout)
	defer timer.Stop()

	select {
	case m, ok := <-tx.ch:
		if !ok {
			return proto.Message{}, ErrClosed
		}
		if m.Y == proto.TypeError {
			return m, m.E
		}
		return m, nil
	case <-timer.C:
		txs.drop(tx)
		return proto.Message{}, ErrTimeout
	case <-ctx.Done():
		txs.drop(tx)
		return proto.Message{}, ctx.Err()
	}
}

// Ping checks liveness and returns the responder's ID.
func (d *DHT) Ping(ctx context.Context, addr netip.AddrPort) (NodeID, error) {
	resp, err := d.query(ctx, addr, proto.MethodPing, nil)
	if err != nil {
		return NodeID{}, err
	}
	id, err := resp.SenderID()
	return NodeID(id), err
}

// nodesReply is the parsed body of a find_node or get_peers response.
type nodesReply struct {
	from   Contact
	nodes  []proto.CompactNode
	values []netip.AddrPort
	token  []byte
}

func (d *DHT) queryNodes(ctx context.Context, addr netip.AddrPort, method string, target NodeID) (nodesReply, error) {
	args := bencode.NewDict()
	switch method {
	case proto.MethodGetPeers:
		args.Set("info_hash", bencode.Bytes(target[:]))
	default:
		args.Set("target", bencode.Bytes(target[:]))
	}
	resp, err := d.query(ctx, addr, method, args)
	if err != nil {
		return nodesReply{}, err
	}
	id, err := resp.SenderID()
	if err != nil {
		return nodesReply{}, err
	}
	return parseNodesReply(Contact{ID: NodeID(id), Addr: normalize(addr)}, resp.R)
}

func parseNodesReply(from Contact, r *bencode.Dict) (nodesReply, error) {
	out := nodesReply{from: from}
	if b, err := r.Bytes("nodes"); err == nil {
		ns, err := proto.DecodeNodes(b, false)
		if err != nil {
			return out, err
		}
		out.nodes = append(out.nodes, ns...)
	}
	if b, err := r.Bytes("nodes6"); err == nil {
		ns, err := proto.DecodeNodes(b, true)
		if err != nil {
			return out, err
		}
		out.nodes = append(out.nodes, ns...)
	}
	if v, ok := r.Get("values"); ok {
		ps, err := proto.DecodePeers(v)
		if err != nil {
			return out, err
		}
		out.values = ps
	}
	if tok, err := r.Bytes("token"); err == nil {
		out.token = tok
	}
	return out, nil
}

func (d *DHT) announceTo(ctx context.Context, c Contact, key NodeID, port uint16, impliedPort bool, token []byte) error {
	args := bencode.NewDict().
		Set("info_hash", bencode.Bytes(key[:])).
		Set("port", bencode.Int(int64(port))).
		Set("token", bencode.Bytes(token))
	if impliedPort {
		args.Set("implied_port", bencode.Int(1))
	}
	_, err := d.query(ctx, c.Addr, proto.MethodAnnouncePeer, args)
	return err
}
