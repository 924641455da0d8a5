package p2p

import (
	"context"
	"crypto/rand"
	"errors"
	"net/netip"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"dht-chat/internal/dht"
	"dht-chat/internal/proto"
)

// Join announces us under the hash of key and starts looking for other
// members. Joining a room twice is a no-op.
func (c *Core) Join(key string) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := c.rooms[key]; ok {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(c.runCtx)
	c.rooms[key] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.roomLoop(ctx, key)
	}()
	c.log.WithField("room", key).Info("joined room")
	return nil
}

// Leave stops announcing under key. It reports false when we had not
// joined it.
func (c *Core) Leave(key string) bool {
	c.mu.Lock()
	cancel, ok := c.rooms[key]
	delete(c.rooms, key)
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	c.log.WithField("room", key).Info("left room")
	return true
}

func (c *Core) Rooms() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.rooms))
	for k := range c.rooms {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Core) roomLoop(ctx context.Context, room string) {
	t := time.NewTicker(c.cfg.AnnounceInterval)
	defer t.Stop()
	for {
		c.announceRoom(ctx, room)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *Core) announceRoom(ctx context.Context, room string) {
	key := dht.KeyFor(room)
	log := c.log.WithField("room", room)

	udp, _ := c.dht.LocalAddr()
	err := c.dht.Announce(ctx, key, udp.Port(), true)
	switch {
	case err == nil:
	case errors.Is(err, dht.ErrNoContacts), errors.Is(err, dht.ErrNoTokens):
		log.WithError(err).Debug("announce skipped")
	case ctx.Err() == nil:
		log.WithError(err).Warn("announce failed")
	}

	found := 0
	for ap := range c.dht.FindPeers(ctx, key) {
		found++
		c.sendPresence(ap, room, false)
	}
	log.WithField("found", found).Debug("room lookup finished")
}

func (c *Core) presence(room string, ack bool) proto.Presence {
	port := c.TCPListenerPort()
	if ext, ok := c.ExternalAddr(); ok && ext.Port() != 0 {
		port = ext.Port()
	}
	return proto.Presence{ID: c.self, Name: c.Profile().Name, Port: port, Room: room, Ack: ack}
}

func (c *Core) sendPresence(to netip.AddrPort, room string, ack bool) {
	t := make([]byte, 2)
	_, _ = rand.Read(t)
	msg := proto.NewQuery(t, proto.MethodPresence, c.presence(room, ack).Args())
	if err := c.dht.Send(to, msg.Dict()); err != nil {
		c.log.WithFields(logrus.Fields{"addr": to.String(), "error": err.Error()}).Debug("presence send failed")
	}
}

// inboundLoop handles datagrams the DHT passed up. Only presence queries
// are understood.
func (c *Core) inboundLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-c.dht.Inbound():
			c.handleInbound(ctx, in)
		}
	}
}

func (c *Core) handleInbound(ctx context.Context, in dht.Inbound) {
	log := c.log.WithField("addr", in.From.String())
	if in.Msg.Y != proto.TypeQuery || in.Msg.Q != proto.MethodPresence || in.Msg.A == nil {
		log.WithField("method", in.Msg.Q).Debug("ignoring inbound datagram")
		return
	}
	pres, err := proto.ParsePresence(in.Msg.A)
	if err != nil {
		log.WithError(err).Debug("bad presence")
		return
	}
	id := dht.NodeID(pres.ID)
	if id == c.self {
		return
	}
	p, err := c.AddPeer(in.From.Addr(), pres.Port)
	if err != nil {
		log.WithError(err).Debug("presence endpoint rejected")
		return
	}
	p.learn(&id, pres.Name)
	p.touch(c.now())
	log.WithFields(logrus.Fields{"peer": p.Endpoint().String(), "room": pres.Room, "ack": pres.Ack}).Debug("presence")

	if !pres.Ack {
		c.sendPresence(in.From, pres.Room, true)
	}
	if c.cfg.AutoConnect && p.session() == nil {
		c.goRun(func() {
			if _, err := c.sessionFor(ctx, p); err != nil && ctx.Err() == nil {
				log.WithError(err).Debug("auto-connect failed")
			}
		})
	}
}
