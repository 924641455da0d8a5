package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dht-chat/internal/crypto/noiseconn"
	"dht-chat/internal/dht"
	"dht-chat/internal/netx"
	"dht-chat/internal/proto"
)

const writeTimeout = 10 * time.Second

var (
	errSessionClosed = errors.New("p2p: session closed")
	errNoSuccessor   = errors.New("p2p: replacement session never arrived")
)

// session is one TCP connection to a peer. Writes go through writeLoop;
// reads run in readLoop.
type session struct {
	core   *Core
	peer   *Peer
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	sendCh chan proto.Envelope
	dialer dht.NodeID // the side that opened the connection
	log    logrus.FieldLogger

	parent   context.Context
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	qmu      sync.Mutex
	stopped  bool // guarded by qmu
	bye      bool
	replaced bool
	readDone chan struct{}

	remoteRetired atomic.Bool
}

func (s *session) alive() bool { return s.ctx != nil && s.ctx.Err() == nil }

// shutdown stops the session and closes the connection. With bye the
// queued envelopes and a bye go out first.
func (s *session) shutdown(bye bool) {
	s.once.Do(func() {
		s.stop()
		s.bye = bye
		s.cancel()
	})
}

// retire stops writing on a session that lost to another one. The remote
// is told, and reading goes on until its bye so nothing it already sent
// is lost.
func (s *session) retire() {
	s.once.Do(func() {
		s.stop()
		s.replaced = true
		s.cancel()
	})
}

// stop refuses further envelopes.
func (s *session) stop() {
	s.qmu.Lock()
	s.stopped = true
	s.qmu.Unlock()
}

func (s *session) enqueue(env proto.Envelope) error {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.stopped || !s.alive() {
		return errSessionClosed
	}
	select {
	case s.sendCh <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *session) write(env proto.Envelope) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.enc.Encode(env)
}

func (s *session) writeLoop() {
	defer s.conn.Close()
	for {
		select {
		case env := <-s.sendCh:
			if err := s.write(env); err != nil {
				s.log.WithError(err).Debug("write failed")
				s.core.sessionDown(s, err)
				return
			}
		case <-s.ctx.Done():
			switch {
			case s.bye:
				s.flush()
			case s.replaced:
				s.handOff()
			}
			return
		}
	}
}

// handOff says goodbye on a retired session and waits for the read side
// to finish, bounded by the handshake timeout.
func (s *session) handOff() {
	_ = s.write(proto.Envelope{Type: proto.MsgBye, FromID: s.core.self.Hex(), Payload: proto.MustMarshal(proto.Bye{Replaced: true})})
	_ = s.conn.SetReadDeadline(time.Now().Add(s.core.cfg.HandshakeTimeout))
	select {
	case <-s.readDone:
	case <-s.parent.Done():
	}
}

// flush writes what is still queued, then a bye.
func (s *session) flush() {
	for {
		select {
		case env := <-s.sendCh:
			if err := s.write(env); err != nil {
				return
			}
		default:
			_ = s.write(proto.Envelope{Type: proto.MsgBye, FromID: s.core.self.Hex()})
			return
		}
	}
}

func (s *session) readLoop() {
	defer close(s.readDone)
	for {
		var env proto.Envelope
		if err := s.dec.Decode(&env); err != nil {
			if s.alive() {
				s.log.WithError(err).Debug("read failed")
			}
			s.core.sessionDown(s, err)
			return
		}
		switch env.Type {
		case proto.MsgChat:
			var msg proto.ChatMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				s.log.WithError(err).Debug("bad chat payload")
				continue
			}
			s.core.handleChat(s, msg)
		case proto.MsgBye:
			var bye proto.Bye
			if len(env.Payload) > 0 {
				_ = json.Unmarshal(env.Payload, &bye)
			}
			if bye.Replaced && s.alive() {
				s.awaitSuccessor()
				return
			}
			s.core.sessionDown(s, nil)
			return
		default:
			s.log.WithField("type", string(env.Type)).Debug("unexpected envelope")
		}
	}
}

// awaitSuccessor runs when the remote retired this session in favour of
// another one. The session stays current, so the peer stays online, until
// the other session attaches here. If it never does the peer is gone.
func (s *session) awaitSuccessor() {
	s.log.Debug("remote retired session")
	s.remoteRetired.Store(true)
	t := time.NewTimer(s.core.cfg.HandshakeTimeout)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
		s.core.sessionDown(s, errNoSuccessor)
	}
}

func (c *Core) hello() proto.Envelope {
	h := proto.Hello{
		Name:     c.Profile().Name,
		NodeID:   c.self.Hex(),
		Port:     c.TCPListenerPort(),
		Protocol: c.cfg.Protocol,
	}
	return proto.Envelope{Type: proto.MsgHello, FromID: c.self.Hex(), Payload: proto.MustMarshal(h)}
}

// establish runs the optional Noise handshake and the hello exchange on
// raw, registers the peer and attaches the session. dialed is the endpoint
// we dialed, or invalid for inbound connections. The returned session may
// be an existing one that won the tie-break.
func (c *Core) establish(ctx context.Context, raw net.Conn, dialed netip.AddrPort) (*session, error) {
	outbound := dialed.IsValid()
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn := raw
	if c.cfg.SecureChannel {
		var sc *noiseconn.SecureConn
		var err error
		if outbound {
			sc, err = noiseconn.Client(hctx, raw, c.noiseKey)
		} else {
			sc, err = noiseconn.Server(hctx, raw, c.noiseKey)
		}
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("noise handshake: %w", err)
		}
		conn = sc
	}

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(bufio.NewReader(conn))

	hello, err := c.exchangeHello(hctx, conn, enc, dec)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	remoteID, err := dht.ParseNodeIDHex(hello.NodeID)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	if remoteID == c.self {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: connected to self", ErrInvalidEndpoint)
	}

	endpoint := dialed
	if !outbound {
		remote, err := netip.ParseAddrPort(conn.RemoteAddr().String())
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("remote address: %w", err)
		}
		endpoint = netip.AddrPortFrom(remote.Addr().Unmap(), hello.Port)
	}
	p, err := c.AddPeer(endpoint.Addr(), endpoint.Port())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.learn(&remoteID, hello.Name)
	p.touch(c.now())

	s := &session{
		core:     c,
		peer:     p,
		conn:     conn,
		enc:      enc,
		dec:      dec,
		sendCh:   make(chan proto.Envelope, c.cfg.SendBuffer),
		readDone: make(chan struct{}),
		dialer:   remoteID,
		log:      c.log.WithFields(logrus.Fields{"peer": endpoint.String(), "inbound": !outbound}),
	}
	if outbound {
		s.dialer = c.self
	}

	cur, attached := c.attach(s)
	if !attached && cur == nil {
		_ = conn.Close()
		return nil, ErrNotConnected
	}
	return cur, nil
}

func (c *Core) exchangeHello(ctx context.Context, conn net.Conn, enc *json.Encoder, dec *json.Decoder) (proto.Hello, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := enc.Encode(c.hello()); err != nil {
		return proto.Hello{}, fmt.Errorf("send hello: %w", err)
	}
	var env proto.Envelope
	if err := dec.Decode(&env); err != nil {
		return proto.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	if env.Type != proto.MsgHello {
		return proto.Hello{}, fmt.Errorf("%w: expected hello, got %q", ErrProtocol, env.Type)
	}
	var h proto.Hello
	if err := json.Unmarshal(env.Payload, &h); err != nil {
		return proto.Hello{}, fmt.Errorf("hello payload: %w", err)
	}
	if h.Protocol != c.cfg.Protocol {
		return proto.Hello{}, fmt.Errorf("%w: %q", ErrProtocol, h.Protocol)
	}
	return h, nil
}

// keepNew decides between two sessions to the same peer. Both ends pick
// the connection dialed by the lower NodeID, unless the remote already
// retired the old one.
func keepNew(old, s *session) bool {
	if !old.alive() || old.remoteRetired.Load() || old.dialer == s.dialer {
		return true
	}
	return bytes.Compare(s.dialer[:], old.dialer[:]) < 0
}

// attach makes s the peer's session. It returns the session in use and
// whether it is s. A session that loses the tie-break is retired rather
// than dropped.
func (c *Core) attach(s *session) (*session, bool) {
	c.mu.Lock()
	if c.state != Connected && c.state != Connecting {
		c.mu.Unlock()
		return nil, false
	}
	p := s.peer
	p.mu.Lock()
	old := p.sess
	s.parent = c.runCtx
	s.ctx, s.cancel = context.WithCancel(c.runCtx)
	if old != nil && !keepNew(old, s) {
		p.mu.Unlock()
		c.wg.Add(2)
		c.mu.Unlock()
		// the loser still reads whatever the remote sent before it
		// learns about the tie-break
		s.retire()
		c.startLoops(s)
		s.log.Debug("session lost tie-break")
		return old, false
	}
	p.sess = s
	wasOnline := p.online
	p.online = true
	p.mu.Unlock()
	c.sessions[s] = struct{}{}
	if old != nil {
		delete(c.sessions, old)
	}
	c.wg.Add(2)
	c.mu.Unlock()
	c.startLoops(s)

	if old != nil {
		old.retire()
		moveQueued(old, s)
		s.log.Debug("session replaced")
	}
	if !wasOnline {
		s.log.WithField("name", p.Name()).Info("peer joined")
		c.events.emit(Notification{Type: EventPeerJoined, Peer: p})
		c.events.emit(Notification{Type: EventPeersListChanged})
	}
	return s, true
}

// startLoops runs the session's loops. The caller has added them to c.wg.
func (c *Core) startLoops(s *session) {
	go func() {
		defer c.wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer c.wg.Done()
		s.readLoop()
	}()
}

// moveQueued hands envelopes still queued on a replaced session to its
// successor.
func moveQueued(from, to *session) {
	for {
		select {
		case env := <-from.sendCh:
			_ = to.enqueue(env)
		default:
			return
		}
	}
}

// detach clears s from its peer and reports whether s was the peer's
// current session.
func (c *Core) detach(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
	p := s.peer
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != s {
		return false
	}
	p.sess = nil
	p.online = false
	return true
}

func (c *Core) sessionDown(s *session, cause error) {
	s.shutdown(false)
	if !c.detach(s) {
		return
	}
	l := s.log
	if cause != nil {
		l = l.WithError(cause)
	}
	l.Info("peer left")
	c.events.emit(Notification{Type: EventPeerLeft, Peer: s.peer})
	c.events.emit(Notification{Type: EventPeersListChanged})
}

// closeSessions says goodbye on every session. Called while disconnecting.
func (c *Core) closeSessions() {
	c.mu.RLock()
	all := make([]*session, 0, len(c.sessions))
	for s := range c.sessions {
		all = append(all, s)
	}
	c.mu.RUnlock()
	for _, s := range all {
		s.shutdown(true)
		c.sessionDown(s, nil)
	}
}

func (c *Core) acceptLoop(ctx context.Context, network netx.Network) {
	for {
		conn, err := network.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				c.log.WithError(err).Warn("accept failed")
			}
			return
		}
		c.goRun(func() {
			if _, err := c.establish(ctx, conn, netip.AddrPort{}); err != nil {
				c.log.WithFields(logrus.Fields{"addr": conn.RemoteAddr().String(), "error": err.Error()}).Debug("inbound session rejected")
			}
		})
	}
}

func (c *Core) handleChat(s *session, msg proto.ChatMessage) {
	if c.seen.Seen(msg.ID) {
		return
	}
	p := s.peer
	c.UpdatePeer(p.Endpoint())
	at := c.now()
	if msg.Timestamp > 0 {
		at = time.Unix(msg.Timestamp, 0)
	}
	c.events.emit(Notification{Type: EventMessageReceived, Peer: p, Text: msg.Text, MessageID: msg.ID, At: at})
}
