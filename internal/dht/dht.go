// Package dht implements a Kademlia DHT client speaking bencoded KRPC over
// UDP: routing table, transactions with timeouts and retries, iterative
// lookups, and the get_peers/announce_peer directory used for room
// discovery.
package dht

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"dht-chat/internal/bencode"
	"dht-chat/internal/proto"
)

var (
	ErrClosed     = errors.New("dht: closed")
	ErrNotRunning = errors.New("dht: not running")
	ErrRunning    = errors.New("dht: already running")
)

// Inbound is a datagram the DHT did not consume: unknown query methods and
// dictionaries that are not KRPC.
type Inbound struct {
	From netip.AddrPort
	Msg  proto.Message
}

type DHT struct {
	self      NodeID
	cfg       Config
	log       logrus.FieldLogger
	metrics   Metrics
	nodeStore NodeStore

	rt     *RoutingTable
	tokens *tokenMint
	peers  *peerStore
	cache  *nodeCache

	mu     sync.RWMutex
	conn   net.PacketConn
	tx     *txTable
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	limiter *queryLimiter

	extMu    sync.Mutex
	external netip.AddrPort // last address a responder reported for us

	inbound chan Inbound
}

type Option func(*DHT)

func WithLogger(l logrus.FieldLogger) Option {
	return func(d *DHT) {
		if l != nil {
			d.log = l.WithField("component", "dht")
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(d *DHT) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithNodeStore loads cached nodes on Serve and saves them on SaveNodes.
func WithNodeStore(s NodeStore) Option {
	return func(d *DHT) { d.nodeStore = s }
}

func WithDiversityPolicy(p DiversityPolicy) Option {
	return func(d *DHT) { d.rt.SetDiversityLimit(p.MaxPerSubnet) }
}

// New builds a DHT client. It owns no socket until Serve or Listen.
func New(self NodeID, cfg Config, opts ...Option) *DHT {
	cfg = cfg.withDefaults()
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	d := &DHT{
		self:    self,
		cfg:     cfg,
		log:     quiet.WithField("component", "dht"),
		metrics: NoopMetrics{},
		rt:      NewRoutingTable(self, cfg.K),
		tokens:  newTokenMint(cfg.TokenRotate),
		peers:   newPeerStore(cfg.MaxKeys, cfg.MaxPeersPerKey, cfg.PeerTTL),
		cache:   newNodeCache(0),
		limiter: newQueryLimiter(cfg.RateLimit, cfg.RateBurst, maxRateEntries),
		inbound: make(chan Inbound, cfg.InboundBuffer),
	}
	d.rt.SetEvictionPolicy(cfg.MaxFailures, cfg.FreshWindow)
	d.rt.SetDiversityLimit(cfg.MaxPerSubnet)
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *DHT) Self() NodeID                { return d.self }
func (d *DHT) Config() Config              { return d.cfg }
func (d *DHT) RoutingTable() *RoutingTable { return d.rt }

// Inbound delivers datagrams the DHT layer did not consume. The channel is
// never closed; readers should also watch their own context.
func (d *DHT) Inbound() <-chan Inbound { return d.inbound }

// Listen binds a UDP socket on addr and serves it.
func (d *DHT) Listen(addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("dht listen %s: %w", addr, err)
	}
	if err := d.Serve(conn); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// Serve starts the receive loop on conn. The DHT takes ownership of conn.
func (d *DHT) Serve(conn net.PacketConn) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return ErrRunning
	}
	d.conn = conn
	d.tx = newTxTable()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	ctx := d.ctx
	d.mu.Unlock()

	if d.nodeStore != nil {
		recs, err := d.nodeStore.LoadNodes()
		if err != nil {
			d.log.WithError(err).Warn("load node cache failed")
		} else {
			d.cache.load(recs)
		}
	}

	d.log.WithField("addr", conn.LocalAddr().String()).Info("dht listening")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.readLoop(ctx, conn)
	}()
	return nil
}

// Close stops the receive loop and fails every pending transaction. Late
// responses are dropped. The DHT may be served again afterwards.
func (d *DHT) Close() error {
	d.mu.Lock()
	conn, cancel, tx := d.conn, d.cancel, d.tx
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}

	cancel()
	tx.closeAll()
	err := conn.Close()
	d.wg.Wait()
	d.log.Info("dht closed")
	return err
}

// Running reports whether a socket is being served.
func (d *DHT) Running() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn != nil
}

// LocalAddr returns the bound UDP endpoint.
// ExternalAddr returns the address the last responding node saw us at.
func (d *DHT) ExternalAddr() (netip.AddrPort, bool) {
	d.extMu.Lock()
	defer d.extMu.Unlock()
	return d.external, d.external.IsValid()
}

func (d *DHT) noteExternal(ap netip.AddrPort) {
	ap = normalize(ap)
	d.extMu.Lock()
	changed := d.external != ap
	d.external = ap
	d.extMu.Unlock()
	if changed {
		d.log.WithField("addr", ap.String()).Debug("external address reported")
	}
}

func (d *DHT) LocalAddr() (netip.AddrPort, bool) {
	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()
	if conn == nil {
		return netip.AddrPort{}, false
	}
	return addrPortOf(conn.LocalAddr())
}

// SaveNodes writes the node cache to the configured NodeStore.
func (d *DHT) SaveNodes() error {
	if d.nodeStore == nil {
		return nil
	}
	for _, c := range d.rt.Contacts() {
		if !c.LastSeen.IsZero() {
			d.cache.NoteSuccess(c.ID, c.Addr)
		}
	}
	return d.nodeStore.SaveNodes(d.cache.records())
}

// CachedNodes returns remembered nodes, best first.
func (d *DHT) CachedNodes(limit int) []netip.AddrPort {
	return d.cache.Candidates(d.cfg.MaxFailures, limit)
}

// Send writes one bencoded dictionary to addr.
func (d *DHT) Send(addr netip.AddrPort, msg *bencode.Dict) error {
	b, err := bencode.Encode(bencode.DictValue(msg))
	if err != nil {
		return err
	}
	return d.write(addr, b)
}

func (d *DHT) sendMessage(addr netip.AddrPort, m proto.Message) error {
	if d.cfg.Version != "" {
		m.V = []byte(d.cfg.Version)
	}
	b, err := m.Encode()
	if err != nil {
		return err
	}
	return d.write(addr, b)
}

func (d *DHT) write(addr netip.AddrPort, b []byte) error {
	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()
	if conn == nil {
		return ErrNotRunning
	}
	if _, err := conn.WriteTo(b, net.UDPAddrFromAddrPort(addr)); err != nil {
		return fmt.Errorf("dht write %s: %w", addr, err)
	}
	return nil
}

func (d *DHT) state() (*txTable, context.Context, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil, nil, ErrNotRunning
	}
	return d.tx, d.ctx, nil
}

// bound derives a context that also ends when the DHT is closed.
func (d *DHT) bound(ctx context.Context) (context.Context, context.CancelFunc, error) {
	_, run, err := d.state()
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(run, cancel)
	return ctx, func() { stop(); cancel() }, nil
}

func (d *DHT) readLoop(ctx context.Context, conn net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.WithError(err).Debug("read failed")
			continue
		}
		from, ok := addrPortOf(addr)
		if !ok {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		d.handlePacket(from, pkt)
	}
}

func (d *DHT) emitInbound(in Inbound) {
	select {
	case d.inbound <- in:
	default:
		d.log.WithField("addr", in.From.String()).Debug("inbound queue full, dropping")
	}
}

func addrPortOf(a net.Addr) (netip.AddrPort, bool) {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return normalize(ap), true
	}
	return normalize(ua.AddrPort()), true
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
