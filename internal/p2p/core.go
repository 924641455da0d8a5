// Package p2p is the communicator core: it owns the peer registry, drives
// the connect/disconnect lifecycle, announces rooms on the DHT and carries
// chat over per-peer TCP sessions.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"dht-chat/internal/bootstrap"
	"dht-chat/internal/crypto/noiseconn"
	"dht-chat/internal/dht"
	"dht-chat/internal/discovery"
	"dht-chat/internal/nat"
	"dht-chat/internal/netx"
	"dht-chat/internal/storage"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

type Core struct {
	cfg   Config
	log   logrus.FieldLogger
	store storage.Store
	nat   nat.Resolver
	now   func() time.Time

	self     dht.NodeID
	noiseKey noise.DHKey
	dht      *dht.DHT
	peers    *peerSet
	events   *dispatcher
	seen     *seenCache
	dials    singleflight.Group

	// opMu serializes Connect and Disconnect.
	opMu sync.Mutex

	mu       sync.RWMutex
	profile  storage.Profile
	state    State
	tcpPort  uint16
	ext      netip.AddrPort
	network  netx.Network
	runCtx   context.Context
	cancel   context.CancelFunc
	rooms    map[string]context.CancelFunc
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

// New builds a disconnected core. host receives every notification.
func New(host Host, cfg Config) (*Core, error) {
	if host == nil {
		return nil, ErrNilHost
	}
	cfg = cfg.withDefaults()

	log := cfg.Log
	if log == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		log = quiet
	}
	store := cfg.Store
	if store == nil {
		store = storage.NewMemStore()
	}
	resolver := cfg.NAT
	if resolver == nil {
		resolver = nat.Local{}
	}

	c := &Core{
		cfg:      cfg,
		log:      log.WithField("component", "p2p"),
		store:    store,
		nat:      resolver,
		now:      time.Now,
		peers:    newPeerSet(),
		seen:     newSeenCache(4096, 10*time.Minute),
		tcpPort:  cfg.TCPPort,
		rooms:    make(map[string]context.CancelFunc),
		sessions: make(map[*session]struct{}),
	}

	if err := c.loadProfile(); err != nil {
		return nil, err
	}
	c.loadPeers()

	c.dht = dht.New(c.self, cfg.DHT,
		dht.WithLogger(log),
		dht.WithMetrics(cfg.Metrics),
		dht.WithNodeStore(store),
	)
	c.events = newDispatcher(host, func(n Notification) {
		c.log.WithField("event", string(n.Type)).Debug("notification tap full, dropping")
	})
	return c, nil
}

func (c *Core) loadProfile() error {
	p, err := c.store.LoadProfile()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p = storage.Profile{NodeID: dht.RandomNodeID().Hex(), CreatedAt: time.Now().UTC()}
	case err != nil:
		return fmt.Errorf("p2p: load profile: %w", err)
	}

	id, err := dht.ParseNodeIDHex(p.NodeID)
	if err != nil {
		return fmt.Errorf("p2p: stored profile: %w", err)
	}
	if c.cfg.Name != "" {
		p.Name = c.cfg.Name
	}
	if c.cfg.SecureChannel {
		if len(p.NoisePriv) == 0 || len(p.NoisePub) == 0 {
			kp, err := noiseconn.GenerateKeypair()
			if err != nil {
				return fmt.Errorf("p2p: noise key: %w", err)
			}
			p.NoisePriv, p.NoisePub = kp.Private, kp.Public
		}
		c.noiseKey = noise.DHKey{Private: p.NoisePriv, Public: p.NoisePub}
	}

	c.self = id
	c.profile = p
	if err := c.store.SaveProfile(p); err != nil {
		c.log.WithError(err).Warn("save profile failed")
	}
	return nil
}

func (c *Core) IsConnected() bool { return c.State() == Connected }

func (c *Core) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Core) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Debug("state changed")
	}
}

func (c *Core) Profile() storage.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

func (c *Core) NodeID() dht.NodeID   { return c.self }
func (c *Core) DHT() *dht.DHT        { return c.dht }
func (c *Core) Store() storage.Store { return c.store }

// Notifications returns a channel that receives a copy of every
// notification. Host callbacks keep firing; a full channel drops.
func (c *Core) Notifications() <-chan Notification {
	return c.events.subscribe(256)
}

func (c *Core) TCPListenerPort() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tcpPort
}

// SetTCPListenerPort changes the port used by the next Connect.
func (c *Core) SetTCPListenerPort(port uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Disconnected {
		return fmt.Errorf("p2p: cannot change listener port while %s", c.state)
	}
	c.tcpPort = port
	return nil
}

// ExternalAddr is the endpoint the NAT resolver reported on Connect.
func (c *Core) ExternalAddr() (netip.AddrPort, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ext, c.ext.IsValid()
}

func (c *Core) isSelf(ap netip.AddrPort) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ext.IsValid() && ap == c.ext {
		return true
	}
	return ap.Port() == c.tcpPort && ap.Addr().IsLoopback()
}

// Connect binds the TCP listener and the DHT socket, resolves the external
// address and starts background work. Bootstrap runs in the background.
// Connect on a connected core is a no-op.
func (c *Core) Connect(ctx context.Context) error {
	if !c.opMu.TryLock() {
		return ErrBusy
	}
	defer c.opMu.Unlock()

	if c.State() == Connected {
		return nil
	}
	c.setState(Connecting)
	if err := c.connect(ctx); err != nil {
		c.setState(Disconnected)
		return err
	}
	c.setState(Connected)
	c.events.emit(Notification{Type: EventInitialized})
	return nil
}

func (c *Core) connect(ctx context.Context) error {
	opts := []netx.Option{netx.WithDialTimeout(c.cfg.DialTimeout)}
	if c.cfg.ProxyAddr != "" {
		opts = append(opts, netx.WithSOCKS5(c.cfg.ProxyAddr, "", ""))
	}
	network := netx.NewTCPNetwork(opts...)

	tcpAddr, err := network.Listen(net.JoinHostPort(c.cfg.BindHost, strconv.Itoa(int(c.TCPListenerPort()))))
	if err != nil {
		return fmt.Errorf("p2p connect: tcp listen: %w", err)
	}
	if err := c.dht.Listen(net.JoinHostPort(c.cfg.BindHost, strconv.Itoa(int(c.cfg.UDPPort)))); err != nil {
		_ = network.Close()
		return fmt.Errorf("p2p connect: %w", err)
	}
	ext, err := c.nat.Resolve(ctx, tcpAddr.Port())
	if err != nil {
		_ = c.dht.Close()
		_ = network.Close()
		return fmt.Errorf("p2p connect: resolve external address: %w", err)
	}
	udpAddr, _ := c.dht.LocalAddr()

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.network = network
	c.tcpPort = tcpAddr.Port()
	c.ext = ext
	c.runCtx, c.cancel = runCtx, cancel
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"tcp":      tcpAddr.String(),
		"udp":      udpAddr.String(),
		"external": ext.String(),
	}).Info("connected")

	c.goRun(func() { c.acceptLoop(runCtx, network) })
	c.goRun(func() { c.inboundLoop(runCtx) })
	c.goRun(func() { c.dht.RunRefresh(runCtx) })
	if c.cfg.LAN {
		c.goRun(func() {
			self := discovery.Self{ID: c.self[:], Name: c.Profile().Name, DHTPort: udpAddr.Port()}
			lanCfg := c.cfg.LANConfig
			lanCfg.Log = c.cfg.Log
			if err := discovery.StartLANResponder(runCtx, lanCfg, self); err != nil {
				c.log.WithError(err).Warn("lan responder stopped")
			}
		})
	}
	c.goRun(func() { c.bootstrap(runCtx) })
	return nil
}

func (c *Core) goRun(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Core) bootstrap(ctx context.Context) {
	sources := []bootstrap.Source{
		bootstrap.Static{Addrs: c.cfg.Bootstrap},
		bootstrap.NodeCache{Nodes: c.dht, Limit: 32},
	}
	if c.cfg.LAN {
		lanCfg := c.cfg.LANConfig
		lanCfg.Log = c.cfg.Log
		sources = append(sources, bootstrap.LAN{Cfg: lanCfg, SelfID: c.self[:]})
	}
	seeds := bootstrap.Gather(ctx, c.log, sources...)
	if err := c.dht.Bootstrap(ctx, seeds...); err != nil && ctx.Err() == nil {
		c.log.WithError(err).Warn("dht bootstrap failed")
	}
}

// Disconnect stops the DHT, closes every session and saves state. It is
// safe from any state and may be called repeatedly.
func (c *Core) Disconnect() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Disconnecting
	cancel, network := c.cancel, c.network
	c.rooms = make(map[string]context.CancelFunc)
	c.cancel, c.network = nil, nil
	c.mu.Unlock()

	c.closeSessions()
	if cancel != nil {
		cancel()
	}
	var errs []error
	if err := c.dht.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dht: %w", err))
	}
	if network != nil {
		if err := network.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	c.wg.Wait()

	c.save()

	c.mu.Lock()
	c.state = Disconnected
	c.ext = netip.AddrPort{}
	c.runCtx = nil
	c.mu.Unlock()
	c.log.Info("disconnected")
	return errors.Join(errs...)
}

// Close disconnects, delivers pending notifications and closes the store.
func (c *Core) Close() error {
	err := c.Disconnect()
	c.events.stop()
	return errors.Join(err, c.store.Close())
}

func (c *Core) runContext() (context.Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != Connected || c.runCtx == nil {
		return nil, ErrNotConnected
	}
	return c.runCtx, nil
}
