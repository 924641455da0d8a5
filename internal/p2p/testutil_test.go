package p2p

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Notification
}

func (r *recorder) add(n Notification) {
	r.mu.Lock()
	r.events = append(r.events, n)
	r.mu.Unlock()
}

func (r *recorder) OnInitialized()       { r.add(Notification{Type: EventInitialized}) }
func (r *recorder) OnPeerJoined(p *Peer) { r.add(Notification{Type: EventPeerJoined, Peer: p}) }
func (r *recorder) OnPeerLeft(p *Peer)   { r.add(Notification{Type: EventPeerLeft, Peer: p}) }
func (r *recorder) OnPeersListChanged()  { r.add(Notification{Type: EventPeersListChanged}) }
func (r *recorder) OnMessageReceived(p *Peer, text string) {
	r.add(Notification{Type: EventMessageReceived, Peer: p, Text: text})
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) messages() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, e := range r.events {
		if e.Type == EventMessageReceived {
			out = append(out, e)
		}
	}
	return out
}

type coreTestOpt func(*Config)

func withBootstrap(seeds ...string) coreTestOpt {
	return func(cfg *Config) { cfg.Bootstrap = seeds }
}

func withSecureChannel() coreTestOpt {
	return func(cfg *Config) { cfg.SecureChannel = true }
}

func withConfig(fn func(*Config)) coreTestOpt { return fn }

func testConfig(name string) Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.BindHost = "127.0.0.1"
	cfg.AnnounceInterval = 100 * time.Millisecond
	cfg.DialTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.DHT.QueryTimeout = 300 * time.Millisecond
	cfg.DHT.Retries = 1
	cfg.DHT.RateLimit = 10000
	cfg.DHT.RateBurst = 10000
	if testing.Verbose() {
		l := logrus.New()
		l.SetLevel(logrus.DebugLevel)
		cfg.Log = l.WithField("node", name)
	} else {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Log = l
	}
	return cfg
}

// newTestCore builds a disconnected core bound to localhost and closes it
// when the test ends.
func newTestCore(t *testing.T, name string, opts ...coreTestOpt) (*Core, *recorder) {
	t.Helper()
	cfg := testConfig(name)
	for _, o := range opts {
		o(&cfg)
	}
	rec := &recorder{}
	c, err := New(rec, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func connectedCore(t *testing.T, name string, opts ...coreTestOpt) (*Core, *recorder) {
	t.Helper()
	c, rec := newTestCore(t, name, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c, rec
}

func udpAddr(t *testing.T, c *Core) netip.AddrPort {
	t.Helper()
	ap, ok := c.DHT().LocalAddr()
	require.True(t, ok)
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

var loopback = netip.MustParseAddr("127.0.0.1")

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func peerOn(c *Core, port uint16) *Peer {
	for _, p := range c.Peers() {
		if p.Endpoint() == netip.AddrPortFrom(loopback, port) {
			return p
		}
	}
	return nil
}
