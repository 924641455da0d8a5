package dht

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dht-chat/internal/bencode"
	"dht-chat/internal/proto"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QueryTimeout = 500 * time.Millisecond
	cfg.Retries = 1
	cfg.RateLimit = 10_000
	cfg.RateBurst = 10_000
	return cfg
}

func startNode(t *testing.T, cfg Config) *DHT {
	t.Helper()
	d := New(RandomNodeID(), cfg)
	require.NoError(t, d.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func addrOf(t *testing.T, d *DHT) netip.AddrPort {
	t.Helper()
	ap, ok := d.LocalAddr()
	require.True(t, ok)
	return ap
}

// silentPeer is a UDP socket that never answers.
func silentPeer(t *testing.T) netip.AddrPort {
	t.Helper()
	ap, _ := countingPeer(t)
	return ap
}

// countingPeer is a silent peer that counts the datagrams it receives.
func countingPeer(t *testing.T) (netip.AddrPort, *atomic.Int32) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	var n atomic.Int32
	go func() {
		buf := make([]byte, 2048)
		for {
			if _, _, err := pc.ReadFrom(buf); err != nil {
				return
			}
			n.Add(1)
		}
	}()
	return normalize(pc.LocalAddr().(*net.UDPAddr).AddrPort()), &n
}

// rawPeer sends hand-built datagrams and reads replies.
type rawPeer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newRawPeer(t *testing.T) *rawPeer {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &rawPeer{t: t, conn: c}
}

func (p *rawPeer) addr() netip.AddrPort {
	return normalize(p.conn.LocalAddr().(*net.UDPAddr).AddrPort())
}

func (p *rawPeer) send(to netip.AddrPort, d *bencode.Dict) {
	p.t.Helper()
	b, err := bencode.Encode(bencode.DictValue(d))
	require.NoError(p.t, err)
	_, err = p.conn.WriteToUDPAddrPort(b, to)
	require.NoError(p.t, err)
}

func (p *rawPeer) recv() proto.Message {
	p.t.Helper()
	buf := make([]byte, 4096)
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := p.conn.ReadFromUDPAddrPort(buf)
	require.NoError(p.t, err)
	m, err := proto.ParseMessage(buf[:n])
	require.NoError(p.t, err)
	return m
}

func TestPing(t *testing.T) {
	a := startNode(t, testConfig())
	b := startNode(t, testConfig())

	id, err := a.Ping(context.Background(), addrOf(t, b))
	require.NoError(t, err)
	assert.Equal(t, b.Self(), id)

	c, ok := a.RoutingTable().Lookup(addrOf(t, b))
	require.True(t, ok, "responder is recorded")
	assert.Equal(t, b.Self(), c.ID)
	require.Eventually(t, func() bool {
		_, ok := b.RoutingTable().Lookup(addrOf(t, a))
		return ok
	}, time.Second, 10*time.Millisecond, "querier is recorded")
}

func TestPing_SuccessRefreshesContact(t *testing.T) {
	a := startNode(t, testConfig())
	b := startNode(t, testConfig())

	require.True(t, a.RoutingTable().Insert(Contact{ID: b.Self(), Addr: addrOf(t, b)}))
	a.RoutingTable().MarkStale(addrOf(t, b))

	_, err := a.Ping(context.Background(), addrOf(t, b))
	require.NoError(t, err)
	c, ok := a.RoutingTable().Lookup(addrOf(t, b))
	require.True(t, ok)
	assert.Zero(t, c.Failures)

	// responders report the address they saw us at
	ext, ok := a.ExternalAddr()
	require.True(t, ok)
	assert.Equal(t, addrOf(t, a), ext)
}

func TestPingTimeoutMarksStale(t *testing.T) {
	cfg := testConfig()
	cfg.QueryTimeout = 50 * time.Millisecond
	a := startNode(t, cfg)

	dead, received := countingPeer(t)
	deadID := RandomNodeID()
	require.True(t, a.RoutingTable().Insert(Contact{ID: deadID, Addr: dead}))

	_, err := a.Ping(context.Background(), dead)
	require.ErrorIs(t, err, ErrTimeout)
	require.Eventually(t, func() bool { return received.Load() == int32(cfg.Retries+1) },
		time.Second, 10*time.Millisecond, "first attempt plus retries")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(cfg.Retries+1), received.Load(), "no extra attempts")

	c, ok := a.RoutingTable().Lookup(dead)
	require.True(t, ok)
	assert.Equal(t, 1, c.Failures)
	assert.Zero(t, a.tx.Len(), "timed out transactions are dropped")
}

func TestCloseFailsPendingQueries(t *testing.T) {
	cfg := testConfig()
	cfg.QueryTimeout = 10 * time.Second
	a := startNode(t, cfg)
	dead := silentPeer(t)

	errc := make(chan error, 1)
	go func() {
		_, err := a.Ping(context.Background(), dead)
		errc <- err
	}()
	require.Eventually(t, func() bool { return a.tx.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("query not cancelled by Close")
	}
	assert.False(t, a.Running())

	_, err := a.Ping(context.Background(), dead)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestServeTwice(t *testing.T) {
	a := startNode(t, testConfig())
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	assert.ErrorIs(t, a.Serve(pc), ErrRunning)
}

func TestBootstrapWithoutSeeds(t *testing.T) {
	a := startNode(t, testConfig())
	require.NoError(t, a.Bootstrap(context.Background()))
	assert.Empty(t, a.RoutingTable().FindClosest(a.Self(), 8))

	found, err := a.FindNode(context.Background(), RandomNodeID())
	assert.ErrorIs(t, err, ErrNoContacts)
	assert.Empty(t, found)
}

func TestBootstrapDeadSeed(t *testing.T) {
	cfg := testConfig()
	cfg.QueryTimeout = 50 * time.Millisecond
	a := startNode(t, cfg)
	assert.Error(t, a.Bootstrap(context.Background(), silentPeer(t)))
}

func startNetwork(t *testing.T, n int) []*DHT {
	t.Helper()
	nodes := make([]*DHT, n)
	for i := range nodes {
		nodes[i] = startNode(t, testConfig())
	}
	seed := addrOf(t, nodes[0])
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, d := range nodes[1:] {
		require.NoError(t, d.Bootstrap(ctx, seed))
	}
	return nodes
}

func TestFindNode(t *testing.T) {
	nodes := startNetwork(t, 6)
	target := nodes[3].Self()

	found, err := nodes[5].FindNode(context.Background(), target)
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, target, found[0].ID)
	for i := 1; i < len(found); i++ {
		assert.True(t, DistanceLess(Xor(found[i-1].ID, target), Xor(found[i].ID, target)))
	}
}

func TestAnnounceAndFindPeers(t *testing.T) {
	nodes := startNetwork(t, 5)
	key := KeyFor("room:lobby")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, nodes[1].Announce(ctx, key, 4000, false))

	var got []netip.AddrPort
	for ap := range nodes[4].FindPeers(ctx, key) {
		got = append(got, ap)
	}
	assert.Contains(t, got, netip.MustParseAddrPort("127.0.0.1:4000"))

	seen := make(map[netip.AddrPort]bool)
	for _, ap := range got {
		assert.False(t, seen[ap], "duplicate endpoint %s", ap)
		seen[ap] = true
	}
}

func TestAnnounceImpliedPort(t *testing.T) {
	nodes := startNetwork(t, 3)
	key := KeyFor("member:alice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, nodes[2].Announce(ctx, key, 1, true))

	var got []netip.AddrPort
	for ap := range nodes[1].FindPeers(ctx, key) {
		got = append(got, ap)
	}
	assert.Contains(t, got, addrOf(t, nodes[2]))
}

func TestFindPeersClosesWhenNotRunning(t *testing.T) {
	d := New(RandomNodeID(), testConfig())
	_, open := <-d.FindPeers(context.Background(), KeyFor("x"))
	assert.False(t, open)
}

func TestAnnounceRejectsBadToken(t *testing.T) {
	a := startNode(t, testConfig())
	p := newRawPeer(t)
	id := RandomNodeID()

	args := bencode.NewDict().
		Set("id", bencode.Bytes(id[:])).
		Set("info_hash", bencode.Bytes(make([]byte, 20))).
		Set("port", bencode.Int(4000)).
		Set("token", bencode.String("nottoken"))
	p.send(addrOf(t, a), proto.NewQuery([]byte("aa"), proto.MethodAnnouncePeer, args).Dict())

	m := p.recv()
	require.Equal(t, proto.TypeError, m.Y)
	assert.Equal(t, proto.ErrCodeProtocol, m.E.Code)
	assert.Equal(t, []byte("aa"), m.T)
}

func TestMalformedQueryGets203(t *testing.T) {
	a := startNode(t, testConfig())
	p := newRawPeer(t)

	// query without an argument dictionary
	d := bencode.NewDict().
		Set("t", bencode.String("xy")).
		Set("y", bencode.String("q")).
		Set("q", bencode.String("ping"))
	p.send(addrOf(t, a), d)

	m := p.recv()
	require.Equal(t, proto.TypeError, m.Y)
	assert.Equal(t, proto.ErrCodeProtocol, m.E.Code)

	// bad id length
	args := bencode.NewDict().Set("id", bencode.String("short"))
	p.send(addrOf(t, a), proto.NewQuery([]byte("xz"), proto.MethodPing, args).Dict())
	m = p.recv()
	require.Equal(t, proto.TypeError, m.Y)
	assert.Equal(t, []byte("xz"), m.T)
}

func TestUnknownMethodSurfacesOnInbound(t *testing.T) {
	a := startNode(t, testConfig())
	p := newRawPeer(t)
	id := RandomNodeID()

	args := bencode.NewDict().Set("id", bencode.Bytes(id[:])).Set("room", bencode.String("lobby"))
	p.send(addrOf(t, a), proto.NewQuery([]byte("q1"), "chat_presence", args).Dict())
	p.send(addrOf(t, a), bencode.NewDict().Set("hello", bencode.String("world")))

	var got []Inbound
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case in := <-a.Inbound():
			got = append(got, in)
		case <-timeout:
			t.Fatalf("got %d inbound messages, want 2", len(got))
		}
	}
	assert.Equal(t, "chat_presence", got[0].Msg.Q)
	assert.Equal(t, p.addr(), got[0].From)
	v, err := got[1].Msg.Raw.String("hello")
	require.NoError(t, err)
	assert.Equal(t, "world", v)
}

func TestGarbageIsDropped(t *testing.T) {
	a := startNode(t, testConfig())
	b := startNode(t, testConfig())
	p := newRawPeer(t)
	_, err := p.conn.WriteToUDPAddrPort([]byte("d1:t"), addrOf(t, a))
	require.NoError(t, err)

	// still serving
	_, err = b.Ping(context.Background(), addrOf(t, a))
	require.NoError(t, err)
	select {
	case in := <-a.Inbound():
		t.Fatalf("unexpected inbound %+v", in)
	default:
	}
}

func TestLateResponseIsDropped(t *testing.T) {
	a := startNode(t, testConfig())
	p := newRawPeer(t)
	id := RandomNodeID()
	p.send(addrOf(t, a), proto.NewResponse([]byte("zz"), bencode.NewDict().Set("id", bencode.Bytes(id[:]))).Dict())

	_, err := a.Ping(context.Background(), addrOf(t, startNode(t, testConfig())))
	require.NoError(t, err)
	_, known := a.RoutingTable().Lookup(p.addr())
	assert.False(t, known)
}

func TestTxTable(t *testing.T) {
	txs := newTxTable()
	from := netip.MustParseAddrPort("127.0.0.1:1")
	ids := make(map[string]bool)
	for range 1000 {
		tx, err := txs.open(from, proto.MethodPing)
		require.NoError(t, err)
		require.False(t, ids[tx.id], "duplicate live id")
		ids[tx.id] = true
	}
	assert.Equal(t, 1000, txs.Len())

	tx, err := txs.open(from, proto.MethodPing)
	require.NoError(t, err)
	other := netip.MustParseAddrPort("127.0.0.1:2")
	assert.False(t, txs.resolve([]byte(tx.id), other, proto.Message{}), "wrong source")
	assert.True(t, txs.resolve([]byte(tx.id), from, proto.Message{Y: proto.TypeResponse}))
	assert.False(t, txs.resolve([]byte(tx.id), from, proto.Message{}), "already resolved")

	txs.closeAll()
	_, err = txs.open(from, proto.MethodPing)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, txs.Len())
}

func TestTokenRotation(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTokenMint(5 * time.Minute)
	m.now = clk.now
	m.rotated = clk.now()

	ip := netip.MustParseAddr("192.0.2.1")
	tok := m.Issue(ip)
	assert.Len(t, tok, tokenLen)
	assert.True(t, m.Valid(ip, tok))
	assert.False(t, m.Valid(netip.MustParseAddr("192.0.2.2"), tok))

	clk.advance(6 * time.Minute)
	assert.True(t, m.Valid(ip, tok), "previous secret still accepted")

	clk.advance(5 * time.Minute)
	assert.False(t, m.Valid(ip, tok))
}

func TestPeerStore(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := newPeerStore(2, 2, time.Minute)
	s.now = clk.now
	key := KeyFor("k")

	a := netip.MustParseAddrPort("192.0.2.1:1")
	b := netip.MustParseAddrPort("192.0.2.2:2")
	c := netip.MustParseAddrPort("192.0.2.3:3")
	s.Add(key, a)
	clk.advance(time.Second)
	s.Add(key, b)
	clk.advance(time.Second)
	s.Add(key, c)
	assert.Equal(t, []netip.AddrPort{c, b}, s.Get(key, 0), "oldest dropped past the per-key cap")

	clk.advance(2 * time.Minute)
	assert.Empty(t, s.Get(key, 0), "expired")

	s.Add(KeyFor("1"), a)
	s.Add(KeyFor("2"), a)
	s.Add(KeyFor("3"), a)
	assert.Empty(t, s.Get(KeyFor("1"), 0), "least recently used key evicted")
}

func TestNodeCacheCandidates(t *testing.T) {
	c := newNodeCache(2)
	a, b := RandomNodeID(), RandomNodeID()
	c.NoteSuccess(a, addrN(1))
	time.Sleep(time.Millisecond)
	c.NoteSuccess(b, addrN(2))
	c.NoteFailure(a)
	c.NoteFailure(a)

	assert.Equal(t, []netip.AddrPort{addrN(2), addrN(1)}, c.Candidates(3, 0))
	assert.Equal(t, []netip.AddrPort{addrN(2)}, c.Candidates(1, 0))

	c.NoteSuccess(RandomNodeID(), addrN(3))
	assert.Len(t, c.records(), 2)
	assert.NotContains(t, c.Candidates(3, 0), addrN(1), "worst node evicted")
}

func TestQueryReturnsKRPCError(t *testing.T) {
	a := startNode(t, testConfig())
	p := newRawPeer(t)
	target := p.addr()

	go func() {
		buf := make([]byte, 2048)
		_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, from, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		q, err := proto.ParseMessage(buf[:n])
		if err != nil {
			return
		}
		b, _ := proto.NewError(q.T, proto.ErrCodeServer, "busy").Encode()
		_, _ = p.conn.WriteToUDPAddrPort(b, from)
	}()

	_, err := a.Ping(context.Background(), target)
	var ke *proto.KRPCError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, proto.ErrCodeServer, ke.Code)
}
