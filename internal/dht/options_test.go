package dht

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicMetrics_CountsRPCsAndLookups(t *testing.T) {
	m := &AtomicMetrics{}
	a := New(RandomNodeID(), testConfig(), WithMetrics(m))
	require.NoError(t, a.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = a.Close() })
	b := startNode(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Ping(ctx, addrOf(t, b))
	require.NoError(t, err)
	_, err = a.FindNode(ctx, RandomNodeID())
	require.NoError(t, err)
	a.refresh(ctx)

	snap := m.Snapshot()
	assert.GreaterOrEqual(t, snap["rpc_ok"], uint64(2))
	assert.Zero(t, snap["rpc_fail"])
	assert.GreaterOrEqual(t, snap["lookups"], uint64(2))
	assert.GreaterOrEqual(t, snap["lookup_queries"], uint64(1))
	assert.Equal(t, uint64(1), snap["routing_size"])
}

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPromMetrics(reg)
	require.NoError(t, err)

	m.IncRPC("ping", true)
	m.IncRPC("ping", false)
	m.ObserveLookup("find_node", 4, 30*time.Millisecond, true)
	m.SetRoutingTableSize(7)
	m.SetBucketOccupancy(3, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcs.WithLabelValues("ping", "true")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queries.WithLabelValues("find_node")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.tableSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.buckets.WithLabelValues("3")))

	_, err = NewPromMetrics(reg)
	assert.Error(t, err, "collectors are registered once per registry")
}

func TestWithDiversityPolicy(t *testing.T) {
	d := New(RandomNodeID(), testConfig(), WithDiversityPolicy(DiversityPolicy{MaxPerSubnet: 1}))
	rt := d.RoutingTable()
	rt.Insert(Contact{ID: RandomIDInBucket(rt.Self(), 0), Addr: netip.MustParseAddrPort("198.51.100.1:6881")})
	rt.Insert(Contact{ID: RandomIDInBucket(rt.Self(), 0), Addr: netip.MustParseAddrPort("198.51.100.2:6881")})
	assert.Equal(t, 1, rt.BucketSize(0))
}

func TestParseNodeIDHex(t *testing.T) {
	id := RandomNodeID()
	got, err := ParseNodeIDHex(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, id, MustParseNodeIDHex(id.Hex()))

	_, err = ParseNodeIDHex("abcd")
	assert.Error(t, err)
	assert.Panics(t, func() { MustParseNodeIDHex("zz") })
}

func TestConfigDefaults_Retries(t *testing.T) {
	assert.Equal(t, 2, Config{}.withDefaults().Retries)
	assert.Equal(t, 0, Config{Retries: NoRetries}.withDefaults().Retries)
	assert.Equal(t, 5, Config{Retries: 5}.withDefaults().Retries)
	assert.Equal(t, DefaultConfig().RateLimit, Config{}.withDefaults().RateLimit)
}

func TestNoRetries_SendsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.QueryTimeout = 50 * time.Millisecond
	cfg.Retries = NoRetries
	a := startNode(t, cfg)
	dead, received := countingPeer(t)

	_, err := a.Ping(context.Background(), dead)
	require.ErrorIs(t, err, ErrTimeout)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), received.Load())
}
