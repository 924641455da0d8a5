package nat

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSTUN answers binding requests with a fixed mapped address.
func fakeSTUN(t *testing.T, mapped net.IP) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: mapped, Port: 40000},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(resp.Raw, from)
		}
	}()
	return pc.LocalAddr().String()
}

func deadServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc.LocalAddr().String()
}

func TestLocal(t *testing.T) {
	ap, err := Local{}.Resolve(context.Background(), 7000)
	require.NoError(t, err)
	assert.Equal(t, uint16(7000), ap.Port())
	assert.True(t, ap.Addr().IsUnspecified())
}

func TestStatic(t *testing.T) {
	s := Static{Addr: netip.MustParseAddrPort("198.51.100.7:0")}
	ap, err := s.Resolve(context.Background(), 7000)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("198.51.100.7:7000"), ap)

	s.Addr = netip.MustParseAddrPort("198.51.100.7:9000")
	ap, err = s.Resolve(context.Background(), 7000)
	require.NoError(t, err)
	assert.Equal(t, uint16(9000), ap.Port())

	_, err = Static{}.Resolve(context.Background(), 7000)
	assert.Error(t, err)
}

func TestSTUNResolver(t *testing.T) {
	r := &STUNResolver{
		Servers: []string{fakeSTUN(t, net.ParseIP("203.0.113.9"))},
		Timeout: 2 * time.Second,
	}
	ap, err := r.Resolve(context.Background(), 7000)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.9:7000"), ap)
}

func TestSTUNResolverFallsThrough(t *testing.T) {
	r := &STUNResolver{
		Servers: []string{deadServer(t), fakeSTUN(t, net.ParseIP("203.0.113.10"))},
		Timeout: 400 * time.Millisecond,
	}
	ap, err := r.Resolve(context.Background(), 7001)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.10:7001"), ap)
}

func TestSTUNResolverAllFail(t *testing.T) {
	r := &STUNResolver{Servers: []string{deadServer(t)}, Timeout: 200 * time.Millisecond}
	_, err := r.Resolve(context.Background(), 7000)
	assert.Error(t, err)
}
