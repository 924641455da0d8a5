package netx

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

type tcpNetwork struct {
	mu       sync.Mutex
	listener net.Listener

	dialTimeout time.Duration
	proxyAddr   string
	proxyAuth   *proxy.Auth
}

type Option func(*tcpNetwork)

// WithDialTimeout bounds outbound dials that carry no deadline.
func WithDialTimeout(d time.Duration) Option {
	return func(t *tcpNetwork) { t.dialTimeout = d }
}

// WithSOCKS5 routes outbound dials through a SOCKS5 proxy. Listening is
// unaffected.
func WithSOCKS5(addr, user, password string) Option {
	return func(t *tcpNetwork) {
		t.proxyAddr = addr
		if user != "" || password != "" {
			t.proxyAuth = &proxy.Auth{User: user, Password: password}
		}
	}
}

func NewTCPNetwork(opts ...Option) Network {
	t := &tcpNetwork{dialTimeout: 10 * time.Second}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *tcpNetwork) Listen(bindAddr string) (netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return netip.AddrPort{}, fmt.Errorf("netx: already listening on %s", t.listener.Addr())
	}

	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	t.listener = l
	ap, err := netip.ParseAddrPort(l.Addr().String())
	if err != nil {
		_ = l.Close()
		t.listener = nil
		return netip.AddrPort{}, err
	}
	return ap, nil
}

func (t *tcpNetwork) Accept() (net.Conn, error) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()

	if l == nil {
		return nil, net.ErrClosed
	}
	return l.Accept()
}

func (t *tcpNetwork) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok && t.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
	}

	if t.proxyAddr == "" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr.String())
	}

	d, err := proxy.SOCKS5("tcp", t.proxyAddr, t.proxyAuth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("netx: socks5 %s: %w", t.proxyAddr, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return d.Dial("tcp", addr.String())
	}
	return cd.DialContext(ctx, "tcp", addr.String())
}

func (t *tcpNetwork) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		err := t.listener.Close()
		t.listener = nil
		return err
	}
	return nil
}
