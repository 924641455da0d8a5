package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"dht-chat/internal/discovery"
)

// Static resolves configured seeds. Each entry is host:port (names go
// through DNS) or a multiaddr such as /ip4/1.2.3.4/udp/6881 or
// /dns4/router.example/udp/6881.
type Static struct {
	Addrs    []string
	Label    string
	Resolver *net.Resolver
}

func (s Static) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "static"
}

func (s Static) Discover(ctx context.Context) ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	var errs []error
	for _, a := range s.Addrs {
		aps, err := ParseEndpoint(ctx, s.Resolver, a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, aps...)
	}
	return out, errors.Join(errs...)
}

// ParseEndpoint turns one seed string into endpoints. A nil resolver uses
// net.DefaultResolver.
func ParseEndpoint(ctx context.Context, r *net.Resolver, s string) ([]netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("bootstrap: empty endpoint")
	}
	if r == nil {
		r = net.DefaultResolver
	}
	if strings.HasPrefix(s, "/") {
		return parseMultiaddr(ctx, r, s)
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return []netip.AddrPort{ap}, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("bootstrap: %q: bad port", s)
	}
	return lookup(ctx, r, host, uint16(port))
}

func parseMultiaddr(ctx context.Context, r *net.Resolver, s string) ([]netip.AddrPort, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %q: %w", s, err)
	}

	for _, code := range []int{ma.P_DNS, ma.P_DNS4, ma.P_DNS6} {
		host, err := m.ValueForProtocol(code)
		if err != nil {
			continue
		}
		portStr, err := m.ValueForProtocol(ma.P_UDP)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %q: DHT seeds need a udp port", s)
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %q: %w", s, err)
		}
		aps, err := lookup(ctx, r, host, uint16(port))
		if err != nil {
			return nil, err
		}
		switch code {
		case ma.P_DNS4:
			aps = filter(aps, netip.Addr.Is4)
		case ma.P_DNS6:
			aps = filter(aps, netip.Addr.Is6)
		}
		return aps, nil
	}

	na, err := manet.ToNetAddr(m)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %q: %w", s, err)
	}
	ua, ok := na.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("bootstrap: %q: DHT seeds need a udp multiaddr", s)
	}
	ap := ua.AddrPort()
	return []netip.AddrPort{netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}, nil
}

func lookup(ctx context.Context, r *net.Resolver, host string, port uint16) ([]netip.AddrPort, error) {
	ips, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: resolve %s: %w", host, err)
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), port))
	}
	return out, nil
}

func filter(aps []netip.AddrPort, keep func(netip.Addr) bool) []netip.AddrPort {
	out := aps[:0]
	for _, ap := range aps {
		if keep(ap.Addr()) {
			out = append(out, ap)
		}
	}
	return out
}

// NodeLister is implemented by the DHT client's persisted node cache.
type NodeLister interface {
	CachedNodes(limit int) []netip.AddrPort
}

// NodeCache offers nodes remembered from earlier sessions, best first.
type NodeCache struct {
	Nodes NodeLister
	Limit int
}

func (NodeCache) Name() string { return "nodecache" }

func (s NodeCache) Discover(context.Context) ([]netip.AddrPort, error) {
	if s.Nodes == nil {
		return nil, nil
	}
	return s.Nodes.CachedNodes(s.Limit), nil
}

// LAN broadcasts for DHT nodes on the local network.
type LAN struct {
	Cfg    discovery.LANConfig
	SelfID []byte
}

func (LAN) Name() string { return "lan" }

func (s LAN) Discover(ctx context.Context) ([]netip.AddrPort, error) {
	return discovery.DiscoverLANPeers(ctx, s.Cfg, s.SelfID)
}
