// Package nat resolves the address other peers should use to reach us.
package nat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// Resolver maps a local TCP listener port to an externally reachable
// endpoint.
type Resolver interface {
	Resolve(ctx context.Context, localPort uint16) (netip.AddrPort, error)
}

// Local does no I/O and reports the unspecified address with the local port.
type Local struct{}

func (Local) Resolve(_ context.Context, localPort uint16) (netip.AddrPort, error) {
	return netip.AddrPortFrom(netip.IPv4Unspecified(), localPort), nil
}

// Static always reports Addr. A zero port in Addr takes the local port.
type Static struct {
	Addr netip.AddrPort
}

func (s Static) Resolve(_ context.Context, localPort uint16) (netip.AddrPort, error) {
	if !s.Addr.Addr().IsValid() {
		return netip.AddrPort{}, errors.New("nat: static address not set")
	}
	if s.Addr.Port() == 0 {
		return netip.AddrPortFrom(s.Addr.Addr(), localPort), nil
	}
	return s.Addr, nil
}

var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// STUNResolver learns the public IP with a STUN binding request. The
// mapped port belongs to the UDP probe socket, so the result carries the
// local TCP port instead.
type STUNResolver struct {
	Servers []string
	Timeout time.Duration // per server
	Log     logrus.FieldLogger
}

func (r *STUNResolver) Resolve(ctx context.Context, localPort uint16) (netip.AddrPort, error) {
	servers := r.Servers
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	log := r.Log
	if log == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		log = quiet
	}
	log = log.WithField("component", "nat")

	var errs []error
	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return netip.AddrPort{}, err
		}
		ip, err := r.query(ctx, server)
		if err != nil {
			log.WithFields(logrus.Fields{"server": server, "error": err.Error()}).Debug("stun query failed")
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		log.WithFields(logrus.Fields{"server": server, "ip": ip.String()}).Info("external address resolved")
		return netip.AddrPortFrom(ip, localPort), nil
	}
	return netip.AddrPort{}, fmt.Errorf("nat: all stun servers failed: %w", errors.Join(errs...))
}

func (r *STUNResolver) query(ctx context.Context, server string) (netip.Addr, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return netip.Addr{}, err
	}
	c, err := stun.NewClient(conn, stun.WithRTO(timeout/4))
	if err != nil {
		_ = conn.Close()
		return netip.Addr{}, err
	}
	defer c.Close()

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)

	type result struct {
		ip  netip.Addr
		err error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		err := c.Do(req, func(ev stun.Event) {
			if ev.Error != nil {
				res.err = ev.Error
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				res.err = err
				return
			}
			ip, ok := netip.AddrFromSlice(xor.IP)
			if !ok {
				res.err = fmt.Errorf("bad mapped address %v", xor.IP)
				return
			}
			res.ip = ip.Unmap()
		})
		if err != nil && res.err == nil {
			res.err = err
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.ip, res.err
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	}
}
