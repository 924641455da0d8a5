// Package netx is the TCP transport for chat sessions.
package netx

import (
	"context"
	"net"
	"net/netip"
)

type Network interface {
	Listen(bindAddr string) (netip.AddrPort, error)
	Accept() (net.Conn, error)
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
	Close() error
}
