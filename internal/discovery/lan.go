// Package discovery finds DHT nodes on the local network by broadcast.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"dht-chat/internal/bencode"
)

// LANConfig controls LAN discovery behavior.
type LANConfig struct {
	Port    int
	Timeout time.Duration
	Log     logrus.FieldLogger
}

const (
	DefaultLANPort    = 42042
	DefaultLANTimeout = 1 * time.Second
)

// DefaultLANConfig returns the default settings for LAN discovery.
func DefaultLANConfig() LANConfig {
	return LANConfig{
		Port:    DefaultLANPort,
		Timeout: DefaultLANTimeout,
	}
}

func (c LANConfig) logger() logrus.FieldLogger {
	if c.Log != nil {
		return c.Log.WithField("component", "lan")
	}
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	return quiet
}

const (
	typePing = "lan_ping"
	typePong = "lan_pong"
)

// Self describes the node a responder advertises.
type Self struct {
	ID      []byte
	Name    string
	DHTPort uint16
}

func pongDict(s Self) *bencode.Dict {
	d := bencode.NewDict().
		Set("y", bencode.String(typePong)).
		Set("port", bencode.Int(int64(s.DHTPort)))
	if len(s.ID) > 0 {
		d.Set("id", bencode.Bytes(s.ID))
	}
	if s.Name != "" {
		d.Set("name", bencode.String(s.Name))
	}
	return d
}

// StartLANResponder answers LAN pings with our DHT port until ctx ends.
func StartLANResponder(ctx context.Context, cfg LANConfig, self Self) error {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("lan responder listen: %w", err)
	}
	log := cfg.logger()
	reply, err := bencode.Encode(bencode.DictValue(pongDict(self)))
	if err != nil {
		_ = conn.Close()
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	go func() {
		defer stop()
		defer conn.Close()

		buf := make([]byte, 1024)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			d, err := bencode.DecodeDict(buf[:n])
			if err != nil {
				log.WithField("addr", addr.String()).Debug("ignoring undecodable lan datagram")
				continue
			}
			if y, _ := d.String("y"); y != typePing {
				continue
			}
			_, _ = conn.WriteTo(reply, addr)
		}
	}()
	return nil
}

// DiscoverLANPeers broadcasts a ping and returns the DHT endpoints of nodes
// that answer within cfg.Timeout. Pongs carrying selfID are skipped.
func DiscoverLANPeers(ctx context.Context, cfg LANConfig, selfID []byte) ([]netip.AddrPort, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("lan discover listen: %w", err)
	}
	defer conn.Close()
	log := cfg.logger()

	ping, err := bencode.Encode(bencode.DictValue(bencode.NewDict().Set("y", bencode.String(typePing))))
	if err != nil {
		return nil, err
	}

	targets := interfaceBroadcastAddrs(cfg.Port)
	if len(targets) == 0 {
		targets = append(targets, &net.UDPAddr{IP: net.IPv4bcast, Port: cfg.Port})
	}
	targets = append(targets, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.Port})
	sent := 0
	for _, dst := range targets {
		if _, err := conn.WriteToUDP(ping, dst); err != nil {
			log.WithFields(logrus.Fields{"addr": dst.String(), "error": err.Error()}).Debug("lan ping failed")
			continue
		}
		sent++
	}
	if sent == 0 {
		return nil, errors.New("lan discover: no ping could be sent")
	}

	deadline := time.Now().Add(cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("lan discover set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Unix(1, 0)) })
	defer stop()

	seen := make(map[netip.AddrPort]struct{})
	var out []netip.AddrPort
	buf := make([]byte, 1024)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			break
		}
		d, err := bencode.DecodeDict(buf[:n])
		if err != nil {
			continue
		}
		if y, _ := d.String("y"); y != typePong {
			continue
		}
		if id, err := d.Bytes("id"); err == nil && len(selfID) > 0 && string(id) == string(selfID) {
			continue
		}
		port, err := d.Int("port")
		if err != nil || port <= 0 || port > 0xffff {
			continue
		}
		ap := netip.AddrPortFrom(from.Addr().Unmap(), uint16(port))
		if _, dup := seen[ap]; dup {
			continue
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func interfaceBroadcastAddrs(port int) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, 8)

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}

	for _, it := range ifaces {
		if it.Flags&net.FlagUp == 0 || it.Flags&net.FlagPointToPoint != 0 {
			continue
		}
		addrs, err := it.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP == nil {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == 16 {
				mask = mask[12:]
			}
			if len(mask) != 4 {
				continue
			}
			// broadcast = ip | ^mask
			b := net.IPv4(
				ip4[0]|^mask[0],
				ip4[1]|^mask[1],
				ip4[2]|^mask[2],
				ip4[3]|^mask[3],
			)
			out = append(out, &net.UDPAddr{IP: b, Port: port})
		}
	}
	return out
}
