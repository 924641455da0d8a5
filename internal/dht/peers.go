package dht

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dht-chat/internal/proto"
)

// ErrNoTokens is returned by Announce when no node handed out a token.
var ErrNoTokens = errors.New("dht: no node returned an announce token")

// Bootstrap pings the seeds and then looks up our own ID to fill the
// routing table. With no seeds and an empty table it does nothing.
func (d *DHT) Bootstrap(ctx context.Context, seeds ...netip.AddrPort) error {
	if _, _, err := d.state(); err != nil {
		return err
	}
	if len(seeds) == 0 && d.rt.Size() == 0 {
		d.log.Info("no bootstrap seeds; waiting for inbound contacts")
		return nil
	}

	if len(seeds) > 0 {
		var answered int
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.cfg.Lookup.Alpha)
		for _, s := range seeds {
			g.Go(func() error {
				id, err := d.Ping(gctx, s)
				if err != nil {
					d.log.WithFields(logrus.Fields{"seed": s.String(), "error": err.Error()}).Warn("bootstrap seed failed")
					return nil
				}
				d.log.WithFields(logrus.Fields{"seed": s.String(), "id": id.String()}).Debug("bootstrap seed answered")
				mu.Lock()
				answered++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
		if answered == 0 && d.rt.Size() == 0 {
			return fmt.Errorf("dht bootstrap: none of %d seeds answered", len(seeds))
		}
	}

	found, err := d.FindNode(ctx, d.self)
	if errors.Is(err, ErrNoContacts) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dht bootstrap: %w", err)
	}
	d.metrics.SetRoutingTableSize(d.rt.Size())
	d.log.WithFields(logrus.Fields{"closest": len(found), "table": d.rt.Size()}).Info("bootstrap complete")
	return nil
}

// FindPeers looks up endpoints announced under key. Locally stored peers
// come first, then values from a get_peers lookup as replies arrive. Each
// endpoint is delivered once and the channel is closed when the lookup
// ends. Callers must drain the channel or cancel ctx.
func (d *DHT) FindPeers(ctx context.Context, key NodeID) <-chan netip.AddrPort {
	out := make(chan netip.AddrPort, 16)
	ctx, cancel, err := d.bound(ctx)
	if err != nil {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer cancel()

		var mu sync.Mutex
		seen := make(map[netip.AddrPort]struct{})
		emit := func(ap netip.AddrPort) bool {
			mu.Lock()
			_, dup := seen[ap]
			seen[ap] = struct{}{}
			mu.Unlock()
			if dup {
				return true
			}
			select {
			case out <- ap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, ap := range d.peers.Get(key, 0) {
			if !emit(ap) {
				return
			}
		}
		_, err := d.lookup(ctx, key, proto.MethodGetPeers, func(r nodesReply) {
			for _, ap := range r.values {
				if !emit(normalize(ap)) {
					return
				}
			}
		})
		if err != nil && !errors.Is(err, ErrNoContacts) && ctx.Err() == nil {
			d.log.WithError(err).WithField("key", key.String()).Debug("get_peers lookup failed")
		}
	}()
	return out
}

// Announce registers us under key with the closest nodes that handed out
// a token during a get_peers lookup. With impliedPort the receivers use
// the UDP source port instead of port.
func (d *DHT) Announce(ctx context.Context, key NodeID, port uint16, impliedPort bool) error {
	var mu sync.Mutex
	tokens := make(map[NodeID][]byte)
	found, err := d.lookup(ctx, key, proto.MethodGetPeers, func(r nodesReply) {
		if len(r.token) == 0 {
			return
		}
		mu.Lock()
		tokens[r.from.ID] = r.token
		mu.Unlock()
	})
	if err != nil {
		return fmt.Errorf("dht announce %s: %w", key, err)
	}

	ctx, cancel, err := d.bound(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	var accepted int
	var errs []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Lookup.Alpha)
	for _, c := range found {
		tok, ok := tokens[c.ID]
		if !ok {
			continue
		}
		g.Go(func() error {
			err := d.announceTo(gctx, c, key, port, impliedPort, tok)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", c.Addr, err))
				return nil
			}
			accepted++
			return nil
		})
	}
	_ = g.Wait()

	d.log.WithFields(logrus.Fields{"key": key.String(), "accepted": accepted}).Debug("announce finished")
	if accepted > 0 {
		return nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("dht announce %s: %w", key, errors.Join(errs...))
	}
	return ErrNoTokens
}
