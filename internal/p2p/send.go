package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"dht-chat/internal/proto"
)

// Send queues text for p, dialing it first when there is no session. It
// does not wait for delivery.
func (c *Core) Send(p *Peer, text string) error {
	if p == nil {
		return ErrNilPeer
	}
	ctx, err := c.runContext()
	if err != nil {
		return err
	}
	msg := proto.NewChatMessage(text)
	env := proto.Envelope{Type: proto.MsgChat, FromID: c.self.Hex(), Payload: proto.MustMarshal(msg)}

	// a session can be replaced between lookup and enqueue; the successor
	// is attached by then
	for attempt := 0; ; attempt++ {
		s, err := c.sessionFor(ctx, p)
		if err != nil {
			return fmt.Errorf("send to %s: %w", p, err)
		}
		err = s.enqueue(env)
		if errors.Is(err, errSessionClosed) && attempt == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("send to %s: %w", p, err)
		}
		return nil
	}
}

// SendToAll sends text to every known peer. Failures are joined.
func (c *Core) SendToAll(text string) error {
	if _, err := c.runContext(); err != nil {
		return err
	}
	var mu sync.Mutex
	var errs []error
	var g errgroup.Group
	g.SetLimit(8)
	for _, p := range c.Peers() {
		g.Go(func() error {
			if err := c.Send(p, text); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// sessionFor returns the live session to p, dialing once per endpoint no
// matter how many callers ask at the same time.
func (c *Core) sessionFor(ctx context.Context, p *Peer) (*session, error) {
	if s := p.session(); s != nil && s.alive() {
		return s, nil
	}
	v, err, _ := c.dials.Do(p.Endpoint().String(), func() (any, error) {
		if s := p.session(); s != nil && s.alive() {
			return s, nil
		}
		return c.dial(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

func (c *Core) dial(ctx context.Context, p *Peer) (*session, error) {
	c.mu.RLock()
	network := c.network
	c.mu.RUnlock()
	if network == nil {
		return nil, ErrNotConnected
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, err := network.Dial(dctx, p.Endpoint())
	if err != nil {
		return nil, err
	}
	c.log.WithField("peer", p.Endpoint().String()).Debug("dialed peer")
	return c.establish(ctx, conn, p.Endpoint())
}
