package dht

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dht-chat/internal/proto"
)

// ErrNoContacts is returned by lookups started from an empty routing table.
var ErrNoContacts = errors.New("dht: no contacts to query")

type candidate struct {
	c       Contact
	dist    NodeID
	queried bool
	replied bool
}

// shortlist is the closest-seen set of one lookup.
type shortlist struct {
	target NodeID
	k      int
	seen   map[NodeID]*candidate
	best   []*candidate // ascending distance, at most k
}

func newShortlist(target NodeID, k int) *shortlist {
	return &shortlist{target: target, k: k, seen: make(map[NodeID]*candidate)}
}

// add merges c and reports whether it entered the closest-seen set.
func (s *shortlist) add(c Contact) bool {
	if _, ok := s.seen[c.ID]; ok {
		return false
	}
	cand := &candidate{c: c, dist: Xor(c.ID, s.target)}
	s.seen[c.ID] = cand

	i := len(s.best)
	for i > 0 && DistanceLess(cand.dist, s.best[i-1].dist) {
		i--
	}
	if i >= s.k {
		return false
	}
	s.best = append(s.best, nil)
	copy(s.best[i+1:], s.best[i:])
	s.best[i] = cand
	if len(s.best) > s.k {
		s.best = s.best[:s.k]
	}
	return true
}

func (s *shortlist) closest() (NodeID, bool) {
	if len(s.best) == 0 {
		return NodeID{}, false
	}
	return s.best[0].dist, true
}

// next marks up to n unqueried candidates as queried and returns them.
func (s *shortlist) next(n int) []Contact {
	out := make([]Contact, 0, n)
	for _, c := range s.best {
		if len(out) == n {
			break
		}
		if c.queried {
			continue
		}
		c.queried = true
		out = append(out, c.c)
	}
	return out
}

func (s *shortlist) responders() []Contact {
	out := make([]Contact, 0, len(s.best))
	for _, c := range s.best {
		if c.replied {
			out = append(out, c.c)
		}
	}
	return out
}

// lookup runs an iterative find_node or get_peers toward target. onReply,
// if set, sees every successful reply; it may be called concurrently.
// The result holds the closest contacts that answered.
func (d *DHT) lookup(ctx context.Context, target NodeID, method string, onReply func(nodesReply)) ([]Contact, error) {
	ctx, cancel, err := d.bound(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	cfg := d.cfg.Lookup
	start := time.Now()
	log := d.log.WithFields(logrus.Fields{"target": target.String(), "method": method})

	var mu sync.Mutex
	sl := newShortlist(target, cfg.K)
	for _, c := range d.rt.FindClosest(target, cfg.K) {
		sl.add(c)
	}
	if len(sl.best) == 0 {
		d.metrics.ObserveLookup(method, 0, time.Since(start), false)
		return nil, ErrNoContacts
	}

	queries := 0
	finalPass := false
	for round := 0; round < cfg.MaxRounds; round++ {
		mu.Lock()
		before, _ := sl.closest()
		batchSize := cfg.Alpha
		if finalPass {
			batchSize = cfg.K
		}
		batch := sl.next(batchSize)
		mu.Unlock()
		if len(batch) == 0 {
			break
		}
		queries += len(batch)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Alpha)
		for _, c := range batch {
			g.Go(func() error {
				rep, err := d.queryNodes(gctx, c.Addr, method, target)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.WithFields(logrus.Fields{"addr": c.Addr.String(), "error": err.Error()}).Debug("lookup query failed")
					return nil
				}
				if onReply != nil {
					onReply(rep)
				}
				mu.Lock()
				defer mu.Unlock()
				if cand := sl.seen[c.ID]; cand != nil {
					cand.replied = true
				}
				for _, n := range rep.nodes {
					nid := NodeID(n.ID)
					if nid == d.self {
						continue
					}
					d.rt.InsertRelayed(nid, n.Addr)
					sl.add(Contact{ID: nid, Addr: n.Addr})
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			d.metrics.ObserveLookup(method, queries, time.Since(start), false)
			return nil, err
		}
		if finalPass {
			break
		}

		mu.Lock()
		after, _ := sl.closest()
		mu.Unlock()
		if !DistanceLess(after, before) {
			// no progress; ask the rest of the closest set once
			finalPass = true
		}
	}

	mu.Lock()
	out := sl.responders()
	mu.Unlock()
	d.metrics.ObserveLookup(method, queries, time.Since(start), len(out) > 0)
	log.WithFields(logrus.Fields{"queries": queries, "found": len(out)}).Debug("lookup finished")
	return out, nil
}

// FindNode runs an iterative find_node and returns the closest responding
// contacts, nearest first.
func (d *DHT) FindNode(ctx context.Context, target NodeID) ([]Contact, error) {
	return d.lookup(ctx, target, proto.MethodFindNode, nil)
}
