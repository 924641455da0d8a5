package dht

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// RunRefresh periodically looks up a random ID in every non-empty bucket's
// range, plus our own ID, and publishes table gauges. It blocks until ctx
// ends or the DHT is closed.
func (d *DHT) RunRefresh(ctx context.Context) {
	ctx, cancel, err := d.bound(ctx)
	if err != nil {
		return
	}
	defer cancel()

	t := time.NewTicker(d.cfg.RefreshInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.refresh(ctx)
		}
	}
}

func (d *DHT) refresh(ctx context.Context) {
	targets := []NodeID{d.self}
	for _, i := range d.rt.NonEmptyBuckets() {
		targets = append(targets, RandomIDInBucket(d.self, i))
	}
	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		if _, err := d.FindNode(ctx, target); err != nil && !errors.Is(err, ErrNoContacts) {
			d.log.WithFields(logrus.Fields{"target": target.String(), "error": err.Error()}).Debug("refresh lookup failed")
		}
	}
	d.publishTableMetrics()
	d.log.WithFields(logrus.Fields{"lookups": len(targets), "table": d.rt.Size()}).Debug("routing table refreshed")
}

func (d *DHT) publishTableMetrics() {
	d.metrics.SetRoutingTableSize(d.rt.Size())
	for i := range NodeIDBits {
		d.metrics.SetBucketOccupancy(i, d.rt.BucketSize(i))
	}
}
