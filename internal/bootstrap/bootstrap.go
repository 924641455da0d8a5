// Package bootstrap gathers DHT seed endpoints from several sources.
package bootstrap

import (
	"context"
	"math/rand"
	"net/netip"

	"github.com/sirupsen/logrus"
)

type Source interface {
	// Discover returns candidate DHT endpoints.
	Discover(ctx context.Context) ([]netip.AddrPort, error)
	Name() string
}

// Gather queries every source, drops duplicates and shuffles the result so
// nodes do not all hit the same seed first. A failing source is logged and
// skipped.
func Gather(ctx context.Context, log logrus.FieldLogger, sources ...Source) []netip.AddrPort {
	cands := make([]netip.AddrPort, 0, 64)
	seen := make(map[netip.AddrPort]struct{})

	for _, s := range sources {
		addrs, err := s.Discover(ctx)
		if err != nil {
			log.WithFields(logrus.Fields{"source": s.Name(), "error": err.Error()}).Warn("bootstrap source failed")
		}
		for _, a := range addrs {
			a = netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
			if _, ok := seen[a]; ok || !a.IsValid() {
				continue
			}
			seen[a] = struct{}{}
			cands = append(cands, a)
		}
		log.WithFields(logrus.Fields{"source": s.Name(), "found": len(addrs)}).Debug("bootstrap source queried")
	}

	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
	return cands
}
