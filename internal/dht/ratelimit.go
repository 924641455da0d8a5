package dht

import (
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const maxRateEntries = 4096

// queryLimiter keeps one token bucket per source IP. The least recently
// heard IPs are forgotten once maxRateEntries is reached.
type queryLimiter struct {
	limit rate.Limit
	burst int

	mu  sync.Mutex
	ips *lru.Cache[netip.Addr, *rate.Limiter]
}

func newQueryLimiter(perSecond, burst float64, size int) *queryLimiter {
	ips, err := lru.New[netip.Addr, *rate.Limiter](size)
	if err != nil {
		ips, _ = lru.New[netip.Addr, *rate.Limiter](maxRateEntries)
	}
	b := int(burst)
	if b < 1 {
		b = 1
	}
	return &queryLimiter{limit: rate.Limit(perSecond), burst: b, ips: ips}
}

func (l *queryLimiter) allow(ip netip.Addr, now time.Time) bool {
	l.mu.Lock()
	lim, ok := l.ips.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.ips.Add(ip, lim)
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}
