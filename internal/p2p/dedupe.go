package p2p

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// seenCache remembers recent chat message ids so a message resent on a
// replacement session is surfaced once.
type seenCache struct {
	items *expirable.LRU[string, struct{}]
}

func newSeenCache(size int, ttl time.Duration) *seenCache {
	return &seenCache{items: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen reports whether id was seen within the ttl, recording it if not.
// An empty id counts as seen.
func (s *seenCache) Seen(id string) bool {
	if id == "" {
		return true
	}
	if s.items.Contains(id) {
		return true
	}
	s.items.Add(id, struct{}{})
	return false
}
