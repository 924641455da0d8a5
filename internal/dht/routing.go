package dht

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Contact is a routing table entry.
type Contact struct {
	ID       NodeID
	Addr     netip.AddrPort
	LastSeen time.Time
	Failures int // consecutive timeouts
}

type bucket struct {
	nodes []Contact // LRU: index 0 = least recently seen; end = most
	repl  []Contact // replacement cache, newest first
}

const replMax = 8

type DiversityPolicy struct {
	MaxPerSubnet int
}

type RoutingTable struct {
	self        NodeID
	k           int
	maxFailures int
	fresh       time.Duration

	mu      sync.RWMutex
	buckets [NodeIDBits]bucket
	byAddr  map[netip.AddrPort]NodeID

	diversity DiversityPolicy
	now       func() time.Time
}

func NewRoutingTable(self NodeID, k int) *RoutingTable {
	if k <= 0 {
		k = 8
	}
	return &RoutingTable{
		self:        self,
		k:           k,
		maxFailures: 3,
		fresh:       15 * time.Minute,
		byAddr:      make(map[netip.AddrPort]NodeID),
		now:         time.Now,
	}
}

// SetEvictionPolicy sets the timeout threshold and the freshness window.
func (rt *RoutingTable) SetEvictionPolicy(maxFailures int, fresh time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if maxFailures > 0 {
		rt.maxFailures = maxFailures
	}
	if fresh > 0 {
		rt.fresh = fresh
	}
}

func (rt *RoutingTable) SetDiversityLimit(maxPerSubnet int) {
	rt.mu.Lock()
	rt.diversity.MaxPerSubnet = maxPerSubnet
	rt.mu.Unlock()
}

func (rt *RoutingTable) Self() NodeID { return rt.self }

// Insert records a contact we heard from directly.
//
// A known contact moves to the most-recently-seen end; its endpoint is kept
// as first recorded. A new contact is appended if its bucket has room. In a
// full bucket the least-recently-seen entry is replaced if stale; otherwise
// the newcomer is rejected and parked in the replacement cache.
func (rt *RoutingTable) Insert(c Contact) bool {
	if c.ID == rt.self || !c.Addr.IsValid() {
		return false
	}
	bi := BucketIndex(rt.self, c.ID)
	if bi < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	if c.LastSeen.IsZero() {
		c.LastSeen = now
	}
	c.Failures = 0

	b := &rt.buckets[bi]
	if i := indexOf(b.nodes, c.ID); i >= 0 {
		cur := b.nodes[i]
		if c.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = c.LastSeen
		}
		cur.Failures = 0
		b.nodes = append(append(b.nodes[:i:i], b.nodes[i+1:]...), cur)
		return true
	}
	if owner, ok := rt.byAddr[c.Addr]; ok && owner != c.ID {
		return false
	}
	if !rt.diverseLocked(b, c.Addr) {
		return false
	}

	if len(b.nodes) < rt.k {
		b.nodes = append(b.nodes, c)
		rt.byAddr[c.Addr] = c.ID
		b.repl = removeContact(b.repl, c.ID)
		return true
	}

	head := b.nodes[0]
	if rt.staleLocked(head, now) {
		delete(rt.byAddr, head.Addr)
		b.nodes = append(b.nodes[1:len(b.nodes):len(b.nodes)], c)
		rt.byAddr[c.Addr] = c.ID
		b.repl = removeContact(b.repl, c.ID)
		return true
	}

	b.repl = addReplacement(b.repl, c)
	return false
}

// InsertRelayed records a contact learned second-hand. It never refreshes
// or evicts; it only fills free space, marked as not yet seen.
func (rt *RoutingTable) InsertRelayed(id NodeID, addr netip.AddrPort) bool {
	if id == rt.self || !addr.IsValid() {
		return false
	}
	bi := BucketIndex(rt.self, id)
	if bi < 0 {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := &rt.buckets[bi]
	if indexOf(b.nodes, id) >= 0 {
		return false
	}
	b.repl = removeContact(b.repl, id)
	if _, ok := rt.byAddr[addr]; ok {
		return false
	}
	if len(b.nodes) >= rt.k || !rt.diverseLocked(b, addr) {
		b.repl = addReplacement(b.repl, Contact{ID: id, Addr: addr})
		return false
	}
	// unseen contacts sit at the LRU end
	b.nodes = append([]Contact{{ID: id, Addr: addr}}, b.nodes...)
	rt.byAddr[addr] = id
	return true
}

// MarkFresh records a successful exchange with addr.
func (rt *RoutingTable) MarkFresh(addr netip.AddrPort) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b, i := rt.findLocked(addr)
	if b == nil {
		return false
	}
	c := b.nodes[i]
	c.LastSeen = rt.now()
	c.Failures = 0
	b.nodes = append(append(b.nodes[:i:i], b.nodes[i+1:]...), c)
	return true
}

// MarkStale records a timed-out query to addr. It returns true when the
// contact crossed the failure threshold and was evicted.
func (rt *RoutingTable) MarkStale(addr netip.AddrPort) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b, i := rt.findLocked(addr)
	if b == nil {
		return false
	}
	b.nodes[i].Failures++
	if b.nodes[i].Failures < rt.maxFailures {
		return false
	}
	delete(rt.byAddr, addr)
	b.nodes = append(b.nodes[:i:i], b.nodes[i+1:]...)

	// promote the newest replacement that is not already known elsewhere
	for len(b.repl) > 0 {
		r := b.repl[0]
		b.repl = b.repl[1:]
		if _, taken := rt.byAddr[r.Addr]; taken || indexOf(b.nodes, r.ID) >= 0 {
			continue
		}
		b.nodes = append([]Contact{r}, b.nodes...)
		rt.byAddr[r.Addr] = r.ID
		break
	}
	return true
}

func (rt *RoutingTable) Remove(id NodeID) bool {
	bi := BucketIndex(rt.self, id)
	if bi < 0 {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := &rt.buckets[bi]
	i := indexOf(b.nodes, id)
	if i < 0 {
		return false
	}
	delete(rt.byAddr, b.nodes[i].Addr)
	b.nodes = append(b.nodes[:i:i], b.nodes[i+1:]...)
	return true
}

// Lookup returns the contact registered at addr.
func (rt *RoutingTable) Lookup(addr netip.AddrPort) (Contact, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b, i := rt.findLocked(addr)
	if b == nil {
		return Contact{}, false
	}
	return b.nodes[i], true
}

// FindClosest returns up to n contacts by ascending XOR distance to target,
// most recently seen first on ties.
func (rt *RoutingTable) FindClosest(target NodeID, n int) []Contact {
	if n <= 0 {
		n = rt.k
	}
	all := rt.Contacts()
	SortByDistance(all, target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// SortByDistance sorts contacts by XOR distance to target.
func SortByDistance(cs []Contact, target NodeID) {
	sort.SliceStable(cs, func(i, j int) bool {
		di, dj := Xor(cs[i].ID, target), Xor(cs[j].ID, target)
		if di != dj {
			return DistanceLess(di, dj)
		}
		return cs[i].LastSeen.After(cs[j].LastSeen)
	})
}

// Contacts returns a snapshot of every entry.
func (rt *RoutingTable) Contacts() []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]Contact, 0, len(rt.byAddr))
	for i := range rt.buckets {
		out = append(out, rt.buckets[i].nodes...)
	}
	return out
}

// Size returns total number of contacts in the routing table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.byAddr)
}

// BucketSize returns number of contacts in a bucket.
func (rt *RoutingTable) BucketSize(bucket int) int {
	if bucket < 0 || bucket >= NodeIDBits {
		return 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets[bucket].nodes)
}

// Bucket returns a copy of one bucket, least recently seen first.
func (rt *RoutingTable) Bucket(bucket int) []Contact {
	if bucket < 0 || bucket >= NodeIDBits {
		return nil
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]Contact(nil), rt.buckets[bucket].nodes...)
}

// NonEmptyBuckets lists bucket indices that hold at least one contact.
func (rt *RoutingTable) NonEmptyBuckets() []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []int
	for i := range rt.buckets {
		if len(rt.buckets[i].nodes) > 0 {
			out = append(out, i)
		}
	}
	return out
}

func (rt *RoutingTable) findLocked(addr netip.AddrPort) (*bucket, int) {
	id, ok := rt.byAddr[addr]
	if !ok {
		return nil, -1
	}
	b := &rt.buckets[BucketIndex(rt.self, id)]
	i := indexOf(b.nodes, id)
	if i < 0 {
		return nil, -1
	}
	return b, i
}

func (rt *RoutingTable) staleLocked(c Contact, now time.Time) bool {
	return c.Failures > 0 || now.Sub(c.LastSeen) > rt.fresh
}

// diverseLocked caps contacts per subnet in a bucket (anti-eclipse).
func (rt *RoutingTable) diverseLocked(b *bucket, addr netip.AddrPort) bool {
	limit := rt.diversity.MaxPerSubnet
	if limit <= 0 {
		return true
	}
	sk := subnetKey(addr)
	cnt := 0
	for i := range b.nodes {
		if subnetKey(b.nodes[i].Addr) == sk {
			cnt++
		}
	}
	return cnt < limit
}

func subnetKey(ap netip.AddrPort) string {
	ip := ap.Addr().Unmap()
	if ip.IsLoopback() {
		// every loopback endpoint is its own subnet
		return "loopback:" + ap.String()
	}
	bits := 64
	if ip.Is4() {
		bits = 24
	}
	p, _ := ip.Prefix(bits)
	return p.String()
}

func indexOf(cs []Contact, id NodeID) int {
	for i := range cs {
		if cs[i].ID == id {
			return i
		}
	}
	return -1
}

func removeContact(cs []Contact, id NodeID) []Contact {
	if i := indexOf(cs, id); i >= 0 {
		return append(cs[:i:i], cs[i+1:]...)
	}
	return cs
}

func addReplacement(repl []Contact, c Contact) []Contact {
	repl = removeContact(repl, c.ID)
	repl = append([]Contact{c}, repl...)
	if len(repl) > replMax {
		repl = repl[:replMax]
	}
	return repl
}
