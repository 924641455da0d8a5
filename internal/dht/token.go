package dht

import (
	"crypto/rand"
	"crypto/subtle"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

const tokenLen = 8

// tokenMint issues announce_peer tokens: a keyed hash of the requester's IP
// under a secret that rotates every interval. Tokens from the current and
// the previous secret are accepted.
type tokenMint struct {
	mu      sync.Mutex
	cur     [32]byte
	prev    [32]byte
	rotated time.Time
	every   time.Duration
	now     func() time.Time
}

func newTokenMint(every time.Duration) *tokenMint {
	m := &tokenMint{every: every, now: time.Now}
	_, _ = rand.Read(m.cur[:])
	_, _ = rand.Read(m.prev[:])
	m.rotated = m.now()
	return m
}

func (m *tokenMint) rotateLocked() {
	now := m.now()
	for now.Sub(m.rotated) >= m.every {
		m.prev = m.cur
		_, _ = rand.Read(m.cur[:])
		m.rotated = m.rotated.Add(m.every)
		if now.Sub(m.rotated) >= 2*m.every {
			// long idle: both secrets are stale anyway
			_, _ = rand.Read(m.prev[:])
			m.rotated = now
		}
	}
}

func (m *tokenMint) Issue(ip netip.Addr) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked()
	return tokenFor(m.cur, ip)
}

func (m *tokenMint) Valid(ip netip.Addr, tok []byte) bool {
	if len(tok) != tokenLen {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked()
	return subtle.ConstantTimeCompare(tok, tokenFor(m.cur, ip)) == 1 ||
		subtle.ConstantTimeCompare(tok, tokenFor(m.prev, ip)) == 1
}

func tokenFor(secret [32]byte, ip netip.Addr) []byte {
	h, _ := blake2b.New256(secret[:])
	h.Write(ip.Unmap().AsSlice())
	return h.Sum(nil)[:tokenLen]
}
