package dht

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"time"

	"dht-chat/internal/proto"
)

var errTxExhausted = errors.New("dht: no free transaction id")

type transaction struct {
	id     string
	addr   netip.AddrPort
	method string
	issued time.Time
	ch     chan proto.Message // closed when the table shuts down
}

// txTable correlates outstanding queries with responses. Ids are two bytes
// from a counter, unique among live transactions.
type txTable struct {
	mu      sync.Mutex
	next    uint16
	closed  bool
	pending map[string]*transaction
}

func newTxTable() *txTable {
	return &txTable{pending: make(map[string]*transaction)}
}

func (t *txTable) open(addr netip.AddrPort, method string) (*transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	for range 1 << 16 {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], t.next)
		t.next++
		id := string(b[:])
		if _, live := t.pending[id]; live {
			continue
		}
		tx := &transaction{
			id:     id,
			addr:   addr,
			method: method,
			issued: time.Now(),
			ch:     make(chan proto.Message, 1),
		}
		t.pending[id] = tx
		return tx, nil
	}
	return nil, errTxExhausted
}

// take removes and returns the live transaction matching both the id and
// the source endpoint.
func (t *txTable) take(id []byte, from netip.AddrPort) *transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	tx := t.pending[string(id)]
	if tx == nil || tx.addr != from {
		return nil
	}
	delete(t.pending, tx.id)
	return tx
}

// resolve hands msg to the transaction it answers. It returns false when no
// live transaction matches.
func (t *txTable) resolve(id []byte, from netip.AddrPort, msg proto.Message) bool {
	tx := t.take(id, from)
	if tx == nil {
		return false
	}
	tx.ch <- msg // buffered, sole sender
	return true
}

// drop forgets tx after a timeout or cancellation.
func (t *txTable) drop(tx *transaction) {
	t.mu.Lock()
	if t.pending[tx.id] == tx {
		delete(t.pending, tx.id)
	}
	t.mu.Unlock()
}

// closeAll fails every live transaction and refuses new ones.
func (t *txTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, tx := range t.pending {
		close(tx.ch)
		delete(t.pending, id)
	}
}

func (t *txTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
