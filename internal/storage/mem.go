package storage

import "sync"

// MemStore keeps everything in memory. It is the default when the host
// does not configure a store.
type MemStore struct {
	mu      sync.Mutex
	closed  bool
	profile *Profile
	peers   []PeerRecord
	nodes   []NodeRecord
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) LoadProfile() (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Profile{}, ErrClosed
	}
	if s.profile == nil {
		return Profile{}, ErrNotFound
	}
	return *s.profile, nil
}

func (s *MemStore) SaveProfile(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.profile = &p
	return nil
}

func (s *MemStore) LoadPeers() ([]PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]PeerRecord(nil), s.peers...), nil
}

func (s *MemStore) SavePeers(ps []PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.peers = append([]PeerRecord(nil), ps...)
	return nil
}

func (s *MemStore) LoadNodes() ([]NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]NodeRecord(nil), s.nodes...), nil
}

func (s *MemStore) SaveNodes(ns []NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.nodes = append([]NodeRecord(nil), ns...)
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
