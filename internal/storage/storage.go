// Package storage persists the local profile, the last known peer set and
// the DHT node cache between sessions.
package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Profile is the local identity.
type Profile struct {
	Name      string    `json:"name"`
	NodeID    string    `json:"node_id"` // hex
	NoisePriv []byte    `json:"noise_priv,omitempty"`
	NoisePub  []byte    `json:"noise_pub,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PeerRecord is a chat peer as last seen.
type PeerRecord struct {
	Endpoint string    `json:"endpoint"` // ip:port of the TCP listener
	NodeID   string    `json:"node_id,omitempty"`
	Name     string    `json:"name,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// NodeRecord is a DHT contact worth retrying on the next start.
type NodeRecord struct {
	ID          string    `json:"id"` // hex
	Addr        string    `json:"addr"`
	LastSeen    time.Time `json:"last_seen"`
	LastSuccess time.Time `json:"last_success"`
	Failures    int       `json:"failures"`
}

// Store is the persistence collaborator. Save* replaces the stored set.
type Store interface {
	LoadProfile() (Profile, error)
	SaveProfile(Profile) error
	LoadPeers() ([]PeerRecord, error)
	SavePeers([]PeerRecord) error
	LoadNodes() ([]NodeRecord, error)
	SaveNodes([]NodeRecord) error
	Close() error
}
