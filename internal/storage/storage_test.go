package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBolt(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	s, err := OpenBolt(path)
	require.NoError(t, err)
	return s, path
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	_, err := s.LoadProfile()
	require.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	prof := Profile{Name: "alice", NodeID: "0102", CreatedAt: now}
	require.NoError(t, s.SaveProfile(prof))
	got, err := s.LoadProfile()
	require.NoError(t, err)
	assert.Equal(t, prof, got)

	peers := []PeerRecord{
		{Endpoint: "10.0.0.1:4000", Name: "bob", LastSeen: now},
		{Endpoint: "10.0.0.2:4000", LastSeen: now},
	}
	require.NoError(t, s.SavePeers(peers))
	gotPeers, err := s.LoadPeers()
	require.NoError(t, err)
	assert.ElementsMatch(t, peers, gotPeers)

	// saving replaces the previous set
	require.NoError(t, s.SavePeers(peers[:1]))
	gotPeers, err = s.LoadPeers()
	require.NoError(t, err)
	assert.Equal(t, peers[:1], gotPeers)

	nodes := []NodeRecord{{ID: "aa", Addr: "1.2.3.4:6881", LastSuccess: now, Failures: 1}}
	require.NoError(t, s.SaveNodes(nodes))
	gotNodes, err := s.LoadNodes()
	require.NoError(t, err)
	assert.Equal(t, nodes, gotNodes)
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	exerciseStore(t, s)
	require.NoError(t, s.Close())
	_, err := s.LoadPeers()
	require.ErrorIs(t, err, ErrClosed)
}

func TestBoltStore(t *testing.T) {
	s, _ := openBolt(t)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	s, path := openBolt(t)
	require.NoError(t, s.SaveProfile(Profile{Name: "carol", NodeID: "ff"}))
	require.NoError(t, s.Close())

	s2, err := OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	p, err := s2.LoadProfile()
	require.NoError(t, err)
	assert.Equal(t, "carol", p.Name)
}

func TestOpenBolt_EmptyPath(t *testing.T) {
	_, err := OpenBolt("")
	require.Error(t, err)
}
