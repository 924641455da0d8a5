package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bMeta  = "meta"
	bPeers = "peers"
	bNodes = "nodes"

	kProfile = "profile"

	defaultTO = 2 * time.Second
)

// BoltStore is a BoltDB-backed Store.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (or creates) a BoltDB database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &BoltStore{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bMeta, bPeers, bNodes} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) LoadProfile() (Profile, error) {
	var p Profile
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bMeta)).Get([]byte(kProfile))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &p)
	})
	return p, err
}

func (s *BoltStore) SaveProfile(p Profile) error {
	val, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bMeta)).Put([]byte(kProfile), val)
	})
}

func (s *BoltStore) LoadPeers() ([]PeerRecord, error) {
	var out []PeerRecord
	err := loadAll(s.db, bPeers, func(raw []byte) {
		var r PeerRecord
		if json.Unmarshal(raw, &r) == nil && r.Endpoint != "" {
			out = append(out, r)
		}
	})
	return out, err
}

func (s *BoltStore) SavePeers(ps []PeerRecord) error {
	return replaceAll(s.db, bPeers, len(ps), func(i int) ([]byte, any) {
		return []byte(ps[i].Endpoint), ps[i]
	})
}

func (s *BoltStore) LoadNodes() ([]NodeRecord, error) {
	var out []NodeRecord
	err := loadAll(s.db, bNodes, func(raw []byte) {
		var r NodeRecord
		if json.Unmarshal(raw, &r) == nil && r.ID != "" && r.Addr != "" {
			out = append(out, r)
		}
	})
	return out, err
}

func (s *BoltStore) SaveNodes(ns []NodeRecord) error {
	return replaceAll(s.db, bNodes, len(ns), func(i int) ([]byte, any) {
		return []byte(ns[i].ID), ns[i]
	})
}

// loadAll visits every value in bucket name. Corrupt entries are skipped.
func loadAll(db *bolt.DB, name string, fn func(raw []byte)) error {
	return db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(name)).ForEach(func(_, v []byte) error {
			fn(v)
			return nil
		})
	})
}

// replaceAll swaps the contents of bucket name in one transaction.
func replaceAll(db *bolt.DB, name string, n int, item func(i int) ([]byte, any)) error {
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket([]byte(name))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			key, v := item(i)
			if len(key) == 0 {
				continue
			}
			val, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := b.Put(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}
