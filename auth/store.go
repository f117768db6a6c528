package auth

import (
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	credentialsBucket = []byte("credentials")
	accessTokenKey    = []byte("access_token")
	refreshTokenKey   = []byte("refresh_token")
)

// TokenStore persists the credential pair between runs.
type TokenStore interface {
	// Load returns the stored pair; both tokens are empty when nothing is stored.
	Load() (*Pair, error)
	Save(p *Pair) error
}

type MemoryStore struct {
	sync.Mutex
	pair Pair
}

func NewMemoryStore(p Pair) *MemoryStore {
	return &MemoryStore{pair: p}
}

func (s *MemoryStore) Load() (*Pair, error) {
	s.Lock()
	out := s.pair
	s.Unlock()
	return &out, nil
}

func (s *MemoryStore) Save(p *Pair) error {
	s.Lock()
	s.pair = *p
	s.Unlock()
	return nil
}

// BoltStore keeps the pair in a bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load() (*Pair, error) {
	var out Pair
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		if b == nil {
			return nil
		}
		// values are only valid inside the tx.
		out.AccessToken = string(b.Get(accessTokenKey))
		out.RefreshToken = string(b.Get(refreshTokenKey))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) Save(p *Pair) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(credentialsBucket)
		if err != nil {
			return err
		}
		if err := b.Put(accessTokenKey, []byte(p.AccessToken)); err != nil {
			return err
		}
		return b.Put(refreshTokenKey, []byte(p.RefreshToken))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
