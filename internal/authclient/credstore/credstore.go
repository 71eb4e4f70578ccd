// Package credstore persists the client's token pair in a local bbolt file so
// credentials survive process restarts. Reads never fail observably: an
// absent value is the empty string.
package credstore

import (
	bolt "go.etcd.io/bbolt"
)

var (
	bktCredentials  = []byte("credentials")
	accessTokenKey  = []byte("access_token")
	refreshTokenKey = []byte("refresh_token")
)

// Store is a wrapper around bolt.DB
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the credential file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bktCredentials)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save overwrites both tokens in a single transaction.
func (s *Store) Save(access, refresh string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bktCredentials)
		if err := b.Put(accessTokenKey, []byte(access)); err != nil {
			return err
		}
		return b.Put(refreshTokenKey, []byte(refresh))
	})
}

// Access returns the stored access token, or "" if none.
func (s *Store) Access() string {
	return s.get(accessTokenKey)
}

// Refresh returns the stored refresh token, or "" if none.
func (s *Store) Refresh() string {
	return s.get(refreshTokenKey)
}

func (s *Store) get(key []byte) string {
	var value string
	s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bktCredentials).Get(key); v != nil {
			value = string(v)
		}
		return nil
	})
	return value
}

func (s *Store) ClearAccess() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bktCredentials).Delete(accessTokenKey)
	})
}

func (s *Store) ClearRefresh() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bktCredentials).Delete(refreshTokenKey)
	})
}

func (s *Store) ClearAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bktCredentials)
		if err := b.Delete(accessTokenKey); err != nil {
			return err
		}
		return b.Delete(refreshTokenKey)
	})
}
