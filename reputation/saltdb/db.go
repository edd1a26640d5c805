// Package saltdb provides an optional, restart-safe store for the salt used
// to derive general-bucket slot assignments. It is not required: a
// ForwardManager configured without a SaltSource reshuffles every candidate
// channel's slots on every process restart, which is today's behavior and
// remains the default. BoltStore exists for an operator running a
// long-running node who would rather not pay that reshuffle cost.
package saltdb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/NebulousLabs/fastrand"
	bolt "github.com/coreos/bbolt"

	"github.com/lightninglabs/lnd-reputation/reputation"
)

const (
	dbName           = "salt.db"
	dbFilePermission = 0600
)

var saltBucket = []byte("salt")

// BoltStore is a github.com/coreos/bbolt backed reputation.SaltSource: once a
// salt has been generated for an (ownSCID, candidateSCID) pair it is written
// to disk, so a restarted process reuses it rather than generating fresh
// randomness and re-partitioning every candidate's slots.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a BoltStore rooted at dbPath.
func Open(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, err
	}

	path := filepath.Join(dbPath, dbName)
	db, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(saltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close terminates the underlying database handle.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Wipe deletes every persisted salt, forcing every candidate channel's slots
// to be reshuffled the next time they are referenced.
func (s *BoltStore) Wipe() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(saltBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(saltBucket)
		return err
	})
}

func saltKey(ownSCID, candidateSCID reputation.SCID) []byte {
	return []byte(fmt.Sprintf("%d/%d", ownSCID, candidateSCID))
}

// Salt implements reputation.SaltSource: it returns the salt previously
// persisted for (ownSCID, candidateSCID), generating and persisting a fresh
// one on first reference.
func (s *BoltStore) Salt(ownSCID, candidateSCID reputation.SCID) ([32]byte, error) {
	var salt [32]byte
	key := saltKey(ownSCID, candidateSCID)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(saltBucket)

		if existing := bucket.Get(key); existing != nil {
			copy(salt[:], existing)
			return nil
		}

		fresh, err := freshSalt()
		if err != nil {
			return err
		}

		if err := bucket.Put(key, fresh[:]); err != nil {
			return err
		}
		salt = fresh
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}

	return salt, nil
}

func freshSalt() ([32]byte, error) {
	var salt [32]byte
	fastrand.Read(salt[:])
	return salt, nil
}
