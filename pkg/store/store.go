// Package store persists endpoint state snapshots in a local bbolt database,
// sealed at rest with XChaCha20-Poly1305 under a key derived from a caller
// passphrase. It lets an established tunnel be resumed after a restart
// without re-keying.
package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	snapshotBucket = "snapshots"
	authBucket     = "auth"

	deriveSaltKey = "derive-salt"
	deriveInfo    = "calico-store-key"

	saltSize  = 16
	nonceSize = chacha20poly1305.NonceSizeX
)

var (
	ErrMissingBucket    = errors.New("bucket not found")
	ErrMissingItem      = errors.New("item not found")
	ErrFailedDecryption = errors.New("decryption failed")
)

// Store is a sealed snapshot database. Values are encrypted before they
// touch disk; keys (session names) are stored in the clear.
type Store struct {
	db   *bolt.DB
	aead cipher.AEAD
}

// Open opens or creates the database at path and derives the sealing key
// from the passphrase. The key-derivation salt is created on first open and
// kept in the database, so the same passphrase reopens the store.
func Open(path string, passphrase []byte) (*Store, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("store: empty passphrase")
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var salt []byte
	err = db.Update(func(tx *bolt.Tx) error {
		auth, err := tx.CreateBucketIfNotExists([]byte(authBucket))
		if err != nil {
			return fmt.Errorf("auth bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(snapshotBucket)); err != nil {
			return fmt.Errorf("snapshot bucket: %w", err)
		}

		if existing := auth.Get([]byte(deriveSaltKey)); existing != nil {
			salt = append([]byte(nil), existing...)
			return nil
		}
		salt = make([]byte, saltSize)
		rand.Read(salt)
		return auth.Put([]byte(deriveSaltKey), salt)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha512.New, passphrase, salt, []byte(deriveInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		db.Close()
		return nil, fmt.Errorf("deriving store key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("chacha20poly1305X: %w", err)
	}

	return &Store{db: db, aead: aead}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put seals value and stores it under name, replacing any previous entry.
func (s *Store) Put(name string, value []byte) error {
	sealed := s.seal(value)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		return bucket.Put([]byte(name), sealed)
	})
}

// Get fetches and opens the entry stored under name.
func (s *Store) Get(name string) ([]byte, error) {
	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		data := bucket.Get([]byte(name))
		if data == nil {
			return ErrMissingItem
		}
		sealed = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.open(sealed)
}

// Delete removes the entry stored under name. Deleting a missing entry is
// not an error.
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		return bucket.Delete([]byte(name))
	})
}

// List returns the names of all stored entries.
func (s *Store) List() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		return bucket.ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (s *Store) seal(value []byte) []byte {
	nonce := make([]byte, nonceSize, nonceSize+len(value)+s.aead.Overhead())
	rand.Read(nonce)
	return s.aead.Seal(nonce, nonce, value, nil)
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, ErrFailedDecryption
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	value, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailedDecryption, err)
	}
	return value, nil
}
