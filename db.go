// db.go
package main

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

var (
	DBVersion = []byte("0.1.0")

	ErrDBVersion = errors.New("Unsupported profile version")
)

const (
	encryptionKeySize = 32
	indexCacheSize    = 16 << 20
)

// BadgerStore holds lacchat session state and wraps a BadgerDB instance
type BadgerStore struct {
	db   *badger.DB
	seed string
}

// deriveStoreKey derives the at rest encryption key of a profile from the seed
func deriveStoreKey(seed string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(seed), []byte("lacchat profile"), nil)
	key := make([]byte, encryptionKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// OpenBadgerStore opens (or creates) the profile in dir, encrypted under a
// key derived from seed
func OpenBadgerStore(dir, seed string) (*BadgerStore, error) {
	key, err := deriveStoreKey(seed)
	if err != nil {
		return nil, err
	}
	opt := badger.DefaultOptions(dir).
		WithEncryptionKey(key).
		WithIndexCacheSize(indexCacheSize).
		WithLogger(nil)
	db, err := badger.Open(opt)
	if err != nil {
		return nil, fmt.Errorf("open profile %s: %w", dir, err)
	}
	s := &BadgerStore{db: db, seed: seed}
	if err := s.InitDB(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitDB initializes default values of the BadgerStore
func (a *BadgerStore) InitDB() error {
	return a.db.Update(func(txn *badger.Txn) error {
		i, err := txn.Get(versionKey())
		switch err {
		case nil:
			return i.Value(func(val []byte) error {
				if string(val) != string(DBVersion) {
					return fmt.Errorf("%w: %s", ErrDBVersion, val)
				}
				return nil
			})
		case badger.ErrKeyNotFound:
			return txn.Set(versionKey(), DBVersion)
		default:
			return err
		}
	})
}

func versionKey() []byte {
	return []byte("lacchat_version")
}

func profileKey() []byte {
	return []byte("profile")
}

func baselineKey(name string) []byte {
	return []byte(fmt.Sprintf("baseline:%s", name))
}

func outboundKey(dest Destination) []byte {
	return []byte(fmt.Sprintf("outbound:%s:", dest))
}

func (a *BadgerStore) get(key []byte, v interface{}) error {
	return a.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(key)
		if err != nil {
			return err
		}
		return i.Value(func(val []byte) error {
			return cbor.Unmarshal(val, v)
		})
	})
}

func (a *BadgerStore) put(key []byte, v interface{}) error {
	return a.db.Update(func(txn *badger.Txn) error {
		serialized, err := cbor.Marshal(v)
		if err != nil {
			return err
		}
		return txn.Set(key, serialized)
	})
}

// Seed returns the identity seed the profile was opened with
func (a *BadgerStore) Seed() string {
	return a.seed
}

// Profile returns the cached identity of this seed
func (a *BadgerStore) Profile() (*Profile, error) {
	p := new(Profile)
	err := a.get(profileKey(), p)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNoProfile
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SetProfile caches the identity of this seed
func (a *BadgerStore) SetProfile(p *Profile) error {
	return a.put(profileKey(), p)
}

// Baseline returns the last received count recorded under name
func (a *BadgerStore) Baseline(name string) (int, error) {
	var n int
	err := a.get(baselineKey(name), &n)
	if err == badger.ErrKeyNotFound {
		return 0, ErrNoBaseline
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetBaseline records the received count under name
func (a *BadgerStore) SetBaseline(name string, count int) error {
	return a.put(baselineKey(name), count)
}

// Outbox returns the durable outbound queue of dest
func (a *BadgerStore) Outbox(dest Destination) Outbox {
	return NewBadgerQueue(a.db, outboundKey(dest))
}

func (a *BadgerStore) Close() {
	a.db.Close()
}
