// Package contentstore is the default in-tree content-backing and
// kvs-checkpoint module: a reference implementation of §4.8's RPC
// contract backed by an embedded ordered key/value store, the way
// content-sqlite.c ships as the reference backing store alongside the
// original broker core even though third parties can supply their own.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/tidwall/buntdb"

	"github.com/flux-framework/flux-core-go/broker"
)

// blobPrefix/checkpointPrefix partition the single buntdb keyspace
// into two logical tables, the translation of content-sqlite.c's
// table-per-blob design into buntdb's flat ordered keyspace.
const (
	blobPrefix       = "blob:"
	checkpointPrefix = "ckpt:"
)

// HashAlgo selects the digest algorithm backing content addressing
// (§9 Open Question, resolved in SPEC_FULL.md: sha256 default, xxh64
// optional via the content.hash broker attribute).
type HashAlgo string

const (
	HashSHA256 HashAlgo = "sha256"
	HashXXH64  HashAlgo = "xxh64"
)

// Store implements broker.Backing against an embedded buntdb database.
type Store struct {
	db   *buntdb.DB
	algo HashAlgo
}

// Open opens (creating if necessary) a buntdb database at path. Pass
// ":memory:" for an ephemeral in-memory store (flux-broker's default).
func Open(path string, algo HashAlgo) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("contentstore: open %s: %w", path, err)
	}
	if algo == "" {
		algo = HashSHA256
	}
	return &Store{db: db, algo: algo}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) digest(b []byte) []byte {
	switch s.algo {
	case HashXXH64:
		sum := xxhash.Checksum64S(b, 0)
		out := make([]byte, 8)
		for i := 0; i < 8; i++ {
			out[i] = byte(sum >> (8 * i))
		}
		return out
	default:
		sum := sha256.Sum256(b)
		return sum[:]
	}
}

// Store implements content-backing.store.
func (s *Store) Store(bytes []byte) ([]byte, error) {
	hash := s.digest(bytes)
	key := blobPrefix + hex.EncodeToString(hash)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(bytes), nil)
		return err
	})
	if err != nil {
		return nil, broker.NewError(broker.ErrInternal, "contentstore: store: %v", err)
	}
	return hash, nil
}

// Load implements content-backing.load.
func (s *Store) Load(hash []byte) ([]byte, error) {
	key := blobPrefix + hex.EncodeToString(hash)
	var val string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, broker.NewError(broker.ErrNotFound, "blob %x not found", hash)
	}
	if err != nil {
		return nil, broker.NewError(broker.ErrInternal, "contentstore: load: %v", err)
	}
	return []byte(val), nil
}

// checkpointRecord is the §4.8 legacy-wrapping shape: "{version,
// rootref, timestamp}" for stores whose native value is a bare blob
// reference string.
type checkpointRecord struct {
	Version   int    `json:"version"`
	Rootref   string `json:"rootref"`
	Timestamp int64  `json:"timestamp"`
}

// CheckpointGet implements kvs-checkpoint.get.
func (s *Store) CheckpointGet(key string) (any, error) {
	var raw string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(checkpointPrefix + key)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, broker.NewError(broker.ErrNotFound, "checkpoint key %q not found", key)
	}
	if err != nil {
		return nil, broker.NewError(broker.ErrInternal, "contentstore: checkpoint get: %v", err)
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		// Legacy value: a bare rootref string, wrapped per §4.8.
		return checkpointRecord{Version: 0, Rootref: raw, Timestamp: 0}, nil
	}
	return v, nil
}

// CheckpointPut implements kvs-checkpoint.put.
func (s *Store) CheckpointPut(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return broker.NewError(broker.ErrInternal, "contentstore: marshal checkpoint value: %v", err)
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(checkpointPrefix+key, string(raw), nil)
		return err
	})
}
