// Package sidecar is the secondary-index subsystem (spec §4.6): the
// abstract ordered-KV contract spec.md §1 names as an external
// collaborator ("upsert, try_get, range_scan, count, with its own
// persistence... treated as an opaque sidecar directory"), a concrete
// realization backed by go.etcd.io/bbolt, and the six logical indexes
// plus index_metadata built on top of it. The MVCC-over-bbolt shape is
// grounded on the thistonyuncle-etcd example's mvcc package, which is
// itself a transaction log fronting a bbolt-backed backend.Backend --
// the same "index layer over an embedded ordered KV store" structure
// this package needs, minus the MVCC versioning this system doesn't
// require (index entries are upserted/overwritten directly, since the
// compound IDs they point at are themselves immutable).
package sidecar

import (
	"go.etcd.io/bbolt"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

// KVStore is the out-of-scope contract from spec §1: an ordered
// key-value store with upsert/try_get/range_scan/count and its own
// persistence. pkg/sidecar consumes this contract; it does not implement
// the KV engine itself (BboltStore is an adapter over a real one).
type KVStore interface {
	Upsert(bucket string, key, value []byte) error
	TryGet(bucket string, key []byte) (value []byte, ok bool, err error)
	// RangeScan calls fn for every key with the given prefix, in
	// ascending key order, until fn returns false or the scan is
	// exhausted.
	RangeScan(bucket string, prefix []byte, fn func(key, value []byte) bool) error
	Count(bucket string) (int64, error)
	Close() error
}

// BboltStore adapts a go.etcd.io/bbolt database to the KVStore contract.
// Each logical bucket name is a distinct bbolt bucket within one file,
// the concrete realization of spec §6's "directory of six named
// subdirectories" (bbolt is single-file; DESIGN.md records this as the
// documented reinterpretation).
type BboltStore struct {
	db *bbolt.DB
}

// OpenBboltStore opens (creating if necessary) a bbolt database at path.
func OpenBboltStore(path string) (*BboltStore, error) {
	const op = "sidecar.OpenBboltStore"
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Io, err, "open bbolt database").WithIdent(path)
	}
	return &BboltStore{db: db}, nil
}

func (s *BboltStore) Upsert(bucket string, key, value []byte) error {
	const op = "sidecar.Upsert"
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return dberrors.New(op, dberrors.Io, err, "create bucket").WithIdent(bucket)
		}
		if err := b.Put(key, value); err != nil {
			return dberrors.New(op, dberrors.Io, err, "put").WithIdent(bucket)
		}
		return nil
	})
}

func (s *BboltStore) TryGet(bucket string, key []byte) ([]byte, bool, error) {
	const op = "sidecar.TryGet"
	var out []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v == nil {
			return nil
		}
		found = true
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, dberrors.New(op, dberrors.Io, err, "view").WithIdent(bucket)
	}
	return out, found, nil
}

func (s *BboltStore) RangeScan(bucket string, prefix []byte, fn func(key, value []byte) bool) error {
	const op = "sidecar.RangeScan"
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if !fn(append([]byte(nil), k...), append([]byte(nil), v...)) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return dberrors.New(op, dberrors.Io, err, "view").WithIdent(bucket)
	}
	return nil
}

func (s *BboltStore) Count(bucket string) (int64, error) {
	const op = "sidecar.Count"
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		n = int64(b.Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, dberrors.New(op, dberrors.Io, err, "view").WithIdent(bucket)
	}
	return n, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
