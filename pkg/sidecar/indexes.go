package sidecar

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/emailid"
)

// Bucket names for the six logical indexes plus index_metadata, per
// spec §3 "Indexes".
const (
	BucketMessageID        = "message_id"
	BucketEnvelopeHash     = "envelope_hash"
	BucketContentHash      = "content_hash"
	BucketFolderPath       = "folder_path"
	BucketCompoundLocation = "compound_location" // compound_id -> envelope_block_id
	BucketTerms            = "terms"             // term -> set<compound_id>
	BucketIndexMetadata    = "index_metadata"
)

// Indexes wires a KVStore into the six named lookups and the
// index_metadata bucket spec §4.6 describes.
type Indexes struct {
	kv KVStore
}

func New(kv KVStore) *Indexes { return &Indexes{kv: kv} }

// --- message_id -> compound_id (uniqueness enforced) ---

func (ix *Indexes) UpsertMessageID(messageID string, id emailid.CompoundID) error {
	const op = "sidecar.UpsertMessageID"
	if existing, ok, err := ix.ByMessageID(messageID); err != nil {
		return err
	} else if ok && existing != id {
		return dberrors.New(op, dberrors.Policy, nil, "message-id already bound to a different compound id").WithIdent(messageID)
	}
	return ix.kv.Upsert(BucketMessageID, []byte(messageID), id.Encode())
}

func (ix *Indexes) ByMessageID(messageID string) (emailid.CompoundID, bool, error) {
	return ix.lookupCompound(BucketMessageID, []byte(messageID))
}

// --- envelope_hash -> compound_id (dedupe by envelope) ---

func (ix *Indexes) UpsertEnvelopeHash(envelopeHash [32]byte, id emailid.CompoundID) error {
	return ix.kv.Upsert(BucketEnvelopeHash, envelopeHash[:], id.Encode())
}

func (ix *Indexes) ByEnvelopeHash(envelopeHash [32]byte) (emailid.CompoundID, bool, error) {
	return ix.lookupCompound(BucketEnvelopeHash, envelopeHash[:])
}

// --- content_hash -> compound_id (dedupe by body bytes; collisions
// with a different envelope are permitted, so this upserts rather than
// rejecting like UpsertMessageID) ---

func (ix *Indexes) UpsertContentHash(contentHash [32]byte, id emailid.CompoundID) error {
	return ix.kv.Upsert(BucketContentHash, contentHash[:], id.Encode())
}

func (ix *Indexes) ByContentHash(contentHash [32]byte) (emailid.CompoundID, bool, error) {
	return ix.lookupCompound(BucketContentHash, contentHash[:])
}

// --- folder_path -> folder_block_id (latest folder-envelope block) ---

func (ix *Indexes) UpsertFolder(folderPath string, folderBlockID int64) error {
	return ix.kv.Upsert(BucketFolderPath, []byte(folderPath), encodeInt64(folderBlockID))
}

func (ix *Indexes) FolderBlockID(folderPath string) (int64, bool, error) {
	const op = "sidecar.FolderBlockID"
	v, ok, err := ix.kv.TryGet(BucketFolderPath, []byte(folderPath))
	if err != nil {
		return 0, false, dberrors.New(op, dberrors.Internal, err, "try_get")
	}
	if !ok {
		return 0, false, nil
	}
	return decodeInt64(v), true, nil
}

// RangeFoldersByPrefix returns every folder_path under prefix (spec
// §4.6 "Range scans over folder_path return all folders under a
// prefix").
func (ix *Indexes) RangeFoldersByPrefix(prefix string) (map[string]int64, error) {
	const op = "sidecar.RangeFoldersByPrefix"
	out := map[string]int64{}
	err := ix.kv.RangeScan(BucketFolderPath, []byte(prefix), func(key, value []byte) bool {
		out[string(key)] = decodeInt64(value)
		return true
	})
	if err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "range_scan")
	}
	return out, nil
}

// --- compound_id -> envelope_block_id ---

func (ix *Indexes) UpsertEmailLocation(id emailid.CompoundID, envelopeBlockID int64) error {
	return ix.kv.Upsert(BucketCompoundLocation, id.Encode(), encodeInt64(envelopeBlockID))
}

func (ix *Indexes) EnvelopeBlockOf(id emailid.CompoundID) (int64, bool, error) {
	const op = "sidecar.EnvelopeBlockOf"
	v, ok, err := ix.kv.TryGet(BucketCompoundLocation, id.Encode())
	if err != nil {
		return 0, false, dberrors.New(op, dberrors.Internal, err, "try_get")
	}
	if !ok {
		return 0, false, nil
	}
	return decodeInt64(v), true, nil
}

// --- term -> set<compound_id>, the full-text inverted index ---

// UpsertTerm unions id into term's existing posting set and re-upserts
// it (spec §4.6 "union with existing set value and re-upsert").
func (ix *Indexes) UpsertTerm(term string, id emailid.CompoundID) error {
	const op = "sidecar.UpsertTerm"
	key := []byte(strings.ToLower(term))
	existing, ok, err := ix.kv.TryGet(BucketTerms, key)
	if err != nil {
		return dberrors.New(op, dberrors.Internal, err, "try_get")
	}
	set := map[emailid.CompoundID]bool{}
	if ok {
		for off := 0; off+12 <= len(existing); off += 12 {
			if cid, ok := emailid.Decode(existing[off : off+12]); ok {
				set[cid] = true
			}
		}
	}
	set[id] = true
	buf := make([]byte, 0, len(set)*12)
	for cid := range set {
		buf = append(buf, cid.Encode()...)
	}
	return ix.kv.Upsert(BucketTerms, key, buf)
}

// TermsContaining returns every compound-id whose posting set includes
// term.
func (ix *Indexes) TermsContaining(term string) ([]emailid.CompoundID, error) {
	const op = "sidecar.TermsContaining"
	v, ok, err := ix.kv.TryGet(BucketTerms, []byte(strings.ToLower(term)))
	if err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "try_get")
	}
	if !ok {
		return nil, nil
	}
	var out []emailid.CompoundID
	for off := 0; off+12 <= len(v); off += 12 {
		if cid, ok := emailid.Decode(v[off : off+12]); ok {
			out = append(out, cid)
		}
	}
	return out, nil
}

// --- index_metadata: last-updated, count, index-version ---

type Metadata struct {
	LastUpdated int64
	Count       int64
	IndexVersion int32
}

func (ix *Indexes) metadataKey(name string) []byte { return []byte("meta:" + name) }

func (ix *Indexes) TouchMetadata(name string, now time.Time, deltaCount int64) error {
	const op = "sidecar.TouchMetadata"
	v, ok, err := ix.kv.TryGet(BucketIndexMetadata, ix.metadataKey(name))
	if err != nil {
		return dberrors.New(op, dberrors.Internal, err, "try_get")
	}
	m := Metadata{IndexVersion: 1}
	if ok {
		m = decodeMetadata(v)
	}
	m.LastUpdated = now.Unix()
	m.Count += deltaCount
	return ix.kv.Upsert(BucketIndexMetadata, ix.metadataKey(name), encodeMetadata(m))
}

func (ix *Indexes) GetMetadata(name string) (Metadata, bool, error) {
	const op = "sidecar.GetMetadata"
	v, ok, err := ix.kv.TryGet(BucketIndexMetadata, ix.metadataKey(name))
	if err != nil {
		return Metadata{}, false, dberrors.New(op, dberrors.Internal, err, "try_get")
	}
	if !ok {
		return Metadata{}, false, nil
	}
	return decodeMetadata(v), true, nil
}

func (ix *Indexes) lookupCompound(bucket string, key []byte) (emailid.CompoundID, bool, error) {
	const op = "sidecar.lookupCompound"
	v, ok, err := ix.kv.TryGet(bucket, key)
	if err != nil {
		return emailid.CompoundID{}, false, dberrors.New(op, dberrors.Internal, err, "try_get")
	}
	if !ok {
		return emailid.CompoundID{}, false, nil
	}
	id, valid := emailid.Decode(v)
	if !valid {
		return emailid.CompoundID{}, false, dberrors.New(op, dberrors.Integrity, nil, "malformed compound id in index")
	}
	return id, true, nil
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func encodeMetadata(m Metadata) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], uint64(m.LastUpdated))
	binary.BigEndian.PutUint64(b[8:16], uint64(m.Count))
	binary.BigEndian.PutUint32(b[16:20], uint32(m.IndexVersion))
	return b
}

func decodeMetadata(b []byte) Metadata {
	if len(b) != 20 {
		return Metadata{}
	}
	return Metadata{
		LastUpdated:  int64(binary.BigEndian.Uint64(b[0:8])),
		Count:        int64(binary.BigEndian.Uint64(b[8:16])),
		IndexVersion: int32(binary.BigEndian.Uint32(b[16:20])),
	}
}
