// Package hashchain implements the tamper-evidence layer (spec §4.7): a
// SHA-256 chained digest per sealed block, gap-free sequencing, a
// verification pass over the whole chain, and existence proofs that are
// pure functions over a self-contained Proof value (no disk access
// required to check one). Entries are persisted through the same
// pkg/sidecar KV store the secondary indexes use, under a dedicated
// bucket -- spec §6's "engine-managed" sidecar option -- mirroring the
// teacher's services/audit/internal/ledger split between append_only.go
// (the log) and hash_chain.go/verification.go (the chain and its
// checks); this package plays both roles for one block kind instead of
// one event kind.
package hashchain

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/emailid"
)

// Genesis is the fixed, well-known previous-chain-hash used for the
// first entry (spec §9 open question: the source's WAL/chain genesis
// behavior was unspecified; this implementation pins an all-zero
// 32-byte genesis, documented here and in DESIGN.md).
var Genesis = [32]byte{}

// Entry is one hash-chain link (spec §3 "Hash-chain entry").
type Entry struct {
	BlockID           int64
	BlockHash         [32]byte
	PreviousChainHash [32]byte
	ChainHash         [32]byte
	Timestamp         int64
	Sequence          int64
}

// KVStore is the minimal slice of pkg/sidecar.KVStore the chain needs;
// declared locally so this package does not import pkg/sidecar (keeping
// the dependency direction sidecar -> nothing, hashchain -> nothing,
// both wired together by internal/engine).
type KVStore interface {
	Upsert(bucket string, key, value []byte) error
	TryGet(bucket string, key []byte) ([]byte, bool, error)
	RangeScan(bucket string, prefix []byte, fn func(key, value []byte) bool) error
	Count(bucket string) (int64, error)
}

const bucketChain = "hash_chain"
const keyHead = "head"

// Chain is a sequence-ordered, gap-free log of Entry values backed by a
// KVStore.
type Chain struct {
	mu sync.Mutex
	kv KVStore
}

func New(kv KVStore) *Chain { return &Chain{kv: kv} }

// HeaderFields are the block header values that feed BlockHash, kept
// separate from blockio.Block so a Proof can carry exactly these six
// scalars without the payload bytes themselves.
type HeaderFields struct {
	Version         uint16
	Kind            blockio.BlockKind
	Flags           blockio.Flags
	PayloadEncoding blockio.PayloadEncoding
	Timestamp       int64
	BlockID         int64
}

func headerFieldsOf(b blockio.Block) HeaderFields {
	return HeaderFields{
		Version:         b.Version,
		Kind:            b.Kind,
		Flags:           b.Flags,
		PayloadEncoding: b.PayloadEncoding,
		Timestamp:       b.Timestamp,
		BlockID:         b.BlockID,
	}
}

func (h HeaderFields) bytes() []byte {
	buf := make([]byte, 0, 24)
	buf = append(buf, byte(h.Version), byte(h.Version>>8))
	buf = append(buf, byte(h.Kind))
	var flagsBuf [4]byte
	binary.LittleEndian.PutUint32(flagsBuf[:], uint32(h.Flags))
	buf = append(buf, flagsBuf[:]...)
	buf = append(buf, byte(h.PayloadEncoding))
	var tsBuf, idBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(h.Timestamp))
	binary.LittleEndian.PutUint64(idBuf[:], uint64(h.BlockID))
	buf = append(buf, tsBuf[:]...)
	buf = append(buf, idBuf[:]...)
	return buf
}

// BlockHash computes spec §4.7's "block_hash = SHA256(canonical_bytes(block))".
// canonical_bytes is the block's fixed header scalars followed by
// payloadHash, which the caller computes per spec §8 Design note: for
// most block kinds that is SHA256(block.Payload); for email-batch
// blocks (spec §4.5/§4.7 existence proofs) it is SHA256 of the
// concatenated per-entry hashes, which is what makes a compact,
// self-contained existence proof possible (see ExistenceProof).
func BlockHash(fields HeaderFields, payloadHash [32]byte) [32]byte {
	buf := append(fields.bytes(), payloadHash[:]...)
	return sha256.Sum256(buf)
}

// PayloadHash computes the whole-payload digest used for every
// non-email-batch block kind.
func PayloadHash(payload []byte) [32]byte { return sha256.Sum256(payload) }

// BatchPayloadHash computes the digest used for email-batch blocks: the
// SHA256 of the concatenation of each packed entry's own SHA256 hash, in
// on-disk order (spec §4.7 "a single-level hash list is permitted").
func BatchPayloadHash(entryHashes [][32]byte) [32]byte {
	buf := make([]byte, 0, 32*len(entryHashes))
	for _, h := range entryHashes {
		buf = append(buf, h[:]...)
	}
	return sha256.Sum256(buf)
}

func chainHash(blockHash, previous [32]byte) [32]byte {
	return sha256.Sum256(append(append([]byte(nil), blockHash[:]...), previous[:]...))
}

// Extend appends a new entry for block, given its precomputed
// payloadHash (see BlockHash's doc comment for which hash to pass).
func (c *Chain) Extend(block blockio.Block, payloadHash [32]byte) (Entry, error) {
	const op = "hashchain.Extend"
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := Genesis
	var nextSeq int64
	if raw, ok, err := c.kv.TryGet(bucketChain, []byte(keyHead)); err != nil {
		return Entry{}, dberrors.New(op, dberrors.Internal, err, "read chain head")
	} else if ok {
		head, ok := decodeEntry(raw)
		if !ok {
			return Entry{}, dberrors.New(op, dberrors.Integrity, nil, "corrupt chain head entry")
		}
		prev = head.ChainHash
		nextSeq = head.Sequence + 1
	}

	bh := BlockHash(headerFieldsOf(block), payloadHash)
	entry := Entry{
		BlockID:           block.BlockID,
		BlockHash:         bh,
		PreviousChainHash: prev,
		ChainHash:         chainHash(bh, prev),
		Timestamp:         block.Timestamp,
		Sequence:          nextSeq,
	}
	enc := encodeEntry(entry)
	if err := c.kv.Upsert(bucketChain, seqKey(nextSeq), enc); err != nil {
		return Entry{}, dberrors.New(op, dberrors.Io, err, "persist chain entry")
	}
	if err := c.kv.Upsert(bucketChain, []byte(keyHead), enc); err != nil {
		return Entry{}, dberrors.New(op, dberrors.Io, err, "persist chain head")
	}
	return entry, nil
}

// VerifyResult is the outcome of a full chain walk.
type VerifyResult struct {
	Valid   bool
	BlockID int64
	Reason  string
}

// BlockHasher lets Verify re-derive a block's current on-disk hash
// without this package depending on pkg/blockio's Engine or
// pkg/emailstore's packer directly.
type BlockHasher interface {
	HashBlock(blockID int64) (HeaderFields, [32]byte, error)
}

// Verify walks every entry in sequence order, checking (a)
// previous_chain_hash continuity, (b) chain_hash recomputation, and (c),
// if hasher is non-nil, that the on-disk block still re-hashes to the
// stored block_hash (spec §4.7).
func (c *Chain) Verify(hasher BlockHasher) (VerifyResult, error) {
	const op = "hashchain.Verify"
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.kv.Count(bucketChain)
	if err != nil {
		return VerifyResult{}, dberrors.New(op, dberrors.Internal, err, "count")
	}
	// Count() includes the "head" pointer entry alongside the per-sequence
	// entries, so the real entry count is one less once any entry exists.
	if n > 0 {
		n--
	}

	prev := Genesis
	for seq := int64(0); seq < n; seq++ {
		raw, ok, err := c.kv.TryGet(bucketChain, seqKey(seq))
		if err != nil {
			return VerifyResult{}, dberrors.New(op, dberrors.Internal, err, "try_get")
		}
		if !ok {
			return VerifyResult{Valid: false, Reason: "missing sequence entry"}, nil
		}
		entry, ok := decodeEntry(raw)
		if !ok {
			return VerifyResult{Valid: false, Reason: "corrupt chain entry"}, nil
		}
		if entry.Sequence != seq {
			return VerifyResult{Valid: false, BlockID: entry.BlockID, Reason: "sequence gap"}, nil
		}
		if entry.PreviousChainHash != prev {
			return VerifyResult{Valid: false, BlockID: entry.BlockID, Reason: "previous chain hash mismatch"}, nil
		}
		if chainHash(entry.BlockHash, entry.PreviousChainHash) != entry.ChainHash {
			return VerifyResult{Valid: false, BlockID: entry.BlockID, Reason: "chain hash mismatch"}, nil
		}
		if hasher != nil {
			fields, payloadHash, err := hasher.HashBlock(entry.BlockID)
			if err != nil {
				return VerifyResult{Valid: false, BlockID: entry.BlockID, Reason: "block unreadable: " + err.Error()}, nil
			}
			if BlockHash(fields, payloadHash) != entry.BlockHash {
				return VerifyResult{Valid: false, BlockID: entry.BlockID, Reason: "block hash mismatch"}, nil
			}
		}
		prev = entry.ChainHash
	}
	return VerifyResult{Valid: true}, nil
}

// Head returns the most recently appended entry, if any.
func (c *Chain) Head() (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok, err := c.kv.TryGet(bucketChain, []byte(keyHead))
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	e, ok := decodeEntry(raw)
	return e, ok, nil
}

// EntryAt returns the chain entry for a specific block, scanning forward
// from sequence 0 (chains are expected to be short enough relative to
// database lifetime for this to be acceptable; an id->sequence index can
// be added if this becomes a hot path).
func (c *Chain) EntryAt(blockID int64) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found Entry
	var ok bool
	err := c.kv.RangeScan(bucketChain, nil, func(key, value []byte) bool {
		if string(key) == keyHead {
			return true
		}
		e, valid := decodeEntry(value)
		if valid && e.BlockID == blockID {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok, err
}

// SegmentStep is one link in the minimal chain segment a Proof carries
// to connect a block's chain_hash forward to the chain head, so
// VerifyProof never has to touch the KV store.
type SegmentStep struct {
	BlockHash [32]byte
	ChainHash [32]byte
}

// Proof is a self-contained existence proof for one packed email (spec
// §4.7 "existence proofs ... without needing the full block"). Every
// field VerifyProof needs is carried in the value; verification is a
// pure function of (proof, rawEmailBytes).
type Proof struct {
	CompoundID    emailid.CompoundID
	EmailHash     [32]byte
	SiblingHashes [][32]byte // every entry's hash in the batch, in on-disk order
	LocalIndex    int
	Header        HeaderFields
	PreviousChainHash [32]byte
	ChainHash         [32]byte
	Segment           []SegmentStep // steps strictly after this block, ending at the head
	HeadChainHash     [32]byte
}

// ExistenceProof builds a Proof for the entry at localIndex within a
// sealed email-batch block, given the batch's full ordered list of
// per-entry hashes, the block's chain entry, and the segment of chain
// entries from just after this block through the current head.
func ExistenceProof(block blockio.Block, entryHashes [][32]byte, localIndex int, entry Entry, tail []Entry) (Proof, error) {
	const op = "hashchain.ExistenceProof"
	if localIndex < 0 || localIndex >= len(entryHashes) {
		return Proof{}, dberrors.New(op, dberrors.Policy, nil, "local index out of range")
	}
	segment := make([]SegmentStep, len(tail))
	for i, e := range tail {
		segment[i] = SegmentStep{BlockHash: e.BlockHash, ChainHash: e.ChainHash}
	}
	head := entry.ChainHash
	if len(tail) > 0 {
		head = tail[len(tail)-1].ChainHash
	}
	return Proof{
		CompoundID:        emailid.CompoundID{BlockID: block.BlockID, LocalID: int32(localIndex)},
		EmailHash:         entryHashes[localIndex],
		SiblingHashes:     append([][32]byte(nil), entryHashes...),
		LocalIndex:        localIndex,
		Header:            headerFieldsOf(block),
		PreviousChainHash: entry.PreviousChainHash,
		ChainHash:         entry.ChainHash,
		Segment:           segment,
		HeadChainHash:     head,
	}, nil
}

// VerifyProof checks a Proof against the raw bytes of the email it
// claims to cover, reproducing every hash step with no I/O: the email's
// own hash, its membership in the claimed sibling list, the sibling
// list's reduction to the batch's payload hash, the payload hash's
// combination with the block header into block_hash, block_hash's
// combination with previous_chain_hash into chain_hash, and chain_hash's
// walk forward through Segment to HeadChainHash.
func VerifyProof(proof Proof, emailBytes []byte) bool {
	if proof.LocalIndex < 0 || proof.LocalIndex >= len(proof.SiblingHashes) {
		return false
	}
	if sha256.Sum256(emailBytes) != proof.EmailHash {
		return false
	}
	if proof.SiblingHashes[proof.LocalIndex] != proof.EmailHash {
		return false
	}
	payloadHash := BatchPayloadHash(proof.SiblingHashes)
	blockHash := BlockHash(proof.Header, payloadHash)
	if chainHash(blockHash, proof.PreviousChainHash) != proof.ChainHash {
		return false
	}
	prev := proof.ChainHash
	for _, step := range proof.Segment {
		if chainHash(step.BlockHash, prev) != step.ChainHash {
			return false
		}
		prev = step.ChainHash
	}
	return prev == proof.HeadChainHash
}

func seqKey(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

const entrySize = 8 + 32 + 32 + 32 + 8 + 8

func encodeEntry(e Entry) []byte {
	buf := make([]byte, entrySize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.BlockID))
	off += 8
	copy(buf[off:], e.BlockHash[:])
	off += 32
	copy(buf[off:], e.PreviousChainHash[:])
	off += 32
	copy(buf[off:], e.ChainHash[:])
	off += 32
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.Timestamp))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(e.Sequence))
	return buf
}

func decodeEntry(buf []byte) (Entry, bool) {
	if len(buf) != entrySize {
		return Entry{}, false
	}
	var e Entry
	off := 0
	e.BlockID = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	copy(e.BlockHash[:], buf[off:off+32])
	off += 32
	copy(e.PreviousChainHash[:], buf[off:off+32])
	off += 32
	copy(e.ChainHash[:], buf[off:off+32])
	off += 32
	e.Timestamp = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	e.Sequence = int64(binary.LittleEndian.Uint64(buf[off:]))
	return e, true
}
