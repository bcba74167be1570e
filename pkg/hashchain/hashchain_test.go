package hashchain

import (
	"crypto/sha256"
	"testing"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
)

// memKV is a minimal in-memory KVStore for tests, in the teacher's
// table-driven-fixture-over-mock style.
type memKV struct {
	buckets map[string]map[string][]byte
}

func newMemKV() *memKV { return &memKV{buckets: map[string]map[string][]byte{}} }

func (m *memKV) Upsert(bucket string, key, value []byte) error {
	b, ok := m.buckets[bucket]
	if !ok {
		b = map[string][]byte{}
		m.buckets[bucket] = b
	}
	b[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) TryGet(bucket string, key []byte) ([]byte, bool, error) {
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, false, nil
	}
	v, ok := b[string(key)]
	return v, ok, nil
}

func (m *memKV) RangeScan(bucket string, prefix []byte, fn func(key, value []byte) bool) error {
	b, ok := m.buckets[bucket]
	if !ok {
		return nil
	}
	for k, v := range b {
		if len(prefix) > 0 && (len(k) < len(prefix) || k[:len(prefix)] != string(prefix)) {
			continue
		}
		if !fn([]byte(k), v) {
			break
		}
	}
	return nil
}

func (m *memKV) Count(bucket string) (int64, error) {
	return int64(len(m.buckets[bucket])), nil
}

func block(id int64) blockio.Block {
	return blockio.Block{
		Version:         1,
		Kind:            blockio.KindEmailBatch,
		Flags:           0,
		PayloadEncoding: blockio.EncodingJSON,
		Timestamp:       1000 + id,
		BlockID:         id,
		Payload:         []byte("payload"),
	}
}

func TestExtendBuildsGenesisLinkedChain(t *testing.T) {
	c := New(newMemKV())
	b1 := block(10_000_000_000_000)
	e1, err := c.Extend(b1, PayloadHash(b1.Payload))
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if e1.PreviousChainHash != Genesis {
		t.Fatalf("first entry should chain from Genesis")
	}
	if e1.Sequence != 0 {
		t.Fatalf("first entry sequence = %d, want 0", e1.Sequence)
	}

	b2 := block(10_000_000_000_001)
	e2, err := c.Extend(b2, PayloadHash(b2.Payload))
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if e2.PreviousChainHash != e1.ChainHash {
		t.Fatalf("second entry should chain from first's chain hash")
	}
	if e2.Sequence != 1 {
		t.Fatalf("second entry sequence = %d, want 1", e2.Sequence)
	}
}

func TestVerifyDetectsTamperedChainHash(t *testing.T) {
	kv := newMemKV()
	c := New(kv)
	b1 := block(1)
	if _, err := c.Extend(b1, PayloadHash(b1.Payload)); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	b2 := block(2)
	if _, err := c.Extend(b2, PayloadHash(b2.Payload)); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	res, err := c.Verify(nil)
	if err != nil || !res.Valid {
		t.Fatalf("expected valid chain before tamper: %+v err=%v", res, err)
	}

	raw := kv.buckets[bucketChain][string(seqKey(0))]
	raw[8] ^= 0xFF // flip a byte inside the stored block_hash
	kv.buckets[bucketChain][string(seqKey(0))] = raw

	res, err = c.Verify(nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatalf("expected tamper to be detected")
	}
}

type fakeHasher struct {
	fields map[int64]HeaderFields
	hash   map[int64][32]byte
}

func (f fakeHasher) HashBlock(id int64) (HeaderFields, [32]byte, error) {
	return f.fields[id], f.hash[id], nil
}

func TestVerifyWithHasherDetectsBlockDrift(t *testing.T) {
	c := New(newMemKV())
	b1 := block(1)
	ph := PayloadHash(b1.Payload)
	e1, err := c.Extend(b1, ph)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}

	good := fakeHasher{
		fields: map[int64]HeaderFields{1: headerFieldsOf(b1)},
		hash:   map[int64][32]byte{1: ph},
	}
	res, err := c.Verify(good)
	if err != nil || !res.Valid {
		t.Fatalf("expected valid with matching hasher: %+v err=%v", res, err)
	}

	drifted := fakeHasher{
		fields: map[int64]HeaderFields{1: headerFieldsOf(b1)},
		hash:   map[int64][32]byte{1: PayloadHash([]byte("drifted payload"))},
	}
	res, err = c.Verify(drifted)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid || res.BlockID != e1.BlockID {
		t.Fatalf("expected drift to be detected against block %d, got %+v", e1.BlockID, res)
	}
}

func TestExistenceProofRoundTrip(t *testing.T) {
	c := New(newMemKV())
	emails := [][]byte{[]byte("hello"), []byte("world"), []byte("third")}
	var hashes [][32]byte
	for _, e := range emails {
		hashes = append(hashes, sha256.Sum256(e))
	}
	b := block(77)
	entry, err := c.Extend(b, BatchPayloadHash(hashes))
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}

	proof, err := ExistenceProof(b, hashes, 1, entry, nil)
	if err != nil {
		t.Fatalf("ExistenceProof: %v", err)
	}
	if !VerifyProof(proof, emails[1]) {
		t.Fatalf("expected proof to verify for the correct email bytes")
	}
	if VerifyProof(proof, emails[0]) {
		t.Fatalf("expected proof to reject the wrong email bytes")
	}
}

func TestExistenceProofWithChainSegment(t *testing.T) {
	c := New(newMemKV())
	emails := [][]byte{[]byte("a"), []byte("b")}
	var hashes [][32]byte
	for _, e := range emails {
		hashes = append(hashes, sha256.Sum256(e))
	}
	target := block(1)
	targetEntry, err := c.Extend(target, BatchPayloadHash(hashes))
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	next := block(2)
	nextEntry, err := c.Extend(next, PayloadHash(next.Payload))
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}

	proof, err := ExistenceProof(target, hashes, 0, targetEntry, []Entry{nextEntry})
	if err != nil {
		t.Fatalf("ExistenceProof: %v", err)
	}
	if !VerifyProof(proof, emails[0]) {
		t.Fatalf("expected proof with chain segment to verify")
	}

	proof.Segment[0].ChainHash[0] ^= 0xFF
	if VerifyProof(proof, emails[0]) {
		t.Fatalf("expected tampered segment to fail verification")
	}
}

func TestExistenceProofRejectsOutOfRangeIndex(t *testing.T) {
	b := block(1)
	hashes := [][32]byte{sha256.Sum256([]byte("only"))}
	if _, err := ExistenceProof(b, hashes, 5, Entry{}, nil); err == nil {
		t.Fatalf("expected error for out-of-range local index")
	}
}
