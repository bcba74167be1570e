package emailstore

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/codec"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

// entryHeaderSize is the 16-byte per-entry header spec §4.5 names:
// offset, length, flags, local-id, each a uint32.
const entryHeaderSize = 16

// batchEntry is one packed email within a sealed batch block.
type batchEntry struct {
	Offset  uint32
	Length  uint32
	Flags   uint32
	LocalID uint32
	Bytes   []byte
}

// encodeBatch renders entries as the count-prefixed list spec §4.5
// describes: a uint32 count, then each entry's 16-byte header followed
// immediately by its raw bytes.
func encodeBatch(entries [][]byte) []byte {
	headerTotal := entryHeaderSize * len(entries)
	bodyTotal := 0
	for _, e := range entries {
		bodyTotal += len(e)
	}
	buf := make([]byte, 4+headerTotal+bodyTotal)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))

	headerOff := 4
	bodyOff := 4 + headerTotal
	for i, e := range entries {
		binary.LittleEndian.PutUint32(buf[headerOff:], uint32(bodyOff))
		binary.LittleEndian.PutUint32(buf[headerOff+4:], uint32(len(e)))
		binary.LittleEndian.PutUint32(buf[headerOff+8:], 0) // flags, reserved
		binary.LittleEndian.PutUint32(buf[headerOff+12:], uint32(i))
		copy(buf[bodyOff:], e)
		headerOff += entryHeaderSize
		bodyOff += len(e)
	}
	return buf
}

// decodeBatch parses the layout encodeBatch produces.
func decodeBatch(buf []byte) ([]batchEntry, error) {
	const op = "emailstore.decodeBatch"
	if len(buf) < 4 {
		return nil, dberrors.New(op, dberrors.Framing, nil, "batch payload shorter than count prefix")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	headerTotal := 4 + entryHeaderSize*int(count)
	if len(buf) < headerTotal {
		return nil, dberrors.New(op, dberrors.Framing, nil, "batch payload truncated before entry headers")
	}
	out := make([]batchEntry, count)
	headerOff := 4
	for i := uint32(0); i < count; i++ {
		offset := binary.LittleEndian.Uint32(buf[headerOff:])
		length := binary.LittleEndian.Uint32(buf[headerOff+4:])
		flags := binary.LittleEndian.Uint32(buf[headerOff+8:])
		localID := binary.LittleEndian.Uint32(buf[headerOff+12:])
		if int(offset)+int(length) > len(buf) {
			return nil, dberrors.New(op, dberrors.Framing, nil, "entry extends past payload")
		}
		out[i] = batchEntry{
			Offset:  offset,
			Length:  length,
			Flags:   flags,
			LocalID: localID,
			Bytes:   append([]byte(nil), buf[offset:offset+length]...),
		}
		headerOff += entryHeaderSize
	}
	return out, nil
}

// entryHashes computes SHA256 over each entry's raw bytes, in on-disk
// order, for hashchain.BatchPayloadHash / ExistenceProof.
func entryHashes(entries [][]byte) [][32]byte {
	out := make([][32]byte, len(entries))
	for i, e := range entries {
		out[i] = sha256.Sum256(e)
	}
	return out
}

// DecodeBatchEntryHashes reverses the codec pipeline on an on-disk
// email-batch block and returns its entries' hashes in on-disk order,
// for re-verifying a hash chain entry against what is actually stored
// (hashchain.BlockHasher implementations use this).
func DecodeBatchEntryHashes(block blockio.Block, keys codec.KeyProvider) ([][32]byte, error) {
	const op = "emailstore.DecodeBatchEntryHashes"
	var payload []byte
	if err := codec.Decode(block.Payload, block.PayloadEncoding, block.Flags.Compression(), block.Flags.Encryption(), block.BlockID, keys, &payload); err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "decode batch payload")
	}
	entries, err := decodeBatch(payload)
	if err != nil {
		return nil, err
	}
	bytesOnly := make([][]byte, len(entries))
	for i, e := range entries {
		bytesOnly[i] = e.Bytes
	}
	return entryHashes(bytesOnly), nil
}
