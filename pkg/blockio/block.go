// Package blockio implements the raw block engine: the on-disk framing
// format, its CRC/magic validation, and the concurrent append/read/scan
// primitives every higher layer (codec, emailstore, hashchain, sidecar)
// builds on. See spec §3 (Data Model) and §6 (External Interfaces) for the
// bit-exact on-disk layout this file implements.
package blockio

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

// HeaderMagic and FooterMagic frame every block. FooterMagic is the
// bitwise complement of HeaderMagic, per spec §3 Invariant 3.
const (
	HeaderMagic uint64 = 0x00EE411DBBD114EE
	FooterMagic uint64 = ^HeaderMagic
)

// Header field sizes (little-endian throughout).
const (
	headerMagicSize   = 8
	versionSize       = 2
	kindSize          = 1
	flagsSize         = 4
	payloadEncSize    = 1
	timestampSize     = 8
	blockIDSize       = 8
	payloadLenSize    = 8
	headerCRCSize     = 4
	headerFixedSize   = headerMagicSize + versionSize + kindSize + flagsSize + payloadEncSize + timestampSize + blockIDSize + payloadLenSize + headerCRCSize
	payloadCRCSize    = 4
	footerMagicSize   = 8
	totalLengthSize   = 8
	footerFixedSize   = footerMagicSize + totalLengthSize
	// FixedOverhead is the number of bytes framed around a block's payload:
	// header (44) + payload CRC32 (4) + footer (16) = 64 bytes.
	//
	// spec §6 states this overhead as 61 bytes assuming an 8-bit flags
	// field; spec §3 independently requires flags to carry an 8-bit
	// compression algorithm AND an 8-bit encryption algorithm, which
	// cannot fit in one byte. This implementation resolves the conflict
	// in favor of §3's bit layout (flags is a 32-bit field: compression
	// algorithm in bits [0:8), encryption algorithm in bits [8:16),
	// reserved above), which makes the true fixed overhead 64 bytes.
	// See DESIGN.md "Open question decisions" for the recorded decision.
	FixedOverhead = headerFixedSize + payloadCRCSize + footerFixedSize
)

// BlockKind is the closed set of block kinds from spec §3.
type BlockKind uint8

const (
	KindHeader         BlockKind = 0 // occupies ID 0, carries no payload of its own
	KindMetadata       BlockKind = 1
	KindFolderTree     BlockKind = 2
	KindWAL            BlockKind = 3 // reserved; not used for durability (spec §9)
	KindFolder         BlockKind = 4
	KindEmailBatch     BlockKind = 5
	KindFolderEnvelope BlockKind = 6
	KindSegment        BlockKind = 7 // legacy
	KindKeyManager     BlockKind = 8
	KindKeyExchange    BlockKind = 9
	KindZonetreeKV     BlockKind = 10
	KindZonetreeVector BlockKind = 11
	KindCleanup        BlockKind = 12
	KindFreeSpace      BlockKind = 13
)

func (k BlockKind) Valid() bool {
	return k <= KindFreeSpace
}

func (k BlockKind) String() string {
	switch k {
	case KindHeader:
		return "header"
	case KindMetadata:
		return "metadata"
	case KindFolderTree:
		return "folder-tree"
	case KindWAL:
		return "wal"
	case KindFolder:
		return "folder"
	case KindEmailBatch:
		return "email-batch"
	case KindFolderEnvelope:
		return "folder-envelope"
	case KindSegment:
		return "segment"
	case KindKeyManager:
		return "key-manager"
	case KindKeyExchange:
		return "key-exchange"
	case KindZonetreeKV:
		return "zonetree-kv"
	case KindZonetreeVector:
		return "zonetree-vector"
	case KindCleanup:
		return "cleanup"
	case KindFreeSpace:
		return "free-space"
	default:
		return "unknown"
	}
}

// PayloadEncoding selects the structural serializer used for a block's
// payload, per spec §3/§4.2 ("a small trait/interface with four concrete
// implementations registered in a fixed table").
type PayloadEncoding uint8

const (
	EncodingProtobuf  PayloadEncoding = 0
	EncodingCapnproto PayloadEncoding = 1
	EncodingJSON      PayloadEncoding = 2
	EncodingRaw       PayloadEncoding = 3
)

// CompressionAlgorithm occupies flags bits [0:8).
type CompressionAlgorithm uint8

const (
	CompressionNone   CompressionAlgorithm = 0
	CompressionGzip   CompressionAlgorithm = 1
	CompressionLZ4    CompressionAlgorithm = 2
	CompressionZstd   CompressionAlgorithm = 3
	CompressionBrotli CompressionAlgorithm = 4
)

// EncryptionAlgorithm occupies flags bits [8:16).
type EncryptionAlgorithm uint8

const (
	EncryptionNone          EncryptionAlgorithm = 0
	EncryptionAES256GCM     EncryptionAlgorithm = 1
	EncryptionChaCha20Poly1305 EncryptionAlgorithm = 2
	EncryptionAES256CBCHMAC EncryptionAlgorithm = 3
)

// Flags packs compression/encryption algorithm selection into one
// 32-bit word, per spec §3.
type Flags uint32

func MakeFlags(c CompressionAlgorithm, e EncryptionAlgorithm) Flags {
	return Flags(uint32(c) | uint32(e)<<8)
}

func (f Flags) Compression() CompressionAlgorithm { return CompressionAlgorithm(f & 0xFF) }
func (f Flags) Encryption() EncryptionAlgorithm    { return EncryptionAlgorithm((f >> 8) & 0xFF) }
func (f Flags) Compressed() bool                   { return f.Compression() != CompressionNone }
func (f Flags) Encrypted() bool                    { return f.Encryption() != EncryptionNone }

// Block is the in-memory representation of one framed, immutable unit of
// durable storage (spec §3).
type Block struct {
	Version         uint16
	Kind            BlockKind
	Flags           Flags
	PayloadEncoding PayloadEncoding
	Timestamp       int64
	BlockID         int64
	Payload         []byte
}

// Encode serializes b into its exact on-disk byte representation:
// header, header CRC32, payload, payload CRC32, footer magic, total length.
func Encode(b Block) []byte {
	total := FixedOverhead + len(b.Payload)
	out := make([]byte, total)

	off := 0
	binary.LittleEndian.PutUint64(out[off:], HeaderMagic)
	off += headerMagicSize
	binary.LittleEndian.PutUint16(out[off:], b.Version)
	off += versionSize
	out[off] = byte(b.Kind)
	off += kindSize
	binary.LittleEndian.PutUint32(out[off:], uint32(b.Flags))
	off += flagsSize
	out[off] = byte(b.PayloadEncoding)
	off += payloadEncSize
	binary.LittleEndian.PutUint64(out[off:], uint64(b.Timestamp))
	off += timestampSize
	binary.LittleEndian.PutUint64(out[off:], uint64(b.BlockID))
	off += blockIDSize
	binary.LittleEndian.PutUint64(out[off:], uint64(len(b.Payload)))
	off += payloadLenSize

	headerCRC := crc32.ChecksumIEEE(out[:off])
	binary.LittleEndian.PutUint32(out[off:], headerCRC)
	off += headerCRCSize

	copy(out[off:], b.Payload)
	off += len(b.Payload)

	var payloadCRC uint32
	if len(b.Payload) > 0 {
		payloadCRC = crc32.ChecksumIEEE(b.Payload)
	}
	binary.LittleEndian.PutUint32(out[off:], payloadCRC)
	off += payloadCRCSize

	binary.LittleEndian.PutUint64(out[off:], FooterMagic)
	off += footerMagicSize
	binary.LittleEndian.PutUint64(out[off:], uint64(total))
	off += totalLengthSize

	return out
}

// Decode parses a single framed block out of buf, which must contain
// exactly one block's bytes (buf[len(buf)-totalLengthSize:] is the
// authoritative total_length trailer, but the caller is expected to have
// already sliced buf to that length via PeekLength).
func Decode(buf []byte) (Block, error) {
	const op = "blockio.Decode"
	if len(buf) < FixedOverhead {
		return Block{}, dberrors.New(op, dberrors.Framing, nil, "buffer shorter than fixed overhead")
	}

	off := 0
	magic := binary.LittleEndian.Uint64(buf[off:])
	if magic != HeaderMagic {
		return Block{}, dberrors.New(op, dberrors.Framing, nil, "header magic mismatch")
	}
	off += headerMagicSize

	var b Block
	b.Version = binary.LittleEndian.Uint16(buf[off:])
	off += versionSize
	b.Kind = BlockKind(buf[off])
	off += kindSize
	b.Flags = Flags(binary.LittleEndian.Uint32(buf[off:]))
	off += flagsSize
	b.PayloadEncoding = PayloadEncoding(buf[off])
	off += payloadEncSize
	b.Timestamp = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += timestampSize
	b.BlockID = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += blockIDSize
	payloadLen := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += payloadLenSize

	headerCRCWant := binary.LittleEndian.Uint32(buf[off:])
	headerCRCGot := crc32.ChecksumIEEE(buf[:off])
	off += headerCRCSize
	if headerCRCWant != headerCRCGot {
		return Block{}, dberrors.New(op, dberrors.Integrity, nil, "header checksum mismatch")
	}

	if payloadLen < 0 {
		return Block{}, dberrors.New(op, dberrors.Framing, nil, "negative payload length")
	}
	wantTotal := int64(FixedOverhead) + payloadLen
	if int64(len(buf)) != wantTotal {
		return Block{}, dberrors.New(op, dberrors.Framing, nil, "buffer does not match declared total length")
	}

	payload := buf[off : off+int(payloadLen)]
	off += int(payloadLen)
	b.Payload = append([]byte(nil), payload...)

	payloadCRCWant := binary.LittleEndian.Uint32(buf[off:])
	off += payloadCRCSize
	var payloadCRCGot uint32
	if payloadLen > 0 {
		payloadCRCGot = crc32.ChecksumIEEE(payload)
	}
	if payloadCRCWant != payloadCRCGot {
		return Block{}, dberrors.New(op, dberrors.Integrity, nil, "payload checksum mismatch")
	}

	footerMagic := binary.LittleEndian.Uint64(buf[off:])
	off += footerMagicSize
	if footerMagic != FooterMagic {
		return Block{}, dberrors.New(op, dberrors.Framing, nil, "footer magic mismatch")
	}
	totalLength := int64(binary.LittleEndian.Uint64(buf[off:]))
	if totalLength != wantTotal {
		return Block{}, dberrors.New(op, dberrors.Framing, nil, "footer total_length mismatch")
	}

	return b, nil
}

// PeekLength inspects a buffer that begins with a valid header (at least
// headerFixedSize bytes available) and returns the total framed length
// (header+payload+footer) the caller should read before calling Decode.
func PeekLength(header []byte) (int64, error) {
	const op = "blockio.PeekLength"
	if len(header) < headerFixedSize {
		return 0, dberrors.New(op, dberrors.Framing, nil, "short header")
	}
	magic := binary.LittleEndian.Uint64(header[0:])
	if magic != HeaderMagic {
		return 0, dberrors.New(op, dberrors.Framing, nil, "header magic mismatch")
	}
	payloadLen := int64(binary.LittleEndian.Uint64(header[headerFixedSize-payloadLenSize-headerCRCSize : headerFixedSize-headerCRCSize]))
	if payloadLen < 0 {
		return 0, dberrors.New(op, dberrors.Framing, nil, "negative payload length")
	}
	return int64(FixedOverhead) + payloadLen, nil
}
