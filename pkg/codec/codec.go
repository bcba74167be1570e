// Package codec implements the payload codec pipeline (spec §4.2): it
// serializes a block's logical content, optionally compresses the
// serialized bytes, optionally encrypts the (possibly compressed) bytes,
// and reverses the pipeline symmetrically on read. Serializer,
// compressor, and encryptor selection are each a small fixed table keyed
// by a wire byte, per spec §9's "reflection-driven dispatch -> fixed
// table" re-architecture note, mirroring the teacher's
// services/storage/internal/timeseries/writer.go approach of a single
// deterministic encode/decode pair with an explicit algorithm tag rather
// than runtime type switches.
package codec

import (
	"encoding/binary"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

// KeyProvider resolves the symmetric key used to encrypt/decrypt a given
// block. pkg/keymanager implements this; pass a nil-key stub in tests
// that only exercise unencrypted blocks.
type KeyProvider interface {
	Key(blockID int64) ([]byte, error)
}

// noKeys is used when flags.Encrypted() is false and no provider is
// needed.
type noKeys struct{}

func (noKeys) Key(int64) ([]byte, error) { return nil, nil }

// NoKeys is a KeyProvider that never supplies a key; safe to pass when
// the caller knows every block it touches is unencrypted.
var NoKeys KeyProvider = noKeys{}

// extHeader is the small TLV region carried ahead of the transformed
// payload bytes for compressed and/or encrypted blocks (spec §4.2
// "Extended header"). Fields are only present when relevant: compression
// contributes UncompressedSize, encryption contributes IV/AuthTag/KeyID.
type extHeader struct {
	UncompressedSize int64
	IV               []byte
	AuthTag          []byte
	KeyID            int64
	HasUncompressed  bool
	HasEncryption    bool
}

func (h extHeader) encode() []byte {
	buf := make([]byte, 0, 64)
	var flagByte byte
	if h.HasUncompressed {
		flagByte |= 1
	}
	if h.HasEncryption {
		flagByte |= 2
	}
	buf = append(buf, flagByte)
	if h.HasUncompressed {
		buf = appendVarint(buf, uint64(h.UncompressedSize))
	}
	if h.HasEncryption {
		buf = appendVarint(buf, uint64(h.KeyID))
		buf = appendVarint(buf, uint64(len(h.IV)))
		buf = append(buf, h.IV...)
		buf = appendVarint(buf, uint64(len(h.AuthTag)))
		buf = append(buf, h.AuthTag...)
	}
	return buf
}

func decodeExtHeader(buf []byte) (extHeader, int, error) {
	const op = "codec.decodeExtHeader"
	if len(buf) < 1 {
		return extHeader{}, 0, dberrors.New(op, dberrors.Framing, nil, "extended header truncated")
	}
	var h extHeader
	off := 0
	flagByte := buf[off]
	off++
	h.HasUncompressed = flagByte&1 != 0
	h.HasEncryption = flagByte&2 != 0

	if h.HasUncompressed {
		v, n, err := readVarint(buf[off:])
		if err != nil {
			return extHeader{}, 0, dberrors.New(op, dberrors.Framing, err, "uncompressed_size")
		}
		h.UncompressedSize = int64(v)
		off += n
	}
	if h.HasEncryption {
		v, n, err := readVarint(buf[off:])
		if err != nil {
			return extHeader{}, 0, dberrors.New(op, dberrors.Framing, err, "key_id")
		}
		h.KeyID = int64(v)
		off += n

		ivLen, n, err := readVarint(buf[off:])
		if err != nil {
			return extHeader{}, 0, dberrors.New(op, dberrors.Framing, err, "iv length")
		}
		off += n
		if off+int(ivLen) > len(buf) {
			return extHeader{}, 0, dberrors.New(op, dberrors.Framing, nil, "iv truncated")
		}
		h.IV = append([]byte(nil), buf[off:off+int(ivLen)]...)
		off += int(ivLen)

		tagLen, n, err := readVarint(buf[off:])
		if err != nil {
			return extHeader{}, 0, dberrors.New(op, dberrors.Framing, err, "auth_tag length")
		}
		off += n
		if off+int(tagLen) > len(buf) {
			return extHeader{}, 0, dberrors.New(op, dberrors.Framing, nil, "auth_tag truncated")
		}
		h.AuthTag = append([]byte(nil), buf[off:off+int(tagLen)]...)
		off += int(tagLen)
	}
	return h, off, nil
}

// Encode runs content through serialize -> compress -> encrypt and
// returns the bytes suitable for Block.Payload, per spec §4.2. content
// must satisfy the requirement of the chosen encoding's serializer (see
// serializers.go).
func Encode(content any, encoding blockio.PayloadEncoding, compression blockio.CompressionAlgorithm, encryption blockio.EncryptionAlgorithm, blockID int64, keys KeyProvider) ([]byte, error) {
	const op = "codec.Encode"

	ser, ok := serializerTable[encoding]
	if !ok {
		return nil, dberrors.New(op, dberrors.Policy, nil, "unsupported payload encoding")
	}
	serialized, err := ser.serialize(content)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "serialize")
	}

	var h extHeader
	transformed := serialized

	if compression != blockio.CompressionNone {
		comp, ok := compressorTable[compression]
		if !ok {
			return nil, dberrors.New(op, dberrors.Policy, nil, "unsupported compression algorithm")
		}
		compressed, err := comp.compress(transformed)
		if err != nil {
			return nil, dberrors.New(op, dberrors.Internal, err, "compress")
		}
		h.HasUncompressed = true
		h.UncompressedSize = int64(len(transformed))
		transformed = compressed
	}

	if encryption != blockio.EncryptionNone {
		enc, ok := encryptorTable[encryption]
		if !ok {
			return nil, dberrors.New(op, dberrors.Policy, nil, "unsupported encryption algorithm")
		}
		if keys == nil {
			return nil, dberrors.New(op, dberrors.State, nil, "encryption requested but no key provider")
		}
		key, err := keys.Key(blockID)
		if err != nil {
			return nil, err
		}
		nonce := DeriveNonce(blockID, enc.nonceSize())
		ciphertext, tag, err := enc.encrypt(transformed, key, nonce)
		if err != nil {
			return nil, dberrors.New(op, dberrors.Internal, err, "encrypt")
		}
		h.HasEncryption = true
		h.IV = nonce
		h.AuthTag = tag
		h.KeyID = blockID
		transformed = ciphertext
	}

	if !h.HasUncompressed && !h.HasEncryption {
		return transformed, nil
	}
	out := h.encode()
	return append(out, transformed...), nil
}

// Decode reverses Encode: decrypt (if flagged) -> decompress (if
// flagged) -> deserialize into out, per spec §4.2's fixed reversal order
// (encrypt^-1 -> decompress -> deserialize).
func Decode(data []byte, encoding blockio.PayloadEncoding, compression blockio.CompressionAlgorithm, encryption blockio.EncryptionAlgorithm, blockID int64, keys KeyProvider, out any) error {
	const op = "codec.Decode"

	body := data
	if compression != blockio.CompressionNone || encryption != blockio.EncryptionNone {
		h, n, err := decodeExtHeader(data)
		if err != nil {
			return err
		}
		body = data[n:]

		if encryption != blockio.EncryptionNone {
			if !h.HasEncryption {
				return dberrors.New(op, dberrors.Framing, nil, "block flagged encrypted but extended header carries no encryption fields")
			}
			enc, ok := encryptorTable[encryption]
			if !ok {
				return dberrors.New(op, dberrors.Policy, nil, "unsupported encryption algorithm")
			}
			if keys == nil {
				return dberrors.New(op, dberrors.State, nil, "decryption requested but no key provider")
			}
			key, err := keys.Key(h.KeyID)
			if err != nil {
				return err
			}
			expected := DeriveNonce(blockID, enc.nonceSize())
			if !bytesEqual(h.IV, expected) {
				return dberrors.New(op, dberrors.Integrity, nil, "nonce mismatch: block tampered or relocated").WithIdent(itoa(blockID))
			}
			plain, err := enc.decrypt(body, key, h.IV, h.AuthTag)
			if err != nil {
				return dberrors.New(op, dberrors.Integrity, err, "authentication failed").WithIdent(itoa(blockID))
			}
			body = plain
		}

		if compression != blockio.CompressionNone {
			if !h.HasUncompressed {
				return dberrors.New(op, dberrors.Framing, nil, "block flagged compressed but extended header carries no uncompressed_size")
			}
			comp, ok := compressorTable[compression]
			if !ok {
				return dberrors.New(op, dberrors.Policy, nil, "unsupported compression algorithm")
			}
			plain, err := comp.decompress(body, int(h.UncompressedSize))
			if err != nil {
				return dberrors.New(op, dberrors.Internal, err, "decompress")
			}
			if int64(len(plain)) != h.UncompressedSize {
				return dberrors.New(op, dberrors.Integrity, nil, "decompressed size mismatch")
			}
			body = plain
		}
	}

	ser, ok := serializerTable[encoding]
	if !ok {
		return dberrors.New(op, dberrors.Policy, nil, "unsupported payload encoding")
	}
	if err := ser.deserialize(body, out); err != nil {
		return dberrors.New(op, dberrors.Framing, err, "deserialize")
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func readVarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, dberrors.New("codec.readVarint", dberrors.Framing, nil, "malformed varint")
	}
	return v, n, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
