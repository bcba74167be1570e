package codec

import (
	"bytes"
	"testing"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

type fixedKeys struct{ key []byte }

func (f fixedKeys) Key(int64) ([]byte, error) { return f.key, nil }

func TestEncodeDecodeRawRoundTrip(t *testing.T) {
	in := []byte("hello raw bytes")
	out, err := Encode(in, blockio.EncodingRaw, blockio.CompressionNone, blockio.EncryptionNone, 1, NoKeys)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got []byte
	if err := Decode(out, blockio.EncodingRaw, blockio.CompressionNone, blockio.EncryptionNone, 1, NoKeys, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, in) {
		t.Fatalf("round trip mismatch: got %q want %q", got, in)
	}
}

func TestEncodeDecodeJSONWithCompression(t *testing.T) {
	type payload struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	in := payload{A: "x", B: 7}
	for alg := range compressorTable {
		out, err := Encode(in, blockio.EncodingJSON, alg, blockio.EncryptionNone, 5, NoKeys)
		if err != nil {
			t.Fatalf("Encode(%v): %v", alg, err)
		}
		var got payload
		if err := Decode(out, blockio.EncodingJSON, alg, blockio.EncryptionNone, 5, NoKeys, &got); err != nil {
			t.Fatalf("Decode(%v): %v", alg, err)
		}
		if got != in {
			t.Fatalf("compression %v round trip mismatch: got %+v want %+v", alg, got, in)
		}
	}
}

func TestEncodeDecodeEncryption(t *testing.T) {
	in := []byte("top secret email batch bytes")
	cases := []struct {
		alg    blockio.EncryptionAlgorithm
		keyLen int
	}{
		{blockio.EncryptionAES256GCM, 32},
		{blockio.EncryptionChaCha20Poly1305, 32},
		{blockio.EncryptionAES256CBCHMAC, 64},
	}
	for _, c := range cases {
		key := bytes.Repeat([]byte{0x42}, c.keyLen)
		keys := fixedKeys{key: key}
		out, err := Encode(in, blockio.EncodingRaw, blockio.CompressionNone, c.alg, 99, keys)
		if err != nil {
			t.Fatalf("Encode(%v): %v", c.alg, err)
		}
		var got []byte
		if err := Decode(out, blockio.EncodingRaw, blockio.CompressionNone, c.alg, 99, keys, &got); err != nil {
			t.Fatalf("Decode(%v): %v", c.alg, err)
		}
		if !bytes.Equal(got, in) {
			t.Fatalf("%v round trip mismatch", c.alg)
		}
	}
}

func TestEncryptionTamperIsDetected(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)
	keys := fixedKeys{key: key}
	out, err := Encode([]byte("payload"), blockio.EncodingRaw, blockio.CompressionNone, blockio.EncryptionAES256GCM, 1, keys)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out[len(out)-1] ^= 0xFF
	var got []byte
	err = Decode(out, blockio.EncodingRaw, blockio.CompressionNone, blockio.EncryptionAES256GCM, 1, keys, &got)
	if !dberrors.Is(err, dberrors.Integrity) {
		t.Fatalf("expected Integrity error from tampered ciphertext, got %v", err)
	}
}

func TestNonceIsDeterministicPerBlockID(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 32)
	keys := fixedKeys{key: key}
	in := []byte("identical plaintext")

	out1, err := Encode(in, blockio.EncodingRaw, blockio.CompressionNone, blockio.EncryptionAES256GCM, 123, keys)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out2, err := Encode(in, blockio.EncodingRaw, blockio.CompressionNone, blockio.EncryptionAES256GCM, 123, keys)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(out1, out2) {
		t.Fatalf("same block-id should yield identical ciphertext for identical plaintext")
	}

	out3, err := Encode(in, blockio.EncodingRaw, blockio.CompressionNone, blockio.EncryptionAES256GCM, 456, keys)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if bytes.Equal(out1, out3) {
		t.Fatalf("different block-ids should yield different ciphertext")
	}
}

func TestNonceMismatchOnWrongBlockID(t *testing.T) {
	key := bytes.Repeat([]byte{0x03}, 32)
	keys := fixedKeys{key: key}
	out, err := Encode([]byte("moved block"), blockio.EncodingRaw, blockio.CompressionNone, blockio.EncryptionAES256GCM, 10, keys)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var got []byte
	err = Decode(out, blockio.EncodingRaw, blockio.CompressionNone, blockio.EncryptionAES256GCM, 11, keys, &got)
	if !dberrors.Is(err, dberrors.Integrity) {
		t.Fatalf("expected Integrity error for mismatched block id, got %v", err)
	}
}

func TestUnsupportedEncodingRejected(t *testing.T) {
	_, err := Encode([]byte("x"), blockio.PayloadEncoding(200), blockio.CompressionNone, blockio.EncryptionNone, 1, NoKeys)
	if !dberrors.Is(err, dberrors.Policy) {
		t.Fatalf("expected Policy error, got %v", err)
	}
}

type mockWireMessage struct {
	Name  string
	Count int64
}

func (m mockWireMessage) ToWireFields() []WireField {
	return []WireField{
		{Number: 1, Bytes: []byte(m.Name)},
		{Number: 2, Varint: uint64(m.Count)},
	}
}

func (m *mockWireMessage) FromWireFields(fields []WireField) error {
	for _, f := range fields {
		switch f.Number {
		case 1:
			m.Name = string(f.Bytes)
		case 2:
			m.Count = int64(f.Varint)
		}
	}
	return nil
}

func TestProtobufAndCapnprotoRoundTrip(t *testing.T) {
	in := mockWireMessage{Name: "folder-envelope", Count: 42}
	for _, enc := range []blockio.PayloadEncoding{blockio.EncodingProtobuf, blockio.EncodingCapnproto} {
		out, err := Encode(in, enc, blockio.CompressionNone, blockio.EncryptionNone, 1, NoKeys)
		if err != nil {
			t.Fatalf("Encode(%v): %v", enc, err)
		}
		var got mockWireMessage
		if err := Decode(out, enc, blockio.CompressionNone, blockio.EncryptionNone, 1, NoKeys, &got); err != nil {
			t.Fatalf("Decode(%v): %v", enc, err)
		}
		if got != in {
			t.Fatalf("%v round trip mismatch: got %+v want %+v", enc, got, in)
		}
	}
}
