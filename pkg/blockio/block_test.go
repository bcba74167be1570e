package blockio

import (
	"testing"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := Block{
		Version:         1,
		Kind:            KindEmailBatch,
		Flags:           MakeFlags(CompressionZstd, EncryptionAES256GCM),
		PayloadEncoding: EncodingJSON,
		Timestamp:       1700000000,
		BlockID:         42,
		Payload:         []byte(`{"hello":"world"}`),
	}
	frame := Encode(b)
	if len(frame) != FixedOverhead+len(b.Payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), FixedOverhead+len(b.Payload))
	}
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.BlockID != b.BlockID || got.Kind != b.Kind || string(got.Payload) != string(b.Payload) {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	if got.Flags.Compression() != CompressionZstd || got.Flags.Encryption() != EncryptionAES256GCM {
		t.Fatalf("flags round trip mismatch: %v", got.Flags)
	}
}

func TestEncodeDecodeEmptyPayload(t *testing.T) {
	b := Block{Kind: KindMetadata, PayloadEncoding: EncodingRaw, BlockID: 1}
	frame := Encode(b)
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", got.Payload)
	}
}

func TestDecodeDetectsHeaderTamper(t *testing.T) {
	b := Block{Kind: KindFolder, BlockID: 7, Payload: []byte("abc")}
	frame := Encode(b)
	frame[10] ^= 0xFF // inside the header, before header CRC is checked
	_, err := Decode(frame)
	if !dberrors.Is(err, dberrors.Integrity) && !dberrors.Is(err, dberrors.Framing) {
		t.Fatalf("expected Integrity or Framing error, got %v", err)
	}
}

func TestDecodeDetectsPayloadTamper(t *testing.T) {
	b := Block{Kind: KindFolder, BlockID: 7, Payload: []byte("abcdef")}
	frame := Encode(b)
	frame[headerFixedSize+2] ^= 0xFF // flip a payload byte
	_, err := Decode(frame)
	if !dberrors.Is(err, dberrors.Integrity) {
		t.Fatalf("expected Integrity error, got %v", err)
	}
}

func TestDecodeDetectsFooterTamper(t *testing.T) {
	b := Block{Kind: KindFolder, BlockID: 7, Payload: []byte("abcdef")}
	frame := Encode(b)
	frame[len(frame)-1] ^= 0xFF // corrupt the total_length trailer
	_, err := Decode(frame)
	if err == nil {
		t.Fatalf("expected error for corrupted footer")
	}
}

func TestPeekLengthShortHeader(t *testing.T) {
	_, err := PeekLength([]byte{1, 2, 3})
	if !dberrors.Is(err, dberrors.Framing) {
		t.Fatalf("expected Framing error, got %v", err)
	}
}

func TestBlockKindString(t *testing.T) {
	if KindEmailBatch.String() != "email-batch" {
		t.Fatalf("unexpected String(): %s", KindEmailBatch.String())
	}
	if !KindFreeSpace.Valid() {
		t.Fatalf("KindFreeSpace should be valid")
	}
}
