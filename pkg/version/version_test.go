package version

import (
	"testing"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	v := Version{Major: 2, Minor: 3, Patch: 9}
	got := Unpack(v.Pack())
	if got != v {
		t.Fatalf("Unpack(Pack(%v)) = %v", v, got)
	}
}

func TestCheckCompatibilitySameMajorOpens(t *testing.T) {
	res, err := CheckCompatibility(Version{Major: 2, Minor: 0, Patch: 0})
	if err != nil {
		t.Fatalf("CheckCompatibility: %v", err)
	}
	if !res.SameMajor || res.NeedsMigration {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCheckCompatibilityNewerMajorRejected(t *testing.T) {
	_, err := CheckCompatibility(Version{Major: Current.Major + 1})
	if !dberrors.Is(err, dberrors.Version) {
		t.Fatalf("expected Version error, got %v", err)
	}
}

func TestCheckCompatibilityOlderThanMinimumRejected(t *testing.T) {
	if MinimumSupported.Major == 0 {
		t.Skip("minimum supported major is 0, nothing older to test")
	}
	_, err := CheckCompatibility(Version{Major: MinimumSupported.Major - 1})
	if !dberrors.Is(err, dberrors.Version) {
		t.Fatalf("expected Version error, got %v", err)
	}
}

func TestHeaderContentWireRoundTrip(t *testing.T) {
	h := HeaderContent{
		FileVersion:           Current.Pack(),
		CreatedAt:             1700000000,
		ModifiedAt:            1700000100,
		FirstMetadataOffset:   0,
		FirstFolderTreeOffset: 128,
		FirstCleanupOffset:    0,
		Capabilities:          uint64(DefaultCapabilities),
		BlockFormatVersions:   map[uint8]int32{5: 1, 6: 1},
		Metadata:              map[string]string{"created_by": "emaildb"},
	}
	fields := h.ToWireFields()
	var got HeaderContent
	if err := got.FromWireFields(fields); err != nil {
		t.Fatalf("FromWireFields: %v", err)
	}
	if got.FileVersion != h.FileVersion || got.Capabilities != h.Capabilities {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
	if got.BlockFormatVersions[5] != 1 || got.BlockFormatVersions[6] != 1 {
		t.Fatalf("block format versions lost: %+v", got.BlockFormatVersions)
	}
	if got.Metadata["created_by"] != "emaildb" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
}

func TestCapabilitiesHas(t *testing.T) {
	if !DefaultCapabilities.Has(CapHashChain) {
		t.Fatalf("expected hash chain capability in default set")
	}
	if DefaultCapabilities.Has(CapAtomicTransactions) {
		t.Fatalf("atomic transactions should not be in the default set")
	}
}
