// Package version implements format-version detection and compatibility
// gating (spec §4.8): the packed major/minor/patch triple, the
// capability bitmask, the per-block-kind format-version map, and the
// HeaderContent payload carried in the first metadata block.
package version

import (
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/codec"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

// Version is the packed (major<<24)|(minor<<16)|patch triple from
// spec §4.8.
type Version struct {
	Major, Minor, Patch uint8
}

// Current is the format version this build writes and fully supports.
var Current = Version{Major: 2, Minor: 0, Patch: 0}

// MinimumSupported is the oldest major version this build will open
// (spec §4.8 "older major than MinimumSupported: reject").
var MinimumSupported = Version{Major: 2, Minor: 0, Patch: 0}

func (v Version) Pack() int32 {
	return int32(uint32(v.Major)<<24 | uint32(v.Minor)<<16 | uint32(v.Patch))
}

func Unpack(packed int32) Version {
	u := uint32(packed)
	return Version{Major: uint8(u >> 24), Minor: uint8(u >> 16), Patch: uint8(u)}
}

func (v Version) String() string {
	return itoa(int(v.Major)) + "." + itoa(int(v.Minor)) + "." + itoa(int(v.Patch))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Capability bits, per spec §4.8.
type Capabilities uint64

const (
	CapCompression Capabilities = 1 << iota
	CapEncryption
	CapEmailBatching
	CapEnvelopeBlocks
	CapInBandKeyManagement
	CapHashChain
	CapFullTextSearch
	CapFolderHierarchy
	CapDedup
	CapSuperseding
	CapAtomicTransactions
)

// DefaultCapabilities is the capability set a freshly created database
// declares (every feature this implementation supports).
const DefaultCapabilities = CapCompression | CapEncryption | CapEmailBatching |
	CapEnvelopeBlocks | CapInBandKeyManagement | CapHashChain | CapFullTextSearch |
	CapFolderHierarchy | CapDedup | CapSuperseding

func (c Capabilities) Has(flag Capabilities) bool { return c&flag != 0 }

// HeaderContent is the payload of the first metadata block (spec §6).
type HeaderContent struct {
	FileVersion            int32             `json:"file_version"`
	CreatedAt              int64             `json:"created_at"`
	ModifiedAt             int64             `json:"modified_at"`
	FirstMetadataOffset    int64             `json:"first_metadata_offset"`
	FirstFolderTreeOffset  int64             `json:"first_folder_tree_offset"`
	FirstCleanupOffset     int64             `json:"first_cleanup_offset"`
	Capabilities           uint64            `json:"capabilities"`
	BlockFormatVersions    map[uint8]int32   `json:"block_format_versions"`
	Metadata               map[string]string `json:"metadata"`
}

// CanonicalFields implements codec.CanonicalMap so the JSON encoding is
// deterministic (sorted keys), matching the teacher's canonical-JSON
// convention used for anything that might be hashed or diffed.
func (h HeaderContent) CanonicalFields() map[string]any {
	bfv := make(map[string]any, len(h.BlockFormatVersions))
	for k, v := range h.BlockFormatVersions {
		bfv[itoa(int(k))] = v
	}
	meta := make(map[string]any, len(h.Metadata))
	for k, v := range h.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"file_version":             h.FileVersion,
		"created_at":               h.CreatedAt,
		"modified_at":              h.ModifiedAt,
		"first_metadata_offset":    h.FirstMetadataOffset,
		"first_folder_tree_offset": h.FirstFolderTreeOffset,
		"first_cleanup_offset":     h.FirstCleanupOffset,
		"capabilities":             h.Capabilities,
		"block_format_versions":    bfv,
		"metadata":                 meta,
	}
}

// ToWireFields/FromWireFields implement codec.WireMessage so
// HeaderContent can also be carried with EncodingProtobuf or
// EncodingCapnproto, per spec §6 "Encoded as JSON or protobuf".
func (h HeaderContent) ToWireFields() []codec.WireField {
	fields := []codec.WireField{
		{Number: 1, Varint: uint64(uint32(h.FileVersion))},
		{Number: 2, Bytes: codec.LE64(h.CreatedAt)},
		{Number: 3, Bytes: codec.LE64(h.ModifiedAt)},
		{Number: 4, Bytes: codec.LE64(h.FirstMetadataOffset)},
		{Number: 5, Bytes: codec.LE64(h.FirstFolderTreeOffset)},
		{Number: 6, Bytes: codec.LE64(h.FirstCleanupOffset)},
		{Number: 7, Varint: h.Capabilities},
	}
	for kind, fv := range h.BlockFormatVersions {
		fields = append(fields, codec.WireField{Number: 8, Bytes: append([]byte{kind}, codec.LE64(int64(fv))...)})
	}
	for k, v := range h.Metadata {
		fields = append(fields, codec.WireField{Number: 9, Bytes: append(append([]byte(k), 0), []byte(v)...)})
	}
	return fields
}

func (h *HeaderContent) FromWireFields(fields []codec.WireField) error {
	h.BlockFormatVersions = map[uint8]int32{}
	h.Metadata = map[string]string{}
	for _, f := range fields {
		switch f.Number {
		case 1:
			h.FileVersion = int32(uint32(f.Varint))
		case 2:
			h.CreatedAt = codec.FromLE64(f.Bytes)
		case 3:
			h.ModifiedAt = codec.FromLE64(f.Bytes)
		case 4:
			h.FirstMetadataOffset = codec.FromLE64(f.Bytes)
		case 5:
			h.FirstFolderTreeOffset = codec.FromLE64(f.Bytes)
		case 6:
			h.FirstCleanupOffset = codec.FromLE64(f.Bytes)
		case 7:
			h.Capabilities = f.Varint
		case 8:
			if len(f.Bytes) >= 1 {
				h.BlockFormatVersions[f.Bytes[0]] = int32(codec.FromLE64(f.Bytes[1:]))
			}
		case 9:
			for i, b := range f.Bytes {
				if b == 0 {
					h.Metadata[string(f.Bytes[:i])] = string(f.Bytes[i+1:])
					break
				}
			}
		}
	}
	return nil
}

// CompatResult is the outcome of checking an on-disk HeaderContent
// against this build's supported range (spec §4.8).
type CompatResult struct {
	OnDisk         Version
	SameMajor      bool
	NeedsMigration bool // older major: opening requires a migration, not a plain reject
}

// CheckCompatibility applies spec §4.8's rules: same major is
// readable/writable as-is; a newer on-disk major than Current rejects
// open outright; an older on-disk major than MinimumSupported also
// rejects; anything else in between needs a migration before use.
func CheckCompatibility(onDisk Version) (CompatResult, error) {
	const op = "version.CheckCompatibility"
	if onDisk.Major > Current.Major {
		return CompatResult{}, dberrors.New(op, dberrors.Version, nil, "file format major version newer than this build supports").WithIdent(onDisk.String())
	}
	if onDisk.Major < MinimumSupported.Major {
		return CompatResult{}, dberrors.New(op, dberrors.Version, nil, "file format major version older than the minimum this build supports").WithIdent(onDisk.String())
	}
	return CompatResult{
		OnDisk:         onDisk,
		SameMajor:      onDisk.Major == Current.Major,
		NeedsMigration: onDisk.Major != Current.Major,
	}, nil
}

// DetectVersion returns the format version recorded in an already
// decoded HeaderContent; reading and decoding the metadata block is left
// to the caller.
func DetectVersion(h HeaderContent) Version {
	return Unpack(h.FileVersion)
}
