package codec

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

// serializer is the small interface every structural encoding
// implements; the four concrete implementations below are registered in
// serializerTable, a fixed map keyed by the wire byte, replacing the
// reflection-driven dispatch the teacher's source used (spec §9 Design
// Note).
type serializer interface {
	serialize(v any) ([]byte, error)
	deserialize(data []byte, out any) error
}

var serializerTable = map[blockio.PayloadEncoding]serializer{
	blockio.EncodingRaw:       rawSerializer{},
	blockio.EncodingJSON:      jsonSerializer{},
	blockio.EncodingProtobuf:  protobufSerializer{},
	blockio.EncodingCapnproto: capnSerializer{},
}

// --- raw-bytes: passthrough, v/out must be []byte / *[]byte. ---

type rawSerializer struct{}

func (rawSerializer) serialize(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, dberrors.New("codec.raw.serialize", dberrors.Policy, nil, "raw encoding requires []byte content")
	}
	return append([]byte(nil), b...), nil
}

func (rawSerializer) deserialize(data []byte, out any) error {
	ptr, ok := out.(*[]byte)
	if !ok {
		return dberrors.New("codec.raw.deserialize", dberrors.Policy, nil, "raw encoding requires *[]byte destination")
	}
	*ptr = append([]byte(nil), data...)
	return nil
}

// --- json: encoding/json, canonical (sorted-key) form for content that
// implements CanonicalMap; otherwise json.Marshal's own field order. ---

// CanonicalMap is implemented by content types that want their JSON
// serialization built from a sorted-key map rather than struct field
// order, mirroring the teacher's canonical-JSON helpers in
// services/storage/internal/timeseries/writer.go and
// services/audit/internal/ledger/hash_chain.go (deterministic bytes for
// hashing/comparison).
type CanonicalMap interface {
	CanonicalFields() map[string]any
}

type jsonSerializer struct{}

func (jsonSerializer) serialize(v any) ([]byte, error) {
	if cm, ok := v.(CanonicalMap); ok {
		return marshalCanonical(cm.CanonicalFields())
	}
	return json.Marshal(v)
}

func (jsonSerializer) deserialize(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

// marshalCanonical renders m as JSON with keys sorted lexicographically
// at the top level (content types using this nest only scalars, slices,
// and string maps, so one level of sorting is sufficient for our
// payload types).
func marshalCanonical(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// --- protobuf: a length-delimited varint-tag wire encoder compatible
// with the standard protobuf wire format (tag<<3|wiretype varint,
// followed by a varint or a length-prefixed byte run), applied to
// content implementing WireMessage. Only wire types 0 (varint) and 2
// (length-delimited) are needed for this system's two payload content
// types (HeaderContent, KeyManagerContent). ---

// WireField is one (field number, value) pair of a WireMessage.
type WireField struct {
	Number int
	Varint uint64 // used when Bytes == nil
	Bytes  []byte // length-delimited value; nil means this field is a varint
}

// WireMessage is implemented by payload content types that need the
// protobuf or capnproto structural encodings.
type WireMessage interface {
	ToWireFields() []WireField
	FromWireFields([]WireField) error
}

const (
	wireVarint = 0
	wireBytes  = 2
)

type protobufSerializer struct{}

func (protobufSerializer) serialize(v any) ([]byte, error) {
	wm, ok := v.(WireMessage)
	if !ok {
		return nil, dberrors.New("codec.protobuf.serialize", dberrors.Policy, nil, "protobuf encoding requires a WireMessage")
	}
	var buf []byte
	for _, f := range wm.ToWireFields() {
		if f.Bytes != nil {
			buf = appendVarint(buf, uint64(f.Number)<<3|wireBytes)
			buf = appendVarint(buf, uint64(len(f.Bytes)))
			buf = append(buf, f.Bytes...)
		} else {
			buf = appendVarint(buf, uint64(f.Number)<<3|wireVarint)
			buf = appendVarint(buf, f.Varint)
		}
	}
	return buf, nil
}

func (protobufSerializer) deserialize(data []byte, out any) error {
	wm, ok := out.(WireMessage)
	if !ok {
		return dberrors.New("codec.protobuf.deserialize", dberrors.Policy, nil, "protobuf encoding requires a WireMessage destination")
	}
	var fields []WireField
	off := 0
	for off < len(data) {
		tag, n, err := readVarint(data[off:])
		if err != nil {
			return err
		}
		off += n
		number := int(tag >> 3)
		wireType := tag & 0x7
		switch wireType {
		case wireVarint:
			val, n, err := readVarint(data[off:])
			if err != nil {
				return err
			}
			off += n
			fields = append(fields, WireField{Number: number, Varint: val})
		case wireBytes:
			ln, n, err := readVarint(data[off:])
			if err != nil {
				return err
			}
			off += n
			if off+int(ln) > len(data) {
				return dberrors.New("codec.protobuf.deserialize", dberrors.Framing, nil, "length-delimited field truncated")
			}
			fields = append(fields, WireField{Number: number, Bytes: append([]byte(nil), data[off:off+int(ln)]...)})
			off += int(ln)
		default:
			return dberrors.New("codec.protobuf.deserialize", dberrors.Framing, nil, "unsupported wire type")
		}
	}
	return wm.FromWireFields(fields)
}

// --- capnproto: a fixed-slot flat encoder, an "analogous treatment" of
// the same WireMessage content for the capnproto payload_encoding value
// (spec §4.2 domain-stack note) -- field count, then for each field, in
// ToWireFields() order, its field number as a varint, a one-byte kind
// tag (0 varint, 1 length-prefixed bytes) and its value. This is deliberately not
// byte-compatible with real Cap'n Proto framing; see DESIGN.md. ---

type capnSerializer struct{}

func (capnSerializer) serialize(v any) ([]byte, error) {
	wm, ok := v.(WireMessage)
	if !ok {
		return nil, dberrors.New("codec.capnproto.serialize", dberrors.Policy, nil, "capnproto encoding requires a WireMessage")
	}
	fields := wm.ToWireFields()
	buf := appendVarint(nil, uint64(len(fields)))
	for _, f := range fields {
		buf = appendVarint(buf, uint64(f.Number))
		if f.Bytes != nil {
			buf = append(buf, 1)
			buf = appendVarint(buf, uint64(len(f.Bytes)))
			buf = append(buf, f.Bytes...)
		} else {
			buf = append(buf, 0)
			buf = appendVarint(buf, f.Varint)
		}
	}
	return buf, nil
}

func (capnSerializer) deserialize(data []byte, out any) error {
	wm, ok := out.(WireMessage)
	if !ok {
		return dberrors.New("codec.capnproto.deserialize", dberrors.Policy, nil, "capnproto encoding requires a WireMessage destination")
	}
	count, n, err := readVarint(data)
	if err != nil {
		return err
	}
	off := n
	fields := make([]WireField, 0, count)
	for i := uint64(0); i < count; i++ {
		number, n, err := readVarint(data[off:])
		if err != nil {
			return err
		}
		off += n
		if off >= len(data) {
			return dberrors.New("codec.capnproto.deserialize", dberrors.Framing, nil, "truncated field kind")
		}
		kind := data[off]
		off++
		switch kind {
		case 0:
			val, n, err := readVarint(data[off:])
			if err != nil {
				return err
			}
			off += n
			fields = append(fields, WireField{Number: int(number), Varint: val})
		case 1:
			ln, n, err := readVarint(data[off:])
			if err != nil {
				return err
			}
			off += n
			if off+int(ln) > len(data) {
				return dberrors.New("codec.capnproto.deserialize", dberrors.Framing, nil, "truncated bytes field")
			}
			fields = append(fields, WireField{Number: int(number), Bytes: append([]byte(nil), data[off:off+int(ln)]...)})
			off += int(ln)
		default:
			return dberrors.New("codec.capnproto.deserialize", dberrors.Framing, nil, "unsupported field kind tag")
		}
	}
	return wm.FromWireFields(fields)
}

// LE64 and FromLE64 are small helpers content types use inside
// ToWireFields/FromWireFields to round-trip an int64 as an 8-byte LE
// blob when a bare varint would not preserve sign correctly (negative
// timestamps before the Unix epoch, for instance).
func LE64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func FromLE64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}
