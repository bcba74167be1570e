// Package emailid defines the compound email identifier shared by the
// packer, the secondary indexes, the hash chain, and the search
// optimizer (spec §3 "Compound email ID"): it is small enough, and used
// widely enough across otherwise-independent packages, to warrant its
// own leaf package rather than forcing an import of a larger one.
package emailid

import "encoding/binary"

// CompoundID names one email within its containing batch block.
// block_id names the email-batch block; local_id is the 0-based index
// within that batch. Compound IDs never change once issued (spec §3
// Invariant 5).
type CompoundID struct {
	BlockID int64
	LocalID int32
}

// Encode renders id as a 12-byte big-endian key, ordering naturally by
// (BlockID, LocalID) -- used as the sort key in every index and cache
// keyed by compound ID.
func (id CompoundID) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[:8], uint64(id.BlockID))
	binary.BigEndian.PutUint32(buf[8:], uint32(id.LocalID))
	return buf
}

// Decode parses the 12-byte encoding produced by Encode.
func Decode(buf []byte) (CompoundID, bool) {
	if len(buf) != 12 {
		return CompoundID{}, false
	}
	return CompoundID{
		BlockID: int64(binary.BigEndian.Uint64(buf[:8])),
		LocalID: int32(binary.BigEndian.Uint32(buf[8:])),
	}, true
}

func (id CompoundID) String() string {
	return itoa(id.BlockID) + ":" + itoa(int64(id.LocalID))
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
