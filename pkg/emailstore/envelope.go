// Package emailstore is the hybrid email store (spec §4.5): it packs
// raw email bytes into count-prefixed batch blocks, dedupes by envelope
// hash, maintains per-folder envelope blocks with supersession chains,
// and serializes append_email against a single "current batch" the way
// the teacher's writer-path packages serialize appends against a single
// open segment.
package emailstore

import (
	"crypto/sha256"
	"sort"
	"strings"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/codec"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/emailid"
)

// Envelope is the metadata record carried in folder-envelope blocks and
// returned by ListFolder (spec §4.5 "ordered list of envelopes"). It
// round-trips through encoding/json, not codec.CanonicalMap: envelope
// lists are read back by field name, not hashed for chain purposes (the
// containing block's payload hash covers tamper detection).
type Envelope struct {
	BlockID      int64    `json:"block_id"`
	LocalID      int32    `json:"local_id"`
	MessageID    string   `json:"message_id"`
	Subject      string   `json:"subject"`
	From         string   `json:"from"`
	To           []string `json:"to"`
	Participants []string `json:"participants"`
	FolderPath   string   `json:"folder_path"`
	Timestamp    int64    `json:"timestamp"`
	Size         int32    `json:"size"`
	EnvelopeHash []byte   `json:"envelope_hash"` // 32 bytes, base64 via encoding/json
	ContentHash  []byte   `json:"content_hash"`  // 32 bytes, base64 via encoding/json
}

func (e Envelope) compoundID() emailid.CompoundID {
	return emailid.CompoundID{BlockID: e.BlockID, LocalID: e.LocalID}
}

// computeEnvelopeHash derives the dedup key from the fields that
// identify a distinct delivery: message id, from, sorted recipient set,
// and timestamp. Two AppendEmail calls describing the same delivery
// collide here regardless of body differences from header reordering.
func computeEnvelopeHash(messageID, from string, to []string, timestamp int64) [32]byte {
	var buf []byte
	buf = append(buf, messageID...)
	buf = append(buf, 0)
	buf = append(buf, from...)
	buf = append(buf, 0)
	sortedTo := append([]string(nil), to...)
	sort.Strings(sortedTo)
	buf = append(buf, strings.Join(sortedTo, ",")...)
	buf = append(buf, 0)
	buf = append(buf, codec.LE64(timestamp)...)
	return sha256.Sum256(buf)
}

// FolderEnvelopeList is the payload of a folder-envelope block: the
// folder's full current envelope set plus a back-pointer to the
// previously-authoritative block for the same folder (spec §4.5).
type FolderEnvelopeList struct {
	FolderPath      string     `json:"folder_path"`
	Envelopes       []Envelope `json:"envelopes"`
	PreviousBlockID int64      `json:"previous_block_id"` // 0 means no previous version
}

func participantTokens(e Envelope) []string {
	out := append([]string{}, e.To...)
	out = append(out, e.Participants...)
	out = append(out, e.From)
	return out
}
