package keymanager

import (
	"encoding/base64"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/codec"
)

// WrappedKeyContent is the persisted (never-plaintext) form of one
// per-block key.
type WrappedKeyContent struct {
	Algorithm  blockio.EncryptionAlgorithm
	Nonce      []byte
	Ciphertext []byte
	Active     bool
}

// KeyManagerContent is the payload of a key-manager block (spec §4.3
// "to_content() -> KeyManagerContent"): the salt and verification hash
// that are the sole master-key oracle, plus every wrapped per-block key.
type KeyManagerContent struct {
	Salt             []byte                      `json:"salt"`
	VerificationHash []byte                      `json:"verification_hash"`
	Keys             map[int64]WrappedKeyContent `json:"keys"`
}

// CanonicalFields implements codec.CanonicalMap for the JSON payload
// encoding; binary fields are base64-encoded since canonical JSON
// marshaling only handles JSON-native types.
func (c KeyManagerContent) CanonicalFields() map[string]any {
	keys := make(map[string]any, len(c.Keys))
	for id, wk := range c.Keys {
		keys[itoa(id)] = map[string]any{
			"algorithm":  wk.Algorithm,
			"nonce":      base64.StdEncoding.EncodeToString(wk.Nonce),
			"ciphertext": base64.StdEncoding.EncodeToString(wk.Ciphertext),
			"active":     wk.Active,
		}
	}
	return map[string]any{
		"salt":              base64.StdEncoding.EncodeToString(c.Salt),
		"verification_hash": base64.StdEncoding.EncodeToString(c.VerificationHash),
		"keys":              keys,
	}
}

// ToWireFields/FromWireFields implement codec.WireMessage for the
// protobuf/capnproto payload encodings.
func (c KeyManagerContent) ToWireFields() []codec.WireField {
	fields := []codec.WireField{
		{Number: 1, Bytes: c.Salt},
		{Number: 2, Bytes: c.VerificationHash},
	}
	for id, wk := range c.Keys {
		entry := codec.LE64(id)
		entry = append(entry, byte(wk.Algorithm))
		if wk.Active {
			entry = append(entry, 1)
		} else {
			entry = append(entry, 0)
		}
		entry = appendLenPrefixed(entry, wk.Nonce)
		entry = appendLenPrefixed(entry, wk.Ciphertext)
		fields = append(fields, codec.WireField{Number: 3, Bytes: entry})
	}
	return fields
}

func (c *KeyManagerContent) FromWireFields(fields []codec.WireField) error {
	c.Keys = map[int64]WrappedKeyContent{}
	for _, f := range fields {
		switch f.Number {
		case 1:
			c.Salt = append([]byte(nil), f.Bytes...)
		case 2:
			c.VerificationHash = append([]byte(nil), f.Bytes...)
		case 3:
			id := codec.FromLE64(f.Bytes[:8])
			alg := blockio.EncryptionAlgorithm(f.Bytes[8])
			active := f.Bytes[9] == 1
			rest := f.Bytes[10:]
			nonce, rest := readLenPrefixed(rest)
			ciphertext, _ := readLenPrefixed(rest)
			c.Keys[id] = WrappedKeyContent{Algorithm: alg, Nonce: nonce, Ciphertext: ciphertext, Active: active}
		}
	}
	return nil
}

func appendLenPrefixed(buf, v []byte) []byte {
	buf = append(buf, codec.LE64(int64(len(v)))...)
	return append(buf, v...)
}

func readLenPrefixed(buf []byte) (value, rest []byte) {
	if len(buf) < 8 {
		return nil, nil
	}
	n := codec.FromLE64(buf[:8])
	buf = buf[8:]
	if int64(len(buf)) < n {
		return nil, nil
	}
	return append([]byte(nil), buf[:n]...), buf[n:]
}
