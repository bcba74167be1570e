package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

// encryptor is the fixed-table interface for the three encryption
// algorithms named in spec §4.2 (EncryptionNone is handled by Encode/
// Decode skipping the step). encrypt returns the ciphertext and, for
// AEAD/MAC constructions, an authentication tag carried separately in
// the extended header (spec §4.2 "auth_tag").
type encryptor interface {
	nonceSize() int
	encrypt(plain, key, nonce []byte) (ciphertext, authTag []byte, err error)
	decrypt(ciphertext, key, nonce, authTag []byte) (plain []byte, err error)
}

var encryptorTable = map[blockio.EncryptionAlgorithm]encryptor{
	blockio.EncryptionAES256GCM:        aesGCMEncryptor{},
	blockio.EncryptionChaCha20Poly1305: chachaEncryptor{},
	blockio.EncryptionAES256CBCHMAC:    aesCBCHMACEncryptor{},
}

// nonceConstant is the fixed SHA-256-derived constant XORed against the
// repeated little-endian block-id bytes to deterministically derive a
// per-block nonce/IV (spec §4.2). It has no secrecy requirement -- its
// only job is to decorrelate the nonce from a bare block-id repetition
// pattern.
var nonceConstant = sha256.Sum256([]byte("emaildb.codec.nonce.v1"))

// DeriveNonce deterministically derives a size-byte nonce/IV from
// blockID: the little-endian block-id bytes repeated to fill size, XORed
// with nonceConstant. Two encryptions of the same payload under the same
// block-id therefore produce identical ciphertext; different block-ids
// produce different nonces (spec §4.2, §8 testable property).
func DeriveNonce(blockID int64, size int) []byte {
	idBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBytes, uint64(blockID))
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = idBytes[i%8] ^ nonceConstant[i%len(nonceConstant)]
	}
	return out
}

type aesGCMEncryptor struct{}

func (aesGCMEncryptor) nonceSize() int { return 12 }

func (aesGCMEncryptor) newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, dberrors.New("codec.aesgcm", dberrors.Policy, nil, "AES-256-GCM requires a 32-byte key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (e aesGCMEncryptor) encrypt(plain, key, nonce []byte) ([]byte, []byte, error) {
	gcm, err := e.newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plain, nil)
	tagStart := len(sealed) - gcm.Overhead()
	return sealed[:tagStart], sealed[tagStart:], nil
}

func (e aesGCMEncryptor) decrypt(ciphertext, key, nonce, authTag []byte) ([]byte, error) {
	gcm, err := e.newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte(nil), ciphertext...), authTag...)
	return gcm.Open(nil, nonce, sealed, nil)
}

type chachaEncryptor struct{}

func (chachaEncryptor) nonceSize() int { return chacha20poly1305.NonceSize }

func (chachaEncryptor) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, dberrors.New("codec.chacha20poly1305", dberrors.Policy, nil, "ChaCha20-Poly1305 requires a 32-byte key")
	}
	return chacha20poly1305.New(key)
}

func (e chachaEncryptor) encrypt(plain, key, nonce []byte) ([]byte, []byte, error) {
	aead, err := e.aead(key)
	if err != nil {
		return nil, nil, err
	}
	sealed := aead.Seal(nil, nonce, plain, nil)
	tagStart := len(sealed) - aead.Overhead()
	return sealed[:tagStart], sealed[tagStart:], nil
}

func (e chachaEncryptor) decrypt(ciphertext, key, nonce, authTag []byte) ([]byte, error) {
	aead, err := e.aead(key)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte(nil), ciphertext...), authTag...)
	return aead.Open(nil, nonce, sealed, nil)
}

// aesCBCHMACEncryptor implements AES-256-CBC + HMAC-SHA256 in an
// encrypt-then-MAC construction (spec §4.2): a 64-byte key is split into
// a 32-byte AES key and a 32-byte HMAC key (spec §4.3 "64 for
// AES-CBC-HMAC = 32 AES || 32 HMAC").
type aesCBCHMACEncryptor struct{}

func (aesCBCHMACEncryptor) nonceSize() int { return aes.BlockSize }

func (aesCBCHMACEncryptor) split(key []byte) (aesKey, hmacKey []byte, err error) {
	if len(key) != 64 {
		return nil, nil, dberrors.New("codec.aescbchmac", dberrors.Policy, nil, "AES-256-CBC+HMAC requires a 64-byte key")
	}
	return key[:32], key[32:], nil
}

func (e aesCBCHMACEncryptor) encrypt(plain, key, iv []byte) ([]byte, []byte, error) {
	aesKey, hmacKey, err := e.split(key)
	if err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)
	return ciphertext, tag, nil
}

func (e aesCBCHMACEncryptor) decrypt(ciphertext, key, iv, authTag []byte) ([]byte, error) {
	aesKey, hmacKey, err := e.split(key)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	want := mac.Sum(nil)
	if !hmac.Equal(want, authTag) {
		return nil, dberrors.New("codec.aescbchmac.decrypt", dberrors.Integrity, nil, "HMAC tag mismatch")
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, dberrors.New("codec.aescbchmac.decrypt", dberrors.Framing, nil, "ciphertext not a multiple of the block size")
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, dberrors.New("codec.pkcs7Unpad", dberrors.Framing, nil, "empty padded buffer")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, dberrors.New("codec.pkcs7Unpad", dberrors.Framing, nil, "invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, dberrors.New("codec.pkcs7Unpad", dberrors.Framing, nil, "invalid padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
