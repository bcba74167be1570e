// Package keymanager implements the per-block symmetric key vault (spec
// §4.3): a Locked/Unlocked state machine, master-key verification via a
// salted hash (never the plaintext master key), CSPRNG key generation
// wrapped with AES-256-GCM under the master key, and revocation that
// retains historical keys for decrypting old blocks while excluding them
// from new writes.
package keymanager

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/codec"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

// State is the key manager's lifecycle (spec §4.3).
type State int

const (
	Locked State = iota
	Unlocked
)

// keySizeFor returns the required plaintext key size for algorithm,
// per spec §4.3 ("32 for AES-GCM/ChaCha20; 64 for AES-CBC-HMAC").
func keySizeFor(alg blockio.EncryptionAlgorithm) (int, error) {
	switch alg {
	case blockio.EncryptionAES256GCM, blockio.EncryptionChaCha20Poly1305:
		return 32, nil
	case blockio.EncryptionAES256CBCHMAC:
		return 64, nil
	default:
		return 0, dberrors.New("keymanager.keySizeFor", dberrors.Policy, nil, "unsupported encryption algorithm")
	}
}

// wrappedKey is a per-block key as persisted: AES-256-GCM-wrapped under
// the master key.
type wrappedKey struct {
	Algorithm  blockio.EncryptionAlgorithm
	Nonce      []byte
	Ciphertext []byte // includes the GCM tag
	Active     bool
}

// Manager is the vault. Zero value is Locked with no master key and no
// entries; call Unlock before GenerateKey/GetKey.
type Manager struct {
	mu sync.Mutex

	state      State
	masterKey  []byte // 32 bytes while Unlocked, nil while Locked
	salt       []byte
	verifyHash []byte // SHA256(masterKey || salt), the only master-key oracle

	entries map[int64]*wrappedKey
}

// New returns a fresh, Locked manager with no persisted vault (used when
// creating a database for the first time, before the caller has chosen
// and verified a master key via Bootstrap).
func New() *Manager {
	return &Manager{state: Locked, entries: map[int64]*wrappedKey{}}
}

// Bootstrap initializes a brand-new vault with masterKey (32 bytes),
// generating the salt and verification hash, and leaves the manager
// Unlocked. Called exactly once, when a database is first created.
func (m *Manager) Bootstrap(masterKey []byte) error {
	const op = "keymanager.Bootstrap"
	if len(masterKey) != 32 {
		return dberrors.New(op, dberrors.Policy, nil, "master key must be 32 bytes")
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return dberrors.New(op, dberrors.Internal, err, "read CSPRNG entropy for salt")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.salt = salt
	m.verifyHash = verificationHash(masterKey, salt)
	m.masterKey = append([]byte(nil), masterKey...)
	m.state = Unlocked
	return nil
}

func verificationHash(masterKey, salt []byte) []byte {
	h := sha256.New()
	h.Write(masterKey)
	h.Write(salt)
	return h.Sum(nil)
}

// Unlock verifies masterKey against the persisted verification hash and,
// if it matches, loads every stored per-block key wrapper into the
// in-memory vault (spec §4.3: "the only master-key oracles"). The
// wrappers are not decrypted here; GetKey unwraps a key each time it is
// asked for, so a damaged wrapper is only reported by GetKey.
func (m *Manager) Unlock(masterKey []byte, content KeyManagerContent) error {
	const op = "keymanager.Unlock"
	if len(masterKey) != 32 {
		return dberrors.New(op, dberrors.Policy, nil, "master key must be 32 bytes")
	}
	want := verificationHash(masterKey, content.Salt)
	if !constantTimeEqual(want, content.VerificationHash) {
		return dberrors.New(op, dberrors.State, nil, "master key does not match the persisted verification hash")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[int64]*wrappedKey, len(content.Keys))
	for blockID, wk := range content.Keys {
		m.entries[blockID] = &wrappedKey{
			Algorithm:  wk.Algorithm,
			Nonce:      append([]byte(nil), wk.Nonce...),
			Ciphertext: append([]byte(nil), wk.Ciphertext...),
			Active:     wk.Active,
		}
	}
	m.salt = append([]byte(nil), content.Salt...)
	m.verifyHash = append([]byte(nil), content.VerificationHash...)
	m.masterKey = append([]byte(nil), masterKey...)
	m.state = Unlocked
	return nil
}

// Lock zeros the master key and every decrypted plaintext key held in
// process memory (there are none cached outside GetKey's return value,
// which the caller owns and is responsible for zeroing itself once
// done; spec §5 "Scoped acquisition... sensitive buffers are zeroed
// before release").
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	zero(m.masterKey)
	m.masterKey = nil
	m.state = Locked
}

// GenerateKey draws CSPRNG bytes sized for algorithm, wraps them with
// the master key, and stores the wrapper under blockID.
func (m *Manager) GenerateKey(blockID int64, algorithm blockio.EncryptionAlgorithm) ([]byte, error) {
	const op = "keymanager.GenerateKey"
	size, err := keySizeFor(algorithm)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, plain); err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "read CSPRNG entropy for key")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Unlocked {
		zero(plain)
		return nil, dberrors.New(op, dberrors.State, nil, "key manager is locked")
	}
	wk, err := m.wrap(plain)
	if err != nil {
		zero(plain)
		return nil, err
	}
	wk.Algorithm = algorithm
	wk.Active = true
	m.entries[blockID] = wk
	out := append([]byte(nil), plain...)
	zero(plain)
	return out, nil
}

// GetKey returns the plaintext key for blockID, whether or not it has
// been revoked (revoked keys remain usable for decrypting historical
// blocks, per spec §4.3).
func (m *Manager) GetKey(blockID int64) ([]byte, error) {
	const op = "keymanager.GetKey"
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Unlocked {
		return nil, dberrors.New(op, dberrors.State, nil, "key manager is locked")
	}
	wk, ok := m.entries[blockID]
	if !ok {
		return nil, dberrors.New(op, dberrors.State, nil, "no key registered for block").WithIdent(itoa(blockID))
	}
	return m.unwrap(wk)
}

// Key implements codec.KeyProvider, letting *Manager be passed directly
// to codec.Encode/Decode.
func (m *Manager) Key(blockID int64) ([]byte, error) { return m.GetKey(blockID) }

var _ codec.KeyProvider = (*Manager)(nil)

// Revoke marks blockID's key inactive: IsActive reports false for it
// from then on, but GetKey still decrypts it for historical reads.
func (m *Manager) Revoke(blockID int64) error {
	const op = "keymanager.Revoke"
	m.mu.Lock()
	defer m.mu.Unlock()
	wk, ok := m.entries[blockID]
	if !ok {
		return dberrors.New(op, dberrors.State, nil, "no key registered for block").WithIdent(itoa(blockID))
	}
	wk.Active = false
	return nil
}

// IsActive reports whether blockID's key may still be issued for new
// writes (spec §7 Policy error "revoked key").
func (m *Manager) IsActive(blockID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	wk, ok := m.entries[blockID]
	return ok && wk.Active
}

func (m *Manager) wrap(plain []byte) (*wrappedKey, error) {
	const op = "keymanager.wrap"
	block, err := aes.NewCipher(m.masterKey)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "init master AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "init GCM")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "read CSPRNG entropy for wrap nonce")
	}
	ct := gcm.Seal(nil, nonce, plain, nil)
	return &wrappedKey{Nonce: nonce, Ciphertext: ct}, nil
}

func (m *Manager) unwrap(wk *wrappedKey) ([]byte, error) {
	const op = "keymanager.unwrap"
	block, err := aes.NewCipher(m.masterKey)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "init master AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "init GCM")
	}
	plain, err := gcm.Open(nil, wk.Nonce, wk.Ciphertext, nil)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Integrity, err, "master key unwrap failed")
	}
	return plain, nil
}

// ToContent serializes the vault for persistence (spec §4.3
// "to_content() -> KeyManagerContent"). Plaintext keys are never
// exposed; only the already-wrapped ciphertexts are copied out.
func (m *Manager) ToContent() KeyManagerContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make(map[int64]WrappedKeyContent, len(m.entries))
	for id, wk := range m.entries {
		keys[id] = WrappedKeyContent{
			Algorithm:  wk.Algorithm,
			Nonce:      append([]byte(nil), wk.Nonce...),
			Ciphertext: append([]byte(nil), wk.Ciphertext...),
			Active:     wk.Active,
		}
	}
	return KeyManagerContent{
		Salt:             append([]byte(nil), m.salt...),
		VerificationHash: append([]byte(nil), m.verifyHash...),
		Keys:             keys,
	}
}

func (m *Manager) Stat() (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, len(m.entries)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

func itoa(n int64) string { return fmt.Sprintf("%d", n) }
