package emailstore

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/codec"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/emailid"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/hashchain"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/idalloc"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/sidecar"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/telemetry"
)

// DefaultBlockSizeThreshold is the default batch-sealing trigger, within
// spec §4.5's tunable 512 KiB-1 MiB range.
const DefaultBlockSizeThreshold = 768 * 1024

// DefaultIdleTimeout force-seals a non-empty open batch after this much
// inactivity, bounding the data-loss window on crash (spec §4.5).
const DefaultIdleTimeout = 30 * time.Second

// Config tunes one Store instance. Zero values are replaced with
// defaults by New.
type Config struct {
	Compression        blockio.CompressionAlgorithm
	Encryption         blockio.EncryptionAlgorithm
	BlockSizeThreshold int
	IdleTimeout        time.Duration
	BlockFormatVersion uint16
}

func (c Config) withDefaults() Config {
	if c.BlockSizeThreshold <= 0 {
		c.BlockSizeThreshold = DefaultBlockSizeThreshold
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.BlockFormatVersion == 0 {
		c.BlockFormatVersion = 1
	}
	return c
}

// Engine is the slice of blockio.Engine the store needs.
type Engine interface {
	Append(ctx context.Context, b blockio.Block, fsync bool) (blockio.Location, error)
	Read(blockID int64) (blockio.Block, error)
}

// Store is the hybrid email store packer (spec §4.5).
type Store struct {
	mu sync.Mutex

	engine Engine
	ids    *idalloc.Allocator
	idx    *sidecar.Indexes
	chain  *hashchain.Chain
	keys   codec.KeyProvider
	cfg    Config
	log    *telemetry.Logger
	metrics *telemetry.Metrics
	now    func() time.Time

	currentBlockID   int64
	currentEntries   [][]byte
	currentEnvelopes []Envelope
	currentSize      int
	pendingHashes    map[[32]byte]emailid.CompoundID

	idleTimer *time.Timer
	closed    bool
}

// Options bundles New's collaborators.
type Options struct {
	Engine  Engine
	Ids     *idalloc.Allocator
	Indexes *sidecar.Indexes
	Chain   *hashchain.Chain
	Keys    codec.KeyProvider
	Config  Config
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	// Now overrides the clock; tests inject a deterministic one. Defaults
	// to time.Now.
	Now func() time.Time
}

func New(opt Options) *Store {
	lg := opt.Logger
	if lg == nil {
		lg = telemetry.Nop
	}
	m := opt.Metrics
	if m == nil {
		m = telemetry.NewMetrics()
	}
	keys := opt.Keys
	if keys == nil {
		keys = codec.NoKeys
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		engine:        opt.Engine,
		ids:           opt.Ids,
		idx:           opt.Indexes,
		chain:         opt.Chain,
		keys:          keys,
		cfg:           opt.Config.withDefaults(),
		log:           lg,
		metrics:       m,
		now:           now,
		pendingHashes: make(map[[32]byte]emailid.CompoundID),
	}
	return s
}

// Close force-seals any open batch and stops the idle timer.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	return s.sealLocked(ctx)
}

// AppendEmail packs raw into the currently-open batch, returning its
// compound id. Envelopes with an envelope_hash already seen (either
// durably indexed or buffered in the still-open batch) are rejected as
// duplicates per spec §4.5 "Dedup."
func (s *Store) AppendEmail(ctx context.Context, raw []byte, env Envelope) (emailid.CompoundID, error) {
	const op = "emailstore.AppendEmail"
	envelopeHash := computeEnvelopeHash(env.MessageID, env.From, env.To, env.Timestamp)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return emailid.CompoundID{}, dberrors.New(op, dberrors.State, nil, "store is closed")
	}

	if existing, ok := s.pendingHashes[envelopeHash]; ok {
		return existing, dberrors.New(op, dberrors.Policy, nil, "duplicate envelope in open batch").WithIdent(existing.String())
	}
	if existing, ok, err := s.idx.ByEnvelopeHash(envelopeHash); err != nil {
		return emailid.CompoundID{}, err
	} else if ok {
		return existing, dberrors.New(op, dberrors.Policy, nil, "duplicate envelope").WithIdent(existing.String())
	}

	if s.currentBlockID == 0 {
		id, err := s.ids.Next(blockio.KindEmailBatch)
		if err != nil {
			return emailid.CompoundID{}, err
		}
		s.currentBlockID = id
	}

	localID := int32(len(s.currentEntries))
	cid := emailid.CompoundID{BlockID: s.currentBlockID, LocalID: localID}

	env.BlockID = cid.BlockID
	env.LocalID = cid.LocalID
	env.EnvelopeHash = envelopeHash[:]
	contentHash := hashchain.PayloadHash(raw)
	env.ContentHash = contentHash[:]
	env.Size = int32(len(raw))

	s.currentEntries = append(s.currentEntries, append([]byte(nil), raw...))
	s.currentEnvelopes = append(s.currentEnvelopes, env)
	s.pendingHashes[envelopeHash] = cid
	s.currentSize += len(raw) + entryHeaderSize

	s.resetIdleTimerLocked(ctx)

	if s.currentSize >= s.cfg.BlockSizeThreshold {
		if err := s.sealLocked(ctx); err != nil {
			return cid, err
		}
	}
	return cid, nil
}

func (s *Store) resetIdleTimerLocked(ctx context.Context) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if err := s.sealLocked(ctx); err != nil {
			s.log.Error("emailstore: idle force-seal failed", map[string]string{"error": err.Error()})
		}
	})
}

// sealLocked must be called with s.mu held. It encodes the open batch,
// appends it, extends the hash chain, and updates every folder-envelope
// block and secondary index the sealed emails touch.
func (s *Store) sealLocked(ctx context.Context) error {
	const op = "emailstore.seal"
	if len(s.currentEntries) == 0 {
		return nil
	}

	payload := encodeBatch(s.currentEntries)
	encoded, err := codec.Encode(payload, blockio.EncodingRaw, s.cfg.Compression, s.cfg.Encryption, s.currentBlockID, s.keys)
	if err != nil {
		return dberrors.New(op, dberrors.Internal, err, "encode batch")
	}
	block := blockio.Block{
		Version:         s.cfg.BlockFormatVersion,
		Kind:            blockio.KindEmailBatch,
		Flags:           blockio.MakeFlags(s.cfg.Compression, s.cfg.Encryption),
		PayloadEncoding: blockio.EncodingRaw,
		Timestamp:       s.now().Unix(),
		BlockID:         s.currentBlockID,
		Payload:         encoded,
	}
	if _, err := s.engine.Append(ctx, block, true); err != nil {
		return dberrors.New(op, dberrors.Io, err, "append batch block")
	}

	hashes := entryHashes(s.currentEntries)
	if _, err := s.chain.Extend(block, hashchain.BatchPayloadHash(hashes)); err != nil {
		return dberrors.New(op, dberrors.Internal, err, "extend hash chain")
	}

	byFolder := map[string][]Envelope{}
	for _, env := range s.currentEnvelopes {
		byFolder[env.FolderPath] = append(byFolder[env.FolderPath], env)
	}
	for folder, added := range byFolder {
		if _, err := s.appendToFolderLocked(ctx, folder, added); err != nil {
			return err
		}
	}
	for _, env := range s.currentEnvelopes {
		if err := s.indexEnvelopeLocked(env); err != nil {
			return err
		}
	}

	s.currentBlockID = 0
	s.currentEntries = nil
	s.currentEnvelopes = nil
	s.currentSize = 0
	s.pendingHashes = make(map[[32]byte]emailid.CompoundID)
	return nil
}

// appendToFolderLocked rewrites folder's envelope block to include added,
// chaining from the previous authoritative block for that folder, and
// updates the folder index.
func (s *Store) appendToFolderLocked(ctx context.Context, folder string, added []Envelope) (int64, error) {
	const op = "emailstore.appendToFolder"
	existing, err := s.readFolderLocked(folder)
	if err != nil {
		return 0, err
	}
	prevID, _, err := s.idx.FolderBlockID(folder)
	if err != nil {
		return 0, err
	}
	list := FolderEnvelopeList{
		FolderPath:      folder,
		Envelopes:       append(existing, added...),
		PreviousBlockID: prevID,
	}
	newID, err := s.ids.Next(blockio.KindFolderEnvelope)
	if err != nil {
		return 0, err
	}
	if err := s.writeFolderBlockLocked(ctx, newID, list); err != nil {
		return 0, err
	}
	if err := s.idx.UpsertFolder(folder, newID); err != nil {
		return 0, dberrors.New(op, dberrors.Internal, err, "upsert folder index")
	}
	for _, env := range list.Envelopes {
		if err := s.idx.UpsertEmailLocation(env.compoundID(), newID); err != nil {
			return 0, dberrors.New(op, dberrors.Internal, err, "upsert email location")
		}
	}
	return newID, nil
}

func (s *Store) writeFolderBlockLocked(ctx context.Context, blockID int64, list FolderEnvelopeList) error {
	const op = "emailstore.writeFolderBlock"
	encoded, err := codec.Encode(list, blockio.EncodingJSON, blockio.CompressionNone, blockio.EncryptionNone, blockID, s.keys)
	if err != nil {
		return dberrors.New(op, dberrors.Internal, err, "encode folder envelope list")
	}
	block := blockio.Block{
		Version:         s.cfg.BlockFormatVersion,
		Kind:            blockio.KindFolderEnvelope,
		PayloadEncoding: blockio.EncodingJSON,
		Timestamp:       s.now().Unix(),
		BlockID:         blockID,
		Payload:         encoded,
	}
	if _, err := s.engine.Append(ctx, block, true); err != nil {
		return dberrors.New(op, dberrors.Io, err, "append folder envelope block")
	}
	ph := hashchain.PayloadHash(encoded)
	if _, err := s.chain.Extend(block, ph); err != nil {
		return dberrors.New(op, dberrors.Internal, err, "extend hash chain")
	}
	return nil
}

func (s *Store) readFolderLocked(folder string) ([]Envelope, error) {
	const op = "emailstore.readFolder"
	blockID, ok, err := s.idx.FolderBlockID(folder)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "lookup folder block")
	}
	if !ok {
		return nil, nil
	}
	list, err := s.decodeFolderBlock(blockID)
	if err != nil {
		return nil, err
	}
	return list.Envelopes, nil
}

func (s *Store) decodeFolderBlock(blockID int64) (FolderEnvelopeList, error) {
	const op = "emailstore.decodeFolderBlock"
	block, err := s.engine.Read(blockID)
	if err != nil {
		return FolderEnvelopeList{}, dberrors.New(op, dberrors.Io, err, "read folder envelope block")
	}
	var list FolderEnvelopeList
	if err := codec.Decode(block.Payload, blockio.EncodingJSON, blockio.CompressionNone, blockio.EncryptionNone, blockID, s.keys, &list); err != nil {
		return FolderEnvelopeList{}, dberrors.New(op, dberrors.Internal, err, "decode folder envelope list")
	}
	return list, nil
}

func (s *Store) indexEnvelopeLocked(env Envelope) error {
	const op = "emailstore.indexEnvelope"
	cid := env.compoundID()
	var envelopeHash, contentHash [32]byte
	copy(envelopeHash[:], env.EnvelopeHash)
	copy(contentHash[:], env.ContentHash)

	if env.MessageID != "" {
		if err := s.idx.UpsertMessageID(env.MessageID, cid); err != nil {
			return err
		}
	}
	if err := s.idx.UpsertEnvelopeHash(envelopeHash, cid); err != nil {
		return dberrors.New(op, dberrors.Internal, err, "upsert envelope hash")
	}
	if err := s.idx.UpsertContentHash(contentHash, cid); err != nil {
		return dberrors.New(op, dberrors.Internal, err, "upsert content hash")
	}
	for _, term := range tokenize(env.Subject, strings.Join(participantTokens(env), " ")) {
		if err := s.idx.UpsertTerm(term, cid); err != nil {
			return dberrors.New(op, dberrors.Internal, err, "upsert term")
		}
	}
	return nil
}

// ReadEmail returns the raw bytes for id, whether still in the open
// batch or already sealed to disk.
func (s *Store) ReadEmail(id emailid.CompoundID) ([]byte, error) {
	const op = "emailstore.ReadEmail"
	s.mu.Lock()
	if id.BlockID == s.currentBlockID && s.currentBlockID != 0 {
		if int(id.LocalID) < 0 || int(id.LocalID) >= len(s.currentEntries) {
			s.mu.Unlock()
			return nil, dberrors.New(op, dberrors.Policy, nil, "local id out of range in open batch")
		}
		out := append([]byte(nil), s.currentEntries[id.LocalID]...)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	block, err := s.engine.Read(id.BlockID)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Io, err, "read batch block").WithIdent(id.String())
	}
	var payload []byte
	if err := codec.Decode(block.Payload, block.PayloadEncoding, block.Flags.Compression(), block.Flags.Encryption(), id.BlockID, s.keys, &payload); err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "decode batch payload")
	}
	entries, err := decodeBatch(payload)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if int32(e.LocalID) == id.LocalID {
			return e.Bytes, nil
		}
	}
	return nil, dberrors.New(op, dberrors.Policy, nil, "local id not found in batch").WithIdent(id.String())
}

// MoveEmail is index-only: it updates the folder-envelope blocks and
// folder index, idempotently on repeated moves to the same folder (spec
// §4.5).
func (s *Store) MoveEmail(ctx context.Context, id emailid.CompoundID, newFolder string) error {
	const op = "emailstore.MoveEmail"
	s.mu.Lock()
	defer s.mu.Unlock()

	envelopeBlockID, ok, err := s.idx.EnvelopeBlockOf(id)
	if err != nil {
		return err
	}
	if !ok {
		return dberrors.New(op, dberrors.Policy, nil, "unknown compound id").WithIdent(id.String())
	}
	list, err := s.decodeFolderBlock(envelopeBlockID)
	if err != nil {
		return err
	}
	var found Envelope
	var idx int = -1
	for i, e := range list.Envelopes {
		if e.compoundID() == id {
			found, idx = e, i
			break
		}
	}
	if idx == -1 {
		return dberrors.New(op, dberrors.Policy, nil, "compound id missing from its envelope block").WithIdent(id.String())
	}
	if found.FolderPath == newFolder {
		return nil
	}

	current, err := s.readFolderLocked(found.FolderPath)
	if err != nil {
		return err
	}
	var remaining []Envelope
	for _, e := range current {
		if e.compoundID() != id {
			remaining = append(remaining, e)
		}
	}
	oldPrev, _, err := s.idx.FolderBlockID(found.FolderPath)
	if err != nil {
		return err
	}
	oldID, err := s.ids.Next(blockio.KindFolderEnvelope)
	if err != nil {
		return err
	}
	if err := s.writeFolderBlockLocked(ctx, oldID, FolderEnvelopeList{
		FolderPath:      found.FolderPath,
		Envelopes:       remaining,
		PreviousBlockID: oldPrev,
	}); err != nil {
		return err
	}
	if err := s.idx.UpsertFolder(found.FolderPath, oldID); err != nil {
		return err
	}

	found.FolderPath = newFolder
	newExisting, err := s.readFolderLocked(newFolder)
	if err != nil {
		return err
	}
	newPrev, _, err := s.idx.FolderBlockID(newFolder)
	if err != nil {
		return err
	}
	newID, err := s.ids.Next(blockio.KindFolderEnvelope)
	if err != nil {
		return err
	}
	if err := s.writeFolderBlockLocked(ctx, newID, FolderEnvelopeList{
		FolderPath:      newFolder,
		Envelopes:       append(newExisting, found),
		PreviousBlockID: newPrev,
	}); err != nil {
		return err
	}
	if err := s.idx.UpsertFolder(newFolder, newID); err != nil {
		return err
	}
	return s.idx.UpsertEmailLocation(id, newID)
}

// ListFolder returns folder's current envelope list; the latest
// folder-envelope block is always fully authoritative (spec §4.5).
func (s *Store) ListFolder(folder string) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readFolderLocked(folder)
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "are": true,
	"this": true, "that": true, "with": true, "from": true, "was": true,
	"were": true, "have": true, "has": true, "not": true, "but": true,
}

// Tokenize lowercases, splits on whitespace and punctuation, and drops
// tokens under 3 characters or in the fixed stopword set (spec §4.6).
// Exported so pkg/search can tokenize query strings with the exact same
// rules used to build the inverted index.
func Tokenize(fields ...string) []string { return tokenize(fields...) }

func tokenize(fields ...string) []string {
	var out []string
	seen := map[string]bool{}
	for _, field := range fields {
		for _, raw := range strings.FieldsFunc(strings.ToLower(field), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			if len(raw) < 3 || stopwords[raw] || seen[raw] {
				continue
			}
			seen[raw] = true
			out = append(out, raw)
		}
	}
	return out
}
