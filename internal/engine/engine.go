// Package engine wires pkg/blockio, pkg/codec, pkg/keymanager,
// pkg/idalloc, pkg/emailstore, pkg/sidecar, pkg/hashchain, pkg/version,
// pkg/migration and pkg/search into the single Database facade cmd/emaildb
// drives, the way the teacher's services compose their storage and index
// layers behind one constructor rather than making callers assemble the
// graph themselves.
package engine

import (
	"context"
	"path/filepath"
	"time"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/codec"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/config"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/emailid"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/emailstore"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/hashchain"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/idalloc"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/keymanager"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/migration"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/search"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/sidecar"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/telemetry"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/version"
)

// Database is the opened, ready-to-use EmailDB instance: the raw block
// engine, the secondary-index sidecar, the hash chain, the packer, and
// the search optimizer, all sharing one set of handles.
type Database struct {
	dataPath string
	idxPath  string

	Engine  *blockio.Engine
	KV      *sidecar.BboltStore
	Indexes *sidecar.Indexes
	Chain   *hashchain.Chain
	Keys    *keymanager.Manager
	Ids     *idalloc.Allocator
	Store   *emailstore.Store
	Search  *search.Optimizer

	cfg config.Options
	log *telemetry.Logger
	met *telemetry.Metrics
}

// OpenOptions are the knobs Open accepts beyond what config.Options
// already covers.
type OpenOptions struct {
	Config      config.Options
	Logger      *telemetry.Logger
	Metrics     *telemetry.Metrics
	Now         func() time.Time
	MasterKey   []byte // 32 bytes; required to bootstrap or unlock encryption
	Compression blockio.CompressionAlgorithm
	Encryption  blockio.EncryptionAlgorithm
	IdleTimeout time.Duration
}

// Open opens the block file (creating it only when createIfMissing is
// set) and the index sidecar under dir, reconciles the on-disk header's declared version against this
// build's supported range, and wires every subsystem together.
func Open(ctx context.Context, dir string, createIfMissing bool, opt OpenOptions) (*Database, error) {
	const op = "engine.Open"
	cfg := opt.Config
	if cfg.BlockSizeBytes == 0 {
		cfg = config.Default()
	}
	lg := opt.Logger
	if lg == nil {
		lg = telemetry.Nop
	}
	met := opt.Metrics
	if met == nil {
		met = telemetry.NewMetrics()
	}

	dataPath := filepath.Join(dir, "emaildb.blocks")
	idxPath := filepath.Join(dir, "emaildb.index")

	eng, err := blockio.Open(ctx, dataPath, createIfMissing, blockio.EngineOptions{Logger: lg, Metrics: met})
	if err != nil {
		return nil, err
	}
	kv, err := sidecar.OpenBboltStore(idxPath)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	ids := idalloc.New()
	for _, id := range mustScan(eng) {
		b, err := eng.Read(id)
		if err == nil {
			ids.Register(id, b.Kind)
		}
	}

	idx := sidecar.New(kv)
	chain := hashchain.New(kv)
	keys := keymanager.New()

	header, err := loadOrBootstrapHeader(ctx, eng, ids, keys, opt.MasterKey)
	if err != nil {
		_ = kv.Close()
		_ = eng.Close()
		return nil, err
	}
	onDisk := version.Unpack(header.FileVersion)
	if _, err := version.CheckCompatibility(onDisk); err != nil {
		_ = kv.Close()
		_ = eng.Close()
		return nil, err
	}

	now := opt.Now
	if now == nil {
		now = time.Now
	}
	idleTimeout := opt.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = emailstore.DefaultIdleTimeout
	}

	store := emailstore.New(emailstore.Options{
		Engine:  eng,
		Ids:     ids,
		Indexes: idx,
		Chain:   chain,
		Keys:    keys,
		Config: emailstore.Config{
			Compression:        opt.Compression,
			Encryption:         opt.Encryption,
			BlockSizeThreshold: int(cfg.BlockSizeBytes),
			IdleTimeout:        idleTimeout,
		},
		Logger:  lg,
		Metrics: met,
		Now:     now,
	})

	opt2, err := search.New(idx, eng, keymanagerOrNoKeys(keys, opt.Encryption), cfg.EnvelopeCacheEntries)
	if err != nil {
		_ = kv.Close()
		_ = eng.Close()
		return nil, dberrors.New(op, dberrors.Internal, err, "construct search optimizer")
	}

	return &Database{
		dataPath: dataPath,
		idxPath:  idxPath,
		Engine:   eng,
		KV:       kv,
		Indexes:  idx,
		Chain:    chain,
		Keys:     keys,
		Ids:      ids,
		Store:    store,
		Search:   opt2,
		cfg:      cfg,
		log:      lg,
		met:      met,
	}, nil
}

func keymanagerOrNoKeys(keys *keymanager.Manager, enc blockio.EncryptionAlgorithm) codec.KeyProvider {
	if enc == blockio.EncryptionNone {
		return codec.NoKeys
	}
	return keys
}

func mustScan(eng *blockio.Engine) []int64 {
	ids, _ := eng.Scan()
	return ids
}

// loadOrBootstrapHeader reads the metadata block written at
// idalloc.MetadataBlockID and, when masterKey is 32 bytes, unlocks keys
// from the latest key-manager block. If the metadata block cannot be
// read it writes fresh header and metadata blocks, preceded by a
// key-manager block for a newly bootstrapped, unlocked vault only when
// masterKey is 32 bytes.
func loadOrBootstrapHeader(ctx context.Context, eng *blockio.Engine, ids *idalloc.Allocator, keys *keymanager.Manager, masterKey []byte) (version.HeaderContent, error) {
	const op = "engine.loadOrBootstrapHeader"
	existing, err := eng.Read(idalloc.MetadataBlockID)
	if err == nil {
		var h version.HeaderContent
		if err := codec.Decode(existing.Payload, existing.PayloadEncoding, existing.Flags.Compression(), existing.Flags.Encryption(), existing.BlockID, codec.NoKeys, &h); err != nil {
			return version.HeaderContent{}, dberrors.New(op, dberrors.Framing, err, "decode header block")
		}
		if len(masterKey) == 32 {
			kmBlockID, ok, lookupErr := findLatest(eng, blockio.KindKeyManager)
			if lookupErr != nil {
				return version.HeaderContent{}, lookupErr
			}
			if ok {
				kmBlock, err := eng.Read(kmBlockID)
				if err != nil {
					return version.HeaderContent{}, dberrors.New(op, dberrors.Io, err, "read key manager block")
				}
				var content keymanager.KeyManagerContent
				if err := codec.Decode(kmBlock.Payload, kmBlock.PayloadEncoding, kmBlock.Flags.Compression(), kmBlock.Flags.Encryption(), kmBlock.BlockID, codec.NoKeys, &content); err != nil {
					return version.HeaderContent{}, dberrors.New(op, dberrors.Framing, err, "decode key manager block")
				}
				if err := keys.Unlock(masterKey, content); err != nil {
					return version.HeaderContent{}, err
				}
			}
		}
		return h, nil
	}

	now := time.Now().Unix()
	h := version.HeaderContent{
		FileVersion:         version.Current.Pack(),
		CreatedAt:           now,
		ModifiedAt:          now,
		Capabilities:        uint64(version.DefaultCapabilities),
		BlockFormatVersions: map[uint8]int32{},
		Metadata:            map[string]string{},
	}
	if len(masterKey) == 32 {
		if err := keys.Bootstrap(masterKey); err != nil {
			return version.HeaderContent{}, err
		}
		h.Capabilities |= uint64(version.CapInBandKeyManagement)
		kmID, err := ids.Next(blockio.KindKeyManager)
		if err != nil {
			return version.HeaderContent{}, err
		}
		kmPayload, err := codec.Encode(keys.ToContent(), blockio.EncodingJSON, blockio.CompressionNone, blockio.EncryptionNone, kmID, codec.NoKeys)
		if err != nil {
			return version.HeaderContent{}, err
		}
		if _, err := eng.Append(ctx, blockio.Block{
			Version:         uint16(version.Current.Pack()),
			Kind:            blockio.KindKeyManager,
			PayloadEncoding: blockio.EncodingJSON,
			Timestamp:       now,
			BlockID:         kmID,
			Payload:         kmPayload,
		}, true); err != nil {
			return version.HeaderContent{}, err
		}
	}

	headerID, err := ids.Next(blockio.KindHeader)
	if err != nil {
		return version.HeaderContent{}, err
	}
	if _, err := eng.Append(ctx, blockio.Block{
		Version:         uint16(version.Current.Pack()),
		Kind:            blockio.KindHeader,
		PayloadEncoding: blockio.EncodingRaw,
		Timestamp:       now,
		BlockID:         headerID,
	}, true); err != nil {
		return version.HeaderContent{}, err
	}

	metaID, err := ids.Next(blockio.KindMetadata)
	if err != nil {
		return version.HeaderContent{}, err
	}
	payload, err := codec.Encode(h, blockio.EncodingJSON, blockio.CompressionNone, blockio.EncryptionNone, metaID, codec.NoKeys)
	if err != nil {
		return version.HeaderContent{}, dberrors.New(op, dberrors.Internal, err, "encode header content")
	}
	if _, err := eng.Append(ctx, blockio.Block{
		Version:         uint16(version.Current.Pack()),
		Kind:            blockio.KindMetadata,
		PayloadEncoding: blockio.EncodingJSON,
		Timestamp:       now,
		BlockID:         metaID,
		Payload:         payload,
	}, true); err != nil {
		return version.HeaderContent{}, dberrors.New(op, dberrors.Io, err, "append header block")
	}
	return h, nil
}

func findLatest(eng *blockio.Engine, kind blockio.BlockKind) (int64, bool, error) {
	ids, err := eng.Scan()
	if err != nil {
		return 0, false, dberrors.New("engine.findLatest", dberrors.Io, err, "scan")
	}
	var found int64
	var ok bool
	for _, id := range ids {
		b, err := eng.Read(id)
		if err != nil {
			continue
		}
		if b.Kind == kind {
			found = id
			ok = true
		}
	}
	return found, ok, nil
}

// Close force-seals any open batch and releases every underlying handle.
func (db *Database) Close(ctx context.Context) error {
	var firstErr error
	if err := db.Store.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.KV.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.Engine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Verify re-validates the hash chain against the on-disk blocks it
// references (spec §4.7), suitable for the `emaildb verify` CLI
// subcommand.
func (db *Database) Verify() (hashchain.VerifyResult, error) {
	return db.Chain.Verify(blockHasher{eng: db.Engine, keys: db.Keys})
}

type blockHasher struct {
	eng  *blockio.Engine
	keys codec.KeyProvider
}

func (h blockHasher) HashBlock(blockID int64) (hashchain.HeaderFields, [32]byte, error) {
	const op = "engine.blockHasher.HashBlock"
	b, err := h.eng.Read(blockID)
	if err != nil {
		return hashchain.HeaderFields{}, [32]byte{}, dberrors.New(op, dberrors.Io, err, "read block")
	}
	fields := hashchain.HeaderFields{
		Version:         b.Version,
		Kind:            b.Kind,
		Flags:           b.Flags,
		PayloadEncoding: b.PayloadEncoding,
		Timestamp:       b.Timestamp,
		BlockID:         b.BlockID,
	}
	keys := h.keys
	if !b.Flags.Encrypted() {
		keys = codec.NoKeys
	}
	if b.Kind == blockio.KindEmailBatch {
		hashes, err := emailstore.DecodeBatchEntryHashes(b, keys)
		if err != nil {
			return hashchain.HeaderFields{}, [32]byte{}, err
		}
		return fields, hashchain.BatchPayloadHash(hashes), nil
	}
	return fields, hashchain.PayloadHash(b.Payload), nil
}

// Compact rewrites the block file with no dead space, matching spec
// §4.9's compaction mode.
func (db *Database) Compact(ctx context.Context, targetPath string) error {
	return db.Engine.Compact(ctx, targetPath)
}

// Migrate plans and executes an upgrade to pkg/version.Current, per spec
// §4.8.
func (db *Database) Migrate(ctx context.Context, from version.Version, currentFormatVersions, targetFormatVersions map[blockio.BlockKind]int32) error {
	plan, err := migration.PlanUpgrade(from, version.Current, currentFormatVersions, targetFormatVersions)
	if err != nil {
		return err
	}
	return migration.Execute(ctx, plan, db.Engine, migration.PassthroughRewriter{}, func(b blockio.Block) (blockio.Block, error) {
		var h version.HeaderContent
		if err := codec.Decode(b.Payload, b.PayloadEncoding, b.Flags.Compression(), b.Flags.Encryption(), b.BlockID, codec.NoKeys, &h); err != nil {
			return blockio.Block{}, err
		}
		h.FileVersion = version.Current.Pack()
		h.ModifiedAt = time.Now().Unix()
		payload, err := codec.Encode(h, blockio.EncodingJSON, blockio.CompressionNone, blockio.EncryptionNone, b.BlockID, codec.NoKeys)
		if err != nil {
			return blockio.Block{}, err
		}
		b.PayloadEncoding = blockio.EncodingJSON
		b.Payload = payload
		return b, nil
	})
}

// CompoundIDString is a small formatting helper so cmd/emaildb doesn't
// need to import pkg/emailid directly just to print an id.
func CompoundIDString(id emailid.CompoundID) string { return id.String() }
