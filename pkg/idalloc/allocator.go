// Package idalloc implements the range-partitioned 64-bit block-ID
// allocator described in spec §4.4: each block kind owns a disjoint
// window of the ID space, system blocks occupy fixed low IDs, and the
// allocator is an owned value passed into the engine at construction
// rather than a process-wide singleton (spec §9 Design Note).
package idalloc

import (
	"sync"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
)

// windowWidth is the width of each kind's ID range: 10^13, per spec §4.4.
const windowWidth = int64(10_000_000_000_000)

// Fixed low IDs for the system blocks named in spec §4.4.
const (
	HeaderBlockID     int64 = 0
	MetadataBlockID   int64 = 1
	FolderTreeBlockID int64 = 2
	WALBlockID        int64 = 3
)

// windowed lists the block kinds that draw from a dedicated 10^13-wide
// window, in window-index order. The only kind not listed here is
// KindHeader: Next issues its fixed ID once and has no window to draw
// from after that.
var windowed = []blockio.BlockKind{
	blockio.KindFolder,
	blockio.KindSegment,
	blockio.KindCleanup,
	blockio.KindEmailBatch,
	blockio.KindFolderEnvelope,
	blockio.KindKeyManager,
	blockio.KindKeyExchange,
	blockio.KindZonetreeKV,
	blockio.KindZonetreeVector,
	blockio.KindFreeSpace,
	// These three also have a fixed genesis ID (below); once that single
	// ID is issued, subsequent blocks of the same kind (a migration's
	// rewritten metadata block, a rebuilt folder-tree, ...) draw from
	// their own window instead of colliding with it.
	blockio.KindMetadata,
	blockio.KindFolderTree,
	blockio.KindWAL,
}

func windowIndex(k blockio.BlockKind) (int64, bool) {
	for i, w := range windowed {
		if w == k {
			return int64(i), true
		}
	}
	return 0, false
}

// windowStart returns the first ID in kind's window. The header kind has
// no window; metadata, folder-tree and wal have one, which Next draws
// from once their fixed ID has been issued.
func windowStart(k blockio.BlockKind) (int64, bool) {
	idx, ok := windowIndex(k)
	if !ok {
		return 0, false
	}
	// Window 0 begins just past the highest fixed system ID so the two
	// spaces never overlap, regardless of how many fixed IDs exist.
	return (idx + 1) * windowWidth, true
}

// Allocator is a single, owned counter set; the caller constructs one per
// open database rather than sharing a process-wide instance.
type Allocator struct {
	mu       sync.Mutex
	counters map[blockio.BlockKind]int64 // next unissued ID within the kind's window
	fixed    map[blockio.BlockKind]bool  // kinds issued once via their fixed ID
}

// New returns an allocator with every window counter at its start.
func New() *Allocator {
	a := &Allocator{
		counters: make(map[blockio.BlockKind]int64, len(windowed)),
		fixed:    make(map[blockio.BlockKind]bool, 4),
	}
	for _, k := range windowed {
		start, _ := windowStart(k)
		a.counters[k] = start
	}
	return a
}

// Next issues the next unused ID for kind. The header, metadata,
// folder-tree, and WAL kinds issue their fixed well-known ID exactly
// once (the bootstrap block of a fresh file); every later call for one
// of those kinds, and every call for a purely windowed kind, draws from
// that kind's window instead.
func (a *Allocator) Next(kind blockio.BlockKind) (int64, error) {
	const op = "idalloc.Next"
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok := fixedID(kind); ok && !a.fixed[kind] {
		a.fixed[kind] = true
		return id, nil
	}

	cur, ok := a.counters[kind]
	if !ok {
		return 0, dberrors.New(op, dberrors.Policy, nil, "block kind has no allocator window").WithIdent(kind.String())
	}
	a.counters[kind] = cur + 1
	return cur, nil
}

// Register bumps the allocator's state past id so that a subsequent
// Next(kind) never reissues an ID already observed on disk. Used during
// recovery scan to replay prior allocations (spec §4.4).
func (a *Allocator) Register(id int64, kind blockio.BlockKind) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if fid, ok := fixedID(kind); ok && id == fid {
		a.fixed[kind] = true
		return
	}
	if cur, ok := a.counters[kind]; ok && id >= cur {
		a.counters[kind] = id + 1
	}
}

// IDMatchesKind reports whether id falls within kind's valid range
// (fixed ID or window), per spec §4.4 validation contract.
func IDMatchesKind(id int64, kind blockio.BlockKind) bool {
	if fid, ok := fixedID(kind); ok && id == fid {
		return true
	}
	start, ok := windowStart(kind)
	if !ok {
		return false
	}
	return id >= start && id < start+windowWidth
}

func fixedID(kind blockio.BlockKind) (int64, bool) {
	switch kind {
	case blockio.KindHeader:
		return HeaderBlockID, true
	case blockio.KindMetadata:
		return MetadataBlockID, true
	case blockio.KindFolderTree:
		return FolderTreeBlockID, true
	case blockio.KindWAL:
		return WALBlockID, true
	default:
		return 0, false
	}
}
