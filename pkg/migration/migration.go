// Package migration implements spec §4.8's upgrade path: an in-place
// header rewrite when the on-disk major version matches this build, or a
// full block walk rewriting only the kinds whose format version changed
// when crossing exactly one major version. Downgrades and multi-major
// jumps are rejected outright. Every rewritten block keeps its original
// block id -- on this append-only engine, "rewrite" means appending a
// fresh frame under the same id, which simply repoints the in-memory
// location index and leaves the stale bytes as reclaimable space,
// exactly how the teacher's log-structured writers perform in-place
// logical updates without true random-access writes.
package migration

import (
	"context"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/idalloc"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/version"
)

// Plan is the outcome of PlanUpgrade: what Execute needs to do, decided
// up front so a caller can log or confirm it before committing any I/O.
type Plan struct {
	From, To    version.Version
	SameMajor   bool
	RewriteKind map[blockio.BlockKind]int32 // kind -> target format version, for kinds that changed
}

// PlanUpgrade validates the requested transition and determines which
// block kinds need rewriting (spec §4.8 compatibility rules).
func PlanUpgrade(from, to version.Version, currentFormatVersions, targetFormatVersions map[blockio.BlockKind]int32) (Plan, error) {
	const op = "migration.PlanUpgrade"
	if to.Major < from.Major {
		return Plan{}, dberrors.New(op, dberrors.Policy, nil, "downgrade across major versions is not supported").WithIdent(to.String())
	}
	if to.Major > from.Major+1 {
		return Plan{}, dberrors.New(op, dberrors.Policy, nil, "skipping major versions is not supported").WithIdent(to.String())
	}
	if to.Major == from.Major && to.Minor < from.Minor {
		return Plan{}, dberrors.New(op, dberrors.Policy, nil, "downgrade within a major version is not supported").WithIdent(to.String())
	}

	plan := Plan{From: from, To: to, SameMajor: to.Major == from.Major}
	if plan.SameMajor {
		return plan, nil
	}
	plan.RewriteKind = map[blockio.BlockKind]int32{}
	for kind, targetFV := range targetFormatVersions {
		if currentFormatVersions[kind] != targetFV {
			plan.RewriteKind[kind] = targetFV
		}
	}
	return plan, nil
}

// Engine is the slice of blockio.Engine Execute needs.
type Engine interface {
	Scan() ([]int64, error)
	Read(blockID int64) (blockio.Block, error)
	Append(ctx context.Context, b blockio.Block, fsync bool) (blockio.Location, error)
}

// BlockRewriter transforms one block's payload/version to match the
// target format version for its kind. The migration package owns the
// walk and the id/version bookkeeping; it has no opinion on how an
// individual kind's payload needs to change, so callers supply this.
type BlockRewriter interface {
	Rewrite(old blockio.Block, targetFormatVersion int32) (blockio.Block, error)
}

// PassthroughRewriter bumps only Block.Version, leaving Payload
// untouched; correct for kinds whose on-disk bytes didn't actually
// change shape between formats, only their declared version.
type PassthroughRewriter struct{}

func (PassthroughRewriter) Rewrite(old blockio.Block, targetFormatVersion int32) (blockio.Block, error) {
	old.Version = uint16(targetFormatVersion)
	return old, nil
}

// Execute carries out plan: for a same-major plan, only the metadata
// block's HeaderContent.FileVersion is bumped; for a cross-major plan,
// every block whose kind appears in plan.RewriteKind is walked and
// rewritten via rewriter, then the metadata block is updated last so a
// crash mid-migration leaves the old version visible on reopen rather
// than a half-migrated file claiming the new one.
func Execute(ctx context.Context, plan Plan, engine Engine, rewriter BlockRewriter, updateHeader func(blockio.Block) (blockio.Block, error)) error {
	const op = "migration.Execute"
	if rewriter == nil {
		rewriter = PassthroughRewriter{}
	}

	if !plan.SameMajor {
		ids, err := engine.Scan()
		if err != nil {
			return dberrors.New(op, dberrors.Io, err, "scan blocks")
		}
		for _, id := range ids {
			if id == idalloc.MetadataBlockID {
				continue
			}
			block, err := engine.Read(id)
			if err != nil {
				return dberrors.New(op, dberrors.Io, err, "read block during migration").WithIdent(itoa(id))
			}
			targetFV, rewrite := plan.RewriteKind[block.Kind]
			if !rewrite {
				continue
			}
			newBlock, err := rewriter.Rewrite(block, targetFV)
			if err != nil {
				return dberrors.New(op, dberrors.Internal, err, "rewrite block").WithIdent(itoa(id))
			}
			newBlock.BlockID = id
			if _, err := engine.Append(ctx, newBlock, true); err != nil {
				return dberrors.New(op, dberrors.Io, err, "append rewritten block").WithIdent(itoa(id))
			}
		}
	}

	header, err := engine.Read(idalloc.MetadataBlockID)
	if err != nil {
		return dberrors.New(op, dberrors.Io, err, "read metadata block").WithIdent(itoa(idalloc.MetadataBlockID))
	}
	newHeader, err := updateHeader(header)
	if err != nil {
		return dberrors.New(op, dberrors.Internal, err, "update header content")
	}
	newHeader.BlockID = idalloc.MetadataBlockID
	if _, err := engine.Append(ctx, newHeader, true); err != nil {
		return dberrors.New(op, dberrors.Io, err, "append updated metadata block")
	}
	return nil
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
