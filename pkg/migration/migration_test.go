package migration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/idalloc"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/version"
)

func newTestEngine(t *testing.T) (*blockio.Engine, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.db")
	e, err := blockio.Open(ctx, path, true, blockio.EngineOptions{})
	if err != nil {
		t.Fatalf("blockio.Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, ctx
}

func seedMetadata(t *testing.T, e *blockio.Engine, ctx context.Context, fileVersion int32) {
	t.Helper()
	_, err := e.Append(ctx, blockio.Block{
		Version:         1,
		Kind:            blockio.KindMetadata,
		PayloadEncoding: blockio.EncodingRaw,
		BlockID:         idalloc.MetadataBlockID,
		Payload:         []byte{byte(fileVersion)},
	}, true)
	if err != nil {
		t.Fatalf("seed metadata: %v", err)
	}
}

func TestPlanUpgradeSameMajorNeedsNoBlockWalk(t *testing.T) {
	from := version.Version{Major: 2, Minor: 0, Patch: 0}
	to := version.Version{Major: 2, Minor: 1, Patch: 0}
	plan, err := PlanUpgrade(from, to, nil, nil)
	if err != nil {
		t.Fatalf("PlanUpgrade: %v", err)
	}
	if !plan.SameMajor || plan.RewriteKind != nil {
		t.Fatalf("expected same-major plan with no rewrite set, got %+v", plan)
	}
}

func TestPlanUpgradeCrossMajorSelectsChangedKinds(t *testing.T) {
	from := version.Version{Major: 2, Minor: 0, Patch: 0}
	to := version.Version{Major: 3, Minor: 0, Patch: 0}
	current := map[blockio.BlockKind]int32{blockio.KindEmailBatch: 1, blockio.KindFolderEnvelope: 1}
	target := map[blockio.BlockKind]int32{blockio.KindEmailBatch: 2, blockio.KindFolderEnvelope: 1}
	plan, err := PlanUpgrade(from, to, current, target)
	if err != nil {
		t.Fatalf("PlanUpgrade: %v", err)
	}
	if plan.SameMajor {
		t.Fatalf("expected cross-major plan")
	}
	if fv, ok := plan.RewriteKind[blockio.KindEmailBatch]; !ok || fv != 2 {
		t.Fatalf("expected KindEmailBatch queued for rewrite, got %+v", plan.RewriteKind)
	}
	if _, ok := plan.RewriteKind[blockio.KindFolderEnvelope]; ok {
		t.Fatalf("did not expect unchanged kind queued for rewrite")
	}
}

func TestPlanUpgradeRejectsDowngradeAndMajorSkip(t *testing.T) {
	v2 := version.Version{Major: 2}
	v1 := version.Version{Major: 1}
	v4 := version.Version{Major: 4}
	if _, err := PlanUpgrade(v2, v1, nil, nil); !dberrors.Is(err, dberrors.Policy) {
		t.Fatalf("expected Policy error for downgrade, got %v", err)
	}
	if _, err := PlanUpgrade(v2, v4, nil, nil); !dberrors.Is(err, dberrors.Policy) {
		t.Fatalf("expected Policy error for major skip, got %v", err)
	}
}

func TestExecuteSameMajorOnlyRewritesHeader(t *testing.T) {
	e, ctx := newTestEngine(t)
	seedMetadata(t, e, ctx, 0x02000000)
	batchID := int64(10_000_000_000_005)
	if _, err := e.Append(ctx, blockio.Block{
		Version: 1, Kind: blockio.KindEmailBatch, PayloadEncoding: blockio.EncodingRaw,
		BlockID: batchID, Payload: []byte("original"),
	}, true); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	plan, err := PlanUpgrade(version.Version{Major: 2, Minor: 0}, version.Version{Major: 2, Minor: 1}, nil, nil)
	if err != nil {
		t.Fatalf("PlanUpgrade: %v", err)
	}
	err = Execute(ctx, plan, e, nil, func(b blockio.Block) (blockio.Block, error) {
		b.Payload = []byte{0x02, 0x01, 0x00}
		return b, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	batch, err := e.Read(batchID)
	if err != nil {
		t.Fatalf("Read batch: %v", err)
	}
	if string(batch.Payload) != "original" {
		t.Fatalf("expected batch block untouched by same-major migration, got %q", batch.Payload)
	}
	header, err := e.Read(idalloc.MetadataBlockID)
	if err != nil {
		t.Fatalf("Read header: %v", err)
	}
	if len(header.Payload) != 3 || header.Payload[1] != 0x01 {
		t.Fatalf("expected header payload updated, got %v", header.Payload)
	}
}

func TestExecuteCrossMajorRewritesSelectedKindsOnly(t *testing.T) {
	e, ctx := newTestEngine(t)
	seedMetadata(t, e, ctx, 0x02000000)

	batchID := int64(10_000_000_000_005)
	if _, err := e.Append(ctx, blockio.Block{
		Version: 1, Kind: blockio.KindEmailBatch, PayloadEncoding: blockio.EncodingRaw,
		BlockID: batchID, Payload: []byte("batch-v1"),
	}, true); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	folderID := int64(60_000_000_000_002)
	if _, err := e.Append(ctx, blockio.Block{
		Version: 1, Kind: blockio.KindFolderEnvelope, PayloadEncoding: blockio.EncodingRaw,
		BlockID: folderID, Payload: []byte("folder-v1"),
	}, true); err != nil {
		t.Fatalf("seed folder block: %v", err)
	}

	plan, err := PlanUpgrade(
		version.Version{Major: 2}, version.Version{Major: 3},
		map[blockio.BlockKind]int32{blockio.KindEmailBatch: 1, blockio.KindFolderEnvelope: 1},
		map[blockio.BlockKind]int32{blockio.KindEmailBatch: 2, blockio.KindFolderEnvelope: 1},
	)
	if err != nil {
		t.Fatalf("PlanUpgrade: %v", err)
	}
	err = Execute(ctx, plan, e, PassthroughRewriter{}, func(b blockio.Block) (blockio.Block, error) {
		b.Payload = []byte{0x03, 0x00, 0x00}
		return b, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	batch, err := e.Read(batchID)
	if err != nil {
		t.Fatalf("Read batch: %v", err)
	}
	if batch.Version != 2 {
		t.Fatalf("expected batch block version bumped to 2, got %d", batch.Version)
	}
	if string(batch.Payload) != "batch-v1" {
		t.Fatalf("expected PassthroughRewriter to leave payload untouched, got %q", batch.Payload)
	}
	if batch.BlockID != batchID {
		t.Fatalf("expected compound-id-bearing block id preserved, got %d want %d", batch.BlockID, batchID)
	}

	folder, err := e.Read(folderID)
	if err != nil {
		t.Fatalf("Read folder block: %v", err)
	}
	if folder.Version != 1 || string(folder.Payload) != "folder-v1" {
		t.Fatalf("expected unchanged-version kind left alone, got version=%d payload=%q", folder.Version, folder.Payload)
	}
}
