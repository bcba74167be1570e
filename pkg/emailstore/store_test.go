package emailstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/hashchain"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/idalloc"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/sidecar"
)

func newTestStore(t *testing.T, cfg Config) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	dataPath := filepath.Join(t.TempDir(), "data.db")
	engine, err := blockio.Open(ctx, dataPath, true, blockio.EngineOptions{})
	if err != nil {
		t.Fatalf("blockio.Open: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	kvPath := filepath.Join(t.TempDir(), "idx.db")
	kv, err := sidecar.OpenBboltStore(kvPath)
	if err != nil {
		t.Fatalf("OpenBboltStore: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	s := New(Options{
		Engine:  engine,
		Ids:     idalloc.New(),
		Indexes: sidecar.New(kv),
		Chain:   hashchain.New(kv),
		Config:  cfg,
	})
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s, ctx
}

func testEnvelope(messageID, folder string) Envelope {
	return Envelope{
		MessageID:  messageID,
		Subject:    "Quarterly invoice details",
		From:       "billing@example.com",
		To:         []string{"alice@example.com"},
		FolderPath: folder,
		Timestamp:  1_700_000_000,
	}
}

func TestAppendAndReadEmailWithinOpenBatch(t *testing.T) {
	s, ctx := newTestStore(t, Config{BlockSizeThreshold: 1 << 20})
	cid, err := s.AppendEmail(ctx, []byte("hello world"), testEnvelope("a@x", "/inbox"))
	if err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	got, err := s.ReadEmail(cid)
	if err != nil {
		t.Fatalf("ReadEmail: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("ReadEmail = %q, want %q", got, "hello world")
	}
}

func TestAppendAndReadEmailAfterSeal(t *testing.T) {
	s, ctx := newTestStore(t, Config{BlockSizeThreshold: 1})
	cid, err := s.AppendEmail(ctx, []byte("sealed body"), testEnvelope("b@x", "/inbox"))
	if err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	got, err := s.ReadEmail(cid)
	if err != nil {
		t.Fatalf("ReadEmail after seal: %v", err)
	}
	if string(got) != "sealed body" {
		t.Fatalf("ReadEmail = %q, want %q", got, "sealed body")
	}
}

func TestDuplicateEnvelopeRejected(t *testing.T) {
	s, ctx := newTestStore(t, Config{BlockSizeThreshold: 1 << 20})
	env := testEnvelope("dup@x", "/inbox")
	if _, err := s.AppendEmail(ctx, []byte("first"), env); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	_, err := s.AppendEmail(ctx, []byte("second"), env)
	if !dberrors.Is(err, dberrors.Policy) {
		t.Fatalf("expected Policy error for duplicate envelope, got %v", err)
	}
}

func TestDuplicateAcrossSealedBatches(t *testing.T) {
	s, ctx := newTestStore(t, Config{BlockSizeThreshold: 1})
	env := testEnvelope("dup2@x", "/inbox")
	if _, err := s.AppendEmail(ctx, []byte("first"), env); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	_, err := s.AppendEmail(ctx, []byte("second"), env)
	if !dberrors.Is(err, dberrors.Policy) {
		t.Fatalf("expected Policy error for duplicate envelope across sealed batches, got %v", err)
	}
}

func TestListFolderReturnsAppendedEnvelopes(t *testing.T) {
	s, ctx := newTestStore(t, Config{BlockSizeThreshold: 1})
	if _, err := s.AppendEmail(ctx, []byte("one"), testEnvelope("c@x", "/inbox")); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	if _, err := s.AppendEmail(ctx, []byte("two"), testEnvelope("d@x", "/inbox")); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	envs, err := s.ListFolder("/inbox")
	if err != nil {
		t.Fatalf("ListFolder: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("ListFolder returned %d envelopes, want 2", len(envs))
	}
}

func TestMoveEmailUpdatesFolders(t *testing.T) {
	s, ctx := newTestStore(t, Config{BlockSizeThreshold: 1})
	cid, err := s.AppendEmail(ctx, []byte("move me"), testEnvelope("e@x", "/inbox"))
	if err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	if err := s.MoveEmail(ctx, cid, "/archive"); err != nil {
		t.Fatalf("MoveEmail: %v", err)
	}

	inbox, err := s.ListFolder("/inbox")
	if err != nil {
		t.Fatalf("ListFolder(/inbox): %v", err)
	}
	if len(inbox) != 0 {
		t.Fatalf("expected /inbox empty after move, got %d", len(inbox))
	}
	archive, err := s.ListFolder("/archive")
	if err != nil {
		t.Fatalf("ListFolder(/archive): %v", err)
	}
	if len(archive) != 1 || archive[0].compoundID() != cid {
		t.Fatalf("expected moved email in /archive, got %+v", archive)
	}
}

func TestMoveEmailToSameFolderIsIdempotent(t *testing.T) {
	s, ctx := newTestStore(t, Config{BlockSizeThreshold: 1})
	cid, err := s.AppendEmail(ctx, []byte("stay put"), testEnvelope("f@x", "/inbox"))
	if err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	if err := s.MoveEmail(ctx, cid, "/inbox"); err != nil {
		t.Fatalf("MoveEmail to same folder: %v", err)
	}
	envs, err := s.ListFolder("/inbox")
	if err != nil {
		t.Fatalf("ListFolder: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("expected exactly one envelope after idempotent move, got %d", len(envs))
	}
}

func TestIdleTimeoutForceSealsOpenBatch(t *testing.T) {
	s, ctx := newTestStore(t, Config{BlockSizeThreshold: 1 << 20, IdleTimeout: 20 * time.Millisecond})
	cid, err := s.AppendEmail(ctx, []byte("idle body"), testEnvelope("g@x", "/inbox"))
	if err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	s.mu.Lock()
	stillOpen := cid.BlockID == s.currentBlockID && s.currentBlockID != 0
	s.mu.Unlock()
	if stillOpen {
		t.Fatalf("expected idle timeout to have sealed the batch")
	}

	got, err := s.ReadEmail(cid)
	if err != nil {
		t.Fatalf("ReadEmail after idle force-seal: %v", err)
	}
	if string(got) != "idle body" {
		t.Fatalf("ReadEmail = %q, want %q", got, "idle body")
	}
}

func TestCompressedBatchRoundTrips(t *testing.T) {
	s, ctx := newTestStore(t, Config{
		BlockSizeThreshold: 1,
		Compression:        blockio.CompressionGzip,
	})
	cid, err := s.AppendEmail(ctx, []byte("compressed body text, long enough to compress a little"), testEnvelope("h@x", "/inbox"))
	if err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	got, err := s.ReadEmail(cid)
	if err != nil {
		t.Fatalf("ReadEmail: %v", err)
	}
	if string(got) != "compressed body text, long enough to compress a little" {
		t.Fatalf("ReadEmail mismatch after compression round trip")
	}
}

func TestTokenizeDropsShortWordsAndStopwords(t *testing.T) {
	got := tokenize("The Invoice is due", "for you and me")
	want := map[string]bool{"invoice": true, "due": true}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v, want keys %v", got, want)
	}
	for _, tok := range got {
		if !want[tok] {
			t.Fatalf("unexpected token %q in %v", tok, got)
		}
	}
}
