package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/codec"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/emailstore"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/hashchain"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/idalloc"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/sidecar"
)

func newTestStoreAndOptimizer(t *testing.T) (*emailstore.Store, *Optimizer, context.Context) {
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

	idx := sidecar.New(kv)
	s := emailstore.New(emailstore.Options{
		Engine:  engine,
		Ids:     idalloc.New(),
		Indexes: idx,
		Chain:   hashchain.New(kv),
		Config:  emailstore.Config{BlockSizeThreshold: 1},
	})
	t.Cleanup(func() { _ = s.Close(ctx) })

	opt, err := New(idx, engine, codec.NoKeys, 0)
	if err != nil {
		t.Fatalf("search.New: %v", err)
	}
	return s, opt, ctx
}

func env(messageID, subject, folder string) emailstore.Envelope {
	return emailstore.Envelope{
		MessageID:  messageID,
		Subject:    subject,
		From:       "billing@example.com",
		To:         []string{"alice@example.com"},
		FolderPath: folder,
		Timestamp:  1_700_000_000,
	}
}

func TestSearchReturnsConjunctiveMatches(t *testing.T) {
	s, opt, ctx := newTestStoreAndOptimizer(t)

	if _, err := s.AppendEmail(ctx, []byte("body one"), env("a@x", "Quarterly invoice payment", "/inbox")); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	if _, err := s.AppendEmail(ctx, []byte("body two"), env("b@x", "Quarterly report summary", "/inbox")); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	if _, err := s.AppendEmail(ctx, []byte("body three"), env("c@x", "Lunch plans tomorrow", "/inbox")); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}

	results, err := opt.Search("quarterly invoice", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Search(quarterly invoice) = %d results, want 1: %+v", len(results), results)
	}
	if results[0].Envelope.MessageID != "a@x" {
		t.Fatalf("Search matched %q, want a@x", results[0].Envelope.MessageID)
	}
}

func TestSearchEmptyWhenNoConjunctiveMatch(t *testing.T) {
	s, opt, ctx := newTestStoreAndOptimizer(t)
	if _, err := s.AppendEmail(ctx, []byte("body"), env("a@x", "Quarterly invoice payment", "/inbox")); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}

	results, err := opt.Search("quarterly lunch", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no matches for disjoint terms, got %+v", results)
	}
}

func TestSearchTopKTrimsBeforeHydration(t *testing.T) {
	s, opt, ctx := newTestStoreAndOptimizer(t)
	for i := 0; i < 5; i++ {
		messageID := string(rune('a'+i)) + "@x"
		if _, err := s.AppendEmail(ctx, []byte("body"), env(messageID, "Quarterly invoice notice", "/inbox")); err != nil {
			t.Fatalf("AppendEmail: %v", err)
		}
	}

	results, err := opt.Search("quarterly", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search with topK=2 returned %d results, want 2", len(results))
	}
}

func TestSearchHydratesAcrossFolders(t *testing.T) {
	s, opt, ctx := newTestStoreAndOptimizer(t)
	if _, err := s.AppendEmail(ctx, []byte("body"), env("a@x", "Quarterly invoice payment", "/inbox")); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	if _, err := s.AppendEmail(ctx, []byte("body"), env("b@x", "Quarterly invoice renewal", "/archive")); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}

	results, err := opt.Search("quarterly invoice", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search across folders returned %d results, want 2", len(results))
	}
	folders := map[string]bool{}
	for _, r := range results {
		folders[r.Envelope.FolderPath] = true
	}
	if !folders["/inbox"] || !folders["/archive"] {
		t.Fatalf("expected hits from both folders, got %+v", results)
	}
}

func TestAdvancedSearchFiltersByFolderPrefix(t *testing.T) {
	s, opt, ctx := newTestStoreAndOptimizer(t)
	if _, err := s.AppendEmail(ctx, []byte("body"), env("a@x", "Quarterly invoice payment", "/inbox/bills")); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}
	if _, err := s.AppendEmail(ctx, []byte("body"), env("b@x", "Quarterly invoice renewal", "/archive/bills")); err != nil {
		t.Fatalf("AppendEmail: %v", err)
	}

	results, err := opt.AdvancedSearch([]string{"quarterly", "invoice"}, "/inbox", 10)
	if err != nil {
		t.Fatalf("AdvancedSearch: %v", err)
	}
	if len(results) != 1 || results[0].Envelope.MessageID != "a@x" {
		t.Fatalf("AdvancedSearch with folder prefix = %+v, want only a@x", results)
	}
}

func TestSearchEmptyQueryReturnsNoResults(t *testing.T) {
	_, opt, _ := newTestStoreAndOptimizer(t)
	results, err := opt.Search("   ", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results for empty query, got %+v", results)
	}
}
