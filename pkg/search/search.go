// Package search implements the search optimizer (spec §4.9):
// conjunctive term lookups against the full-text index, term-frequency
// plus recency scoring, top-K trimming before hydration, and an LRU
// cache of recently-read envelope blocks so a query that matches many
// emails in the same folder pays for one block read instead of one per
// hit. The cache is github.com/hashicorp/golang-lru/v2, the same
// library the turbo-geth and erigon examples in the corpus depend on
// for their block/state caches.
package search

import (
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/blockio"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/codec"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/dberrors"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/emailid"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/emailstore"
	"github.com/NetNinjaCorp/EmailDB-sub006/pkg/sidecar"
)

// DefaultCacheSize is the LRU's capacity (spec §4.9 "LRU of ~100").
const DefaultCacheSize = 100

// Engine is the slice of blockio.Engine the optimizer needs.
type Engine interface {
	Read(blockID int64) (blockio.Block, error)
}

// Optimizer answers conjunctive term queries over the secondary indexes.
type Optimizer struct {
	idx    *sidecar.Indexes
	engine Engine
	keys   codec.KeyProvider
	cache  *lru.Cache[int64, []emailstore.Envelope]
}

// New builds an Optimizer with an envelope-block cache of cacheSize
// entries (DefaultCacheSize if <= 0).
func New(idx *sidecar.Indexes, engine Engine, keys codec.KeyProvider, cacheSize int) (*Optimizer, error) {
	const op = "search.New"
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if keys == nil {
		keys = codec.NoKeys
	}
	c, err := lru.New[int64, []emailstore.Envelope](cacheSize)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "construct envelope block cache")
	}
	return &Optimizer{idx: idx, engine: engine, keys: keys, cache: c}, nil
}

// Result is one ranked hit: the matched envelope plus its score.
type Result struct {
	Envelope emailstore.Envelope
	Score    float64
}

// Search parses query into tokens the same way indexing does, looks up
// each token's posting set, intersects them (conjunctive AND), scores by
// term frequency with a mild block-id recency boost, trims to topK, then
// hydrates each surviving hit's envelope by grouping compound ids by
// their envelope block (spec §4.9).
func (o *Optimizer) Search(query string, topK int) ([]Result, error) {
	const op = "search.Search"
	tokens := emailstore.Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	postings := make([]map[emailid.CompoundID]bool, len(tokens))
	for i, tok := range tokens {
		ids, err := o.idx.TermsContaining(tok)
		if err != nil {
			return nil, dberrors.New(op, dberrors.Internal, err, "terms_containing").WithIdent(tok)
		}
		set := make(map[emailid.CompoundID]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		postings[i] = set
	}

	// Conjunctive AND: start from the smallest set and intersect the rest.
	sort.Slice(postings, func(i, j int) bool { return len(postings[i]) < len(postings[j]) })
	matched := postings[0]
	for _, set := range postings[1:] {
		next := map[emailid.CompoundID]bool{}
		for id := range matched {
			if set[id] {
				next[id] = true
			}
		}
		matched = next
		if len(matched) == 0 {
			return nil, nil
		}
	}

	type scored struct {
		id    emailid.CompoundID
		score float64
	}
	var hits []scored
	var maxBlockID int64
	for id := range matched {
		if id.BlockID > maxBlockID {
			maxBlockID = id.BlockID
		}
	}
	for id := range matched {
		tf := 0
		for _, set := range postings {
			if set[id] {
				tf++
			}
		}
		recency := 0.0
		if maxBlockID > 0 {
			recency = float64(id.BlockID) / float64(maxBlockID)
		}
		hits = append(hits, scored{id: id, score: float64(tf) + 0.1*recency})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].id.BlockID != hits[j].id.BlockID {
			return hits[i].id.BlockID < hits[j].id.BlockID
		}
		return hits[i].id.LocalID < hits[j].id.LocalID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	byEnvelopeBlock := map[int64][]scored{}
	for _, h := range hits {
		blockID, ok, err := o.idx.EnvelopeBlockOf(h.id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		byEnvelopeBlock[blockID] = append(byEnvelopeBlock[blockID], h)
	}

	envelopeByID := map[emailid.CompoundID]emailstore.Envelope{}
	for blockID, group := range byEnvelopeBlock {
		envelopes, err := o.envelopesOf(blockID)
		if err != nil {
			return nil, err
		}
		want := map[emailid.CompoundID]bool{}
		for _, h := range group {
			want[h.id] = true
		}
		for _, e := range envelopes {
			cid := emailid.CompoundID{BlockID: e.BlockID, LocalID: e.LocalID}
			if want[cid] {
				envelopeByID[cid] = e
			}
		}
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		env, ok := envelopeByID[h.id]
		if !ok {
			continue
		}
		out = append(out, Result{Envelope: env, Score: h.score})
	}
	return out, nil
}

// envelopesOf returns blockID's envelope list, serving from the LRU
// cache when possible (spec §4.9 "one block read per group").
func (o *Optimizer) envelopesOf(blockID int64) ([]emailstore.Envelope, error) {
	const op = "search.envelopesOf"
	if cached, ok := o.cache.Get(blockID); ok {
		return cached, nil
	}
	block, err := o.engine.Read(blockID)
	if err != nil {
		return nil, dberrors.New(op, dberrors.Io, err, "read envelope block").WithIdent(itoa(blockID))
	}
	var list emailstore.FolderEnvelopeList
	if err := codec.Decode(block.Payload, blockio.EncodingJSON, blockio.CompressionNone, blockio.EncryptionNone, blockID, o.keys, &list); err != nil {
		return nil, dberrors.New(op, dberrors.Internal, err, "decode envelope block")
	}
	o.cache.Add(blockID, list.Envelopes)
	return list.Envelopes, nil
}

// AdvancedSearch runs the term-based conjunctive search over terms,
// keeps only results whose folder path starts with folderPrefix (all of
// them when folderPrefix is empty) and trims to topK. No other field
// filter (message id, participants, subject, date range) is applied.
func (o *Optimizer) AdvancedSearch(terms []string, folderPrefix string, topK int) ([]Result, error) {
	results, err := o.Search(strings.Join(terms, " "), 0)
	if err != nil {
		return nil, err
	}
	if folderPrefix == "" {
		if topK > 0 && len(results) > topK {
			results = results[:topK]
		}
		return results, nil
	}
	var filtered []Result
	for _, r := range results {
		if strings.HasPrefix(r.Envelope.FolderPath, folderPrefix) {
			filtered = append(filtered, r)
		}
	}
	if topK > 0 && len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered, nil
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
