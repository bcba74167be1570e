package telemetry

import "sync/atomic"

// Metrics is a small set of in-process counters tracking engine activity:
// appends, reads, checksum failures, batch seals, index reconcile passes,
// and envelope-cache hit/miss. There is no external backend wired (see
// DESIGN.md); Snapshot returns a point-in-time copy suitable for the CLI's
// "open" subcommand or for tests.
type Metrics struct {
	appends          int64
	reads            int64
	checksumFailures int64
	batchesSealed    int64
	indexReconciles  int64
	cacheHits        int64
	cacheMisses      int64
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncAppend()          { atomic.AddInt64(&m.appends, 1) }
func (m *Metrics) IncRead()            { atomic.AddInt64(&m.reads, 1) }
func (m *Metrics) IncChecksumFailure() { atomic.AddInt64(&m.checksumFailures, 1) }
func (m *Metrics) IncBatchSealed()     { atomic.AddInt64(&m.batchesSealed, 1) }
func (m *Metrics) IncIndexReconcile()  { atomic.AddInt64(&m.indexReconciles, 1) }
func (m *Metrics) IncCacheHit()        { atomic.AddInt64(&m.cacheHits, 1) }
func (m *Metrics) IncCacheMiss()       { atomic.AddInt64(&m.cacheMisses, 1) }

// Snapshot returns a stable, independently-readable copy of every counter.
func (m *Metrics) Snapshot() map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return map[string]int64{
		"appends":           atomic.LoadInt64(&m.appends),
		"reads":             atomic.LoadInt64(&m.reads),
		"checksum_failures": atomic.LoadInt64(&m.checksumFailures),
		"batches_sealed":    atomic.LoadInt64(&m.batchesSealed),
		"index_reconciles":  atomic.LoadInt64(&m.indexReconciles),
		"cache_hits":        atomic.LoadInt64(&m.cacheHits),
		"cache_misses":      atomic.LoadInt64(&m.cacheMisses),
	}
}
