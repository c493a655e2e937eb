// Package performance tracks cache effectiveness and process health for the
// running session.
package performance

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Counters accumulates cache activity. All methods are safe for concurrent
// use; the zero value is ready.
type Counters struct {
	started atomic.Int64

	requests          atomic.Uint64
	attrHits          atomic.Uint64
	attrMisses        atomic.Uint64
	rowsFromCache     atomic.Uint64
	rowsFetched       atomic.Uint64
	upstreamCalls     atomic.Uint64
	upstreamFailures  atomic.Uint64
	writeBackFailures atomic.Uint64
	fetchNanos        atomic.Int64
}

// NewCounters creates counters starting now.
func NewCounters() *Counters {
	c := &Counters{}
	c.started.Store(time.Now().UnixNano())
	return c
}

// Request records one served request.
func (c *Counters) Request() { c.requests.Add(1) }

// Attributes records attributes served from the cache and fetched upstream.
func (c *Counters) Attributes(hits, misses int) {
	c.attrHits.Add(uint64(hits))
	c.attrMisses.Add(uint64(misses))
}

// Rows records historical rows served from the cache and fetched upstream.
func (c *Counters) Rows(cached, fetched int) {
	c.rowsFromCache.Add(uint64(cached))
	c.rowsFetched.Add(uint64(fetched))
}

// Upstream records one call to the upstream source and its duration.
func (c *Counters) Upstream(d time.Duration, err error) {
	c.upstreamCalls.Add(1)
	c.fetchNanos.Add(int64(d))
	if err != nil {
		c.upstreamFailures.Add(1)
	}
}

// WriteBackFailed records a write-back that did not reach the store.
func (c *Counters) WriteBackFailed() { c.writeBackFailures.Add(1) }

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Uptime            time.Duration `json:"uptime_ns"`
	Requests          uint64        `json:"requests"`
	AttributeHits     uint64        `json:"attribute_hits"`
	AttributeMisses   uint64        `json:"attribute_misses"`
	RowsFromCache     uint64        `json:"rows_from_cache"`
	RowsFetched       uint64        `json:"rows_fetched"`
	UpstreamCalls     uint64        `json:"upstream_calls"`
	UpstreamFailures  uint64        `json:"upstream_failures"`
	WriteBackFailures uint64        `json:"write_back_failures"`
	AvgFetchLatency   time.Duration `json:"avg_fetch_latency_ns"`
	Memory            MemStats      `json:"memory"`
}

// HitRate returns the fraction of requested attributes served from the
// cache, or 0 when none were requested.
func (s Snapshot) HitRate() float64 {
	total := s.AttributeHits + s.AttributeMisses
	if total == 0 {
		return 0
	}
	return float64(s.AttributeHits) / float64(total)
}

// Snapshot returns the current values.
func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		Requests:          c.requests.Load(),
		AttributeHits:     c.attrHits.Load(),
		AttributeMisses:   c.attrMisses.Load(),
		RowsFromCache:     c.rowsFromCache.Load(),
		RowsFetched:       c.rowsFetched.Load(),
		UpstreamCalls:     c.upstreamCalls.Load(),
		UpstreamFailures:  c.upstreamFailures.Load(),
		WriteBackFailures: c.writeBackFailures.Load(),
		Memory:            MemoryStats(),
	}
	if started := c.started.Load(); started > 0 {
		s.Uptime = time.Since(time.Unix(0, started))
	}
	if s.UpstreamCalls > 0 {
		s.AvgFetchLatency = time.Duration(c.fetchNanos.Load() / int64(s.UpstreamCalls))
	}
	return s
}

// MemoryStats returns current memory statistics.
func MemoryStats() MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MemStats{
		Alloc:      m.Alloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		HeapInuse:  m.HeapInuse,
		Goroutines: runtime.NumGoroutine(),
	}
}

// MemStats contains memory statistics.
type MemStats struct {
	Alloc      uint64 `json:"alloc"`      // bytes allocated and still in use
	Sys        uint64 `json:"sys"`        // bytes obtained from system
	NumGC      uint32 `json:"num_gc"`     // number of completed GC cycles
	HeapInuse  uint64 `json:"heap_inuse"` // bytes in non-idle spans
	Goroutines int    `json:"goroutines"`
}
