package core

import (
	"sort"
	"sync"
)

// outcome is what happened to one attempted record.
type outcome int

const (
	outcomeLoaded outcome = iota
	outcomeFailed
	outcomeIncomplete
)

type keyedCounts struct {
	firstSeq int64
	counts   LoadCounts
}

// loadAccumulator counts attempted records per effective code. Workers
// update it concurrently. Each key remembers the lowest input sequence
// number that touched it, so the frozen order is first-occurrence order in
// the input no matter how workers interleave.
type loadAccumulator struct {
	mu      sync.Mutex
	sources map[Code]*keyedCounts
	types   map[Code]*keyedCounts
	total   LoadCounts
}

func newLoadAccumulator() *loadAccumulator {
	return &loadAccumulator{
		sources: make(map[Code]*keyedCounts),
		types:   make(map[Code]*keyedCounts),
	}
}

func (a *loadAccumulator) record(seq int64, res Resolution, o outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bump(&a.total, o)
	bump(touch(a.sources, res.DataSource, seq), o)
	bump(touch(a.types, res.EntityType, seq), o)
}

// touch returns the counts for key, inserting them on first sight. The
// caller holds the lock, so check-then-insert is atomic.
func touch(m map[Code]*keyedCounts, key Code, seq int64) *LoadCounts {
	kc, ok := m[key]
	if !ok {
		kc = &keyedCounts{firstSeq: seq}
		m[key] = kc
	} else if seq < kc.firstSeq {
		kc.firstSeq = seq
	}
	return &kc.counts
}

func bump(c *LoadCounts, o outcome) {
	c.RecordCount++
	switch o {
	case outcomeLoaded:
		c.LoadedRecordCount++
	case outcomeFailed:
		c.FailedRecordCount++
	case outcomeIncomplete:
		c.IncompleteRecordCount++
	}
}

func (a *loadAccumulator) totals() LoadCounts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

type orderedKey struct {
	code Code
	kc   *keyedCounts
}

func sortedKeys(m map[Code]*keyedCounts) []orderedKey {
	keys := make([]orderedKey, 0, len(m))
	for code, kc := range m {
		keys = append(keys, orderedKey{code: code, kc: kc})
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].kc.firstSeq < keys[j].kc.firstSeq
	})
	return keys
}

// freeze returns copies of the totals and per-key stats in
// first-occurrence order.
func (a *loadAccumulator) freeze() (LoadCounts, []SourceLoadStats, []TypeLoadStats) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sources := make([]SourceLoadStats, 0, len(a.sources))
	for _, k := range sortedKeys(a.sources) {
		sources = append(sources, SourceLoadStats{DataSource: k.code, LoadCounts: k.kc.counts})
	}

	types := make([]TypeLoadStats, 0, len(a.types))
	for _, k := range sortedKeys(a.types) {
		types = append(types, TypeLoadStats{EntityType: k.code, LoadCounts: k.kc.counts})
	}

	return a.total, sources, types
}

// errorSample keeps the first limit per-record failures.
type errorSample struct {
	mu    sync.Mutex
	limit int
	items []BulkLoadError
}

func newErrorSample(limit int) *errorSample {
	return &errorSample{limit: limit, items: make([]BulkLoadError, 0, limit)}
}

func (s *errorSample) add(e BulkLoadError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) < s.limit {
		s.items = append(s.items, e)
	}
}

// list returns the sample ordered by line.
func (s *errorSample) list() []BulkLoadError {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BulkLoadError, len(s.items))
	copy(out, s.items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}
