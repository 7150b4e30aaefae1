// Package percputlb implements one CPU's private translation lookaside
// buffer: a small linear-scan entry array with LRU eviction, owned
// exclusively by its CPU and guarded for the rare case a sibling goroutine
// (e.g. a broadcast invalidation) touches it. Data and instruction entries
// share a single array discriminated by the entry's Instruction flag rather
// than living in two separate arrays.
package percputlb

import (
	"sync"

	"alphatlb/observability"
	"alphatlb/stats"
	"alphatlb/tlbentry"
)

// DefaultCapacity is the number of entries a PerCpuTLB holds absent an
// explicit constructor argument.
const DefaultCapacity = 64

// TLB is one CPU's private translation buffer.
type TLB struct {
	mu sync.RWMutex

	cpuID    int
	entries  []tlbentry.Entry
	seq      uint64
	sink     observability.Sink

	lookups   stats.Counter_t
	hits      stats.Counter_t
	misses    stats.Counter_t
	evictions stats.Counter_t
}

// New constructs a TLB for cpuID with the given capacity. A capacity of 0
// uses DefaultCapacity.
func New(cpuID int, capacity int, sink observability.Sink) *TLB {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if sink == nil {
		sink = observability.Discard
	}
	return &TLB{
		cpuID:   cpuID,
		entries: make([]tlbentry.Entry, capacity),
		sink:    sink,
	}
}

// CpuID returns the owning CPU's identifier.
func (t *TLB) CpuID() int { return t.cpuID }

// Find scans for an entry matching (va, asn, instruction) and returns its
// physical address if the access is also permitted. Rejects (ok=false) on
// a miss as well as on a permission failure.
func (t *TLB) Find(va uint64, asn uint32, access tlbentry.Access, instruction, privileged bool) (pa uint64, ok bool) {
	t.lookups.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		e := &t.entries[i]
		if !e.Valid || !e.Matches(va, asn, instruction) {
			continue
		}
		if !e.Permits(access, privileged) {
			t.misses.Inc()
			return 0, false
		}
		t.seq++
		e.Touch(t.seq)
		t.hits.Inc()
		return e.PhysicalFor(va), true
	}
	t.misses.Inc()
	return 0, false
}

// Insert installs entry, preferring an invalid slot and falling back to the
// slot with the lowest LastUsed (lowest index breaks ties, since scanning
// in index order already returns the first minimum).
func (t *TLB) Insert(entry tlbentry.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := -1
	for i := range t.entries {
		if !t.entries[i].Valid {
			slot = i
			break
		}
	}
	if slot == -1 {
		slot = 0
		for i := 1; i < len(t.entries); i++ {
			if t.entries[i].LastUsed < t.entries[slot].LastUsed {
				slot = i
			}
		}
		t.evictions.Inc()
	}
	t.seq++
	entry.LastUsed = t.seq
	t.entries[slot] = entry
}

// InvalidateAll marks every entry invalid.
func (t *TLB) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		t.entries[i].Invalidate()
	}
	t.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "percpu:all", SourceCPU: t.cpuID})
}

// InvalidateASN marks every non-global entry tagged asn invalid.
func (t *TLB) InvalidateASN(asn uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.Valid && !e.Global && e.ASN == asn {
			e.Invalidate()
		}
	}
	t.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "percpu:asn", ASN: asn, SourceCPU: t.cpuID})
}

// InvalidateAddress marks the entry covering va invalid. anyASN bypasses
// the ASN check entirely (used for a privileged/global flush); otherwise a
// global entry still matches (an address-scoped flush does evict globals)
// and a non-global entry must match asn.
func (t *TLB) InvalidateAddress(va uint64, asn uint32, anyASN bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		e := &t.entries[i]
		if !e.Valid {
			continue
		}
		mask := e.Granularity.OffsetMask()
		if (va &^ mask) != e.VirtualPage {
			continue
		}
		if anyASN || e.Global || e.ASN == asn {
			e.Invalidate()
		}
	}
	t.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "percpu:address", VA: va, SourceCPU: t.cpuID})
}

// InvalidateInstructionKind marks every entry whose Instruction flag equals
// instruction invalid.
func (t *TLB) InvalidateInstructionKind(instruction bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.Valid && e.Instruction == instruction {
			e.Invalidate()
		}
	}
	t.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "percpu:kind", SourceCPU: t.cpuID})
}

// Statistics is a point-in-time snapshot of a PerCpuTLB's counters.
type Statistics struct {
	Lookups   int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// GetStatistics returns a Statistics snapshot.
func (t *TLB) GetStatistics() Statistics {
	return Statistics{
		Lookups:   t.lookups.Get(),
		Hits:      t.hits.Get(),
		Misses:    t.misses.Get(),
		Evictions: t.evictions.Get(),
	}
}
