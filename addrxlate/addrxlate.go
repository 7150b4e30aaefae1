// Package addrxlate provides the stateless virtual-address arithmetic
// shared by the rest of the translation core: canonicality checks, page
// offset/number extraction, and the cache/TLB index and tag derived from a
// virtual address. It carries no mutable state beyond a block of atomic
// hit/miss/fault/violation counters.
package addrxlate

import (
	"alphatlb/tlbentry"

	"alphatlb/stats"
)

// Translator computes the address-decomposition functions used throughout
// the core. It is safe for concurrent use; the only state it carries is a
// set of atomic counters.
type Translator struct {
	tableSize uint64 // power of two; number of TLB/cache indices

	Translations stats.Counter_t
	Hits         stats.Counter_t
	Misses       stats.Counter_t
	Faults       stats.Counter_t
	Violations   stats.Counter_t
}

// New builds a Translator whose TBIndex() derives an index in
// [0, tableSize). tableSize must be a power of two.
func New(tableSize uint64) *Translator {
	if tableSize == 0 || tableSize&(tableSize-1) != 0 {
		panic("addrxlate: tableSize must be a power of two")
	}
	return &Translator{tableSize: tableSize}
}

// IsCanonical reports whether va is a canonical Alpha virtual address: bits
// 63..47 must all equal bit 47 (sign-extension of the 48-bit address
// space).
func IsCanonical(va uint64) bool {
	const signBit = uint64(1) << 47
	top := va >> 47
	if va&signBit != 0 {
		return top == (1<<17)-1 // all ones from bit 47 up
	}
	return top == 0
}

// PageOffset extracts the low bits of va selected by gran's page size.
func PageOffset(va uint64, gran tlbentry.Granularity) uint64 {
	return va & gran.OffsetMask()
}

// PageNumber returns va with its page-offset bits (per gran) cleared, i.e.
// the virtual page address used as an entry's tag.
func PageNumber(va uint64, gran tlbentry.Granularity) uint64 {
	return va &^ gran.OffsetMask()
}

// VirtualTag is an alias for PageNumber, named to match the fingerprint
// terminology used by the cache and TLB components.
func VirtualTag(va uint64, gran tlbentry.Granularity) uint64 {
	return PageNumber(va, gran)
}

// TBIndex computes the translation-buffer index for va: the page number
// shifted out and masked into [0, tableSize).
func (t *Translator) TBIndex(va uint64, gran tlbentry.Granularity) int {
	pn := va >> gran.OffsetBits()
	return int(pn & (t.tableSize - 1))
}

// RecordHit/RecordMiss/RecordFault/RecordViolation update the atomic
// statistics counters; callers invoke them alongside RecordTranslation, and
// one attempt may record more than one outcome (a miss whose walk then
// faults records both RecordMiss and RecordFault).

func (t *Translator) RecordTranslation() { t.Translations.Inc() }
func (t *Translator) RecordHit()         { t.Hits.Inc() }
func (t *Translator) RecordMiss()        { t.Misses.Inc() }
func (t *Translator) RecordFault()       { t.Faults.Inc() }
func (t *Translator) RecordViolation()   { t.Violations.Inc() }

// Snapshot is a point-in-time copy of the Translator's counters.
type Snapshot struct {
	Translations int64
	Hits         int64
	Misses       int64
	Faults       int64
	Violations   int64
}

// Stats returns a Snapshot of the current counter values.
func (t *Translator) Stats() Snapshot {
	return Snapshot{
		Translations: t.Translations.Get(),
		Hits:         t.Hits.Get(),
		Misses:       t.Misses.Get(),
		Faults:       t.Faults.Get(),
		Violations:   t.Violations.Get(),
	}
}
