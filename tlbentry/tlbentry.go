// Package tlbentry defines the single translation record shared by the
// PerCpuTLB and TranslationCache components: a plain value type, mutated
// only to bump its LRU sequence number, carrying the tags and permissions
// needed to decide whether it matches a later lookup.
package tlbentry

import "sync/atomic"

// Granularity is an Alpha page-table granularity hint. Its numeric value is
// the same 2-bit encoding used in the PTE wire format (bits 5..6), so it
// can be decoded directly from a walked PTE without translation.
type Granularity uint8

const (
	Gran8KB   Granularity = 0
	Gran64KB  Granularity = 1
	Gran4MB   Granularity = 2
	Gran256MB Granularity = 3
)

// OffsetBits returns the number of low-order virtual-address bits a page of
// this granularity leaves unmapped (the page offset width).
func (g Granularity) OffsetBits() uint {
	switch g {
	case Gran8KB:
		return 13
	case Gran64KB:
		return 16
	case Gran4MB:
		return 22
	case Gran256MB:
		return 28
	default:
		panic("tlbentry: invalid granularity")
	}
}

// Size returns the page size in bytes for this granularity.
func (g Granularity) Size() uint64 {
	return uint64(1) << g.OffsetBits()
}

// OffsetMask returns the mask selecting the page-offset bits of a VA for
// this granularity.
func (g Granularity) OffsetMask() uint64 {
	return g.Size() - 1
}

func (g Granularity) String() string {
	switch g {
	case Gran8KB:
		return "8KB"
	case Gran64KB:
		return "64KB"
	case Gran4MB:
		return "4MB"
	case Gran256MB:
		return "256MB"
	default:
		return "invalid"
	}
}

// Access identifies the kind of memory access a translation is being
// consulted for.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute
)

// Protection is a set of permitted Access kinds.
type Protection uint8

// Permits reports whether every bit set in want is also set in p.
func (p Protection) Permits(want Access) bool {
	return Protection(want)&p == Protection(want)
}

// ProtectionOf builds a Protection set from individual permission bits.
func ProtectionOf(read, write, execute bool) Protection {
	var p Protection
	if read {
		p |= Protection(AccessRead)
	}
	if write {
		p |= Protection(AccessWrite)
	}
	if execute {
		p |= Protection(AccessExecute)
	}
	return p
}

// Entry is a single translation record. Fields other than AccessCount,
// LastUsed and Valid (cleared by Invalidate) are set once at construction
// (New) and never mutated.
// LastUsed must stay strictly monotonic within one PerCpuTLB, so callers
// update it through a shared sequence source rather than writing it
// directly.
type Entry struct {
	VirtualPage  uint64
	PhysicalPage uint64
	ASN          uint32
	Protection   Protection
	Granularity  Granularity
	KernelOnly   bool
	Instruction  bool
	Global       bool
	Valid        bool

	AccessCount uint64 // atomic
	LastUsed    uint64
}

// New constructs a valid Entry, aligning VirtualPage down to the page
// boundary implied by granularity.
func New(va, pa uint64, asn uint32, prot Protection, gran Granularity, kernelOnly, instruction, global bool) Entry {
	mask := gran.OffsetMask()
	return Entry{
		VirtualPage:  va &^ mask,
		PhysicalPage: pa &^ mask,
		ASN:          asn,
		Protection:   prot,
		Granularity:  gran,
		KernelOnly:   kernelOnly,
		Instruction:  instruction,
		Global:       global,
		Valid:        true,
	}
}

// Matches reports whether this entry is the authoritative translation for
// (vpage, asn, instruction): a global entry matches any ASN, a non-global
// entry must match exactly.
func (e *Entry) Matches(va uint64, asn uint32, instruction bool) bool {
	if !e.Valid {
		return false
	}
	mask := e.Granularity.OffsetMask()
	if (va &^ mask) != e.VirtualPage {
		return false
	}
	if e.Instruction != instruction {
		return false
	}
	if e.Global {
		return true
	}
	return e.ASN == asn
}

// Permits reports whether the entry allows the requested access, honoring
// the kernel-only flag against the caller's privilege.
func (e *Entry) Permits(access Access, privileged bool) bool {
	if e.KernelOnly && !privileged {
		return false
	}
	return e.Protection.Permits(access)
}

// PhysicalFor reattaches va's page offset to the entry's physical page.
func (e *Entry) PhysicalFor(va uint64) uint64 {
	mask := e.Granularity.OffsetMask()
	return e.PhysicalPage | (va & mask)
}

// Touch atomically bumps the access counter and records seq as the new
// LastUsed value. seq is supplied by the owning PerCpuTLB's monotonic
// sequence source so that ties across entries are resolved deterministically
// by insertion order, as I4 requires.
func (e *Entry) Touch(seq uint64) {
	atomic.AddUint64(&e.AccessCount, 1)
	e.LastUsed = seq
}

// Invalidate marks the entry unusable without clearing its tags, so a
// caller inspecting a just-evicted slot for diagnostics still sees what it
// held.
func (e *Entry) Invalidate() {
	e.Valid = false
}
