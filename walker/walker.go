// Package walker implements the Alpha AXP three-level hierarchical page
// table walk: PTE decode, granularity-driven superpage termination, and
// privilege checking. The page table entry's bitfields and per-level index
// extraction are expressed as explicit shift/mask arithmetic over a plain
// uint64 PTE.
package walker

import (
	"alphatlb/membackend"
	"alphatlb/tlbentry"
)

// FaultReason classifies why a walk failed.
type FaultReason int

const (
	FaultNone FaultReason = iota
	FaultInvalid
	FaultProtectionRead
	FaultProtectionWrite
	FaultProtectionExec
	FaultPrivilegeViolation
	FaultNonCanonical
)

func (f FaultReason) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultInvalid:
		return "invalid"
	case FaultProtectionRead:
		return "protection_read"
	case FaultProtectionWrite:
		return "protection_write"
	case FaultProtectionExec:
		return "protection_exec"
	case FaultPrivilegeViolation:
		return "privilege_violation"
	case FaultNonCanonical:
		return "non_canonical"
	default:
		return "unknown"
	}
}

// pte bit layout, per the 64-bit PTE format.
const (
	pteValidBit        = 1 << 0
	pteFaultReadBit     = 1 << 1
	pteFaultWriteBit    = 1 << 2
	pteFaultExecBit     = 1 << 3
	pteASMBit          = 1 << 4
	pteGranularityShift = 5
	pteGranularityMask  = 0x3
	ptePFNShift         = 8
	ptePFNMask          = (uint64(1) << 32) - 1
)

func pteValid(pte uint64) bool        { return pte&pteValidBit != 0 }
func pteFaultOnRead(pte uint64) bool  { return pte&pteFaultReadBit != 0 }
func pteFaultOnWrite(pte uint64) bool { return pte&pteFaultWriteBit != 0 }
func pteFaultOnExec(pte uint64) bool  { return pte&pteFaultExecBit != 0 }
func pteASM(pte uint64) bool          { return pte&pteASMBit != 0 }
func pteGranularity(pte uint64) tlbentry.Granularity {
	return tlbentry.Granularity((pte >> pteGranularityShift) & pteGranularityMask)
}
func ptePFN(pte uint64) uint64 { return (pte >> ptePFNShift) & ptePFNMask }

// Index bit ranges for the three levels.
const (
	l1Shift = 33
	l2Shift = 23
	l3Shift = 13
	idxBits = 10
	idxMask = (uint64(1) << idxBits) - 1
)

func l1Index(va uint64) uint64 { return (va >> l1Shift) & idxMask }
func l2Index(va uint64) uint64 { return (va >> l2Shift) & idxMask }
func l3Index(va uint64) uint64 { return (va >> l3Shift) & idxMask }

// ptbrBase computes the byte address of a page table given its page frame
// number, per "PTBR, bits pfn<<13".
func ptbrBase(pfn uint64) uint64 { return pfn << 13 }

// Result carries the outcome of a translate call.
type Result struct {
	Success     bool
	PA          uint64
	Granularity tlbentry.Granularity
	Permits     tlbentry.Protection
	KernelOnly  bool // set from the leaf PTE's ASM bit
	FaultReason FaultReason
}

// Walker performs page-table walks against a Memory backend.
type Walker struct {
	mem *membackend.Memory
}

// New constructs a Walker reading page tables from mem.
func New(mem *membackend.Memory) *Walker {
	return &Walker{mem: mem}
}

func fault(reason FaultReason) Result {
	return Result{Success: false, FaultReason: reason}
}

func accessFaults(pte uint64, access tlbentry.Access) (FaultReason, bool) {
	switch access {
	case tlbentry.AccessRead:
		if pteFaultOnRead(pte) {
			return FaultProtectionRead, true
		}
	case tlbentry.AccessWrite:
		if pteFaultOnWrite(pte) {
			return FaultProtectionWrite, true
		}
	case tlbentry.AccessExecute:
		if pteFaultOnExec(pte) {
			return FaultProtectionExec, true
		}
	}
	return FaultNone, false
}

func permitsOf(pte uint64) tlbentry.Protection {
	return tlbentry.ProtectionOf(!pteFaultOnRead(pte), !pteFaultOnWrite(pte), !pteFaultOnExec(pte))
}

// superpageResult composes a Result for a non-leaf PTE whose granularity
// hint terminates the walk early: the offset mask for gran is applied to
// the remaining low bits of va, folding in whatever index bits the walk
// would otherwise have consumed.
func superpageResult(pte uint64, va uint64, gran tlbentry.Granularity) Result {
	pfn := ptePFN(pte)
	offset := va & gran.OffsetMask()
	return Result{
		Success:     true,
		PA:          (pfn << 13) | offset,
		Granularity: gran,
		Permits:     permitsOf(pte),
		KernelOnly:  pteASM(pte),
	}
}

// Translate walks all three levels for va under access/privilege, honoring
// superpage granularity hints at L1 and L2. ptbrPfn is the page-frame
// number of the top-level page table, as supplied by the CPU agent's
// current PTBR.
func (w *Walker) Translate(va uint64, ptbrPfn uint64, access tlbentry.Access, privileged bool) Result {
	l1Addr := ptbrBase(ptbrPfn) + l1Index(va)*8
	l1pte, err := w.mem.ReadPhysU64(l1Addr)
	if err != nil || !pteValid(l1pte) {
		return fault(FaultInvalid)
	}
	if gran := pteGranularity(l1pte); gran != tlbentry.Gran8KB {
		if reason, faulted := accessFaults(l1pte, access); faulted {
			return fault(reason)
		}
		if pteASM(l1pte) && !privileged {
			return fault(FaultPrivilegeViolation)
		}
		return superpageResult(l1pte, va, gran)
	}

	l2Addr := ptbrBase(ptePFN(l1pte)) + l2Index(va)*8
	l2pte, err := w.mem.ReadPhysU64(l2Addr)
	if err != nil || !pteValid(l2pte) {
		return fault(FaultInvalid)
	}
	if gran := pteGranularity(l2pte); gran != tlbentry.Gran8KB {
		if reason, faulted := accessFaults(l2pte, access); faulted {
			return fault(reason)
		}
		if pteASM(l2pte) && !privileged {
			return fault(FaultPrivilegeViolation)
		}
		return superpageResult(l2pte, va, gran)
	}

	l3Addr := ptbrBase(ptePFN(l2pte)) + l3Index(va)*8
	l3pte, err := w.mem.ReadPhysU64(l3Addr)
	if err != nil || !pteValid(l3pte) {
		return fault(FaultInvalid)
	}
	if reason, faulted := accessFaults(l3pte, access); faulted {
		return fault(reason)
	}
	if pteASM(l3pte) && !privileged {
		return fault(FaultPrivilegeViolation)
	}

	gran := pteGranularity(l3pte)
	pfn := ptePFN(l3pte)
	offset := va & gran.OffsetMask()
	return Result{
		Success:     true,
		PA:          (pfn << 13) | offset,
		Granularity: gran,
		Permits:     permitsOf(l3pte),
		KernelOnly:  pteASM(l3pte),
	}
}

// TranslateInstructionFetch is the fast path for instruction fetch: it
// skips the write-fault branch entirely and returns PA=0 on any fault,
// leaving fault classification to the caller (the coordinator reports the
// proper fault signal once it sees PA=0 with Success=false).
func (w *Walker) TranslateInstructionFetch(va uint64, ptbrPfn uint64, privileged bool) Result {
	res := w.Translate(va, ptbrPfn, tlbentry.AccessExecute, privileged)
	if !res.Success {
		return Result{Success: false, FaultReason: res.FaultReason}
	}
	return res
}

// EncodePTE packs a PTE for test and setup code building synthetic page
// tables; it mirrors the bit layout Translate decodes.
func EncodePTE(valid, faultRead, faultWrite, faultExec, asm bool, gran tlbentry.Granularity, pfn uint64) uint64 {
	var pte uint64
	if valid {
		pte |= pteValidBit
	}
	if faultRead {
		pte |= pteFaultReadBit
	}
	if faultWrite {
		pte |= pteFaultWriteBit
	}
	if faultExec {
		pte |= pteFaultExecBit
	}
	if asm {
		pte |= pteASMBit
	}
	pte |= uint64(gran&pteGranularityMask) << pteGranularityShift
	pte |= (pfn & ptePFNMask) << ptePFNShift
	return pte
}
