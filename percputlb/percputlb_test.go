package percputlb

import (
	"testing"

	"alphatlb/tlbentry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(va, pa uint64, asn uint32, global bool) tlbentry.Entry {
	return tlbentry.New(va, pa, asn, tlbentry.ProtectionOf(true, true, false), tlbentry.Gran8KB, false, false, global)
}

func TestTLB_New_DefaultsCapacity(t *testing.T) {
	tlb := New(0, 0, nil)
	assert.Equal(t, DefaultCapacity, len(tlb.entries))
}

func TestTLB_InsertThenFind_Hits(t *testing.T) {
	tlb := New(1, 4, nil)
	tlb.Insert(entryAt(0x1000_0000, 0x2000_0000, 5, false))

	pa, ok := tlb.Find(0x1000_0040, 5, tlbentry.AccessRead, false, false)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000_0040), pa)
}

func TestTLB_Find_RejectsOnPermission(t *testing.T) {
	tlb := New(1, 4, nil)
	ro := tlbentry.New(0x1000_0000, 0x2000_0000, 5, tlbentry.ProtectionOf(true, false, false), tlbentry.Gran8KB, false, false, false)
	tlb.Insert(ro)

	_, ok := tlb.Find(0x1000_0000, 5, tlbentry.AccessWrite, false, false)
	assert.False(t, ok)
}

func TestTLB_Find_MissOnWrongASN(t *testing.T) {
	tlb := New(1, 4, nil)
	tlb.Insert(entryAt(0x1000_0000, 0x2000_0000, 5, false))

	_, ok := tlb.Find(0x1000_0000, 6, tlbentry.AccessRead, false, false)
	assert.False(t, ok)
}

func TestTLB_Insert_EvictsLowestLastUsed(t *testing.T) {
	tlb := New(1, 2, nil)
	tlb.Insert(entryAt(0x1000_0000, 0x2000_0000, 1, false))
	tlb.Insert(entryAt(0x2000_0000, 0x3000_0000, 2, false))
	// Both slots full; touch the first so the second becomes the LRU victim.
	tlb.Find(0x1000_0000, 1, tlbentry.AccessRead, false, false)
	tlb.Insert(entryAt(0x3000_0000, 0x4000_0000, 3, false))

	_, stillThere := tlb.Find(0x1000_0000, 1, tlbentry.AccessRead, false, false)
	_, evicted := tlb.Find(0x2000_0000, 2, tlbentry.AccessRead, false, false)
	_, newest := tlb.Find(0x3000_0000, 3, tlbentry.AccessRead, false, false)
	assert.True(t, stillThere)
	assert.False(t, evicted)
	assert.True(t, newest)

	stats := tlb.GetStatistics()
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestTLB_InvalidateASN_SparesGlobal(t *testing.T) {
	tlb := New(1, 4, nil)
	tlb.Insert(entryAt(0x1000_0000, 0x2000_0000, 5, false))
	tlb.Insert(entryAt(0x2000_0000, 0x3000_0000, 0, true))

	tlb.InvalidateASN(5)
	_, nonGlobal := tlb.Find(0x1000_0000, 5, tlbentry.AccessRead, false, false)
	_, global := tlb.Find(0x2000_0000, 42, tlbentry.AccessRead, false, false)
	assert.False(t, nonGlobal)
	assert.True(t, global)
}

func TestTLB_InvalidateAddress_EvictsGlobalToo(t *testing.T) {
	tlb := New(1, 4, nil)
	tlb.Insert(entryAt(0x1000_0000, 0x2000_0000, 0, true))

	tlb.InvalidateAddress(0x1000_0000, 0, false)
	_, ok := tlb.Find(0x1000_0000, 0, tlbentry.AccessRead, false, false)
	assert.False(t, ok)
}

func TestTLB_InvalidateInstructionKind(t *testing.T) {
	tlb := New(1, 4, nil)
	instrEntry := tlbentry.New(0x1000_0000, 0x2000_0000, 5, tlbentry.ProtectionOf(false, false, true), tlbentry.Gran8KB, false, true, false)
	dataEntry := entryAt(0x2000_0000, 0x3000_0000, 5, false)
	tlb.Insert(instrEntry)
	tlb.Insert(dataEntry)

	tlb.InvalidateInstructionKind(true)
	_, instrOK := tlb.Find(0x1000_0000, 5, tlbentry.AccessExecute, true, false)
	_, dataOK := tlb.Find(0x2000_0000, 5, tlbentry.AccessRead, false, false)
	assert.False(t, instrOK)
	assert.True(t, dataOK)
}

func TestTLB_InvalidateAll(t *testing.T) {
	tlb := New(1, 4, nil)
	tlb.Insert(entryAt(0x1000_0000, 0x2000_0000, 5, false))
	tlb.InvalidateAll()

	_, ok := tlb.Find(0x1000_0000, 5, tlbentry.AccessRead, false, false)
	assert.False(t, ok)
}
