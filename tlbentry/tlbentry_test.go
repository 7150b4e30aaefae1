package tlbentry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AlignsVirtualPage(t *testing.T) {
	e := New(0x1000_0040, 0x4000_0040, 7, ProtectionOf(true, true, true), Gran8KB, false, false, false)
	assert.Equal(t, uint64(0x1000_0000), e.VirtualPage)
	assert.Equal(t, uint64(0x4000_0000), e.PhysicalPage)
	assert.True(t, e.Valid)
}

func TestEntry_PhysicalFor_ReattachesOffset(t *testing.T) {
	e := New(0x1000_0000, 0x4000_0000, 7, ProtectionOf(true, true, true), Gran8KB, false, false, false)
	got := e.PhysicalFor(0x1000_0040)
	assert.Equal(t, uint64(0x4000_0040), got)
}

func TestEntry_Matches_GlobalIgnoresASN(t *testing.T) {
	e := New(0x1_0000, 0x5000, 0, ProtectionOf(true, false, false), Gran8KB, false, false, true)
	assert.True(t, e.Matches(0x1_0000, 99, false))
	assert.True(t, e.Matches(0x1_0000, 0, false))
}

func TestEntry_Matches_NonGlobalRequiresASN(t *testing.T) {
	e := New(0x1000_0000, 0x4000_0000, 7, ProtectionOf(true, true, true), Gran8KB, false, false, false)
	require.False(t, e.Global)
	assert.True(t, e.Matches(0x1000_0040, 7, false))
	assert.False(t, e.Matches(0x1000_0040, 8, false))
}

func TestEntry_Matches_InstructionKindMustAgree(t *testing.T) {
	e := New(0x2000, 0x9000, 1, ProtectionOf(false, false, true), Gran8KB, false, true, false)
	assert.True(t, e.Matches(0x2000, 1, true))
	assert.False(t, e.Matches(0x2000, 1, false))
}

func TestEntry_Permits_KernelOnly(t *testing.T) {
	e := New(0x1000, 0x2000, 1, ProtectionOf(true, true, false), Gran8KB, true, false, false)
	assert.False(t, e.Permits(AccessRead, false))
	assert.True(t, e.Permits(AccessRead, true))
	assert.False(t, e.Permits(AccessExecute, true))
}

func TestEntry_Touch_UpdatesSequenceAndCount(t *testing.T) {
	e := New(0x1000, 0x2000, 1, ProtectionOf(true, false, false), Gran8KB, false, false, false)
	e.Touch(5)
	assert.Equal(t, uint64(5), e.LastUsed)
	assert.Equal(t, uint64(1), e.AccessCount)
	e.Touch(6)
	assert.Equal(t, uint64(2), e.AccessCount)
}

func TestGranularity_Size(t *testing.T) {
	assert.Equal(t, uint64(8192), Gran8KB.Size())
	assert.Equal(t, uint64(65536), Gran64KB.Size())
	assert.Equal(t, uint64(4*1024*1024), Gran4MB.Size())
	assert.Equal(t, uint64(256*1024*1024), Gran256MB.Size())
}
