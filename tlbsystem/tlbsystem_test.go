package tlbsystem

import (
	"context"
	"testing"

	"alphatlb/tlbentry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCpu_RejectsOutOfRangeAndDuplicate(t *testing.T) {
	s := New(2, 8, nil, nil)
	require.NoError(t, s.RegisterCpu(0))
	assert.Error(t, s.RegisterCpu(0))
	assert.Error(t, s.RegisterCpu(5))
}

func TestUnregisterCpu_RemovesRegistration(t *testing.T) {
	s := New(2, 8, nil, nil)
	require.NoError(t, s.RegisterCpu(0))
	require.NoError(t, s.UnregisterCpu(0))
	assert.Equal(t, 0, s.CpuCount())
	_, err := s.Cpu(0)
	assert.Error(t, err)
}

func TestCpu_PassThroughInsertAndFind(t *testing.T) {
	s := New(2, 8, nil, nil)
	require.NoError(t, s.RegisterCpu(0))
	tlb, err := s.Cpu(0)
	require.NoError(t, err)

	e := tlbentry.New(0x1000_0000, 0x2000_0000, 1, tlbentry.ProtectionOf(true, true, false), tlbentry.Gran8KB, false, false, false)
	tlb.Insert(e)
	pa, ok := tlb.Find(0x1000_0000, 1, tlbentry.AccessRead, false, false)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000_0000), pa)
}

func TestInvalidateAllCpus_ExceptsOneCpu(t *testing.T) {
	s := New(2, 8, nil, nil)
	require.NoError(t, s.RegisterCpu(0))
	require.NoError(t, s.RegisterCpu(1))

	e := tlbentry.New(0x1000_0000, 0x2000_0000, 1, tlbentry.ProtectionOf(true, true, false), tlbentry.Gran8KB, false, false, false)
	tlb0, _ := s.Cpu(0)
	tlb1, _ := s.Cpu(1)
	tlb0.Insert(e)
	tlb1.Insert(e)

	s.InvalidateAllCpus(context.Background(), 1, true)

	_, ok0 := tlb0.Find(0x1000_0000, 1, tlbentry.AccessRead, false, false)
	_, ok1 := tlb1.Find(0x1000_0000, 1, tlbentry.AccessRead, false, false)
	assert.False(t, ok0)
	assert.True(t, ok1, "excepted cpu should keep its entry")
}

func TestUpdateCpuContext_FlushesOldASN(t *testing.T) {
	s := New(2, 8, nil, nil)
	require.NoError(t, s.RegisterCpu(0))
	require.NoError(t, s.UpdateCpuContext(0, 7))
	tlb, _ := s.Cpu(0)
	e := tlbentry.New(0x1000_0000, 0x2000_0000, 7, tlbentry.ProtectionOf(true, true, false), tlbentry.Gran8KB, false, false, false)
	tlb.Insert(e)

	require.NoError(t, s.UpdateCpuContext(0, 8))
	_, ok := tlb.Find(0x1000_0000, 7, tlbentry.AccessRead, false, false)
	assert.False(t, ok)
}

func TestInvalidateAllCpus_BroadcastsAboveInlineThreshold(t *testing.T) {
	s := New(4, 8, nil, nil)
	for id := CpuId(0); id < 4; id++ {
		require.NoError(t, s.RegisterCpu(id))
	}
	e := tlbentry.New(0x1000_0000, 0x2000_0000, 1, tlbentry.ProtectionOf(true, true, false), tlbentry.Gran8KB, false, false, false)
	for id := CpuId(0); id < 4; id++ {
		tlb, _ := s.Cpu(id)
		tlb.Insert(e)
	}

	s.InvalidateAllCpus(context.Background(), 0, false)

	for id := CpuId(0); id < 4; id++ {
		tlb, _ := s.Cpu(id)
		_, ok := tlb.Find(0x1000_0000, 1, tlbentry.AccessRead, false, false)
		assert.False(t, ok, "cpu %d should have been invalidated by the errgroup fan-out path", id)
	}
}

func TestGetStatistics_IncludesEveryRegisteredCpu(t *testing.T) {
	s := New(2, 8, nil, nil)
	require.NoError(t, s.RegisterCpu(0))
	require.NoError(t, s.RegisterCpu(1))

	stats := s.GetStatistics()
	assert.Len(t, stats.PerCpu, 2)
	assert.Equal(t, int64(1), stats.Age)
}
