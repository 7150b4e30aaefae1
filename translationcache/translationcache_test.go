package translationcache

import (
	"testing"

	"alphatlb/tlbentry"
	"alphatlb/tlblog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		InitialSets:      4,
		InitialWays:      2,
		MaxSets:          64,
		MaxWays:          16,
		PageSize:         8 * 1024,
		AutoTuneInterval: 1 << 30, // effectively disabled unless a test forces it
	}
}

func newTestCache() *Cache {
	return New(testConfig(), tlblog.Nop(), nil)
}

func TestNew_PanicsOnNonPow2(t *testing.T) {
	cfg := testConfig()
	cfg.InitialSets = 3
	assert.Panics(t, func() { New(cfg, tlblog.Nop(), nil) })
}

func TestNew_PanicsWhenInitialExceedsMax(t *testing.T) {
	cfg := testConfig()
	cfg.InitialSets = 128
	assert.Panics(t, func() { New(cfg, tlblog.Nop(), nil) })
}

func TestCache_InsertThenLookup_Hits(t *testing.T) {
	c := newTestCache()
	prot := tlbentry.ProtectionOf(true, true, false)
	c.Insert(0x1000_0000, 0x2000_0000, 5, prot, false, false, false, 0)

	pa, ok := c.Lookup(0x1000_0040, 5, false, false, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000_0040), pa)
}

func TestCache_Lookup_MissOnWrongASN(t *testing.T) {
	c := newTestCache()
	prot := tlbentry.ProtectionOf(true, true, false)
	c.Insert(0x1000_0000, 0x2000_0000, 5, prot, false, false, false, 0)

	_, ok := c.Lookup(0x1000_0000, 6, false, false, 0)
	assert.False(t, ok)
}

func TestCache_Lookup_GlobalIgnoresASN(t *testing.T) {
	c := newTestCache()
	prot := tlbentry.ProtectionOf(true, true, false)
	c.Insert(0x1000_0000, 0x2000_0000, 0, prot, false, false, true, 0)

	_, ok := c.Lookup(0x1000_0000, 42, false, false, 0)
	assert.True(t, ok)
}

func TestCache_InvalidateASN(t *testing.T) {
	c := newTestCache()
	prot := tlbentry.ProtectionOf(true, true, false)
	c.Insert(0x1000_0000, 0x2000_0000, 5, prot, false, false, false, 0)

	c.InvalidateASN(5)
	_, ok := c.Lookup(0x1000_0000, 5, false, false, 0)
	assert.False(t, ok)
}

func TestCache_InvalidateAddress(t *testing.T) {
	c := newTestCache()
	prot := tlbentry.ProtectionOf(true, true, false)
	c.Insert(0x1000_0000, 0x2000_0000, 5, prot, false, false, false, 0)

	c.InvalidateAddress(0x1000_0000, 5, false)
	_, ok := c.Lookup(0x1000_0000, 5, false, false, 0)
	assert.False(t, ok)
}

func TestCache_InvalidateByKind(t *testing.T) {
	c := newTestCache()
	prot := tlbentry.ProtectionOf(true, false, true)
	c.Insert(0x1000_0000, 0x2000_0000, 5, prot, false, true, false, 0)
	c.Insert(0x2000_0000, 0x3000_0000, 5, prot, false, false, false, 0)

	c.InvalidateByKind(true)
	_, instrOK := c.Lookup(0x1000_0000, 5, false, true, 0)
	_, dataOK := c.Lookup(0x2000_0000, 5, false, false, 0)
	assert.False(t, instrOK)
	assert.True(t, dataOK)
}

func TestCache_InvalidateAll(t *testing.T) {
	c := newTestCache()
	prot := tlbentry.ProtectionOf(true, true, false)
	c.Insert(0x1000_0000, 0x2000_0000, 5, prot, false, false, false, 0)
	c.Insert(0x2000_0000, 0x3000_0000, 6, prot, false, false, false, 0)

	c.InvalidateAll()
	_, ok1 := c.Lookup(0x1000_0000, 5, false, false, 0)
	_, ok2 := c.Lookup(0x2000_0000, 6, false, false, 0)
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestCache_Eviction_PrefersLRU(t *testing.T) {
	cfg := testConfig()
	cfg.InitialWays = 1
	c := New(cfg, tlblog.Nop(), nil)
	prot := tlbentry.ProtectionOf(true, true, false)

	// Force both inserts into the same set by using addresses whose page
	// numbers collide at a 4-set table (same low bits, same set index).
	sets := c.activeSets()
	_ = sets
	c.Insert(0x0000_0000, 0x1000_0000, 1, prot, false, false, false, 0)
	stats1 := c.GetStatistics()

	c.Insert(0x0000_0000, 0x1000_0000, 2, prot, false, false, false, 0)
	stats2 := c.GetStatistics()
	assert.GreaterOrEqual(t, stats2.Evictions, stats1.Evictions)

	_, ok := c.Lookup(0x0000_0000, 1, false, false, 0)
	assert.False(t, ok, "original entry should have been evicted")
}

func TestCache_ExpandSets_PreservesEntries(t *testing.T) {
	c := newTestCache()
	prot := tlbentry.ProtectionOf(true, true, false)
	c.Insert(0x1000_0000, 0x2000_0000, 5, prot, false, false, false, 0)

	before := c.GetStatistics()
	c.ExpandSets()
	after := c.GetStatistics()
	assert.Equal(t, before.ActiveSets*2, after.ActiveSets)

	pa, ok := c.Lookup(0x1000_0000, 5, false, false, 0)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000_0000), pa)
}

func TestCache_EnablePartitioning_PreservesEntries(t *testing.T) {
	c := newTestCache()
	prot := tlbentry.ProtectionOf(true, true, false)
	c.Insert(0x1000_0000, 0x2000_0000, 5, prot, false, false, false, 7)

	c.EnablePartitioning(4)
	stats := c.GetStatistics()
	assert.True(t, stats.Partitioned)

	_, ok := c.Lookup(0x1000_0000, 5, false, false, 7)
	assert.True(t, ok)
}

func TestCache_AutoTune_ExpandsOnLowHitRate(t *testing.T) {
	cfg := testConfig()
	cfg.AutoTuneInterval = 1
	c := New(cfg, tlblog.Nop(), nil)
	prot := tlbentry.ProtectionOf(true, true, false)

	// Drive enough lookups with misses to push the hit rate below threshold,
	// then force evaluation directly so the test is not timing-dependent.
	for i := 0; i < 2000; i++ {
		c.Lookup(uint64(i)<<13, 1, false, false, 0)
	}
	before := c.GetStatistics()
	c.AutoTune()
	after := c.GetStatistics()
	_ = prot
	assert.Equal(t, before.ActiveSets*2, after.ActiveSets)
}

func TestCache_ResetStatistics(t *testing.T) {
	c := newTestCache()
	prot := tlbentry.ProtectionOf(true, true, false)
	c.Insert(0x1000_0000, 0x2000_0000, 5, prot, false, false, false, 0)
	c.Lookup(0x1000_0000, 5, false, false, 0)

	c.ResetStatistics()
	stats := c.GetStatistics()
	assert.Zero(t, stats.Lookups)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.Evictions)
	assert.Zero(t, stats.Contentions)
}
