package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RejectsWhenActiveFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActiveBound = 1
	c := New(cfg, nil)
	require.NoError(t, c.Submit(1))
	assert.Error(t, c.Submit(2))
}

func TestAdvance_FollowsStrictOrder(t *testing.T) {
	c := New(DefaultConfig(), nil)
	require.NoError(t, c.Submit(1))
	require.NoError(t, c.Advance(1, AddressDecode))
	require.NoError(t, c.Advance(1, TlbLookup))
	assert.Error(t, c.Advance(1, TranslationComplete), "cannot skip stages")
}

func TestAdvance_Idempotent(t *testing.T) {
	c := New(DefaultConfig(), nil)
	require.NoError(t, c.Submit(1))
	require.NoError(t, c.Advance(1, AddressDecode))
	require.NoError(t, c.Advance(1, AddressDecode))
}

func TestAdvance_CompletionInvokesCallbackAndRemovesOp(t *testing.T) {
	var completed *Op
	c := New(DefaultConfig(), func(op *Op) { completed = op })
	require.NoError(t, c.Submit(1))
	require.NoError(t, c.Advance(1, AddressDecode))
	require.NoError(t, c.Advance(1, TlbLookup))
	require.NoError(t, c.Advance(1, PermissionCheck))
	require.NoError(t, c.Advance(1, CollisionDetect))
	require.NoError(t, c.Advance(1, TranslationComplete))

	require.NotNil(t, completed)
	assert.Equal(t, uint64(1), completed.ID)

	active, _, _ := c.Depths()
	assert.Equal(t, 0, active)
}

func TestStallThenUnstall_Readmits(t *testing.T) {
	c := New(DefaultConfig(), nil)
	require.NoError(t, c.Submit(1))
	require.NoError(t, c.Stall(1, Collision, 0))

	_, stallDepth, _ := c.Depths()
	assert.Equal(t, 1, stallDepth)

	require.NoError(t, c.Unstall(1, true))
	active, stallDepth2, _ := c.Depths()
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, stallDepth2)
}

func TestCheckTimeouts_ReplaysUntilMaxThenDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReplays = 1
	cfg.StallTimeoutMs = 100
	c := New(cfg, nil)
	require.NoError(t, c.Submit(1))
	require.NoError(t, c.Stall(1, Resource, 0))

	dropped := c.CheckTimeouts(100)
	assert.Empty(t, dropped, "first timeout should replay, not drop")
	_, _, replayDepth := c.Depths()
	assert.Equal(t, 1, replayDepth)

	c.DrainReplays()
	require.NoError(t, c.Stall(1, Resource, 200))
	dropped2 := c.CheckTimeouts(300)
	assert.Equal(t, []uint64{1}, dropped2, "second timeout exceeds MaxReplays=1")
}

func TestDrain_FlushesEveryQueue(t *testing.T) {
	c := New(DefaultConfig(), nil)
	require.NoError(t, c.Submit(1))
	require.NoError(t, c.Submit(2))
	require.NoError(t, c.Stall(2, Collision, 0))

	discarded := c.Drain()
	assert.ElementsMatch(t, []uint64{1, 2}, discarded)

	active, stall, replay := c.Depths()
	assert.Zero(t, active)
	assert.Zero(t, stall)
	assert.Zero(t, replay)
}
