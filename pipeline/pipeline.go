// Package pipeline sequences a translation operation through its stages
// and owns the stall/replay queues that give the coordinator forward
// progress under collision. Operations move through an explicit Stage enum
// and three independently-mutexed queues acquired in a fixed order: active,
// then stall, then replay.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"alphatlb/accnt"
)

// Stage is a position in an operation's state machine.
type Stage int

const (
	Idle Stage = iota
	AddressDecode
	TlbLookup
	PermissionCheck
	CollisionDetect
	TranslationComplete
	Stalled
	ReplayPending
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case AddressDecode:
		return "address_decode"
	case TlbLookup:
		return "tlb_lookup"
	case PermissionCheck:
		return "permission_check"
	case CollisionDetect:
		return "collision_detect"
	case TranslationComplete:
		return "translation_complete"
	case Stalled:
		return "stalled"
	case ReplayPending:
		return "replay_pending"
	default:
		return "unknown"
	}
}

// StallReason explains why an operation was moved to the stall queue.
type StallReason int

const (
	Collision StallReason = iota
	Permission
	Resource
	Dependency
	QueueFull
)

// Defaults for the coordinator's bounds.
const (
	DefaultActiveBound  = 8
	DefaultStallBound   = 16
	DefaultMaxReplays   = 3
	DefaultStallTimeout = 1000 // ms
)

// Op is a single in-flight translation operation tracked by the
// coordinator.
type Op struct {
	ID          uint64
	Stage       Stage
	StallReason StallReason
	Replays     int
	StalledAtMs int64     // caller-supplied monotonic clock reading at stall time
	submittedAt time.Time // wall clock, used only for latency accounting
}

// Config configures a Coordinator's bounds.
type Config struct {
	ActiveBound    int
	StallBound     int
	MaxReplays     int
	StallTimeoutMs int64
}

// DefaultConfig returns the documented default bounds.
func DefaultConfig() Config {
	return Config{
		ActiveBound:    DefaultActiveBound,
		StallBound:     DefaultStallBound,
		MaxReplays:     DefaultMaxReplays,
		StallTimeoutMs: DefaultStallTimeout,
	}
}

// Coordinator sequences operations through the stage state machine and
// owns the active/stall/replay queues.
type Coordinator struct {
	cfg Config

	activeMu sync.Mutex
	active   map[uint64]*Op

	stallMu sync.Mutex
	stall   []*Op

	replayMu sync.Mutex
	replay   []*Op

	onComplete func(*Op)
	latency    accnt.LatencyAcct_t
}

// New constructs a Coordinator. onComplete, if non-nil, is invoked with
// the final Op state when an operation reaches TranslationComplete.
func New(cfg Config, onComplete func(*Op)) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		active:     make(map[uint64]*Op),
		onComplete: onComplete,
	}
}

// Submit enqueues a new operation at Idle, failing if the active bound is
// already reached.
func (c *Coordinator) Submit(id uint64) error {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if len(c.active) >= c.cfg.ActiveBound {
		return fmt.Errorf("pipeline: active queue full (%d)", c.cfg.ActiveBound)
	}
	if _, exists := c.active[id]; exists {
		return fmt.Errorf("pipeline: op %d already submitted", id)
	}
	c.active[id] = &Op{ID: id, Stage: Idle, submittedAt: time.Now()}
	return nil
}

// validTransitions enumerates the strictly-ordered forward edges of the
// state machine (stall/unstall/replay are handled by their own methods,
// not through Advance).
var validTransitions = map[Stage]Stage{
	Idle:             AddressDecode,
	AddressDecode:    TlbLookup,
	TlbLookup:        PermissionCheck,
	PermissionCheck:  CollisionDetect,
	CollisionDetect:  TranslationComplete,
}

// Advance moves op_id to newStage. It is idempotent when newStage is
// already the op's current stage. On reaching TranslationComplete the op
// is removed from the active set and onComplete is invoked.
func (c *Coordinator) Advance(id uint64, newStage Stage) error {
	c.activeMu.Lock()
	op, ok := c.active[id]
	if !ok {
		c.activeMu.Unlock()
		return fmt.Errorf("pipeline: op %d not active", id)
	}
	if op.Stage == newStage {
		c.activeMu.Unlock()
		return nil
	}
	want, known := validTransitions[op.Stage]
	if !known || want != newStage {
		c.activeMu.Unlock()
		return fmt.Errorf("pipeline: op %d cannot advance %s -> %s", id, op.Stage, newStage)
	}
	op.Stage = newStage
	complete := newStage == TranslationComplete
	if complete {
		delete(c.active, id)
	}
	c.activeMu.Unlock()

	if complete {
		c.latency.Record(time.Since(op.submittedAt).Nanoseconds())
		if c.onComplete != nil {
			c.onComplete(op)
		}
	}
	return nil
}

// Latency returns the accumulated processing-time statistics for every op
// that has reached TranslationComplete.
func (c *Coordinator) Latency() (totalNs, completed int64) {
	return c.latency.Fetch()
}

// Stall moves id from the active set to the stall queue, recorded with
// reason and the caller's current time (ms) for later timeout checks.
func (c *Coordinator) Stall(id uint64, reason StallReason, nowMs int64) error {
	c.activeMu.Lock()
	op, ok := c.active[id]
	if ok {
		delete(c.active, id)
	}
	c.activeMu.Unlock()
	if !ok {
		return fmt.Errorf("pipeline: op %d not active", id)
	}
	op.Stage = Stalled
	op.StallReason = reason
	op.StalledAtMs = nowMs

	c.stallMu.Lock()
	defer c.stallMu.Unlock()
	if len(c.stall) >= c.cfg.StallBound {
		return fmt.Errorf("pipeline: stall queue full (%d)", c.cfg.StallBound)
	}
	c.stall = append(c.stall, op)
	return nil
}

// Unstall re-admits id to the active set. The active set is unordered, so
// highPriority has no effect on where the op is placed. If the active set
// has no room it instead queues the op for replay.
func (c *Coordinator) Unstall(id uint64, highPriority bool) error {
	c.stallMu.Lock()
	var op *Op
	for i, candidate := range c.stall {
		if candidate.ID == id {
			op = candidate
			c.stall = append(c.stall[:i], c.stall[i+1:]...)
			break
		}
	}
	c.stallMu.Unlock()
	if op == nil {
		return fmt.Errorf("pipeline: op %d not stalled", id)
	}

	c.activeMu.Lock()
	if len(c.active) >= c.cfg.ActiveBound {
		c.activeMu.Unlock()
		c.queueReplay(op)
		return nil
	}
	op.Stage = op.priorStageOrDecode()
	_ = highPriority // active set has no inherent order; head/tail is meaningful
	// only to an external scheduler consuming completions, which this
	// coordinator does not reorder beyond admission.
	c.active[id] = op
	c.activeMu.Unlock()
	return nil
}

// priorStageOrDecode resumes a re-admitted op at AddressDecode: the
// coordinator does not track which stage preceded the stall beyond the
// fact that it was active, so re-entry restarts the stage sequence from
// the top.
func (op *Op) priorStageOrDecode() Stage { return AddressDecode }

func (c *Coordinator) queueReplay(op *Op) {
	op.Stage = ReplayPending
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	c.replay = append(c.replay, op)
}

// CheckTimeouts scans the stall queue for ops stalled longer than the
// configured timeout at nowMs, moving each either to replay (if it has
// replays remaining) or dropping it. It returns the ids dropped.
func (c *Coordinator) CheckTimeouts(nowMs int64) (dropped []uint64) {
	c.stallMu.Lock()
	var kept []*Op
	var timedOut []*Op
	for _, op := range c.stall {
		if nowMs-op.StalledAtMs >= c.cfg.StallTimeoutMs {
			timedOut = append(timedOut, op)
		} else {
			kept = append(kept, op)
		}
	}
	c.stall = kept
	c.stallMu.Unlock()

	for _, op := range timedOut {
		if op.Replays < c.cfg.MaxReplays {
			op.Replays++
			c.queueReplay(op)
		} else {
			dropped = append(dropped, op.ID)
		}
	}
	return dropped
}

// DrainReplays pulls every op currently queued for replay and re-submits
// it at AddressDecode, for a caller ticking the coordinator. Ops that
// cannot be re-admitted (active queue full) are returned to the replay
// queue for the next tick.
func (c *Coordinator) DrainReplays() {
	c.replayMu.Lock()
	pending := c.replay
	c.replay = nil
	c.replayMu.Unlock()

	var requeue []*Op
	for _, op := range pending {
		c.activeMu.Lock()
		if len(c.active) >= c.cfg.ActiveBound {
			c.activeMu.Unlock()
			requeue = append(requeue, op)
			continue
		}
		op.Stage = AddressDecode
		c.active[op.ID] = op
		c.activeMu.Unlock()
	}
	if len(requeue) > 0 {
		c.replayMu.Lock()
		c.replay = append(c.replay, requeue...)
		c.replayMu.Unlock()
	}
}

// Drain flushes every queue, used on a severe error. It returns the ids of
// every op it discarded.
func (c *Coordinator) Drain() (discarded []uint64) {
	c.activeMu.Lock()
	for id := range c.active {
		discarded = append(discarded, id)
	}
	c.active = make(map[uint64]*Op)
	c.activeMu.Unlock()

	c.stallMu.Lock()
	for _, op := range c.stall {
		discarded = append(discarded, op.ID)
	}
	c.stall = nil
	c.stallMu.Unlock()

	c.replayMu.Lock()
	for _, op := range c.replay {
		discarded = append(discarded, op.ID)
	}
	c.replay = nil
	c.replayMu.Unlock()

	return discarded
}

// Depths reports the current size of each queue, for diagnostics and
// tests.
func (c *Coordinator) Depths() (active, stall, replay int) {
	c.activeMu.Lock()
	active = len(c.active)
	c.activeMu.Unlock()
	c.stallMu.Lock()
	stall = len(c.stall)
	c.stallMu.Unlock()
	c.replayMu.Lock()
	replay = len(c.replay)
	c.replayMu.Unlock()
	return
}
