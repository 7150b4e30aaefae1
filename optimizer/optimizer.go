// Package optimizer implements the performance-tuning layer observing the
// translation core's access patterns: set-space banking, stride-based
// prefetch, and an adaptive tick that chooses between them, each
// threshold-driven strategy switch made under a single exclusive
// evaluation. The adaptive tick is gated by an x/time/rate limiter rather
// than a hand-rolled "last tick timestamp" check, so the 100 ms period is
// expressed the same way the error handler expresses its burst window.
package optimizer

import (
	"time"

	"alphatlb/config"
	"alphatlb/tlbentry"

	"golang.org/x/time/rate"
)

// BankCount is a permitted banking split.
type BankCount int

const (
	Bank1 BankCount = 1
	Bank2 BankCount = 2
	Bank4 BankCount = 4
	Bank8 BankCount = 8
)

// splitmix64 provides the same deterministic hash translationcache.go uses
// for partition assignment, reused here for bank assignment.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// BankFor computes the bank index for va, biasing loads toward even banks
// and stores toward odd banks when bankCount allows it (bankCount==1 has
// no odd bank to bias toward, so every access maps to bank 0).
func BankFor(va uint64, gran tlbentry.Granularity, bankCount BankCount, isLoad bool) int {
	if bankCount <= 1 {
		return 0
	}
	h := splitmix64(va >> gran.OffsetBits())
	bank := int(h % uint64(bankCount))
	if isLoad && bank%2 != 0 {
		bank = (bank + 1) % int(bankCount)
	} else if !isLoad && bank%2 == 0 {
		bank = (bank + 1) % int(bankCount)
	}
	return bank
}

// strideEntry tracks one process's observed access stride.
type strideEntry struct {
	valid      bool
	pid        uint64
	lastVA     uint64
	stride     int64
	confidence int
	hits       int64
	waste      int64
}

// PrefetchTableSize is the number of tracked per-process stride slots.
const PrefetchTableSize = 16

// confidenceThreshold is the minimum confidence before a prefetch is
// actually emitted.
const confidenceThreshold = 3

const maxConfidence = 10

// Prefetcher tracks per-process stride patterns and emits prefetch
// candidates once confidence clears the threshold.
type Prefetcher struct {
	table [PrefetchTableSize]strideEntry
}

// NewPrefetcher constructs an empty Prefetcher.
func NewPrefetcher() *Prefetcher { return &Prefetcher{} }

func (p *Prefetcher) slotFor(pid uint64) int {
	for i := range p.table {
		if p.table[i].valid && p.table[i].pid == pid {
			return i
		}
	}
	for i := range p.table {
		if !p.table[i].valid {
			return i
		}
	}
	// Table full: evict the lowest-confidence slot, the one contributing
	// the least prefetch value.
	victim := 0
	for i := 1; i < len(p.table); i++ {
		if p.table[i].confidence < p.table[victim].confidence {
			victim = i
		}
	}
	return victim
}

// Observe records an access for pid at va, updating its stride confidence.
// It returns the address to prefetch and true if confidence has reached
// the emission threshold.
func (p *Prefetcher) Observe(pid uint64, va uint64) (prefetchVA uint64, emit bool) {
	i := p.slotFor(pid)
	e := &p.table[i]

	if !e.valid {
		*e = strideEntry{valid: true, pid: pid, lastVA: va}
		return 0, false
	}

	observedStride := int64(va) - int64(e.lastVA)
	if observedStride == e.stride && observedStride != 0 {
		if e.confidence < maxConfidence {
			e.confidence++
		}
	} else {
		e.stride = observedStride
		e.confidence = 0
	}
	e.lastVA = va

	if e.confidence >= confidenceThreshold {
		return uint64(int64(va) + e.stride), true
	}
	return 0, false
}

// RecordOutcome updates a pid's hit/waste counters for a previously emitted
// prefetch.
func (p *Prefetcher) RecordOutcome(pid uint64, wasUseful bool) {
	for i := range p.table {
		if p.table[i].valid && p.table[i].pid == pid {
			if wasUseful {
				p.table[i].hits++
			} else {
				p.table[i].waste++
			}
			return
		}
	}
}

// Efficiency returns the aggregate hit/(hit+waste) ratio across every
// tracked process, or 1.0 if nothing has been recorded yet.
func (p *Prefetcher) Efficiency() float64 {
	var hits, waste int64
	for i := range p.table {
		if p.table[i].valid {
			hits += p.table[i].hits
			waste += p.table[i].waste
		}
	}
	if hits+waste == 0 {
		return 1.0
	}
	return float64(hits) / float64(hits+waste)
}

// collisionReductionTarget is the minimum fraction of would-be collisions
// banking must eliminate before the adaptive tick considers it effective.
const collisionReductionTarget = 0.50

// Optimizer drives the adaptive strategy selection tick.
type Optimizer struct {
	strategy   config.Strategy
	adaptive   bool // true once started under StrategyAdaptiveReplacement
	bankCount  BankCount
	prefetcher *Prefetcher
	limiter    *rate.Limiter
}

// New constructs an Optimizer starting at the given strategy. Under
// StrategyAdaptiveReplacement, Tick is free to move strategy between
// StrategyBanking and StrategyPrefetch as it observes effectiveness; the
// adaptive evaluation itself keeps running regardless of which of the two
// is currently selected.
func New(initial config.Strategy) *Optimizer {
	return &Optimizer{
		strategy:   initial,
		adaptive:   initial == config.StrategyAdaptiveReplacement,
		bankCount:  Bank1,
		prefetcher: NewPrefetcher(),
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// Strategy returns the currently selected strategy.
func (o *Optimizer) Strategy() config.Strategy { return o.strategy }

// BankCount returns the active banking split.
func (o *Optimizer) BankCount() BankCount { return o.bankCount }

// Prefetcher exposes the optimizer's stride tracker.
func (o *Optimizer) Prefetcher() *Prefetcher { return o.prefetcher }

// Tick evaluates the adaptive strategy if the 100 ms tick period has
// elapsed (gated by the internal rate limiter, so calling Tick more often
// than the period is harmless). collisionReductionRatio is the caller's
// measure of how well collisions are being avoided (the integrator passes
// the fraction of resolutions that saw no collision); a value below
// collisionReductionTarget escalates banking.
func (o *Optimizer) Tick(now time.Time, collisionReductionRatio float64) {
	if !o.adaptive {
		return
	}
	if !o.limiter.AllowN(now, 1) {
		return
	}

	if collisionReductionRatio < collisionReductionTarget {
		o.escalateBanking()
	}
	if o.prefetcher.Efficiency() < 0.5 {
		o.strategy = config.StrategyBanking
	} else if o.prefetcher.Efficiency() > 0.8 {
		o.strategy = config.StrategyPrefetch
	}
}

func (o *Optimizer) escalateBanking() {
	switch o.bankCount {
	case Bank1:
		o.bankCount = Bank2
	case Bank2:
		o.bankCount = Bank4
	case Bank4:
		o.bankCount = Bank8
	}
}
