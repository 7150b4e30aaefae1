// Package tlbsystem aggregates every CPU's PerCpuTLB behind a single
// registry and fans invalidations out across all of them: a cheap per-CPU
// path when the caller already holds the right context, and an explicit
// broadcast path for cross-CPU invalidation. Broadcast runs fn inline for
// a target count at or below broadcastInlineThreshold and falls back to an
// errgroup of one goroutine per target CPU above it, built on errgroup
// instead of a kernel-level interrupt hook (this module has no equivalent
// primitive to drive an IPI with).
package tlbsystem

import (
	"context"
	"fmt"
	"sync"

	"alphatlb/observability"
	"alphatlb/percputlb"
	"alphatlb/stats"
	"alphatlb/tlblog"

	"golang.org/x/sync/errgroup"
)

// CpuId identifies one registered CPU.
type CpuId int

// System owns every registered CPU's PerCpuTLB.
type System struct {
	mu      sync.RWMutex
	cpus    map[CpuId]*percputlb.TLB
	asn     map[CpuId]uint32
	maxCPUs int
	tlbCap  int

	log  tlblog.Logger
	sink observability.Sink

	age stats.Counter_t
}

// New constructs a System that accepts up to maxCPUs registrations, each
// PerCpuTLB built with the given per-CPU capacity.
func New(maxCPUs, tlbCapacity int, log tlblog.Logger, sink observability.Sink) *System {
	if sink == nil {
		sink = observability.Discard
	}
	if log == nil {
		log = tlblog.Nop()
	}
	return &System{
		cpus:    make(map[CpuId]*percputlb.TLB),
		asn:     make(map[CpuId]uint32),
		maxCPUs: maxCPUs,
		tlbCap:  tlbCapacity,
		log:     log,
		sink:    sink,
	}
}

// RegisterCpu creates a PerCpuTLB for id. It fails if id is out of range or
// already registered.
func (s *System) RegisterCpu(id CpuId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) < 0 || int(id) >= s.maxCPUs {
		return fmt.Errorf("tlbsystem: cpu %d out of range [0,%d)", id, s.maxCPUs)
	}
	if _, exists := s.cpus[id]; exists {
		return fmt.Errorf("tlbsystem: cpu %d already registered", id)
	}
	s.cpus[id] = percputlb.New(int(id), s.tlbCap, s.sink)
	s.asn[id] = 0
	s.log.WithField("cpu", id).Debug("tlbsystem: cpu registered")
	return nil
}

// UnregisterCpu removes id's PerCpuTLB. Callers must not retain references
// to it after this returns.
func (s *System) UnregisterCpu(id CpuId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cpus[id]; !exists {
		return fmt.Errorf("tlbsystem: cpu %d not registered", id)
	}
	delete(s.cpus, id)
	delete(s.asn, id)
	return nil
}

// cpu looks up id's PerCpuTLB under a read lock.
func (s *System) cpu(id CpuId) (*percputlb.TLB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cpus[id]
	if !ok {
		return nil, fmt.Errorf("tlbsystem: cpu %d not registered", id)
	}
	return t, nil
}

// Cpu returns id's PerCpuTLB for pass-through lookup/insert, matching the
// contract's "pass-through translation ... operations scoped to a given
// CPU" — callers invoke percputlb.TLB methods directly on the result.
func (s *System) Cpu(id CpuId) (*percputlb.TLB, error) {
	return s.cpu(id)
}

// UpdateCpuContext records id's new ASN. Per policy, entries tagged with
// the previous ASN are flushed so a reused ASN value can never observe a
// stale translation from a different process.
func (s *System) UpdateCpuContext(id CpuId, newASN uint32) error {
	s.mu.Lock()
	old, ok := s.asn[id]
	t := s.cpus[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("tlbsystem: cpu %d not registered", id)
	}
	s.asn[id] = newASN
	s.mu.Unlock()

	if old != newASN {
		t.InvalidateASN(old)
	}
	return nil
}

// broadcastInlineThreshold is the target count at or below which broadcast
// runs fn inline on the calling goroutine rather than paying for an errgroup and
// one goroutine per CPU: with one or two targets the dispatch overhead
// dwarfs the invalidation work itself.
const broadcastInlineThreshold = 2

// broadcast runs fn against every registered CPU other than exceptCpu,
// returning once every target has run fn. The system's read lock is held
// only long enough to snapshot the CPU set, matching the "release and
// re-acquire around per-CPU mutations" guidance so a slow invalidation on
// one CPU cannot stall registration of another. Fan-out to at most
// broadcastInlineThreshold targets runs inline; above it, fn runs
// concurrently across an errgroup, one goroutine per target CPU.
func (s *System) broadcast(ctx context.Context, exceptCpu CpuId, hasExcept bool, fn func(*percputlb.TLB)) {
	s.mu.RLock()
	targets := make([]*percputlb.TLB, 0, len(s.cpus))
	for id, t := range s.cpus {
		if hasExcept && id == exceptCpu {
			continue
		}
		targets = append(targets, t)
	}
	s.mu.RUnlock()

	if len(targets) <= broadcastInlineThreshold {
		for _, t := range targets {
			fn(t)
		}
		return
	}

	g, _ := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			fn(t)
			return nil
		})
	}
	_ = g.Wait() // fn never returns an error; broadcast is best-effort fan-out
}

// InvalidateAllCpus flushes every registered CPU's TLB except exceptCpu
// (pass hasExcept=false to flush every CPU).
func (s *System) InvalidateAllCpus(ctx context.Context, exceptCpu CpuId, hasExcept bool) {
	s.broadcast(ctx, exceptCpu, hasExcept, func(t *percputlb.TLB) { t.InvalidateAll() })
	s.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "system:all"})
}

// InvalidateASNAllCpus flushes asn's non-global entries on every registered
// CPU except exceptCpu.
func (s *System) InvalidateASNAllCpus(ctx context.Context, asn uint32, exceptCpu CpuId, hasExcept bool) {
	s.broadcast(ctx, exceptCpu, hasExcept, func(t *percputlb.TLB) { t.InvalidateASN(asn) })
	s.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "system:asn", ASN: asn})
}

// InvalidateAddressAllCpus flushes the entry covering va on every
// registered CPU except exceptCpu.
func (s *System) InvalidateAddressAllCpus(ctx context.Context, va uint64, asn uint32, anyASN bool, exceptCpu CpuId, hasExcept bool) {
	s.broadcast(ctx, exceptCpu, hasExcept, func(t *percputlb.TLB) { t.InvalidateAddress(va, asn, anyASN) })
	s.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "system:address", VA: va})
}

// InvalidateInstructionKindAllCpus flushes every entry of the given kind on
// every registered CPU except exceptCpu.
func (s *System) InvalidateInstructionKindAllCpus(ctx context.Context, instruction bool, exceptCpu CpuId, hasExcept bool) {
	s.broadcast(ctx, exceptCpu, hasExcept, func(t *percputlb.TLB) { t.InvalidateInstructionKind(instruction) })
	s.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "system:kind"})
}

// CpuCount returns the number of currently registered CPUs.
func (s *System) CpuCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cpus)
}

// Statistics is a point-in-time snapshot of every registered CPU's counters
// alongside the system-wide age counter.
type Statistics struct {
	PerCpu map[CpuId]percputlb.Statistics
	Age    int64
}

// GetStatistics snapshots every registered CPU's statistics and bumps the
// age counter.
func (s *System) GetStatistics() Statistics {
	s.age.Inc()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[CpuId]percputlb.Statistics, len(s.cpus))
	for id, t := range s.cpus {
		out[id] = t.GetStatistics()
	}
	return Statistics{PerCpu: out, Age: s.age.Get()}
}
