// Package integrator implements TLBCacheIntegrator, the request surface
// the rest of the CPU model drives: one call per memory reference, with
// the VA->PA caching, translation fallback, and cache-hierarchy delegation
// that entails. A fast local map is consulted before anything else,
// falling back to the full translation stack only on miss. The adaptive
// optimizer observes every reference alongside that fallback path: its
// bank assignment becomes the cache partition key once banking escalates,
// and its stride prefetcher's predictions turn into speculative
// cache-hierarchy requests whenever a predicted address already has a
// resolved mapping.
package integrator

import (
	"fmt"
	"sync"
	"time"

	"alphatlb/addrxlate"
	"alphatlb/collision"
	"alphatlb/config"
	"alphatlb/errhandler"
	"alphatlb/observability"
	"alphatlb/optimizer"
	"alphatlb/pipeline"
	"alphatlb/tlbentry"
	"alphatlb/tlblog"
	"alphatlb/tlbsystem"
	"alphatlb/translationcache"
	"alphatlb/walker"
)

// OpKind is the kind of memory reference being serviced.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpExecute
)

func (k OpKind) access() tlbentry.Access {
	switch k {
	case OpWrite:
		return tlbentry.AccessWrite
	case OpExecute:
		return tlbentry.AccessExecute
	default:
		return tlbentry.AccessRead
	}
}

// CoherencyState mirrors the cache hierarchy collaborator's line states.
type CoherencyState int

const (
	Invalid CoherencyState = iota
	Shared
	Exclusive
	Modified
	Owned
)

// CacheRequestKind is the typed request the integrator issues to the
// external cache hierarchy collaborator.
type CacheRequestKind int

const (
	CacheRead CacheRequestKind = iota
	CacheWrite
	CachePrefetch
	CacheInvalidate
	CacheFlush
	CacheWriteback
)

func (k CacheRequestKind) String() string {
	switch k {
	case CacheRead:
		return "read"
	case CacheWrite:
		return "write"
	case CachePrefetch:
		return "prefetch"
	case CacheInvalidate:
		return "invalidate"
	case CacheFlush:
		return "flush"
	case CacheWriteback:
		return "writeback"
	default:
		return "unknown"
	}
}

// CacheResponse is what the cache hierarchy collaborator returns for a
// CacheRequestKind.
type CacheResponse struct {
	Hit        bool
	Level      string
	Coherency  CoherencyState
}

// CacheHierarchy is the external L1/L2/L3/LLC collaborator consumed by
// the integrator. Implementations may also push unsolicited flush
// notifications through FlushSignals.
type CacheHierarchy interface {
	Request(kind CacheRequestKind, pa uint64, size int) CacheResponse
	// FlushSignals returns a channel the integrator drains for
	// out-of-band flush notifications (e.g. a coherency eviction driven
	// by another CPU). A nil channel means the collaborator never signals.
	FlushSignals() <-chan uint64
}

// Response is returned from ProcessMemoryRequest.
type Response struct {
	PA         uint64
	CacheHit   bool
	CacheLevel string
	Fault      bool
	FaultKind  walker.FaultReason
}

// Config bundles the pieces an Integrator is built from.
type Config struct {
	PageSize          int
	TBTableSize       int             // power of two; size of the addrxlate.Translator's TBIndex space
	OptimizerStrategy config.Strategy // zero value behaves as config.StrategyDisabled
}

const defaultTBTableSize = 256

func granularityFromPageSize(pageSize int) tlbentry.Granularity {
	switch pageSize {
	case 64 * 1024:
		return tlbentry.Gran64KB
	case 4 * 1024 * 1024:
		return tlbentry.Gran4MB
	case 256 * 1024 * 1024:
		return tlbentry.Gran256MB
	default:
		return tlbentry.Gran8KB
	}
}

// Integrator implements TLBCacheIntegrator.
type Integrator struct {
	mu sync.RWMutex

	pageSize uint64
	vaToPA   map[uint64]uint64 // keyed by va &^ (pageSize-1)
	vaToPID  map[uint64]uint64 // same key, tracks owning pid for flush_process_mappings

	gran tlbentry.Granularity

	system     *tlbsystem.System
	walker     *walker.Walker
	cache      *translationcache.Cache
	coord      *pipeline.Coordinator
	detect     *collision.Detector
	errs       *errhandler.Handler
	hier       CacheHierarchy
	translator *addrxlate.Translator
	opt        *optimizer.Optimizer

	log  tlblog.Logger
	sink observability.Sink

	hitsL1, hitsL2, hitsL3, hitsLLC, misses int64
	collisionsTotal, collisionsSeen         int64
	nextOpID                                uint64
}

// New constructs an Integrator wiring together the rest of the core.
func New(cfg Config, system *tlbsystem.System, w *walker.Walker, cache *translationcache.Cache, coord *pipeline.Coordinator, detect *collision.Detector, errs *errhandler.Handler, hier CacheHierarchy, log tlblog.Logger, sink observability.Sink) *Integrator {
	if sink == nil {
		sink = observability.Discard
	}
	if log == nil {
		log = tlblog.Nop()
	}
	tableSize := cfg.TBTableSize
	if tableSize <= 0 {
		tableSize = defaultTBTableSize
	}
	return &Integrator{
		pageSize:   uint64(cfg.PageSize),
		vaToPA:     make(map[uint64]uint64),
		vaToPID:    make(map[uint64]uint64),
		gran:       granularityFromPageSize(cfg.PageSize),
		system:     system,
		walker:     w,
		cache:      cache,
		coord:      coord,
		detect:     detect,
		errs:       errs,
		hier:       hier,
		translator: addrxlate.New(uint64(tableSize)),
		opt:        optimizer.New(cfg.OptimizerStrategy),
		log:        log,
		sink:       sink,
	}
}

func (in *Integrator) pageKey(va uint64) uint64 { return va &^ (in.pageSize - 1) }

// cacheCallerID picks the partition key TranslationCache.Lookup/Insert route
// on. Banking disabled (BankCount() == Bank1) falls back to tid, the prior
// per-thread scheme; once the adaptive optimizer escalates banking, the
// bank a VA/access hashes to becomes the partition key instead, so entries
// routed to the same bank land in the same cache partition.
func (in *Integrator) cacheCallerID(tid, va uint64, op OpKind) uint64 {
	bankCount := in.opt.BankCount()
	if bankCount <= optimizer.Bank1 {
		return tid
	}
	return uint64(optimizer.BankFor(va, in.gran, bankCount, op != OpWrite))
}

// maybePrefetch issues a speculative cache-hierarchy request for a stride
// prediction, but only when prefetchVA already has a resolved mapping: a
// wrong stride guess should cost a hierarchy request, never a fresh page
// table walk or fault.
func (in *Integrator) maybePrefetch(cpuID tlbsystem.CpuId, prefetchVA, pid uint64, size int) {
	if in.hier == nil {
		return
	}
	key := in.pageKey(prefetchVA)
	in.mu.RLock()
	pa, known := in.vaToPA[key]
	in.mu.RUnlock()
	if !known {
		return
	}
	physAddr := pa | (prefetchVA & (in.pageSize - 1))
	resp := in.hier.Request(CachePrefetch, physAddr, size)
	in.opt.Prefetcher().RecordOutcome(pid, resp.Hit)
	in.sink.Observe(observability.Event{
		Kind: observability.CacheCoherencyEvent, PA: physAddr,
		SourceCPU: int(cpuID), CacheOp: CachePrefetch.String(),
	})
}

// tickOptimizer folds one resolveTranslation's collision outcome into the
// running collision-reduction ratio and ticks the adaptive optimizer with
// it; Tick itself is a no-op outside StrategyAdaptiveReplacement and is
// further rate-limited to once per 100 ms.
func (in *Integrator) tickOptimizer(collisionKind collision.CollisionKind) {
	in.mu.Lock()
	in.collisionsTotal++
	if collisionKind != collision.None {
		in.collisionsSeen++
	}
	total, seen := in.collisionsTotal, in.collisionsSeen
	in.mu.Unlock()

	ratio := 1.0
	if total > 0 {
		ratio = 1 - float64(seen)/float64(total)
	}
	in.opt.Tick(time.Now(), ratio)
}

// ProcessMemoryRequest services one memory reference end-to-end.
func (in *Integrator) ProcessMemoryRequest(cpuID tlbsystem.CpuId, va uint64, op OpKind, pid, tid uint64, size int, ptbrPfn uint64, privileged bool, nowMs int64) (Response, error) {
	key := in.pageKey(va)

	in.mu.RLock()
	pa, known := in.vaToPA[key]
	in.mu.RUnlock()

	if !known {
		res, err := in.resolveTranslation(cpuID, va, op, pid, tid, ptbrPfn, privileged, nowMs)
		if err != nil {
			return Response{}, err
		}
		if !res.Success {
			in.errs.Report(faultKindFor(res.FaultReason), errhandler.Error, va, pid, tid, "translation fault: "+res.FaultReason.String(), nowMs)
			in.sink.Observe(observability.Event{Kind: observability.TranslationFault, VA: va, FaultKind: res.FaultReason.String()})
			return Response{Fault: true, FaultKind: res.FaultReason}, nil
		}
		pa = res.PA &^ (in.pageSize - 1)
		in.mu.Lock()
		in.vaToPA[key] = pa
		in.vaToPID[key] = pid
		in.mu.Unlock()
	}

	offset := va & (in.pageSize - 1)
	physAddr := pa | offset

	if prefetchVA, emit := in.opt.Prefetcher().Observe(pid, va); emit {
		in.maybePrefetch(cpuID, prefetchVA, pid, size)
	}

	kind := CacheRead
	if op == OpWrite {
		kind = CacheWrite
	}
	var cacheResp CacheResponse
	if in.hier != nil {
		cacheResp = in.hier.Request(kind, physAddr, size)
		in.recordLevel(cacheResp)
		in.sink.Observe(observability.Event{
			Kind: observability.CacheCoherencyEvent, PA: physAddr,
			SourceCPU: int(cpuID), CacheOp: kind.String(),
		})
	}

	in.drainFlushSignals()

	return Response{PA: physAddr, CacheHit: cacheResp.Hit, CacheLevel: cacheResp.Level}, nil
}

func faultKindFor(fr walker.FaultReason) errhandler.ErrorKind {
	switch fr {
	case walker.FaultProtectionRead, walker.FaultProtectionWrite, walker.FaultProtectionExec:
		return errhandler.KindProtectionViolation
	case walker.FaultPrivilegeViolation:
		return errhandler.KindPrivilegeViolation
	case walker.FaultInvalid:
		return errhandler.KindPageFault
	case walker.FaultNonCanonical:
		return errhandler.KindInvalidAddress
	default:
		return errhandler.KindTranslationFault
	}
}

func (in *Integrator) recordLevel(resp CacheResponse) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !resp.Hit {
		in.misses++
		return
	}
	switch resp.Level {
	case "L1":
		in.hitsL1++
	case "L2":
		in.hitsL2++
	case "L3":
		in.hitsL3++
	default:
		in.hitsLLC++
	}
}

// resolveTranslation consults TLBSystem first, then walks the page table
// on miss, inserting the result into both the per-CPU TLB and the shared
// TranslationCache.
func (in *Integrator) resolveTranslation(cpuID tlbsystem.CpuId, va uint64, op OpKind, pid, tid uint64, ptbrPfn uint64, privileged bool, nowMs int64) (walker.Result, error) {
	started := time.Now()
	in.nextOpID++
	opID := in.nextOpID

	in.translator.RecordTranslation()
	if err := in.coord.Submit(opID); err != nil {
		in.errs.Report(errhandler.KindResourceExhaustion, errhandler.Error, va, pid, tid, err.Error(), nowMs)
		return walker.Result{}, fmt.Errorf("integrator: %w", err)
	}
	in.coord.Advance(opID, pipeline.AddressDecode)

	if !addrxlate.IsCanonical(va) {
		in.translator.RecordViolation()
		in.coord.Advance(opID, pipeline.TlbLookup)
		in.coord.Advance(opID, pipeline.PermissionCheck)
		in.coord.Advance(opID, pipeline.CollisionDetect)
		in.coord.Advance(opID, pipeline.TranslationComplete)
		return walker.Result{Success: false, FaultReason: walker.FaultNonCanonical}, nil
	}
	in.coord.Advance(opID, pipeline.TlbLookup)

	cpuTLB, err := in.system.Cpu(cpuID)
	if err != nil {
		return walker.Result{}, err
	}
	access := op.access()
	if pa, ok := cpuTLB.Find(va, uint32(pid), access, op == OpExecute, privileged); ok {
		in.translator.RecordHit()
		in.coord.Advance(opID, pipeline.PermissionCheck)
		in.coord.Advance(opID, pipeline.CollisionDetect)
		in.coord.Advance(opID, pipeline.TranslationComplete)
		in.sink.Observe(observability.Event{
			Kind: observability.TranslationCompleted, OpID: opID, VA: va, PA: pa,
			LatencyNs: time.Since(started).Nanoseconds(),
		})
		return walker.Result{Success: true, PA: pa}, nil
	}
	if pa, ok := in.cache.Lookup(va, uint32(pid), privileged, op == OpExecute, in.cacheCallerID(tid, va, op)); ok {
		in.translator.RecordHit()
		in.coord.Advance(opID, pipeline.PermissionCheck)
		in.coord.Advance(opID, pipeline.CollisionDetect)
		in.coord.Advance(opID, pipeline.TranslationComplete)
		in.sink.Observe(observability.Event{
			Kind: observability.TranslationCompleted, OpID: opID, VA: va, PA: pa,
			LatencyNs: time.Since(started).Nanoseconds(),
		})
		return walker.Result{Success: true, PA: pa}, nil
	}
	in.translator.RecordMiss()
	in.coord.Advance(opID, pipeline.PermissionCheck)

	tbIndex := in.translator.TBIndex(va, in.gran)
	collisionKind := in.detect.Detect(tbIndex, va, op != OpWrite)
	in.tickOptimizer(collisionKind)
	if in.detect.ShouldStall(collisionKind, op != OpWrite, collision.OldestFirst) {
		in.coord.Stall(opID, pipeline.Collision, nowMs)
		in.sink.Observe(observability.Event{
			Kind: observability.CollisionDetected, OpID: opID, VA: va,
			CollisionKind: collisionKind.String(), TBIndex: tbIndex,
		})
		return walker.Result{}, fmt.Errorf("integrator: op %d stalled on collision at tb_index %d", opID, tbIndex)
	}
	slot, registered := in.detect.Register(collision.Op{VirtualPage: va, TBIndex: tbIndex, Kind: collisionKindOf(op), ThreadID: tid, StartTime: nowMs})
	if registered {
		defer in.detect.Unregister(va, tbIndex, tid)
	}
	_ = slot

	in.coord.Advance(opID, pipeline.CollisionDetect)

	res := in.walker.Translate(va, ptbrPfn, access, privileged)
	if res.Success {
		entry := tlbentry.New(va, res.PA&^res.Granularity.OffsetMask(), uint32(pid), res.Permits, res.Granularity, res.KernelOnly, op == OpExecute, false)
		cpuTLB.Insert(entry)
		in.cache.Insert(va, res.PA&^res.Granularity.OffsetMask(), uint32(pid), res.Permits, res.KernelOnly, op == OpExecute, false, in.cacheCallerID(tid, va, op))
	} else {
		in.translator.RecordFault()
	}

	in.coord.Advance(opID, pipeline.TranslationComplete)
	if res.Success {
		in.sink.Observe(observability.Event{
			Kind: observability.TranslationCompleted, OpID: opID, VA: va, PA: res.PA,
			LatencyNs: time.Since(started).Nanoseconds(),
		})
	}
	return res, nil
}

func collisionKindOf(op OpKind) collision.Kind {
	if op == OpWrite {
		return collision.Store
	}
	return collision.Load
}

// InvalidateAddressMapping drops va's cached PA so the next reference
// re-resolves it.
func (in *Integrator) InvalidateAddressMapping(va uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	key := in.pageKey(va)
	delete(in.vaToPA, key)
	delete(in.vaToPID, key)
}

// FlushProcessMappings drops every cached VA->PA entry owned by pid.
func (in *Integrator) FlushProcessMappings(pid uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for key, owner := range in.vaToPID {
		if owner == pid {
			delete(in.vaToPA, key)
			delete(in.vaToPID, key)
		}
	}
}

// FlushAllMappings drops the entire VA->PA map.
func (in *Integrator) FlushAllMappings() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.vaToPA = make(map[uint64]uint64)
	in.vaToPID = make(map[uint64]uint64)
}

// drainFlushSignals consumes any pending out-of-band flush notifications
// from the cache hierarchy collaborator (e.g. a coherency eviction driven
// by another CPU), invalidating the local map for each signaled address.
func (in *Integrator) drainFlushSignals() {
	if in.hier == nil {
		return
	}
	ch := in.hier.FlushSignals()
	if ch == nil {
		return
	}
	for {
		select {
		case va := <-ch:
			in.InvalidateAddressMapping(va)
		default:
			return
		}
	}
}

// Statistics is a point-in-time snapshot of the integrator's per-level
// cache hit counters.
type Statistics struct {
	HitsL1, HitsL2, HitsL3, HitsLLC, Misses int64
}

// GetStatistics returns a Statistics snapshot.
func (in *Integrator) GetStatistics() Statistics {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return Statistics{
		HitsL1:  in.hitsL1,
		HitsL2:  in.hitsL2,
		HitsL3:  in.hitsL3,
		HitsLLC: in.hitsLLC,
		Misses:  in.misses,
	}
}
