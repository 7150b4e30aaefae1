// Package translationcache implements the set-associative, dynamically
// resizable secondary cache of recent translations shared process-wide by
// TLBSystem: sets/ways geometry, auto-tune decision thresholds, and
// partitioned-vs-unified set indexing.
package translationcache

import (
	"sync"

	"alphatlb/observability"
	"alphatlb/stats"
	"alphatlb/tlbentry"
	"alphatlb/tlblog"
	"alphatlb/util"
)

// Partition counts the cache may split its set space into when contention
// triggers enable_partitioning.
const (
	minPartitions = 4
	maxPartitions = 16
)

type way struct {
	entry tlbentry.Entry
}

// Config configures a new Cache. All size fields must be powers of two.
type Config struct {
	InitialSets      int
	InitialWays      int
	MaxSets          int
	MaxWays          int
	PageSize         int
	AutoTuneInterval int64 // operations between auto_tune() evaluations
}

// Cache is the process-wide translation cache. The zero value is not
// usable; construct with New.
type Cache struct {
	mu sync.RWMutex

	sets    [][]way
	pageGr  tlbentry.Granularity
	maxSets int
	maxWays int

	partitioned bool
	partitions  int

	autoTuneInterval int64
	opsSinceTune     stats.Counter_t

	lookups     stats.Counter_t
	hits        stats.Counter_t
	misses      stats.Counter_t
	evictions   stats.Counter_t
	contentions stats.Counter_t

	log  tlblog.Logger
	sink observability.Sink
}

func granularityFromPageSize(pageSize int) tlbentry.Granularity {
	switch pageSize {
	case 8 * 1024:
		return tlbentry.Gran8KB
	case 64 * 1024:
		return tlbentry.Gran64KB
	case 4 * 1024 * 1024:
		return tlbentry.Gran4MB
	case 256 * 1024 * 1024:
		return tlbentry.Gran256MB
	default:
		panic("translationcache: unsupported page size")
	}
}

// New constructs a Cache. log and sink may be tlblog.Nop()/observability.Discard
// when the caller doesn't need logging or events.
func New(cfg Config, log tlblog.Logger, sink observability.Sink) *Cache {
	for _, v := range []int{cfg.InitialSets, cfg.InitialWays, cfg.MaxSets, cfg.MaxWays, cfg.PageSize} {
		if !util.IsPow2(v) {
			panic("translationcache: sizes must be powers of two")
		}
	}
	if cfg.InitialSets > cfg.MaxSets || cfg.InitialWays > cfg.MaxWays {
		panic("translationcache: initial geometry exceeds max geometry")
	}
	if sink == nil {
		sink = observability.Discard
	}
	if log == nil {
		log = tlblog.Nop()
	}
	c := &Cache{
		sets:             make([][]way, cfg.InitialSets),
		pageGr:           granularityFromPageSize(cfg.PageSize),
		maxSets:          cfg.MaxSets,
		maxWays:          cfg.MaxWays,
		autoTuneInterval: cfg.AutoTuneInterval,
		log:              log,
		sink:             sink,
	}
	for i := range c.sets {
		c.sets[i] = make([]way, cfg.InitialWays)
	}
	return c
}

func (c *Cache) activeSets() int { return len(c.sets) }
func (c *Cache) activeWays() int {
	if len(c.sets) == 0 {
		return 0
	}
	return len(c.sets[0])
}

// setIndex computes the set a VA maps to, honoring partitioning via an
// explicit, deterministic per-partition hash keyed on callerID (the ASN
// when reinserting from rehash, since that is the only per-entry identity
// tlbentry.Entry still carries once it has left its original caller's
// hands).
func (c *Cache) setIndex(va uint64, callerID uint64) int {
	pn := va >> c.pageGr.OffsetBits()
	active := c.activeSets()
	if !c.partitioned {
		return int(pn) & (active - 1)
	}
	perPartition := active / c.partitions
	partition := int(splitmix64(callerID) % uint64(c.partitions))
	withinPartition := int(pn) & (perPartition - 1)
	return partition*perPartition + withinPartition
}

// splitmix64 is an explicit, deterministic hash used in place of hashing
// an opaque OS thread id: callers supply any stable identifier (goroutine
// surrogate, CPU id) and get a reproducible spread.
func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// fingerprint matches tlbentry.Entry.Matches semantics but against the raw
// key fields, used for the kernel/instruction discriminators the cache key
// adds on top of (va, asn).
func fingerprintMatches(e *tlbentry.Entry, va uint64, asn uint32, kernel, instruction bool) bool {
	if e.KernelOnly != kernel {
		return false
	}
	return e.Matches(va, asn, instruction)
}

// Lookup searches the cache for a translation covering va. On a hit it
// returns the physical address and true, having bumped the shared access
// counter and (outside partitioned mode) the entry's LRU sequence.
func (c *Cache) Lookup(va uint64, asn uint32, kernel, instruction bool, callerID uint64) (uint64, bool) {
	c.lookups.Inc()
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx := c.setIndex(va, callerID)
	set := c.sets[idx]
	for i := range set {
		e := &set[i].entry
		if e.Valid && fingerprintMatches(e, va, asn, kernel, instruction) {
			c.hits.Inc()
			pa := e.PhysicalFor(va)
			if !c.partitioned {
				e.Touch(c.nextSeqLocked())
			}
			return pa, true
		}
	}
	c.misses.Inc()
	return 0, false
}

var seqCounter stats.Counter_t

func (c *Cache) nextSeqLocked() uint64 {
	seqCounter.Inc()
	return uint64(seqCounter.Get())
}

// Insert installs a new translation, preferring an invalid way and falling
// back to evicting the way with the lowest LastUsed.
func (c *Cache) Insert(va, pa uint64, asn uint32, prot tlbentry.Protection, kernel, instruction, global bool, callerID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.setIndex(va, callerID)
	set := c.sets[idx]

	slot := -1
	for i := range set {
		if !set[i].entry.Valid {
			slot = i
			break
		}
	}
	if slot == -1 {
		slot = c.findLRUWay(set)
		c.evictions.Inc()
	}
	set[slot].entry = tlbentry.New(va, pa, asn, prot, c.pageGr, kernel, instruction, global)
	set[slot].entry.LastUsed = c.nextSeqLocked()

	c.maybeAutoTuneLocked()
}

func (c *Cache) findLRUWay(set []way) int {
	lru := 0
	for i := 1; i < len(set); i++ {
		if set[i].entry.LastUsed < set[lru].entry.LastUsed {
			lru = i
		}
	}
	return lru
}

// InvalidateAll marks every entry invalid.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.sets {
		for w := range c.sets[s] {
			c.sets[s][w].entry.Invalidate()
		}
	}
	c.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "cache:all"})
}

// InvalidateASN marks every non-global entry with the given ASN invalid.
func (c *Cache) InvalidateASN(asn uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.sets {
		for w := range c.sets[s] {
			e := &c.sets[s][w].entry
			if e.Valid && !e.Global && e.ASN == asn {
				e.Invalidate()
			}
		}
	}
	c.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "cache:asn", ASN: asn})
}

// InvalidateAddress marks the entry matching va valid=false across every
// set it could live in (both partitioned and unpartitioned layouts are
// scanned defensively since callerID-derived partitioning at insert time is
// not recoverable from va alone).
func (c *Cache) InvalidateAddress(va uint64, asn uint32, anyASN bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.sets {
		for w := range c.sets[s] {
			e := &c.sets[s][w].entry
			if !e.Valid {
				continue
			}
			pn := va &^ e.Granularity.OffsetMask()
			if e.VirtualPage != pn {
				continue
			}
			if anyASN || e.Global || e.ASN == asn {
				e.Invalidate()
			}
		}
	}
	c.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "cache:address", VA: va})
}

// InvalidateByKind marks every entry whose Instruction flag equals
// instruction invalid.
func (c *Cache) InvalidateByKind(instruction bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.sets {
		for w := range c.sets[s] {
			e := &c.sets[s][w].entry
			if e.Valid && e.Instruction == instruction {
				e.Invalidate()
			}
		}
	}
	c.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "cache:kind"})
}

// maybeAutoTuneLocked is called with c.mu already held for writing, so any
// auto-tune reshape it triggers runs under the same exclusive lock.
func (c *Cache) maybeAutoTuneLocked() {
	c.opsSinceTune.Inc()
	if c.opsSinceTune.Get() < c.autoTuneInterval {
		return
	}
	c.opsSinceTune.Reset()
	c.autoTuneLocked()
}

func (c *Cache) autoTuneLocked() {
	lookups := c.lookups.Get()
	hits := c.hits.Get()
	contentions := c.contentions.Get()
	var hitRate float64
	if lookups > 0 {
		hitRate = float64(hits) / float64(lookups)
	}
	c.log.WithField("hit_rate", hitRate).WithField("contentions", contentions).Debug("translationcache: auto_tune evaluation")

	switch {
	case contentions > 1000:
		if !c.partitioned {
			c.enablePartitioningLocked(minPartitions)
		} else if c.activeWays() > 1 {
			c.reduceWaysLocked()
		}
	case hitRate < 0.85 && lookups > 1000:
		c.expandSetsLocked()
	case hitRate > 0.98 && c.activeWays() > 4:
		c.reduceWaysLocked()
	}
}

// rehash collects every valid entry, rebuilds the set array at the given
// geometry, and reinserts each entry at its new set index, preserving the
// set of valid (fingerprint, PA) pairs across the reshape. A new geometry
// can give a set fewer ways than it has live entries for (reduceWaysLocked
// halving way-count, or enablePartitioningLocked splitting a set's entries
// across partitions); when reinsertion has to evict a still-valid entry to
// make room it counts the eviction as Insert does and also emits a
// TlbInvalidated event (Insert emits none), so auto-tune reshapes never
// drop entries invisibly.
func (c *Cache) rehash(newSets, newWays int, partitioned bool, partitions int) {
	var valid []tlbentry.Entry
	for s := range c.sets {
		for w := range c.sets[s] {
			if c.sets[s][w].entry.Valid {
				valid = append(valid, c.sets[s][w].entry)
			}
		}
	}

	c.sets = make([][]way, newSets)
	for i := range c.sets {
		c.sets[i] = make([]way, newWays)
	}
	c.partitioned = partitioned
	c.partitions = partitions

	for _, e := range valid {
		idx := c.setIndex(e.VirtualPage, uint64(e.ASN))
		set := c.sets[idx]
		slot := -1
		for i := range set {
			if !set[i].entry.Valid {
				slot = i
				break
			}
		}
		if slot == -1 {
			slot = c.findLRUWay(set)
			if set[slot].entry.Valid {
				c.evictions.Inc()
				c.sink.Observe(observability.Event{Kind: observability.TlbInvalidated, Scope: "cache:rehash_evict", VA: set[slot].entry.VirtualPage})
			}
		}
		set[slot].entry = e
	}
}

func (c *Cache) expandSetsLocked() {
	newSets := c.activeSets() * 2
	if newSets > c.maxSets {
		return
	}
	c.rehash(newSets, c.activeWays(), c.partitioned, c.partitions)
	c.sink.Observe(observability.Event{Kind: observability.AutoTune, AutoTuneAction: "expand_sets", NewSets: newSets, NewWays: c.activeWays()})
}

func (c *Cache) expandWaysLocked() {
	newWays := c.activeWays() * 2
	if newWays > c.maxWays {
		return
	}
	c.rehash(c.activeSets(), newWays, c.partitioned, c.partitions)
	c.sink.Observe(observability.Event{Kind: observability.AutoTune, AutoTuneAction: "expand_ways", NewSets: c.activeSets(), NewWays: newWays})
}

func (c *Cache) reduceWaysLocked() {
	newWays := c.activeWays() / 2
	if newWays < 1 {
		return
	}
	c.rehash(c.activeSets(), newWays, c.partitioned, c.partitions)
	c.sink.Observe(observability.Event{Kind: observability.AutoTune, AutoTuneAction: "reduce_ways", NewSets: c.activeSets(), NewWays: newWays})
}

func (c *Cache) enablePartitioningLocked(p int) {
	if p < minPartitions {
		p = minPartitions
	}
	if p > maxPartitions {
		p = maxPartitions
	}
	c.rehash(c.activeSets(), c.activeWays(), true, p)
	c.sink.Observe(observability.Event{Kind: observability.AutoTune, AutoTuneAction: "enable_partitioning"})
}

func (c *Cache) disablePartitioningLocked() {
	c.rehash(c.activeSets(), c.activeWays(), false, 0)
	c.sink.Observe(observability.Event{Kind: observability.AutoTune, AutoTuneAction: "disable_partitioning"})
}

// AutoTune forces an immediate auto-tune evaluation, bypassing the
// operation-count interval. Exposed for tests and for callers that want
// deterministic control over when reshapes happen.
func (c *Cache) AutoTune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoTuneLocked()
}

// ExpandSets, ExpandWays, ReduceWays, EnablePartitioning and
// DisablePartitioning expose the individual auto-tune actions directly, for
// callers (and tests) that want to drive a specific reshape rather than
// relying on the heuristic thresholds.
func (c *Cache) ExpandSets() { c.mu.Lock(); defer c.mu.Unlock(); c.expandSetsLocked() }
func (c *Cache) ExpandWays() { c.mu.Lock(); defer c.mu.Unlock(); c.expandWaysLocked() }
func (c *Cache) ReduceWays() { c.mu.Lock(); defer c.mu.Unlock(); c.reduceWaysLocked() }
func (c *Cache) EnablePartitioning(p int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enablePartitioningLocked(p)
}
func (c *Cache) DisablePartitioning() { c.mu.Lock(); defer c.mu.Unlock(); c.disablePartitioningLocked() }

// NoteContention lets callers (e.g. a caller that observed lock
// contention acquiring the write guard) feed the contention counter that
// feeds the auto-tune heuristic.
func (c *Cache) NoteContention() { c.contentions.Inc() }

// Statistics is a point-in-time snapshot of the cache's counters and
// geometry.
type Statistics struct {
	Lookups     int64
	Hits        int64
	Misses      int64
	Evictions   int64
	Contentions int64
	ActiveSets  int
	ActiveWays  int
	Partitioned bool
	Partitions  int
}

// GetStatistics returns a Statistics snapshot.
func (c *Cache) GetStatistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Statistics{
		Lookups:     c.lookups.Get(),
		Hits:        c.hits.Get(),
		Misses:      c.misses.Get(),
		Evictions:   c.evictions.Get(),
		Contentions: c.contentions.Get(),
		ActiveSets:  c.activeSets(),
		ActiveWays:  c.activeWays(),
		Partitioned: c.partitioned,
		Partitions:  c.partitions,
	}
}

// ResetStatistics zeroes every counter without touching cache contents.
func (c *Cache) ResetStatistics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups.Reset()
	c.hits.Reset()
	c.misses.Reset()
	c.evictions.Reset()
	c.contentions.Reset()
}
