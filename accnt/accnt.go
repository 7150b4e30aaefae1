package accnt

import "sync/atomic"

/**
 * LatencyAcct_t accumulates processing-time statistics for completed
 * pipeline operations.
 *
 * TotalNs and Completed are both updated and read through atomic ops, so
 * Record/Add/Fetch never need to coordinate through a lock.
 */
type LatencyAcct_t struct {
	/// Nanoseconds of processing time accumulated across all completed ops.
	TotalNs int64
	/// Number of operations that contributed to TotalNs.
	Completed int64
}

/// Record adds one completed operation's processing time.
///
/// @param elapsedNs Time from submit to TranslationComplete, in nanoseconds.
func (a *LatencyAcct_t) Record(elapsedNs int64) {
	atomic.AddInt64(&a.TotalNs, elapsedNs)
	atomic.AddInt64(&a.Completed, 1)
}

/// Add merges another latency record into this one.
///
/// @param n Record to merge.
func (a *LatencyAcct_t) Add(n *LatencyAcct_t) {
	total, completed := n.Fetch()
	atomic.AddInt64(&a.TotalNs, total)
	atomic.AddInt64(&a.Completed, completed)
}

/// Fetch returns (total nanoseconds, completed count). The two values are
/// loaded separately, so a concurrent Record may be reflected in one and
/// not yet in the other.
///
/// @return Accumulated nanoseconds and operation count.
func (a *LatencyAcct_t) Fetch() (int64, int64) {
	return atomic.LoadInt64(&a.TotalNs), atomic.LoadInt64(&a.Completed)
}

/// Average returns the mean processing time in nanoseconds, or 0 if no
/// operations have completed.
func (a *LatencyAcct_t) Average() int64 {
	total, n := a.Fetch()
	if n == 0 {
		return 0
	}
	return total / n
}
