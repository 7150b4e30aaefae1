// Package stats provides the atomic counter types shared by the
// translation core's various Statistics structs (TranslationCache,
// PerCpuTLB, TLBSystem, addrxlate.Translator). The counters are always
// live rather than gated behind a build-time debug flag, since every core
// component's statistics are part of its observable contract rather than
// a debug-only feature.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"unsafe"
)

// Counter_t is a relaxed-semantics statistical counter, safe for concurrent
// increment from the lock-free read path.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, 1)
}

// Add adds delta to the counter.
func (c *Counter_t) Add(delta int64) {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, delta)
}

// Get returns the current value.
func (c *Counter_t) Get() int64 {
	n := (*int64)(unsafe.Pointer(c))
	return atomic.LoadInt64(n)
}

// Reset zeroes the counter.
func (c *Counter_t) Reset() {
	n := (*int64)(unsafe.Pointer(c))
	atomic.StoreInt64(n, 0)
}

// Cycles_t accumulates elapsed nanoseconds, used for latency-style
// counters (e.g. total time spent stalled).
type Cycles_t int64

// Add adds elapsed nanoseconds to the counter.
func (c *Cycles_t) Add(ns int64) {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, ns)
}

// Get returns the accumulated nanoseconds.
func (c *Cycles_t) Get() int64 {
	n := (*int64)(unsafe.Pointer(c))
	return atomic.LoadInt64(n)
}

// String renders every Counter_t/Cycles_t field of a statistics struct as a
// "\n\t#Field: value" line, for ad-hoc debug dumps of Statistics structs.
func String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		ft := v.Field(i).Type().String()
		switch {
		case strings.HasSuffix(ft, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		case strings.HasSuffix(ft, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}
