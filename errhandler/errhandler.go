// Package errhandler classifies translation-core faults, picks a recovery
// action from a fixed table, and watches for error bursts severe enough to
// warrant emergency mode. Error history is kept in a ring of structured
// Records; burst detection is built on x/time/rate's token bucket rather
// than a hand-rolled sliding-window counter, since a bucket refilling at
// threshold/window is an adequate (and idiomatic) stand-in for "more than
// threshold errors in window".
package errhandler

import (
	"sync"
	"time"

	"alphatlb/circbuf"

	"golang.org/x/time/rate"
)

// ErrorKind classifies the origin of a reported error.
type ErrorKind int

const (
	KindTranslationFault ErrorKind = iota
	KindProtectionViolation
	KindInvalidAddress
	KindPageFault
	KindPrivilegeViolation
	KindAlignmentFault
	KindBusError
	KindHardwareFault
	KindTimeoutError
	KindResourceExhaustion
)

// Severity is the reported error's severity level.
type Severity int

const (
	Info Severity = iota
	Warning
	Error
	Critical
	Fatal
)

// RecoveryAction is the action recommended for a reported error.
type RecoveryAction int

const (
	ActionNone RecoveryAction = iota
	ActionRetry
	ActionInvalidateEntry
	ActionFlushTlb
	ActionResetPipeline
	ActionEscalateException
	ActionSystemHalt
)

// recoveryTable maps (kind, severity) to the default recovery action, used
// outside emergency mode. TranslationFault escalates Retry to
// InvalidateEntry; PageFault stays at Retry throughout since the CPU agent
// resolves it by installing a mapping; ProtectionViolation/PrivilegeViolation/
// InvalidAddress are never retried internally and escalate straight to the
// caller; BusError/HardwareFault request ResetPipeline even at Critical
// (SystemHalt for a Critical bus/hardware error only applies once emergency
// mode's override in Report kicks in, not from this table).
var recoveryTable = map[ErrorKind]map[Severity]RecoveryAction{
	KindTranslationFault: {
		Info: ActionNone, Warning: ActionRetry, Error: ActionInvalidateEntry,
		Critical: ActionInvalidateEntry, Fatal: ActionSystemHalt,
	},
	KindProtectionViolation: {
		Info: ActionNone, Warning: ActionEscalateException, Error: ActionEscalateException,
		Critical: ActionEscalateException, Fatal: ActionSystemHalt,
	},
	KindInvalidAddress: {
		Info: ActionNone, Warning: ActionEscalateException, Error: ActionEscalateException,
		Critical: ActionEscalateException, Fatal: ActionSystemHalt,
	},
	KindPageFault: {
		Info: ActionRetry, Warning: ActionRetry, Error: ActionRetry,
		Critical: ActionRetry, Fatal: ActionSystemHalt,
	},
	KindPrivilegeViolation: {
		Info: ActionNone, Warning: ActionEscalateException, Error: ActionEscalateException,
		Critical: ActionEscalateException, Fatal: ActionSystemHalt,
	},
	KindAlignmentFault: {
		Info: ActionNone, Warning: ActionRetry, Error: ActionInvalidateEntry,
		Critical: ActionInvalidateEntry, Fatal: ActionSystemHalt,
	},
	KindBusError: {
		Info: ActionNone, Warning: ActionRetry, Error: ActionResetPipeline,
		Critical: ActionResetPipeline, Fatal: ActionSystemHalt,
	},
	KindHardwareFault: {
		Info: ActionNone, Warning: ActionRetry, Error: ActionResetPipeline,
		Critical: ActionResetPipeline, Fatal: ActionSystemHalt,
	},
	KindTimeoutError: {
		Info: ActionNone, Warning: ActionNone, Error: ActionResetPipeline,
		Critical: ActionResetPipeline, Fatal: ActionSystemHalt,
	},
	KindResourceExhaustion: {
		Info: ActionNone, Warning: ActionRetry, Error: ActionResetPipeline,
		Critical: ActionResetPipeline, Fatal: ActionSystemHalt,
	},
}

// Record is one reported error, retained in the history ring.
type Record struct {
	ID             uint64
	Kind           ErrorKind
	Severity       Severity
	VA             uint64
	PID, TID       uint64
	Description    string
	Action         RecoveryAction
	Resolved       bool
	Escalated      bool
	ReportedAtMs   int64
}

// Config configures a Handler's burst and analysis windows.
type Config struct {
	BurstThreshold int
	BurstWindowMs  int
	HistorySize    int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{BurstThreshold: 10, BurstWindowMs: 1000, HistorySize: 256}
}

// Handler classifies errors and tracks emergency/burst state.
type Handler struct {
	mu sync.Mutex

	nextID  uint64
	history *circbuf.Ring[Record]

	limiter      *rate.Limiter
	windowMs     int64
	emergency    bool
	lastBurstMs  int64

	errorsSinceAnalysis int64
	lastAnalysisMs      int64
}

// New constructs a Handler from cfg.
func New(cfg Config) *Handler {
	windowSeconds := float64(cfg.BurstWindowMs) / 1000
	return &Handler{
		history:  circbuf.New[Record](cfg.HistorySize),
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.BurstThreshold)/windowSeconds), cfg.BurstThreshold),
		windowMs: int64(cfg.BurstWindowMs),
	}
}

// updateEmergencyLocked clears emergency mode once a full burst window has
// elapsed since the last trigger without a new one. The other way out is
// an explicit ResetEmergency call.
func (h *Handler) updateEmergencyLocked(nowMs int64) {
	if h.emergency && nowMs-h.lastBurstMs >= h.windowMs {
		h.emergency = false
	}
}

// Report records a new error, classifies severity into a recovery action,
// and returns the assigned error id. now is the caller's monotonic clock
// reading in milliseconds.
func (h *Handler) Report(kind ErrorKind, severity Severity, va uint64, pid, tid uint64, description string, nowMs int64) (id uint64, action RecoveryAction) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.updateEmergencyLocked(nowMs)
	h.errorsSinceAnalysis++

	if !h.limiter.AllowN(time.UnixMilli(nowMs), 1) {
		h.emergency = true
		h.lastBurstMs = nowMs
	}

	if h.emergency {
		if severity == Critical || severity == Fatal {
			action = ActionSystemHalt
		} else {
			action = ActionFlushTlb
		}
	} else {
		action = recoveryTable[kind][severity]
	}

	h.nextID++
	id = h.nextID
	h.history.Push(Record{
		ID:           id,
		Kind:         kind,
		Severity:     severity,
		VA:           va,
		PID:          pid,
		TID:          tid,
		Description:  description,
		Action:       action,
		ReportedAtMs: nowMs,
	})
	return id, action
}

// IsEmergency reports whether the handler is currently in emergency mode.
func (h *Handler) IsEmergency(nowMs int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updateEmergencyLocked(nowMs)
	return h.emergency
}

// ResetEmergency explicitly exits emergency mode.
func (h *Handler) ResetEmergency() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emergency = false
}

// Resolve marks the history entry with the given id resolved, if present.
func (h *Handler) Resolve(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mutateRecordLocked(id, func(r *Record) { r.Resolved = true })
}

// Escalate marks the history entry with the given id escalated, if present.
func (h *Handler) Escalate(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mutateRecordLocked(id, func(r *Record) { r.Escalated = true })
}

func (h *Handler) mutateRecordLocked(id uint64, mutate func(*Record)) bool {
	snap := h.history.Snapshot()
	for i := range snap {
		if snap[i].ID == id {
			mutate(&snap[i])
			h.history.Replace(i, snap[i])
			return true
		}
	}
	return false
}

// History returns a copy of the retained error records, oldest first.
func (h *Handler) History() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Snapshot()
}

// Analyze compares errors reported since the previous Analyze call against
// totalRequests observed over the same interval, reporting whether the
// fault rate exceeded 10%. Callers tick this on the documented 5 s period;
// the interval itself is whatever elapsed between calls.
func (h *Handler) Analyze(totalRequests int64) (faultRate float64, exceeded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if totalRequests <= 0 {
		return 0, false
	}
	r := float64(h.errorsSinceAnalysis) / float64(totalRequests)
	h.errorsSinceAnalysis = 0
	return r, r > 0.10
}
