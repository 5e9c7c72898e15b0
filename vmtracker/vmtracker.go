// Package vmtracker implements the ResourceTracker capability spec.md
// §4.1 requires be injected into the heap and VM: allocation byte
// accounting, instruction-count/wall-clock ticking, and call-depth
// checks. Limit violations are reported as Go errors here; see
// LimitError for which of them the VM package turns into guest-visible
// exceptions (spec.md §7).
package vmtracker

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// LimitKind identifies which resource limit was exceeded.
type LimitKind int

const (
	LimitNone LimitKind = iota
	LimitMemory
	LimitTimeout
	LimitRecursion
	LimitAllocations
)

// LimitError is returned by the tracker's hooks when a configured limit
// is exceeded. The VM raises an OnTick failure as a TimeoutError and a
// CheckStack failure as a RecursionError guest exception. An OnAlloc
// failure is a guest MemoryError only where an exception attribute read
// or GetIter's boxing of an inline sequence allocates; every other
// allocating opcode returns it to the host unchanged, as the error of
// Run/Resume with OutcomeError.
type LimitError struct {
	Kind    LimitKind
	Message string
}

func (e *LimitError) Error() string { return e.Message }

// ResourceTracker is the capability the heap and VM consult on every
// allocation, every N instructions, and every call.
type ResourceTracker interface {
	OnAlloc(bytes int64) error
	OnTick(instructions int64) error
	CheckStack(depth int) error
}

// Limits mirrors the embedder-configurable resource limits of spec.md
// §6. A zero value for a field means "unlimited" for that dimension,
// except MaxRecursionDepth which defaults to a safe floor when zero (an
// unbounded Go call stack is not safe inside a host process).
type Limits struct {
	MaxAllocations    int64
	MaxDurationSecs   float64
	MaxMemoryBytes    int64
	GCInterval        int64
	MaxRecursionDepth int
}

const defaultMaxRecursionDepth = 1000
const defaultGCInterval = 4096

// Tracker is the concrete ResourceTracker implementation.
type Tracker struct {
	limits Limits

	allocCount int64
	allocBytes int64

	ticks     int64
	deadline  time.Time
	hasDeadline bool

	maxDepth int
}

// New creates a Tracker from Limits, applying safe defaults for any
// zero-valued field that must not mean "unlimited".
func New(limits Limits) *Tracker {
	t := &Tracker{limits: limits}
	if t.limits.MaxRecursionDepth <= 0 {
		t.limits.MaxRecursionDepth = defaultMaxRecursionDepth
	}
	if t.limits.GCInterval <= 0 {
		t.limits.GCInterval = defaultGCInterval
	}
	if limits.MaxDurationSecs > 0 {
		t.hasDeadline = true
		t.deadline = time.Now().Add(time.Duration(limits.MaxDurationSecs * float64(time.Second)))
	}
	return t
}

// OnAlloc accounts for one heap allocation of the given size, failing
// with a MemoryError-shaped LimitError if either the allocation-count or
// byte-size ceiling is crossed.
func (t *Tracker) OnAlloc(bytes int64) error {
	t.allocCount++
	t.allocBytes += bytes
	if t.limits.MaxAllocations > 0 && t.allocCount > t.limits.MaxAllocations {
		return &LimitError{Kind: LimitAllocations, Message: fmt.Sprintf(
			"allocation limit exceeded: %d allocations (limit %d)", t.allocCount, t.limits.MaxAllocations)}
	}
	if t.limits.MaxMemoryBytes > 0 && t.allocBytes > t.limits.MaxMemoryBytes {
		return &LimitError{Kind: LimitMemory, Message: fmt.Sprintf(
			"memory limit exceeded: allocated %s (limit %s)",
			humanize.Bytes(uint64(t.allocBytes)), humanize.Bytes(uint64(t.limits.MaxMemoryBytes)))}
	}
	return nil
}

// OnTick is called by the VM dispatch loop once per executed instruction,
// with instructions=1. It only checks wall clock, so cheap enough to call
// reasonably often.
func (t *Tracker) OnTick(instructions int64) error {
	t.ticks += instructions
	if t.hasDeadline && time.Now().After(t.deadline) {
		return &LimitError{Kind: LimitTimeout, Message: fmt.Sprintf(
			"execution exceeded %s time limit", humanizeDuration(t.limits.MaxDurationSecs))}
	}
	return nil
}

// CheckStack is called on every function call with the depth the call
// would reach (current frame count + 1).
func (t *Tracker) CheckStack(depth int) error {
	if depth > t.maxDepth {
		t.maxDepth = depth
	}
	if depth > t.limits.MaxRecursionDepth {
		return &LimitError{Kind: LimitRecursion, Message: fmt.Sprintf(
			"recursion limit exceeded: depth %d (limit %d)", depth, t.limits.MaxRecursionDepth)}
	}
	return nil
}

// Stats reports counters useful for diagnostics/tests.
func (t *Tracker) Stats() (allocCount, allocBytes, ticks int64, maxDepth int) {
	return t.allocCount, t.allocBytes, t.ticks, t.maxDepth
}

// GCInterval reports the configured (or defaulted) cycle-collection
// interval, consulted by the heap.
func (t *Tracker) GCInterval() int64 { return t.limits.GCInterval }

func humanizeDuration(secs float64) string {
	return time.Duration(secs * float64(time.Second)).String()
}
