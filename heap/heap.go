// Package heap implements the slab of reference-counted slots backing
// every mutable or large guest value: lists, dicts, sets, tuples, user
// objects, iterators, cells, byte strings, long strings, and exceptions
// (spec.md §3 "Heap slot"). Slots are addressed by a stable HeapId that
// never changes across a GC pass (spec.md: "HeapIds are stable across
// GC; slots are not compacted in normal operation").
package heap

import (
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vmtracker"
)

type HeapId = value.HeapId

// Tag identifies which concrete SlotData a Slot holds.
type Tag byte

const (
	TagList Tag = iota
	TagDict
	TagSet
	TagTuple
	TagUserObject
	TagIterator
	TagCell
	TagBytes
	TagLongString
	TagException
	TagClosure
)

// SlotData is implemented by every concrete heap payload type.
type SlotData interface {
	heapTag() Tag
	// children appends every value.Value this payload directly holds onto
	// dst, for refcount release and cycle-collection traversal.
	children(dst []value.Value) []value.Value
}

// Slot is one heap cell: its payload, refcount, and liveness.
type Slot struct {
	Data     SlotData
	Refcount int32
	Live     bool
}

// Heap is the slab plus free list.
type Heap struct {
	slots    []Slot
	freeList []HeapId
	tracker  *vmtracker.Tracker

	sinceLastGC int64
}

func New(tracker *vmtracker.Tracker) *Heap {
	return &Heap{tracker: tracker}
}

// LoadSlots rebuilds a Heap from a previously-dumped slot list, in
// original HeapId order, so every Ref/Cell Value decoded alongside it
// still resolves to the same slot index it did before the dump (spec.md
// §4.6: "HeapIds serialize as their numeric slot"). Dead slots are
// re-threaded onto the free list so subsequent Allocs reuse them exactly
// as they would have pre-dump.
func LoadSlots(tracker *vmtracker.Tracker, slots []Slot) *Heap {
	h := &Heap{tracker: tracker, slots: slots}
	for i, s := range slots {
		if !s.Live {
			h.freeList = append(h.freeList, HeapId(i))
		}
	}
	return h
}

// Alloc reserves a slot for data, charging sizeHint bytes against the
// tracker's memory limit, and returns the new slot's HeapId with
// refcount 1 (the caller's own reference).
func (h *Heap) Alloc(data SlotData, sizeHint int64) (HeapId, error) {
	if h.tracker != nil {
		if err := h.tracker.OnAlloc(sizeHint); err != nil {
			return 0, err
		}
	}
	if n := len(h.freeList); n > 0 {
		id := h.freeList[n-1]
		h.freeList = h.freeList[:n-1]
		h.slots[id] = Slot{Data: data, Refcount: 1, Live: true}
		return id, nil
	}
	id := HeapId(len(h.slots))
	h.slots = append(h.slots, Slot{Data: data, Refcount: 1, Live: true})
	return id, nil
}

func (h *Heap) Incref(id HeapId) {
	s := &h.slots[id]
	if !s.Live {
		panic("heap: incref on dead slot")
	}
	s.Refcount++
}

// Decref releases one reference to id; when the refcount reaches zero the
// slot's contents are recursively released and the slot returns to the
// free list.
func (h *Heap) Decref(id HeapId) {
	s := &h.slots[id]
	if !s.Live {
		panic("heap: decref on dead slot")
	}
	s.Refcount--
	if s.Refcount > 0 {
		return
	}
	h.freeSlot(id)
}

func (h *Heap) freeSlot(id HeapId) {
	s := &h.slots[id]
	data := s.Data
	s.Data = nil
	s.Live = false
	h.freeList = append(h.freeList, id)
	for _, child := range data.children(nil) {
		child.DropWithHeap(h)
	}
}

// Get returns the slot's payload. Panics if id does not name a live slot
// (a use-after-free, which the reference-counting discipline is supposed
// to make unreachable from well-formed bytecode).
func (h *Heap) Get(id HeapId) SlotData {
	s := &h.slots[id]
	if !s.Live {
		panic("heap: access to dead slot")
	}
	return s.Data
}

func (h *Heap) Slot(id HeapId) *Slot { return &h.slots[id] }

// Len reports the slab size (including dead/free slots), useful for
// snapshotting and tests.
func (h *Heap) Len() int { return len(h.slots) }

// SlotTruthy implements value.Truthier: a heap-backed Ref's truthiness
// follows its concrete payload's emptiness.
func (h *Heap) SlotTruthy(id HeapId) bool {
	switch d := h.Get(id).(type) {
	case *List:
		return len(d.Elems) != 0
	case *Dict:
		return len(d.entries) != 0
	case *Set:
		return len(d.entries) != 0
	case *Tuple:
		return len(d.Elems) != 0
	case *Bytes:
		return len(d.Data) != 0
	case *LongString:
		return len(d.Data) != 0
	default:
		return true
	}
}

// ShouldCollect reports whether enough allocations have happened since
// the last CollectCycles call to warrant another pass, per the
// gc_interval configured on the tracker.
func (h *Heap) ShouldCollect() bool {
	h.sinceLastGC++
	interval := int64(4096)
	if h.tracker != nil {
		interval = h.tracker.GCInterval()
	}
	if h.sinceLastGC >= interval {
		h.sinceLastGC = 0
		return true
	}
	return false
}
