package heap

import "github.com/wudi/sandboxvm/value"

// IterKind distinguishes what an Iterator walks.
type IterKind byte

const (
	IterOverList IterKind = iota
	IterOverTuple
	IterOverDictKeys
	IterOverSetValues
	IterOverRange
)

// Iterator is the heap representation GetIter produces and ForIter
// drives. It owns one refcounted reference to its Source container
// (spec.md §3 "Iterator(iter-specific state + owned source)"), released
// like any other heap child when the iterator slot itself is freed.
type Iterator struct {
	Kind   IterKind
	Source value.Value // owned Ref to the container being walked (unused for IterOverRange)
	Pos    int

	RangeCur  int64
	RangeStop int64
	RangeStep int64
}

func (*Iterator) heapTag() Tag { return TagIterator }

func (it *Iterator) children(dst []value.Value) []value.Value {
	if it.Kind != IterOverRange {
		dst = append(dst, it.Source)
	}
	return dst
}

// Next advances the iterator, returning the next element (already
// CloneWithHeap'd so the caller owns a fresh reference) and true, or a
// zero Value and false on exhaustion. h is needed to dereference the
// owned container and to incref any heap-backed element being handed out.
func (it *Iterator) Next(h *Heap) (value.Value, bool) {
	switch it.Kind {
	case IterOverList:
		l := h.Get(it.Source.AsHeapId()).(*List)
		if it.Pos >= len(l.Elems) {
			return value.Value{}, false
		}
		v := l.Elems[it.Pos].CloneWithHeap(h)
		it.Pos++
		return v, true
	case IterOverTuple:
		t := h.Get(it.Source.AsHeapId()).(*Tuple)
		if it.Pos >= len(t.Elems) {
			return value.Value{}, false
		}
		v := t.Elems[it.Pos].CloneWithHeap(h)
		it.Pos++
		return v, true
	case IterOverDictKeys:
		d := h.Get(it.Source.AsHeapId()).(*Dict)
		if it.Pos >= len(d.entries) {
			return value.Value{}, false
		}
		v := d.entries[it.Pos].Key.CloneWithHeap(h)
		it.Pos++
		return v, true
	case IterOverSetValues:
		s := h.Get(it.Source.AsHeapId()).(*Set)
		if it.Pos >= len(s.entries) {
			return value.Value{}, false
		}
		v := s.entries[it.Pos].CloneWithHeap(h)
		it.Pos++
		return v, true
	case IterOverRange:
		if it.RangeStep > 0 && it.RangeCur >= it.RangeStop {
			return value.Value{}, false
		}
		if it.RangeStep < 0 && it.RangeCur <= it.RangeStop {
			return value.Value{}, false
		}
		v := value.Int(it.RangeCur)
		it.RangeCur += it.RangeStep
		return v, true
	default:
		return value.Value{}, false
	}
}
