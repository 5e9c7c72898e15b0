// Package value implements the tagged Value union the VM pushes and pops
// on every operand stack and stores in every namespace slot.
//
// Values are plain old data: copying a Value never touches a refcount.
// Anything that holds a heap-backed Value is responsible for explicitly
// incref'ing it on clone and decref'ing it on drop, via CloneWithHeap and
// DropWithHeap. This mirrors the teacher's zval-by-value calling
// convention but replaces its GC-pointer object model with explicit
// reference counting, per the spec's heap design.
package value

import (
	"math"
	"strconv"
)

// HeapId is a stable index into a heap slab. It is not tied to any
// specific heap implementation so that value and heap can be compiled
// independently; package heap defines the real slab and implements the
// HeapOps/Truthier capabilities below.
type HeapId uint32

// Tag identifies which variant of Value is populated.
type Tag uint8

const (
	TagNone Tag = iota
	TagBool
	TagInt
	TagFloat
	TagInternString
	TagInternBytes
	TagSmallTuple
	TagSmallList
	TagRef
	TagExtFunction
	TagFunction
	TagCell
)

func (t Tag) String() string {
	switch t {
	case TagNone:
		return "None"
	case TagBool:
		return "Bool"
	case TagInt:
		return "Int"
	case TagFloat:
		return "Float"
	case TagInternString:
		return "InternString"
	case TagInternBytes:
		return "InternBytes"
	case TagSmallTuple:
		return "SmallTuple"
	case TagSmallList:
		return "SmallList"
	case TagRef:
		return "Ref"
	case TagExtFunction:
		return "ExtFunction"
	case TagFunction:
		return "Function"
	case TagCell:
		return "Cell"
	default:
		return "Unknown"
	}
}

// smallInlineMax bounds how large a SmallTuple/SmallList may be before the
// compiler must instead allocate a heap Tuple/List. Kept small so the
// inline representation stays cheap to copy.
const smallInlineMax = 4

// Value is the 16-byte-class tagged union of spec.md §3. The Go
// realization below is not bit-packed to the literal byte count (Go gives
// us no portable way to do that without unsafe tricks that would fight
// the garbage collector on the `small` slice), but it preserves every
// semantic invariant the spec cares about: POD semantics, explicit
// refcount release, and a bounded inline small-collection fast path.
type Value struct {
	tag   Tag
	bits  uint64  // Int/Float bits, Bool (0/1), or the intern/heap id
	small []Value // backing storage for SmallTuple/SmallList only
}

func None() Value                   { return Value{tag: TagNone} }
func Bool(b bool) Value             { return Value{tag: TagBool, bits: boolBits(b)} }
func Int(i int64) Value             { return Value{tag: TagInt, bits: uint64(i)} }
func Float(f float64) Value         { return Value{tag: TagFloat, bits: math.Float64bits(f)} }
func InternString(id uint32) Value  { return Value{tag: TagInternString, bits: uint64(id)} }
func InternBytes(id uint32) Value   { return Value{tag: TagInternBytes, bits: uint64(id)} }
func Ref(id HeapId) Value           { return Value{tag: TagRef, bits: uint64(id)} }
func ExtFunction(id uint32) Value   { return Value{tag: TagExtFunction, bits: uint64(id)} }
func Function(id uint32) Value      { return Value{tag: TagFunction, bits: uint64(id)} }
func Cell(id HeapId) Value          { return Value{tag: TagCell, bits: uint64(id)} }

func boolBits(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// SmallTuple builds an inline tuple. Callers must keep len(elems) <=
// MaxInline(); the VM's BuildTuple allocates a heap Tuple slot otherwise.
func SmallTuple(elems []Value) Value {
	return Value{tag: TagSmallTuple, small: elems}
}

func SmallList(elems []Value) Value {
	return Value{tag: TagSmallList, small: elems}
}

// MaxInline reports the largest collection size eligible for the inline
// SmallTuple/SmallList representation.
func MaxInline() int { return smallInlineMax }

func (v Value) Tag() Tag { return v.tag }

func (v Value) IsNone() bool { return v.tag == TagNone }

func (v Value) AsBool() bool { return v.bits != 0 }

func (v Value) AsInt() int64 { return int64(v.bits) }

func (v Value) AsFloat() float64 { return math.Float64frombits(v.bits) }

func (v Value) AsStringId() uint32 { return uint32(v.bits) }

func (v Value) AsBytesId() uint32 { return uint32(v.bits) }

func (v Value) AsExtFnId() uint32 { return uint32(v.bits) }

func (v Value) AsFunctionId() uint32 { return uint32(v.bits) }

func (v Value) AsHeapId() HeapId { return HeapId(v.bits) }

func (v Value) AsSmall() []Value { return v.small }

// RawBits exposes the underlying 64-bit payload for callers (package heap's
// dict/set key hashing) that need a comparable representation of a
// primitive Value without reaching into unexported fields.
func (v Value) RawBits() uint64 { return v.bits }

// IsHeapBacked reports whether v contributes a refcount to some heap slot.
func (v Value) IsHeapBacked() bool {
	return v.tag == TagRef || v.tag == TagCell
}

// HeapOps is the capability a heap implementation exposes so that Value
// can clone/drop itself without value importing package heap (which would
// be a cyclic import, since heap slots hold Values).
type HeapOps interface {
	Incref(id HeapId)
	Decref(id HeapId)
}

// Truthier is implemented by a heap so that IsTruthy can inspect
// heap-resident containers without value depending on heap's concrete
// types.
type Truthier interface {
	SlotTruthy(id HeapId) bool
}

// IsTruthy implements the source language's truthiness rules: zero
// numeric, empty container, None, False are falsy; everything else is
// truthy.
func (v Value) IsTruthy(h Truthier) bool {
	switch v.tag {
	case TagNone:
		return false
	case TagBool:
		return v.AsBool()
	case TagInt:
		return v.AsInt() != 0
	case TagFloat:
		f := v.AsFloat()
		return f != 0 && !math.IsNaN(f)
	case TagSmallTuple, TagSmallList:
		return len(v.small) != 0
	case TagRef:
		if h == nil {
			return true
		}
		return h.SlotTruthy(v.AsHeapId())
	default:
		// InternString/InternBytes/ExtFunction/Function/Cell are always
		// truthy. Interned content is not inspected, so an interned empty
		// string or empty bytes value is truthy as well; only
		// heap-resident values are judged by SlotTruthy above.
		return true
	}
}

// CloneWithHeap returns a copy of v, incref'ing the target slot if v is
// heap-backed. Nested elements of a SmallTuple/SmallList are cloned
// recursively so every contained Ref/Cell also gets its incref.
func (v Value) CloneWithHeap(h HeapOps) Value {
	switch v.tag {
	case TagRef, TagCell:
		if h != nil {
			h.Incref(v.AsHeapId())
		}
		return v
	case TagSmallTuple, TagSmallList:
		cloned := make([]Value, len(v.small))
		for i, e := range v.small {
			cloned[i] = e.CloneWithHeap(h)
		}
		return Value{tag: v.tag, small: cloned}
	default:
		return v
	}
}

// DropWithHeap releases any refcount v holds, recursing into inline
// collections first. After this call v must not be used again.
func (v Value) DropWithHeap(h HeapOps) {
	switch v.tag {
	case TagRef, TagCell:
		if h != nil {
			h.Decref(v.AsHeapId())
		}
	case TagSmallTuple, TagSmallList:
		for _, e := range v.small {
			e.DropWithHeap(h)
		}
	}
}

// DropSlice releases every value in vs, in order. Used by the VM whenever
// it discards a span of the operand stack (e.g. unwinding to a handler's
// stack_depth, or discarding a frame's leftover operands on return).
func DropSlice(vs []Value, h HeapOps) {
	for _, v := range vs {
		v.DropWithHeap(h)
	}
}

func (v Value) String() string {
	switch v.tag {
	case TagNone:
		return "None"
	case TagBool:
		if v.AsBool() {
			return "True"
		}
		return "False"
	case TagInt:
		return strconv.FormatInt(v.AsInt(), 10)
	case TagFloat:
		return strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)
	default:
		return v.tag.String()
	}
}
