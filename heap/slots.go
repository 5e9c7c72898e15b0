package heap

import (
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/value"
)

// Closure is the heap representation of a function value that captured
// one or more free variables via MakeClosure. A plain MakeFunction (no
// free variables) needs no heap allocation at all and is represented
// directly as a Value of tag Function — see DESIGN.md for why a Closure
// slot exists instead of giving Value::Function an instance payload.
type Closure struct {
	FunctionId intern.FunctionId
	Cells      []HeapId
}

func (*Closure) heapTag() Tag { return TagClosure }

func (c *Closure) children(dst []value.Value) []value.Value {
	for _, id := range c.Cells {
		dst = append(dst, value.Cell(id))
	}
	return dst
}

// List backs both the mutable list literal and any value built with
// BuildList.
type List struct {
	Elems []value.Value
}

func (*List) heapTag() Tag { return TagList }

func (l *List) children(dst []value.Value) []value.Value {
	return append(dst, l.Elems...)
}

// dictKey is a comparable projection of a value.Value, used to key the
// Dict/Set index maps. It supports every primitive tag; keys of tag
// SmallTuple/SmallList/Ref fall back to identity-by-bits, which is exact
// for Ref (heap identity) and approximate-but-deterministic for the
// (rare, and in practice unused) case of a compound literal used
// directly as a dict key.
type dictKey struct {
	tag  value.Tag
	bits uint64
}

func keyOf(v value.Value) dictKey {
	return dictKey{tag: v.Tag(), bits: v.RawBits()}
}

type dictEntry struct {
	Key value.Value
	Val value.Value
}

// Dict is the ordered map†→Value container (spec.md: "ordered map
// StringId→Value and Value→Value variants" — a single representation
// serves both since a StringId key is just a Value of tag InternString).
type Dict struct {
	entries []dictEntry
	index   map[dictKey]int
}

func NewDict() *Dict {
	return &Dict{index: make(map[dictKey]int)}
}

func (*Dict) heapTag() Tag { return TagDict }

func (d *Dict) children(dst []value.Value) []value.Value {
	for _, e := range d.entries {
		dst = append(dst, e.Key, e.Val)
	}
	return dst
}

func (d *Dict) Len() int { return len(d.entries) }

// Get returns the value stored for key and whether it was present. The
// returned Value is NOT cloned; callers that push it onto the operand
// stack must CloneWithHeap it first (read-without-consuming semantics).
func (d *Dict) Get(key value.Value) (value.Value, bool) {
	i, ok := d.index[keyOf(key)]
	if !ok {
		return value.Value{}, false
	}
	return d.entries[i].Val, true
}

// Set inserts or overwrites key→val, preserving original insertion order
// on overwrite. The caller has already transferred ownership of both key
// and val's refcounts into the dict; on overwrite, the old value's
// refcount is released by the caller (BinarySubscr/StoreSubscr), not
// here, to keep heap access callback-free.
func (d *Dict) Set(key, val value.Value) (old value.Value, existed bool) {
	k := keyOf(key)
	if i, ok := d.index[k]; ok {
		old = d.entries[i].Val
		d.entries[i].Val = val
		return old, true
	}
	d.index[k] = len(d.entries)
	d.entries = append(d.entries, dictEntry{Key: key, Val: val})
	return value.Value{}, false
}

// Delete removes key, returning the removed value if present.
func (d *Dict) Delete(key value.Value) (value.Value, bool) {
	k := keyOf(key)
	i, ok := d.index[k]
	if !ok {
		return value.Value{}, false
	}
	removed := d.entries[i]
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	delete(d.index, k)
	for j := i; j < len(d.entries); j++ {
		d.index[keyOf(d.entries[j].Key)] = j
	}
	return removed.Val, true
}

// Keys returns the dict's keys in insertion order. The slice is owned by
// the caller but the Values alias the dict's own (not cloned).
func (d *Dict) Keys() []value.Value {
	out := make([]value.Value, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.Key
	}
	return out
}

func (d *Dict) Entries() []dictEntry { return d.entries }

// Set is the unordered-by-spec but insertion-ordered-in-practice
// container used by BuildSet; modeled the same way as Dict but with only
// keys (values are the presence marker).
type Set struct {
	entries []value.Value
	index   map[dictKey]int
}

func NewSet() *Set {
	return &Set{index: make(map[dictKey]int)}
}

func (*Set) heapTag() Tag { return TagSet }

func (s *Set) children(dst []value.Value) []value.Value {
	return append(dst, s.entries...)
}

func (s *Set) Len() int { return len(s.entries) }

func (s *Set) Contains(v value.Value) bool {
	_, ok := s.index[keyOf(v)]
	return ok
}

// Add inserts v if not already present; returns false if it was already a
// member (in which case the caller owns dropping v's refcount, since
// ownership was not transferred into the set).
func (s *Set) Add(v value.Value) bool {
	k := keyOf(v)
	if _, ok := s.index[k]; ok {
		return false
	}
	s.index[k] = len(s.entries)
	s.entries = append(s.entries, v)
	return true
}

func (s *Set) Remove(v value.Value) (value.Value, bool) {
	k := keyOf(v)
	i, ok := s.index[k]
	if !ok {
		return value.Value{}, false
	}
	removed := s.entries[i]
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	delete(s.index, k)
	for j := i; j < len(s.entries); j++ {
		s.index[keyOf(s.entries[j])] = j
	}
	return removed, true
}

func (s *Set) Values() []value.Value { return s.entries }

// Tuple is an immutable fixed-size sequence, used when BuildTuple
// exceeds the SmallTuple inline threshold.
type Tuple struct {
	Elems []value.Value
}

func (*Tuple) heapTag() Tag { return TagTuple }

func (t *Tuple) children(dst []value.Value) []value.Value {
	return append(dst, t.Elems...)
}

// UserObject is a host-defined object instance: a type tag plus a flat
// field vector. Field layout (name→index) is owned by the host's type
// registry, not the VM (spec.md §1: "the object model of built-in types
// beyond the shape the VM requires" is out of scope).
type UserObject struct {
	TypeId uint32
	Fields []value.Value
}

func (*UserObject) heapTag() Tag { return TagUserObject }

func (o *UserObject) children(dst []value.Value) []value.Value {
	return append(dst, o.Fields...)
}

// Cell is the one-slot box a closure shares with its enclosing frame.
type Cell struct {
	Val value.Value
}

func (*Cell) heapTag() Tag { return TagCell }

func (c *Cell) children(dst []value.Value) []value.Value {
	return append(dst, c.Val)
}

// Bytes is an immutable byte string too large (or too frequently mutated
// via slicing) to live in the intern table.
type Bytes struct {
	Data []byte
}

func (*Bytes) heapTag() Tag { return TagBytes }

func (*Bytes) children(dst []value.Value) []value.Value { return dst }

// LongString is a heap-resident string built at runtime (e.g. via
// BuildFString), as opposed to an interned compile-time literal.
type LongString struct {
	Data string
}

func (*LongString) heapTag() Tag { return TagLongString }

func (*LongString) children(dst []value.Value) []value.Value { return dst }

// TracebackFrame is one entry of an Exception's captured call stack,
// matching the boundary error taxonomy of spec.md §6.
type TracebackFrame struct {
	Filename     string
	Line, Column int
	EndLine, EndColumn int
	FunctionName string
	SourceLine   string
}

// Exception is the heap representation of a raised error: its type,
// message, captured traceback, and optional chained cause/context
// (spec.md §3, and the chaining supplement in SPEC_FULL.md).
type Exception struct {
	TypeId          uint32
	TypeName        string
	Message         string
	TracebackFrames []TracebackFrame
	Cause           *value.Value
	Context         *value.Value
}

func (*Exception) heapTag() Tag { return TagException }

func (e *Exception) children(dst []value.Value) []value.Value {
	if e.Cause != nil {
		dst = append(dst, *e.Cause)
	}
	if e.Context != nil {
		dst = append(dst, *e.Context)
	}
	return dst
}
