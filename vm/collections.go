package vm

import (
	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/value"
)

// buildList and buildTuple materialize count stack-top values (in source
// order) into an inline SmallList/SmallTuple when count is small enough
// (spec.md §3's inline fast path), or a heap List/Tuple otherwise.
func (m *VM) buildList(count int) error {
	elems := m.popN(count)
	if count <= value.MaxInline() {
		m.push(value.SmallList(elems))
		return nil
	}
	id, err := m.Heap.Alloc(&heap.List{Elems: elems}, int64(16*count))
	if err != nil {
		value.DropSlice(elems, m.Heap)
		return err
	}
	m.push(value.Ref(id))
	return nil
}

func (m *VM) buildTuple(count int) error {
	elems := m.popN(count)
	if count <= value.MaxInline() {
		m.push(value.SmallTuple(elems))
		return nil
	}
	id, err := m.Heap.Alloc(&heap.Tuple{Elems: elems}, int64(16*count))
	if err != nil {
		value.DropSlice(elems, m.Heap)
		return err
	}
	m.push(value.Ref(id))
	return nil
}

func (m *VM) buildSet(count int) error {
	elems := m.popN(count)
	s := heap.NewSet()
	for _, e := range elems {
		if !s.Add(e) {
			e.DropWithHeap(m.Heap)
		}
	}
	id, err := m.Heap.Alloc(s, int64(24*count))
	if err != nil {
		return err
	}
	m.push(value.Ref(id))
	return nil
}

// buildDict pops 2*count values, alternating key, value, in source order.
func (m *VM) buildDict(count int) error {
	kv := m.popN(2 * count)
	d := heap.NewDict()
	for i := 0; i < count; i++ {
		k, v := kv[2*i], kv[2*i+1]
		if old, existed := d.Set(k, v); existed {
			k.DropWithHeap(m.Heap)
			old.DropWithHeap(m.Heap)
		}
	}
	id, err := m.Heap.Alloc(d, int64(32*count))
	if err != nil {
		return err
	}
	m.push(value.Ref(id))
	return nil
}

// buildFString concatenates count stack-top values into one LongString,
// rendering each through displayString (the compiler pushes the parts as
// they are, per expr.go's compileExpr FStringExpr case).
func (m *VM) buildFString(count int) error {
	parts := m.popN(count)
	out := make([]byte, 0, 16*count)
	for _, p := range parts {
		out = append(out, m.displayString(p)...)
		p.DropWithHeap(m.Heap)
	}
	id, err := m.Heap.Alloc(&heap.LongString{Data: string(out)}, int64(len(out)))
	if err != nil {
		return err
	}
	m.push(value.Ref(id))
	return nil
}

func (m *VM) displayString(v value.Value) string {
	switch v.Tag() {
	case value.TagInternString:
		return m.Interns.String(intern.StringId(v.AsStringId()))
	case value.TagRef:
		if ls, ok := m.Heap.Get(v.AsHeapId()).(*heap.LongString); ok {
			return ls.Data
		}
		return v.String()
	default:
		return v.String()
	}
}

// binarySubscr implements container[index] (spec.md §4.3 BinarySubscr):
// pop index, container; push the looked-up value cloned (since the
// container keeps its own reference), dropping both operands.
func (m *VM) binarySubscr() (bool, Outcome, value.Value, error) {
	idx := m.pop()
	container := m.pop()
	result, gerr := m.subscr(container, idx)
	idx.DropWithHeap(m.Heap)
	container.DropWithHeap(m.Heap)
	if gerr != nil {
		return m.raiseGuestErr(gerr)
	}
	m.push(result)
	return false, 0, value.Value{}, nil
}

func (m *VM) subscr(container, idx value.Value) (value.Value, *guestErr) {
	switch container.Tag() {
	case value.TagSmallTuple, value.TagSmallList:
		elems := container.AsSmall()
		i, gerr := indexInto(idx, len(elems))
		if gerr != nil {
			return value.Value{}, gerr
		}
		return elems[i].CloneWithHeap(m.Heap), nil
	case value.TagRef:
		switch d := m.Heap.Get(container.AsHeapId()).(type) {
		case *heap.List:
			i, gerr := indexInto(idx, len(d.Elems))
			if gerr != nil {
				return value.Value{}, gerr
			}
			return d.Elems[i].CloneWithHeap(m.Heap), nil
		case *heap.Tuple:
			i, gerr := indexInto(idx, len(d.Elems))
			if gerr != nil {
				return value.Value{}, gerr
			}
			return d.Elems[i].CloneWithHeap(m.Heap), nil
		case *heap.Dict:
			v, ok := d.Get(idx)
			if !ok {
				return value.Value{}, &guestErr{"KeyError", "key not found"}
			}
			return v.CloneWithHeap(m.Heap), nil
		}
	}
	return value.Value{}, &guestErr{"TypeError", "value is not subscriptable"}
}

func indexInto(idx value.Value, n int) (int, *guestErr) {
	if idx.Tag() != value.TagInt {
		return 0, &guestErr{"TypeError", "index must be an integer"}
	}
	i := int(idx.AsInt())
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, &guestErr{"IndexError", "index out of range"}
	}
	return i, nil
}

// storeSubscr implements container[index] = value (StoreSubscr): pops
// value, index, container in that order per compiler/stmt.go's
// compileStoreTarget Rot3 convention.
// storeSubscr expects the post-double-ROT3 stack order compiler/stmt.go's
// compileStoreTarget SubscriptTarget case produces: value on top, index
// beneath it, container at the bottom of the three.
func (m *VM) storeSubscr() (bool, Outcome, value.Value, error) {
	val := m.pop()
	idx := m.pop()
	container := m.pop()
	gerr := m.setSubscr(container, idx, val)
	idx.DropWithHeap(m.Heap)
	container.DropWithHeap(m.Heap)
	if gerr != nil {
		val.DropWithHeap(m.Heap)
		return m.raiseGuestErr(gerr)
	}
	return false, 0, value.Value{}, nil
}

func (m *VM) setSubscr(container, idx, val value.Value) *guestErr {
	if container.Tag() != value.TagRef {
		return &guestErr{"TypeError", "object does not support item assignment"}
	}
	switch d := m.Heap.Get(container.AsHeapId()).(type) {
	case *heap.List:
		i, gerr := indexInto(idx, len(d.Elems))
		if gerr != nil {
			return gerr
		}
		old := d.Elems[i]
		d.Elems[i] = val
		old.DropWithHeap(m.Heap)
		return nil
	case *heap.Dict:
		if old, existed := d.Set(idx.CloneWithHeap(m.Heap), val); existed {
			old.DropWithHeap(m.Heap)
		}
		return nil
	}
	return &guestErr{"TypeError", "object does not support item assignment"}
}

func (m *VM) deleteSubscr() (bool, Outcome, value.Value, error) {
	idx := m.pop()
	container := m.pop()
	gerr := m.delSubscr(container, idx)
	idx.DropWithHeap(m.Heap)
	container.DropWithHeap(m.Heap)
	if gerr != nil {
		return m.raiseGuestErr(gerr)
	}
	return false, 0, value.Value{}, nil
}

func (m *VM) delSubscr(container, idx value.Value) *guestErr {
	if container.Tag() != value.TagRef {
		return &guestErr{"TypeError", "object does not support item deletion"}
	}
	switch d := m.Heap.Get(container.AsHeapId()).(type) {
	case *heap.List:
		i, gerr := indexInto(idx, len(d.Elems))
		if gerr != nil {
			return gerr
		}
		d.Elems[i].DropWithHeap(m.Heap)
		d.Elems = append(d.Elems[:i], d.Elems[i+1:]...)
		return nil
	case *heap.Dict:
		if v, ok := d.Delete(idx); ok {
			v.DropWithHeap(m.Heap)
			return nil
		}
		return &guestErr{"KeyError", "key not found"}
	}
	return &guestErr{"TypeError", "object does not support item deletion"}
}

// attrNameFor resolves a LoadAttr/StoreAttr/DeleteAttr StringId operand
// to its text, used both for UserObject field lookup and the compiler's
// __type_name__ exception-dispatch convention (DESIGN.md compiler entry).
func (m *VM) attrNameFor(id intern.StringId) string {
	return m.Interns.String(id)
}

func (m *VM) loadAttr(nameID intern.StringId) (bool, Outcome, value.Value, error) {
	obj := m.pop()
	name := m.attrNameFor(nameID)
	result, gerr := m.getAttr(obj, name)
	obj.DropWithHeap(m.Heap)
	if gerr != nil {
		return m.raiseGuestErr(gerr)
	}
	m.push(result)
	return false, 0, value.Value{}, nil
}

// getAttr special-cases __type_name__ on an Exception Ref to service the
// compiler's exception-type-matching lowering (compiler/stmt.go
// compileTry): no dedicated is-instance opcode exists, so `except T`
// compiles to a LoadAttr(__type_name__) + CompareEq chain instead, and
// this is the one place that attribute is materialized.
func (m *VM) getAttr(obj value.Value, name string) (value.Value, *guestErr) {
	if obj.Tag() == value.TagRef {
		switch d := m.Heap.Get(obj.AsHeapId()).(type) {
		case *heap.Exception:
			switch name {
			case "__type_name__":
				id, err := m.Heap.Alloc(&heap.LongString{Data: d.TypeName}, int64(len(d.TypeName)))
				if err != nil {
					return value.Value{}, &guestErr{"MemoryError", err.Error()}
				}
				return value.Ref(id), nil
			case "message", "args":
				id, err := m.Heap.Alloc(&heap.LongString{Data: d.Message}, int64(len(d.Message)))
				if err != nil {
					return value.Value{}, &guestErr{"MemoryError", err.Error()}
				}
				return value.Ref(id), nil
			}
		case *heap.UserObject:
			if idx, ok := m.userObjectFieldIndex(d.TypeId, name); ok {
				return d.Fields[idx].CloneWithHeap(m.Heap), nil
			}
		}
	}
	return value.Value{}, &guestErr{"AttributeError", "object has no attribute " + name}
}

// userObjectFieldIndex has no type registry to consult (spec.md §1 keeps
// the object model out of scope), so user-defined attribute access
// beyond the exception/field-by-declared-order shape is not resolvable
// here; always misses, deferring entirely to the host-defined object
// model should one be layered on top.
func (m *VM) userObjectFieldIndex(typeID uint32, name string) (int, bool) {
	return 0, false
}

// storeAttr expects the post-ROT2 stack order compiler/stmt.go's
// compileStoreTarget AttrTarget case produces: value on top, object
// beneath it.
func (m *VM) storeAttr(nameID intern.StringId) (bool, Outcome, value.Value, error) {
	val := m.pop()
	obj := m.pop()
	name := m.attrNameFor(nameID)
	gerr := m.setAttr(obj, name, val)
	obj.DropWithHeap(m.Heap)
	if gerr != nil {
		val.DropWithHeap(m.Heap)
		return m.raiseGuestErr(gerr)
	}
	return false, 0, value.Value{}, nil
}

func (m *VM) setAttr(obj value.Value, name string, val value.Value) *guestErr {
	if obj.Tag() == value.TagRef {
		if d, ok := m.Heap.Get(obj.AsHeapId()).(*heap.UserObject); ok {
			if idx, ok := m.userObjectFieldIndex(d.TypeId, name); ok {
				old := d.Fields[idx]
				d.Fields[idx] = val
				old.DropWithHeap(m.Heap)
				return nil
			}
		}
	}
	return &guestErr{"AttributeError", "object has no attribute " + name}
}

// deleteAttr has no field to remove without a type registry (see
// userObjectFieldIndex); it always raises.
func (m *VM) deleteAttr(nameID intern.StringId) (bool, Outcome, value.Value, error) {
	obj := m.pop()
	name := m.attrNameFor(nameID)
	obj.DropWithHeap(m.Heap)
	return m.raiseGuestErr(&guestErr{"AttributeError", "object has no attribute " + name})
}

// getIter boxes an inline SmallTuple/SmallList into a heap container (the
// Iterator type only owns a Ref source) and allocates a heap.Iterator
// sized to the source's concrete kind (spec.md §3 Iterator).
func (m *VM) getIter() (bool, Outcome, value.Value, error) {
	src := m.pop()
	kind, source, gerr := m.iterSource(src)
	if gerr != nil {
		src.DropWithHeap(m.Heap)
		return m.raiseGuestErr(gerr)
	}
	it := &heap.Iterator{Kind: kind, Source: source}
	id, err := m.Heap.Alloc(it, 8)
	if err != nil {
		source.DropWithHeap(m.Heap)
		return true, OutcomeError, value.Value{}, err
	}
	m.push(value.Ref(id))
	return false, 0, value.Value{}, nil
}

func (m *VM) iterSource(src value.Value) (heap.IterKind, value.Value, *guestErr) {
	switch src.Tag() {
	case value.TagSmallList:
		elems := src.AsSmall()
		id, err := m.Heap.Alloc(&heap.List{Elems: elems}, int64(16*len(elems)))
		if err != nil {
			return 0, value.Value{}, &guestErr{"MemoryError", err.Error()}
		}
		return heap.IterOverList, value.Ref(id), nil
	case value.TagSmallTuple:
		elems := src.AsSmall()
		id, err := m.Heap.Alloc(&heap.Tuple{Elems: elems}, int64(16*len(elems)))
		if err != nil {
			return 0, value.Value{}, &guestErr{"MemoryError", err.Error()}
		}
		return heap.IterOverTuple, value.Ref(id), nil
	case value.TagRef:
		switch m.Heap.Get(src.AsHeapId()).(type) {
		case *heap.List:
			return heap.IterOverList, src, nil
		case *heap.Tuple:
			return heap.IterOverTuple, src, nil
		case *heap.Dict:
			return heap.IterOverDictKeys, src, nil
		case *heap.Set:
			return heap.IterOverSetValues, src, nil
		}
	}
	return 0, value.Value{}, &guestErr{"TypeError", "value is not iterable"}
}

// forIter advances the top-of-stack iterator, pushing its next element
// or, on exhaustion, popping and dropping the iterator and jumping to
// target (spec.md §4.3 ForIter).
func (m *VM) forIter(target uint32) (bool, Outcome, value.Value, error) {
	top := m.top()
	it, ok := m.Heap.Get(top.AsHeapId()).(*heap.Iterator)
	if !ok {
		return m.raiseGuestErr(&guestErr{"TypeError", "FOR_ITER on a non-iterator"})
	}
	v, ok := it.Next(m.Heap)
	if !ok {
		m.pop()
		top.DropWithHeap(m.Heap)
		m.frame().IP = target
		return false, 0, value.Value{}, nil
	}
	m.push(v)
	return false, 0, value.Value{}, nil
}

// unpackSequence implements UnpackSequence count: pop the sequence,
// pushing its count elements in reverse so a subsequent left-to-right
// series of StoreLocal/StoreGlobal targets binds in source order.
func (m *VM) unpackSequence(count int) (bool, Outcome, value.Value, error) {
	seq := m.pop()
	elems, gerr := m.sequenceElems(seq)
	if gerr != nil {
		seq.DropWithHeap(m.Heap)
		return m.raiseGuestErr(gerr)
	}
	if len(elems) != count {
		seq.DropWithHeap(m.Heap)
		return m.raiseGuestErr(&guestErr{"ValueError", "unpacking count mismatch"})
	}
	for i := count - 1; i >= 0; i-- {
		m.push(elems[i].CloneWithHeap(m.Heap))
	}
	seq.DropWithHeap(m.Heap)
	return false, 0, value.Value{}, nil
}

// unpackEx implements UnpackEx before, after (the starred-target form):
// the middle `len(elems)-before-after` elements collect into a list
// bound to the starred target, per spec.md's "a single starred target
// collects the middle slice" rule.
func (m *VM) unpackEx(before, after int) (bool, Outcome, value.Value, error) {
	seq := m.pop()
	elems, gerr := m.sequenceElems(seq)
	if gerr != nil {
		seq.DropWithHeap(m.Heap)
		return m.raiseGuestErr(gerr)
	}
	if len(elems) < before+after {
		seq.DropWithHeap(m.Heap)
		return m.raiseGuestErr(&guestErr{"ValueError", "not enough values to unpack"})
	}
	mid := elems[before : len(elems)-after]
	midClone := make([]value.Value, len(mid))
	for i, e := range mid {
		midClone[i] = e.CloneWithHeap(m.Heap)
	}
	for i := len(elems) - 1; i >= len(elems)-after; i-- {
		m.push(elems[i].CloneWithHeap(m.Heap))
	}
	m.push(value.SmallList(midClone))
	for i := before - 1; i >= 0; i-- {
		m.push(elems[i].CloneWithHeap(m.Heap))
	}
	seq.DropWithHeap(m.Heap)
	return false, 0, value.Value{}, nil
}

func (m *VM) sequenceElems(seq value.Value) ([]value.Value, *guestErr) {
	switch seq.Tag() {
	case value.TagSmallTuple, value.TagSmallList:
		return seq.AsSmall(), nil
	case value.TagRef:
		switch d := m.Heap.Get(seq.AsHeapId()).(type) {
		case *heap.List:
			return d.Elems, nil
		case *heap.Tuple:
			return d.Elems, nil
		}
	}
	return nil, &guestErr{"TypeError", "cannot unpack non-sequence"}
}
