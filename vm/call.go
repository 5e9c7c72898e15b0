package vm

import (
	"github.com/google/uuid"

	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/value"
)

// callable resolves a Value to the (FunctionId, cells) pair needed to
// push a new Frame. A plain MakeFunction value carries its FunctionId
// directly; a MakeClosure value is a Ref to a heap.Closure.
func (m *VM) callable(callee value.Value) (intern.FunctionId, []heap.HeapId, bool) {
	switch callee.Tag() {
	case value.TagFunction:
		return intern.FunctionId(callee.AsFunctionId()), nil, true
	case value.TagRef:
		if c, ok := m.Heap.Get(callee.AsHeapId()).(*heap.Closure); ok {
			return c.FunctionId, c.Cells, true
		}
	}
	return 0, nil, false
}

// invoke pushes a new Frame for fnId, binding args/kwargs to the
// function's declared parameters per spec.md §4.5's call convention.
// cells, if non-nil, are the closure's already-captured cell HeapIds,
// installed on the new Frame so LoadCell/StoreCell can address them;
// each is increfed since the frame now holds its own reference,
// released again on ReturnValue/unwind.
func (m *VM) invoke(fnId intern.FunctionId, cells []heap.HeapId, args []value.Value, kwargs map[string]value.Value) (bool, Outcome, value.Value, error) {
	fn := m.Interns.Func(fnId)

	ns := make([]value.Value, fn.NamespaceSize)
	nparams := len(fn.Params)

	npos := len(args)
	if npos > nparams && !fn.HasVararg {
		value.DropSlice(args, m.Heap)
		for _, v := range kwargs {
			v.DropWithHeap(m.Heap)
		}
		return m.raiseGuestErr(&guestErr{"TypeError", "too many positional arguments"})
	}

	fillCount := npos
	if fillCount > nparams {
		fillCount = nparams
	}
	for i := 0; i < fillCount; i++ {
		ns[i] = args[i]
	}
	if fn.HasVararg {
		extra := args[fillCount:]
		cloned := make([]value.Value, len(extra))
		copy(cloned, extra)
		ns[fn.VarargSlot] = value.SmallList(cloned)
		if len(extra) > value.MaxInline() {
			id, err := m.Heap.Alloc(&heap.List{Elems: cloned}, int64(16*len(cloned)))
			if err != nil {
				return true, OutcomeError, value.Value{}, err
			}
			ns[fn.VarargSlot] = value.Ref(id)
		}
	}

	remaining := make(map[string]value.Value, len(kwargs))
	for k, v := range kwargs {
		remaining[k] = v
	}
	for i, p := range fn.Params {
		if i < fillCount {
			continue
		}
		name := m.Interns.String(p.Name)
		if v, ok := remaining[name]; ok {
			ns[i] = v
			delete(remaining, name)
			continue
		}
		if p.HasDefault {
			ns[i] = p.DefaultValue.CloneWithHeap(m.Heap)
			continue
		}
		for _, v := range remaining {
			v.DropWithHeap(m.Heap)
		}
		value.DropSlice(args, m.Heap)
		return m.raiseGuestErr(&guestErr{"TypeError", "missing required argument: " + name})
	}

	if len(remaining) > 0 {
		if !fn.HasKwarg {
			for _, v := range remaining {
				v.DropWithHeap(m.Heap)
			}
			return m.raiseGuestErr(&guestErr{"TypeError", "unexpected keyword argument"})
		}
		d := heap.NewDict()
		for k, v := range remaining {
			keyID := m.Interns.InternString(k)
			d.Set(value.InternString(uint32(keyID)), v)
		}
		id, err := m.Heap.Alloc(d, int64(32*len(remaining)))
		if err != nil {
			return true, OutcomeError, value.Value{}, err
		}
		ns[fn.KwargSlot] = value.Ref(id)
	}

	if m.Tracker != nil {
		if terr := m.Tracker.CheckStack(len(m.frames) + 1); terr != nil {
			value.DropSlice(ns, m.Heap)
			return m.raiseGuestErr(&guestErr{"RecursionError", terr.Error()})
		}
	}

	for _, id := range cells {
		m.Heap.Incref(id)
	}

	f := &Frame{
		Code:       fn.Code,
		Namespace:  ns,
		StackBase:  len(m.stack),
		FunctionID: &fnId,
		Cells:      cells,
	}
	m.frames = append(m.frames, f)
	return false, 0, value.Value{}, nil
}

func (m *VM) callValue(callee value.Value, args []value.Value, kwargs map[string]value.Value) (bool, Outcome, value.Value, error) {
	fnId, cells, ok := m.callable(callee)
	callee.DropWithHeap(m.Heap)
	if !ok {
		value.DropSlice(args, m.Heap)
		for _, v := range kwargs {
			v.DropWithHeap(m.Heap)
		}
		return m.raiseGuestErr(&guestErr{"TypeError", "value is not callable"})
	}
	return m.invoke(fnId, cells, args, kwargs)
}

func (m *VM) callFunction(argc int) (bool, Outcome, value.Value, error) {
	args := m.popN(argc)
	callee := m.pop()
	return m.callValue(callee, args, nil)
}

func (m *VM) callFunctionKw(argc, kwargc int) (bool, Outcome, value.Value, error) {
	kv := m.popN(2 * kwargc)
	args := m.popN(argc)
	callee := m.pop()
	kwargs := make(map[string]value.Value, kwargc)
	for i := 0; i < kwargc; i++ {
		nameVal, val := kv[2*i], kv[2*i+1]
		name := m.displayString(nameVal)
		nameVal.DropWithHeap(m.Heap)
		kwargs[name] = val
	}
	return m.callValue(callee, args, kwargs)
}

// callMethod implements CallMethod: the receiver's `name` attribute is
// looked up and invoked directly, with no implicit self-binding, since
// no user-type/method registry exists in this VM's scope (DESIGN.md).
func (m *VM) callMethod(nameID intern.StringId, argc int) (bool, Outcome, value.Value, error) {
	args := m.popN(argc)
	receiver := m.pop()
	name := m.attrNameFor(nameID)
	callee, gerr := m.getAttr(receiver, name)
	receiver.DropWithHeap(m.Heap)
	if gerr != nil {
		value.DropSlice(args, m.Heap)
		return m.raiseGuestErr(gerr)
	}
	return m.callValue(callee, args, nil)
}

// callExternal suspends the VM to let the embedder service a
// host-defined function (spec.md §6 Suspension): the call's arguments
// are handed over verbatim; execution resumes via Resume/ResumeException.
func (m *VM) callExternal(extID uint32, argc int) (bool, Outcome, value.Value, error) {
	args := m.popN(argc)
	m.pending = &ExternalCall{
		FunctionName: m.Interns.ExternalFunctionName(intern.ExtFnId(extID)),
		Args:         args,
		CallID:       uuid.NewString(),
	}
	return true, OutcomeSuspended, value.Value{}, nil
}

func (m *VM) makeFunction(fnID uint32) (bool, Outcome, value.Value, error) {
	m.push(value.Function(fnID))
	return false, 0, value.Value{}, nil
}

// makeClosure reads, for each of fn's declared free variables, the Cell
// already boxed in the *current* frame's namespace (the compiler stores
// a captured local as a Cell the moment any nested function closes over
// it — see ast.ScopeCell), increfs it, and bundles the set into a new
// heap.Closure the returned Value then owns a reference to.
func (m *VM) makeClosure(fnID uint32, cellCount int) (bool, Outcome, value.Value, error) {
	fn := m.Interns.Func(intern.FunctionId(fnID))
	ns := m.frame().Namespace
	cells := make([]heap.HeapId, 0, len(fn.FreeVars))
	for _, slot := range fn.FreeVars {
		cellVal := ns[slot]
		id := cellVal.AsHeapId()
		m.Heap.Incref(id)
		cells = append(cells, id)
	}
	closure := &heap.Closure{FunctionId: intern.FunctionId(fnID), Cells: cells}
	id, err := m.Heap.Alloc(closure, int64(8*len(cells)))
	if err != nil {
		return true, OutcomeError, value.Value{}, err
	}
	m.push(value.Ref(id))
	return false, 0, value.Value{}, nil
}

// returnValue implements ReturnValue (spec.md §4.5): pop the return
// value, release anything the callee's frame left on the operand stack
// above its own base, release the frame's captured cells, pop the
// frame, and push the return value into the caller.
func (m *VM) returnValue() (bool, Outcome, value.Value, error) {
	rv := m.pop()
	f := m.frame()
	if f.StackBase < len(m.stack) {
		value.DropSlice(m.stack[f.StackBase:], m.Heap)
		m.stack = m.stack[:f.StackBase]
	}
	value.DropSlice(f.Namespace, m.Heap)
	m.releaseCells(f)
	m.frames = m.frames[:len(m.frames)-1]
	if len(m.frames) == 0 {
		return true, OutcomeCompleted, rv, nil
	}
	m.push(rv)
	return false, 0, value.Value{}, nil
}
