package vm

import (
	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/opcode"
	"github.com/wudi/sandboxvm/value"
)

// step fetches, decodes, and executes exactly one opcode from the
// current frame, per spec.md §4.2's flat one-opcode-plus-fixed-operand
// encoding. It returns halted=true once Run/Resume must stop advancing:
// on completion, an uncaught exception, or an external-call suspension.
func (m *VM) step() (halted bool, outcome Outcome, v value.Value, err error) {
	f := m.frame()
	if f.IP >= uint32(len(f.Code.Bytecode)) {
		return m.implicitReturn()
	}

	m.instructionCount++
	if m.Tracker != nil {
		if terr := m.Tracker.OnTick(1); terr != nil {
			excVal, nerr := m.raiseNew("TimeoutError", terr.Error(), nil, nil)
			if nerr != nil {
				return true, OutcomeError, value.Value{}, nerr
			}
			return m.doRaise(excVal)
		}
	}

	if m.Heap.ShouldCollect() {
		m.collectCycles()
	}

	op := opcode.Op(m.fetchByte())

	switch op {
	case opcode.Nop:
		return false, 0, value.Value{}, nil

	case opcode.Pop:
		m.pop().DropWithHeap(m.Heap)
	case opcode.Dup:
		top := m.top()
		m.push(top.CloneWithHeap(m.Heap))
	case opcode.Rot2:
		n := len(m.stack)
		m.stack[n-1], m.stack[n-2] = m.stack[n-2], m.stack[n-1]
	case opcode.Rot3:
		n := len(m.stack)
		m.stack[n-1], m.stack[n-2], m.stack[n-3] = m.stack[n-2], m.stack[n-3], m.stack[n-1]

	case opcode.LoadConst:
		idx := m.fetchU16()
		m.push(f.Code.Constants[idx].CloneWithHeap(m.Heap))
	case opcode.LoadNone:
		m.push(value.None())
	case opcode.LoadTrue:
		m.push(value.Bool(true))
	case opcode.LoadFalse:
		m.push(value.Bool(false))
	case opcode.LoadSmallInt:
		m.push(value.Int(int64(m.fetchI8())))

	case opcode.LoadLocal0:
		m.push(f.Namespace[0].CloneWithHeap(m.Heap))
	case opcode.LoadLocal1:
		m.push(f.Namespace[1].CloneWithHeap(m.Heap))
	case opcode.LoadLocal2:
		m.push(f.Namespace[2].CloneWithHeap(m.Heap))
	case opcode.LoadLocal3:
		m.push(f.Namespace[3].CloneWithHeap(m.Heap))
	case opcode.LoadLocal:
		idx := m.fetchU8()
		m.push(f.Namespace[idx].CloneWithHeap(m.Heap))
	case opcode.LoadLocalW:
		idx := m.fetchU16()
		m.push(f.Namespace[idx].CloneWithHeap(m.Heap))
	case opcode.StoreLocal:
		idx := m.fetchU8()
		old := f.Namespace[idx]
		f.Namespace[idx] = m.pop()
		old.DropWithHeap(m.Heap)
	case opcode.StoreLocalW:
		idx := m.fetchU16()
		old := f.Namespace[idx]
		f.Namespace[idx] = m.pop()
		old.DropWithHeap(m.Heap)
	case opcode.DeleteLocal:
		idx := m.fetchU8()
		f.Namespace[idx].DropWithHeap(m.Heap)
		f.Namespace[idx] = value.None()

	case opcode.LoadGlobal:
		idx := m.fetchU16()
		name := m.Interns.String(intern.StringId(idx))
		gv, ok := m.globals()[name]
		if !ok {
			return m.raiseGuestErr(&guestErr{"NameError", "name '" + name + "' is not defined"})
		}
		m.push(gv.CloneWithHeap(m.Heap))
	case opcode.StoreGlobal:
		idx := m.fetchU16()
		name := m.Interns.String(intern.StringId(idx))
		old, existed := m.globals()[name]
		m.globals()[name] = m.pop()
		if existed {
			old.DropWithHeap(m.Heap)
		}
	case opcode.LoadCell:
		idx := m.fetchU16()
		id := f.Cells[idx]
		cell := m.Heap.Get(id).(*heap.Cell)
		m.push(cell.Val.CloneWithHeap(m.Heap))
	case opcode.StoreCell:
		idx := m.fetchU16()
		id := f.Cells[idx]
		cell := m.Heap.Get(id).(*heap.Cell)
		old := cell.Val
		cell.Val = m.pop()
		old.DropWithHeap(m.Heap)

	case opcode.BinaryAdd, opcode.BinarySub, opcode.BinaryMul, opcode.BinaryDiv,
		opcode.BinaryFloorDiv, opcode.BinaryMod, opcode.BinaryPow,
		opcode.BinaryAnd, opcode.BinaryOr, opcode.BinaryXor,
		opcode.BinaryLShift, opcode.BinaryRShift, opcode.BinaryMatMul:
		return m.binaryOp(op)

	case opcode.CompareEq, opcode.CompareNe, opcode.CompareLt, opcode.CompareLe,
		opcode.CompareGt, opcode.CompareGe, opcode.CompareIs, opcode.CompareIsNot,
		opcode.CompareIn, opcode.CompareNotIn:
		return m.compareOp(op)

	case opcode.UnaryNot, opcode.UnaryNeg, opcode.UnaryPos, opcode.UnaryInvert:
		return m.unaryOp(op)

	case opcode.InplaceAdd, opcode.InplaceSub, opcode.InplaceMul, opcode.InplaceDiv,
		opcode.InplaceFloorDiv, opcode.InplaceMod, opcode.InplacePow,
		opcode.InplaceAnd, opcode.InplaceOr, opcode.InplaceXor,
		opcode.InplaceLShift, opcode.InplaceRShift, opcode.InplaceMatMul:
		return m.inplaceOp(op)

	case opcode.BuildList:
		n := int(m.fetchU16())
		if err := m.buildList(n); err != nil {
			return true, OutcomeError, value.Value{}, err
		}
	case opcode.BuildTuple:
		n := int(m.fetchU16())
		if err := m.buildTuple(n); err != nil {
			return true, OutcomeError, value.Value{}, err
		}
	case opcode.BuildDict:
		n := int(m.fetchU16())
		if err := m.buildDict(n); err != nil {
			return true, OutcomeError, value.Value{}, err
		}
	case opcode.BuildSet:
		n := int(m.fetchU16())
		if err := m.buildSet(n); err != nil {
			return true, OutcomeError, value.Value{}, err
		}
	case opcode.BuildFString:
		n := int(m.fetchU16())
		if err := m.buildFString(n); err != nil {
			return true, OutcomeError, value.Value{}, err
		}

	case opcode.BinarySubscr:
		return m.binarySubscr()
	case opcode.StoreSubscr:
		return m.storeSubscr()
	case opcode.DeleteSubscr:
		return m.deleteSubscr()
	case opcode.LoadAttr:
		idx := m.fetchU16()
		return m.loadAttr(intern.StringId(idx))
	case opcode.StoreAttr:
		idx := m.fetchU16()
		return m.storeAttr(intern.StringId(idx))
	case opcode.DeleteAttr:
		idx := m.fetchU16()
		return m.deleteAttr(intern.StringId(idx))

	case opcode.CallFunction:
		argc := int(m.fetchU8())
		return m.callFunction(argc)
	case opcode.CallFunctionKw:
		argc := int(m.fetchU8())
		kwargc := int(m.fetchU8())
		return m.callFunctionKw(argc, kwargc)
	case opcode.CallMethod:
		idx := m.fetchU16()
		argc := int(m.fetchU8())
		return m.callMethod(intern.StringId(idx), argc)
	case opcode.CallExternal:
		idx := m.fetchU16()
		argc := int(m.fetchU8())
		return m.callExternal(uint32(idx), argc)

	case opcode.Jump:
		rel := m.fetchI16()
		f.IP = m.jumpTarget(rel)
	case opcode.JumpIfTrue:
		rel := m.fetchI16()
		v := m.pop()
		truthy := v.IsTruthy(m.Heap)
		v.DropWithHeap(m.Heap)
		if truthy {
			f.IP = m.jumpTarget(rel)
		}
	case opcode.JumpIfFalse:
		rel := m.fetchI16()
		v := m.pop()
		truthy := v.IsTruthy(m.Heap)
		v.DropWithHeap(m.Heap)
		if !truthy {
			f.IP = m.jumpTarget(rel)
		}
	case opcode.JumpIfTrueOrPop:
		rel := m.fetchI16()
		if m.top().IsTruthy(m.Heap) {
			f.IP = m.jumpTarget(rel)
		} else {
			m.pop().DropWithHeap(m.Heap)
		}
	case opcode.JumpIfFalseOrPop:
		rel := m.fetchI16()
		if !m.top().IsTruthy(m.Heap) {
			f.IP = m.jumpTarget(rel)
		} else {
			m.pop().DropWithHeap(m.Heap)
		}

	case opcode.GetIter:
		return m.getIter()
	case opcode.ForIter:
		rel := m.fetchI16()
		target := m.jumpTarget(rel)
		return m.forIter(target)

	case opcode.MakeFunction:
		idx := m.fetchU16()
		return m.makeFunction(uint32(idx))
	case opcode.MakeClosure:
		idx := m.fetchU16()
		cellCount := int(m.fetchU8())
		return m.makeClosure(uint32(idx), cellCount)

	case opcode.Raise:
		cause := m.pop()
		return m.doRaiseFromStack(cause, nil)
	case opcode.RaiseFrom:
		from := m.pop()
		cause := m.pop()
		return m.doRaiseFromStack(cause, &from)
	case opcode.Reraise:
		// Bare `raise` inside a handler, or the compiled unmatched-
		// exception-type fallthrough: both run after the handler bind/
		// Pop has already consumed the operand stack's copy, so the
		// exception to re-raise comes from m.currentException, which
		// unwindToHandler leaves set for exactly this purpose.
		if m.currentException != nil {
			exc := (*m.currentException).CloneWithHeap(m.Heap)
			m.currentException.DropWithHeap(m.Heap)
			m.currentException = nil
			return m.doRaise(exc)
		}
		exc := m.pop()
		return m.doRaise(exc)
	case opcode.ClearException:
		if m.currentException != nil {
			m.currentException.DropWithHeap(m.Heap)
			m.currentException = nil
		}

	case opcode.ReturnValue:
		return m.returnValue()

	case opcode.UnpackSequence:
		n := int(m.fetchU8())
		return m.unpackSequence(n)
	case opcode.UnpackEx:
		before := int(m.fetchU8())
		after := int(m.fetchU8())
		return m.unpackEx(before, after)
	}

	return false, 0, value.Value{}, nil
}

// implicitReturn is reached when a frame's bytecode runs off the end
// without an explicit RETURN_VALUE: the module's top-level frame, whose
// body is a plain statement sequence with no trailing return.
func (m *VM) implicitReturn() (bool, Outcome, value.Value, error) {
	f := m.frame()
	value.DropSlice(f.Namespace, m.Heap)
	m.releaseCells(f)
	m.frames = m.frames[:len(m.frames)-1]
	if len(m.frames) == 0 {
		return true, OutcomeCompleted, value.None(), nil
	}
	m.push(value.None())
	return false, 0, value.Value{}, nil
}

// doRaiseFromStack builds a guest-raised exception's heap Exception
// payload from the operand already on the stack (rather than
// synthesizing one internally like raiseGuestErr), recording an explicit
// `raise X from Y` cause when from is non-nil.
func (m *VM) doRaiseFromStack(excOperand value.Value, from *value.Value) (bool, Outcome, value.Value, error) {
	typeName, message := m.describeException(excOperand)
	var cause *value.Value
	if from != nil {
		c := from.CloneWithHeap(m.Heap)
		cause = &c
		from.DropWithHeap(m.Heap)
	}
	excVal, err := m.newException(typeName, message, cause, nil)
	excOperand.DropWithHeap(m.Heap)
	if err != nil {
		return true, OutcomeError, value.Value{}, err
	}
	return m.doRaise(excVal)
}
