package vm

import (
	"math"

	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/opcode"
	"github.com/wudi/sandboxvm/value"
)

// numeric promotes two operand Values to float64 if either is a Float,
// otherwise keeps them as int64. ok is false for non-numeric operands.
func numericPair(a, b value.Value) (af, bf float64, ai, bi int64, isFloat, ok bool) {
	switch a.Tag() {
	case value.TagInt:
		ai = a.AsInt()
	case value.TagFloat:
		isFloat = true
		af = a.AsFloat()
	default:
		return 0, 0, 0, 0, false, false
	}
	switch b.Tag() {
	case value.TagInt:
		bi = b.AsInt()
	case value.TagFloat:
		isFloat = true
		bf = b.AsFloat()
	default:
		return 0, 0, 0, 0, false, false
	}
	if isFloat {
		if a.Tag() == value.TagInt {
			af = float64(ai)
		}
		if b.Tag() == value.TagInt {
			bf = float64(bi)
		}
	}
	return af, bf, ai, bi, isFloat, true
}

// binaryOp evaluates op over the two popped operands, releasing both
// per the reference-count safety rule (compute, release operands, then
// propagate failure) before pushing a result or raising.
func (m *VM) binaryOp(op opcode.Op) (handled bool, outcome Outcome, v value.Value, err error) {
	b := m.pop()
	a := m.pop()
	res, exc := m.evalBinary(op, a, b)
	a.DropWithHeap(m.Heap)
	b.DropWithHeap(m.Heap)
	if exc != nil {
		return m.raiseGuestErr(exc)
	}
	m.push(res)
	return false, 0, value.Value{}, nil
}

type guestErr struct {
	typeName string
	message  string
}

func (m *VM) raiseGuestErr(g *guestErr) (bool, Outcome, value.Value, error) {
	excVal, err := m.raiseNew(g.typeName, g.message, nil, nil)
	if err != nil {
		return true, OutcomeError, value.Value{}, err
	}
	return m.doRaise(excVal)
}

func (m *VM) evalBinary(op opcode.Op, a, b value.Value) (value.Value, *guestErr) {
	af, bf, ai, bi, isFloat, ok := numericPair(a, b)
	if !ok {
		return value.Value{}, &guestErr{"TypeError", "unsupported operand type(s) for binary operator"}
	}
	switch op {
	case opcode.BinaryAdd:
		if isFloat {
			return value.Float(af + bf), nil
		}
		return value.Int(ai + bi), nil
	case opcode.BinarySub:
		if isFloat {
			return value.Float(af - bf), nil
		}
		return value.Int(ai - bi), nil
	case opcode.BinaryMul:
		if isFloat {
			return value.Float(af * bf), nil
		}
		return value.Int(ai * bi), nil
	case opcode.BinaryDiv:
		if isFloat {
			if bf == 0 {
				return value.Value{}, &guestErr{"ZeroDivisionError", "division by zero"}
			}
			return value.Float(af / bf), nil
		}
		if bi == 0 {
			return value.Value{}, &guestErr{"ZeroDivisionError", "division by zero"}
		}
		return value.Float(float64(ai) / float64(bi)), nil
	case opcode.BinaryFloorDiv:
		if isFloat {
			if bf == 0 {
				return value.Value{}, &guestErr{"ZeroDivisionError", "division by zero"}
			}
			return value.Float(math.Floor(af / bf)), nil
		}
		if bi == 0 {
			return value.Value{}, &guestErr{"ZeroDivisionError", "division by zero"}
		}
		q := ai / bi
		if (ai%bi != 0) && ((ai < 0) != (bi < 0)) {
			q--
		}
		return value.Int(q), nil
	case opcode.BinaryMod:
		if isFloat {
			if bf == 0 {
				return value.Value{}, &guestErr{"ZeroDivisionError", "modulo by zero"}
			}
			return value.Float(math.Mod(af, bf)), nil
		}
		if bi == 0 {
			return value.Value{}, &guestErr{"ZeroDivisionError", "modulo by zero"}
		}
		r := ai % bi
		if r != 0 && (r < 0) != (bi < 0) {
			r += bi
		}
		return value.Int(r), nil
	case opcode.BinaryPow:
		if isFloat {
			return value.Float(math.Pow(af, bf)), nil
		}
		return value.Int(int64(math.Pow(float64(ai), float64(bi)))), nil
	case opcode.BinaryAnd:
		if isFloat {
			return value.Value{}, &guestErr{"TypeError", "bitwise op requires int operands"}
		}
		return value.Int(ai & bi), nil
	case opcode.BinaryOr:
		if isFloat {
			return value.Value{}, &guestErr{"TypeError", "bitwise op requires int operands"}
		}
		return value.Int(ai | bi), nil
	case opcode.BinaryXor:
		if isFloat {
			return value.Value{}, &guestErr{"TypeError", "bitwise op requires int operands"}
		}
		return value.Int(ai ^ bi), nil
	case opcode.BinaryLShift:
		if isFloat {
			return value.Value{}, &guestErr{"TypeError", "shift requires int operands"}
		}
		return value.Int(ai << uint(bi)), nil
	case opcode.BinaryRShift:
		if isFloat {
			return value.Value{}, &guestErr{"TypeError", "shift requires int operands"}
		}
		return value.Int(ai >> uint(bi)), nil
	case opcode.BinaryMatMul:
		return value.Value{}, &guestErr{"TypeError", "matrix multiplication is not supported on scalar operands"}
	}
	return value.Value{}, &guestErr{"TypeError", "unknown binary operator"}
}

func (m *VM) inplaceOp(op opcode.Op) (bool, Outcome, value.Value, error) {
	var binOp opcode.Op
	switch op {
	case opcode.InplaceAdd:
		binOp = opcode.BinaryAdd
	case opcode.InplaceSub:
		binOp = opcode.BinarySub
	case opcode.InplaceMul:
		binOp = opcode.BinaryMul
	case opcode.InplaceDiv:
		binOp = opcode.BinaryDiv
	case opcode.InplaceFloorDiv:
		binOp = opcode.BinaryFloorDiv
	case opcode.InplaceMod:
		binOp = opcode.BinaryMod
	case opcode.InplacePow:
		binOp = opcode.BinaryPow
	case opcode.InplaceAnd:
		binOp = opcode.BinaryAnd
	case opcode.InplaceOr:
		binOp = opcode.BinaryOr
	case opcode.InplaceXor:
		binOp = opcode.BinaryXor
	case opcode.InplaceLShift:
		binOp = opcode.BinaryLShift
	case opcode.InplaceRShift:
		binOp = opcode.BinaryRShift
	default:
		binOp = opcode.BinaryMatMul
	}
	return m.binaryOp(binOp)
}

func (m *VM) unaryOp(op opcode.Op) (bool, Outcome, value.Value, error) {
	v := m.pop()
	switch op {
	case opcode.UnaryNot:
		res := value.Bool(!v.IsTruthy(m.Heap))
		v.DropWithHeap(m.Heap)
		m.push(res)
	case opcode.UnaryNeg:
		switch v.Tag() {
		case value.TagInt:
			m.push(value.Int(-v.AsInt()))
		case value.TagFloat:
			m.push(value.Float(-v.AsFloat()))
		default:
			return m.raiseGuestErr(&guestErr{"TypeError", "bad operand type for unary -"})
		}
	case opcode.UnaryPos:
		switch v.Tag() {
		case value.TagInt, value.TagFloat:
			m.push(v)
		default:
			return m.raiseGuestErr(&guestErr{"TypeError", "bad operand type for unary +"})
		}
	case opcode.UnaryInvert:
		if v.Tag() != value.TagInt {
			return m.raiseGuestErr(&guestErr{"TypeError", "bad operand type for unary ~"})
		}
		m.push(value.Int(^v.AsInt()))
	}
	return false, 0, value.Value{}, nil
}

func (m *VM) compareOp(op opcode.Op) (bool, Outcome, value.Value, error) {
	b := m.pop()
	a := m.pop()
	res, exc := m.evalCompare(op, a, b)
	a.DropWithHeap(m.Heap)
	b.DropWithHeap(m.Heap)
	if exc != nil {
		return m.raiseGuestErr(exc)
	}
	m.push(value.Bool(res))
	return false, 0, value.Value{}, nil
}

func (m *VM) evalCompare(op opcode.Op, a, b value.Value) (bool, *guestErr) {
	switch op {
	case opcode.CompareIs:
		return valuesIdentical(a, b), nil
	case opcode.CompareIsNot:
		return !valuesIdentical(a, b), nil
	case opcode.CompareIn, opcode.CompareNotIn:
		found, err := m.containsValue(b, a)
		if err != nil {
			return false, err
		}
		if op == opcode.CompareNotIn {
			return !found, nil
		}
		return found, nil
	}
	af, bf, ai, bi, isFloat, numOK := numericPair(a, b)
	if numOK {
		var lt, eq bool
		if isFloat {
			lt, eq = af < bf, af == bf
		} else {
			lt, eq = ai < bi, ai == bi
		}
		switch op {
		case opcode.CompareEq:
			return eq, nil
		case opcode.CompareNe:
			return !eq, nil
		case opcode.CompareLt:
			return lt, nil
		case opcode.CompareLe:
			return lt || eq, nil
		case opcode.CompareGt:
			return !lt && !eq, nil
		case opcode.CompareGe:
			return !lt, nil
		}
	}
	switch op {
	case opcode.CompareEq:
		return m.valuesEqual(a, b), nil
	case opcode.CompareNe:
		return !m.valuesEqual(a, b), nil
	}
	return false, &guestErr{"TypeError", "operands do not support ordering comparison"}
}

func valuesIdentical(a, b value.Value) bool {
	if a.Tag() != b.Tag() {
		return false
	}
	switch a.Tag() {
	case value.TagNone:
		return true
	case value.TagRef, value.TagCell:
		return a.AsHeapId() == b.AsHeapId()
	default:
		return a.RawBits() == b.RawBits()
	}
}

// valuesEqual implements value equality for CompareEq/CompareNe and the
// compiler's exception-type dispatch (spec.md §4.4 "type-match helper
// opcode sequence"): two string-bearing values (an interned string or a
// runtime LongString) compare by content rather than identity, so the
// compiled `except ExcType` check works whether ExcType is bound to an
// interned literal or to a runtime-constructed string.
func (m *VM) valuesEqual(a, b value.Value) bool {
	if a.Tag() == value.TagInternString && b.Tag() == value.TagInternString {
		return a.AsStringId() == b.AsStringId()
	}
	as, aok := m.stringContent(a)
	bs, bok := m.stringContent(b)
	if aok && bok {
		return as == bs
	}
	if a.Tag() != b.Tag() {
		return false
	}
	switch a.Tag() {
	case value.TagSmallTuple, value.TagSmallList:
		ea, eb := a.AsSmall(), b.AsSmall()
		if len(ea) != len(eb) {
			return false
		}
		for i := range ea {
			if !m.valuesEqual(ea[i], eb[i]) {
				return false
			}
		}
		return true
	default:
		return valuesIdentical(a, b)
	}
}

func (m *VM) stringContent(v value.Value) (string, bool) {
	switch v.Tag() {
	case value.TagInternString:
		return m.Interns.String(intern.StringId(v.AsStringId())), true
	case value.TagRef:
		if ls, ok := m.Heap.Get(v.AsHeapId()).(*heap.LongString); ok {
			return ls.Data, true
		}
	}
	return "", false
}

func (m *VM) containsValue(container, needle value.Value) (bool, *guestErr) {
	switch container.Tag() {
	case value.TagSmallTuple, value.TagSmallList:
		for _, e := range container.AsSmall() {
			if m.valuesEqual(e, needle) {
				return true, nil
			}
		}
		return false, nil
	case value.TagRef:
		switch d := m.Heap.Get(container.AsHeapId()).(type) {
		case *heap.List:
			for _, e := range d.Elems {
				if m.valuesEqual(e, needle) {
					return true, nil
				}
			}
			return false, nil
		case *heap.Tuple:
			for _, e := range d.Elems {
				if m.valuesEqual(e, needle) {
					return true, nil
				}
			}
			return false, nil
		case *heap.Set:
			return d.Contains(needle), nil
		case *heap.Dict:
			_, ok := d.Get(needle)
			return ok, nil
		}
	}
	return false, &guestErr{"TypeError", "argument is not iterable"}
}
