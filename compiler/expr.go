package compiler

import (
	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/opcode"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vmerr"
)

func (fc *funcCompiler) compileExpr(e ast.Expr) error {
	switch n := e.(type) {
	case *ast.IntLit:
		if n.Value >= -128 && n.Value <= 127 {
			fc.b.Emit1(opcode.LoadSmallInt, uint8(int8(n.Value)))
		} else {
			idx := fc.b.AddConst(value.Int(n.Value))
			fc.b.EmitU16(opcode.LoadConst, idx)
		}
		fc.b.Adjust(1)
	case *ast.FloatLit:
		idx := fc.b.AddConst(value.Float(n.Value))
		fc.b.EmitU16(opcode.LoadConst, idx)
		fc.b.Adjust(1)
	case *ast.BoolLit:
		if n.Value {
			fc.b.Emit0(opcode.LoadTrue)
		} else {
			fc.b.Emit0(opcode.LoadFalse)
		}
		fc.b.Adjust(1)
	case *ast.NoneLit:
		fc.b.Emit0(opcode.LoadNone)
		fc.b.Adjust(1)
	case *ast.StringLit:
		id := fc.interns.InternString(n.Value)
		idx := fc.b.AddConst(value.InternString(uint32(id)))
		fc.b.EmitU16(opcode.LoadConst, idx)
		fc.b.Adjust(1)
	case *ast.BytesLit:
		id := fc.interns.InternBytes(n.Value)
		idx := fc.b.AddConst(value.InternBytes(uint32(id)))
		fc.b.EmitU16(opcode.LoadConst, idx)
		fc.b.Adjust(1)
	case *ast.NameExpr:
		fc.emitLoad(n.Ref)
	case *ast.ListExpr:
		return fc.compileCollection(n.Elems, opcode.BuildList)
	case *ast.TupleExpr:
		return fc.compileCollection(n.Elems, opcode.BuildTuple)
	case *ast.SetExpr:
		return fc.compileCollection(n.Elems, opcode.BuildSet)
	case *ast.DictExpr:
		for i := range n.Keys {
			if err := fc.compileExpr(n.Keys[i]); err != nil {
				return err
			}
			if err := fc.compileExpr(n.Vals[i]); err != nil {
				return err
			}
		}
		fc.b.EmitU16(opcode.BuildDict, uint16(len(n.Keys)))
		fc.b.Adjust(-2*len(n.Keys) + 1)
	case *ast.FStringExpr:
		for _, p := range n.Parts {
			if err := fc.compileExpr(p); err != nil {
				return err
			}
		}
		fc.b.EmitU16(opcode.BuildFString, uint16(len(n.Parts)))
		fc.b.Adjust(-len(n.Parts) + 1)
	case *ast.UnaryExpr:
		if err := fc.compileExpr(n.X); err != nil {
			return err
		}
		fc.b.Emit0(unaryOpcode(n.Op))
	case *ast.BinaryExpr:
		if err := fc.compileExpr(n.X); err != nil {
			return err
		}
		if err := fc.compileExpr(n.Y); err != nil {
			return err
		}
		fc.b.Emit0(binaryOpcode(n.Op))
		fc.b.Adjust(-1)
	case *ast.CompareExpr:
		if err := fc.compileExpr(n.X); err != nil {
			return err
		}
		if err := fc.compileExpr(n.Y); err != nil {
			return err
		}
		fc.b.Emit0(compareOpcode(n.Op))
		fc.b.Adjust(-1)
	case *ast.BoolOpExpr:
		return fc.compileBoolOp(n)
	case *ast.SubscriptExpr:
		if err := fc.compileExpr(n.X); err != nil {
			return err
		}
		if err := fc.compileExpr(n.Index); err != nil {
			return err
		}
		fc.b.Emit0(opcode.BinarySubscr)
		fc.b.Adjust(-1)
	case *ast.AttrExpr:
		if err := fc.compileExpr(n.X); err != nil {
			return err
		}
		id := fc.interns.InternString(n.Attr)
		fc.b.EmitU16(opcode.LoadAttr, uint16(id))
	case *ast.CallExpr:
		return fc.compileCall(n)
	case *ast.MethodCallExpr:
		return fc.compileMethodCall(n)
	case *ast.ExternalCallExpr:
		return fc.compileExternalCall(n)
	case *ast.MakeFunctionExpr:
		id, err := fc.compileNestedFunction(n.Fn)
		if err != nil {
			return err
		}
		fc.b.EmitU16(opcode.MakeFunction, uint16(id))
		fc.b.Adjust(1)
	case *ast.MakeClosureExpr:
		id, err := fc.compileNestedFunction(n.Fn)
		if err != nil {
			return err
		}
		for _, ref := range n.FreeVars {
			fc.emitLoad(ref) // pushes the Cell value from the enclosing frame
		}
		fc.b.EmitU16U8(opcode.MakeClosure, uint16(id), uint8(len(n.FreeVars)))
		fc.b.Adjust(-len(n.FreeVars) + 1)
	default:
		return vmerr.New(vmerr.CompileError, "unsupported expression node")
	}
	return nil
}

func (fc *funcCompiler) compileCollection(elems []ast.Expr, op opcode.Op) error {
	for _, e := range elems {
		if err := fc.compileExpr(e); err != nil {
			return err
		}
	}
	fc.b.EmitU16(op, uint16(len(elems)))
	fc.b.Adjust(-len(elems) + 1)
	return nil
}

// compileBoolOp lowers `and`/`or` with the *OrPop jumps (spec.md §4.4):
// evaluate left, JumpIfFalseOrPop (and) / JumpIfTrueOrPop (or) past the
// right side, evaluate right, patch.
func (fc *funcCompiler) compileBoolOp(n *ast.BoolOpExpr) error {
	if err := fc.compileExpr(n.X); err != nil {
		return err
	}
	var jumpOp opcode.Op
	if n.Op == ast.BoolAnd {
		jumpOp = opcode.JumpIfFalseOrPop
	} else {
		jumpOp = opcode.JumpIfTrueOrPop
	}
	_, operand := fc.b.EmitJump(jumpOp)
	// *OrPop conditionally pops; the compiler's static depth tracking
	// follows the "falls through and pops" path, since that's the path
	// that continues executing more instructions at this depth.
	fc.b.Adjust(-1)
	if err := fc.compileExpr(n.Y); err != nil {
		return err
	}
	fc.b.Adjust(-1) // the two branches merge back to depth+1; account once
	fc.b.Adjust(1)
	return fc.b.Patch(operand, fc.b.Offset())
}

func (fc *funcCompiler) emitLoad(ref ast.NameRef) {
	switch ref.Scope {
	case ast.ScopeLocal:
		switch {
		case ref.Slot == 0:
			fc.b.Emit0(opcode.LoadLocal0)
		case ref.Slot == 1:
			fc.b.Emit0(opcode.LoadLocal1)
		case ref.Slot == 2:
			fc.b.Emit0(opcode.LoadLocal2)
		case ref.Slot == 3:
			fc.b.Emit0(opcode.LoadLocal3)
		case ref.Slot <= 0xFF:
			fc.b.Emit1(opcode.LoadLocal, uint8(ref.Slot))
		default:
			fc.b.EmitU16(opcode.LoadLocalW, ref.Slot)
		}
	case ast.ScopeGlobal:
		id := fc.interns.InternString(ref.Name)
		fc.b.EmitU16(opcode.LoadGlobal, uint16(id))
	case ast.ScopeCell:
		fc.b.EmitU16(opcode.LoadCell, ref.Slot)
	}
	fc.b.Adjust(1)
}

func (fc *funcCompiler) emitStore(ref ast.NameRef) {
	switch ref.Scope {
	case ast.ScopeLocal:
		if ref.Slot <= 0xFF {
			fc.b.Emit1(opcode.StoreLocal, uint8(ref.Slot))
		} else {
			fc.b.EmitU16(opcode.StoreLocalW, ref.Slot)
		}
	case ast.ScopeGlobal:
		id := fc.interns.InternString(ref.Name)
		fc.b.EmitU16(opcode.StoreGlobal, uint16(id))
	case ast.ScopeCell:
		fc.b.EmitU16(opcode.StoreCell, ref.Slot)
	}
	fc.b.Adjust(-1)
}

func unaryOpcode(op ast.UnaryOp) opcode.Op {
	switch op {
	case ast.UnaryNot:
		return opcode.UnaryNot
	case ast.UnaryNeg:
		return opcode.UnaryNeg
	case ast.UnaryPos:
		return opcode.UnaryPos
	default:
		return opcode.UnaryInvert
	}
}

func binaryOpcode(op ast.BinaryOp) opcode.Op {
	switch op {
	case ast.BinAdd:
		return opcode.BinaryAdd
	case ast.BinSub:
		return opcode.BinarySub
	case ast.BinMul:
		return opcode.BinaryMul
	case ast.BinDiv:
		return opcode.BinaryDiv
	case ast.BinFloorDiv:
		return opcode.BinaryFloorDiv
	case ast.BinMod:
		return opcode.BinaryMod
	case ast.BinPow:
		return opcode.BinaryPow
	case ast.BinAnd:
		return opcode.BinaryAnd
	case ast.BinOr:
		return opcode.BinaryOr
	case ast.BinXor:
		return opcode.BinaryXor
	case ast.BinLShift:
		return opcode.BinaryLShift
	case ast.BinRShift:
		return opcode.BinaryRShift
	default:
		return opcode.BinaryMatMul
	}
}

func inplaceOpcode(op ast.BinaryOp) opcode.Op {
	switch op {
	case ast.BinAdd:
		return opcode.InplaceAdd
	case ast.BinSub:
		return opcode.InplaceSub
	case ast.BinMul:
		return opcode.InplaceMul
	case ast.BinDiv:
		return opcode.InplaceDiv
	case ast.BinFloorDiv:
		return opcode.InplaceFloorDiv
	case ast.BinMod:
		return opcode.InplaceMod
	case ast.BinPow:
		return opcode.InplacePow
	case ast.BinAnd:
		return opcode.InplaceAnd
	case ast.BinOr:
		return opcode.InplaceOr
	case ast.BinXor:
		return opcode.InplaceXor
	case ast.BinLShift:
		return opcode.InplaceLShift
	case ast.BinRShift:
		return opcode.InplaceRShift
	default:
		return opcode.InplaceMatMul
	}
}

func compareOpcode(op ast.CompareOp) opcode.Op {
	switch op {
	case ast.CmpEq:
		return opcode.CompareEq
	case ast.CmpNe:
		return opcode.CompareNe
	case ast.CmpLt:
		return opcode.CompareLt
	case ast.CmpLe:
		return opcode.CompareLe
	case ast.CmpGt:
		return opcode.CompareGt
	case ast.CmpGe:
		return opcode.CompareGe
	case ast.CmpIs:
		return opcode.CompareIs
	case ast.CmpIsNot:
		return opcode.CompareIsNot
	case ast.CmpIn:
		return opcode.CompareIn
	default:
		return opcode.CompareNotIn
	}
}
