package compiler

import (
	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/opcode"
	"github.com/wudi/sandboxvm/vmerr"
)

func (fc *funcCompiler) compileStmt(s ast.Stmt) error {
	switch n := s.(type) {
	case *ast.ExprStmt:
		if err := fc.compileExpr(n.X); err != nil {
			return err
		}
		fc.b.Emit0(opcode.Pop)
		fc.b.Adjust(-1)
	case *ast.AssignStmt:
		if err := fc.compileExpr(n.Value); err != nil {
			return err
		}
		return fc.compileStoreTarget(n.Target)
	case *ast.AugAssignStmt:
		return fc.compileAugAssign(n)
	case *ast.UnpackAssignStmt:
		return fc.compileUnpackAssign(n)
	case *ast.IfStmt:
		return fc.compileIf(n)
	case *ast.WhileStmt:
		return fc.compileWhile(n)
	case *ast.ForStmt:
		return fc.compileFor(n)
	case *ast.TryStmt:
		return fc.compileTry(n)
	case *ast.FunctionDefStmt:
		return fc.compileFunctionDefStmt(n)
	case *ast.ReturnStmt:
		if n.Value != nil {
			if err := fc.compileExpr(n.Value); err != nil {
				return err
			}
		} else {
			fc.b.Emit0(opcode.LoadNone)
			fc.b.Adjust(1)
		}
		fc.b.Emit0(opcode.ReturnValue)
		fc.b.Adjust(-1)
	case *ast.BreakStmt:
		if len(fc.loops) == 0 {
			return vmerr.New(vmerr.CompileError, "break outside loop")
		}
		lf := &fc.loops[len(fc.loops)-1]
		for i := 0; i < lf.stackCleanup; i++ {
			fc.b.Emit0(opcode.Pop)
			fc.b.Adjust(-1)
		}
		_, op := fc.b.EmitJump(opcode.Jump)
		lf.breakPatches = append(lf.breakPatches, op)
		// Code after the jump is still tracked at loop-body depth.
		fc.b.Adjust(lf.stackCleanup)
	case *ast.ContinueStmt:
		if len(fc.loops) == 0 {
			return vmerr.New(vmerr.CompileError, "continue outside loop")
		}
		lf := fc.loops[len(fc.loops)-1]
		_, op := fc.b.EmitJump(opcode.Jump)
		if err := fc.b.Patch(op, lf.continueTarget); err != nil {
			return err
		}
	case *ast.PassStmt:
		// no-op
	case *ast.RaiseStmt:
		return fc.compileRaise(n)
	default:
		return vmerr.New(vmerr.CompileError, "unsupported statement node")
	}
	return nil
}

func (fc *funcCompiler) compileStoreTarget(target ast.AssignTarget) error {
	switch t := target.(type) {
	case ast.NameTarget:
		fc.emitStore(t.Ref)
	case ast.AttrTarget:
		if err := fc.compileExpr(t.X); err != nil {
			return err
		}
		fc.b.Emit0(opcode.Rot2)
		id := fc.interns.InternString(t.Attr)
		fc.b.EmitU16(opcode.StoreAttr, uint16(id))
		fc.b.Adjust(-2)
	case ast.SubscriptTarget:
		if err := fc.compileExpr(t.X); err != nil {
			return err
		}
		if err := fc.compileExpr(t.Index); err != nil {
			return err
		}
		fc.b.Emit0(opcode.Rot3)
		fc.b.Emit0(opcode.Rot3)
		fc.b.Emit0(opcode.StoreSubscr)
		fc.b.Adjust(-3)
	default:
		return vmerr.New(vmerr.CompileError, "unsupported assignment target")
	}
	return nil
}

// compileAugAssign lowers `target op= value` to the matching Inplace*
// opcode. NameTarget reads/writes the slot directly. AttrTarget keeps a
// single Dup'd copy of the object, since the attribute name is a
// compile-time constant and needs no re-evaluation. SubscriptTarget has
// no Dup2 available to duplicate a (container, index) pair, so it
// re-evaluates both sub-expressions a second time for the write half —
// correct only when those sub-expressions are free of side effects
// observable across the two evaluations (documented in DESIGN.md).
func (fc *funcCompiler) compileAugAssign(n *ast.AugAssignStmt) error {
	op := inplaceOpcode(n.Op)
	switch t := n.Target.(type) {
	case ast.NameTarget:
		fc.emitLoad(t.Ref)
		if err := fc.compileExpr(n.Value); err != nil {
			return err
		}
		fc.b.Emit0(op)
		fc.b.Adjust(-1)
		fc.emitStore(t.Ref)
	case ast.AttrTarget:
		if err := fc.compileExpr(t.X); err != nil {
			return err
		}
		fc.b.Emit0(opcode.Dup)
		fc.b.Adjust(1)
		id := fc.interns.InternString(t.Attr)
		fc.b.EmitU16(opcode.LoadAttr, uint16(id))
		if err := fc.compileExpr(n.Value); err != nil {
			return err
		}
		fc.b.Emit0(op)
		fc.b.Adjust(-1)
		fc.b.EmitU16(opcode.StoreAttr, uint16(id))
		fc.b.Adjust(-2)
	case ast.SubscriptTarget:
		if err := fc.compileExpr(t.X); err != nil {
			return err
		}
		if err := fc.compileExpr(t.Index); err != nil {
			return err
		}
		fc.b.Emit0(opcode.BinarySubscr)
		fc.b.Adjust(-1)
		if err := fc.compileExpr(n.Value); err != nil {
			return err
		}
		fc.b.Emit0(op)
		fc.b.Adjust(-1)
		if err := fc.compileExpr(t.X); err != nil {
			return err
		}
		if err := fc.compileExpr(t.Index); err != nil {
			return err
		}
		fc.b.Emit0(opcode.Rot3)
		fc.b.Emit0(opcode.Rot3)
		fc.b.Emit0(opcode.StoreSubscr)
		fc.b.Adjust(-3)
	default:
		return vmerr.New(vmerr.CompileError, "unsupported augmented-assignment target")
	}
	return nil
}

func (fc *funcCompiler) compileUnpackAssign(n *ast.UnpackAssignStmt) error {
	if err := fc.compileExpr(n.Value); err != nil {
		return err
	}
	count := len(n.Targets)
	if n.Star < 0 {
		fc.b.Emit1(opcode.UnpackSequence, uint8(count))
		fc.b.Adjust(-1 + count)
		for i := 0; i < count; i++ {
			if err := fc.compileStoreTarget(n.Targets[i]); err != nil {
				return err
			}
		}
		return nil
	}
	before := n.Star
	after := count - n.Star - 1
	fc.b.Emit2(opcode.UnpackEx, uint8(before), uint8(after))
	fc.b.Adjust(-1 + count)
	for i := 0; i < count; i++ {
		if err := fc.compileStoreTarget(n.Targets[i]); err != nil {
			return err
		}
	}
	return nil
}

func (fc *funcCompiler) compileIf(n *ast.IfStmt) error {
	if err := fc.compileExpr(n.Cond); err != nil {
		return err
	}
	_, elseOperand := fc.b.EmitJump(opcode.JumpIfFalse)
	fc.b.Adjust(-1)
	for _, s := range n.Then {
		if err := fc.compileStmt(s); err != nil {
			return err
		}
	}
	if len(n.Else) == 0 {
		return fc.b.Patch(elseOperand, fc.b.Offset())
	}
	_, endOperand := fc.b.EmitJump(opcode.Jump)
	if err := fc.b.Patch(elseOperand, fc.b.Offset()); err != nil {
		return err
	}
	for _, s := range n.Else {
		if err := fc.compileStmt(s); err != nil {
			return err
		}
	}
	return fc.b.Patch(endOperand, fc.b.Offset())
}

func (fc *funcCompiler) compileWhile(n *ast.WhileStmt) error {
	condStart := fc.b.Offset()
	if err := fc.compileExpr(n.Cond); err != nil {
		return err
	}
	_, exitOperand := fc.b.EmitJump(opcode.JumpIfFalse)
	fc.b.Adjust(-1)

	fc.loops = append(fc.loops, loopFrame{continueTarget: condStart})
	for _, s := range n.Body {
		if err := fc.compileStmt(s); err != nil {
			return err
		}
	}
	lf := fc.loops[len(fc.loops)-1]
	fc.loops = fc.loops[:len(fc.loops)-1]

	_, backOperand := fc.b.EmitJump(opcode.Jump)
	if err := fc.b.Patch(backOperand, condStart); err != nil {
		return err
	}
	exit := fc.b.Offset()
	if err := fc.b.Patch(exitOperand, exit); err != nil {
		return err
	}
	for _, op := range lf.breakPatches {
		if err := fc.b.Patch(op, exit); err != nil {
			return err
		}
	}
	return nil
}

// compileFor lowers `for Target in Iterable: Body` onto GetIter/ForIter.
// ForIter's fall-through path pushes the next element and leaves the
// iterator beneath it; its jump-taken path (exhaustion) pops the
// iterator instead. The static depth tracker follows the fall-through
// convention throughout the loop body and corrects for the iterator's
// disappearance once after patching the exit target (see code/builder.go
// Adjust — this is a bookkeeping reconciliation, not a real stack op).
func (fc *funcCompiler) compileFor(n *ast.ForStmt) error {
	if err := fc.compileExpr(n.Iterable); err != nil {
		return err
	}
	fc.b.Emit0(opcode.GetIter)

	loopStart := fc.b.Offset()
	_, exitOperand := fc.b.EmitJump(opcode.ForIter)
	fc.b.Adjust(1)
	if err := fc.compileStoreTarget(n.Target); err != nil {
		return err
	}

	fc.loops = append(fc.loops, loopFrame{continueTarget: loopStart, stackCleanup: 1})
	for _, s := range n.Body {
		if err := fc.compileStmt(s); err != nil {
			return err
		}
	}
	lf := fc.loops[len(fc.loops)-1]
	fc.loops = fc.loops[:len(fc.loops)-1]

	_, backOperand := fc.b.EmitJump(opcode.Jump)
	if err := fc.b.Patch(backOperand, loopStart); err != nil {
		return err
	}
	exit := fc.b.Offset()
	if err := fc.b.Patch(exitOperand, exit); err != nil {
		return err
	}
	fc.b.Adjust(-1) // the iterator is gone once the loop is exited
	for _, op := range lf.breakPatches {
		if err := fc.b.Patch(op, exit); err != nil {
			return err
		}
	}
	return nil
}

func (fc *funcCompiler) compileRaise(n *ast.RaiseStmt) error {
	if n.Exc == nil {
		fc.b.Emit0(opcode.Reraise)
		return nil
	}
	if err := fc.compileExpr(n.Exc); err != nil {
		return err
	}
	if n.From != nil {
		if err := fc.compileExpr(n.From); err != nil {
			return err
		}
		fc.b.Emit0(opcode.RaiseFrom)
		fc.b.Adjust(-2)
		return nil
	}
	fc.b.Emit0(opcode.Raise)
	fc.b.Adjust(-1)
	return nil
}

// compileFunctionDefStmt binds the compiled function/closure to a global
// name matching FunctionDef.Name. The resolved-AST contract (ast.go)
// gives a `def` statement no explicit NameRef target — unlike every other
// binding form, which always carries one — so there is no slot to store
// into for a nested def; this implementation treats every `def` as
// creating (or replacing) a module-global binding, including ones
// syntactically nested inside another function body. See DESIGN.md.
func (fc *funcCompiler) compileFunctionDefStmt(n *ast.FunctionDefStmt) error {
	id, err := fc.compileNestedFunction(n.Fn)
	if err != nil {
		return err
	}
	if len(n.Fn.FreeVars) > 0 {
		for _, ref := range n.Fn.FreeVars {
			fc.emitLoad(ref)
		}
		fc.b.EmitU16U8(opcode.MakeClosure, uint16(id), uint8(len(n.Fn.FreeVars)))
		fc.b.Adjust(-len(n.Fn.FreeVars) + 1)
	} else {
		fc.b.EmitU16(opcode.MakeFunction, uint16(id))
		fc.b.Adjust(1)
	}
	sid := fc.interns.InternString(n.Fn.Name)
	fc.b.EmitU16(opcode.StoreGlobal, uint16(sid))
	fc.b.Adjust(-1)
	return nil
}

func (fc *funcCompiler) compileTry(n *ast.TryStmt) error {
	tryStart := fc.b.Offset()
	depthAtTry := fc.b.Depth()
	for _, s := range n.Body {
		if err := fc.compileStmt(s); err != nil {
			return err
		}
	}
	tryEnd := fc.b.Offset()
	_, skipOperand := fc.b.EmitJump(opcode.Jump)

	handlerStart := fc.b.Offset()
	fc.b.AddExceptionEntry(tryStart, tryEnd, handlerStart, uint16(depthAtTry))
	// The VM unwinds the operand stack to depthAtTry then pushes the
	// raised exception before transferring control to handlerStart.
	fc.b.Adjust(depthAtTry + 1 - fc.b.Depth())

	typeNameID := fc.interns.InternString("__type_name__")
	bodyOperands := make([][]uint32, len(n.Handlers))
	lastIsBare := false
	for hi, h := range n.Handlers {
		if len(h.ExcTypes) == 0 {
			lastIsBare = true
			_, op := fc.b.EmitJump(opcode.Jump)
			bodyOperands[hi] = append(bodyOperands[hi], op)
			break
		}
		for _, tref := range h.ExcTypes {
			fc.b.Emit0(opcode.Dup)
			fc.b.Adjust(1)
			fc.b.EmitU16(opcode.LoadAttr, uint16(typeNameID))
			fc.emitLoad(tref)
			fc.b.Emit0(opcode.CompareEq)
			fc.b.Adjust(-1)
			_, op := fc.b.EmitJump(opcode.JumpIfTrue)
			fc.b.Adjust(-1)
			bodyOperands[hi] = append(bodyOperands[hi], op)
		}
	}
	if !lastIsBare {
		fc.b.Emit0(opcode.Pop)
		fc.b.Adjust(-1)
		if err := fc.compileStmts(n.Finally); err != nil {
			return err
		}
		fc.b.Emit0(opcode.Reraise)
	}

	var exitOperands []uint32
	for hi, h := range n.Handlers {
		bodyStart := fc.b.Offset()
		for _, op := range bodyOperands[hi] {
			if err := fc.b.Patch(op, bodyStart); err != nil {
				return err
			}
		}
		// Every handler body is entered with the exception on the stack.
		fc.b.Adjust(depthAtTry + 1 - fc.b.Depth())
		if h.Bind != nil {
			fc.emitStore(*h.Bind)
		} else {
			fc.b.Emit0(opcode.Pop)
			fc.b.Adjust(-1)
		}
		for _, s := range h.Body {
			if err := fc.compileStmt(s); err != nil {
				return err
			}
		}
		// Release the VM's own reference to the handled exception
		// (distinct from the stack copy bound above) so a later bare
		// `raise` elsewhere doesn't resurrect it.
		fc.b.Emit0(opcode.ClearException)
		_, eo := fc.b.EmitJump(opcode.Jump)
		exitOperands = append(exitOperands, eo)
	}

	afterHandlers := fc.b.Offset()
	if err := fc.b.Patch(skipOperand, afterHandlers); err != nil {
		return err
	}
	for _, eo := range exitOperands {
		if err := fc.b.Patch(eo, afterHandlers); err != nil {
			return err
		}
	}
	return fc.compileStmts(n.Finally)
}

func (fc *funcCompiler) compileStmts(stmts []ast.Stmt) error {
	for _, s := range stmts {
		if err := fc.compileStmt(s); err != nil {
			return err
		}
	}
	return nil
}
