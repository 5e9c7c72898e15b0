// Package compiler lowers a resolved AST (package ast) into bytecode
// (package code/opcode), per spec.md §4.4. It never looks up a name by
// string at compile time — every NameRef already carries its storage
// class and slot — and it never executes guest code; constant folding is
// limited to literal default-argument expressions (see DESIGN.md).
package compiler

import (
	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/code"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/opcode"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vmerr"
)

// Compile lowers prog into a module Code object plus the frozen intern
// table every nested function's Code was compiled against.
// externalFunctionNames pre-declares the names the host will service via
// CallExternal (spec.md §6 compile()'s external_function_names).
func Compile(prog *ast.Program, externalFunctionNames []string) (*code.Code, *intern.Table, error) {
	interns := intern.New()
	for _, name := range externalFunctionNames {
		interns.InternExternalFunction(name)
	}
	fc := &funcCompiler{interns: interns}
	moduleCode, err := fc.compileFunction(prog.Module)
	if err != nil {
		return nil, nil, err
	}
	interns.Freeze()
	return moduleCode, interns, nil
}

// loopFrame tracks the patch points a break/continue inside one
// while/for loop needs.
type loopFrame struct {
	continueTarget uint32
	breakPatches   []uint32 // operand offsets of pending Jump targets
	// stackCleanup is the number of Pop instructions a break must emit
	// before jumping out, to discard loop-construct state still live on
	// the operand stack (a for-loop's iterator; zero for while-loops).
	stackCleanup int
}

// funcCompiler compiles exactly one function body (or the module) into
// one Code object. Nested function/closure definitions spawn their own
// funcCompiler sharing the same intern table.
type funcCompiler struct {
	interns *intern.Table
	b       *code.Builder
	loops   []loopFrame
}

func (fc *funcCompiler) compileFunction(fn *ast.FunctionDef) (*code.Code, error) {
	prev := fc.b
	fc.b = code.NewBuilder(fn.NamespaceSize)
	for _, s := range fn.Body {
		if err := fc.compileStmt(s); err != nil {
			return nil, err
		}
	}
	// Implicit `return None` when the body falls off the end.
	fc.b.Emit0(opcode.LoadNone)
	fc.b.Adjust(1)
	fc.b.Emit0(opcode.ReturnValue)
	fc.b.Adjust(-1)
	built, err := fc.b.Finish()
	fc.b = prev
	return built, err
}

// compileNestedFunction compiles fn as a nested function/closure
// definition and registers it in the intern table, resolving literal
// default-argument values along the way.
func (fc *funcCompiler) compileNestedFunction(fn *ast.FunctionDef) (intern.FunctionId, error) {
	nested := &funcCompiler{interns: fc.interns}
	nestedCode, err := nested.compileFunction(fn)
	if err != nil {
		return 0, err
	}

	params := make([]intern.Param, len(fn.Params))
	for i, p := range fn.Params {
		ip := intern.Param{Name: fc.interns.InternString(p.Ref.Name)}
		if p.Default != nil {
			v, ok := constFold(p.Default)
			if !ok {
				return 0, vmerr.New(vmerr.CompileError,
					"default argument expressions must be constant literals").
					WithContext(fn.Name)
			}
			ip.HasDefault = true
			ip.DefaultValue = v
		}
		params[i] = ip
	}

	freeVars := make([]uint16, len(fn.FreeVars))
	for i, ref := range fn.FreeVars {
		freeVars[i] = ref.Slot
	}

	imeta := &intern.Function{
		Name:          fc.interns.InternString(fn.Name),
		Params:        params,
		HasVararg:     fn.HasVararg,
		VarargSlot:    fn.VarargRef.Slot,
		HasKwarg:      fn.HasKwarg,
		KwargSlot:     fn.KwargRef.Slot,
		NamespaceSize: fn.NamespaceSize,
		FreeVars:      freeVars,
		CellCount:     uint16(len(fn.FreeVars)),
		Code:          nestedCode,
	}
	return fc.interns.AddFunction(imeta), nil
}

// constFold evaluates the small subset of literal expressions legal as a
// default-argument value at compile time.
func constFold(e ast.Expr) (value.Value, bool) {
	switch n := e.(type) {
	case *ast.IntLit:
		return value.Int(n.Value), true
	case *ast.FloatLit:
		return value.Float(n.Value), true
	case *ast.BoolLit:
		return value.Bool(n.Value), true
	case *ast.NoneLit:
		return value.None(), true
	default:
		return value.Value{}, false
	}
}

func srcRange(p ast.Pos) code.SourceRange {
	return code.SourceRange{StartLine: p.Line, StartCol: p.Col, EndLine: p.EndLine, EndCol: p.EndCol}
}
