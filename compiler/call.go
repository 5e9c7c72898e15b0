package compiler

import (
	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/opcode"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vmerr"
)

// compileCall lowers a positional/keyword call. Keyword arguments are
// passed as alternating (name-constant, value) pairs following the
// positional arguments, the same convention BuildDict uses for its
// key/value pairs, rather than adding a name list to the instruction
// itself.
func (fc *funcCompiler) compileCall(n *ast.CallExpr) error {
	if err := fc.compileExpr(n.Func); err != nil {
		return err
	}
	for _, a := range n.Args {
		if err := fc.compileExpr(a); err != nil {
			return err
		}
	}
	if len(n.Kwargs) == 0 {
		fc.b.Emit1(opcode.CallFunction, uint8(len(n.Args)))
		fc.b.Adjust(-len(n.Args))
		return nil
	}
	for _, kw := range n.Kwargs {
		id := fc.interns.InternString(kw.Name)
		idx := fc.b.AddConst(value.InternString(uint32(id)))
		fc.b.EmitU16(opcode.LoadConst, idx)
		fc.b.Adjust(1)
		if err := fc.compileExpr(kw.Value); err != nil {
			return err
		}
	}
	fc.b.Emit2(opcode.CallFunctionKw, uint8(len(n.Args)), uint8(len(n.Kwargs)))
	fc.b.Adjust(-(len(n.Args) + 2*len(n.Kwargs)))
	return nil
}

func (fc *funcCompiler) compileMethodCall(n *ast.MethodCallExpr) error {
	if err := fc.compileExpr(n.X); err != nil {
		return err
	}
	for _, a := range n.Args {
		if err := fc.compileExpr(a); err != nil {
			return err
		}
	}
	id := fc.interns.InternString(n.Method)
	fc.b.EmitU16U8(opcode.CallMethod, uint16(id), uint8(len(n.Args)))
	fc.b.Adjust(-len(n.Args))
	return nil
}

// compileExternalCall invokes a host-serviced function by name. The name
// must already have been declared to compile()'s external_function_names
// (spec.md §6); an undeclared name is a compile error, not a runtime one,
// since the set of external functions is fixed for the program's lifetime.
func (fc *funcCompiler) compileExternalCall(n *ast.ExternalCallExpr) error {
	id, err := fc.interns.LookupExternalFunction(n.Name)
	if err != nil {
		return vmerr.New(vmerr.CompileError, err.Error()).WithContext(n.Name)
	}
	for _, a := range n.Args {
		if err := fc.compileExpr(a); err != nil {
			return err
		}
	}
	fc.b.EmitU16U8(opcode.CallExternal, uint16(id), uint8(len(n.Args)))
	fc.b.Adjust(-len(n.Args) + 1)
	return nil
}
