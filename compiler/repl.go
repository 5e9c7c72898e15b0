package compiler

import (
	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/code"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/opcode"
)

// CompileIncremental compiles one REPL snippet's module body against an
// already-populated, unfrozen interns table, so functions and literals
// defined in earlier snippets keep their ids (spec.md §4.6 "compiles the
// snippet against the preserved namespace symbol table"). Resolving
// snippet globals against that same preserved symbol table is the
// embedder's resolver's job (out of scope here, as for Compile); this
// only lowers the already-resolved snippet AST.
//
// Unlike Compile, the trailing statement is special-cased: if the
// snippet's last top-level statement is a bare expression, its value
// becomes the snippet's return value instead of being discarded, so
// feed("counter") can answer with counter's value the way a REPL must.
func CompileIncremental(snippet *ast.FunctionDef, interns *intern.Table) (*code.Code, error) {
	fc := &funcCompiler{interns: interns}
	fc.b = code.NewBuilder(snippet.NamespaceSize)

	body := snippet.Body
	var tail *ast.ExprStmt
	if n := len(body); n > 0 {
		if es, ok := body[n-1].(*ast.ExprStmt); ok {
			tail = es
			body = body[:n-1]
		}
	}

	for _, s := range body {
		if err := fc.compileStmt(s); err != nil {
			return nil, err
		}
	}

	if tail != nil {
		if err := fc.compileExpr(tail.X); err != nil {
			return nil, err
		}
	} else {
		fc.b.Emit0(opcode.LoadNone)
		fc.b.Adjust(1)
	}
	fc.b.Emit0(opcode.ReturnValue)
	fc.b.Adjust(-1)

	return fc.b.Finish()
}
