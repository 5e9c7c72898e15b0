package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/code"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/opcode"
)

func global(name string) ast.NameRef { return ast.NameRef{Scope: ast.ScopeGlobal, Name: name} }

// instructionBoundaries decodes c's bytecode from offset 0 and returns
// the set of offsets that are the first byte of some decoded opcode,
// including the one-past-the-end offset a fallthrough/implicit-return
// jump may legally target.
func instructionBoundaries(t *testing.T, c *code.Code) map[uint32]bool {
	t.Helper()
	bounds := make(map[uint32]bool)
	offset := uint32(0)
	for offset < uint32(len(c.Bytecode)) {
		bounds[offset] = true
		op := opcode.Op(c.Bytecode[offset])
		offset += 1 + uint32(opcode.OperandWidth(op))
	}
	bounds[offset] = true
	require.Equal(t, uint32(len(c.Bytecode)), offset, "decoding overruns or underruns the bytecode length")
	return bounds
}

// jumpTargets walks c's bytecode alongside instructionBoundaries,
// returning the absolute byte offset each jump opcode targets, computed
// exactly as vm/fetch.go's jumpTarget does: relative to the IP
// immediately after the jump's own operand has been consumed.
func jumpTargets(t *testing.T, c *code.Code) []uint32 {
	t.Helper()
	var targets []uint32
	offset := uint32(0)
	for offset < uint32(len(c.Bytecode)) {
		op := opcode.Op(c.Bytecode[offset])
		width := opcode.OperandWidth(op)
		next := offset + 1 + uint32(width)
		if opcode.IsJump(op) {
			require.Equal(t, 2, width, "jump opcode %s must carry a 2-byte operand", op)
			hi := c.Bytecode[offset+2]
			lo := c.Bytecode[offset+3]
			rel := int16(uint16(hi)<<8 | uint16(lo))
			targets = append(targets, uint32(int64(next)+int64(rel)))
		}
		offset = next
	}
	return targets
}

// TestJumpTargetsLandOnInstructionBoundaries encodes spec.md §8
// invariant #3: every emitted jump's target byte must be the first
// byte of a decoded opcode, never mid-operand. Exercises if/else,
// while with break/continue, and for-loop compilation, since each
// lowers to a different mix of Jump/JumpIfFalse/JumpIfFalseOrPop/ForIter.
func TestJumpTargetsLandOnInstructionBoundaries(t *testing.T) {
	i := global("i")
	n := global("n")
	module := &ast.FunctionDef{
		Body: []ast.Stmt{
			&ast.AssignStmt{Target: ast.NameTarget{Ref: i}, Value: &ast.IntLit{Value: 0}},
			&ast.AssignStmt{Target: ast.NameTarget{Ref: n}, Value: &ast.IntLit{Value: 0}},
			&ast.WhileStmt{
				Cond: &ast.CompareExpr{Op: ast.CmpLt, X: &ast.NameExpr{Ref: i}, Y: &ast.IntLit{Value: 10}},
				Body: []ast.Stmt{
					&ast.IfStmt{
						Cond: &ast.CompareExpr{Op: ast.CmpEq, X: &ast.NameExpr{Ref: i}, Y: &ast.IntLit{Value: 5}},
						Then: []ast.Stmt{&ast.BreakStmt{}},
						Else: []ast.Stmt{
							&ast.IfStmt{
								Cond: &ast.CompareExpr{Op: ast.CmpEq, X: &ast.NameExpr{Ref: i}, Y: &ast.IntLit{Value: 2}},
								Then: []ast.Stmt{
									&ast.AssignStmt{Target: ast.NameTarget{Ref: i}, Value: &ast.BinaryExpr{
										Op: ast.BinAdd, X: &ast.NameExpr{Ref: i}, Y: &ast.IntLit{Value: 1},
									}},
									&ast.ContinueStmt{},
								},
							},
						},
					},
					&ast.AssignStmt{Target: ast.NameTarget{Ref: n}, Value: &ast.BinaryExpr{
						Op: ast.BinOr,
						X:  &ast.NameExpr{Ref: n},
						Y:  &ast.BoolOpExpr{Op: ast.BoolAnd, X: &ast.BoolLit{Value: true}, Y: &ast.BoolLit{Value: false}},
					}},
					&ast.AssignStmt{Target: ast.NameTarget{Ref: i}, Value: &ast.BinaryExpr{
						Op: ast.BinAdd, X: &ast.NameExpr{Ref: i}, Y: &ast.IntLit{Value: 1},
					}},
				},
			},
			&ast.ForStmt{
				Target:   ast.NameTarget{Ref: global("x")},
				Iterable: &ast.ListExpr{Elems: []ast.Expr{&ast.IntLit{Value: 1}, &ast.IntLit{Value: 2}}},
				Body:     []ast.Stmt{&ast.PassStmt{}},
			},
			&ast.ReturnStmt{Value: &ast.NameExpr{Ref: n}},
		},
	}

	moduleCode, _, err := compileModuleForTest(module)
	require.NoError(t, err)

	bounds := instructionBoundaries(t, moduleCode)
	for _, target := range jumpTargets(t, moduleCode) {
		assert.True(t, bounds[target], "jump target %d is not a decoded instruction boundary", target)
	}
}

// TestExceptionTableHandlersLandOnInstructionBoundaries extends
// invariant #3 to exception-table entries: a handler offset is reached
// by control transfer exactly like a jump target, so it must name a
// real instruction boundary too, and its range must be well-formed
// (code.Code.Validate already checks Start<End and Handler in bounds,
// but not boundary alignment).
func TestExceptionTableHandlersLandOnInstructionBoundaries(t *testing.T) {
	bindErr := global("e")
	module := &ast.FunctionDef{
		Body: []ast.Stmt{
			&ast.TryStmt{
				Body: []ast.Stmt{
					&ast.AssignStmt{
						Target: ast.NameTarget{Ref: global("x")},
						Value:  &ast.BinaryExpr{Op: ast.BinDiv, X: &ast.IntLit{Value: 1}, Y: &ast.IntLit{Value: 0}},
					},
				},
				Handlers: []ast.ExceptHandler{
					{
						ExcTypes: []ast.NameRef{global("ZeroDivisionError")},
						Bind:     &bindErr,
						Body: []ast.Stmt{
							&ast.AssignStmt{Target: ast.NameTarget{Ref: global("caught")}, Value: &ast.IntLit{Value: 1}},
						},
					},
				},
				Finally: []ast.Stmt{
					&ast.AssignStmt{Target: ast.NameTarget{Ref: global("done")}, Value: &ast.IntLit{Value: 1}},
				},
			},
			&ast.ReturnStmt{Value: &ast.NameExpr{Ref: global("caught")}},
		},
	}

	moduleCode, _, err := compileModuleForTest(module)
	require.NoError(t, err)
	require.NotEmpty(t, moduleCode.ExceptionTable, "try/except must emit at least one exception-table entry")

	bounds := instructionBoundaries(t, moduleCode)
	for i, e := range moduleCode.ExceptionTable {
		assert.True(t, bounds[e.Start], "exception entry %d: Start %d is not an instruction boundary", i, e.Start)
		assert.True(t, bounds[e.End], "exception entry %d: End %d is not an instruction boundary", i, e.End)
		assert.True(t, bounds[e.Handler], "exception entry %d: Handler %d is not an instruction boundary", i, e.Handler)
	}
}

func compileModuleForTest(module *ast.FunctionDef) (*code.Code, *funcCompiler, error) {
	fc := &funcCompiler{interns: intern.New()}
	fc.b = code.NewBuilder(module.NamespaceSize)
	for _, s := range module.Body {
		if err := fc.compileStmt(s); err != nil {
			return nil, nil, err
		}
	}
	fc.b.Emit0(opcode.LoadNone)
	fc.b.Adjust(1)
	fc.b.Emit0(opcode.ReturnValue)
	fc.b.Adjust(-1)
	built, err := fc.b.Finish()
	return built, fc, err
}
