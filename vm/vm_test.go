package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/compiler"
	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vmtracker"
)

var testLimits = vmtracker.Limits{
	MaxAllocations:    1 << 20,
	MaxDurationSecs:   5,
	MaxMemoryBytes:    1 << 20,
	GCInterval:        1024,
	MaxRecursionDepth: 256,
}

func global(name string) ast.NameRef { return ast.NameRef{Scope: ast.ScopeGlobal, Name: name} }
func local(name string, slot uint16) ast.NameRef {
	return ast.NameRef{Scope: ast.ScopeLocal, Name: name, Slot: slot}
}

// assertStackEmpty checks invariant #1 (spec.md §8 stack balance): once
// a run's one return value has been popped off to the caller, nothing
// should remain on the operand stack.
func assertStackEmpty(t *testing.T, m *VM) {
	t.Helper()
	assert.Empty(t, m.stack, "operand stack not balanced after run")
}

// assertHeapDrained checks invariant #2 (spec.md §8 refcount
// conservation): every heap slot reachable from no live root has
// refcount 0, i.e. is no longer Live. Callers that leave values in the
// VM's globals (module-level state, by design long-lived across a
// REPL session) must release them first — see dropGlobals.
func assertHeapDrained(t *testing.T, m *VM) {
	t.Helper()
	for i := 0; i < m.Heap.Len(); i++ {
		assert.False(t, m.Heap.Slot(value.HeapId(i)).Live, "heap slot %d still live after run", i)
	}
}

// dropGlobals releases every value the module namespace still owns, the
// way an embedder finalizing a VM it is about to discard would, so
// assertHeapDrained can observe a clean slab afterward.
func dropGlobals(m *VM) {
	for _, v := range m.globals() {
		v.DropWithHeap(m.Heap)
	}
}

// fibFunctionDef builds `def fib(n): if n <= 1: return n; return
// fib(n-1) + fib(n-2)`, recursing through the global binding every
// FunctionDefStmt gets (see compiler/stmt.go's compileFunctionDefStmt).
func fibFunctionDef() *ast.FunctionDef {
	n := local("n", 0)
	return &ast.FunctionDef{
		Name:          "fib",
		Params:        []ast.ParamDef{{Ref: n}},
		NamespaceSize: 1,
		Body: []ast.Stmt{
			&ast.IfStmt{
				Cond: &ast.CompareExpr{Op: ast.CmpLe, X: &ast.NameExpr{Ref: n}, Y: &ast.IntLit{Value: 1}},
				Then: []ast.Stmt{&ast.ReturnStmt{Value: &ast.NameExpr{Ref: n}}},
			},
			&ast.ReturnStmt{Value: &ast.BinaryExpr{
				Op: ast.BinAdd,
				X: &ast.CallExpr{
					Func: &ast.NameExpr{Ref: global("fib")},
					Args: []ast.Expr{&ast.BinaryExpr{Op: ast.BinSub, X: &ast.NameExpr{Ref: n}, Y: &ast.IntLit{Value: 1}}},
				},
				Y: &ast.CallExpr{
					Func: &ast.NameExpr{Ref: global("fib")},
					Args: []ast.Expr{&ast.BinaryExpr{Op: ast.BinSub, X: &ast.NameExpr{Ref: n}, Y: &ast.IntLit{Value: 2}}},
				},
			}},
		},
	}
}

// TestS1RecursiveFibonacci encodes spec.md §8 scenario S1: a recursive
// fib(10) must answer 55, leaving the stack and heap balanced.
func TestS1RecursiveFibonacci(t *testing.T) {
	module := &ast.FunctionDef{
		Body: []ast.Stmt{
			&ast.FunctionDefStmt{Fn: fibFunctionDef()},
			&ast.ReturnStmt{Value: &ast.CallExpr{
				Func: &ast.NameExpr{Ref: global("fib")},
				Args: []ast.Expr{&ast.IntLit{Value: 10}},
			}},
		},
	}

	moduleCode, interns, err := compiler.Compile(&ast.Program{Module: module}, nil)
	require.NoError(t, err)

	m := New(interns, testLimits, PrintSinkFunc(func(string) {}))
	require.NoError(t, m.LoadModule(moduleCode, nil))

	outcome, result, err := m.Run()
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, int64(55), result.AsInt())

	assertStackEmpty(t, m)
	dropGlobals(m)
	assertHeapDrained(t, m)
}

// TestS2ExternalCallSuspension encodes spec.md §8 scenario S2: `data =
// fetch(url); len(data)` with fetch('u') answering 'hello world' must
// answer 11, by way of two sequential external-call suspensions — `len`
// has no opcode of its own (package opcode defines none), so it is
// modeled the same way fetch is: a host-serviced CallExternal.
func TestS2ExternalCallSuspension(t *testing.T) {
	module := &ast.FunctionDef{
		Body: []ast.Stmt{
			&ast.AssignStmt{
				Target: ast.NameTarget{Ref: global("data")},
				Value:  &ast.ExternalCallExpr{Name: "fetch", Args: []ast.Expr{&ast.StringLit{Value: "u"}}},
			},
			&ast.ReturnStmt{Value: &ast.ExternalCallExpr{
				Name: "len",
				Args: []ast.Expr{&ast.NameExpr{Ref: global("data")}},
			}},
		},
	}

	moduleCode, interns, err := compiler.Compile(&ast.Program{Module: module}, []string{"fetch", "len"})
	require.NoError(t, err)

	m := New(interns, testLimits, PrintSinkFunc(func(string) {}))
	require.NoError(t, m.LoadModule(moduleCode, nil))

	outcome, _, err := m.Run()
	require.NoError(t, err)
	require.Equal(t, OutcomeSuspended, outcome)
	pending := m.Pending()
	require.Equal(t, "fetch", pending.FunctionName)
	require.Len(t, pending.Args, 1)
	assert.Equal(t, "u", m.Interns.String(intern.StringId(pending.Args[0].AsStringId())))
	value.DropSlice(pending.Args, m.Heap)

	id, err := m.Heap.Alloc(&heap.LongString{Data: "hello world"}, int64(len("hello world")))
	require.NoError(t, err)

	outcome, _, err = m.Resume(value.Ref(id))
	require.NoError(t, err)
	require.Equal(t, OutcomeSuspended, outcome)
	pending = m.Pending()
	require.Equal(t, "len", pending.FunctionName)
	require.Len(t, pending.Args, 1)
	data := m.Heap.Get(pending.Args[0].AsHeapId()).(*heap.LongString)
	assert.Equal(t, "hello world", data.Data)
	n := len(data.Data)
	value.DropSlice(pending.Args, m.Heap)

	outcome, result, err := m.Resume(value.Int(int64(n)))
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, int64(11), result.AsInt())

	assertStackEmpty(t, m)
	dropGlobals(m)
	assertHeapDrained(t, m)
}

// TestS3TryExceptZeroDivision encodes spec.md §8 scenario S3: `try: 1/0
// except ZeroDivisionError as e: str(e)` must answer "division by
// zero" — read here via the `message` attribute a caught exception's
// heap Ref exposes (vm/collections.go's getAttr), with no external call
// or builtin needed.
func TestS3TryExceptZeroDivision(t *testing.T) {
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
							&ast.AssignStmt{
								Target: ast.NameTarget{Ref: global("caught")},
								Value:  &ast.AttrExpr{X: &ast.NameExpr{Ref: bindErr}, Attr: "message"},
							},
						},
					},
				},
			},
			&ast.ReturnStmt{Value: &ast.NameExpr{Ref: global("caught")}},
		},
	}

	moduleCode, interns, err := compiler.Compile(&ast.Program{Module: module}, nil)
	require.NoError(t, err)

	typeNameID, ok := findInternedString(interns, "ZeroDivisionError")
	require.True(t, ok, "ZeroDivisionError was never interned by the except clause")

	m := New(interns, testLimits, PrintSinkFunc(func(string) {}))
	inputs := map[string]value.Value{
		"ZeroDivisionError": value.InternString(typeNameID),
	}
	require.NoError(t, m.LoadModule(moduleCode, inputs))

	outcome, result, err := m.Run()
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)

	require.Equal(t, value.TagRef, result.Tag())
	msg := m.Heap.Get(result.AsHeapId()).(*heap.LongString)
	assert.Equal(t, "division by zero", msg.Data)

	assertStackEmpty(t, m)
	result.DropWithHeap(m.Heap)
	dropGlobals(m)
	assertHeapDrained(t, m)
}

// findInternedString looks up the StringId a compiled module already
// assigned s, without calling InternString against the now-frozen
// table (mirrors cmd/vm-demo/main.go's helper of the same name).
func findInternedString(interns *intern.Table, s string) (uint32, bool) {
	for i, str := range interns.Strings {
		if str == s {
			return uint32(i), true
		}
	}
	return 0, false
}
