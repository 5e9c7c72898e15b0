package repl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vm"
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

func assignSnippet(value ast.Expr) *ast.FunctionDef {
	return &ast.FunctionDef{
		Body: []ast.Stmt{&ast.AssignStmt{Target: ast.NameTarget{Ref: global("counter")}, Value: value}},
	}
}

func exprSnippet(e ast.Expr) *ast.FunctionDef {
	return &ast.FunctionDef{Body: []ast.Stmt{&ast.ExprStmt{X: e}}}
}

// TestS5ReplCounterPersistence encodes spec.md §8 scenario S5: a session
// started with `counter = 0`, fed `counter = counter + 1` and then bare
// `counter`, must answer 1; feeding the same two snippets again must
// answer 2 — the persistent globals map is what carries `counter` across
// Feed calls without replaying earlier snippets.
func TestS5ReplCounterPersistence(t *testing.T) {
	r, initial, err := Create(assignSnippet(&ast.IntLit{Value: 0}), nil, testLimits, vm.PrintSinkFunc(func(string) {}))
	require.NoError(t, err)
	assert.True(t, initial.IsNone(), "an assignment snippet has no trailing expression value")

	increment := assignSnippet(&ast.BinaryExpr{
		Op: ast.BinAdd,
		X:  &ast.NameExpr{Ref: global("counter")},
		Y:  &ast.IntLit{Value: 1},
	})
	readCounter := exprSnippet(&ast.NameExpr{Ref: global("counter")})

	v, err := r.Feed(increment)
	require.NoError(t, err)
	assert.True(t, v.IsNone())

	v, err = r.Feed(readCounter)
	require.NoError(t, err)
	require.Equal(t, value.TagInt, v.Tag())
	assert.Equal(t, int64(1), v.AsInt())

	v, err = r.Feed(increment)
	require.NoError(t, err)
	assert.True(t, v.IsNone())

	v, err = r.Feed(readCounter)
	require.NoError(t, err)
	require.Equal(t, value.TagInt, v.Tag())
	assert.Equal(t, int64(2), v.AsInt())
}
