package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/sandboxvm/ast"
)

func TestResolveReplLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		check   func(t *testing.T, fn *ast.FunctionDef)
	}{
		{
			name:  "bare int literal",
			input: "42",
			check: func(t *testing.T, fn *ast.FunctionDef) {
				require.Len(t, fn.Body, 1)
				stmt, ok := fn.Body[0].(*ast.ExprStmt)
				require.True(t, ok)
				lit, ok := stmt.X.(*ast.IntLit)
				require.True(t, ok)
				assert.Equal(t, int64(42), lit.Value)
			},
		},
		{
			name:  "assignment",
			input: "counter = 0",
			check: func(t *testing.T, fn *ast.FunctionDef) {
				require.Len(t, fn.Body, 1)
				stmt, ok := fn.Body[0].(*ast.AssignStmt)
				require.True(t, ok)
				target, ok := stmt.Target.(ast.NameTarget)
				require.True(t, ok)
				assert.Equal(t, "counter", target.Ref.Name)
				assert.Equal(t, ast.ScopeGlobal, target.Ref.Scope)
			},
		},
		{
			name:  "operator precedence",
			input: "counter + 1 * 2",
			check: func(t *testing.T, fn *ast.FunctionDef) {
				stmt := fn.Body[0].(*ast.ExprStmt)
				add, ok := stmt.X.(*ast.BinaryExpr)
				require.True(t, ok)
				assert.Equal(t, ast.BinAdd, add.Op)
				mul, ok := add.Y.(*ast.BinaryExpr)
				require.True(t, ok)
				assert.Equal(t, ast.BinMul, mul.Op)
			},
		},
		{
			name:  "parens and unary negation",
			input: "-(1 + 2)",
			check: func(t *testing.T, fn *ast.FunctionDef) {
				stmt := fn.Body[0].(*ast.ExprStmt)
				neg, ok := stmt.X.(*ast.UnaryExpr)
				require.True(t, ok)
				assert.Equal(t, ast.UnaryNeg, neg.Op)
				_, ok = neg.X.(*ast.BinaryExpr)
				assert.True(t, ok)
			},
		},
		{
			name:    "unknown character",
			input:   "counter & 1",
			wantErr: true,
		},
		{
			name:    "unterminated parens",
			input:   "(1 + 2",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := resolveReplLine(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, fn)
		})
	}
}

func TestDecodeProgramRoundTrip(t *testing.T) {
	src := []byte(`{
		"module": {
			"name": "<module>",
			"namespace_size": 0,
			"body": [
				{"type": "Assign", "target": {"type": "Name", "ref": {"scope": "global", "name": "x"}}, "value": {"type": "Int", "value": 41}},
				{"type": "Expr", "x": {"type": "Binary", "op": "+", "x": {"type": "Name", "ref": {"scope": "global", "name": "x"}}, "y": {"type": "Int", "value": 1}}}
			]
		}
	}`)

	prog, err := decodeProgram(src)
	require.NoError(t, err)
	require.Len(t, prog.Module.Body, 2)

	assign, ok := prog.Module.Body[0].(*ast.AssignStmt)
	require.True(t, ok)
	target := assign.Target.(ast.NameTarget)
	assert.Equal(t, "x", target.Ref.Name)

	exprStmt, ok := prog.Module.Body[1].(*ast.ExprStmt)
	require.True(t, ok)
	_, ok = exprStmt.X.(*ast.BinaryExpr)
	assert.True(t, ok)
}

func TestCollectExternalNamesDeduplicates(t *testing.T) {
	fn := &ast.FunctionDef{
		Body: []ast.Stmt{
			&ast.ExprStmt{X: &ast.ExternalCallExpr{Name: "fetch", Args: []ast.Expr{&ast.IntLit{Value: 1}}}},
			&ast.ExprStmt{X: &ast.ExternalCallExpr{Name: "fetch", Args: []ast.Expr{&ast.IntLit{Value: 2}}}},
			&ast.ExprStmt{X: &ast.ExternalCallExpr{Name: "len"}},
		},
	}
	names := collectExternalNames(fn)
	assert.Equal(t, []string{"fetch", "len"}, names)
}
