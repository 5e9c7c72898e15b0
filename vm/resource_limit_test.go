package vm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/compiler"
	"github.com/wudi/sandboxvm/vmtracker"
)

// ResourceLimitSuite encodes spec.md §8 scenario S6 and the resource
// limits spec.md §7 places on the VM: the wall-clock and recursion
// limits must surface as a guest exception of the matching type, not a
// panic or silent hang. Each test configures its own Limits, so the
// fixture is a testify/suite purely for the shared infinite-loop module
// builder below (SPEC_FULL.md's ambient test-tooling section).
type ResourceLimitSuite struct {
	suite.Suite
}

// infiniteLoopModule is `while True: pass`.
func infiniteLoopModule() *ast.FunctionDef {
	return &ast.FunctionDef{
		Body: []ast.Stmt{
			&ast.WhileStmt{
				Cond: &ast.BoolLit{Value: true},
				Body: []ast.Stmt{&ast.PassStmt{}},
			},
		},
	}
}

// TestTimeoutSurfacesWithinTwiceTheLimit is S6: `while True: pass` with
// max_duration_secs=0.1 must raise TimeoutError, observed within ~2x
// the configured limit (the tracker only checks wall clock once per
// tick, on every opcode, so it cannot overshoot by much).
func (s *ResourceLimitSuite) TestTimeoutSurfacesWithinTwiceTheLimit() {
	moduleCode, interns, err := compiler.Compile(&ast.Program{Module: infiniteLoopModule()}, nil)
	s.Require().NoError(err)

	limits := vmtracker.Limits{
		MaxDurationSecs:   0.1,
		MaxAllocations:    1 << 30,
		MaxMemoryBytes:    1 << 30,
		GCInterval:        4096,
		MaxRecursionDepth: 1000,
	}
	m := New(interns, limits, PrintSinkFunc(func(string) {}))
	s.Require().NoError(m.LoadModule(moduleCode, nil))

	started := time.Now()
	outcome, _, err := m.Run()
	elapsed := time.Since(started)

	s.Require().Equal(OutcomeError, outcome)
	s.Require().Error(err)
	gerr, ok := err.(*GuestError)
	s.Require().True(ok, "expected a *GuestError, got %T", err)
	s.Equal("TimeoutError", gerr.TypeName)
	s.LessOrEqual(elapsed, 2*time.Duration(limits.MaxDurationSecs*float64(time.Second)),
		"timeout must be observed within ~2x the configured limit")
}

// TestRecursionLimitSurfacesAsRecursionError bounds unbounded recursion
// (spec.md §7 RecursionError): a function that always calls itself one
// frame deeper must be stopped once the configured call-depth limit is
// hit, not crash the host with a real stack overflow.
func (s *ResourceLimitSuite) TestRecursionLimitSurfacesAsRecursionError() {
	n := ast.NameRef{Scope: ast.ScopeLocal, Name: "n", Slot: 0}
	recurse := &ast.FunctionDef{
		Name:          "recurse",
		Params:        []ast.ParamDef{{Ref: n}},
		NamespaceSize: 1,
		Body: []ast.Stmt{
			&ast.ReturnStmt{Value: &ast.CallExpr{
				Func: &ast.NameExpr{Ref: ast.NameRef{Scope: ast.ScopeGlobal, Name: "recurse"}},
				Args: []ast.Expr{&ast.BinaryExpr{Op: ast.BinAdd, X: &ast.NameExpr{Ref: n}, Y: &ast.IntLit{Value: 1}}},
			}},
		},
	}
	module := &ast.FunctionDef{
		Body: []ast.Stmt{
			&ast.FunctionDefStmt{Fn: recurse},
			&ast.ReturnStmt{Value: &ast.CallExpr{
				Func: &ast.NameExpr{Ref: ast.NameRef{Scope: ast.ScopeGlobal, Name: "recurse"}},
				Args: []ast.Expr{&ast.IntLit{Value: 0}},
			}},
		},
	}

	moduleCode, interns, err := compiler.Compile(&ast.Program{Module: module}, nil)
	s.Require().NoError(err)

	limits := vmtracker.Limits{
		MaxDurationSecs:   5,
		MaxAllocations:    1 << 30,
		MaxMemoryBytes:    1 << 30,
		GCInterval:        4096,
		MaxRecursionDepth: 32,
	}
	m := New(interns, limits, PrintSinkFunc(func(string) {}))
	s.Require().NoError(m.LoadModule(moduleCode, nil))

	outcome, _, err := m.Run()
	s.Require().Equal(OutcomeError, outcome)
	gerr, ok := err.(*GuestError)
	s.Require().True(ok, "expected a *GuestError, got %T", err)
	s.Equal("RecursionError", gerr.TypeName)
}

func TestResourceLimitSuite(t *testing.T) {
	suite.Run(t, new(ResourceLimitSuite))
}
