package vm

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/code"
	"github.com/wudi/sandboxvm/compiler"
	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/value"
)

// SnapshotRoundTripSuite encodes spec.md §8 scenarios S4/S5/invariant
// #5 (snapshot round trip) and #6 (determinism): dumping a suspended
// VM, reloading it against a separately, freshly recompiled Program —
// exactly as a new process loading a persisted snapshot would — and
// resuming it must produce the same final value as servicing the same
// external calls inline in the original VM. testify/suite gives this
// fixture its SetupTest/compileFresh helpers, per SPEC_FULL.md's
// ambient test-tooling section.
type SnapshotRoundTripSuite struct {
	suite.Suite
	module *ast.FunctionDef
}

func (s *SnapshotRoundTripSuite) SetupTest() {
	s.module = &ast.FunctionDef{
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
}

func (s *SnapshotRoundTripSuite) compileFresh() (*code.Code, *intern.Table) {
	moduleCode, interns, err := compiler.Compile(&ast.Program{Module: s.module}, []string{"fetch", "len"})
	s.Require().NoError(err)
	return moduleCode, interns
}

// runToFirstSuspension drives m to its first CallExternal suspension
// (the "fetch" call) and drops the suspended call's arguments, as an
// embedder servicing the call would once it has read what it needs.
func (s *SnapshotRoundTripSuite) runToFirstSuspension(m *VM) {
	outcome, _, err := m.Run()
	s.Require().NoError(err)
	s.Require().Equal(OutcomeSuspended, outcome)
	s.Require().Equal("fetch", m.Pending().FunctionName)
	value.DropSlice(m.Pending().Args, m.Heap)
}

// resumeToCompletion services the "fetch" (-> "hello world") and "len"
// (-> 11) suspensions the module above always produces next, in order,
// and returns the final completed value.
func (s *SnapshotRoundTripSuite) resumeToCompletion(m *VM) value.Value {
	id, err := m.Heap.Alloc(&heap.LongString{Data: "hello world"}, int64(len("hello world")))
	s.Require().NoError(err)

	outcome, _, err := m.Resume(value.Ref(id))
	s.Require().NoError(err)
	s.Require().Equal(OutcomeSuspended, outcome)
	s.Require().Equal("len", m.Pending().FunctionName)
	value.DropSlice(m.Pending().Args, m.Heap)

	outcome, result, err := m.Resume(value.Int(11))
	s.Require().NoError(err)
	s.Require().Equal(OutcomeCompleted, outcome)
	return result
}

func (s *SnapshotRoundTripSuite) TestDumpReloadResumeMatchesInlineServicing() {
	moduleCodeA, internsA := s.compileFresh()
	mA := New(internsA, testLimits, PrintSinkFunc(func(string) {}))
	s.Require().NoError(mA.LoadModule(moduleCodeA, nil))
	s.runToFirstSuspension(mA)
	resultA := s.resumeToCompletion(mA)

	moduleCodeB, internsB := s.compileFresh()
	mB := New(internsB, testLimits, PrintSinkFunc(func(string) {}))
	s.Require().NoError(mB.LoadModule(moduleCodeB, nil))
	s.runToFirstSuspension(mB)

	dump, err := mB.Dump()
	s.Require().NoError(err)

	moduleCodeC, internsC := s.compileFresh()
	reloaded, err := Load(dump, moduleCodeC, internsC, testLimits, PrintSinkFunc(func(string) {}))
	s.Require().NoError(err)
	resultB := s.resumeToCompletion(reloaded)

	s.Equal(resultA.AsInt(), resultB.AsInt(),
		"dump/reload/resume must produce the same final value as servicing every external call inline")
	s.Equal(int64(11), resultA.AsInt())
}

func TestSnapshotRoundTripSuite(t *testing.T) {
	suite.Run(t, new(SnapshotRoundTripSuite))
}
