package main

import (
	"fmt"
	"strings"

	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/compiler"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vm"
	"github.com/wudi/sandboxvm/vmtracker"
)

// findInternedString looks up the StringId a compiled module already
// assigned s, without calling InternString against the now-frozen table.
func findInternedString(interns *intern.Table, s string) (uint32, bool) {
	for i, str := range interns.Strings {
		if str == s {
			return uint32(i), true
		}
	}
	return 0, false
}

func main() {
	fmt.Println("=== Sandboxed VM Demonstration ===")

	demonstrateBasicRun()
	demonstrateExternalCallSuspension()
	demonstrateTryExcept()
}

var demoLimits = vmtracker.Limits{
	MaxAllocations:    1 << 20,
	MaxDurationSecs:   5,
	MaxMemoryBytes:    1 << 20,
	GCInterval:        1024,
	MaxRecursionDepth: 64,
}

func global(name string) ast.NameRef { return ast.NameRef{Scope: ast.ScopeGlobal, Name: name} }

// demonstrateBasicRun compiles and runs a straight-line, global-only
// module body with no external collaborator: `i = 0; sum = 0; while i <
// 5: i = i + 1; sum = sum + i; return sum`.
func demonstrateBasicRun() {
	fmt.Println("\n--- Basic run-to-completion ---")

	module := &ast.FunctionDef{
		Body: []ast.Stmt{
			&ast.AssignStmt{Target: ast.NameTarget{Ref: global("i")}, Value: &ast.IntLit{Value: 0}},
			&ast.AssignStmt{Target: ast.NameTarget{Ref: global("sum")}, Value: &ast.IntLit{Value: 0}},
			&ast.WhileStmt{
				Cond: &ast.CompareExpr{Op: ast.CmpLt, X: &ast.NameExpr{Ref: global("i")}, Y: &ast.IntLit{Value: 5}},
				Body: []ast.Stmt{
					&ast.AssignStmt{Target: ast.NameTarget{Ref: global("i")}, Value: &ast.BinaryExpr{
						Op: ast.BinAdd, X: &ast.NameExpr{Ref: global("i")}, Y: &ast.IntLit{Value: 1},
					}},
					&ast.AssignStmt{Target: ast.NameTarget{Ref: global("sum")}, Value: &ast.BinaryExpr{
						Op: ast.BinAdd, X: &ast.NameExpr{Ref: global("sum")}, Y: &ast.NameExpr{Ref: global("i")},
					}},
				},
			},
			&ast.ReturnStmt{Value: &ast.NameExpr{Ref: global("sum")}},
		},
	}

	moduleCode, interns, err := compiler.Compile(&ast.Program{Module: module}, nil)
	if err != nil {
		fmt.Println("compile failed:", err)
		return
	}

	m := vm.New(interns, demoLimits, vm.PrintSinkFunc(func(s string) { fmt.Print(s) }))
	if err := m.LoadModule(moduleCode, nil); err != nil {
		fmt.Println("load failed:", err)
		return
	}
	outcome, result, err := m.Run()
	if outcome != vm.OutcomeCompleted {
		fmt.Println("run failed:", err)
		return
	}
	fmt.Printf("sum of 1..5 = %s\n", result.String())
}

// demonstrateExternalCallSuspension calls a host-serviced function
// mid-module (`result = fetch(1); return result`), dumps the suspended
// VM, reloads it into a second VM value to show the snapshot round
// trip, then resumes the reload with the host's answer.
func demonstrateExternalCallSuspension() {
	fmt.Println("\n--- External call suspend / snapshot / resume ---")

	module := &ast.FunctionDef{
		Body: []ast.Stmt{
			&ast.AssignStmt{
				Target: ast.NameTarget{Ref: global("result")},
				Value:  &ast.ExternalCallExpr{Name: "fetch", Args: []ast.Expr{&ast.IntLit{Value: 1}}},
			},
			&ast.ReturnStmt{Value: &ast.NameExpr{Ref: global("result")}},
		},
	}

	moduleCode, interns, err := compiler.Compile(&ast.Program{Module: module}, []string{"fetch"})
	if err != nil {
		fmt.Println("compile failed:", err)
		return
	}

	printSink := vm.PrintSinkFunc(func(s string) { fmt.Print(s) })
	m := vm.New(interns, demoLimits, printSink)
	if err := m.LoadModule(moduleCode, nil); err != nil {
		fmt.Println("load failed:", err)
		return
	}

	outcome, _, err := m.Run()
	if outcome != vm.OutcomeSuspended {
		fmt.Println("expected suspension, got:", outcome, err)
		return
	}
	pending := m.Pending()
	fmt.Printf("suspended on external call %q with %d arg(s), call_id=%s\n",
		pending.FunctionName, len(pending.Args), pending.CallID)

	dump, err := m.Dump()
	if err != nil {
		fmt.Println("dump failed:", err)
		return
	}
	fmt.Printf("dumped %d bytes of suspended state\n", len(dump))

	reloaded, err := vm.Load(dump, moduleCode, interns, demoLimits, printSink)
	if err != nil {
		fmt.Println("reload failed:", err)
		return
	}

	outcome, result, err := reloaded.Resume(value.Int(99))
	if outcome != vm.OutcomeCompleted {
		fmt.Println("resume failed:", err)
		return
	}
	fmt.Printf("resumed with host answer 99, final result = %s\n", result.String())
}

// demonstrateTryExcept divides by zero inside a try block and catches
// ZeroDivisionError, showing how the embedder's resolver is expected to
// bind exception-type globals: the compiler interns "ZeroDivisionError"
// as a LoadGlobal operand the moment the except clause references it
// (package compiler's emitLoad), so the same string id is looked up
// below and bound as a module input with matching content.
func demonstrateTryExcept() {
	fmt.Println("\n--- try/except ZeroDivisionError ---")

	bindErr := global("e")
	module := &ast.FunctionDef{
		Body: []ast.Stmt{
			&ast.AssignStmt{Target: ast.NameTarget{Ref: global("caught")}, Value: &ast.IntLit{Value: 0}},
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
			},
			&ast.ReturnStmt{Value: &ast.NameExpr{Ref: global("caught")}},
		},
	}

	moduleCode, interns, err := compiler.Compile(&ast.Program{Module: module}, nil)
	if err != nil {
		fmt.Println("compile failed:", err)
		return
	}

	typeNameID, ok := findInternedString(interns, "ZeroDivisionError")
	if !ok {
		fmt.Println("ZeroDivisionError was never interned — except clause didn't compile as expected")
		return
	}

	m := vm.New(interns, demoLimits, vm.PrintSinkFunc(func(s string) { fmt.Print(s) }))
	inputs := map[string]value.Value{
		"ZeroDivisionError": value.InternString(typeNameID),
	}
	if err := m.LoadModule(moduleCode, inputs); err != nil {
		fmt.Println("load failed:", err)
		return
	}

	outcome, result, err := m.Run()
	if outcome != vm.OutcomeCompleted {
		fmt.Println("run failed:", err)
		return
	}
	fmt.Printf("caught = %s\n", result.String())
	fmt.Println(strings.Repeat("-", 40))
}
