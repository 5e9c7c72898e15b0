// Package repl implements spec.md §4.6/§2.7's REPL driver: one
// persistent module frame extended by successive Feed calls rather than
// replaying every prior snippet. Parsing and name resolution are out of
// scope for this whole module (see package ast's doc comment); Create
// and Feed take an already-resolved snippet AST, exactly as
// compiler.Compile does — the embedder's resolver is responsible for
// keeping every snippet's top-level names bound as globals across
// calls, which is what lets the underlying vm.VM's persistent globals
// map carry state between snippets without this package doing anything
// special.
package repl

import (
	"fmt"

	"github.com/wudi/sandboxvm/ast"
	"github.com/wudi/sandboxvm/compiler"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/snapshot"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vm"
	"github.com/wudi/sandboxvm/vmerr"
	"github.com/wudi/sandboxvm/vmtracker"
)

// REPL is one interactive session: a VM whose heap, globals, and
// interns table survive across Feed calls.
type REPL struct {
	vm      *vm.VM
	interns *intern.Table
	limits  vmtracker.Limits
	print   vm.PrintSink
}

// Create compiles initialModule as the session's first snippet and runs
// it to completion, returning the ready REPL alongside the snippet's
// result value (spec.md §6 "REPL.create(initial_code, options) →
// (REPL, initial_value)"). externalFunctionNames pre-declares, as with
// compiler.Compile, every external function name any snippet fed to
// this session may call.
func Create(initialModule *ast.FunctionDef, externalFunctionNames []string, limits vmtracker.Limits, print vm.PrintSink) (*REPL, value.Value, error) {
	interns := intern.New()
	for _, name := range externalFunctionNames {
		interns.InternExternalFunction(name)
	}
	r := &REPL{
		vm:      vm.New(interns, limits, print),
		interns: interns,
		limits:  limits,
		print:   print,
	}
	v, err := r.Feed(initialModule)
	if err != nil {
		return nil, value.Value{}, err
	}
	return r, v, nil
}

// Feed compiles module against the session's preserved interns table
// (extending it with any functions the snippet defines) and runs it
// with the persistent heap/globals, returning the value of its trailing
// bare expression statement, if any, or None (spec.md §6 "REPL.feed(code)
// → value").
func (r *REPL) Feed(module *ast.FunctionDef) (value.Value, error) {
	snippetCode, err := compiler.CompileIncremental(module, r.interns)
	if err != nil {
		return value.Value{}, err
	}
	if err := r.vm.LoadModule(snippetCode, nil); err != nil {
		return value.Value{}, err
	}
	outcome, v, err := r.vm.Run()
	switch outcome {
	case vm.OutcomeCompleted:
		return v, nil
	case vm.OutcomeSuspended:
		pending := r.vm.Pending()
		return value.Value{}, vmerr.Newf(vmerr.CompileError,
			"REPL snippets may not suspend on external call %q; a snippet must run to completion", pending.FunctionName)
	default:
		return value.Value{}, err
	}
}

// Dump serializes the session's interns table and full VM state so a
// fresh process can Load it and keep feeding snippets where this one
// left off.
func (r *REPL) Dump() ([]byte, error) {
	internsBytes, err := snapshot.EncodeInterns(r.interns)
	if err != nil {
		return nil, err
	}
	vmBytes, err := r.vm.Dump()
	if err != nil {
		return nil, err
	}

	var buf []byte
	buf = appendFramed(buf, internsBytes)
	buf = appendFramed(buf, vmBytes)
	return buf, nil
}

// Load reconstructs a REPL from a dump produced by Dump.
func Load(data []byte, limits vmtracker.Limits, print vm.PrintSink) (*REPL, error) {
	internsBytes, rest, err := readFramed(data)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "repl dump: %v", err)
	}
	vmBytes, _, err := readFramed(rest)
	if err != nil {
		return nil, vmerr.Newf(vmerr.SnapshotError, "repl dump: %v", err)
	}

	interns, err := snapshot.DecodeInterns(internsBytes)
	if err != nil {
		return nil, err
	}

	// vm.Load needs a module Code to attach frame-less snapshots to;
	// a REPL at rest between Feed calls always has zero frames (every
	// snippet runs to completion before Dump can observe it), so no
	// real module Code is ever looked up and nil is safe here.
	m, err := vm.Load(vmBytes, nil, interns, limits, print)
	if err != nil {
		return nil, err
	}

	return &REPL{vm: m, interns: interns, limits: limits, print: print}, nil
}

func appendFramed(buf []byte, chunk []byte) []byte {
	n := len(chunk)
	buf = append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(buf, chunk...)
}

func readFramed(data []byte) (chunk, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("truncated frame length")
	}
	n := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	data = data[4:]
	if len(data) < n {
		return nil, nil, fmt.Errorf("truncated frame: want %d bytes, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
