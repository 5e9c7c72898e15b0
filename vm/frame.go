package vm

import (
	"github.com/wudi/sandboxvm/code"
	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/value"
)

// Frame is one call activation (spec.md §3 CallFrame). The instruction
// pointer lives here, never on the VM itself, so a suspended VM's frame
// stack alone is enough to resume execution deterministically.
type Frame struct {
	Code       *code.Code
	IP         uint32
	StackBase  int
	Namespace  []value.Value
	FunctionID *intern.FunctionId
	Cells      []heap.HeapId
	CallSite   code.SourceRange
}
