// Package vm implements the fetch/decode/execute loop that runs a
// compiled Code object: the operand stack, the call-frame stack,
// exception-table-based unwinding, external-call suspension, and
// resource accounting (spec.md §4.5). It is the component spec.md
// budgets the largest share of the system to, and has no single
// teacher analogue — the teacher's own VM (package vm, now deleted)
// is a zval register machine tied to the PHP object model, so only its
// frame/dispatch *shape* (a giant opcode switch reading from a
// per-frame instruction pointer) carries over; see DESIGN.md.
package vm

import (
	"github.com/wudi/sandboxvm/code"
	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/intern"
	"github.com/wudi/sandboxvm/snapshot"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vmtracker"
)

// PrintSink is the host text sink a VM carries in its Print field
// (spec.md §6). No opcode writes to it: the VM has no `print` built-in.
// The host owns buffering, encoding, and any channel distinction.
type PrintSink interface {
	Write(text string)
}

// PrintSinkFunc adapts a function to PrintSink.
type PrintSinkFunc func(string)

func (f PrintSinkFunc) Write(text string) { f(text) }

// ExternalCall describes one pause point: the VM yields control to the
// embedder to service a named external function (spec.md §6
// Suspension).
type ExternalCall struct {
	FunctionName string
	Args         []value.Value
	Kwargs       map[string]value.Value
	CallID       string
}

// Outcome is what Run/Resume produces when the VM stops advancing.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeSuspended
	OutcomeError
)

// VM is one execution of a compiled Program. It owns its heap,
// namespaces (via each Frame), operand stack, and frame stack
// exclusively for the duration of Run/Resume — spec.md §5's
// single-threaded-cooperative concurrency model.
type VM struct {
	Heap    *heap.Heap
	Interns *intern.Table
	Tracker *vmtracker.Tracker
	Print   PrintSink

	stack  []value.Value
	frames []*Frame

	currentException *value.Value

	pending *ExternalCall

	instructionCount int64

	globalsMap map[string]value.Value
}

// New creates a VM ready to load a module Code object via LoadModule.
func New(interns *intern.Table, limits vmtracker.Limits, print PrintSink) *VM {
	tracker := vmtracker.New(limits)
	return &VM{
		Heap:    heap.New(tracker),
		Interns: interns,
		Tracker: tracker,
		Print:   print,
	}
}

// LoadModule pushes the initial frame for the module's top-level Code,
// per spec.md §2's "VM loads module Code, pushes an initial frame, and
// dispatches."
func (m *VM) LoadModule(moduleCode *code.Code, inputs map[string]value.Value) error {
	ns := make([]value.Value, moduleCode.NumLocals)
	f := &Frame{
		Code:      moduleCode,
		Namespace: ns,
		StackBase: 0,
	}
	m.frames = append(m.frames, f)
	// Inputs are bound into the module namespace by the embedder's
	// declared input_names order; this module has no separate
	// input_names table (not named by any opcode or Code field), so
	// inputs are looked up by treating each key as a pre-resolved
	// global name and storing it via the same global-binding path a
	// `def` statement uses (see DESIGN.md compiler entry) rather than
	// a local slot, keeping module inputs and module-level functions in
	// the same namespace.
	for name, v := range inputs {
		m.globals()[name] = v
	}
	return nil
}

// globals is the module-level global namespace, keyed by interned
// string content rather than StringId so it survives snapshot/reload
// against a recompiled, re-interned program (spec.md §4.6).
func (m *VM) globals() map[string]value.Value {
	if m.globalsMap == nil {
		m.globalsMap = make(map[string]value.Value)
	}
	return m.globalsMap
}

// Run executes until the program completes, raises uncaught, or
// suspends on an external call.
func (m *VM) Run() (Outcome, value.Value, error) {
	for {
		if len(m.frames) == 0 {
			return OutcomeCompleted, value.None(), nil
		}
		halted, outcome, v, err := m.step()
		if halted {
			return outcome, v, err
		}
	}
}

// Resume re-enters the VM after an external call, pushing the host's
// returned value (already converted to a guest Value by the embedder)
// onto the operand stack before continuing dispatch (spec.md §6
// Suspension.resume).
func (m *VM) Resume(v value.Value) (Outcome, value.Value, error) {
	m.pending = nil
	m.stack = append(m.stack, v)
	return m.Run()
}

// ResumeException re-enters after an external call the host reports as
// failed, raising a synthetic exception at the call site instead of
// pushing a return value.
func (m *VM) ResumeException(typeName, message string) (Outcome, value.Value, error) {
	m.pending = nil
	excID, err := m.raiseNew(typeName, message, nil, nil)
	if err != nil {
		return OutcomeError, value.Value{}, err
	}
	m.currentException = &excID
	matched, err := m.unwindToHandler()
	if err != nil {
		return OutcomeError, value.Value{}, err
	}
	if !matched {
		n, msg := typeName, message
		excID.DropWithHeap(m.Heap)
		m.currentException = nil
		return OutcomeError, value.Value{}, &GuestError{TypeName: n, Message: msg}
	}
	return m.Run()
}

// Pending reports the external call the VM is currently suspended on,
// or nil if it is not suspended.
func (m *VM) Pending() *ExternalCall { return m.pending }

// Dump serializes the VM's entire execution state (spec.md §4.6) so a
// fresh process can Load it and Resume where this one left off. Interns
// and Code are deliberately not included — see package snapshot's doc
// comment — the caller's Program is expected to have recompiled
// identical source before calling Load.
func (m *VM) Dump() ([]byte, error) {
	snap := &snapshot.VMSnapshot{
		Stack:            m.stack,
		CurrentException: m.currentException,
		Globals:          m.globalsMap,
	}

	snap.Frames = make([]snapshot.SerializedFrame, len(m.frames))
	for i, f := range m.frames {
		snap.Frames[i] = snapshot.SerializedFrame{
			FunctionID: f.FunctionID,
			IP:         f.IP,
			StackBase:  f.StackBase,
			Namespace:  f.Namespace,
			Cells:      f.Cells,
		}
	}

	if m.pending != nil {
		snap.Pending = &snapshot.PendingCall{
			FunctionName: m.pending.FunctionName,
			Args:         m.pending.Args,
			Kwargs:       m.pending.Kwargs,
			CallID:       m.pending.CallID,
		}
	}

	slots := make([]heap.Slot, m.Heap.Len())
	for i := range slots {
		slots[i] = *m.Heap.Slot(heap.HeapId(i))
	}
	snap.Heap = slots

	return snapshot.Encode(snap)
}

// Load reconstructs a VM from a dump produced by Dump, re-attaching it
// to moduleCode and interns from a freshly recompiled Program (spec.md
// §4.6's "deserialization ... looking up each frame's Code by
// FunctionId from the recompiled program").
func Load(data []byte, moduleCode *code.Code, interns *intern.Table, limits vmtracker.Limits, print PrintSink) (*VM, error) {
	snap, err := snapshot.Decode(data)
	if err != nil {
		return nil, err
	}

	tracker := vmtracker.New(limits)
	m := &VM{
		Heap:       heap.LoadSlots(tracker, snap.Heap),
		Interns:    interns,
		Tracker:    tracker,
		Print:      print,
		stack:      snap.Stack,
		globalsMap: snap.Globals,
	}

	m.frames = make([]*Frame, len(snap.Frames))
	for i, sf := range snap.Frames {
		var c *code.Code
		if sf.FunctionID == nil {
			c = moduleCode
		} else {
			c = interns.Func(*sf.FunctionID).Code
		}
		m.frames[i] = &Frame{
			Code:       c,
			IP:         sf.IP,
			StackBase:  sf.StackBase,
			Namespace:  sf.Namespace,
			FunctionID: sf.FunctionID,
			Cells:      sf.Cells,
		}
	}

	m.currentException = snap.CurrentException

	if snap.Pending != nil {
		m.pending = &ExternalCall{
			FunctionName: snap.Pending.FunctionName,
			Args:         snap.Pending.Args,
			Kwargs:       snap.Pending.Kwargs,
			CallID:       snap.Pending.CallID,
		}
	}

	return m, nil
}
