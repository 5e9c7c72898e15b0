package vm

import (
	"fmt"

	"github.com/wudi/sandboxvm/heap"
	"github.com/wudi/sandboxvm/value"
)

// GuestError wraps an uncaught guest exception surfaced to the host as
// Program.run's RuntimeError (spec.md §6/§7).
type GuestError struct {
	TypeName string
	Message  string
}

func (e *GuestError) Error() string { return fmt.Sprintf("%s: %s", e.TypeName, e.Message) }

// captureTraceback walks the live frame stack, most recent first,
// producing the boundary Frame shape spec.md §6 describes. Function
// names are resolved through Interns; the module frame has none.
func (m *VM) captureTraceback() []heap.TracebackFrame {
	out := make([]heap.TracebackFrame, 0, len(m.frames))
	for i := len(m.frames) - 1; i >= 0; i-- {
		f := m.frames[i]
		fn := ""
		if f.FunctionID != nil {
			fn = m.Interns.String(m.Interns.Func(*f.FunctionID).Name)
		}
		loc, ok := f.Code.LocationFor(f.IP)
		tf := heap.TracebackFrame{FunctionName: fn}
		if ok {
			tf.Line, tf.Column = loc.Range.StartLine, loc.Range.StartCol
			tf.EndLine, tf.EndColumn = loc.Range.EndLine, loc.Range.EndCol
		}
		out = append(out, tf)
	}
	return out
}

// newException allocates a heap Exception slot and returns a Ref Value
// pointing at it, with refcount 1 owned by the caller.
func (m *VM) newException(typeName, message string, cause, context *value.Value) (value.Value, error) {
	exc := &heap.Exception{
		TypeName:        typeName,
		Message:         message,
		TracebackFrames: m.captureTraceback(),
		Cause:           cause,
		Context:         context,
	}
	id, err := m.Heap.Alloc(exc, int64(64+len(message)))
	if err != nil {
		return value.Value{}, err
	}
	return value.Ref(id), nil
}

// raiseNew is a convenience used by internal VM faults (division by
// zero, recursion limit, resource limits) and by ResumeException, which
// construct their own exception value rather than taking one from the
// guest operand stack.
func (m *VM) raiseNew(typeName, message string, cause, context *value.Value) (value.Value, error) {
	return m.newException(typeName, message, cause, context)
}

// doRaise implements spec.md §4.5 Raise: it searches outward from the
// current frame for a matching exception-table entry, unwinding frames
// that have none, and either transfers control to a handler — returning
// halted=false so step() keeps looping, now at the handler — or
// terminates the VM with the exception surfaced as a RuntimeError
// (halted=true, OutcomeError). On a match, m.currentException stays set
// to excVal for the duration of the handler — it is what a bare `raise`
// (compiled to Reraise, which by then has nothing left on the operand
// stack to read) re-raises, and what ClearException drops once the
// handler completes normally.
func (m *VM) doRaise(excVal value.Value) (halted bool, outcome Outcome, result value.Value, err error) {
	m.currentException = &excVal
	matched, uerr := m.unwindToHandler()
	if uerr != nil {
		return true, OutcomeError, value.Value{}, uerr
	}
	if matched {
		return false, 0, value.Value{}, nil
	}
	// Unwound every frame without finding a handler: terminate.
	typeName, message := m.describeException(excVal)
	excVal.DropWithHeap(m.Heap)
	m.currentException = nil
	return true, OutcomeError, excVal, &GuestError{TypeName: typeName, Message: message}
}

// unwindToHandler pops frames, checking each for an exception-table
// entry covering its current IP, until one matches or the frame stack
// is empty. On match it sets the matched frame's IP to the handler,
// releases operand-stack entries above stack_depth, and pushes an
// incref'd clone of m.currentException for the compiled type-match/bind
// sequence to consume — m.currentException itself is left set so a
// later Reraise/ClearException can still reach the original reference.
func (m *VM) unwindToHandler() (matched bool, err error) {
	for len(m.frames) > 0 {
		f := m.frame()
		if entry, ok := f.Code.HandlerFor(f.IP); ok {
			target := f.StackBase + int(entry.StackDepth)
			if target < len(m.stack) {
				value.DropSlice(m.stack[target:], m.Heap)
				m.stack = m.stack[:target]
			}
			f.IP = entry.Handler
			m.push((*m.currentException).CloneWithHeap(m.Heap))
			return true, nil
		}
		// No handler in this frame: discard its remaining operands and
		// pop it, propagating the raise to the caller.
		if f.StackBase < len(m.stack) {
			value.DropSlice(m.stack[f.StackBase:], m.Heap)
			m.stack = m.stack[:f.StackBase]
		}
		m.releaseCells(f)
		m.frames = m.frames[:len(m.frames)-1]
	}
	return false, nil
}

func (m *VM) releaseCells(f *Frame) {
	for _, id := range f.Cells {
		m.Heap.Decref(id)
	}
}

// describeException extracts a (type_name, message) pair for the
// RuntimeError surfaced to the host, reading the heap slot before the
// caller drops its refcount.
func (m *VM) describeException(v value.Value) (string, string) {
	if v.Tag() != value.TagRef {
		return "Error", v.String()
	}
	if exc, ok := m.Heap.Get(v.AsHeapId()).(*heap.Exception); ok {
		return exc.TypeName, exc.Message
	}
	return "Error", ""
}
