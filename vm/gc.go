package vm

import "github.com/wudi/sandboxvm/heap"

// collectCycles runs one mark-sweep pass over every GC root the VM can
// currently name: the operand stack, every live frame's namespace, every
// live frame's captured cells, and the in-flight exception, if any
// (spec.md §9 "Cyclic object graphs" — reference counting alone cannot
// reclaim a self-referential list or dict).
func (m *VM) collectCycles() int {
	var cells []heap.HeapId
	roots := heap.Roots{
		Stack:     m.stack,
		Exception: m.currentException,
	}
	for _, f := range m.frames {
		cells = append(cells, f.Cells...)
		roots.Namespaces = append(roots.Namespaces, f.Namespace)
	}
	roots.Cells = cells
	return m.Heap.CollectCycles(roots)
}
