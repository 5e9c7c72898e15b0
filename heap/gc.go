package heap

import "github.com/wudi/sandboxvm/value"

// Roots bundles every GC root the VM can name at a collection point:
// the operand stack, every live frame's namespace, every live cell, and
// the in-flight exception (spec.md §9 "Cyclic object graphs").
type Roots struct {
	Stack      []value.Value
	Namespaces [][]value.Value
	Cells      []HeapId
	Exception  *value.Value
}

// CollectCycles runs one mark-sweep pass: anything reachable from roots
// survives; everything else (including self-referential cycles that
// refcounting alone can never reach zero on) is reclaimed regardless of
// its current refcount.
//
// Slots found unreachable are reclaimed directly rather than via Decref:
// since every member of a dead cycle is, by construction, unreachable
// from any root, the cross-references between them are not real external
// refcounts to honor — discounting them individually would just walk the
// same unreachable set a second time.
func (h *Heap) CollectCycles(roots Roots) int {
	marked := make(map[HeapId]bool, len(h.slots))

	var mark func(v value.Value)
	mark = func(v value.Value) {
		switch v.Tag() {
		case value.TagRef, value.TagCell:
			id := v.AsHeapId()
			if int(id) >= len(h.slots) || marked[id] || !h.slots[id].Live {
				return
			}
			marked[id] = true
			for _, child := range h.slots[id].Data.children(nil) {
				mark(child)
			}
		case value.TagSmallTuple, value.TagSmallList:
			for _, e := range v.AsSmall() {
				mark(e)
			}
		}
	}

	for _, v := range roots.Stack {
		mark(v)
	}
	for _, ns := range roots.Namespaces {
		for _, v := range ns {
			mark(v)
		}
	}
	for _, id := range roots.Cells {
		mark(value.Cell(id))
	}
	if roots.Exception != nil {
		mark(*roots.Exception)
	}

	reclaimed := 0
	for i := range h.slots {
		id := HeapId(i)
		if h.slots[i].Live && !marked[id] {
			h.slots[i].Data = nil
			h.slots[i].Live = false
			h.freeList = append(h.freeList, id)
			reclaimed++
		}
	}
	return reclaimed
}
