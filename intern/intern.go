// Package intern holds the process-local, de-duplicated lookup tables
// the bytecode addresses by small integer id: interned strings, byte
// strings, compiled function metadata, and the names of external
// functions the host may service (spec.md §3 "Interns").
//
// Interns are mutable only during compilation; once a Program finishes
// compiling, Freeze makes the table's read-only-during-execution
// invariant (spec.md §5) explicit: any later mutation panics.
package intern

import (
	"fmt"

	"github.com/wudi/sandboxvm/code"
	"github.com/wudi/sandboxvm/value"
)

type StringId uint32
type BytesId uint32
type FunctionId uint32
type ExtFnId uint32

// Param describes one parameter of a Function, in declaration order.
//
// spec.md describes a per-Function "default-expression Code" evaluated
// to produce default values. This implementation resolves that (see
// DESIGN.md) by requiring default expressions to constant-fold at
// compile time into DefaultValue: a sandboxed scripting guest has no
// legitimate need for a default argument whose value depends on runtime
// state, and constant defaults sidestep the question of where a
// per-closure-instance default would live when Value::Function carries
// no instance payload.
type Param struct {
	Name         StringId
	HasDefault   bool
	DefaultValue value.Value
}

// Function is the compiler-produced metadata for one user function or
// closure body (spec.md §3 "Function").
type Function struct {
	Name StringId

	Params      []Param
	HasVararg   bool
	HasKwarg    bool
	VarargSlot  uint16 // valid iff HasVararg
	KwargSlot   uint16 // valid iff HasKwarg

	// NamespaceSize is the number of local slots (params + locals + cells)
	// the VM must allocate for one activation.
	NamespaceSize uint16

	// FreeVars lists, for each cell this function closes over, the slot
	// index in the *enclosing* frame's namespace that holds the
	// corresponding Cell HeapId at MakeClosure time.
	FreeVars []uint16

	CellCount uint16

	Code *code.Code
}

// Table is the compile-time-mutable, execution-time-frozen intern store.
type Table struct {
	Strings   []string
	Bytes     [][]byte
	Functions []*Function
	ExternalFunctions []string

	stringIndex map[string]StringId
	bytesIndex  map[string]BytesId
	extIndex    map[string]ExtFnId

	frozen bool
}

func New() *Table {
	return &Table{
		stringIndex: make(map[string]StringId),
		bytesIndex:  make(map[string]BytesId),
		extIndex:    make(map[string]ExtFnId),
	}
}

func (t *Table) mustNotBeFrozen() {
	if t.frozen {
		panic("intern.Table: mutation after Freeze")
	}
}

// InternString de-duplicates s and returns its StringId.
func (t *Table) InternString(s string) StringId {
	if id, ok := t.stringIndex[s]; ok {
		return id
	}
	t.mustNotBeFrozen()
	id := StringId(len(t.Strings))
	t.Strings = append(t.Strings, s)
	t.stringIndex[s] = id
	return id
}

// InternBytes de-duplicates b (by content) and returns its BytesId.
func (t *Table) InternBytes(b []byte) BytesId {
	key := string(b)
	if id, ok := t.bytesIndex[key]; ok {
		return id
	}
	t.mustNotBeFrozen()
	id := BytesId(len(t.Bytes))
	cp := make([]byte, len(b))
	copy(cp, b)
	t.Bytes = append(t.Bytes, cp)
	t.bytesIndex[key] = id
	return id
}

// InternExternalFunction de-duplicates the name of a host-serviced
// external function and returns its ExtFnId.
func (t *Table) InternExternalFunction(name string) ExtFnId {
	if id, ok := t.extIndex[name]; ok {
		return id
	}
	t.mustNotBeFrozen()
	id := ExtFnId(len(t.ExternalFunctions))
	t.ExternalFunctions = append(t.ExternalFunctions, name)
	t.extIndex[name] = id
	return id
}

// AddFunction registers compiled function metadata (not de-duplicated —
// every function/closure definition is its own entry) and returns its id.
func (t *Table) AddFunction(fn *Function) FunctionId {
	t.mustNotBeFrozen()
	id := FunctionId(len(t.Functions))
	t.Functions = append(t.Functions, fn)
	return id
}

func (t *Table) Freeze() { t.frozen = true }

func (t *Table) Frozen() bool { return t.frozen }

func (t *Table) String(id StringId) string {
	return t.Strings[id]
}

func (t *Table) ByteString(id BytesId) []byte {
	return t.Bytes[id]
}

func (t *Table) Func(id FunctionId) *Function {
	return t.Functions[id]
}

func (t *Table) ExternalFunctionName(id ExtFnId) string {
	return t.ExternalFunctions[id]
}

// LookupExternalFunction returns the id of a pre-declared external
// function name, failing if the embedder never declared it via
// compile()'s external_function_names argument.
func (t *Table) LookupExternalFunction(name string) (ExtFnId, error) {
	id, ok := t.extIndex[name]
	if !ok {
		return 0, fmt.Errorf("external function %q was not declared to compile()", name)
	}
	return id, nil
}
