package code

import (
	"encoding/binary"
	"fmt"

	"github.com/wudi/sandboxvm/opcode"
	"github.com/wudi/sandboxvm/value"
	"github.com/wudi/sandboxvm/vmerr"
)

// Builder accumulates the growing byte buffer, constant pool, location
// table and exception table for one Code object, plus a running/maximum
// operand-stack depth. One Builder exists per function body (and one for
// the module top level); the compiler pushes a new Builder whenever it
// starts lowering a nested function (spec.md §4.4).
type Builder struct {
	bytecode  []byte
	constants []value.Value
	locations []LocationEntry
	excTable  []ExceptionEntry
	numLocals uint16

	depth    int
	maxDepth int
}

func NewBuilder(numLocals uint16) *Builder {
	return &Builder{numLocals: numLocals}
}

// Offset returns the current write position — the offset the next
// emitted opcode will land at.
func (b *Builder) Offset() uint32 { return uint32(len(b.bytecode)) }

// Depth/MaxDepth expose the stack-depth tracking the compiler uses to set
// Code.StackSize and to compute ExceptionEntry.StackDepth at the point a
// try block begins.
func (b *Builder) Depth() int    { return b.depth }
func (b *Builder) MaxDepth() int { return b.maxDepth }

// Adjust applies a net operand-stack delta (positive = pushes, negative =
// pops) and updates the running maximum. The compiler calls this
// alongside every Emit* call with the net effect of that opcode.
func (b *Builder) Adjust(delta int) {
	b.depth += delta
	if b.depth < 0 {
		// A negative depth means the compiler mis-tracked an opcode's
		// stack effect; this is a compiler bug, not a guest error, so it
		// panics rather than returning a vmerr.
		panic(fmt.Sprintf("code.Builder: stack depth went negative (%d)", b.depth))
	}
	if b.depth > b.maxDepth {
		b.maxDepth = b.depth
	}
}

func (b *Builder) emitByte(v byte) { b.bytecode = append(b.bytecode, v) }

func (b *Builder) emitU16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	b.bytecode = append(b.bytecode, buf[:]...)
}

// Emit0 appends an opcode with no operand.
func (b *Builder) Emit0(op opcode.Op) uint32 {
	off := b.Offset()
	b.emitByte(byte(op))
	return off
}

// Emit1 appends an opcode with a single byte operand.
func (b *Builder) Emit1(op opcode.Op, operand uint8) uint32 {
	off := b.Offset()
	b.emitByte(byte(op))
	b.emitByte(operand)
	return off
}

// Emit2 appends an opcode with two single-byte operands (CallFunctionKw,
// UnpackEx).
func (b *Builder) Emit2(op opcode.Op, a, c uint8) uint32 {
	off := b.Offset()
	b.emitByte(byte(op))
	b.emitByte(a)
	b.emitByte(c)
	return off
}

// EmitU16 appends an opcode with a single u16 operand (LoadConst,
// LoadLocalW, BuildList, ...).
func (b *Builder) EmitU16(op opcode.Op, operand uint16) uint32 {
	off := b.Offset()
	b.emitByte(byte(op))
	b.emitU16(operand)
	return off
}

// EmitU16U8 appends an opcode with a u16 then a u8 operand (CallMethod,
// CallExternal).
func (b *Builder) EmitU16U8(op opcode.Op, u16 uint16, u8 uint8) uint32 {
	off := b.Offset()
	b.emitByte(byte(op))
	b.emitU16(u16)
	b.emitByte(u8)
	return off
}

// EmitU16U8b is MakeClosure's shape: u16 FunctionId, u8 cell count.
func (b *Builder) EmitU16U8b(op opcode.Op, fnID uint16, cellCount uint8) uint32 {
	return b.EmitU16U8(op, fnID, cellCount)
}

// EmitJump appends a jump opcode with a placeholder i16 offset and
// returns the offset of that placeholder so the caller can Patch it once
// the target is known.
func (b *Builder) EmitJump(op opcode.Op) (instrOffset uint32, operandOffset uint32) {
	instrOffset = b.Offset()
	b.emitByte(byte(op))
	operandOffset = b.Offset()
	b.emitU16(0) // placeholder
	return
}

// Patch resolves a previously emitted jump's operand to target target,
// given operandOffset as returned by EmitJump. The offset is signed and
// relative to the byte immediately after the i16 operand (spec.md
// "Forward jumps and backward jumps encode signed offsets relative to
// the byte after the jump instruction's operand").
func (b *Builder) Patch(operandOffset uint32, target uint32) error {
	base := int64(operandOffset) + 2
	rel := int64(target) - base
	if rel < -32768 || rel > 32767 {
		return vmerr.New(vmerr.CompileError, "jump offset exceeds 16-bit range").WithContext(fmt.Sprintf("offset=%d", rel))
	}
	binary.BigEndian.PutUint16(b.bytecode[operandOffset:operandOffset+2], uint16(int16(rel)))
	return nil
}

// AddConst interns a constant into this Code's pool and returns its
// index, reusing an existing index when the same constant was already
// added is deliberately NOT done here: constants are not cross-referenced
// against the intern tables (those dedupe strings/bytes/functions), so a
// literal "1" appearing twice legitimately gets two pool slots unless the
// caller dedupes. This matches spec.md §4.2 ("Constants are stored in a
// per-Code pool").
func (b *Builder) AddConst(v value.Value) uint16 {
	idx := len(b.constants)
	b.constants = append(b.constants, v)
	if idx > 0xFFFF {
		panic("code.Builder: constant pool overflow")
	}
	return uint16(idx)
}

// AddLocation appends a location entry. Offsets must be supplied in
// non-decreasing order (the compiler emits expressions left to right).
func (b *Builder) AddLocation(offset uint32, r SourceRange, focus *SourceRange) {
	b.locations = append(b.locations, LocationEntry{Offset: offset, Range: r, Focus: focus})
}

// AddExceptionEntry registers one try-block region. start/end must
// already reflect the final bytecode offsets (the compiler knows `end`
// only after compiling the try body, so this is called after the body is
// emitted, not before).
func (b *Builder) AddExceptionEntry(start, end, handler uint32, stackDepth uint16) {
	// Entries are appended in call order; Finish sorts them by range
	// width so the innermost region comes first.
	b.excTable = append(b.excTable, ExceptionEntry{Start: start, End: end, Handler: handler, StackDepth: stackDepth})
}

// Finish produces the immutable Code object. It sorts the exception table
// innermost-first (narrowest range first covers the "inner try" case
// correctly for overlapping/nested regions) and validates every
// invariant before returning.
func (b *Builder) Finish() (*Code, error) {
	sorted := make([]ExceptionEntry, len(b.excTable))
	copy(sorted, b.excTable)
	// Narrower [Start,End) ranges are inner; sort by ascending width so a
	// linear scan hits the innermost match first. Ties keep insertion
	// order (stable sort).
	stableSortByWidth(sorted)

	c := &Code{
		Bytecode:       b.bytecode,
		Constants:      b.constants,
		Locations:      b.locations,
		ExceptionTable: sorted,
		NumLocals:      b.numLocals,
		StackSize:      uint16(b.maxDepth),
	}
	if err := c.Validate(); err != nil {
		return nil, vmerr.New(vmerr.CompileError, err.Error())
	}
	return c, nil
}

func stableSortByWidth(entries []ExceptionEntry) {
	width := func(e ExceptionEntry) uint32 { return e.End - e.Start }
	// insertion sort: table sizes are tiny (one per try block), and
	// stability matters more than asymptotic complexity here.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && width(entries[j]) < width(entries[j-1]) {
			entries[j], entries[j-1] = entries[j-1], entries[j]
			j--
		}
	}
}
