// Package opcode defines the VM's flat, one-byte-opcode bytecode
// encoding: a single opcode byte followed by zero or more fixed-width
// operand bytes (spec.md §4.2/§4.3). This is a from-scratch redesign of
// the teacher's zval Op1/Op2/Result three-address instruction shape
// (its top-level opcodes package, since trimmed — see DESIGN.md): the spec
// requires a compact stack-machine encoding, not a register/zval one, so
// only the teacher's categorical grouping and doc-comment style survive
// here, not its instruction layout.
package opcode

// Op is a single bytecode opcode.
type Op byte

const (
	// Stack manipulation.
	Pop Op = iota
	Dup
	Rot2
	Rot3

	// Literals.
	LoadConst     // u16: constants[idx]
	LoadNone      // no operand
	LoadTrue      // no operand
	LoadFalse     // no operand
	LoadSmallInt  // i8

	// Variables.
	LoadLocal0 // no operand, slot 0
	LoadLocal1
	LoadLocal2
	LoadLocal3
	LoadLocal   // u8
	LoadLocalW  // u16
	StoreLocal  // u8
	StoreLocalW // u16
	DeleteLocal // u8
	LoadGlobal  // u16 (StringId)
	StoreGlobal // u16 (StringId)
	LoadCell    // u16 (cell index)
	StoreCell   // u16 (cell index)

	// Binary arithmetic/bitwise.
	BinaryAdd
	BinarySub
	BinaryMul
	BinaryDiv
	BinaryFloorDiv
	BinaryMod
	BinaryPow
	BinaryAnd
	BinaryOr
	BinaryXor
	BinaryLShift
	BinaryRShift
	BinaryMatMul

	// Comparison.
	CompareEq
	CompareNe
	CompareLt
	CompareLe
	CompareGt
	CompareGe
	CompareIs
	CompareIsNot
	CompareIn
	CompareNotIn

	// Unary.
	UnaryNot
	UnaryNeg
	UnaryPos
	UnaryInvert

	// In-place variants (compound assignment), mirroring the binary set.
	InplaceAdd
	InplaceSub
	InplaceMul
	InplaceDiv
	InplaceFloorDiv
	InplaceMod
	InplacePow
	InplaceAnd
	InplaceOr
	InplaceXor
	InplaceLShift
	InplaceRShift
	InplaceMatMul

	// Collections.
	BuildList   // u16: count
	BuildTuple  // u16: count
	BuildDict   // u16: count (pops 2*count)
	BuildSet    // u16: count
	BuildFString // u16: count (parts to concatenate)

	// Attribute / subscript.
	BinarySubscr
	StoreSubscr
	DeleteSubscr
	LoadAttr   // u16 (StringId)
	StoreAttr  // u16 (StringId)
	DeleteAttr // u16 (StringId)

	// Calls.
	CallFunction   // u8: argc
	CallFunctionKw // u8 argc, u8 kwargc
	CallMethod     // u16 (StringId), u8 argc
	CallExternal   // u16 (ExtFnId), u8 argc

	// Control flow (all jumps are i16, relative to the byte after the operand).
	Jump
	JumpIfTrue
	JumpIfFalse
	JumpIfTrueOrPop
	JumpIfFalseOrPop

	// Iteration.
	GetIter
	ForIter // i16: target on exhaustion

	// Function creation.
	MakeFunction // u16 (FunctionId)
	MakeClosure  // u16 (FunctionId), u8 (cell count)

	// Exceptions.
	Raise
	RaiseFrom
	Reraise
	ClearException

	// Return.
	ReturnValue

	// Unpacking.
	UnpackSequence // u8: count
	UnpackEx       // u8 before, u8 after

	// Misc.
	Nop
)

// operandWidths gives the fixed byte width of each opcode's operand
// block (0 when the opcode takes no operand). CallFunctionKw and
// UnpackEx take two single-byte operands, encoded as width 2.
var operandWidths = [...]int{
	Pop: 0, Dup: 0, Rot2: 0, Rot3: 0,

	LoadConst: 2, LoadNone: 0, LoadTrue: 0, LoadFalse: 0, LoadSmallInt: 1,

	LoadLocal0: 0, LoadLocal1: 0, LoadLocal2: 0, LoadLocal3: 0,
	LoadLocal: 1, LoadLocalW: 2, StoreLocal: 1, StoreLocalW: 2, DeleteLocal: 1,
	LoadGlobal: 2, StoreGlobal: 2, LoadCell: 2, StoreCell: 2,

	BinaryAdd: 0, BinarySub: 0, BinaryMul: 0, BinaryDiv: 0, BinaryFloorDiv: 0,
	BinaryMod: 0, BinaryPow: 0, BinaryAnd: 0, BinaryOr: 0, BinaryXor: 0,
	BinaryLShift: 0, BinaryRShift: 0, BinaryMatMul: 0,

	CompareEq: 0, CompareNe: 0, CompareLt: 0, CompareLe: 0, CompareGt: 0,
	CompareGe: 0, CompareIs: 0, CompareIsNot: 0, CompareIn: 0, CompareNotIn: 0,

	UnaryNot: 0, UnaryNeg: 0, UnaryPos: 0, UnaryInvert: 0,

	InplaceAdd: 0, InplaceSub: 0, InplaceMul: 0, InplaceDiv: 0, InplaceFloorDiv: 0,
	InplaceMod: 0, InplacePow: 0, InplaceAnd: 0, InplaceOr: 0, InplaceXor: 0,
	InplaceLShift: 0, InplaceRShift: 0, InplaceMatMul: 0,

	BuildList: 2, BuildTuple: 2, BuildDict: 2, BuildSet: 2, BuildFString: 2,

	BinarySubscr: 0, StoreSubscr: 0, DeleteSubscr: 0,
	LoadAttr: 2, StoreAttr: 2, DeleteAttr: 2,

	CallFunction: 1, CallFunctionKw: 2, CallMethod: 3, CallExternal: 3,

	Jump: 2, JumpIfTrue: 2, JumpIfFalse: 2, JumpIfTrueOrPop: 2, JumpIfFalseOrPop: 2,

	GetIter: 0, ForIter: 2,

	MakeFunction: 2, MakeClosure: 3,

	Raise: 0, RaiseFrom: 0, Reraise: 0, ClearException: 0,

	ReturnValue: 0,

	UnpackSequence: 1, UnpackEx: 2,

	Nop: 0,
}

// OperandWidth returns the number of operand bytes following op's opcode
// byte.
func OperandWidth(op Op) int {
	if int(op) < 0 || int(op) >= len(operandWidths) {
		return 0
	}
	return operandWidths[op]
}

// IsJump reports whether op encodes a signed 16-bit relative offset.
func IsJump(op Op) bool {
	switch op {
	case Jump, JumpIfTrue, JumpIfFalse, JumpIfTrueOrPop, JumpIfFalseOrPop, ForIter:
		return true
	default:
		return false
	}
}

var names = map[Op]string{
	Pop: "POP", Dup: "DUP", Rot2: "ROT2", Rot3: "ROT3",
	LoadConst: "LOAD_CONST", LoadNone: "LOAD_NONE", LoadTrue: "LOAD_TRUE", LoadFalse: "LOAD_FALSE",
	LoadSmallInt: "LOAD_SMALL_INT",
	LoadLocal0: "LOAD_LOCAL_0", LoadLocal1: "LOAD_LOCAL_1", LoadLocal2: "LOAD_LOCAL_2", LoadLocal3: "LOAD_LOCAL_3",
	LoadLocal: "LOAD_LOCAL", LoadLocalW: "LOAD_LOCAL_W", StoreLocal: "STORE_LOCAL", StoreLocalW: "STORE_LOCAL_W",
	DeleteLocal: "DELETE_LOCAL", LoadGlobal: "LOAD_GLOBAL", StoreGlobal: "STORE_GLOBAL",
	LoadCell: "LOAD_CELL", StoreCell: "STORE_CELL",
	BinaryAdd: "BINARY_ADD", BinarySub: "BINARY_SUB", BinaryMul: "BINARY_MUL", BinaryDiv: "BINARY_DIV",
	BinaryFloorDiv: "BINARY_FLOORDIV", BinaryMod: "BINARY_MOD", BinaryPow: "BINARY_POW",
	BinaryAnd: "BINARY_AND", BinaryOr: "BINARY_OR", BinaryXor: "BINARY_XOR",
	BinaryLShift: "BINARY_LSHIFT", BinaryRShift: "BINARY_RSHIFT", BinaryMatMul: "BINARY_MATMUL",
	CompareEq: "COMPARE_EQ", CompareNe: "COMPARE_NE", CompareLt: "COMPARE_LT", CompareLe: "COMPARE_LE",
	CompareGt: "COMPARE_GT", CompareGe: "COMPARE_GE", CompareIs: "COMPARE_IS", CompareIsNot: "COMPARE_IS_NOT",
	CompareIn: "COMPARE_IN", CompareNotIn: "COMPARE_NOT_IN",
	UnaryNot: "UNARY_NOT", UnaryNeg: "UNARY_NEG", UnaryPos: "UNARY_POS", UnaryInvert: "UNARY_INVERT",
	InplaceAdd: "INPLACE_ADD", InplaceSub: "INPLACE_SUB", InplaceMul: "INPLACE_MUL", InplaceDiv: "INPLACE_DIV",
	InplaceFloorDiv: "INPLACE_FLOORDIV", InplaceMod: "INPLACE_MOD", InplacePow: "INPLACE_POW",
	InplaceAnd: "INPLACE_AND", InplaceOr: "INPLACE_OR", InplaceXor: "INPLACE_XOR",
	InplaceLShift: "INPLACE_LSHIFT", InplaceRShift: "INPLACE_RSHIFT", InplaceMatMul: "INPLACE_MATMUL",
	BuildList: "BUILD_LIST", BuildTuple: "BUILD_TUPLE", BuildDict: "BUILD_DICT", BuildSet: "BUILD_SET",
	BuildFString: "BUILD_FSTRING",
	BinarySubscr: "BINARY_SUBSCR", StoreSubscr: "STORE_SUBSCR", DeleteSubscr: "DELETE_SUBSCR",
	LoadAttr: "LOAD_ATTR", StoreAttr: "STORE_ATTR", DeleteAttr: "DELETE_ATTR",
	CallFunction: "CALL_FUNCTION", CallFunctionKw: "CALL_FUNCTION_KW", CallMethod: "CALL_METHOD",
	CallExternal: "CALL_EXTERNAL",
	Jump: "JUMP", JumpIfTrue: "JUMP_IF_TRUE", JumpIfFalse: "JUMP_IF_FALSE",
	JumpIfTrueOrPop: "JUMP_IF_TRUE_OR_POP", JumpIfFalseOrPop: "JUMP_IF_FALSE_OR_POP",
	GetIter: "GET_ITER", ForIter: "FOR_ITER",
	MakeFunction: "MAKE_FUNCTION", MakeClosure: "MAKE_CLOSURE",
	Raise: "RAISE", RaiseFrom: "RAISE_FROM", Reraise: "RERAISE", ClearException: "CLEAR_EXCEPTION",
	ReturnValue: "RETURN_VALUE",
	UnpackSequence: "UNPACK_SEQUENCE", UnpackEx: "UNPACK_EX",
	Nop: "NOP",
}

func (op Op) String() string {
	if n, ok := names[op]; ok {
		return n
	}
	return "UNKNOWN_OP"
}
