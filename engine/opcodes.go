package engine

// The instruction set is a deterministic 64-bit stack machine. There are no
// floating point, wall-clock or hardware-entropy instructions; the opcode
// space reserved for floats in earlier drafts (0x50-0x5f) is permanently
// rejected at validation time so the determinism contract is a load-time
// precondition.
const (
	OpUnreachable = 0x00
	OpNop         = 0x01
	OpPush        = 0x02 // imm: 8-byte little-endian constant
	OpPushS       = 0x03 // imm: 1-byte constant
	OpDrop        = 0x04
	OpDup         = 0x05
	OpSwap        = 0x06

	OpAdd  = 0x10
	OpSub  = 0x11
	OpMul  = 0x12
	OpDivU = 0x13 // traps on zero divisor
	OpModU = 0x14 // traps on zero divisor
	OpAnd  = 0x15
	OpOr   = 0x16
	OpXor  = 0x17
	OpShl  = 0x18 // shift amount taken mod 64
	OpShr  = 0x19
	OpEq   = 0x1a
	OpLtU  = 0x1b
	OpGtU  = 0x1c
	OpEqz  = 0x1d

	OpJmp   = 0x20 // imm: 4-byte little-endian absolute code offset
	OpJmpIf = 0x21

	OpLoad      = 0x30 // pops addr, pushes 8-byte little-endian word
	OpStore     = 0x31 // pops value, addr
	OpLoadByte  = 0x32
	OpStoreByte = 0x33
	OpMemSize   = 0x34 // pushes current size in pages
	OpMemGrow   = 0x35 // pops page count, pushes previous size in pages

	OpSyscall = 0xf0 // imm: 1-byte import table index
	OpReturn  = 0xf1 // pops len, off; returns memory[off:off+len]
	OpAbort   = 0xf2 // pops msgLen, msgOff, code
)

// reservedFloatLo..reservedFloatHi is the rejected non-deterministic block.
const (
	reservedFloatLo = 0x50
	reservedFloatHi = 0x5f
)

// immWidth returns the immediate operand width of op in bytes, or -1 if the
// opcode is unknown.
func immWidth(op byte) int {
	switch op {
	case OpPush:
		return 8
	case OpPushS, OpSyscall:
		return 1
	case OpJmp, OpJmpIf:
		return 4
	case OpUnreachable, OpNop, OpDrop, OpDup, OpSwap,
		OpAdd, OpSub, OpMul, OpDivU, OpModU,
		OpAnd, OpOr, OpXor, OpShl, OpShr,
		OpEq, OpLtU, OpGtU, OpEqz,
		OpLoad, OpStore, OpLoadByte, OpStoreByte, OpMemSize, OpMemGrow,
		OpReturn, OpAbort:
		return 0
	default:
		return -1
	}
}
