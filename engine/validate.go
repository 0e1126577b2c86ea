package engine

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/iand/fvm/kernel"
)

// validate checks the module's static properties. Anything that passes here
// can fail at runtime only through a trap or gas exhaustion, never through
// nondeterminism: unknown opcodes, the reserved float block, truncated
// immediates, misaligned jump targets and out-of-range import references are
// all rejected before the module is admitted.
func (m *Module) validate() error {
	for i, imp := range m.Imports {
		if !kernel.KnownSyscall(imp) {
			return errors.Wrapf(ErrInvalidModule, "import %d references unknown syscall %d", i, imp)
		}
	}

	boundary := make([]bool, len(m.Code)+1)
	boundary[len(m.Code)] = true // falling off the end is a clean return

	pc := 0
	for pc < len(m.Code) {
		boundary[pc] = true
		op := m.Code[pc]
		if op >= reservedFloatLo && op <= reservedFloatHi {
			return errors.Wrapf(ErrInvalidModule, "reserved opcode %#02x at offset %d", op, pc)
		}
		w := immWidth(op)
		if w < 0 {
			return errors.Wrapf(ErrInvalidModule, "unknown opcode %#02x at offset %d", op, pc)
		}
		if pc+1+w > len(m.Code) {
			return errors.Wrapf(ErrInvalidModule, "truncated immediate for opcode %#02x at offset %d", op, pc)
		}
		if op == OpSyscall {
			idx := int(m.Code[pc+1])
			if idx >= len(m.Imports) {
				return errors.Wrapf(ErrInvalidModule, "syscall import index %d out of range at offset %d", idx, pc)
			}
		}
		pc += 1 + w
	}

	// Second pass: every jump target must begin an instruction. Targets are
	// absolute code offsets; the end-of-code offset is a legal target.
	pc = 0
	for pc < len(m.Code) {
		op := m.Code[pc]
		if op == OpJmp || op == OpJmpIf {
			target := binary.LittleEndian.Uint32(m.Code[pc+1 : pc+5])
			if target > uint32(len(m.Code)) || !boundary[target] {
				return errors.Wrapf(ErrInvalidModule, "jump target %d at offset %d is not an instruction boundary", target, pc)
			}
		}
		pc += 1 + immWidth(op)
	}

	m.boundary = boundary
	return nil
}
