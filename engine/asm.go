package engine

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Prog is a small assembler for building module blobs. It exists for tests,
// the calibration harness and tooling; production actor code arrives as
// pre-built blobs.
type Prog struct {
	imports []uint64
	pages   uint64

	code   []byte
	labels map[string]uint32
	fixups map[int]string // code offset of a 4-byte immediate -> label
}

func NewProg(pages uint64) *Prog {
	return &Prog{
		pages:  pages,
		labels: make(map[string]uint32),
		fixups: make(map[int]string),
	}
}

// Import ensures sys is in the import table and returns its index.
func (p *Prog) Import(sys uint64) byte {
	for i, imp := range p.imports {
		if imp == sys {
			return byte(i)
		}
	}
	p.imports = append(p.imports, sys)
	return byte(len(p.imports) - 1)
}

// Op appends an instruction with no immediate.
func (p *Prog) Op(op byte) *Prog {
	p.code = append(p.code, op)
	return p
}

// Push appends a push of an 8-byte constant.
func (p *Prog) Push(v uint64) *Prog {
	var imm [8]byte
	binary.LittleEndian.PutUint64(imm[:], v)
	p.code = append(p.code, OpPush)
	p.code = append(p.code, imm[:]...)
	return p
}

// PushS appends a push of a 1-byte constant.
func (p *Prog) PushS(v byte) *Prog {
	p.code = append(p.code, OpPushS, v)
	return p
}

// Label marks the current code offset.
func (p *Prog) Label(name string) *Prog {
	p.labels[name] = uint32(len(p.code))
	return p
}

// Jmp appends an unconditional jump to a label, which may be defined later.
func (p *Prog) Jmp(label string) *Prog {
	return p.jump(OpJmp, label)
}

// JmpIf appends a conditional jump to a label.
func (p *Prog) JmpIf(label string) *Prog {
	return p.jump(OpJmpIf, label)
}

func (p *Prog) jump(op byte, label string) *Prog {
	p.code = append(p.code, op)
	p.fixups[len(p.code)] = label
	p.code = append(p.code, 0, 0, 0, 0)
	return p
}

// Syscall appends a syscall instruction, adding sys to the import table as
// needed.
func (p *Prog) Syscall(sys uint64) *Prog {
	idx := p.Import(sys)
	p.code = append(p.code, OpSyscall, idx)
	return p
}

// Assemble resolves labels and produces the module blob.
func (p *Prog) Assemble() ([]byte, error) {
	for off, label := range p.fixups {
		target, ok := p.labels[label]
		if !ok {
			return nil, errors.Errorf("undefined label %q", label)
		}
		binary.LittleEndian.PutUint32(p.code[off:off+4], target)
	}
	return EncodeModule(p.imports, p.pages, p.code), nil
}

// MustAssemble is Assemble for programs built from literals in tests.
func (p *Prog) MustAssemble() []byte {
	blob, err := p.Assemble()
	if err != nil {
		panic(err)
	}
	return blob
}
