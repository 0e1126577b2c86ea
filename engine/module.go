package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Limits on module shape. These bound the resources any single module can
// claim before a byte of its code has run.
const (
	MaxCodeSize     = 128 << 10
	MaxImports      = 32
	MaxInitialPages = 16
	MaxMemoryPages  = 256
	PageSize        = 64 << 10
	MaxStackDepth   = 1024
)

var moduleMagic = [4]byte{'a', 'c', 't', 'r'}

const moduleVersion = 1

var ErrInvalidModule = errors.New("invalid module")

// Module is a validated unit of actor bytecode. Once validated it is immutable
// and safe to execute concurrently from independent machines.
type Module struct {
	// Imports lists the kernel syscall numbers the code may invoke, indexed
	// by the import index used by OpSyscall.
	Imports []uint64
	// InitialPages is the linear memory size granted at frame entry.
	InitialPages uint64
	Code         []byte

	// boundary[i] is true if code offset i begins an instruction. Computed
	// during validation and used to check jump targets.
	boundary []bool
}

// DecodeModule parses and validates a module blob.
func DecodeModule(blob []byte) (*Module, error) {
	r := bytes.NewReader(blob)

	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != moduleMagic {
		return nil, errors.Wrap(ErrInvalidModule, "bad magic")
	}
	ver, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(ErrInvalidModule, "truncated header")
	}
	if ver != moduleVersion {
		return nil, errors.Wrapf(ErrInvalidModule, "unsupported version %d", ver)
	}

	numImports, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidModule, "truncated import count")
	}
	if numImports > MaxImports {
		return nil, errors.Wrapf(ErrInvalidModule, "too many imports (%d)", numImports)
	}
	imports := make([]uint64, numImports)
	for i := range imports {
		imports[i], err = binary.ReadUvarint(r)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidModule, "truncated import table")
		}
	}

	pages, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidModule, "truncated memory declaration")
	}
	if pages > MaxInitialPages {
		return nil, errors.Wrapf(ErrInvalidModule, "initial memory too large (%d pages)", pages)
	}

	codeLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidModule, "truncated code length")
	}
	if codeLen > MaxCodeSize {
		return nil, errors.Wrapf(ErrInvalidModule, "code too large (%d bytes)", codeLen)
	}
	code := make([]byte, codeLen)
	if _, err := io.ReadFull(r, code); err != nil {
		return nil, errors.Wrap(ErrInvalidModule, "truncated code section")
	}
	if r.Len() != 0 {
		return nil, errors.Wrap(ErrInvalidModule, "trailing bytes after code section")
	}

	m := &Module{
		Imports:      imports,
		InitialPages: pages,
		Code:         code,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeModule builds a module blob from its parts. Used by the assembler and
// by tooling that installs actor code.
func EncodeModule(imports []uint64, initialPages uint64, code []byte) []byte {
	buf := new(bytes.Buffer)
	buf.Write(moduleMagic[:])
	buf.WriteByte(moduleVersion)

	scratch := make([]byte, binary.MaxVarintLen64)
	writeUvarint := func(v uint64) {
		n := binary.PutUvarint(scratch, v)
		buf.Write(scratch[:n])
	}

	writeUvarint(uint64(len(imports)))
	for _, imp := range imports {
		writeUvarint(imp)
	}
	writeUvarint(initialPages)
	writeUvarint(uint64(len(code)))
	buf.Write(code)

	return buf.Bytes()
}

func (m *Module) String() string {
	return fmt.Sprintf("module(%d imports, %d pages, %d bytes code)", len(m.Imports), m.InitialPages, len(m.Code))
}
