package engine

import (
	"context"
	"encoding/binary"
	"math"
	stdbig "math/big"
	"sync"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/go-logr/logr"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/iand/fvm/gas"
	"github.com/iand/fvm/kernel"
)

const maxAbortMessage = 1024

// Engine loads, validates and executes actor bytecode. Validated modules are
// cached by code cid; the cache only ever grows within a machine's lifetime
// so no eviction logic is needed.
type Engine struct {
	prices     gas.Pricelist
	instrMilli int64

	mu      sync.Mutex
	modules map[cid.Cid]*Module
}

func New(prices gas.Pricelist) *Engine {
	return &Engine{
		prices:     prices,
		instrMilli: prices.OnInstructions(1).Total(),
		modules:    make(map[cid.Cid]*Module),
	}
}

// Load returns the validated module for the given code cid, decoding and
// validating blob on first use.
func (e *Engine) Load(code cid.Cid, blob []byte) (*Module, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.modules[code]; ok {
		return m, nil
	}
	m, err := DecodeModule(blob)
	if err != nil {
		return nil, errors.Wrapf(err, "loading actor code %s", code)
	}
	e.modules[code] = m
	return m, nil
}

// Execute runs mod's code against kern with the frame's gas tracker. The
// invocation parameters are copied to memory offset zero and the operand
// stack is seeded with the method number and parameter length.
//
// A nil error with the returned bytes means the frame exited Ok. An *Abort
// error attributes the failure to the guest; any other error is fatal to the
// machine.
func (e *Engine) Execute(ctx context.Context, mod *Module, kern kernel.Kernel, tracker *gas.Tracker, method abi.MethodNum, params []byte) ([]byte, error) {
	logger := logr.FromContextOrDiscard(ctx)
	logger.V(2).Info("executing module", "module", mod.String(), "method", method, "params", len(params))

	f := &frame{
		mod:        mod,
		kern:       kern,
		tracker:    tracker,
		prices:     e.prices,
		instrMilli: e.instrMilli,
		mem:        make([]byte, mod.InitialPages*PageSize),
		stack:      make([]uint64, 0, 64),
	}

	if len(params) > len(f.mem) {
		return nil, illegalAbort("parameters (%d bytes) exceed guest memory (%d bytes)", len(params), len(f.mem))
	}
	copy(f.mem, params)
	f.stack = append(f.stack, uint64(method), uint64(len(params)))

	return f.run()
}

// frame is the mutable execution state of a single invocation. It lives for
// exactly one Execute call.
type frame struct {
	mod        *Module
	kern       kernel.Kernel
	tracker    *gas.Tracker
	prices     gas.Pricelist
	instrMilli int64

	mem   []byte
	stack []uint64
}

func (f *frame) push(v uint64) error {
	if len(f.stack) >= MaxStackDepth {
		return illegalAbort("operand stack overflow")
	}
	f.stack = append(f.stack, v)
	return nil
}

func (f *frame) pop() (uint64, error) {
	if len(f.stack) == 0 {
		return 0, illegalAbort("operand stack underflow")
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v, nil
}

// region returns the memory slice [off, off+length) or traps on any
// out-of-bounds access, including offset arithmetic overflow.
func (f *frame) region(off, length uint64) ([]byte, error) {
	if length > uint64(len(f.mem)) || off > uint64(len(f.mem))-length {
		return nil, illegalAbort("memory access [%d, %d) out of bounds (%d bytes)", off, off+length, len(f.mem))
	}
	return f.mem[off : off+length], nil
}

func (f *frame) run() ([]byte, error) {
	code := f.mod.Code
	pc := 0

	for pc < len(code) {
		if !f.tracker.ApplyMilligas(f.instrMilli) {
			return nil, outOfGasAbort()
		}

		op := code[pc]
		next := pc + 1 + immWidth(op)

		switch op {
		case OpUnreachable:
			return nil, illegalAbort("unreachable executed at offset %d", pc)
		case OpNop:

		case OpPush:
			if err := f.push(binary.LittleEndian.Uint64(code[pc+1 : pc+9])); err != nil {
				return nil, err
			}
		case OpPushS:
			if err := f.push(uint64(code[pc+1])); err != nil {
				return nil, err
			}
		case OpDrop:
			if _, err := f.pop(); err != nil {
				return nil, err
			}
		case OpDup:
			v, err := f.pop()
			if err != nil {
				return nil, err
			}
			f.stack = append(f.stack, v)
			if err := f.push(v); err != nil {
				return nil, err
			}
		case OpSwap:
			a, err := f.pop()
			if err != nil {
				return nil, err
			}
			b, err := f.pop()
			if err != nil {
				return nil, err
			}
			f.stack = append(f.stack, a, b)

		case OpAdd, OpSub, OpMul, OpDivU, OpModU, OpAnd, OpOr, OpXor, OpShl, OpShr, OpEq, OpLtU, OpGtU:
			b, err := f.pop()
			if err != nil {
				return nil, err
			}
			a, err := f.pop()
			if err != nil {
				return nil, err
			}
			var v uint64
			switch op {
			case OpAdd:
				v = a + b
			case OpSub:
				v = a - b
			case OpMul:
				v = a * b
			case OpDivU:
				if b == 0 {
					return nil, illegalAbort("division by zero at offset %d", pc)
				}
				v = a / b
			case OpModU:
				if b == 0 {
					return nil, illegalAbort("division by zero at offset %d", pc)
				}
				v = a % b
			case OpAnd:
				v = a & b
			case OpOr:
				v = a | b
			case OpXor:
				v = a ^ b
			case OpShl:
				v = a << (b & 63)
			case OpShr:
				v = a >> (b & 63)
			case OpEq:
				if a == b {
					v = 1
				}
			case OpLtU:
				if a < b {
					v = 1
				}
			case OpGtU:
				if a > b {
					v = 1
				}
			}
			f.stack = append(f.stack, v)
		case OpEqz:
			a, err := f.pop()
			if err != nil {
				return nil, err
			}
			var v uint64
			if a == 0 {
				v = 1
			}
			f.stack = append(f.stack, v)

		case OpJmp:
			next = int(binary.LittleEndian.Uint32(code[pc+1 : pc+5]))
		case OpJmpIf:
			cond, err := f.pop()
			if err != nil {
				return nil, err
			}
			if cond != 0 {
				next = int(binary.LittleEndian.Uint32(code[pc+1 : pc+5]))
			}

		case OpLoad:
			addr, err := f.pop()
			if err != nil {
				return nil, err
			}
			word, err := f.region(addr, 8)
			if err != nil {
				return nil, err
			}
			if err := f.push(binary.LittleEndian.Uint64(word)); err != nil {
				return nil, err
			}
		case OpStore:
			v, err := f.pop()
			if err != nil {
				return nil, err
			}
			addr, err := f.pop()
			if err != nil {
				return nil, err
			}
			word, err := f.region(addr, 8)
			if err != nil {
				return nil, err
			}
			binary.LittleEndian.PutUint64(word, v)
		case OpLoadByte:
			addr, err := f.pop()
			if err != nil {
				return nil, err
			}
			b, err := f.region(addr, 1)
			if err != nil {
				return nil, err
			}
			if err := f.push(uint64(b[0])); err != nil {
				return nil, err
			}
		case OpStoreByte:
			v, err := f.pop()
			if err != nil {
				return nil, err
			}
			addr, err := f.pop()
			if err != nil {
				return nil, err
			}
			b, err := f.region(addr, 1)
			if err != nil {
				return nil, err
			}
			b[0] = byte(v)
		case OpMemSize:
			if err := f.push(uint64(len(f.mem) / PageSize)); err != nil {
				return nil, err
			}
		case OpMemGrow:
			n, err := f.pop()
			if err != nil {
				return nil, err
			}
			prev := uint64(len(f.mem) / PageSize)
			if n > MaxMemoryPages || prev+n > MaxMemoryPages {
				f.stack = append(f.stack, ^uint64(0))
				break
			}
			if err := f.tracker.Charge(f.prices.OnMemoryPage(int(n))); err != nil {
				return nil, outOfGasAbort()
			}
			f.mem = append(f.mem, make([]byte, n*PageSize)...)
			f.stack = append(f.stack, prev)

		case OpSyscall:
			if err := f.syscall(f.mod.Imports[code[pc+1]]); err != nil {
				return nil, err
			}

		case OpReturn:
			length, err := f.pop()
			if err != nil {
				return nil, err
			}
			off, err := f.pop()
			if err != nil {
				return nil, err
			}
			data, err := f.region(off, length)
			if err != nil {
				return nil, err
			}
			out := make([]byte, length)
			copy(out, data)
			return out, nil

		case OpAbort:
			msgLen, err := f.pop()
			if err != nil {
				return nil, err
			}
			msgOff, err := f.pop()
			if err != nil {
				return nil, err
			}
			codeVal, err := f.pop()
			if err != nil {
				return nil, err
			}
			if codeVal < uint64(exitcode.FirstActorErrorCode) {
				return nil, illegalAbort("abort with reserved exit code %d", codeVal)
			}
			if msgLen > maxAbortMessage {
				msgLen = maxAbortMessage
			}
			msg, err := f.region(msgOff, msgLen)
			if err != nil {
				return nil, err
			}
			return nil, explicitAbort(exitcode.ExitCode(codeVal), string(msg))
		}

		pc = next
	}

	// Falling off the end of the code is an Ok exit with no return value.
	return nil, nil
}

// syscall dispatches one kernel operation. Each operation pops its arguments,
// pushes its outputs and finally pushes a result code with zero meaning
// success, so guest code can branch on the top of stack uniformly.
//
// Expected kernel failures are surfaced as the result code with zeroed
// outputs. Gas exhaustion raised while servicing the call traps the frame.
// Any other kernel error propagates as fatal.
func (f *frame) syscall(num uint64) error {
	if err := f.tracker.Charge(f.prices.OnSyscall()); err != nil {
		return outOfGasAbort()
	}

	switch num {
	case kernel.SysSelfRoot:
		outCap, err := f.pop()
		if err != nil {
			return err
		}
		outOff, err := f.pop()
		if err != nil {
			return err
		}
		root, serr := f.kern.SelfRoot()
		if serr != nil {
			return f.pushFailure(serr, 1)
		}
		n, err := f.writeOut(outOff, outCap, root.Bytes())
		if err != nil {
			return err
		}
		return f.pushResults(0, n)

	case kernel.SysSelfSetRoot:
		c, err, trap := f.popCid()
		if trap != nil {
			return trap
		}
		if err != nil {
			return f.pushFailure(err, 0)
		}
		if serr := f.kern.SelfSetRoot(c); serr != nil {
			return f.pushFailure(serr, 0)
		}
		return f.pushResults(0)

	case kernel.SysBlockGet:
		outCap, err := f.pop()
		if err != nil {
			return err
		}
		outOff, err := f.pop()
		if err != nil {
			return err
		}
		c, cerr, trap := f.popCid()
		if trap != nil {
			return trap
		}
		if cerr != nil {
			return f.pushFailure(cerr, 1)
		}
		data, serr := f.kern.BlockGet(c)
		if serr != nil {
			return f.pushFailure(serr, 1)
		}
		if _, err := f.writeOut(outOff, outCap, data); err != nil {
			return err
		}
		return f.pushResults(0, uint64(len(data)))

	case kernel.SysBlockPut:
		outCap, err := f.pop()
		if err != nil {
			return err
		}
		outOff, err := f.pop()
		if err != nil {
			return err
		}
		data, trap := f.popRegion()
		if trap != nil {
			return trap
		}
		c, serr := f.kern.BlockPut(data)
		if serr != nil {
			return f.pushFailure(serr, 1)
		}
		n, err := f.writeOut(outOff, outCap, c.Bytes())
		if err != nil {
			return err
		}
		return f.pushResults(0, n)

	case kernel.SysSend:
		retCap, err := f.pop()
		if err != nil {
			return err
		}
		retOff, err := f.pop()
		if err != nil {
			return err
		}
		flags, err := f.pop()
		if err != nil {
			return err
		}
		gasLimit, err := f.pop()
		if err != nil {
			return err
		}
		valueRaw, trap := f.popRegion()
		if trap != nil {
			return trap
		}
		params, trap := f.popRegion()
		if trap != nil {
			return trap
		}
		method, err := f.pop()
		if err != nil {
			return err
		}
		to, aerr, trap := f.popAddress()
		if trap != nil {
			return trap
		}
		if aerr != nil {
			return f.pushFailure(aerr, 1)
		}
		value := big.Int{Int: new(stdbig.Int).SetBytes(valueRaw)}
		res, serr := f.kern.Send(to, abi.MethodNum(method), params, value, int64(gasLimit), kernel.SendFlags(flags))
		if serr != nil {
			return f.pushFailure(serr, 1)
		}
		if _, err := f.writeOut(retOff, retCap, res.Return); err != nil {
			return err
		}
		if err := f.push(uint64(len(res.Return))); err != nil {
			return err
		}
		return f.push(uint64(res.Code))

	case kernel.SysCreateActor:
		addr, aerr, trap := f.popAddress()
		if trap != nil {
			return trap
		}
		c, cerr, trap := f.popCid()
		if trap != nil {
			return trap
		}
		if aerr != nil {
			return f.pushFailure(aerr, 0)
		}
		if cerr != nil {
			return f.pushFailure(cerr, 0)
		}
		if serr := f.kern.CreateActor(c, addr); serr != nil {
			return f.pushFailure(serr, 0)
		}
		return f.pushResults(0)

	case kernel.SysResolveAddress:
		addr, aerr, trap := f.popAddress()
		if trap != nil {
			return trap
		}
		if aerr != nil {
			return f.pushFailure(aerr, 2)
		}
		id, found, serr := f.kern.ResolveAddress(addr)
		if serr != nil {
			return f.pushFailure(serr, 2)
		}
		var idVal, foundVal uint64
		if found {
			v, err := address.IDFromAddress(id)
			if err != nil {
				return errors.Wrap(err, "resolved address is not an ID address")
			}
			idVal, foundVal = v, 1
		}
		return f.pushResults(0, idVal, foundVal)

	case kernel.SysBalanceOf:
		outCap, err := f.pop()
		if err != nil {
			return err
		}
		outOff, err := f.pop()
		if err != nil {
			return err
		}
		addr, aerr, trap := f.popAddress()
		if trap != nil {
			return trap
		}
		if aerr != nil {
			return f.pushFailure(aerr, 1)
		}
		bal, serr := f.kern.BalanceOf(addr)
		if serr != nil {
			return f.pushFailure(serr, 1)
		}
		n, err := f.writeOut(outOff, outCap, bal.Int.Bytes())
		if err != nil {
			return err
		}
		return f.pushResults(0, n)

	case kernel.SysSelfBalance:
		outCap, err := f.pop()
		if err != nil {
			return err
		}
		outOff, err := f.pop()
		if err != nil {
			return err
		}
		bal, serr := f.kern.SelfBalance()
		if serr != nil {
			return f.pushFailure(serr, 1)
		}
		n, err := f.writeOut(outOff, outCap, bal.Int.Bytes())
		if err != nil {
			return err
		}
		return f.pushResults(0, n)

	case kernel.SysCurrEpoch:
		return f.pushResults(0, uint64(f.kern.CurrEpoch()))

	case kernel.SysNetworkVersion:
		return f.pushResults(0, uint64(f.kern.NetworkVersion()))

	case kernel.SysRandomness:
		outOff, err := f.pop()
		if err != nil {
			return err
		}
		entropy, trap := f.popRegion()
		if trap != nil {
			return trap
		}
		epoch, err := f.pop()
		if err != nil {
			return err
		}
		tag, err := f.pop()
		if err != nil {
			return err
		}
		rand, serr := f.kern.Randomness(crypto.DomainSeparationTag(tag), abi.ChainEpoch(epoch), entropy)
		if serr != nil {
			return f.pushFailure(serr, 0)
		}
		out, trap := f.region(outOff, 32)
		if trap != nil {
			return trap
		}
		copy(out, rand)
		return f.pushResults(0)

	case kernel.SysVerifySignature:
		plaintext, trap := f.popRegion()
		if trap != nil {
			return trap
		}
		signer, aerr, trap := f.popAddress()
		if trap != nil {
			return trap
		}
		sigRaw, trap := f.popRegion()
		if trap != nil {
			return trap
		}
		if aerr != nil {
			return f.pushFailure(aerr, 1)
		}
		if len(sigRaw) == 0 {
			return f.pushFailure(kernel.Errorf(exitcode.SysErrorIllegalArgument, "empty signature"), 1)
		}
		sig := crypto.Signature{Type: crypto.SigType(sigRaw[0]), Data: append([]byte{}, sigRaw[1:]...)}
		ok, serr := f.kern.VerifySignature(sig, signer, plaintext)
		if serr != nil {
			return f.pushFailure(serr, 1)
		}
		var v uint64
		if ok {
			v = 1
		}
		return f.pushResults(0, v)

	case kernel.SysHash:
		outOff, err := f.pop()
		if err != nil {
			return err
		}
		data, trap := f.popRegion()
		if trap != nil {
			return trap
		}
		digest, serr := f.kern.Hash(data)
		if serr != nil {
			return f.pushFailure(serr, 0)
		}
		out, trap := f.region(outOff, 32)
		if trap != nil {
			return trap
		}
		copy(out, digest[:])
		return f.pushResults(0)

	case kernel.SysChargeGas:
		amount, err := f.pop()
		if err != nil {
			return err
		}
		// The amount must survive conversion to signed milligas intact.
		if amount > math.MaxInt64/gas.MilligasPrecision {
			return f.pushFailure(kernel.Errorf(exitcode.SysErrorIllegalArgument, "gas amount %d out of range", amount), 0)
		}
		if serr := f.kern.ChargeGas("OnExplicitCharge", int64(amount)); serr != nil {
			return f.pushFailure(serr, 0)
		}
		return f.pushResults(0)

	default:
		// Unreachable: imports are validated against the known syscall set.
		return errors.Errorf("dispatch of unknown syscall %d", num)
	}
}

// popRegion pops a (length, offset) pair and resolves it to a memory slice.
func (f *frame) popRegion() ([]byte, error) {
	length, err := f.pop()
	if err != nil {
		return nil, err
	}
	off, err := f.pop()
	if err != nil {
		return nil, err
	}
	return f.region(off, length)
}

// popAddress pops a (length, offset) pair and decodes an address from memory.
// The second return is an expected decode failure for the guest; the third is
// a trap.
func (f *frame) popAddress() (address.Address, error, error) {
	raw, trap := f.popRegion()
	if trap != nil {
		return address.Undef, nil, trap
	}
	addr, err := address.NewFromBytes(raw)
	if err != nil {
		return address.Undef, kernel.Errorf(exitcode.SysErrorIllegalArgument, "invalid address: %v", err), nil
	}
	return addr, nil, nil
}

func (f *frame) popCid() (cid.Cid, error, error) {
	raw, trap := f.popRegion()
	if trap != nil {
		return cid.Undef, nil, trap
	}
	c, err := cid.Cast(raw)
	if err != nil {
		return cid.Undef, kernel.Errorf(exitcode.SysErrorIllegalArgument, "invalid cid: %v", err), nil
	}
	return c, nil, nil
}

// writeOut copies data into the guest buffer at off, truncating to cap, and
// returns the number of bytes written.
func (f *frame) writeOut(off, capacity uint64, data []byte) (uint64, error) {
	n := uint64(len(data))
	if n > capacity {
		n = capacity
	}
	dst, err := f.region(off, n)
	if err != nil {
		return 0, err
	}
	copy(dst, data[:n])
	return n, nil
}

// pushResults pushes outputs in order followed by the result code, which ends
// up on top of the stack.
func (f *frame) pushResults(code uint64, outputs ...uint64) error {
	for _, v := range outputs {
		if err := f.push(v); err != nil {
			return err
		}
	}
	return f.push(code)
}

// pushFailure converts a kernel error into the guest-visible result. Expected
// failures push numOutputs zeroed output slots and the error's code; gas
// exhaustion traps the frame; anything else is fatal.
func (f *frame) pushFailure(err error, numOutputs int) error {
	if code, ok := kernel.CodeOf(err); ok {
		for i := 0; i < numOutputs; i++ {
			if perr := f.push(0); perr != nil {
				return perr
			}
		}
		return f.push(uint64(code))
	}
	if kernel.IsOutOfGas(err) {
		return outOfGasAbort()
	}
	return err
}
