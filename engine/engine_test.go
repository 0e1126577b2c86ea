package engine

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/iand/fvm/gas"
	"github.com/iand/fvm/kernel"
	"github.com/iand/fvm/networks/mainnet"
)

// stubKernel backs engine tests that exercise the syscall boundary without a
// full machine.
type stubKernel struct {
	epoch   abi.ChainEpoch
	nv      network.Version
	tracker *gas.Tracker
	prices  gas.Pricelist

	root    cid.Cid
	rootErr error
}

func (k *stubKernel) SelfRoot() (cid.Cid, error) {
	if k.rootErr != nil {
		return cid.Undef, k.rootErr
	}
	return k.root, nil
}

func (k *stubKernel) SelfSetRoot(c cid.Cid) error { return errors.New("not implemented") }

func (k *stubKernel) BlockGet(c cid.Cid) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (k *stubKernel) BlockPut(data []byte) (cid.Cid, error) {
	return cid.Undef, errors.New("not implemented")
}

func (k *stubKernel) Send(to address.Address, method abi.MethodNum, params []byte, value abi.TokenAmount, gasLimit int64, flags kernel.SendFlags) (kernel.SendResult, error) {
	return kernel.SendResult{}, errors.New("not implemented")
}

func (k *stubKernel) CreateActor(code cid.Cid, addr address.Address) error {
	return errors.New("not implemented")
}

func (k *stubKernel) ResolveAddress(addr address.Address) (address.Address, bool, error) {
	return address.Undef, false, errors.New("not implemented")
}

func (k *stubKernel) BalanceOf(addr address.Address) (abi.TokenAmount, error) {
	return abi.TokenAmount{}, errors.New("not implemented")
}

func (k *stubKernel) SelfBalance() (abi.TokenAmount, error) {
	return abi.TokenAmount{}, errors.New("not implemented")
}

func (k *stubKernel) CurrEpoch() abi.ChainEpoch       { return k.epoch }
func (k *stubKernel) NetworkVersion() network.Version { return k.nv }

func (k *stubKernel) Randomness(tag crypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	return kernel.DigestExterns{}.GetRandomness(tag, epoch, entropy)
}

func (k *stubKernel) VerifySignature(sig crypto.Signature, signer address.Address, plaintext []byte) (bool, error) {
	return true, nil
}

func (k *stubKernel) Hash(data []byte) ([32]byte, error) {
	var out [32]byte
	return out, errors.New("not implemented")
}

func (k *stubKernel) ChargeGas(name string, compute int64) error {
	return k.tracker.Charge(gas.NewCharge(name, compute, 0))
}

func testSetup(t *testing.T, gasLimit int64) (*Engine, *stubKernel, *gas.Tracker) {
	t.Helper()
	prices := mainnet.PricelistByEpoch(0)
	tracker := gas.NewTracker(gasLimit)
	kern := &stubKernel{
		epoch:   42,
		nv:      network.Version9,
		tracker: tracker,
		prices:  prices,
	}
	return New(prices), kern, tracker
}

func mustModule(t *testing.T, blob []byte) *Module {
	t.Helper()
	m, err := DecodeModule(blob)
	require.NoError(t, err)
	return m
}

func TestExecuteArithmeticAndReturn(t *testing.T) {
	// (7+5)*3 stored at offset 8 and returned as an 8-byte word.
	blob := NewProg(1).
		Op(OpDrop).Op(OpDrop). // discard method and params length
		Push(7).Push(5).Op(OpAdd).
		Push(3).Op(OpMul).
		Push(8).Op(OpSwap).Op(OpStore).
		Push(8).Push(8).Op(OpReturn).
		MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	ret, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)
	require.NoError(t, err)
	require.Len(t, ret, 8)
	require.Equal(t, uint64(36), binary.LittleEndian.Uint64(ret))
}

func TestExecuteEchoesParams(t *testing.T) {
	// Parameters are copied to offset zero and their length is on the stack.
	blob := NewProg(1).
		Push(0).Op(OpSwap). // stack: method, 0, paramsLen
		Op(OpReturn).
		MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	params := []byte("hello actor")
	ret, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, params)
	require.NoError(t, err)
	require.Equal(t, params, ret)
}

func TestExecuteFallOffEndIsOkEmptyReturn(t *testing.T) {
	blob := NewProg(1).Op(OpDrop).Op(OpDrop).MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	ret, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)
	require.NoError(t, err)
	require.Empty(t, ret)
}

func TestExecuteMetersEveryInstruction(t *testing.T) {
	p := NewProg(1).Op(OpDrop).Op(OpDrop)
	for i := 0; i < 10; i++ {
		p.Op(OpNop)
	}
	blob := p.MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	_, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)
	require.NoError(t, err)

	perInstr := mainnet.PricelistByEpoch(0).OnInstructions(1).Total()
	require.Equal(t, 12*perInstr, tracker.MilligasUsed())
}

func TestExecuteInfiniteLoopRunsOutOfGas(t *testing.T) {
	blob := NewProg(1).Label("loop").Jmp("loop").MustAssemble()

	e, kern, tracker := testSetup(t, 100)
	_, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)

	a, ok := AsAbort(err)
	require.True(t, ok)
	require.Equal(t, AbortOutOfGas, a.Kind)
	// The failed probe exhausts the budget entirely.
	require.Equal(t, int64(100), tracker.GasUsed())
}

func TestExecuteExplicitAbort(t *testing.T) {
	blob := NewProg(1).
		Push(uint64(exitcode.FirstActorErrorCode)).
		Push(0).Push(0).
		Op(OpAbort).
		MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	_, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)

	a, ok := AsAbort(err)
	require.True(t, ok)
	require.Equal(t, AbortExplicit, a.Kind)
	require.Equal(t, exitcode.FirstActorErrorCode, a.Code)
}

func TestExecuteAbortWithReservedCodeIsIllegal(t *testing.T) {
	blob := NewProg(1).
		Push(uint64(exitcode.SysErrOutOfGas)). // system band, not for actors
		Push(0).Push(0).
		Op(OpAbort).
		MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	_, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)

	a, ok := AsAbort(err)
	require.True(t, ok)
	require.Equal(t, AbortIllegal, a.Kind)
}

func TestExecuteDivisionByZeroTraps(t *testing.T) {
	blob := NewProg(1).
		Push(10).Push(0).Op(OpDivU).
		MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	_, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)

	a, ok := AsAbort(err)
	require.True(t, ok)
	require.Equal(t, AbortIllegal, a.Kind)
}

func TestExecuteOutOfBoundsMemoryTraps(t *testing.T) {
	blob := NewProg(1).
		Push(uint64(PageSize)).Op(OpLoad). // one past the end
		MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	_, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)

	a, ok := AsAbort(err)
	require.True(t, ok)
	require.Equal(t, AbortIllegal, a.Kind)
}

func TestExecuteStackOverflowTraps(t *testing.T) {
	blob := NewProg(1).Label("loop").Push(1).Jmp("loop").MustAssemble()

	e, kern, tracker := testSetup(t, 100_000_000)
	_, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)

	a, ok := AsAbort(err)
	require.True(t, ok)
	require.Equal(t, AbortIllegal, a.Kind)
}

func TestExecuteMemGrow(t *testing.T) {
	// Grow by one page, then store and load across the old boundary.
	blob := NewProg(1).
		Op(OpDrop).Op(OpDrop).
		Push(1).Op(OpMemGrow).Op(OpDrop). // previous size, unused
		Push(uint64(PageSize)).Push(99).Op(OpStore).
		Push(uint64(PageSize)).Push(8).Op(OpReturn).
		MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	ret, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(99), binary.LittleEndian.Uint64(ret))

	// The grow charge is visible in the trace.
	var found bool
	for _, tr := range tracker.Trace() {
		if tr.Name == "OnMemoryPage" {
			found = true
		}
	}
	require.True(t, found)
}

func TestExecuteSyscallCurrEpoch(t *testing.T) {
	blob := NewProg(1).
		Op(OpDrop).Op(OpDrop).
		Syscall(kernel.SysCurrEpoch).
		Op(OpDrop). // result code
		Push(0).Op(OpSwap).Op(OpStore).
		Push(0).Push(8).Op(OpReturn).
		MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	ret, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(42), binary.LittleEndian.Uint64(ret))
}

func TestExecuteSyscallFailureSurfacesAsResultCode(t *testing.T) {
	blob := NewProg(1).
		Op(OpDrop).Op(OpDrop).
		Push(16).Push(64). // outOff, outCap
		Syscall(kernel.SysSelfRoot).
		Push(0).Op(OpSwap).Op(OpStore). // store result code at 0
		Push(0).Push(8).Op(OpReturn).
		MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	kern.rootErr = kernel.Errorf(exitcode.SysErrorIllegalActor, "no state")

	ret, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(exitcode.SysErrorIllegalActor), binary.LittleEndian.Uint64(ret))
}

func TestExecuteSyscallGasExhaustionTrapsFrame(t *testing.T) {
	blob := NewProg(1).
		Op(OpDrop).Op(OpDrop).
		Push(1_000_000_000). // far more than the limit
		Syscall(kernel.SysChargeGas).
		MustAssemble()

	e, kern, tracker := testSetup(t, 10_000)
	_, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)

	a, ok := AsAbort(err)
	require.True(t, ok)
	require.Equal(t, AbortOutOfGas, a.Kind)
	require.Equal(t, int64(10_000), tracker.GasUsed())
}

func TestExecuteChargeGasRejectsOverflowingAmount(t *testing.T) {
	// An amount that would wrap negative when converted to signed milligas
	// must be refused, not credited back to the frame.
	blob := NewProg(1).
		Op(OpDrop).Op(OpDrop).
		Push(^uint64(0) - 999_999).
		Syscall(kernel.SysChargeGas).
		Push(0).Op(OpSwap).Op(OpStore).
		Push(0).Push(8).Op(OpReturn).
		MustAssemble()

	e, kern, tracker := testSetup(t, 1_000_000)
	ret, err := e.Execute(context.Background(), mustModule(t, blob), kern, tracker, 1, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(exitcode.SysErrorIllegalArgument), binary.LittleEndian.Uint64(ret))

	// The dispatch cost stands and gas used never went backwards.
	require.Greater(t, tracker.MilligasUsed(), int64(0))
	require.Greater(t, tracker.MilligasRemaining(), int64(0))
}

func TestExecuteDeterministic(t *testing.T) {
	blob := NewProg(1).
		Op(OpDrop).Op(OpDrop).
		Push(1).Push(2).Op(OpAdd).
		Push(0).Op(OpSwap).Op(OpStore).
		Push(0).Push(8).Op(OpReturn).
		MustAssemble()

	e, kern, _ := testSetup(t, 1_000_000)
	mod := mustModule(t, blob)

	tr1 := gas.NewTracker(1_000_000)
	ret1, err := e.Execute(context.Background(), mod, kern, tr1, 1, []byte{1, 2, 3})
	require.NoError(t, err)

	tr2 := gas.NewTracker(1_000_000)
	ret2, err := e.Execute(context.Background(), mod, kern, tr2, 1, []byte{1, 2, 3})
	require.NoError(t, err)

	require.Equal(t, ret1, ret2)
	require.Equal(t, tr1.MilligasUsed(), tr2.MilligasUsed())
}
