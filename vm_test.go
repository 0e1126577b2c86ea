package fvm

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/specs-actors/v3/actors/builtin"
	"github.com/filecoin-project/specs-actors/v3/actors/builtin/account"
	init_ "github.com/filecoin-project/specs-actors/v3/actors/builtin/init"
	"github.com/filecoin-project/specs-actors/v3/actors/util/adt"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	ipldcbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/require"

	"github.com/iand/fvm/chain"
	"github.com/iand/fvm/engine"
	"github.com/iand/fvm/gas"
	"github.com/iand/fvm/kernel"
	"github.com/iand/fvm/networks/mainnet"
	"github.com/iand/fvm/state"
)

const initialBalance = 1_000_000_000_000

func secpAddr(t *testing.T, seed string) address.Address {
	t.Helper()
	addr, err := address.NewSecp256k1Address([]byte(seed))
	require.NoError(t, err)
	return addr
}

type testEnv struct {
	bs        blockstore.Blockstore
	root      cid.Cid
	senderKey address.Address
	senderID  address.Address
	otherKey  address.Address
	otherID   address.Address
}

// setupGenesis builds a minimal pre-state: an init actor, the burnt funds and
// reward singletons, and two funded accounts.
func setupGenesis(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	bs := blockstore.NewBlockstore(dssync.MutexWrap(datastore.NewMapDatastore()))
	store := ipldcbor.NewCborStore(bs)

	tree, err := state.NewEmptyTree(store)
	require.NoError(t, err)

	initState, err := init_.ConstructState(adt.WrapStore(ctx, store), "fvm-test")
	require.NoError(t, err)
	initHead, err := store.Put(ctx, initState)
	require.NoError(t, err)
	require.NoError(t, tree.SetActor(ctx, builtin.InitActorAddr, &state.Actor{
		Code:    builtin.InitActorCodeID,
		Head:    initHead,
		Balance: big.Zero(),
	}))

	env := &testEnv{
		bs:        bs,
		senderKey: secpAddr(t, "sender pubkey"),
		otherKey:  secpAddr(t, "other pubkey"),
	}

	newAccount := func(pubkey address.Address, balance abi.TokenAmount) address.Address {
		id, err := tree.RegisterNewAddress(ctx, pubkey)
		require.NoError(t, err)
		head, err := store.Put(ctx, &account.State{Address: pubkey})
		require.NoError(t, err)
		require.NoError(t, tree.SetActor(ctx, id, &state.Actor{
			Code:    builtin.AccountActorCodeID,
			Head:    head,
			Balance: balance,
		}))
		return id
	}

	env.senderID = newAccount(env.senderKey, abi.NewTokenAmount(initialBalance))
	env.otherID = newAccount(env.otherKey, abi.NewTokenAmount(0))

	for _, singleton := range []address.Address{builtin.BurntFundsActorAddr, builtin.RewardActorAddr} {
		head, err := store.Put(ctx, &account.State{Address: singleton})
		require.NoError(t, err)
		require.NoError(t, tree.SetActor(ctx, singleton, &state.Actor{
			Code:    builtin.AccountActorCodeID,
			Head:    head,
			Balance: big.Zero(),
		}))
	}

	env.root, err = tree.Flush(ctx)
	require.NoError(t, err)
	return env
}

func (env *testEnv) machine(t *testing.T, baseFee abi.TokenAmount) *Machine {
	t.Helper()
	m, err := NewMachine(context.Background(), env.bs, env.root, mainnet.Network, abi.ChainEpoch(100), baseFee, kernel.DigestExterns{})
	require.NoError(t, err)
	return m
}

// installActor installs blob as bytecode and places an actor using it at a
// fresh ID address.
func installActor(t *testing.T, m *Machine, id uint64, blob []byte, balance abi.TokenAmount) address.Address {
	t.Helper()
	ctx := context.Background()

	codeCid, err := m.InstallActorCode(ctx, blob)
	require.NoError(t, err)

	addr, err := address.NewIDAddress(id)
	require.NoError(t, err)
	require.NoError(t, m.Tree().SetActor(ctx, addr, &state.Actor{
		Code:    codeCid,
		Head:    codeCid,
		Balance: balance,
	}))
	return addr
}

func testMessage(env *testEnv, to address.Address, nonce uint64, value abi.TokenAmount, method abi.MethodNum, params []byte) *chain.Message {
	return &chain.Message{
		To:         to,
		From:       env.senderID,
		Nonce:      nonce,
		Value:      value,
		GasLimit:   10_000_000,
		GasFeeCap:  abi.NewTokenAmount(1),
		GasPremium: abi.NewTokenAmount(0),
		Method:     method,
		Params:     params,
	}
}

func TestApplyMessageTransfer(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	msg := testMessage(env, env.otherID, 0, abi.NewTokenAmount(1000), builtin.MethodSend, nil)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.ExitCode)
	require.Greater(t, ret.GasUsed, int64(0))

	recipient, found, err := m.Tree().GetActor(ctx, env.otherID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, abi.NewTokenAmount(1000), recipient.Balance)

	sender, _, err := m.Tree().GetActor(ctx, env.senderID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), sender.CallSeqNum)
	// Zero base fee and premium: the full prepayment is refunded.
	require.Equal(t, abi.NewTokenAmount(initialBalance-1000), sender.Balance)
}

func TestApplyMessageSettlement(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, abi.NewTokenAmount(1))

	msg := testMessage(env, env.otherID, 0, abi.NewTokenAmount(1000), builtin.MethodSend, nil)
	msg.GasFeeCap = abi.NewTokenAmount(2)
	msg.GasPremium = abi.NewTokenAmount(1)

	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.ExitCode)

	// The base fee portion of the gas used is burnt.
	burnt, _, err := m.Tree().GetActor(ctx, builtin.BurntFundsActorAddr)
	require.NoError(t, err)
	require.Equal(t, abi.NewTokenAmount(ret.GasUsed), burnt.Balance)

	// The premium is paid on the full gas limit.
	reward, _, err := m.Tree().GetActor(ctx, builtin.RewardActorAddr)
	require.NoError(t, err)
	require.Equal(t, abi.NewTokenAmount(msg.GasLimit), reward.Balance)
	require.Equal(t, abi.NewTokenAmount(msg.GasLimit), ret.MinerTip)

	// Whatever was neither burnt nor tipped returns to the sender.
	sender, _, err := m.Tree().GetActor(ctx, env.senderID)
	require.NoError(t, err)
	spent := big.Add(abi.NewTokenAmount(1000), big.Add(abi.NewTokenAmount(ret.GasUsed), abi.NewTokenAmount(msg.GasLimit)))
	require.Equal(t, big.Sub(abi.NewTokenAmount(initialBalance), spent), sender.Balance)
}

func TestApplyMessageBadNonce(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, abi.NewTokenAmount(1))

	msg := testMessage(env, env.otherID, 5, abi.NewTokenAmount(1000), builtin.MethodSend, nil)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.SysErrSenderStateInvalid, ret.ExitCode)
	require.Equal(t, int64(0), ret.GasUsed)
	require.True(t, ret.Penalty.GreaterThan(big.Zero()))

	// No state was touched.
	sender, _, err := m.Tree().GetActor(ctx, env.senderID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), sender.CallSeqNum)
	require.Equal(t, abi.NewTokenAmount(initialBalance), sender.Balance)
}

func TestApplyMessageInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	msg := testMessage(env, env.otherID, 0, abi.NewTokenAmount(initialBalance+1), builtin.MethodSend, nil)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.SysErrSenderStateInvalid, ret.ExitCode)
}

func TestApplyMessageAutoCreatesAccount(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	newKey := secpAddr(t, "brand new pubkey")
	msg := testMessage(env, newKey, 0, abi.NewTokenAmount(777), builtin.MethodSend, nil)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.ExitCode)

	id, found, err := m.Tree().ResolveAddress(ctx, newKey)
	require.NoError(t, err)
	require.True(t, found)

	act, found, err := m.Tree().GetActor(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, builtin.AccountActorCodeID, act.Code)
	require.Equal(t, abi.NewTokenAmount(777), act.Balance)
}

func TestApplyMessageUnknownReceiver(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	missing, err := address.NewIDAddress(9999)
	require.NoError(t, err)

	msg := testMessage(env, missing, 0, abi.NewTokenAmount(1), builtin.MethodSend, nil)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.SysErrInvalidReceiver, ret.ExitCode)
	require.NotEmpty(t, ret.Backtrace)
}

func TestApplyMessageInvokesActor(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	// Echo: return the invocation parameters.
	echo := engine.NewProg(1).
		Push(0).Op(engine.OpSwap).
		Op(engine.OpReturn).
		MustAssemble()
	actorAddr := installActor(t, m, 300, echo, big.Zero())

	params := []byte("ping")
	msg := testMessage(env, actorAddr, 0, big.Zero(), 2, params)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.ExitCode)
	require.Equal(t, params, ret.Return)
}

func TestApplyMessageActorExplicitAbort(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	abortCode := exitcode.FirstActorErrorCode + 3
	aborter := engine.NewProg(1).
		Push(uint64(abortCode)).
		Push(0).Push(0).
		Op(engine.OpAbort).
		MustAssemble()
	actorAddr := installActor(t, m, 301, aborter, big.Zero())

	msg := testMessage(env, actorAddr, 0, big.Zero(), 2, nil)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, abortCode, ret.ExitCode)
	require.Empty(t, ret.Return)
	require.NotEmpty(t, ret.Backtrace)
}

func TestApplyMessageReturnValueOutOfGasReverts(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	// The actor runs cheaply but returns a payload whose on-chain storage
	// cost exceeds the remaining gas.
	blob := engine.NewProg(1).
		Push(0).Push(4096).
		Op(engine.OpReturn).
		MustAssemble()
	actorAddr := installActor(t, m, 340, blob, big.Zero())

	msg := testMessage(env, actorAddr, 0, abi.NewTokenAmount(1000), 2, nil)
	msg.GasLimit = 1_000_000
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.SysErrOutOfGas, ret.ExitCode)
	require.Empty(t, ret.Return)
	require.Equal(t, msg.GasLimit, ret.GasUsed)

	// The value transfer was rolled back with the rest of the call.
	act, _, err := m.Tree().GetActor(ctx, actorAddr)
	require.NoError(t, err)
	require.True(t, act.Balance.IsZero())

	// The nonce increment and prepayment stand; with a zero base fee the
	// whole prepayment is refunded.
	sender, _, err := m.Tree().GetActor(ctx, env.senderID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), sender.CallSeqNum)
	require.Equal(t, abi.NewTokenAmount(initialBalance), sender.Balance)
}

func TestApplyMessageMethodOnAccountActor(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	msg := testMessage(env, env.otherID, 0, big.Zero(), 2, nil)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.SysErrInvalidMethod, ret.ExitCode)
}

// buildSender assembles a caller that forwards its parameters as the target
// address of a nested send and returns the nested result code as an 8-byte
// word.
func buildSender(gasLimit uint64, flags uint64, valueByte byte) []byte {
	p := engine.NewProg(1)
	// stack on entry: method, paramsLen
	p.Push(0).Op(engine.OpSwap) // toOff=0, toLen=paramsLen

	p.Push(5) // nested method

	p.Push(0).Push(0) // params: empty

	if valueByte > 0 {
		// Place a one-byte value amount far beyond the address bytes.
		p.Push(50).Push(uint64(valueByte)).Op(engine.OpStoreByte)
		p.Push(50).Push(1)
	} else {
		p.Push(0).Push(0)
	}

	p.Push(gasLimit)
	p.Push(flags)
	p.Push(300).Push(8) // return buffer

	p.Syscall(kernel.SysSend)
	// stack: ..., retLen, code
	p.Push(100).Op(engine.OpSwap).Op(engine.OpStore)
	p.Push(100).Push(8).Op(engine.OpReturn)
	return p.MustAssemble()
}

func TestNestedSendSubLimitOutOfGas(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	// The callee burns gas forever; the caller grants it only a small
	// sub-limit and must keep running after it fails.
	spinner := engine.NewProg(1).Label("loop").Jmp("loop").MustAssemble()
	callee := installActor(t, m, 310, spinner, big.Zero())
	caller := installActor(t, m, 311, buildSender(100_000, 0, 100), abi.NewTokenAmount(10_000))

	msg := testMessage(env, caller, 0, big.Zero(), 2, callee.Bytes())
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)

	// The outer frame survived the nested failure and reported its code.
	require.Equal(t, exitcode.Ok, ret.ExitCode)
	require.Len(t, ret.Return, 8)
	require.Equal(t, uint64(exitcode.SysErrOutOfGas), binary.LittleEndian.Uint64(ret.Return))

	// The value transferred into the failed call was reverted along with
	// everything else it did.
	calleeActor, _, err := m.Tree().GetActor(ctx, callee)
	require.NoError(t, err)
	require.True(t, calleeActor.Balance.IsZero())

	callerActor, _, err := m.Tree().GetActor(ctx, caller)
	require.NoError(t, err)
	require.Equal(t, abi.NewTokenAmount(10_000), callerActor.Balance)
}

func TestNestedSendDebitsExactChildUsage(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	spinner := engine.NewProg(1).Label("loop").Jmp("loop").MustAssemble()
	callee := installActor(t, m, 312, spinner, big.Zero())

	tracker := gas.NewTracker(10_000_000)
	cm := &callManager{machine: m, origin: env.senderID}
	k := &invocationKernel{ctx: ctx, cm: cm, self: env.senderID, caller: env.senderID, tracker: tracker}

	before := tracker.MilligasUsed()
	res, err := k.Send(callee, 2, nil, big.Zero(), 100_000, 0)
	require.NoError(t, err)
	require.Equal(t, exitcode.SysErrOutOfGas, res.Code)

	// The child exhausted its sub-limit; the caller is debited exactly the
	// child's usage, at milligas precision.
	require.Equal(t, gas.ToMilligas(100_000), tracker.MilligasUsed()-before)
	require.Equal(t, int64(100_000), res.GasUsed)
}

func TestNestedSendReadOnly(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	// The callee attempts a state write, observes the refusal as a result
	// code and keeps executing to report it back.
	writer := engine.NewProg(1).
		Op(engine.OpDrop).Op(engine.OpDrop).
		Push(0).Push(8). // data to put
		Push(16).Push(64). // cid out buffer
		Syscall(kernel.SysBlockPut).
		Push(200).Op(engine.OpSwap).Op(engine.OpStore). // store result code
		Op(engine.OpDrop). // cid length output
		Push(200).Push(8).Op(engine.OpReturn).
		MustAssemble()
	callee := installActor(t, m, 320, writer, big.Zero())

	// Caller relays the callee's return value.
	p := engine.NewProg(1)
	p.Push(0).Op(engine.OpSwap) // toOff, toLen
	p.Push(5)                   // nested method
	p.Push(0).Push(0)           // params
	p.Push(0).Push(0)           // value
	p.Push(0)                   // gas limit: all remaining
	p.Push(uint64(kernel.SendReadOnly))
	p.Push(300).Push(8)
	p.Syscall(kernel.SysSend)
	p.Op(engine.OpDrop).Op(engine.OpDrop) // code, retLen
	p.Push(300).Push(8).Op(engine.OpReturn)
	caller := installActor(t, m, 321, p.MustAssemble(), big.Zero())

	msg := testMessage(env, caller, 0, big.Zero(), 2, callee.Bytes())
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.ExitCode)
	require.Equal(t, uint64(exitcode.SysErrForbidden), binary.LittleEndian.Uint64(ret.Return))
}

func TestCreateActorDuplicate(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	target, err := address.NewIDAddress(1000)
	require.NoError(t, err)
	codeBytes := builtin.AccountActorCodeID.Bytes()
	addrBytes := target.Bytes()
	params := append(append([]byte{}, codeBytes...), addrBytes...)

	cidLen := uint64(len(codeBytes))
	addrLen := uint64(len(addrBytes))

	p := engine.NewProg(1)
	p.Op(engine.OpDrop).Op(engine.OpDrop)
	// first creation succeeds
	p.Push(0).Push(cidLen)
	p.Push(cidLen).Push(addrLen)
	p.Syscall(kernel.SysCreateActor)
	p.Op(engine.OpDrop)
	// second creation of the same address must be rejected
	p.Push(0).Push(cidLen)
	p.Push(cidLen).Push(addrLen)
	p.Syscall(kernel.SysCreateActor)
	p.Push(100).Op(engine.OpSwap).Op(engine.OpStore)
	p.Push(100).Push(8).Op(engine.OpReturn)
	creator := installActor(t, m, 330, p.MustAssemble(), big.Zero())

	msg := testMessage(env, creator, 0, big.Zero(), 2, params)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.ExitCode)
	require.Equal(t, uint64(exitcode.SysErrorIllegalArgument), binary.LittleEndian.Uint64(ret.Return))

	// The first creation was committed with the frame.
	act, found, err := m.Tree().GetActor(ctx, target)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, builtin.AccountActorCodeID, act.Code)
}

func TestStateReadSyscallsChargeIpldGet(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	p := engine.NewProg(1)
	p.Op(engine.OpDrop).Op(engine.OpDrop)
	p.Push(0).Push(64) // root out buffer
	p.Syscall(kernel.SysSelfRoot)
	p.Op(engine.OpDrop).Op(engine.OpDrop)
	p.Push(100).Push(32) // balance out buffer
	p.Syscall(kernel.SysSelfBalance)
	p.Op(engine.OpDrop).Op(engine.OpDrop)
	p.Push(0).Push(0).Op(engine.OpReturn)
	reader := installActor(t, m, 331, p.MustAssemble(), big.Zero())

	msg := testMessage(env, reader, 0, big.Zero(), 2, nil)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.ExitCode)

	// Reading the state root and the balance both go through the actor
	// record and are priced as ipld reads.
	var gets int
	for _, tr := range ret.GasTrace {
		if tr.Name == "OnIpldGet" {
			gets++
		}
	}
	require.Equal(t, 2, gets)
}

func TestSelfSetRootChargesIpldPut(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	p := engine.NewProg(1)
	p.Op(engine.OpDrop).Op(engine.OpDrop)
	p.Push(0).Push(8)   // data to put
	p.Push(16).Push(64) // cid out buffer
	p.Syscall(kernel.SysBlockPut)
	p.Op(engine.OpDrop)          // result code
	p.Push(16).Op(engine.OpSwap) // cid region: off, len
	p.Syscall(kernel.SysSelfSetRoot)
	p.Op(engine.OpDrop)
	p.Push(0).Push(0).Op(engine.OpReturn)
	writer := installActor(t, m, 332, p.MustAssemble(), big.Zero())

	msg := testMessage(env, writer, 0, big.Zero(), 2, nil)
	ret, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.ExitCode)

	// One put for the object, one for rewriting the actor record.
	var puts int
	for _, tr := range ret.GasTrace {
		if tr.Name == "OnIpldPut" {
			puts++
		}
	}
	require.Equal(t, 2, puts)

	// The new root is the object just written.
	expected, err := stateCidPrefix.Sum(make([]byte, 8))
	require.NoError(t, err)
	act, _, err := m.Tree().GetActor(ctx, writer)
	require.NoError(t, err)
	require.Equal(t, expected, act.Head)
}

func TestCallDepthLimit(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	cm := &callManager{machine: m, origin: env.senderID}
	tracker := gas.NewTracker(10_000_000)
	res := cm.Send(ctx, env.senderID, env.otherID, builtin.MethodSend, nil, big.Zero(), tracker, MaxCallDepth+1, false)
	require.NoError(t, res.fatal)
	require.Equal(t, exitcode.SysErrForbidden, res.code)
}

func TestApplyDeterministic(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)

	msgs := []*chain.Message{
		testMessage(env, env.otherID, 0, abi.NewTokenAmount(1000), builtin.MethodSend, nil),
		testMessage(env, secpAddr(t, "third pubkey"), 1, abi.NewTokenAmount(50), builtin.MethodSend, nil),
	}

	receipts1, root1, err := Apply(ctx, env.bs, env.root, mainnet.Network, abi.ChainEpoch(100), abi.NewTokenAmount(1), kernel.DigestExterns{}, msgs)
	require.NoError(t, err)

	receipts2, root2, err := Apply(ctx, env.bs, env.root, mainnet.Network, abi.ChainEpoch(100), abi.NewTokenAmount(1), kernel.DigestExterns{}, msgs)
	require.NoError(t, err)

	require.Equal(t, receipts1, receipts2)
	require.Equal(t, root1, root2)
}

func TestEstimateGasBatch(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)

	msgs := []*chain.Message{
		testMessage(env, env.otherID, 0, abi.NewTokenAmount(1000), builtin.MethodSend, nil),
		testMessage(env, env.otherID, 0, abi.NewTokenAmount(2000), builtin.MethodSend, nil),
	}

	estimates, err := EstimateGasBatch(ctx, env.bs, env.root, mainnet.Network, abi.ChainEpoch(100), big.Zero(), kernel.DigestExterns{}, msgs)
	require.NoError(t, err)
	require.Len(t, estimates, 2)
	for _, est := range estimates {
		require.Equal(t, exitcode.Ok, est.ExitCode)
		require.Greater(t, est.GasUsed, int64(0))
	}
}

func TestApplyImplicitMessage(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	msg := testMessage(env, env.otherID, 0, abi.NewTokenAmount(5), builtin.MethodSend, nil)
	ret, err := m.ApplyImplicitMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, exitcode.Ok, ret.ExitCode)

	// Implicit messages sit outside the gas economy: the nonce is untouched
	// and no gas is deducted.
	sender, _, err := m.Tree().GetActor(ctx, env.senderID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), sender.CallSeqNum)
	require.Equal(t, abi.NewTokenAmount(initialBalance-5), sender.Balance)
}

func TestFlushProducesStableRoot(t *testing.T) {
	ctx := context.Background()
	env := setupGenesis(t)
	m := env.machine(t, big.Zero())

	msg := testMessage(env, env.otherID, 0, abi.NewTokenAmount(1000), builtin.MethodSend, nil)
	_, err := m.ApplyMessage(ctx, msg)
	require.NoError(t, err)

	root, err := m.Flush(ctx)
	require.NoError(t, err)
	require.NotEqual(t, env.root, root)

	// Reloading from the flushed root sees the transfer.
	m2, err := NewMachine(ctx, env.bs, root, mainnet.Network, abi.ChainEpoch(100), big.Zero(), kernel.DigestExterns{})
	require.NoError(t, err)
	recipient, _, err := m2.Tree().GetActor(ctx, env.otherID)
	require.NoError(t, err)
	require.Equal(t, abi.NewTokenAmount(1000), recipient.Balance)
}
