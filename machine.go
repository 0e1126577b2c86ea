// Package fvm implements a deterministic virtual machine for executing actor
// messages against a content-addressed state tree. A Machine is scoped to a
// single (state root, epoch) pair; messages are applied strictly in sequence
// and gas is metered at milligas precision throughout.
package fvm

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/filecoin-project/specs-actors/v3/actors/builtin"
	"github.com/go-logr/logr"
	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	ipldcbor "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"

	"github.com/iand/fvm/chain"
	"github.com/iand/fvm/engine"
	"github.com/iand/fvm/gas"
	"github.com/iand/fvm/kernel"
	"github.com/iand/fvm/networks"
	"github.com/iand/fvm/state"
)

// BlockGasLimit is the maximum gas a single message may be granted.
const BlockGasLimit = 10_000_000_000

// codeCidPrefix is the cid shape of installed actor bytecode. Code blobs are
// stored as raw blocks, unlike the dag-cbor actor state around them.
var codeCidPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.BLAKE2B_MIN + 31,
	MhLength: 32,
}

// CallError is one level of the error backtrace accumulated as a failed call
// unwinds.
type CallError struct {
	Code    exitcode.ExitCode
	Message string
}

// ApplyRet is the complete result of applying one message.
type ApplyRet struct {
	chain.Receipt

	// Penalty is the amount the message's inclusion costs its miner when the
	// message is not executable, paid from the miner's own funds.
	Penalty abi.TokenAmount
	// MinerTip is the premium paid for inclusion.
	MinerTip abi.TokenAmount

	// Backtrace holds the call errors from the failure site outward. Empty
	// for successful applications.
	Backtrace []CallError

	// GasTrace is the sequence of charges applied during execution.
	GasTrace []gas.Trace
}

// Machine executes messages against a single state tree at a fixed epoch.
// It is not safe for concurrent use: message application is strictly
// sequential by construction.
type Machine struct {
	bs      blockstore.Blockstore
	store   ipldcbor.IpldStore
	tree    *state.Tree
	network networks.Network
	nv      network.Version
	epoch   abi.ChainEpoch
	baseFee abi.TokenAmount
	prices  gas.Pricelist
	engine  *engine.Engine
	externs kernel.Externs

	emptyObject cid.Cid
}

// NewMachine creates a machine over the state tree rooted at stateRoot.
func NewMachine(ctx context.Context, bs blockstore.Blockstore, stateRoot cid.Cid, net networks.Network, epoch abi.ChainEpoch, baseFee abi.TokenAmount, externs kernel.Externs) (*Machine, error) {
	store := ipldcbor.NewCborStore(bs)
	tree, err := state.NewTree(store, stateRoot)
	if err != nil {
		return nil, errors.Wrap(err, "loading state tree")
	}

	prices := net.Pricelist(epoch)

	emptyObject, err := store.Put(ctx, []struct{}{})
	if err != nil {
		return nil, errors.Wrap(err, "storing empty object")
	}

	return &Machine{
		bs:          bs,
		store:       store,
		tree:        tree,
		network:     net,
		nv:          net.Version(epoch),
		epoch:       epoch,
		baseFee:     baseFee,
		prices:      prices,
		engine:      engine.New(prices),
		externs:     externs,
		emptyObject: emptyObject,
	}, nil
}

// Tree exposes the machine's state tree for inspection and genesis-style
// setup.
func (m *Machine) Tree() *state.Tree {
	return m.tree
}

func (m *Machine) Epoch() abi.ChainEpoch {
	return m.epoch
}

func (m *Machine) NetworkVersion() network.Version {
	return m.nv
}

// InstallActorCode validates blob as actor bytecode, stores it and returns
// its code cid.
func (m *Machine) InstallActorCode(ctx context.Context, blob []byte) (cid.Cid, error) {
	if _, err := engine.DecodeModule(blob); err != nil {
		return cid.Undef, err
	}
	c, err := codeCidPrefix.Sum(blob)
	if err != nil {
		return cid.Undef, err
	}
	blk, err := block.NewBlockWithCid(blob, c)
	if err != nil {
		return cid.Undef, err
	}
	if err := m.bs.Put(blk); err != nil {
		return cid.Undef, errors.Wrap(err, "storing actor code")
	}
	return c, nil
}

// ApplyMessage applies msg to the state tree. A non-nil error means the
// machine itself failed and the tree must be considered unusable; all guest
// failures are reported through the receipt.
func (m *Machine) ApplyMessage(ctx context.Context, msg *chain.Message) (*ApplyRet, error) {
	logger := logr.FromContextOrDiscard(ctx)

	msgBytes, err := msg.Serialize()
	if err != nil {
		return nil, errors.Wrap(err, "serializing message")
	}
	inclusion := m.prices.OnChainMessage(len(msgBytes))
	inclusionGas := gas.FromMilligas(inclusion.Total())

	// Prevalidation failures produce no state change and penalize the miner
	// that included the message.
	penalty := big.Mul(m.baseFee, abi.NewTokenAmount(inclusionGas))
	fail := func(code exitcode.ExitCode, format string, args ...interface{}) *ApplyRet {
		return &ApplyRet{
			Receipt:  chain.Receipt{ExitCode: code, GasUsed: 0},
			Penalty:  penalty,
			MinerTip: big.Zero(),
			Backtrace: []CallError{
				{Code: code, Message: errors.Errorf(format, args...).Error()},
			},
		}
	}

	if msg.GasLimit <= 0 || msg.GasLimit > BlockGasLimit {
		return fail(exitcode.SysErrOutOfGas, "message gas limit %d out of range", msg.GasLimit), nil
	}
	if msg.GasLimit < inclusionGas {
		return fail(exitcode.SysErrOutOfGas, "message gas limit %d below inclusion cost %d", msg.GasLimit, inclusionGas), nil
	}
	if msg.Value.LessThan(big.Zero()) {
		return fail(exitcode.SysErrForbidden, "message value is negative"), nil
	}

	sender, ok, err := m.tree.ResolveAddress(ctx, msg.From)
	if err != nil {
		return nil, errors.Wrap(err, "resolving sender")
	}
	if !ok {
		return fail(exitcode.SysErrSenderInvalid, "sender %s not found", msg.From), nil
	}
	senderActor, found, err := m.tree.GetActor(ctx, sender)
	if err != nil {
		return nil, err
	}
	if !found {
		return fail(exitcode.SysErrSenderInvalid, "sender %s not found", msg.From), nil
	}
	if senderActor.Code != builtin.AccountActorCodeID {
		return fail(exitcode.SysErrSenderInvalid, "sender %s is not an account actor", msg.From), nil
	}
	if msg.Nonce != senderActor.CallSeqNum {
		return fail(exitcode.SysErrSenderStateInvalid, "message nonce %d, expected %d", msg.Nonce, senderActor.CallSeqNum), nil
	}

	gasCost := big.Mul(msg.GasFeeCap, abi.NewTokenAmount(msg.GasLimit))
	required := big.Add(gasCost, msg.Value)
	if senderActor.Balance.LessThan(required) {
		return fail(exitcode.SysErrSenderStateInvalid, "sender balance %s below required %s", senderActor.Balance, required), nil
	}

	// The gas prepayment and the nonce increment stick regardless of the
	// execution outcome.
	if err := m.tree.MutateActor(ctx, sender, func(a *state.Actor) error {
		a.CallSeqNum++
		a.Balance = big.Sub(a.Balance, gasCost)
		return nil
	}); err != nil {
		return nil, err
	}

	tracker := gas.NewTracker(msg.GasLimit)
	if err := tracker.Charge(inclusion); err != nil {
		// Unreachable: the limit was checked against the inclusion cost.
		return nil, errors.Wrap(err, "charging inclusion cost")
	}

	// The call's writes, including the value transfer, stay provisional until
	// the return value has been paid for. The prepayment and nonce increment
	// above are outside this scope and stick either way.
	cp := m.tree.Checkpoint()

	cm := &callManager{machine: m, origin: sender, originNonce: msg.Nonce}
	res := cm.Send(ctx, sender, msg.To, msg.Method, msg.Params, msg.Value, tracker, 0, false)
	if res.fatal != nil {
		return nil, errors.Wrap(res.fatal, "message execution failed")
	}

	ret := res.ret
	code := res.code
	if code == exitcode.Ok {
		if err := tracker.Charge(m.prices.OnChainReturnValue(len(ret))); err != nil {
			code = exitcode.SysErrOutOfGas
			res.backtrace = append(res.backtrace, CallError{Code: code, Message: "gas limit exceeded storing return value"})
		}
	}
	if code == exitcode.Ok {
		if err := m.tree.Commit(cp); err != nil {
			return nil, err
		}
	} else {
		ret = nil
		if err := m.tree.Revert(cp); err != nil {
			return nil, err
		}
	}

	gasUsed := tracker.GasUsed()
	minerTip, err := m.settle(ctx, sender, msg, gasUsed)
	if err != nil {
		return nil, errors.Wrap(err, "settling gas")
	}

	logger.V(1).Info("applied message", "to", msg.To, "method", msg.Method, "exitcode", code, "gasused", gasUsed)

	return &ApplyRet{
		Receipt: chain.Receipt{
			ExitCode: code,
			Return:   ret,
			GasUsed:  gasUsed,
		},
		Penalty:   big.Zero(),
		MinerTip:  minerTip,
		Backtrace: res.backtrace,
		GasTrace:  tracker.Trace(),
	}, nil
}

// settle distributes the gas prepayment: the base fee portion of the gas used
// is burnt, the premium is paid for inclusion and the remainder returns to the
// sender.
func (m *Machine) settle(ctx context.Context, sender address.Address, msg *chain.Message, gasUsed int64) (abi.TokenAmount, error) {
	baseFeeToPay := m.baseFee
	if msg.GasFeeCap.LessThan(baseFeeToPay) {
		baseFeeToPay = msg.GasFeeCap
	}
	burn := big.Mul(baseFeeToPay, abi.NewTokenAmount(gasUsed))

	tipRate := big.Min(msg.GasPremium, big.Sub(msg.GasFeeCap, baseFeeToPay))
	if tipRate.LessThan(big.Zero()) {
		tipRate = big.Zero()
	}
	minerTip := big.Mul(tipRate, abi.NewTokenAmount(msg.GasLimit))

	gasCost := big.Mul(msg.GasFeeCap, abi.NewTokenAmount(msg.GasLimit))
	refund := big.Sub(big.Sub(gasCost, burn), minerTip)
	if refund.LessThan(big.Zero()) {
		return big.Zero(), errors.Errorf("negative gas refund %s", refund)
	}

	if err := m.credit(ctx, builtin.BurntFundsActorAddr, burn); err != nil {
		return big.Zero(), err
	}
	if err := m.credit(ctx, builtin.RewardActorAddr, minerTip); err != nil {
		return big.Zero(), err
	}
	if err := m.credit(ctx, sender, refund); err != nil {
		return big.Zero(), err
	}
	return minerTip, nil
}

func (m *Machine) credit(ctx context.Context, addr address.Address, amount abi.TokenAmount) error {
	if amount.IsZero() {
		return nil
	}
	return m.tree.MutateActor(ctx, addr, func(a *state.Actor) error {
		a.Balance = big.Add(a.Balance, amount)
		return nil
	})
}

// ApplyImplicitMessage applies a system message outside the gas economy: no
// inclusion cost, no nonce check, no settlement. Any failure is an error since
// implicit messages are constructed by the protocol, not by users.
func (m *Machine) ApplyImplicitMessage(ctx context.Context, msg *chain.Message) (*ApplyRet, error) {
	sender, ok, err := m.tree.ResolveAddress(ctx, msg.From)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("implicit message sender %s not found", msg.From)
	}

	tracker := gas.NewTracker(BlockGasLimit)
	cm := &callManager{machine: m, origin: sender, originNonce: msg.Nonce}
	res := cm.Send(ctx, sender, msg.To, msg.Method, msg.Params, msg.Value, tracker, 0, false)
	if res.fatal != nil {
		return nil, res.fatal
	}
	if res.code != exitcode.Ok {
		return nil, errors.Errorf("implicit message failed with exit code %d", res.code)
	}

	return &ApplyRet{
		Receipt: chain.Receipt{
			ExitCode: res.code,
			Return:   res.ret,
			GasUsed:  tracker.GasUsed(),
		},
		Penalty:  big.Zero(),
		MinerTip: big.Zero(),
		GasTrace: tracker.Trace(),
	}, nil
}

// Flush persists all applied state changes and returns the new state root.
func (m *Machine) Flush(ctx context.Context) (cid.Cid, error) {
	return m.tree.Flush(ctx)
}

// Apply executes msgs in order against the tree rooted at preRoot and returns
// the receipts alongside the post-state root. It is the replay primitive used
// by conformance testing: the same inputs must always produce the same
// outputs, byte for byte.
func Apply(ctx context.Context, bs blockstore.Blockstore, preRoot cid.Cid, net networks.Network, epoch abi.ChainEpoch, baseFee abi.TokenAmount, externs kernel.Externs, msgs []*chain.Message) ([]chain.Receipt, cid.Cid, error) {
	m, err := NewMachine(ctx, bs, preRoot, net, epoch, baseFee, externs)
	if err != nil {
		return nil, cid.Undef, err
	}

	receipts := make([]chain.Receipt, 0, len(msgs))
	for i, msg := range msgs {
		ret, err := m.ApplyMessage(ctx, msg)
		if err != nil {
			return nil, cid.Undef, errors.Wrapf(err, "applying message %d", i)
		}
		receipts = append(receipts, ret.Receipt)
	}

	postRoot, err := m.Flush(ctx)
	if err != nil {
		return nil, cid.Undef, err
	}
	return receipts, postRoot, nil
}
