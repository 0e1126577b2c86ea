package fvm

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/filecoin-project/specs-actors/v3/actors/builtin"
	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	"github.com/minio/blake2b-simd"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"

	"github.com/iand/fvm/gas"
	"github.com/iand/fvm/kernel"
	"github.com/iand/fvm/state"
)

// stateCidPrefix is the cid shape of objects written by actors into their
// state partitions.
var stateCidPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   mh.BLAKE2B_MIN + 31,
	MhLength: 32,
}

// MaxBlockSize bounds a single state object written through BlockPut.
const MaxBlockSize = 1 << 20

// invocationKernel is the kernel.Kernel implementation bound to one executing
// frame. Every operation charges the pricelist before performing its effect,
// so a failed charge leaves the effect undone.
type invocationKernel struct {
	ctx      context.Context
	cm       *callManager
	self     address.Address // ID address of the executing actor
	caller   address.Address
	tracker  *gas.Tracker
	depth    int
	readOnly bool
}

var _ kernel.Kernel = (*invocationKernel)(nil)

func (k *invocationKernel) machine() *Machine { return k.cm.machine }

func (k *invocationKernel) SelfRoot() (cid.Cid, error) {
	if err := k.tracker.Charge(k.machine().prices.OnIpldGet()); err != nil {
		return cid.Undef, err
	}
	act, found, err := k.machine().tree.GetActor(k.ctx, k.self)
	if err != nil {
		return cid.Undef, err
	}
	if !found {
		return cid.Undef, errors.Errorf("executing actor %s not in state tree", k.self)
	}
	return act.Head, nil
}

func (k *invocationKernel) SelfSetRoot(c cid.Cid) error {
	if k.readOnly {
		return kernel.Errorf(exitcode.SysErrForbidden, "cannot set state root in read-only call")
	}
	// Repointing the root rewrites the actor record; the object itself was
	// paid for when it was put.
	if err := k.tracker.Charge(k.machine().prices.OnIpldPut(0)); err != nil {
		return err
	}
	has, err := k.machine().bs.Has(c)
	if err != nil {
		return err
	}
	if !has {
		return kernel.Errorf(exitcode.SysErrorIllegalArgument, "new state root %s not found in store", c)
	}
	return k.machine().tree.MutateActor(k.ctx, k.self, func(a *state.Actor) error {
		a.Head = c
		return nil
	})
}

func (k *invocationKernel) BlockGet(c cid.Cid) ([]byte, error) {
	if err := k.tracker.Charge(k.machine().prices.OnIpldGet()); err != nil {
		return nil, err
	}
	blk, err := k.machine().bs.Get(c)
	if err == blockstore.ErrNotFound {
		return nil, kernel.Errorf(exitcode.SysErrorIllegalArgument, "block %s not found", c)
	}
	if err != nil {
		return nil, err
	}
	return blk.RawData(), nil
}

func (k *invocationKernel) BlockPut(data []byte) (cid.Cid, error) {
	if k.readOnly {
		return cid.Undef, kernel.Errorf(exitcode.SysErrForbidden, "cannot write state in read-only call")
	}
	if len(data) > MaxBlockSize {
		return cid.Undef, kernel.Errorf(exitcode.SysErrorIllegalArgument, "block of %d bytes exceeds limit", len(data))
	}
	if err := k.tracker.Charge(k.machine().prices.OnIpldPut(len(data))); err != nil {
		return cid.Undef, err
	}
	c, err := stateCidPrefix.Sum(data)
	if err != nil {
		return cid.Undef, err
	}
	blk, err := block.NewBlockWithCid(data, c)
	if err != nil {
		return cid.Undef, err
	}
	if err := k.machine().bs.Put(blk); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

func (k *invocationKernel) Send(to address.Address, method abi.MethodNum, params []byte, value abi.TokenAmount, gasLimit int64, flags kernel.SendFlags) (kernel.SendResult, error) {
	// The child budget is the caller's remainder, narrowed further by an
	// explicit sub-limit. The caller is debited only what the child used.
	childLimit := k.tracker.MilligasRemaining()
	if gasLimit > 0 {
		if requested := gas.ToMilligas(gasLimit); requested < childLimit {
			childLimit = requested
		}
	}
	childTracker := gas.NewMilliTracker(childLimit)

	childReadOnly := k.readOnly || flags&kernel.SendReadOnly != 0

	res := k.cm.Send(k.ctx, k.self, to, method, params, value, childTracker, k.depth+1, childReadOnly)
	k.tracker.ApplyMilligas(childTracker.MilligasUsed())

	if res.fatal != nil {
		return kernel.SendResult{}, res.fatal
	}
	return kernel.SendResult{
		Code:    res.code,
		Return:  res.ret,
		GasUsed: childTracker.GasUsed(),
	}, nil
}

func (k *invocationKernel) CreateActor(code cid.Cid, addr address.Address) error {
	if k.readOnly {
		return kernel.Errorf(exitcode.SysErrForbidden, "cannot create actor in read-only call")
	}
	if addr.Protocol() != address.ID {
		return kernel.Errorf(exitcode.SysErrorIllegalArgument, "actor address %s is not an ID address", addr)
	}
	if err := k.tracker.Charge(k.machine().prices.OnCreateActor()); err != nil {
		return err
	}

	_, exists, err := k.machine().tree.GetActor(k.ctx, addr)
	if err != nil {
		return err
	}
	if exists {
		return kernel.Errorf(exitcode.SysErrorIllegalArgument, "actor %s already exists", addr)
	}

	if code != builtin.AccountActorCodeID {
		has, err := k.machine().bs.Has(code)
		if err != nil {
			return err
		}
		if !has {
			return kernel.Errorf(exitcode.SysErrorIllegalArgument, "actor code %s not installed", code)
		}
	}

	return k.machine().tree.SetActor(k.ctx, addr, &state.Actor{
		Code:    code,
		Head:    k.machine().emptyObject,
		Balance: abi.NewTokenAmount(0),
	})
}

func (k *invocationKernel) ResolveAddress(addr address.Address) (address.Address, bool, error) {
	if err := k.tracker.Charge(k.machine().prices.OnIpldGet()); err != nil {
		return address.Undef, false, err
	}
	return k.machine().tree.ResolveAddress(k.ctx, addr)
}

func (k *invocationKernel) BalanceOf(addr address.Address) (abi.TokenAmount, error) {
	if err := k.tracker.Charge(k.machine().prices.OnIpldGet()); err != nil {
		return abi.TokenAmount{}, err
	}
	id, found, err := k.machine().tree.ResolveAddress(k.ctx, addr)
	if err != nil {
		return abi.TokenAmount{}, err
	}
	if !found {
		return abi.TokenAmount{}, kernel.Errorf(exitcode.SysErrorIllegalArgument, "address %s not found", addr)
	}
	act, found, err := k.machine().tree.GetActor(k.ctx, id)
	if err != nil {
		return abi.TokenAmount{}, err
	}
	if !found {
		return abi.TokenAmount{}, kernel.Errorf(exitcode.SysErrorIllegalArgument, "actor %s not found", id)
	}
	return act.Balance, nil
}

func (k *invocationKernel) SelfBalance() (abi.TokenAmount, error) {
	if err := k.tracker.Charge(k.machine().prices.OnIpldGet()); err != nil {
		return abi.TokenAmount{}, err
	}
	act, found, err := k.machine().tree.GetActor(k.ctx, k.self)
	if err != nil {
		return abi.TokenAmount{}, err
	}
	if !found {
		return abi.TokenAmount{}, errors.Errorf("executing actor %s not in state tree", k.self)
	}
	return act.Balance, nil
}

func (k *invocationKernel) CurrEpoch() abi.ChainEpoch {
	return k.machine().epoch
}

func (k *invocationKernel) NetworkVersion() network.Version {
	return k.machine().nv
}

func (k *invocationKernel) Randomness(tag crypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error) {
	if err := k.tracker.Charge(k.machine().prices.OnRandomness(len(entropy))); err != nil {
		return nil, err
	}
	return k.machine().externs.GetRandomness(tag, epoch, entropy)
}

func (k *invocationKernel) VerifySignature(sig crypto.Signature, signer address.Address, plaintext []byte) (bool, error) {
	charge, err := k.machine().prices.OnVerifySignature(sig.Type, len(plaintext))
	if err != nil {
		return false, kernel.Errorf(exitcode.SysErrorIllegalArgument, "%s", err)
	}
	if err := k.tracker.Charge(charge); err != nil {
		return false, err
	}
	return k.machine().externs.VerifySignature(sig, signer, plaintext)
}

func (k *invocationKernel) Hash(data []byte) ([32]byte, error) {
	if err := k.tracker.Charge(k.machine().prices.OnHashing(len(data))); err != nil {
		return [32]byte{}, err
	}
	return blake2b.Sum256(data), nil
}

func (k *invocationKernel) ChargeGas(name string, compute int64) error {
	if compute < 0 {
		return kernel.Errorf(exitcode.SysErrorIllegalArgument, "negative gas amount %d", compute)
	}
	return k.tracker.Charge(gas.NewCharge(name, compute, 0))
}
