// Package kernel defines the capability surface exposed to executing actor
// code. It is a fixed, closed set of operations: the engine refuses to load
// modules importing anything outside this set, and every operation charges
// gas from the pricelist before performing its effect.
package kernel

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/go-state-types/network"
	"github.com/ipfs/go-cid"
)

// Syscall numbers. These are part of the actor calling convention: modules
// declare the syscalls they use in their import table by number.
const (
	SysSelfRoot        = 1
	SysSelfSetRoot     = 2
	SysBlockGet        = 3
	SysBlockPut        = 4
	SysSend            = 5
	SysCreateActor     = 6
	SysResolveAddress  = 7
	SysBalanceOf       = 8
	SysSelfBalance     = 9
	SysCurrEpoch       = 10
	SysNetworkVersion  = 11
	SysRandomness      = 12
	SysVerifySignature = 13
	SysHash            = 14
	SysChargeGas       = 15
)

// KnownSyscall reports whether n names an operation in the capability set.
func KnownSyscall(n uint64) bool {
	return n >= SysSelfRoot && n <= SysChargeGas
}

// SendFlags modify the behaviour of a nested send.
type SendFlags uint64

const (
	// SendReadOnly runs the nested call in a read-only frame: any
	// state-mutating or value-transferring syscall it attempts fails with
	// SysErrForbidden instead of executing.
	SendReadOnly SendFlags = 1 << 0
)

// SendResult is the outcome of a nested send as seen by the calling actor.
// A non-Ok code here is an expected condition the caller may branch on, not
// an abort of the calling frame.
type SendResult struct {
	Code    exitcode.ExitCode
	Return  []byte
	GasUsed int64
}

// Kernel is the only channel through which sandboxed bytecode observes or
// affects the outside world. One implementation exists per deployment
// configuration; dispatch is closed, never plugin-based, to preserve
// determinism.
//
// Errors returned by kernel operations fall into three classes: a
// *SyscallError is an expected failure surfaced to guest code as a result
// code; gas.ErrOutOfGas traps the current frame only; any other error is
// fatal and aborts the entire machine run.
type Kernel interface {
	// SelfRoot returns the root of the invoking actor's own state partition.
	SelfRoot() (cid.Cid, error)
	// SelfSetRoot replaces the invoking actor's state root.
	SelfSetRoot(c cid.Cid) error
	// BlockGet reads an object from the actor's state partition.
	BlockGet(c cid.Cid) ([]byte, error)
	// BlockPut writes an object into the actor's state partition.
	BlockPut(data []byte) (cid.Cid, error)

	// Send delivers a nested message at depth+1. The nested call's gas limit
	// is bounded by the caller's remaining gas; gasLimit of zero means all of
	// it. The caller is debited only the gas the nested call consumed.
	Send(to address.Address, method abi.MethodNum, params []byte, value abi.TokenAmount, gasLimit int64, flags SendFlags) (SendResult, error)

	// CreateActor creates an empty actor with the given code at addr.
	CreateActor(code cid.Cid, addr address.Address) error
	// ResolveAddress resolves a robust address to its ID address.
	ResolveAddress(addr address.Address) (address.Address, bool, error)
	// BalanceOf returns the balance of the actor at addr.
	BalanceOf(addr address.Address) (abi.TokenAmount, error)
	// SelfBalance returns the invoking actor's balance.
	SelfBalance() (abi.TokenAmount, error)

	CurrEpoch() abi.ChainEpoch
	NetworkVersion() network.Version

	// Randomness draws chain randomness from the external provider.
	Randomness(tag crypto.DomainSeparationTag, epoch abi.ChainEpoch, entropy []byte) (abi.Randomness, error)
	// VerifySignature delegates to the external signature verifier.
	VerifySignature(sig crypto.Signature, signer address.Address, plaintext []byte) (bool, error)
	// Hash returns the blake2b-256 digest of data.
	Hash(data []byte) ([32]byte, error)

	// ChargeGas charges an engine-internal metering amount against the frame.
	ChargeGas(name string, compute int64) error
}
