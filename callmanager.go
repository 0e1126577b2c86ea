package fvm

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/filecoin-project/specs-actors/v3/actors/builtin"
	"github.com/filecoin-project/specs-actors/v3/actors/builtin/account"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/iand/fvm/engine"
	"github.com/iand/fvm/gas"
	"github.com/iand/fvm/state"
)

// MaxCallDepth bounds the recursion of nested sends.
const MaxCallDepth = 1024

// sendResult is the internal outcome of one call frame. A non-nil fatal
// aborts the whole message application; everything else is reported to the
// caller through the exit code.
type sendResult struct {
	code      exitcode.ExitCode
	ret       []byte
	backtrace []CallError
	fatal     error
}

// callManager coordinates the call stack of a single message execution. It
// owns checkpointing around each frame so that a failed call leaves no trace
// in the state tree while a successful one folds its writes into the caller's
// scope.
type callManager struct {
	machine     *Machine
	origin      address.Address // ID address of the message sender
	originNonce uint64

	backtrace []CallError
}

// Send executes one call frame: value transfer plus, for a non-zero method,
// an invocation of the target's bytecode. The frame's writes are tentative
// until it returns Ok.
func (cm *callManager) Send(ctx context.Context, from, to address.Address, method abi.MethodNum, params []byte, value abi.TokenAmount, tracker *gas.Tracker, depth int, readOnly bool) sendResult {
	m := cm.machine

	if depth > MaxCallDepth {
		cm.backtrace = append(cm.backtrace, CallError{Code: exitcode.SysErrForbidden, Message: fmt.Sprintf("call depth %d exceeds limit", depth)})
		return sendResult{code: exitcode.SysErrForbidden, backtrace: cm.backtrace}
	}

	cp := m.tree.Checkpoint()

	fail := func(code exitcode.ExitCode, format string, args ...interface{}) sendResult {
		if err := m.tree.Revert(cp); err != nil {
			return sendResult{fatal: err}
		}
		cm.backtrace = append(cm.backtrace, CallError{Code: code, Message: fmt.Sprintf(format, args...)})
		return sendResult{code: code, backtrace: cm.backtrace}
	}

	if err := tracker.Charge(m.prices.OnMethodInvocation(value, method)); err != nil {
		return fail(exitcode.SysErrOutOfGas, "gas limit exceeded invoking method %d", method)
	}

	toID, code, msg, err := cm.resolveTarget(ctx, to, tracker, readOnly)
	if err != nil {
		return sendResult{fatal: err}
	}
	if code != exitcode.Ok {
		return fail(code, "resolving %s: %s", to, msg)
	}

	if !value.IsZero() {
		if readOnly {
			return fail(exitcode.SysErrForbidden, "value transfer in read-only call")
		}
		if code, err := cm.transfer(ctx, from, toID, value); err != nil {
			return sendResult{fatal: err}
		} else if code != exitcode.Ok {
			return fail(code, "transferring %s from %s to %s", value, from, toID)
		}
	}

	if method == builtin.MethodSend {
		if err := m.tree.Commit(cp); err != nil {
			return sendResult{fatal: err}
		}
		return sendResult{code: exitcode.Ok}
	}

	target, found, err := m.tree.GetActor(ctx, toID)
	if err != nil {
		return sendResult{fatal: err}
	}
	if !found {
		return fail(exitcode.SysErrInvalidReceiver, "receiver %s not found", toID)
	}
	if target.Code == builtin.AccountActorCodeID {
		return fail(exitcode.SysErrInvalidMethod, "account actor has no method %d", method)
	}

	blk, err := m.bs.Get(target.Code)
	if err != nil {
		return fail(exitcode.SysErrorIllegalActor, "actor code %s not available", target.Code)
	}
	mod, err := m.engine.Load(target.Code, blk.RawData())
	if err != nil {
		return fail(exitcode.SysErrorIllegalActor, "actor code %s invalid: %s", target.Code, err)
	}

	kern := &invocationKernel{
		ctx:      ctx,
		cm:       cm,
		self:     toID,
		caller:   from,
		tracker:  tracker,
		depth:    depth,
		readOnly: readOnly,
	}

	ret, err := m.engine.Execute(ctx, mod, kern, tracker, method, params)
	if err != nil {
		a, ok := engine.AsAbort(err)
		if !ok {
			return sendResult{fatal: err}
		}
		logr.FromContextOrDiscard(ctx).V(2).Info("frame aborted", "actor", toID, "method", method, "abort", a.Error())
		switch a.Kind {
		case engine.AbortOutOfGas:
			return fail(exitcode.SysErrOutOfGas, "%s", a.Error())
		case engine.AbortExplicit:
			return fail(a.Code, "%s", a.Msg)
		default:
			return fail(exitcode.SysErrorIllegalActor, "%s", a.Error())
		}
	}

	if err := m.tree.Commit(cp); err != nil {
		return sendResult{fatal: err}
	}
	return sendResult{code: exitcode.Ok, ret: ret}
}

// resolveTarget resolves to into an ID address, creating an account actor for
// a previously unseen public key address. A non-Ok code is an expected
// failure; a non-nil error is fatal.
func (cm *callManager) resolveTarget(ctx context.Context, to address.Address, tracker *gas.Tracker, readOnly bool) (address.Address, exitcode.ExitCode, string, error) {
	m := cm.machine

	toID, found, err := m.tree.ResolveAddress(ctx, to)
	if err != nil {
		return address.Undef, exitcode.Ok, "", err
	}
	if found {
		// Resolution alone does not prove the actor record exists; an ID
		// address resolves to itself unconditionally.
		_, exists, err := m.tree.GetActor(ctx, toID)
		if err != nil {
			return address.Undef, exitcode.Ok, "", err
		}
		if exists {
			return toID, exitcode.Ok, "", nil
		}
		if to.Protocol() == address.ID {
			return address.Undef, exitcode.SysErrInvalidReceiver, "receiver does not exist", nil
		}
	}

	if to.Protocol() != address.SECP256K1 && to.Protocol() != address.BLS {
		return address.Undef, exitcode.SysErrInvalidReceiver, "receiver does not exist", nil
	}
	if readOnly {
		return address.Undef, exitcode.SysErrForbidden, "cannot create actor in read-only call", nil
	}

	if err := tracker.Charge(m.prices.OnCreateActor()); err != nil {
		return address.Undef, exitcode.SysErrOutOfGas, "gas limit exceeded creating account actor", nil
	}

	idAddr, err := m.tree.RegisterNewAddress(ctx, to)
	if err != nil {
		return address.Undef, exitcode.Ok, "", errors.Wrap(err, "registering address")
	}
	head, err := m.store.Put(ctx, &account.State{Address: to})
	if err != nil {
		return address.Undef, exitcode.Ok, "", err
	}
	if err := m.tree.SetActor(ctx, idAddr, &state.Actor{
		Code:    builtin.AccountActorCodeID,
		Head:    head,
		Balance: big.Zero(),
	}); err != nil {
		return address.Undef, exitcode.Ok, "", err
	}
	return idAddr, exitcode.Ok, "", nil
}

// transfer moves value between actor balances. Insufficient funds is an
// expected condition reported through the exit code.
func (cm *callManager) transfer(ctx context.Context, from, to address.Address, amount abi.TokenAmount) (exitcode.ExitCode, error) {
	m := cm.machine

	fromActor, found, err := m.tree.GetActor(ctx, from)
	if err != nil {
		return exitcode.Ok, err
	}
	if !found {
		return exitcode.Ok, errors.Errorf("transfer source %s not found", from)
	}
	if fromActor.Balance.LessThan(amount) {
		return exitcode.SysErrInsufficientFunds, nil
	}

	if from == to {
		return exitcode.Ok, nil
	}

	fromActor.Balance = big.Sub(fromActor.Balance, amount)
	if err := m.tree.SetActor(ctx, from, fromActor); err != nil {
		return exitcode.Ok, err
	}
	if err := m.tree.MutateActor(ctx, to, func(a *state.Actor) error {
		a.Balance = big.Add(a.Balance, amount)
		return nil
	}); err != nil {
		return exitcode.Ok, err
	}
	return exitcode.Ok, nil
}
