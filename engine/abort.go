package engine

import (
	"errors"
	"fmt"

	"github.com/filecoin-project/go-state-types/exitcode"
)

// AbortKind classifies how a frame's execution ended abnormally.
type AbortKind int

const (
	// AbortOutOfGas indicates the frame exhausted its gas budget. Execution
	// halted at the metering probe before the offending operation completed.
	AbortOutOfGas AbortKind = iota + 1
	// AbortIllegal indicates a trap: an illegal instruction, an out-of-bounds
	// memory access, an integer fault or a stack limit violation.
	AbortIllegal
	// AbortExplicit indicates the actor aborted itself with a chosen code.
	AbortExplicit
)

// Abort carries enough information for the call manager to classify a failed
// invocation and produce a receipt. It aborts only the frame that raised it;
// the caller observes it as a non-Ok nested receipt.
type Abort struct {
	Kind AbortKind
	Code exitcode.ExitCode // set for explicit aborts
	Msg  string
}

func (a *Abort) Error() string {
	switch a.Kind {
	case AbortOutOfGas:
		return "abort: out of gas"
	case AbortIllegal:
		return fmt.Sprintf("abort: illegal operation: %s", a.Msg)
	case AbortExplicit:
		return fmt.Sprintf("abort: actor abort code %d: %s", a.Code, a.Msg)
	default:
		return "abort: unknown"
	}
}

func outOfGasAbort() *Abort {
	return &Abort{Kind: AbortOutOfGas}
}

func illegalAbort(format string, args ...interface{}) *Abort {
	return &Abort{Kind: AbortIllegal, Msg: fmt.Sprintf(format, args...)}
}

func explicitAbort(code exitcode.ExitCode, msg string) *Abort {
	return &Abort{Kind: AbortExplicit, Code: code, Msg: msg}
}

// AsAbort extracts an Abort from err. A non-Abort error from execution is
// fatal to the machine, not attributable to the guest.
func AsAbort(err error) (*Abort, bool) {
	var a *Abort
	if errors.As(err, &a) {
		return a, true
	}
	return nil, false
}
