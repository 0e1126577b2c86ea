package kernel

import (
	"errors"
	"fmt"

	"github.com/filecoin-project/go-state-types/exitcode"

	"github.com/iand/fvm/gas"
)

// SyscallError is an expected failure of a kernel operation. It is returned
// to guest code as an ordinary result code so the actor can branch on it; it
// never aborts the frame.
type SyscallError struct {
	Code    exitcode.ExitCode
	Message string
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("syscall error %d: %s", e.Code, e.Message)
}

// Errorf creates an expected syscall failure with the given exit code.
func Errorf(code exitcode.ExitCode, format string, args ...interface{}) *SyscallError {
	return &SyscallError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the exit code carried by an expected syscall failure, or
// reports that err is not one.
func CodeOf(err error) (exitcode.ExitCode, bool) {
	var se *SyscallError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return exitcode.Ok, false
}

// IsOutOfGas reports whether err is a gas exhaustion condition, which traps
// the current frame rather than being surfaced as a result code.
func IsOutOfGas(err error) bool {
	return errors.Is(err, gas.ErrOutOfGas)
}

// IsFatal reports whether err must abort the entire machine run. Anything
// that is neither an expected syscall failure nor gas exhaustion is fatal,
// since continuing would risk state divergence across nodes.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := CodeOf(err); ok {
		return false
	}
	return !IsOutOfGas(err)
}
