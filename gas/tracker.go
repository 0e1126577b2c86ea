package gas

import (
	"errors"
	"fmt"
)

// ErrOutOfGas is returned by a tracker when a charge cannot be covered by the
// remaining gas. The charge is still applied in full up to the limit, so
// partial execution has a cost even when it fails.
var ErrOutOfGas = errors.New("not enough gas")

// Trace records a single applied charge for diagnostics and calibration.
type Trace struct {
	Name  string
	Extra interface{}

	TotalGas   int64 // milligas
	ComputeGas int64
	StorageGas int64
}

// Tracker maintains the gas accounting for one call frame.
//
// All internal amounts are milligas. Gas used is monotonically non-decreasing
// and never exceeds the limit. A tracker is owned by a single frame and is not
// safe for concurrent use, matching the strictly sequential execution model.
type Tracker struct {
	limit int64 // milligas
	used  int64 // milligas

	trace []Trace
}

// NewTracker creates a tracker with a limit expressed in whole gas.
func NewTracker(gasLimit int64) *Tracker {
	return &Tracker{limit: ToMilligas(gasLimit)}
}

// NewMilliTracker creates a tracker with a limit expressed in milligas. Used
// for nested frames whose budget is the caller's milligas remainder.
func NewMilliTracker(limit int64) *Tracker {
	return &Tracker{limit: limit}
}

// Charge applies c to the tracker. If the remaining gas cannot cover the
// charge the tracker is exhausted (used becomes equal to the limit) and
// ErrOutOfGas is returned.
func (t *Tracker) Charge(c Charge) error {
	if !t.TryCharge(c) {
		return fmt.Errorf("gas charge %q: %w", c.Name, ErrOutOfGas)
	}
	return nil
}

// TryCharge applies c and reports whether there was enough gas to cover it.
// Gas used never decreases: a charge with a negative total is recorded in the
// trace but applied as zero.
func (t *Tracker) TryCharge(c Charge) bool {
	toUse := c.Total()
	if toUse < 0 {
		toUse = 0
	}

	t.trace = append(t.trace, Trace{
		Name:       c.Name,
		Extra:      c.Extra,
		TotalGas:   toUse,
		ComputeGas: c.ComputeGas,
		StorageGas: c.StorageGas,
	})

	// overflow safe
	if t.used > t.limit-toUse {
		t.used = t.limit
		return false
	}
	t.used += toUse
	return true
}

// ApplyMilligas is the fast path used by the engine's metering probes. It
// applies n milligas without recording a trace entry and reports whether the
// budget covered it. Negative amounts are refused: gas used never decreases.
func (t *Tracker) ApplyMilligas(n int64) bool {
	if n < 0 {
		return false
	}
	if t.used > t.limit-n {
		t.used = t.limit
		return false
	}
	t.used += n
	return true
}

// GasUsed returns the gas consumed so far, in whole gas rounded up.
func (t *Tracker) GasUsed() int64 {
	return FromMilligas(t.used)
}

// MilligasUsed returns the gas consumed so far in milligas.
func (t *Tracker) MilligasUsed() int64 {
	return t.used
}

// MilligasRemaining returns the unused portion of the limit in milligas.
func (t *Tracker) MilligasRemaining() int64 {
	return t.limit - t.used
}

// Trace returns the charges applied so far, in order.
func (t *Tracker) Trace() []Trace {
	return t.trace
}
