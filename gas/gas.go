package gas

// Gas amounts are tracked internally at milligas precision so that fractional
// per-unit prices (for example the cost of a single engine instruction) do not
// accumulate systematic rounding bias across millions of charges. Whole gas is
// only produced at the boundary, rounded up.
const MilligasPrecision = 1000

// ToMilligas converts a whole-gas amount into milligas.
func ToMilligas(g int64) int64 {
	return g * MilligasPrecision
}

// FromMilligas converts milligas to whole gas, rounding up.
func FromMilligas(mg int64) int64 {
	if mg%MilligasPrecision == 0 {
		return mg / MilligasPrecision
	}
	return mg/MilligasPrecision + 1
}

// Charge is the price of a single metered operation, split into a compute and
// a storage component. Both components are expressed in milligas.
type Charge struct {
	Name  string
	Extra interface{}

	ComputeGas int64
	StorageGas int64
}

// Total returns the total charge in milligas.
func (c Charge) Total() int64 {
	return c.ComputeGas + c.StorageGas
}

func (c Charge) WithExtra(extra interface{}) Charge {
	out := c
	out.Extra = extra
	return out
}

// NewCharge creates a charge from whole-gas compute and storage amounts.
func NewCharge(name string, computeGas, storageGas int64) Charge {
	return Charge{
		Name:       name,
		ComputeGas: ToMilligas(computeGas),
		StorageGas: ToMilligas(storageGas),
	}
}

// NewMilliCharge creates a charge directly from milligas amounts. Used for
// prices with sub-gas granularity such as per-instruction execution costs.
func NewMilliCharge(name string, computeMilligas, storageMilligas int64) Charge {
	return Charge{
		Name:       name,
		ComputeGas: computeMilligas,
		StorageGas: storageMilligas,
	}
}
