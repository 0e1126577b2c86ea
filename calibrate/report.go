package calibrate

import (
	"context"
	"fmt"
	"math"

	"github.com/iand/fvm/engine"
	"github.com/iand/fvm/gas"
	"github.com/iand/fvm/kernel"
)

// GasPerNanosecond is the reference execution rate the pricelist is
// calibrated against: a block's gas budget should correspond to its wall
// clock share of an epoch on baseline hardware.
const GasPerNanosecond = 10

// DefaultTrimFraction is the share of samples discarded from each end before
// averaging.
const DefaultTrimFraction = 0.1

// Entry compares the measured per-unit cost of one probe against its priced
// cost.
type Entry struct {
	Probe string

	// ObservedNsPerUnit is the fitted marginal cost of one workload unit.
	ObservedNsPerUnit float64
	// ObservedMilligasPerUnit is the observation converted at the reference
	// execution rate.
	ObservedMilligasPerUnit float64
	// PricedMilligasPerUnit is the marginal cost the pricelist charges.
	PricedMilligasPerUnit float64

	// Deviation is the fractional difference of priced from observed. A
	// positive deviation means the operation is overpriced.
	Deviation float64
	// FitR2 qualifies the linear fit behind the observation.
	FitR2 float64
}

func (e Entry) String() string {
	return fmt.Sprintf("%s: observed %.1f mg/unit, priced %.1f mg/unit, deviation %+.1f%% (r2=%.3f)",
		e.Probe, e.ObservedMilligasPerUnit, e.PricedMilligasPerUnit, e.Deviation*100, e.FitR2)
}

// Report is the outcome of a calibration run across a set of probes.
type Report struct {
	Entries []Entry
}

// OutOfTolerance returns the entries whose priced cost deviates from the
// observed cost by more than tolerance (a fraction, e.g. 0.5 for 50%).
func (r *Report) OutOfTolerance(tolerance float64) []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if math.Abs(e.Deviation) > tolerance {
			out = append(out, e)
		}
	}
	return out
}

// Calibrate runs every probe and fits the measurements against the priced
// costs.
func (h *Harness) Calibrate(ctx context.Context, probes []Probe) (*Report, error) {
	report := &Report{}

	for _, probe := range probes {
		series, err := h.Run(ctx, probe)
		if err != nil {
			return nil, err
		}

		means := series.TrimmedBySize(DefaultTrimFraction)
		points := make([]Point, 0, len(means))
		for size, ns := range means {
			points = append(points, Point{X: float64(size), Y: ns})
		}
		fit := FitLinear(points)

		pricedPoints := make([]Point, 0, len(probe.Sizes))
		for _, size := range probe.Sizes {
			pricedPoints = append(pricedPoints, Point{X: float64(size), Y: float64(probe.Milligas(h.prices, size))})
		}
		pricedFit := FitLinear(pricedPoints)

		observedMilligas := fit.Slope * GasPerNanosecond * gas.MilligasPrecision
		var deviation float64
		if observedMilligas > 0 {
			deviation = (pricedFit.Slope - observedMilligas) / observedMilligas
		}

		report.Entries = append(report.Entries, Entry{
			Probe:                   probe.Name,
			ObservedNsPerUnit:       fit.Slope,
			ObservedMilligasPerUnit: observedMilligas,
			PricedMilligasPerUnit:   pricedFit.Slope,
			Deviation:               deviation,
			FitR2:                   fit.R2,
		})
	}

	return report, nil
}

// DefaultProbes covers the engine costs most sensitive to drift: raw
// instruction dispatch, memory growth and randomness entropy mixing.
func DefaultProbes() []Probe {
	return []Probe{
		{
			Name:  "instructions",
			Sizes: []int{1000, 2000, 4000, 8000},
			Build: func(size int) []byte {
				p := engine.NewProg(1)
				p.Op(engine.OpDrop).Op(engine.OpDrop)
				for i := 0; i < size; i++ {
					p.Op(engine.OpNop)
				}
				return p.MustAssemble()
			},
			Milligas: func(pl gas.Pricelist, size int) int64 {
				return pl.OnInstructions(size).Total()
			},
		},
		{
			Name: "memory-pages",
			// One page per grow so the allocation work scales with size;
			// growing in a single step is lost in allocator noise.
			Sizes: []int{32, 64, 128, 255},
			Build: func(size int) []byte {
				p := engine.NewProg(1)
				p.Op(engine.OpDrop).Op(engine.OpDrop)
				for i := 0; i < size; i++ {
					p.Push(1).Op(engine.OpMemGrow).Op(engine.OpDrop)
				}
				return p.MustAssemble()
			},
			Milligas: func(pl gas.Pricelist, size int) int64 {
				return pl.OnMemoryPage(size).Total()
			},
		},
		{
			Name:  "randomness",
			Sizes: []int{1 << 10, 4 << 10, 16 << 10, 64 << 10},
			Build: func(size int) []byte {
				p := engine.NewProg(2)
				// stack on entry: method, paramsLen
				p.Op(engine.OpSwap).Op(engine.OpDrop) // keep paramsLen
				p.Push(1).Op(engine.OpSwap)           // tag
				p.Push(2).Op(engine.OpSwap)           // epoch
				p.Push(0).Op(engine.OpSwap)           // entropyOff, entropyLen
				p.Push(0)                             // output offset
				p.Syscall(kernel.SysRandomness)
				return p.MustAssemble()
			},
			Params: func(size int) []byte {
				return make([]byte, size)
			},
			Milligas: func(pl gas.Pricelist, size int) int64 {
				return pl.OnRandomness(size).Total()
			},
		},
	}
}
