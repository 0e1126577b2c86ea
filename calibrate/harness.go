// Package calibrate measures the real execution cost of engine workloads and
// compares it against the pricelist. It exists to keep gas prices honest:
// a price that drifts too far from measured cost is either an attack surface
// (underpriced work) or a waste of chain throughput (overpriced work).
package calibrate

import (
	"context"
	"sort"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/iand/fvm/engine"
	"github.com/iand/fvm/gas"
)

// Probe is one calibration workload: a bytecode program parameterised by a
// scale factor so that per-unit cost can be recovered by a linear fit.
type Probe struct {
	Name string
	// Sizes are the workload scales to measure, in ascending order.
	Sizes []int
	// Build assembles the program for a given size.
	Build func(size int) []byte
	// Params produces the invocation parameters for a given size. May be nil.
	Params func(size int) []byte
	// Milligas prices the workload at a given size from the pricelist.
	Milligas func(pl gas.Pricelist, size int) int64
}

// Sample is a single timed execution.
type Sample struct {
	Size    int
	Elapsed time.Duration
}

// Series is the measured data for one probe.
type Series struct {
	Probe   string
	Samples []Sample
}

// Harness executes probes under controlled conditions. Measurements happen on
// whatever machine runs the harness, so results are comparative rather than
// absolute: the interesting signal is the relative deviation between probes.
type Harness struct {
	prices     gas.Pricelist
	iterations int
	warmup     int
}

// HarnessOption adjusts harness behaviour.
type HarnessOption func(*Harness)

// WithIterations sets how many timed runs each workload size gets.
func WithIterations(n int) HarnessOption {
	return func(h *Harness) { h.iterations = n }
}

// WithWarmup sets how many untimed runs precede measurement. Warm-up runs
// populate the module cache and let the runtime settle.
func WithWarmup(n int) HarnessOption {
	return func(h *Harness) { h.warmup = n }
}

func NewHarness(prices gas.Pricelist, opts ...HarnessOption) *Harness {
	h := &Harness{
		prices:     prices,
		iterations: 30,
		warmup:     3,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run measures probe at every size and returns the collected samples.
func (h *Harness) Run(ctx context.Context, probe Probe) (*Series, error) {
	logger := logr.FromContextOrDiscard(ctx)

	eng := engine.New(h.prices)
	series := &Series{Probe: probe.Name}

	for _, size := range probe.Sizes {
		mod, err := engine.DecodeModule(probe.Build(size))
		if err != nil {
			return nil, errors.Wrapf(err, "probe %s size %d", probe.Name, size)
		}
		var params []byte
		if probe.Params != nil {
			params = probe.Params(size)
		}

		run := func() (time.Duration, error) {
			kern := &benchKernel{tracker: gas.NewTracker(1 << 40), epoch: abi.ChainEpoch(1)}
			tracker := gas.NewTracker(1 << 40)
			start := time.Now()
			_, err := eng.Execute(ctx, mod, kern, tracker, 1, params)
			return time.Since(start), err
		}

		for i := 0; i < h.warmup; i++ {
			if _, err := run(); err != nil {
				return nil, errors.Wrapf(err, "probe %s size %d warmup", probe.Name, size)
			}
		}
		for i := 0; i < h.iterations; i++ {
			elapsed, err := run()
			if err != nil {
				return nil, errors.Wrapf(err, "probe %s size %d", probe.Name, size)
			}
			series.Samples = append(series.Samples, Sample{Size: size, Elapsed: elapsed})
		}
		logger.V(1).Info("measured probe", "probe", probe.Name, "size", size, "iterations", h.iterations)
	}

	return series, nil
}

// TrimmedBySize groups the series samples by size and trims the fastest and
// slowest tail of each group, returning the mean elapsed nanoseconds per size.
func (s *Series) TrimmedBySize(trimFrac float64) map[int]float64 {
	grouped := make(map[int][]float64)
	for _, sample := range s.Samples {
		grouped[sample.Size] = append(grouped[sample.Size], float64(sample.Elapsed.Nanoseconds()))
	}

	out := make(map[int]float64, len(grouped))
	for size, vals := range grouped {
		sort.Float64s(vals)
		out[size] = TrimmedMean(vals, trimFrac)
	}
	return out
}
