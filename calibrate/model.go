package calibrate

import (
	"math"
	"sort"
)

// Point is one observation in a fit: workload size against elapsed
// nanoseconds.
type Point struct {
	X float64
	Y float64
}

// Fit is a least-squares linear model y = Intercept + Slope*x. The intercept
// captures fixed invocation overhead; the slope is the per-unit cost the
// pricelist should track.
type Fit struct {
	Intercept float64
	Slope     float64
	// R2 is the coefficient of determination, 1.0 for a perfect fit.
	R2 float64
}

// FitLinear computes the ordinary least-squares line through points. At least
// two distinct x values are required; degenerate inputs produce a zero fit.
func FitLinear(points []Point) Fit {
	n := float64(len(points))
	if n < 2 {
		return Fit{}
	}

	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	meanX := sumX / n
	meanY := sumY / n

	var ssXX, ssXY, ssYY float64
	for _, p := range points {
		dx := p.X - meanX
		dy := p.Y - meanY
		ssXX += dx * dx
		ssXY += dx * dy
		ssYY += dy * dy
	}
	if ssXX == 0 {
		return Fit{}
	}

	slope := ssXY / ssXX
	intercept := meanY - slope*meanX

	r2 := 1.0
	if ssYY > 0 {
		var ssRes float64
		for _, p := range points {
			resid := p.Y - (intercept + slope*p.X)
			ssRes += resid * resid
		}
		r2 = 1 - ssRes/ssYY
	}

	return Fit{Intercept: intercept, Slope: slope, R2: r2}
}

// TrimmedMean returns the mean of vals after discarding the trimFrac fraction
// of observations from each end. vals must be sorted ascending.
func TrimmedMean(vals []float64, trimFrac float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	trim := int(float64(len(vals)) * trimFrac)
	if 2*trim >= len(vals) {
		trim = 0
	}
	kept := vals[trim : len(vals)-trim]

	var sum float64
	for _, v := range kept {
		sum += v
	}
	return sum / float64(len(kept))
}

// CoefficientOfVariation reports the dispersion of vals relative to their
// mean. Noisy measurements with a high CV should widen the acceptance
// tolerance rather than be trusted directly.
func CoefficientOfVariation(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	if mean == 0 {
		return 0
	}

	var ssd float64
	for _, v := range vals {
		d := v - mean
		ssd += d * d
	}
	return math.Sqrt(ssd/float64(len(vals)-1)) / mean
}

// Median returns the middle value of vals, which need not be sorted.
func Median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64{}, vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
