// Package metrics computes standard monocular depth error statistics and
// aggregates them over an evaluation run.
package metrics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Names of the standard error statistics, in reporting order.
const (
	SILog  = "silog"
	AbsRel = "abs_rel"
	Log10  = "log10"
	RMS    = "rms"
	SqRel  = "sq_rel"
	LogRMS = "log_rms"
	D1     = "d1"
	D2     = "d2"
	D3     = "d3"
)

// StandardNames lists the statistics produced by Compute.
var StandardNames = []string{SILog, AbsRel, Log10, RMS, SqRel, LogRMS, D1, D2, D3}

// ErrNoPixels is returned when there is nothing to compare.
var ErrNoPixels = errors.New("no valid pixels to evaluate")

// Value is one named scalar measurement.
type Value struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Sample is the fixed-size record of error statistics for one frame.
type Sample []Value

// Get returns the named value.
func (s Sample) Get(name string) (float64, bool) {
	for _, v := range s {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

// Map returns the sample keyed by name.
func (s Sample) Map() map[string]float64 {
	m := make(map[string]float64, len(s))
	for _, v := range s {
		m[v.Name] = v.Value
	}
	return m
}

// Compute compares masked ground truth and prediction values. Both slices
// must hold strictly positive depths of equal length.
func Compute(gt, pred []float32) (Sample, error) {
	if len(gt) != len(pred) {
		return nil, fmt.Errorf("compute errors: %d ground truth values vs %d predictions", len(gt), len(pred))
	}
	n := len(gt)
	if n == 0 {
		return nil, ErrNoPixels
	}

	var (
		thresh  = make([]float64, n)
		sq      = make([]float64, n)
		logSq   = make([]float64, n)
		absRel  = make([]float64, n)
		sqRel   = make([]float64, n)
		logErr  = make([]float64, n)
		log10Ab = make([]float64, n)
	)
	for i := range gt {
		g, p := float64(gt[i]), float64(pred[i])
		thresh[i] = math.Max(g/p, p/g)
		diff := g - p
		sq[i] = diff * diff
		ld := math.Log(g) - math.Log(p)
		logSq[i] = ld * ld
		absRel[i] = math.Abs(diff) / g
		sqRel[i] = diff * diff / g
		logErr[i] = math.Log(p) - math.Log(g)
		log10Ab[i] = math.Abs(math.Log10(g) - math.Log10(p))
	}

	d1, d2, d3 := 0.0, 0.0, 0.0
	for _, t := range thresh {
		if t < 1.25 {
			d1++
		}
		if t < 1.25*1.25 {
			d2++
		}
		if t < 1.25*1.25*1.25 {
			d3++
		}
	}

	errMean := stat.Mean(logErr, nil)
	errSqMean := floats.Dot(logErr, logErr) / float64(n)
	// Rounding can push a near-zero variance below zero.
	variance := math.Max(errSqMean-errMean*errMean, 0)

	return Sample{
		{SILog, math.Sqrt(variance) * 100},
		{AbsRel, stat.Mean(absRel, nil)},
		{Log10, stat.Mean(log10Ab, nil)},
		{RMS, math.Sqrt(stat.Mean(sq, nil))},
		{SqRel, stat.Mean(sqRel, nil)},
		{LogRMS, math.Sqrt(stat.Mean(logSq, nil))},
		{D1, d1 / float64(n)},
		{D2, d2 / float64(n)},
		{D3, d3 / float64(n)},
	}, nil
}
