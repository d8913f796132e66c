package de

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Shrinkage methods accepted by Shrink.
const (
	ShrinkNone   = "none"
	ShrinkNormal = "normal"
)

// upperQuantile is the tail of |log2FC| matched to the normal prior.
const upperQuantile = 0.05

// Shrink returns a copy of r with Shrunk filled in. "none" copies the raw
// fold changes. "normal" applies a zero-centred normal prior whose variance
// matches the upper quantile of the observed |log2FC|; each estimate is
// scaled by priorVar/(priorVar+se^2). The result does not depend on any
// random state.
func Shrink(r *Results, method string) (*Results, error) {
	out := &Results{Contrast: r.Contrast, Shrinkage: method, Genes: append([]Result(nil), r.Genes...)}
	switch method {
	case ShrinkNone:
		for i := range out.Genes {
			out.Genes[i].Shrunk = out.Genes[i].Log2FC
		}
	case ShrinkNormal:
		prior := priorVariance(r.Genes)
		for i := range out.Genes {
			g := &out.Genes[i]
			if math.IsNaN(g.LfcSE) {
				g.Shrunk = g.Log2FC
				continue
			}
			g.Shrunk = g.Log2FC * prior / (prior + g.LfcSE*g.LfcSE)
		}
	default:
		return nil, fmt.Errorf("de: unknown shrinkage method %q", method)
	}
	return out, nil
}

func priorVariance(genes []Result) float64 {
	var abs []float64
	for _, g := range genes {
		if g.BaseMean > 0 && !math.IsNaN(g.LfcSE) && !math.IsInf(g.Log2FC, 0) {
			abs = append(abs, math.Abs(g.Log2FC))
		}
	}
	const minVar = 1e-6
	if len(abs) == 0 {
		return minVar
	}
	sort.Float64s(abs)
	q := stat.Quantile(1-upperQuantile, stat.Empirical, abs, nil)
	z := distuv.UnitNormal.Quantile(1 - upperQuantile/2)
	return math.Max(minVar, (q/z)*(q/z))
}
