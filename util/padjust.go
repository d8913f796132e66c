package util

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Correction methods understood by Adjust.
const (
	BH           = "BH"
	Bonferroni   = "bonferroni"
	NoCorrection = "none"
)

// ErrUnknownCorrection is returned for a correction method other than BH,
// fdr, bonferroni or none.
var ErrUnknownCorrection = errors.New("unknown correction method")

// CheckCorrection returns an error unless method is understood by Adjust.
func CheckCorrection(method string) error {
	switch method {
	case BH, "fdr", Bonferroni, NoCorrection:
		return nil
	}
	return fmt.Errorf("%q: %w", method, ErrUnknownCorrection)
}

// Adjust applies the named multiple-testing correction to p. NaN values are
// left in place and do not count towards the number of tests.
func Adjust(p []float64, method string) ([]float64, error) {
	switch method {
	case BH, "fdr":
		return AdjustBH(p), nil
	case Bonferroni:
		return AdjustBonferroni(p), nil
	case NoCorrection:
		return append([]float64(nil), p...), nil
	}
	return nil, CheckCorrection(method)
}

// AdjustBH returns Benjamini-Hochberg adjusted p values.
func AdjustBH(p []float64) []float64 {
	adj := make([]float64, len(p))
	idx := make([]int, 0, len(p))
	for i, v := range p {
		if math.IsNaN(v) {
			adj[i] = math.NaN()
			continue
		}
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] > p[idx[b]] })
	n := float64(len(idx))
	min := 1.0
	for r, i := range idx {
		rank := n - float64(r)
		if v := p[i] * n / rank; v < min {
			min = v
		}
		adj[i] = min
	}
	return adj
}

// AdjustBonferroni returns Bonferroni adjusted p values, capped at 1.
func AdjustBonferroni(p []float64) []float64 {
	var n float64
	for _, v := range p {
		if !math.IsNaN(v) {
			n++
		}
	}
	adj := make([]float64, len(p))
	for i, v := range p {
		adj[i] = math.Min(1, v*n)
	}
	return adj
}

// Rank returns the 1-based sample ranks of x. Ties get the mean rank of
// their coequals.
func Rank(x []float64) []float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	r := make([]float64, len(x))
	for i := 0; i < len(idx); {
		j := i + 1
		for j < len(idx) && x[idx[j]] == x[idx[i]] {
			j++
		}
		mean := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			r[idx[k]] = mean
		}
		i = j
	}
	return r
}

// TieCorrection returns sum(t^3 - t) over groups of tied values in x, as used
// by rank-sum tests.
func TieCorrection(x []float64) float64 {
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	var c float64
	for i := 0; i < len(s); {
		j := i + 1
		for j < len(s) && s[j] == s[i] {
			j++
		}
		t := float64(j - i)
		c += t*t*t - t
		i = j
	}
	return c
}
