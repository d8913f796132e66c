package de

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Engine fits a model to a dataset and tests one contrast.
type Engine interface {
	Test(ctx context.Context, ds *Dataset, c Contrast) (*Results, error)
}

// Opts configures NBWald.
type Opts struct {
	// Pseudocount is added to the normalized group means before taking
	// fold changes, so that genes absent from one group get a finite
	// estimate.
	Pseudocount float64
	// MinDispersion is the smallest dispersion used for any gene.
	MinDispersion float64
	// Correction is the multiple testing correction, see util.Adjust.
	Correction string
}

// DefaultOpts are the NBWald defaults.
var DefaultOpts = Opts{
	Pseudocount:   0.5,
	MinDispersion: 1e-8,
	Correction:    util.BH,
}

// NBWald is a negative binomial Wald test on a one-way design.
//
// Counts are normalized by median-of-ratios size factors. Each gene gets a
// method-of-moments dispersion pooled over all condition groups, raised to
// at least the fitted dispersion trend alpha = a0 + a1/mean. The log2 fold
// change between the two contrasted groups is tested against zero with a
// Wald z statistic whose variance follows the negative binomial model.
type NBWald struct {
	Opts Opts
}

// NewNBWald returns an engine with DefaultOpts.
func NewNBWald() *NBWald { return &NBWald{Opts: DefaultOpts} }

// SizeFactors returns median-of-ratios size factors of the columns of
// counts. Only genes with a positive count in every sample contribute; if
// there are none, factors proportional to the column totals are used, and a
// sample without any count is an error.
func SizeFactors(counts mat.Matrix) ([]float64, error) {
	nGenes, nSamples := counts.Dims()
	ratios := make([][]float64, nSamples)
	for g := 0; g < nGenes; g++ {
		var logGeo float64
		ok := true
		for j := 0; j < nSamples; j++ {
			v := counts.At(g, j)
			if v <= 0 {
				ok = false
				break
			}
			logGeo += math.Log(v)
		}
		if !ok {
			continue
		}
		logGeo /= float64(nSamples)
		for j := 0; j < nSamples; j++ {
			ratios[j] = append(ratios[j], math.Log(counts.At(g, j))-logGeo)
		}
	}
	sf := make([]float64, nSamples)
	if len(ratios[0]) == 0 {
		log.Error.Printf("de: no gene is expressed in every sample, using total counts as size factors")
		var logGeo float64
		for j := range sf {
			for g := 0; g < nGenes; g++ {
				sf[j] += counts.At(g, j)
			}
			if sf[j] <= 0 {
				return nil, errors.E(fmt.Sprintf("de: sample %d has no counts", j))
			}
			logGeo += math.Log(sf[j])
		}
		logGeo /= float64(nSamples)
		for j := range sf {
			sf[j] = math.Exp(math.Log(sf[j]) - logGeo)
		}
		return sf, nil
	}
	for j, r := range ratios {
		sort.Float64s(r)
		sf[j] = math.Exp(median(r))
	}
	return sf, nil
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

type groups struct {
	levels  []string
	members [][]int
}

func groupSamples(ds *Dataset) groups {
	var gs groups
	idx := map[string]int{}
	for j, c := range ds.Condition {
		i, ok := idx[c]
		if !ok {
			i = len(gs.levels)
			idx[c] = i
			gs.levels = append(gs.levels, c)
			gs.members = append(gs.members, nil)
		}
		gs.members[i] = append(gs.members[i], j)
	}
	return gs
}

func (gs groups) find(level string) int {
	for i, l := range gs.levels {
		if l == level {
			return i
		}
	}
	return -1
}

// Test implements Engine.
func (e *NBWald) Test(ctx context.Context, ds *Dataset, c Contrast) (*Results, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := util.CheckCorrection(e.Opts.Correction); err != nil {
		return nil, errors.E(err, "de.NBWald")
	}
	gs := groupSamples(ds)
	num, den := gs.find(c.Numerator), gs.find(c.Denominator)
	if num < 0 || den < 0 || num == den {
		return nil, errors.E(fmt.Sprintf("de: contrast %s: levels must be two distinct values of %s %v", c, ds.Design, gs.levels))
	}
	var df int
	for _, m := range gs.members {
		df += len(m) - 1
	}
	if df < 1 {
		return nil, errors.E(fmt.Sprintf("de: design %s has no residual degrees of freedom (%d samples, %d levels)", ds.Design, len(ds.Samples), len(gs.levels)))
	}

	sf, err := SizeFactors(ds.Counts)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("de: size factors %v", sf)
	nGenes := len(ds.Genes)
	norm := make([][]float64, nGenes)
	baseMean := make([]float64, nGenes)
	rawDisp := make([]float64, nGenes)
	err = traverse.Each(nGenes, func(g int) error {
		q := make([]float64, len(ds.Samples))
		for j := range q {
			q[j] = ds.Counts.At(g, j) / sf[j]
		}
		norm[g] = q
		baseMean[g] = stat.Mean(q, nil)
		rawDisp[g] = momDispersion(q, sf, gs.members)
		return nil
	})
	if err != nil {
		return nil, err
	}
	a0, a1 := dispersionTrend(baseMean, rawDisp)
	log.Debug.Printf("de: dispersion trend %.4g + %.4g/mean", a0, a1)

	res := &Results{Contrast: c, Shrinkage: "none", Genes: make([]Result, nGenes)}
	normal := distuv.UnitNormal
	err = traverse.Each(nGenes, func(g int) error {
		r := Result{Gene: ds.Genes[g], BaseMean: baseMean[g], Shrunk: math.NaN()}
		if baseMean[g] == 0 {
			r.Log2FC, r.LfcSE, r.Stat, r.PValue = 0, math.NaN(), math.NaN(), math.NaN()
			res.Genes[g] = r
			return nil
		}
		alpha := math.Max(rawDisp[g], math.Max(a0+a1/baseMean[g], e.Opts.MinDispersion))
		muN, varN := groupLogMoments(norm[g], sf, gs.members[num], alpha, e.Opts.Pseudocount)
		muD, varD := groupLogMoments(norm[g], sf, gs.members[den], alpha, e.Opts.Pseudocount)
		r.Log2FC = (muN - muD) / math.Ln2
		r.LfcSE = math.Sqrt(varN+varD) / math.Ln2
		if r.LfcSE > 0 {
			r.Stat = r.Log2FC / r.LfcSE
			r.PValue = math.Min(1, 2*normal.Survival(math.Abs(r.Stat)))
		} else {
			r.Stat, r.PValue = math.NaN(), math.NaN()
		}
		res.Genes[g] = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	p := make([]float64, nGenes)
	for g := range p {
		p[g] = res.Genes[g].PValue
	}
	padj, err := util.Adjust(p, e.Opts.Correction)
	if err != nil {
		return nil, errors.E(err, "de.NBWald")
	}
	for g, q := range padj {
		res.Genes[g].PAdj = q
	}
	return res, nil
}

// momDispersion is the method-of-moments negative binomial dispersion of
// normalized counts q, pooled over the groups.
func momDispersion(q, sf []float64, members [][]int) float64 {
	var num, den float64
	for _, m := range members {
		n := float64(len(m))
		if n < 2 {
			continue
		}
		var mu, z float64
		for _, j := range m {
			mu += q[j]
			z += 1 / sf[j]
		}
		mu /= n
		z /= n
		for _, j := range m {
			d := q[j] - mu
			num += d * d
		}
		num -= (n - 1) * mu * z
		den += (n - 1) * mu * mu
	}
	if den <= 0 || num <= 0 {
		return 0
	}
	return num / den
}

// dispersionTrend fits alpha = a0 + a1/mean by least squares over the genes
// with a positive dispersion estimate. Both coefficients are kept
// non-negative; fewer than three usable genes give a zero trend.
func dispersionTrend(mean, disp []float64) (a0, a1 float64) {
	var x, y []float64
	for g := range mean {
		if mean[g] > 0 && disp[g] > 0 {
			x = append(x, 1/mean[g])
			y = append(y, disp[g])
		}
	}
	if len(x) < 3 {
		return 0, 0
	}
	a0, a1 = stat.LinearRegression(x, y, nil, false)
	if math.IsNaN(a0) || math.IsNaN(a1) {
		return 0, 0
	}
	return math.Max(a0, 0), math.Max(a1, 0)
}

// groupLogMoments returns the log of the group mean of normalized counts
// (plus pseudocount) and its delta-method variance under a negative
// binomial model with dispersion alpha.
func groupLogMoments(q, sf []float64, m []int, alpha, pseudo float64) (float64, float64) {
	n := float64(len(m))
	var mu float64
	for _, j := range m {
		mu += q[j]
	}
	mu /= n
	var v float64
	for _, j := range m {
		v += mu/sf[j] + alpha*mu*mu
	}
	v /= n * n
	shifted := mu + pseudo
	return math.Log(shifted), v / (shifted * shifted)
}
