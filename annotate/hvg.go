package annotate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// VariableGenes returns the indices of the n most variable genes, most
// variable first. Variability is the log dispersion (variance/mean of the
// un-logged normalized values) z-scored within nBins equal-width bins of
// log mean expression, which removes the mean-variance trend.
func VariableGenes(e *Expr, n, nBins int) []int {
	nGenes := len(e.Genes)
	sum := make([]float64, nGenes)
	sumSq := make([]float64, nGenes)
	for _, col := range e.Cols {
		for i, g := range col.Index {
			v := math.Expm1(col.Value[i])
			sum[g] += v
			sumSq[g] += v * v
		}
	}
	nCells := float64(len(e.Cells))
	logMean := make([]float64, nGenes)
	logDisp := make([]float64, nGenes)
	var candidates []int
	minMean, maxMean := math.Inf(1), math.Inf(-1)
	for g := 0; g < nGenes; g++ {
		mean := sum[g] / nCells
		if mean <= 0 || nCells < 2 {
			continue
		}
		variance := (sumSq[g] - nCells*mean*mean) / (nCells - 1)
		if variance <= 0 {
			continue
		}
		logMean[g] = math.Log1p(mean)
		logDisp[g] = math.Log(variance / mean)
		minMean = math.Min(minMean, logMean[g])
		maxMean = math.Max(maxMean, logMean[g])
		candidates = append(candidates, g)
	}
	if nBins < 1 {
		nBins = 1
	}
	width := (maxMean - minMean) / float64(nBins)
	bins := make([][]int, nBins)
	for _, g := range candidates {
		b := 0
		if width > 0 {
			b = int((logMean[g] - minMean) / width)
			if b >= nBins {
				b = nBins - 1
			}
		}
		bins[b] = append(bins[b], g)
	}
	z := make([]float64, nGenes)
	for _, bin := range bins {
		if len(bin) < 2 {
			continue
		}
		d := make([]float64, len(bin))
		for i, g := range bin {
			d[i] = logDisp[g]
		}
		mean, std := stat.MeanStdDev(d, nil)
		if std == 0 {
			continue
		}
		for _, g := range bin {
			z[g] = (logDisp[g] - mean) / std
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return z[candidates[i]] > z[candidates[j]] })
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates
}
