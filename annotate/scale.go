package annotate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Scale z-scores the selected genes and returns a cells x genes matrix.
//
// When batch is non-nil, every batch is centred and scaled on its own before
// the cells are pooled. This removes per-batch shifts in mean and spread
// before PCA, which is the integration step of this pipeline. Values are
// clipped to [-clip, clip] when clip > 0.
func Scale(e *Expr, genes []int, batch []string, clip float64) (*mat.Dense, error) {
	nCells := len(e.Cells)
	if batch != nil && len(batch) != nCells {
		return nil, fmt.Errorf("annotate.Scale: %d batch labels for %d cells", len(batch), nCells)
	}
	groups := map[string][]int{}
	var order []string
	for c := 0; c < nCells; c++ {
		b := ""
		if batch != nil {
			b = batch[c]
		}
		if _, ok := groups[b]; !ok {
			order = append(order, b)
		}
		groups[b] = append(groups[b], c)
	}
	x := mat.NewDense(nCells, len(genes), nil)
	rows := e.Rows(genes)
	buf := make([]float64, 0, nCells)
	for j, row := range rows {
		for _, b := range order {
			cells := groups[b]
			buf = buf[:0]
			for _, c := range cells {
				buf = append(buf, row[c])
			}
			mean, std := stat.MeanStdDev(buf, nil)
			for _, c := range cells {
				v := 0.0
				if std > 0 && !math.IsNaN(std) {
					v = (row[c] - mean) / std
				}
				if clip > 0 {
					v = math.Max(-clip, math.Min(clip, v))
				}
				x.Set(c, j, v)
			}
		}
	}
	return x, nil
}
