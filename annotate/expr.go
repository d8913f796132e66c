package annotate

import (
	"math"

	"github.com/grailbio/scrna/countmat"
)

// Vec is a sparse expression vector of one cell.
type Vec struct {
	Index []int32
	Value []float64
}

// Expr is a genes x cells matrix of log-normalized expression.
type Expr struct {
	Genes []string
	Cells []string
	Cols  []Vec
}

// LogNormalize returns log1p(count / total * scale) for every cell of m.
// Cells with no counts stay all-zero.
func LogNormalize(m *countmat.Matrix, scale float64) *Expr {
	e := &Expr{Genes: m.Genes, Cells: m.Cells, Cols: make([]Vec, len(m.Cols))}
	totals := m.ColSum()
	for c, col := range m.Cols {
		v := Vec{Index: col.Index, Value: make([]float64, len(col.Count))}
		if totals[c] > 0 {
			f := scale / float64(totals[c])
			for i, n := range col.Count {
				v.Value[i] = math.Log1p(float64(n) * f)
			}
		}
		e.Cols[c] = v
	}
	return e
}

// Rows returns dense rows for the given gene indices.
func (e *Expr) Rows(genes []int) [][]float64 {
	pos := make(map[int32]int, len(genes))
	rows := make([][]float64, len(genes))
	for i, g := range genes {
		pos[int32(g)] = i
		rows[i] = make([]float64, len(e.Cells))
	}
	for c, col := range e.Cols {
		for i, g := range col.Index {
			if r, ok := pos[g]; ok {
				rows[r][c] = col.Value[i]
			}
		}
	}
	return rows
}

// GeneMeans returns the mean log-normalized expression of each gene.
func (e *Expr) GeneMeans() []float64 {
	mean := make([]float64, len(e.Genes))
	for _, col := range e.Cols {
		for i, g := range col.Index {
			mean[g] += col.Value[i]
		}
	}
	n := float64(len(e.Cells))
	for g := range mean {
		mean[g] /= n
	}
	return mean
}

// GeneIndex returns a map from gene name to row index.
func (e *Expr) GeneIndex() map[string]int {
	idx := make(map[string]int, len(e.Genes))
	for i, g := range e.Genes {
		idx[g] = i
	}
	return idx
}

// SubsetCells returns the expression of the cells with keep[c] == true.
func (e *Expr) SubsetCells(keep []bool) *Expr {
	out := &Expr{Genes: e.Genes}
	for c, k := range keep {
		if k {
			out.Cells = append(out.Cells, e.Cells[c])
			out.Cols = append(out.Cols, e.Cols[c])
		}
	}
	return out
}
