// Copyright 2021 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package countmat holds single-cell count matrices. A Matrix is stored as
// one sparse column per cell; rows are genes.
package countmat

import (
	"fmt"
	"sort"
)

// Col is the sparse count vector of one cell. Index holds gene (row)
// indices in strictly increasing order; Count holds the matching counts.
type Col struct {
	Index []int32
	Count []int32
}

// Matrix is a genes x cells count matrix.
type Matrix struct {
	Genes []string
	Cells []string
	Cols  []Col
}

// NGenes returns the number of rows.
func (m *Matrix) NGenes() int { return len(m.Genes) }

// NCells returns the number of columns.
func (m *Matrix) NCells() int { return len(m.Cells) }

// Validate checks the structural invariants of m.
func (m *Matrix) Validate() error {
	if len(m.Cols) != len(m.Cells) {
		return fmt.Errorf("countmat: %d columns for %d cells", len(m.Cols), len(m.Cells))
	}
	for c, col := range m.Cols {
		if len(col.Index) != len(col.Count) {
			return fmt.Errorf("countmat: cell %s: %d indices, %d counts", m.Cells[c], len(col.Index), len(col.Count))
		}
		prev := int32(-1)
		for _, g := range col.Index {
			if g <= prev || int(g) >= len(m.Genes) {
				return fmt.Errorf("countmat: cell %s: bad gene index %d", m.Cells[c], g)
			}
			prev = g
		}
	}
	return nil
}

// ColSum returns the total count of each cell.
func (m *Matrix) ColSum() []int64 {
	s := make([]int64, len(m.Cols))
	for c, col := range m.Cols {
		for _, v := range col.Count {
			s[c] += int64(v)
		}
	}
	return s
}

// NFeatures returns the number of genes with a non-zero count in each cell.
func (m *Matrix) NFeatures() []int {
	n := make([]int, len(m.Cols))
	for c, col := range m.Cols {
		for _, v := range col.Count {
			if v != 0 {
				n[c]++
			}
		}
	}
	return n
}

// RowNonZero returns, for each gene, the number of cells with a non-zero count.
func (m *Matrix) RowNonZero() []int {
	n := make([]int, len(m.Genes))
	for _, col := range m.Cols {
		for i, g := range col.Index {
			if col.Count[i] != 0 {
				n[g]++
			}
		}
	}
	return n
}

// Sum returns the total count of the matrix.
func (m *Matrix) Sum() int64 {
	var s int64
	for _, v := range m.ColSum() {
		s += v
	}
	return s
}

// At returns the count of gene g in cell c.
func (m *Matrix) At(g, c int) int32 {
	col := m.Cols[c]
	i := sort.Search(len(col.Index), func(i int) bool { return col.Index[i] >= int32(g) })
	if i < len(col.Index) && col.Index[i] == int32(g) {
		return col.Count[i]
	}
	return 0
}

// GeneIndex returns a map from gene name to row index.
func (m *Matrix) GeneIndex() map[string]int {
	idx := make(map[string]int, len(m.Genes))
	for i, g := range m.Genes {
		idx[g] = i
	}
	return idx
}

// SubsetCells returns a matrix holding the cells with keep[c] == true. The
// column slices are shared with m.
//
// REQUIRES: len(keep) == m.NCells()
func (m *Matrix) SubsetCells(keep []bool) *Matrix {
	if len(keep) != len(m.Cells) {
		panic(fmt.Sprintf("countmat: keep has %d entries for %d cells", len(keep), len(m.Cells)))
	}
	out := &Matrix{Genes: m.Genes}
	for c, k := range keep {
		if k {
			out.Cells = append(out.Cells, m.Cells[c])
			out.Cols = append(out.Cols, m.Cols[c])
		}
	}
	return out
}

// SubsetGenes returns a matrix holding the genes with keep[g] == true.
// Gene indices are renumbered.
//
// REQUIRES: len(keep) == m.NGenes()
func (m *Matrix) SubsetGenes(keep []bool) *Matrix {
	if len(keep) != len(m.Genes) {
		panic(fmt.Sprintf("countmat: keep has %d entries for %d genes", len(keep), len(m.Genes)))
	}
	remap := make([]int32, len(m.Genes))
	out := &Matrix{Cells: m.Cells, Cols: make([]Col, len(m.Cols))}
	for g, k := range keep {
		remap[g] = -1
		if k {
			remap[g] = int32(len(out.Genes))
			out.Genes = append(out.Genes, m.Genes[g])
		}
	}
	for c, col := range m.Cols {
		var nc Col
		for i, g := range col.Index {
			if r := remap[g]; r >= 0 {
				nc.Index = append(nc.Index, r)
				nc.Count = append(nc.Count, col.Count[i])
			}
		}
		out.Cols[c] = nc
	}
	return out
}

// Rows returns dense count rows for the given gene indices, one []float64
// of length NCells per gene.
func (m *Matrix) Rows(genes []int) [][]float64 {
	pos := make(map[int32]int, len(genes))
	rows := make([][]float64, len(genes))
	for i, g := range genes {
		pos[int32(g)] = i
		rows[i] = make([]float64, len(m.Cells))
	}
	for c, col := range m.Cols {
		for i, g := range col.Index {
			if r, ok := pos[g]; ok {
				rows[r][c] = float64(col.Count[i])
			}
		}
	}
	return rows
}

// Merge combines per-sample matrices into one. Genes are the union of the
// inputs' genes in first-seen order. Cell barcodes are prefixed with
// "<sample>_" so that they stay unique across samples.
func Merge(samples []string, ms []*Matrix) (*Matrix, error) {
	if len(samples) != len(ms) {
		return nil, fmt.Errorf("countmat.Merge: %d sample names for %d matrices", len(samples), len(ms))
	}
	out := &Matrix{}
	geneIdx := map[string]int32{}
	seen := map[string]bool{}
	for s, m := range ms {
		remap := make([]int32, len(m.Genes))
		for g, name := range m.Genes {
			id, ok := geneIdx[name]
			if !ok {
				id = int32(len(out.Genes))
				geneIdx[name] = id
				out.Genes = append(out.Genes, name)
			}
			remap[g] = id
		}
		for c, col := range m.Cols {
			cell := samples[s] + "_" + m.Cells[c]
			if seen[cell] {
				return nil, fmt.Errorf("countmat.Merge: duplicate cell %s", cell)
			}
			seen[cell] = true
			nc := Col{Index: make([]int32, len(col.Index)), Count: append([]int32(nil), col.Count...)}
			for i, g := range col.Index {
				nc.Index[i] = remap[g]
			}
			sortCol(&nc)
			out.Cells = append(out.Cells, cell)
			out.Cols = append(out.Cols, nc)
		}
	}
	return out, nil
}

type colSorter struct{ c *Col }

func (s colSorter) Len() int           { return len(s.c.Index) }
func (s colSorter) Less(i, j int) bool { return s.c.Index[i] < s.c.Index[j] }
func (s colSorter) Swap(i, j int) {
	s.c.Index[i], s.c.Index[j] = s.c.Index[j], s.c.Index[i]
	s.c.Count[i], s.c.Count[j] = s.c.Count[j], s.c.Count[i]
}

func sortCol(c *Col) {
	if !sort.IsSorted(colSorter{c}) {
		sort.Sort(colSorter{c})
	}
}

// FromDense builds a Matrix from dense rows (genes x cells). It is mostly
// useful in tests.
func FromDense(genes, cells []string, rows [][]int32) *Matrix {
	m := &Matrix{Genes: genes, Cells: cells, Cols: make([]Col, len(cells))}
	for g, row := range rows {
		for c, v := range row {
			if v != 0 {
				m.Cols[c].Index = append(m.Cols[c].Index, int32(g))
				m.Cols[c].Count = append(m.Cols[c].Count, v)
			}
		}
	}
	return m
}
