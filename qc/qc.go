// Package qc computes per-cell quality metrics and removes low quality cells
// and rarely detected genes.
package qc

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/cellmeta"
	"github.com/grailbio/scrna/countmat"
)

// Metadata column names written by Annotate.
const (
	ColNFeature    = "nFeature"
	ColNCount      = "nCount"
	ColPercentMito = "percentMito"
)

// Opts holds the QC thresholds. Cells are kept when all of the per-cell
// bounds hold; genes are kept when detected in at least MinCellsPerGene
// cells.
type Opts struct {
	// MinFeatures and MaxFeatures bound the number of detected genes per cell.
	MinFeatures int
	MaxFeatures int
	// MinCounts and MaxCounts bound the total UMI count per cell.
	MinCounts int64
	MaxCounts int64
	// MaxPercentMito is the ceiling on the percentage of counts from
	// mitochondrial genes.
	MaxPercentMito float64
	// MinCellsPerGene drops genes detected in fewer cells.
	MinCellsPerGene int
	// MitoPrefix identifies mitochondrial genes by symbol ("mt-" for mouse).
	MitoPrefix string
}

// DefaultOpts are the thresholds used for the lung macrophage data.
var DefaultOpts = Opts{
	MinFeatures:     200,
	MaxFeatures:     6000,
	MinCounts:       500,
	MaxCounts:       50000,
	MaxPercentMito:  10,
	MinCellsPerGene: 3,
	MitoPrefix:      "mt-",
}

// Metrics are the per-cell QC values.
type Metrics struct {
	NFeature    []int
	NCount      []int64
	PercentMito []float64
}

// Stats summarizes a Filter call.
type Stats struct {
	CellsIn, CellsOut int
	GenesIn, GenesOut int
	// Per-reason cell drop counts. A cell failing several bounds is counted
	// once per bound.
	LowFeatures, HighFeatures int
	LowCounts, HighCounts     int
	HighMito                  int
}

func (s Stats) String() string {
	return fmt.Sprintf("cells %d -> %d, genes %d -> %d (low features %d, high features %d, low counts %d, high counts %d, high mito %d)",
		s.CellsIn, s.CellsOut, s.GenesIn, s.GenesOut,
		s.LowFeatures, s.HighFeatures, s.LowCounts, s.HighCounts, s.HighMito)
}

// Compute returns the QC metrics of every cell in m.
func Compute(m *countmat.Matrix, mitoPrefix string) Metrics {
	mito := make([]bool, m.NGenes())
	for g, name := range m.Genes {
		mito[g] = mitoPrefix != "" && strings.HasPrefix(name, mitoPrefix)
	}
	q := Metrics{
		NFeature:    m.NFeatures(),
		NCount:      m.ColSum(),
		PercentMito: make([]float64, m.NCells()),
	}
	for c, col := range m.Cols {
		var n int64
		for i, g := range col.Index {
			if mito[g] {
				n += int64(col.Count[i])
			}
		}
		if q.NCount[c] > 0 {
			q.PercentMito[c] = 100 * float64(n) / float64(q.NCount[c])
		}
	}
	return q
}

// Annotate adds the QC metrics as columns of meta.
func Annotate(meta *cellmeta.Table, q Metrics) error {
	nf := make([]float64, len(q.NFeature))
	nc := make([]float64, len(q.NCount))
	for i := range nf {
		nf[i] = float64(q.NFeature[i])
		nc[i] = float64(q.NCount[i])
	}
	if err := meta.AddFloat(ColNFeature, nf); err != nil {
		return err
	}
	if err := meta.AddFloat(ColNCount, nc); err != nil {
		return err
	}
	return meta.AddFloat(ColPercentMito, q.PercentMito)
}

// Filter drops rarely detected genes and then cells outside the QC bounds.
// The matrix columns and metadata rows are removed together; meta must have
// one row per cell of m, in the same order. The QC metrics of the surviving
// cells are added to meta before it is subset.
func Filter(m *countmat.Matrix, meta *cellmeta.Table, opts Opts) (*countmat.Matrix, *cellmeta.Table, Stats, error) {
	if meta.Len() != m.NCells() {
		return nil, nil, Stats{}, fmt.Errorf("qc: %d metadata rows for %d cells", meta.Len(), m.NCells())
	}
	for i, c := range meta.Cells() {
		if m.Cells[i] != c {
			return nil, nil, Stats{}, fmt.Errorf("qc: metadata row %d is cell %s, matrix column is %s", i, c, m.Cells[i])
		}
	}
	stats := Stats{CellsIn: m.NCells(), GenesIn: m.NGenes()}

	nz := m.RowNonZero()
	keepGene := make([]bool, m.NGenes())
	for g, n := range nz {
		keepGene[g] = n >= opts.MinCellsPerGene
		if keepGene[g] {
			stats.GenesOut++
		}
	}
	m = m.SubsetGenes(keepGene)

	q := Compute(m, opts.MitoPrefix)
	keepCell := make([]bool, m.NCells())
	for c := range keepCell {
		keep := true
		if q.NFeature[c] < opts.MinFeatures {
			stats.LowFeatures++
			keep = false
		}
		if opts.MaxFeatures > 0 && q.NFeature[c] > opts.MaxFeatures {
			stats.HighFeatures++
			keep = false
		}
		if q.NCount[c] < opts.MinCounts {
			stats.LowCounts++
			keep = false
		}
		if opts.MaxCounts > 0 && q.NCount[c] > opts.MaxCounts {
			stats.HighCounts++
			keep = false
		}
		if q.PercentMito[c] > opts.MaxPercentMito {
			stats.HighMito++
			keep = false
		}
		keepCell[c] = keep
		if keep {
			stats.CellsOut++
		}
	}
	if stats.CellsOut == 0 {
		return nil, nil, stats, fmt.Errorf("qc: no cells pass the filters (%v)", stats)
	}
	if err := Annotate(meta, q); err != nil {
		return nil, nil, stats, err
	}
	m = m.SubsetCells(keepCell)
	meta = meta.Subset(keepCell)
	log.Printf("qc: %v", stats)
	return m, meta, stats, nil
}
