// Package pseudobulk sums single-cell counts into one column per biological
// replicate and filters lowly expressed genes before differential testing.
package pseudobulk

import (
	"context"
	"fmt"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/countmat"
	"github.com/grailbio/scrna/scobj"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/mat"
)

// Matrix is a genes x samples count matrix.
type Matrix struct {
	Genes   []string
	Samples []string
	Counts  *mat.Dense
}

// Aggregate sums the columns of m by labels, one label per cell. Output
// columns appear in the order in which labels are first seen.
func Aggregate(m *countmat.Matrix, labels []string) (*Matrix, error) {
	if len(labels) != m.NCells() {
		return nil, fmt.Errorf("pseudobulk: %d labels for %d cells", len(labels), m.NCells())
	}
	col := map[string]int{}
	var samples []string
	for c, l := range labels {
		if l == "" {
			return nil, fmt.Errorf("pseudobulk: cell %s: %w", m.Cells[c], ErrMissingLabel)
		}
		if _, ok := col[l]; !ok {
			col[l] = len(samples)
			samples = append(samples, l)
		}
	}
	if len(samples) == 0 {
		return nil, errors.E("pseudobulk: no cells")
	}
	counts := mat.NewDense(m.NGenes(), len(samples), nil)
	for c, cc := range m.Cols {
		j := col[labels[c]]
		for i, g := range cc.Index {
			counts.Set(int(g), j, counts.At(int(g), j)+float64(cc.Count[i]))
		}
	}
	return &Matrix{Genes: m.Genes, Samples: samples, Counts: counts}, nil
}

// AggregateMeta aggregates obj by the metadata column sampleCol. When
// subsetCol is non-empty only cells whose subsetCol equals subsetValue are
// used.
func AggregateMeta(obj *scobj.Object, sampleCol, subsetCol, subsetValue string) (*Matrix, error) {
	labels, err := obj.Meta.String(sampleCol)
	if err != nil {
		return nil, err
	}
	m := obj.Counts
	if subsetCol != "" {
		vals, err := obj.Meta.String(subsetCol)
		if err != nil {
			return nil, err
		}
		keep := make([]bool, len(vals))
		var sub []string
		for i, v := range vals {
			if keep[i] = v == subsetValue; keep[i] {
				sub = append(sub, labels[i])
			}
		}
		if len(sub) == 0 {
			return nil, errors.E(fmt.Sprintf("pseudobulk: no cells with %s == %s", subsetCol, subsetValue))
		}
		log.Printf("pseudobulk: %d of %d cells with %s == %s", len(sub), len(vals), subsetCol, subsetValue)
		m, labels = m.SubsetCells(keep), sub
	}
	return Aggregate(m, labels)
}

// ColSums returns the total count of each sample.
func (b *Matrix) ColSums() []float64 {
	r, c := b.Counts.Dims()
	sums := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sums[j] += b.Counts.At(i, j)
		}
	}
	return sums
}

// Row returns the counts of gene g.
func (b *Matrix) Row(g int) []float64 {
	return mat.Row(nil, g, b.Counts)
}

// Opts controls the low-count filter.
type Opts struct {
	// MinCount is the count a sample must reach for a gene to count as
	// expressed in it.
	MinCount float64
	// MinSamples is the number of samples in which a gene must be expressed.
	MinSamples int
}

// DefaultOpts keeps genes with at least 10 counts in at least 2 samples.
var DefaultOpts = Opts{MinCount: 10, MinSamples: 2}

// FilterLowCounts returns the genes of b expressed in at least
// opts.MinSamples samples. Applying it to its own output returns the same
// matrix.
func FilterLowCounts(b *Matrix, opts Opts) *Matrix {
	r, c := b.Counts.Dims()
	var keep []int
	for i := 0; i < r; i++ {
		var n int
		for j := 0; j < c; j++ {
			if b.Counts.At(i, j) >= opts.MinCount {
				n++
			}
		}
		if n >= opts.MinSamples {
			keep = append(keep, i)
		}
	}
	out := &Matrix{Samples: b.Samples}
	if len(keep) == 0 {
		log.Error.Printf("pseudobulk: no gene passes the low count filter")
		out.Counts = &mat.Dense{}
		return out
	}
	out.Counts = mat.NewDense(len(keep), c, nil)
	for k, i := range keep {
		out.Genes = append(out.Genes, b.Genes[i])
		out.Counts.SetRow(k, mat.Row(nil, i, b.Counts))
	}
	log.Printf("pseudobulk: %d of %d genes pass the low count filter", len(keep), r)
	return out
}

// NGenes returns the number of genes.
func (b *Matrix) NGenes() int { return len(b.Genes) }

// Write writes b as TSV with a "gene" column followed by one column per
// sample.
func (b *Matrix) Write(ctx context.Context, path string) (err error) {
	out, err := util.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	w := tsv.NewWriter(out)
	w.WriteString("gene")
	for _, s := range b.Samples {
		w.WriteString(s)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for i, g := range b.Genes {
		w.WriteString(g)
		for j := range b.Samples {
			w.WriteString(strconv.FormatFloat(b.Counts.At(i, j), 'f', -1, 64))
		}
		if err = w.EndLine(); err != nil {
			return errors.E(err, "write", path)
		}
	}
	return w.Flush()
}

// Read reads a matrix written by Write.
func Read(ctx context.Context, path string) (*Matrix, error) {
	t, err := util.ReadTable(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(t.Header) < 2 || t.Header[0] != "gene" {
		return nil, errors.E("read", path, `expect "gene" followed by sample columns`)
	}
	if len(t.Rows) == 0 {
		return nil, errors.E("read", path, "no genes")
	}
	b := &Matrix{Samples: t.Header[1:], Counts: mat.NewDense(len(t.Rows), len(t.Header)-1, nil)}
	for i, row := range t.Rows {
		b.Genes = append(b.Genes, row[0])
		for j, s := range row[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.E(err, "read", path, row[0])
			}
			b.Counts.Set(i, j, v)
		}
	}
	return b, nil
}
