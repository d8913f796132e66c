package qc

import (
	"testing"

	"github.com/grailbio/scrna/cellmeta"
	"github.com/grailbio/scrna/countmat"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestCompute(t *testing.T) {
	m := countmat.FromDense(
		[]string{"Actb", "mt-Co1", "Lyz2"},
		[]string{"c1", "c2"},
		[][]int32{{8, 0}, {2, 5}, {0, 5}})
	q := Compute(m, "mt-")
	expect.EQ(t, q.NFeature, []int{2, 2})
	expect.EQ(t, q.NCount, []int64{10, 10})
	expect.EQ(t, q.PercentMito, []float64{20, 50})
}

func TestFilterKeepsMatrixAndMetadataPaired(t *testing.T) {
	genes := []string{"Actb", "mt-Co1", "Lyz2", "Rare"}
	cells := []string{"ok1", "mito", "ok2", "small"}
	m := countmat.FromDense(genes, cells, [][]int32{
		{50, 10, 40, 1},
		{1, 30, 2, 0},
		{20, 10, 30, 1},
		{0, 0, 3, 0},
	})
	meta, err := cellmeta.New(cells)
	assert.NoError(t, err)
	assert.NoError(t, meta.AddString("sample", []string{"WT_1", "WT_1", "KO_1", "KO_1"}))

	opts := Opts{
		MinFeatures:     2,
		MinCounts:       10,
		MaxPercentMito:  25,
		MinCellsPerGene: 2,
		MitoPrefix:      "mt-",
	}
	fm, fmeta, stats, err := Filter(m, meta, opts)
	assert.NoError(t, err)
	expect.EQ(t, fm.Genes, []string{"Actb", "mt-Co1", "Lyz2"})
	expect.EQ(t, fm.Cells, []string{"ok1", "ok2"})
	expect.EQ(t, fmeta.Cells(), fm.Cells)
	samples, err := fmeta.String("sample")
	assert.NoError(t, err)
	expect.EQ(t, samples, []string{"WT_1", "KO_1"})
	nc, err := fmeta.Float(ColNCount)
	assert.NoError(t, err)
	expect.EQ(t, nc, []float64{71, 72})
	expect.EQ(t, stats.CellsIn, 4)
	expect.EQ(t, stats.CellsOut, 2)
	expect.EQ(t, stats.GenesOut, 3)
	expect.EQ(t, stats.HighMito, 1)
	expect.EQ(t, stats.LowCounts, 1)
}

func TestFilterRejectsMisorderedMetadata(t *testing.T) {
	m := countmat.FromDense([]string{"A"}, []string{"c1", "c2"}, [][]int32{{1, 1}})
	meta, err := cellmeta.New([]string{"c2", "c1"})
	assert.NoError(t, err)
	_, _, _, err = Filter(m, meta, DefaultOpts)
	assert.HasSubstr(t, err.Error(), "metadata row 0")
}
