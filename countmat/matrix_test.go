package countmat

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testMatrix() *Matrix {
	return FromDense(
		[]string{"Actb", "mt-Co1", "Cd68"},
		[]string{"c1", "c2", "c3"},
		[][]int32{
			{5, 0, 2},
			{1, 3, 0},
			{0, 4, 7},
		})
}

func TestMatrixSums(t *testing.T) {
	m := testMatrix()
	assert.NoError(t, m.Validate())
	expect.EQ(t, m.ColSum(), []int64{6, 7, 9})
	expect.EQ(t, m.NFeatures(), []int{2, 2, 2})
	expect.EQ(t, m.RowNonZero(), []int{2, 2, 2})
	expect.EQ(t, m.Sum(), int64(22))
	expect.EQ(t, m.At(2, 2), int32(7))
	expect.EQ(t, m.At(0, 1), int32(0))
}

func TestSubset(t *testing.T) {
	m := testMatrix()
	s := m.SubsetCells([]bool{true, false, true})
	expect.EQ(t, s.Cells, []string{"c1", "c3"})
	expect.EQ(t, s.ColSum(), []int64{6, 9})

	g := m.SubsetGenes([]bool{true, false, true})
	expect.EQ(t, g.Genes, []string{"Actb", "Cd68"})
	expect.EQ(t, g.Rows([]int{0, 1}), [][]float64{{5, 0, 2}, {0, 4, 7}})
	assert.NoError(t, g.Validate())
}

func TestMerge(t *testing.T) {
	a := FromDense([]string{"A", "B"}, []string{"x"}, [][]int32{{1}, {2}})
	b := FromDense([]string{"B", "C"}, []string{"x"}, [][]int32{{3}, {4}})
	m, err := Merge([]string{"WT_1", "KO_1"}, []*Matrix{a, b})
	assert.NoError(t, err)
	expect.EQ(t, m.Genes, []string{"A", "B", "C"})
	expect.EQ(t, m.Cells, []string{"WT_1_x", "KO_1_x"})
	expect.EQ(t, m.Rows([]int{0, 1, 2}), [][]float64{{1, 0}, {2, 3}, {0, 4}})
	assert.NoError(t, m.Validate())

	_, err = Merge([]string{"S", "S"}, []*Matrix{a, a})
	assert.HasSubstr(t, err.Error(), "duplicate cell")
}

func TestReadMTX(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	write := func(name, data string) {
		assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(data), 0644))
	}
	write("features.tsv", "ENSMUSG1\tActb\tGene Expression\nENSMUSG2\tCd68\tGene Expression\nENSMUSG3\tCd68\tGene Expression\n")
	write("barcodes.tsv", "AAAC-1\nAAAG-1\n")
	write("matrix.mtx", `%%MatrixMarket matrix coordinate integer general
% comment
3 2 4
1 1 5
3 1 2
2 2 1
1 2 9
`)
	m, err := ReadMTX(context.Background(), dir)
	assert.NoError(t, err)
	expect.EQ(t, m.Genes, []string{"Actb", "Cd68", "Cd68.1"})
	expect.EQ(t, m.Cells, []string{"AAAC-1", "AAAG-1"})
	expect.EQ(t, m.Rows([]int{0, 1, 2}), [][]float64{{5, 9}, {0, 1}, {2, 0}})
}

func TestReadMatrixMarketErrors(t *testing.T) {
	genes := []string{"A"}
	cells := []string{"c"}
	for _, tc := range []struct{ data, err string }{
		{"", "empty"},
		{"%%MatrixMarket matrix array integer general\n1 1\n", "unsupported"},
		{"%%MatrixMarket matrix coordinate integer general\n2 1 1\n1 1 1\n", "found 1 genes"},
		{"%%MatrixMarket matrix coordinate integer general\n1 1 2\n1 1 1\n", "expect 2 entries"},
		{"%%MatrixMarket matrix coordinate real general\n1 1 1\n1 1 0.5\n", "bad count"},
	} {
		_, err := ReadMatrixMarket(strings.NewReader(tc.data), genes, cells)
		assert.HasSubstr(t, err.Error(), tc.err)
	}
}
