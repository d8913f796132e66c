package annotate

import (
	"math"
	"testing"

	"github.com/grailbio/scrna/cellmeta"
	"github.com/grailbio/scrna/countmat"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/testutil/h"
	"gonum.org/v1/gonum/mat"
)

func near(t *testing.T, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("got %v, want %v (+-%v)", got, want, tol)
	}
}

func TestLogNormalize(t *testing.T) {
	m := countmat.FromDense([]string{"a", "b"}, []string{"c1", "c2"}, [][]int32{
		{1, 0},
		{3, 0},
	})
	e := LogNormalize(m, 100)
	expect.EQ(t, e.Cols[0].Index, []int32{0, 1})
	near(t, e.Cols[0].Value[0], math.Log1p(25), 1e-12)
	near(t, e.Cols[0].Value[1], math.Log1p(75), 1e-12)
	expect.EQ(t, len(e.Cols[1].Value), 0)
}

func TestClusterTwoCliques(t *testing.T) {
	var nn [][]Neighbor
	for i := 0; i < 10; i++ {
		var list []Neighbor
		lo := (i / 5) * 5
		for j := lo; j < lo+5; j++ {
			if j != i {
				list = append(list, Neighbor{Index: j, Dist: 1})
			}
		}
		nn = append(nn, list)
	}
	opts := DefaultClusterOpts
	opts.Resolution = 1
	labels := Cluster(nn, opts)
	expect.EQ(t, labels, []string{"0", "0", "0", "0", "0", "1", "1", "1", "1", "1"})
}

func TestKNN(t *testing.T) {
	emb := mat.NewDense(4, 1, []float64{0, 1, 3, 10})
	nn, err := KNN(emb, 2)
	assert.NoError(t, err)
	expect.EQ(t, nn[0], []Neighbor{{1, 1}, {2, 3}})
	expect.EQ(t, nn[3], []Neighbor{{2, 7}, {1, 9}})
	// k larger than the number of other cells is capped.
	nn, err = KNN(emb, 10)
	assert.NoError(t, err)
	expect.EQ(t, len(nn[0]), 3)
}

func TestPCASign(t *testing.T) {
	x := mat.NewDense(5, 2, []float64{
		-2, -1,
		-1, -0.5,
		0, 0,
		1, 0.5,
		2, 1,
	})
	scores, sdev, err := PCA(x, 1)
	assert.NoError(t, err)
	r, c := scores.Dims()
	expect.EQ(t, r, 5)
	expect.EQ(t, c, 1)
	expect.EQ(t, len(sdev), 1)
	near(t, scores.At(4, 0), 2*math.Sqrt(1.25), 1e-9)
	near(t, scores.At(0, 0), -2*math.Sqrt(1.25), 1e-9)
	near(t, scores.At(2, 0), 0, 1e-9)
}

func TestVariableGenes(t *testing.T) {
	// Every cell has 50 counts, so "flat" does not vary after normalization.
	m := countmat.FromDense([]string{"flat", "var", "zero", "filler"}, []string{"c1", "c2", "c3", "c4"}, [][]int32{
		{10, 10, 10, 10},
		{1, 30, 2, 40},
		{0, 0, 0, 0},
		{39, 10, 38, 0},
	})
	e := LogNormalize(m, 100)
	expect.That(t, VariableGenes(e, 2, 1), h.ElementsAre(1, 3))
}

func TestCellCycle(t *testing.T) {
	genes := []string{"s1", "s2", "g1", "g2", "c1", "c2", "c3", "c4"}
	e := &Expr{
		Genes: genes,
		Cells: []string{"s", "g2m", "g1"},
		Cols: []Vec{
			{Index: []int32{0, 1}, Value: []float64{2, 2}},
			{Index: []int32{2, 3}, Value: []float64{2, 2}},
			{Index: []int32{4, 5, 6, 7}, Value: []float64{1, 1, 1, 1}},
		},
	}
	s, g2m, phase, ok := CellCycle(e, []string{"s1", "s2", "missing"}, []string{"g1", "g2"}, 1)
	expect.True(t, ok)
	expect.EQ(t, phase, []string{PhaseS, PhaseG2M, PhaseG1})
	near(t, s[0], 2, 1e-12)
	near(t, g2m[1], 2, 1e-12)
	near(t, s[2], -4.0/6, 1e-12)

	_, _, _, ok = CellCycle(e, []string{"nope"}, []string{"g1"}, 1)
	expect.False(t, ok)
}

func TestMarkers(t *testing.T) {
	e := &Expr{
		Genes: []string{"a", "b", "c"},
		Cells: []string{"1", "2", "3", "4", "5", "6"},
	}
	for c := 0; c < 6; c++ {
		own := int32(0)
		if c >= 3 {
			own = 1
		}
		e.Cols = append(e.Cols, Vec{Index: []int32{own, 2}, Value: []float64{1, 0.5}})
	}
	clusters := []string{"A", "A", "A", "B", "B", "B"}
	markers, err := Markers(e, clusters, DefaultMarkerOpts)
	assert.NoError(t, err)
	expect.EQ(t, len(markers), 2)
	expect.EQ(t, markers[0].Cluster, "A")
	expect.EQ(t, markers[0].Gene, "a")
	expect.EQ(t, markers[1].Cluster, "B")
	expect.EQ(t, markers[1].Gene, "b")
	expect.EQ(t, markers[0].Pct1, 1.0)
	expect.EQ(t, markers[0].Pct2, 0.0)
	near(t, markers[0].AvgLog2FC, math.Log2(math.E), 1e-9)
	near(t, markers[0].PValue, 0.0469, 5e-4)

	_, err = Markers(e, []string{"A", "A", "A", "A", "A", "A"}, DefaultMarkerOpts)
	expect.NotNil(t, err)
}

func TestTransferLabels(t *testing.T) {
	ref := &Reference{
		Genes:  []string{"g1", "g2", "g3", "g4", "g5", "g6"},
		Labels: []string{"AM", "IM"},
		Profile: [][]float64{
			{1, 6}, {2, 5}, {3, 4}, {4, 3}, {5, 2}, {6, 1},
		},
	}
	e := &Expr{
		Genes: []string{"g6", "g5", "g4", "g3", "g2", "g1", "other"},
		Cells: []string{"up", "down"},
		Cols: []Vec{
			{Index: []int32{0, 1, 2, 3, 4, 5}, Value: []float64{6, 5, 4, 3, 2, 1}},
			{Index: []int32{0, 1, 2, 3, 4, 5}, Value: []float64{1, 2, 3, 4, 5, 6}},
		},
	}
	labels, scores, err := TransferLabels(e, ref)
	assert.NoError(t, err)
	expect.EQ(t, labels, []string{"AM", "IM"})
	near(t, scores[0], 1, 1e-9)
	near(t, scores[1], 1, 1e-9)

	ref.Genes = []string{"x1", "x2", "x3", "g1", "g2", "g3"}
	_, _, err = TransferLabels(e, ref)
	assert.HasSubstr(t, err.Error(), "shared with reference")
}

// twoPopulations returns 20 cells: the first ten express genes a1..a5, the
// last ten b1..b5.
func twoPopulations() *countmat.Matrix {
	genes := []string{"a1", "a2", "a3", "a4", "a5", "b1", "b2", "b3", "b4", "b5"}
	var cells []string
	rows := make([][]int32, len(genes))
	for c := 0; c < 20; c++ {
		cells = append(cells, "cell"+string(rune('A'+c)))
		for g := range genes {
			var n int32
			if (c < 10) == (g < 5) {
				n = int32(40 + (c*7+g*3)%11)
			}
			rows[g] = append(rows[g], n)
		}
	}
	return countmat.FromDense(genes, cells, rows)
}

func TestRun(t *testing.T) {
	m := twoPopulations()
	meta, err := cellmeta.New(m.Cells)
	assert.NoError(t, err)
	opts := DefaultOpts
	opts.BatchCol = ""
	opts.NPCs = 5
	opts.Cluster.Neighbors = 5
	opts.Cluster.Resolution = 0.1
	res, err := Run(m, meta, nil, opts)
	assert.NoError(t, err)
	r, c := res.Embedding.Dims()
	expect.EQ(t, r, 20)
	expect.EQ(t, c, 5)

	clusters, err := meta.String(ColCluster)
	assert.NoError(t, err)
	first := map[string]bool{}
	for _, l := range clusters[:10] {
		first[l] = true
	}
	for _, l := range clusters[10:] {
		expect.False(t, first[l])
	}
	expect.True(t, len(res.Markers) > 0)
}
