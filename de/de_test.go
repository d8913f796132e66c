package de

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/grailbio/scrna/countmat"
	"github.com/grailbio/scrna/pseudobulk"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func sampleTable(t *testing.T, ids, cond []string) *pseudobulk.SampleTable {
	st, err := pseudobulk.NewSampleTable(ids)
	require.NoError(t, err)
	require.NoError(t, st.Add("condition", cond))
	return st
}

func TestNewDatasetAlignsByName(t *testing.T) {
	bulk := &pseudobulk.Matrix{
		Genes:   []string{"g"},
		Samples: []string{"B_1", "A_1", "A_2", "B_2"},
		Counts:  mat.NewDense(1, 4, []float64{1, 2, 3, 4}),
	}
	st := sampleTable(t, []string{"A_1", "A_2", "B_1", "B_2"}, []string{"A", "A", "B", "B"})
	ds, err := NewDataset(bulk, st, "condition")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A", "A", "B"}, ds.Condition)
	assert.Equal(t, []string{"B", "A"}, ds.Levels())
}

func TestNewDatasetMisaligned(t *testing.T) {
	bulk := &pseudobulk.Matrix{
		Genes:   []string{"g"},
		Samples: []string{"A_1", "A_2", "B_1"},
		Counts:  mat.NewDense(1, 3, []float64{1, 2, 3}),
	}
	for _, ids := range [][]string{
		{"A_1", "A_2", "B_2"},        // renamed
		{"A_1", "A_2"},               // missing
		{"A_1", "A_2", "B_1", "B_2"}, // extra
	} {
		cond := make([]string, len(ids))
		for i := range cond {
			cond[i] = ids[i][:1]
		}
		_, err := NewDataset(bulk, sampleTable(t, ids, cond), "condition")
		require.Error(t, err, "%v", ids)
		assert.True(t, errors.Is(err, ErrMisaligned), "%v", err)
	}
	_, err := NewDataset(bulk, sampleTable(t, []string{"A_1", "A_2", "B_1"}, []string{"A", "A", "B"}), "genotype")
	assert.Error(t, err)
}

func TestContrasts(t *testing.T) {
	assert.Equal(t, []Contrast{{"B", "A"}}, Contrasts([]string{"A", "B"}))
	cs := Contrasts([]string{"WT", "KO", "DKO"})
	assert.Equal(t, 3, len(cs))
	assert.Equal(t, "DKO_vs_KO", cs[2].String())
}

func TestParseContrast(t *testing.T) {
	c, err := ParseContrast("KO_vs_WT")
	require.NoError(t, err)
	assert.Equal(t, Contrast{"KO", "WT"}, c)
	for _, s := range []string{"", "KO", "_vs_WT", "KO_vs_", "KO_vs_KO"} {
		_, err := ParseContrast(s)
		assert.Error(t, err, s)
	}
}

func TestContrastFollowsSampleOrder(t *testing.T) {
	ids := []string{"WT_1", "WT_2", "KO_1", "KO_2"}
	bulk := &pseudobulk.Matrix{
		Genes:   []string{"g"},
		Samples: ids,
		Counts:  mat.NewDense(1, 4, []float64{1, 2, 3, 4}),
	}
	ds, err := NewDataset(bulk, sampleTable(t, ids, []string{"WT", "WT", "KO", "KO"}), "condition")
	require.NoError(t, err)
	cs := Contrasts(ds.Levels())
	require.Equal(t, 1, len(cs))
	assert.Equal(t, "KO_vs_WT", cs[0].String())
}

func TestSizeFactors(t *testing.T) {
	counts := mat.NewDense(3, 2, []float64{
		10, 20,
		5, 10,
		0, 7,
	})
	sf, err := SizeFactors(counts)
	require.NoError(t, err)
	assert.InDelta(t, 1/math.Sqrt2, sf[0], 1e-12)
	assert.InDelta(t, math.Sqrt2, sf[1], 1e-12)

	// No gene is positive everywhere: factors follow the column totals.
	sf, err = SizeFactors(mat.NewDense(2, 2, []float64{
		4, 0,
		0, 16,
	}))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sf[0], 1e-12)
	assert.InDelta(t, 2, sf[1], 1e-12)

	_, err = SizeFactors(mat.NewDense(2, 3, []float64{
		4, 0, 1,
		3, 0, 0,
	}))
	assert.Error(t, err)
}

// scenario builds twelve cells in four replicates (A_1, A_2, B_1, B_2; three
// cells each). G1 is ten times higher in A; G2-G4 are flat.
func scenario(t *testing.T) (*countmat.Matrix, []string) {
	genes := []string{"G1", "G2", "G3", "G4"}
	reps := []string{"A_1", "A_2", "B_1", "B_2"}
	var cells, labels []string
	rows := make([][]int32, len(genes))
	for r, rep := range reps {
		for k := 0; k < 3; k++ {
			cells = append(cells, rep+"_"+string(rune('a'+k)))
			labels = append(labels, rep)
			g1 := int32(10 + k)
			if r < 2 {
				g1 *= 10
			}
			rows[0] = append(rows[0], g1)
			rows[1] = append(rows[1], int32(50+k+r))
			rows[2] = append(rows[2], int32(80-k+r))
			rows[3] = append(rows[3], int32(30+(k+r)%2))
		}
	}
	return countmat.FromDense(genes, cells, rows), labels
}

func TestEndToEndTopHit(t *testing.T) {
	m, labels := scenario(t)
	bulk, err := pseudobulk.Aggregate(m, labels)
	require.NoError(t, err)
	r, c := bulk.Counts.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 4, c)

	st := sampleTable(t, []string{"B_2", "B_1", "A_2", "A_1"}, []string{"B", "B", "A", "A"})
	ds, err := NewDataset(bulk, st, "condition")
	require.NoError(t, err)
	res, err := NewNBWald().Test(context.Background(), ds, Contrast{"A", "B"})
	require.NoError(t, err)
	shrunk, err := Shrink(res, ShrinkNormal)
	require.NoError(t, err)

	for _, rs := range []*Results{res, shrunk} {
		top := rs.ByEffect()[0]
		assert.Equal(t, "G1", top.Gene)
		assert.True(t, top.Effect() > 0)
	}
	g1 := res.Genes[0]
	assert.InDelta(t, math.Log2(10), g1.Log2FC, 0.2)
	assert.True(t, g1.PValue < 0.01, "p=%v", g1.PValue)
	for _, g := range res.Genes[1:] {
		assert.True(t, math.Abs(g.Log2FC) < 0.3, "%s %v", g.Gene, g.Log2FC)
	}
	assert.Equal(t, "G1", res.Sorted()[0].Gene)
	assert.Equal(t, []string{"G1"}, GeneNames(res.Significant(0.05, 1)))
}

// ramp returns a dataset of 40 genes, three replicates per condition, whose
// fold changes grow with the gene index.
func ramp(t *testing.T) *Dataset {
	nGenes := 40
	samples := []string{"A_1", "A_2", "A_3", "B_1", "B_2", "B_3"}
	cond := []string{"A", "A", "A", "B", "B", "B"}
	counts := mat.NewDense(nGenes, len(samples), nil)
	var genes []string
	for g := 0; g < nGenes; g++ {
		genes = append(genes, "g"+string(rune('A'+g/26))+string(rune('a'+g%26)))
		base := 20 + float64(g%7)*15
		fc := 1 + float64(g)/10
		for j := range samples {
			noise := float64((g*13+j*7)%9) - 4
			v := base + noise
			if j < 3 {
				v = v*fc + noise
			}
			counts.Set(g, j, math.Max(0, math.Round(v)))
		}
	}
	bulk := &pseudobulk.Matrix{Genes: genes, Samples: samples, Counts: counts}
	ds, err := NewDataset(bulk, sampleTable(t, samples, cond), "condition")
	require.NoError(t, err)
	return ds
}

func subset(a, b []string) bool {
	in := map[string]bool{}
	for _, x := range b {
		in[x] = true
	}
	for _, x := range a {
		if !in[x] {
			return false
		}
	}
	return true
}

func TestThresholdMonotonicity(t *testing.T) {
	res, err := NewNBWald().Test(context.Background(), ramp(t), Contrast{"A", "B"})
	require.NoError(t, err)
	res, err = Shrink(res, ShrinkNormal)
	require.NoError(t, err)

	padjs := []float64{1e-6, 1e-4, 0.01, 0.05, 0.1, 0.5, 1}
	lfcs := []float64{0, 0.25, 0.5, 1, 2}
	for _, lfc := range lfcs {
		for i := 1; i < len(padjs); i++ {
			loose := GeneNames(res.Significant(padjs[i], lfc))
			strict := GeneNames(res.Significant(padjs[i-1], lfc))
			assert.True(t, subset(strict, loose), "padj %v vs %v at lfc %v", padjs[i-1], padjs[i], lfc)
		}
	}
	for _, p := range padjs {
		for i := 1; i < len(lfcs); i++ {
			loose := GeneNames(res.Significant(p, lfcs[i-1]))
			strict := GeneNames(res.Significant(p, lfcs[i]))
			assert.True(t, subset(strict, loose), "lfc %v vs %v at padj %v", lfcs[i-1], lfcs[i], p)
		}
	}
	assert.True(t, len(res.Significant(0.05, 0)) > 0)
}

func TestShrinkDeterministic(t *testing.T) {
	ds := ramp(t)
	res, err := NewNBWald().Test(context.Background(), ds, Contrast{"A", "B"})
	require.NoError(t, err)
	a, err := Shrink(res, ShrinkNormal)
	require.NoError(t, err)
	b, err := Shrink(res, ShrinkNormal)
	require.NoError(t, err)
	assert.Equal(t, a.Genes, b.Genes)
	for i, g := range a.Genes {
		assert.True(t, math.Abs(g.Shrunk) <= math.Abs(g.Log2FC)+1e-12, g.Gene)
		assert.True(t, math.IsNaN(res.Genes[i].Shrunk))
	}
	none, err := Shrink(res, ShrinkNone)
	require.NoError(t, err)
	assert.Equal(t, none.Genes[3].Log2FC, none.Genes[3].Shrunk)
	_, err = Shrink(res, "apeglm")
	assert.Error(t, err)
}

func TestTestErrors(t *testing.T) {
	ds := ramp(t)
	_, err := NewNBWald().Test(context.Background(), ds, Contrast{"A", "C"})
	assert.Error(t, err)

	bulk := &pseudobulk.Matrix{Genes: []string{"g"}, Samples: []string{"a", "b"}, Counts: mat.NewDense(1, 2, []float64{1, 2})}
	one, err := NewDataset(bulk, sampleTable(t, []string{"a", "b"}, []string{"A", "B"}), "condition")
	require.NoError(t, err)
	_, err = NewNBWald().Test(context.Background(), one, Contrast{"A", "B"})
	assert.Error(t, err)

	_, err = (&NBWald{}).Test(context.Background(), ds, Contrast{"A", "B"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown correction method")
}

func TestWriteReadResults(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	rs := []Result{
		{Gene: "G1", BaseMean: 100, Log2FC: 3.3, LfcSE: 0.2, Stat: 16.5, PValue: 1e-10, PAdj: 4e-10, Shrunk: 3.1},
		{Gene: "G2", BaseMean: 0, PValue: math.NaN(), PAdj: math.NaN(), LfcSE: math.NaN(), Stat: math.NaN(), Shrunk: math.NaN()},
	}
	path := filepath.Join(dir, "de.tsv")
	require.NoError(t, WriteResults(ctx, path, rs))
	got, err := ReadResults(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 2, len(got))
	assert.Equal(t, "G1", got[0].Gene)
	assert.InDelta(t, 3.1, got[0].Shrunk, 1e-9)
	assert.True(t, math.IsNaN(got[1].PAdj))
}
