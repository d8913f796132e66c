package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/scrna/annotate"
	"github.com/grailbio/scrna/cellmeta"
	"github.com/grailbio/scrna/countmat"
	"github.com/grailbio/scrna/de"
	"github.com/grailbio/scrna/enrich"
	"github.com/grailbio/scrna/pseudobulk"
	"github.com/grailbio/scrna/qc"
	"github.com/grailbio/scrna/scobj"
	"github.com/grailbio/scrna/trajectory"
	"github.com/grailbio/scrna/util"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/grailbio/testutil/h"
	"v.io/x/lib/cmdline"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	status := m.Run()
	shutdown()
	os.Exit(status)
}

var testGenes = []string{
	"Marco", "Siglecf", "Itgax", "Ear2", // alveolar
	"C1qa", "C1qb", "Mrc1", "Cd63", // interstitial
	"Ccl2", "Actb", "Gapdh", "mt-Co1",
}

// write10x writes a Cell Ranger style directory. rows is genes x cells.
func write10x(t *testing.T, dir string, cells []string, rows [][]int) {
	assert.NoError(t, os.MkdirAll(dir, 0755))
	var feat, bc, mtx bytes.Buffer
	for i, g := range testGenes {
		fmt.Fprintf(&feat, "ENSMUSG%05d\t%s\tGene Expression\n", i, g)
	}
	for _, c := range cells {
		fmt.Fprintln(&bc, c)
	}
	var entries []string
	for g, row := range rows {
		for c, v := range row {
			if v > 0 {
				entries = append(entries, fmt.Sprintf("%d %d %d", g+1, c+1, v))
			}
		}
	}
	fmt.Fprintln(&mtx, "%%MatrixMarket matrix coordinate integer general")
	fmt.Fprintf(&mtx, "%d %d %d\n", len(rows), len(cells), len(entries))
	for _, e := range entries {
		fmt.Fprintln(&mtx, e)
	}
	assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, "features.tsv"), feat.Bytes(), 0644))
	assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, "barcodes.tsv"), bc.Bytes(), 0644))
	assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, "matrix.mtx"), mtx.Bytes(), 0644))
}

// sampleCounts makes ten cells of one sample: five alveolar and five
// interstitial macrophages. Ccl2 is induced in knockouts. When withBad is
// set an eleventh, nearly empty cell is appended.
func sampleCounts(s int, ko, withBad bool) ([]string, [][]int) {
	nCells := 10
	if withBad {
		nCells++
	}
	var cells []string
	for c := 0; c < nCells; c++ {
		cells = append(cells, fmt.Sprintf("BC%02d", c))
	}
	rows := make([][]int, len(testGenes))
	for g := range rows {
		rows[g] = make([]int, nCells)
		for c := 0; c < 10; c++ {
			alveolar := c < 5
			var v int
			switch {
			case g < 4 && alveolar, g >= 4 && g < 8 && !alveolar:
				v = 30 + (c+g)%4
			case g < 8:
				v = 1 + (c+g)%2
			case g == 8 && ko:
				v = 20 + c%3
			case g == 8:
				v = 2 + c%2
			case g == 11:
				v = 3 + c%2
			default:
				v = 40 + (3*c+g)%7
			}
			rows[g][c] = v + (s+g)%3
		}
	}
	if withBad {
		rows[9][10] = 5
	}
	return cells, rows
}

func testQCOpts() qc.Opts {
	o := qc.DefaultOpts
	o.MinFeatures = 5
	o.MaxFeatures = 0
	o.MinCounts = 50
	o.MaxCounts = 0
	o.MinCellsPerGene = 1
	return o
}

func testAnnotateOpts() annotate.Opts {
	o := annotate.DefaultOpts
	o.NVariable = 10
	o.NPCs = 5
	o.Cluster.Neighbors = 5
	return o
}

func runPreprocess(t *testing.T, dir string) string {
	var sheet bytes.Buffer
	sheet.WriteString("sample\tpath\tmouse\n")
	for s, name := range []string{"WT_1", "WT_2", "KO_1", "KO_2"} {
		cells, rows := sampleCounts(s, strings.HasPrefix(name, "KO"), s == 0)
		write10x(t, filepath.Join(dir, name), cells, rows)
		fmt.Fprintf(&sheet, "%s\t%s\tm%d\n", name, name, s+1)
	}
	sheetPath := filepath.Join(dir, "samples.tsv")
	assert.NoError(t, ioutil.WriteFile(sheetPath, sheet.Bytes(), 0644))
	out := filepath.Join(dir, "lung")
	assert.NoError(t, preprocess(context.Background(), preprocessFlags{
		samples:        sheetPath,
		out:            out,
		conditionRules: "^WT=WT,^KO=KO",
		qc:             testQCOpts(),
		annotate:       testAnnotateOpts(),
	}))
	return out
}

func TestPreprocessAndPseudobulk(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	out := runPreprocess(t, dir)

	obj, err := scobj.Read(ctx, out+".scobj")
	assert.NoError(t, err)
	expect.EQ(t, obj.Counts.NCells(), 40)
	expect.EQ(t, len(obj.Embedding), 40)
	for _, col := range []string{"sample", "mouse", "condition", qc.ColNCount, annotate.ColCluster} {
		_, ok := obj.Meta.Kind(col)
		expect.True(t, ok, col)
	}
	levels, err := obj.Meta.Levels("condition")
	assert.NoError(t, err)
	expect.That(t, levels, h.ElementsAre("WT", "KO"))

	qcTable, err := util.ReadTable(ctx, out+".qc.tsv")
	assert.NoError(t, err)
	expect.EQ(t, qcTable.Rows[0], []string{"cells_in", "41"})
	expect.EQ(t, qcTable.Rows[1], []string{"cells_out", "40"})
	meta, err := cellmeta.Read(ctx, out+".meta.tsv")
	assert.NoError(t, err)
	expect.EQ(t, meta.Len(), 40)
	_, err = os.Stat(out + ".markers.tsv")
	assert.NoError(t, err)

	goPath := filepath.Join(dir, "go.tsv")
	assert.NoError(t, ioutil.WriteFile(goPath, []byte(
		"gene\tterm\tnamespace\tdescription\n"+
			"Ccl2\tGO:0006935\tBP\tchemotaxis\n"+
			"Marco\tGO:0006935\tBP\tchemotaxis\n"+
			"C1qa\tGO:0006935\tBP\tchemotaxis\n"+
			"Actb\tGO:0006412\tBP\ttranslation\n"+
			"Gapdh\tGO:0006412\tBP\ttranslation\n"), 0644))
	enrichOpts := enrich.DefaultOpts
	enrichOpts.MinSize = 1
	pb := filepath.Join(dir, "pb")
	assert.NoError(t, runPseudobulk(ctx, pseudobulkFlags{
		obj:          out + ".scobj",
		out:          pb,
		sampleCol:    "sample",
		conditionCol: "condition",
		goPath:       goPath,
		db:           filepath.Join(dir, "results.db"),
		shrink:       de.ShrinkNormal,
		padj:         0.05,
		lfc:          1,
		topTerms:     5,
		filter:       pseudobulk.DefaultOpts,
		enrich:       enrichOpts,
	}))

	bulk, err := pseudobulk.Read(ctx, pb+".counts.tsv")
	assert.NoError(t, err)
	expect.That(t, bulk.Samples, h.ElementsAre("WT_1", "WT_2", "KO_1", "KO_2"))
	var total float64
	for _, v := range bulk.ColSums() {
		total += v
	}
	expect.EQ(t, total, float64(obj.Counts.Sum()))

	rs, err := de.ReadResults(ctx, pb+".KO_vs_WT.de.tsv")
	assert.NoError(t, err)
	var found bool
	for _, r := range rs {
		if r.Gene == "Ccl2" {
			found = true
			expect.True(t, r.Log2FC > 2, r.Log2FC)
			expect.True(t, r.PAdj < 0.05, r.PAdj)
			expect.False(t, math.IsNaN(r.Shrunk))
		}
	}
	expect.True(t, found)
	_, err = os.Stat(pb + ".KO_vs_WT.go.tsv")
	assert.NoError(t, err)
}

// flatObject has two cells in each of four replicates and no gene that
// differs between conditions.
func flatObject(t *testing.T) *scobj.Object {
	genes := []string{"Actb", "Gapdh", "Ccl2", "Marco"}
	reps := []string{"WT_1", "WT_2", "KO_1", "KO_2"}
	var cells, samples, conds []string
	rows := make([][]int32, len(genes))
	for r, rep := range reps {
		for k := 0; k < 2; k++ {
			cells = append(cells, fmt.Sprintf("%s_c%d", rep, k))
			samples = append(samples, rep)
			conds = append(conds, rep[:2])
			for g := range genes {
				rows[g] = append(rows[g], int32(40+10*g+(r+k+g)%3))
			}
		}
	}
	meta, err := cellmeta.New(cells)
	assert.NoError(t, err)
	assert.NoError(t, meta.AddString("sample", samples))
	assert.NoError(t, meta.AddString("condition", conds))
	return &scobj.Object{Counts: countmat.FromDense(genes, cells, rows), Meta: meta}
}

func TestPseudobulkWithoutSignal(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	objPath := filepath.Join(dir, "flat.scobj")
	assert.NoError(t, scobj.Write(ctx, objPath, flatObject(t)))
	goPath := filepath.Join(dir, "go.tsv")
	assert.NoError(t, ioutil.WriteFile(goPath, []byte(
		"gene\tterm\tnamespace\tdescription\n"+
			"Ccl2\tGO:0006935\tBP\tchemotaxis\n"+
			"Actb\tGO:0006412\tBP\ttranslation\n"), 0644))

	for _, withGO := range []bool{true, false} {
		pb := filepath.Join(dir, fmt.Sprintf("pb%v", withGO))
		f := pseudobulkFlags{
			obj:          objPath,
			out:          pb,
			sampleCol:    "sample",
			conditionCol: "condition",
			shrink:       de.ShrinkNormal,
			padj:         0.05,
			lfc:          1,
			topTerms:     5,
			filter:       pseudobulk.DefaultOpts,
			enrich:       enrich.DefaultOpts,
		}
		if withGO {
			f.goPath = goPath
		}
		assert.NoError(t, runPseudobulk(ctx, f))
		rs, err := de.ReadResults(ctx, pb+".KO_vs_WT.de.tsv")
		assert.NoError(t, err)
		for _, r := range rs {
			expect.False(t, r.PAdj < 0.05 && math.Abs(r.Shrunk) > 1, r.Gene)
		}
		terms, err := util.ReadTable(ctx, pb+".KO_vs_WT.go.tsv")
		assert.NoError(t, err)
		expect.EQ(t, len(terms.Rows), 0)
		expect.EQ(t, terms.Header[0], "ID")
	}
}

func TestLigands(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	genes := []string{"Tnf", "Il6", "Csf1", "Tnfrsf1a", "Il6ra", "Ccl2", "Cxcl10", "Il1b", "Mrc1", "Arg1", "Chil3"}
	cells := []string{"s1", "s2", "s3", "r1", "r2", "r3"}
	rows := make([][]int32, len(genes))
	for g := range rows {
		rows[g] = make([]int32, len(cells))
		for c := range cells {
			sender := c < 3
			if (g < 2 && sender) || (g >= 3 && !sender) {
				rows[g][c] = int32(1 + c%2)
			}
		}
	}
	m := countmat.FromDense(genes, cells, rows)
	meta, err := cellmeta.New(cells)
	assert.NoError(t, err)
	assert.NoError(t, meta.AddString("celltype", []string{"AM", "AM", "AM", "IM", "IM", "IM"}))
	objPath := filepath.Join(dir, "obj.scobj")
	assert.NoError(t, scobj.Write(ctx, objPath, &scobj.Object{Counts: m, Meta: meta}))

	var rs []de.Result
	for i, g := range []string{"Ccl2", "Cxcl10", "Il1b", "Mrc1", "Arg1", "Chil3"} {
		r := de.Result{Gene: g, BaseMean: 100, Log2FC: 0.1, LfcSE: 0.5, Stat: 0.2, PValue: 0.8, PAdj: 0.9, Shrunk: 0.1}
		if i < 3 {
			r.Log2FC, r.Shrunk, r.PValue, r.PAdj = 2, 1.8, 1e-5, 1e-4
		}
		rs = append(rs, r)
	}
	dePath := filepath.Join(dir, "im.de.tsv")
	assert.NoError(t, de.WriteResults(ctx, dePath, rs))
	ltPath := filepath.Join(dir, "lt.tsv")
	assert.NoError(t, ioutil.WriteFile(ltPath, []byte("target\tTnf\tIl6\tCsf1\n"+
		"Ccl2\t0.9\t0\t0.3\n"+
		"Cxcl10\t0.8\t0.1\t0.3\n"+
		"Il1b\t0.7\t0\t0.3\n"+
		"Mrc1\t0\t0.9\t0.3\n"+
		"Arg1\t0.1\t0.8\t0.3\n"+
		"Chil3\t0\t0.7\t0.3\n"), 0644))
	netPath := filepath.Join(dir, "lr.tsv")
	assert.NoError(t, ioutil.WriteFile(netPath, []byte("from\tto\n"+
		"Tnf\tTnfrsf1a\n"+
		"Il6\tIl6ra\n"+
		"Csf1\tCsf1r\n"), 0644))

	out := filepath.Join(dir, "ligands.tsv")
	assert.NoError(t, ligands(ctx, ligandFlags{
		obj:          objPath,
		out:          out,
		cellTypeCol:  "celltype",
		sender:       "AM",
		receiver:     "IM",
		dePath:       dePath,
		ligandTarget: ltPath,
		network:      netPath,
		padj:         0.05,
		lfc:          0.25,
		minPct:       0.5,
		top:          10,
		targets:      2,
	}))
	tab, err := util.ReadTable(ctx, out)
	assert.NoError(t, err)
	expect.EQ(t, len(tab.Rows), 2)
	expect.EQ(t, tab.Rows[0][tab.Col("ligand")], "Tnf")
	expect.EQ(t, tab.Rows[0][tab.Col("receptors")], "Tnfrsf1a")
	expect.EQ(t, tab.Rows[0][tab.Col("targets")], "Ccl2,Cxcl10")
	expect.EQ(t, tab.Rows[1][tab.Col("ligand")], "Il6")

	err = ligands(ctx, ligandFlags{
		obj: objPath, out: out, cellTypeCol: "celltype", sender: "DC", receiver: "IM",
		dePath: dePath, ligandTarget: ltPath, network: netPath, padj: 0.05, lfc: 0.25, minPct: 0.5,
	})
	assert.NotNil(t, err)
	assert.HasSubstr(t, err.Error(), "no cells")
}

// lineObject places ten cells on a line. Up rises and Down falls with the
// position; every cell has the same library size.
func lineObject(t *testing.T) *scobj.Object {
	genes := []string{"Up", "Down", "Flat"}
	var cells, stage []string
	rows := [][]int32{make([]int32, 10), make([]int32, 10), make([]int32, 10)}
	emb := make([][]float64, 10)
	for i := 0; i < 10; i++ {
		cells = append(cells, "c"+strconv.Itoa(i))
		stage = append(stage, "late")
		rows[0][i], rows[1][i], rows[2][i] = int32(i), int32(10-i), 5
		emb[i] = []float64{float64(i), 0}
	}
	stage[0] = "early"
	meta, err := cellmeta.New(cells)
	assert.NoError(t, err)
	assert.NoError(t, meta.AddString("stage", stage))
	return &scobj.Object{Counts: countmat.FromDense(genes, cells, rows), Meta: meta, Embedding: emb}
}

func TestPseudotime(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	objPath := filepath.Join(dir, "line.scobj")
	assert.NoError(t, scobj.Write(ctx, objPath, lineObject(t)))

	out := filepath.Join(dir, "traj")
	opts := trajectory.DefaultOpts
	opts.Neighbors = 3
	assert.NoError(t, pseudotime(ctx, pseudotimeFlags{
		obj: objPath, out: out, rootCol: "stage", rootValue: "early", genes: 2, opts: opts,
	}))
	tab, err := util.ReadTable(ctx, out+".pseudotime.tsv")
	assert.NoError(t, err)
	expect.EQ(t, len(tab.Rows), 10)
	for i, row := range tab.Rows {
		v, err := strconv.ParseFloat(row[1], 64)
		assert.NoError(t, err)
		expect.True(t, math.Abs(v-float64(i)/9) < 1e-6, row)
	}
	expect.EQ(t, tab.Rows[0][2], "true")

	genes, err := util.ReadTable(ctx, out+".genes.tsv")
	assert.NoError(t, err)
	expect.EQ(t, genes.Rows, [][]string{{"Down", "-1.0000"}, {"Up", "1.0000"}})

	rootsPath := filepath.Join(dir, "roots.txt")
	assert.NoError(t, ioutil.WriteFile(rootsPath, []byte("c9\n"), 0644))
	assert.NoError(t, pseudotime(ctx, pseudotimeFlags{obj: objPath, out: out, roots: rootsPath, genes: 2, opts: opts}))
	tab, err = util.ReadTable(ctx, out+".pseudotime.tsv")
	assert.NoError(t, err)
	expect.EQ(t, tab.Rows[0][1], "1")
	expect.EQ(t, tab.Rows[9][1], "0")
}

func TestChecksum(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	obj := lineObject(t)
	path := filepath.Join(dir, "line.scobj")
	assert.NoError(t, scobj.Write(ctx, path, obj))

	var out bytes.Buffer
	assert.NoError(t, checksum(ctx, &out, path))
	var got scobj.Digest
	assert.NoError(t, json.Unmarshal(out.Bytes(), &got))
	expect.EQ(t, got, scobj.Checksum(obj))
	expect.EQ(t, got.NCells, 10)

	// The same through the command line.
	out.Reset()
	var stderr bytes.Buffer
	env := &cmdline.Env{Stdout: &out, Stderr: &stderr, Vars: map[string]string{}}
	assert.NoError(t, cmdline.ParseAndRun(newCmdRoot(), env, []string{"checksum", path}))
	got = scobj.Digest{}
	assert.NoError(t, json.Unmarshal(out.Bytes(), &got))
	expect.EQ(t, got, scobj.Checksum(obj))
	expect.NotNil(t, cmdline.ParseAndRun(newCmdRoot(), env, []string{"checksum"}))
}

func TestParseRules(t *testing.T) {
	rules, err := parseRules("_KO=KO, _WT=WT")
	assert.NoError(t, err)
	expect.EQ(t, rules, []cellmeta.Rule{{Pattern: "_KO", Label: "KO"}, {Pattern: "_WT", Label: "WT"}})
	_, err = parseRules("KO")
	expect.NotNil(t, err)
	expect.EQ(t, splitList(" a,,b "), []string{"a", "b"})
}
