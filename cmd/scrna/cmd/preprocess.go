package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/annotate"
	"github.com/grailbio/scrna/cellmeta"
	"github.com/grailbio/scrna/countmat"
	"github.com/grailbio/scrna/qc"
	"github.com/grailbio/scrna/scobj"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/mat"
)

// Column names of the sample sheet. Other columns are copied to the cells.
const (
	sheetColSample = "sample"
	sheetColPath   = "path"

	// colCondition is the metadata column derived by -condition-rules.
	colCondition = "condition"
)

type preprocessFlags struct {
	samples        string
	out            string
	conditionRules string
	reference      string
	sGenes         string
	g2mGenes       string
	qc             qc.Opts
	annotate       annotate.Opts
}

// resolvePath interprets a sample sheet path relative to the sheet.
func resolvePath(sheet, path string) string {
	if strings.HasPrefix(path, "/") || strings.Contains(path, "://") {
		return path
	}
	return file.Dir(sheet) + "/" + path
}

// parseRules parses "pattern=label,..." into labeling rules.
func parseRules(s string) ([]cellmeta.Rule, error) {
	var rules []cellmeta.Rule
	for _, r := range splitList(s) {
		i := strings.LastIndex(r, "=")
		if i <= 0 || i == len(r)-1 {
			return nil, fmt.Errorf("condition rule %q: want pattern=label", r)
		}
		rules = append(rules, cellmeta.Rule{Pattern: r[:i], Label: r[i+1:]})
	}
	return rules, nil
}

// readGenes interprets a gene list flag: a comma-separated list, or a file
// with one gene per line when the value names a readable file.
func readGenes(ctx context.Context, s string) ([]string, error) {
	if s == "" || strings.Contains(s, ",") {
		return splitList(s), nil
	}
	genes, err := readList(ctx, s)
	if err != nil {
		// A single gene symbol.
		return []string{s}, nil
	}
	return genes, nil
}

// readList reads the non-empty lines of path, skipping '#' comments.
func readList(ctx context.Context, path string) ([]string, error) {
	in, err := util.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close() // nolint: errcheck
	var out []string
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if v := strings.TrimSpace(sc.Text()); v != "" && !strings.HasPrefix(v, "#") {
			out = append(out, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.E(err, "read", path)
	}
	return out, nil
}

// loadSamples reads every sample of the sheet and merges them. The returned
// metadata holds one row per cell with the sheet columns other than path.
func loadSamples(ctx context.Context, sheetPath string) (*countmat.Matrix, *cellmeta.Table, error) {
	sheet, err := util.ReadTable(ctx, sheetPath)
	if err != nil {
		return nil, nil, err
	}
	sCol, pCol := sheet.Col(sheetColSample), sheet.Col(sheetColPath)
	if sCol < 0 || pCol < 0 {
		return nil, nil, errors.E("sample sheet needs sample and path columns", sheetPath)
	}
	if len(sheet.Rows) == 0 {
		return nil, nil, errors.E("sample sheet has no samples", sheetPath)
	}
	names := make([]string, len(sheet.Rows))
	ms := make([]*countmat.Matrix, len(sheet.Rows))
	for i, row := range sheet.Rows {
		names[i] = row[sCol]
		log.Printf("[loading counts of %s]", names[i])
		if ms[i], err = countmat.ReadMTX(ctx, resolvePath(sheetPath, row[pCol])); err != nil {
			return nil, nil, err
		}
	}
	m, err := countmat.Merge(names, ms)
	if err != nil {
		return nil, nil, err
	}
	meta, err := cellmeta.New(m.Cells)
	if err != nil {
		return nil, nil, err
	}
	for c, name := range sheet.Header {
		if c == pCol {
			continue
		}
		vals := make([]string, 0, m.NCells())
		for i, row := range sheet.Rows {
			for j := 0; j < ms[i].NCells(); j++ {
				vals = append(vals, row[c])
			}
		}
		if err := meta.AddString(name, vals); err != nil {
			return nil, nil, err
		}
	}
	return m, meta, nil
}

func writeQCStats(ctx context.Context, path string, s qc.Stats) (err error) {
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
	w.WriteString("metric")
	w.WriteString("value")
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, kv := range []struct {
		name string
		v    int
	}{
		{"cells_in", s.CellsIn},
		{"cells_out", s.CellsOut},
		{"genes_in", s.GenesIn},
		{"genes_out", s.GenesOut},
		{"low_features", s.LowFeatures},
		{"high_features", s.HighFeatures},
		{"low_counts", s.LowCounts},
		{"high_counts", s.HighCounts},
		{"high_mito", s.HighMito},
	} {
		w.WriteString(kv.name)
		w.WriteString(strconv.Itoa(kv.v))
		if err = w.EndLine(); err != nil {
			return errors.E(err, "write", path)
		}
	}
	return w.Flush()
}

func embeddingRows(emb *mat.Dense) [][]float64 {
	if emb == nil {
		return nil
	}
	r, _ := emb.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(nil, i, emb)
	}
	return rows
}

func preprocess(ctx context.Context, f preprocessFlags) error {
	m, meta, err := loadSamples(ctx, f.samples)
	if err != nil {
		return err
	}
	if f.conditionRules != "" {
		rules, err := parseRules(f.conditionRules)
		if err != nil {
			return err
		}
		if err := meta.LabelByPattern(sheetColSample, colCondition, rules); err != nil {
			return err
		}
	}

	log.Printf("[filtering %d cells]", m.NCells())
	m, meta, stats, err := qc.Filter(m, meta, f.qc)
	if err != nil {
		return err
	}
	if err := writeQCStats(ctx, f.out+".qc.tsv", stats); err != nil {
		return err
	}

	opts := f.annotate
	if opts.SGenes, err = readGenes(ctx, f.sGenes); err != nil {
		return err
	}
	if opts.G2MGenes, err = readGenes(ctx, f.g2mGenes); err != nil {
		return err
	}
	var ref *annotate.Reference
	if f.reference != "" {
		if ref, err = annotate.ReadReference(ctx, f.reference); err != nil {
			return err
		}
	}
	res, err := annotate.Run(m, meta, ref, opts)
	if err != nil {
		return err
	}

	log.Printf("[saving %s]", f.out)
	obj := &scobj.Object{Counts: m, Meta: meta, Embedding: embeddingRows(res.Embedding)}
	if err := scobj.Write(ctx, f.out+".scobj", obj); err != nil {
		return err
	}
	if err := meta.Write(ctx, f.out+".meta.tsv"); err != nil {
		return err
	}
	return annotate.WriteMarkers(ctx, f.out+".markers.tsv", res.Markers)
}
