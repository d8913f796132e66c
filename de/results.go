package de

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/util"
)

// Result is the test of one gene.
type Result struct {
	Gene     string
	BaseMean float64
	Log2FC   float64
	LfcSE    float64
	Stat     float64
	PValue   float64
	PAdj     float64
	// Shrunk is the shrunken log2 fold change; NaN until Shrink is applied.
	Shrunk float64
}

// Effect returns the shrunken fold change if available, otherwise the raw
// one.
func (r Result) Effect() float64 {
	if math.IsNaN(r.Shrunk) {
		return r.Log2FC
	}
	return r.Shrunk
}

// Results is the outcome of one contrast. It is not modified after it is
// returned; Shrink and the filters return copies.
type Results struct {
	Contrast  Contrast
	Shrinkage string
	Genes     []Result
}

// Significant returns the genes with PAdj < padj and |Effect()| > absLFC,
// in the original order. Genes with NaN PAdj are never significant.
func (r *Results) Significant(padj, absLFC float64) []Result {
	var out []Result
	for _, g := range r.Genes {
		if !math.IsNaN(g.PAdj) && g.PAdj < padj && math.Abs(g.Effect()) > absLFC {
			out = append(out, g)
		}
	}
	return out
}

// Sorted returns the genes ordered by adjusted p-value, then by decreasing
// |Effect()|, then by name. NaN PAdj sort last.
func (r *Results) Sorted() []Result {
	out := append([]Result(nil), r.Genes...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		an, bn := math.IsNaN(a.PAdj), math.IsNaN(b.PAdj)
		if an != bn {
			return bn
		}
		if !an && a.PAdj != b.PAdj {
			return a.PAdj < b.PAdj
		}
		if ea, eb := math.Abs(a.Effect()), math.Abs(b.Effect()); ea != eb {
			return ea > eb
		}
		return a.Gene < b.Gene
	})
	return out
}

// ByEffect returns the genes ordered by decreasing |Effect()|, then name.
func (r *Results) ByEffect() []Result {
	out := append([]Result(nil), r.Genes...)
	sort.SliceStable(out, func(i, j int) bool {
		if ea, eb := math.Abs(out[i].Effect()), math.Abs(out[j].Effect()); ea != eb {
			return ea > eb
		}
		return out[i].Gene < out[j].Gene
	})
	return out
}

// GeneNames returns the names of rs.
func GeneNames(rs []Result) []string {
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = r.Gene
	}
	return names
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func parseFloat(s string) (float64, error) {
	if s == "NA" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

var resultHeader = []string{"gene", "baseMean", "log2FoldChange", "lfcSE", "stat", "pvalue", "padj", "log2FoldChangeShrunk"}

// WriteResults writes rs as TSV.
func WriteResults(ctx context.Context, path string, rs []Result) (err error) {
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
	for _, h := range resultHeader {
		w.WriteString(h)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, r := range rs {
		w.WriteString(r.Gene)
		for _, v := range []float64{r.BaseMean, r.Log2FC, r.LfcSE, r.Stat, r.PValue, r.PAdj, r.Shrunk} {
			w.WriteString(formatFloat(v))
		}
		if err = w.EndLine(); err != nil {
			return errors.E(err, "write", path)
		}
	}
	return w.Flush()
}

// ReadResults reads a table written by WriteResults.
func ReadResults(ctx context.Context, path string) ([]Result, error) {
	t, err := util.ReadTable(ctx, path)
	if err != nil {
		return nil, err
	}
	cols := make([]int, len(resultHeader))
	for i, h := range resultHeader {
		if cols[i] = t.Col(h); cols[i] < 0 {
			return nil, errors.E("read", path, "missing column "+h)
		}
	}
	rs := make([]Result, len(t.Rows))
	for i, row := range t.Rows {
		r := Result{Gene: row[cols[0]]}
		for j, dst := range []*float64{&r.BaseMean, &r.Log2FC, &r.LfcSE, &r.Stat, &r.PValue, &r.PAdj, &r.Shrunk} {
			if *dst, err = parseFloat(row[cols[j+1]]); err != nil {
				return nil, errors.E(err, "read", path, r.Gene)
			}
		}
		rs[i] = r
	}
	return rs, nil
}
