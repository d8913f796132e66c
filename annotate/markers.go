package annotate

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/stat/distuv"
)

// MarkerOpts controls marker identification.
type MarkerOpts struct {
	// MinPct is the minimum fraction of cells, in either the cluster or the
	// rest, in which a gene must be detected to be tested.
	MinPct float64
	// LogFCThreshold is the minimum |avg_log2FC| for a gene to be tested.
	LogFCThreshold float64
	// OnlyPos keeps only genes up-regulated in the cluster.
	OnlyPos bool
	// TopN keeps this many markers per cluster (by p-value); 0 keeps all.
	TopN int
	// Correction is the multiple testing correction, see util.Adjust.
	Correction string
}

// DefaultMarkerOpts are the usual FindAllMarkers settings.
var DefaultMarkerOpts = MarkerOpts{
	MinPct:         0.25,
	LogFCThreshold: 0.25,
	OnlyPos:        true,
	TopN:           0,
	Correction:     util.BH,
}

// Marker is one row of the marker table.
type Marker struct {
	Cluster   string  `tsv:"cluster"`
	Gene      string  `tsv:"gene"`
	AvgLog2FC float64 `tsv:"avg_log2FC"`
	Pct1      float64 `tsv:"pct.1"`
	Pct2      float64 `tsv:"pct.2"`
	PValue    float64 `tsv:"p_val"`
	PAdj      float64 `tsv:"p_val_adj"`
}

type geneStats struct {
	ranks []float64
	tie   float64
}

// Markers finds, for every cluster, the genes that distinguish it from all
// other cells using a Wilcoxon rank-sum test with tie and continuity
// correction. Adjustment is applied over all tests of a cluster. Results
// are grouped by cluster in the order of clusters' first appearance and
// sorted by p-value then gene within a cluster.
func Markers(e *Expr, clusters []string, opts MarkerOpts) ([]Marker, error) {
	if len(clusters) != len(e.Cells) {
		return nil, errors.E("annotate.Markers: cluster labels do not match cells")
	}
	var levels []string
	member := map[string][]bool{}
	for c, l := range clusters {
		if _, ok := member[l]; !ok {
			levels = append(levels, l)
			member[l] = make([]bool, len(clusters))
		}
		member[l][c] = true
	}
	if len(levels) < 2 {
		return nil, errors.E("annotate.Markers: need at least two clusters")
	}
	if err := util.CheckCorrection(opts.Correction); err != nil {
		return nil, errors.E(err, "annotate.Markers")
	}

	nCells := len(e.Cells)
	all := make([]int, len(e.Genes))
	for g := range all {
		all[g] = g
	}
	rows := e.Rows(all)
	stats := make([]geneStats, len(rows))
	err := traverse.Each(len(rows), func(g int) error {
		stats[g] = geneStats{util.Rank(rows[g]), util.TieCorrection(rows[g])}
		return nil
	})
	if err != nil {
		return nil, err
	}

	normal := distuv.UnitNormal
	var out []Marker
	for _, level := range levels {
		in := member[level]
		var n1 int
		for _, k := range in {
			if k {
				n1++
			}
		}
		n2 := nCells - n1
		if n2 == 0 {
			continue
		}
		var tested []Marker
		for g, row := range rows {
			var sum1, sum2, det1, det2, r1 float64
			for c, v := range row {
				if in[c] {
					sum1 += math.Expm1(v)
					r1 += stats[g].ranks[c]
					if v > 0 {
						det1++
					}
				} else {
					sum2 += math.Expm1(v)
					if v > 0 {
						det2++
					}
				}
			}
			pct1, pct2 := det1/float64(n1), det2/float64(n2)
			if math.Max(pct1, pct2) < opts.MinPct || (pct1 == 0 && pct2 == 0) {
				continue
			}
			lfc := math.Log2(sum1/float64(n1)+1) - math.Log2(sum2/float64(n2)+1)
			if opts.OnlyPos && lfc <= 0 {
				continue
			}
			if math.Abs(lfc) < opts.LogFCThreshold {
				continue
			}
			tested = append(tested, Marker{
				Cluster:   level,
				Gene:      e.Genes[g],
				AvgLog2FC: lfc,
				Pct1:      pct1,
				Pct2:      pct2,
				PValue:    rankSumP(r1, float64(n1), float64(n2), stats[g].tie, normal),
			})
		}
		p := make([]float64, len(tested))
		for i := range tested {
			p[i] = tested[i].PValue
		}
		padj, err := util.Adjust(p, opts.Correction)
		if err != nil {
			return nil, errors.E(err, "annotate.Markers")
		}
		for i, q := range padj {
			tested[i].PAdj = q
		}
		sort.SliceStable(tested, func(i, j int) bool {
			if tested[i].PValue != tested[j].PValue {
				return tested[i].PValue < tested[j].PValue
			}
			return tested[i].Gene < tested[j].Gene
		})
		if opts.TopN > 0 && len(tested) > opts.TopN {
			tested = tested[:opts.TopN]
		}
		out = append(out, tested...)
	}
	return out, nil
}

// rankSumP returns the two-sided normal-approximation p-value of the
// Wilcoxon rank-sum statistic of a group of n1 with rank sum r1.
func rankSumP(r1, n1, n2, tie float64, normal distuv.Normal) float64 {
	n := n1 + n2
	u := r1 - n1*(n1+1)/2
	mu := n1 * n2 / 2
	sigma := math.Sqrt(n1 * n2 / 12 * ((n + 1) - tie/(n*(n-1))))
	if sigma == 0 {
		return 1
	}
	d := u - mu
	switch {
	case d > 0:
		d -= 0.5
	case d < 0:
		d += 0.5
	}
	z := math.Abs(d) / sigma
	p := 2 * normal.Survival(z)
	if p > 1 {
		p = 1
	}
	return p
}

// WriteMarkers writes the marker table as TSV.
func WriteMarkers(ctx context.Context, path string, markers []Marker) (err error) {
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
	for _, h := range []string{"cluster", "gene", "avg_log2FC", "pct.1", "pct.2", "p_val", "p_val_adj"} {
		w.WriteString(h)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, m := range markers {
		w.WriteString(m.Cluster)
		w.WriteString(m.Gene)
		w.WriteString(strconv.FormatFloat(m.AvgLog2FC, 'g', 6, 64))
		w.WriteString(strconv.FormatFloat(m.Pct1, 'f', 3, 64))
		w.WriteString(strconv.FormatFloat(m.Pct2, 'f', 3, 64))
		w.WriteString(strconv.FormatFloat(m.PValue, 'g', 6, 64))
		w.WriteString(strconv.FormatFloat(m.PAdj, 'g', 6, 64))
		if err = w.EndLine(); err != nil {
			return errors.E(err, "write", path)
		}
	}
	return w.Flush()
}
