// Package trajectory orders cells along a pseudotime measured from a set
// of root cells.
package trajectory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/annotate"
	"github.com/grailbio/scrna/cellmeta"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Opts configures Pseudotime.
type Opts struct {
	// Neighbors is the k of the kNN graph the distances are measured on.
	Neighbors int
	// Normalize scales finite pseudotimes to [0, 1].
	Normalize bool
}

// DefaultOpts are the defaults of the pseudotime command.
var DefaultOpts = Opts{Neighbors: 15, Normalize: true}

// Roots resolves root cells. Exactly one of ids or (col, value) must be
// given: either an explicit list of cell ids, or every cell whose metadata
// column col equals value.
func Roots(meta *cellmeta.Table, ids []string, col, value string) ([]int, error) {
	switch {
	case len(ids) > 0 && col != "":
		return nil, errors.E("trajectory: give either root cells or a root column, not both")
	case len(ids) > 0:
		roots := make([]int, 0, len(ids))
		for _, id := range ids {
			i, ok := meta.Row(id)
			if !ok {
				return nil, errors.E(fmt.Sprintf("trajectory: root cell %s not found", id))
			}
			roots = append(roots, i)
		}
		return roots, nil
	case col != "":
		vals, err := meta.String(col)
		if err != nil {
			return nil, err
		}
		var roots []int
		for i, v := range vals {
			if v == value {
				roots = append(roots, i)
			}
		}
		if len(roots) == 0 {
			return nil, errors.E(fmt.Sprintf("trajectory: no cell with %s == %s", col, value))
		}
		return roots, nil
	}
	return nil, errors.E("trajectory: no root cells given")
}

// Pseudotime returns, for every row of emb (one per cell), the length of
// the shortest path on the kNN distance graph to the nearest root. Cells
// that cannot reach any root get +Inf; their number is returned too.
func Pseudotime(emb mat.Matrix, roots []int, opts Opts) ([]float64, int, error) {
	n, _ := emb.Dims()
	if len(roots) == 0 {
		return nil, 0, errors.E("trajectory: no root cells")
	}
	for _, r := range roots {
		if r < 0 || r >= n {
			return nil, 0, errors.E(fmt.Sprintf("trajectory: root %d out of range", r))
		}
	}
	nn, err := annotate.KNN(emb, opts.Neighbors)
	if err != nil {
		return nil, 0, err
	}
	g := annotate.DistanceGraph(nn)
	pt := make([]float64, n)
	for i := range pt {
		pt[i] = math.Inf(1)
	}
	dist := make([][]float64, len(roots))
	err = traverse.Each(len(roots), func(k int) error {
		sp := path.DijkstraFrom(simple.Node(roots[k]), g)
		d := make([]float64, n)
		for i := range d {
			d[i] = sp.WeightTo(int64(i))
		}
		dist[k] = d
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	for _, d := range dist {
		for i, v := range d {
			if v < pt[i] {
				pt[i] = v
			}
		}
	}
	var unreachable int
	longest := 0.0
	for _, v := range pt {
		if math.IsInf(v, 1) {
			unreachable++
		} else if v > longest {
			longest = v
		}
	}
	if unreachable > 0 {
		log.Error.Printf("trajectory: %d of %d cells not connected to a root", unreachable, n)
	}
	if opts.Normalize && longest > 0 {
		for i, v := range pt {
			if !math.IsInf(v, 1) {
				pt[i] = v / longest
			}
		}
	}
	return pt, unreachable, nil
}

// Association is the correlation of one gene with pseudotime.
type Association struct {
	Gene string
	Rho  float64
}

// AssociatedGenes returns the n genes whose expression has the largest
// absolute Spearman correlation with pseudotime, over the cells with a
// finite pseudotime. Ties are broken by gene name.
func AssociatedGenes(e *annotate.Expr, pt []float64, n int) ([]Association, error) {
	if len(pt) != len(e.Cells) {
		return nil, errors.E(fmt.Sprintf("trajectory: %d pseudotimes for %d cells", len(pt), len(e.Cells)))
	}
	keep := make([]bool, len(pt))
	var finite []float64
	for i, v := range pt {
		if keep[i] = !math.IsInf(v, 0) && !math.IsNaN(v); keep[i] {
			finite = append(finite, v)
		}
	}
	if len(finite) < 3 {
		return nil, errors.E("trajectory: fewer than three cells with a pseudotime")
	}
	sub := e.SubsetCells(keep)
	ptRank := util.Rank(finite)
	all := make([]int, len(sub.Genes))
	for g := range all {
		all[g] = g
	}
	rows := sub.Rows(all)
	rho := make([]float64, len(rows))
	err := traverse.Each(len(rows), func(g int) error {
		rho[g] = stat.Correlation(util.Rank(rows[g]), ptRank, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []Association
	for g, r := range rho {
		if !math.IsNaN(r) {
			out = append(out, Association{sub.Genes[g], r})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if a, b := math.Abs(out[i].Rho), math.Abs(out[j].Rho); a != b {
			return a > b
		}
		return out[i].Gene < out[j].Gene
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// WritePseudotime writes cell, pseudotime and root flag as TSV. Cells not
// reachable from a root get "+Inf".
func WritePseudotime(ctx context.Context, path string, cells []string, pt []float64, roots []int) (err error) {
	out, err := util.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	isRoot := make(map[int]bool, len(roots))
	for _, r := range roots {
		isRoot[r] = true
	}
	w := tsv.NewWriter(out)
	w.WriteString("cell")
	w.WriteString("pseudotime")
	w.WriteString("root")
	if err = w.EndLine(); err != nil {
		return err
	}
	for i, c := range cells {
		w.WriteString(c)
		w.WriteString(strconv.FormatFloat(pt[i], 'g', 6, 64))
		w.WriteString(strconv.FormatBool(isRoot[i]))
		if err = w.EndLine(); err != nil {
			return errors.E(err, "write", path)
		}
	}
	return w.Flush()
}

// WriteAssociations writes gene and rho as TSV.
func WriteAssociations(ctx context.Context, path string, as []Association) (err error) {
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
	w.WriteString("rho")
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, a := range as {
		w.WriteString(a.Gene)
		w.WriteString(strconv.FormatFloat(a.Rho, 'f', 4, 64))
		if err = w.EndLine(); err != nil {
			return errors.E(err, "write", path)
		}
	}
	return w.Flush()
}
