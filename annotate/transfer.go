package annotate

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/stat"
)

// MinSharedGenes is the smallest overlap between a reference and the data
// for which label transfer is attempted.
const MinSharedGenes = 5

// Reference is a set of labelled expression profiles, genes x labels.
type Reference struct {
	Genes   []string
	Labels  []string
	Profile [][]float64 // Profile[g][l]
}

// ReadReference reads a reference TSV with a "gene" column followed by one
// numeric column per label.
func ReadReference(ctx context.Context, path string) (*Reference, error) {
	t, err := util.ReadTable(ctx, path)
	if err != nil {
		return nil, err
	}
	gc := t.Col("gene")
	if gc < 0 {
		return nil, errors.E("read reference", path, `missing "gene" column`)
	}
	ref := &Reference{}
	var cols []int
	for i, h := range t.Header {
		if i != gc {
			ref.Labels = append(ref.Labels, h)
			cols = append(cols, i)
		}
	}
	if len(ref.Labels) == 0 {
		return nil, errors.E("read reference", path, "no label columns")
	}
	for _, row := range t.Rows {
		prof := make([]float64, len(cols))
		for j, i := range cols {
			v, err := strconv.ParseFloat(row[i], 64)
			if err != nil {
				return nil, errors.E(err, "read reference", path, fmt.Sprintf("gene %s", row[gc]))
			}
			prof[j] = v
		}
		ref.Genes = append(ref.Genes, row[gc])
		ref.Profile = append(ref.Profile, prof)
	}
	return ref, nil
}

// TransferLabels assigns every cell the reference label whose profile has
// the highest Spearman correlation with the cell over the genes shared by
// the data and the reference. It returns the labels and the winning
// correlations; cells with constant expression over the shared genes get
// label "unassigned" and score NaN.
func TransferLabels(e *Expr, ref *Reference) ([]string, []float64, error) {
	idx := e.GeneIndex()
	var dataRows, refRows []int
	for r, g := range ref.Genes {
		if i, ok := idx[g]; ok {
			dataRows = append(dataRows, i)
			refRows = append(refRows, r)
		}
	}
	if len(dataRows) < MinSharedGenes {
		return nil, nil, errors.E(fmt.Sprintf("annotate.TransferLabels: only %d genes shared with reference", len(dataRows)))
	}
	if missing := len(ref.Genes) - len(dataRows); missing > 0 {
		log.Error.Printf("label transfer: %d reference genes not in data", missing)
	}

	refRanks := make([][]float64, len(ref.Labels))
	for l := range ref.Labels {
		v := make([]float64, len(refRows))
		for i, r := range refRows {
			v[i] = ref.Profile[r][l]
		}
		refRanks[l] = util.Rank(v)
	}

	rows := e.Rows(dataRows)
	labels := make([]string, len(e.Cells))
	scores := make([]float64, len(e.Cells))
	err := traverse.Each(len(e.Cells), func(c int) error {
		v := make([]float64, len(rows))
		for i := range rows {
			v[i] = rows[i][c]
		}
		x := util.Rank(v)
		best, bestL := math.NaN(), -1
		for l, y := range refRanks {
			r := stat.Correlation(x, y, nil)
			if math.IsNaN(r) {
				continue
			}
			if bestL < 0 || r > best {
				best, bestL = r, l
			}
		}
		if bestL < 0 {
			labels[c], scores[c] = "unassigned", math.NaN()
			return nil
		}
		labels[c], scores[c] = ref.Labels[bestL], best
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return labels, scores, nil
}
