package lrcomm

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/countmat"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/stat"
)

// ExpressedGenes returns the genes of m detected in at least minPct of the
// cells with cells[c] == true, in matrix order.
func ExpressedGenes(m *countmat.Matrix, cells []bool, minPct float64) []string {
	sub := m.SubsetCells(cells)
	if sub.NCells() == 0 {
		return nil
	}
	var out []string
	for g, n := range sub.RowNonZero() {
		if float64(n)/float64(sub.NCells()) >= minPct {
			out = append(out, m.Genes[g])
		}
	}
	return out
}

// PotentialLigands returns the ligands of net expressed by senders that
// have at least one receptor expressed by receivers, in order of first
// appearance in net.
func PotentialLigands(net []Pair, senderExpr, receiverExpr []string) []string {
	sender := toSet(senderExpr)
	receiver := toSet(receiverExpr)
	seen := map[string]bool{}
	var out []string
	for _, p := range net {
		if sender[p.From] && receiver[p.To] && !seen[p.From] {
			seen[p.From] = true
			out = append(out, p.From)
		}
	}
	return out
}

func toSet(genes []string) map[string]bool {
	s := make(map[string]bool, len(genes))
	for _, g := range genes {
		s[g] = true
	}
	return s
}

// Activity scores one ligand.
type Activity struct {
	Ligand string
	// Pearson is the correlation between the ligand's regulatory potential
	// and membership of the gene set, over the background genes.
	Pearson float64
	// AUROC is the area under the ROC curve of the same prediction.
	AUROC float64
	Rank  int
}

// LigandActivities scores every ligand in ligands that is present in the
// prior. Background genes absent from the prior are dropped. The result is
// ordered by decreasing Pearson correlation, then by ligand name, and Rank
// is 1-based.
func LigandActivities(p *Prior, geneset, background, ligands []string) ([]Activity, error) {
	inSet := toSet(geneset)
	var rows []int
	var response []float64
	var positives int
	seen := map[string]bool{}
	for _, g := range background {
		i, ok := p.targetIndex[g]
		if !ok || seen[g] {
			continue
		}
		seen[g] = true
		rows = append(rows, i)
		if inSet[g] {
			response = append(response, 1)
			positives++
		} else {
			response = append(response, 0)
		}
	}
	if positives == 0 {
		return nil, errors.E("lrcomm: no gene set member is a target in the prior")
	}
	if positives == len(rows) {
		return nil, errors.E("lrcomm: background contains only gene set members")
	}
	log.Printf("lrcomm: %d of %d background genes in the gene set", positives, len(rows))

	var acts []Activity
	score := make([]float64, len(rows))
	for _, l := range ligands {
		j, ok := p.ligandIndex[l]
		if !ok {
			log.Debug.Printf("lrcomm: ligand %s not in prior", l)
			continue
		}
		for k, i := range rows {
			score[k] = p.W.At(i, j)
		}
		r := stat.Correlation(score, response, nil)
		if math.IsNaN(r) {
			r = 0
		}
		acts = append(acts, Activity{Ligand: l, Pearson: r, AUROC: auroc(score, response, positives)})
	}
	if len(acts) == 0 {
		return nil, errors.E("lrcomm: none of the potential ligands is in the prior")
	}
	sort.SliceStable(acts, func(i, j int) bool {
		if acts[i].Pearson != acts[j].Pearson {
			return acts[i].Pearson > acts[j].Pearson
		}
		return acts[i].Ligand < acts[j].Ligand
	})
	for i := range acts {
		acts[i].Rank = i + 1
	}
	return acts, nil
}

// auroc computes the Mann-Whitney estimate of the area under the ROC curve,
// with ties counted as one half.
func auroc(score, response []float64, positives int) float64 {
	ranks := util.Rank(score)
	var sum float64
	for i, r := range response {
		if r == 1 {
			sum += ranks[i]
		}
	}
	np, nn := float64(positives), float64(len(score)-positives)
	return (sum - np*(np+1)/2) / (np * nn)
}

// Target is a gene set member with its regulatory potential.
type Target struct {
	Gene   string
	Weight float64
}

// TopTargets returns up to n members of geneset with the highest positive
// regulatory potential of ligand, by decreasing weight then name.
func TopTargets(p *Prior, ligand string, geneset []string, n int) []Target {
	j, ok := p.ligandIndex[ligand]
	if !ok {
		return nil
	}
	var out []Target
	seen := map[string]bool{}
	for _, g := range geneset {
		i, ok := p.targetIndex[g]
		if !ok || seen[g] {
			continue
		}
		seen[g] = true
		if w := p.W.At(i, j); w > 0 {
			out = append(out, Target{g, w})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Weight != out[b].Weight {
			return out[a].Weight > out[b].Weight
		}
		return out[a].Gene < out[b].Gene
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// WriteActivities writes the top n ligands as TSV, with the receptors each
// ligand reaches among the expressed receptors and its top targets.
func WriteActivities(ctx context.Context, path string, acts []Activity, receptors map[string][]string, targets map[string][]Target, n int) (err error) {
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
	for _, h := range []string{"rank", "ligand", "pearson", "auroc", "receptors", "targets"} {
		w.WriteString(h)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for i, a := range acts {
		if n >= 0 && i >= n {
			break
		}
		w.WriteInt64(int64(a.Rank))
		w.WriteString(a.Ligand)
		w.WriteString(strconv.FormatFloat(a.Pearson, 'f', 4, 64))
		w.WriteString(strconv.FormatFloat(a.AUROC, 'f', 4, 64))
		w.WriteString(join(receptors[a.Ligand]))
		var ts []string
		for _, t := range targets[a.Ligand] {
			ts = append(ts, t.Gene)
		}
		w.WriteString(join(ts))
		if err = w.EndLine(); err != nil {
			return errors.E(err, "write", path)
		}
	}
	return w.Flush()
}

func join(s []string) string {
	if len(s) == 0 {
		return "."
	}
	return strings.Join(s, ",")
}

// Receptors returns, for each ligand, its receptors in net that are in
// receiverExpr.
func Receptors(net []Pair, receiverExpr []string) map[string][]string {
	receiver := toSet(receiverExpr)
	out := map[string][]string{}
	for _, p := range net {
		if receiver[p.To] {
			out[p.From] = append(out[p.From], p.To)
		}
	}
	return out
}
