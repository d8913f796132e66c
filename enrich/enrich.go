// Package enrich tests gene sets for over-representation of gene ontology
// terms.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/stat/combin"
)

// ErrEmptyGeneSet is returned when no input gene is annotated in the
// tested namespace.
var ErrEmptyGeneSet = errors.New("empty gene set")

// GeneSep separates member genes in Term.Genes.
const GeneSep = "/"

// Term is one annotated category.
type Term struct {
	ID          string
	Namespace   string
	Description string
}

// Annotations maps genes to ontology terms. The mapping is used as given,
// so it should already include ancestor terms.
type Annotations struct {
	terms   map[string]*Term
	members map[string][]string // term id -> genes, sorted
	genes   map[string]map[string]bool
}

type annotationRow struct {
	Gene        string `tsv:"gene"`
	Term        string `tsv:"term"`
	Namespace   string `tsv:"namespace"`
	Description string `tsv:"description"`
}

// ReadAnnotations reads a TSV with columns gene, term, namespace and
// description.
func ReadAnnotations(ctx context.Context, path string) (*Annotations, error) {
	in, err := util.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close() // nolint: errcheck
	r := tsv.NewReader(in)
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	r.Comment = '#'
	r.LazyQuotes = true
	a := NewAnnotations()
	for {
		var row annotationRow
		err := r.Read(&row)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, gerrors.E(err, "read", path)
		}
		a.Add(row.Gene, Term{ID: row.Term, Namespace: row.Namespace, Description: row.Description})
	}
	a.finish()
	log.Printf("enrich: %d terms over %d genes from %s", len(a.terms), len(a.genes), path)
	return a, nil
}

// NewAnnotations returns an empty mapping.
func NewAnnotations() *Annotations {
	return &Annotations{
		terms:   map[string]*Term{},
		members: map[string][]string{},
		genes:   map[string]map[string]bool{},
	}
}

// Add records that gene belongs to t.
func (a *Annotations) Add(gene string, t Term) {
	if _, ok := a.terms[t.ID]; !ok {
		tt := t
		a.terms[t.ID] = &tt
	}
	if a.genes[gene] == nil {
		a.genes[gene] = map[string]bool{}
	}
	if !a.genes[gene][t.ID] {
		a.genes[gene][t.ID] = true
		a.members[t.ID] = append(a.members[t.ID], gene)
	}
}

func (a *Annotations) finish() {
	for _, m := range a.members {
		sort.Strings(m)
	}
}

// Opts configures Test.
type Opts struct {
	// Namespace restricts the terms tested (BP, MF or CC).
	Namespace string
	// Universe is the background gene list. When empty, every gene with an
	// annotation in Namespace is the background.
	Universe []string
	// MinSize and MaxSize bound the number of background genes of a term.
	MinSize, MaxSize int
	// Correction is the multiple testing correction, see util.Adjust.
	Correction string
	// PValueCutoff and QValueCutoff select the reported terms.
	PValueCutoff, QValueCutoff float64
}

// DefaultOpts test biological process terms.
var DefaultOpts = Opts{
	Namespace:    "BP",
	MinSize:      10,
	MaxSize:      500,
	Correction:   util.BH,
	PValueCutoff: 0.05,
	QValueCutoff: 0.2,
}

// Result is the test of one term.
type Result struct {
	ID          string
	Description string
	// GeneRatio is k/n: set genes in the term over annotated set genes.
	GeneRatio string
	// BgRatio is K/N: background genes in the term over background genes.
	BgRatio string
	PValue  float64
	PAdjust float64
	QValue  float64
	// Genes lists the set genes in the term, joined by GeneSep.
	Genes string
	Count int
}

// Results is an ordered list of significant terms.
type Results struct {
	Terms []Result
}

// Test runs a one-sided hypergeometric test of genes against every term of
// opts.Namespace. Terms are ranked by p-value, then by id, so repeated
// calls return the same order.
func Test(genes []string, a *Annotations, opts Opts) (*Results, error) {
	if err := util.CheckCorrection(opts.Correction); err != nil {
		return nil, gerrors.E(err, "enrich.Test")
	}
	inNS := func(g string) bool {
		for id := range a.genes[g] {
			if a.terms[id].Namespace == opts.Namespace {
				return true
			}
		}
		return false
	}
	bg := map[string]bool{}
	if len(opts.Universe) > 0 {
		for _, g := range opts.Universe {
			if inNS(g) {
				bg[g] = true
			}
		}
	} else {
		for g := range a.genes {
			if inNS(g) {
				bg[g] = true
			}
		}
	}
	set := map[string]bool{}
	for _, g := range genes {
		if bg[g] {
			set[g] = true
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("enrich: none of %d genes annotated in %s: %w", len(genes), opts.Namespace, ErrEmptyGeneSet)
	}
	N, n := len(bg), len(set)

	var ids []string
	for id, t := range a.terms {
		if t.Namespace == opts.Namespace {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var all []Result
	for _, id := range ids {
		var K int
		var hits []string
		for _, g := range a.members[id] {
			if bg[g] {
				K++
				if set[g] {
					hits = append(hits, g)
				}
			}
		}
		if K < opts.MinSize || (opts.MaxSize > 0 && K > opts.MaxSize) || len(hits) == 0 {
			continue
		}
		k := len(hits)
		all = append(all, Result{
			ID:          id,
			Description: a.terms[id].Description,
			GeneRatio:   fmt.Sprintf("%d/%d", k, n),
			BgRatio:     fmt.Sprintf("%d/%d", K, N),
			PValue:      HypergeomUpper(k, N, K, n),
			Genes:       strings.Join(hits, GeneSep),
			Count:       k,
		})
	}
	p := make([]float64, len(all))
	for i := range all {
		p[i] = all[i].PValue
	}
	padj, err := util.Adjust(p, opts.Correction)
	if err != nil {
		return nil, gerrors.E(err, "enrich.Test")
	}
	q := util.AdjustBH(p)
	for i := range all {
		all[i].PAdjust, all[i].QValue = padj[i], q[i]
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].PValue != all[j].PValue {
			return all[i].PValue < all[j].PValue
		}
		return all[i].ID < all[j].ID
	})
	res := &Results{}
	for _, r := range all {
		if r.PValue < opts.PValueCutoff && r.PAdjust < opts.PValueCutoff && r.QValue < opts.QValueCutoff {
			res.Terms = append(res.Terms, r)
		}
	}
	log.Printf("enrich: %d of %d tested %s terms significant (%d/%d genes)", len(res.Terms), len(all), opts.Namespace, n, N)
	return res, nil
}

// HypergeomUpper returns P(X >= k) for X drawn from a hypergeometric
// distribution: n draws without replacement from N items of which K are
// successes.
func HypergeomUpper(k, N, K, n int) float64 {
	hi := n
	if K < hi {
		hi = K
	}
	if k > hi {
		return 0
	}
	logDen := combin.LogGeneralizedBinomial(float64(N), float64(n))
	var p float64
	for x := k; x <= hi; x++ {
		if n-x > N-K {
			continue
		}
		p += math.Exp(combin.LogGeneralizedBinomial(float64(K), float64(x)) +
			combin.LogGeneralizedBinomial(float64(N-K), float64(n-x)) - logDen)
	}
	return math.Min(p, 1)
}

// Top returns the first n terms.
func (r *Results) Top(n int) []Result {
	if n > len(r.Terms) {
		n = len(r.Terms)
	}
	return r.Terms[:n]
}

// UnionGenes returns the distinct member genes of the top n terms, in
// order of first appearance.
func (r *Results) UnionGenes(n int) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range r.Top(n) {
		for _, g := range strings.Split(t.Genes, GeneSep) {
			if g != "" && !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out
}

// WriteResults writes the terms as TSV.
func WriteResults(ctx context.Context, path string, terms []Result) (err error) {
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
	for _, h := range []string{"ID", "Description", "GeneRatio", "BgRatio", "pvalue", "p.adjust", "qvalue", "geneID", "Count"} {
		w.WriteString(h)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, t := range terms {
		w.WriteString(t.ID)
		w.WriteString(t.Description)
		w.WriteString(t.GeneRatio)
		w.WriteString(t.BgRatio)
		w.WriteString(strconv.FormatFloat(t.PValue, 'g', 6, 64))
		w.WriteString(strconv.FormatFloat(t.PAdjust, 'g', 6, 64))
		w.WriteString(strconv.FormatFloat(t.QValue, 'g', 6, 64))
		w.WriteString(t.Genes)
		w.WriteInt64(int64(t.Count))
		if err = w.EndLine(); err != nil {
			return gerrors.E(err, "write", path)
		}
	}
	return w.Flush()
}
