// Package lrcomm ranks ligands expressed by sender cells by how well their
// prior regulatory potential predicts a gene program in receiver cells.
package lrcomm

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/mat"
)

// Prior is the ligand-target regulatory potential matrix, targets x
// ligands.
type Prior struct {
	Targets []string
	Ligands []string
	W       *mat.Dense

	targetIndex map[string]int
	ligandIndex map[string]int
}

// NewPrior wraps a weight matrix.
func NewPrior(targets, ligands []string, w *mat.Dense) (*Prior, error) {
	r, c := w.Dims()
	if r != len(targets) || c != len(ligands) {
		return nil, fmt.Errorf("lrcomm: %dx%d weights for %d targets, %d ligands", r, c, len(targets), len(ligands))
	}
	p := &Prior{Targets: targets, Ligands: ligands, W: w,
		targetIndex: make(map[string]int, len(targets)),
		ligandIndex: make(map[string]int, len(ligands)),
	}
	for i, t := range targets {
		if _, ok := p.targetIndex[t]; ok {
			return nil, fmt.Errorf("lrcomm: duplicate target %s", t)
		}
		p.targetIndex[t] = i
	}
	for i, l := range ligands {
		if _, ok := p.ligandIndex[l]; ok {
			return nil, fmt.Errorf("lrcomm: duplicate ligand %s", l)
		}
		p.ligandIndex[l] = i
	}
	return p, nil
}

// HasLigand reports whether l is a column of the prior.
func (p *Prior) HasLigand(l string) bool {
	_, ok := p.ligandIndex[l]
	return ok
}

// ReadLigandTarget reads a TSV whose first column names target genes and
// whose other columns are ligands.
func ReadLigandTarget(ctx context.Context, path string) (*Prior, error) {
	t, err := util.ReadTable(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(t.Header) < 2 || len(t.Rows) == 0 {
		return nil, errors.E("read", path, "expect a target column, ligand columns and at least one row")
	}
	w := mat.NewDense(len(t.Rows), len(t.Header)-1, nil)
	targets := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		targets[i] = row[0]
		for j, s := range row[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.E(err, "read", path, row[0])
			}
			w.Set(i, j, v)
		}
	}
	p, err := NewPrior(targets, t.Header[1:], w)
	if err != nil {
		return nil, errors.E(err, "read", path)
	}
	return p, nil
}

// Pair is one ligand-receptor interaction.
type Pair struct {
	From string `tsv:"from"`
	To   string `tsv:"to"`
}

// ReadNetwork reads a ligand-receptor network TSV with "from" (ligand) and
// "to" (receptor) columns.
func ReadNetwork(ctx context.Context, path string) ([]Pair, error) {
	in, err := util.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close() // nolint: errcheck
	r := tsv.NewReader(in)
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	r.Comment = '#'
	var pairs []Pair
	for {
		var p Pair
		if err := r.Read(&p); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.E(err, "read", path)
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}
