package cmd

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/annotate"
	"github.com/grailbio/scrna/scobj"
	"github.com/grailbio/scrna/trajectory"
	"gonum.org/v1/gonum/mat"
)

type pseudotimeFlags struct {
	obj       string
	out       string
	roots     string
	rootCol   string
	rootValue string
	genes     int
	opts      trajectory.Opts
}

func embeddingMatrix(rows [][]float64) *mat.Dense {
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		m.SetRow(i, r)
	}
	return m
}

func pseudotime(ctx context.Context, f pseudotimeFlags) error {
	log.Printf("[loading %s]", f.obj)
	obj, err := scobj.Read(ctx, f.obj)
	if err != nil {
		return err
	}
	if len(obj.Embedding) == 0 {
		return errors.E("pseudotime: object has no embedding", f.obj)
	}
	var ids []string
	if f.roots != "" {
		if ids, err = readList(ctx, f.roots); err != nil {
			return err
		}
	}
	roots, err := trajectory.Roots(obj.Meta, ids, f.rootCol, f.rootValue)
	if err != nil {
		return err
	}
	log.Printf("[ordering %d cells from %d roots]", obj.Counts.NCells(), len(roots))
	pt, unreachable, err := trajectory.Pseudotime(embeddingMatrix(obj.Embedding), roots, f.opts)
	if err != nil {
		return err
	}
	if unreachable == len(pt) {
		return errors.E("pseudotime: no cell reachable from the roots")
	}
	if err := trajectory.WritePseudotime(ctx, f.out+".pseudotime.tsv", obj.Counts.Cells, pt, roots); err != nil {
		return err
	}
	e := annotate.LogNormalize(obj.Counts, annotate.DefaultOpts.Scale)
	as, err := trajectory.AssociatedGenes(e, pt, f.genes)
	if err != nil {
		return err
	}
	return trajectory.WriteAssociations(ctx, f.out+".genes.tsv", as)
}
