package cmd

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/de"
	"github.com/grailbio/scrna/lrcomm"
	"github.com/grailbio/scrna/scobj"
)

type ligandFlags struct {
	obj          string
	out          string
	cellTypeCol  string
	sender       string
	receiver     string
	dePath       string
	ligandTarget string
	network      string
	padj, lfc    float64
	minPct       float64
	top, targets int
}

// cellMask marks the cells whose value of col is one of values.
func cellMask(obj *scobj.Object, col string, values []string) ([]bool, int, error) {
	vals, err := obj.Meta.String(col)
	if err != nil {
		return nil, 0, err
	}
	want := map[string]bool{}
	for _, v := range values {
		want[v] = true
	}
	mask := make([]bool, len(vals))
	var n int
	for i, v := range vals {
		if mask[i] = want[v]; mask[i] {
			n++
		}
	}
	if n == 0 {
		return nil, 0, fmt.Errorf("no cells with %s in %v", col, values)
	}
	return mask, n, nil
}

func ligands(ctx context.Context, f ligandFlags) error {
	log.Printf("[loading %s]", f.obj)
	obj, err := scobj.Read(ctx, f.obj)
	if err != nil {
		return err
	}
	prior, err := lrcomm.ReadLigandTarget(ctx, f.ligandTarget)
	if err != nil {
		return err
	}
	net, err := lrcomm.ReadNetwork(ctx, f.network)
	if err != nil {
		return err
	}
	rs, err := de.ReadResults(ctx, f.dePath)
	if err != nil {
		return err
	}
	geneset := de.GeneNames((&de.Results{Genes: rs}).Significant(f.padj, f.lfc))
	log.Printf("ligands: %d receiver DE genes with padj < %g and |log2FC| > %g", len(geneset), f.padj, f.lfc)

	senders, ns, err := cellMask(obj, f.cellTypeCol, splitList(f.sender))
	if err != nil {
		return err
	}
	receivers, nr, err := cellMask(obj, f.cellTypeCol, []string{f.receiver})
	if err != nil {
		return err
	}
	senderExpr := lrcomm.ExpressedGenes(obj.Counts, senders, f.minPct)
	receiverExpr := lrcomm.ExpressedGenes(obj.Counts, receivers, f.minPct)
	log.Printf("ligands: %d genes expressed by %d sender cells, %d by %d receiver cells",
		len(senderExpr), ns, len(receiverExpr), nr)

	potential := lrcomm.PotentialLigands(net, senderExpr, receiverExpr)
	log.Printf("[scoring %d potential ligands]", len(potential))
	acts, err := lrcomm.LigandActivities(prior, geneset, receiverExpr, potential)
	if err != nil {
		return err
	}
	targets := map[string][]lrcomm.Target{}
	for i, a := range acts {
		if i >= f.top {
			break
		}
		targets[a.Ligand] = lrcomm.TopTargets(prior, a.Ligand, geneset, f.targets)
	}
	return lrcomm.WriteActivities(ctx, f.out, acts, lrcomm.Receptors(net, receiverExpr), targets, f.top)
}
