package cmd

import (
	"context"
	"errors"
	"fmt"

	gerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/cellmeta"
	"github.com/grailbio/scrna/de"
	"github.com/grailbio/scrna/enrich"
	"github.com/grailbio/scrna/heatmap"
	"github.com/grailbio/scrna/pseudobulk"
	"github.com/grailbio/scrna/resultsdb"
	"github.com/grailbio/scrna/scobj"
)

type pseudobulkFlags struct {
	obj          string
	out          string
	sampleCol    string
	conditionCol string
	cellTypeCol  string
	cellType     string
	goPath       string
	db           string
	annotations  string
	shrink       string
	padj, lfc    float64
	topTerms     int
	filter       pseudobulk.Opts
	enrich       enrich.Opts
}

// subsetMeta returns the rows of meta whose column col equals value.
func subsetMeta(meta *cellmeta.Table, col, value string) (*cellmeta.Table, error) {
	if col == "" {
		return meta, nil
	}
	vals, err := meta.String(col)
	if err != nil {
		return nil, err
	}
	keep := make([]bool, len(vals))
	for i, v := range vals {
		keep[i] = v == value
	}
	return meta.Subset(keep), nil
}

func runPseudobulk(ctx context.Context, f pseudobulkFlags) error {
	log.Printf("[loading %s]", f.obj)
	obj, err := scobj.Read(ctx, f.obj)
	if err != nil {
		return err
	}
	log.Printf("[aggregating by %s]", f.sampleCol)
	bulk, err := pseudobulk.AggregateMeta(obj, f.sampleCol, f.cellTypeCol, f.cellType)
	if err != nil {
		return err
	}
	if err := bulk.Write(ctx, f.out+".counts.tsv"); err != nil {
		return err
	}
	filtered := pseudobulk.FilterLowCounts(bulk, f.filter)
	if filtered.NGenes() == 0 {
		return gerrors.E("pseudobulk: no gene passes the low count filter")
	}

	cols := []string{f.conditionCol}
	for _, c := range splitList(f.annotations) {
		if c != f.conditionCol {
			cols = append(cols, c)
		}
	}
	meta, err := subsetMeta(obj.Meta, f.cellTypeCol, f.cellType)
	if err != nil {
		return err
	}
	samples, err := pseudobulk.SamplesFromMeta(meta, f.sampleCol, cols...)
	if err != nil {
		return err
	}
	if err := samples.Write(ctx, f.out+".samples.tsv"); err != nil {
		return err
	}
	ds, err := de.NewDataset(filtered, samples, f.conditionCol)
	if err != nil {
		return err
	}

	var annots *enrich.Annotations
	if f.goPath != "" {
		if annots, err = enrich.ReadAnnotations(ctx, f.goPath); err != nil {
			return err
		}
	}
	var db *resultsdb.DB
	if f.db != "" {
		if db, err = resultsdb.Open(ctx, f.db); err != nil {
			return err
		}
		defer db.Close() // nolint: errcheck
	}

	// Heatmaps show the size factor normalized counts of every sample.
	sf, err := de.SizeFactors(filtered.Counts)
	if err != nil {
		return err
	}
	expr, err := heatmap.Transform(filtered, sf)
	if err != nil {
		return err
	}
	var tracks []heatmap.Annotation
	for _, c := range cols {
		vals, err := samples.Get(c)
		if err != nil {
			return err
		}
		byID := map[string]string{}
		for i, id := range samples.IDs {
			byID[id] = vals[i]
		}
		a := heatmap.Annotation{Name: c, Values: make([]string, len(filtered.Samples))}
		for j, s := range filtered.Samples {
			a.Values[j] = byID[s]
		}
		tracks = append(tracks, a)
	}

	engine := de.NewNBWald()
	for _, c := range de.Contrasts(ds.Levels()) {
		prefix := fmt.Sprintf("%s.%s", f.out, c)
		log.Printf("[testing %s]", c)
		raw, err := engine.Test(ctx, ds, c)
		if err != nil {
			return err
		}
		res, err := de.Shrink(raw, f.shrink)
		if err != nil {
			return err
		}
		if err := de.WriteResults(ctx, prefix+".de.tsv", res.Sorted()); err != nil {
			return err
		}
		sig := res.Significant(f.padj, f.lfc)
		log.Printf("%s: %d of %d genes with padj < %g and |log2FC| > %g", c, len(sig), len(res.Genes), f.padj, f.lfc)
		if db != nil {
			if err := db.WriteDE(ctx, c.String(), res.Genes); err != nil {
				return err
			}
		}
		// The enrichment table is written, possibly empty, for every contrast.
		if annots == nil {
			if err := enrich.WriteResults(ctx, prefix+".go.tsv", nil); err != nil {
				return err
			}
			continue
		}

		log.Printf("[GO enrichment of %s]", c)
		opts := f.enrich
		opts.Universe = filtered.Genes
		terms, err := enrich.Test(de.GeneNames(sig), annots, opts)
		if errors.Is(err, enrich.ErrEmptyGeneSet) {
			log.Error.Printf("%s: no significant genes, skipping enrichment", c)
			if err := enrich.WriteResults(ctx, prefix+".go.tsv", nil); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := enrich.WriteResults(ctx, prefix+".go.tsv", terms.Terms); err != nil {
			return err
		}
		if db != nil {
			if err := db.WriteEnrichment(ctx, c.String(), terms.Terms); err != nil {
				return err
			}
		}
		genes := terms.UnionGenes(f.topTerms)
		if len(genes) < 2 {
			log.Error.Printf("%s: %d genes in the top %d terms, no heatmap drawn", c, len(genes), f.topTerms)
			continue
		}
		hm, err := heatmap.Build(expr, genes, tracks)
		if err != nil {
			return err
		}
		if err := hm.WriteTSV(ctx, prefix+".heatmap.tsv"); err != nil {
			return err
		}
		if err := hm.WriteSVG(ctx, prefix+".heatmap.svg"); err != nil {
			return err
		}
	}
	return nil
}
