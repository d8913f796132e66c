package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/scrna/annotate"
	"github.com/grailbio/scrna/de"
	"github.com/grailbio/scrna/enrich"
	"github.com/grailbio/scrna/pseudobulk"
	"github.com/grailbio/scrna/qc"
	"github.com/grailbio/scrna/trajectory"
	"v.io/x/lib/cmdline"
)

func newCmdPreprocess() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "preprocess",
		Short: "Load 10x count matrices, filter cells and annotate them",
		Long: `
Preprocess reads one 10x directory per sample, removes low quality cells,
scores the cell cycle, integrates samples, clusters cells, finds cluster
markers and optionally transfers labels from a reference profile.

The sample sheet is a tab-separated file with a header. The "sample" and
"path" columns are required; every other column is copied to each cell of
that sample. Relative paths are resolved against the sheet's directory.

Writes <out>.scobj, <out>.meta.tsv, <out>.markers.tsv and <out>.qc.tsv.`,
	}
	flags := preprocessFlags{qc: qc.DefaultOpts, annotate: annotate.DefaultOpts}
	cmd.Flags.StringVar(&flags.samples, "samples", "", "Sample sheet (TSV with sample and path columns)")
	cmd.Flags.StringVar(&flags.out, "out", "", "Output path prefix")
	cmd.Flags.StringVar(&flags.conditionRules, "condition-rules", "", `Comma-separated pattern=label rules deriving the condition
column from the sample name, e.g. "_KO=KO,_WT=WT". The first matching
pattern wins; a sample matching none is an error.`)
	cmd.Flags.StringVar(&flags.reference, "reference", "", "Reference expression profile TSV for label transfer (optional)")
	cmd.Flags.StringVar(&flags.sGenes, "s-genes", "", "Comma-separated S phase genes, or a file with one gene per line")
	cmd.Flags.StringVar(&flags.g2mGenes, "g2m-genes", "", "Comma-separated G2/M phase genes, or a file with one gene per line")
	cmd.Flags.IntVar(&flags.qc.MinFeatures, "min-features", qc.DefaultOpts.MinFeatures, "Minimum detected genes per cell")
	cmd.Flags.IntVar(&flags.qc.MaxFeatures, "max-features", qc.DefaultOpts.MaxFeatures, "Maximum detected genes per cell; 0 for no bound")
	cmd.Flags.Int64Var(&flags.qc.MinCounts, "min-counts", qc.DefaultOpts.MinCounts, "Minimum UMI count per cell")
	cmd.Flags.Int64Var(&flags.qc.MaxCounts, "max-counts", qc.DefaultOpts.MaxCounts, "Maximum UMI count per cell; 0 for no bound")
	cmd.Flags.Float64Var(&flags.qc.MaxPercentMito, "max-percent-mito", qc.DefaultOpts.MaxPercentMito, "Maximum percentage of mitochondrial counts")
	cmd.Flags.IntVar(&flags.qc.MinCellsPerGene, "min-cells-per-gene", qc.DefaultOpts.MinCellsPerGene, "Drop genes detected in fewer cells")
	cmd.Flags.StringVar(&flags.qc.MitoPrefix, "mito-prefix", qc.DefaultOpts.MitoPrefix, "Mitochondrial gene symbol prefix")
	cmd.Flags.IntVar(&flags.annotate.NVariable, "n-variable", annotate.DefaultOpts.NVariable, "Number of variable genes")
	cmd.Flags.IntVar(&flags.annotate.NPCs, "n-pcs", annotate.DefaultOpts.NPCs, "Number of principal components")
	cmd.Flags.StringVar(&flags.annotate.BatchCol, "batch-col", annotate.DefaultOpts.BatchCol, "Metadata column to integrate over; empty for none")
	cmd.Flags.IntVar(&flags.annotate.Cluster.Neighbors, "neighbors", annotate.DefaultOpts.Cluster.Neighbors, "Number of nearest neighbours")
	cmd.Flags.Float64Var(&flags.annotate.Cluster.Resolution, "resolution", annotate.DefaultOpts.Cluster.Resolution, "Clustering resolution")
	cmd.Flags.Uint64Var(&flags.annotate.Cluster.Seed, "seed", annotate.DefaultOpts.Cluster.Seed, "Clustering random seed")
	cmd.Flags.Float64Var(&flags.annotate.Markers.MinPct, "marker-min-pct", annotate.DefaultOpts.Markers.MinPct, "Minimum fraction of expressing cells for a marker")
	cmd.Flags.Float64Var(&flags.annotate.Markers.LogFCThreshold, "marker-logfc", annotate.DefaultOpts.Markers.LogFCThreshold, "Minimum marker |log2 fold change|")
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("preprocess takes no arguments, but got %v", argv)
		}
		if flags.samples == "" || flags.out == "" {
			return fmt.Errorf("preprocess: -samples and -out are required")
		}
		return preprocess(context.Background(), flags)
	})
	return cmd
}

func newCmdPseudobulk() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "pseudobulk",
		Short: "Pseudobulk differential expression, GO enrichment and heatmaps",
		Long: `
Pseudobulk sums the counts of each biological replicate, drops rarely
counted genes, tests every pair of conditions for differential expression,
runs GO enrichment on the significant genes and draws a heatmap of the
genes behind the top terms.

Writes <out>.counts.tsv, <out>.samples.tsv and, per contrast,
<out>.<num>_vs_<den>.de.tsv, .go.tsv, .heatmap.tsv and .heatmap.svg.`,
	}
	flags := pseudobulkFlags{filter: pseudobulk.DefaultOpts, enrich: enrich.DefaultOpts}
	cmd.Flags.StringVar(&flags.obj, "obj", "", "Annotated object written by preprocess")
	cmd.Flags.StringVar(&flags.out, "out", "", "Output path prefix")
	cmd.Flags.StringVar(&flags.sampleCol, "sample-col", "sample", "Metadata column holding the replicate id")
	cmd.Flags.StringVar(&flags.conditionCol, "condition-col", "condition", "Metadata column holding the condition")
	cmd.Flags.StringVar(&flags.cellTypeCol, "cell-type-col", "", "Restrict to cells whose value in this column is -cell-type")
	cmd.Flags.StringVar(&flags.cellType, "cell-type", "", "Cell type to keep, see -cell-type-col")
	cmd.Flags.StringVar(&flags.goPath, "go", "", "Gene to GO term table (gene, term, namespace, description)")
	cmd.Flags.StringVar(&flags.db, "db", "", "Also store DE and enrichment tables in this SQLite database")
	cmd.Flags.Float64Var(&flags.filter.MinCount, "min-count", pseudobulk.DefaultOpts.MinCount, "Minimum count for a gene to count as present in a replicate")
	cmd.Flags.IntVar(&flags.filter.MinSamples, "min-samples", pseudobulk.DefaultOpts.MinSamples, "Minimum replicates in which a gene must be present")
	cmd.Flags.Float64Var(&flags.padj, "padj", 0.05, "DE adjusted p-value threshold")
	cmd.Flags.Float64Var(&flags.lfc, "lfc", 1, "DE |log2 fold change| threshold")
	cmd.Flags.StringVar(&flags.shrink, "shrink", de.ShrinkNormal, "Fold change shrinkage: none or normal")
	cmd.Flags.StringVar(&flags.enrich.Namespace, "namespace", enrich.DefaultOpts.Namespace, "GO namespace tested")
	cmd.Flags.IntVar(&flags.enrich.MinSize, "min-term-size", enrich.DefaultOpts.MinSize, "Smallest term tested")
	cmd.Flags.IntVar(&flags.enrich.MaxSize, "max-term-size", enrich.DefaultOpts.MaxSize, "Largest term tested")
	cmd.Flags.Float64Var(&flags.enrich.PValueCutoff, "pvalue-cutoff", enrich.DefaultOpts.PValueCutoff, "Enrichment p-value and adjusted p-value cutoff")
	cmd.Flags.Float64Var(&flags.enrich.QValueCutoff, "qvalue-cutoff", enrich.DefaultOpts.QValueCutoff, "Enrichment q-value cutoff")
	cmd.Flags.IntVar(&flags.topTerms, "top-terms", 10, "Number of top terms whose genes are drawn in the heatmap")
	cmd.Flags.StringVar(&flags.annotations, "annotations", "", "Comma-separated sample columns shown above the heatmap; default is the condition column")
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("pseudobulk takes no arguments, but got %v", argv)
		}
		if flags.obj == "" || flags.out == "" {
			return fmt.Errorf("pseudobulk: -obj and -out are required")
		}
		if (flags.cellTypeCol == "") != (flags.cellType == "") {
			return fmt.Errorf("pseudobulk: -cell-type-col and -cell-type go together")
		}
		return runPseudobulk(context.Background(), flags)
	})
	return cmd
}

func newCmdLigands() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "ligands",
		Short: "Rank sender ligands by their activity on receiver DE genes",
		Long: `
Ligands scores every ligand expressed by the sender cells whose receptor is
expressed by the receiver cells, by how well its prior regulatory potential
predicts the receiver's differentially expressed genes. The ranked ligands,
their receptors and top targets are written to <out>.`,
	}
	flags := ligandFlags{}
	cmd.Flags.StringVar(&flags.obj, "obj", "", "Annotated object written by preprocess")
	cmd.Flags.StringVar(&flags.out, "out", "", "Output TSV")
	cmd.Flags.StringVar(&flags.cellTypeCol, "celltype-col", annotate.ColPredicted, "Metadata column holding the cell type")
	cmd.Flags.StringVar(&flags.sender, "sender", "", "Comma-separated sender cell types")
	cmd.Flags.StringVar(&flags.receiver, "receiver", "", "Receiver cell type")
	cmd.Flags.StringVar(&flags.dePath, "de", "", "DE table of the receiver (from pseudobulk)")
	cmd.Flags.StringVar(&flags.ligandTarget, "ligand-target", "", "Ligand-target regulatory potential matrix")
	cmd.Flags.StringVar(&flags.network, "lr-network", "", "Ligand-receptor pairs (from, to)")
	cmd.Flags.Float64Var(&flags.padj, "padj", 0.05, "DE adjusted p-value threshold for the receiver gene set")
	cmd.Flags.Float64Var(&flags.lfc, "lfc", 0.25, "DE |log2 fold change| threshold for the receiver gene set")
	cmd.Flags.Float64Var(&flags.minPct, "min-pct", 0.1, "Fraction of cells a gene must be detected in to count as expressed")
	cmd.Flags.IntVar(&flags.top, "top", 20, "Number of ligands written")
	cmd.Flags.IntVar(&flags.targets, "targets", 20, "Number of targets listed per ligand")
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("ligands takes no arguments, but got %v", argv)
		}
		if flags.obj == "" || flags.out == "" || flags.dePath == "" || flags.ligandTarget == "" || flags.network == "" {
			return fmt.Errorf("ligands: -obj, -out, -de, -ligand-target and -lr-network are required")
		}
		if flags.sender == "" || flags.receiver == "" {
			return fmt.Errorf("ligands: -sender and -receiver are required")
		}
		return ligands(context.Background(), flags)
	})
	return cmd
}

func newCmdPseudotime() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "pseudotime",
		Short: "Order cells along a trajectory starting from root cells",
		Long: `
Pseudotime measures, for every cell, the shortest path distance to the
nearest root cell on the nearest neighbour graph of the object's embedding.
Roots are either listed in a file (-roots, one cell id per line) or chosen by
a metadata value (-root-col, -root-value).

Writes <out>.pseudotime.tsv and <out>.genes.tsv.`,
	}
	flags := pseudotimeFlags{opts: trajectory.DefaultOpts}
	cmd.Flags.StringVar(&flags.obj, "obj", "", "Annotated object written by preprocess")
	cmd.Flags.StringVar(&flags.out, "out", "", "Output path prefix")
	cmd.Flags.StringVar(&flags.roots, "roots", "", "File with one root cell id per line")
	cmd.Flags.StringVar(&flags.rootCol, "root-col", "", "Metadata column selecting root cells")
	cmd.Flags.StringVar(&flags.rootValue, "root-value", "", "Value of -root-col marking root cells")
	cmd.Flags.IntVar(&flags.opts.Neighbors, "neighbors", trajectory.DefaultOpts.Neighbors, "Number of nearest neighbours")
	cmd.Flags.BoolVar(&flags.opts.Normalize, "normalize", trajectory.DefaultOpts.Normalize, "Scale pseudotime to [0, 1]")
	cmd.Flags.IntVar(&flags.genes, "genes", 50, "Number of pseudotime associated genes written")
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("pseudotime takes no arguments, but got %v", argv)
		}
		if flags.obj == "" || flags.out == "" {
			return fmt.Errorf("pseudotime: -obj and -out are required")
		}
		return pseudotime(context.Background(), flags)
	})
	return cmd
}

func newCmdChecksum() *cmdline.Command {
	cmd := &cmdline.Command{
		Name: "checksum",
		Short: `Compute a checksum of an annotated object.
The checksum is a JSON string summarizing the counts, metadata and embedding.
It does not depend on the order of the cells.`,
		ArgsName: "path",
	}
	cmd.Runner = cmdline.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("checksum takes a path, but found %v", argv)
		}
		return checksum(context.Background(), env.Stdout, argv[0])
	})
	return cmd
}

// splitList splits a comma-separated flag value, dropping empty elements.
func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func newCmdRoot() *cmdline.Command {
	return &cmdline.Command{
		Name:     "scrna",
		Short:    "Single-cell RNA-seq analysis of lung macrophages",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdPreprocess(),
			newCmdPseudobulk(),
			newCmdLigands(),
			newCmdPseudotime(),
			newCmdChecksum(),
		},
	}
}

// Run is the entry point of the scrna binary.
func Run() {
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(newCmdRoot())
}
