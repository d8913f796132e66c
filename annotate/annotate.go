// Package annotate turns a quality-controlled count matrix into an annotated
// set of cells: normalization, cell cycle scoring, batch-aware scaling,
// PCA, graph clustering, cluster markers and reference label transfer.
package annotate

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/cellmeta"
	"github.com/grailbio/scrna/countmat"
	"gonum.org/v1/gonum/mat"
)

// Metadata columns written by Run.
const (
	ColSScore    = "S.Score"
	ColG2MScore  = "G2M.Score"
	ColPhase     = "Phase"
	ColCluster   = "seurat_clusters"
	ColPredicted = "predicted.id"
	ColPredScore = "prediction.score"
)

const (
	defaultNBins  = 20
	cellCycleBins = 24
)

// Opts configures Run.
type Opts struct {
	// Scale is the per-cell library size after normalization.
	Scale float64
	// NVariable is the number of variable genes used for PCA.
	NVariable int
	// NPCs is the number of principal components kept.
	NPCs int
	// ScaleClip bounds scaled values; 0 disables clipping.
	ScaleClip float64
	// BatchCol names the metadata column integrated over; empty for none.
	BatchCol string
	// SGenes and G2MGenes are the cell cycle gene sets. Scoring is skipped
	// when either is empty.
	SGenes, G2MGenes []string
	Cluster          ClusterOpts
	Markers          MarkerOpts
}

// DefaultOpts are the defaults used by the preprocess command.
var DefaultOpts = Opts{
	Scale:     1e4,
	NVariable: 2000,
	NPCs:      30,
	ScaleClip: 10,
	BatchCol:  "sample",
	Cluster:   DefaultClusterOpts,
	Markers:   DefaultMarkerOpts,
}

// Result is the outcome of Run.
type Result struct {
	Expr      *Expr
	Embedding *mat.Dense
	Markers   []Marker
}

// Run annotates the cells of m. New columns are added to meta, whose rows
// must be the cells of m in order. ref may be nil, in which case no label
// transfer is done.
func Run(m *countmat.Matrix, meta *cellmeta.Table, ref *Reference, opts Opts) (*Result, error) {
	if meta.Len() != m.NCells() {
		return nil, errors.E("annotate: metadata rows do not match matrix cells")
	}
	for i, c := range meta.Cells() {
		if m.Cells[i] != c {
			return nil, errors.E("annotate: metadata rows do not match matrix cells", c)
		}
	}
	log.Printf("[normalizing %d cells]", m.NCells())
	e := LogNormalize(m, opts.Scale)

	if len(opts.SGenes) > 0 && len(opts.G2MGenes) > 0 {
		log.Printf("[cell cycle scoring]")
		s, g2m, phase, ok := CellCycle(e, opts.SGenes, opts.G2MGenes, cellCycleBins)
		if ok {
			if err := meta.AddFloat(ColSScore, s); err != nil {
				return nil, err
			}
			if err := meta.AddFloat(ColG2MScore, g2m); err != nil {
				return nil, err
			}
			if err := meta.AddString(ColPhase, phase); err != nil {
				return nil, err
			}
		} else {
			log.Error.Printf("cell cycle genes not found in data, phase not assigned")
		}
	}

	var batch []string
	if opts.BatchCol != "" {
		var err error
		if batch, err = meta.String(opts.BatchCol); err != nil {
			return nil, err
		}
	}
	genes := VariableGenes(e, opts.NVariable, defaultNBins)
	if len(genes) == 0 {
		return nil, errors.E("annotate: no variable genes")
	}
	log.Printf("[scaling %d variable genes]", len(genes))
	x, err := Scale(e, genes, batch, opts.ScaleClip)
	if err != nil {
		return nil, err
	}
	emb, sdev, err := PCA(x, opts.NPCs)
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("PC standard deviations: %v", sdev)

	log.Printf("[clustering]")
	nn, err := KNN(emb, opts.Cluster.Neighbors)
	if err != nil {
		return nil, err
	}
	clusters := Cluster(nn, opts.Cluster)
	if err := meta.AddString(ColCluster, clusters); err != nil {
		return nil, err
	}

	res := &Result{Expr: e, Embedding: emb}
	log.Printf("[finding markers]")
	if res.Markers, err = Markers(e, clusters, opts.Markers); err != nil {
		// A single cluster has no markers; that is not fatal.
		log.Error.Printf("markers: %v", err)
	}

	if ref != nil {
		log.Printf("[label transfer]")
		labels, scores, err := TransferLabels(e, ref)
		if err != nil {
			return nil, err
		}
		if err := meta.AddString(ColPredicted, labels); err != nil {
			return nil, err
		}
		if err := meta.AddFloat(ColPredScore, scores); err != nil {
			return nil, err
		}
	}
	return res, nil
}
