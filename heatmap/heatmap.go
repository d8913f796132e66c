// Package heatmap renders row-scaled, two-way clustered expression
// heatmaps of pseudobulk samples.
package heatmap

import (
	"context"
	"fmt"
	"image/color"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/pseudobulk"
	"github.com/grailbio/scrna/util"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Transform returns log2(count/sizeFactor + 1) of bulk, a variance
// stabilizing stand-in used for display.
func Transform(bulk *pseudobulk.Matrix, sizeFactors []float64) (*pseudobulk.Matrix, error) {
	r, c := bulk.Counts.Dims()
	if len(sizeFactors) != c {
		return nil, fmt.Errorf("heatmap: %d size factors for %d samples", len(sizeFactors), c)
	}
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 {
		return math.Log2(v/sizeFactors[j] + 1)
	}, bulk.Counts)
	return &pseudobulk.Matrix{Genes: bulk.Genes, Samples: bulk.Samples, Counts: out}, nil
}

// Annotation is one sample-level annotation track, e.g. condition.
type Annotation struct {
	Name   string
	Values []string // one per sample
}

// Heatmap is a clustered, row-scaled matrix ready for rendering.
type Heatmap struct {
	Genes   []string // in display order
	Samples []string // in display order
	// Z is genes x samples in display order.
	Z           [][]float64
	Annotations []Annotation // values in display order
	Rows, Cols  *Dendrogram
}

// Build selects genes from expr, z-scores each row and clusters rows and
// columns with average linkage. Genes absent from expr are skipped; genes
// with zero variance get an all-zero row.
func Build(expr *pseudobulk.Matrix, genes []string, annotations []Annotation) (*Heatmap, error) {
	idx := map[string]int{}
	for i, g := range expr.Genes {
		idx[g] = i
	}
	var names []string
	var rows [][]float64
	seen := map[string]bool{}
	for _, g := range genes {
		i, ok := idx[g]
		if !ok || seen[g] {
			continue
		}
		seen[g] = true
		row := mat.Row(nil, i, expr.Counts)
		mean, sd := stat.MeanStdDev(row, nil)
		for j := range row {
			if sd > 0 {
				row[j] = (row[j] - mean) / sd
			} else {
				row[j] = 0
			}
		}
		names = append(names, g)
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errors.E(fmt.Sprintf("heatmap: none of %d genes present", len(genes)))
	}
	if len(rows) < len(genes) {
		log.Error.Printf("heatmap: %d of %d genes not in expression matrix", len(genes)-len(rows), len(genes))
	}
	for _, a := range annotations {
		if len(a.Values) != len(expr.Samples) {
			return nil, errors.E(fmt.Sprintf("heatmap: annotation %s has %d values for %d samples", a.Name, len(a.Values), len(expr.Samples)))
		}
	}

	rowDG := AverageLinkage(Distances(rows))
	cols := make([][]float64, len(expr.Samples))
	for j := range cols {
		cols[j] = make([]float64, len(rows))
		for i := range rows {
			cols[j][i] = rows[i][j]
		}
	}
	colDG := AverageLinkage(Distances(cols))

	h := &Heatmap{Rows: rowDG, Cols: colDG}
	for _, i := range rowDG.Order {
		h.Genes = append(h.Genes, names[i])
		z := make([]float64, len(colDG.Order))
		for k, j := range colDG.Order {
			z[k] = rows[i][j]
		}
		h.Z = append(h.Z, z)
	}
	for _, j := range colDG.Order {
		h.Samples = append(h.Samples, expr.Samples[j])
	}
	for _, a := range annotations {
		v := make([]string, len(colDG.Order))
		for k, j := range colDG.Order {
			v[k] = a.Values[j]
		}
		h.Annotations = append(h.Annotations, Annotation{Name: a.Name, Values: v})
	}
	return h, nil
}

// WriteTSV writes the z-scores in display order, preceded by one row per
// annotation.
func (h *Heatmap) WriteTSV(ctx context.Context, path string) (err error) {
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
	for _, s := range h.Samples {
		w.WriteString(s)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for _, a := range h.Annotations {
		w.WriteString("#" + a.Name)
		for _, v := range a.Values {
			w.WriteString(v)
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	for i, g := range h.Genes {
		w.WriteString(g)
		for _, v := range h.Z[i] {
			w.WriteString(strconv.FormatFloat(v, 'f', 4, 64))
		}
		if err = w.EndLine(); err != nil {
			return errors.E(err, "write", path)
		}
	}
	return w.Flush()
}

const (
	cellW   = 28
	cellH   = 14
	labelW  = 110
	headerH = 70
	maxZ    = 2.0
)

var trackColors = []color.Color{
	color.RGBA{0x1b, 0x9e, 0x77, 0xff},
	color.RGBA{0xd9, 0x5f, 0x02, 0xff},
	color.RGBA{0x75, 0x70, 0xb3, 0xff},
	color.RGBA{0xe7, 0x29, 0x8a, 0xff},
	color.RGBA{0x66, 0xa6, 0x1e, 0xff},
	color.RGBA{0xe6, 0xab, 0x02, 0xff},
	color.RGBA{0xa6, 0x76, 0x1d, 0xff},
	color.RGBA{0x66, 0x66, 0x66, 0xff},
}

// zGrid presents the z-scores as a plotter.GridXYZ. Grid row 0 is drawn at
// the bottom, so genes are flipped to keep the first gene on top. Values are
// clamped to +-maxZ.
type zGrid struct{ h *Heatmap }

func (g zGrid) Dims() (c, r int) { return len(g.h.Samples), len(g.h.Genes) }
func (g zGrid) X(c int) float64  { return float64(c) }
func (g zGrid) Y(r int) float64  { return float64(r) }

func (g zGrid) Z(c, r int) float64 {
	z := g.h.Z[len(g.h.Genes)-1-r][c]
	return math.Max(-maxZ, math.Min(maxZ, z))
}

// Plot lays out the heatmap: z-scores on a blue-white-red scale, one strip
// per annotation above the genes and a legend of annotation values.
func (h *Heatmap) Plot() (*plot.Plot, error) {
	p := plot.New()
	nGenes, nSamples := len(h.Genes), len(h.Samples)
	cm := moreland.SmoothBlueRed()
	cm.SetMin(-maxZ)
	cm.SetMax(maxZ)
	hm := plotter.NewHeatMap(zGrid{h}, cm.Palette(255))
	hm.Min, hm.Max = -maxZ, maxZ
	p.Add(hm)

	var yTicks []plot.Tick
	for i, g := range h.Genes {
		yTicks = append(yTicks, plot.Tick{Value: float64(nGenes - 1 - i), Label: g})
	}
	swatches := map[string]*plotter.Polygon{}
	var keys []string
	for a, ann := range h.Annotations {
		y := float64(nGenes+a) + 0.25
		yTicks = append(yTicks, plot.Tick{Value: y, Label: ann.Name})
		for k, v := range ann.Values {
			x := float64(k)
			cell, err := plotter.NewPolygon(plotter.XYs{
				{X: x - 0.5, Y: y - 0.5}, {X: x + 0.5, Y: y - 0.5},
				{X: x + 0.5, Y: y + 0.5}, {X: x - 0.5, Y: y + 0.5},
			})
			if err != nil {
				return nil, errors.E(err, "heatmap: annotation", ann.Name)
			}
			key := ann.Name + ": " + v
			if _, ok := swatches[key]; !ok {
				cell.Color = trackColors[len(swatches)%len(trackColors)]
				swatches[key] = cell
				keys = append(keys, key)
			}
			cell.Color = swatches[key].Color
			cell.LineStyle.Width = 0
			p.Add(cell)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		p.Legend.Add(key, swatches[key])
	}
	p.Legend.Top = true

	var xTicks []plot.Tick
	for k, s := range h.Samples {
		xTicks = append(xTicks, plot.Tick{Value: float64(k), Label: s})
	}
	p.X.Tick.Marker = plot.ConstantTicks(xTicks)
	p.X.Tick.Label.Rotation = math.Pi / 3
	p.Y.Tick.Marker = plot.ConstantTicks(yTicks)
	// Room for the legend right of the samples.
	p.X.Min, p.X.Max = -0.5, float64(nSamples)+3
	p.Y.Min, p.Y.Max = -0.5, float64(nGenes+len(h.Annotations))
	return p, nil
}

// WriteSVG renders the heatmap as SVG.
func (h *Heatmap) WriteSVG(ctx context.Context, path string) (err error) {
	p, err := h.Plot()
	if err != nil {
		return err
	}
	width := vg.Points(float64(labelW + cellW*(len(h.Samples)+4)))
	height := vg.Points(float64(headerH + cellH*(len(h.Genes)+len(h.Annotations)+2)))
	wt, err := p.WriterTo(width, height, "svg")
	if err != nil {
		return errors.E(err, "heatmap: render", path)
	}
	out, err := util.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if _, err = wt.WriteTo(out); err != nil {
		return errors.E(err, "write", path)
	}
	return nil
}
