package annotate

import (
	"math"
	"sort"

	"github.com/grailbio/base/traverse"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"
)

// Neighbor is one entry of a nearest neighbour list.
type Neighbor struct {
	Index int
	Dist  float64
}

// KNN returns the k nearest neighbours (Euclidean, excluding the cell
// itself) of every row of emb. Ties are broken by index.
func KNN(emb mat.Matrix, k int) ([][]Neighbor, error) {
	n, _ := emb.Dims()
	if k > n-1 {
		k = n - 1
	}
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = mat.Row(nil, i, emb)
	}
	nn := make([][]Neighbor, n)
	err := traverse.Each(n, func(i int) error {
		cand := make([]Neighbor, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				cand = append(cand, Neighbor{j, floats.Distance(rows[i], rows[j], 2)})
			}
		}
		sort.Slice(cand, func(a, b int) bool {
			if cand[a].Dist != cand[b].Dist {
				return cand[a].Dist < cand[b].Dist
			}
			return cand[a].Index < cand[b].Index
		})
		nn[i] = append([]Neighbor(nil), cand[:k]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nn, nil
}

// SNNGraph builds the shared-nearest-neighbour graph of nn: cells i and j
// are joined when one is a neighbour of the other, weighted by the Jaccard
// index of their neighbourhoods (each including the cell itself). Edges
// with weight <= prune are dropped. Every cell is a node, even if isolated.
func SNNGraph(nn [][]Neighbor, prune float64) *simple.WeightedUndirectedGraph {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	sets := make([]map[int]bool, len(nn))
	for i, list := range nn {
		g.AddNode(simple.Node(i))
		sets[i] = map[int]bool{i: true}
		for _, x := range list {
			sets[i][x.Index] = true
		}
	}
	for i, list := range nn {
		for _, x := range list {
			j := x.Index
			if g.HasEdgeBetween(int64(i), int64(j)) {
				continue
			}
			var shared int
			for c := range sets[i] {
				if sets[j][c] {
					shared++
				}
			}
			w := float64(shared) / float64(len(sets[i])+len(sets[j])-shared)
			if w > prune {
				g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(i), simple.Node(j), w))
			}
		}
	}
	return g
}

// DistanceGraph joins each cell to its neighbours with edges weighted by
// Euclidean distance. Zero distances are replaced by a tiny positive value
// so that the graph stays usable for shortest-path queries.
func DistanceGraph(nn [][]Neighbor) *simple.WeightedUndirectedGraph {
	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for i := range nn {
		g.AddNode(simple.Node(i))
	}
	for i, list := range nn {
		for _, x := range list {
			if g.HasEdgeBetween(int64(i), int64(x.Index)) {
				continue
			}
			d := x.Dist
			if d <= 0 {
				d = 1e-12
			}
			g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(i), simple.Node(x.Index), d))
		}
	}
	return g
}
