package heatmap

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Merge joins nodes A and B at Height. Nodes below the number of leaves are
// leaves; node n+i is the cluster created by the i-th merge.
type Merge struct {
	A, B   int
	Height float64
}

// Dendrogram is the result of agglomerative clustering.
type Dendrogram struct {
	Merges []Merge
	// Order lists the leaves left to right.
	Order []int
}

// Distances returns the Euclidean distances between the rows of x.
func Distances(x [][]float64) [][]float64 {
	d := make([][]float64, len(x))
	for i := range x {
		d[i] = make([]float64, len(x))
		for j := 0; j < i; j++ {
			d[i][j] = floats.Distance(x[i], x[j], 2)
			d[j][i] = d[i][j]
		}
	}
	return d
}

// AverageLinkage clusters n items given their distance matrix, merging the
// closest pair of clusters (UPGMA) until one remains. Ties go to the pair
// with the smallest node ids.
func AverageLinkage(d [][]float64) *Dendrogram {
	n := len(d)
	if n == 0 {
		return &Dendrogram{}
	}
	type cluster struct {
		id   int
		size int
	}
	active := make([]cluster, n)
	dist := make([][]float64, n)
	for i := range active {
		active[i] = cluster{id: i, size: 1}
		dist[i] = append([]float64(nil), d[i]...)
	}
	dg := &Dendrogram{}
	for len(active) > 1 {
		bi, bj, best := -1, -1, math.Inf(1)
		for i := range active {
			for j := i + 1; j < len(active); j++ {
				if v := dist[i][j]; v < best || bi < 0 {
					bi, bj, best = i, j, v
				}
			}
		}
		a, b := active[bi], active[bj]
		dg.Merges = append(dg.Merges, Merge{A: a.id, B: b.id, Height: best})
		merged := cluster{id: n + len(dg.Merges) - 1, size: a.size + b.size}
		// Row bi becomes the merged cluster; row bj is removed.
		for k := range active {
			if k == bi || k == bj {
				continue
			}
			v := (dist[bi][k]*float64(a.size) + dist[bj][k]*float64(b.size)) / float64(merged.size)
			dist[bi][k], dist[k][bi] = v, v
		}
		active[bi] = merged
		active = append(active[:bj], active[bj+1:]...)
		dist = append(dist[:bj], dist[bj+1:]...)
		for k := range dist {
			dist[k] = append(dist[k][:bj], dist[k][bj+1:]...)
		}
	}
	dg.Order = dg.leaves(n, 2*n-2)
	return dg
}

func (dg *Dendrogram) leaves(n, node int) []int {
	if node < n {
		return []int{node}
	}
	m := dg.Merges[node-n]
	return append(dg.leaves(n, m.A), dg.leaves(n, m.B)...)
}
