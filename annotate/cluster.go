package annotate

import (
	"sort"
	"strconv"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
)

// ClusterOpts controls graph-based clustering.
type ClusterOpts struct {
	// Neighbors is the k of the kNN graph.
	Neighbors int
	// Resolution is the modularity resolution; larger values give more,
	// smaller clusters.
	Resolution float64
	// Prune drops SNN edges with Jaccard weight at or below this value.
	Prune float64
	// Seed seeds the Louvain node ordering.
	Seed uint64
}

// DefaultClusterOpts mirror the usual Seurat settings.
var DefaultClusterOpts = ClusterOpts{
	Neighbors:  20,
	Resolution: 0.5,
	Prune:      1.0 / 15,
	Seed:       1,
}

// Cluster assigns each row of nn (one per cell) to a community found by
// Louvain modularity optimization on the SNN graph. Clusters are named
// "0", "1", ... in order of decreasing size; equal sizes are ordered by
// their lowest cell index.
func Cluster(nn [][]Neighbor, opts ClusterOpts) []string {
	g := SNNGraph(nn, opts.Prune)
	reduced := community.Modularize(g, opts.Resolution, rand.NewSource(opts.Seed))
	comms := reduced.Communities()
	type comm struct {
		nodes []graph.Node
		min   int64
	}
	cs := make([]comm, len(comms))
	for i, nodes := range comms {
		c := comm{nodes: nodes, min: -1}
		for _, n := range nodes {
			if c.min < 0 || n.ID() < c.min {
				c.min = n.ID()
			}
		}
		cs[i] = c
	}
	sort.Slice(cs, func(i, j int) bool {
		if len(cs[i].nodes) != len(cs[j].nodes) {
			return len(cs[i].nodes) > len(cs[j].nodes)
		}
		return cs[i].min < cs[j].min
	})
	labels := make([]string, len(nn))
	for i, c := range cs {
		name := strconv.Itoa(i)
		for _, n := range c.nodes {
			labels[n.ID()] = name
		}
	}
	return labels
}
