package util

import (
	"errors"
	"math"
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
)

func TestAdjustBH(t *testing.T) {
	adj := AdjustBH([]float64{0.01, 0.04, 0.03, math.NaN(), 0.5})
	// Ranks among the 4 finite values: 0.01->1, 0.03->2, 0.04->3, 0.5->4.
	assert.InDelta(t, 0.04, adj[0], 1e-12)
	assert.InDelta(t, 0.04*4/3, adj[1], 1e-12)
	assert.InDelta(t, 0.04*4/3, adj[2], 1e-12)
	assert.True(t, math.IsNaN(adj[3]))
	assert.InDelta(t, 0.5, adj[4], 1e-12)
}

func TestAdjustBonferroni(t *testing.T) {
	expect.EQ(t, AdjustBonferroni([]float64{0.01, 0.2, 0.5}), []float64{0.03, 0.6000000000000001, 1})
}

func TestAdjustMethods(t *testing.T) {
	p := []float64{0.01, 0.2}
	for _, m := range []string{BH, "fdr", Bonferroni, NoCorrection} {
		adj, err := Adjust(p, m)
		assert.NoError(t, err, m)
		assert.Equal(t, 2, len(adj), m)
	}
	for _, m := range []string{"", "holm"} {
		_, err := Adjust(p, m)
		assert.True(t, errors.Is(err, ErrUnknownCorrection), "%q: %v", m, err)
		assert.Error(t, CheckCorrection(m))
	}
}

func TestRank(t *testing.T) {
	expect.EQ(t, Rank([]float64{10, 20, 10, 5}), []float64{2.5, 4, 2.5, 1})
	expect.EQ(t, TieCorrection([]float64{10, 20, 10, 5}), 6.0)
}
