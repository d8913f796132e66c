package annotate

import (
	"sort"

	"github.com/grailbio/base/log"
)

// Cell cycle phases assigned by CellCycle.
const (
	PhaseG1  = "G1"
	PhaseS   = "S"
	PhaseG2M = "G2M"
)

// ModuleScore returns, for every cell, the mean expression of the genes in
// set minus the mean expression of control genes. The controls are all
// other genes that fall into the same average-expression bins as the set's
// genes (nBins equal-frequency bins). Genes of set missing from e are
// ignored; ok is false if none is present.
func ModuleScore(e *Expr, set []string, nBins int) (score []float64, ok bool) {
	idx := e.GeneIndex()
	inSet := make([]bool, len(e.Genes))
	var members []int
	for _, name := range set {
		if g, found := idx[name]; found && !inSet[g] {
			inSet[g] = true
			members = append(members, g)
		}
	}
	if len(members) == 0 {
		return nil, false
	}
	if len(members) < len(set) {
		log.Debug.Printf("module score: %d of %d genes present", len(members), len(set))
	}

	means := e.GeneMeans()
	order := make([]int, len(means))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return means[order[i]] < means[order[j]] })
	if nBins < 1 {
		nBins = 1
	}
	bin := make([]int, len(means))
	for rank, g := range order {
		bin[g] = rank * nBins / len(order)
	}
	useBin := make([]bool, nBins)
	for _, g := range members {
		useBin[bin[g]] = true
	}
	isCtrl := make([]bool, len(e.Genes))
	var nCtrl int
	for g := range e.Genes {
		if !inSet[g] && useBin[bin[g]] {
			isCtrl[g] = true
			nCtrl++
		}
	}

	score = make([]float64, len(e.Cells))
	for c, col := range e.Cols {
		var s, ctrl float64
		for i, g := range col.Index {
			if inSet[g] {
				s += col.Value[i]
			} else if isCtrl[g] {
				ctrl += col.Value[i]
			}
		}
		score[c] = s / float64(len(members))
		if nCtrl > 0 {
			score[c] -= ctrl / float64(nCtrl)
		}
	}
	return score, true
}

// CellCycle scores S and G2/M programs and assigns a phase to every cell:
// G1 when both scores are negative, otherwise the phase with the higher
// score.
func CellCycle(e *Expr, sGenes, g2mGenes []string, nBins int) (sScore, g2mScore []float64, phase []string, ok bool) {
	var okS, okG bool
	sScore, okS = ModuleScore(e, sGenes, nBins)
	g2mScore, okG = ModuleScore(e, g2mGenes, nBins)
	if !okS || !okG {
		return nil, nil, nil, false
	}
	phase = make([]string, len(e.Cells))
	for c := range phase {
		switch {
		case sScore[c] < 0 && g2mScore[c] < 0:
			phase[c] = PhaseG1
		case sScore[c] > g2mScore[c]:
			phase[c] = PhaseS
		default:
			phase[c] = PhaseG2M
		}
	}
	return sScore, g2mScore, phase, true
}
