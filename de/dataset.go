// Package de tests pseudobulk counts for differential expression between
// conditions.
//
// The Engine interface is the boundary to the model fit. NBWald, the
// default engine, fits a negative binomial one-way model per gene and
// reports Wald tests of log2 fold changes.
package de

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/scrna/pseudobulk"
	"gonum.org/v1/gonum/mat"
)

// ErrMisaligned is returned when the sample table and the count matrix do
// not describe the same samples.
var ErrMisaligned = errors.New("sample metadata does not match count columns")

// Dataset is a count matrix together with the condition of every column.
type Dataset struct {
	Genes   []string
	Samples []string
	// Counts is genes x samples, in the order of Samples.
	Counts *mat.Dense
	// Design names the sample column holding the condition.
	Design string
	// Condition is the level of every sample, aligned with Samples.
	Condition []string
}

// NewDataset pairs bulk with the sample metadata. The ids of samples must
// equal the columns of bulk as sets; conditions are then matched to the
// columns by name.
func NewDataset(bulk *pseudobulk.Matrix, samples *pseudobulk.SampleTable, design string) (*Dataset, error) {
	cond, err := samples.Get(design)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]string, len(samples.IDs))
	for i, id := range samples.IDs {
		byID[id] = cond[i]
	}
	inBulk := make(map[string]bool, len(bulk.Samples))
	var missing, extra []string
	for _, s := range bulk.Samples {
		if inBulk[s] {
			return nil, fmt.Errorf("de: duplicate count column %s: %w", s, ErrMisaligned)
		}
		inBulk[s] = true
		if _, ok := byID[s]; !ok {
			missing = append(missing, s)
		}
	}
	for _, id := range samples.IDs {
		if !inBulk[id] {
			extra = append(extra, id)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return nil, fmt.Errorf("de: columns without metadata [%s], metadata without columns [%s]: %w",
			strings.Join(missing, ","), strings.Join(extra, ","), ErrMisaligned)
	}
	ds := &Dataset{
		Genes:   bulk.Genes,
		Samples: bulk.Samples,
		Counts:  bulk.Counts,
		Design:  design,
	}
	for _, s := range bulk.Samples {
		ds.Condition = append(ds.Condition, byID[s])
	}
	return ds, nil
}

// Levels returns the distinct conditions in order of first appearance
// among the samples.
func (ds *Dataset) Levels() []string {
	seen := map[string]bool{}
	var levels []string
	for _, c := range ds.Condition {
		if !seen[c] {
			seen[c] = true
			levels = append(levels, c)
		}
	}
	return levels
}

// Contrast compares a numerator level against a denominator level.
type Contrast struct {
	Numerator, Denominator string
}

// String returns "num_vs_den".
func (c Contrast) String() string { return c.Numerator + "_vs_" + c.Denominator }

// ParseContrast parses the "num_vs_den" form produced by String.
func ParseContrast(s string) (Contrast, error) {
	i := strings.Index(s, "_vs_")
	if i <= 0 || i+len("_vs_") == len(s) {
		return Contrast{}, fmt.Errorf("de: contrast %q: want <numerator>_vs_<denominator>", s)
	}
	c := Contrast{s[:i], s[i+len("_vs_"):]}
	if c.Numerator == c.Denominator {
		return Contrast{}, fmt.Errorf("de: contrast %q compares a level with itself", s)
	}
	return c, nil
}

// Contrasts returns every ordered pair of levels (i, j) with i > j in the
// given order, e.g. {B vs A} for levels {A, B}.
func Contrasts(levels []string) []Contrast {
	var cs []Contrast
	for i := range levels {
		for j := 0; j < i; j++ {
			cs = append(cs, Contrast{levels[i], levels[j]})
		}
	}
	return cs
}
