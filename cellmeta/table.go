// Package cellmeta implements the per-cell metadata table. Each stage of the
// preprocessing pipeline appends columns; rows are only removed together
// with the matching count matrix columns.
package cellmeta

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/util"
)

// Kind is the type of a column.
type Kind int

const (
	// String columns hold labels such as sample or cluster ids.
	String Kind = iota
	// Float columns hold numeric values such as QC metrics or scores.
	Float
)

type column struct {
	name string
	kind Kind
	strs []string
	nums []float64
}

// Table is an ordered set of cells with named columns.
type Table struct {
	cells  []string
	index  map[string]int
	cols   []*column
	byName map[string]*column
}

// New creates a table with the given cell ids and no columns.
func New(cells []string) (*Table, error) {
	t := &Table{
		cells:  append([]string(nil), cells...),
		index:  make(map[string]int, len(cells)),
		byName: map[string]*column{},
	}
	for i, c := range cells {
		if _, ok := t.index[c]; ok {
			return nil, fmt.Errorf("cellmeta: duplicate cell %s", c)
		}
		t.index[c] = i
	}
	return t, nil
}

// Cells returns the cell ids in row order.
func (t *Table) Cells() []string { return t.cells }

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.cells) }

// Row returns the row of the given cell.
func (t *Table) Row(cell string) (int, bool) {
	i, ok := t.index[cell]
	return i, ok
}

// Columns returns the column names in insertion order.
func (t *Table) Columns() []string {
	names := make([]string, len(t.cols))
	for i, c := range t.cols {
		names[i] = c.name
	}
	return names
}

// Kind returns the kind of the named column.
func (t *Table) Kind(name string) (Kind, bool) {
	c, ok := t.byName[name]
	if !ok {
		return 0, false
	}
	return c.kind, true
}

func (t *Table) add(c *column, n int) error {
	if n != len(t.cells) {
		return fmt.Errorf("cellmeta: column %s has %d values for %d cells", c.name, n, len(t.cells))
	}
	if old, ok := t.byName[c.name]; ok {
		*old = *c
		return nil
	}
	t.cols = append(t.cols, c)
	t.byName[c.name] = c
	return nil
}

// AddString adds (or replaces) a string column.
func (t *Table) AddString(name string, v []string) error {
	return t.add(&column{name: name, kind: String, strs: v}, len(v))
}

// AddFloat adds (or replaces) a numeric column.
func (t *Table) AddFloat(name string, v []float64) error {
	return t.add(&column{name: name, kind: Float, nums: v}, len(v))
}

// String returns the values of a column as strings. Numeric columns are
// formatted.
func (t *Table) String(name string) ([]string, error) {
	c, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("cellmeta: no column %s", name)
	}
	if c.kind == String {
		return c.strs, nil
	}
	s := make([]string, len(c.nums))
	for i, v := range c.nums {
		s[i] = formatFloat(v)
	}
	return s, nil
}

// Float returns the values of a numeric column.
func (t *Table) Float(name string) ([]float64, error) {
	c, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("cellmeta: no column %s", name)
	}
	if c.kind != Float {
		return nil, fmt.Errorf("cellmeta: column %s is not numeric", name)
	}
	return c.nums, nil
}

// Subset returns a table with the rows for which keep is true.
//
// REQUIRES: len(keep) == t.Len()
func (t *Table) Subset(keep []bool) *Table {
	if len(keep) != len(t.cells) {
		panic(fmt.Sprintf("cellmeta: keep has %d entries for %d cells", len(keep), len(t.cells)))
	}
	var cells []string
	for i, k := range keep {
		if k {
			cells = append(cells, t.cells[i])
		}
	}
	out, _ := New(cells)
	for _, c := range t.cols {
		nc := &column{name: c.name, kind: c.kind}
		for i, k := range keep {
			if !k {
				continue
			}
			if c.kind == String {
				nc.strs = append(nc.strs, c.strs[i])
			} else {
				nc.nums = append(nc.nums, c.nums[i])
			}
		}
		out.cols = append(out.cols, nc)
		out.byName[nc.name] = nc
	}
	return out
}

// Levels returns the distinct values of a column in first-occurrence order.
func (t *Table) Levels(name string) ([]string, error) {
	v, err := t.String(name)
	if err != nil {
		return nil, err
	}
	var levels []string
	seen := map[string]bool{}
	for _, s := range v {
		if !seen[s] {
			seen[s] = true
			levels = append(levels, s)
		}
	}
	return levels, nil
}

// Rule maps values matching Pattern to Label.
type Rule struct {
	Pattern string
	Label   string
}

// LabelByPattern derives column dst from column src: each value gets the
// label of the first rule whose pattern matches it. A value that matches
// no rule is an error.
func (t *Table) LabelByPattern(src, dst string, rules []Rule) error {
	v, err := t.String(src)
	if err != nil {
		return err
	}
	res := make([]*regexp.Regexp, len(rules))
	for i, r := range rules {
		if res[i], err = regexp.Compile(r.Pattern); err != nil {
			return errors.E(err, "cellmeta: rule", r.Pattern)
		}
	}
	out := make([]string, len(v))
	for i, s := range v {
		for j, re := range res {
			if re.MatchString(s) {
				out[i] = rules[j].Label
				break
			}
		}
		if out[i] == "" {
			return fmt.Errorf("cellmeta: %s value %q (cell %s) matches no rule", src, s, t.cells[i])
		}
	}
	return t.AddString(dst, out)
}

// Counts returns the number of cells per value of a column, sorted by value.
func (t *Table) Counts(name string) ([]string, []int, error) {
	v, err := t.String(name)
	if err != nil {
		return nil, nil, err
	}
	n := map[string]int{}
	for _, s := range v {
		n[s]++
	}
	keys := make([]string, 0, len(n))
	for k := range n {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	counts := make([]int, len(keys))
	for i, k := range keys {
		counts[i] = n[k]
	}
	return keys, counts, nil
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// Write writes t as a TSV file with a "cell" column followed by the table's
// columns.
func (t *Table) Write(ctx context.Context, path string) (err error) {
	out, err := util.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if e := out.Close(); e != nil && err == nil {
			err = e
		}
	}()
	w := tsv.NewWriter(out)
	w.WriteString("cell")
	for _, c := range t.cols {
		w.WriteString(c.name)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for i, cell := range t.cells {
		w.WriteString(cell)
		for _, c := range t.cols {
			if c.kind == String {
				w.WriteString(c.strs[i])
			} else {
				w.WriteString(formatFloat(c.nums[i]))
			}
		}
		if err = w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Read reads a table written by Write. Columns whose values all parse as
// numbers (or "NA") become Float columns.
func Read(ctx context.Context, path string) (*Table, error) {
	raw, err := util.ReadTable(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(raw.Header) == 0 || raw.Header[0] != "cell" {
		return nil, errors.E("cellmeta: first column of", path, "must be \"cell\"")
	}
	cells := make([]string, len(raw.Rows))
	for i, r := range raw.Rows {
		cells[i] = r[0]
	}
	t, err := New(cells)
	if err != nil {
		return nil, err
	}
	for j := 1; j < len(raw.Header); j++ {
		strs := make([]string, len(raw.Rows))
		nums := make([]float64, len(raw.Rows))
		numeric := len(raw.Rows) > 0
		for i, r := range raw.Rows {
			strs[i] = r[j]
			if r[j] == "NA" {
				nums[i] = math.NaN()
				continue
			}
			if numeric {
				if nums[i], err = strconv.ParseFloat(r[j], 64); err != nil {
					numeric = false
				}
			}
		}
		if numeric {
			err = t.AddFloat(raw.Header[j], nums)
		} else {
			err = t.AddString(raw.Header[j], strs)
		}
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}
