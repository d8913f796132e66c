package pseudobulk

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/cellmeta"
	"github.com/grailbio/scrna/util"
)

// SampleTable is per-replicate metadata: one row per sample id and any
// number of string columns, e.g. condition or batch.
type SampleTable struct {
	IDs     []string
	Columns []string
	values  map[string][]string
}

// NewSampleTable creates a table with the given sample ids and no columns.
func NewSampleTable(ids []string) (*SampleTable, error) {
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("pseudobulk: duplicate sample %s", id)
		}
		seen[id] = true
	}
	return &SampleTable{IDs: append([]string(nil), ids...), values: map[string][]string{}}, nil
}

// Add adds or replaces a column.
func (s *SampleTable) Add(name string, v []string) error {
	if len(v) != len(s.IDs) {
		return fmt.Errorf("pseudobulk: column %s has %d values for %d samples", name, len(v), len(s.IDs))
	}
	if _, ok := s.values[name]; !ok {
		s.Columns = append(s.Columns, name)
	}
	s.values[name] = v
	return nil
}

// Get returns the values of a column.
func (s *SampleTable) Get(name string) ([]string, error) {
	v, ok := s.values[name]
	if !ok {
		return nil, fmt.Errorf("pseudobulk: no sample column %s", name)
	}
	return v, nil
}

// Value returns column name of sample id.
func (s *SampleTable) Value(id, name string) (string, bool) {
	v, ok := s.values[name]
	if !ok {
		return "", false
	}
	for i, x := range s.IDs {
		if x == id {
			return v[i], true
		}
	}
	return "", false
}

// SamplesFromMeta derives one row per distinct value of sampleCol from
// cell metadata, carrying the given columns. A column that takes more than
// one value within a sample is an error.
func SamplesFromMeta(meta *cellmeta.Table, sampleCol string, cols ...string) (*SampleTable, error) {
	ids, err := meta.Levels(sampleCol)
	if err != nil {
		return nil, err
	}
	labels, _ := meta.String(sampleCol)
	st, err := NewSampleTable(ids)
	if err != nil {
		return nil, err
	}
	row := map[string]int{}
	for i, id := range ids {
		row[id] = i
	}
	for _, col := range cols {
		vals, err := meta.String(col)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(ids))
		set := make([]bool, len(ids))
		for c, v := range vals {
			i := row[labels[c]]
			if set[i] && out[i] != v {
				return nil, errors.E(fmt.Sprintf("pseudobulk: sample %s has more than one %s (%s, %s)", ids[i], col, out[i], v))
			}
			out[i], set[i] = v, true
		}
		if err := st.Add(col, out); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// ReadSampleTable reads a TSV whose first column holds sample ids.
func ReadSampleTable(ctx context.Context, path string) (*SampleTable, error) {
	t, err := util.ReadTable(ctx, path)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		ids[i] = row[0]
	}
	st, err := NewSampleTable(ids)
	if err != nil {
		return nil, errors.E(err, "read", path)
	}
	for j := 1; j < len(t.Header); j++ {
		v := make([]string, len(t.Rows))
		for i, row := range t.Rows {
			v[i] = row[j]
		}
		if err := st.Add(t.Header[j], v); err != nil {
			return nil, errors.E(err, "read", path)
		}
	}
	return st, nil
}

// Write writes the table as TSV with a "sample" id column.
func (s *SampleTable) Write(ctx context.Context, path string) (err error) {
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
	w.WriteString("sample")
	for _, c := range s.Columns {
		w.WriteString(c)
	}
	if err = w.EndLine(); err != nil {
		return err
	}
	for i, id := range s.IDs {
		w.WriteString(id)
		for _, c := range s.Columns {
			w.WriteString(s.values[c][i])
		}
		if err = w.EndLine(); err != nil {
			return errors.E(err, "write", path)
		}
	}
	return w.Flush()
}
