// Package scobj persists an annotated single-cell object: the filtered
// count matrix, the cell metadata and the cell embedding.
//
// The on-disk format is a recordio file compressed with zstd. The header
// carries a format version, every record is one gob-encoded cell, and the
// trailer holds the gene names and the metadata column schema.
package scobj

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/scrna/cellmeta"
	"github.com/grailbio/scrna/countmat"
)

const (
	// <versionHeader, version> is stored in the recordio header.
	versionHeader = "scrna-object"
	version       = "SCOBJ_V1"
)

// Object is an annotated set of cells. Meta rows and Embedding rows are in
// the order of Counts.Cells. Embedding may be nil.
type Object struct {
	Counts    *countmat.Matrix
	Meta      *cellmeta.Table
	Embedding [][]float64
}

// Validate checks that the parts of the object describe the same cells.
func (o *Object) Validate() error {
	if err := o.Counts.Validate(); err != nil {
		return err
	}
	if o.Meta.Len() != o.Counts.NCells() {
		return fmt.Errorf("scobj: %d metadata rows for %d cells", o.Meta.Len(), o.Counts.NCells())
	}
	for i, c := range o.Meta.Cells() {
		if o.Counts.Cells[i] != c {
			return fmt.Errorf("scobj: metadata row %d is %s, matrix column is %s", i, c, o.Counts.Cells[i])
		}
	}
	if o.Embedding != nil && len(o.Embedding) != o.Counts.NCells() {
		return fmt.Errorf("scobj: %d embedding rows for %d cells", len(o.Embedding), o.Counts.NCells())
	}
	return nil
}

type column struct {
	Name string
	Kind cellmeta.Kind
}

// trailer is stored in the trailer section of the recordio file.
type trailer struct {
	Genes   []string
	Columns []column
	NCells  int
}

// cellRecord is one recordio record.
type cellRecord struct {
	Cell      string
	Index     []int32
	Count     []int32
	Strings   []string // values of the String columns, in schema order
	Floats    []float64
	Embedding []float64
}

func schema(t *cellmeta.Table) []column {
	var cols []column
	for _, name := range t.Columns() {
		k, _ := t.Kind(name)
		cols = append(cols, column{name, k})
	}
	return cols
}

// Write stores obj in path.
func Write(ctx context.Context, path string, obj *Object) (err error) {
	if err = obj.Validate(); err != nil {
		return err
	}
	recordiozstd.Init()
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	e := errors.Once{}
	defer func() {
		e.Set(err)
		e.Set(out.Close(ctx))
		err = e.Err()
	}()
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(versionHeader, version)
	w.AddHeader(recordio.KeyTrailer, true)

	cols := schema(obj.Meta)
	strs := make([][]string, len(cols))
	nums := make([][]float64, len(cols))
	for i, c := range cols {
		if c.Kind == cellmeta.String {
			strs[i], _ = obj.Meta.String(c.Name)
		} else {
			nums[i], _ = obj.Meta.Float(c.Name)
		}
	}
	for i, cell := range obj.Counts.Cells {
		rec := cellRecord{
			Cell:  cell,
			Index: obj.Counts.Cols[i].Index,
			Count: obj.Counts.Cols[i].Count,
		}
		for j, c := range cols {
			if c.Kind == cellmeta.String {
				rec.Strings = append(rec.Strings, strs[j][i])
			} else {
				rec.Floats = append(rec.Floats, nums[j][i])
			}
		}
		if obj.Embedding != nil {
			rec.Embedding = obj.Embedding[i]
		}
		b := bytes.Buffer{}
		if err := gob.NewEncoder(&b).Encode(rec); err != nil {
			return errors.E(err, "encode", cell)
		}
		w.Append(b.Bytes())
	}
	b := bytes.Buffer{}
	if err := gob.NewEncoder(&b).Encode(trailer{
		Genes:   obj.Counts.Genes,
		Columns: cols,
		NCells:  obj.Counts.NCells(),
	}); err != nil {
		return errors.E(err, "encode trailer", path)
	}
	w.SetTrailer(b.Bytes())
	if err := w.Finish(); err != nil {
		return errors.E(err, "write", path)
	}
	log.Debug.Printf("wrote %d cells to %s", obj.Counts.NCells(), path)
	return nil
}

// Read loads an object written by Write.
func Read(ctx context.Context, path string) (*Object, error) {
	recordiozstd.Init()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	r := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	found := false
	for _, kv := range r.Header() {
		if kv.Key == versionHeader {
			if v, _ := kv.Value.(string); v != version {
				return nil, errors.E("read", path, fmt.Sprintf("object version mismatch, got %v, expect %v", kv.Value, version))
			}
			found = true
			break
		}
	}
	if !found {
		if err := r.Err(); err != nil {
			return nil, errors.E(err, "read", path)
		}
		return nil, errors.E("read", path, versionHeader+" not found")
	}
	var tr trailer
	if err := gob.NewDecoder(bytes.NewReader(r.Trailer())).Decode(&tr); err != nil {
		return nil, errors.E(err, "decode trailer", path)
	}

	m := &countmat.Matrix{Genes: tr.Genes}
	strs := make([][]string, len(tr.Columns))
	nums := make([][]float64, len(tr.Columns))
	var emb [][]float64
	for r.Scan() {
		var rec cellRecord
		if err := gob.NewDecoder(bytes.NewReader(r.Get().([]byte))).Decode(&rec); err != nil {
			return nil, errors.E(err, "decode", path)
		}
		m.Cells = append(m.Cells, rec.Cell)
		m.Cols = append(m.Cols, countmat.Col{Index: rec.Index, Count: rec.Count})
		var si, fi int
		for j, c := range tr.Columns {
			if c.Kind == cellmeta.String {
				strs[j] = append(strs[j], rec.Strings[si])
				si++
			} else {
				nums[j] = append(nums[j], rec.Floats[fi])
				fi++
			}
		}
		if rec.Embedding != nil {
			emb = append(emb, rec.Embedding)
		}
	}
	if err := r.Err(); err != nil {
		return nil, errors.E(err, "read", path)
	}
	if len(m.Cells) != tr.NCells {
		return nil, errors.E("read", path, fmt.Sprintf("expect %d cells, found %d", tr.NCells, len(m.Cells)))
	}
	meta, err := cellmeta.New(m.Cells)
	if err != nil {
		return nil, errors.E(err, "read", path)
	}
	for j, c := range tr.Columns {
		if c.Kind == cellmeta.String {
			err = meta.AddString(c.Name, strs[j])
		} else {
			err = meta.AddFloat(c.Name, nums[j])
		}
		if err != nil {
			return nil, errors.E(err, "read", path)
		}
	}
	obj := &Object{Counts: m, Meta: meta, Embedding: emb}
	if err := obj.Validate(); err != nil {
		return nil, errors.E(err, "read", path)
	}
	return obj, nil
}
