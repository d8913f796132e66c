// Copyright 2021 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package util contains small helpers shared by the scrna packages: opening
// and creating (optionally gzipped) files, reading raw TSV tables, and
// multiple-testing correction.
package util

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/klauspost/compress/gzip"
)

type fileReader struct {
	ctx context.Context
	in  file.File
	r   io.Reader
}

func (f *fileReader) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *fileReader) Close() error { return f.in.Close(f.ctx) }

// Open opens path for reading. Compressed inputs (e.g. "*.gz") are
// decompressed transparently.
func Open(ctx context.Context, path string) (io.ReadCloser, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	return &fileReader{ctx: ctx, in: in, r: r}, nil
}

type fileWriter struct {
	ctx  context.Context
	path string
	out  file.File
	gz   *gzip.Writer
	w    io.Writer
}

func (f *fileWriter) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f *fileWriter) Close() error {
	var err errors.Once
	if f.gz != nil {
		err.Set(f.gz.Close())
	}
	err.Set(f.out.Close(f.ctx))
	if e := err.Err(); e != nil {
		return errors.E(e, "close", f.path)
	}
	return nil
}

// Create creates path for writing. If path ends with ".gz", the output is
// gzip compressed.
func Create(ctx context.Context, path string) (io.WriteCloser, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "create", path)
	}
	fw := &fileWriter{ctx: ctx, path: path, out: out, w: out.Writer(ctx)}
	if strings.HasSuffix(path, ".gz") {
		fw.gz = gzip.NewWriter(fw.w)
		fw.w = fw.gz
	}
	return fw, nil
}

// Table is a raw tab-separated table with a header row.
type Table struct {
	Header []string
	Rows   [][]string
}

// Col returns the index of the named column, or -1.
func (t *Table) Col(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// ReadTable reads a tab-separated file whose first line is a header. Lines
// starting with '#' are skipped. Every row must have as many fields as the
// header.
func ReadTable(ctx context.Context, path string) (*Table, error) {
	in, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close() // nolint: errcheck
	r := tsv.NewReader(in)
	r.Comment = '#'
	r.LazyQuotes = true
	t := &Table{}
	for {
		rec, err := r.Reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(err, "read", path)
		}
		if t.Header == nil {
			t.Header = append([]string(nil), rec...)
			continue
		}
		if len(rec) != len(t.Header) {
			return nil, errors.E("read", path, fmt.Sprintf("row has %d fields, header has %d", len(rec), len(t.Header)))
		}
		t.Rows = append(t.Rows, append([]string(nil), rec...))
	}
	if t.Header == nil {
		return nil, errors.E("read", path, "empty table")
	}
	return t, nil
}
