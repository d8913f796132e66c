package countmat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/util"
	"github.com/pkg/errors"
)

// openFirst opens the first of names (relative to dir) that exists.
func openFirst(ctx context.Context, dir string, names ...string) (io.ReadCloser, string, error) {
	var firstErr error
	for _, name := range names {
		path := filepath.Join(dir, name)
		in, err := util.Open(ctx, path)
		if err == nil {
			return in, path, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, "", errors.Wrapf(firstErr, "none of %v found in %s", names, dir)
}

type barcodeRow struct {
	Barcode string
}

// ReadMTX reads a 10x Genomics style directory holding matrix.mtx,
// features.tsv (or the older genes.tsv) and barcodes.tsv, each optionally
// gzipped. Genes are named by their symbol; repeated symbols get ".1", ".2",
// ... suffixes.
func ReadMTX(ctx context.Context, dir string) (*Matrix, error) {
	in, path, err := openFirst(ctx, dir, "features.tsv.gz", "features.tsv", "genes.tsv.gz", "genes.tsv")
	if err != nil {
		return nil, err
	}
	genes, err := readFeatures(in)
	in.Close() // nolint: errcheck
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	in, path, err = openFirst(ctx, dir, "barcodes.tsv.gz", "barcodes.tsv")
	if err != nil {
		return nil, err
	}
	var cells []string
	r := tsv.NewReader(in)
	for {
		var row barcodeRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			in.Close() // nolint: errcheck
			return nil, errors.Wrapf(err, "read %s", path)
		}
		cells = append(cells, row.Barcode)
	}
	in.Close() // nolint: errcheck

	in, path, err = openFirst(ctx, dir, "matrix.mtx.gz", "matrix.mtx")
	if err != nil {
		return nil, err
	}
	defer in.Close() // nolint: errcheck
	m, err := ReadMatrixMarket(in, genes, cells)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	log.Printf("%s: %d genes x %d cells", dir, m.NGenes(), m.NCells())
	return m, nil
}

func readFeatures(in io.Reader) ([]string, error) {
	// Rows are "id", "id symbol" or "id symbol type" depending on the
	// Cell Ranger version.
	r := tsv.NewReader(in)
	r.FieldsPerRecord = -1
	seen := map[string]int{}
	var genes []string
	for {
		rec, err := r.Reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		name := rec[0]
		if len(rec) > 1 && rec[1] != "" {
			name = rec[1]
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n)
		} else {
			seen[name] = 1
		}
		genes = append(genes, name)
	}
	return genes, nil
}

// ReadMatrixMarket parses a MatrixMarket coordinate file whose rows are
// genes and whose columns are cells. Entries must be non-negative integers
// (a "real" field is accepted as long as every value is integral).
func ReadMatrixMarket(in io.Reader, genes, cells []string) (*Matrix, error) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	if !sc.Scan() {
		return nil, errors.New("empty MatrixMarket file")
	}
	banner := strings.Fields(strings.ToLower(sc.Text()))
	if len(banner) < 4 || banner[0] != "%%matrixmarket" || banner[1] != "matrix" || banner[2] != "coordinate" {
		return nil, errors.Errorf("unsupported MatrixMarket header %q", sc.Text())
	}
	var (
		nRows, nCols, nnz int
		sized             bool
		nRead             int
		line              = 1
	)
	m := &Matrix{Genes: genes, Cells: cells, Cols: make([]Col, len(cells))}
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '%' {
			continue
		}
		f := strings.Fields(text)
		if len(f) != 3 {
			return nil, errors.Errorf("line %d: expect 3 fields, found %q", line, text)
		}
		if !sized {
			var err error
			if nRows, err = strconv.Atoi(f[0]); err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			if nCols, err = strconv.Atoi(f[1]); err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			if nnz, err = strconv.Atoi(f[2]); err != nil {
				return nil, errors.Wrapf(err, "line %d", line)
			}
			if nRows != len(genes) || nCols != len(cells) {
				return nil, errors.Errorf("matrix is %dx%d but found %d genes and %d barcodes", nRows, nCols, len(genes), len(cells))
			}
			sized = true
			continue
		}
		g, err := strconv.Atoi(f[0])
		if err != nil || g < 1 || g > nRows {
			return nil, errors.Errorf("line %d: bad row %q", line, f[0])
		}
		c, err := strconv.Atoi(f[1])
		if err != nil || c < 1 || c > nCols {
			return nil, errors.Errorf("line %d: bad column %q", line, f[1])
		}
		v, err := strconv.ParseFloat(f[2], 64)
		if err != nil || v < 0 || v != float64(int32(v)) {
			return nil, errors.Errorf("line %d: bad count %q", line, f[2])
		}
		nRead++
		if v == 0 {
			continue
		}
		col := &m.Cols[c-1]
		col.Index = append(col.Index, int32(g-1))
		col.Count = append(col.Count, int32(v))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sized {
		return nil, errors.New("missing MatrixMarket size line")
	}
	if nRead != nnz {
		return nil, errors.Errorf("expect %d entries, found %d", nnz, nRead)
	}
	for c := range m.Cols {
		sortCol(&m.Cols[c])
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
