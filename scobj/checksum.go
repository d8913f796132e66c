package scobj

import (
	"encoding/binary"
	"fmt"
	"hash"
	"math"

	"blainsmith.com/go/seahash"
)

// Digest is an order-independent digest of an object. Each field is the
// wrapping sum of per-cell hashes, so two objects holding the same cells in
// a different order, or with genes or columns listed in a different order,
// have equal checksums.
type Digest struct {
	NCells    int
	NGenes    int
	SumCounts uint64
	Counts    uint64
	Meta      uint64
	Embedding uint64
}

func (c Digest) String() string {
	return fmt.Sprintf("cells=%d genes=%d total=%d counts=%016x meta=%016x embedding=%016x",
		c.NCells, c.NGenes, c.SumCounts, c.Counts, c.Meta, c.Embedding)
}

func hashCell(h hash.Hash64, cell string, fields ...[]byte) uint64 {
	h.Reset()
	h.Write([]byte(cell)) // nolint: errcheck
	h.Write([]byte{0})    // nolint: errcheck
	for _, f := range fields {
		h.Write(f) // nolint: errcheck
	}
	return h.Sum64()
}

// Checksum computes the digest of obj.
func Checksum(obj *Object) Digest {
	h := seahash.New()
	c := Digest{NCells: obj.Counts.NCells(), NGenes: obj.Counts.NGenes()}
	cols := obj.Meta.Columns()
	values := make([][]string, len(cols))
	for i, name := range cols {
		values[i], _ = obj.Meta.String(name)
	}
	var buf [8]byte
	for i, cell := range obj.Counts.Cells {
		col := obj.Counts.Cols[i]
		for j, g := range col.Index {
			binary.LittleEndian.PutUint32(buf[:4], uint32(col.Count[j]))
			c.Counts += hashCell(h, cell, []byte(obj.Counts.Genes[g]), buf[:4])
			c.SumCounts += uint64(col.Count[j])
		}
		for j, name := range cols {
			kind, _ := obj.Meta.Kind(name)
			buf[0] = byte(kind)
			c.Meta += hashCell(h, cell, []byte(name), buf[:1], []byte(values[j][i]))
		}
		if obj.Embedding != nil {
			h.Reset()
			h.Write([]byte(cell)) // nolint: errcheck
			for _, v := range obj.Embedding[i] {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
				h.Write(buf[:]) // nolint: errcheck
			}
			c.Embedding += h.Sum64()
		}
	}
	return c
}
