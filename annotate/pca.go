package annotate

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// PCA projects the rows of x (cells x features, already centred) on the
// first n principal components and returns the cells x n scores. The sign
// of each component is fixed so that its largest loading is positive,
// making the result reproducible across runs.
func PCA(x *mat.Dense, n int) (*mat.Dense, []float64, error) {
	r, c := x.Dims()
	if n > r || n > c {
		if r < c {
			n = r
		} else {
			n = c
		}
	}
	if n < 1 {
		return nil, nil, fmt.Errorf("annotate.PCA: empty input (%dx%d)", r, c)
	}
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, nil, fmt.Errorf("annotate.PCA: SVD failed to converge")
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vr, _ := v.Dims()
	scores := mat.NewDense(r, n, nil)
	for k := 0; k < n; k++ {
		sign := 1.0
		best := 0.0
		for j := 0; j < vr; j++ {
			if a := v.At(j, k); math.Abs(a) > math.Abs(best) {
				best = a
			}
		}
		if best < 0 {
			sign = -1
		}
		for i := 0; i < r; i++ {
			scores.Set(i, k, sign*u.At(i, k)*values[k])
		}
	}
	return scores, values[:n], nil
}
