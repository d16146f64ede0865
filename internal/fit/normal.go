package fit

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// maxCondition is the condition number above which a factorization is
// treated as a failure.
const maxCondition = 1e15

// NormalMatrix returns Σ c cᵀ over the columns of tl as an n×n symmetric
// matrix, or nil when n is zero.
func NormalMatrix(n int, tl *TripletList) *mat.SymDense {
	if n == 0 {
		return nil
	}
	h := mat.NewSymDense(n, nil)
	addOuterProducts(h, tl, 1)
	return h
}

// addOuterProducts adds alpha·c cᵀ for every column c of tl to h.
func addOuterProducts(h *mat.SymDense, tl *TripletList, alpha float64) {
	raw := h.RawSymmetric()
	entries := tl.Entries()
	for start := 0; start < len(entries); {
		end := start + 1
		for end < len(entries) && entries[end].Col == entries[start].Col {
			end++
		}
		for a := start; a < end; a++ {
			for b := start; b < end; b++ {
				i, j := entries[a].Row, entries[b].Row
				if i > j {
					continue
				}
				// Equal rows: visit a <= b only and double the cross terms.
				if i == j && a > b {
					continue
				}
				v := alpha * entries[a].Value * entries[b].Value
				if i == j && a != b {
					v *= 2
				}
				raw.Data[i*raw.Stride+j] += v
			}
		}
		start = end
	}
}

// columns expands tl into dense vectors of length n, one per column.
func columns(n int, tl *TripletList) []*mat.VecDense {
	var out []*mat.VecDense
	entries := tl.Entries()
	for start := 0; start < len(entries); {
		v := mat.NewVecDense(n, nil)
		end := start
		for end < len(entries) && entries[end].Col == entries[start].Col {
			v.SetVec(entries[end].Row, v.AtVec(entries[end].Row)+entries[end].Value)
			end++
		}
		out = append(out, v)
		start = end
	}
	return out
}

// normalEquations holds the normal matrix and its Cholesky factor.
type normalEquations struct {
	n    int
	h    *mat.SymDense
	chol mat.Cholesky
}

// factorize computes the Cholesky factor of h. It reports false when h is not
// positive definite or too ill-conditioned to be trusted.
func factorize(h *mat.SymDense) (*normalEquations, bool) {
	ne := &normalEquations{h: h}
	if h == nil {
		return ne, true
	}
	ne.n, _ = h.Dims()
	if ok := ne.chol.Factorize(h); !ok {
		return ne, false
	}
	if c := ne.chol.Cond(); math.IsInf(c, 0) || math.IsNaN(c) || c > maxCondition {
		return ne, false
	}
	return ne, true
}

// solve returns δ with H δ = g.
func (ne *normalEquations) solve(g []float64) ([]float64, error) {
	if ne.n == 0 {
		return nil, nil
	}
	var x mat.VecDense
	if err := ne.chol.SolveVecTo(&x, mat.NewVecDense(ne.n, append([]float64(nil), g...))); err != nil {
		return nil, errors.Wrap(err, "cholesky solve")
	}
	return x.RawVector().Data, nil
}

// apply returns H·δ.
func (ne *normalEquations) apply(delta []float64) []float64 {
	out := make([]float64, ne.n)
	if ne.n == 0 {
		return out
	}
	var r mat.VecDense
	r.MulVec(ne.h, mat.NewVecDense(ne.n, delta))
	copy(out, r.RawVector().Data)
	return out
}

// downdate removes the columns of tl from H and updates the factor in place
// with rank one downdates. When a downdate fails it refactorizes the reduced
// matrix and reports whether that succeeded.
func (ne *normalEquations) downdate(tl *TripletList) bool {
	if ne.n == 0 {
		return true
	}
	addOuterProducts(ne.h, tl, -1)
	for _, c := range columns(ne.n, tl) {
		if ok := ne.chol.SymRankOne(&ne.chol, -1, c); !ok {
			return ne.refactorize()
		}
	}
	if c := ne.chol.Cond(); math.IsInf(c, 0) || math.IsNaN(c) || c > maxCondition {
		return false
	}
	return true
}

// refactorize recomputes the factor of the current H.
func (ne *normalEquations) refactorize() bool {
	fresh, ok := factorize(ne.h)
	if !ok {
		return false
	}
	ne.chol = fresh.chol
	return true
}
