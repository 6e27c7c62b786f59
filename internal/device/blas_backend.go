package device

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-rtneural/internal/simd"
)

var _ Backend[float32] = BLAS32{}
var _ Backend[float64] = BLAS64{}

// BLAS32 routes the matrix-vector product and folds through gonum's blas32,
// which is the pure Go implementation unless a cgo build registers netlib.
// Accumulation order is whatever the registered BLAS uses.
type BLAS32 struct{}

func (BLAS32) Name() string {
	return "BLAS32"
}

func (BLAS32) Add(dst, a, b []float32) {
	simd.VecAdd(dst, a, b)
}

func (BLAS32) Mul(dst, a, b []float32) {
	simd.VecMul(dst, a, b)
}

func (BLAS32) Fold(a, b []float32, init float32) float32 {
	if len(a) == 0 {
		return init
	}
	return init + blas32.Dot(
		blas32.Vector{N: len(a), Inc: 1, Data: a},
		blas32.Vector{N: len(a), Inc: 1, Data: b},
	)
}

func (BLAS32) MatVec(dst, m, v []float32, rows, cols int) {
	if rows == 0 {
		return
	}
	if cols == 0 {
		clear(dst[:rows])
		return
	}
	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: m},
		blas32.Vector{N: cols, Inc: 1, Data: v},
		0,
		blas32.Vector{N: rows, Inc: 1, Data: dst},
	)
}

func (BLAS32) Sigmoid(dst, src []float32) {
	simd.SigmoidVec(dst, src)
}

func (BLAS32) Tanh(dst, src []float32) {
	simd.TanhVec(dst, src)
}

// BLAS64 is the float64 counterpart of BLAS32; elementwise ops go through
// gonum/floats.
type BLAS64 struct{}

func (BLAS64) Name() string {
	return "BLAS64"
}

func (BLAS64) Add(dst, a, b []float64) {
	floats.AddTo(dst, a, b)
}

func (BLAS64) Mul(dst, a, b []float64) {
	floats.MulTo(dst, a, b)
}

func (BLAS64) Fold(a, b []float64, init float64) float64 {
	if len(a) == 0 {
		return init
	}
	return init + blas64.Dot(
		blas64.Vector{N: len(a), Inc: 1, Data: a},
		blas64.Vector{N: len(a), Inc: 1, Data: b},
	)
}

func (BLAS64) MatVec(dst, m, v []float64, rows, cols int) {
	if rows == 0 {
		return
	}
	if cols == 0 {
		clear(dst[:rows])
		return
	}
	blas64.Gemv(blas.NoTrans, 1,
		blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: m},
		blas64.Vector{N: cols, Inc: 1, Data: v},
		0,
		blas64.Vector{N: rows, Inc: 1, Data: dst},
	)
}

func (BLAS64) Sigmoid(dst, src []float64) {
	simd.SigmoidVec(dst, src)
}

func (BLAS64) Tanh(dst, src []float64) {
	simd.TanhVec(dst, src)
}
