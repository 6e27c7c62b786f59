package device

import (
	"github.com/23skdu/longbow-rtneural/internal/simd"
)

// ensure interface compliance
var _ Backend[float32] = CPUBackend[float32]{}
var _ Backend[float64] = CPUBackend[float64]{}
var _ Backend[float32] = FastBackend[float32]{}

// CPUBackend is the reference backend: plain loops and exact activations.
// Folds accumulate right to left starting from init (see simd.FoldRight).
//
// It is an empty struct so generic code instantiated with it calls the
// loops directly.
type CPUBackend[T simd.Float] struct{}

func (CPUBackend[T]) Name() string {
	return "CPU"
}

func (CPUBackend[T]) Add(dst, a, b []T) {
	simd.VecAdd(dst, a, b)
}

func (CPUBackend[T]) Mul(dst, a, b []T) {
	simd.VecMul(dst, a, b)
}

func (CPUBackend[T]) Fold(a, b []T, init T) T {
	return simd.FoldRight(a, b, init)
}

func (CPUBackend[T]) MatVec(dst, m, v []T, rows, cols int) {
	simd.MatVecMul(dst, m, v, rows, cols)
}

func (CPUBackend[T]) Sigmoid(dst, src []T) {
	simd.SigmoidVec(dst, src)
}

func (CPUBackend[T]) Tanh(dst, src []T) {
	simd.TanhVec(dst, src)
}

// FastBackend trades accuracy for speed: unrolled left-to-right dots and
// polynomial activations. Outputs drift from CPUBackend by roughly 1e-3.
type FastBackend[T simd.Float] struct{}

func (FastBackend[T]) Name() string {
	return "CPU-fast"
}

func (FastBackend[T]) Add(dst, a, b []T) {
	simd.VecAdd(dst, a, b)
}

func (FastBackend[T]) Mul(dst, a, b []T) {
	simd.VecMul(dst, a, b)
}

func (FastBackend[T]) Fold(a, b []T, init T) T {
	return init + simd.DotProduct(a, b)
}

func (FastBackend[T]) MatVec(dst, m, v []T, rows, cols int) {
	simd.MatVecMulFast(dst, m, v, rows, cols)
}

func (FastBackend[T]) Sigmoid(dst, src []T) {
	simd.SigmoidFastVec(dst, src)
}

func (FastBackend[T]) Tanh(dst, src []T) {
	simd.TanhFastVec(dst, src)
}
