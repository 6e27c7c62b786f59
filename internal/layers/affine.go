package layers

import (
	"github.com/23skdu/longbow-rtneural/internal/device"
	"github.com/23skdu/longbow-rtneural/internal/simd"
)

// affine is the augmented form of y = W·x + b: a rows x (cols+1) matrix
// whose last column is the bias, applied to x extended with a trailing 1.
// All indexing of the bias column goes through this type.
type affine[T simd.Float] struct {
	rows, cols int
	w          []T // rows*(cols+1), row-major
	ext        []T // cols+1; ext[cols] is always 1
}

// newAffine builds the transform on caller-provided storage so the fixed
// layers can place it in their arena. w must hold rows*(cols+1) zeroes and
// ext cols+1 elements.
func newAffine[T simd.Float](rows, cols int, w, ext []T) affine[T] {
	ext[cols] = 1
	return affine[T]{rows: rows, cols: cols, w: w, ext: ext}
}

func affineSizes(rows, cols int) (w, ext int) {
	return rows * (cols + 1), cols + 1
}

func allocAffine[T simd.Float](rows, cols int) affine[T] {
	nw, next := affineSizes(rows, cols)
	return newAffine(rows, cols, make([]T, nw), make([]T, next))
}

func (a *affine[T]) stride() int {
	return a.cols + 1
}

func (a *affine[T]) weight(i, k int) T {
	return a.w[i*a.stride()+k]
}

func (a *affine[T]) setWeight(i, k int, v T) {
	a.w[i*a.stride()+k] = v
}

func (a *affine[T]) bias(i int) T {
	return a.w[i*a.stride()+a.cols]
}

func (a *affine[T]) setBias(i int, v T) {
	a.w[i*a.stride()+a.cols] = v
}

// extend copies x in front of the constant 1 and returns the extended vector.
func (a *affine[T]) extend(x []T) []T {
	copy(a.ext[:a.cols], x)
	return a.ext
}

// applyAffine writes W·x + b to dst. B is a type parameter rather than an
// interface argument so the fixed layers, instantiated with
// device.CPUBackend, call the kernels without dynamic dispatch.
//
// A single-row transform is one fold of the row against the extended input;
// wider ones go through MatVec.
func applyAffine[T simd.Float, B device.Backend[T]](b B, a *affine[T], dst, x []T) {
	ext := a.extend(x)
	if a.rows == 1 {
		dst[0] = b.Fold(a.w, ext, 0)
		return
	}
	b.MatVec(dst[:a.rows], a.w, ext, a.rows, a.stride())
}
