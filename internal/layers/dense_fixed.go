package layers

import (
	"github.com/23skdu/longbow-rtneural/internal/device"
	"github.com/23skdu/longbow-rtneural/internal/simd"
)

// DenseT is the fixed-size dense layer. Weights, bias and the output
// vector live in one arena aligned to simd.DefaultAlignment, and Forward
// calls the CPU kernels directly.
type DenseT[T simd.Float, In, Out Dim] struct {
	aff  affine[T]
	outs []T
}

// NewDenseT creates a fixed-size dense layer with zeroed weights and bias.
func NewDenseT[T simd.Float, In, Out Dim]() *DenseT[T, In, Out] {
	in, out := sizeOf[In](), sizeOf[Out]()
	nw, next := affineSizes(out, in)
	arena := simd.NewArena[T](simd.DefaultAlignment, out, nw, next)

	d := &DenseT[T, In, Out]{outs: arena.Take(out)}
	d.aff = newAffine(out, in, arena.Take(nw), arena.Take(next))
	return d
}

func (d *DenseT[T, In, Out]) Name() string       { return denseName }
func (d *DenseT[T, In, Out]) InSize() int        { return d.aff.cols }
func (d *DenseT[T, In, Out]) OutSize() int       { return d.aff.rows }
func (d *DenseT[T, In, Out]) IsActivation() bool { return false }

// Reset is a no-op; DenseT has no state.
func (d *DenseT[T, In, Out]) Reset() {}

// Forward computes the affine transform of in into Outs.
func (d *DenseT[T, In, Out]) Forward(in []T) {
	applyAffine(device.CPUBackend[T]{}, &d.aff, d.outs, in)
}

// Outs returns the output of the last Forward. The slice is owned by the
// layer and overwritten by the next call.
func (d *DenseT[T, In, Out]) Outs() []T {
	return d.outs
}

// SetWeights loads a [Out][In] matrix.
func (d *DenseT[T, In, Out]) SetWeights(w [][]T) error {
	return setDenseWeights(&d.aff, w)
}

// SetWeightsFlat loads a row-major [Out][In] matrix.
func (d *DenseT[T, In, Out]) SetWeightsFlat(w []T) error {
	return setDenseWeightsFlat(&d.aff, w)
}

// SetBias loads a length Out bias vector.
func (d *DenseT[T, In, Out]) SetBias(b []T) error {
	return setDenseBias(&d.aff, b)
}

func (d *DenseT[T, In, Out]) Weight(i, k int) T {
	return denseWeight(&d.aff, i, k)
}

func (d *DenseT[T, In, Out]) Bias(i int) T {
	return denseBias(&d.aff, i)
}
