package layers

import (
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-rtneural/internal/device"
	"github.com/23skdu/longbow-rtneural/internal/simd"
)

const denseName = "dense"

// Dense is a runtime-sized fully connected layer with no activation:
//
//	out[i] = bias[i] + sum_k weight[i][k] * in[k]
//
// The bias is stored as the last column of the weight matrix. With the CPU
// backend each output is folded from the bias towards input 0, matching
// simd.FoldRight.
type Dense[T simd.Float] struct {
	inSize  int
	outSize int
	backend device.Backend[T]
	aff     affine[T]
}

// NewDense creates a dense layer with zeroed weights and bias. A nil backend
// selects device.CPUBackend. Negative sizes panic.
func NewDense[T simd.Float](inSize, outSize int, backend device.Backend[T]) *Dense[T] {
	if inSize < 0 || outSize < 0 {
		panic("layers: negative dense dimensions")
	}
	if backend == nil {
		backend = device.CPUBackend[T]{}
	}
	return &Dense[T]{
		inSize:  inSize,
		outSize: outSize,
		backend: backend,
		aff:     allocAffine[T](outSize, inSize),
	}
}

func (d *Dense[T]) Name() string       { return denseName }
func (d *Dense[T]) InSize() int        { return d.inSize }
func (d *Dense[T]) OutSize() int       { return d.outSize }
func (d *Dense[T]) IsActivation() bool { return false }

// Reset is a no-op; Dense has no state.
func (d *Dense[T]) Reset() {}

// Forward computes the affine transform of in into out.
func (d *Dense[T]) Forward(in, out []T) {
	applyAffine(d.backend, &d.aff, out, in)
}

// SetWeights loads a [out_size][in_size] matrix.
func (d *Dense[T]) SetWeights(w [][]T) error {
	return setDenseWeights(&d.aff, w)
}

// SetWeightsFlat loads a row-major [out_size][in_size] matrix.
func (d *Dense[T]) SetWeightsFlat(w []T) error {
	return setDenseWeightsFlat(&d.aff, w)
}

// SetBias loads a length out_size bias vector.
func (d *Dense[T]) SetBias(b []T) error {
	return setDenseBias(&d.aff, b)
}

// Weight returns weight[i][k]. Out-of-range indices panic.
func (d *Dense[T]) Weight(i, k int) T {
	return denseWeight(&d.aff, i, k)
}

// Bias returns bias[i]. Out-of-range indices panic.
func (d *Dense[T]) Bias(i int) T {
	return denseBias(&d.aff, i)
}

// Loaders shared by Dense and DenseT.

func setDenseWeights[T simd.Float](a *affine[T], w [][]T) error {
	if err := checkMatrix(denseName, "weights", w, a.rows, a.cols); err != nil {
		return err
	}
	for i, row := range w {
		for k, v := range row {
			a.setWeight(i, k, v)
		}
	}
	weightLoads.WithLabelValues(denseName).Inc()
	log.Debug().Int("out", a.rows).Int("in", a.cols).Msg("Loaded dense weights")
	return nil
}

func setDenseWeightsFlat[T simd.Float](a *affine[T], w []T) error {
	if len(w) != a.rows*a.cols {
		return shapeError(denseName, "flat weights", len(w), a.rows*a.cols)
	}
	for i := 0; i < a.rows; i++ {
		for k := 0; k < a.cols; k++ {
			a.setWeight(i, k, w[i*a.cols+k])
		}
	}
	weightLoads.WithLabelValues(denseName).Inc()
	return nil
}

func setDenseBias[T simd.Float](a *affine[T], b []T) error {
	if len(b) != a.rows {
		return shapeError(denseName, "bias", len(b), a.rows)
	}
	for i, v := range b {
		a.setBias(i, v)
	}
	weightLoads.WithLabelValues(denseName).Inc()
	return nil
}

func denseWeight[T simd.Float](a *affine[T], i, k int) T {
	checkIndex("Weight row", i, a.rows)
	checkIndex("Weight column", k, a.cols)
	return a.weight(i, k)
}

func denseBias[T simd.Float](a *affine[T], i int) T {
	checkIndex("Bias", i, a.rows)
	return a.bias(i)
}
