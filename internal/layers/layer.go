// Package layers implements real-time dense and GRU layers.
//
// Every layer comes in two forms that share behaviour but not a base type:
// a runtime-sized form (Dense, GRU) whose dimensions are constructor
// arguments and whose arithmetic goes through a device.Backend, and a
// fixed-size form (DenseT, GRUT) whose dimensions are Dim type parameters
// and whose buffers come from one aligned arena.
//
// Lifecycle: construct, load weights, (GRUT only) Prepare, Reset, then call
// Forward once per frame. Loading, Prepare and Reset run on a control
// thread and must never overlap Forward; no layer synchronises internally.
// Forward does not allocate, lock, log or fail.
package layers

import (
	"github.com/23skdu/longbow-rtneural/internal/simd"
)

// Layer is the capability set of the runtime-sized layers.
type Layer[T simd.Float] interface {
	Name() string
	InSize() int
	OutSize() int
	IsActivation() bool

	// Forward reads InSize values from in and writes OutSize values to out.
	Forward(in, out []T)

	// Reset clears any recurrent state.
	Reset()
}

// FixedLayer is the capability set of the fixed-size layers, which own
// their output buffer.
type FixedLayer[T simd.Float] interface {
	Name() string
	InSize() int
	OutSize() int
	IsActivation() bool
	Forward(in []T)
	Outs() []T
	Reset()
}

var (
	_ Layer[float32]      = (*Dense[float32])(nil)
	_ Layer[float64]      = (*GRU[float64])(nil)
	_ FixedLayer[float32] = (*DenseT[float32, D4, D2])(nil)
	_ FixedLayer[float64] = (*GRUT[float64, D1, D8])(nil)
)
