// Package device holds the numeric backends the layers compute with.
//
// A Backend supplies the elementwise arithmetic, folds and activations a
// layer needs. Implementations are interchangeable: swapping one changes
// floating-point rounding at most, never the layer's behaviour.
package device

import (
	"fmt"

	"github.com/23skdu/longbow-rtneural/internal/simd"
)

// Backend is the arithmetic contract consumed by the layers.
//
// Every method writes into caller-owned slices and must not allocate;
// layers call them from Forward on the real-time path.
type Backend[T simd.Float] interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Add performs dst = a + b elementwise. dst may alias a or b.
	Add(dst, a, b []T)

	// Mul performs dst = a * b elementwise. dst may alias a or b.
	Mul(dst, a, b []T)

	// Fold returns init + sum(a[k] * b[k]).
	// The accumulation order is backend specific. Layers fold single-row
	// transforms with it.
	Fold(a, b []T, init T) T

	// MatVec performs dst = m * v where m is rows x cols row-major. Each
	// row must reduce the same way Fold does with a zero init.
	MatVec(dst, m, v []T, rows, cols int)

	// Activations (dst may alias src)
	Sigmoid(dst, src []T)
	Tanh(dst, src []T)
}

// Backend names accepted by NewBackend.
const (
	NameCPU  = "cpu"
	NameFast = "fast"
	NameBLAS = "blas"
)

// NewBackend returns the backend registered under name. An empty name
// selects the CPU backend.
func NewBackend[T simd.Float](name string) (Backend[T], error) {
	switch name {
	case "", NameCPU:
		return CPUBackend[T]{}, nil
	case NameFast:
		return FastBackend[T]{}, nil
	case NameBLAS:
		var zero T
		switch any(zero).(type) {
		case float32:
			return any(BLAS32{}).(Backend[T]), nil
		case float64:
			return any(BLAS64{}).(Backend[T]), nil
		}
		return nil, fmt.Errorf("backend %q: unsupported element type %T", name, zero)
	default:
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
}
