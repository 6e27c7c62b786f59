package layers

import (
	"errors"
	"fmt"
)

var (
	// ErrShape is returned by the weight loaders when the supplied values do
	// not match the layer dimensions.
	ErrShape = errors.New("shape mismatch")

	// ErrDelay is returned by Prepare for a delay the corrector cannot honour.
	ErrDelay = errors.New("invalid delay")
)

func shapeError(layer, what string, got, want int) error {
	configErrors.WithLabelValues(layer).Inc()
	return fmt.Errorf("%s: %s has %d entries, want %d: %w", layer, what, got, want, ErrShape)
}

// checkMatrix validates a nested [rows][cols] slice.
func checkMatrix[T any](layer, what string, m [][]T, rows, cols int) error {
	if len(m) != rows {
		return shapeError(layer, what, len(m), rows)
	}
	for i, row := range m {
		if len(row) != cols {
			return shapeError(layer, fmt.Sprintf("%s row %d", what, i), len(row), cols)
		}
	}
	return nil
}

// checkIndex panics when i is outside [0, n). Read-back accessors use it so
// a bad index never aliases a neighbouring row.
func checkIndex(accessor string, i, n int) {
	if i < 0 || i >= n {
		panic(fmt.Sprintf("layers: %s index %d out of range [0, %d)", accessor, i, n))
	}
}
