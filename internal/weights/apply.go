package weights

import (
	"fmt"

	"github.com/23skdu/longbow-rtneural/internal/device"
	"github.com/23skdu/longbow-rtneural/internal/layers"
	"github.com/23skdu/longbow-rtneural/internal/simd"
)

// DenseLoader is the weight-loading surface of Dense and DenseT.
type DenseLoader[T simd.Float] interface {
	InSize() int
	OutSize() int
	SetWeights(w [][]T) error
	SetBias(b []T) error
}

// GRULoader is the weight-loading surface of GRU and GRUT.
type GRULoader[T simd.Float] interface {
	InSize() int
	OutSize() int
	SetWVals(w [][]T) error
	SetUVals(u [][]T) error
	SetBVals(b [][]T) error
}

// checkShape reports a [rows][cols] mismatch of m as layers.ErrShape.
func checkShape(field string, m [][]float64, rows, cols int) error {
	if len(m) != rows {
		return fmt.Errorf("%s: %d rows, want %d: %w", field, len(m), rows, layers.ErrShape)
	}
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("%s: row %d has %d entries, want %d: %w", field, i, len(row), cols, layers.ErrShape)
		}
	}
	return nil
}

func checkDense(spec LayerSpec, in, out int) error {
	if err := checkShape("weights", spec.Weights, out, in); err != nil {
		return err
	}
	if spec.Bias != nil && len(spec.Bias) != out {
		return fmt.Errorf("bias: %d entries, want %d: %w", len(spec.Bias), out, layers.ErrShape)
	}
	return nil
}

func checkGRU(spec LayerSpec, in, out int) error {
	if err := checkShape("weights", spec.Weights, in, 3*out); err != nil {
		return err
	}
	if err := checkShape("recurrent_weights", spec.Recurrent, out, 3*out); err != nil {
		return err
	}
	if spec.GRUBias != nil {
		return checkShape("gru_bias", spec.GRUBias, 2, 3*out)
	}
	return nil
}

func convertVector[T simd.Float](v []float64) []T {
	out := make([]T, len(v))
	for i, x := range v {
		out[i] = T(x)
	}
	return out
}

func convertMatrix[T simd.Float](m [][]float64) [][]T {
	out := make([][]T, len(m))
	for i, row := range m {
		out[i] = convertVector[T](row)
	}
	return out
}

// ApplyDense loads a dense layer description into l. A missing bias leaves
// the layer's bias untouched. Every shape is checked before anything is
// written, so l is unchanged when ApplyDense fails.
func ApplyDense[T simd.Float](spec LayerSpec, l DenseLoader[T]) error {
	if spec.Type != TypeDense {
		return fmt.Errorf("cannot load %q into a dense layer: %w", spec.Type, ErrFormat)
	}
	if err := checkDense(spec, l.InSize(), l.OutSize()); err != nil {
		return err
	}
	if err := l.SetWeights(convertMatrix[T](spec.Weights)); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	if spec.Bias != nil {
		if err := l.SetBias(convertVector[T](spec.Bias)); err != nil {
			return fmt.Errorf("bias: %w", err)
		}
	}
	return nil
}

// ApplyGRU loads a GRU layer description into l. A missing bias leaves the
// layer's biases untouched. Like ApplyDense it writes nothing on error.
func ApplyGRU[T simd.Float](spec LayerSpec, l GRULoader[T]) error {
	if spec.Type != TypeGRU {
		return fmt.Errorf("cannot load %q into a gru layer: %w", spec.Type, ErrFormat)
	}
	if err := checkGRU(spec, l.InSize(), l.OutSize()); err != nil {
		return err
	}
	if err := l.SetWVals(convertMatrix[T](spec.Weights)); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	if err := l.SetUVals(convertMatrix[T](spec.Recurrent)); err != nil {
		return fmt.Errorf("recurrent_weights: %w", err)
	}
	if spec.GRUBias != nil {
		if err := l.SetBVals(convertMatrix[T](spec.GRUBias)); err != nil {
			return fmt.Errorf("gru_bias: %w", err)
		}
	}
	return nil
}

// Build constructs the runtime-sized layer described by f on backend and
// loads its weights. A nil backend selects the CPU backend.
func Build[T simd.Float](f *File, backend device.Backend[T]) (layers.Layer[T], error) {
	spec := f.Layer
	switch spec.Type {
	case TypeDense:
		d := layers.NewDense[T](spec.InSize, spec.OutSize, backend)
		if err := ApplyDense[T](spec, d); err != nil {
			return nil, fmt.Errorf("dense %dx%d: %w", spec.InSize, spec.OutSize, err)
		}
		return d, nil
	case TypeGRU:
		g := layers.NewGRU[T](spec.InSize, spec.OutSize, backend)
		if err := ApplyGRU[T](spec, g); err != nil {
			return nil, fmt.Errorf("gru %dx%d: %w", spec.InSize, spec.OutSize, err)
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown layer type %q: %w", spec.Type, ErrFormat)
}

// DescribeDense captures a loaded dense layer back into a LayerSpec using
// its read-back accessors.
func DescribeDense[T simd.Float](l interface {
	InSize() int
	OutSize() int
	Weight(i, k int) T
	Bias(i int) T
}) LayerSpec {
	spec := LayerSpec{Type: TypeDense, InSize: l.InSize(), OutSize: l.OutSize()}
	spec.Weights = make([][]float64, spec.OutSize)
	spec.Bias = make([]float64, spec.OutSize)
	for i := range spec.Weights {
		spec.Weights[i] = make([]float64, spec.InSize)
		for k := range spec.Weights[i] {
			spec.Weights[i][k] = float64(l.Weight(i, k))
		}
		spec.Bias[i] = float64(l.Bias(i))
	}
	return spec
}

// DescribeGRU captures a loaded GRU back into a LayerSpec.
func DescribeGRU[T simd.Float](l interface {
	InSize() int
	OutSize() int
	WVal(i, k int) T
	UVal(i, k int) T
	BVal(i, k int) T
}) LayerSpec {
	in, out := l.InSize(), l.OutSize()
	read := func(rows int, at func(i, k int) T) [][]float64 {
		m := make([][]float64, rows)
		for i := range m {
			m[i] = make([]float64, 3*out)
			for k := range m[i] {
				m[i][k] = float64(at(i, k))
			}
		}
		return m
	}
	return LayerSpec{
		Type:      TypeGRU,
		InSize:    in,
		OutSize:   out,
		Weights:   read(in, l.WVal),
		Recurrent: read(out, l.UVal),
		GRUBias:   read(2, l.BVal),
	}
}

// BuildOn is Build on the backend registered under name; see
// device.NewBackend.
func BuildOn[T simd.Float](f *File, name string) (layers.Layer[T], error) {
	backend, err := device.NewBackend[T](name)
	if err != nil {
		return nil, err
	}
	return Build(f, backend)
}

// Canonical loads f into a float64 CPU layer and reads it back, so the
// result has every shape checked and every bias written out explicitly.
func Canonical(f *File) (*File, error) {
	l, err := Build[float64](f, nil)
	if err != nil {
		return nil, err
	}
	out := &File{Name: f.Name, SampleRate: f.SampleRate}
	switch l := l.(type) {
	case *layers.Dense[float64]:
		out.Layer = DescribeDense[float64](l)
	case *layers.GRU[float64]:
		out.Layer = DescribeGRU[float64](l)
	default:
		return nil, fmt.Errorf("cannot describe %s layer: %w", l.Name(), ErrFormat)
	}
	return out, nil
}
