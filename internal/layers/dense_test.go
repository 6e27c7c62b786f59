package layers

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-rtneural/internal/device"
	"github.com/23skdu/longbow-rtneural/internal/simd"
)

func randMatrix[T simd.Float](rng *rand.Rand, rows, cols int) [][]T {
	m := make([][]T, rows)
	for i := range m {
		m[i] = randVector[T](rng, cols)
	}
	return m
}

func randVector[T simd.Float](rng *rand.Rand, n int) []T {
	v := make([]T, n)
	for i := range v {
		v[i] = T(rng.Float64()*2 - 1)
	}
	return v
}

func identity[T simd.Float](n int) [][]T {
	m := make([][]T, n)
	for i := range m {
		m[i] = make([]T, n)
		m[i][i] = 1
	}
	return m
}

func allBackends(t *testing.T) []device.Backend[float32] {
	t.Helper()
	var out []device.Backend[float32]
	for _, name := range []string{device.NameCPU, device.NameFast, device.NameBLAS} {
		b, err := device.NewBackend[float32](name)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestDense_Identity(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for _, backend := range allBackends(t) {
		t.Run(backend.Name(), func(t *testing.T) {
			d := NewDense[float32](6, 6, backend)
			require.NoError(t, d.SetWeights(identity[float32](6)))

			out := make([]float32, 6)
			for n := 0; n < 10; n++ {
				x := randVector[float32](rng, 6)
				d.Forward(x, out)
				assert.Equal(t, x, out)
			}
		})
	}

	t.Run("Fixed", func(t *testing.T) {
		d := NewDenseT[float64, D4, D4]()
		require.NoError(t, d.SetWeights(identity[float64](4)))
		x := randVector[float64](rng, 4)
		d.Forward(x)
		assert.Equal(t, x, d.Outs())
	})
}

func TestDense_ZeroWeightsReturnBias(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	bias := []float32{0.25, -1.5, 3}

	d := NewDense[float32](5, 3, nil)
	require.NoError(t, d.SetBias(bias))
	fixed := NewDenseT[float32, D4, D2]()
	require.NoError(t, fixed.SetBias(bias[:2]))

	out := make([]float32, 3)
	for n := 0; n < 10; n++ {
		d.Forward(randVector[float32](rng, 5), out)
		assert.Equal(t, bias, out)

		fixed.Forward(randVector[float32](rng, 4))
		assert.Equal(t, bias[:2], fixed.Outs())
	}
}

func TestDense_ForwardMatchesRightFold(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	w := randMatrix[float32](rng, 2, 4)
	b := randVector[float32](rng, 2)
	x := randVector[float32](rng, 4)

	d := NewDense[float32](4, 2, nil)
	require.NoError(t, d.SetWeights(w))
	require.NoError(t, d.SetBias(b))
	fixed := NewDenseT[float32, D4, D2]()
	require.NoError(t, fixed.SetWeights(w))
	require.NoError(t, fixed.SetBias(b))

	out := make([]float32, 2)
	d.Forward(x, out)
	fixed.Forward(x)

	for i := range out {
		want := simd.FoldRight(w[i], x, b[i])
		assert.Equal(t, want, out[i], "row %d", i)
		assert.Equal(t, want, fixed.Outs()[i], "fixed row %d", i)
	}
}

// countingBackend is the CPU backend with call counters on the reductions.
type countingBackend struct {
	device.CPUBackend[float32]
	folds, matVecs int
}

func (c *countingBackend) Fold(a, b []float32, init float32) float32 {
	c.folds++
	return c.CPUBackend.Fold(a, b, init)
}

func (c *countingBackend) MatVec(dst, m, v []float32, rows, cols int) {
	c.matVecs++
	c.CPUBackend.MatVec(dst, m, v, rows, cols)
}

func TestDense_SingleOutputFolds(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	w := randMatrix[float32](rng, 1, 8)
	b := randVector[float32](rng, 1)
	x := randVector[float32](rng, 8)

	backend := &countingBackend{}
	d := NewDense[float32](8, 1, backend)
	require.NoError(t, d.SetWeights(w))
	require.NoError(t, d.SetBias(b))
	fixed := NewDenseT[float32, D8, D1]()
	require.NoError(t, fixed.SetWeights(w))
	require.NoError(t, fixed.SetBias(b))

	out := make([]float32, 1)
	d.Forward(x, out)
	fixed.Forward(x)

	want := simd.FoldRight(w[0], x, b[0])
	assert.Equal(t, want, out[0])
	assert.Equal(t, want, fixed.Outs()[0])
	assert.Equal(t, 1, backend.folds)
	assert.Zero(t, backend.matVecs)

	wide := NewDense[float32](8, 2, backend)
	wide.Forward(x, make([]float32, 2))
	assert.Equal(t, 1, backend.folds)
	assert.Equal(t, 1, backend.matVecs)
}

func TestDense_BackendsAgree(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	w := randMatrix[float32](rng, 8, 16)
	b := randVector[float32](rng, 8)
	x := randVector[float32](rng, 16)

	var ref []float32
	for _, backend := range allBackends(t) {
		d := NewDense[float32](16, 8, backend)
		require.NoError(t, d.SetWeights(w))
		require.NoError(t, d.SetBias(b))

		out := make([]float32, 8)
		d.Forward(x, out)
		if ref == nil {
			ref = out
			continue
		}
		assert.InDeltaSlice(t, ref, out, 1e-5, backend.Name())
	}
}

func TestDense_Loading(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	w := randMatrix[float64](rng, 3, 2)
	b := []float64{1.5e300, -2.25e-300, 7}

	d := NewDense[float64](2, 3, nil)
	require.NoError(t, d.SetWeights(w))
	require.NoError(t, d.SetBias(b))

	for i := 0; i < 3; i++ {
		for k := 0; k < 2; k++ {
			assert.Equal(t, w[i][k], d.Weight(i, k))
		}
		// Full-width copy of every element, not a byte count.
		assert.Equal(t, b[i], d.Bias(i))
	}

	t.Run("Flat", func(t *testing.T) {
		flat := NewDense[float64](2, 3, nil)
		require.NoError(t, flat.SetWeightsFlat([]float64{
			w[0][0], w[0][1],
			w[1][0], w[1][1],
			w[2][0], w[2][1],
		}))
		for i := 0; i < 3; i++ {
			for k := 0; k < 2; k++ {
				assert.Equal(t, d.Weight(i, k), flat.Weight(i, k))
			}
		}
	})

	t.Run("ShapeErrors", func(t *testing.T) {
		assert.ErrorIs(t, d.SetWeights(randMatrix[float64](rng, 2, 2)), ErrShape)
		assert.ErrorIs(t, d.SetWeights([][]float64{{1, 2}, {3, 4}, {5}}), ErrShape)
		assert.ErrorIs(t, d.SetWeightsFlat(make([]float64, 5)), ErrShape)
		assert.ErrorIs(t, d.SetBias(make([]float64, 4)), ErrShape)

		// Rejected loads leave the layer untouched.
		assert.Equal(t, w[0][0], d.Weight(0, 0))
		assert.Equal(t, b[2], d.Bias(2))
	})

	t.Run("IndexPanics", func(t *testing.T) {
		assert.Panics(t, func() { d.Weight(3, 0) })
		assert.Panics(t, func() { d.Weight(0, 2) })
		assert.Panics(t, func() { d.Weight(-1, 0) })
		assert.Panics(t, func() { d.Bias(3) })

		fixed := NewDenseT[float64, D2, D1]()
		assert.Panics(t, func() { fixed.Weight(0, 2) })
		assert.Panics(t, func() { fixed.Bias(1) })
	})
}

func TestDenseT_Layout(t *testing.T) {
	d := NewDenseT[float32, D8, D4]()
	assert.Equal(t, "dense", d.Name())
	assert.Equal(t, 8, d.InSize())
	assert.Equal(t, 4, d.OutSize())
	assert.False(t, d.IsActivation())
	assert.True(t, simd.IsAligned(d.Outs(), simd.DefaultAlignment))
	assert.True(t, simd.IsAligned(d.aff.w, simd.DefaultAlignment))
	assert.Equal(t, float32(1), d.aff.ext[8])

	d.Reset()
	assert.Len(t, d.Outs(), 4)
}

func TestDense_EmptyInput(t *testing.T) {
	d := NewDense[float32](0, 2, nil)
	require.NoError(t, d.SetBias([]float32{4, 5}))
	out := make([]float32, 2)
	d.Forward(nil, out)
	assert.Equal(t, []float32{4, 5}, out)

	assert.Panics(t, func() { NewDense[float32](-1, 2, nil) })
}

func TestDense_ForwardDoesNotAllocate(t *testing.T) {
	d := NewDense[float32](16, 8, nil)
	fixed := NewDenseT[float32, D16, D8]()
	head := NewDenseT[float32, D16, D1]()
	in := make([]float32, 16)
	out := make([]float32, 8)

	allocs := testing.AllocsPerRun(100, func() {
		d.Forward(in, out)
		fixed.Forward(in)
		head.Forward(in)
	})
	assert.Zero(t, allocs)
}

func BenchmarkDense(b *testing.B) {
	in := make([]float32, 16)
	out := make([]float32, 8)
	b.Run("Runtime", func(b *testing.B) {
		d := NewDense[float32](16, 8, nil)
		for i := 0; i < b.N; i++ {
			d.Forward(in, out)
		}
	})
	b.Run("Fixed", func(b *testing.B) {
		d := NewDenseT[float32, D16, D8]()
		for i := 0; i < b.N; i++ {
			d.Forward(in)
		}
	})
}
