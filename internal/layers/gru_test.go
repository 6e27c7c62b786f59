package layers

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-rtneural/internal/device"
	"github.com/23skdu/longbow-rtneural/internal/simd"
)

// gruParams holds weights in the external [in][3*out] layout.
type gruParams struct {
	w, u, b [][]float64
}

func randGRUParams(rng *rand.Rand, in, out int) gruParams {
	return gruParams{
		w: randMatrix[float64](rng, in, 3*out),
		u: randMatrix[float64](rng, out, 3*out),
		b: randMatrix[float64](rng, 2, 3*out),
	}
}

func zeroGRUParams(in, out int) gruParams {
	zeros := func(rows, cols int) [][]float64 {
		m := make([][]float64, rows)
		for i := range m {
			m[i] = make([]float64, cols)
		}
		return m
	}
	return gruParams{w: zeros(in, 3*out), u: zeros(out, 3*out), b: zeros(2, 3*out)}
}

type gruLoader interface {
	SetWVals([][]float64) error
	SetUVals([][]float64) error
	SetBVals([][]float64) error
}

func (p gruParams) load(t *testing.T, g gruLoader) {
	t.Helper()
	require.NoError(t, g.SetWVals(p.w))
	require.NoError(t, g.SetUVals(p.u))
	require.NoError(t, g.SetBVals(p.b))
}

// referenceStep is a direct transcription of the GRU equations on the
// external weight layout.
func referenceStep(p gruParams, x, h []float64) []float64 {
	n := len(h)
	gate := func(block int, src []float64, m [][]float64, bias []float64, k int) float64 {
		col := block*n + k
		s := bias[col]
		for i, v := range src {
			s += m[i][col] * v
		}
		return s
	}
	sigmoid := func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }

	out := make([]float64, n)
	for k := 0; k < n; k++ {
		r := sigmoid(gate(0, x, p.w, p.b[0], k) + gate(0, h, p.u, p.b[1], k))
		z := sigmoid(gate(1, x, p.w, p.b[0], k) + gate(1, h, p.u, p.b[1], k))
		c := math.Tanh(gate(2, x, p.w, p.b[0], k) + r*gate(2, h, p.u, p.b[1], k))
		out[k] = (1-z)*c + z*h[k]
	}
	return out
}

func TestGRU_MatchesReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	p := randGRUParams(rng, 2, 8)

	g := NewGRU[float64](2, 8, nil)
	p.load(t, g)
	fixed := NewGRUT[float64, D2, D8](CorrectionNone)
	p.load(t, fixed)

	h := make([]float64, 8)
	out := make([]float64, 8)
	for step := 0; step < 32; step++ {
		x := randVector[float64](rng, 2)
		want := referenceStep(p, x, h)

		g.Forward(x, out)
		fixed.Forward(x)

		assert.InDeltaSlice(t, want, out, 1e-12, "step %d", step)
		// Both forms run the same kernels, so they agree bit for bit.
		assert.Equal(t, out, fixed.Outs(), "step %d", step)
		assert.Equal(t, out, g.State())
		h = want
	}
}

func TestGRU_ZeroWeightsHalveState(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	p := randGRUParams(rng, 1, 4)

	g := NewGRU[float64](1, 4, nil)
	p.load(t, g)
	fixed := NewGRUT[float64, D1, D4](CorrectionNone)
	p.load(t, fixed)

	out := make([]float64, 4)
	for step := 0; step < 5; step++ {
		x := randVector[float64](rng, 1)
		g.Forward(x, out)
		fixed.Forward(x)
	}
	prev := append([]float64(nil), out...)
	require.NotEqual(t, make([]float64, 4), prev)

	zero := zeroGRUParams(1, 4)
	zero.load(t, g)
	zero.load(t, fixed)

	for step := 0; step < 4; step++ {
		x := randVector[float64](rng, 1)
		g.Forward(x, out)
		fixed.Forward(x)
		for i := range prev {
			prev[i] *= 0.5
		}
		assert.Equal(t, prev, out)
		assert.Equal(t, prev, fixed.Outs())
	}
}

func TestGRU_WeightRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(15, 16))
	p := randGRUParams(rng, 3, 2)

	g := NewGRU[float64](3, 2, nil)
	p.load(t, g)
	fixed := NewGRUT[float64, D4, D2](CorrectionNone)
	fp := randGRUParams(rng, 4, 2)
	fp.load(t, fixed)

	for i := 0; i < 3; i++ {
		for k := 0; k < 6; k++ {
			assert.Equal(t, p.w[i][k], g.WVal(i, k))
		}
	}
	for i := 0; i < 2; i++ {
		for k := 0; k < 6; k++ {
			assert.Equal(t, p.u[i][k], g.UVal(i, k))
			assert.Equal(t, p.b[i][k], g.BVal(i, k))
			assert.Equal(t, fp.u[i][k], fixed.UVal(i, k))
			assert.Equal(t, fp.b[i][k], fixed.BVal(i, k))
		}
	}
	for i := 0; i < 4; i++ {
		for k := 0; k < 6; k++ {
			assert.Equal(t, fp.w[i][k], fixed.WVal(i, k))
		}
	}

	// Column k of the external layout is row k of the fused kernel, so the
	// reset block comes first.
	assert.Equal(t, p.w[1][0], g.cell.kernel.weight(0, 1))
	assert.Equal(t, p.w[1][3], g.cell.kernel.weight(3, 1))
	assert.Equal(t, p.b[0][5], g.cell.kernel.bias(5))
	assert.Equal(t, p.b[1][5], g.cell.recurrent.bias(5))
}

func TestGRU_ShapeErrors(t *testing.T) {
	g := NewGRU[float64](3, 2, nil)
	ok := zeroGRUParams(3, 2)

	assert.ErrorIs(t, g.SetWVals(ok.u), ErrShape)
	assert.ErrorIs(t, g.SetWVals([][]float64{make([]float64, 6), make([]float64, 6), make([]float64, 5)}), ErrShape)
	assert.ErrorIs(t, g.SetUVals(ok.w), ErrShape)
	assert.ErrorIs(t, g.SetBVals(ok.b[:1]), ErrShape)
	assert.ErrorIs(t, g.SetBVals([][]float64{make([]float64, 6), make([]float64, 4)}), ErrShape)

	ok.load(t, g)
}

func TestGRU_IndexPanics(t *testing.T) {
	g := NewGRU[float32](3, 2, nil)
	assert.Panics(t, func() { g.WVal(3, 0) })
	assert.Panics(t, func() { g.WVal(0, 6) })
	assert.Panics(t, func() { g.UVal(2, 0) })
	assert.Panics(t, func() { g.UVal(0, -1) })
	assert.Panics(t, func() { g.BVal(2, 0) })
	assert.Panics(t, func() { g.BVal(1, 6) })
	assert.NotPanics(t, func() { g.BVal(1, 5) })

	assert.Panics(t, func() { NewGRU[float32](2, -1, nil) })
}

func TestGRU_ResetIdempotent(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 18))
	p := randGRUParams(rng, 1, 8)

	g := NewGRU[float64](1, 8, nil)
	p.load(t, g)
	out := make([]float64, 8)
	for step := 0; step < 3; step++ {
		g.Forward([]float64{rng.Float64()}, out)
	}

	g.Reset()
	once := append([]float64(nil), g.State()...)
	g.Reset()
	assert.Equal(t, make([]float64, 8), once)
	assert.Equal(t, once, g.State())

	// Reset returns the layer to its post-construction behaviour.
	fresh := NewGRU[float64](1, 8, nil)
	p.load(t, fresh)
	want := make([]float64, 8)
	fresh.Forward([]float64{0.3}, want)
	g.Forward([]float64{0.3}, out)
	assert.Equal(t, want, out)
}

func TestGRU_BackendsAgree(t *testing.T) {
	rng := rand.New(rand.NewPCG(19, 20))
	p := randGRUParams(rng, 1, 8)
	toF32 := func(m [][]float64) [][]float32 {
		out := make([][]float32, len(m))
		for i, row := range m {
			out[i] = make([]float32, len(row))
			for k, v := range row {
				out[i][k] = float32(v)
			}
		}
		return out
	}

	var ref []float32
	for _, backend := range allBackends(t) {
		g := NewGRU[float32](1, 8, backend)
		require.NoError(t, g.SetWVals(toF32(p.w)))
		require.NoError(t, g.SetUVals(toF32(p.u)))
		require.NoError(t, g.SetBVals(toF32(p.b)))

		out := make([]float32, 8)
		for step := 0; step < 16; step++ {
			g.Forward([]float32{float32(math.Sin(float64(step)))}, out)
		}
		if ref == nil {
			ref = out
			continue
		}
		delta := 1e-5
		if _, fast := backend.(device.FastBackend[float32]); fast {
			// Polynomial activations drift further.
			delta = 0.1
		}
		assert.InDeltaSlice(t, ref, out, delta, backend.Name())
	}
}

func TestGRUT_Layout(t *testing.T) {
	g := NewGRUT[float32, D1, D8](CorrectionNone)
	assert.Equal(t, "gru", g.Name())
	assert.Equal(t, 1, g.InSize())
	assert.Equal(t, 8, g.OutSize())
	assert.False(t, g.IsActivation())
	for _, s := range [][]float32{g.h, g.raw, g.outs, g.cell.kernel.w, g.cell.recurrent.w, g.cell.alpha} {
		assert.True(t, simd.IsAligned(s, simd.DefaultAlignment))
	}
	assert.Equal(t, float32(1), g.cell.kernel.ext[1])
	assert.Equal(t, float32(1), g.cell.recurrent.ext[8])
}

func TestGRU_ForwardDoesNotAllocate(t *testing.T) {
	g := NewGRU[float32](1, 16, nil)
	fixed := NewGRUT[float32, D1, D16](CorrectionLinInterp)
	require.NoError(t, fixed.Prepare(1.5))

	in := []float32{0.1}
	out := make([]float32, 16)
	allocs := testing.AllocsPerRun(100, func() {
		g.Forward(in, out)
		fixed.Forward(in)
	})
	assert.Zero(t, allocs)
}

func BenchmarkGRU(b *testing.B) {
	in := []float32{0.1}
	out := make([]float32, 24)
	b.Run("Runtime", func(b *testing.B) {
		g := NewGRU[float32](1, 24, nil)
		for i := 0; i < b.N; i++ {
			g.Forward(in, out)
		}
	})
	b.Run("Fixed", func(b *testing.B) {
		g := NewGRUT[float32, D1, D24](CorrectionNone)
		for i := 0; i < b.N; i++ {
			g.Forward(in)
		}
	})
}
