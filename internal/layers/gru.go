package layers

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-rtneural/internal/device"
	"github.com/23skdu/longbow-rtneural/internal/simd"
)

const gruName = "gru"

// Gate blocks of the fused GRU kernels, in row order.
const (
	gateReset = iota
	gateUpdate
	gateCandidate
	numGates
)

// gruCell holds the parameters and scratch space of one GRU. Both kernels
// are stacked [reset; update; candidate] blocks of outSize rows each, with
// the bias fused as the last column.
type gruCell[T simd.Float] struct {
	inSize, outSize int

	kernel    affine[T] // 3*out x (in+1)
	recurrent affine[T] // 3*out x (out+1)

	alpha, beta []T // 3*out pre-activations
	r, z, c     []T // out
}

func gruScratchSizes(out int) []int {
	return []int{numGates * out, numGates * out, out, out, out}
}

// newGRUCell wires a cell onto storage taken from next, which must yield
// zeroed slices of the requested lengths.
func newGRUCell[T simd.Float](in, out int, next func(n int) []T) gruCell[T] {
	kw, kext := affineSizes(numGates*out, in)
	rw, rext := affineSizes(numGates*out, out)
	c := gruCell[T]{
		inSize:    in,
		outSize:   out,
		kernel:    newAffine(numGates*out, in, next(kw), next(kext)),
		recurrent: newAffine(numGates*out, out, next(rw), next(rext)),
	}
	c.alpha = next(numGates * out)
	c.beta = next(numGates * out)
	c.r = next(out)
	c.z = next(out)
	c.c = next(out)
	return c
}

func gruCellSizes(in, out int) []int {
	kw, kext := affineSizes(numGates*out, in)
	rw, rext := affineSizes(numGates*out, out)
	return append([]int{kw, kext, rw, rext}, gruScratchSizes(out)...)
}

// stepGRU computes one GRU step from input in and previous state h into out:
//
//	r  = sigmoid(Wr·x + br_x + Ur·h + br_h)
//	z  = sigmoid(Wz·x + bz_x + Uz·h + bz_h)
//	c  = tanh(Wc·x + bc_x + r ⊙ (Uc·h + bc_h))
//	h' = (1 - z) ⊙ c + z ⊙ h
//
// out must not alias h.
func stepGRU[T simd.Float, B device.Backend[T]](b B, g *gruCell[T], in, h, out []T) {
	n := g.outSize

	applyAffine(b, &g.kernel, g.alpha, in)
	applyAffine(b, &g.recurrent, g.beta, h)

	aR, aZ, aC := g.alpha[:n], g.alpha[n:2*n], g.alpha[2*n:]
	bR, bZ, bC := g.beta[:n], g.beta[n:2*n], g.beta[2*n:]

	b.Add(g.r, aR, bR)
	b.Sigmoid(g.r, g.r)

	b.Add(g.z, aZ, bZ)
	b.Sigmoid(g.z, g.z)

	b.Mul(g.c, g.r, bC)
	b.Add(g.c, g.c, aC)
	b.Tanh(g.c, g.c)

	for i := 0; i < n; i++ {
		out[i] = (1-g.z[i])*g.c[i] + g.z[i]*h[i]
	}
}

// Loaders and accessors shared by GRU and GRUT. External matrices are laid
// out [in or out][3*out], the transpose of the fused kernels.

func (g *gruCell[T]) setWVals(w [][]T) error {
	if err := checkMatrix(gruName, "kernel weights", w, g.inSize, numGates*g.outSize); err != nil {
		return err
	}
	for i, row := range w {
		for k, v := range row {
			g.kernel.setWeight(k, i, v)
		}
	}
	weightLoads.WithLabelValues(gruName).Inc()
	log.Debug().Int("in", g.inSize).Int("out", g.outSize).Msg("Loaded GRU kernel weights")
	return nil
}

func (g *gruCell[T]) setUVals(u [][]T) error {
	if err := checkMatrix(gruName, "recurrent weights", u, g.outSize, numGates*g.outSize); err != nil {
		return err
	}
	for i, row := range u {
		for k, v := range row {
			g.recurrent.setWeight(k, i, v)
		}
	}
	weightLoads.WithLabelValues(gruName).Inc()
	log.Debug().Int("out", g.outSize).Msg("Loaded GRU recurrent weights")
	return nil
}

func (g *gruCell[T]) setBVals(b [][]T) error {
	if err := checkMatrix(gruName, "bias", b, 2, numGates*g.outSize); err != nil {
		return err
	}
	for k := range b[0] {
		g.kernel.setBias(k, b[0][k])
		g.recurrent.setBias(k, b[1][k])
	}
	weightLoads.WithLabelValues(gruName).Inc()
	return nil
}

func (g *gruCell[T]) wVal(i, k int) T {
	checkIndex("WVal row", i, g.inSize)
	checkIndex("WVal column", k, numGates*g.outSize)
	return g.kernel.weight(k, i)
}

func (g *gruCell[T]) uVal(i, k int) T {
	checkIndex("UVal row", i, g.outSize)
	checkIndex("UVal column", k, numGates*g.outSize)
	return g.recurrent.weight(k, i)
}

func (g *gruCell[T]) bVal(i, k int) T {
	checkIndex("BVal row", i, 2)
	checkIndex("BVal column", k, numGates*g.outSize)
	if i == 0 {
		return g.kernel.bias(k)
	}
	return g.recurrent.bias(k)
}

// GRU is a runtime-sized gated recurrent unit. Its only state is the
// hidden vector, which Forward replaces with its output.
type GRU[T simd.Float] struct {
	backend device.Backend[T]
	cell    gruCell[T]
	h       []T
}

// NewGRU creates a GRU with zeroed weights and state. A nil backend selects
// device.CPUBackend. Negative sizes panic.
func NewGRU[T simd.Float](inSize, outSize int, backend device.Backend[T]) *GRU[T] {
	if inSize < 0 || outSize < 0 {
		panic(fmt.Sprintf("layers: invalid GRU dimensions %dx%d", inSize, outSize))
	}
	if backend == nil {
		backend = device.CPUBackend[T]{}
	}
	return &GRU[T]{
		backend: backend,
		cell: newGRUCell(inSize, outSize, func(n int) []T {
			return make([]T, n)
		}),
		h: make([]T, outSize),
	}
}

func (g *GRU[T]) Name() string       { return gruName }
func (g *GRU[T]) InSize() int        { return g.cell.inSize }
func (g *GRU[T]) OutSize() int       { return g.cell.outSize }
func (g *GRU[T]) IsActivation() bool { return false }

// Reset zeroes the hidden state.
func (g *GRU[T]) Reset() {
	clear(g.h)
	layerResets.WithLabelValues(gruName).Inc()
}

// Forward advances the GRU by one step. out receives the new hidden state,
// which is also kept for the next call. out must not be the slice returned
// by State.
func (g *GRU[T]) Forward(in, out []T) {
	stepGRU(g.backend, &g.cell, in, g.h, out)
	copy(g.h, out)
}

// State returns the hidden state. The slice is owned by the layer.
func (g *GRU[T]) State() []T {
	return g.h
}

// SetWVals loads the kernel weights, shaped [in_size][3*out_size] with
// column blocks ordered reset, update, candidate.
func (g *GRU[T]) SetWVals(w [][]T) error { return g.cell.setWVals(w) }

// SetUVals loads the recurrent weights, shaped [out_size][3*out_size].
func (g *GRU[T]) SetUVals(u [][]T) error { return g.cell.setUVals(u) }

// SetBVals loads the biases, shaped [2][3*out_size]: row 0 for the kernel,
// row 1 for the recurrent kernel.
func (g *GRU[T]) SetBVals(b [][]T) error { return g.cell.setBVals(b) }

// WVal returns the value loaded at w[i][k] by SetWVals.
func (g *GRU[T]) WVal(i, k int) T { return g.cell.wVal(i, k) }

// UVal returns the value loaded at u[i][k] by SetUVals.
func (g *GRU[T]) UVal(i, k int) T { return g.cell.uVal(i, k) }

// BVal returns the value loaded at b[i][k] by SetBVals.
func (g *GRU[T]) BVal(i, k int) T { return g.cell.bVal(i, k) }
