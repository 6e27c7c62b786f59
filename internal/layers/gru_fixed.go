package layers

import (
	"github.com/23skdu/longbow-rtneural/internal/device"
	"github.com/23skdu/longbow-rtneural/internal/simd"
)

// GRUT is the fixed-size GRU. Kernels, scratch space, the hidden state and
// the output share one aligned arena; only the corrector ring is sized
// separately, by Prepare.
//
// With a correction mode other than CorrectionNone, each step's raw output
// is pushed through the Corrector and the delayed frame becomes both the
// output and the hidden state for the next step.
type GRUT[T simd.Float, In, Out Dim] struct {
	cell gruCell[T]
	h    []T
	raw  []T
	outs []T
	src  *Corrector[T]
}

// NewGRUT creates a fixed-size GRU with zeroed weights and state.
func NewGRUT[T simd.Float, In, Out Dim](mode Correction) *GRUT[T, In, Out] {
	in, out := sizeOf[In](), sizeOf[Out]()
	sizes := append(gruCellSizes(in, out), out, out, out)
	arena := simd.NewArena[T](simd.DefaultAlignment, sizes...)

	g := &GRUT[T, In, Out]{}
	g.cell = newGRUCell(in, out, arena.Take)
	g.h = arena.Take(out)
	g.raw = arena.Take(out)
	g.outs = arena.Take(out)
	g.src = NewCorrector[T](mode, out)
	return g
}

func (g *GRUT[T, In, Out]) Name() string       { return gruName }
func (g *GRUT[T, In, Out]) InSize() int        { return g.cell.inSize }
func (g *GRUT[T, In, Out]) OutSize() int       { return g.cell.outSize }
func (g *GRUT[T, In, Out]) IsActivation() bool { return false }

// Corrector exposes the sample-rate corrector for inspection.
func (g *GRUT[T, In, Out]) Corrector() *Corrector[T] {
	return g.src
}

// Prepare configures the sample-rate corrector for delaySamples frames and
// resets the layer. Call it before the first Forward and whenever the delay
// changes; it allocates.
func (g *GRUT[T, In, Out]) Prepare(delaySamples float64) error {
	if err := g.src.Prepare(delaySamples); err != nil {
		return err
	}
	g.Reset()
	return nil
}

// Reset zeroes the hidden state, the output and the corrector ring.
func (g *GRUT[T, In, Out]) Reset() {
	clear(g.h)
	clear(g.outs)
	g.src.Reset()
	layerResets.WithLabelValues(gruName).Inc()
}

// Forward advances the GRU by one step; the result is in Outs.
func (g *GRUT[T, In, Out]) Forward(in []T) {
	stepGRU(device.CPUBackend[T]{}, &g.cell, in, g.h, g.raw)
	g.src.Process(g.raw, g.outs)
	copy(g.h, g.outs)
}

// Outs returns the output of the last Forward. The slice is owned by the
// layer and overwritten by the next call.
func (g *GRUT[T, In, Out]) Outs() []T {
	return g.outs
}

// Raw returns the uncorrected GRU output of the last Forward.
func (g *GRUT[T, In, Out]) Raw() []T {
	return g.raw
}

func (g *GRUT[T, In, Out]) SetWVals(w [][]T) error { return g.cell.setWVals(w) }
func (g *GRUT[T, In, Out]) SetUVals(u [][]T) error { return g.cell.setUVals(u) }
func (g *GRUT[T, In, Out]) SetBVals(b [][]T) error { return g.cell.setBVals(b) }

func (g *GRUT[T, In, Out]) WVal(i, k int) T { return g.cell.wVal(i, k) }
func (g *GRUT[T, In, Out]) UVal(i, k int) T { return g.cell.uVal(i, k) }
func (g *GRUT[T, In, Out]) BVal(i, k int) T { return g.cell.bVal(i, k) }
