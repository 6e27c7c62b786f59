package layers

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-rtneural/internal/simd"
)

// Correction selects how a Corrector delays its input.
type Correction int

const (
	// CorrectionNone passes every frame through unchanged.
	CorrectionNone Correction = iota
	// CorrectionNoInterp delays by a whole number of frames.
	CorrectionNoInterp
	// CorrectionLinInterp delays by a fractional number of frames, blending
	// the two neighbouring frames linearly.
	CorrectionLinInterp
)

func (c Correction) String() string {
	switch c {
	case CorrectionNone:
		return "none"
	case CorrectionNoInterp:
		return "no-interp"
	case CorrectionLinInterp:
		return "lin-interp"
	default:
		return fmt.Sprintf("Correction(%d)", int(c))
	}
}

// ParseCorrection maps "none", "int" or "no-interp", and "lerp" or
// "lin-interp" to a Correction.
func ParseCorrection(s string) (Correction, error) {
	switch s {
	case "", "none":
		return CorrectionNone, nil
	case "int", "no-interp":
		return CorrectionNoInterp, nil
	case "lerp", "lin-interp":
		return CorrectionLinInterp, nil
	}
	return CorrectionNone, fmt.Errorf("unknown sample-rate correction %q", s)
}

// DelayForRates returns the corrector delay that compensates a model trained
// at trainedRate running at runtimeRate. Feeding the delayed output back as
// the hidden state makes the recurrence span runtimeRate/trainedRate frames.
func DelayForRates(trainedRate, runtimeRate float64) float64 {
	if trainedRate <= 0 || runtimeRate <= trainedRate {
		return 0
	}
	return runtimeRate/trainedRate - 1
}

// Corrector delays a stream of fixed-width frames by a possibly fractional
// number of frames using a ring buffer sized in Prepare.
//
// Process writes the new frame at the cursor, advances the cursor and reads
// the frame delay frames behind the one just written. With linear
// interpolation the output is
//
//	(1-frac)·ring[t-floor(delay)] + frac·ring[t-floor(delay)-1]
//
// so a fractional delay needs one slot more than floor(delay)+1.
type Corrector[T simd.Float] struct {
	mode  Correction
	width int

	ring   []T // length*width, frame-major
	length int
	write  int
	offset int

	delay     float64
	mult      T // 1 - frac
	plus1Mult T // frac
}

// NewCorrector creates a corrector for frames of width values. Until
// Prepare is called it behaves as a zero delay.
func NewCorrector[T simd.Float](mode Correction, width int) *Corrector[T] {
	c := &Corrector[T]{mode: mode, width: width}
	if mode != CorrectionNone {
		c.resize(1)
		c.mult = 1
	}
	return c
}

// Mode returns the correction mode fixed at construction.
func (c *Corrector[T]) Mode() Correction { return c.mode }

// Delay returns the delay configured by the last successful Prepare.
func (c *Corrector[T]) Delay() float64 { return c.delay }

// Len returns the ring length in frames; zero in CorrectionNone mode.
func (c *Corrector[T]) Len() int { return c.length }

// Prepare sizes and clears the ring for delaySamples frames of delay and
// precomputes the interpolation weights. It allocates and must not run
// concurrently with Process.
//
// CorrectionNone accepts and ignores any delay. CorrectionNoInterp rejects a
// fractional delay; negative or non-finite delays are always rejected.
func (c *Corrector[T]) Prepare(delaySamples float64) error {
	if math.IsNaN(delaySamples) || math.IsInf(delaySamples, 0) || delaySamples < 0 {
		return fmt.Errorf("delay %v: %w", delaySamples, ErrDelay)
	}
	correctorPrepares.WithLabelValues(c.mode.String()).Inc()
	if c.mode == CorrectionNone {
		return nil
	}

	whole := math.Floor(delaySamples)
	frac := delaySamples - whole
	if c.mode == CorrectionNoInterp && frac != 0 {
		return fmt.Errorf("delay %v is fractional in %s mode: %w", delaySamples, c.mode, ErrDelay)
	}

	length := int(whole) + 1
	if frac > 0 {
		length++
	}
	c.resize(length)
	c.offset = int(whole)
	c.delay = delaySamples
	c.mult = T(1 - frac)
	c.plus1Mult = T(frac)

	log.Debug().
		Str("mode", c.mode.String()).
		Float64("delay", delaySamples).
		Int("frames", length).
		Msg("Prepared sample-rate corrector")
	return nil
}

func (c *Corrector[T]) resize(length int) {
	c.length = length
	c.ring = make([]T, length*c.width)
	c.write = 0
}

// Reset zeroes the ring and rewinds the cursor. Sizes and weights are kept.
func (c *Corrector[T]) Reset() {
	clear(c.ring)
	c.write = 0
}

func (c *Corrector[T]) frame(i int) []T {
	start := i * c.width
	return c.ring[start : start+c.width]
}

// Process pushes frame in and writes the delayed frame to out. in and out
// must not alias.
func (c *Corrector[T]) Process(in, out []T) {
	if c.mode == CorrectionNone {
		copy(out, in)
		return
	}

	newest := c.write
	copy(c.frame(newest), in)
	c.write++
	if c.write == c.length {
		c.write = 0
	}

	i := newest - c.offset
	if i < 0 {
		i += c.length
	}
	if c.mode == CorrectionNoInterp || c.plus1Mult == 0 {
		copy(out, c.frame(i))
		return
	}

	j := i - 1
	if j < 0 {
		j += c.length
	}
	simd.VecScale(out, c.frame(i), c.mult)
	simd.VecAddScaled(out, c.frame(j), c.plus1Mult)
}
