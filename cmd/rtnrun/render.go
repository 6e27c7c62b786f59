package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-rtneural/internal/layers"
	"github.com/23skdu/longbow-rtneural/internal/simd"
	"github.com/23skdu/longbow-rtneural/internal/weights"
)

// Renderer runs one loaded layer over a stream of frames. State carries
// over between Render calls until Reset.
type Renderer interface {
	InSize() int
	OutSize() int

	// Render consumes whole frames of InSize values and returns the
	// corresponding OutSize-wide output frames.
	Render(in []float64) ([]float64, error)
	Reset()

	// Describe returns schema metadata for rendered records.
	Describe() map[string]string
}

type renderConfig struct {
	backend   string
	precision string
	fixed     bool
	mode      layers.Correction
	delay     float64
}

// newRenderer builds the layer described by f according to cfg.
func newRenderer(f *weights.File, cfg renderConfig) (Renderer, error) {
	switch cfg.precision {
	case "", "fp32":
		return newRendererT[float32](f, cfg)
	case "fp64":
		return newRendererT[float64](f, cfg)
	}
	return nil, fmt.Errorf("unknown precision %q (want fp32 or fp64)", cfg.precision)
}

func newRendererT[T simd.Float](f *weights.File, cfg renderConfig) (Renderer, error) {
	spec := f.Layer
	meta := map[string]string{
		"layer":     spec.Type,
		"in_size":   strconv.Itoa(spec.InSize),
		"out_size":  strconv.Itoa(spec.OutSize),
		"precision": cfg.precision,
	}
	if f.Name != "" {
		meta["model"] = f.Name
	}

	if cfg.fixed {
		build, ok := fixedBuilders[T]()[fixedKey{spec.Type, spec.InSize, spec.OutSize}]
		if !ok {
			return nil, fmt.Errorf("no fixed-size build for %s %dx%d; drop -fixed to use the runtime path",
				spec.Type, spec.InSize, spec.OutSize)
		}
		if cfg.mode != layers.CorrectionNone && spec.Type != weights.TypeGRU {
			log.Warn().Str("layer", spec.Type).Msg("Sample-rate correction only applies to GRU layers; ignoring")
		}
		layer, err := build(spec, cfg.mode, cfg.delay)
		if err != nil {
			return nil, err
		}
		meta["path"] = "fixed"
		meta["correction"] = cfg.mode.String()
		meta["delay"] = strconv.FormatFloat(cfg.delay, 'g', -1, 64)
		return &fixedRenderer[T]{layer: layer, in: make([]T, spec.InSize), meta: meta}, nil
	}

	if cfg.mode != layers.CorrectionNone {
		log.Warn().Str("mode", cfg.mode.String()).Msg("Sample-rate correction needs -fixed; rendering uncorrected")
	}
	layer, err := weights.BuildOn[T](f, cfg.backend)
	if err != nil {
		return nil, err
	}
	meta["path"] = "runtime"
	meta["backend"] = cfg.backend
	return &layerRenderer[T]{
		layer: layer,
		in:    make([]T, spec.InSize),
		out:   make([]T, spec.OutSize),
		meta:  meta,
	}, nil
}

// resolveDelay returns the corrector delay for mode. A negative delay is
// derived from the trained and runtime rates; integer mode rounds the
// derived value to the nearest whole frame.
func resolveDelay(mode layers.Correction, delay, trainedRate, runtimeRate float64) float64 {
	if delay >= 0 {
		return delay
	}
	if mode == layers.CorrectionNone || trainedRate <= 0 {
		return 0
	}
	derived := layers.DelayForRates(trainedRate, runtimeRate)
	if mode != layers.CorrectionNoInterp {
		return derived
	}
	rounded := math.Round(derived)
	if rounded != derived {
		log.Warn().
			Float64("derived", derived).
			Float64("delay", rounded).
			Msg("Rounded derived delay to whole frames for no-interp correction")
	}
	return rounded
}

func checkFrames(in []float64, width int) (int, error) {
	if width == 0 || len(in)%width != 0 {
		return 0, fmt.Errorf("%d input values is not a whole number of %d-wide frames", len(in), width)
	}
	return len(in) / width, nil
}

type layerRenderer[T simd.Float] struct {
	layer   layers.Layer[T]
	in, out []T
	meta    map[string]string
}

func (r *layerRenderer[T]) InSize() int                 { return r.layer.InSize() }
func (r *layerRenderer[T]) OutSize() int                { return r.layer.OutSize() }
func (r *layerRenderer[T]) Reset()                      { r.layer.Reset() }
func (r *layerRenderer[T]) Describe() map[string]string { return r.meta }

func (r *layerRenderer[T]) Render(src []float64) ([]float64, error) {
	frames, err := checkFrames(src, len(r.in))
	if err != nil {
		return nil, err
	}
	width := len(r.out)
	dst := make([]float64, frames*width)
	for f := 0; f < frames; f++ {
		for i := range r.in {
			r.in[i] = T(src[f*len(r.in)+i])
		}
		r.layer.Forward(r.in, r.out)
		for i, v := range r.out {
			dst[f*width+i] = float64(v)
		}
	}
	return dst, nil
}

type fixedRenderer[T simd.Float] struct {
	layer layers.FixedLayer[T]
	in    []T
	meta  map[string]string
}

func (r *fixedRenderer[T]) InSize() int                 { return r.layer.InSize() }
func (r *fixedRenderer[T]) OutSize() int                { return r.layer.OutSize() }
func (r *fixedRenderer[T]) Reset()                      { r.layer.Reset() }
func (r *fixedRenderer[T]) Describe() map[string]string { return r.meta }

func (r *fixedRenderer[T]) Render(src []float64) ([]float64, error) {
	frames, err := checkFrames(src, len(r.in))
	if err != nil {
		return nil, err
	}
	width := r.layer.OutSize()
	dst := make([]float64, frames*width)
	for f := 0; f < frames; f++ {
		for i := range r.in {
			r.in[i] = T(src[f*len(r.in)+i])
		}
		r.layer.Forward(r.in)
		for i, v := range r.layer.Outs() {
			dst[f*width+i] = float64(v)
		}
	}
	return dst, nil
}

type fixedKey struct {
	kind    string
	in, out int
}

type fixedBuilder[T simd.Float] func(spec weights.LayerSpec, mode layers.Correction, delay float64) (layers.FixedLayer[T], error)

// fixedBuilders lists the shapes compiled into the fixed-size path: the
// single-input GRU widths and matching single-output dense heads common in
// guitar amp and pedal models.
func fixedBuilders[T simd.Float]() map[fixedKey]fixedBuilder[T] {
	return map[fixedKey]fixedBuilder[T]{
		{weights.TypeGRU, 1, 8}:    fixedGRU[T, layers.D1, layers.D8],
		{weights.TypeGRU, 1, 16}:   fixedGRU[T, layers.D1, layers.D16],
		{weights.TypeGRU, 1, 24}:   fixedGRU[T, layers.D1, layers.D24],
		{weights.TypeGRU, 1, 32}:   fixedGRU[T, layers.D1, layers.D32],
		{weights.TypeGRU, 1, 40}:   fixedGRU[T, layers.D1, layers.D40],
		{weights.TypeGRU, 1, 64}:   fixedGRU[T, layers.D1, layers.D64],
		{weights.TypeGRU, 2, 8}:    fixedGRU[T, layers.D2, layers.D8],
		{weights.TypeDense, 8, 1}:  fixedDense[T, layers.D8, layers.D1],
		{weights.TypeDense, 16, 1}: fixedDense[T, layers.D16, layers.D1],
		{weights.TypeDense, 24, 1}: fixedDense[T, layers.D24, layers.D1],
		{weights.TypeDense, 32, 1}: fixedDense[T, layers.D32, layers.D1],
		{weights.TypeDense, 40, 1}: fixedDense[T, layers.D40, layers.D1],
		{weights.TypeDense, 64, 1}: fixedDense[T, layers.D64, layers.D1],
		{weights.TypeDense, 1, 8}:  fixedDense[T, layers.D1, layers.D8],
		{weights.TypeDense, 2, 2}:  fixedDense[T, layers.D2, layers.D2],
		{weights.TypeDense, 4, 4}:  fixedDense[T, layers.D4, layers.D4],
	}
}

func fixedGRU[T simd.Float, In, Out layers.Dim](spec weights.LayerSpec, mode layers.Correction, delay float64) (layers.FixedLayer[T], error) {
	g := layers.NewGRUT[T, In, Out](mode)
	if err := weights.ApplyGRU[T](spec, g); err != nil {
		return nil, fmt.Errorf("gru %dx%d: %w", spec.InSize, spec.OutSize, err)
	}
	if err := g.Prepare(delay); err != nil {
		return nil, err
	}
	return g, nil
}

func fixedDense[T simd.Float, In, Out layers.Dim](spec weights.LayerSpec, _ layers.Correction, _ float64) (layers.FixedLayer[T], error) {
	d := layers.NewDenseT[T, In, Out]()
	if err := weights.ApplyDense[T](spec, d); err != nil {
		return nil, fmt.Errorf("dense %dx%d: %w", spec.InSize, spec.OutSize, err)
	}
	return d, nil
}

// readSamples reads little-endian float32 samples until EOF.
func readSamples(r io.Reader) ([]float64, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("input is %d bytes, not a whole number of float32 samples", len(raw))
	}
	out := make([]float64, len(raw)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
	}
	return out, nil
}

// sineInput generates frames of a 440 Hz sine at rate, repeated across
// width channels.
func sineInput(frames, width int, rate float64) []float64 {
	out := make([]float64, frames*width)
	for f := 0; f < frames; f++ {
		v := 0.5 * math.Sin(2*math.Pi*440*float64(f)/rate)
		for c := 0; c < width; c++ {
			out[f*width+c] = v
		}
	}
	return out
}
