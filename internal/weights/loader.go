// Package weights reads and writes layer description files and loads them
// into layers through the layers' weight setters.
package weights

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Layer types understood by the loader.
const (
	TypeDense = "dense"
	TypeGRU   = "gru"
)

// ErrFormat is returned for a file that decodes but does not describe a
// usable model.
var ErrFormat = errors.New("invalid model file")

// Format is an on-disk encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// FormatForPath picks the encoding from a file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".cbor":
		return FormatCBOR, nil
	}
	return 0, fmt.Errorf("%s: unknown model file extension", path)
}

// LayerSpec describes one layer.
//
// For a dense layer Weights is [out_size][in_size] and Bias has out_size
// entries. For a GRU layer Weights is the input kernel [in_size][3*out_size],
// Recurrent is [out_size][3*out_size] and GRUBias is [2][3*out_size]; gate
// blocks are ordered reset, update, candidate.
type LayerSpec struct {
	Type      string      `json:"type" cbor:"type"`
	InSize    int         `json:"in_size" cbor:"in_size"`
	OutSize   int         `json:"out_size" cbor:"out_size"`
	Weights   [][]float64 `json:"weights,omitempty" cbor:"weights,omitempty"`
	Bias      []float64   `json:"bias,omitempty" cbor:"bias,omitempty"`
	Recurrent [][]float64 `json:"recurrent_weights,omitempty" cbor:"recurrent_weights,omitempty"`
	GRUBias   [][]float64 `json:"gru_bias,omitempty" cbor:"gru_bias,omitempty"`
}

// File describes a single trained layer and the sample rate it was trained
// at. Composing several layers is left to the caller.
type File struct {
	Name       string    `json:"name,omitempty" cbor:"name,omitempty"`
	SampleRate float64   `json:"sample_rate,omitempty" cbor:"sample_rate,omitempty"`
	Layer      LayerSpec `json:"layer" cbor:"layer"`
}

// Validate checks the layer type and sizes. Weight shapes are checked by the
// layer when applied.
func (f *File) Validate() error {
	l := f.Layer
	if l.Type != TypeDense && l.Type != TypeGRU {
		return fmt.Errorf("unknown layer type %q: %w", l.Type, ErrFormat)
	}
	if l.InSize <= 0 || l.OutSize <= 0 {
		return fmt.Errorf("%s sizes %dx%d: %w", l.Type, l.InSize, l.OutSize, ErrFormat)
	}
	if f.SampleRate < 0 {
		return fmt.Errorf("sample rate %v: %w", f.SampleRate, ErrFormat)
	}
	return nil
}

// Decode reads and validates a model description.
func Decode(r io.Reader, format Format) (*File, error) {
	var f File
	var err error
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		err = dec.Decode(&f)
	case FormatCBOR:
		err = cbor.NewDecoder(r).Decode(&f)
	default:
		return nil, fmt.Errorf("decode: unsupported format %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load opens path and decodes it in the format implied by its extension.
func Load(path string) (*File, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	f, err := Decode(file, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debug().
		Str("path", path).
		Str("format", format.String()).
		Str("layer", f.Layer.Type).
		Int("in", f.Layer.InSize).
		Int("out", f.Layer.OutSize).
		Float64("sample_rate", f.SampleRate).
		Msg("Loaded model file")
	return f, nil
}

// Encode writes f. CBOR output stores each float in the shortest width that
// preserves its value.
func Encode(w io.Writer, f *File, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(f)
	case FormatCBOR:
		em, err := cbor.EncOptions{ShortestFloat: cbor.ShortestFloat16}.EncMode()
		if err != nil {
			return err
		}
		return em.NewEncoder(w).Encode(f)
	}
	return fmt.Errorf("encode: unsupported format %s", format)
}

// Save encodes f to path in the format implied by its extension.
func Save(path string, f *File) error {
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(file, f, format); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
