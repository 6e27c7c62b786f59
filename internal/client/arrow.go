package client

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column names of a render record.
const (
	ColumnFrame  = "frame"
	ColumnOutput = "output"
)

// RenderBatchBuilder turns rendered layer output into Arrow records with one
// row per frame: the frame index and a fixed-size list of the layer outputs.
// Values are stored as float64 so both precisions round-trip exactly.
type RenderBatchBuilder struct {
	mem    memory.Allocator
	width  int
	schema *arrow.Schema
}

// NewRenderBatchBuilder creates a builder for frames of width values. meta
// is attached to the schema (layer type, backend, delay).
func NewRenderBatchBuilder(mem memory.Allocator, width int, meta map[string]string) *RenderBatchBuilder {
	var md *arrow.Metadata
	if len(meta) > 0 {
		m := arrow.MetadataFrom(meta)
		md = &m
	}
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: ColumnFrame, Type: arrow.PrimitiveTypes.Int64},
			{Name: ColumnOutput, Type: arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Float64)},
		},
		md,
	)
	return &RenderBatchBuilder{mem: mem, width: width, schema: schema}
}

// Schema returns the record schema.
func (b *RenderBatchBuilder) Schema() *arrow.Schema {
	return b.schema
}

// Build converts row-major frames, numbered from start, into a record. It
// returns nil for empty input.
func (b *RenderBatchBuilder) Build(start int64, frames []float64) (arrow.RecordBatch, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	if b.width == 0 || len(frames)%b.width != 0 {
		return nil, fmt.Errorf("render batch: %d values is not a whole number of %d-wide frames", len(frames), b.width)
	}
	numRows := len(frames) / b.width

	frameBuilder := array.NewInt64Builder(b.mem)
	defer frameBuilder.Release()
	listBuilder := array.NewFixedSizeListBuilder(b.mem, int32(b.width), arrow.PrimitiveTypes.Float64)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float64Builder)

	frameBuilder.Reserve(numRows)
	valueBuilder.Reserve(len(frames))
	for row := 0; row < numRows; row++ {
		frameBuilder.Append(start + int64(row))
		listBuilder.Append(true)
		valueBuilder.AppendValues(frames[row*b.width:(row+1)*b.width], nil)
	}

	cols := []arrow.Array{frameBuilder.NewArray(), listBuilder.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()

	return array.NewRecordBatch(b.schema, cols, int64(numRows)), nil
}

// WriteStream writes records to w as an Arrow IPC stream.
func WriteStream(w io.Writer, mem memory.Allocator, schema *arrow.Schema, recs ...arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			writer.Close()
			return fmt.Errorf("ipc write: %w", err)
		}
	}
	return writer.Close()
}
