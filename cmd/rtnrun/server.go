package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-rtneural/internal/cache"
	"github.com/23skdu/longbow-rtneural/internal/client"
)

var (
	renderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtnrun_render_requests_total",
		Help: "Render requests by endpoint and outcome",
	}, []string{"endpoint", "status"})

	framesRendered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtnrun_frames_rendered_total",
		Help: "The total number of frames pushed through the layer",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtnrun_request_duration_seconds",
		Help:    "Time spent processing render requests",
		Buckets: prometheus.DefBuckets,
	})

	uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtnrun_uploads_total",
		Help: "Render batches forwarded over Flight by outcome",
	}, []string{"result"})
)

var tracer = otel.Tracer("rtnrun")

// ColumnInput is the input column of an Arrow render request.
const ColumnInput = "input"

// renderRequest is the CBOR body of /render: row-major input frames.
type renderRequest struct {
	Input []float64 `cbor:"input"`
}

type renderResponse struct {
	Frames int       `cbor:"frames"`
	Width  int       `cbor:"width"`
	Output []float64 `cbor:"output"`
}

// Server renders request bodies through pooled layers. A layer is reset
// before it goes back to the pool, so requests share no recurrent state.
type Server struct {
	renderers   *cache.Pool[Renderer]
	putter      client.Putter
	datasetName string
	alloc       memory.Allocator
	sem         *semaphore.Weighted
}

// NewServer creates a server admitting at most maxConcurrent renders at
// once. putter may be nil.
func NewServer(newRenderer func() (Renderer, error), putter client.Putter, dataset string, maxConcurrent int) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		renderers:   cache.NewPool(maxConcurrent, newRenderer, Renderer.Reset),
		putter:      putter,
		datasetName: dataset,
		alloc:       memory.NewGoAllocator(),
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/render", s.handleRender)
	mux.HandleFunc("/render/arrow", s.handleRenderArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting render server")
	if srv.putter != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding renders over Flight")
	}
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func (s *Server) acquire(ctx context.Context) (Renderer, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	r, err := s.renderers.Get()
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}
	return r, nil
}

func (s *Server) release(r Renderer) {
	s.renderers.Put(r)
	s.sem.Release(1)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleRender")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		renderRequests.WithLabelValues("render", "bad_method").Inc()
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req renderRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		renderRequests.WithLabelValues("render", "bad_request").Inc()
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	renderer, err := s.acquire(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire renderer")
		renderRequests.WithLabelValues("render", "busy").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.release(renderer)

	out, err := renderer.Render(req.Input)
	if err != nil {
		span.RecordError(err)
		renderRequests.WithLabelValues("render", "bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	frames := len(req.Input) / renderer.InSize()
	framesRendered.Add(float64(frames))
	span.SetAttributes(attribute.Int("frames", frames))

	if s.putter != nil && frames > 0 {
		builder := client.NewRenderBatchBuilder(s.alloc, renderer.OutSize(), renderer.Describe())
		if err := s.forward(ctx, builder, 0, out); err != nil {
			log.Error().Err(err).Msg("Error forwarding render")
		}
	}

	resp, err := cbor.Marshal(renderResponse{Frames: frames, Width: renderer.OutSize(), Output: out})
	if err != nil {
		renderRequests.WithLabelValues("render", "error").Inc()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	renderRequests.WithLabelValues("render", "ok").Inc()
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(resp)
}

func (s *Server) forward(ctx context.Context, builder *client.RenderBatchBuilder, start int64, out []float64) error {
	rec, err := builder.Build(start, out)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()

	if err := s.putter.DoPut(ctx, s.datasetName, rec); err != nil {
		uploads.WithLabelValues("error").Inc()
		return err
	}
	uploads.WithLabelValues("ok").Inc()
	return nil
}

// recordSource is the reading surface shared by IPC and Flight readers.
type recordSource interface {
	Next() bool
	Record() arrow.RecordBatch
	Err() error
}

// inputValues flattens the input column of rec into row-major frames of
// width values. It accepts a fixed-size list of float32 or float64, or a
// plain float column when width is 1.
func inputValues(rec arrow.RecordBatch, width int) ([]float64, error) {
	if rec.NumCols() == 0 {
		return nil, nil
	}
	col := rec.Column(0)
	if indices := rec.Schema().FieldIndices(ColumnInput); len(indices) > 0 {
		col = rec.Column(indices[0])
	}

	var values arrow.Array
	lo, hi := 0, col.Len()
	switch c := col.(type) {
	case *array.FixedSizeList:
		if got := int(c.DataType().(*arrow.FixedSizeListType).Len()); got != width {
			return nil, fmt.Errorf("input frames have %d values, want %d", got, width)
		}
		values = c.ListValues()
		lo, hi = c.Offset()*width, (c.Offset()+c.Len())*width
	case *array.Float64, *array.Float32:
		if width != 1 {
			return nil, fmt.Errorf("plain %s input needs a 1-wide layer, have %d", col.DataType(), width)
		}
		values = col
	default:
		return nil, fmt.Errorf("unsupported input column type %s", col.DataType())
	}

	switch v := values.(type) {
	case *array.Float64:
		return append([]float64(nil), v.Float64Values()[lo:hi]...), nil
	case *array.Float32:
		f32 := v.Float32Values()[lo:hi]
		out := make([]float64, len(f32))
		for i, x := range f32 {
			out[i] = float64(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported input value type %s", values.DataType())
}

// renderStream renders every record of src in order through r, keeping the
// layer state across records, and passes each output record to emit.
func (s *Server) renderStream(ctx context.Context, src recordSource, r Renderer, builder *client.RenderBatchBuilder, emit func(arrow.RecordBatch) error) (int64, error) {
	var frame int64
	for src.Next() {
		if err := ctx.Err(); err != nil {
			return frame, err
		}
		in, err := inputValues(src.Record(), r.InSize())
		if err != nil {
			return frame, err
		}
		out, err := r.Render(in)
		if err != nil {
			return frame, err
		}
		rec, err := builder.Build(frame, out)
		if err != nil {
			return frame, err
		}
		if rec == nil {
			continue
		}
		n := rec.NumRows()
		err = emit(rec)
		if err == nil && s.putter != nil {
			if ferr := s.putter.DoPut(ctx, s.datasetName, rec); ferr != nil {
				uploads.WithLabelValues("error").Inc()
				log.Error().Err(ferr).Msg("Error forwarding render batch")
			} else {
				uploads.WithLabelValues("ok").Inc()
			}
		}
		rec.Release()
		if err != nil {
			return frame, err
		}
		trace.SpanFromContext(ctx).AddEvent("batch", trace.WithAttributes(
			attribute.Int64("first_frame", frame),
			attribute.Int64("rows", n),
		))
		frame += n
		framesRendered.Add(float64(n))
	}
	return frame, src.Err()
}

func (s *Server) handleRenderArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleRenderArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		renderRequests.WithLabelValues("render_arrow", "bad_method").Inc()
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		renderRequests.WithLabelValues("render_arrow", "bad_request").Inc()
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	renderer, err := s.acquire(ctx)
	if err != nil {
		renderRequests.WithLabelValues("render_arrow", "busy").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.release(renderer)

	builder := client.NewRenderBatchBuilder(s.alloc, renderer.OutSize(), renderer.Describe())
	var rendered []arrow.RecordBatch
	defer func() {
		for _, rec := range rendered {
			rec.Release()
		}
	}()
	frames, err := s.renderStream(ctx, reader, renderer, builder, func(rec arrow.RecordBatch) error {
		rec.Retain()
		rendered = append(rendered, rec)
		return nil
	})
	span.SetAttributes(attribute.Int64("frames", frames))
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Error rendering Arrow stream")
		renderRequests.WithLabelValues("render_arrow", "bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	renderRequests.WithLabelValues("render_arrow", "ok").Inc()
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if err := client.WriteStream(w, s.alloc, builder.Schema(), rendered...); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
