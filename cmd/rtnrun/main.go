package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-rtneural/internal/client"
	"github.com/23skdu/longbow-rtneural/internal/device"
	"github.com/23skdu/longbow-rtneural/internal/layers"
	"github.com/23skdu/longbow-rtneural/internal/weights"
)

var (
	weightsPath   = flag.String("weights", "model.json", "Path to a layer file (.json or .cbor)")
	inputPath     = flag.String("input", "", "Raw little-endian float32 input frames ('-' for stdin); a 440 Hz sine when empty")
	numFrames     = flag.Int("frames", 48000, "Number of generated frames when -input is empty")
	backendName   = flag.String("backend", device.NameCPU, "Numeric backend for the runtime path (cpu, fast, blas)")
	precision     = flag.String("precision", "fp32", "Precision (fp32, fp64)")
	useFixed      = flag.Bool("fixed", false, "Use the fixed-size layer path")
	srcMode       = flag.String("src-mode", "none", "Sample-rate correction for fixed GRU layers (none, int, lerp)")
	delaySamples  = flag.Float64("delay", -1, "Corrector delay in samples; derived from -rate when negative")
	sampleRate    = flag.Float64("rate", 48000, "Runtime sample rate")
	batchFrames   = flag.Int("batch", 4096, "Frames per output record batch")
	convertPath   = flag.String("convert", "", "Check and re-encode the layer file to this path (.json or .cbor) and exit")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	serverAddr    = flag.String("server", "", "Flight server to upload renders to (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "rtneural_renders", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of concurrent renders")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	verbose       = flag.Bool("v", false, "Debug logging")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	model, err := weights.Load(*weightsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load layer file")
	}

	if *convertPath != "" {
		canon, err := weights.Canonical(model)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load layer")
		}
		if err := weights.Save(*convertPath, canon); err != nil {
			log.Fatal().Err(err).Msg("Failed to write layer file")
		}
		log.Info().Str("from", *weightsPath).Str("to", *convertPath).Msg("Converted layer file")
		return
	}

	cfg, err := configFromFlags(model)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	newR := func() (Renderer, error) { return newRenderer(model, cfg) }
	// Fail fast on a bad layer before serving.
	if _, err := newR(); err != nil {
		log.Fatal().Err(err).Msg("Failed to build layer")
	}

	var putter client.Putter
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
		putter = client.NewGuardedPutter(fc, 3, 10*time.Second)
	}

	if *listenAddr != "" || *flightAddr != "" {
		srv := NewServer(newR, putter, *datasetName, *maxConcurrent)
		if *listenAddr != "" {
			go startServer(*listenAddr, srv)
		}
		if *flightAddr != "" {
			StartFlightServer(*flightAddr, srv)
			return
		}
		select {}
	}

	if err := runOffline(newR, putter); err != nil {
		log.Fatal().Err(err).Msg("Render failed")
	}
}

// configFromFlags resolves the render configuration, deriving the corrector
// delay from the model's training rate when -delay is negative.
func configFromFlags(model *weights.File) (renderConfig, error) {
	mode, err := layers.ParseCorrection(*srcMode)
	if err != nil {
		return renderConfig{}, err
	}
	delay := resolveDelay(mode, *delaySamples, model.SampleRate, *sampleRate)
	log.Info().
		Str("layer", model.Layer.Type).
		Int("in", model.Layer.InSize).
		Int("out", model.Layer.OutSize).
		Str("precision", *precision).
		Bool("fixed", *useFixed).
		Str("correction", mode.String()).
		Float64("delay", delay).
		Msg("Render configuration")
	return renderConfig{
		backend:   *backendName,
		precision: *precision,
		fixed:     *useFixed,
		mode:      mode,
		delay:     delay,
	}, nil
}

func readInput(width int) ([]float64, error) {
	switch *inputPath {
	case "":
		return sineInput(*numFrames, width, *sampleRate), nil
	case "-":
		return readSamples(os.Stdin)
	}
	f, err := os.Open(*inputPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readSamples(f)
}

// runOffline renders the input once and writes the result as an Arrow IPC
// stream to stdout, or uploads it when a Flight server is configured.
func runOffline(newR func() (Renderer, error), putter client.Putter) error {
	ctx, span := tracer.Start(context.Background(), "runOffline")
	defer span.End()

	r, err := newR()
	if err != nil {
		return err
	}
	in, err := readInput(r.InSize())
	if err != nil {
		return err
	}

	start := time.Now()
	out, err := r.Render(in)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	frames := len(in) / r.InSize()
	span.SetAttributes(attribute.Int("frames", frames))
	log.Info().
		Int("frames", frames).
		Dur("elapsed", elapsed).
		Float64("realtime_x", float64(frames) / *sampleRate / elapsed.Seconds()).
		Msg("Rendered input")

	pool := memory.NewGoAllocator()
	builder := client.NewRenderBatchBuilder(pool, r.OutSize(), r.Describe())
	recs, err := buildBatches(builder, out, r.OutSize(), *batchFrames)
	if err != nil {
		return err
	}
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	if putter != nil {
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		for _, rec := range recs {
			if err := putter.DoPut(ctx, *datasetName, rec); err != nil {
				return fmt.Errorf("upload: %w", err)
			}
		}
		log.Info().Int("batches", len(recs)).Str("dataset", *datasetName).Msg("Uploaded renders")
		return nil
	}
	return client.WriteStream(os.Stdout, pool, builder.Schema(), recs...)
}

// buildBatches splits rendered output into records of at most perBatch
// frames.
func buildBatches(builder *client.RenderBatchBuilder, out []float64, width, perBatch int) ([]arrow.RecordBatch, error) {
	if perBatch < 1 {
		perBatch = 1
	}
	var recs []arrow.RecordBatch
	step := perBatch * width
	for lo := 0; lo < len(out); lo += step {
		hi := min(lo+step, len(out))
		rec, err := builder.Build(int64(lo/width), out[lo:hi])
		if err != nil {
			for _, r := range recs {
				r.Release()
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("rtnrun"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
