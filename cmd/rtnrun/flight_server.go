package main

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-rtneural/internal/client"
)

// RenderFlightServer renders DoExchange streams: each input record batch is
// pushed through the layer and answered with a render record. The layer
// state persists for the lifetime of one exchange.
type RenderFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewRenderFlightServer(srv *Server) *RenderFlightServer {
	return &RenderFlightServer{srv: srv}
}

func (f *RenderFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(f.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	renderer, err := f.srv.acquire(ctx)
	if err != nil {
		return err
	}
	defer f.srv.release(renderer)

	builder := client.NewRenderBatchBuilder(f.srv.alloc, renderer.OutSize(), renderer.Describe())
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(builder.Schema()), ipc.WithAllocator(f.srv.alloc))
	defer writer.Close()

	frames, err := f.srv.renderStream(ctx, reader, renderer, builder, func(rec arrow.RecordBatch) error {
		return writer.Write(rec)
	})
	span.SetAttributes(attribute.Int64("frames", frames))
	if err != nil {
		span.RecordError(err)
		renderRequests.WithLabelValues("flight", "error").Inc()
		return err
	}
	renderRequests.WithLabelValues("flight", "ok").Inc()
	log.Debug().Int64("frames", frames).Msg("Rendered exchange")
	return nil
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewRenderFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting render Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
