package client

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Putter uploads a record to a named dataset.
type Putter interface {
	DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error
}

// FlightClient uploads rendered output to an Arrow Flight server.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a Flight client for addr. The connection is
// established lazily on the first call.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight client %s: %w", addr, err)
	}

	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// DoPut streams record to the dataset named by a PATH descriptor.
func (c *FlightClient) DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight put %s: %w", dataset, err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})

	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("flight put %s: %w", dataset, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("flight put %s: %w", dataset, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("flight put %s: %w", dataset, err)
	}
	// Drain acknowledgements until the server ends the stream.
	for {
		if _, err := stream.Recv(); err != nil {
			break
		}
	}
	log.Debug().Str("dataset", dataset).Int64("rows", record.NumRows()).Msg("Uploaded render batch")
	return nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// GuardedPutter sends uploads through a CircuitBreaker so a dead server is
// not retried on every batch.
type GuardedPutter struct {
	next Putter
	cb   *CircuitBreaker
}

// NewGuardedPutter wraps next with a breaker that opens after maxFailures
// consecutive failures for cooldown.
func NewGuardedPutter(next Putter, maxFailures int, cooldown time.Duration) *GuardedPutter {
	return &GuardedPutter{next: next, cb: NewCircuitBreaker(maxFailures, cooldown)}
}

// DoPut forwards to the wrapped Putter unless the breaker is open, in which
// case it returns ErrCircuitOpen.
func (g *GuardedPutter) DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error {
	err := g.cb.Do(func() error {
		return g.next.DoPut(ctx, dataset, record)
	})
	if err != nil {
		log.Warn().Err(err).Str("dataset", dataset).Str("breaker", g.cb.State().String()).Msg("Render upload failed")
	}
	return err
}

// State returns the breaker state.
func (g *GuardedPutter) State() State {
	return g.cb.State()
}
