package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingFlightServer struct {
	flight.BaseFlightServer

	mu      sync.Mutex
	paths   [][]string
	records []arrow.RecordBatch
}

func (s *recordingFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	defer reader.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.paths = append(s.paths, desc.Path)
	}
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.records = append(s.records, rec)
	}
	return reader.Err()
}

func TestFlightClient_DoPut(t *testing.T) {
	srv := &recordingFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(srv)
	require.NoError(t, server.Init("localhost:0"))
	addr := server.Addr().String()

	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	pool := memory.NewGoAllocator()
	rb, err := NewRenderBatchBuilder(pool, 2, nil).Build(0, []float64{1, 2, 3, 4})
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.DoPut(ctx, "renders", rb))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, [][]string{{"renders"}}, srv.paths)
	require.Len(t, srv.records, 1)
	assert.Equal(t, int64(2), srv.records[0].NumRows())
	srv.records[0].Release()
}

type mockPutter struct {
	mock.Mock
}

func (m *mockPutter) DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error {
	return m.Called(ctx, dataset, record).Error(0)
}

func TestGuardedPutter(t *testing.T) {
	boom := errors.New("unavailable")
	next := &mockPutter{}
	next.On("DoPut", mock.Anything, "renders", mock.Anything).Return(boom).Twice()

	g := NewGuardedPutter(next, 2, time.Hour)
	ctx := context.Background()

	assert.ErrorIs(t, g.DoPut(ctx, "renders", nil), boom)
	assert.ErrorIs(t, g.DoPut(ctx, "renders", nil), boom)
	assert.Equal(t, StateOpen, g.State())

	// The breaker short-circuits without touching the server.
	assert.ErrorIs(t, g.DoPut(ctx, "renders", nil), ErrCircuitOpen)
	next.AssertNumberOfCalls(t, "DoPut", 2)
	next.AssertExpectations(t)
}
