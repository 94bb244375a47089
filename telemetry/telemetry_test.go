package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// memorySink collects everything written to it, for assertions.
type memorySink struct {
	mu     sync.Mutex
	logs   []LogEntry
	ledger []CostLedgerRow
	closed bool
}

func (m *memorySink) WriteLogs(_ context.Context, rows []LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, rows...)
	return nil
}

func (m *memorySink) WriteCostLedger(_ context.Context, rows []CostLedgerRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, rows...)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

func (m *memorySink) count() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs), len(m.ledger)
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestPipelineFlushesOnBatchSize(t *testing.T) {
	sink := &memorySink{}
	cfg := Config{BufferSize: 100, BatchSize: 3, FlushInterval: time.Hour, MaxRetries: 1, RetryDelay: time.Millisecond, Workers: 1}
	p := NewPipeline(testLogger(), sink, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() { cancel(); p.Stop() }()

	for i := 0; i < 3; i++ {
		p.TrackLog(LogEntry{RunID: "r1", Step: i})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if logs, _ := sink.count(); logs >= 3 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected batch-size flush to deliver 3 rows")
}

func TestPipelineDrainsOnStop(t *testing.T) {
	sink := &memorySink{}
	cfg := Config{BufferSize: 100, BatchSize: 1000, FlushInterval: time.Hour, MaxRetries: 1, RetryDelay: time.Millisecond, Workers: 1}
	p := NewPipeline(testLogger(), sink, cfg)
	ctx := context.Background()
	p.Start(ctx)

	p.TrackLog(LogEntry{RunID: "r1", Step: 1})
	p.TrackCostLedger(CostLedgerRow{RunID: "r1", Step: 1, Cost: decimal.NewFromFloat(0.01)})

	p.Stop()

	logs, ledger := sink.count()
	if logs != 1 || ledger != 1 {
		t.Fatalf("expected drain to flush both queues on shutdown, got logs=%d ledger=%d", logs, ledger)
	}
	if !sink.closed {
		t.Fatalf("expected sink to be closed on stop")
	}
}

func TestPipelineDropsWhenBufferFull(t *testing.T) {
	sink := &memorySink{}
	cfg := Config{BufferSize: 1, BatchSize: 1000, FlushInterval: time.Hour, MaxRetries: 1, RetryDelay: time.Millisecond, Workers: 0}
	p := NewPipeline(testLogger(), sink, cfg)
	// Intentionally do not Start workers, so the channel never drains,
	// forcing the second TrackLog to hit the full-buffer drop path.
	p.TrackLog(LogEntry{RunID: "r1", Step: 1})
	p.TrackLog(LogEntry{RunID: "r1", Step: 2})

	if p.Stats().EventsDropped != 1 {
		t.Fatalf("expected exactly one dropped row, got %+v", p.Stats())
	}
}

func TestDashboardShipperDropsOnOverflow(t *testing.T) {
	block := make(chan struct{})
	var delivered int32
	var mu sync.Mutex
	post := func(ctx context.Context, row DashboardRow) error {
		<-block
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	}
	shipper := NewDashboardShipper(post, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	shipper.Start(ctx, 1)

	for i := 0; i < 1005; i++ {
		shipper.Ship(DashboardRow{RunID: "r1", Step: i})
	}

	close(block)
	cancel()
	shipper.Stop()
	// No assertion on delivered count beyond "did not panic or deadlock":
	// the queue is bounded at 1000 and overflow is silently dropped, so
	// fewer than 1005 rows are guaranteed delivered.
}

func TestHTTPSinkSendsInternalSecretHeader(t *testing.T) {
	var gotSecret string
	var gotRows []LogEntry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Internal-Secret")
		_ = json.NewDecoder(r.Body).Decode(&gotRows)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, "super-secret", testLogger())
	err := sink.WriteLogs(context.Background(), []LogEntry{{RunID: "r1", Step: 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotSecret != "super-secret" {
		t.Fatalf("expected X-Internal-Secret header to be forwarded, got %q", gotSecret)
	}
	if len(gotRows) != 1 || gotRows[0].RunID != "r1" {
		t.Fatalf("expected the batch to round-trip as JSON, got %+v", gotRows)
	}
}

func TestHTTPSinkSurfacesNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, "wrong-secret", testLogger())
	err := sink.WriteLogs(context.Background(), []LogEntry{{RunID: "r1"}})
	if err == nil {
		t.Fatalf("expected an error for a non-2xx response")
	}
}

func TestColumnarSinkRejectsEmptyDSN(t *testing.T) {
	_, err := NewColumnarSink("", testLogger())
	if err == nil {
		t.Fatalf("expected an error for an empty DSN")
	}
}

func TestLogSinkNeverErrors(t *testing.T) {
	sink := NewLogSink(testLogger())
	if err := sink.WriteLogs(context.Background(), []LogEntry{{RunID: "r1"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := sink.WriteCostLedger(context.Background(), []CostLedgerRow{{RunID: "r1"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
