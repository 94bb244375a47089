/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Async telemetry ingestion: a bounded queue of immutable
             request-log rows, flushed in batches to a pluggable sink
             with retry-with-backoff. A batch that exhausts its retries
             is requeued into a capped retry buffer (10000 rows,
             oldest-dropped-first) and replayed on the next tick rather
             than discarded outright; Stats().Healthy reflects whether
             the most recent flush attempt succeeded. Also ships a
             separate bounded fire-and-forget dashboard shipper.
Root Cause:  Sprint task T118 — telemetry sink (AgentWall governance
             core, C8).
Context:     Fed by the request pipeline's Logged transition (C9);
             every field here is the "Request log entry" row, not the
             wire response — the AgentWall response envelope is a
             separate, smaller structure built by C9 itself.
Suitability: L3 model for a concurrency + reliability component.
──────────────────────────────────────────────────────────────
*/

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shopspring/decimal"
)

// LogEntry is the immutable row pushed to the telemetry queue for every
// completed step. Field set matches the data model's "Request log
// entry" exactly.
type LogEntry struct {
	RunID             string          `json:"run_id"`
	Step              int             `json:"step"`
	RequestID         string          `json:"request_id"`
	TeamID            string          `json:"team_id"`
	UserID            string          `json:"user_id"`
	APIKeyID          string          `json:"api_key_id"`
	Model             string          `json:"model"`
	Endpoint          string          `json:"endpoint"`
	PromptTokens      int64           `json:"prompt_tokens"`
	CompletionTokens  int64           `json:"completion_tokens"`
	Cost              decimal.Decimal `json:"cost"`
	LatencyMs         int64           `json:"latency_ms"`
	ProxyOverheadMs   int64           `json:"proxy_overhead_ms"`
	TTFBMs            int64           `json:"ttfb_ms,omitempty"`
	StatusCode        int             `json:"status_code"`
	ErrorText         string          `json:"error_text,omitempty"`
	LoopDetected      bool            `json:"loop_detected"`
	SimilarityScore   float64         `json:"similarity_score,omitempty"`
	DLPTriggered      bool            `json:"dlp_triggered"`
	DLPAction         string          `json:"dlp_action,omitempty"`
	PromptPreview     string          `json:"prompt_preview,omitempty"`
	ResponsePreview   string          `json:"response_preview,omitempty"`
	CallerIP          string          `json:"caller_ip,omitempty"`
	CallerUserAgent   string          `json:"caller_user_agent,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// CostLedgerRow is a per-step cost-audit record, distinct from LogEntry
// in that it exists purely for reconciling cumulative run cost against
// a downstream ledger/billing system. No wallet balance fields: this
// gateway tracks spend against budget ceilings, not a prepaid balance.
type CostLedgerRow struct {
	RunID            string          `json:"run_id"`
	Step             int             `json:"step"`
	TeamID           string          `json:"team_id"`
	Model            string          `json:"model"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	Cost             decimal.Decimal `json:"cost"`
	CumulativeCost   decimal.Decimal `json:"cumulative_cost"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Sink is the destination for batches of log rows and cost-ledger rows.
type Sink interface {
	WriteLogs(ctx context.Context, rows []LogEntry) error
	WriteCostLedger(ctx context.Context, rows []CostLedgerRow) error
	Close() error
}

// Config controls batching and backpressure behavior.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	Workers       int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:    100000,
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    500 * time.Millisecond,
		Workers:       2,
	}
}

// maxRequeueEntries bounds the combined size of the log/ledger requeue
// buffers a sink outage can accumulate before rows start being dropped
// for real instead of held for retry.
const maxRequeueEntries = 10000

// Pipeline is the async telemetry ingestion engine (C8).
type Pipeline struct {
	logger zerolog.Logger
	config Config
	sink   Sink

	logCh    chan LogEntry
	ledgerCh chan CostLedgerRow

	wg     sync.WaitGroup
	cancel context.CancelFunc

	eventsReceived int64
	eventsWritten  int64
	eventsDropped  int64
	flushErrors    int64
	healthy        int32 // 1 = last flush attempt succeeded (or none yet), 0 = sink unhealthy

	requeueMu   sync.Mutex
	requeueLogs []LogEntry
	requeueLedger []CostLedgerRow
}

// NewPipeline creates a telemetry pipeline against the given sink.
func NewPipeline(logger zerolog.Logger, sink Sink, config ...Config) *Pipeline {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Pipeline{
		logger:   logger.With().Str("component", "telemetry-pipeline").Logger(),
		config:   cfg,
		sink:     sink,
		logCh:    make(chan LogEntry, cfg.BufferSize),
		ledgerCh: make(chan CostLedgerRow, cfg.BufferSize),
		healthy:  1,
	}
}

// Start launches the batching workers.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.logWorker(ctx)
	}
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.ledgerWorker(ctx)
	}

	p.logger.Info().
		Int("workers_per_type", p.config.Workers).
		Int("buffer_size", p.config.BufferSize).
		Int("batch_size", p.config.BatchSize).
		Dur("flush_interval", p.config.FlushInterval).
		Msg("telemetry pipeline started")
}

// Stop drains remaining rows and closes the sink. Never blocks the
// request path; only called once, at process shutdown.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.drainLogs()
	p.drainLedger()
	p.drainRequeued()

	if p.sink != nil {
		_ = p.sink.Close()
	}

	p.logger.Info().
		Int64("received", p.eventsReceived).
		Int64("written", p.eventsWritten).
		Int64("dropped", p.eventsDropped).
		Int64("flush_errors", p.flushErrors).
		Msg("telemetry pipeline stopped")
}

// TrackLog submits a request-log row. Non-blocking: drops and counts
// the row if the buffer is full, per the fire-and-forget contract in
// §4.9's failure semantics.
func (p *Pipeline) TrackLog(entry LogEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case p.logCh <- entry:
		atomic.AddInt64(&p.eventsReceived, 1)
	default:
		atomic.AddInt64(&p.eventsDropped, 1)
		p.logger.Warn().Str("run_id", entry.RunID).Int("step", entry.Step).Msg("log row dropped: buffer full")
	}
}

// TrackCostLedger submits a cost-ledger row.
func (p *Pipeline) TrackCostLedger(row CostLedgerRow) {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	select {
	case p.ledgerCh <- row:
		atomic.AddInt64(&p.eventsReceived, 1)
	default:
		atomic.AddInt64(&p.eventsDropped, 1)
		p.logger.Warn().Str("run_id", row.RunID).Int("step", row.Step).Msg("cost ledger row dropped: buffer full")
	}
}

func (p *Pipeline) logWorker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]LogEntry, 0, p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.flushLogs(batch)
			}
			return
		case e := <-p.logCh:
			batch = append(batch, e)
			if len(batch) >= p.config.BatchSize {
				p.flushLogs(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			batch = append(batch, p.popRequeuedLogs(p.config.BatchSize-len(batch))...)
			if len(batch) > 0 {
				p.flushLogs(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipeline) ledgerWorker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]CostLedgerRow, 0, p.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				p.flushLedger(batch)
			}
			return
		case r := <-p.ledgerCh:
			batch = append(batch, r)
			if len(batch) >= p.config.BatchSize {
				p.flushLedger(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			batch = append(batch, p.popRequeuedLedger(p.config.BatchSize-len(batch))...)
			if len(batch) > 0 {
				p.flushLedger(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Pipeline) flushLogs(batch []LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		err = p.sink.WriteLogs(ctx, batch)
		if err == nil {
			atomic.AddInt64(&p.eventsWritten, int64(len(batch)))
			atomic.StoreInt32(&p.healthy, 1)
			return
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Int("batch_size", len(batch)).Msg("log flush failed")
		if attempt < p.config.MaxRetries {
			time.Sleep(p.config.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}
	atomic.AddInt64(&p.flushErrors, 1)
	atomic.StoreInt32(&p.healthy, 0)
	dropped := p.requeueLogBatch(batch)
	atomic.AddInt64(&p.eventsDropped, int64(dropped))
	p.logger.Error().Err(err).Int("batch_size", len(batch)).Int("dropped", dropped).Msg("log batch requeued after retries")
}

func (p *Pipeline) flushLedger(batch []CostLedgerRow) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		err = p.sink.WriteCostLedger(ctx, batch)
		if err == nil {
			atomic.AddInt64(&p.eventsWritten, int64(len(batch)))
			atomic.StoreInt32(&p.healthy, 1)
			return
		}
		p.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("cost ledger flush failed")
		if attempt < p.config.MaxRetries {
			time.Sleep(p.config.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}
	atomic.AddInt64(&p.flushErrors, 1)
	atomic.StoreInt32(&p.healthy, 0)
	dropped := p.requeueLedgerBatch(batch)
	atomic.AddInt64(&p.eventsDropped, int64(dropped))
	p.logger.Error().Err(err).Int("batch_size", len(batch)).Int("dropped", dropped).Msg("cost ledger batch requeued after retries")
}

// requeueLogBatch appends a failed batch to the retry buffer, trimming
// the oldest entries past maxRequeueEntries. Returns the count that had
// to be dropped outright because the cap was already exhausted.
func (p *Pipeline) requeueLogBatch(batch []LogEntry) int {
	p.requeueMu.Lock()
	defer p.requeueMu.Unlock()
	p.requeueLogs = append(p.requeueLogs, batch...)
	dropped := 0
	if over := len(p.requeueLogs) - maxRequeueEntries; over > 0 {
		dropped = over
		p.requeueLogs = p.requeueLogs[over:]
	}
	return dropped
}

func (p *Pipeline) requeueLedgerBatch(batch []CostLedgerRow) int {
	p.requeueMu.Lock()
	defer p.requeueMu.Unlock()
	p.requeueLedger = append(p.requeueLedger, batch...)
	dropped := 0
	if over := len(p.requeueLedger) - maxRequeueEntries; over > 0 {
		dropped = over
		p.requeueLedger = p.requeueLedger[over:]
	}
	return dropped
}

// popRequeuedLogs pulls up to max rows off the front of the retry
// buffer so the next flush attempt includes them alongside fresh rows.
func (p *Pipeline) popRequeuedLogs(max int) []LogEntry {
	if max <= 0 {
		return nil
	}
	p.requeueMu.Lock()
	defer p.requeueMu.Unlock()
	if len(p.requeueLogs) == 0 {
		return nil
	}
	if max > len(p.requeueLogs) {
		max = len(p.requeueLogs)
	}
	popped := p.requeueLogs[:max]
	p.requeueLogs = p.requeueLogs[max:]
	return popped
}

func (p *Pipeline) popRequeuedLedger(max int) []CostLedgerRow {
	if max <= 0 {
		return nil
	}
	p.requeueMu.Lock()
	defer p.requeueMu.Unlock()
	if len(p.requeueLedger) == 0 {
		return nil
	}
	if max > len(p.requeueLedger) {
		max = len(p.requeueLedger)
	}
	popped := p.requeueLedger[:max]
	p.requeueLedger = p.requeueLedger[max:]
	return popped
}

func (p *Pipeline) drainLogs() {
	batch := make([]LogEntry, 0, p.config.BatchSize)
	for {
		select {
		case e := <-p.logCh:
			batch = append(batch, e)
			if len(batch) >= p.config.BatchSize {
				p.flushLogs(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				p.flushLogs(batch)
			}
			return
		}
	}
}

func (p *Pipeline) drainLedger() {
	batch := make([]CostLedgerRow, 0, p.config.BatchSize)
	for {
		select {
		case r := <-p.ledgerCh:
			batch = append(batch, r)
			if len(batch) >= p.config.BatchSize {
				p.flushLedger(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				p.flushLedger(batch)
			}
			return
		}
	}
}

// drainRequeued flushes whatever is left in the retry buffers at
// shutdown, batch size at a time, same as the normal drain path.
func (p *Pipeline) drainRequeued() {
	for {
		batch := p.popRequeuedLogs(p.config.BatchSize)
		if len(batch) == 0 {
			break
		}
		p.flushLogs(batch)
	}
	for {
		batch := p.popRequeuedLedger(p.config.BatchSize)
		if len(batch) == 0 {
			break
		}
		p.flushLedger(batch)
	}
}

// Stats reports pipeline counters, exposed for /health diagnostics.
type Stats struct {
	EventsReceived int64 `json:"events_received"`
	EventsWritten  int64 `json:"events_written"`
	EventsDropped  int64 `json:"events_dropped"`
	FlushErrors    int64 `json:"flush_errors"`
	LogBuffer      int   `json:"log_buffer_len"`
	LedgerBuffer   int   `json:"ledger_buffer_len"`
	RequeueLen     int   `json:"requeue_len"`
	Healthy        bool  `json:"healthy"`
}

func (p *Pipeline) Stats() Stats {
	p.requeueMu.Lock()
	requeueLen := len(p.requeueLogs) + len(p.requeueLedger)
	p.requeueMu.Unlock()
	return Stats{
		EventsReceived: atomic.LoadInt64(&p.eventsReceived),
		EventsWritten:  atomic.LoadInt64(&p.eventsWritten),
		EventsDropped:  atomic.LoadInt64(&p.eventsDropped),
		FlushErrors:    atomic.LoadInt64(&p.flushErrors),
		LogBuffer:      len(p.logCh),
		LedgerBuffer:   len(p.ledgerCh),
		RequeueLen:     requeueLen,
		Healthy:        atomic.LoadInt32(&p.healthy) == 1,
	}
}

// ─── Log sink (development/fallback) ────────────────────────

// LogSink writes rows as structured JSON debug logs.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a sink that logs rows instead of shipping them.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("sink", "log").Logger()}
}

func (s *LogSink) WriteLogs(_ context.Context, rows []LogEntry) error {
	for _, r := range rows {
		data, _ := json.Marshal(r)
		s.logger.Debug().RawJSON("row", data).Msg("log_entry")
	}
	return nil
}

func (s *LogSink) WriteCostLedger(_ context.Context, rows []CostLedgerRow) error {
	for _, r := range rows {
		data, _ := json.Marshal(r)
		s.logger.Debug().RawJSON("row", data).Msg("cost_ledger_row")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// ─── HTTP sink (§6 telemetry export contract) ───────────────

// HTTPSink POSTs batches to an internal log-store endpoint, one
// request per batch, authenticated with a shared secret header.
type HTTPSink struct {
	endpoint string
	secret   string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPSink builds a sink targeting POST <endpoint> with
// X-Internal-Secret: <secret> on every request.
func NewHTTPSink(endpoint, secret string, logger zerolog.Logger) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With().Str("sink", "http").Logger(),
	}
}

func (s *HTTPSink) WriteLogs(ctx context.Context, rows []LogEntry) error {
	return s.post(ctx, rows)
}

func (s *HTTPSink) WriteCostLedger(ctx context.Context, rows []CostLedgerRow) error {
	return s.post(ctx, rows)
}

func (s *HTTPSink) post(ctx context.Context, batch interface{}) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("telemetry: marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telemetry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", s.secret)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telemetry: post batch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry: log store returned %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Close() error { return nil }

// ─── Columnar sink (domain-stack extension, §4.8) ───────────

// ColumnarSink is a pluggable wide-event-table sink for a columnar
// store. It is an honest placeholder: it satisfies the Sink contract
// and logs what it would have written, but does not hold a live
// driver connection. Wiring a real columnar store only requires
// filling in the two Write methods.
type ColumnarSink struct {
	dsn    string
	logger zerolog.Logger
}

// NewColumnarSink validates the DSN and returns a sink that logs
// warnings for every batch until a driver is wired in.
func NewColumnarSink(dsn string, logger zerolog.Logger) (*ColumnarSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("telemetry: columnar sink DSN is required")
	}
	return &ColumnarSink{dsn: dsn, logger: logger.With().Str("sink", "columnar").Logger()}, nil
}

func (s *ColumnarSink) WriteLogs(_ context.Context, rows []LogEntry) error {
	// TODO: batch-insert into the monthly-partitioned, date-TTL'd event
	// table once a driver is selected.
	s.logger.Warn().Int("count", len(rows)).Msg("columnar sink: log write not yet wired to driver")
	return nil
}

func (s *ColumnarSink) WriteCostLedger(_ context.Context, rows []CostLedgerRow) error {
	s.logger.Warn().Int("count", len(rows)).Msg("columnar sink: cost ledger write not yet wired to driver")
	return nil
}

func (s *ColumnarSink) Close() error { return nil }

// ─── Dashboard shipper ───────────────────────────────────────

// DashboardRow is the lightweight row pushed to the dashboard shipper,
// distinct from LogEntry: it carries only what a live dashboard needs
// to render, not the full audit row.
type DashboardRow struct {
	RunID     string          `json:"run_id"`
	Step      int             `json:"step"`
	Model     string          `json:"model"`
	Cost      decimal.Decimal `json:"cost"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// DashboardShipper is a separate, bounded (1000-entry) fire-and-forget
// queue: overflow is silently dropped, per §4.8. It never shares a
// buffer with the telemetry Pipeline above because dashboard delivery
// is best-effort and must never cause the audit log to back up.
type DashboardShipper struct {
	ch     chan DashboardRow
	post   func(ctx context.Context, row DashboardRow) error
	logger zerolog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDashboardShipper builds a shipper that calls post for each row on
// its own goroutine pool.
func NewDashboardShipper(post func(ctx context.Context, row DashboardRow) error, logger zerolog.Logger) *DashboardShipper {
	return &DashboardShipper{
		ch:     make(chan DashboardRow, 1000),
		post:   post,
		logger: logger.With().Str("component", "dashboard-shipper").Logger(),
	}
}

// Start launches the shipper's worker goroutines.
func (d *DashboardShipper) Start(ctx context.Context, workers int) {
	ctx, d.cancel = context.WithCancel(ctx)
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop cancels outstanding work without draining; dashboard delivery is
// best-effort, unlike the audit-log pipeline's drain-on-shutdown.
func (d *DashboardShipper) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Ship enqueues a row, dropping it silently if the queue is full.
func (d *DashboardShipper) Ship(row DashboardRow) {
	select {
	case d.ch <- row:
	default:
		d.logger.Debug().Str("run_id", row.RunID).Msg("dashboard row dropped: queue full")
	}
}

func (d *DashboardShipper) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-d.ch:
			reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := d.post(reqCtx, row); err != nil {
				d.logger.Debug().Err(err).Str("run_id", row.RunID).Msg("dashboard ship failed")
			}
			cancel()
		}
	}
}
