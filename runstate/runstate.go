/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Run record and the run-level tracker: AgentWall's
             governance moat feature. Tracks per-run step count,
             cumulative spend, and recent prompt/response history in
             a shared, TTL'd KV store with a degraded in-memory
             fallback when the store is unreachable.
Root Cause:  Sprint task T050 — run-state store (AgentWall
             governance core, C4).
Context:     Every other governance subsystem (loop detection,
             budget gate, step ceilings) reads and writes through
             this record. Concurrency model is read-modify-write
             with tolerated last-writer-wins loss; see package docs.
Suitability: L3 model for the central shared-state component.
──────────────────────────────────────────────────────────────
*/

// Package runstate implements the shared run-state store (C4). It is
// not transactional: callers perform read-modify-write and accept
// last-writer-wins semantics for the rare case of two concurrent
// steps on the same run. Do not add distributed locking here; if
// stronger consistency is ever required, colocate a single-writer
// actor per run-id instead.
package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doctorcmptrmita2/agentwall/redisclient"

	"github.com/shopspring/decimal"
)

// historySize is the ring capacity for recent prompts/responses.
const historySize = 5

// TTL is how long a run record survives after its last write.
const TTL = 24 * time.Hour

// KeyPrefix is the namespace all run keys live under.
const KeyPrefix = "agentwall:run:"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Ceilings are the effective per-run limits, either defaulted or
// supplied by the identity service's per-team limits.
type Ceilings struct {
	MaxSteps       int           `json:"max_steps"`
	MaxBudget      decimal.Decimal `json:"max_budget"`
	TimeoutSeconds int           `json:"timeout_seconds"`
}

// DefaultCeilings mirrors the system this tracker descends from: 30
// steps, $10, 120s.
func DefaultCeilings() Ceilings {
	return Ceilings{MaxSteps: 30, MaxBudget: decimal.NewFromInt(10), TimeoutSeconds: 120}
}

// Run is the per-run governance record. Field-level invariants: the
// step counter is non-decreasing, cumulative cost is non-decreasing,
// status never returns to running once killed, and the prompt ring is
// capped at 5 entries.
type Run struct {
	RunID           string          `json:"run_id"`
	TeamID          string          `json:"team_id"`
	UserID          string          `json:"user_id"`
	AgentID         string          `json:"agent_id,omitempty"`
	StepCount       int             `json:"step_count"`
	TotalTokens     int64           `json:"total_tokens"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	StartedAt       time.Time       `json:"started_at"`
	LastActivity    time.Time       `json:"last_activity"`
	Status          Status          `json:"status"`
	KillReason      string          `json:"kill_reason,omitempty"`
	LoopDetected    bool            `json:"loop_detected"`
	BudgetExceeded  bool            `json:"budget_exceeded"`
	RecentPrompts   []string        `json:"recent_prompts"`
	RecentResponses []string        `json:"recent_responses"`
	Ceilings        Ceilings        `json:"ceilings"`
}

// newRun constructs a fresh zero-state run, used whenever a read finds
// no existing record.
func newRun(runID string, ceilings Ceilings) *Run {
	now := time.Now()
	return &Run{
		RunID:        runID,
		StepCount:    0,
		TotalCost:    decimal.Zero,
		StartedAt:    now,
		LastActivity: now,
		Status:       StatusRunning,
		Ceilings:     ceilings,
	}
}

// AppendHistory pushes a prompt/response pair onto the recent rings,
// evicting the oldest entry once capacity (5) is exceeded. Called
// only at step-completion time, never at admission time, so that
// pre-checks compare the current step against prior history only.
func (r *Run) AppendHistory(prompt, response string) {
	r.RecentPrompts = pushRing(r.RecentPrompts, truncate(prompt, 500))
	r.RecentResponses = pushRing(r.RecentResponses, truncate(response, 500))
}

func pushRing(ring []string, v string) []string {
	ring = append(ring, v)
	if len(ring) > historySize {
		ring = ring[len(ring)-historySize:]
	}
	return ring
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Kill transitions the run to killed with reason. Per the status
// invariant, once a run leaves running it must never return to it;
// Kill is idempotent in the sense that it overwrites the reason but
// never resurrects a non-running status.
func (r *Run) Kill(reason string) {
	if r.Status != StatusRunning {
		return
	}
	r.Status = StatusKilled
	r.KillReason = reason
}

// Store is the C4 interface: load-or-create and persist a Run. Save
// always resets the TTL to 24h from now.
type Store interface {
	Load(ctx context.Context, runID string, defaultCeilings Ceilings) (*Run, error)
	Save(ctx context.Context, run *Run) error
	Ping(ctx context.Context) error
}

// RedisStore is the primary Store backed by a shared KV connection.
type RedisStore struct {
	client *redisclient.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redisclient.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(runID string) string {
	return KeyPrefix + runID
}

// Load fetches the run by id, constructing and persisting a fresh one
// on a cache miss.
func (s *RedisStore) Load(ctx context.Context, runID string, defaultCeilings Ceilings) (*Run, error) {
	raw, err := s.client.Get(ctx, s.key(runID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			run := newRun(runID, defaultCeilings)
			if saveErr := s.Save(ctx, run); saveErr != nil {
				return nil, saveErr
			}
			return run, nil
		}
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Save persists the run and resets its TTL to 24h.
func (s *RedisStore) Save(ctx context.Context, run *Run) error {
	run.LastActivity = time.Now()
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.client.SetEx(ctx, s.key(run.RunID), raw, TTL)
}

// Ping proxies to the underlying client, used for /health/ready.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping()
}

// MemoryStore is the degraded-mode fallback used when Redis is
// unreachable. Governance degrades to per-request limits only: every
// load returns a fresh zero-state run scoped to this process's
// lifetime (no persistence across restarts, no cross-process
// sharing), which is the documented trade-off for availability over
// durability while degraded.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*Run
}

// NewMemoryStore builds an empty in-memory fallback store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

func (s *MemoryStore) Load(_ context.Context, runID string, defaultCeilings Ceilings) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[runID]; ok {
		return run, nil
	}
	run := newRun(runID, defaultCeilings)
	s.runs[runID] = run
	return run, nil
}

func (s *MemoryStore) Save(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.LastActivity = time.Now()
	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// FallbackStore wraps a RedisStore and transparently drops into a
// MemoryStore whenever the Redis call fails, logging the degradation
// but never failing the request. It flips back to Redis the next time
// a call succeeds, so degradation is per-operation, not sticky.
type FallbackStore struct {
	primary  *RedisStore
	fallback *MemoryStore
	onDegrade func(err error)
}

// NewFallbackStore builds a store that prefers primary and logs via
// onDegrade (may be nil) whenever it falls back.
func NewFallbackStore(primary *RedisStore, onDegrade func(err error)) *FallbackStore {
	return &FallbackStore{primary: primary, fallback: NewMemoryStore(), onDegrade: onDegrade}
}

func (s *FallbackStore) Load(ctx context.Context, runID string, defaultCeilings Ceilings) (*Run, error) {
	run, err := s.primary.Load(ctx, runID, defaultCeilings)
	if err == nil {
		return run, nil
	}
	s.degrade(err)
	return s.fallback.Load(ctx, runID, defaultCeilings)
}

func (s *FallbackStore) Save(ctx context.Context, run *Run) error {
	if err := s.primary.Save(ctx, run); err != nil {
		s.degrade(err)
		return s.fallback.Save(ctx, run)
	}
	return nil
}

func (s *FallbackStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

func (s *FallbackStore) degrade(err error) {
	if s.onDegrade != nil {
		s.onDegrade(err)
	}
}
