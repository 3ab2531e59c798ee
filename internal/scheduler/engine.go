// Package scheduler contains the admission-control engine: it owns the
// five-partition request ledger, the API key registry and the key
// health tracker, and schedules image generation requests onto the
// least-loaded eligible key.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/schrodinger-ai/imagegen-scheduler/internal/clock"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/health"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/observability"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/state"
)

const (
	// RateLimitWindowSeconds is the provider sliding window (60s) plus a
	// 3s buffer so a request started exactly at the window edge is not
	// counted inconsistently across successive ticks.
	RateLimitWindowSeconds = 63

	// PendingExpirySeconds escalates pending requests whose worker never
	// called back.
	PendingExpirySeconds = 12 * 60 * 60

	// CompletedTTLSeconds bounds the completed partition.
	CompletedTTLSeconds = 3 * 60

	// MaxAttempts is a safety ceiling, effectively unbounded.
	MaxAttempts = 99999

	retryBackoffCapSeconds = 8
	lowQuotaRatio          = 0.2
)

// ErrAllKeysDuplicate is returned by AddAPIKeys when every submitted
// entry collides with an already registered identity.
var ErrAllKeysDuplicate = errors.New("all submitted api keys are duplicates")

// Worker is the handle the engine assigns a key to. SetAPIKey must not
// block: the engine is fire-and-forget and learns the outcome only
// through the Report callbacks.
type Worker interface {
	SetAPIKey(ctx context.Context, childID string, key state.APIKeyRecord)
}

// WorkerResolver resolves the worker handle for a child request id.
type WorkerResolver interface {
	Worker(childID string) (Worker, bool)
}

// RequestStatus is the payload workers report back with.
type RequestStatus struct {
	ChildID          string
	StartedTimestamp int64 // optional; zero keeps the recorded value
	ErrorCode        health.ErrorCode
}

type Options struct {
	Clock   clock.Clock
	Store   state.Store
	Workers WorkerResolver
}

// Engine is a single-writer state machine: one mutex serializes Tick,
// every callback and every admin operation, which is what keeps the
// pop-from-one-partition/insert-into-another moves atomic.
type Engine struct {
	mu      sync.Mutex
	clk     clock.Clock
	store   state.Store
	workers WorkerResolver
	tracker *health.Tracker
	st      state.SchedulerState
}

func NewEngine(opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	store := opts.Store
	if store == nil {
		store = state.NewMemoryStore()
	}
	return &Engine{
		clk:     clk,
		store:   store,
		workers: opts.Workers,
		tracker: health.NewTracker(),
		st:      state.NewSchedulerState(),
	}
}

// Load replaces the in-memory ledger and registry with the last saved
// snapshot. Health is not restored: holds are volatile.
func (e *Engine) Load(ctx context.Context) error {
	snapshot, ok, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st = snapshot
	slog.Info("scheduler state loaded",
		"started", len(snapshot.StartedRequests),
		"pending", len(snapshot.PendingRequests),
		"failed", len(snapshot.FailedRequests),
		"completed", len(snapshot.CompletedRequests),
		"blocked", len(snapshot.BlockedRequests),
		"api_keys", len(snapshot.APIKeys))
	return nil
}

// AddRequest admits a new child request into the Started partition.
// A child id already present anywhere in the ledger is left untouched.
func (e *Engine) AddRequest(ctx context.Context, parentID, childID string, requestTimestamp int64) {
	_, span := observability.StartSpan(ctx, "scheduler.add_request",
		attribute.String("request.id", parentID),
		attribute.String("request.child_id", childID),
	)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.partitionOfLocked(childID) != "" {
		slog.Warn("request already tracked, ignoring admission", "child_id", childID)
		return
	}
	e.st.StartedRequests[childID] = state.RequestRecord{
		RequestID:        parentID,
		ChildID:          childID,
		RequestTimestamp: requestTimestamp,
	}
	observability.Default.IncCounter("scheduler_requests_admitted_total", nil, 1)
}

// AddAPIKeys registers the entries whose identity is not already
// present and persists synchronously. The returned slices partition the
// input; when everything is a duplicate nothing is added and
// ErrAllKeysDuplicate is returned alongside the duplicate list.
func (e *Engine) AddAPIKeys(ctx context.Context, entries []state.APIKeyRecord) (added, duplicates []state.APIKeyRecord, err error) {
	e.mu.Lock()
	existing := make(map[string]struct{}, len(e.st.APIKeys))
	for _, key := range e.st.APIKeys {
		existing[key.Identity()] = struct{}{}
	}
	added, duplicates = lo.FilterReject(entries, func(key state.APIKeyRecord, _ int) bool {
		identity := key.Identity()
		if _, dup := existing[identity]; dup {
			return false
		}
		existing[identity] = struct{}{}
		return true
	})
	if len(entries) > 0 && len(added) == 0 {
		e.mu.Unlock()
		return nil, duplicates, ErrAllKeysDuplicate
	}
	e.st.APIKeys = append(e.st.APIKeys, added...)
	snapshot := e.st.Clone()
	e.mu.Unlock()

	if err := e.store.Save(ctx, snapshot); err != nil {
		slog.Error("persisting registry after key add failed", "error", err)
		return added, duplicates, err
	}
	return added, duplicates, nil
}

// RemoveAPIKeys drops the registry entries matching any input identity
// and persists synchronously. Unknown keys are skipped, not errored.
func (e *Engine) RemoveAPIKeys(ctx context.Context, keys []state.APIKeyRecord) ([]state.APIKeyRecord, error) {
	requested := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		requested[key.Identity()] = struct{}{}
	}

	e.mu.Lock()
	kept, removed := lo.FilterReject(e.st.APIKeys, func(key state.APIKeyRecord, _ int) bool {
		_, remove := requested[key.Identity()]
		return !remove
	})
	e.st.APIKeys = kept
	snapshot := e.st.Clone()
	e.mu.Unlock()

	if err := e.store.Save(ctx, snapshot); err != nil {
		slog.Error("persisting registry after key removal failed", "error", err)
		return removed, err
	}
	return removed, nil
}

// AllAPIKeys returns a copy of the registry.
func (e *Engine) AllAPIKeys() []state.APIKeyRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]state.APIKeyRecord, len(e.st.APIKeys))
	copy(out, e.st.APIKeys)
	return out
}

// APIKeysUsageInfo returns the tracked health record per key identity.
func (e *Engine) APIKeysUsageInfo() map[string]health.UsageInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.Snapshot()
}

// Partition names accepted by Requests.
const (
	PartitionStarted   = "started"
	PartitionPending   = "pending"
	PartitionFailed    = "failed"
	PartitionCompleted = "completed"
)

// Requests lists one non-blocked partition, ordered by child id.
func (e *Engine) Requests(partition string) []state.RequestRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	var src map[string]state.RequestRecord
	switch partition {
	case PartitionStarted:
		src = e.st.StartedRequests
	case PartitionPending:
		src = e.st.PendingRequests
	case PartitionFailed:
		src = e.st.FailedRequests
	case PartitionCompleted:
		src = e.st.CompletedRequests
	default:
		return nil
	}
	out := make([]state.RequestRecord, 0, len(src))
	for _, rec := range src {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChildID < out[j].ChildID })
	return out
}

// BlockedRequests lists the blocked partition, ordered by child id.
func (e *Engine) BlockedRequests() []state.BlockedRequestRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]state.BlockedRequestRecord, 0, len(e.st.BlockedRequests))
	for _, rec := range e.st.BlockedRequests {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Request.ChildID < out[j].Request.ChildID })
	return out
}

// IsOverloaded reports whether total remaining quota across all keys
// has dropped below 20% of total capacity. An empty registry counts as
// overloaded: there is no capacity to schedule against.
func (e *Engine) IsOverloaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	total := 0
	for _, key := range e.st.APIKeys {
		total += key.MaxQuota
	}
	if total <= 0 {
		return true
	}
	remaining := 0
	for _, quota := range e.remainingQuotaLocked(now) {
		remaining += quota
	}
	return float64(remaining) < lowQuotaRatio*float64(total)
}

// ForceExecution pulls a request out of Pending or Blocked and places
// it back into Started, making it eligible on the next tick. Returns
// false when the child id is in neither partition.
func (e *Engine) ForceExecution(childID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.st.PendingRequests[childID]; ok {
		delete(e.st.PendingRequests, childID)
		e.st.StartedRequests[childID] = rec
		slog.Info("request forced back to started", "child_id", childID, "from", "pending")
		return true
	}
	if blocked, ok := e.st.BlockedRequests[childID]; ok {
		delete(e.st.BlockedRequests, childID)
		e.st.StartedRequests[childID] = blocked.Request
		slog.Info("request forced back to started", "child_id", childID, "from", "blocked")
		return true
	}
	return false
}

// Flush persists the current aggregate. Failures are logged and left
// for the next flush; in-memory state stays authoritative.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	snapshot := e.st.Clone()
	e.mu.Unlock()
	if err := e.store.Save(ctx, snapshot); err != nil {
		observability.Default.IncCounter("scheduler_flush_failures_total", nil, 1)
		slog.Error("state flush failed", "error", err)
		return err
	}
	return nil
}

// partitionOfLocked names the partition currently holding the child id,
// or "" when untracked. Callers hold e.mu.
func (e *Engine) partitionOfLocked(childID string) string {
	if _, ok := e.st.StartedRequests[childID]; ok {
		return PartitionStarted
	}
	if _, ok := e.st.PendingRequests[childID]; ok {
		return PartitionPending
	}
	if _, ok := e.st.FailedRequests[childID]; ok {
		return PartitionFailed
	}
	if _, ok := e.st.CompletedRequests[childID]; ok {
		return PartitionCompleted
	}
	if _, ok := e.st.BlockedRequests[childID]; ok {
		return "blocked"
	}
	return ""
}

func (e *Engine) registeredKeyLocked(identity string) (state.APIKeyRecord, bool) {
	for _, key := range e.st.APIKeys {
		if key.Identity() == identity {
			return key, true
		}
	}
	return state.APIKeyRecord{}, false
}
