package scheduler

import (
	"context"
	"log/slog"
	"sort"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/schrodinger-ai/imagegen-scheduler/internal/observability"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/state"
)

// candidate is a runnable request with the time it became (or becomes)
// eligible. Candidates are processed in ascending readiness order so
// longer-waiting requests are scheduled first.
type candidate struct {
	childID string
	readyAt int64
}

// Tick runs one pass of the control loop: reactivate held keys, escalate
// expired pending requests, purge old completed requests, and assign the
// key with the most remaining quota to each runnable request in
// readiness order. Nothing in here returns an error to the timer; a bad
// record is logged and skipped so it cannot halt scheduling for the
// rest of the ledger.
func (e *Engine) Tick(ctx context.Context) {
	ctx, span := observability.StartSpan(ctx, "scheduler.tick")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	observability.Default.IncCounter("scheduler_ticks_total", nil, 1)

	reactivated := e.tracker.UpdateStatuses(now)
	if len(reactivated) > 0 {
		observability.Default.IncCounter("scheduler_key_reactivations_total", nil, float64(len(reactivated)))
		slog.Info("api keys reactivated", "count", len(reactivated))
	}

	e.expirePendingLocked(now)

	if len(e.st.APIKeys) == 0 {
		return
	}

	remaining := e.remainingQuotaLocked(now)
	e.purgeCompletedLocked(now)

	candidates := e.collectCandidatesLocked(now)
	candidates = e.pruneMaxAttemptsLocked(candidates)
	processed := e.processCandidatesLocked(ctx, now, candidates, remaining)
	e.reconcileProcessedLocked(processed)

	span.SetAttributes(attribute.Int("scheduled.count", len(processed)))
	e.updatePartitionGaugesLocked()
}

// expirePendingLocked moves pending requests whose worker never called
// back into Blocked. A request at exactly the threshold is kept for one
// more tick.
func (e *Engine) expirePendingLocked(now int64) {
	cutoff := now - PendingExpirySeconds
	for childID, rec := range e.st.PendingRequests {
		if rec.StartedTimestamp < cutoff {
			delete(e.st.PendingRequests, childID)
			e.st.BlockedRequests[childID] = state.BlockedRequestRecord{
				Request:       rec,
				BlockedReason: "Pending request expired",
			}
			observability.Default.IncCounter("scheduler_pending_expired_total", nil, 1)
			slog.Warn("pending request expired, moved to blocked", "child_id", childID, "started", rec.StartedTimestamp)
		}
	}
}

// purgeCompletedLocked drops completed requests older than the cleanup
// TTL so the ledger stays bounded.
func (e *Engine) purgeCompletedLocked(now int64) {
	cutoff := now - CompletedTTLSeconds
	for childID, rec := range e.st.CompletedRequests {
		if rec.CompletedTimestamp < cutoff {
			delete(e.st.CompletedRequests, childID)
			observability.Default.IncCounter("scheduler_completed_purged_total", nil, 1)
		}
	}
}

// remainingQuotaLocked computes, per registered key, the quota left in
// the current rate-limit window. Requests whose started timestamp falls
// strictly inside the window count against their assigned key; keys
// currently on hold are removed from the result entirely so they are
// never offered this tick.
func (e *Engine) remainingQuotaLocked(now int64) map[string]int {
	cutoff := now - RateLimitWindowSeconds

	all := make([]state.RequestRecord, 0,
		len(e.st.CompletedRequests)+len(e.st.FailedRequests)+len(e.st.PendingRequests)+len(e.st.StartedRequests))
	for _, src := range []map[string]state.RequestRecord{
		e.st.CompletedRequests, e.st.FailedRequests, e.st.PendingRequests, e.st.StartedRequests,
	} {
		for _, rec := range src {
			all = append(all, rec)
		}
	}

	inWindow := lo.Filter(all, func(rec state.RequestRecord, _ int) bool {
		return rec.APIKey != nil && rec.StartedTimestamp > cutoff
	})
	used := lo.CountValuesBy(inWindow, func(rec state.RequestRecord) string {
		return rec.APIKey.Identity()
	})

	remaining := make(map[string]int, len(e.st.APIKeys))
	for _, key := range e.st.APIKeys {
		identity := key.Identity()
		if e.tracker.OnHold(identity) {
			continue
		}
		remaining[identity] = key.MaxQuota - used[identity]
	}
	return remaining
}

// collectCandidatesLocked merges retry-eligible failed requests with
// started requests into one list sorted ascending by readiness. Failed
// requests become eligible once failedTimestamp + min(2^attempts, 8)
// has strictly passed; started requests are eligible immediately at
// their request timestamp. Ties order by child id so scheduling is
// deterministic.
func (e *Engine) collectCandidatesLocked(now int64) []candidate {
	candidates := make([]candidate, 0, len(e.st.FailedRequests)+len(e.st.StartedRequests))
	for childID, rec := range e.st.FailedRequests {
		readyAt := rec.FailedTimestamp + retryBackoff(rec.Attempts)
		if readyAt < now {
			candidates = append(candidates, candidate{childID: childID, readyAt: readyAt})
		}
	}
	for childID, rec := range e.st.StartedRequests {
		candidates = append(candidates, candidate{childID: childID, readyAt: rec.RequestTimestamp})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].readyAt != candidates[j].readyAt {
			return candidates[i].readyAt < candidates[j].readyAt
		}
		return candidates[i].childID < candidates[j].childID
	})
	return candidates
}

func retryBackoff(attempts int) int64 {
	backoff := int64(1)
	for i := 0; i < attempts && backoff < retryBackoffCapSeconds; i++ {
		backoff *= 2
	}
	if backoff > retryBackoffCapSeconds {
		backoff = retryBackoffCapSeconds
	}
	return backoff
}

// pruneMaxAttemptsLocked drops candidates that exhausted the attempt
// ceiling from both the candidate list and the ledger before they are
// ever scheduled again.
func (e *Engine) pruneMaxAttemptsLocked(candidates []candidate) []candidate {
	kept := candidates[:0]
	for _, c := range candidates {
		rec, ok := e.candidateRecordLocked(c.childID)
		if !ok {
			continue
		}
		if rec.Attempts >= MaxAttempts {
			delete(e.st.FailedRequests, c.childID)
			delete(e.st.StartedRequests, c.childID)
			observability.Default.IncCounter("scheduler_requests_pruned_total", nil, 1)
			slog.Error("request exceeded max attempts, dropped", "child_id", c.childID, "attempts", rec.Attempts)
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// processCandidatesLocked assigns keys greedily. Each candidate takes
// the key with the most remaining quota; the in-memory quota map is
// decremented so one key is not over-assigned within a tick. When no
// key has quota left, processing stops entirely so the remaining
// candidates keep their position for the next tick.
func (e *Engine) processCandidatesLocked(ctx context.Context, now int64, candidates []candidate, remaining map[string]int) []string {
	processed := make([]string, 0, len(candidates))
	for _, c := range candidates {
		rec, ok := e.candidateRecordLocked(c.childID)
		if !ok {
			slog.Error("candidate vanished from ledger", "child_id", c.childID)
			continue
		}
		worker, ok := e.resolveWorker(c.childID)
		if !ok {
			slog.Error("no worker registered for request", "child_id", c.childID)
			continue
		}

		identity, ok := bestKey(remaining)
		if !ok {
			break
		}
		key, ok := e.registeredKeyLocked(identity)
		if !ok {
			slog.Error("quota map references unregistered key", "identity", identity)
			break
		}

		rec.APIKey = &key
		rec.Attempts++
		rec.StartedTimestamp = now
		remaining[identity]--
		e.alarmWhenLowOnQuotaLocked(remaining)

		worker.SetAPIKey(ctx, c.childID, key)
		e.st.PendingRequests[c.childID] = rec
		processed = append(processed, c.childID)
		observability.Default.IncCounter("scheduler_requests_scheduled_total", nil, 1)
	}
	return processed
}

// reconcileProcessedLocked removes every scheduled request from the
// partition it came from. A processed id found in neither Failed nor
// Started indicates a ledger bug; it is logged, never thrown.
func (e *Engine) reconcileProcessedLocked(processed []string) {
	for _, childID := range processed {
		if _, ok := e.st.FailedRequests[childID]; ok {
			delete(e.st.FailedRequests, childID)
			continue
		}
		if _, ok := e.st.StartedRequests[childID]; ok {
			delete(e.st.StartedRequests, childID)
			continue
		}
		slog.Error("processed request missing from failed and started partitions", "child_id", childID)
	}
}

func (e *Engine) candidateRecordLocked(childID string) (state.RequestRecord, bool) {
	if rec, ok := e.st.FailedRequests[childID]; ok {
		return rec, true
	}
	if rec, ok := e.st.StartedRequests[childID]; ok {
		return rec, true
	}
	return state.RequestRecord{}, false
}

func (e *Engine) resolveWorker(childID string) (Worker, bool) {
	if e.workers == nil {
		return nil, false
	}
	return e.workers.Worker(childID)
}

// bestKey picks the identity with the maximum remaining quota; ties go
// to the lexicographically smallest identity so selection is
// deterministic. Returns false when no key has quota left.
func bestKey(remaining map[string]int) (string, bool) {
	entries := lo.Entries(remaining)
	if len(entries) == 0 {
		return "", false
	}
	best := lo.MaxBy(entries, func(a, b lo.Entry[string, int]) bool {
		if a.Value != b.Value {
			return a.Value > b.Value
		}
		return a.Key < b.Key
	})
	if best.Value <= 0 {
		return "", false
	}
	return best.Key, true
}

func (e *Engine) alarmWhenLowOnQuotaLocked(remaining map[string]int) {
	total := 0
	for _, key := range e.st.APIKeys {
		total += key.MaxQuota
	}
	if total <= 0 {
		return
	}
	left := 0
	for _, quota := range remaining {
		left += quota
	}
	if float64(left) < lowQuotaRatio*float64(total) {
		slog.Warn("remaining api quota is low", "remaining", left, "total", total)
	}
}

func (e *Engine) updatePartitionGaugesLocked() {
	observability.Default.SetGauge("scheduler_requests", map[string]string{"partition": "started"}, float64(len(e.st.StartedRequests)))
	observability.Default.SetGauge("scheduler_requests", map[string]string{"partition": "pending"}, float64(len(e.st.PendingRequests)))
	observability.Default.SetGauge("scheduler_requests", map[string]string{"partition": "failed"}, float64(len(e.st.FailedRequests)))
	observability.Default.SetGauge("scheduler_requests", map[string]string{"partition": "completed"}, float64(len(e.st.CompletedRequests)))
	observability.Default.SetGauge("scheduler_requests", map[string]string{"partition": "blocked"}, float64(len(e.st.BlockedRequests)))
}
