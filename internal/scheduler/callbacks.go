package scheduler

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/schrodinger-ai/imagegen-scheduler/internal/observability"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/state"
)

// The Report methods are the notification surface workers call back
// into, at any time, to report an outcome. Each pops the request from
// Pending; a second delivery for an already-popped request is a no-op
// plus a warning so duplicate or late callbacks are harmless.

// ReportFailed moves the request to Failed and places its key on hold
// according to the reported error class.
func (e *Engine) ReportFailed(ctx context.Context, status RequestStatus) {
	_, span := observability.StartSpan(ctx, "scheduler.report_failed",
		attribute.String("request.child_id", status.ChildID),
		attribute.String("error_code", string(status.ErrorCode)),
	)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	rec, ok := e.popPendingLocked(status.ChildID, "failed")
	if !ok {
		return
	}
	rec.FailedTimestamp = now
	if status.StartedTimestamp != 0 {
		rec.StartedTimestamp = status.StartedTimestamp
	}
	e.st.FailedRequests[status.ChildID] = rec
	observability.Default.IncCounter("scheduler_callbacks_total", map[string]string{"outcome": "failed"}, 1)

	e.holdKeyLocked(rec, now, status)
}

// ReportCompleted moves the request to Completed and resets its key's
// health record to Active.
func (e *Engine) ReportCompleted(ctx context.Context, status RequestStatus) {
	_, span := observability.StartSpan(ctx, "scheduler.report_completed",
		attribute.String("request.child_id", status.ChildID),
	)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	rec, ok := e.popPendingLocked(status.ChildID, "completed")
	if !ok {
		return
	}
	rec.CompletedTimestamp = now
	if status.StartedTimestamp != 0 {
		rec.StartedTimestamp = status.StartedTimestamp
	}
	e.st.CompletedRequests[status.ChildID] = rec
	observability.Default.IncCounter("scheduler_callbacks_total", map[string]string{"outcome": "completed"}, 1)

	if rec.APIKey != nil {
		e.tracker.Reset(rec.APIKey.Identity())
	}
}

// ReportBlocked moves the request to Blocked. It is used for terminal
// error classes, content policy violations above all, that must never
// be retried automatically.
func (e *Engine) ReportBlocked(ctx context.Context, status RequestStatus) {
	_, span := observability.StartSpan(ctx, "scheduler.report_blocked",
		attribute.String("request.child_id", status.ChildID),
		attribute.String("error_code", string(status.ErrorCode)),
	)
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	rec, ok := e.popPendingLocked(status.ChildID, "blocked")
	if !ok {
		return
	}
	rec.FailedTimestamp = now
	if status.StartedTimestamp != 0 {
		rec.StartedTimestamp = status.StartedTimestamp
	}
	e.st.BlockedRequests[status.ChildID] = state.BlockedRequestRecord{
		Request:       rec,
		BlockedReason: string(status.ErrorCode),
	}
	observability.Default.IncCounter("scheduler_callbacks_total", map[string]string{"outcome": "blocked"}, 1)
}

func (e *Engine) popPendingLocked(childID, outcome string) (state.RequestRecord, bool) {
	rec, ok := e.st.PendingRequests[childID]
	if !ok {
		slog.Warn("callback for request not in pending, ignoring",
			"child_id", childID, "outcome", outcome)
		return state.RequestRecord{}, false
	}
	delete(e.st.PendingRequests, childID)
	return rec, true
}

// holdKeyLocked routes the reported error into the health tracker. An
// unassigned record, an empty error code or a key no longer in the
// registry is logged and skipped rather than tracked.
func (e *Engine) holdKeyLocked(rec state.RequestRecord, now int64, status RequestStatus) {
	if status.ErrorCode == "" {
		return
	}
	if rec.APIKey == nil {
		slog.Warn("failure reported for request without an assigned key", "child_id", rec.ChildID)
		return
	}
	identity := rec.APIKey.Identity()
	if _, ok := e.registeredKeyLocked(identity); !ok {
		slog.Warn("failure reported for key no longer in registry", "identity", identity)
		return
	}
	e.tracker.HandleErrorCode(identity, now, status.ErrorCode)
	observability.Default.IncCounter("scheduler_key_holds_total", map[string]string{"error_code": string(status.ErrorCode)}, 1)
}
