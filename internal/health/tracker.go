// Package health tracks per-API-key transient status. It is runtime
// state only: holds accumulate while the process runs and reset on
// restart, which keeps stale holds from surviving indefinitely.
package health

import "log/slog"

// ErrorCode classifies provider failures reported by workers.
type ErrorCode string

const (
	ErrNone                   ErrorCode = ""
	ErrRateLimitReached       ErrorCode = "rate_limit_reached"
	ErrInvalidAPIKey          ErrorCode = "invalid_api_key"
	ErrEngineUnavailable      ErrorCode = "engine_unavailable"
	ErrBadRequest             ErrorCode = "bad_request"
	ErrInternalError          ErrorCode = "internal_error"
	ErrContentPolicyViolation ErrorCode = "content_policy_violation"
)

// Status is the scheduling eligibility of a key.
type Status string

const (
	StatusActive Status = "active"
	StatusOnHold Status = "on_hold"
)

const (
	rateLimitHoldSeconds  = 120
	invalidKeyHoldSeconds = 86400
	genericHoldCapSeconds = 27
)

// UsageInfo is the tracked health record for one key.
type UsageInfo struct {
	APIKeyIdentity    string    `json:"api_key_identity"`
	LastUsedTimestamp int64     `json:"last_used_timestamp"`
	Attempts          int       `json:"attempts"`
	Status            Status    `json:"status"`
	ErrorCode         ErrorCode `json:"error_code,omitempty"`
}

// ReactivationTimestamp is the earliest unix second at which an OnHold
// key may be offered for scheduling again. Rate-limit and invalid-key
// holds use fixed waits; everything else backs off as min(3^attempts, 27).
func (u UsageInfo) ReactivationTimestamp() int64 {
	switch u.ErrorCode {
	case ErrRateLimitReached:
		return u.LastUsedTimestamp + rateLimitHoldSeconds
	case ErrInvalidAPIKey:
		return u.LastUsedTimestamp + invalidKeyHoldSeconds
	default:
		wait := int64(1)
		for i := 0; i < u.Attempts && wait < genericHoldCapSeconds; i++ {
			wait *= 3
		}
		if wait > genericHoldCapSeconds {
			wait = genericHoldCapSeconds
		}
		return u.LastUsedTimestamp + wait
	}
}

// Tracker holds usage records keyed by API key identity. It carries no
// lock of its own: the scheduler owns it and serializes all access.
type Tracker struct {
	usage map[string]*UsageInfo
}

func NewTracker() *Tracker {
	return &Tracker{usage: make(map[string]*UsageInfo)}
}

// HandleErrorCode creates or updates the usage record after a failed
// provider call. Rate-limit and invalid-key errors reset attempts to 1
// (their holds are fixed-length); other classes increment so the
// generic backoff grows. Callers gate on registry membership; an empty
// code is a no-op.
func (t *Tracker) HandleErrorCode(identity string, lastUsed int64, code ErrorCode) {
	if code == ErrNone {
		return
	}
	info, ok := t.usage[identity]
	if !ok {
		info = &UsageInfo{APIKeyIdentity: identity}
		t.usage[identity] = info
	}
	switch code {
	case ErrRateLimitReached, ErrInvalidAPIKey:
		info.Attempts = 1
	default:
		info.Attempts++
	}
	info.LastUsedTimestamp = lastUsed
	info.Status = StatusOnHold
	info.ErrorCode = code
	slog.Warn("api key placed on hold",
		"identity", identity,
		"error_code", string(code),
		"attempts", info.Attempts,
		"reactivation", info.ReactivationTimestamp())
}

// Reset clears the usage record after a successful completion with the
// key, forcing it back to Active.
func (t *Tracker) Reset(identity string) {
	info, ok := t.usage[identity]
	if !ok {
		slog.Warn("reset requested for api key with no usage info", "identity", identity)
		return
	}
	info.Attempts = 0
	info.LastUsedTimestamp = 0
	info.Status = StatusActive
	info.ErrorCode = ErrNone
}

// UpdateStatuses flips OnHold keys back to Active once their
// reactivation timestamp has passed. Returns the identities it
// reactivated.
func (t *Tracker) UpdateStatuses(now int64) []string {
	var reactivated []string
	for identity, info := range t.usage {
		if info.Status == StatusOnHold && info.ReactivationTimestamp() < now {
			info.Status = StatusActive
			reactivated = append(reactivated, identity)
		}
	}
	return reactivated
}

// OnHold reports whether the key is currently held.
func (t *Tracker) OnHold(identity string) bool {
	info, ok := t.usage[identity]
	return ok && info.Status == StatusOnHold
}

// Snapshot copies all tracked records for read-only display.
func (t *Tracker) Snapshot() map[string]UsageInfo {
	out := make(map[string]UsageInfo, len(t.usage))
	for identity, info := range t.usage {
		out[identity] = *info
	}
	return out
}
