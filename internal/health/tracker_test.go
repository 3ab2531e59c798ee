package health

import "testing"

func TestHandleErrorCodeRateLimit(t *testing.T) {
	tr := NewTracker()
	tr.HandleErrorCode("key-1", 100, ErrRateLimitReached)

	info := tr.Snapshot()["key-1"]
	if info.Status != StatusOnHold {
		t.Fatalf("status = %q, want on hold", info.Status)
	}
	if info.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", info.Attempts)
	}
	if got := info.ReactivationTimestamp(); got != 220 {
		t.Fatalf("reactivation = %d, want 220", got)
	}

	// Repeated rate limits keep attempts pinned at 1.
	tr.HandleErrorCode("key-1", 300, ErrRateLimitReached)
	info = tr.Snapshot()["key-1"]
	if info.Attempts != 1 {
		t.Fatalf("attempts after repeat = %d, want 1", info.Attempts)
	}
	if got := info.ReactivationTimestamp(); got != 420 {
		t.Fatalf("reactivation after repeat = %d, want 420", got)
	}
}

func TestHandleErrorCodeInvalidKey(t *testing.T) {
	tr := NewTracker()
	tr.HandleErrorCode("key-1", 1000, ErrInvalidAPIKey)

	info := tr.Snapshot()["key-1"]
	if got := info.ReactivationTimestamp(); got != 1000+86400 {
		t.Fatalf("reactivation = %d, want lastUsed+86400", got)
	}
}

func TestHandleErrorCodeGenericBackoff(t *testing.T) {
	tr := NewTracker()
	wants := []int64{3, 9, 27, 27, 27}
	for i, want := range wants {
		tr.HandleErrorCode("key-1", 0, ErrEngineUnavailable)
		info := tr.Snapshot()["key-1"]
		if info.Attempts != i+1 {
			t.Fatalf("attempts = %d after %d failures", info.Attempts, i+1)
		}
		if got := info.ReactivationTimestamp(); got != want {
			t.Fatalf("reactivation = %d after %d failures, want %d", got, i+1, want)
		}
	}
}

func TestHandleErrorCodeEmptyIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.HandleErrorCode("key-1", 100, ErrNone)
	if len(tr.Snapshot()) != 0 {
		t.Fatalf("empty error code created a usage record")
	}
}

func TestGenericThenRateLimitResetsAttempts(t *testing.T) {
	tr := NewTracker()
	tr.HandleErrorCode("key-1", 0, ErrInternalError)
	tr.HandleErrorCode("key-1", 0, ErrInternalError)
	tr.HandleErrorCode("key-1", 0, ErrRateLimitReached)

	if got := tr.Snapshot()["key-1"].Attempts; got != 1 {
		t.Fatalf("attempts = %d after rate limit, want 1", got)
	}
}

func TestUpdateStatusesBoundary(t *testing.T) {
	tr := NewTracker()
	tr.HandleErrorCode("key-1", 100, ErrRateLimitReached) // reactivation 220

	if got := tr.UpdateStatuses(220); len(got) != 0 {
		t.Fatalf("reactivated at exact timestamp: %v", got)
	}
	if !tr.OnHold("key-1") {
		t.Fatalf("key not on hold at exact reactivation timestamp")
	}

	got := tr.UpdateStatuses(221)
	if len(got) != 1 || got[0] != "key-1" {
		t.Fatalf("reactivated = %v, want [key-1]", got)
	}
	if tr.OnHold("key-1") {
		t.Fatalf("key still on hold after reactivation")
	}
}

func TestResetClearsRecord(t *testing.T) {
	tr := NewTracker()
	tr.HandleErrorCode("key-1", 100, ErrEngineUnavailable)
	tr.Reset("key-1")

	info := tr.Snapshot()["key-1"]
	if info.Status != StatusActive || info.Attempts != 0 || info.ErrorCode != ErrNone {
		t.Fatalf("reset left record %+v", info)
	}
	if tr.OnHold("key-1") {
		t.Fatalf("key on hold after reset")
	}
}

func TestResetUnknownKeyIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.Reset("missing")
	if len(tr.Snapshot()) != 0 {
		t.Fatalf("reset of unknown key created a record")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.HandleErrorCode("key-1", 100, ErrEngineUnavailable)

	snap := tr.Snapshot()
	record := snap["key-1"]
	record.Attempts = 99
	snap["key-1"] = record

	if got := tr.Snapshot()["key-1"].Attempts; got != 1 {
		t.Fatalf("snapshot mutation leaked into tracker: attempts = %d", got)
	}
}
