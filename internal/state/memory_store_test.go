package state

import (
	"context"
	"testing"
)

func sampleState() SchedulerState {
	st := NewSchedulerState()
	key := APIKeyRecord{Provider: "prov", Key: "k1", URL: "https://api.example.com", MaxQuota: 3}
	st.APIKeys = append(st.APIKeys, key)
	st.StartedRequests["c1"] = RequestRecord{RequestID: "p1", ChildID: "c1", RequestTimestamp: 100}
	st.PendingRequests["c2"] = RequestRecord{RequestID: "p1", ChildID: "c2", RequestTimestamp: 100, StartedTimestamp: 110, Attempts: 1, APIKey: &key}
	st.FailedRequests["c3"] = RequestRecord{RequestID: "p2", ChildID: "c3", FailedTimestamp: 120, Attempts: 2, APIKey: &key}
	st.CompletedRequests["c4"] = RequestRecord{RequestID: "p2", ChildID: "c4", CompletedTimestamp: 130, APIKey: &key}
	st.BlockedRequests["c5"] = BlockedRequestRecord{
		Request:       RequestRecord{RequestID: "p3", ChildID: "c5", FailedTimestamp: 140},
		BlockedReason: "content_policy_violation",
	}
	return st
}

func TestMemoryStoreEmptyLoad(t *testing.T) {
	store := NewMemoryStore()
	_, ok, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("fresh store reported saved state")
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Save(ctx, sampleState()); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("load found no state after save")
	}
	if len(got.APIKeys) != 1 || got.APIKeys[0].Key != "k1" {
		t.Fatalf("api keys = %+v", got.APIKeys)
	}
	if got.PendingRequests["c2"].Attempts != 1 {
		t.Fatalf("pending record = %+v", got.PendingRequests["c2"])
	}
	if got.BlockedRequests["c5"].BlockedReason != "content_policy_violation" {
		t.Fatalf("blocked record = %+v", got.BlockedRequests["c5"])
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	original := sampleState()
	if err := store.Save(ctx, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutating the caller's copy after save must not leak into the store.
	original.StartedRequests["c1"] = RequestRecord{RequestID: "tampered", ChildID: "c1"}
	original.APIKeys[0].MaxQuota = 999

	got, _, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.StartedRequests["c1"].RequestID != "p1" {
		t.Fatalf("store returned tampered record: %+v", got.StartedRequests["c1"])
	}
	if got.APIKeys[0].MaxQuota != 3 {
		t.Fatalf("store returned tampered key: %+v", got.APIKeys[0])
	}

	// And mutating a loaded snapshot must not leak either.
	got.APIKeys[0].MaxQuota = 7
	again, _, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if again.APIKeys[0].MaxQuota != 3 {
		t.Fatalf("loaded snapshot shares memory with the store")
	}
}

func TestCloneSharesNoAPIKeyPointers(t *testing.T) {
	st := sampleState()
	cp := st.Clone()

	cp.PendingRequests["c2"].APIKey.MaxQuota = 42
	if st.PendingRequests["c2"].APIKey.MaxQuota == 42 {
		t.Fatalf("clone shares api key pointers with the original")
	}
}
