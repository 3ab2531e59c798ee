package state

// APIKeyRecord is a registry entry for one provider API key.
type APIKeyRecord struct {
	Provider    string `json:"provider"`
	Key         string `json:"key"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Email       string `json:"email,omitempty"`
	Tier        int    `json:"tier"`
	MaxQuota    int    `json:"max_quota"`
}

// Identity derives the opaque key identity used everywhere a key must
// be referenced by value. It is a deterministic concatenation, so two
// entries with the same provider, key material and URL collide.
func (k APIKeyRecord) Identity() string {
	return k.Provider + k.Key + k.URL
}

// RequestRecord tracks one image generation request (a child job of a
// parent request). Timestamps are unix seconds; zero means unset.
type RequestRecord struct {
	RequestID          string        `json:"request_id"`
	ChildID            string        `json:"child_id"`
	RequestTimestamp   int64         `json:"request_timestamp"`
	StartedTimestamp   int64         `json:"started_timestamp"`
	FailedTimestamp    int64         `json:"failed_timestamp"`
	CompletedTimestamp int64         `json:"completed_timestamp"`
	Attempts           int           `json:"attempts"`
	APIKey             *APIKeyRecord `json:"api_key,omitempty"`
}

// BlockedRequestRecord is a terminal request plus the reason it was
// taken out of rotation. Blocked requests are only retried through a
// manual force-execution call.
type BlockedRequestRecord struct {
	Request       RequestRecord `json:"request"`
	BlockedReason string        `json:"blocked_reason"`
}

// SchedulerState is the full durable aggregate: the five ledger
// partitions plus the API key registry. Key health is deliberately not
// part of it; holds reset on process restart.
type SchedulerState struct {
	StartedRequests   map[string]RequestRecord        `json:"started_requests"`
	PendingRequests   map[string]RequestRecord        `json:"pending_requests"`
	FailedRequests    map[string]RequestRecord        `json:"failed_requests"`
	CompletedRequests map[string]RequestRecord        `json:"completed_requests"`
	BlockedRequests   map[string]BlockedRequestRecord `json:"blocked_requests"`
	APIKeys           []APIKeyRecord                  `json:"api_keys"`
}

// NewSchedulerState returns an empty aggregate with all partitions
// allocated.
func NewSchedulerState() SchedulerState {
	return SchedulerState{
		StartedRequests:   make(map[string]RequestRecord),
		PendingRequests:   make(map[string]RequestRecord),
		FailedRequests:    make(map[string]RequestRecord),
		CompletedRequests: make(map[string]RequestRecord),
		BlockedRequests:   make(map[string]BlockedRequestRecord),
	}
}

// Clone deep-copies the aggregate so a flush can serialize it without
// holding the scheduler lock.
func (s SchedulerState) Clone() SchedulerState {
	out := SchedulerState{
		StartedRequests:   cloneRequests(s.StartedRequests),
		PendingRequests:   cloneRequests(s.PendingRequests),
		FailedRequests:    cloneRequests(s.FailedRequests),
		CompletedRequests: cloneRequests(s.CompletedRequests),
		BlockedRequests:   make(map[string]BlockedRequestRecord, len(s.BlockedRequests)),
		APIKeys:           make([]APIKeyRecord, len(s.APIKeys)),
	}
	for id, b := range s.BlockedRequests {
		b.Request = cloneRequest(b.Request)
		out.BlockedRequests[id] = b
	}
	copy(out.APIKeys, s.APIKeys)
	return out
}

func cloneRequests(in map[string]RequestRecord) map[string]RequestRecord {
	out := make(map[string]RequestRecord, len(in))
	for id, r := range in {
		out[id] = cloneRequest(r)
	}
	return out
}

func cloneRequest(r RequestRecord) RequestRecord {
	if r.APIKey != nil {
		key := *r.APIKey
		r.APIKey = &key
	}
	return r
}
