// Package genapi holds the wire types of the scheduler admin API.
package genapi

type APIKeyPayload struct {
	Provider    string `json:"provider"`
	Key         string `json:"key"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Email       string `json:"email,omitempty"`
	Tier        int    `json:"tier"`
	MaxQuota    int    `json:"max_quota"`
}

type AddAPIKeysRequest struct {
	Keys []APIKeyPayload `json:"keys"`
}

type AddAPIKeysResponse struct {
	Added      []APIKeyPayload `json:"added"`
	Duplicates []APIKeyPayload `json:"duplicates"`
	Error      string          `json:"error,omitempty"`
}

type RemoveAPIKeysRequest struct {
	Keys []APIKeyPayload `json:"keys"`
}

type RemoveAPIKeysResponse struct {
	Removed []APIKeyPayload `json:"removed"`
}

type ListAPIKeysResponse struct {
	Keys []APIKeyPayload `json:"keys"`
}

type APIKeyUsageView struct {
	APIKeyIdentity string `json:"api_key_identity"`
	LastUsed       string `json:"last_used,omitempty"`
	Attempts       int    `json:"attempts"`
	Status         string `json:"status"`
	ErrorCode      string `json:"error_code,omitempty"`
	Reactivation   string `json:"reactivation,omitempty"`
}

type APIKeysUsageResponse struct {
	Usage map[string]APIKeyUsageView `json:"usage"`
}

type AdmitRequestRequest struct {
	RequestID string `json:"request_id"`
	ChildID   string `json:"child_id,omitempty"`
	Prompt    string `json:"prompt"`
}

type AdmitRequestResponse struct {
	RequestID string `json:"request_id"`
	ChildID   string `json:"child_id"`
}

// RequestView is the display form of a ledger record; timestamps are
// RFC3339 and omitted when unset.
type RequestView struct {
	RequestID      string `json:"request_id"`
	ChildID        string `json:"child_id"`
	Requested      string `json:"requested,omitempty"`
	Started        string `json:"started,omitempty"`
	Failed         string `json:"failed,omitempty"`
	Completed      string `json:"completed,omitempty"`
	Attempts       int    `json:"attempts"`
	APIKeyIdentity string `json:"api_key_identity,omitempty"`
	BlockedReason  string `json:"blocked_reason,omitempty"`
}

type ListRequestsResponse struct {
	Partition string        `json:"partition"`
	Requests  []RequestView `json:"requests"`
}

type ForceExecutionResponse struct {
	Moved bool `json:"moved"`
}

type OverloadedResponse struct {
	Overloaded bool `json:"overloaded"`
}
