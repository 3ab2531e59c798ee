// Package api exposes the scheduler admin surface over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/schrodinger-ai/imagegen-scheduler/internal/clock"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/observability"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/scheduler"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/state"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/worker"
	"github.com/schrodinger-ai/imagegen-scheduler/pkg/genapi"
)

type Server struct {
	engine *scheduler.Engine
	pool   *worker.Pool
	clk    clock.Clock
}

func NewServer(engine *scheduler.Engine, pool *worker.Pool, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.System()
	}
	return &Server{engine: engine, pool: pool, clk: clk}
}

// Router builds the gin engine with all admin routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, observability.Default.Snapshot())
	})
	router.GET("/metrics/prometheus", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8",
			[]byte(observability.Default.RenderPrometheus()))
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/requests", s.admitRequest)
		apiGroup.GET("/requests/:partition", s.listRequests)
		apiGroup.POST("/requests/:childId/force", s.forceExecution)
		apiGroup.GET("/overloaded", s.overloaded)

		apiGroup.GET("/keys", s.listKeys)
		apiGroup.POST("/keys", s.addKeys)
		apiGroup.DELETE("/keys", s.removeKeys)
		apiGroup.GET("/keys/usage", s.keysUsage)
	}
	return router
}

func (s *Server) admitRequest(c *gin.Context) {
	var req genapi.AdmitRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.RequestID == "" || req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_id and prompt are required"})
		return
	}
	if req.ChildID == "" {
		req.ChildID = uuid.NewString()
	}
	s.pool.Register(req.RequestID, req.ChildID, req.Prompt)
	s.engine.AddRequest(c.Request.Context(), req.RequestID, req.ChildID, s.clk.Now())
	c.JSON(http.StatusAccepted, genapi.AdmitRequestResponse{RequestID: req.RequestID, ChildID: req.ChildID})
}

func (s *Server) listRequests(c *gin.Context) {
	partition := c.Param("partition")
	if partition == "blocked" {
		blocked := s.engine.BlockedRequests()
		views := make([]genapi.RequestView, 0, len(blocked))
		for _, rec := range blocked {
			view := requestView(rec.Request)
			view.BlockedReason = rec.BlockedReason
			views = append(views, view)
		}
		c.JSON(http.StatusOK, genapi.ListRequestsResponse{Partition: partition, Requests: views})
		return
	}
	switch partition {
	case scheduler.PartitionStarted, scheduler.PartitionPending, scheduler.PartitionFailed, scheduler.PartitionCompleted:
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown partition"})
		return
	}
	records := s.engine.Requests(partition)
	views := make([]genapi.RequestView, 0, len(records))
	for _, rec := range records {
		views = append(views, requestView(rec))
	}
	c.JSON(http.StatusOK, genapi.ListRequestsResponse{Partition: partition, Requests: views})
}

func (s *Server) forceExecution(c *gin.Context) {
	moved := s.engine.ForceExecution(c.Param("childId"))
	status := http.StatusOK
	if !moved {
		status = http.StatusNotFound
	}
	c.JSON(status, genapi.ForceExecutionResponse{Moved: moved})
}

func (s *Server) overloaded(c *gin.Context) {
	c.JSON(http.StatusOK, genapi.OverloadedResponse{Overloaded: s.engine.IsOverloaded()})
}

func (s *Server) listKeys(c *gin.Context) {
	keys := s.engine.AllAPIKeys()
	out := make([]genapi.APIKeyPayload, 0, len(keys))
	for _, key := range keys {
		out = append(out, keyPayload(key))
	}
	c.JSON(http.StatusOK, genapi.ListAPIKeysResponse{Keys: out})
}

func (s *Server) addKeys(c *gin.Context) {
	var req genapi.AddAPIKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "keys are required"})
		return
	}
	added, duplicates, err := s.engine.AddAPIKeys(c.Request.Context(), keyRecords(req.Keys))
	resp := genapi.AddAPIKeysResponse{
		Added:      keyPayloads(added),
		Duplicates: keyPayloads(duplicates),
	}
	if err == scheduler.ErrAllKeysDuplicate {
		resp.Error = err.Error()
		c.JSON(http.StatusConflict, resp)
		return
	}
	if err != nil {
		resp.Error = err.Error()
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) removeKeys(c *gin.Context) {
	var req genapi.RemoveAPIKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	removed, err := s.engine.RemoveAPIKeys(c.Request.Context(), keyRecords(req.Keys))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, genapi.RemoveAPIKeysResponse{Removed: keyPayloads(removed)})
}

func (s *Server) keysUsage(c *gin.Context) {
	usage := s.engine.APIKeysUsageInfo()
	out := make(map[string]genapi.APIKeyUsageView, len(usage))
	for identity, info := range usage {
		view := genapi.APIKeyUsageView{
			APIKeyIdentity: info.APIKeyIdentity,
			Attempts:       info.Attempts,
			Status:         string(info.Status),
			ErrorCode:      string(info.ErrorCode),
		}
		if info.LastUsedTimestamp != 0 {
			view.LastUsed = formatUnix(info.LastUsedTimestamp)
			view.Reactivation = formatUnix(info.ReactivationTimestamp())
		}
		out[identity] = view
	}
	c.JSON(http.StatusOK, genapi.APIKeysUsageResponse{Usage: out})
}

func requestView(rec state.RequestRecord) genapi.RequestView {
	view := genapi.RequestView{
		RequestID: rec.RequestID,
		ChildID:   rec.ChildID,
		Requested: formatUnix(rec.RequestTimestamp),
		Started:   formatUnix(rec.StartedTimestamp),
		Failed:    formatUnix(rec.FailedTimestamp),
		Completed: formatUnix(rec.CompletedTimestamp),
		Attempts:  rec.Attempts,
	}
	if rec.APIKey != nil {
		view.APIKeyIdentity = rec.APIKey.Identity()
	}
	return view
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func keyRecords(in []genapi.APIKeyPayload) []state.APIKeyRecord {
	out := make([]state.APIKeyRecord, 0, len(in))
	for _, p := range in {
		out = append(out, state.APIKeyRecord{
			Provider:    p.Provider,
			Key:         p.Key,
			URL:         p.URL,
			Description: p.Description,
			Email:       p.Email,
			Tier:        p.Tier,
			MaxQuota:    p.MaxQuota,
		})
	}
	return out
}

func keyPayloads(in []state.APIKeyRecord) []genapi.APIKeyPayload {
	out := make([]genapi.APIKeyPayload, 0, len(in))
	for _, key := range in {
		out = append(out, keyPayload(key))
	}
	return out
}

func keyPayload(key state.APIKeyRecord) genapi.APIKeyPayload {
	return genapi.APIKeyPayload{
		Provider:    key.Provider,
		Key:         key.Key,
		URL:         key.URL,
		Description: key.Description,
		Email:       key.Email,
		Tier:        key.Tier,
		MaxQuota:    key.MaxQuota,
	}
}
