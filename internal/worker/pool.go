// Package worker implements the worker side of the scheduling
// contract: a pool of per-request handles that run the image
// generation once the scheduler assigns an API key, store the produced
// image, and report the outcome back through the callback surface.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/schrodinger-ai/imagegen-scheduler/internal/clock"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/health"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/scheduler"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/state"
)

// Generator performs the provider call for one request. Provider
// failures should be returned as *GenerationError so they map onto the
// scheduler's error classes; any other error is treated as an internal
// error.
type Generator interface {
	Generate(ctx context.Context, prompt string, key state.APIKeyRecord) ([]byte, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, key state.APIKeyRecord) ([]byte, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, key state.APIKeyRecord) ([]byte, error) {
	return f(ctx, prompt, key)
}

// GenerationError carries the provider error class alongside the
// message.
type GenerationError struct {
	Code    health.ErrorCode
	Message string
}

func (e *GenerationError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Receiver is the scheduler's callback surface. The engine satisfies
// it.
type Receiver interface {
	ReportCompleted(ctx context.Context, status scheduler.RequestStatus)
	ReportFailed(ctx context.Context, status scheduler.RequestStatus)
	ReportBlocked(ctx context.Context, status scheduler.RequestStatus)
}

type request struct {
	parentID string
	prompt   string
}

type PoolOptions struct {
	Clock     clock.Clock
	Generator Generator
	Artifacts ArtifactStore
}

// Pool resolves child request ids to worker handles. It implements
// scheduler.WorkerResolver.
type Pool struct {
	mu        sync.Mutex
	clk       clock.Clock
	gen       Generator
	artifacts ArtifactStore
	receiver  Receiver
	requests  map[string]request
}

func NewPool(opts PoolOptions) *Pool {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	gen := opts.Generator
	if gen == nil {
		gen = Placeholder()
	}
	artifacts := opts.Artifacts
	if artifacts == nil {
		artifacts = NewLocalArtifactStore("./data/images")
	}
	return &Pool{
		clk:       clk,
		gen:       gen,
		artifacts: artifacts,
		requests:  make(map[string]request),
	}
}

// SetReceiver wires the callback target. The pool and the engine
// reference each other, so this runs after both are constructed.
func (p *Pool) SetReceiver(r Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receiver = r
}

// Register makes the pool able to serve a child request. Prompts stay
// registered across retries and holds; they are dropped on completion.
func (p *Pool) Register(parentID, childID, prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests[childID] = request{parentID: parentID, prompt: prompt}
}

// Worker resolves the handle for a child id.
func (p *Pool) Worker(childID string) (scheduler.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.requests[childID]; !ok {
		return nil, false
	}
	return &handle{pool: p, childID: childID}, true
}

type handle struct {
	pool    *Pool
	childID string
}

// SetAPIKey starts the generation in the background; the scheduler
// never blocks on it and learns the outcome through the receiver.
func (h *handle) SetAPIKey(ctx context.Context, childID string, key state.APIKeyRecord) {
	go h.pool.run(context.WithoutCancel(ctx), childID, key)
}

func (p *Pool) run(ctx context.Context, childID string, key state.APIKeyRecord) {
	p.mu.Lock()
	req, ok := p.requests[childID]
	receiver := p.receiver
	p.mu.Unlock()
	if receiver == nil {
		slog.Error("worker pool has no receiver wired", "child_id", childID)
		return
	}
	started := p.clk.Now()
	if !ok {
		receiver.ReportFailed(ctx, scheduler.RequestStatus{
			ChildID:          childID,
			StartedTimestamp: started,
			ErrorCode:        health.ErrInternalError,
		})
		return
	}

	image, err := p.gen.Generate(ctx, req.prompt, key)
	if err != nil {
		p.reportError(ctx, childID, started, err, receiver)
		return
	}

	uri, err := p.artifacts.Save(ctx, childID, image)
	if err != nil {
		slog.Error("storing generated image failed", "child_id", childID, "error", err)
		receiver.ReportFailed(ctx, scheduler.RequestStatus{
			ChildID:          childID,
			StartedTimestamp: started,
			ErrorCode:        health.ErrInternalError,
		})
		return
	}
	slog.Info("image generated", "child_id", childID, "artifact", uri)

	p.mu.Lock()
	delete(p.requests, childID)
	p.mu.Unlock()
	receiver.ReportCompleted(ctx, scheduler.RequestStatus{
		ChildID:          childID,
		StartedTimestamp: started,
	})
}

func (p *Pool) reportError(ctx context.Context, childID string, started int64, err error, receiver Receiver) {
	code := health.ErrInternalError
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		code = genErr.Code
	}
	slog.Warn("image generation failed", "child_id", childID, "error_code", string(code), "error", err)
	status := scheduler.RequestStatus{
		ChildID:          childID,
		StartedTimestamp: started,
		ErrorCode:        code,
	}
	if code == health.ErrContentPolicyViolation {
		// Prompt stays registered: a blocked request can be forced back
		// into rotation manually.
		receiver.ReportBlocked(ctx, status)
		return
	}
	receiver.ReportFailed(ctx, status)
}
