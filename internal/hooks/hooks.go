// Package hooks implements the before/after pipeline wrapped around every
// model call and every tool call. Hooks are the only producers of
// per-invocation events; executing components never publish those directly.
package hooks

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/workforce/internal/provider"
)

// ModelCallContext is the ephemeral record passed through the pipeline for
// one model invocation. Before-hooks see the pre-call fields; after-hooks
// additionally see timing, usage and any error. Never stored.
type ModelCallContext struct {
	AgentID   string
	AgentName string
	TaskID    string
	Model     string
	Iteration int
	Messages  []provider.Message
	Timestamp time.Time

	// After phase.
	DurationMS int64
	Usage      provider.Usage
	Err        error
}

// ToolCallContext is the tool-call counterpart of ModelCallContext.
type ToolCallContext struct {
	AgentID   string
	AgentName string
	TaskID    string
	ToolName  string
	Method    string
	ToolArgs  map[string]any
	Timestamp time.Time

	// After phase.
	Success    bool
	DurationMS int64
	Result     any
	Err        error
}

// ModelHook observes or vetoes a model call. A before-hook returning false
// vetoes the call; the return value of after-hooks is ignored.
type ModelHook func(*ModelCallContext) bool

// ToolHook is the tool-call counterpart of ModelHook.
type ToolHook func(*ToolCallContext) bool

// VetoError marks an invocation skipped by a before-hook. After-hooks see
// it as the call's error.
type VetoError struct {
	Hook string
}

func (e *VetoError) Error() string {
	return fmt.Sprintf("invocation vetoed by hook %q", e.Hook)
}

type namedModelHook struct {
	name string
	fn   ModelHook
}

type namedToolHook struct {
	name string
	fn   ToolHook
}

// Registry holds the global and per-agent hook lists. It lives on the
// process Runtime, not in package state, so tests stay isolable.
// Registration takes the write lock; invocation snapshots the lists so no
// lock is held during callbacks.
type Registry struct {
	mu     sync.RWMutex
	logger *slog.Logger

	beforeModel []namedModelHook
	afterModel  []namedModelHook
	beforeTool  []namedToolHook
	afterTool   []namedToolHook

	agentBeforeModel map[string][]namedModelHook
	agentAfterModel  map[string][]namedModelHook
	agentBeforeTool  map[string][]namedToolHook
	agentAfterTool   map[string][]namedToolHook
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:           logger,
		agentBeforeModel: make(map[string][]namedModelHook),
		agentAfterModel:  make(map[string][]namedModelHook),
		agentBeforeTool:  make(map[string][]namedToolHook),
		agentAfterTool:   make(map[string][]namedToolHook),
	}
}

// RegisterBeforeModelCall adds a global before-model hook. The returned func
// removes it.
func (r *Registry) RegisterBeforeModelCall(name string, fn ModelHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeModel = append(r.beforeModel, namedModelHook{name, fn})
	return func() { r.removeModel(&r.beforeModel, name) }
}

// RegisterAfterModelCall adds a global after-model hook.
func (r *Registry) RegisterAfterModelCall(name string, fn ModelHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterModel = append(r.afterModel, namedModelHook{name, fn})
	return func() { r.removeModel(&r.afterModel, name) }
}

// RegisterBeforeToolCall adds a global before-tool hook.
func (r *Registry) RegisterBeforeToolCall(name string, fn ToolHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeTool = append(r.beforeTool, namedToolHook{name, fn})
	return func() { r.removeTool(&r.beforeTool, name) }
}

// RegisterAfterToolCall adds a global after-tool hook.
func (r *Registry) RegisterAfterToolCall(name string, fn ToolHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterTool = append(r.afterTool, namedToolHook{name, fn})
	return func() { r.removeTool(&r.afterTool, name) }
}

// RegisterAgentBeforeModelCall adds a before-model hook scoped to one agent,
// run after the global list.
func (r *Registry) RegisterAgentBeforeModelCall(agentID, name string, fn ModelHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentBeforeModel[agentID] = append(r.agentBeforeModel[agentID], namedModelHook{name, fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.agentBeforeModel[agentID]
		r.agentBeforeModel[agentID] = filterModel(list, name)
	}
}

// RegisterAgentAfterModelCall adds an after-model hook scoped to one agent.
func (r *Registry) RegisterAgentAfterModelCall(agentID, name string, fn ModelHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentAfterModel[agentID] = append(r.agentAfterModel[agentID], namedModelHook{name, fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.agentAfterModel[agentID]
		r.agentAfterModel[agentID] = filterModel(list, name)
	}
}

func (r *Registry) removeModel(list *[]namedModelHook, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*list = filterModel(*list, name)
}

func (r *Registry) removeTool(list *[]namedToolHook, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*list = filterTool(*list, name)
}

func filterModel(list []namedModelHook, name string) []namedModelHook {
	out := list[:0]
	for _, h := range list {
		if h.name != name {
			out = append(out, h)
		}
	}
	return out
}

func filterTool(list []namedToolHook, name string) []namedToolHook {
	out := list[:0]
	for _, h := range list {
		if h.name != name {
			out = append(out, h)
		}
	}
	return out
}

// RunBeforeModel executes global then agent-scoped before-model hooks in
// registration order. A hook returning false vetoes the call: subsequent
// before-hooks are skipped and the veto is returned. Hook panics are logged
// and do not veto.
func (r *Registry) RunBeforeModel(ctx *ModelCallContext) *VetoError {
	r.mu.RLock()
	global := snapshotModel(r.beforeModel)
	scoped := snapshotModel(r.agentBeforeModel[ctx.AgentID])
	r.mu.RUnlock()

	for _, h := range append(global, scoped...) {
		if !r.safeModel(h, ctx) {
			r.logger.Info("model call vetoed", "hook", h.name, "agent_id", ctx.AgentID, "task_id", ctx.TaskID)
			return &VetoError{Hook: h.name}
		}
	}
	return nil
}

// RunAfterModel executes global then agent-scoped after-model hooks. Runs on
// every terminated call including vetoed ones (ctx.Err carries the veto).
func (r *Registry) RunAfterModel(ctx *ModelCallContext) {
	r.mu.RLock()
	global := snapshotModel(r.afterModel)
	scoped := snapshotModel(r.agentAfterModel[ctx.AgentID])
	r.mu.RUnlock()

	for _, h := range append(global, scoped...) {
		r.safeModel(h, ctx)
	}
}

// RunBeforeTool mirrors RunBeforeModel for tool calls.
func (r *Registry) RunBeforeTool(ctx *ToolCallContext) *VetoError {
	r.mu.RLock()
	global := snapshotTool(r.beforeTool)
	scoped := snapshotTool(r.agentBeforeTool[ctx.AgentID])
	r.mu.RUnlock()

	for _, h := range append(global, scoped...) {
		if !r.safeTool(h, ctx) {
			r.logger.Info("tool call vetoed", "hook", h.name, "agent_id", ctx.AgentID, "tool", ctx.ToolName)
			return &VetoError{Hook: h.name}
		}
	}
	return nil
}

// RunAfterTool mirrors RunAfterModel for tool calls.
func (r *Registry) RunAfterTool(ctx *ToolCallContext) {
	r.mu.RLock()
	global := snapshotTool(r.afterTool)
	scoped := snapshotTool(r.agentAfterTool[ctx.AgentID])
	r.mu.RUnlock()

	for _, h := range append(global, scoped...) {
		r.safeTool(h, ctx)
	}
}

func snapshotModel(list []namedModelHook) []namedModelHook {
	out := make([]namedModelHook, len(list))
	copy(out, list)
	return out
}

func snapshotTool(list []namedToolHook) []namedToolHook {
	out := make([]namedToolHook, len(list))
	copy(out, list)
	return out
}

func (r *Registry) safeModel(h namedModelHook, ctx *ModelCallContext) (proceed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("model hook panicked", "hook", h.name, "panic", rec)
			proceed = true
		}
	}()
	return h.fn(ctx)
}

func (r *Registry) safeTool(h namedToolHook, ctx *ToolCallContext) (proceed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool hook panicked", "hook", h.name, "panic", rec)
			proceed = true
		}
	}()
	return h.fn(ctx)
}
