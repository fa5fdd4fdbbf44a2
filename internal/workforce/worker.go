package workforce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/workforce/internal/hooks"
	"github.com/basket/workforce/internal/provider"
)

// MemoryEntry is one workflow-memory record: a summary of a prior task
// executed by the same worker within the session.
type MemoryEntry struct {
	TaskID          string    `json:"task_id"`
	TaskDescription string    `json:"task_description"`
	Result          string    `json:"result"`
	WorkerID        string    `json:"worker_id"`
	Timestamp       time.Time `json:"timestamp"`
}

// AttemptRecord is one entry of a worker's attempt history.
type AttemptRecord struct {
	TaskID    string
	Success   bool
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// Toolkit is the invocation contract for externally supplied tools. Only the
// contract matters here; implementations are injected.
type Toolkit interface {
	Name() string
	Invoke(ctx context.Context, method string, args map[string]any) (any, error)
}

// Worker binds a role and capability set to a model provider. Workers live
// for the session; the scheduler dispatches at most one subtask at a time
// through each worker slot but the Worker itself tolerates concurrent use.
type Worker struct {
	ID           string
	Name         string
	Role         string
	Description  string
	Capabilities []string

	client provider.ModelClient
	model  string
	reg    *hooks.Registry
	logger *slog.Logger

	memLimit int

	mu       sync.Mutex
	memory   []MemoryEntry
	attempts []AttemptRecord
}

// WorkerSpec configures a new worker.
type WorkerSpec struct {
	ID           string
	Name         string
	Role         string
	Description  string
	Capabilities []string
	Model        string

	// WorkflowMemorySize bounds the memory FIFO; 0 disables workflow memory.
	WorkflowMemorySize int
}

// NewWorker creates a worker. CREATE_WORKER workers start with an empty
// workflow memory; nothing is inherited from existing workers.
func NewWorker(spec WorkerSpec, client provider.ModelClient, reg *hooks.Registry, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	desc := spec.Description
	if desc == "" {
		desc = spec.Role
	}
	return &Worker{
		ID:           spec.ID,
		Name:         spec.Name,
		Role:         spec.Role,
		Description:  desc,
		Capabilities: append([]string{}, spec.Capabilities...),
		client:       client,
		model:        spec.Model,
		reg:          reg,
		logger:       logger,
		memLimit:     spec.WorkflowMemorySize,
	}
}

// Info renders the worker line used in planner and coordinator prompts.
func (w *Worker) Info() string {
	return fmt.Sprintf("%s: %s: %s", w.ID, w.Description, w.Role)
}

// Process runs one subtask end-to-end. All provider failures are reduced to
// an unsuccessful TaskResult; Process never returns an error to the
// scheduler.
func (w *Worker) Process(ctx context.Context, task *Task, parentContent string, depResults map[string]TaskResult) TaskResult {
	start := time.Now()

	if parentContent != "" {
		task.SetContext("parent_task", parentContent)
	}
	if len(depResults) > 0 {
		deps := make(map[string]string, len(depResults))
		for id, r := range depResults {
			deps[id] = r.Output
		}
		task.SetContext("dependency_results", deps)
	}
	if w.memLimit > 0 {
		task.SetContext("workflow_memory", w.Memory())
	}

	output, _, err := w.invokeModel(ctx, task)
	duration := time.Since(start)

	attempt := AttemptRecord{
		TaskID:    task.ID,
		Success:   err == nil,
		Duration:  duration,
		Timestamp: time.Now(),
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	w.recordAttempt(attempt)

	if err != nil {
		w.logger.Warn("task processing failed", "worker_id", w.ID, "task_id", task.ID, "error", err)
		return TaskResult{
			TaskID:     task.ID,
			WorkerID:   w.ID,
			Success:    false,
			Error:      err.Error(),
			Output:     fmt.Sprintf("Task failed: %s", err.Error()),
			DurationMS: duration.Milliseconds(),
			Timestamp:  time.Now(),
		}
	}

	if w.memLimit > 0 {
		w.pushMemory(MemoryEntry{
			TaskID:          task.ID,
			TaskDescription: task.Description,
			Result:          output,
			WorkerID:        w.ID,
			Timestamp:       time.Now(),
		})
	}

	return TaskResult{
		TaskID:     task.ID,
		WorkerID:   w.ID,
		Success:    true,
		Output:     output,
		DurationMS: duration.Milliseconds(),
		Timestamp:  time.Now(),
	}
}

// invokeModel dispatches the model call through the hook pipeline. A veto
// terminates the call; its after-hook sees the veto as the error.
func (w *Worker) invokeModel(ctx context.Context, task *Task) (string, provider.Usage, error) {
	req := provider.Request{
		System: w.systemPrompt(),
		Prompt: w.taskPrompt(task),
		Model:  w.model,
	}

	hctx := &hooks.ModelCallContext{
		AgentID:   w.ID,
		AgentName: w.Name,
		TaskID:    task.ID,
		Model:     w.model,
		Iteration: 1,
		Messages:  []provider.Message{{Role: "user", Content: req.Prompt}},
		Timestamp: time.Now(),
	}

	start := time.Now()
	if veto := w.reg.RunBeforeModel(hctx); veto != nil {
		hctx.Err = veto
		hctx.DurationMS = time.Since(start).Milliseconds()
		w.reg.RunAfterModel(hctx)
		return "", provider.Usage{}, veto
	}

	resp, err := w.client.Complete(ctx, req)
	hctx.DurationMS = time.Since(start).Milliseconds()
	hctx.Err = err
	if resp != nil {
		hctx.Usage = resp.Usage
	}
	w.reg.RunAfterModel(hctx)

	if err != nil {
		return "", provider.Usage{}, err
	}
	return resp.Text, resp.Usage, nil
}

// CallTool runs a toolkit invocation through the hook pipeline. Vetoed calls
// return the veto as the error with after-hooks still notified.
func (w *Worker) CallTool(ctx context.Context, taskID string, tk Toolkit, method string, args map[string]any) (any, error) {
	hctx := &hooks.ToolCallContext{
		AgentID:   w.ID,
		AgentName: w.Name,
		TaskID:    taskID,
		ToolName:  tk.Name(),
		Method:    method,
		ToolArgs:  args,
		Timestamp: time.Now(),
	}

	start := time.Now()
	if veto := w.reg.RunBeforeTool(hctx); veto != nil {
		hctx.Err = veto
		hctx.Success = false
		hctx.DurationMS = time.Since(start).Milliseconds()
		w.reg.RunAfterTool(hctx)
		return nil, veto
	}

	result, err := tk.Invoke(ctx, method, args)
	hctx.DurationMS = time.Since(start).Milliseconds()
	hctx.Result = result
	hctx.Err = err
	hctx.Success = err == nil
	w.reg.RunAfterTool(hctx)

	return result, err
}

func (w *Worker) systemPrompt() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a %s.", w.nameOrID(), w.Role)
	if len(w.Capabilities) > 0 {
		fmt.Fprintf(&sb, " Capabilities: %s.", strings.Join(w.Capabilities, ", "))
	}
	sb.WriteString(" Complete the assigned task and reply with the result only.")
	return sb.String()
}

func (w *Worker) taskPrompt(task *Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task.Description)
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&sb, "Expected output: %s\n", task.ExpectedOutput)
	}
	if parent, ok := task.Context["parent_task"].(string); ok && parent != "" {
		fmt.Fprintf(&sb, "\nThis task is part of a larger goal:\n%s\n", parent)
	}
	if deps, ok := task.Context["dependency_results"].(map[string]string); ok && len(deps) > 0 {
		sb.WriteString("\nResults from prerequisite tasks:\n")
		for id, out := range deps {
			fmt.Fprintf(&sb, "- %s: %s\n", id, out)
		}
	}
	if mem, ok := task.Context["workflow_memory"].([]MemoryEntry); ok && len(mem) > 0 {
		sb.WriteString("\nRecent work by this agent:\n")
		for _, m := range mem {
			fmt.Fprintf(&sb, "- %s: %s\n", m.TaskDescription, m.Result)
		}
	}
	return sb.String()
}

func (w *Worker) nameOrID() string {
	if w.Name != "" {
		return w.Name
	}
	return w.ID
}

func (w *Worker) pushMemory(e MemoryEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.memory = append(w.memory, e)
	if len(w.memory) > w.memLimit {
		w.memory = w.memory[len(w.memory)-w.memLimit:]
	}
}

// Memory returns a copy of the workflow-memory FIFO, oldest first.
func (w *Worker) Memory() []MemoryEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]MemoryEntry, len(w.memory))
	copy(out, w.memory)
	return out
}

// Attempts returns a copy of the attempt history, oldest first.
func (w *Worker) Attempts() []AttemptRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]AttemptRecord, len(w.attempts))
	copy(out, w.attempts)
	return out
}

func (w *Worker) recordAttempt(a AttemptRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts = append(w.attempts, a)
}
