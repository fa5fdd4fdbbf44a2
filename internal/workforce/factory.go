package workforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/workforce/internal/hooks"
	"github.com/basket/workforce/internal/provider"
)

// WorkerFactory synthesises workers on demand for the CREATE_WORKER recovery
// strategy. The factory asks the model for a role and capability set matched
// to the failing task, falling back to a generalist profile when the model
// output cannot be parsed.
type WorkerFactory struct {
	client provider.ModelClient
	reg    *hooks.Registry
	logger *slog.Logger

	model     string
	memSize   int
}

func NewWorkerFactory(client provider.ModelClient, reg *hooks.Registry, logger *slog.Logger, model string, workflowMemorySize int) *WorkerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerFactory{client: client, reg: reg, logger: logger, model: model, memSize: workflowMemorySize}
}

type workerProfile struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

// CreateForTask builds a worker configured for the task's declared
// requirements. The new worker starts with empty workflow memory.
func (f *WorkerFactory) CreateForTask(ctx context.Context, task *Task, existing []*Worker) (*Worker, error) {
	profile := f.profileForTask(ctx, task, existing)
	id := "worker_" + uuid.NewString()[:8]

	w := NewWorker(WorkerSpec{
		ID:                 id,
		Name:               profile.Name,
		Role:               profile.Role,
		Description:        profile.Description,
		Capabilities:       profile.Capabilities,
		Model:              f.model,
		WorkflowMemorySize: f.memSize,
	}, f.client, f.reg, f.logger)

	f.logger.Info("created worker", "worker_id", id, "role", profile.Role, "task_id", task.ID)
	return w, nil
}

func (f *WorkerFactory) profileForTask(ctx context.Context, task *Task, existing []*Worker) workerProfile {
	fallback := workerProfile{
		Name:         "specialist",
		Role:         "general specialist",
		Description:  "Specialist created for: " + truncate(task.Description, 120),
		Capabilities: []string{"general"},
	}

	var roster strings.Builder
	for _, w := range existing {
		fmt.Fprintf(&roster, "- %s\n", w.Info())
	}

	prompt := fmt.Sprintf(`A task failed because no existing agent has the right capabilities.

Task: %s
Expected output: %s

Existing agents:
%s
Design one new agent for this task. Respond with JSON only:
{"name": "...", "role": "...", "description": "...", "capabilities": ["..."]}`,
		task.Description, task.ExpectedOutput, roster.String())

	resp, err := f.client.Complete(ctx, provider.Request{Prompt: prompt, Model: f.model})
	if err != nil {
		f.logger.Warn("worker profile generation failed, using fallback", "task_id", task.ID, "error", err)
		return fallback
	}

	raw := provider.ExtractJSON(resp.Text)
	if raw == "" {
		return fallback
	}
	var profile workerProfile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil || profile.Role == "" {
		return fallback
	}
	if profile.Name == "" {
		profile.Name = profile.Role
	}
	if profile.Description == "" {
		profile.Description = fallback.Description
	}
	return profile
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
