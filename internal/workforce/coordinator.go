package workforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/workforce/internal/provider"
)

const assignPromptTemplate = `You are a coordinator assigning tasks to agents.

Tasks:
%s
Agents:
%s
Assign every task to exactly one agent, matching capabilities to the task and
balancing load. Declare each task's dependencies on other task ids. Respond
with JSON only:

{"assignments": [{"task_id": "...", "assignee_id": "...", "dependencies": []}]}`

// assignmentSchema validates the coordinator's model response before any
// field is trusted.
const assignmentSchema = `{
	"type": "object",
	"required": ["assignments"],
	"properties": {
		"assignments": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["task_id", "assignee_id"],
				"properties": {
					"task_id": {"type": "string"},
					"assignee_id": {"type": "string"},
					"dependencies": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

// AdvisorTask is the advisor's view of a subtask.
type AdvisorTask struct {
	TaskID         string   `json:"task_id"`
	Description    string   `json:"description"`
	ExpectedOutput string   `json:"expected_output"`
	Dependencies   []string `json:"dependencies"`
	Priority       int      `json:"priority"`
}

// Allocation is one advisor-produced assignment.
type Allocation struct {
	TaskID        string
	AssignedAgent string
}

// Advisor is an optional collaboration-intelligence capability consulted
// before the model-driven assignment path.
type Advisor interface {
	AllocateTasks(ctx context.Context, sessionID string, tasks []AdvisorTask) ([]Allocation, error)
}

// Coordinator produces a total task-to-worker assignment. It never fails for
// solvable inputs: the advisor path falls back to the model path, which
// falls back to round-robin over workers preserving task order.
type Coordinator struct {
	client    provider.ModelClient
	model     string
	advisor   Advisor
	sessionID string
	validator *provider.Validator
	logger    *slog.Logger
}

func NewCoordinator(client provider.ModelClient, model string, advisor Advisor, sessionID string, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := provider.NewValidator(json.RawMessage(assignmentSchema))
	if err != nil {
		// The schema is a compile-time constant; failure here is a programming error.
		panic(fmt.Sprintf("compile assignment schema: %v", err))
	}
	return &Coordinator{
		client:    client,
		model:     model,
		advisor:   advisor,
		sessionID: sessionID,
		validator: validator,
		logger:    logger,
	}
}

// Assign returns a mapping task_id -> worker_id covering every task. The
// coordinator also updates each task's dependencies from the winning
// response.
func (c *Coordinator) Assign(ctx context.Context, tasks []*Task, workers []*Worker) map[string]string {
	if len(tasks) == 0 || len(workers) == 0 {
		return map[string]string{}
	}

	if c.advisor != nil {
		if m := c.assignWithAdvisor(ctx, tasks, workers); len(m) == len(tasks) {
			return m
		}
		c.logger.Warn("advisor assignment incomplete, falling back to model-driven assignment")
	}

	return c.assignWithModel(ctx, tasks, workers)
}

func (c *Coordinator) assignWithAdvisor(ctx context.Context, tasks []*Task, workers []*Worker) map[string]string {
	advisorTasks := make([]AdvisorTask, 0, len(tasks))
	for _, t := range tasks {
		priority := t.Priority
		if priority == 0 {
			priority = 1
		}
		advisorTasks = append(advisorTasks, AdvisorTask{
			TaskID:         t.ID,
			Description:    t.Description,
			ExpectedOutput: t.ExpectedOutput,
			Dependencies:   append([]string{}, t.Dependencies...),
			Priority:       priority,
		})
	}

	allocations, err := c.advisor.AllocateTasks(ctx, c.sessionID, advisorTasks)
	if err != nil {
		c.logger.Warn("advisor allocation failed", "error", err)
		return nil
	}

	known := workerIDSet(workers)
	out := make(map[string]string)
	for _, a := range allocations {
		if !known[a.AssignedAgent] {
			c.logger.Warn("advisor allocated unknown worker, dropping",
				"worker_id", a.AssignedAgent, "task_id", a.TaskID)
			continue
		}
		out[a.TaskID] = a.AssignedAgent
	}
	return out
}

type assignmentResponse struct {
	Assignments []struct {
		TaskID       string   `json:"task_id"`
		AssigneeID   string   `json:"assignee_id"`
		Dependencies []string `json:"dependencies"`
	} `json:"assignments"`
}

func (c *Coordinator) assignWithModel(ctx context.Context, tasks []*Task, workers []*Worker) map[string]string {
	resp, err := c.client.Complete(ctx, provider.Request{
		Prompt: c.assignPrompt(tasks, workers),
		Model:  c.model,
	})
	if err != nil {
		c.logger.Warn("assignment model call failed, using round-robin", "error", err)
		return c.roundRobin(tasks, workers, nil)
	}

	raw, err := c.validator.Validate(resp.Text)
	if err != nil {
		c.logger.Warn("assignment response invalid, using round-robin", "error", err)
		return c.roundRobin(tasks, workers, nil)
	}

	var parsed assignmentResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		c.logger.Warn("assignment response unmarshal failed, using round-robin", "error", err)
		return c.roundRobin(tasks, workers, nil)
	}

	known := workerIDSet(workers)
	taskByID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		taskByID[t.ID] = t
	}

	out := make(map[string]string)
	for _, a := range parsed.Assignments {
		task, ok := taskByID[a.TaskID]
		if !ok {
			continue
		}
		if !known[a.AssigneeID] {
			// Unknown worker id: drop the entry so the task falls through to
			// round-robin below.
			c.logger.Warn("assignment names unknown worker, dropping",
				"worker_id", a.AssigneeID, "task_id", a.TaskID)
			continue
		}
		out[a.TaskID] = a.AssigneeID
		task.Dependencies = sanitizeDependencies(a.Dependencies, a.TaskID, taskByID)
	}

	// Round-robin any residue so the assignment stays total.
	return c.roundRobin(tasks, workers, out)
}

// roundRobin fills missing assignments over workers, preserving task order.
// Existing entries in seed are kept.
func (c *Coordinator) roundRobin(tasks []*Task, workers []*Worker, seed map[string]string) map[string]string {
	out := seed
	if out == nil {
		out = make(map[string]string)
	}
	i := 0
	for _, t := range tasks {
		if _, ok := out[t.ID]; ok {
			continue
		}
		out[t.ID] = workers[i%len(workers)].ID
		i++
	}
	return out
}

func (c *Coordinator) assignPrompt(tasks []*Task, workers []*Worker) string {
	var tasksInfo strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&tasksInfo, "- Task ID: %s\n  Description: %s\n  Dependencies: %v\n",
			t.ID, t.Description, t.Dependencies)
	}
	var roster strings.Builder
	for _, w := range workers {
		roster.WriteString(w.Info())
		roster.WriteString("\n")
	}
	return fmt.Sprintf(assignPromptTemplate, tasksInfo.String(), roster.String())
}

// sanitizeDependencies keeps only dependencies that name other known tasks.
func sanitizeDependencies(deps []string, self string, known map[string]*Task) []string {
	var out []string
	for _, d := range deps {
		if d == self {
			continue
		}
		if _, ok := known[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

func workerIDSet(workers []*Worker) map[string]bool {
	out := make(map[string]bool, len(workers))
	for _, w := range workers {
		out[w.ID] = true
	}
	return out
}
