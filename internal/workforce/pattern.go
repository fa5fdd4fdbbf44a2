package workforce

import (
	"context"
	"time"
)

// Result is the outcome of running a collaboration pattern end-to-end.
type Result struct {
	SessionID     string
	Success       bool
	Output        string
	Error         string
	ExecutionTime time.Duration

	// Contributions maps worker ids to the number of subtasks they executed.
	Contributions map[string]int
}

// CollaborationPattern runs a root task through one multi-agent structure.
// Workforce is one implementation; other structures share this surface.
type CollaborationPattern interface {
	Execute(ctx context.Context, task string) (*Result, error)
}

// WorkforcePattern is the coordinator-planner-worker implementation of
// CollaborationPattern: decompose, assign, schedule with recovery, compose.
type WorkforcePattern struct {
	session *Session
}

func NewWorkforcePattern(session *Session) *WorkforcePattern {
	return &WorkforcePattern{session: session}
}

// Execute drives the whole round without a confirmation pause; interactive
// clients use the session operations directly so they can edit the plan
// between decomposition and execution.
func (p *WorkforcePattern) Execute(ctx context.Context, task string) (*Result, error) {
	start := time.Now()
	result := &Result{SessionID: p.session.ID}

	if p.session.IsSimpleQuestion(ctx, task) {
		answer, err := p.session.AnswerDirect(ctx, task)
		result.ExecutionTime = time.Since(start)
		if err != nil {
			result.Error = err.Error()
			return result, err
		}
		result.Success = true
		result.Output = answer
		return result, nil
	}

	p.session.DecomposeTask(ctx, task, "")
	output, err := p.session.StartExecution(ctx)
	result.ExecutionTime = time.Since(start)
	result.Contributions = p.contributions()

	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Success = true
	result.Output = output
	return result, nil
}

func (p *WorkforcePattern) contributions() map[string]int {
	out := make(map[string]int)
	for _, r := range p.session.Results() {
		if r.WorkerID != "" {
			out[r.WorkerID]++
		}
	}
	return out
}
