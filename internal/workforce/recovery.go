package workforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/workforce/internal/provider"
)

// RecoveryStrategy is one of the five ways the engine can react to a
// subtask failure.
type RecoveryStrategy string

const (
	StrategyRetry        RecoveryStrategy = "retry"
	StrategyReassign     RecoveryStrategy = "reassign"
	StrategyDecompose    RecoveryStrategy = "decompose"
	StrategyReplan       RecoveryStrategy = "replan"
	StrategyCreateWorker RecoveryStrategy = "create_worker"
)

// AllStrategies lists every strategy, used when config enables all.
var AllStrategies = []RecoveryStrategy{
	StrategyRetry, StrategyReassign, StrategyDecompose, StrategyReplan, StrategyCreateWorker,
}

// ErrorCategory classifies a failure message for strategy selection.
type ErrorCategory string

const (
	ErrNetwork           ErrorCategory = "network_error"
	ErrRateLimit         ErrorCategory = "rate_limit"
	ErrTool              ErrorCategory = "tool_error"
	ErrParse             ErrorCategory = "parse_error"
	ErrCapabilityMissing ErrorCategory = "capability_missing"
	ErrUnknown           ErrorCategory = "unknown_error"
)

// ClassifyError maps an error message onto a category by keyword match.
func ClassifyError(message string) ErrorCategory {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "rate limit") || strings.Contains(m, "429") || strings.Contains(m, "too many requests") || strings.Contains(m, "quota"):
		return ErrRateLimit
	case strings.Contains(m, "connection") || strings.Contains(m, "timeout") || strings.Contains(m, "network") || strings.Contains(m, "unreachable") || strings.Contains(m, "deadline exceeded") || strings.Contains(m, "eof"):
		return ErrNetwork
	case strings.Contains(m, "tool") || strings.Contains(m, "toolkit"):
		return ErrTool
	case strings.Contains(m, "parse") || strings.Contains(m, "malformed") || strings.Contains(m, "invalid json") || strings.Contains(m, "unmarshal") || strings.Contains(m, "unexpected format"):
		return ErrParse
	case strings.Contains(m, "capability") || strings.Contains(m, "not supported") || strings.Contains(m, "cannot handle") || strings.Contains(m, "unqualified"):
		return ErrCapabilityMissing
	default:
		return ErrUnknown
	}
}

// defaultStrategyFor is the static category -> strategy table consulted when
// the analyzer does not name a strategy.
func defaultStrategyFor(cat ErrorCategory) RecoveryStrategy {
	switch cat {
	case ErrNetwork, ErrRateLimit:
		return StrategyRetry
	case ErrTool:
		return StrategyReassign
	case ErrParse:
		return StrategyReplan
	case ErrCapabilityMissing:
		return StrategyCreateWorker
	default:
		return StrategyReplan
	}
}

// Analysis is the analyzer's verdict on a failed (or, in evaluate mode,
// successful) subtask. Strategy is empty when the model named none.
type Analysis struct {
	Reasoning           string           `json:"reasoning"`
	Strategy            RecoveryStrategy `json:"recovery_strategy,omitempty"`
	ModifiedTaskContent string           `json:"modified_task_content,omitempty"`
	QualityScore        *int             `json:"quality_score,omitempty"`
	Issues              []string         `json:"issues"`
}

// Analyzer asks the model why a task failed and which strategy to apply.
// Model output is parsed defensively; any failure reduces to the static
// table.
type Analyzer struct {
	client provider.ModelClient
	model  string
	logger *slog.Logger
}

func NewAnalyzer(client provider.ModelClient, model string, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{client: client, model: model, logger: logger}
}

// AnalyzeFailure produces an Analysis for a failed subtask. Never errors:
// model failures yield an Analysis with an empty Strategy so the static
// table decides.
func (a *Analyzer) AnalyzeFailure(ctx context.Context, task *Task, errorMessage string, failureCount int, enabled []RecoveryStrategy) Analysis {
	category := ClassifyError(errorMessage)

	options := make([]string, 0, len(enabled))
	for _, s := range enabled {
		options = append(options, string(s))
	}

	prompt := fmt.Sprintf(`A task failed. Analyze the failure and recommend a recovery strategy.

Task: %s
Error category: %s
Error message: %s
Failure count: %d

Available strategies: %s

Respond with JSON only:
{"reasoning": "...", "recovery_strategy": "...", "modified_task_content": "...", "issues": ["..."]}
Leave modified_task_content empty unless recommending replan.`,
		task.Description, category, errorMessage, failureCount, strings.Join(options, ", "))

	fallback := Analysis{
		Reasoning: fmt.Sprintf("static classification: %s", category),
		Issues:    []string{errorMessage},
	}

	resp, err := a.client.Complete(ctx, provider.Request{Prompt: prompt, Model: a.model})
	if err != nil {
		a.logger.Warn("failure analysis model call failed", "task_id", task.ID, "error", err)
		return fallback
	}

	raw := provider.ExtractJSON(resp.Text)
	if raw == "" {
		return fallback
	}
	var analysis Analysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		a.logger.Warn("failure analysis response unparseable", "task_id", task.ID, "error", err)
		return fallback
	}
	if analysis.Strategy != "" && !strategyIn(analysis.Strategy, enabled) {
		a.logger.Warn("analysis named disabled strategy, ignoring",
			"task_id", task.ID, "strategy", string(analysis.Strategy))
		analysis.Strategy = ""
	}
	if len(analysis.Issues) == 0 {
		analysis.Issues = []string{errorMessage}
	}
	return analysis
}

// EvaluateQuality scores a successful subtask's output 0-100 and may name a
// strategy to trigger rework. Scores at or above threshold never trigger
// rework.
func (a *Analyzer) EvaluateQuality(ctx context.Context, task *Task, output string, threshold int) Analysis {
	prompt := fmt.Sprintf(`Evaluate the quality of this task result.

Task: %s
Expected output: %s
Actual result: %s

Respond with JSON only:
{"reasoning": "...", "quality_score": 0-100, "recovery_strategy": "", "issues": ["..."]}
Name a recovery strategy only if the result needs rework.`,
		task.Description, task.ExpectedOutput, output)

	pass := 100
	fallback := Analysis{Reasoning: "quality evaluation unavailable", QualityScore: &pass}

	resp, err := a.client.Complete(ctx, provider.Request{Prompt: prompt, Model: a.model})
	if err != nil {
		a.logger.Warn("quality evaluation model call failed", "task_id", task.ID, "error", err)
		return fallback
	}
	raw := provider.ExtractJSON(resp.Text)
	if raw == "" {
		return fallback
	}
	var analysis Analysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		return fallback
	}
	if analysis.QualityScore == nil {
		analysis.QualityScore = &pass
	}
	if *analysis.QualityScore >= threshold {
		analysis.Strategy = ""
	}
	return analysis
}

func strategyIn(s RecoveryStrategy, list []RecoveryStrategy) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// Mutation is the engine's decision: exactly one of the strategy-specific
// fields is populated. RETRY and REASSIGN keep the graph unchanged; REPLAN
// and DECOMPOSE replace the abandoned task; CREATE_WORKER adds NewWorker to
// the pool and reassigns.
type Mutation struct {
	Strategy RecoveryStrategy

	// REASSIGN / CREATE_WORKER: the worker the task moves to.
	AssignTo string

	// CREATE_WORKER: the synthesised worker to add to the pool.
	NewWorker *Worker

	// REPLAN / DECOMPOSE: tasks replacing the failed one.
	Replacements []*Task
}

// Engine chooses and applies one recovery strategy for a failing subtask.
type Engine struct {
	planner  *Planner
	factory  *WorkerFactory
	analyzer *Analyzer
	enabled  []RecoveryStrategy
	logger   *slog.Logger
}

func NewEngine(planner *Planner, factory *WorkerFactory, analyzer *Analyzer, enabled []RecoveryStrategy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if len(enabled) == 0 {
		enabled = AllStrategies
	}
	return &Engine{planner: planner, factory: factory, analyzer: analyzer, enabled: enabled, logger: logger}
}

// Recover picks a strategy for the failed task and returns the resulting
// mutation, or nil when no strategy can be applied (the scheduler then marks
// the task FAILED). The returned mutation is validated against the graph's
// acyclicity invariant by the caller when applied.
func (e *Engine) Recover(ctx context.Context, task *Task, failedWorkerID, errorMessage string, failureCount int, workers []*Worker) *Mutation {
	analysis := e.analyzer.AnalyzeFailure(ctx, task, errorMessage, failureCount, e.enabled)

	strategy := analysis.Strategy
	if strategy == "" {
		strategy = defaultStrategyFor(ClassifyError(errorMessage))
		if !strategyIn(strategy, e.enabled) {
			e.logger.Info("default strategy disabled, no recovery", "task_id", task.ID, "strategy", string(strategy))
			return nil
		}
	}

	e.logger.Info("applying recovery strategy",
		"task_id", task.ID, "strategy", string(strategy), "failure_count", failureCount)

	switch strategy {
	case StrategyRetry:
		return &Mutation{Strategy: StrategyRetry, AssignTo: failedWorkerID}

	case StrategyReassign:
		for _, w := range workers {
			if w.ID != failedWorkerID {
				return &Mutation{Strategy: StrategyReassign, AssignTo: w.ID}
			}
		}
		e.logger.Warn("no alternative workers for reassignment", "task_id", task.ID)
		return nil

	case StrategyReplan:
		content := analysis.ModifiedTaskContent
		if content == "" {
			content = task.Description + " (Revised with clearer instructions)"
		}
		replanned := &Task{
			ID:             task.ID + "_replanned",
			Description:    content,
			ExpectedOutput: task.ExpectedOutput,
		}
		return &Mutation{Strategy: StrategyReplan, Replacements: []*Task{replanned}}

	case StrategyDecompose:
		subtasks := e.planner.Decompose(ctx, task, workers, "", nil)
		if len(subtasks) == 0 {
			return nil
		}
		// A single-subtask fallback re-describing the same work is a replan
		// in disguise; give the ids a distinguishing suffix either way.
		for _, st := range subtasks {
			st.ID = task.ID + "_split_" + st.ID[strings.LastIndex(st.ID, "_")+1:]
		}
		rewriteInternalDeps(subtasks, task.ID)
		return &Mutation{Strategy: StrategyDecompose, Replacements: subtasks}

	case StrategyCreateWorker:
		if e.factory == nil {
			return nil
		}
		w, err := e.factory.CreateForTask(ctx, task, workers)
		if err != nil {
			e.logger.Warn("worker creation failed", "task_id", task.ID, "error", err)
			return nil
		}
		return &Mutation{Strategy: StrategyCreateWorker, NewWorker: w, AssignTo: w.ID}

	default:
		return nil
	}
}

// rewriteInternalDeps renames dependencies among freshly split subtasks to
// the new id scheme; references outside the split set are left for the graph
// wiring in Replace.
func rewriteInternalDeps(subtasks []*Task, parentID string) {
	renamed := make(map[string]string, len(subtasks))
	for _, st := range subtasks {
		suffix := st.ID[strings.LastIndex(st.ID, "_")+1:]
		renamed[parentID+"_subtask_"+suffix] = st.ID
	}
	for _, st := range subtasks {
		for i, dep := range st.Dependencies {
			if to, ok := renamed[dep]; ok {
				st.Dependencies[i] = to
			}
		}
	}
}
