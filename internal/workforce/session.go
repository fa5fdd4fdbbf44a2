package workforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/workforce/internal/bus"
	"github.com/basket/workforce/internal/hooks"
	"github.com/basket/workforce/internal/pricing"
	"github.com/basket/workforce/internal/provider"
	"github.com/basket/workforce/internal/tokenutil"
)

// ErrStopped reports that execution ended because of a stop action rather
// than a failure.
var ErrStopped = errors.New("execution stopped")

// ErrBudgetExhausted reports that the session spend ceiling was reached.
var ErrBudgetExhausted = errors.New("budget exhausted")

// SessionConfig carries the scheduling tunables for one session.
type SessionConfig struct {
	PoolSize           int
	MaxRetries         int
	PollInterval       time.Duration
	StopGrace          time.Duration
	WorkflowMemorySize int
	QualityThreshold   int
	EvaluateQuality    bool
	EnabledStrategies  []RecoveryStrategy
	Model              string
	ContextMaxTokens   int
	BudgetUSD          float64
}

func (c *SessionConfig) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StopGrace <= 0 {
		c.StopGrace = time.Second
	}
	if c.WorkflowMemorySize <= 0 {
		c.WorkflowMemorySize = 10
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 60
	}
}

// Session owns one project's worker pool, subtask graph, assignment, result
// map and event log (through the bus). It is the CollaborationContext of the
// workforce pattern.
type Session struct {
	ID string

	cfg    SessionConfig
	bus    *bus.Bus
	reg    *hooks.Registry
	client provider.ModelClient
	logger *slog.Logger

	planner     *Planner
	coordinator *Coordinator
	engine      *Engine
	classifier  *QuestionClassifier

	mu         sync.RWMutex
	workers    []*Worker
	graph      *Graph
	assignment map[string]string
	results    map[string]TaskResult
	rootTask   *Task
	pending    []*Task
	costUSD    float64

	runMu     sync.Mutex
	cancelRun context.CancelFunc

	unhook func()
}

// NewSession builds a session with its static worker pool. Worker specs
// default to a generalist pool of cfg.PoolSize when empty.
func NewSession(id string, cfg SessionConfig, b *bus.Bus, reg *hooks.Registry, client provider.ModelClient, advisor Advisor, specs []WorkerSpec, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	logger = logger.With("session_id", id)

	if len(specs) == 0 {
		specs = DefaultWorkerSpecs(cfg.PoolSize)
	}

	s := &Session{
		ID:         id,
		cfg:        cfg,
		bus:        b,
		reg:        reg,
		client:     client,
		logger:     logger,
		graph:      NewGraph(),
		assignment: make(map[string]string),
		results:    make(map[string]TaskResult),
	}

	s.unhook = hooks.RegisterWorkforceHooks(reg, b, s.ownsWorker)

	s.planner = NewPlanner(client, cfg.Model, logger)
	factory := NewWorkerFactory(client, reg, logger, cfg.Model, cfg.WorkflowMemorySize)
	analyzer := NewAnalyzer(client, cfg.Model, logger)
	s.engine = NewEngine(s.planner, factory, analyzer, cfg.EnabledStrategies, logger)
	s.coordinator = NewCoordinator(client, cfg.Model, advisor, id, logger)
	s.classifier = NewQuestionClassifier(client, cfg.Model, logger)

	// The static pool is announced on demand; create_agent events are
	// reserved for workers added after session start.
	for _, spec := range specs {
		spec.WorkflowMemorySize = cfg.WorkflowMemorySize
		if spec.Model == "" {
			spec.Model = cfg.Model
		}
		s.workers = append(s.workers, NewWorker(spec, client, reg, logger))
	}

	return s
}

// DefaultWorkerSpecs is the generalist pool used when a session is started
// without explicit worker definitions. Exposed so advisors can be seeded
// from the same roster.
func DefaultWorkerSpecs(n int) []WorkerSpec {
	roles := []struct{ name, role string }{
		{"researcher", "research specialist"},
		{"developer", "software developer"},
		{"writer", "technical writer"},
		{"analyst", "data analyst"},
	}
	specs := make([]WorkerSpec, 0, n)
	for i := 0; i < n; i++ {
		r := roles[i%len(roles)]
		specs = append(specs, WorkerSpec{
			ID:           fmt.Sprintf("worker_%d", i+1),
			Name:         r.name,
			Role:         r.role,
			Capabilities: []string{"general"},
		})
	}
	return specs
}

// Close removes the session's workforce hooks from the process registry.
// Idempotent; must be called on session teardown.
func (s *Session) Close() {
	s.runMu.Lock()
	unhook := s.unhook
	s.unhook = nil
	s.runMu.Unlock()
	if unhook != nil {
		unhook()
	}
}

func (s *Session) ownsWorker(agentID string) bool {
	return s.workerByID(agentID) != nil
}

// Workers returns a snapshot of the pool.
func (s *Session) Workers() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Worker, len(s.workers))
	copy(out, s.workers)
	return out
}

// Results returns a snapshot of the result map.
func (s *Session) Results() map[string]TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TaskResult, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// Graph exposes the subtask graph for state inspection.
func (s *Session) Graph() *Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph
}

// IsSimpleQuestion runs the fast-path classifier.
func (s *Session) IsSimpleQuestion(ctx context.Context, question string) bool {
	return s.classifier.IsSimple(ctx, question)
}

// AnswerDirect answers a simple question with one model call, bypassing
// decomposition.
func (s *Session) AnswerDirect(ctx context.Context, question string) (string, error) {
	resp, err := s.client.Complete(ctx, provider.Request{
		System: "You are a helpful assistant. Answer concisely.",
		Prompt: question,
		Model:  s.cfg.Model,
	})
	if err != nil {
		return "", fmt.Errorf("direct answer: %w", err)
	}
	return resp.Text, nil
}

// CheckContext reports whether text fits the configured model context,
// publishing a context_too_long event when it does not.
func (s *Session) CheckContext(text string) bool {
	if s.cfg.ContextMaxTokens <= 0 {
		return true
	}
	length := tokenutil.EstimateTokens(text)
	if length <= s.cfg.ContextMaxTokens {
		return true
	}
	s.bus.Publish(bus.Event{
		Action: bus.ActionContextTooLong,
		Data: map[string]any{
			"current_length": length,
			"max_length":     s.cfg.ContextMaxTokens,
		},
	})
	return false
}

// DecomposeTask plans the root task into subtasks and parks them for client
// review. Execution does not begin until StartExecution; client edits in
// between mutate only the parked list.
func (s *Session) DecomposeTask(ctx context.Context, question, extraContext string) []*Task {
	root := &Task{
		ID:             "task_" + s.ID,
		Description:    question,
		ExpectedOutput: "Task execution result",
	}

	s.bus.Publish(bus.Event{
		Action: bus.ActionDecomposeStart,
		Data:   map[string]any{"content": question},
		TaskID: root.ID,
	})

	cb := &DecomposeCallbacks{
		OnText: func(text string) {
			s.bus.Publish(bus.Event{
				Action: bus.ActionDecomposeProgress,
				Data:   map[string]any{"content": text},
				TaskID: root.ID,
			})
		},
	}

	subtasks := s.planner.Decompose(ctx, root, s.Workers(), extraContext, cb)

	s.mu.Lock()
	s.rootTask = root
	s.pending = subtasks
	// Each decomposition starts a fresh round: the previous round's graph and
	// assignment are replaced, results are kept as session history.
	s.graph = NewGraph()
	s.assignment = make(map[string]string)
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Action: bus.ActionDecomposeComplete,
		Data: map[string]any{
			"sub_tasks":    subtaskInfos(subtasks),
			"summary_task": question,
		},
		TaskID: root.ID,
	})

	return subtasks
}

// SubtaskEdit is one entry of a client-edited subtask list.
type SubtaskEdit struct {
	ID      string
	Content string
}

// SetSubtasks replaces the parked subtask list with the client's edit.
// Edits never touch in-flight state: once execution started they are
// rejected.
func (s *Session) SetSubtasks(edits []SubtaskEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.graph.Tasks()) > 0 {
		return fmt.Errorf("execution already started")
	}

	existing := make(map[string]*Task, len(s.pending))
	for _, t := range s.pending {
		existing[t.ID] = t
	}

	var next []*Task
	for i, e := range edits {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("%s_edit_%d", s.rootID(), i+1)
		}
		if t, ok := existing[id]; ok {
			t.Description = e.Content
			next = append(next, t)
			continue
		}
		next = append(next, &Task{
			ID:             id,
			Description:    e.Content,
			ExpectedOutput: "Task execution result",
		})
	}
	s.pending = next
	return nil
}

// PendingSubtasks returns the parked subtask list.
func (s *Session) PendingSubtasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *Session) rootID() string {
	if s.rootTask != nil {
		return s.rootTask.ID
	}
	return "task_" + s.ID
}

// StartExecution assigns the parked subtasks and drives the graph to
// completion. Returns the composed final output. The error is ErrStopped
// after a stop action, ErrBudgetExhausted past the spend ceiling, or
// descriptive for stuck graphs and total failure.
func (s *Session) StartExecution(ctx context.Context) (string, error) {
	s.mu.Lock()
	pending := s.pending
	root := s.rootTask
	s.mu.Unlock()

	if len(pending) == 0 {
		return "", fmt.Errorf("nothing to execute: decompose first")
	}

	s.bus.Publish(bus.Event{Action: bus.ActionWorkforceStarted, Data: map[string]any{"session_id": s.ID}})

	assignment := s.coordinator.Assign(ctx, pending, s.Workers())

	// Dependencies may have been rewritten by the coordinator; order tasks so
	// graph insertion sees dependencies first.
	ordered := orderByDependencies(pending)
	if err := s.graph.AddAll(ordered); err != nil {
		return "", fmt.Errorf("build subtask graph: %w", err)
	}

	s.mu.Lock()
	for id, workerID := range assignment {
		s.assignment[id] = workerID
	}
	s.mu.Unlock()

	for _, t := range ordered {
		s.publishAssignment(t, assignment[t.ID], "waiting")
	}

	if err := s.run(ctx); err != nil {
		return "", err
	}

	results := s.orderedResults(ordered)
	output, ok := s.planner.Compose(root, results)
	if !ok {
		return "", fmt.Errorf("all subtasks failed")
	}
	return output, nil
}

// Stop signals all in-flight subtask activities to cancel. They get the
// configured grace period before being dropped.
func (s *Session) Stop() {
	s.runMu.Lock()
	cancel := s.cancelRun
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.bus.Publish(bus.Event{Action: bus.ActionWorkforcePaused, Data: map[string]any{"session_id": s.ID}})
}

// run is the scheduler main loop: promote READY tasks, dispatch up to
// PoolSize concurrently, wake on completion or the bounded fallback tick,
// stop when all tasks are terminal or the graph is stuck.
func (s *Session) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.runMu.Lock()
	s.cancelRun = cancel
	s.runMu.Unlock()
	defer func() {
		cancel()
		s.runMu.Lock()
		s.cancelRun = nil
		s.runMu.Unlock()
	}()

	slots := make(chan struct{}, s.cfg.PoolSize)
	done := make(chan string, s.cfg.PoolSize*2)
	var wg sync.WaitGroup

	for {
		if s.graph.AllTerminal() {
			wg.Wait()
			return nil
		}

		dispatched := false
		for _, t := range s.graph.Ready() {
			select {
			case slots <- struct{}{}:
			default:
				continue
			}
			if err := s.checkBudget(); err != nil {
				<-slots
				wg.Wait()
				return err
			}
			s.graph.SetState(t.ID, TaskInFlight)
			dispatched = true
			wg.Add(1)
			go func(task *Task) {
				defer wg.Done()
				defer func() { <-slots }()
				s.dispatch(runCtx, task)
				select {
				case done <- task.ID:
				default:
				}
			}(t)
		}

		if !dispatched && s.graph.InFlightCount() == 0 {
			if stuck := s.graph.Stuck(); len(stuck) > 0 {
				wg.Wait()
				return fmt.Errorf("no subtasks can progress, stuck: %v", stuck)
			}
		}

		select {
		case <-done:
		case <-time.After(s.cfg.PollInterval):
		case <-runCtx.Done():
			stopped := waitWithGrace(&wg, s.cfg.StopGrace)
			if !stopped {
				s.logger.Warn("in-flight subtasks exceeded stop grace, dropping")
			}
			s.bus.Publish(bus.Event{Action: bus.ActionWorkforceStopped, Data: map[string]any{"session_id": s.ID}})
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrStopped
		}
	}
}

// dispatch runs one subtask attempt and applies its outcome to the graph.
func (s *Session) dispatch(ctx context.Context, task *Task) {
	workerID := s.assignedWorker(task.ID)
	worker := s.workerByID(workerID)
	if worker == nil {
		s.failTask(task, fmt.Sprintf("no worker assigned for task %s", task.ID))
		return
	}

	attempt := s.graph.FailureCount(task.ID) + 1
	parentContent := ""
	if s.rootTask != nil {
		parentContent = s.rootTask.Description
	}

	result := worker.Process(ctx, task, parentContent, s.dependencyResults(task))
	result.Attempt = attempt

	if result.Success {
		if s.cfg.EvaluateQuality {
			analysis := s.engine.analyzer.EvaluateQuality(ctx, task, result.Output, s.cfg.QualityThreshold)
			if analysis.Strategy != "" {
				s.logger.Info("quality evaluation triggered rework",
					"task_id", task.ID, "score", *analysis.QualityScore)
				result.Success = false
				result.Error = fmt.Sprintf("quality below threshold: %s", analysis.Reasoning)
			}
		}
	}

	if result.Success {
		s.recordResult(result)
		s.addCost(task, result)
		s.graph.SetState(task.ID, TaskDone)
		s.bus.Publish(bus.Event{
			Action: bus.ActionTaskCompleted,
			Data: map[string]any{
				"result":        result.Output,
				"failure_count": s.graph.FailureCount(task.ID),
			},
			TaskID:  task.ID,
			AgentID: workerID,
		})
		return
	}

	if ctx.Err() != nil {
		// Stop in progress: leave the task non-terminal; the run loop exits.
		s.graph.SetState(task.ID, TaskReady)
		return
	}

	count := s.graph.IncrementFailure(task.ID)
	if count >= s.cfg.MaxRetries {
		s.recordResult(result)
		s.failTask(task, result.Error)
		return
	}

	mutation := s.engine.Recover(ctx, task, workerID, result.Error, count, s.Workers())
	if mutation == nil {
		s.recordResult(result)
		s.failTask(task, result.Error)
		return
	}
	s.applyMutation(task, mutation, result)
}

// applyMutation commits the recovery engine's decision under the graph's
// acyclicity invariant; mutations that cannot be applied mark the task
// FAILED.
func (s *Session) applyMutation(task *Task, m *Mutation, lastResult TaskResult) {
	switch m.Strategy {
	case StrategyRetry:
		s.graph.SetState(task.ID, TaskPending)

	case StrategyReassign:
		s.setAssignment(task.ID, m.AssignTo)
		s.graph.SetState(task.ID, TaskPending)
		s.publishAssignment(task, m.AssignTo, "waiting")

	case StrategyCreateWorker:
		s.mu.Lock()
		s.workers = append(s.workers, m.NewWorker)
		s.mu.Unlock()
		s.bus.Publish(bus.Event{
			Action: bus.ActionAgentCreated,
			Data: map[string]any{
				"agent_id":   m.NewWorker.ID,
				"agent_name": m.NewWorker.nameOrID(),
				"tools":      m.NewWorker.Capabilities,
			},
			AgentID: m.NewWorker.ID,
		})
		s.setAssignment(task.ID, m.AssignTo)
		s.graph.SetState(task.ID, TaskPending)
		s.publishAssignment(task, m.AssignTo, "waiting")

	case StrategyReplan, StrategyDecompose:
		if err := s.graph.Replace(task.ID, m.Replacements); err != nil {
			s.logger.Warn("recovery mutation rejected", "task_id", task.ID, "error", err)
			s.recordResult(lastResult)
			s.failTask(task, lastResult.Error)
			return
		}
		// Capture the failed attempt as the abandoned task's partial result.
		s.recordResult(lastResult)
		assignment := s.coordinator.Assign(context.Background(), m.Replacements, s.Workers())
		for _, nt := range m.Replacements {
			s.setAssignment(nt.ID, assignment[nt.ID])
			s.publishAssignment(nt, assignment[nt.ID], "waiting")
		}
		s.bus.Publish(bus.Event{
			Action: bus.ActionTaskReplanned,
			Data: map[string]any{
				"replacements": taskIDs(m.Replacements),
				"strategy":     string(m.Strategy),
			},
			TaskID: task.ID,
		})
	}
}

func (s *Session) failTask(task *Task, errorMessage string) {
	s.graph.SetState(task.ID, TaskFailed)
	s.bus.Publish(bus.Event{
		Action: bus.ActionTaskFailed,
		Data: map[string]any{
			"result":        errorMessage,
			"failure_count": s.graph.FailureCount(task.ID),
		},
		TaskID:  task.ID,
		AgentID: s.assignedWorker(task.ID),
	})
}

func (s *Session) publishAssignment(task *Task, workerID, state string) {
	s.bus.Publish(bus.Event{
		Action: bus.ActionTaskAssigned,
		Data: map[string]any{
			"assignee_id":   workerID,
			"content":       task.Description,
			"state":         state,
			"failure_count": s.graph.FailureCount(task.ID),
		},
		TaskID:  task.ID,
		AgentID: workerID,
	})
}

func (s *Session) checkBudget() error {
	if s.cfg.BudgetUSD <= 0 {
		return nil
	}
	s.mu.RLock()
	cost := s.costUSD
	s.mu.RUnlock()
	if cost < s.cfg.BudgetUSD {
		return nil
	}
	s.bus.Publish(bus.Event{Action: bus.ActionBudgetExhausted, Data: map[string]any{}})
	return ErrBudgetExhausted
}

func (s *Session) addCost(task *Task, result TaskResult) {
	cost := pricing.EstimateCost(s.cfg.Model,
		tokenutil.EstimateTokens(task.Description),
		tokenutil.EstimateTokens(result.Output))
	s.mu.Lock()
	s.costUSD += cost
	s.mu.Unlock()
}

// CostUSD returns the accumulated estimated spend.
func (s *Session) CostUSD() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.costUSD
}

func (s *Session) dependencyResults(task *Task) map[string]TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]TaskResult)
	for _, dep := range task.Dependencies {
		if r, ok := s.results[dep]; ok {
			out[dep] = r
		}
	}
	return out
}

func (s *Session) recordResult(r TaskResult) {
	s.mu.Lock()
	s.results[r.TaskID] = r
	s.mu.Unlock()
}

func (s *Session) assignedWorker(taskID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assignment[taskID]
}

func (s *Session) setAssignment(taskID, workerID string) {
	s.mu.Lock()
	s.assignment[taskID] = workerID
	s.mu.Unlock()
}

func (s *Session) workerByID(id string) *Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// orderedResults returns results for the graph's terminal tasks: the
// original plan order first, then any recovery-inserted replacements.
func (s *Session) orderedResults(planned []*Task) []TaskResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []TaskResult
	appendResult := func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		if state, ok := s.graph.State(id); ok && state == TaskDone {
			if r, ok := s.results[id]; ok {
				out = append(out, r)
			}
		}
	}
	for _, t := range planned {
		appendResult(t.ID)
	}
	for _, t := range s.graph.Tasks() {
		appendResult(t.ID)
	}
	return out
}

func subtaskInfos(tasks []*Task) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"id":      t.ID,
			"content": t.Description,
			"status":  "waiting",
		})
	}
	return out
}

func taskIDs(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

// orderByDependencies sorts tasks so every task appears after its
// dependencies, preserving the given order among independent tasks. Tasks in
// cycles keep their input position; the graph insert rejects them later.
func orderByDependencies(tasks []*Task) []*Task {
	index := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		index[t.ID] = t
	}
	placed := make(map[string]bool, len(tasks))
	var out []*Task

	var place func(t *Task, depth int)
	place = func(t *Task, depth int) {
		if placed[t.ID] || depth > len(tasks) {
			return
		}
		for _, dep := range t.Dependencies {
			if dt, ok := index[dep]; ok && !placed[dep] {
				place(dt, depth+1)
			}
		}
		if !placed[t.ID] {
			placed[t.ID] = true
			out = append(out, t)
		}
	}
	for _, t := range tasks {
		place(t, 0)
	}
	return out
}

// waitWithGrace waits for wg up to grace, reporting whether it finished.
func waitWithGrace(wg *sync.WaitGroup, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}
