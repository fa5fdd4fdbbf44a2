// Package tasklock implements the per-project state container: status
// machine, bounded action queue, conversation history, human-input queues
// and the background-task registry.
package tasklock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is the per-project state machine.
type Status string

const (
	StatusConfirming Status = "confirming"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// validTransitions: CONFIRMING moves to CONFIRMED on start, CONFIRMED to
// PROCESSING when execution begins, PROCESSING and PAUSED swap on
// stop/resume, PROCESSING ends in DONE or FAILED. Terminal states accept a
// reset to CONFIRMING for a fresh round.
var validTransitions = map[Status][]Status{
	StatusConfirming: {StatusConfirmed, StatusFailed},
	StatusConfirmed:  {StatusProcessing, StatusConfirming, StatusFailed},
	StatusProcessing: {StatusPaused, StatusDone, StatusFailed, StatusConfirming},
	StatusPaused:     {StatusProcessing, StatusFailed, StatusConfirming},
	StatusDone:       {StatusConfirming},
	StatusFailed:     {StatusConfirming},
}

// Action enumerates the control commands from the client and the
// client-directed records produced by the backend. Both travel on the same
// action queue; the stream adapter maps the client-directed subset onto wire
// frames and drops the rest, while control actions are teed to the
// orchestrator's control channel.
type Action string

// Client -> backend control actions.
const (
	ActionImprove    Action = "improve"
	ActionUpdateTask Action = "update_task"
	ActionStart      Action = "start"
	ActionStop       Action = "stop"
	ActionSupplement Action = "supplement"
	ActionPause      Action = "pause"
	ActionResume     Action = "resume"
	ActionNewAgent   Action = "new_agent"
	ActionAddTask    Action = "add_task"
	ActionRemoveTask Action = "remove_task"
	ActionSkipTask   Action = "skip_task"
	ActionHumanReply Action = "human_reply"
)

// Backend -> client action records.
const (
	ActionTaskState         Action = "task_state"
	ActionNewTaskState      Action = "new_task_state"
	ActionDecomposeText     Action = "decompose_text"
	ActionToSubTasks        Action = "to_sub_tasks"
	ActionWaitConfirm       Action = "wait_confirm"
	ActionCreateAgent       Action = "create_agent"
	ActionActivateAgent     Action = "activate_agent"
	ActionDeactivateAgent   Action = "deactivate_agent"
	ActionAssignTask        Action = "assign_task"
	ActionActivateToolkit   Action = "activate_toolkit"
	ActionDeactivateToolkit Action = "deactivate_toolkit"
	ActionWriteFile         Action = "write_file"
	ActionAsk               Action = "ask"
	ActionNotice            Action = "notice"
	ActionTerminal          Action = "terminal"
	ActionEnd               Action = "end"
	ActionError             Action = "error"
	ActionBudgetNotEnough   Action = "budget_not_enough"
	ActionContextTooLong    Action = "context_too_long"
)

// controlActions is the subset teed to the orchestrator.
var controlActions = map[Action]bool{
	ActionImprove: true, ActionUpdateTask: true, ActionStart: true,
	ActionStop: true, ActionSupplement: true, ActionPause: true,
	ActionResume: true, ActionNewAgent: true, ActionAddTask: true,
	ActionRemoveTask: true, ActionSkipTask: true, ActionHumanReply: true,
}

// ActionData is one action record.
type ActionData struct {
	Action    Action         `json:"action"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// ConversationEntry is one turn of the retained conversation.
type ConversationEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrQueueFull is returned by Put when the action queue is at capacity.
var ErrQueueFull = errors.New("action queue full")

// ErrInvalidTransition is returned for status changes outside the machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskLock is the per-project state container. Exactly one exists per
// project id at a time; the Registry enforces that.
type TaskLock struct {
	ProjectID string

	mu           sync.Mutex
	status       Status
	history      []ConversationEntry
	historyChars int
	historyMax   int

	queue   chan ActionData
	control chan ActionData

	humanInput map[string]chan string

	lastTaskResult  string
	lastTaskSummary string
	currentTaskID   string

	background map[int]context.CancelFunc
	nextBgID   int
	cleaned    bool

	createdAt    time.Time
	lastAccessed time.Time

	logger *slog.Logger
}

// New creates a TaskLock in CONFIRMING with the given queue and history caps.
func New(projectID string, queueSize, historyMaxChars int, logger *slog.Logger) *TaskLock {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if historyMaxChars <= 0 {
		historyMaxChars = 10000
	}
	now := time.Now()
	return &TaskLock{
		ProjectID:    projectID,
		status:       StatusConfirming,
		historyMax:   historyMaxChars,
		queue:        make(chan ActionData, queueSize),
		control:      make(chan ActionData, 64),
		humanInput:   make(map[string]chan string),
		background:   make(map[int]context.CancelFunc),
		createdAt:    now,
		lastAccessed: now,
		logger:       logger.With("project_id", projectID),
	}
}

// Status returns the current status.
func (tl *TaskLock) Status() Status {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.status
}

// SetStatus applies a status transition, rejecting moves outside the state
// machine.
func (tl *TaskLock) SetStatus(next Status) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.status == next {
		return nil
	}
	for _, allowed := range validTransitions[tl.status] {
		if allowed == next {
			tl.logger.Info("status changed", "from", string(tl.status), "to", string(next))
			tl.status = next
			tl.lastAccessed = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tl.status, next)
}

// Put enqueues an action record. Control actions are additionally teed to
// the orchestrator's control channel. Returns ErrQueueFull when the queue is
// at capacity; the action is rejected, not partially delivered.
func (tl *TaskLock) Put(ad ActionData) error {
	if ad.Timestamp.IsZero() {
		ad.Timestamp = time.Now()
	}
	select {
	case tl.queue <- ad:
	default:
		tl.logger.Warn("action queue full, rejecting", "action", string(ad.Action))
		return ErrQueueFull
	}
	if controlActions[ad.Action] {
		select {
		case tl.control <- ad:
		default:
			tl.logger.Warn("control channel full, dropping control tee", "action", string(ad.Action))
		}
	}
	tl.touch()
	return nil
}

// Get dequeues the next action record, waiting up to timeout when positive.
// Returns ok=false on timeout or context cancellation.
func (tl *TaskLock) Get(ctx context.Context, timeout time.Duration) (ActionData, bool) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-ctx.Done():
		return ActionData{}, false
	case ad := <-tl.queue:
		tl.touch()
		return ad, true
	}
}

// Queue exposes the action queue for select-based consumers (the stream
// adapter's background reader).
func (tl *TaskLock) Queue() <-chan ActionData {
	return tl.queue
}

// Control exposes the control channel consumed by the orchestrator between
// subtask dispatches.
func (tl *TaskLock) Control() <-chan ActionData {
	return tl.control
}

// AddConversation appends an entry, then evicts oldest entries until the
// retained total character count fits the cap. Retained entries are always a
// contiguous suffix of the append order.
func (tl *TaskLock) AddConversation(role, content string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.history = append(tl.history, ConversationEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	tl.historyChars += len(content)

	for tl.historyChars > tl.historyMax && len(tl.history) > 0 {
		tl.historyChars -= len(tl.history[0].Content)
		tl.history = tl.history[1:]
	}
	tl.lastAccessed = time.Now()
}

// Conversation returns a copy of the retained history, oldest first. A
// positive limit returns only the last N entries.
func (tl *TaskLock) Conversation(limit int) []ConversationEntry {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	entries := tl.history
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]ConversationEntry, len(entries))
	copy(out, entries)
	return out
}

// UpdateLastResult records the most recent final result and summary.
func (tl *TaskLock) UpdateLastResult(result, summary string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.lastTaskResult = result
	if summary != "" {
		tl.lastTaskSummary = summary
	}
	tl.lastAccessed = time.Now()
}

// LastResult returns the last task result and summary.
func (tl *TaskLock) LastResult() (result, summary string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.lastTaskResult, tl.lastTaskSummary
}

// SetCurrentTask records the task id currently driving the project.
func (tl *TaskLock) SetCurrentTask(taskID string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.currentTaskID = taskID
}

// CurrentTask returns the task id currently driving the project.
func (tl *TaskLock) CurrentTask() string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.currentTaskID
}

// AskHuman blocks until the client posts an answer for agentName or the
// context expires. Used by workers after emitting an ask record.
func (tl *TaskLock) AskHuman(ctx context.Context, agentName string) (string, error) {
	ch := tl.humanInputQueue(agentName)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case answer := <-ch:
		return answer, nil
	}
}

// AnswerHuman delivers a client-supplied answer to the named agent's queue.
func (tl *TaskLock) AnswerHuman(agentName, answer string) {
	ch := tl.humanInputQueue(agentName)
	select {
	case ch <- answer:
	default:
		tl.logger.Warn("human input queue full, dropping answer", "agent", agentName)
	}
}

func (tl *TaskLock) humanInputQueue(agentName string) chan string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	ch, ok := tl.humanInput[agentName]
	if !ok {
		ch = make(chan string, 8)
		tl.humanInput[agentName] = ch
	}
	return ch
}

// AddBackground registers a background activity's cancel func and returns a
// deregistration handle. Cleanup cancels everything still registered.
func (tl *TaskLock) AddBackground(cancel context.CancelFunc) (remove func()) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.cleaned {
		// Already cleaned: cancel immediately so nothing leaks.
		cancel()
		return func() {}
	}
	tl.nextBgID++
	id := tl.nextBgID
	tl.background[id] = cancel
	return func() {
		tl.mu.Lock()
		defer tl.mu.Unlock()
		delete(tl.background, id)
	}
}

// BackgroundCount returns the number of registered background activities.
func (tl *TaskLock) BackgroundCount() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return len(tl.background)
}

// Cleanup cancels all background activities and drains the queues.
// Idempotent: the second call is a no-op.
func (tl *TaskLock) Cleanup() {
	tl.mu.Lock()
	if tl.cleaned {
		tl.mu.Unlock()
		return
	}
	tl.cleaned = true
	cancels := make([]context.CancelFunc, 0, len(tl.background))
	for _, c := range tl.background {
		cancels = append(cancels, c)
	}
	tl.background = make(map[int]context.CancelFunc)
	tl.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	for {
		select {
		case <-tl.queue:
		default:
			tl.logger.Info("cleaned up")
			return
		}
	}
}

// LastAccessed returns when the lock was last touched.
func (tl *TaskLock) LastAccessed() time.Time {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.lastAccessed
}

func (tl *TaskLock) touch() {
	tl.mu.Lock()
	tl.lastAccessed = time.Now()
	tl.mu.Unlock()
}
