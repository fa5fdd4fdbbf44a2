// Package gateway serves the HTTP surface: project start with SSE streaming,
// multi-turn follow-up, task-list editing, stop, and the frontend
// compatibility stubs. It owns the orchestration flow that ties the TaskLock,
// the workforce session and the stream adapter together.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/workforce/internal/bus"
	"github.com/basket/workforce/internal/otel"
	"github.com/basket/workforce/internal/persistence"
	"github.com/basket/workforce/internal/provider"
	"github.com/basket/workforce/internal/runtime"
	"github.com/basket/workforce/internal/shared"
	"github.com/basket/workforce/internal/tasklock"
	"github.com/basket/workforce/internal/workforce"
)

// ServiceName is reported by /health.
const ServiceName = "workforce"

// Config carries the server wiring.
type Config struct {
	Addr           string
	Heartbeat      time.Duration
	EventQueueSize int
	Session        workforce.SessionConfig

	// ConfirmTimeout bounds how long a decomposed plan waits for a start
	// action before the stream is ended. Default 10 minutes.
	ConfirmTimeout time.Duration

	// NewModelClient builds a per-project model client honoring the request's
	// model/key overrides. Nil uses DefaultClient for everything.
	NewModelClient func(model, apiKey, apiURL string) provider.ModelClient

	DefaultClient provider.ModelClient
	Advisor       workforce.Advisor
}

// project bundles one project's live state.
type project struct {
	lock    *tasklock.TaskLock
	bus     *bus.Bus
	session *workforce.Session

	mu      sync.Mutex
	running bool
}

// Server is the HTTP gateway.
type Server struct {
	cfg     Config
	rt      *runtime.Runtime
	store   *persistence.Store
	metrics *otel.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	projects map[string]*project

	httpSrv *http.Server
}

// NewServer builds the gateway. store and metrics may be nil.
func NewServer(cfg Config, rt *runtime.Runtime, store *persistence.Store, metrics *otel.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 10 * time.Minute
	}
	return &Server{
		cfg:      cfg,
		rt:       rt,
		store:    store,
		metrics:  metrics,
		logger:   logger.With("component", "gateway"),
		projects: make(map[string]*project),
	}
}

// Routes returns the configured mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/{project_id}", s.handleSupplement)
	mux.HandleFunc("DELETE /chat/{project_id}/skip-task", s.handleSkipTask)
	mux.HandleFunc("PUT /task/{project_id}", s.handleUpdateTask)
	mux.HandleFunc("POST /task/{project_id}/start", s.handleStartTask)
	mux.HandleFunc("GET /task/{project_id}/history", s.handleHistory)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)

	// Frontend-compatibility stubs; the real services are external.
	mux.HandleFunc("GET /api/providers", listStub)
	mux.HandleFunc("GET /api/configs", listStub)
	mux.HandleFunc("GET /api/chat/histories", listStub)
	mux.HandleFunc("GET /api/mcps", listStub)

	return mux
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ChatRequest is the POST /chat body. Unknown fields are ignored on ingress.
type ChatRequest struct {
	ProjectID        string            `json:"project_id"`
	TaskID           string            `json:"task_id"`
	Question         string            `json:"question"`
	ModelPlatform    string            `json:"model_platform"`
	ModelType        string            `json:"model_type"`
	APIKey           string            `json:"api_key"`
	APIURL           string            `json:"api_url"`
	Language         string            `json:"language"`
	MaxRetries       int               `json:"max_retries"`
	AllowLocalSystem bool              `json:"allow_local_system"`
	InstalledMCP     []string          `json:"installed_mcp"`
	NewAgents        []json.RawMessage `json:"new_agents"`
	Attaches         []string          `json:"attaches"`
	ExtraParams      map[string]any    `json:"extra_params"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	logger := s.requestLogger(ctx)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.ProjectID == "" || req.Question == "" {
		httpError(w, http.StatusBadRequest, "project_id and question are required")
		return
	}

	proj := s.projectFor(ctx, req.ProjectID, &req)
	proj.lock.AddConversation("user", req.Question)

	// A finished project accepts a fresh round.
	switch proj.lock.Status() {
	case tasklock.StatusDone, tasklock.StatusFailed, tasklock.StatusPaused:
		if err := proj.lock.SetStatus(tasklock.StatusConfirming); err != nil {
			logger.Debug("round reset rejected", "project_id", req.ProjectID, "error", err)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	emit := func(frame string) error {
		if _, err := fmt.Fprint(w, frame); err != nil {
			return err
		}
		flusher.Flush()
		if s.metrics != nil {
			s.metrics.StreamFrames.Add(ctx, 1)
		}
		return nil
	}

	// The confirmed frame leads every stream.
	if err := emit(Frame(WireConfirmed, map[string]any{"question": req.Question})); err != nil {
		return
	}

	s.startOrchestration(ctx, proj, req)

	adapter := NewAdapter(req.ProjectID, proj.lock, proj.bus, s.cfg.Heartbeat, logger)
	if err := adapter.Stream(ctx, emit); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("stream ended", "project_id", req.ProjectID, "error", err)
	}
}

func (s *Server) handleSupplement(w http.ResponseWriter, r *http.Request) {
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	projectID := r.PathValue("project_id")
	var body struct {
		Question string `json:"question"`
		TaskID   string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Question == "" {
		httpError(w, http.StatusBadRequest, "question is required")
		return
	}

	proj := s.projectFor(ctx, projectID, nil)
	proj.lock.AddConversation("user", body.Question)
	if err := proj.lock.Put(tasklock.ActionData{
		Action: tasklock.ActionSupplement,
		Data:   map[string]any{"question": body.Question, "task_id": body.TaskID},
	}); err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"status": "accepted", "project_id": projectID})
}

func (s *Server) handleSkipTask(w http.ResponseWriter, r *http.Request) {
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	projectID := r.PathValue("project_id")
	proj := s.projectFor(ctx, projectID, nil)

	_ = proj.lock.Put(tasklock.ActionData{Action: tasklock.ActionStop, Data: map[string]any{}})
	if err := proj.lock.SetStatus(tasklock.StatusPaused); err != nil {
		s.requestLogger(ctx).Debug("skip-task outside processing", "project_id", projectID, "error", err)
	}
	proj.session.Stop()

	writeJSON(w, http.StatusCreated, map[string]any{"status": "stopped", "project_id": projectID})
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	var body struct {
		Task []struct {
			ID      string `json:"id"`
			Content string `json:"content"`
			Status  string `json:"status"`
		} `json:"task"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	tasks := make([]map[string]any, 0, len(body.Task))
	for _, t := range body.Task {
		tasks = append(tasks, map[string]any{"id": t.ID, "content": t.Content, "status": t.Status})
	}

	proj := s.projectFor(shared.WithTraceID(r.Context(), shared.NewTraceID()), projectID, nil)
	if err := proj.lock.Put(tasklock.ActionData{
		Action: tasklock.ActionUpdateTask,
		Data:   map[string]any{"tasks": tasks},
	}); err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "updated", "project_id": projectID})
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	projectID := r.PathValue("project_id")
	proj := s.projectFor(ctx, projectID, nil)

	if err := proj.lock.SetStatus(tasklock.StatusConfirmed); err != nil {
		s.requestLogger(ctx).Debug("start outside confirming", "project_id", projectID, "error", err)
	}
	if err := proj.lock.Put(tasklock.ActionData{Action: tasklock.ActionStart, Data: map[string]any{}}); err != nil {
		httpError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "started", "project_id": projectID})
}

// handleHistory serves archived rounds for a project: session summaries and
// their event logs from the relational store.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": []any{}, "events": []any{}})
		return
	}

	sessions, err := s.store.Sessions(r.Context(), projectID, 50)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := s.store.Events(r.Context(), projectID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type sessionOut struct {
		ProjectID  string    `json:"project_id"`
		Question   string    `json:"question"`
		Summary    string    `json:"summary"`
		Status     string    `json:"status"`
		CostUSD    float64   `json:"cost_usd"`
		CreatedAt  time.Time `json:"created_at"`
		FinishedAt time.Time `json:"finished_at"`
	}
	outSessions := make([]sessionOut, 0, len(sessions))
	for _, rec := range sessions {
		outSessions = append(outSessions, sessionOut(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": outSessions,
		"events":   events,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": ServiceName})
}

func listStub(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []any{})
}

// requestLogger stamps the server logger with the context's trace id so
// every line of one request or round correlates in the log stream.
func (s *Server) requestLogger(ctx context.Context) *slog.Logger {
	return s.logger.With("trace_id", shared.TraceID(ctx))
}

// projectFor returns the project's live state, building the TaskLock, bus
// and session on first use. A ChatRequest may override the model client; the
// session's logger carries the trace id of the round that created it.
func (s *Server) projectFor(ctx context.Context, projectID string, req *ChatRequest) *project {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projects[projectID]; ok {
		return p
	}

	logger := s.requestLogger(ctx)
	lock := s.rt.Locks.GetOrCreate(projectID)
	b := bus.NewWithQueueSize(logger, s.cfg.EventQueueSize)

	client := s.cfg.DefaultClient
	sessCfg := s.cfg.Session
	if req != nil {
		if req.MaxRetries > 0 {
			sessCfg.MaxRetries = req.MaxRetries
		}
		if req.ModelType != "" {
			sessCfg.Model = req.ModelType
		}
		if s.cfg.NewModelClient != nil && (req.APIKey != "" || req.ModelType != "") {
			client = s.cfg.NewModelClient(req.ModelType, req.APIKey, req.APIURL)
		}
	}

	sess := workforce.NewSession(projectID, sessCfg, b, s.rt.Hooks, client, s.cfg.Advisor, nil, logger)

	p := &project{lock: lock, bus: b, session: sess}
	s.projects[projectID] = p
	return p
}

// startOrchestration launches the project flow once; subsequent /chat posts
// on a live project only add conversation context. The round inherits the
// originating request's trace id on a detached context.
func (s *Server) startOrchestration(reqCtx context.Context, p *project, req ChatRequest) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(shared.WithTraceID(context.Background(), shared.TraceID(reqCtx)))
	removeBg := p.lock.AddBackground(cancel)

	go func() {
		defer func() {
			cancel()
			removeBg()
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
		}()
		s.orchestrate(ctx, p, req)
	}()
}

// orchestrate drives one project round: fast path for simple questions,
// otherwise decompose, wait for confirmation, execute and report.
func (s *Server) orchestrate(ctx context.Context, p *project, req ChatRequest) {
	lock, sess := p.lock, p.session
	logger := s.requestLogger(ctx)
	started := time.Now()
	question := req.Question

	finish := func(status tasklock.Status, summary string) {
		if err := lock.SetStatus(status); err != nil {
			logger.Debug("finish transition rejected", "project_id", lock.ProjectID, "error", err)
		}
		s.archive(ctx, lock, p, question, summary, string(status), started)
	}

	if !sess.CheckContext(s.mergedContext(lock, question)) {
		// The bus event already produced the context_too_long frame.
		_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionEnd, Data: map[string]any{"summary": "context too long"}})
		finish(tasklock.StatusFailed, "context too long")
		return
	}

	if sess.IsSimpleQuestion(ctx, question) {
		answer, err := sess.AnswerDirect(ctx, question)
		if err != nil {
			s.emitError(ctx, lock, err)
			finish(tasklock.StatusFailed, err.Error())
			return
		}
		lock.AddConversation("assistant", answer)
		lock.UpdateLastResult(answer, answer)
		_ = lock.Put(tasklock.ActionData{
			Action: tasklock.ActionWaitConfirm,
			Data:   map[string]any{"content": answer, "question": question},
		})
		_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionEnd, Data: map[string]any{"summary": answer}})
		s.archive(ctx, lock, p, question, answer, "answered", started)
		return
	}

	sess.DecomposeTask(ctx, question, s.supplementContext(lock))

	if !s.awaitStart(ctx, p) {
		return
	}

	if err := lock.SetStatus(tasklock.StatusProcessing); err != nil {
		logger.Warn("cannot enter processing", "project_id", lock.ProjectID, "error", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	go s.watchControl(watchCtx, p)

	summary, err := sess.StartExecution(ctx)
	stopWatch()

	switch {
	case err == nil:
		lock.AddConversation("assistant", summary)
		lock.UpdateLastResult(summary, summary)
		_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionEnd, Data: map[string]any{"summary": summary}})
		finish(tasklock.StatusDone, summary)

	case errors.Is(err, workforce.ErrStopped):
		// The workforce_stopped bus event already closed the stream with an
		// end frame; the status moved to PAUSED when the stop arrived.
		s.archive(ctx, lock, p, question, "stopped by user", string(tasklock.StatusPaused), started)

	case errors.Is(err, workforce.ErrBudgetExhausted):
		_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionEnd, Data: map[string]any{"summary": "budget exhausted"}})
		finish(tasklock.StatusFailed, "budget exhausted")

	default:
		s.emitError(ctx, lock, err)
		finish(tasklock.StatusFailed, err.Error())
	}
}

// awaitStart consumes control actions between decomposition and execution:
// task-list edits, improve/supplement re-decompositions, the start action,
// or a stop. Reports whether execution should begin.
func (s *Server) awaitStart(ctx context.Context, p *project) bool {
	lock, sess := p.lock, p.session
	logger := s.requestLogger(ctx)
	deadline := time.NewTimer(s.cfg.ConfirmTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return false

		case <-deadline.C:
			_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionEnd, Data: map[string]any{"summary": "confirmation timed out"}})
			return false

		case ad := <-lock.Control():
			switch ad.Action {
			case tasklock.ActionStart:
				return true

			case tasklock.ActionStop, tasklock.ActionSkipTask:
				_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionEnd, Data: map[string]any{"summary": "stopped before execution"}})
				return false

			case tasklock.ActionUpdateTask:
				edits := parseTaskEdits(ad.Data)
				if err := sess.SetSubtasks(edits); err != nil {
					logger.Warn("task update rejected", "project_id", lock.ProjectID, "error", err)
					continue
				}
				_ = lock.Put(tasklock.ActionData{
					Action: tasklock.ActionNewTaskState,
					Data:   map[string]any{"project_id": lock.ProjectID, "tasks": ad.Data["tasks"]},
				})

			case tasklock.ActionImprove, tasklock.ActionSupplement:
				question := str(ad.Data, "question")
				if question == "" {
					continue
				}
				sess.DecomposeTask(ctx, question, s.supplementContext(lock))

			case tasklock.ActionAddTask:
				_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionAddTask, Data: ad.Data})

			case tasklock.ActionRemoveTask:
				_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionRemoveTask, Data: ad.Data})
			}
		}
	}
}

// watchControl consumes control actions while execution runs: stop cancels
// in-flight work, supplements extend the conversation, human replies unblock
// asking agents.
func (s *Server) watchControl(ctx context.Context, p *project) {
	lock, sess := p.lock, p.session
	logger := s.requestLogger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ad := <-lock.Control():
			switch ad.Action {
			case tasklock.ActionStop, tasklock.ActionSkipTask, tasklock.ActionPause:
				if err := lock.SetStatus(tasklock.StatusPaused); err != nil {
					logger.Debug("pause transition rejected", "project_id", lock.ProjectID, "error", err)
				}
				sess.Stop()

			case tasklock.ActionSupplement:
				// Recorded in conversation by the endpoint; nothing to do here.

			case tasklock.ActionHumanReply:
				lock.AnswerHuman(str(ad.Data, "agent"), str(ad.Data, "answer"))

			case tasklock.ActionResume:
				if err := lock.SetStatus(tasklock.StatusProcessing); err != nil {
					logger.Debug("resume transition rejected", "project_id", lock.ProjectID, "error", err)
				}
			}
		}
	}
}

func (s *Server) emitError(ctx context.Context, lock *tasklock.TaskLock, err error) {
	s.requestLogger(ctx).Error("session failed", "project_id", lock.ProjectID, "error", err)
	// The error frame is followed by end, then the stream closes.
	_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionError, Data: map[string]any{"message": err.Error()}})
	_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionEnd, Data: map[string]any{"summary": err.Error()}})
}

// archive snapshots the finished round into the relational store. The write
// happens on a detached context that keeps the round's trace id, so it
// survives stream teardown but still correlates in the logs.
func (s *Server) archive(roundCtx context.Context, lock *tasklock.TaskLock, p *project, question, summary, status string, started time.Time) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(shared.WithTraceID(context.Background(), shared.TraceID(roundCtx)), 5*time.Second)
	defer cancel()
	rec := persistence.SessionRecord{
		ProjectID:  lock.ProjectID,
		Question:   question,
		Summary:    summary,
		Status:     status,
		CostUSD:    p.session.CostUSD(),
		CreatedAt:  started,
		FinishedAt: time.Now(),
	}
	if err := s.store.ArchiveSession(ctx, rec, p.bus.Log().Since(0), lock.Conversation(0)); err != nil {
		s.requestLogger(ctx).Warn("session archive failed", "project_id", lock.ProjectID, "error", err)
	}
}

// mergedContext renders the retained conversation plus the new question for
// the context-length check.
func (s *Server) mergedContext(lock *tasklock.TaskLock, question string) string {
	var total string
	for _, e := range lock.Conversation(0) {
		total += e.Content + "\n"
	}
	return total + question
}

// supplementContext renders prior user turns as extra planner context on
// multi-turn rounds.
func (s *Server) supplementContext(lock *tasklock.TaskLock) string {
	entries := lock.Conversation(0)
	if len(entries) <= 1 {
		return ""
	}
	out := "Earlier conversation:\n"
	for _, e := range entries[:len(entries)-1] {
		out += fmt.Sprintf("%s: %s\n", e.Role, e.Content)
	}
	return out
}

func parseTaskEdits(data map[string]any) []workforce.SubtaskEdit {
	raw, ok := data["tasks"].([]map[string]any)
	if !ok {
		if anyList, ok2 := data["tasks"].([]any); ok2 {
			for _, e := range anyList {
				if m, ok3 := e.(map[string]any); ok3 {
					raw = append(raw, m)
				}
			}
		}
	}
	edits := make([]workforce.SubtaskEdit, 0, len(raw))
	for _, m := range raw {
		edits = append(edits, workforce.SubtaskEdit{
			ID:      str(m, "id"),
			Content: str(m, "content"),
		})
	}
	return edits
}

func httpError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
