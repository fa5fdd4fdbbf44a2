package tasklock

import (
	"log/slog"
	"sync"
	"time"
)

// Registry maps project ids to their TaskLock, enforcing exactly one lock
// per project at a time. Held by the process Runtime.
type Registry struct {
	mu          sync.Mutex
	locks       map[string]*TaskLock
	queueSize   int
	historyMax  int
	logger      *slog.Logger
}

func NewRegistry(queueSize, historyMaxChars int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		locks:      make(map[string]*TaskLock),
		queueSize:  queueSize,
		historyMax: historyMaxChars,
		logger:     logger,
	}
}

// GetOrCreate returns the project's TaskLock, creating it in CONFIRMING when
// absent.
func (r *Registry) GetOrCreate(projectID string) *TaskLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tl, ok := r.locks[projectID]; ok {
		return tl
	}
	tl := New(projectID, r.queueSize, r.historyMax, r.logger)
	r.locks[projectID] = tl
	r.logger.Info("task lock created", "project_id", projectID)
	return tl
}

// Get returns the project's TaskLock or nil.
func (r *Registry) Get(projectID string) *TaskLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[projectID]
}

// Remove deletes the project's TaskLock after cleaning it up.
func (r *Registry) Remove(projectID string) {
	r.mu.Lock()
	tl, ok := r.locks[projectID]
	if ok {
		delete(r.locks, projectID)
	}
	r.mu.Unlock()
	if ok {
		tl.Cleanup()
		r.logger.Info("task lock removed", "project_id", projectID)
	}
}

// Sweep removes locks idle longer than ttl that are not mid-execution.
// Returns the removed project ids.
func (r *Registry) Sweep(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	var expired []*TaskLock
	for id, tl := range r.locks {
		if tl.Status() == StatusProcessing {
			continue
		}
		if tl.LastAccessed().Before(cutoff) {
			expired = append(expired, tl)
			delete(r.locks, id)
		}
	}
	r.mu.Unlock()

	removed := make([]string, 0, len(expired))
	for _, tl := range expired {
		tl.Cleanup()
		removed = append(removed, tl.ProjectID)
	}
	if len(removed) > 0 {
		r.logger.Info("swept idle task locks", "count", len(removed))
	}
	return removed
}

// Len returns the number of live locks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
