// Package runtime holds the process-wide context: the hook registry and the
// TaskLock registry. Constructed once at startup and plumbed by reference so
// tests stay isolable; nothing here is a package-level singleton.
package runtime

import (
	"log/slog"

	"github.com/basket/workforce/internal/hooks"
	"github.com/basket/workforce/internal/tasklock"
)

// Runtime is the process-wide context.
type Runtime struct {
	Hooks  *hooks.Registry
	Locks  *tasklock.Registry
	Logger *slog.Logger
}

// New builds a Runtime with the given queue and history caps for TaskLocks.
func New(actionQueueSize, historyMaxChars int, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		Hooks:  hooks.NewRegistry(logger),
		Locks:  tasklock.NewRegistry(actionQueueSize, historyMaxChars, logger),
		Logger: logger,
	}
}
