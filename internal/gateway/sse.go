package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/workforce/internal/bus"
	"github.com/basket/workforce/internal/tasklock"
)

// Adapter projects one project's internal events onto the wire protocol.
// It merges two sources: the session's event bus and the TaskLock action
// queue. Each source is observed in its own order; interleaving between the
// two is unspecified.
type Adapter struct {
	projectID string
	lock      *tasklock.TaskLock
	bus       *bus.Bus
	heartbeat time.Duration
	logger    *slog.Logger
}

func NewAdapter(projectID string, lock *tasklock.TaskLock, b *bus.Bus, heartbeat time.Duration, logger *slog.Logger) *Adapter {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		projectID: projectID,
		lock:      lock,
		bus:       b,
		heartbeat: heartbeat,
		logger:    logger.With("project_id", projectID),
	}
}

// Stream yields frames through emit until an end frame is produced, emit
// fails (client gone), or ctx is cancelled. A background reader drains the
// TaskLock action queue into a local queue; it is cancelled and drained on
// every return path, so no background activity outlives the stream.
func (a *Adapter) Stream(ctx context.Context, emit func(frame string) error) error {
	readerCtx, cancelReader := context.WithCancel(ctx)
	removeBg := a.lock.AddBackground(cancelReader)
	defer func() {
		cancelReader()
		removeBg()
	}()

	local := make(chan tasklock.ActionData, 64)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-readerCtx.Done():
				return
			case ad := <-a.lock.Queue():
				select {
				case local <- ad:
				case <-readerCtx.Done():
					return
				}
			}
		}
	}()
	defer func() {
		cancelReader()
		<-readerDone
		// Drain anything the reader moved but the stream never consumed.
		for {
			select {
			case <-local:
			default:
				return
			}
		}
	}()

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Debug("stream cancelled")
			return ctx.Err()

		case ev, ok := <-a.bus.Queue():
			if !ok {
				return nil
			}
			frame, mapped := projectEvent(ev)
			if !mapped {
				continue
			}
			if err := emit(frame); err != nil {
				a.logger.Debug("stream write failed", "error", err)
				return err
			}
			ticker.Reset(a.heartbeat)
			if ev.Action == bus.ActionWorkforceStopped {
				return nil
			}

		case ad := <-local:
			frame, mapped := projectAction(ad)
			if !mapped {
				continue
			}
			if err := emit(frame); err != nil {
				a.logger.Debug("stream write failed", "error", err)
				return err
			}
			ticker.Reset(a.heartbeat)
			if ad.Action == tasklock.ActionEnd {
				return nil
			}

		case <-ticker.C:
			if err := emit(Frame(WireSync, map[string]any{})); err != nil {
				return err
			}
		}
	}
}
