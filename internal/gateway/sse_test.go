package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/workforce/internal/bus"
	"github.com/basket/workforce/internal/tasklock"
)

type frameCollector struct {
	mu     sync.Mutex
	frames []string
}

func (c *frameCollector) emit(frame string) error {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *frameCollector) steps(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var steps []string
	for _, f := range c.frames {
		step, _ := decodeFrame(t, f)
		steps = append(steps, step)
	}
	return steps
}

func waitForFrames(t *testing.T, col *frameCollector, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		col.mu.Lock()
		have := len(col.frames)
		col.mu.Unlock()
		if have >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames", n)
}

func newAdapterUnderTest(heartbeat time.Duration) (*Adapter, *tasklock.TaskLock, *bus.Bus) {
	lock := tasklock.New("p1", 100, 10000, nil)
	b := bus.New(nil)
	return NewAdapter("p1", lock, b, heartbeat, nil), lock, b
}

func TestAdapter_MergesBothSources(t *testing.T) {
	adapter, lock, b := newAdapterUnderTest(time.Minute)
	col := &frameCollector{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- adapter.Stream(ctx, col.emit) }()

	b.Publish(bus.Event{Action: bus.ActionTaskCompleted, TaskID: "t1", Data: map[string]any{"result": "r"}})
	_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionNotice, Data: map[string]any{"notice": "n"}})
	// Let both sources drain before the end record closes the stream.
	waitForFrames(t, col, 2)
	_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionEnd, Data: map[string]any{"summary": "s"}})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stream: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after end action")
	}

	steps := col.steps(t)
	joined := strings.Join(steps, ",")
	if !strings.Contains(joined, "task_state") || !strings.Contains(joined, "notice") {
		t.Fatalf("steps = %v", steps)
	}
	if steps[len(steps)-1] != "end" {
		t.Fatalf("last step = %s, want end", steps[len(steps)-1])
	}
}

func TestAdapter_UnmappedRecordsDropped(t *testing.T) {
	adapter, lock, b := newAdapterUnderTest(time.Minute)
	col := &frameCollector{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- adapter.Stream(ctx, col.emit) }()

	b.Publish(bus.Event{Action: bus.ActionWorkforceStarted})   // unmapped
	_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionStart}) // control: unmapped
	_ = lock.Put(tasklock.ActionData{Action: tasklock.ActionEnd})

	<-done
	for _, step := range col.steps(t) {
		if step != "end" {
			t.Fatalf("unexpected frame step %q", step)
		}
	}
}

func TestAdapter_HeartbeatOnIdle(t *testing.T) {
	adapter, _, _ := newAdapterUnderTest(30 * time.Millisecond)
	col := &frameCollector{}

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	_ = adapter.Stream(ctx, col.emit)

	steps := col.steps(t)
	if len(steps) < 2 {
		t.Fatalf("heartbeats = %d, want >= 2", len(steps))
	}
	for _, s := range steps {
		if s != "sync" {
			t.Fatalf("idle stream produced %q", s)
		}
	}
}

func TestAdapter_EndFromBusStopsStream(t *testing.T) {
	adapter, _, b := newAdapterUnderTest(time.Minute)
	col := &frameCollector{}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- adapter.Stream(ctx, col.emit) }()

	b.Publish(bus.Event{Action: bus.ActionWorkforceStopped, Data: map[string]any{"summary": "stopped"}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after workforce_stopped")
	}
	steps := col.steps(t)
	if len(steps) != 1 || steps[0] != "end" {
		t.Fatalf("steps = %v", steps)
	}
}

func TestAdapter_NoBackgroundLeak(t *testing.T) {
	adapter, lock, _ := newAdapterUnderTest(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- adapter.Stream(ctx, func(string) error { return nil }) }()

	// Give the background reader a moment to register.
	deadline := time.Now().Add(time.Second)
	for lock.BackgroundCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if lock.BackgroundCount() != 1 {
		t.Fatalf("background count = %d, want 1", lock.BackgroundCount())
	}

	cancel()
	<-done
	if lock.BackgroundCount() != 0 {
		t.Fatalf("background count after stream = %d, want 0", lock.BackgroundCount())
	}
}
