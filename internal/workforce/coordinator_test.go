package workforce

import (
	"context"
	"fmt"
	"testing"

	"github.com/basket/workforce/internal/provider"
)

func coordWorkers() []*Worker {
	return []*Worker{
		{ID: "w1", Role: "researcher"},
		{ID: "w2", Role: "writer"},
	}
}

func coordTasks() []*Task {
	return []*Task{
		{ID: "t1", Description: "research"},
		{ID: "t2", Description: "write"},
	}
}

func TestCoordinator_AssignFromModelResponse(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return `{"assignments": [
			{"task_id": "t1", "assignee_id": "w1", "dependencies": []},
			{"task_id": "t2", "assignee_id": "w2", "dependencies": ["t1"]}
		]}`, nil
	})
	c := NewCoordinator(client, "", nil, "s1", nil)

	tasks := coordTasks()
	assignment := c.Assign(context.Background(), tasks, coordWorkers())

	if assignment["t1"] != "w1" || assignment["t2"] != "w2" {
		t.Fatalf("assignment = %v", assignment)
	}
	// Dependencies updated from the response.
	if len(tasks[1].Dependencies) != 1 || tasks[1].Dependencies[0] != "t1" {
		t.Fatalf("t2 deps = %v", tasks[1].Dependencies)
	}
}

func TestCoordinator_ParseFailureFallsBackToRoundRobin(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return "no json here, sorry", nil
	})
	c := NewCoordinator(client, "", nil, "s1", nil)

	tasks := coordTasks()
	assignment := c.Assign(context.Background(), tasks, coordWorkers())

	if assignment["t1"] != "w1" || assignment["t2"] != "w2" {
		t.Fatalf("round robin = %v", assignment)
	}
}

func TestCoordinator_ModelErrorFallsBackToRoundRobin(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return "", fmt.Errorf("rate limited")
	})
	c := NewCoordinator(client, "", nil, "s1", nil)

	assignment := c.Assign(context.Background(), coordTasks(), coordWorkers())
	if len(assignment) != 2 {
		t.Fatalf("assignment incomplete: %v", assignment)
	}
}

func TestCoordinator_UnknownWorkerDroppedToRoundRobin(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return `{"assignments": [
			{"task_id": "t1", "assignee_id": "ghost", "dependencies": []},
			{"task_id": "t2", "assignee_id": "w2", "dependencies": []}
		]}`, nil
	})
	c := NewCoordinator(client, "", nil, "s1", nil)

	assignment := c.Assign(context.Background(), coordTasks(), coordWorkers())
	if assignment["t2"] != "w2" {
		t.Fatalf("valid assignment lost: %v", assignment)
	}
	// t1 fell through to round robin over the real pool.
	if assignment["t1"] != "w1" {
		t.Fatalf("t1 = %q, want w1", assignment["t1"])
	}
}

func TestCoordinator_AssignmentIsTotal(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		// The model forgot t2 entirely.
		return `{"assignments": [{"task_id": "t1", "assignee_id": "w2"}]}`, nil
	})
	c := NewCoordinator(client, "", nil, "s1", nil)

	assignment := c.Assign(context.Background(), coordTasks(), coordWorkers())
	if len(assignment) != 2 {
		t.Fatalf("assignment = %v, want entries for both tasks", assignment)
	}
}

type stubAdvisor struct {
	allocations []Allocation
	err         error
	called      bool
}

func (a *stubAdvisor) AllocateTasks(_ context.Context, _ string, _ []AdvisorTask) ([]Allocation, error) {
	a.called = true
	return a.allocations, a.err
}

func TestCoordinator_AdvisorWinsWhenComplete(t *testing.T) {
	advisor := &stubAdvisor{allocations: []Allocation{
		{TaskID: "t1", AssignedAgent: "w2"},
		{TaskID: "t2", AssignedAgent: "w1"},
	}}
	client := newFakeClient(func(provider.Request) (string, error) {
		return "", fmt.Errorf("model must not be consulted")
	})
	c := NewCoordinator(client, "", advisor, "s1", nil)

	assignment := c.Assign(context.Background(), coordTasks(), coordWorkers())
	if !advisor.called {
		t.Fatal("advisor not consulted")
	}
	if assignment["t1"] != "w2" || assignment["t2"] != "w1" {
		t.Fatalf("assignment = %v", assignment)
	}
}

func TestCoordinator_AdvisorUnknownWorkerFallsThrough(t *testing.T) {
	advisor := &stubAdvisor{allocations: []Allocation{
		{TaskID: "t1", AssignedAgent: "nobody"},
		{TaskID: "t2", AssignedAgent: "w1"},
	}}
	client := newFakeClient(func(provider.Request) (string, error) {
		return `{"assignments": [
			{"task_id": "t1", "assignee_id": "w1"},
			{"task_id": "t2", "assignee_id": "w2"}
		]}`, nil
	})
	c := NewCoordinator(client, "", advisor, "s1", nil)

	assignment := c.Assign(context.Background(), coordTasks(), coordWorkers())
	// Advisor result incomplete after the drop: the model path decides.
	if assignment["t1"] != "w1" || assignment["t2"] != "w2" {
		t.Fatalf("assignment = %v", assignment)
	}
}

func TestCoordinator_EmptyInputs(t *testing.T) {
	c := NewCoordinator(newFakeClient(nil), "", nil, "s1", nil)
	if got := c.Assign(context.Background(), nil, coordWorkers()); len(got) != 0 {
		t.Fatalf("assignment for no tasks = %v", got)
	}
	if got := c.Assign(context.Background(), coordTasks(), nil); len(got) != 0 {
		t.Fatalf("assignment for no workers = %v", got)
	}
}
