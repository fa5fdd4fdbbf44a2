package workforce

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/basket/workforce/internal/provider"
)

func plannerWorkers() []*Worker {
	return []*Worker{
		{ID: "w1", Role: "researcher", Description: "web research"},
		{ID: "w2", Role: "writer", Description: "writing"},
	}
}

func TestPlanner_DecomposeWellFormedXML(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return "<tasks>\n<task>Search the web</task>\n<task>Summarize findings</task>\n</tasks>", nil
	})
	p := NewPlanner(client, "", nil)

	task := &Task{ID: "root", Description: "research X"}
	subtasks := p.Decompose(context.Background(), task, plannerWorkers(), "", nil)

	if len(subtasks) != 2 {
		t.Fatalf("subtasks = %d, want 2", len(subtasks))
	}
	if subtasks[0].ID != "root_subtask_1" || subtasks[1].ID != "root_subtask_2" {
		t.Fatalf("ids = %s, %s", subtasks[0].ID, subtasks[1].ID)
	}
	if subtasks[0].Description != "Search the web" {
		t.Fatalf("description = %q", subtasks[0].Description)
	}
}

func TestPlanner_DecomposeBareTaskSiblings(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return "<task>First</task><task>Second</task>", nil
	})
	p := NewPlanner(client, "", nil)

	subtasks := p.Decompose(context.Background(), &Task{ID: "r", Description: "d"}, plannerWorkers(), "", nil)
	if len(subtasks) != 2 || subtasks[0].Description != "First" {
		t.Fatalf("subtasks = %+v", describe(subtasks))
	}
}

func TestPlanner_DecomposePatternMatchFallback(t *testing.T) {
	// Broken XML (unclosed sibling) still yields the matched tasks.
	client := newFakeClient(func(provider.Request) (string, error) {
		return "Sure! Here is a plan: <task>Only step</task> and some <broken trailing", nil
	})
	p := NewPlanner(client, "", nil)

	subtasks := p.Decompose(context.Background(), &Task{ID: "r", Description: "d"}, plannerWorkers(), "", nil)
	if len(subtasks) != 1 || subtasks[0].Description != "Only step" {
		t.Fatalf("subtasks = %+v", describe(subtasks))
	}
}

func TestPlanner_DecomposeSingleSubtaskFallback(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return "I cannot structure this request.", nil
	})
	p := NewPlanner(client, "", nil)

	task := &Task{ID: "r", Description: "original work"}
	subtasks := p.Decompose(context.Background(), task, plannerWorkers(), "", nil)
	if len(subtasks) != 1 {
		t.Fatalf("subtasks = %d, want 1", len(subtasks))
	}
	if subtasks[0].ID != "r_subtask_1" || subtasks[0].Description != "original work" {
		t.Fatalf("fallback = %+v", subtasks[0])
	}
}

func TestPlanner_ModelErrorFallsBack(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return "", fmt.Errorf("connection refused")
	})
	p := NewPlanner(client, "", nil)

	subtasks := p.Decompose(context.Background(), &Task{ID: "r", Description: "work"}, plannerWorkers(), "", nil)
	if len(subtasks) != 1 || subtasks[0].Description != "work" {
		t.Fatalf("subtasks = %+v", describe(subtasks))
	}
}

func TestPlanner_DescriptionRestoredOnEveryPath(t *testing.T) {
	client := newFakeClient(func(req provider.Request) (string, error) {
		if !strings.Contains(req.Prompt, "extra context") {
			return "", fmt.Errorf("context was not spliced in")
		}
		return "<tasks><task>ok</task></tasks>", nil
	})
	p := NewPlanner(client, "", nil)

	task := &Task{ID: "r", Description: "base description"}
	p.Decompose(context.Background(), task, plannerWorkers(), "extra context", nil)
	if task.Description != "base description" {
		t.Fatalf("description not restored: %q", task.Description)
	}
}

func TestPlanner_StreamingCallbacksInOrder(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return "<tasks><task>a</task><task>b</task></tasks>", nil
	})
	p := NewPlanner(client, "", nil)

	var events []string
	cb := &DecomposeCallbacks{
		OnText:  func(string) { events = append(events, "text") },
		OnBatch: func(ts []*Task) { events = append(events, fmt.Sprintf("batch:%d", len(ts))) },
	}
	p.Decompose(context.Background(), &Task{ID: "r", Description: "d"}, plannerWorkers(), "", cb)

	if len(events) != 2 || events[0] != "text" || events[1] != "batch:2" {
		t.Fatalf("events = %v", events)
	}
}

func TestPlanner_DecomposeStructured(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return "<tasks><task>a</task><task>b</task></tasks>", nil
	})
	p := NewPlanner(client, "", nil)

	result := p.DecomposeStructured(context.Background(), &Task{ID: "r", Description: "d"}, plannerWorkers(), "")
	if len(result.Subtasks) != 2 {
		t.Fatalf("subtasks = %d", len(result.Subtasks))
	}
	if !result.CanParallelize {
		t.Fatal("independent subtasks should parallelize")
	}
	if result.Reasoning == "" {
		t.Fatal("missing reasoning")
	}
}

func TestPlanner_Compose(t *testing.T) {
	p := NewPlanner(newFakeClient(nil), "", nil)
	parent := &Task{ID: "r"}

	out, ok := p.Compose(parent, []TaskResult{
		{TaskID: "a", Success: true, Output: "first"},
		{TaskID: "b", Success: false, Output: "ignored", Error: "failed"},
		{TaskID: "c", Success: true, Output: "second"},
	})
	if !ok {
		t.Fatal("compose reported failure with successes present")
	}
	if out != "first\n\nsecond" {
		t.Fatalf("out = %q", out)
	}

	if _, ok := p.Compose(parent, []TaskResult{{TaskID: "a", Success: false}}); ok {
		t.Fatal("compose succeeded with zero successes")
	}
}

func describe(tasks []*Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID+":"+t.Description)
	}
	return out
}
