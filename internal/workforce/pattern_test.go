package workforce

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/workforce/internal/provider"
)

func TestWorkforcePattern_ExecuteFullRound(t *testing.T) {
	h := newHarness(t, SessionConfig{PoolSize: 2}, nil)
	h.client.handler = func(req provider.Request) (string, error) {
		switch {
		case isPlannerPrompt(req):
			return "<tasks><task>part a</task><task>part b</task></tasks>", nil
		case isCoordinatorPrompt(req):
			return assignEvenly(
				[]string{"task_s1_subtask_1", "task_s1_subtask_2"},
				[]string{"worker_1", "worker_2"}, nil), nil
		case strings.Contains(req.Prompt, "SIMPLE or COMPLEX"):
			return "COMPLEX", nil
		default:
			return "part done", nil
		}
	}

	p := NewWorkforcePattern(h.session)
	result, err := p.Execute(context.Background(), "Do part a and then part b of the project plan")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || result.Output == "" {
		t.Fatalf("result = %+v", result)
	}
	if result.SessionID != "s1" {
		t.Fatalf("session id = %q", result.SessionID)
	}
	total := 0
	for _, n := range result.Contributions {
		total += n
	}
	if total != 2 {
		t.Fatalf("contributions = %v", result.Contributions)
	}
}

func TestWorkforcePattern_SimpleQuestionShortCircuits(t *testing.T) {
	h := newHarness(t, SessionConfig{PoolSize: 1}, nil)
	h.client.handler = func(req provider.Request) (string, error) {
		return "Hello!", nil
	}

	p := NewWorkforcePattern(h.session)
	result, err := p.Execute(context.Background(), "Hi")
	if err != nil || !result.Success || result.Output != "Hello!" {
		t.Fatalf("result = %+v, err = %v", result, err)
	}
	if len(h.session.PendingSubtasks()) != 0 {
		t.Fatal("fast path decomposed anyway")
	}
}

func TestWorkforcePattern_FailureSurfaces(t *testing.T) {
	h := newHarness(t, SessionConfig{PoolSize: 1, MaxRetries: 1}, nil)
	h.client.handler = func(req provider.Request) (string, error) {
		switch {
		case isPlannerPrompt(req):
			return "<tasks><task>doomed</task></tasks>", nil
		case isCoordinatorPrompt(req):
			return assignEvenly([]string{"task_s1_subtask_1"}, []string{"worker_1"}, nil), nil
		case strings.Contains(req.Prompt, "SIMPLE or COMPLEX"):
			return "COMPLEX", nil
		default:
			return "", context.DeadlineExceeded
		}
	}

	p := NewWorkforcePattern(h.session)
	result, err := p.Execute(context.Background(), "Run the doomed step and then report on the outcome")
	if err == nil || result.Success {
		t.Fatalf("result = %+v, err = %v", result, err)
	}
	if result.Error == "" {
		t.Fatal("error not captured in result")
	}
}

func TestCapabilityAdvisor_MatchesCapabilities(t *testing.T) {
	workers := []*Worker{
		{ID: "w_pdf", Role: "document specialist", Capabilities: []string{"pdf", "ocr"}},
		{ID: "w_web", Role: "web researcher", Capabilities: []string{"search", "web"}},
	}
	a := NewCapabilityAdvisor(workers)

	allocs, err := a.AllocateTasks(context.Background(), "s1", []AdvisorTask{
		{TaskID: "t1", Description: "extract tables from the pdf report"},
		{TaskID: "t2", Description: "search the web for recent coverage"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, al := range allocs {
		got[al.TaskID] = al.AssignedAgent
	}
	if got["t1"] != "w_pdf" || got["t2"] != "w_web" {
		t.Fatalf("allocations = %v", got)
	}
}

func TestCapabilityAdvisor_LoadBalancesTies(t *testing.T) {
	workers := []*Worker{
		{ID: "w1", Role: "generalist", Capabilities: []string{"general"}},
		{ID: "w2", Role: "generalist", Capabilities: []string{"general"}},
	}
	a := NewCapabilityAdvisor(workers)

	var tasks []AdvisorTask
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		tasks = append(tasks, AdvisorTask{TaskID: id, Description: "plain work"})
	}
	allocs, _ := a.AllocateTasks(context.Background(), "s1", tasks)

	counts := map[string]int{}
	for _, al := range allocs {
		counts[al.AssignedAgent]++
	}
	if counts["w1"] != 2 || counts["w2"] != 2 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestCapabilityAdvisor_CoordinatorIntegration(t *testing.T) {
	workers := []*Worker{
		{ID: "w_pdf", Role: "document specialist", Capabilities: []string{"pdf"}},
		{ID: "w_web", Role: "web researcher", Capabilities: []string{"web"}},
	}
	advisor := NewCapabilityAdvisor(workers)
	client := newFakeClient(func(provider.Request) (string, error) {
		t.Fatal("advisor path must not reach the model")
		return "", nil
	})
	c := NewCoordinator(client, "", advisor, "s1", nil)

	assignment := c.Assign(context.Background(), []*Task{
		{ID: "t1", Description: "read the pdf"},
		{ID: "t2", Description: "check the web"},
	}, workers)
	if assignment["t1"] != "w_pdf" || assignment["t2"] != "w_web" {
		t.Fatalf("assignment = %v", assignment)
	}
}
