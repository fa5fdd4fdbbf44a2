package workforce

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/basket/workforce/internal/provider"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		message string
		want    ErrorCategory
	}{
		{"connection timeout after 30s", ErrNetwork},
		{"429 Too Many Requests", ErrRateLimit},
		{"toolkit search failed", ErrTool},
		{"failed to parse response: invalid json", ErrParse},
		{"worker cannot handle image input", ErrCapabilityMissing},
		{"something completely different", ErrUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.message); got != tt.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", tt.message, got, tt.want)
		}
	}
}

func TestDefaultStrategyTable(t *testing.T) {
	tests := []struct {
		cat  ErrorCategory
		want RecoveryStrategy
	}{
		{ErrNetwork, StrategyRetry},
		{ErrRateLimit, StrategyRetry},
		{ErrTool, StrategyReassign},
		{ErrParse, StrategyReplan},
		{ErrCapabilityMissing, StrategyCreateWorker},
		{ErrUnknown, StrategyReplan},
	}
	for _, tt := range tests {
		if got := defaultStrategyFor(tt.cat); got != tt.want {
			t.Errorf("defaultStrategyFor(%s) = %s, want %s", tt.cat, got, tt.want)
		}
	}
}

func TestAnalyzer_ModelStrategyWins(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return `{"reasoning": "the task is ambiguous", "recovery_strategy": "replan",
			"modified_task_content": "clearer version", "issues": ["ambiguity"]}`, nil
	})
	a := NewAnalyzer(client, "", nil)

	analysis := a.AnalyzeFailure(context.Background(), &Task{ID: "t"}, "weird failure", 1, AllStrategies)
	if analysis.Strategy != StrategyReplan {
		t.Fatalf("strategy = %s", analysis.Strategy)
	}
	if analysis.ModifiedTaskContent != "clearer version" {
		t.Fatalf("modified content = %q", analysis.ModifiedTaskContent)
	}
}

func TestAnalyzer_UnparseableFallsBackToStatic(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return "I think you should try harder", nil
	})
	a := NewAnalyzer(client, "", nil)

	analysis := a.AnalyzeFailure(context.Background(), &Task{ID: "t"}, "connection reset", 1, AllStrategies)
	if analysis.Strategy != "" {
		t.Fatalf("strategy = %s, want empty (static table decides)", analysis.Strategy)
	}
	if len(analysis.Issues) == 0 {
		t.Fatal("issues empty")
	}
}

func TestAnalyzer_DisabledStrategyIgnored(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return `{"reasoning": "r", "recovery_strategy": "create_worker", "issues": []}`, nil
	})
	a := NewAnalyzer(client, "", nil)

	analysis := a.AnalyzeFailure(context.Background(), &Task{ID: "t"}, "x", 1,
		[]RecoveryStrategy{StrategyRetry, StrategyReplan})
	if analysis.Strategy != "" {
		t.Fatalf("disabled strategy survived: %s", analysis.Strategy)
	}
}

func TestAnalyzer_QualityAboveThresholdNoRework(t *testing.T) {
	client := newFakeClient(func(provider.Request) (string, error) {
		return `{"reasoning": "fine", "quality_score": 85, "recovery_strategy": "replan", "issues": []}`, nil
	})
	a := NewAnalyzer(client, "", nil)

	analysis := a.EvaluateQuality(context.Background(), &Task{ID: "t"}, "output", 60)
	if analysis.Strategy != "" {
		t.Fatalf("rework triggered at score 85 with threshold 60")
	}
	if analysis.QualityScore == nil || *analysis.QualityScore != 85 {
		t.Fatalf("score = %v", analysis.QualityScore)
	}
}

func newTestEngine(t *testing.T, analyzerResponse string, enabled []RecoveryStrategy) *Engine {
	t.Helper()
	client := newFakeClient(func(req provider.Request) (string, error) {
		if strings.Contains(req.Prompt, "Analyze the failure") {
			return analyzerResponse, nil
		}
		if strings.Contains(req.Prompt, "Decompose the task") {
			return "<tasks><task>part one</task><task>part two</task></tasks>", nil
		}
		if strings.Contains(req.Prompt, "Design one new agent") {
			return `{"name": "pdf-reader", "role": "document specialist", "description": "reads PDFs", "capabilities": ["pdf"]}`, nil
		}
		return "ok", nil
	})
	planner := NewPlanner(client, "", nil)
	factory := NewWorkerFactory(client, nil, nil, "", 10)
	analyzer := NewAnalyzer(client, "", nil)
	return NewEngine(planner, factory, analyzer, enabled, nil)
}

func engineWorkers() []*Worker {
	return []*Worker{{ID: "w1", Role: "a"}, {ID: "w2", Role: "b"}}
}

func TestEngine_Retry(t *testing.T) {
	e := newTestEngine(t, `{"reasoning": "transient", "recovery_strategy": "retry", "issues": []}`, nil)
	m := e.Recover(context.Background(), &Task{ID: "t"}, "w1", "timeout", 1, engineWorkers())
	if m == nil || m.Strategy != StrategyRetry || m.AssignTo != "w1" {
		t.Fatalf("mutation = %+v", m)
	}
}

func TestEngine_ReassignPicksDifferentWorker(t *testing.T) {
	e := newTestEngine(t, `{"reasoning": "wrong worker", "recovery_strategy": "reassign", "issues": []}`, nil)
	m := e.Recover(context.Background(), &Task{ID: "t"}, "w1", "tool broke", 1, engineWorkers())
	if m == nil || m.Strategy != StrategyReassign {
		t.Fatalf("mutation = %+v", m)
	}
	if m.AssignTo == "w1" {
		t.Fatal("reassigned to the failing worker")
	}
}

func TestEngine_ReassignWithoutAlternativesReturnsNil(t *testing.T) {
	e := newTestEngine(t, `{"reasoning": "r", "recovery_strategy": "reassign", "issues": []}`, nil)
	m := e.Recover(context.Background(), &Task{ID: "t"}, "w1", "x", 1, []*Worker{{ID: "w1"}})
	if m != nil {
		t.Fatalf("mutation = %+v, want nil", m)
	}
}

func TestEngine_ReplanUsesModifiedContent(t *testing.T) {
	e := newTestEngine(t, `{"reasoning": "r", "recovery_strategy": "replan",
		"modified_task_content": "much clearer now", "issues": []}`, nil)
	m := e.Recover(context.Background(), &Task{ID: "t", Description: "vague"}, "w1", "parse error", 1, engineWorkers())
	if m == nil || m.Strategy != StrategyReplan || len(m.Replacements) != 1 {
		t.Fatalf("mutation = %+v", m)
	}
	r := m.Replacements[0]
	if r.ID != "t_replanned" {
		t.Fatalf("replanned id = %q", r.ID)
	}
	if r.Description != "much clearer now" {
		t.Fatalf("replanned description = %q", r.Description)
	}
}

func TestEngine_ReplanDeterministicSuffixWithoutContent(t *testing.T) {
	e := newTestEngine(t, `{"reasoning": "r", "recovery_strategy": "replan", "issues": []}`, nil)
	m := e.Recover(context.Background(), &Task{ID: "t", Description: "vague"}, "w1", "x", 1, engineWorkers())
	if m == nil || !strings.Contains(m.Replacements[0].Description, "vague") {
		t.Fatalf("mutation = %+v", m)
	}
}

func TestEngine_DecomposeSplitsTask(t *testing.T) {
	e := newTestEngine(t, `{"reasoning": "too big", "recovery_strategy": "decompose", "issues": []}`, nil)
	m := e.Recover(context.Background(), &Task{ID: "t", Description: "huge"}, "w1", "x", 1, engineWorkers())
	if m == nil || m.Strategy != StrategyDecompose {
		t.Fatalf("mutation = %+v", m)
	}
	if len(m.Replacements) != 2 {
		t.Fatalf("replacements = %d", len(m.Replacements))
	}
	for _, r := range m.Replacements {
		if !strings.HasPrefix(r.ID, "t_split_") {
			t.Fatalf("replacement id = %q", r.ID)
		}
	}
}

func TestEngine_CreateWorker(t *testing.T) {
	e := newTestEngine(t, `{"reasoning": "needs pdf", "recovery_strategy": "create_worker", "issues": []}`, nil)
	m := e.Recover(context.Background(), &Task{ID: "t", Description: "read the pdf"}, "w1", "capability missing", 1, engineWorkers())
	if m == nil || m.Strategy != StrategyCreateWorker || m.NewWorker == nil {
		t.Fatalf("mutation = %+v", m)
	}
	if m.AssignTo != m.NewWorker.ID {
		t.Fatalf("task not assigned to the new worker: %+v", m)
	}
	if m.NewWorker.Role != "document specialist" {
		t.Fatalf("new worker role = %q", m.NewWorker.Role)
	}
	// New workers start with empty workflow memory.
	if len(m.NewWorker.Memory()) != 0 {
		t.Fatal("new worker inherited memory")
	}
}

func TestEngine_StaticTableWhenAnalyzerSilent(t *testing.T) {
	e := newTestEngine(t, "no structure at all", nil)
	m := e.Recover(context.Background(), &Task{ID: "t"}, "w1", "connection refused by peer", 1, engineWorkers())
	if m == nil || m.Strategy != StrategyRetry {
		t.Fatalf("mutation = %+v, want retry for network error", m)
	}
}

func TestEngine_DisabledDefaultReturnsNil(t *testing.T) {
	e := newTestEngine(t, "nope", []RecoveryStrategy{StrategyDecompose})
	// Network error defaults to retry, which is disabled.
	m := e.Recover(context.Background(), &Task{ID: "t"}, "w1", "connection refused", 1, engineWorkers())
	if m != nil {
		t.Fatalf("mutation = %+v, want nil", m)
	}
}

func TestEngine_AnalyzerErrorStillRecovers(t *testing.T) {
	client := newFakeClient(func(req provider.Request) (string, error) {
		return "", fmt.Errorf("model down")
	})
	e := NewEngine(NewPlanner(client, "", nil), nil, NewAnalyzer(client, "", nil), nil, nil)
	m := e.Recover(context.Background(), &Task{ID: "t"}, "w1", "rate limit hit", 1, engineWorkers())
	if m == nil || m.Strategy != StrategyRetry {
		t.Fatalf("mutation = %+v", m)
	}
}
