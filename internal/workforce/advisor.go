package workforce

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// CapabilityAdvisor is a deterministic collaboration-intelligence advisor:
// tasks go to the worker whose capability and role labels best match the
// task text, with a load penalty spreading work across the pool. Consulted
// by the coordinator before the model-driven assignment path.
type CapabilityAdvisor struct {
	mu      sync.Mutex
	workers []*Worker
	load    map[string]int
}

func NewCapabilityAdvisor(workers []*Worker) *CapabilityAdvisor {
	return &CapabilityAdvisor{
		workers: append([]*Worker{}, workers...),
		load:    make(map[string]int),
	}
}

// NewCapabilityAdvisorFromSpecs seeds an advisor from worker specs, for
// wiring at startup before any session (and its workers) exists. The ids
// must match the pool the sessions will build from the same specs.
func NewCapabilityAdvisorFromSpecs(specs []WorkerSpec) *CapabilityAdvisor {
	workers := make([]*Worker, 0, len(specs))
	for _, spec := range specs {
		workers = append(workers, &Worker{
			ID:           spec.ID,
			Name:         spec.Name,
			Role:         spec.Role,
			Description:  spec.Description,
			Capabilities: append([]string{}, spec.Capabilities...),
		})
	}
	return NewCapabilityAdvisor(workers)
}

// SetWorkers replaces the advisor's view of the pool (after CREATE_WORKER).
func (a *CapabilityAdvisor) SetWorkers(workers []*Worker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workers = append([]*Worker{}, workers...)
}

// AllocateTasks scores every worker for every task and picks the best.
func (a *CapabilityAdvisor) AllocateTasks(_ context.Context, _ string, tasks []AdvisorTask) ([]Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Allocation
	for _, task := range tasks {
		best := a.bestWorkerLocked(task)
		if best == "" {
			continue
		}
		a.load[best]++
		out = append(out, Allocation{TaskID: task.TaskID, AssignedAgent: best})
	}
	return out, nil
}

func (a *CapabilityAdvisor) bestWorkerLocked(task AdvisorTask) string {
	text := strings.ToLower(task.Description + " " + task.ExpectedOutput)

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for _, w := range a.workers {
		score := 0.0
		for _, cap := range w.Capabilities {
			if cap != "" && strings.Contains(text, strings.ToLower(cap)) {
				score += 2
			}
		}
		for _, word := range strings.Fields(strings.ToLower(w.Role)) {
			if len(word) > 3 && strings.Contains(text, word) {
				score++
			}
		}
		// Load penalty keeps the pool balanced when scores tie.
		score -= 0.25 * float64(a.load[w.ID])
		candidates = append(candidates, scored{id: w.ID, score: score})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	return candidates[0].id
}
