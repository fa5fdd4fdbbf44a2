package workforce

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/workforce/internal/provider"
)

// taskTagPattern is the last-resort extraction of <task> bodies from
// unstructured model output.
var taskTagPattern = regexp.MustCompile(`(?s)<task>(.*?)</task>`)

const decomposePromptTemplate = `You are a task planner. Decompose the task below into self-contained subtasks.

Task:
%s
%s
Available agents:
%s

Rules:
- Each subtask must be executable in isolation given the outputs of the
  subtasks it depends on.
- Order subtasks so that dependencies come first.
- Respond with XML only, one <task> element per subtask:

<tasks>
<task>First subtask description</task>
<task>Second subtask description</task>
</tasks>`

// DecomposeCallbacks let the UI render decomposition incrementally. Both
// callbacks are optional and invoked in order on the caller's goroutine.
type DecomposeCallbacks struct {
	// OnText receives raw model text as it streams.
	OnText func(text string)
	// OnBatch receives each parsed batch of subtasks.
	OnBatch func(tasks []*Task)
}

// SubtaskDefinition is one entry of a structured decomposition.
type SubtaskDefinition struct {
	Description    string   `json:"description"`
	ExpectedOutput string   `json:"expected_output"`
	Dependencies   []string `json:"dependencies"`
	Priority       int      `json:"priority"`
}

// DecompositionResult is the structured decomposition variant.
type DecompositionResult struct {
	Subtasks       []SubtaskDefinition `json:"subtasks"`
	Reasoning      string              `json:"reasoning"`
	CanParallelize bool                `json:"can_parallelize"`
}

// Planner decomposes root tasks into subtasks and composes subtask results
// back into a final answer. Model failures never propagate: decomposition
// degrades to a single-subtask plan containing the original task.
type Planner struct {
	client provider.ModelClient
	model  string
	logger *slog.Logger
}

func NewPlanner(client provider.ModelClient, model string, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, model: model, logger: logger}
}

// Decompose produces one or more subtasks for task. The parent description
// is restored to its pre-invocation value on every return path; extra
// context is spliced in only for the duration of the model call.
func (p *Planner) Decompose(ctx context.Context, task *Task, workers []*Worker, extra string, cb *DecomposeCallbacks) []*Task {
	originalDescription := task.Description
	defer func() { task.Description = originalDescription }()

	if extra != "" {
		task.Description = extra + "\n\n" + task.Description
	}

	prompt := p.decomposePrompt(task, workers, "")

	var streamed strings.Builder
	onText := func(text string) error {
		streamed.WriteString(text)
		if cb != nil && cb.OnText != nil {
			cb.OnText(text)
		}
		return nil
	}

	resp, err := p.client.Stream(ctx, provider.Request{Prompt: prompt, Model: p.model}, onText)
	var output string
	if err != nil {
		p.logger.Warn("decomposition model call failed, using single-subtask fallback",
			"task_id", task.ID, "error", err)
		output = ""
	} else {
		output = resp.Text
		if output == "" {
			output = streamed.String()
		}
	}

	subtasks := p.parseSubtasks(output, task.ID, originalDescription)
	if cb != nil && cb.OnBatch != nil {
		cb.OnBatch(subtasks)
	}
	p.logger.Info("decomposed task", "task_id", task.ID, "subtasks", len(subtasks))
	return subtasks
}

// DecomposeStructured returns the structured decomposition form.
// can_parallelize is true iff every subtask has an empty dependency list.
func (p *Planner) DecomposeStructured(ctx context.Context, task *Task, workers []*Worker, extra string) *DecompositionResult {
	subtasks := p.Decompose(ctx, task, workers, extra, nil)

	defs := make([]SubtaskDefinition, 0, len(subtasks))
	canParallelize := true
	for _, st := range subtasks {
		if len(st.Dependencies) > 0 {
			canParallelize = false
		}
		expected := st.ExpectedOutput
		if expected == "" {
			expected = "Task execution result"
		}
		defs = append(defs, SubtaskDefinition{
			Description:    st.Description,
			ExpectedOutput: expected,
			Dependencies:   append([]string{}, st.Dependencies...),
			Priority:       1,
		})
	}

	return &DecompositionResult{
		Subtasks:       defs,
		Reasoning:      fmt.Sprintf("Decomposed task %q into %d subtasks", task.ID, len(defs)),
		CanParallelize: canParallelize,
	}
}

// Compose folds successful subtask results into the parent's final output.
// Failed subtasks are excluded; ok is false when no subtask succeeded.
func (p *Planner) Compose(parent *Task, results []TaskResult) (output string, ok bool) {
	var successful []string
	for _, r := range results {
		if r.Success && r.Output != "" {
			successful = append(successful, r.Output)
		}
	}
	if len(successful) == 0 {
		return "", false
	}
	return strings.Join(successful, "\n\n"), true
}

func (p *Planner) decomposePrompt(task *Task, workers []*Worker, additionalInfo string) string {
	var roster strings.Builder
	for _, w := range workers {
		roster.WriteString(w.Info())
		roster.WriteString("\n")
	}
	extra := ""
	if additionalInfo != "" {
		extra = "\nAdditional context:\n" + additionalInfo + "\n"
	}
	return fmt.Sprintf(decomposePromptTemplate, task.Description, extra, roster.String())
}

type xmlBareDoc struct {
	Tasks []string `xml:"tasks>task"`
	Bare  []string `xml:"task"`
}

// parseSubtasks accepts three output shapes in preference order: well-formed
// XML with a <tasks> root, bare <task> siblings, and pattern-matched
// <task>...</task> substrings. When all three fail, a single subtask
// carrying the original task is returned.
func (p *Planner) parseSubtasks(output, parentID, fallbackDescription string) []*Task {
	descriptions := parseTaskXML(output)
	if len(descriptions) == 0 {
		// Pattern-match <task>...</task> from unstructured text.
		for _, m := range taskTagPattern.FindAllStringSubmatch(output, -1) {
			if text := strings.TrimSpace(m[1]); text != "" {
				descriptions = append(descriptions, text)
			}
		}
		if len(descriptions) > 0 {
			p.logger.Warn("decomposition XML malformed, recovered via pattern match", "subtasks", len(descriptions))
		}
	}

	if len(descriptions) == 0 {
		p.logger.Warn("no subtasks parsed, creating single-subtask fallback", "task_id", parentID)
		return []*Task{{
			ID:             fmt.Sprintf("%s_subtask_1", parentID),
			Description:    fallbackDescription,
			ExpectedOutput: "Task execution result",
		}}
	}

	subtasks := make([]*Task, 0, len(descriptions))
	for i, desc := range descriptions {
		subtasks = append(subtasks, &Task{
			ID:             fmt.Sprintf("%s_subtask_%d", parentID, i+1),
			Description:    desc,
			ExpectedOutput: "Task execution result",
		})
	}
	return subtasks
}

// parseTaskXML handles the two well-formed shapes: a <tasks> root and bare
// <task> siblings. The payload is wrapped in a synthetic root so sibling
// runs parse.
func parseTaskXML(output string) []string {
	wrapped := "<root>" + output + "</root>"

	var doc xmlBareDoc
	if err := xml.Unmarshal([]byte(wrapped), &doc); err != nil {
		return nil
	}

	source := doc.Tasks
	if len(source) == 0 {
		source = doc.Bare
	}

	var out []string
	for _, text := range source {
		if t := strings.TrimSpace(text); t != "" {
			out = append(out, t)
		}
	}
	return out
}
