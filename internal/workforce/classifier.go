package workforce

import (
	"context"
	"log/slog"
	"strings"

	"github.com/basket/workforce/internal/provider"
)

// simpleGreetings short-circuits the classifier for inputs that are clearly
// conversational; no model call is made for these.
var simpleGreetings = []string{
	"hi", "hello", "hey", "thanks", "thank you", "ok", "okay",
	"good morning", "good evening", "how are you", "who are you",
	"what can you do",
}

// complexMarkers force the multi-step path regardless of length.
var complexMarkers = []string{
	"and then", "after that", "step by step", "first", "finally",
	"search", "write a report", "analyze", "compare", "summarize and",
}

// QuestionClassifier decides whether an input is a simple question that can
// bypass decomposition. Keyword match runs first; ambiguous inputs go to a
// short model call. Classifier errors default to "complex" so real work is
// never short-circuited by a flaky model.
type QuestionClassifier struct {
	client provider.ModelClient
	model  string
	logger *slog.Logger
}

func NewQuestionClassifier(client provider.ModelClient, model string, logger *slog.Logger) *QuestionClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuestionClassifier{client: client, model: model, logger: logger}
}

// IsSimple reports whether question should take the direct-answer fast path.
func (c *QuestionClassifier) IsSimple(ctx context.Context, question string) bool {
	q := strings.ToLower(strings.TrimSpace(question))
	if q == "" {
		return false
	}

	for _, g := range simpleGreetings {
		if q == g || q == g+"!" || q == g+"?" || q == g+"." {
			return true
		}
	}
	for _, m := range complexMarkers {
		if strings.Contains(q, m) {
			return false
		}
	}
	// Short single-clause questions with no task verbs are usually simple.
	if len(q) <= 40 && !strings.Contains(q, ",") && strings.Count(q, " ") <= 6 {
		return true
	}

	resp, err := c.client.Complete(ctx, provider.Request{
		Prompt: "Is the following input a simple question answerable in one reply, or a multi-step task?\n" +
			"Reply with exactly SIMPLE or COMPLEX.\n\nInput: " + question,
		Model: c.model,
	})
	if err != nil {
		c.logger.Warn("question classification failed, defaulting to complex", "error", err)
		return false
	}
	return strings.Contains(strings.ToUpper(resp.Text), "SIMPLE") &&
		!strings.Contains(strings.ToUpper(resp.Text), "COMPLEX")
}
