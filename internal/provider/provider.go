// Package provider abstracts the language-model capability injected into
// workers, the planner, the coordinator and the failure analyzer.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/workforce/internal/tokenutil"
)

// Message is one turn of conversation context passed to a model call.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Request carries one model invocation.
type Request struct {
	System   string
	Prompt   string
	Messages []Message // prior conversation, oldest first
	Model    string    // empty uses the client's default
}

// Usage reports token consumption for one call. Counts may be estimates
// when the upstream provider does not report them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Response is the outcome of a successful model call.
type Response struct {
	Text  string
	Usage Usage
}

// ModelClient is the injected model-provider capability. Implementations
// must be safe for concurrent use; calls are the scheduler's suspension
// points and must honor ctx cancellation.
type ModelClient interface {
	// Complete runs one blocking generation.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream runs one generation, delivering text increments to onText in
	// order before returning the full response. Implementations without
	// native streaming may deliver a single increment.
	Stream(ctx context.Context, req Request, onText func(string) error) (*Response, error)
}

// EstimateUsage derives a usage record from request/response text for
// providers that do not report token counts.
func EstimateUsage(req Request, text string) Usage {
	prompt := req.System + req.Prompt
	for _, m := range req.Messages {
		prompt += m.Content
	}
	return Usage{
		PromptTokens:     tokenutil.EstimateTokens(prompt),
		CompletionTokens: tokenutil.EstimateTokens(text),
	}
}

// ScriptedClient replays canned responses in order. Test-only seam for the
// scheduler, planner and coordinator suites; safe for concurrent use.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	calls     []Request
	pos       int
}

// ScriptedResponse is one canned reply. A non-nil Err takes precedence.
type ScriptedResponse struct {
	Text string
	Err  error
}

// NewScriptedClient builds a client replaying the given responses. Once the
// script is exhausted the last entry repeats.
func NewScriptedClient(responses ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

func (c *ScriptedClient) next(req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if len(c.responses) == 0 {
		return nil, fmt.Errorf("scripted client has no responses")
	}
	r := c.responses[c.pos]
	if c.pos < len(c.responses)-1 {
		c.pos++
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &Response{Text: r.Text, Usage: EstimateUsage(req, r.Text)}, nil
}

func (c *ScriptedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.next(req)
}

func (c *ScriptedClient) Stream(ctx context.Context, req Request, onText func(string) error) (*Response, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if onText != nil {
		if err := onText(resp.Text); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Calls returns a copy of all requests seen so far.
func (c *ScriptedClient) Calls() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.calls))
	copy(out, c.calls)
	return out
}
