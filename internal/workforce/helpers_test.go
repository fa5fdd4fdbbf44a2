package workforce

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/basket/workforce/internal/provider"
)

// fakeClient routes every model call through a handler inspecting the
// request, which lets one fake serve coordinator, planner, analyzer and
// worker prompts deterministically.
type fakeClient struct {
	mu      sync.Mutex
	handler func(req provider.Request) (string, error)
	calls   []provider.Request

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeClient(handler func(req provider.Request) (string, error)) *fakeClient {
	return &fakeClient{handler: handler}
}

func (c *fakeClient) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cur := c.inFlight.Add(1)
	for {
		max := c.maxInFlight.Load()
		if cur <= max || c.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer c.inFlight.Add(-1)

	c.mu.Lock()
	c.calls = append(c.calls, req)
	handler := c.handler
	c.mu.Unlock()

	text, err := handler(req)
	if err != nil {
		return nil, err
	}
	return &provider.Response{Text: text, Usage: provider.EstimateUsage(req, text)}, nil
}

func (c *fakeClient) Stream(ctx context.Context, req provider.Request, onText func(string) error) (*provider.Response, error) {
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

func (c *fakeClient) Calls() []provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]provider.Request, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *fakeClient) MaxInFlight() int {
	return int(c.maxInFlight.Load())
}
