package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// NamedClient pairs a ModelClient with a provider name for circuit-breaker
// tracking and logging.
type NamedClient struct {
	Name   string
	Client ModelClient
}

// circuitBreaker tracks failure counts and trip state for a single provider.
type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// FailoverClient wraps a primary ModelClient with ordered fallbacks and
// per-provider circuit breakers. It implements ModelClient.
type FailoverClient struct {
	primary   NamedClient
	fallbacks []NamedClient

	mu       sync.Mutex
	breakers map[string]*circuitBreaker

	threshold int           // failures before tripping (default 5)
	cooldown  time.Duration // time before resetting (default 5min)
}

// NewFailoverClient tries the primary client first, then each fallback in
// order. A provider's breaker trips after threshold consecutive failures and
// resets after cooldown elapses.
func NewFailoverClient(primary NamedClient, fallbacks []NamedClient, threshold int, cooldown time.Duration) *FailoverClient {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	breakers := make(map[string]*circuitBreaker)
	breakers[primary.Name] = &circuitBreaker{}
	for _, fb := range fallbacks {
		breakers[fb.Name] = &circuitBreaker{}
	}
	return &FailoverClient{
		primary:   primary,
		fallbacks: fallbacks,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (fc *FailoverClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for _, c := range fc.candidates() {
		if fc.isTripped(c.Name) {
			slog.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}
		resp, err := c.Client.Complete(ctx, req)
		if err == nil {
			fc.recordSuccess(c.Name)
			return resp, nil
		}
		lastErr = err
		fc.recordFailure(c.Name)
		slog.Warn("failover: provider failed", "provider", c.Name, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

func (fc *FailoverClient) Stream(ctx context.Context, req Request, onText func(string) error) (*Response, error) {
	var lastErr error
	for _, c := range fc.candidates() {
		if fc.isTripped(c.Name) {
			slog.Info("failover: skipping tripped provider for stream", "provider", c.Name)
			continue
		}
		resp, err := c.Client.Stream(ctx, req, onText)
		if err == nil {
			fc.recordSuccess(c.Name)
			return resp, nil
		}
		lastErr = err
		fc.recordFailure(c.Name)
		slog.Warn("failover: stream provider failed", "provider", c.Name, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failover: all providers failed for stream, last error: %w", lastErr)
}

func (fc *FailoverClient) candidates() []NamedClient {
	return append([]NamedClient{fc.primary}, fc.fallbacks...)
}

// isTripped reports whether the named provider's breaker is tripped and the
// cooldown has not yet elapsed; an elapsed cooldown resets the breaker.
func (fc *FailoverClient) isTripped(name string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if time.Since(cb.lastFailure) >= fc.cooldown {
		cb.tripped = false
		cb.failures = 0
		slog.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (fc *FailoverClient) recordFailure(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	cb, ok := fc.breakers[name]
	if !ok {
		cb = &circuitBreaker{}
		fc.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= fc.threshold {
		cb.tripped = true
		slog.Warn("failover: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
}

func (fc *FailoverClient) recordSuccess(name string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if cb, ok := fc.breakers[name]; ok {
		cb.failures = 0
		cb.tripped = false
	}
}
