package aegis

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// scriptedProvider replays canned responses (or errors) in order and keeps
// every request it saw. The last step repeats if invoked again.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []InvokeResponse
	errs      []error
	reqs      []InvokeRequest
}

func (p *scriptedProvider) Invoke(_ context.Context, req InvokeRequest) (*InvokeResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	i := len(p.reqs) - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	resp := p.responses[i]
	return &resp, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *scriptedProvider) request(i int) InvokeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[i]
}

// stubTool is a canned Tool for loop and registry tests.
type stubTool struct {
	name   string
	class  string
	schema json.RawMessage
	calls  int
	invoke func(ctx context.Context, args map[string]any) (ToolOutput, error)
}

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return s.name + " stub" }
func (s *stubTool) InputSchema() json.RawMessage { return s.schema }

func (s *stubTool) Class() string {
	if s.class == "" {
		return ClassDefault
	}
	return s.class
}

func (s *stubTool) Invoke(ctx context.Context, args map[string]any) (ToolOutput, error) {
	s.calls++
	return s.invoke(ctx, args)
}

func textTool(name, text string) *stubTool {
	return &stubTool{
		name: name,
		invoke: func(context.Context, map[string]any) (ToolOutput, error) {
			return ToolOutput{Text: text}, nil
		},
	}
}

// instantPolicy keeps retry counts but removes delays so failure paths run
// at test speed.
var instantPolicy = Policy{MaxRetries: 2, InitialDelay: 0, BackoffFactor: 1, Timeout: time.Second}

func instantRecovery(opts ...RecoveryOption) *Recovery {
	base := []RecoveryOption{
		RecoveryPolicy(ClassDefault, instantPolicy),
		RecoveryPolicy(ClassEDR, instantPolicy),
		RecoveryPolicy(ClassWeather, Policy{MaxRetries: 3, InitialDelay: 0, BackoffFactor: 1, Timeout: time.Second}),
		RecoveryPolicy(ClassDocSearch, Policy{MaxRetries: 1, InitialDelay: 0, BackoffFactor: 1, Timeout: time.Second}),
		RecoveryPolicy(ClassSIEM, instantPolicy),
	}
	return NewRecovery(append(base, opts...)...)
}

// fakeClock is a manually advanced time source for interval-sensitive
// recovery tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func sealedRegistry(tools ...Tool) (*Registry, error) {
	reg := NewRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	if err := reg.Seal(); err != nil {
		return nil, err
	}
	return reg, nil
}
