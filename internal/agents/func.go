package agents

import "context"

// FuncAgent adapts a plain function into an Agent. Useful for wiring simple
// agents and for tests.
type FuncAgent struct {
	AgentID string
	Desc    string
	Fn      func(ctx context.Context, inv Invocation) (map[string]any, error)
}

func (f *FuncAgent) ID() string          { return f.AgentID }
func (f *FuncAgent) Description() string { return f.Desc }

func (f *FuncAgent) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	return f.Fn(ctx, inv)
}
