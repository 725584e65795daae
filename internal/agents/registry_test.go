package agents

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

func stubAgent(id string) *FuncAgent {
	return &FuncAgent{
		AgentID: id,
		Desc:    "stub " + id,
		Fn: func(ctx context.Context, inv Invocation) (map[string]any, error) {
			return map[string]any{"agent": id}, nil
		},
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubAgent("credit_scorer")))

	agent, err := r.Get("credit_scorer")
	require.NoError(t, err)
	assert.Equal(t, "credit_scorer", agent.ID())

	out, err := agent.Execute(context.Background(), Invocation{RunID: "r1", StepName: "score"})
	require.NoError(t, err)
	assert.Equal(t, "credit_scorer", out["agent"])
}

func TestRegistry_DuplicateID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubAgent("kyc_checker")))

	err := r.Register(stubAgent("kyc_checker"))
	require.Error(t, err)

	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)
}

func TestRegistry_InvalidRegistrations(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(stubAgent("")))
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("ghost")
	require.Error(t, err)

	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestRegistry_HasAndList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubAgent("fraud_detector")))
	require.NoError(t, r.Register(stubAgent("credit_scorer")))

	assert.True(t, r.Has("fraud_detector"))
	assert.False(t, r.Has("unknown"))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "credit_scorer", infos[0].ID)
	assert.Equal(t, "fraud_detector", infos[1].ID)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubAgent("shared")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Get("shared")
			assert.NoError(t, err)
			_ = r.Has("shared")
			_ = r.List()
		}()
	}
	wg.Wait()
}
