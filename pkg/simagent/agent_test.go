package simagent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjucss/simsocius/pkg/action"
	"github.com/zjucss/simsocius/pkg/llmclient"
	"github.com/zjucss/simsocius/pkg/simevent"
)

var waitCapability = &action.Capability{
	Name: "wait",
	Instructions: "Do nothing this step.",
	Handle: func(action.Data, any, any, any) action.Result {
		return action.Result{Success: true, Summary: "(waited)"}
	},
}

func newTestAgent() *Agent {
	a := New("Alice")
	a.ActionSpace = action.Catalog{waitCapability}
	return a
}

func TestProcess_DefaultMockResponseParsesAction(t *testing.T) {
	a := newTestAgent()
	a.ShortMemory.Append(simevent.RoleUser, "hello")

	deps := ProcessDeps{Client: &llmclient.Mock{}}
	outcome := a.Process(context.Background(), deps, false)

	require.Len(t, outcome.Actions, 1, "the default untemplated Mock reply must parse into exactly one action")
	assert.Equal(t, "wait", outcome.Actions[0].Name)
	assert.False(t, a.ErrState.IsOffline)
	assert.Zero(t, a.ErrState.ConsecutiveLLMErrors)
}

func TestProcess_NoNewMemoryAndNoInitiativeSkipsCall(t *testing.T) {
	a := newTestAgent()
	a.ShortMemory.Append(simevent.RoleUser, "hello")

	deps := ProcessDeps{Client: &llmclient.Mock{}}
	first := a.Process(context.Background(), deps, false)
	require.Len(t, first.Actions, 1)

	second := a.Process(context.Background(), deps, false)
	assert.Empty(t, second.Actions, "no new memory since the last successful Process call means no LLM call should run")
}

func TestProcess_UnparsableTemplateGoesOfflineAfterMaxConsecutiveErrors(t *testing.T) {
	a := newTestAgent()
	a.ErrState.MaxConsecutiveLLMErrors = 3
	a.ShortMemory.Append(simevent.RoleUser, "hello")

	deps := ProcessDeps{Client: &llmclient.Mock{Template: "not a recognized response"}}

	var errorEvents int
	deps.EmitEvent = func(kind simevent.Kind, data map[string]any) {
		if kind == simevent.KindAgentError {
			errorEvents++
		}
	}

	for i := 0; i < 3; i++ {
		a.ShortMemory.Append(simevent.RoleUser, "nudge")
		outcome := a.Process(context.Background(), deps, false)
		assert.Empty(t, outcome.Actions)
	}

	assert.True(t, a.ErrState.IsOffline, "repeated parse failures must latch the agent offline")
	assert.GreaterOrEqual(t, a.ErrState.ConsecutiveLLMErrors, a.ErrState.MaxConsecutiveLLMErrors)
	assert.True(t, errorEvents > 0)

	offlineOutcome := a.Process(context.Background(), deps, false)
	assert.Empty(t, offlineOutcome.Actions, "an offline agent must not attempt further LLM calls")
}

func TestProcess_ClientErrorRetriesThenSucceeds(t *testing.T) {
	a := newTestAgent()
	a.MaxRepeat = 1
	a.ShortMemory.Append(simevent.RoleUser, "hello")

	calls := 0
	deps := ProcessDeps{Client: mockClientFunc(func(_ context.Context, _ []llmclient.Message) (llmclient.Response, error) {
		calls++
		if calls == 1 {
			return llmclient.Response{}, assertErr
		}
		return (&llmclient.Mock{}).Chat(context.Background(), nil)
	})}

	outcome := a.Process(context.Background(), deps, false)
	require.Len(t, outcome.Actions, 1)
	assert.Equal(t, 2, calls)
	assert.Zero(t, a.ErrState.ConsecutiveLLMErrors, "a successful attempt resets the consecutive error count")
}

type mockClientFunc func(ctx context.Context, messages []llmclient.Message) (llmclient.Response, error)

func (f mockClientFunc) Chat(ctx context.Context, messages []llmclient.Message) (llmclient.Response, error) {
	return f(ctx, messages)
}

func (f mockClientFunc) Name() string { return "mock-func" }

var assertErr = errTransient{}

type errTransient struct{}

func (errTransient) Error() string { return "transient failure" }
