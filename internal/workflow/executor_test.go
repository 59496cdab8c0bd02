package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/events"
)

func TestConditionalEdgesInDeclarationOrder(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "calc", Type: NodeCodeExec, Parameters: map[string]any{"code": "amount * 2"}},
			{ID: "big", Type: NodeDecision},
			{ID: "small", Type: NodeDecision},
		},
		Edges: []Edge{
			{Source: "start", Target: "calc"},
			{Source: "calc", Target: "big", Condition: "result > 10"},
			{Source: "calc", Target: "small"},
			{Source: "calc", Target: "big"},
		},
	}

	out := NewExecutor().Execute(context.Background(), g, NewExecutionContext("i-1", map[string]any{"amount": 3}, 0))
	require.NoError(t, out.Error)
	assert.True(t, out.Success)
	assert.Equal(t, []string{"start", "calc", "small"}, stepIDs(out))
	assert.Equal(t, float64(6), out.Context.Results["calc"])
	assert.Equal(t, float64(6), out.Context.LastResult)
	assert.Len(t, out.Context.History, 3)

	out = NewExecutor().Execute(context.Background(), g, NewExecutionContext("i-2", map[string]any{"amount": 8}, 0))
	require.NoError(t, out.Error)
	assert.Equal(t, []string{"start", "calc", "big"}, stepIDs(out))
}

func TestInfiniteLoopDetectedOnExtraVisit(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "start", Type: NodeStart}, {ID: "spin", Type: NodeDecision}},
		Edges: []Edge{{Source: "start", Target: "spin"}, {Source: "spin", Target: "spin"}},
	}
	out := NewExecutor().Execute(context.Background(), g, nil)
	require.Error(t, out.Error)
	assert.False(t, out.Success)
	assert.Equal(t, xerrors.CodeInfiniteLoop, xerrors.CodeOf(out.Error))
	assert.Len(t, out.Steps, 1+DefaultMaxNodeVisits)
}

func TestStepBudgetExceeded(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "start", Type: NodeStart}, {ID: "a", Type: NodeDecision}, {ID: "b", Type: NodeDecision}},
		Edges: []Edge{{Source: "start", Target: "a"}, {Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}
	out := NewExecutor(WithLimits(100, 10)).Execute(context.Background(), g, nil)
	assert.Equal(t, xerrors.CodeStepBudget, xerrors.CodeOf(out.Error))
	assert.Len(t, out.Steps, 10)
}

func TestValidateRejectsMissingStart(t *testing.T) {
	g := &Graph{Nodes: []Node{{ID: "a", Type: NodeDecision}}}
	out := NewExecutor().Execute(context.Background(), g, nil)
	assert.Equal(t, xerrors.CodeGraphInvalid, xerrors.CodeOf(out.Error))

	bad := &Graph{
		Nodes: []Node{{ID: "s", Type: NodeStart}},
		Edges: []Edge{{Source: "s", Target: "ghost"}},
	}
	assert.Error(t, bad.Validate())

	badCond := &Graph{
		Nodes: []Node{{ID: "s", Type: NodeStart}, {ID: "t", Type: NodeDecision}},
		Edges: []Edge{{Source: "s", Target: "t", Condition: "result >"}},
	}
	assert.Equal(t, xerrors.CodeGraphInvalid, xerrors.CodeOf(badCond.Validate()))
}

func TestHTTPRequestNodeUsesTemplates(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotBody, _ = body["user"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"count":2}`))
	}))
	defer srv.Close()

	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "call", Type: NodeHTTPRequest, Parameters: map[string]any{
				"url":    srv.URL + "/users/{{userId}}",
				"method": "post",
				"body":   map[string]any{"user": "{{userId}}"},
			}},
			{ID: "done", Type: NodeDecision},
		},
		Edges: []Edge{
			{Source: "start", Target: "call"},
			{Source: "call", Target: "done", Condition: "result.ok == true && call.count >= 2"},
		},
	}
	out := NewExecutor(WithHTTPClient(srv.Client())).Execute(context.Background(), g,
		NewExecutionContext("i", map[string]any{"userId": "u-7"}, 0))
	require.NoError(t, out.Error)
	assert.Equal(t, "/users/u-7", gotPath)
	assert.Equal(t, "u-7", gotBody)
	assert.Equal(t, []string{"start", "call", "done"}, stepIDs(out))
}

func TestHTTPRequestErrorAbortsGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := &Graph{
		Nodes: []Node{{ID: "start", Type: NodeStart}, {ID: "call", Type: NodeHTTPRequest, Parameters: map[string]any{"url": srv.URL}}},
		Edges: []Edge{{Source: "start", Target: "call"}},
	}
	out := NewExecutor(WithHTTPClient(srv.Client())).Execute(context.Background(), g, nil)
	assert.Equal(t, xerrors.CodeWorkflowNode, xerrors.CodeOf(out.Error))
	assert.Equal(t, []string{"start"}, stepIDs(out))
}

type fakeAgents struct {
	mu    sync.Mutex
	calls []AgentCall
}

func (f *fakeAgents) InvokeAgent(_ context.Context, call AgentCall, _ *ExecutionContext) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return map[string]any{"success": true, "output": "handled " + call.Agent}, nil
}

func (f *fakeAgents) RunSwarm(ctx context.Context, calls []AgentCall, _ int, ec *ExecutionContext) ([]any, error) {
	out := make([]any, len(calls))
	for i, c := range calls {
		out[i], _ = f.InvokeAgent(ctx, c, ec)
	}
	return out, nil
}

type fakeChainer struct{ got ChainRequest }

func (f *fakeChainer) Chain(_ context.Context, req ChainRequest) (string, error) {
	f.got = req
	return "child-1", nil
}

func TestAgentSwarmAndChainNodes(t *testing.T) {
	agents := &fakeAgents{}
	chainer := &fakeChainer{}
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "ask", Type: NodeAgentPrompt, Parameters: map[string]any{
				"agent": "researcher", "prompt": "look up {{topic}}", "inputs": map[string]any{"topic": "{{topic}}"},
			}},
			{ID: "fan", Type: NodeSwarm, Parameters: map[string]any{
				"tasks": []any{map[string]any{"agent": "a"}, map[string]any{"agent": "b"}},
			}},
			{ID: "next", Type: NodeTriggerBlueprint, Parameters: map[string]any{
				"blueprintId": "follow-up", "inputs": map[string]any{"summary": "{{ask.output}}"},
			}},
		},
		Edges: []Edge{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "fan", Condition: "ask.success"},
			{Source: "fan", Target: "next"},
		},
	}
	out := NewExecutor(WithAgents(agents), WithSwarm(agents), WithChainer(chainer)).
		Execute(context.Background(), g, NewExecutionContext("parent", map[string]any{"topic": "go"}, 2))
	require.NoError(t, out.Error)

	require.Len(t, agents.calls, 3)
	assert.Equal(t, "look up go", agents.calls[0].Prompt)
	assert.Equal(t, "go", agents.calls[0].Inputs["topic"])
	assert.Len(t, out.Context.Results["fan"], 2)

	assert.Equal(t, "follow-up", chainer.got.BlueprintID)
	assert.Equal(t, 3, chainer.got.Depth)
	assert.Equal(t, "parent", chainer.got.ParentID)
	assert.Equal(t, "handled researcher", chainer.got.Inputs["summary"])
	assert.Equal(t, map[string]any{"status": "chained", "target": "follow-up", "intentId": "child-1"}, out.Context.LastResult)
}

func TestHandlerPanicBecomesNodeFailure(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "start", Type: NodeStart}, {ID: "boom", Type: "CUSTOM"}},
		Edges: []Edge{{Source: "start", Target: "boom"}},
	}
	exec := NewExecutor(WithHandler("CUSTOM", func(context.Context, Node, map[string]any, *ExecutionContext) (any, error) {
		panic("bad handler")
	}))
	out := exec.Execute(context.Background(), g, nil)
	assert.Equal(t, xerrors.CodeWorkflowNode, xerrors.CodeOf(out.Error))
	assert.Equal(t, []string{"start"}, stepIDs(out))
}

func TestDelayHonoursCancellation(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "start", Type: NodeStart}, {ID: "wait", Type: NodeDelay, Parameters: map[string]any{"ms": 5000}}},
		Edges: []Edge{{Source: "start", Target: "wait"}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := NewExecutor().Execute(ctx, g, nil)
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(out.Error))
}

func TestStageStartEvents(t *testing.T) {
	bus := events.NewBus()
	var stages []string
	bus.Subscribe(func(_ context.Context, e events.Event) {
		if e.Type == events.StageStart {
			stages = append(stages, e.Stage)
		}
	})
	g := &Graph{
		Nodes: []Node{{ID: "start", Type: NodeStart}, {ID: "w", Type: NodeDelay, Parameters: map[string]any{"ms": "1"}}},
		Edges: []Edge{{Source: "start", Target: "w"}},
	}
	out := NewExecutor(WithPublisher(bus)).Execute(context.Background(), g, nil)
	require.NoError(t, out.Error)
	assert.Equal(t, []string{"start", "w"}, stages)
	assert.Equal(t, map[string]any{"waited": float64(1)}, out.Context.LastResult)
}

func stepIDs(out *Outcome) []string {
	ids := make([]string, len(out.Steps))
	for i, s := range out.Steps {
		ids[i] = s.NodeID
	}
	return ids
}
