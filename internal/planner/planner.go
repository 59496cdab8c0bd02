// Package planner 把意图转换为可执行的工作流图。
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"OpenMCP-Nexus/internal/agent"
	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/intent"
	"OpenMCP-Nexus/internal/llm"
	"OpenMCP-Nexus/internal/workflow"
)

// Planner 为意图生成工作流图。
type Planner interface {
	Plan(ctx context.Context, in intent.Intent) (*workflow.Graph, error)
}

// ErrNotApplicable 表示当前规划器不适用于该意图，Chain 会继续尝试下一个。
var ErrNotApplicable = xerrors.New(xerrors.CodeNotFound, "规划器不适用")

// Func 把函数适配为 Planner。
type Func func(ctx context.Context, in intent.Intent) (*workflow.Graph, error)

func (f Func) Plan(ctx context.Context, in intent.Intent) (*workflow.Graph, error) { return f(ctx, in) }

// Chain 依次尝试规划器，直到某个产出工作流。
type Chain []Planner

func (c Chain) Plan(ctx context.Context, in intent.Intent) (*workflow.Graph, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		g, err := p.Plan(ctx, in)
		if err == nil {
			return g, nil
		}
		if !xerrors.HasCode(err, xerrors.CodeNotFound) {
			return nil, err
		}
	}
	return nil, xerrors.New(xerrors.CodePlannerFailure, "没有规划器产出工作流", xerrors.WithRetryable(false))
}

// Inline 解码意图载荷中 workflow 字段携带的图。
type Inline struct{}

func (Inline) Plan(_ context.Context, in intent.Intent) (*workflow.Graph, error) {
	raw, ok := in.Payload["workflow"]
	if !ok {
		return nil, ErrNotApplicable
	}
	if _, isMap := raw.(map[string]any); !isMap {
		return nil, ErrNotApplicable
	}
	g, err := decodeGraph(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeGraphInvalid, err, "内联工作流格式错误")
	}
	return g, nil
}

// Blueprint 按意图的 blueprintId 在蓝图库中查找。
type Blueprint struct {
	Library *Library
}

func (b Blueprint) Plan(_ context.Context, in intent.Intent) (*workflow.Graph, error) {
	id := in.BlueprintID()
	if id == "" || b.Library == nil {
		return nil, ErrNotApplicable
	}
	g, ok := b.Library.Get(id)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodePlannerFailure, "蓝图 %q 不存在", id)
	}
	return g, nil
}

const plannerSystem = `You design workflows as JSON graphs. Reply with a single JSON object:
{"id": string, "nodes": [{"id": string, "type": string, "parameters": object}], "edges": [{"source": string, "target": string, "condition": string}]}
Exactly one node must have type START. Other node types: HTTP_REQUEST, AGENT_PROMPT, CODE_EXEC, DELAY, DECISION, TRIGGER_BLUEPRINT, SWARM.
Parameters may reference earlier results with {{path}} placeholders. Conditions are expressions such as result.status == "ok".`

// LLM 请模型起草工作流图。
type LLM struct {
	Client llm.Client
	// Agents 返回模型可以引用的处理器名称。
	Agents func() []string
}

func (p LLM) Plan(ctx context.Context, in intent.Intent) (*workflow.Graph, error) {
	if p.Client == nil {
		return nil, ErrNotApplicable
	}
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Goal: %s\n", in.Description)
	if inputs := in.Inputs(); len(inputs) > 0 {
		encoded, _ := json.Marshal(inputs)
		fmt.Fprintf(&prompt, "Inputs: %s\n", encoded)
	}
	if p.Agents != nil {
		if names := p.Agents(); len(names) > 0 {
			fmt.Fprintf(&prompt, "Available agents: %s\n", strings.Join(names, ", "))
		}
	}

	resp, err := p.Client.Generate(ctx, llm.Request{System: plannerSystem, Prompt: prompt.String(), JSON: true})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlannerFailure, err, "规划模型调用失败")
	}
	parsed, err := agent.RepairJSON(resp.Text)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlannerFailure, err, "规划模型未返回 JSON")
	}
	g, err := decodeGraph(parsed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePlannerFailure, err, "规划模型返回的图无效")
	}
	if g.ID == "" {
		g.ID = "plan-" + in.ID
	}
	return g, nil
}

func decodeGraph(v any) (*workflow.Graph, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var g workflow.Graph
	if err := json.Unmarshal(encoded, &g); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

var (
	_ Planner = Chain(nil)
	_ Planner = Inline{}
	_ Planner = Blueprint{}
	_ Planner = LLM{}
	_ Planner = Func(nil)
)
