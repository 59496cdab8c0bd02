package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/events"
	"OpenMCP-Nexus/pkg/logger"
)

// 默认执行上限。
const (
	DefaultMaxNodeVisits = 50
	DefaultMaxSteps      = 500
)

// NodeHandler 执行单个节点。params 已经过模板渲染（CODE_EXEC 除外）。
type NodeHandler func(ctx context.Context, node Node, params map[string]any, ec *ExecutionContext) (any, error)

// Step 记录一次节点执行。
type Step struct {
	NodeID    string        `json:"nodeId"`
	Type      NodeType      `json:"type"`
	Result    any           `json:"result,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Outcome 是一次图执行的结果。失败时仍携带已完成的步骤与上下文。
type Outcome struct {
	Success bool              `json:"success"`
	Context *ExecutionContext `json:"context"`
	Steps   []Step            `json:"steps"`
	Error   error             `json:"-"`
}

// Executor 解释执行工作流图。
type Executor struct {
	handlers  map[NodeType]NodeHandler
	maxVisits int
	maxSteps  int
	publisher events.Publisher
	agents    AgentInvoker
	chainer   Chainer
	swarm     SwarmRunner
	http      *http.Client
	log       *slog.Logger
	now       func() time.Time
}

// Option 配置 Executor。
type Option func(*Executor)

// WithLimits 覆盖单节点访问上限与总步数上限，非正值保持默认。
func WithLimits(maxVisits, maxSteps int) Option {
	return func(e *Executor) {
		if maxVisits > 0 {
			e.maxVisits = maxVisits
		}
		if maxSteps > 0 {
			e.maxSteps = maxSteps
		}
	}
}

// WithPublisher 设置 stage_start 事件的发布目标。
func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithAgents 设置 AGENT_PROMPT 节点的调用方。
func WithAgents(a AgentInvoker) Option {
	return func(e *Executor) { e.agents = a }
}

// WithChainer 设置 TRIGGER_BLUEPRINT 节点的意图投递方。
func WithChainer(c Chainer) Option {
	return func(e *Executor) { e.chainer = c }
}

// WithSwarm 设置 SWARM 节点的并发执行方。
func WithSwarm(s SwarmRunner) Option {
	return func(e *Executor) { e.swarm = s }
}

// WithHTTPClient 设置 HTTP_REQUEST 节点使用的客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		if c != nil {
			e.http = c
		}
	}
}

// WithHandler 注册或替换某种节点类型的处理函数。
func WithHandler(t NodeType, h NodeHandler) Option {
	return func(e *Executor) {
		if h != nil {
			e.handlers[t] = h
		}
	}
}

// NewExecutor 创建执行器并注册内置节点。
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		handlers:  make(map[NodeType]NodeHandler),
		maxVisits: DefaultMaxNodeVisits,
		maxSteps:  DefaultMaxSteps,
		publisher: events.Discard{},
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       logger.Named("workflow"),
		now:       time.Now,
	}
	e.registerBuiltins()
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 从 START 节点开始执行图，直到没有可走的出边或出错。
// ec 为 nil 时创建空上下文。
func (e *Executor) Execute(ctx context.Context, g *Graph, ec *ExecutionContext) *Outcome {
	if ec == nil {
		ec = NewExecutionContext("", nil, 0)
	}
	out := &Outcome{Context: ec}
	if err := g.Validate(); err != nil {
		out.Error = err
		return out
	}

	node, _ := g.Start()
	visits := make(map[string]int, len(g.Nodes))
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			out.Error = xerrors.Wrap(xerrors.CodeCancelled, err, "工作流被取消")
			return out
		}
		visits[node.ID]++
		if visits[node.ID] > e.maxVisits {
			out.Error = xerrors.Newf(xerrors.CodeInfiniteLoop, "节点 %s 访问次数超过 %d", node.ID, e.maxVisits)
			return out
		}
		steps++
		if steps > e.maxSteps {
			out.Error = xerrors.Newf(xerrors.CodeStepBudget, "执行步数超过 %d", e.maxSteps)
			return out
		}

		e.publisher.Publish(ctx, events.Event{
			Type:     events.StageStart,
			IntentID: ec.IntentID,
			Stage:    node.ID,
			Data:     map[string]any{"nodeType": string(node.Type), "step": steps},
		})

		started := e.now()
		result, err := e.run(ctx, node, ec)
		if err != nil {
			if !xerrors.HasCode(err, xerrors.CodeCancelled) {
				err = xerrors.Wrap(xerrors.CodeWorkflowNode, err, fmt.Sprintf("节点 %s(%s) 执行失败", node.ID, node.Type))
			}
			out.Error = err
			return out
		}
		ec.Record(node.ID, result, started.UTC())
		out.Steps = append(out.Steps, Step{
			NodeID:    node.ID,
			Type:      node.Type,
			Result:    result,
			StartedAt: started.UTC(),
			Duration:  e.now().Sub(started),
		})

		nextID, err := e.selectNext(g, node, result, ec)
		if err != nil {
			out.Error = err
			return out
		}
		if nextID == "" {
			out.Success = true
			return out
		}
		next, ok := g.Node(nextID)
		if !ok {
			out.Error = xerrors.Newf(xerrors.CodeWorkflowNode, "节点 %s 不存在", nextID)
			return out
		}
		node = next
	}
}

func (e *Executor) run(ctx context.Context, node Node, ec *ExecutionContext) (result any, err error) {
	handler, ok := e.handlers[node.Type]
	if !ok {
		return nil, fmt.Errorf("不支持的节点类型 %q", node.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("节点处理函数异常", slog.String("node", node.ID), slog.String("panic", fmt.Sprint(r)))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	params := node.Parameters
	if node.Type != NodeCodeExec {
		params = ResolveParams(node.Parameters, ec.AsMap())
	}
	if params == nil {
		params = map[string]any{}
	}
	return handler(ctx, node, params, ec)
}

// selectNext 按声明顺序检查出边：有条件的边在条件为真时选中，无条件边
// 一旦轮到即选中。没有边匹配时返回空串表示结束。
func (e *Executor) selectNext(g *Graph, node Node, result any, ec *ExecutionContext) (string, error) {
	edges := g.Outgoing(node.ID)
	if len(edges) == 0 {
		return "", nil
	}
	var root map[string]any
	for _, edge := range edges {
		if edge.Condition == "" {
			return edge.Target, nil
		}
		if root == nil {
			root = conditionRoot(result, ec)
		}
		cond, err := ParseCondition(edge.Condition)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeWorkflowNode, err, fmt.Sprintf("边 %s->%s 条件无法解析", edge.Source, edge.Target))
		}
		v, err := cond.Eval(root)
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeWorkflowNode, err, fmt.Sprintf("边 %s->%s 条件求值失败", edge.Source, edge.Target))
		}
		if ok, _ := v.(bool); ok {
			return edge.Target, nil
		}
	}
	return "", nil
}

func conditionRoot(result any, ec *ExecutionContext) map[string]any {
	ctxMap := ec.AsMap()
	root := make(map[string]any, len(ctxMap)+2)
	for k, v := range ctxMap {
		root[k] = v
	}
	root["result"] = result
	root["context"] = ctxMap
	return root
}
