package orchestrator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"OpenMCP-Nexus/internal/agent"
	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/intent"
	"OpenMCP-Nexus/internal/workflow"
)

// InvokeAgent 实现 workflow.AgentInvoker。处理器失败不会中断工作流，
// 结果中的 success 字段可供条件分支判断。
func (s *Scheduler) InvokeAgent(ctx context.Context, call workflow.AgentCall, ec *workflow.ExecutionContext) (any, error) {
	return s.invoke(ctx, call, ec).AsMap(), nil
}

func (s *Scheduler) invoke(ctx context.Context, call workflow.AgentCall, ec *workflow.ExecutionContext) *agent.Result {
	a, name := s.deps.Registry.Resolve(ctx, call.Agent)
	return s.deps.Runner.Run(ctx, agent.Invocation{
		Name:  name,
		Agent: a,
		Request: agent.Request{
			IntentID: ec.IntentID,
			Agent:    name,
			Action:   call.Action,
			Prompt:   call.Prompt,
			Inputs:   call.Inputs,
		},
		State:    ec.AsMap(),
		Snapshot: ec.Snapshot(snapshotBytes),
	})
}

// RunSwarm 实现 workflow.SwarmRunner。
func (s *Scheduler) RunSwarm(ctx context.Context, calls []workflow.AgentCall, batchSize int, ec *workflow.ExecutionContext) ([]any, error) {
	results, err := s.swarm(ctx, calls, batchSize, ec)
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r.AsMap()
	}
	return out, err
}

// ExecuteSwarm 分批执行一组处理器调用，批内并发、批间串行，结果顺序与
// 输入一致。
func (s *Scheduler) ExecuteSwarm(ctx context.Context, calls []workflow.AgentCall, state map[string]any) ([]*agent.Result, error) {
	return s.swarm(ctx, calls, 0, workflow.NewExecutionContext("", state, 0))
}

func (s *Scheduler) swarm(ctx context.Context, calls []workflow.AgentCall, batchSize int, ec *workflow.ExecutionContext) ([]*agent.Result, error) {
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	if ec == nil {
		ec = workflow.NewExecutionContext("", nil, 0)
	}
	results := make([]*agent.Result, len(calls))
	for start := 0; start < len(calls); start += batchSize {
		if err := ctx.Err(); err != nil {
			return results, xerrors.Wrap(xerrors.CodeCancelled, err, fmt.Sprintf("并发批次在第 %d 项前被取消", start))
		}
		end := min(start+batchSize, len(calls))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = s.invoke(ctx, calls[i], ec)
				return nil
			})
		}
		_ = g.Wait()
	}
	return results, nil
}

// Chain 实现 workflow.Chainer，把 TRIGGER_BLUEPRINT 转换为内部链式意图。
func (s *Scheduler) Chain(ctx context.Context, req workflow.ChainRequest) (string, error) {
	payload := map[string]any{"blueprintId": req.BlueprintID, "parentId": req.ParentID}
	if req.Inputs != nil {
		payload["inputs"] = req.Inputs
	}
	receipt, err := s.Submit(ctx, intent.Intent{
		Origin:      intent.OriginInternalChain,
		Description: "workflow: " + req.BlueprintID,
		Payload:     payload,
		Depth:       req.Depth,
	})
	if err != nil {
		return "", err
	}
	return receipt.ID, nil
}

var (
	_ workflow.AgentInvoker = (*Scheduler)(nil)
	_ workflow.SwarmRunner  = (*Scheduler)(nil)
	_ workflow.Chainer      = (*Scheduler)(nil)
)
