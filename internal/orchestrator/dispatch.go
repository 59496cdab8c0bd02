package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"OpenMCP-Nexus/internal/agent"
	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/events"
	"OpenMCP-Nexus/internal/intent"
	"OpenMCP-Nexus/internal/memory"
	"OpenMCP-Nexus/internal/observability/alerting"
	"OpenMCP-Nexus/internal/observability/metrics"
	"OpenMCP-Nexus/internal/workflow"
	"OpenMCP-Nexus/pkg/logger"
)

// 分派路由。
const (
	RouteWorkflow = "workflow"
	RouteDirect   = "direct"
)

const snapshotBytes = 4096

// outcome 汇总一次分派的结果。
type outcome struct {
	route   string
	agent   string
	output  any
	steps   int
	skipped bool
	err     error
}

// Route 判断意图使用工作流还是单处理器执行。
func (s *Scheduler) Route(in intent.Intent) string {
	if workflow.Truthy(in.Payload["workflow"]) || in.Action() == RouteWorkflow || in.BlueprintID() != "" {
		return RouteWorkflow
	}
	desc := strings.ToLower(in.Description)
	if strings.HasPrefix(desc, "workflow:") {
		return RouteWorkflow
	}
	for _, kw := range s.keywords {
		if strings.Contains(desc, kw) {
			return RouteWorkflow
		}
	}
	return RouteDirect
}

func (s *Scheduler) dispatch(ctx context.Context, item intent.Intent) {
	route := s.Route(item)
	started := s.now()
	s.deps.Publisher.Publish(ctx, events.Event{
		Type:     events.PipelineStart,
		IntentID: item.ID,
		Message:  item.Description,
		Data:     map[string]any{"route": route, "origin": string(item.Origin), "priority": item.Priority},
	})

	res := s.execute(ctx, item, route)
	elapsed := s.now().Sub(started)

	if res.err != nil && ctx.Err() != nil && xerrors.HasCode(res.err, xerrors.CodeCancelled) {
		// 关停中断的意图放回队列，下次启动时恢复。
		metrics.SetQueueDepth(s.queue.Requeue(item))
		s.persist(ctx)
		s.log.Warn("分派被取消，意图已放回队列", slog.String("intent_id", item.ID))
		return
	}

	s.dispatched.Add(1)
	if res.err == nil {
		s.succeed(ctx, item, res, elapsed)
	} else {
		s.fail(ctx, item, res, elapsed)
	}
	metrics.SetGovernorFailures(s.deps.Governor.Failures())
}

func (s *Scheduler) execute(ctx context.Context, item intent.Intent, route string) (res outcome) {
	res.route = route
	defer func() {
		if p := recover(); p != nil {
			res.err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("分派异常: %v", p))
		}
	}()
	if route == RouteWorkflow {
		return s.runWorkflow(ctx, item)
	}
	return s.runDirect(ctx, item)
}

func (s *Scheduler) runDirect(ctx context.Context, item intent.Intent) outcome {
	res := outcome{route: RouteDirect}
	a, name := s.deps.Registry.Resolve(ctx, item.Agent())
	res.agent = name
	if a == nil {
		res.err = xerrors.Newf(xerrors.CodeNotFound, "没有可用的处理器: %q", item.Agent())
		return res
	}
	state := maps.Clone(item.Payload)
	if state == nil {
		state = map[string]any{}
	}
	ec := workflow.NewExecutionContext(item.ID, state, item.Depth)
	result := s.deps.Runner.Run(ctx, agent.Invocation{
		Name:  name,
		Agent: a,
		Request: agent.Request{
			IntentID:    item.ID,
			Agent:       name,
			Action:      item.Action(),
			Description: item.Description,
			Prompt:      item.Str("prompt"),
			Payload:     item.Payload,
			Inputs:      item.Inputs(),
		},
		State:    state,
		Snapshot: ec.Snapshot(snapshotBytes),
	})
	res.steps = 1
	switch {
	case result.Success:
		res.output = result.Output
	case result.Skipped:
		res.skipped = true
	default:
		res.err = resultError(ctx, result)
	}
	return res
}

// resultError 把执行约定的终态失败转换为带编码的错误。
func resultError(ctx context.Context, r *agent.Result) error {
	msg := r.Error
	if ctx.Err() != nil {
		return xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), msg)
	}
	if strings.HasPrefix(msg, "fatal:") {
		return xerrors.New(xerrors.CodeFatal, msg)
	}
	return xerrors.New(xerrors.CodePolicyRejected, msg)
}

func (s *Scheduler) runWorkflow(ctx context.Context, item intent.Intent) outcome {
	res := outcome{route: RouteWorkflow}
	graph, err := s.plan(ctx, item)
	if err != nil {
		res.err = err
		return res
	}
	state := map[string]any{}
	for k, v := range item.Payload {
		if k != "workflow" {
			state[k] = v
		}
	}
	maps.Copy(state, item.Inputs())
	ec := workflow.NewExecutionContext(item.ID, state, item.Depth)
	out := s.executor.Execute(ctx, graph, ec)
	res.steps = len(out.Steps)
	if out.Error != nil {
		res.err = out.Error
		return res
	}
	res.output = ec.LastResult
	return res
}

// plan 产生工作流图。内联图不缓存。
func (s *Scheduler) plan(ctx context.Context, item intent.Intent) (*workflow.Graph, error) {
	key := planKey(item)
	if key != "" {
		if g, ok := s.plans.Get(key); ok {
			return g, nil
		}
	}
	g, err := s.deps.Planner.Plan(ctx, item)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, xerrors.New(xerrors.CodePlannerFailure, "规划器未返回工作流", xerrors.WithRetryable(false))
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if key != "" {
		s.plans.Add(key, g)
	}
	return g, nil
}

func planKey(item intent.Intent) string {
	if _, inline := item.Payload["workflow"].(map[string]any); inline {
		return ""
	}
	if id := item.BlueprintID(); id != "" {
		return "bp:" + id
	}
	desc := strings.Join(strings.Fields(strings.ToLower(item.Description)), " ")
	if desc == "" {
		return ""
	}
	return "desc:" + desc
}

func (s *Scheduler) succeed(ctx context.Context, item intent.Intent, res outcome, elapsed time.Duration) {
	s.deps.Governor.ReportSuccess()
	metrics.ObserveDispatch(res.route, "completed", elapsed)

	data := map[string]any{"route": res.route, "steps": res.steps, "durationMs": elapsed.Milliseconds()}
	if res.agent != "" {
		data["agent"] = res.agent
	}
	if res.skipped {
		data["skipped"] = true
	}
	s.deps.Publisher.Publish(ctx, events.Event{Type: events.PipelineComplete, IntentID: item.ID, Data: data})
	s.deps.Publisher.Publish(ctx, events.Event{Type: events.IntentCompleted, IntentID: item.ID, Data: map[string]any{"output": res.output}})

	s.record(ctx, memory.Trace{
		IntentID:    item.ID,
		Kind:        memory.KindCompleted,
		Route:       res.route,
		Agent:       res.agent,
		Description: item.Description,
		Output:      res.output,
		Steps:       res.steps,
	})
	logger.Audit().Info("意图执行完成",
		slog.String("intent_id", item.ID),
		slog.String("route", res.route),
		slog.String("agent", res.agent),
		slog.Bool("skipped", res.skipped),
		slog.Int("steps", res.steps),
		slog.Duration("elapsed", elapsed))
}

func (s *Scheduler) fail(ctx context.Context, item intent.Intent, res outcome, elapsed time.Duration) {
	s.failed.Add(1)
	s.deps.Governor.ReportFailure()
	metrics.ObserveDispatch(res.route, "failed", elapsed)

	code := xerrors.CodeOf(res.err)
	s.deps.Publisher.Publish(ctx, events.Event{
		Type:     events.PipelineFailed,
		IntentID: item.ID,
		Message:  res.err.Error(),
		Data:     map[string]any{"route": res.route, "code": string(code), "steps": res.steps},
	})
	s.deps.Publisher.Publish(ctx, events.Event{Type: events.IntentFailed, IntentID: item.ID, Message: res.err.Error()})

	s.record(ctx, memory.Trace{
		IntentID:    item.ID,
		Kind:        memory.KindFailed,
		Route:       res.route,
		Agent:       res.agent,
		Description: item.Description,
		Error:       res.err.Error(),
		Steps:       res.steps,
	})
	s.log.Error("意图执行失败",
		slog.String("intent_id", item.ID),
		slog.String("route", res.route),
		slog.String("code", string(code)),
		slog.Any("error", res.err))

	if s.deps.Alerts != nil {
		if ev, ok := alerting.FromError(item.ID, res.route, res.err); ok {
			if err := s.deps.Alerts.Notify(context.WithoutCancel(ctx), ev); err != nil {
				s.log.Warn("发送告警失败", slog.String("intent_id", item.ID), slog.Any("error", err))
			}
		}
	}
}

func (s *Scheduler) record(ctx context.Context, trace memory.Trace) {
	trace.CreatedAt = s.now().UTC()
	if err := s.deps.Memory.Record(context.WithoutCancel(ctx), trace); err != nil {
		s.log.Error("写入执行轨迹失败", slog.String("intent_id", trace.IntentID), slog.Any("error", err))
	}
}
