package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/intervention"
	"OpenMCP-Nexus/internal/observability/alerting"
	"OpenMCP-Nexus/pkg/logger"
)

// DefaultMaxRetries 是升级到人工前的本地尝试次数。
const DefaultMaxRetries = 3

// 执行结果来源。
const (
	SourceOperator         = "operator"
	SourceOperatorOverride = "operator-override"
)

// Outcome 标签用于指标统计。
const (
	OutcomeSuccess  = "success"
	OutcomeRetry    = "retry"
	OutcomeRejected = "rejected"
	OutcomeSkipped  = "skipped"
	OutcomeOverride = "override"
	OutcomeFatal    = "fatal"
)

// Escalator 把失败交给人工处理并等待答复。
type Escalator interface {
	Request(ctx context.Context, t intervention.Type, description string, metadata map[string]any) (intervention.Resolution, error)
}

// FailureReport 是处理器最终失败时写入长期记忆的报告。
type FailureReport struct {
	IntentID  string    `json:"intentId"`
	Agent     string    `json:"agent"`
	Action    string    `json:"action,omitempty"`
	LastError string    `json:"lastError"`
	Attempts  int       `json:"attempts"`
	Context   string    `json:"context,omitempty"`
	At        time.Time `json:"at"`
}

// FailureRecorder 保存失败报告。
type FailureRecorder interface {
	RecordFailure(ctx context.Context, report FailureReport) error
}

// Observer 在每次尝试或终态时回调。
type Observer func(agent, outcome string, latency time.Duration)

// Invocation 是一次受执行约定保护的调用。
type Invocation struct {
	Name    string
	Agent   Agent
	Request Request
	State   map[string]any
	// Snapshot 是升级给人工时附带的压缩上下文。
	Snapshot string
}

// Runner 实现执行约定：有限次本地重试、结构化输出修复、升级人工、
// 超时后记录失败报告。
type Runner struct {
	maxRetries int
	escalator  Escalator
	recorder   FailureRecorder
	observer   Observer
	alerts     alerting.Dispatcher
	log        *slog.Logger
	now        func() time.Time
}

// RunnerOption 配置 Runner。
type RunnerOption func(*Runner)

// WithMaxRetries 设置本地尝试次数。
func WithMaxRetries(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithEscalator 设置人工介入通道，未设置时耗尽重试直接失败。
func WithEscalator(e Escalator) RunnerOption {
	return func(r *Runner) { r.escalator = e }
}

// WithFailureRecorder 设置失败报告的存储。
func WithFailureRecorder(rec FailureRecorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// WithAlerts 设置升级人工时的告警通道。
func WithAlerts(d alerting.Dispatcher) RunnerOption {
	return func(r *Runner) { r.alerts = d }
}

// WithObserver 设置指标回调。
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// NewRunner 创建执行约定。
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		maxRetries: DefaultMaxRetries,
		log:        logger.Named("agent"),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run 执行调用直到进入终态。返回值总是非 nil：成功、跳过、人工覆盖
// 或以 "fatal:" 开头的失败。
func (r *Runner) Run(ctx context.Context, inv Invocation) *Result {
	if inv.Agent == nil {
		return &Result{Error: "fatal:" + fmt.Sprintf("处理器 %q 不存在", inv.Name)}
	}
	attempt := 0
	total := 0
	lastErr := ""
	var metrics *Metrics

	for {
		for attempt < r.maxRetries {
			if err := ctx.Err(); err != nil {
				return &Result{Error: "fatal:" + err.Error(), Metrics: metrics}
			}
			req := inv.Request
			req.Attempt = attempt
			req.Simplify = attempt > 0

			started := r.now()
			res, err := r.invoke(ctx, inv.Agent, req, inv.State)
			latency := r.now().Sub(started)
			total++
			metrics = &Metrics{Attempt: attempt + 1, Latency: latency}

			if err == nil {
				res.Metrics = metrics
				r.observe(inv.Name, OutcomeSuccess, latency)
				return res
			}
			if !xerrors.RetryableError(err) {
				r.observe(inv.Name, OutcomeRejected, latency)
				r.log.Warn("处理器调用被拒绝",
					slog.String("agent", inv.Name),
					slog.String("intent_id", inv.Request.IntentID),
					slog.Any("error", err))
				r.record(ctx, inv, err.Error(), total)
				return &Result{Error: err.Error(), Metrics: metrics}
			}

			attempt++
			lastErr = err.Error()
			r.observe(inv.Name, OutcomeRetry, latency)
			r.log.Warn("处理器调用失败",
				slog.String("agent", inv.Name),
				slog.String("intent_id", inv.Request.IntentID),
				slog.Int("attempt", attempt),
				slog.Int("max_retries", r.maxRetries),
				slog.String("error", lastErr))
		}

		if r.escalator == nil {
			return r.fatal(ctx, inv, lastErr, total, metrics)
		}
		r.alert(ctx, inv, xerrors.New(xerrors.CodeEscalated,
			fmt.Sprintf("处理器 %s 已升级人工处理", inv.Name),
			xerrors.WithMetadata("agent", inv.Name),
			xerrors.WithMetadata("last_error", lastErr)))
		resolution, err := r.escalator.Request(ctx, intervention.TypeErrorRecovery,
			fmt.Sprintf("处理器 %s 连续失败 %d 次: %s", inv.Name, attempt, lastErr),
			map[string]any{
				"agent":     inv.Name,
				"intentId":  inv.Request.IntentID,
				"action":    inv.Request.Action,
				"lastError": lastErr,
				"attempts":  total,
				"context":   inv.Snapshot,
			})
		if err != nil {
			r.log.Error("人工介入未完成", slog.String("agent", inv.Name), slog.Any("error", err))
			// 关闭时取消的介入不告警。
			r.alert(ctx, inv, xerrors.Wrap(xerrors.CodeEscalated, err, "人工介入未完成",
				xerrors.WithMetadata("agent", inv.Name),
				xerrors.WithSeverity(xerrors.SeverityCritical),
				xerrors.WithAlert(ctx.Err() == nil)))
			return r.fatal(ctx, inv, lastErr, total, metrics)
		}

		switch {
		case resolution.IsRetry():
			attempt, lastErr = 0, ""
			continue
		case resolution.IsSkip():
			r.observe(inv.Name, OutcomeSkipped, 0)
			return &Result{Skipped: true, Source: SourceOperator, Metrics: metrics}
		}
		if payload, ok := resolution.JSON(); ok {
			r.observe(inv.Name, OutcomeOverride, 0)
			return &Result{Success: true, Output: payload, Source: SourceOperatorOverride, Metrics: metrics}
		}
		r.log.Warn("无法识别的人工答复", slog.String("agent", inv.Name), slog.String("value", resolution.Value))
		return r.fatal(ctx, inv, lastErr, total, metrics)
	}
}

// invoke 调用处理器并在需要时修复结构化输出。
func (r *Runner) invoke(ctx context.Context, a Agent, req Request, state map[string]any) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = xerrors.New(xerrors.CodeAgentTransient, fmt.Sprintf("处理器异常: %v", p))
		}
	}()
	res, err = a.Run(ctx, req, state)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{Success: true}
	}
	if s, ok := a.(Structured); ok && s.Structured() && res.Success {
		var text string
		switch out := res.Output.(type) {
		case string:
			text = out
		case []byte:
			text = string(out)
		default:
			return res, nil
		}
		parsed, err := RepairJSON(text)
		if err != nil {
			return nil, err
		}
		res.Output = parsed
	}
	return res, nil
}

func (r *Runner) fatal(ctx context.Context, inv Invocation, lastErr string, attempts int, metrics *Metrics) *Result {
	r.observe(inv.Name, OutcomeFatal, 0)
	r.record(ctx, inv, lastErr, attempts)
	return &Result{Error: "fatal:" + lastErr, Metrics: metrics}
}

func (r *Runner) alert(ctx context.Context, inv Invocation, err error) {
	if r.alerts == nil {
		return
	}
	event, ok := alerting.FromError(inv.Request.IntentID, "agent", err)
	if !ok {
		return
	}
	if err := r.alerts.Notify(context.WithoutCancel(ctx), event); err != nil {
		r.log.Warn("告警发送失败", slog.String("agent", inv.Name), slog.Any("error", err))
	}
}

func (r *Runner) record(ctx context.Context, inv Invocation, lastErr string, attempts int) {
	if r.recorder == nil {
		return
	}
	report := FailureReport{
		IntentID:  inv.Request.IntentID,
		Agent:     inv.Name,
		Action:    inv.Request.Action,
		LastError: lastErr,
		Attempts:  attempts,
		Context:   inv.Snapshot,
		At:        r.now().UTC(),
	}
	if err := r.recorder.RecordFailure(context.WithoutCancel(ctx), report); err != nil {
		r.log.Error("保存失败报告失败", slog.String("agent", inv.Name), slog.Any("error", err))
	}
}

func (r *Runner) observe(agent, outcome string, latency time.Duration) {
	if r.observer != nil {
		r.observer(agent, outcome, latency)
	}
}
