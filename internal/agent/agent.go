package agent

import (
	"context"
	"time"
)

// Request 描述一次处理器调用。
type Request struct {
	IntentID    string         `json:"intentId,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	Action      string         `json:"action,omitempty"`
	Description string         `json:"description,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	// Attempt 从 0 开始计数。
	Attempt int `json:"attempt"`
	// Simplify 在重试时为真，提示处理器缩小任务范围。
	Simplify bool `json:"simplify,omitempty"`
}

// Metrics 记录最后一次调用的尝试序号与耗时。
type Metrics struct {
	Attempt int           `json:"attempt"`
	Latency time.Duration `json:"latency"`
}

// Result 是处理器的统一输出。
type Result struct {
	Success bool     `json:"success"`
	Output  any      `json:"output,omitempty"`
	Error   string   `json:"error,omitempty"`
	Skipped bool     `json:"skipped,omitempty"`
	Source  string   `json:"source,omitempty"`
	Metrics *Metrics `json:"metrics,omitempty"`
}

// AsMap 把结果转换为模板与条件可以访问的形式。
func (r *Result) AsMap() map[string]any {
	if r == nil {
		return nil
	}
	m := map[string]any{"success": r.Success}
	if r.Output != nil {
		m["output"] = r.Output
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Skipped {
		m["skipped"] = true
	}
	if r.Source != "" {
		m["source"] = r.Source
	}
	if r.Metrics != nil {
		m["metrics"] = map[string]any{
			"attempt":   r.Metrics.Attempt,
			"latencyMs": r.Metrics.Latency.Milliseconds(),
		}
	}
	return m
}

// Agent 是可插拔的能力处理器。返回 error 表示本次尝试失败，由执行约定
// 决定是否重试。
type Agent interface {
	Run(ctx context.Context, req Request, state map[string]any) (*Result, error)
}

// Structured 由期望输出 JSON 的处理器实现。
type Structured interface {
	Structured() bool
}

// Func 把函数适配为 Agent。
type Func func(ctx context.Context, req Request, state map[string]any) (*Result, error)

func (f Func) Run(ctx context.Context, req Request, state map[string]any) (*Result, error) {
	return f(ctx, req, state)
}

// Echo 原样返回请求内容，作为默认处理器。
type Echo struct{}

func (Echo) Run(_ context.Context, req Request, _ map[string]any) (*Result, error) {
	out := map[string]any{"description": req.Description}
	if req.Action != "" {
		out["action"] = req.Action
	}
	if req.Prompt != "" {
		out["prompt"] = req.Prompt
	}
	if len(req.Payload) > 0 {
		out["payload"] = req.Payload
	}
	if len(req.Inputs) > 0 {
		out["inputs"] = req.Inputs
	}
	return &Result{Success: true, Output: out}, nil
}

var (
	_ Agent = Func(nil)
	_ Agent = Echo{}
)
