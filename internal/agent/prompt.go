package agent

import (
	"context"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/llm"
	"OpenMCP-Nexus/internal/workflow"
)

const simplifyHint = "上一次尝试失败，请缩小范围，只给出最关键的结果。"

// PromptAgent 渲染提示词模板后调用大模型。
type PromptAgent struct {
	name        string
	client      llm.Client
	system      string
	template    string
	structured  bool
	temperature float64
	llmTimeout  time.Duration
	policy      Policy
}

// PromptOption 定义可选的 PromptAgent 配置。
type PromptOption func(*PromptAgent)

// WithSystemPrompt 设置系统提示词。
func WithSystemPrompt(system string) PromptOption {
	return func(a *PromptAgent) { a.system = system }
}

// WithTemplate 设置提示词模板，占位符语法与工作流一致。
func WithTemplate(tpl string) PromptOption {
	return func(a *PromptAgent) { a.template = tpl }
}

// WithStructured 要求模型输出 JSON。
func WithStructured(structured bool) PromptOption {
	return func(a *PromptAgent) { a.structured = structured }
}

// WithTemperature 设置采样温度。
func WithTemperature(t float64) PromptOption {
	return func(a *PromptAgent) { a.temperature = t }
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) PromptOption {
	return func(a *PromptAgent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithPolicy 限制处理器可以执行的动作。
func WithPolicy(p Policy) PromptOption {
	return func(a *PromptAgent) { a.policy = p }
}

// NewPromptAgent 创建一个由大模型驱动的处理器。
func NewPromptAgent(name string, client llm.Client, opts ...PromptOption) *PromptAgent {
	a := &PromptAgent{name: name, client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Structured 实现 Structured。
func (a *PromptAgent) Structured() bool { return a.structured }

// Run 实现 Agent。
func (a *PromptAgent) Run(ctx context.Context, req Request, state map[string]any) (*Result, error) {
	if a.client == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "未配置大模型客户端", xerrors.WithRetryable(false))
	}
	if err := a.policy.Check(req.Action); err != nil {
		return nil, err
	}

	prompt := a.render(req, state)
	if strings.TrimSpace(prompt) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提示词不能为空", xerrors.WithRetryable(false))
	}
	if req.Simplify {
		prompt += "\n\n" + simplifyHint
	}

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	resp, err := a.client.Generate(llmCtx, llm.Request{
		System:      a.system,
		Prompt:      prompt,
		Temperature: a.temperature,
		JSON:        a.structured,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if e, ok := xerrors.From(err); ok && !e.Retryable() {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeAgentTransient, err, "大模型推理失败")
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeAgentTransient, "大模型返回空响应")
	}
	return &Result{Success: true, Output: resp.Text}, nil
}

func (a *PromptAgent) render(req Request, state map[string]any) string {
	tpl := a.template
	if tpl == "" {
		tpl = req.Prompt
	}
	if tpl == "" {
		tpl = req.Description
	}
	root := map[string]any{
		"agent":       a.name,
		"action":      req.Action,
		"description": req.Description,
		"prompt":      req.Prompt,
		"payload":     req.Payload,
		"inputs":      req.Inputs,
		"state":       state,
		"attempt":     req.Attempt,
	}
	return workflow.ResolveTemplate(tpl, root)
}

var (
	_ Agent      = (*PromptAgent)(nil)
	_ Structured = (*PromptAgent)(nil)
)
